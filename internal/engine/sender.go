// =============================================================================
// 文件: internal/engine/sender.go
// 描述: 发送会话 - 把客户服务数据切分为红/绿段发出，按配置密度落检查点，
// 处理回传的报告段并重发缺口，红色部分被全额确认后关闭
// =============================================================================
package engine

import (
	"github.com/mrcgq/ltp/internal/fragset"
	"github.com/mrcgq/ltp/internal/ltptimer"
	"github.com/mrcgq/ltp/internal/segment"
)

// outstandingCheckpoint 在途检查点：覆盖范围 [begin,end) 与其响应的报告序列号
type outstandingCheckpoint struct {
	begin        uint64
	end          uint64
	reportSerial uint64 // 0 表示初始传输检查点
}

// checkpointTimerData 检查点定时器用户数据
type checkpointTimerData struct {
	retryCount uint32
}

// sessionSender 一个出站块的发送状态机。引擎独占持有；
// 引擎句柄在每次调用时显式传入，所有权保持无环。
type sessionSender struct {
	sid                 segment.SessionID
	destEngineID        uint64
	destClientServiceID uint64
	data                []byte // 会话生命期内持有
	redLength           uint64

	sendCursor       uint64 // 下一个待发字节
	dataSegmentCount uint64 // 红色数据段计数，驱动"每 N 段一个检查点"

	nextCheckpointSerial uint64
	outstanding          map[uint64]outstandingCheckpoint
	ackedByReceiver      *fragset.Set // 对端已声明收到的红色范围并集
	reportsProcessed     map[uint64]struct{}

	initialTransmissionCompleted bool
	completed                    bool
	cancelInProgress             bool
	cancelReason                 segment.CancelReason
	cancelRetryCount             uint32
	didNotifyDeletion            bool
}

// cancelTimerSerial 取消段重试定时器的保留序列号 (正常序列号非零)
const cancelTimerSerial uint64 = 0

func newSessionSender(sid segment.SessionID, destEngineID, destClientServiceID uint64, data []byte, redLength uint64, firstCheckpointSerial uint64) *sessionSender {
	return &sessionSender{
		sid:                  sid,
		destEngineID:         destEngineID,
		destClientServiceID:  destClientServiceID,
		data:                 data,
		redLength:            redLength,
		nextCheckpointSerial: firstCheckpointSerial,
		outstanding:          make(map[uint64]outstandingCheckpoint),
		ackedByReceiver:      fragset.New(),
		reportsProcessed:     make(map[uint64]struct{}),
	}
}

// newSerial 取下一个检查点序列号 (单调递增)
func (s *sessionSender) newSerial() uint64 {
	serial := s.nextCheckpointSerial
	s.nextCheckpointSerial++
	if s.nextCheckpointSerial == 0 {
		s.nextCheckpointSerial = 1
	}
	return serial
}

// hasDataToSend 初始传输是否还有数据可产出
func (s *sessionSender) hasDataToSend() bool {
	return !s.cancelInProgress && !s.didNotifyDeletion && s.sendCursor < uint64(len(s.data))
}

// segmentTypeFor 计算一段红色数据的段类型
func (s *sessionSender) segmentTypeFor(isCheckpoint, endsRedPart bool) segment.Type {
	if !isCheckpoint {
		return segment.TypeRedData
	}
	if endsRedPart {
		if s.redLength == uint64(len(s.data)) {
			return segment.TypeRedDataCheckpointEORPEOB
		}
		return segment.TypeRedDataCheckpointEORP
	}
	return segment.TypeRedDataCheckpoint
}

// nextDataToSend 产出下一个初始传输段。发完最后一段后触发
// initial_transmission_completed 并检查会话完成条件。
func (s *sessionSender) nextDataToSend(e *Engine) (OutboundPacket, bool) {
	if !s.hasDataToSend() {
		return OutboundPacket{}, false
	}
	total := uint64(len(s.data))
	var pkt []byte
	if s.sendCursor < s.redLength {
		// 红色阶段
		chunk := e.opts.MTUBytes
		if remain := s.redLength - s.sendCursor; chunk > remain {
			chunk = remain
		}
		endsRedPart := s.sendCursor+chunk == s.redLength
		s.dataSegmentCount++
		n := e.opts.CheckpointEveryNthDataSegment
		isCheckpoint := endsRedPart || (n > 0 && s.dataSegmentCount%n == 0)
		t := s.segmentTypeFor(isCheckpoint, endsRedPart)
		info := segment.DataInfo{
			ClientServiceID: s.destClientServiceID,
			Offset:          s.sendCursor,
		}
		if isCheckpoint {
			serial := s.newSerial()
			info.CheckpointSerial = serial
			info.ReportSerial = 0
			s.outstanding[serial] = outstandingCheckpoint{begin: s.sendCursor, end: s.sendCursor + chunk}
			e.checkpointTimers.Start(e.now(), ltptimer.Key{Session: s.sid, Serial: serial}, &checkpointTimerData{})
			e.stats.add(&e.stats.CheckpointsSent, 1)
		}
		pkt = segment.EncodeDataSegment(t, s.sid, info, s.data[s.sendCursor:s.sendCursor+chunk], nil, nil)
		s.sendCursor += chunk
	} else {
		// 绿色阶段
		chunk := e.opts.MTUBytes
		if remain := total - s.sendCursor; chunk > remain {
			chunk = remain
		}
		t := segment.TypeGreenData
		if s.sendCursor+chunk == total {
			t = segment.TypeGreenDataEOB
		}
		info := segment.DataInfo{
			ClientServiceID: s.destClientServiceID,
			Offset:          s.sendCursor,
		}
		pkt = segment.EncodeDataSegment(t, s.sid, info, s.data[s.sendCursor:s.sendCursor+chunk], nil, nil)
		s.sendCursor += chunk
	}
	e.stats.add(&e.stats.SegmentsSent, 1)

	if s.sendCursor == total {
		s.initialTransmissionCompleted = true
		if e.cb.InitialTransmissionCompleted != nil {
			e.cb.InitialTransmissionCompleted(s.sid)
		}
		s.maybeComplete(e)
	}
	return OutboundPacket{DestEngineID: s.destEngineID, Data: pkt}, true
}

// maybeComplete 红色部分全额确认且初始传输完成时关闭会话
func (s *sessionSender) maybeComplete(e *Engine) {
	if s.completed || s.didNotifyDeletion || s.cancelInProgress {
		return
	}
	if !s.initialTransmissionCompleted {
		return
	}
	if s.redLength > 0 && !s.ackedByReceiver.ContainsEntirely(fragset.Fragment{Begin: 0, End: s.redLength - 1}) {
		return
	}
	s.completed = true
	e.stats.add(&e.stats.SessionsCompleted, 1)
	if e.cb.TransmissionSessionCompleted != nil {
		e.cb.TransmissionSessionCompleted(s.sid)
	}
	s.notifyDeletion(e)
}

// reportReceived 处理回传的报告段
func (s *sessionSender) reportReceived(e *Engine, rs *segment.ReportSegment) {
	if s.didNotifyDeletion {
		return
	}
	if _, dup := s.reportsProcessed[rs.ReportSerial]; dup {
		// 重复报告：只再发一次确认，无其他状态变化
		e.enqueueOut(s.destEngineID, segment.EncodeReportAck(s.sid, rs.ReportSerial, nil, nil))
		return
	}
	s.reportsProcessed[rs.ReportSerial] = struct{}{}
	e.enqueueOut(s.destEngineID, segment.EncodeReportAck(s.sid, rs.ReportSerial, nil, nil))
	if s.cancelInProgress {
		return
	}

	// 报告响应的检查点不再等待重试
	if _, ok := s.outstanding[rs.CheckpointSerial]; ok {
		e.checkpointTimers.Cancel(ltptimer.Key{Session: s.sid, Serial: rs.CheckpointSerial})
		delete(s.outstanding, rs.CheckpointSerial)
	}

	// 声明范围并入已确认集合，并计算报告范围内的缺口
	claimSet := fragset.New()
	for _, c := range rs.Claims {
		if c.Length == 0 {
			continue
		}
		frag := fragset.Fragment{Begin: rs.LowerBound + c.Offset, End: rs.LowerBound + c.Offset + c.Length - 1}
		claimSet.Insert(frag)
		s.ackedByReceiver.Insert(frag)
	}
	if rs.UpperBound > rs.LowerBound {
		missing := fragset.BoundsMinus(fragset.Fragment{Begin: rs.LowerBound, End: rs.UpperBound - 1}, claimSet)
		if len(missing) > 0 {
			s.resendMissing(e, missing, rs.ReportSerial)
		}
	}
	s.maybeComplete(e)
}

// resendMissing 按 MTU 切分重发缺口。本轮最后一个重发段升级为检查点，
// 其 report_serial 字段带上所响应报告的序列号。
func (s *sessionSender) resendMissing(e *Engine, missing []fragset.Fragment, respondedReportSerial uint64) {
	type piece struct {
		begin uint64
		end   uint64 // 开区间上界
	}
	var pieces []piece
	for _, gap := range missing {
		begin := gap.Begin
		for begin <= gap.End {
			end := begin + e.opts.MTUBytes
			if end > gap.End+1 {
				end = gap.End + 1
			}
			pieces = append(pieces, piece{begin: begin, end: end})
			begin = end
		}
	}
	for i, pc := range pieces {
		last := i == len(pieces)-1
		endsRedPart := pc.end == s.redLength
		t := segment.TypeRedData
		info := segment.DataInfo{
			ClientServiceID: s.destClientServiceID,
			Offset:          pc.begin,
		}
		if last {
			t = s.segmentTypeFor(true, endsRedPart)
			serial := s.newSerial()
			info.CheckpointSerial = serial
			info.ReportSerial = respondedReportSerial
			s.outstanding[serial] = outstandingCheckpoint{begin: pc.begin, end: pc.end, reportSerial: respondedReportSerial}
			e.checkpointTimers.Start(e.now(), ltptimer.Key{Session: s.sid, Serial: serial}, &checkpointTimerData{})
			e.stats.add(&e.stats.CheckpointsSent, 1)
		}
		e.stats.add(&e.stats.DataBytesResent, pc.end-pc.begin)
		e.enqueueOut(s.destEngineID, segment.EncodeDataSegment(t, s.sid, info, s.data[pc.begin:pc.end], nil, nil))
	}
}

// checkpointTimerExpired 检查点重试或判定重传超限
func (s *sessionSender) checkpointTimerExpired(e *Engine, serial uint64, userData interface{}) {
	if s.didNotifyDeletion || s.cancelInProgress || s.completed {
		return
	}
	cp, ok := s.outstanding[serial]
	if !ok {
		return // 陈旧到期事件
	}
	td, _ := userData.(*checkpointTimerData)
	if td == nil {
		td = &checkpointTimerData{}
	}
	if td.retryCount >= e.opts.MaxRetriesPerSerialNumber {
		e.log(1, "会话 %s 检查点 %d 重传超限", s.sid, serial)
		s.cancelByRetryExhaustion(e)
		return
	}
	td.retryCount++
	e.stats.add(&e.stats.CheckpointRetries, 1)
	// 以原序列号重发检查点数据段
	endsRedPart := cp.end == s.redLength
	t := s.segmentTypeFor(true, endsRedPart)
	info := segment.DataInfo{
		ClientServiceID:  s.destClientServiceID,
		Offset:           cp.begin,
		CheckpointSerial: serial,
		ReportSerial:     cp.reportSerial,
	}
	e.enqueueOut(s.destEngineID, segment.EncodeDataSegment(t, s.sid, info, s.data[cp.begin:cp.end], nil, nil))
	e.checkpointTimers.Start(e.now(), ltptimer.Key{Session: s.sid, Serial: serial}, td)
}

// cancelByRetryExhaustion 重传超限取消 (RLEXC)
func (s *sessionSender) cancelByRetryExhaustion(e *Engine) {
	s.startCancel(e, segment.ReasonRetransLimit)
}

// cancelByApplication 应用请求取消 (USER_CANCELLED)，终止回调同步交付
func (s *sessionSender) cancelByApplication(e *Engine) {
	s.startCancel(e, segment.ReasonUserCancelled)
}

// startCancel 发出 CANCEL_FROM_SENDER 并带重试等待确认
func (s *sessionSender) startCancel(e *Engine, reason segment.CancelReason) {
	if s.cancelInProgress || s.didNotifyDeletion {
		return
	}
	s.cancelInProgress = true
	s.cancelReason = reason
	s.cancelAllTimers(e)
	e.stats.add(&e.stats.SessionsCancelled, 1)
	if e.cb.TransmissionSessionCancelled != nil {
		e.cb.TransmissionSessionCancelled(s.sid, reason)
	}
	e.enqueueOut(s.destEngineID, segment.EncodeCancel(s.sid, true, reason, nil, nil))
	e.checkpointTimers.Start(e.now(), ltptimer.Key{Session: s.sid, Serial: cancelTimerSerial}, nil)
}

// forceCancel 关停路径：终止回调后立即销毁，不等确认
func (s *sessionSender) forceCancel(e *Engine, reason segment.CancelReason) {
	if s.didNotifyDeletion {
		return
	}
	if !s.cancelInProgress {
		e.stats.add(&e.stats.SessionsCancelled, 1)
		if e.cb.TransmissionSessionCancelled != nil {
			e.cb.TransmissionSessionCancelled(s.sid, reason)
		}
		e.enqueueOut(s.destEngineID, segment.EncodeCancel(s.sid, true, reason, nil, nil))
	}
	s.notifyDeletion(e)
}

// cancelFromReceiverReceived 对端接收方取消本会话
func (s *sessionSender) cancelFromReceiverReceived(e *Engine, reason segment.CancelReason) {
	e.enqueueOut(s.destEngineID, segment.EncodeCancelAck(s.sid, false, nil, nil))
	if s.didNotifyDeletion {
		return
	}
	s.cancelAllTimers(e)
	if !s.cancelInProgress && !s.completed {
		e.stats.add(&e.stats.SessionsCancelled, 1)
		if e.cb.TransmissionSessionCancelled != nil {
			e.cb.TransmissionSessionCancelled(s.sid, reason)
		}
	}
	s.notifyDeletion(e)
}

// cancelAckReceived 取消确认到达，会话关闭
func (s *sessionSender) cancelAckReceived(e *Engine) {
	if !s.cancelInProgress {
		return
	}
	e.checkpointTimers.Cancel(ltptimer.Key{Session: s.sid, Serial: cancelTimerSerial})
	s.notifyDeletion(e)
}

// cancelTimerExpired 取消段重试
func (s *sessionSender) cancelTimerExpired(e *Engine) {
	if s.didNotifyDeletion {
		return
	}
	if s.cancelRetryCount >= e.opts.MaxRetriesPerSerialNumber {
		s.notifyDeletion(e)
		return
	}
	s.cancelRetryCount++
	e.enqueueOut(s.destEngineID, segment.EncodeCancel(s.sid, true, s.cancelReason, nil, nil))
	e.checkpointTimers.Start(e.now(), ltptimer.Key{Session: s.sid, Serial: cancelTimerSerial}, nil)
}

// cancelAllTimers 取消本会话全部检查点定时器
func (s *sessionSender) cancelAllTimers(e *Engine) {
	for serial := range s.outstanding {
		e.checkpointTimers.Cancel(ltptimer.Key{Session: s.sid, Serial: serial})
	}
	e.checkpointTimers.Cancel(ltptimer.Key{Session: s.sid, Serial: cancelTimerSerial})
}

// notifyDeletion 请求引擎销毁本会话
func (s *sessionSender) notifyDeletion(e *Engine) {
	if s.didNotifyDeletion {
		return
	}
	s.didNotifyDeletion = true
	e.deleteSender(s.sid)
}

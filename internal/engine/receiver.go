// =============================================================================
// 文件: internal/engine/receiver.go
// 描述: 接收会话 - 维护已收红色字节集合与红色缓冲，针对检查点生成
// (可延迟聚合、可按声明预算拆分的) 报告段并带重试重发，
// 交付红色部分与绿色段，处理误染色/超额与取消
// =============================================================================
package engine

import (
	"math"
	"time"

	"github.com/mrcgq/ltp/internal/fragset"
	"github.com/mrcgq/ltp/internal/ltptimer"
	"github.com/mrcgq/ltp/internal/segment"
)

// reportTimerData 报告定时器用户数据
type reportTimerData struct {
	retryCount uint32
}

// pendingReportGen 等待聚合定时器的报告生成请求，范围 [lb, ub)
type pendingReportGen struct {
	lb               uint64
	ub               uint64
	checkpointSerial uint64 // 定时器键与答复的检查点
	secondary        bool   // 是否响应报告重发周期
}

// sessionReceiver 一个入站块的接收状态机
type sessionReceiver struct {
	sid             segment.SessionID
	clientServiceID uint64

	received  *fragset.Set // 已收红色范围
	redBuffer []byte       // 随机写入的连续缓冲

	lengthOfRedPart   uint64
	redLengthKnown    bool
	redPartIsEOB      bool
	lowestGreenOffset uint64 // 初值 +∞
	currentRedLength  uint64 // 任意红色段 (offset+length) 的滚动最大值

	checkpointsSeen map[uint64]struct{}

	nextReportSerial      uint64
	reportsSent           map[uint64]*segment.ReportSegment
	lastPrimaryUpperBound uint64 // 最近一次主报告的上界，决定下一主报告的下界
	ackedReports          map[uint64]struct{}
	activeReportSerials   map[uint64]struct{} // 在途报告定时器

	pendingGeneration []pendingReportGen

	didRedPartCallback bool
	didNotifyDeletion  bool
	receivedEob        bool
	wasCancelled       bool
	cancelInProgress   bool
	cancelReason       segment.CancelReason
	cancelRetryCount   uint32

	lastSegmentTime time.Time
}

func newSessionReceiver(sid segment.SessionID, clientServiceID uint64, firstReportSerial uint64, now time.Time) *sessionReceiver {
	return &sessionReceiver{
		sid:                 sid,
		clientServiceID:     clientServiceID,
		received:            fragset.New(),
		lowestGreenOffset:   math.MaxUint64,
		checkpointsSeen:     make(map[uint64]struct{}),
		nextReportSerial:    firstReportSerial,
		reportsSent:         make(map[uint64]*segment.ReportSegment),
		ackedReports:        make(map[uint64]struct{}),
		activeReportSerials: make(map[uint64]struct{}),
		lastSegmentTime:     now,
	}
}

// newSerial 取下一个报告序列号 (单调递增)
func (r *sessionReceiver) newSerial() uint64 {
	serial := r.nextReportSerial
	r.nextReportSerial++
	if r.nextReportSerial == 0 {
		r.nextReportSerial = 1
	}
	return serial
}

// numActiveTimers 在途定时器个数 (停滞检测用)
func (r *sessionReceiver) numActiveTimers() int {
	n := len(r.activeReportSerials) + len(r.pendingGeneration)
	if r.cancelInProgress {
		n++
	}
	return n
}

// =============================================================================
// 入站段处理
// =============================================================================

// dataSegmentReceived 处理一个数据段 (红或绿)
func (r *sessionReceiver) dataSegmentReceived(e *Engine, t segment.Type, payload []byte, info segment.DataInfo) {
	r.lastSegmentTime = e.now()
	if r.didNotifyDeletion || r.wasCancelled {
		return
	}
	r.clientServiceID = info.ClientServiceID

	if t.IsGreen() {
		r.greenSegmentReceived(e, t, payload, info)
		return
	}
	r.redSegmentReceived(e, t, payload, info)
}

func (r *sessionReceiver) greenSegmentReceived(e *Engine, t segment.Type, payload []byte, info segment.DataInfo) {
	eob := t.IsEOB()
	if e.cb.GreenPartSegmentArrival != nil {
		e.cb.GreenPartSegmentArrival(r.sid, payload, info.Offset, r.clientServiceID, eob)
	}
	if info.Offset < r.lowestGreenOffset {
		r.lowestGreenOffset = info.Offset
	}
	// 误染色：绿色段偏移落在已见红色范围之下
	if info.Offset < r.currentRedLength {
		r.cancelSession(e, segment.ReasonMiscolored, false)
		return
	}
	if eob {
		r.receivedEob = true
	}
	r.maybeComplete(e)
}

func (r *sessionReceiver) redSegmentReceived(e *Engine, t segment.Type, payload []byte, info segment.DataInfo) {
	offsetPlusLength := info.Offset + uint64(len(payload))
	// 误染色：红色段越过任何已见绿色段偏移
	if offsetPlusLength > r.lowestGreenOffset {
		r.cancelSession(e, segment.ReasonMiscolored, false)
		return
	}
	// 红色接收预算
	if offsetPlusLength > e.opts.MaxRedRxBytesPerSession {
		e.log(0, "会话 %s 红色数据超出预算 (%d > %d)", r.sid, offsetPlusLength, e.opts.MaxRedRxBytesPerSession)
		r.cancelSession(e, segment.ReasonSystemCancelled, false)
		return
	}

	r.writeRedBytes(e, info.Offset, payload)
	changed := r.received.Insert(fragset.Fragment{Begin: info.Offset, End: offsetPlusLength - 1})
	if changed && offsetPlusLength < r.currentRedLength {
		e.stats.add(&e.stats.GapsFilledByOutOfOrderSegments, 1)
	}
	if offsetPlusLength > r.currentRedLength {
		r.currentRedLength = offsetPlusLength
	}

	if t.IsCheckpoint() {
		if _, dup := r.checkpointsSeen[info.CheckpointSerial]; dup {
			return
		}
		r.checkpointsSeen[info.CheckpointSerial] = struct{}{}
		if t.IsEORP() {
			r.lengthOfRedPart = offsetPlusLength
			r.redLengthKnown = true
			r.redPartIsEOB = t.IsEOB()
		}
		if t.IsEOB() {
			r.receivedEob = true
		}
		r.checkpointReceived(e, t, info, offsetPlusLength)
	}

	r.maybeDeliverRedPart(e)
	r.maybeComplete(e)
}

// writeRedBytes 把段负载随机写入红色缓冲，按需增长
func (r *sessionReceiver) writeRedBytes(e *Engine, offset uint64, payload []byte) {
	end := offset + uint64(len(payload))
	if uint64(len(r.redBuffer)) < end {
		if uint64(cap(r.redBuffer)) >= end {
			r.redBuffer = r.redBuffer[:end]
		} else {
			newCap := e.opts.EstimatedBytesToReceive
			if newCap < end {
				newCap = end * 2
			}
			if newCap > e.opts.MaxRedRxBytesPerSession {
				newCap = e.opts.MaxRedRxBytesPerSession
			}
			grown := make([]byte, end, newCap)
			copy(grown, r.redBuffer)
			r.redBuffer = grown
		}
	}
	copy(r.redBuffer[offset:end], payload)
}

// checkpointReceived 为检查点准备一次报告生成
func (r *sessionReceiver) checkpointReceived(e *Engine, t segment.Type, info segment.DataInfo, offsetPlusLength uint64) {
	secondary := info.ReportSerial != 0
	var lb uint64
	if secondary {
		if prev, ok := r.reportsSent[info.ReportSerial]; ok {
			lb = prev.LowerBound
		}
	} else {
		lb = r.lastPrimaryUpperBound
	}
	ub := offsetPlusLength
	if t.IsEORP() {
		ub = r.lengthOfRedPart
	}
	if e.opts.DelaySendingOfReportSegments > 0 {
		r.scheduleDelayedReport(e, info.CheckpointSerial, lb, ub, secondary)
		return
	}
	r.generateAndSendReport(e, info.CheckpointSerial, lb, ub, secondary)
}

// scheduleDelayedReport 报告聚合：与已挂起范围重叠或相邻时合并进既有表项
// (保留其定时器；主报告吸收次报告)，否则新建表项并启动聚合定时器。
func (r *sessionReceiver) scheduleDelayedReport(e *Engine, csn, lb, ub uint64, secondary bool) {
	for i := range r.pendingGeneration {
		p := &r.pendingGeneration[i]
		if lb <= p.ub && p.lb <= ub { // 重叠或相邻 ([lb,ub) 半开)
			if lb < p.lb {
				p.lb = lb
			}
			if ub > p.ub {
				p.ub = ub
			}
			if !secondary {
				p.secondary = false // 主报告优先
			}
			return
		}
	}
	r.pendingGeneration = append(r.pendingGeneration, pendingReportGen{lb: lb, ub: ub, checkpointSerial: csn, secondary: secondary})
	e.delayedReportTimers.Start(e.now(), ltptimer.Key{Session: r.sid, Serial: csn}, nil)
}

// delayedReportTimerExpired 聚合窗口结束，生成并发送报告
func (r *sessionReceiver) delayedReportTimerExpired(e *Engine, csn uint64) {
	if r.didNotifyDeletion || r.wasCancelled {
		return
	}
	for i := range r.pendingGeneration {
		p := r.pendingGeneration[i]
		if p.checkpointSerial == csn {
			r.pendingGeneration = append(r.pendingGeneration[:i], r.pendingGeneration[i+1:]...)
			r.generateAndSendReport(e, p.checkpointSerial, p.lb, p.ub, p.secondary)
			return
		}
	}
}

// =============================================================================
// 报告生成与重试
// =============================================================================

// generateAndSendReport 生成 [lb,ub) 范围的报告段并发送。
// 声明数超过预算时按连续声明串拆分为多个报告，各有独立序列号。
func (r *sessionReceiver) generateAndSendReport(e *Engine, csn, lb, ub uint64, secondary bool) {
	if ub <= lb {
		e.stats.add(&e.stats.ReportSegmentsUnableToBeIssued, 1)
		return
	}
	// 声明 = 已收范围 ∩ [lb, ub)
	var absClaims []fragset.Fragment
	for _, f := range r.received.Fragments() {
		if f.End < lb || f.Begin >= ub {
			continue
		}
		clipped := f
		if clipped.Begin < lb {
			clipped.Begin = lb
		}
		if clipped.End > ub-1 {
			clipped.End = ub - 1
		}
		absClaims = append(absClaims, clipped)
	}
	if len(absClaims) == 0 {
		e.stats.add(&e.stats.ReportSegmentsUnableToBeIssued, 1)
		return
	}

	maxClaims := int(e.opts.MaxReceptionClaimsPerReport)
	numReports := (len(absClaims) + maxClaims - 1) / maxClaims
	if numReports > 1 {
		e.stats.add(&e.stats.ReportSegmentsCreatedViaSplit, uint64(numReports))
	}
	prevUpperBound := lb
	for ri := 0; ri < numReports; ri++ {
		chunk := absClaims[ri*maxClaims:]
		if len(chunk) > maxClaims {
			chunk = chunk[:maxClaims]
		}
		// 相邻拆分报告的界必须无缝衔接，落在界间的缺口归后一个报告
		rlb := prevUpperBound
		rub := ub
		if ri < numReports-1 {
			rub = chunk[len(chunk)-1].End + 1
		}
		prevUpperBound = rub
		claims := make([]segment.ReceptionClaim, len(chunk))
		for i, f := range chunk {
			claims[i] = segment.ReceptionClaim{Offset: f.Begin - rlb, Length: f.End - f.Begin + 1}
		}
		rs := &segment.ReportSegment{
			ReportSerial:     r.newSerial(),
			CheckpointSerial: csn,
			UpperBound:       rub,
			LowerBound:       rlb,
			Claims:           claims,
		}
		r.reportsSent[rs.ReportSerial] = rs
		if !secondary {
			r.lastPrimaryUpperBound = rub
		}
		r.sendReport(e, rs, 0)
	}
}

// sendReport 序列化报告入出队并启动重试定时器
func (r *sessionReceiver) sendReport(e *Engine, rs *segment.ReportSegment, retryCount uint32) {
	e.enqueueOut(r.sid.EngineID, segment.EncodeReportSegment(r.sid, rs, nil, nil))
	e.stats.add(&e.stats.ReportsSent, 1)
	r.activeReportSerials[rs.ReportSerial] = struct{}{}
	e.reportTimers.Start(e.now(), ltptimer.Key{Session: r.sid, Serial: rs.ReportSerial}, &reportTimerData{retryCount: retryCount})
}

// reportTimerExpired 报告重试或判定重传超限 (RLEXC)
func (r *sessionReceiver) reportTimerExpired(e *Engine, reportSerial uint64, userData interface{}) {
	delete(r.activeReportSerials, reportSerial)
	if r.didNotifyDeletion || r.wasCancelled {
		return
	}
	if _, acked := r.ackedReports[reportSerial]; acked {
		return
	}
	rs, ok := r.reportsSent[reportSerial]
	if !ok {
		return
	}
	td, _ := userData.(*reportTimerData)
	if td == nil {
		td = &reportTimerData{}
	}
	if td.retryCount >= e.opts.MaxRetriesPerSerialNumber {
		e.log(1, "会话 %s 报告 %d 重传超限", r.sid, reportSerial)
		r.cancelSession(e, segment.ReasonRetransLimit, false)
		return
	}
	e.stats.add(&e.stats.ReportRetries, 1)
	r.sendReport(e, rs, td.retryCount+1)
}

// reportAckReceived 报告确认到达
func (r *sessionReceiver) reportAckReceived(e *Engine, reportSerial uint64) {
	r.lastSegmentTime = e.now()
	if r.didNotifyDeletion {
		return
	}
	if _, known := r.reportsSent[reportSerial]; !known {
		return
	}
	r.ackedReports[reportSerial] = struct{}{}
	e.reportTimers.Cancel(ltptimer.Key{Session: r.sid, Serial: reportSerial})
	delete(r.activeReportSerials, reportSerial)
	r.maybeDeliverRedPart(e)
	r.maybeComplete(e)
}

// =============================================================================
// 交付与收尾
// =============================================================================

// redPartComplete 红色部分是否已完整收齐
func (r *sessionReceiver) redPartComplete() bool {
	if !r.redLengthKnown {
		return false
	}
	if r.lengthOfRedPart == 0 {
		return true
	}
	return r.received.ContainsEntirely(fragset.Fragment{Begin: 0, End: r.lengthOfRedPart - 1})
}

// maybeDeliverRedPart 红色部分收齐后恰好一次交付给应用
func (r *sessionReceiver) maybeDeliverRedPart(e *Engine) {
	if r.didRedPartCallback || r.wasCancelled || !r.redPartComplete() {
		return
	}
	r.didRedPartCallback = true
	if e.cb.RedPartReception != nil {
		e.cb.RedPartReception(r.sid, r.redBuffer[:r.lengthOfRedPart], r.lengthOfRedPart, r.clientServiceID, r.redPartIsEOB)
	}
}

// maybeComplete 会话收尾条件：红色部分交付完毕 (或本会话根本没有红色数据)、
// 已见块结束、且没有在途报告/聚合定时器
func (r *sessionReceiver) maybeComplete(e *Engine) {
	if r.didNotifyDeletion || r.wasCancelled {
		return
	}
	redDone := r.didRedPartCallback || (!r.redLengthKnown && r.currentRedLength == 0)
	if !redDone || !r.receivedEob {
		return
	}
	if len(r.activeReportSerials) > 0 || len(r.pendingGeneration) > 0 {
		return
	}
	r.notifyDeletion(e)
}

// =============================================================================
// 取消
// =============================================================================

// cancelSession 接收方发起取消。force 为真时不等取消确认直接销毁 (关停/清扫路径)。
func (r *sessionReceiver) cancelSession(e *Engine, reason segment.CancelReason, force bool) {
	if r.didNotifyDeletion {
		return
	}
	if !r.wasCancelled {
		r.wasCancelled = true
		r.cancelReason = reason
		e.stats.add(&e.stats.SessionsCancelled, 1)
		r.cancelReportTimers(e)
		if e.cb.ReceptionSessionCancelled != nil {
			e.cb.ReceptionSessionCancelled(r.sid, reason)
		}
		e.enqueueOut(r.sid.EngineID, segment.EncodeCancel(r.sid, false, reason, nil, nil))
		if !force {
			r.cancelInProgress = true
			e.reportTimers.Start(e.now(), ltptimer.Key{Session: r.sid, Serial: cancelTimerSerial}, nil)
			return
		}
	}
	if force {
		r.notifyDeletion(e)
	}
}

// cancelFromSenderReceived 对端发送方取消本会话
func (r *sessionReceiver) cancelFromSenderReceived(e *Engine, reason segment.CancelReason) {
	r.lastSegmentTime = e.now()
	e.enqueueOut(r.sid.EngineID, segment.EncodeCancelAck(r.sid, true, nil, nil))
	if r.didNotifyDeletion {
		return
	}
	if !r.wasCancelled {
		r.wasCancelled = true
		e.stats.add(&e.stats.SessionsCancelled, 1)
		if e.cb.ReceptionSessionCancelled != nil {
			e.cb.ReceptionSessionCancelled(r.sid, reason)
		}
	}
	r.notifyDeletion(e)
}

// cancelAckReceived 取消确认到达，会话关闭
func (r *sessionReceiver) cancelAckReceived(e *Engine) {
	if !r.cancelInProgress {
		return
	}
	e.reportTimers.Cancel(ltptimer.Key{Session: r.sid, Serial: cancelTimerSerial})
	r.notifyDeletion(e)
}

// cancelTimerExpired 取消段重试
func (r *sessionReceiver) cancelTimerExpired(e *Engine) {
	if r.didNotifyDeletion {
		return
	}
	if r.cancelRetryCount >= e.opts.MaxRetriesPerSerialNumber {
		r.notifyDeletion(e)
		return
	}
	r.cancelRetryCount++
	e.enqueueOut(r.sid.EngineID, segment.EncodeCancel(r.sid, false, r.cancelReason, nil, nil))
	e.reportTimers.Start(e.now(), ltptimer.Key{Session: r.sid, Serial: cancelTimerSerial}, nil)
}

// cancelReportTimers 取消全部在途报告与聚合定时器
func (r *sessionReceiver) cancelReportTimers(e *Engine) {
	for serial := range r.activeReportSerials {
		e.reportTimers.Cancel(ltptimer.Key{Session: r.sid, Serial: serial})
	}
	r.activeReportSerials = make(map[uint64]struct{})
	for _, p := range r.pendingGeneration {
		e.delayedReportTimers.Cancel(ltptimer.Key{Session: r.sid, Serial: p.checkpointSerial})
	}
	r.pendingGeneration = nil
}

// cancelAllTimers 销毁路径：移除本会话一切在途定时器
func (r *sessionReceiver) cancelAllTimers(e *Engine) {
	r.cancelReportTimers(e)
	e.reportTimers.Cancel(ltptimer.Key{Session: r.sid, Serial: cancelTimerSerial})
}

// notifyDeletion 请求引擎销毁本会话
func (r *sessionReceiver) notifyDeletion(e *Engine) {
	if r.didNotifyDeletion {
		return
	}
	r.didNotifyDeletion = true
	e.deleteReceiver(r.sid)
}

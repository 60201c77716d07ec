// =============================================================================
// 文件: internal/engine/engine.go
// 描述: LTP 引擎 - 会话多路复用器。持有发送/接收会话表、三个定时器管理器、
// 会话复活防护与应用回调；入站段经解析器分发到对应会话，
// 出站段进入引擎出队由传输层拉取。
// 单线程协作模型：所有状态变更都发生在引擎任务上。
// =============================================================================
package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mrcgq/ltp/internal/ltptimer"
	"github.com/mrcgq/ltp/internal/segment"
)

// 错误定义
var (
	ErrTooManySessions = fmt.Errorf("达到最大并发会话数")
	ErrEmptyData       = fmt.Errorf("客户服务数据为空")
	ErrBadRedLength    = fmt.Errorf("红色部分长度超过数据总长")
	ErrUnknownSession  = fmt.Errorf("会话不存在")
)

// =============================================================================
// 配置与回调
// =============================================================================

// Options 引擎配置 (见 config 包的映射)
type Options struct {
	EngineID                       uint64
	MTUBytes                       uint64
	MaxReceptionClaimsPerReport    uint64
	EstimatedBytesToReceive        uint64
	MaxRedRxBytesPerSession        uint64
	OneWayLightTime                time.Duration
	OneWayMarginTime               time.Duration
	MaxRetriesPerSerialNumber      uint32
	CheckpointEveryNthDataSegment  uint64
	MaxSimultaneousSessions        int
	RecreationPreventerHistory     int
	DelaySendingOfReportSegments   time.Duration
	Force32BitRandomSessionNumbers bool
	SessionStagnationTimeout       time.Duration

	// Now 单调时间源；为空时使用 time.Now
	Now func() time.Time

	LogLevel int
}

// withDefaults 填充缺省值
func (o Options) withDefaults() Options {
	if o.MTUBytes == 0 {
		o.MTUBytes = 1360
	}
	if o.MaxReceptionClaimsPerReport == 0 {
		o.MaxReceptionClaimsPerReport = 20
	}
	if o.MaxRetriesPerSerialNumber == 0 {
		o.MaxRetriesPerSerialNumber = 5
	}
	if o.MaxSimultaneousSessions == 0 {
		o.MaxSimultaneousSessions = 5000
	}
	if o.MaxRedRxBytesPerSession == 0 {
		o.MaxRedRxBytesPerSession = 1 << 30
	}
	if o.EstimatedBytesToReceive == 0 {
		o.EstimatedBytesToReceive = 1 << 16
	}
	if o.SessionStagnationTimeout == 0 {
		rt := ltptimer.RoundTripDuration(o.OneWayLightTime, o.OneWayMarginTime)
		o.SessionStagnationTimeout = rt * time.Duration(o.MaxRetriesPerSerialNumber+1)
		if o.SessionStagnationTimeout < time.Minute {
			o.SessionStagnationTimeout = time.Minute
		}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Callbacks 应用回调槽。未设置的槽为空操作。
// 接收方红色缓冲在回调期间只读出借，应用不得在回调返回后继续引用。
type Callbacks struct {
	SessionStart                 func(sid segment.SessionID)
	RedPartReception             func(sid segment.SessionID, data []byte, redLength uint64, clientServiceID uint64, isEndOfBlock bool)
	GreenPartSegmentArrival      func(sid segment.SessionID, data []byte, offset uint64, clientServiceID uint64, isEndOfBlock bool)
	TransmissionSessionCompleted func(sid segment.SessionID)
	InitialTransmissionCompleted func(sid segment.SessionID)
	TransmissionSessionCancelled func(sid segment.SessionID, reason segment.CancelReason)
	ReceptionSessionCancelled    func(sid segment.SessionID, reason segment.CancelReason)

	// SessionClosed 通知上层会话已销毁 (传输层挂钩)
	SessionClosed func(sid segment.SessionID)
}

// OutboundPacket 待发送的序列化段及目的引擎
type OutboundPacket struct {
	DestEngineID uint64
	Data         []byte
}

// =============================================================================
// 统计
// =============================================================================

// Stats 引擎计数器。引擎任务写入，指标侧并发读取，全部原子访问。
type Stats struct {
	ActiveSenders                  int64 // 原子量规，供跨线程读取
	ActiveReceivers                int64
	SegmentsReceived               uint64
	SegmentsSent                   uint64
	ParseErrors                    uint64
	DiscardedSegments              uint64
	SendersStarted                 uint64
	ReceiversStarted               uint64
	SessionsCompleted              uint64
	SessionsCancelled              uint64
	CheckpointsSent                uint64
	CheckpointRetries              uint64
	ReportsSent                    uint64
	ReportRetries                  uint64
	ReportSegmentsCreatedViaSplit  uint64
	ReportSegmentsUnableToBeIssued uint64
	GapsFilledByOutOfOrderSegments uint64
	DataBytesResent                uint64
	StagnantSessionsReaped         uint64
}

func (s *Stats) add(field *uint64, n uint64) {
	atomic.AddUint64(field, n)
}

// Snapshot 并发安全的拷贝
func (s *Stats) Snapshot() Stats {
	var out Stats
	out.ActiveSenders = atomic.LoadInt64(&s.ActiveSenders)
	out.ActiveReceivers = atomic.LoadInt64(&s.ActiveReceivers)
	out.SegmentsReceived = atomic.LoadUint64(&s.SegmentsReceived)
	out.SegmentsSent = atomic.LoadUint64(&s.SegmentsSent)
	out.ParseErrors = atomic.LoadUint64(&s.ParseErrors)
	out.DiscardedSegments = atomic.LoadUint64(&s.DiscardedSegments)
	out.SendersStarted = atomic.LoadUint64(&s.SendersStarted)
	out.ReceiversStarted = atomic.LoadUint64(&s.ReceiversStarted)
	out.SessionsCompleted = atomic.LoadUint64(&s.SessionsCompleted)
	out.SessionsCancelled = atomic.LoadUint64(&s.SessionsCancelled)
	out.CheckpointsSent = atomic.LoadUint64(&s.CheckpointsSent)
	out.CheckpointRetries = atomic.LoadUint64(&s.CheckpointRetries)
	out.ReportsSent = atomic.LoadUint64(&s.ReportsSent)
	out.ReportRetries = atomic.LoadUint64(&s.ReportRetries)
	out.ReportSegmentsCreatedViaSplit = atomic.LoadUint64(&s.ReportSegmentsCreatedViaSplit)
	out.ReportSegmentsUnableToBeIssued = atomic.LoadUint64(&s.ReportSegmentsUnableToBeIssued)
	out.GapsFilledByOutOfOrderSegments = atomic.LoadUint64(&s.GapsFilledByOutOfOrderSegments)
	out.DataBytesResent = atomic.LoadUint64(&s.DataBytesResent)
	out.StagnantSessionsReaped = atomic.LoadUint64(&s.StagnantSessionsReaped)
	return out
}

// =============================================================================
// 引擎
// =============================================================================

// Engine LTP 引擎实例。引擎独占所有会话；应用从其他线程访问时
// 必须把请求编组到引擎任务 (见 transport 包的运行循环)。
type Engine struct {
	opts Options
	cb   Callbacks

	parser *segment.Parser

	senders     map[segment.SessionID]*sessionSender
	receivers   map[segment.SessionID]*sessionReceiver
	senderOrder []segment.SessionID // 创建顺序，轮询产出初始传输段

	// 定时器：检查点 (发送方)、报告 (接收方)、延迟报告聚合 (接收方)
	checkpointTimers    *ltptimer.Manager
	reportTimers        *ltptimer.Manager
	delayedReportTimers *ltptimer.Manager

	preventer *sessionRecreationPreventer
	rng       *randomNumberGenerator

	outQueue []OutboundPacket
	rrIndex  int // 发送会话轮询游标

	shutdown bool
	stats    Stats
}

// New 创建引擎
func New(opts Options, cb Callbacks) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		opts:      opts,
		cb:        cb,
		senders:   make(map[segment.SessionID]*sessionSender),
		receivers: make(map[segment.SessionID]*sessionReceiver),
		preventer: newSessionRecreationPreventer(opts.RecreationPreventerHistory),
		rng:       newRandomNumberGenerator(opts.Force32BitRandomSessionNumbers),
	}
	rt := ltptimer.RoundTripDuration(opts.OneWayLightTime, opts.OneWayMarginTime)
	e.checkpointTimers = ltptimer.New(rt, e.onCheckpointTimerExpired)
	e.reportTimers = ltptimer.New(rt, e.onReportTimerExpired)
	e.delayedReportTimers = ltptimer.New(opts.DelaySendingOfReportSegments, e.onDelayedReportTimerExpired)
	e.parser = segment.NewParser(segment.Callbacks{
		OnDataSegment: e.onDataSegment,
		OnReport:      e.onReport,
		OnReportAck:   e.onReportAck,
		OnCancel:      e.onCancel,
		OnCancelAck:   e.onCancelAck,
	})
	return e
}

// EngineID 本引擎标识
func (e *Engine) EngineID() uint64 { return e.opts.EngineID }

// Stats 计数器访问 (指标收集器使用)
func (e *Engine) Stats() *Stats { return &e.stats }

// NumActiveSenders 活跃发送会话数
func (e *Engine) NumActiveSenders() int { return len(e.senders) }

// NumActiveReceivers 活跃接收会话数
func (e *Engine) NumActiveReceivers() int { return len(e.receivers) }

// SetCheckpointEveryNthDataSegment 调整发送方检查点密度 (0 = 仅 EORP/EOB)
func (e *Engine) SetCheckpointEveryNthDataSegment(n uint64) {
	e.opts.CheckpointEveryNthDataSegment = n
}

func (e *Engine) now() time.Time { return e.opts.Now() }

// log 分级日志
func (e *Engine) log(level int, format string, args ...interface{}) {
	if level > e.opts.LogLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [LTP] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

// =============================================================================
// 应用接口
// =============================================================================

// TransmissionRequest 发起一次块传输。红色部分 [0,redLength) 可靠交付，
// 其余为绿色。返回分配的会话标识。
func (e *Engine) TransmissionRequest(destEngineID, destClientServiceID uint64, data []byte, redLength uint64) (segment.SessionID, error) {
	if e.shutdown {
		return segment.SessionID{}, ErrUnknownSession
	}
	if len(data) == 0 {
		return segment.SessionID{}, ErrEmptyData
	}
	if redLength > uint64(len(data)) {
		return segment.SessionID{}, ErrBadRedLength
	}
	if len(e.senders) >= e.opts.MaxSimultaneousSessions {
		return segment.SessionID{}, ErrTooManySessions
	}
	sid := segment.SessionID{EngineID: e.opts.EngineID, Number: e.rng.NextSessionNumber()}
	for {
		if _, exists := e.senders[sid]; !exists {
			break
		}
		sid.Number = e.rng.NextSessionNumber()
	}
	s := newSessionSender(sid, destEngineID, destClientServiceID, data, redLength, e.rng.NextSerialNumber())
	e.senders[sid] = s
	e.senderOrder = append(e.senderOrder, sid)
	e.stats.add(&e.stats.SendersStarted, 1)
	atomic.AddInt64(&e.stats.ActiveSenders, 1)
	e.log(2, "发送会话创建 %s red=%d total=%d", sid, redLength, len(data))
	if e.cb.SessionStart != nil {
		e.cb.SessionStart(sid)
	}
	return sid, nil
}

// CancellationRequest 应用主动取消会话。协作式：终止回调在返回前同步交付。
func (e *Engine) CancellationRequest(sid segment.SessionID) bool {
	if s, ok := e.senders[sid]; ok {
		s.cancelByApplication(e)
		return true
	}
	if r, ok := e.receivers[sid]; ok {
		r.cancelSession(e, segment.ReasonUserCancelled, false)
		return true
	}
	return false
}

// PacketIn 传输层递交一个入站数据报。解析失败时整报丢弃。
func (e *Engine) PacketIn(data []byte) error {
	if e.shutdown {
		return nil
	}
	e.stats.add(&e.stats.SegmentsReceived, 1)
	if err := e.parser.HandleReceivedBytes(data); err != nil {
		e.stats.add(&e.stats.ParseErrors, 1)
		e.parser.Reset()
		e.log(0, "数据报解析失败: %v", err)
		return err
	}
	return nil
}

// NextPacketToSend 拉取下一个出站段。无数据时返回 false。
func (e *Engine) NextPacketToSend() (OutboundPacket, bool) {
	if len(e.outQueue) > 0 {
		pkt := e.outQueue[0]
		e.outQueue = e.outQueue[1:]
		return pkt, true
	}
	// 轮询发送会话产出初始传输段
	n := len(e.senderOrder)
	for i := 0; i < n; i++ {
		idx := (e.rrIndex + i) % n
		sid := e.senderOrder[idx]
		s, ok := e.senders[sid]
		if !ok {
			continue
		}
		if pkt, ok := s.nextDataToSend(e); ok {
			e.rrIndex = (idx + 1) % n
			return pkt, true
		}
	}
	// 产出过程可能又向出队推入了段 (如绿色完成后的收尾)
	if len(e.outQueue) > 0 {
		pkt := e.outQueue[0]
		e.outQueue = e.outQueue[1:]
		return pkt, true
	}
	e.compactSenderOrder()
	return OutboundPacket{}, false
}

// HasPacketToSend 是否有待发送数据
func (e *Engine) HasPacketToSend() bool {
	if len(e.outQueue) > 0 {
		return true
	}
	for _, s := range e.senders {
		if s.hasDataToSend() {
			return true
		}
	}
	return false
}

// OnTick 引擎节拍：推进三个定时器管理器并做周期性清扫
func (e *Engine) OnTick(now time.Time) {
	e.checkpointTimers.Advance(now)
	e.reportTimers.Advance(now)
	e.delayedReportTimers.Advance(now)
	e.reapStagnantReceivers(now)
}

// Shutdown 关停引擎：全部会话以 SYSTEM_CANCELLED 取消并清空
func (e *Engine) Shutdown() {
	if e.shutdown {
		return
	}
	for _, sid := range e.sessionIDs() {
		if s, ok := e.senders[sid]; ok {
			s.forceCancel(e, segment.ReasonSystemCancelled)
		}
		if r, ok := e.receivers[sid]; ok {
			r.cancelSession(e, segment.ReasonSystemCancelled, true)
		}
	}
	e.shutdown = true
	e.log(1, "引擎 %d 已关停", e.opts.EngineID)
}

func (e *Engine) sessionIDs() []segment.SessionID {
	ids := make([]segment.SessionID, 0, len(e.senders)+len(e.receivers))
	for sid := range e.senders {
		ids = append(ids, sid)
	}
	for sid := range e.receivers {
		ids = append(ids, sid)
	}
	return ids
}

// =============================================================================
// 入站分发
// =============================================================================

func (e *Engine) onDataSegment(t segment.Type, sid segment.SessionID, payload []byte, info segment.DataInfo, hdrExts, trlExts []segment.Extension) {
	// 数据段流向为发送方→接收方；本端若是该会话的发送方则为流向错配
	if _, isOurs := e.senders[sid]; isOurs {
		e.stats.add(&e.stats.DiscardedSegments, 1)
		return
	}
	r, ok := e.receivers[sid]
	if !ok {
		if e.preventer.Contains(sid) {
			// 最近关闭的会话不得复活
			e.stats.add(&e.stats.DiscardedSegments, 1)
			return
		}
		if len(e.receivers) >= e.opts.MaxSimultaneousSessions {
			e.log(0, "接收会话数已达上限，拒绝 %s", sid)
			e.enqueueOut(sid.EngineID, segment.EncodeCancel(sid, false, segment.ReasonSystemCancelled, nil, nil))
			return
		}
		r = newSessionReceiver(sid, info.ClientServiceID, e.rng.NextSerialNumber(), e.now())
		e.receivers[sid] = r
		e.stats.add(&e.stats.ReceiversStarted, 1)
		atomic.AddInt64(&e.stats.ActiveReceivers, 1)
		e.log(2, "接收会话创建 %s", sid)
		if e.cb.SessionStart != nil {
			e.cb.SessionStart(sid)
		}
	}
	r.dataSegmentReceived(e, t, payload, info)
}

func (e *Engine) onReport(sid segment.SessionID, rs *segment.ReportSegment, hdrExts, trlExts []segment.Extension) {
	// 报告段流向为接收方→发送方
	if _, isReceiver := e.receivers[sid]; isReceiver {
		e.stats.add(&e.stats.DiscardedSegments, 1)
		return
	}
	s, ok := e.senders[sid]
	if !ok {
		// 未知会话的报告段静默丢弃
		e.stats.add(&e.stats.DiscardedSegments, 1)
		return
	}
	s.reportReceived(e, rs)
}

func (e *Engine) onReportAck(sid segment.SessionID, reportSerial uint64, hdrExts, trlExts []segment.Extension) {
	r, ok := e.receivers[sid]
	if !ok {
		e.stats.add(&e.stats.DiscardedSegments, 1)
		return
	}
	r.reportAckReceived(e, reportSerial)
}

func (e *Engine) onCancel(sid segment.SessionID, reason segment.CancelReason, fromSender bool, hdrExts, trlExts []segment.Extension) {
	if fromSender {
		// 发往接收方
		if r, ok := e.receivers[sid]; ok {
			r.cancelFromSenderReceived(e, reason)
			return
		}
		// 未知会话也回确认
		e.enqueueOut(sid.EngineID, segment.EncodeCancelAck(sid, true, nil, nil))
		return
	}
	// 发往发送方
	if s, ok := e.senders[sid]; ok {
		s.cancelFromReceiverReceived(e, reason)
		return
	}
	e.enqueueOut(sid.EngineID, segment.EncodeCancelAck(sid, false, nil, nil))
}

func (e *Engine) onCancelAck(sid segment.SessionID, toSender bool, hdrExts, trlExts []segment.Extension) {
	if toSender {
		if s, ok := e.senders[sid]; ok {
			s.cancelAckReceived(e)
			return
		}
	} else {
		if r, ok := e.receivers[sid]; ok {
			r.cancelAckReceived(e)
			return
		}
	}
	// 未知会话的取消确认忽略，避免确认风暴
	e.stats.add(&e.stats.DiscardedSegments, 1)
}

// =============================================================================
// 定时器到期分发
// =============================================================================

func (e *Engine) onCheckpointTimerExpired(key ltptimer.Key, userData interface{}) {
	s, ok := e.senders[key.Session]
	if !ok {
		return // 会话已标记删除，丢弃到期事件
	}
	if key.Serial == cancelTimerSerial {
		s.cancelTimerExpired(e)
		return
	}
	s.checkpointTimerExpired(e, key.Serial, userData)
}

func (e *Engine) onReportTimerExpired(key ltptimer.Key, userData interface{}) {
	r, ok := e.receivers[key.Session]
	if !ok {
		return
	}
	if key.Serial == cancelTimerSerial {
		r.cancelTimerExpired(e)
		return
	}
	r.reportTimerExpired(e, key.Serial, userData)
}

func (e *Engine) onDelayedReportTimerExpired(key ltptimer.Key, userData interface{}) {
	r, ok := e.receivers[key.Session]
	if !ok {
		return
	}
	r.delayedReportTimerExpired(e, key.Serial)
}

// reapStagnantReceivers 停滞接收会话清扫：最后一段到达时间超窗且无在途定时器
func (e *Engine) reapStagnantReceivers(now time.Time) {
	var stagnant []*sessionReceiver
	for _, r := range e.receivers {
		if now.Sub(r.lastSegmentTime) > e.opts.SessionStagnationTimeout && r.numActiveTimers() == 0 {
			stagnant = append(stagnant, r)
		}
	}
	for _, r := range stagnant {
		e.log(1, "接收会话停滞，回收 %s", r.sid)
		e.stats.add(&e.stats.StagnantSessionsReaped, 1)
		r.cancelSession(e, segment.ReasonSystemCancelled, true)
	}
}

// =============================================================================
// 出队与会话销毁
// =============================================================================

// enqueueOut 序列化段入出站队列
func (e *Engine) enqueueOut(destEngineID uint64, data []byte) {
	e.outQueue = append(e.outQueue, OutboundPacket{DestEngineID: destEngineID, Data: data})
	e.stats.add(&e.stats.SegmentsSent, 1)
}

// deleteSender 销毁发送会话
func (e *Engine) deleteSender(sid segment.SessionID) {
	s, ok := e.senders[sid]
	if !ok {
		return
	}
	s.cancelAllTimers(e)
	delete(e.senders, sid)
	atomic.AddInt64(&e.stats.ActiveSenders, -1)
	e.log(2, "发送会话销毁 %s", sid)
	if e.cb.SessionClosed != nil {
		e.cb.SessionClosed(sid)
	}
}

// deleteReceiver 销毁接收会话并登记复活防护
func (e *Engine) deleteReceiver(sid segment.SessionID) {
	r, ok := e.receivers[sid]
	if !ok {
		return
	}
	r.cancelAllTimers(e)
	delete(e.receivers, sid)
	atomic.AddInt64(&e.stats.ActiveReceivers, -1)
	e.preventer.Add(sid)
	e.log(2, "接收会话销毁 %s", sid)
	if e.cb.SessionClosed != nil {
		e.cb.SessionClosed(sid)
	}
}

// compactSenderOrder 清掉已销毁会话的轮询占位
func (e *Engine) compactSenderOrder() {
	if len(e.senderOrder) == 0 {
		return
	}
	kept := e.senderOrder[:0]
	for _, sid := range e.senderOrder {
		if _, ok := e.senders[sid]; ok {
			kept = append(kept, sid)
		}
	}
	e.senderOrder = kept
	if len(kept) == 0 {
		e.rrIndex = 0
	} else {
		e.rrIndex %= len(kept)
	}
}

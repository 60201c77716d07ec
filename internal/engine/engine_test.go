// =============================================================================
// 文件: internal/engine/engine_test.go
// 描述: 双引擎对接的端到端用例 - 拉取出站段、按步交换、可注入丢包与改写
// =============================================================================
package engine

import (
	"bytes"
	"testing"
	"time"

	"github.com/mrcgq/ltp/internal/segment"
)

const (
	engineIDSrc      = 100
	engineIDDest     = 200
	clientServiceID  = 300
	redTestData      = "The quick brown fox jumps over the lazy dog!"
	redGreenTestData = "The quick brown fox jumps over the lazy dog!GGE"
	greenTestData    = "GGGGGGGGGGGGGGGGGE"
)

// fakeClock 手动推进的时间源
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// harness 双引擎测试夹具
type harness struct {
	t     *testing.T
	clock *fakeClock
	src   *Engine
	dest  *Engine

	numRedPartReceptions     int
	numSessionStartSrc       int
	numSessionStartDest      int
	numGreenArrivals         int
	numReceptionCancelled    int
	numTransmissionCompleted int
	numInitialTransmissions  int
	numTransmissionCancelled int
	numSrcToDest             int
	numDestToSrc             int
	lastRxCancelReason       segment.CancelReason
	lastTxCancelReason       segment.CancelReason
	lastRedData              []byte
	lastRedIsEOB             bool
	greenBytes               []byte
	sessionFromStart         segment.SessionID
}

type harnessOptions struct {
	checkpointEveryNth uint64
	maxClaims          uint64
	maxRedRx           uint64
	delayReports       time.Duration
	maxSessions        int
	maxRetries         uint32
}

func newHarness(t *testing.T, ho harnessOptions) *harness {
	h := &harness{t: t, clock: &fakeClock{now: time.Unix(1000, 0)}}
	if ho.maxClaims == 0 {
		ho.maxClaims = 1 << 40 // 实际不限
	}
	if ho.maxRedRx == 0 {
		ho.maxRedRx = 1 << 30
	}
	if ho.maxSessions == 0 {
		ho.maxSessions = 64
	}
	if ho.maxRetries == 0 {
		ho.maxRetries = 5
	}
	mkOpts := func(id uint64) Options {
		return Options{
			EngineID:                      id,
			MTUBytes:                      1, // 每段一个字节
			MaxReceptionClaimsPerReport:   ho.maxClaims,
			MaxRedRxBytesPerSession:       ho.maxRedRx,
			OneWayLightTime:               10 * time.Second,
			OneWayMarginTime:              2 * time.Second,
			MaxRetriesPerSerialNumber:     ho.maxRetries,
			CheckpointEveryNthDataSegment: ho.checkpointEveryNth,
			MaxSimultaneousSessions:       ho.maxSessions,
			RecreationPreventerHistory:    128,
			DelaySendingOfReportSegments:  ho.delayReports,
			Now:                           h.clock.Now,
			LogLevel:                      -1,
		}
	}
	h.src = New(mkOpts(engineIDSrc), Callbacks{
		SessionStart: func(sid segment.SessionID) {
			h.numSessionStartSrc++
			h.sessionFromStart = sid
		},
		TransmissionSessionCompleted: func(sid segment.SessionID) {
			h.numTransmissionCompleted++
			h.requireSession(sid)
		},
		InitialTransmissionCompleted: func(sid segment.SessionID) {
			h.numInitialTransmissions++
			h.requireSession(sid)
		},
		TransmissionSessionCancelled: func(sid segment.SessionID, reason segment.CancelReason) {
			h.numTransmissionCancelled++
			h.lastTxCancelReason = reason
			h.requireSession(sid)
		},
	})
	h.dest = New(mkOpts(engineIDDest), Callbacks{
		SessionStart: func(sid segment.SessionID) {
			h.numSessionStartDest++
			h.requireSession(sid)
		},
		RedPartReception: func(sid segment.SessionID, data []byte, redLength uint64, csid uint64, eob bool) {
			h.numRedPartReceptions++
			h.lastRedData = append([]byte(nil), data...)
			h.lastRedIsEOB = eob
			if csid != clientServiceID {
				t.Errorf("clientServiceID = %d", csid)
			}
			h.requireSession(sid)
		},
		GreenPartSegmentArrival: func(sid segment.SessionID, data []byte, offset uint64, csid uint64, eob bool) {
			h.numGreenArrivals++
			h.greenBytes = append(h.greenBytes, data...)
			h.requireSession(sid)
		},
		ReceptionSessionCancelled: func(sid segment.SessionID, reason segment.CancelReason) {
			h.numReceptionCancelled++
			h.lastRxCancelReason = reason
			h.requireSession(sid)
		},
	})
	return h
}

func (h *harness) requireSession(sid segment.SessionID) {
	h.t.Helper()
	if sid != h.sessionFromStart {
		h.t.Errorf("会话标识不一致: %v vs %v", sid, h.sessionFromStart)
	}
}

// sendOne 从一侧拉一个段投递到另一侧
func (h *harness) sendOne(from, to *Engine, drop bool, swapFlag byte, doSwap bool) bool {
	pkt, ok := from.NextPacketToSend()
	if !ok {
		return false
	}
	if doSwap {
		pkt.Data[0] = swapFlag
	}
	if !drop {
		_ = to.PacketIn(pkt.Data)
	}
	return true
}

// exchange 两个方向各推进一步，任一方向有数据则返回 true
type exchangeOpts struct {
	dropSrcToDest bool
	dropDestToSrc bool
	swapSrcToDest bool
	swapFlag      byte
}

func (h *harness) exchange(o exchangeOpts) bool {
	didSrc := h.sendOne(h.src, h.dest, o.dropSrcToDest, o.swapFlag, o.swapSrcToDest)
	didDest := h.sendOne(h.dest, h.src, o.dropDestToSrc, 0, false)
	if didSrc {
		h.numSrcToDest++
	}
	if didDest {
		h.numDestToSrc++
	}
	return didSrc || didDest
}

func (h *harness) exchangeAll() {
	for h.exchange(exchangeOpts{}) {
	}
}

func (h *harness) assertNoActiveSessions() {
	h.t.Helper()
	if n := h.src.NumActiveSenders(); n != 0 {
		h.t.Errorf("src 发送会话残留 %d", n)
	}
	if n := h.src.NumActiveReceivers(); n != 0 {
		h.t.Errorf("src 接收会话残留 %d", n)
	}
	if n := h.dest.NumActiveSenders(); n != 0 {
		h.t.Errorf("dest 发送会话残留 %d", n)
	}
	if n := h.dest.NumActiveReceivers(); n != 0 {
		h.t.Errorf("dest 接收会话残留 %d", n)
	}
}

func (h *harness) request(data string, redLength int) segment.SessionID {
	h.t.Helper()
	sid, err := h.src.TransmissionRequest(engineIDDest, clientServiceID, []byte(data), uint64(redLength))
	if err != nil {
		h.t.Fatalf("传输请求失败: %v", err)
	}
	if h.src.NumActiveSenders() != 1 {
		h.t.Fatal("应恰有一个发送会话")
	}
	return sid
}

// =============================================================================
// 端到端场景
// =============================================================================

// 场景 1：干净红色传输，每段一字节
func TestCleanRedTransfer(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.request(redTestData, len(redTestData))
	h.exchangeAll()
	h.assertNoActiveSessions()

	if h.numSrcToDest != len(redTestData)+1 { // 44 数据段 + 1 报告确认
		t.Errorf("numSrcToDest = %d, want %d", h.numSrcToDest, len(redTestData)+1)
	}
	if h.numDestToSrc != 1 { // 1 报告段
		t.Errorf("numDestToSrc = %d, want 1", h.numDestToSrc)
	}
	if h.numRedPartReceptions != 1 {
		t.Errorf("numRedPartReceptions = %d", h.numRedPartReceptions)
	}
	if !bytes.Equal(h.lastRedData, []byte(redTestData)) {
		t.Errorf("红色数据不符: %q", h.lastRedData)
	}
	if !h.lastRedIsEOB {
		t.Error("纯红块的红色交付应标记块结束")
	}
	if h.numSessionStartSrc != 1 || h.numSessionStartDest != 1 {
		t.Errorf("会话开始回调 = %d/%d", h.numSessionStartSrc, h.numSessionStartDest)
	}
	if h.numInitialTransmissions != 1 || h.numTransmissionCompleted != 1 {
		t.Errorf("完成回调 = init %d done %d", h.numInitialTransmissions, h.numTransmissionCompleted)
	}
	if h.numGreenArrivals != 0 || h.numReceptionCancelled != 0 || h.numTransmissionCancelled != 0 {
		t.Errorf("意外回调: green=%d rxCancel=%d txCancel=%d",
			h.numGreenArrivals, h.numReceptionCancelled, h.numTransmissionCancelled)
	}
}

// 场景 2：丢第 11 个发送段 (字节 10)
func TestSingleDropMidTransfer(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.request(redTestData, len(redTestData))
	count := 0
	for h.exchange(exchangeOpts{dropSrcToDest: count == 10}) {
		count++
	}
	h.assertNoActiveSessions()

	// 44 原始 + 2 报告确认 + 1 重发
	if h.numSrcToDest != len(redTestData)+3 {
		t.Errorf("numSrcToDest = %d, want %d", h.numSrcToDest, len(redTestData)+3)
	}
	if h.numDestToSrc != 2 {
		t.Errorf("numDestToSrc = %d, want 2", h.numDestToSrc)
	}
	if h.numRedPartReceptions != 1 || !bytes.Equal(h.lastRedData, []byte(redTestData)) {
		t.Errorf("红色交付异常: n=%d data=%q", h.numRedPartReceptions, h.lastRedData)
	}
	if h.numTransmissionCompleted != 1 {
		t.Errorf("numTransmissionCompleted = %d", h.numTransmissionCompleted)
	}
}

// 场景 3：丢两个段 (字节 10 与 13)
func TestTwoDrops(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.request(redTestData, len(redTestData))
	count := 0
	for h.exchange(exchangeOpts{dropSrcToDest: count == 10 || count == 13}) {
		count++
	}
	h.assertNoActiveSessions()

	if h.numSrcToDest != len(redTestData)+4 { // +2 确认 +2 重发
		t.Errorf("numSrcToDest = %d, want %d", h.numSrcToDest, len(redTestData)+4)
	}
	if h.numDestToSrc != 2 {
		t.Errorf("numDestToSrc = %d, want 2", h.numDestToSrc)
	}
	if h.numRedPartReceptions != 1 || !bytes.Equal(h.lastRedData, []byte(redTestData)) {
		t.Errorf("红色交付异常")
	}
	if h.numTransmissionCompleted != 1 {
		t.Errorf("numTransmissionCompleted = %d", h.numTransmissionCompleted)
	}
}

// 连续两个丢包，MTU 限制下重发仍是两个段
func TestTwoConsecutiveDropsMTUConstrained(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.request(redTestData, len(redTestData))
	count := 0
	for h.exchange(exchangeOpts{dropSrcToDest: count == 10 || count == 11}) {
		count++
	}
	h.assertNoActiveSessions()
	if h.numSrcToDest != len(redTestData)+4 {
		t.Errorf("numSrcToDest = %d, want %d", h.numSrcToDest, len(redTestData)+4)
	}
	if h.numDestToSrc != 2 {
		t.Errorf("numDestToSrc = %d, want 2", h.numDestToSrc)
	}
	if !bytes.Equal(h.lastRedData, []byte(redTestData)) {
		t.Errorf("红色交付异常")
	}
}

// 每 5 段一个检查点，带丢包；丢包若打中检查点或确认，由定时器重试收敛
func TestRegularCheckpointsWithDrops(t *testing.T) {
	h := newHarness(t, harnessOptions{checkpointEveryNth: 5})
	h.request(redTestData, len(redTestData))
	count := 0
	for h.exchange(exchangeOpts{dropSrcToDest: count == 2 || count == 12}) {
		count++
	}
	// 丢包可能卡住某个报告/检查点定时器，推进时钟让重试跑完
	rt := 2 * (10*time.Second + 2*time.Second)
	for round := 0; round < 10; round++ {
		if h.src.NumActiveSenders() == 0 && h.dest.NumActiveReceivers() == 0 {
			break
		}
		h.clock.Advance(rt + time.Second)
		h.src.OnTick(h.clock.Now())
		h.dest.OnTick(h.clock.Now())
		h.exchangeAll()
	}
	h.assertNoActiveSessions()
	if h.numRedPartReceptions != 1 || !bytes.Equal(h.lastRedData, []byte(redTestData)) {
		t.Errorf("红色交付异常")
	}
	if h.numTransmissionCompleted != 1 || h.numTransmissionCancelled != 0 {
		t.Errorf("完成/取消 = %d/%d", h.numTransmissionCompleted, h.numTransmissionCancelled)
	}
	if got := h.dest.Stats().Snapshot().ReportsSent; got < 9 { // 8 个中途检查点 + EOB 检查点
		t.Errorf("报告数 = %d, 应不少于 9", got)
	}
}

// 场景 4：红 44 字节 + 绿 3 字节
func TestMixedRedGreen(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.request(redGreenTestData, len(redTestData))
	h.exchangeAll()
	h.assertNoActiveSessions()

	if h.numSrcToDest != len(redGreenTestData)+1 { // 47 数据段 + 1 报告确认
		t.Errorf("numSrcToDest = %d, want %d", h.numSrcToDest, len(redGreenTestData)+1)
	}
	if h.numDestToSrc != 1 {
		t.Errorf("numDestToSrc = %d, want 1", h.numDestToSrc)
	}
	if h.numGreenArrivals != 3 {
		t.Errorf("numGreenArrivals = %d, want 3", h.numGreenArrivals)
	}
	if !bytes.Equal(h.greenBytes, []byte("GGE")) {
		t.Errorf("绿色数据 = %q", h.greenBytes)
	}
	if h.numRedPartReceptions != 1 || !bytes.Equal(h.lastRedData, []byte(redTestData)) {
		t.Errorf("红色交付异常")
	}
	if h.lastRedIsEOB {
		t.Error("红绿混合块的红色交付不应标记块结束")
	}
	if h.numTransmissionCompleted != 1 {
		t.Errorf("numTransmissionCompleted = %d", h.numTransmissionCompleted)
	}
}

// 场景 5：纯绿块
func TestFullyGreen(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.request(greenTestData, 0)
	h.exchangeAll()
	h.assertNoActiveSessions()

	if h.numSrcToDest != len(greenTestData) {
		t.Errorf("numSrcToDest = %d, want %d", h.numSrcToDest, len(greenTestData))
	}
	if h.numDestToSrc != 0 {
		t.Errorf("numDestToSrc = %d, want 0 (纯绿无报告)", h.numDestToSrc)
	}
	if h.numGreenArrivals != len(greenTestData) {
		t.Errorf("numGreenArrivals = %d, want %d", h.numGreenArrivals, len(greenTestData))
	}
	if h.numRedPartReceptions != 0 {
		t.Errorf("numRedPartReceptions = %d", h.numRedPartReceptions)
	}
	if h.numTransmissionCompleted != 1 || h.numInitialTransmissions != 1 {
		t.Errorf("完成回调 = done %d init %d", h.numTransmissionCompleted, h.numInitialTransmissions)
	}
}

// 场景 6：第 3 个红色段被改写成绿色，触发误染色取消
func TestMiscoloredSegment(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.request(redTestData, len(redTestData))
	count := 0
	for h.exchange(exchangeOpts{swapSrcToDest: count == 2, swapFlag: byte(segment.TypeGreenData)}) {
		count++
	}
	h.assertNoActiveSessions()

	if h.numReceptionCancelled != 1 || h.lastRxCancelReason != segment.ReasonMiscolored {
		t.Errorf("接收取消 = %d 原因 %v", h.numReceptionCancelled, h.lastRxCancelReason)
	}
	if h.numTransmissionCancelled != 1 || h.lastTxCancelReason != segment.ReasonMiscolored {
		t.Errorf("发送取消 = %d 原因 %v", h.numTransmissionCancelled, h.lastTxCancelReason)
	}
	if h.numGreenArrivals != 1 { // 被改写的段先以绿色交付再触发判定
		t.Errorf("numGreenArrivals = %d, want 1", h.numGreenArrivals)
	}
	if h.numRedPartReceptions != 0 {
		t.Errorf("numRedPartReceptions = %d", h.numRedPartReceptions)
	}
}

// 场景 7：红色部分超出接收预算
func TestOversizeRed(t *testing.T) {
	data := redTestData + " 12345678910"
	h := newHarness(t, harnessOptions{maxRedRx: 50})
	h.request(data, len(data))
	h.exchangeAll()
	h.assertNoActiveSessions()

	if h.numReceptionCancelled != 1 || h.lastRxCancelReason != segment.ReasonSystemCancelled {
		t.Errorf("接收取消 = %d 原因 %v", h.numReceptionCancelled, h.lastRxCancelReason)
	}
	if h.numTransmissionCancelled != 1 || h.lastTxCancelReason != segment.ReasonSystemCancelled {
		t.Errorf("发送取消 = %d 原因 %v", h.numTransmissionCancelled, h.lastTxCancelReason)
	}
	if h.numRedPartReceptions != 0 {
		t.Errorf("超预算不应交付红色部分, n = %d", h.numRedPartReceptions)
	}
	if h.numInitialTransmissions != 0 {
		t.Errorf("取消先于发完, numInitialTransmissions = %d", h.numInitialTransmissions)
	}
}

// 声明预算为 1 时报告按声明串拆分，缺口仍能收敛
func TestReportSplitting(t *testing.T) {
	h := newHarness(t, harnessOptions{maxClaims: 1})
	h.request(redTestData, len(redTestData))
	count := 0
	for h.exchange(exchangeOpts{dropSrcToDest: count == 10}) {
		count++
	}
	h.assertNoActiveSessions()
	if h.numRedPartReceptions != 1 || !bytes.Equal(h.lastRedData, []byte(redTestData)) {
		t.Errorf("红色交付异常")
	}
	if h.numTransmissionCompleted != 1 {
		t.Errorf("numTransmissionCompleted = %d", h.numTransmissionCompleted)
	}
	if got := h.dest.Stats().Snapshot().ReportSegmentsCreatedViaSplit; got < 2 {
		t.Errorf("拆分报告计数 = %d, 应不少于 2", got)
	}
}

// =============================================================================
// 属性用例
// =============================================================================

// 重复报告只多产生一个报告确认，无其他状态变化
func TestDuplicateReportIdempotence(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sid := h.request(redTestData, len(redTestData))
	// 发完初始传输，全部丢弃，保持发送会话在册
	for {
		pkt, ok := h.src.NextPacketToSend()
		if !ok {
			break
		}
		_ = pkt
	}
	// 手工构造一份部分声明的报告
	rs := &segment.ReportSegment{
		ReportSerial:     9001,
		CheckpointSerial: 1, // 对不上在途检查点也必须被确认
		UpperBound:       10,
		LowerBound:       0,
		Claims:           []segment.ReceptionClaim{{Offset: 0, Length: 5}},
	}
	reportBytes := segment.EncodeReportSegment(sid, rs, nil, nil)

	countAcksAndResends := func() (acks, resends int) {
		for {
			pkt, ok := h.src.NextPacketToSend()
			if !ok {
				return
			}
			switch segment.Type(pkt.Data[0] & 0x0f) {
			case segment.TypeReportAck:
				acks++
			default:
				resends++
			}
		}
	}

	_ = h.src.PacketIn(reportBytes)
	acks, resends := countAcksAndResends()
	if acks != 1 {
		t.Fatalf("首次报告应产生 1 个确认, got %d", acks)
	}
	if resends != 5 { // 缺口 [5,10) 按 MTU=1 重发 5 段
		t.Fatalf("首次报告应触发 5 个重发段, got %d", resends)
	}

	_ = h.src.PacketIn(reportBytes)
	acks, resends = countAcksAndResends()
	if acks != 1 || resends != 0 {
		t.Fatalf("重复报告应只产生 1 个确认: acks=%d resends=%d", acks, resends)
	}
}

// 检查点重传超限后以 RLEXC 取消
func TestCheckpointRetryExhaustion(t *testing.T) {
	h := newHarness(t, harnessOptions{maxRetries: 2})
	h.request("abc", 3)
	// 发出全部初始段并丢弃 (对端永不应答)
	for {
		if _, ok := h.src.NextPacketToSend(); !ok {
			break
		}
	}
	rt := 2 * (10*time.Second + 2*time.Second)
	for i := 0; i < 4; i++ {
		h.clock.Advance(rt + time.Second)
		h.src.OnTick(h.clock.Now())
		// 丢弃重发的检查点
		for {
			if _, ok := h.src.NextPacketToSend(); !ok {
				break
			}
		}
	}
	if h.numTransmissionCancelled != 1 || h.lastTxCancelReason != segment.ReasonRetransLimit {
		t.Fatalf("发送取消 = %d 原因 %v, want 1 RLEXC", h.numTransmissionCancelled, h.lastTxCancelReason)
	}
	if got := h.src.Stats().Snapshot().CheckpointRetries; got != 2 {
		t.Errorf("CheckpointRetries = %d, want 2", got)
	}
}

// 报告重传超限后接收方以 RLEXC 取消
func TestReportRetryExhaustion(t *testing.T) {
	h := newHarness(t, harnessOptions{maxRetries: 2})
	h.request(redTestData, len(redTestData))
	// 数据全部送达，但 dest 的报告全部丢弃，发送方不会回确认
	for h.sendOne(h.src, h.dest, false, 0, false) {
	}
	// dest 已产出报告；后续确认永不到达
	rt := 2 * (10*time.Second + 2*time.Second)
	for i := 0; i < 4; i++ {
		for { // 丢弃 dest 出站 (报告)；src 收不到报告，无出站可取
			if _, ok := h.dest.NextPacketToSend(); !ok {
				break
			}
		}
		h.clock.Advance(rt + time.Second)
		h.dest.OnTick(h.clock.Now())
	}
	if h.numReceptionCancelled != 1 || h.lastRxCancelReason != segment.ReasonRetransLimit {
		t.Fatalf("接收取消 = %d 原因 %v, want 1 RLEXC", h.numReceptionCancelled, h.lastRxCancelReason)
	}
	if got := h.dest.Stats().Snapshot().ReportRetries; got != 2 {
		t.Errorf("ReportRetries = %d, want 2", got)
	}
}

// 最近关闭的会话不会被迟到数据段复活
func TestSessionNonRecreation(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sid := h.request(redTestData, len(redTestData))
	h.exchangeAll()
	h.assertNoActiveSessions()

	stale := segment.EncodeDataSegment(segment.TypeRedData, sid,
		segment.DataInfo{ClientServiceID: clientServiceID, Offset: 0}, []byte("T"), nil, nil)
	_ = h.dest.PacketIn(stale)
	if n := h.dest.NumActiveReceivers(); n != 0 {
		t.Fatalf("陈旧数据段复活了接收会话: %d", n)
	}
	if h.numSessionStartDest != 1 {
		t.Fatalf("numSessionStartDest = %d", h.numSessionStartDest)
	}
}

// 应用主动取消：终止回调同步交付，对端收到 CANCEL_FROM_SENDER
func TestUserCancellation(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sid := h.request(redTestData, len(redTestData))
	// 送出前 5 段建立接收会话
	for i := 0; i < 5; i++ {
		h.sendOne(h.src, h.dest, false, 0, false)
	}
	if h.dest.NumActiveReceivers() != 1 {
		t.Fatal("接收会话未建立")
	}
	if !h.src.CancellationRequest(sid) {
		t.Fatal("取消请求应命中会话")
	}
	if h.numTransmissionCancelled != 1 || h.lastTxCancelReason != segment.ReasonUserCancelled {
		t.Fatalf("取消回调 = %d 原因 %v", h.numTransmissionCancelled, h.lastTxCancelReason)
	}
	h.exchangeAll()
	h.assertNoActiveSessions()
	if h.numReceptionCancelled != 1 || h.lastRxCancelReason != segment.ReasonUserCancelled {
		t.Fatalf("接收取消 = %d 原因 %v", h.numReceptionCancelled, h.lastRxCancelReason)
	}
}

// 报告聚合：延迟窗口内的多个检查点合并为一个报告
func TestDelayedReportCoalescing(t *testing.T) {
	h := newHarness(t, harnessOptions{checkpointEveryNth: 3, delayReports: 50 * time.Millisecond})
	h.request("abcdef", 6)
	// 全部数据送达 dest：两个检查点 (第 3 段与 EOB) 进入聚合窗口
	for h.sendOne(h.src, h.dest, false, 0, false) {
	}
	if h.numDestToSrc != 0 {
		t.Fatal("聚合窗口内不应有报告发出")
	}
	if _, ok := h.dest.NextPacketToSend(); ok {
		t.Fatal("聚合窗口内不应有报告发出")
	}
	h.clock.Advance(100 * time.Millisecond)
	h.dest.OnTick(h.clock.Now())

	reports := 0
	var reportPkt []byte
	for {
		pkt, ok := h.dest.NextPacketToSend()
		if !ok {
			break
		}
		if segment.Type(pkt.Data[0]&0x0f) == segment.TypeReport {
			reports++
			reportPkt = pkt.Data
		}
	}
	if reports != 1 {
		t.Fatalf("聚合后应只有 1 个报告, got %d", reports)
	}
	// 送达后会话正常收敛
	_ = h.src.PacketIn(reportPkt)
	h.exchangeAll()
	h.assertNoActiveSessions()
	if h.numRedPartReceptions != 1 || !bytes.Equal(h.lastRedData, []byte("abcdef")) {
		t.Errorf("红色交付异常: %q", h.lastRedData)
	}
	if h.numTransmissionCompleted != 1 {
		t.Errorf("numTransmissionCompleted = %d", h.numTransmissionCompleted)
	}
}

// 停滞接收会话被周期清扫回收
func TestStagnantReceiverReaped(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.request(redTestData, len(redTestData))
	// 只送前 3 段，无检查点、无在途定时器
	for i := 0; i < 3; i++ {
		h.sendOne(h.src, h.dest, false, 0, false)
	}
	if h.dest.NumActiveReceivers() != 1 {
		t.Fatal("接收会话未建立")
	}
	// 停滞窗口缺省为 (max_retries+1) 个往返
	h.clock.Advance(24 * time.Second * 6 * 2)
	h.dest.OnTick(h.clock.Now())
	if h.dest.NumActiveReceivers() != 0 {
		t.Fatal("停滞会话未被回收")
	}
	if h.numReceptionCancelled != 1 || h.lastRxCancelReason != segment.ReasonSystemCancelled {
		t.Errorf("接收取消 = %d 原因 %v", h.numReceptionCancelled, h.lastRxCancelReason)
	}
}

// 会话上限：发送侧拒绝，接收侧回取消段
func TestMaxSimultaneousSessions(t *testing.T) {
	h := newHarness(t, harnessOptions{maxSessions: 1})
	h.request(redTestData, len(redTestData))
	if _, err := h.src.TransmissionRequest(engineIDDest, clientServiceID, []byte("x"), 1); err == nil {
		t.Fatal("超过会话上限的传输请求应失败")
	}
	// 建立 dest 的唯一接收会话
	h.sendOne(h.src, h.dest, false, 0, false)
	if h.dest.NumActiveReceivers() != 1 {
		t.Fatal("接收会话未建立")
	}
	// 另一个会话的入站数据段被拒，回 CANCEL_FROM_RECEIVER(SYSTEM_CANCELLED)
	other := segment.SessionID{EngineID: engineIDSrc, Number: 0xdeadbeef}
	seg := segment.EncodeDataSegment(segment.TypeRedData, other,
		segment.DataInfo{ClientServiceID: 1, Offset: 0}, []byte("x"), nil, nil)
	_ = h.dest.PacketIn(seg)
	if h.dest.NumActiveReceivers() != 1 {
		t.Fatal("不应创建第二个接收会话")
	}
	pkt, ok := h.dest.NextPacketToSend()
	if !ok || segment.Type(pkt.Data[0]&0x0f) != segment.TypeCancelFromReceiver {
		t.Fatalf("应回取消段, got %v", ok)
	}
}

// 解析错误只丢弃数据报，不影响既有会话
func TestParseErrorDiscarded(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.request(redTestData, len(redTestData))
	for i := 0; i < 5; i++ {
		h.sendOne(h.src, h.dest, false, 0, false)
	}
	if err := h.dest.PacketIn([]byte{0xf0, 0x01, 0x02}); err == nil {
		t.Fatal("坏数据报应报错")
	}
	if h.dest.NumActiveReceivers() != 1 {
		t.Fatal("解析错误不应拆除会话")
	}
	// 余下照常收敛
	h.exchangeAll()
	h.assertNoActiveSessions()
	if h.numRedPartReceptions != 1 {
		t.Errorf("numRedPartReceptions = %d", h.numRedPartReceptions)
	}
	if got := h.dest.Stats().Snapshot().ParseErrors; got != 1 {
		t.Errorf("ParseErrors = %d", got)
	}
}

// 引擎关停：所有会话以 SYSTEM_CANCELLED 终止
func TestShutdownCancelsSessions(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.request(redTestData, len(redTestData))
	for i := 0; i < 5; i++ {
		h.sendOne(h.src, h.dest, false, 0, false)
	}
	h.src.Shutdown()
	h.dest.Shutdown()
	if h.numTransmissionCancelled != 1 || h.lastTxCancelReason != segment.ReasonSystemCancelled {
		t.Errorf("发送取消 = %d 原因 %v", h.numTransmissionCancelled, h.lastTxCancelReason)
	}
	if h.numReceptionCancelled != 1 || h.lastRxCancelReason != segment.ReasonSystemCancelled {
		t.Errorf("接收取消 = %d 原因 %v", h.numReceptionCancelled, h.lastRxCancelReason)
	}
	if h.src.NumActiveSenders() != 0 || h.dest.NumActiveReceivers() != 0 {
		t.Error("关停后会话应清空")
	}
}

// 流向错配的段被静默丢弃
func TestDirectionMismatchDiscarded(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sid := h.request(redTestData, len(redTestData))
	// 把"发送方→接收方"的数据段喂给发送方自己
	seg := segment.EncodeDataSegment(segment.TypeRedData, sid,
		segment.DataInfo{ClientServiceID: 1, Offset: 0}, []byte("x"), nil, nil)
	_ = h.src.PacketIn(seg)
	if h.src.NumActiveReceivers() != 0 {
		t.Fatal("流向错配不应创建接收会话")
	}
	if got := h.src.Stats().Snapshot().DiscardedSegments; got != 1 {
		t.Errorf("DiscardedSegments = %d", got)
	}
}

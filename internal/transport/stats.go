// =============================================================================
// 文件: internal/transport/stats.go
// 描述: 引擎统计适配 - 把引擎原子计数器适配成指标收集器的数据提供接口
// =============================================================================
package transport

import (
	"sync/atomic"

	"github.com/mrcgq/ltp/internal/engine"
)

// EngineStatsAdapter 只读适配器，跨线程安全
type EngineStatsAdapter struct {
	eng *engine.Engine
}

// NewEngineStatsAdapter 创建适配器
func NewEngineStatsAdapter(eng *engine.Engine) *EngineStatsAdapter {
	return &EngineStatsAdapter{eng: eng}
}

func (a *EngineStatsAdapter) GetEngineID() uint64 { return a.eng.EngineID() }

func (a *EngineStatsAdapter) GetActiveSenders() int {
	return int(atomic.LoadInt64(&a.eng.Stats().ActiveSenders))
}

func (a *EngineStatsAdapter) GetActiveReceivers() int {
	return int(atomic.LoadInt64(&a.eng.Stats().ActiveReceivers))
}

func (a *EngineStatsAdapter) snapshot() engine.Stats {
	return a.eng.Stats().Snapshot()
}

func (a *EngineStatsAdapter) GetSegmentsReceived() uint64 { return a.snapshot().SegmentsReceived }
func (a *EngineStatsAdapter) GetSegmentsSent() uint64     { return a.snapshot().SegmentsSent }
func (a *EngineStatsAdapter) GetParseErrors() uint64      { return a.snapshot().ParseErrors }
func (a *EngineStatsAdapter) GetDiscardedSegments() uint64 {
	return a.snapshot().DiscardedSegments
}
func (a *EngineStatsAdapter) GetSendersStarted() uint64    { return a.snapshot().SendersStarted }
func (a *EngineStatsAdapter) GetReceiversStarted() uint64  { return a.snapshot().ReceiversStarted }
func (a *EngineStatsAdapter) GetSessionsCompleted() uint64 { return a.snapshot().SessionsCompleted }
func (a *EngineStatsAdapter) GetSessionsCancelled() uint64 { return a.snapshot().SessionsCancelled }
func (a *EngineStatsAdapter) GetCheckpointsSent() uint64   { return a.snapshot().CheckpointsSent }
func (a *EngineStatsAdapter) GetCheckpointRetries() uint64 { return a.snapshot().CheckpointRetries }
func (a *EngineStatsAdapter) GetReportsSent() uint64       { return a.snapshot().ReportsSent }
func (a *EngineStatsAdapter) GetReportRetries() uint64     { return a.snapshot().ReportRetries }
func (a *EngineStatsAdapter) GetReportSegmentsCreatedViaSplit() uint64 {
	return a.snapshot().ReportSegmentsCreatedViaSplit
}
func (a *EngineStatsAdapter) GetReportSegmentsUnableToBeIssued() uint64 {
	return a.snapshot().ReportSegmentsUnableToBeIssued
}
func (a *EngineStatsAdapter) GetGapsFilledByOutOfOrderSegments() uint64 {
	return a.snapshot().GapsFilledByOutOfOrderSegments
}
func (a *EngineStatsAdapter) GetDataBytesResent() uint64 { return a.snapshot().DataBytesResent }
func (a *EngineStatsAdapter) GetStagnantSessionsReaped() uint64 {
	return a.snapshot().StagnantSessionsReaped
}

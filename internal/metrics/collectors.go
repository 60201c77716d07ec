// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义 - LTP 引擎运行状态
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// 引擎收集器
// =============================================================================

// EngineStats 引擎统计数据接口
type EngineStats interface {
	GetEngineID() uint64
	GetActiveSenders() int
	GetActiveReceivers() int
	GetSegmentsReceived() uint64
	GetSegmentsSent() uint64
	GetParseErrors() uint64
	GetDiscardedSegments() uint64
	GetSendersStarted() uint64
	GetReceiversStarted() uint64
	GetSessionsCompleted() uint64
	GetSessionsCancelled() uint64
	GetCheckpointsSent() uint64
	GetCheckpointRetries() uint64
	GetReportsSent() uint64
	GetReportRetries() uint64
	GetReportSegmentsCreatedViaSplit() uint64
	GetReportSegmentsUnableToBeIssued() uint64
	GetGapsFilledByOutOfOrderSegments() uint64
	GetDataBytesResent() uint64
	GetStagnantSessionsReaped() uint64
}

// EngineCollector LTP 引擎指标收集器
type EngineCollector struct {
	statsProvider EngineStats

	// 描述符
	activeSendersDesc     *prometheus.Desc
	activeReceiversDesc   *prometheus.Desc
	segmentsReceivedDesc  *prometheus.Desc
	segmentsSentDesc      *prometheus.Desc
	parseErrorsDesc       *prometheus.Desc
	discardedDesc         *prometheus.Desc
	sendersStartedDesc    *prometheus.Desc
	receiversStartedDesc  *prometheus.Desc
	sessionsCompletedDesc *prometheus.Desc
	sessionsCancelledDesc *prometheus.Desc
	checkpointsSentDesc   *prometheus.Desc
	checkpointRetriesDesc *prometheus.Desc
	reportsSentDesc       *prometheus.Desc
	reportRetriesDesc     *prometheus.Desc
	reportSplitsDesc      *prometheus.Desc
	reportsUnissuableDesc *prometheus.Desc
	gapsFilledDesc        *prometheus.Desc
	bytesResentDesc       *prometheus.Desc
	stagnantReapedDesc    *prometheus.Desc
}

// NewEngineCollector 创建引擎收集器
func NewEngineCollector(provider EngineStats) *EngineCollector {
	namespace := "ltp"
	subsystem := "engine"
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, name),
			help, nil, nil,
		)
	}
	return &EngineCollector{
		statsProvider: provider,

		activeSendersDesc:     desc("active_senders", "Active sending sessions"),
		activeReceiversDesc:   desc("active_receivers", "Active receiving sessions"),
		segmentsReceivedDesc:  desc("segments_received_total", "Datagrams handed to the engine"),
		segmentsSentDesc:      desc("segments_sent_total", "Segments produced for the transport"),
		parseErrorsDesc:       desc("parse_errors_total", "Datagrams discarded due to parse errors"),
		discardedDesc:         desc("discarded_segments_total", "Segments discarded by dispatch rules"),
		sendersStartedDesc:    desc("senders_started_total", "Sending sessions created"),
		receiversStartedDesc:  desc("receivers_started_total", "Receiving sessions created"),
		sessionsCompletedDesc: desc("sessions_completed_total", "Sending sessions fully acknowledged"),
		sessionsCancelledDesc: desc("sessions_cancelled_total", "Sessions cancelled (both directions)"),
		checkpointsSentDesc:   desc("checkpoints_sent_total", "Checkpoint segments emitted"),
		checkpointRetriesDesc: desc("checkpoint_retries_total", "Checkpoint retransmissions"),
		reportsSentDesc:       desc("reports_sent_total", "Report segments emitted"),
		reportRetriesDesc:     desc("report_retries_total", "Report retransmissions"),
		reportSplitsDesc:      desc("report_segments_created_via_split_total", "Report segments created by claim-budget splitting"),
		reportsUnissuableDesc: desc("report_segments_unable_to_be_issued_total", "Report generations with no claims to issue"),
		gapsFilledDesc:        desc("gaps_filled_by_out_of_order_segments_total", "Red gaps filled by out-of-order segments"),
		bytesResentDesc:       desc("data_bytes_resent_total", "Red data bytes retransmitted"),
		stagnantReapedDesc:    desc("stagnant_sessions_reaped_total", "Receiving sessions reaped by housekeeping"),
	}
}

// Describe 实现 prometheus.Collector
func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSendersDesc
	ch <- c.activeReceiversDesc
	ch <- c.segmentsReceivedDesc
	ch <- c.segmentsSentDesc
	ch <- c.parseErrorsDesc
	ch <- c.discardedDesc
	ch <- c.sendersStartedDesc
	ch <- c.receiversStartedDesc
	ch <- c.sessionsCompletedDesc
	ch <- c.sessionsCancelledDesc
	ch <- c.checkpointsSentDesc
	ch <- c.checkpointRetriesDesc
	ch <- c.reportsSentDesc
	ch <- c.reportRetriesDesc
	ch <- c.reportSplitsDesc
	ch <- c.reportsUnissuableDesc
	ch <- c.gapsFilledDesc
	ch <- c.bytesResentDesc
	ch <- c.stagnantReapedDesc
}

// Collect 实现 prometheus.Collector
func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.statsProvider
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge(c.activeSendersDesc, float64(s.GetActiveSenders()))
	gauge(c.activeReceiversDesc, float64(s.GetActiveReceivers()))
	counter(c.segmentsReceivedDesc, s.GetSegmentsReceived())
	counter(c.segmentsSentDesc, s.GetSegmentsSent())
	counter(c.parseErrorsDesc, s.GetParseErrors())
	counter(c.discardedDesc, s.GetDiscardedSegments())
	counter(c.sendersStartedDesc, s.GetSendersStarted())
	counter(c.receiversStartedDesc, s.GetReceiversStarted())
	counter(c.sessionsCompletedDesc, s.GetSessionsCompleted())
	counter(c.sessionsCancelledDesc, s.GetSessionsCancelled())
	counter(c.checkpointsSentDesc, s.GetCheckpointsSent())
	counter(c.checkpointRetriesDesc, s.GetCheckpointRetries())
	counter(c.reportsSentDesc, s.GetReportsSent())
	counter(c.reportRetriesDesc, s.GetReportRetries())
	counter(c.reportSplitsDesc, s.GetReportSegmentsCreatedViaSplit())
	counter(c.reportsUnissuableDesc, s.GetReportSegmentsUnableToBeIssued())
	counter(c.gapsFilledDesc, s.GetGapsFilledByOutOfOrderSegments())
	counter(c.bytesResentDesc, s.GetDataBytesResent())
	counter(c.stagnantReapedDesc, s.GetStagnantSessionsReaped())
}

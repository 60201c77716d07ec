// =============================================================================
// 文件: internal/metrics/server.go
// 描述: 健康检查和 Metrics 服务 - Prometheus 标准格式，
// 外加 websocket 实时状态推送端点
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server 指标服务器
type Server struct {
	listen     string
	path       string
	healthPath string
	livePath   string

	httpServer *http.Server
	registry   *prometheus.Registry
	upgrader   websocket.Upgrader

	healthy       int32
	startTime     time.Time
	statsProvider EngineStats
}

// HealthStatus 健康状态
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	UptimeSec float64   `json:"uptime_sec"`
	EngineID  uint64    `json:"engine_id"`
	Senders   int       `json:"active_senders"`
	Receivers int       `json:"active_receivers"`
}

// liveSnapshot websocket 推送的实时快照
type liveSnapshot struct {
	Timestamp         time.Time `json:"timestamp"`
	EngineID          uint64    `json:"engine_id"`
	ActiveSenders     int       `json:"active_senders"`
	ActiveReceivers   int       `json:"active_receivers"`
	SegmentsReceived  uint64    `json:"segments_received"`
	SegmentsSent      uint64    `json:"segments_sent"`
	SessionsCompleted uint64    `json:"sessions_completed"`
	SessionsCancelled uint64    `json:"sessions_cancelled"`
	CheckpointRetries uint64    `json:"checkpoint_retries"`
	ReportRetries     uint64    `json:"report_retries"`
}

// NewServer 创建指标服务器
func NewServer(listen, path, healthPath, livePath string, provider EngineStats) *Server {
	// 自定义 registry，避免污染全局
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(NewEngineCollector(provider))

	return &Server{
		listen:        listen,
		path:          path,
		healthPath:    healthPath,
		livePath:      livePath,
		registry:      registry,
		healthy:       1,
		startTime:     time.Now(),
		statsProvider: provider,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Start 启动 HTTP 服务，阻塞到 ctx 结束
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc(s.healthPath, s.handleHealth)
	mux.HandleFunc(s.livePath, s.handleLive)

	s.httpServer = &http.Server{
		Addr:         s.listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return fmt.Errorf("指标服务启动失败: %w", err)
	}
}

// SetHealthy 设置健康状态
func (s *Server) SetHealthy(healthy bool) {
	if healthy {
		atomic.StoreInt32(&s.healthy, 1)
	} else {
		atomic.StoreInt32(&s.healthy, 0)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		UptimeSec: time.Since(s.startTime).Seconds(),
		EngineID:  s.statsProvider.GetEngineID(),
		Senders:   s.statsProvider.GetActiveSenders(),
		Receivers: s.statsProvider.GetActiveReceivers(),
	}
	code := http.StatusOK
	if atomic.LoadInt32(&s.healthy) == 0 {
		status.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// handleLive websocket 实时状态推送，每秒一帧快照
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	// 读循环只用于感知对端关闭
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			snap := liveSnapshot{
				Timestamp:         time.Now(),
				EngineID:          s.statsProvider.GetEngineID(),
				ActiveSenders:     s.statsProvider.GetActiveSenders(),
				ActiveReceivers:   s.statsProvider.GetActiveReceivers(),
				SegmentsReceived:  s.statsProvider.GetSegmentsReceived(),
				SegmentsSent:      s.statsProvider.GetSegmentsSent(),
				SessionsCompleted: s.statsProvider.GetSessionsCompleted(),
				SessionsCancelled: s.statsProvider.GetSessionsCancelled(),
				CheckpointRetries: s.statsProvider.GetCheckpointRetries(),
				ReportRetries:     s.statsProvider.GetReportRetries(),
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		}
	}
}

// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - YAML 配置加载、校验与示例生成
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 主配置
type Config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	Engine    EngineConfig    `yaml:"engine"`
	Transport TransportConfig `yaml:"transport"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// EngineConfig LTP 引擎配置
type EngineConfig struct {
	EngineID                      uint64 `yaml:"engine_id"`
	MTUBytes                      uint64 `yaml:"mtu_bytes"`
	MaxReceptionClaimsPerReport   uint64 `yaml:"max_reception_claims_per_report"`
	EstimatedBytesToReceive       uint64 `yaml:"estimated_bytes_to_receive_per_session"`
	MaxRedRxBytesPerSession       uint64 `yaml:"max_red_rx_bytes_per_session"`
	OneWayLightTimeMs             uint64 `yaml:"one_way_light_time_ms"`
	OneWayMarginTimeMs            uint64 `yaml:"one_way_margin_time_ms"`
	MaxRetriesPerSerialNumber     uint32 `yaml:"max_retries_per_serial_number"`
	CheckpointEveryNthDataSegment uint64 `yaml:"checkpoint_every_nth_data_segment_for_senders"`
	MaxSimultaneousSessions       int    `yaml:"max_simultaneous_sessions"`
	RecreationPreventerHistory    int    `yaml:"rx_session_number_recreation_preventer_history_size"`
	DelaySendingOfReportsMs       uint64 `yaml:"delay_sending_of_report_segments_ms"`
	Force32BitSessionNumbers      bool   `yaml:"force_32_bit_random_session_numbers"`
	SessionStagnationTimeoutMs    uint64 `yaml:"session_stagnation_timeout_ms"`
}

// TransportConfig UDP 传输配置
type TransportConfig struct {
	RemoteAddr              string `yaml:"remote_addr"`
	MaxPacketsPerSystemCall int    `yaml:"max_udp_packets_to_send_per_system_call"`
	MaxSendRateBitsPerSec   uint64 `yaml:"max_send_rate_bits_per_sec"`
	ReadBufferSize          int    `yaml:"read_buffer_size"`
	WriteBufferSize         int    `yaml:"write_buffer_size"`
	TickIntervalMs          uint64 `yaml:"tick_interval_ms"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`
	Path       string `yaml:"path"`
	HealthPath string `yaml:"health_path"`
	LivePath   string `yaml:"live_path"`
}

// Default 返回缺省配置
func Default() *Config {
	return &Config{
		Listen:   ":1113",
		LogLevel: "info",
		Engine: EngineConfig{
			MTUBytes:                    1360,
			MaxReceptionClaimsPerReport: 20,
			EstimatedBytesToReceive:     1 << 16,
			MaxRedRxBytesPerSession:     1 << 30,
			OneWayLightTimeMs:           1000,
			OneWayMarginTimeMs:          200,
			MaxRetriesPerSerialNumber:   5,
			MaxSimultaneousSessions:     5000,
			RecreationPreventerHistory:  100000,
		},
		Transport: TransportConfig{
			MaxPacketsPerSystemCall: 100,
			TickIntervalMs:          100,
		},
		Metrics: MetricsConfig{
			Listen:     ":9464",
			Path:       "/metrics",
			HealthPath: "/health",
			LivePath:   "/live",
		},
	}
}

// Load 从文件加载配置并校验
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 配置一致性校验
func (c *Config) Validate() error {
	if c.Engine.EngineID == 0 {
		return fmt.Errorf("engine.engine_id 必须指定且非零")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen 不能为空")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen 地址非法: %w", err)
	}
	if c.Transport.RemoteAddr != "" {
		if _, _, err := net.SplitHostPort(c.Transport.RemoteAddr); err != nil {
			return fmt.Errorf("transport.remote_addr 地址非法: %w", err)
		}
	}
	if c.Engine.MTUBytes == 0 {
		return fmt.Errorf("engine.mtu_bytes 必须大于 0")
	}
	if c.Engine.MaxReceptionClaimsPerReport < 1 {
		return fmt.Errorf("engine.max_reception_claims_per_report 必须至少为 1")
	}
	if c.Engine.MaxSimultaneousSessions <= 0 {
		return fmt.Errorf("engine.max_simultaneous_sessions 必须大于 0")
	}
	if c.Metrics.Enabled {
		if c.Metrics.Listen == "" {
			return fmt.Errorf("metrics.listen 不能为空")
		}
		if c.Metrics.Listen == c.Listen {
			return fmt.Errorf("metrics.listen 与 listen 端口冲突")
		}
	}
	switch c.LogLevel {
	case "", "error", "info", "debug":
	default:
		return fmt.Errorf("log_level 非法: %s (可选 error/info/debug)", c.LogLevel)
	}
	return nil
}

// LogLevelInt 日志级别数值 (0=error 1=info 2=debug)
func (c *Config) LogLevelInt() int {
	switch c.LogLevel {
	case "error":
		return 0
	case "debug":
		return 2
	}
	return 1
}

// OneWayLightTime 单程光行时间
func (c *EngineConfig) OneWayLightTime() time.Duration {
	return time.Duration(c.OneWayLightTimeMs) * time.Millisecond
}

// OneWayMarginTime 单程裕量
func (c *EngineConfig) OneWayMarginTime() time.Duration {
	return time.Duration(c.OneWayMarginTimeMs) * time.Millisecond
}

// DelaySendingOfReports 报告聚合延迟 (0 = 立即发送)
func (c *EngineConfig) DelaySendingOfReports() time.Duration {
	return time.Duration(c.DelaySendingOfReportsMs) * time.Millisecond
}

// SessionStagnationTimeout 停滞窗口 (0 = 由引擎按往返时间推导)
func (c *EngineConfig) SessionStagnationTimeout() time.Duration {
	return time.Duration(c.SessionStagnationTimeoutMs) * time.Millisecond
}

// TickInterval 引擎节拍间隔
func (c *TransportConfig) TickInterval() time.Duration {
	if c.TickIntervalMs == 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

const exampleConfig = `# LTP 引擎配置示例
listen: ":1113"
log_level: info

engine:
  engine_id: 100
  mtu_bytes: 1360
  max_reception_claims_per_report: 20
  estimated_bytes_to_receive_per_session: 65536
  max_red_rx_bytes_per_session: 1073741824
  one_way_light_time_ms: 1000
  one_way_margin_time_ms: 200
  max_retries_per_serial_number: 5
  checkpoint_every_nth_data_segment_for_senders: 0
  max_simultaneous_sessions: 5000
  rx_session_number_recreation_preventer_history_size: 100000
  delay_sending_of_report_segments_ms: 0
  force_32_bit_random_session_numbers: false

transport:
  remote_addr: "203.0.113.10:1113"
  max_udp_packets_to_send_per_system_call: 100
  max_send_rate_bits_per_sec: 0
  tick_interval_ms: 100

metrics:
  enabled: true
  listen: ":9464"
  path: /metrics
  health_path: /health
  live_path: /live
`

// WriteExampleConfig 生成示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(exampleConfig), 0644)
}

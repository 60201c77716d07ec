// =============================================================================
// 文件: cmd/ltp-engine/main.go
// 描述: 主程序入口 - 加载配置，装配 LTP 引擎、UDP 传输与 Prometheus 指标服务
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/ltp/internal/config"
	"github.com/mrcgq/ltp/internal/engine"
	"github.com/mrcgq/ltp/internal/metrics"
	"github.com/mrcgq/ltp/internal/segment"
	"github.com/mrcgq/ltp/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("c", "config.yaml", "配置文件路径")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")

	// 演示发送：把文件作为一个块发给对端
	sendFile := flag.String("send-file", "", "发送文件路径 (可选)")
	sendDest := flag.Uint64("send-dest", 0, "目的引擎 ID")
	sendService := flag.Uint64("send-service", 1, "目的客户服务 ID")
	sendRedLen := flag.Int64("send-red-length", -1, "红色部分长度 (-1 = 全部红色)")

	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	logLevel := cfg.LogLevelInt()

	eng := engine.New(engine.Options{
		EngineID:                       cfg.Engine.EngineID,
		MTUBytes:                       cfg.Engine.MTUBytes,
		MaxReceptionClaimsPerReport:    cfg.Engine.MaxReceptionClaimsPerReport,
		EstimatedBytesToReceive:        cfg.Engine.EstimatedBytesToReceive,
		MaxRedRxBytesPerSession:        cfg.Engine.MaxRedRxBytesPerSession,
		OneWayLightTime:                cfg.Engine.OneWayLightTime(),
		OneWayMarginTime:               cfg.Engine.OneWayMarginTime(),
		MaxRetriesPerSerialNumber:      cfg.Engine.MaxRetriesPerSerialNumber,
		CheckpointEveryNthDataSegment:  cfg.Engine.CheckpointEveryNthDataSegment,
		MaxSimultaneousSessions:        cfg.Engine.MaxSimultaneousSessions,
		RecreationPreventerHistory:     cfg.Engine.RecreationPreventerHistory,
		DelaySendingOfReportSegments:   cfg.Engine.DelaySendingOfReports(),
		Force32BitRandomSessionNumbers: cfg.Engine.Force32BitSessionNumbers,
		SessionStagnationTimeout:       cfg.Engine.SessionStagnationTimeout(),
		LogLevel:                       logLevel,
	}, appCallbacks(logLevel))

	udp := transport.New(cfg.Transport, cfg.Listen, eng, logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return udp.Run(ctx)
	})

	if cfg.Metrics.Enabled {
		statsAdapter := transport.NewEngineStatsAdapter(eng)
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, cfg.Metrics.HealthPath, cfg.Metrics.LivePath, statsAdapter)
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}

	if *sendFile != "" {
		g.Go(func() error {
			return submitFile(ctx, udp, *sendFile, *sendDest, *sendService, *sendRedLen)
		})
	}

	fmt.Printf("ltp-engine %s 启动 engine_id=%d listen=%s\n", Version, cfg.Engine.EngineID, cfg.Listen)
	if err := g.Wait(); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "运行失败: %v\n", err)
		os.Exit(1)
	}
}

// appCallbacks 演示用应用回调：把关键事件打到日志
func appCallbacks(logLevel int) engine.Callbacks {
	logf := func(format string, args ...interface{}) {
		if logLevel >= 1 {
			fmt.Printf("[INFO] %s [APP] %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
		}
	}
	return engine.Callbacks{
		SessionStart: func(sid segment.SessionID) {
			logf("会话开始 %s", sid)
		},
		RedPartReception: func(sid segment.SessionID, data []byte, redLength uint64, clientServiceID uint64, isEndOfBlock bool) {
			logf("红色部分接收完成 %s len=%d service=%d eob=%v", sid, redLength, clientServiceID, isEndOfBlock)
		},
		GreenPartSegmentArrival: func(sid segment.SessionID, data []byte, offset uint64, clientServiceID uint64, isEndOfBlock bool) {
			logf("绿色段到达 %s offset=%d len=%d eob=%v", sid, offset, len(data), isEndOfBlock)
		},
		TransmissionSessionCompleted: func(sid segment.SessionID) {
			logf("发送会话完成 %s", sid)
		},
		InitialTransmissionCompleted: func(sid segment.SessionID) {
			logf("初始传输完成 %s", sid)
		},
		TransmissionSessionCancelled: func(sid segment.SessionID, reason segment.CancelReason) {
			logf("发送会话取消 %s 原因=%s", sid, reason)
		},
		ReceptionSessionCancelled: func(sid segment.SessionID, reason segment.CancelReason) {
			logf("接收会话取消 %s 原因=%s", sid, reason)
		},
	}
}

// submitFile 把文件提交为一次块传输
func submitFile(ctx context.Context, udp *transport.UDPTransport, path string, destEngine, destService uint64, redLen int64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取发送文件失败: %w", err)
	}
	redLength := uint64(len(data))
	if redLen >= 0 && uint64(redLen) <= redLength {
		redLength = uint64(redLen)
	}
	// 等传输起来再提交
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(200 * time.Millisecond):
	}
	return udp.Do(func(e *engine.Engine) {
		if _, err := e.TransmissionRequest(destEngine, destService, data, redLength); err != nil {
			fmt.Fprintf(os.Stderr, "传输请求失败: %v\n", err)
		}
	})
}

func printVersion() {
	fmt.Printf("ltp-engine %s\n", Version)
	fmt.Printf("  build time: %s\n", BuildTime)
	fmt.Printf("  git commit: %s\n", GitCommit)
}

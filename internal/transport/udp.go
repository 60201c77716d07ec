// =============================================================================
// 文件: internal/transport/udp.go
// 描述: UDP 传输协作者 - 读循环把数据报递交引擎任务；出站按批拉取、
// 令牌桶限速后一次突发写出。引擎循环独占引擎状态 (单线程协作模型)。
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/mrcgq/ltp/internal/config"
	"github.com/mrcgq/ltp/internal/engine"
)

// 错误定义
var (
	ErrClosed    = fmt.Errorf("传输已关闭")
	ErrNoPeer    = fmt.Errorf("对端地址未知")
	ErrQueueFull = fmt.Errorf("请求队列已满")
)

const (
	defaultReadBufferSize  = 8 * 1024 * 1024
	defaultWriteBufferSize = 8 * 1024 * 1024
	maxDatagramSize        = 65536
	requestQueueSize       = 1024
	packetQueueSize        = 4096
)

// UDPTransport 点对点 LTP 链路的 UDP 承载。
// 引擎循环是唯一触碰引擎状态的 goroutine；应用请求经 Do 编组进来。
type UDPTransport struct {
	cfg    config.TransportConfig
	listen string

	eng  *engine.Engine
	conn *net.UDPConn

	// 对端地址：配置指定，或从最近一个入站数据报学习
	peerMu   sync.RWMutex
	peerAddr *net.UDPAddr

	limiter  *rate.Limiter
	maxBatch int

	packetCh  chan []byte
	requestCh chan func(*engine.Engine)

	closed   int32
	logLevel int

	// 统计
	datagramsIn  uint64
	datagramsOut uint64
	sendDrops    uint64
}

// New 创建 UDP 传输
func New(cfg config.TransportConfig, listen string, eng *engine.Engine, logLevel int) *UDPTransport {
	maxBatch := cfg.MaxPacketsPerSystemCall
	if maxBatch <= 0 {
		maxBatch = 100
	}
	t := &UDPTransport{
		cfg:       cfg,
		listen:    listen,
		eng:       eng,
		maxBatch:  maxBatch,
		packetCh:  make(chan []byte, packetQueueSize),
		requestCh: make(chan func(*engine.Engine), requestQueueSize),
		logLevel:  logLevel,
	}
	if cfg.MaxSendRateBitsPerSec > 0 {
		// 令牌以字节计，突发额度给一个批次的最大数据报 (每个 maxDatagramSize 字节)
		bytesPerSec := rate.Limit(float64(cfg.MaxSendRateBitsPerSec) / 8.0)
		t.limiter = rate.NewLimiter(bytesPerSec, maxBatch*maxDatagramSize)
	}
	return t
}

// Do 把一个操作编组到引擎任务执行。非阻塞；队列满时返回错误。
func (t *UDPTransport) Do(fn func(*engine.Engine)) error {
	if atomic.LoadInt32(&t.closed) != 0 {
		return ErrClosed
	}
	select {
	case t.requestCh <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run 启动读循环与引擎循环，阻塞到 ctx 结束
func (t *UDPTransport) Run(ctx context.Context) error {
	laddr, err := net.ResolveUDPAddr("udp", t.listen)
	if err != nil {
		return fmt.Errorf("解析监听地址失败: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("UDP 监听失败: %w", err)
	}
	t.conn = conn

	readBuf := t.cfg.ReadBufferSize
	if readBuf <= 0 {
		readBuf = defaultReadBufferSize
	}
	writeBuf := t.cfg.WriteBufferSize
	if writeBuf <= 0 {
		writeBuf = defaultWriteBufferSize
	}
	_ = conn.SetReadBuffer(readBuf)
	_ = conn.SetWriteBuffer(writeBuf)

	if t.cfg.RemoteAddr != "" {
		raddr, err := net.ResolveUDPAddr("udp", t.cfg.RemoteAddr)
		if err != nil {
			conn.Close()
			return fmt.Errorf("解析对端地址失败: %w", err)
		}
		t.setPeer(raddr)
	}

	t.log(1, "UDP 传输启动 listen=%s peer=%s", t.listen, t.cfg.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		t.engineLoop(ctx)
	}()

	<-ctx.Done()
	atomic.StoreInt32(&t.closed, 1)
	conn.Close()
	wg.Wait()
	t.log(1, "UDP 传输已停止 (in=%d out=%d)", atomic.LoadUint64(&t.datagramsIn), atomic.LoadUint64(&t.datagramsOut))
	return nil
}

// readLoop 收包并递交引擎循环
func (t *UDPTransport) readLoop(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if atomic.LoadInt32(&t.closed) != 0 || ctx.Err() != nil {
				return
			}
			t.log(0, "读取 UDP 失败: %v", err)
			continue
		}
		if n == 0 {
			continue
		}
		t.setPeer(addr)
		atomic.AddUint64(&t.datagramsIn, 1)
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.packetCh <- data:
		default:
			// 引擎积压时丢包，靠 LTP 重传定时器补偿
			atomic.AddUint64(&t.sendDrops, 1)
		}
	}
}

// engineLoop 引擎任务：入站数据报、应用请求、定时器节拍都在这里串行处理
func (t *UDPTransport) engineLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.eng.Shutdown()
			t.flushOutbound(context.Background())
			return
		case data := <-t.packetCh:
			_ = t.eng.PacketIn(data)
		case fn := <-t.requestCh:
			fn(t.eng)
		case now := <-ticker.C:
			t.eng.OnTick(now)
		}
		t.flushOutbound(ctx)
	}
}

// flushOutbound 把引擎出队的段按批写出。限速等待发生在状态变更完成之后，
// 挂起期间不触碰引擎状态。
func (t *UDPTransport) flushOutbound(ctx context.Context) {
	for {
		batch := make([][]byte, 0, t.maxBatch)
		batchBytes := 0
		for len(batch) < t.maxBatch {
			pkt, ok := t.eng.NextPacketToSend()
			if !ok {
				break
			}
			batch = append(batch, pkt.Data)
			batchBytes += len(pkt.Data)
		}
		if len(batch) == 0 {
			return
		}
		peer := t.peer()
		if peer == nil {
			// 对端未知，只能丢弃；发送失败不上报，重传定时器兜底
			atomic.AddUint64(&t.sendDrops, uint64(len(batch)))
			continue
		}
		if t.limiter != nil {
			if err := t.limiter.WaitN(ctx, batchBytes); err != nil {
				atomic.AddUint64(&t.sendDrops, uint64(len(batch)))
				return
			}
		}
		for _, data := range batch {
			if _, err := t.conn.WriteToUDP(data, peer); err != nil {
				atomic.AddUint64(&t.sendDrops, 1)
				continue
			}
			atomic.AddUint64(&t.datagramsOut, 1)
		}
	}
}

func (t *UDPTransport) setPeer(addr *net.UDPAddr) {
	t.peerMu.Lock()
	t.peerAddr = addr
	t.peerMu.Unlock()
}

func (t *UDPTransport) peer() *net.UDPAddr {
	t.peerMu.RLock()
	defer t.peerMu.RUnlock()
	return t.peerAddr
}

// =============================================================================
// 日志方法
// =============================================================================

func (t *UDPTransport) log(level int, format string, args ...interface{}) {
	if level > t.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [UDP] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

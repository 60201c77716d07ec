// =============================================================================
// 文件: internal/engine/rng.go
// 描述: 会话号与序列号随机数生成 - 随机部分叠加永不为零的递增部分，
// 防止生日悖论撞号；支持 32 位互操作模式
// =============================================================================
package engine

import (
	crand "crypto/rand"
	"encoding/binary"
	"time"
)

// randomNumberGenerator 每引擎一个实例，仅在引擎任务内使用
type randomNumberGenerator struct {
	force32 bool
	inc     uint16 // 递增部分，滚动范围 1..65535，永不为零
}

func newRandomNumberGenerator(force32 bool) *randomNumberGenerator {
	return &randomNumberGenerator{force32: force32, inc: 1}
}

// randomU64 取 8 字节硬件随机；失败时退化为时间源
func randomU64() uint64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint64(buf[:])
}

// nextIncrement 取当前递增部分并前进，跳过零
func (g *randomNumberGenerator) nextIncrement() uint16 {
	inc := g.inc
	g.inc++
	if g.inc == 0 {
		g.inc = 1
	}
	return inc
}

// NextSessionNumber 生成会话号：
//   - 64 位模式：bit 54..16 为随机部分，bit 55 留空避免递增进位翻零，
//     bit 15..0 为递增部分
//   - 32 位模式：bit 30..16 为随机部分，bit 15..0 为递增部分
func (g *randomNumberGenerator) NextSessionNumber() uint64 {
	r := randomU64()
	inc := uint64(g.nextIncrement())
	if g.force32 {
		return (r & 0x7fff0000) | inc
	}
	return (r & 0x007fffffffff0000) | inc
}

// NextSerialNumber 生成检查点/报告序列号初值，非零；
// 同一序列内的后续序列号由会话单调递增
func (g *randomNumberGenerator) NextSerialNumber() uint64 {
	r := randomU64()
	inc := uint64(g.nextIncrement())
	return (r & 0x00003fffffff0000) | inc
}

// =============================================================================
// 文件: internal/sdnv/sdnv.go
// 描述: SDNV 编解码 - 自定界数值 (RFC 5326 使用的 7-bit 大端变长整数)
// =============================================================================
package sdnv

import "fmt"

// 错误定义
var (
	// ErrInvalid 编码本身非法 (超长或溢出)
	ErrInvalid = fmt.Errorf("invalid sdnv encoding")
	// ErrNeedMore 输入在 SDNV 中途结束
	ErrNeedMore = fmt.Errorf("need more bytes for sdnv")
)

const (
	// MaxU32EncodedSize u32 编码最大字节数
	MaxU32EncodedSize = 5
	// MaxU64EncodedSize u64 编码最大字节数
	MaxU64EncodedSize = 10
)

// =============================================================================
// 编码
// =============================================================================

// EncodedSizeU64 返回编码 v 所需的字节数 (1..10)
func EncodedSizeU64(v uint64) int {
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}

// EncodeU64 将 v 编码到 buf，返回写入字节数；buf 不足时返回 0
func EncodeU64(buf []byte, v uint64) int {
	n := EncodedSizeU64(v)
	if len(buf) < n {
		return 0
	}
	for i := n - 1; i >= 0; i-- {
		buf[i] = byte(v&0x7f) | 0x80
		v >>= 7
	}
	buf[n-1] &= 0x7f
	return n
}

// EncodeU64BufSize10 热路径入口：调用方保证 buf 至少 10 字节
func EncodeU64BufSize10(buf []byte, v uint64) int {
	return EncodeU64(buf[:MaxU64EncodedSize], v)
}

// EncodeU32 将 32 位值编码到 buf，返回写入字节数；buf 不足时返回 0
func EncodeU32(buf []byte, v uint32) int {
	return EncodeU64(buf, uint64(v))
}

// AppendU64 将编码追加到 dst 并返回新切片
func AppendU64(dst []byte, v uint64) []byte {
	var tmp [MaxU64EncodedSize]byte
	n := EncodeU64BufSize10(tmp[:], v)
	return append(dst, tmp[:n]...)
}

// =============================================================================
// 解码
// =============================================================================

// DecodeU64 从 input 解码一个 u64。
// 返回 (值, 消耗字节数, 错误)。错误区分 ErrInvalid (10 字节编码首字节 > 0x81
// 即解码值会溢出 u64，或连续位超过 10 字节) 与 ErrNeedMore (输入中途耗尽)。
func DecodeU64(input []byte) (uint64, int, error) {
	limit := len(input)
	if limit > MaxU64EncodedSize {
		limit = MaxU64EncodedSize
	}
	var result uint64
	for i := 0; i < limit; i++ {
		b := input[i]
		result = (result << 7) | uint64(b&0x7f)
		if b&0x80 == 0 {
			if i == MaxU64EncodedSize-1 && input[0] > 0x81 {
				return 0, 0, ErrInvalid
			}
			return result, i + 1, nil
		}
	}
	if limit == MaxU64EncodedSize {
		// 第 10 字节仍带连续位
		return 0, 0, ErrInvalid
	}
	return 0, 0, ErrNeedMore
}

// DecodeU32 从 input 解码一个 u32。5 字节编码首字节 > 0x8f 视为溢出。
func DecodeU32(input []byte) (uint32, int, error) {
	limit := len(input)
	if limit > MaxU32EncodedSize {
		limit = MaxU32EncodedSize
	}
	var result uint32
	for i := 0; i < limit; i++ {
		b := input[i]
		result = (result << 7) | uint32(b&0x7f)
		if b&0x80 == 0 {
			if i == MaxU32EncodedSize-1 && input[0] > 0x8f {
				return 0, 0, ErrInvalid
			}
			return result, i + 1, nil
		}
	}
	if limit == MaxU32EncodedSize {
		return 0, 0, ErrInvalid
	}
	return 0, 0, ErrNeedMore
}

// DecodeArrayU64 批量解码：从 input 连续解码至多 len(dst) 个 SDNV 写入 dst。
// 在输入不足以完成下一个 SDNV 时提前停止 (不消耗残缺部分)；任一项非法时
// 返回 ErrInvalid 且 consumed 为 0。语义与逐个 DecodeU64 完全一致。
// 返回 (实际解码个数, 消耗字节数, 错误)。
func DecodeArrayU64(input []byte, dst []uint64) (int, int, error) {
	consumed := 0
	for i := range dst {
		v, n, err := DecodeU64(input[consumed:])
		if err == ErrNeedMore {
			return i, consumed, nil
		}
		if err != nil {
			return 0, 0, ErrInvalid
		}
		dst[i] = v
		consumed += n
	}
	return len(dst), consumed, nil
}

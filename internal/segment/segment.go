// =============================================================================
// 文件: internal/segment/segment.go
// 描述: LTP 段类型定义与序列化 (RFC 5326 线格式)
// =============================================================================
package segment

import (
	"fmt"

	"github.com/mrcgq/ltp/internal/sdnv"
)

// =============================================================================
// 段类型
// =============================================================================

// Type 控制字节低 4 位的段类型标志
type Type byte

const (
	TypeRedData                  Type = 0x00
	TypeRedDataCheckpoint        Type = 0x01
	TypeRedDataCheckpointEORP    Type = 0x02
	TypeRedDataCheckpointEORPEOB Type = 0x03
	TypeGreenData                Type = 0x04
	TypeGreenDataEOB             Type = 0x07
	TypeReport                   Type = 0x08
	TypeReportAck                Type = 0x09
	TypeCancelFromSender         Type = 0x0c
	TypeCancelAckToReceiver      Type = 0x0d
	TypeCancelFromReceiver       Type = 0x0e
	TypeCancelAckToSender        Type = 0x0f
)

// IsData 是否数据段 (红或绿)
func (t Type) IsData() bool { return t <= TypeGreenDataEOB && t != 5 && t != 6 }

// IsRed 是否红色数据段
func (t Type) IsRed() bool { return t <= TypeRedDataCheckpointEORPEOB }

// IsGreen 是否绿色数据段
func (t Type) IsGreen() bool { return t == TypeGreenData || t == TypeGreenDataEOB }

// IsCheckpoint 是否检查点
func (t Type) IsCheckpoint() bool {
	return t >= TypeRedDataCheckpoint && t <= TypeRedDataCheckpointEORPEOB
}

// IsEORP 是否红色部分结束
func (t Type) IsEORP() bool {
	return t == TypeRedDataCheckpointEORP || t == TypeRedDataCheckpointEORPEOB
}

// IsEOB 是否块结束
func (t Type) IsEOB() bool {
	return t == TypeRedDataCheckpointEORPEOB || t == TypeGreenDataEOB
}

// Defined 标志值是否有定义 (5/6/10/11 未定义)
func (t Type) Defined() bool {
	switch t {
	case 5, 6, 10, 11:
		return false
	}
	return t <= TypeCancelAckToSender
}

// IsSenderToReceiver 段的流向是否为发送方到接收方。
// 流向集合: 发送方→接收方 {0..7, 9, 12, 13}；接收方→发送方 {8, 14, 15}。
func (t Type) IsSenderToReceiver() bool {
	switch t {
	case TypeReport, TypeCancelFromReceiver, TypeCancelAckToSender:
		return false
	}
	return true
}

// =============================================================================
// 取消原因码
// =============================================================================

// CancelReason 取消段携带的原因码
type CancelReason byte

const (
	ReasonUserCancelled   CancelReason = 0x00
	ReasonUnreachable     CancelReason = 0x01
	ReasonRetransLimit    CancelReason = 0x02 // RLEXC
	ReasonMiscolored      CancelReason = 0x03
	ReasonSystemCancelled CancelReason = 0x04
	ReasonRetransCycles   CancelReason = 0x05 // RXMTCYCEXC
)

func (r CancelReason) String() string {
	switch r {
	case ReasonUserCancelled:
		return "USER_CANCELLED"
	case ReasonUnreachable:
		return "UNREACHABLE"
	case ReasonRetransLimit:
		return "RLEXC"
	case ReasonMiscolored:
		return "MISCOLORED"
	case ReasonSystemCancelled:
		return "SYSTEM_CANCELLED"
	case ReasonRetransCycles:
		return "RXMTCYCEXC"
	}
	return fmt.Sprintf("RESERVED(%d)", byte(r))
}

// =============================================================================
// 会话标识
// =============================================================================

// SessionID 会话标识 (发起方引擎 ID + 会话号)，按字典序全序
type SessionID struct {
	EngineID uint64 // 会话发起方引擎 ID
	Number   uint64 // 会话号
}

func (s SessionID) String() string {
	return fmt.Sprintf("(engine=%d, session=%d)", s.EngineID, s.Number)
}

// Less 字典序比较
func (s SessionID) Less(o SessionID) bool {
	if s.EngineID == o.EngineID {
		return s.Number < o.Number
	}
	return s.EngineID < o.EngineID
}

// =============================================================================
// 段内容结构
// =============================================================================

// ReceptionClaim 接收声明：相对 lowerBound 的 (偏移, 长度)
type ReceptionClaim struct {
	Offset uint64
	Length uint64
}

// ReportSegment 报告段内容
type ReportSegment struct {
	ReportSerial     uint64
	CheckpointSerial uint64
	UpperBound       uint64
	LowerBound       uint64
	Claims           []ReceptionClaim
}

// Extension 头/尾扩展 TLV
type Extension struct {
	Tag   byte
	Value []byte
}

// DataInfo 数据段元数据。HasSerials 标记检查点字段是否存在。
type DataInfo struct {
	ClientServiceID  uint64
	Offset           uint64
	Length           uint64
	CheckpointSerial uint64
	ReportSerial     uint64
	HasSerials       bool
}

// =============================================================================
// 序列化
// =============================================================================

// appendHeader 写入控制字节、会话 SDNV、扩展计数字节与头扩展
func appendHeader(dst []byte, t Type, sid SessionID, hdrExts, trlExts []Extension) []byte {
	dst = append(dst, byte(t)) // 版本高 4 位为 0
	dst = sdnv.AppendU64(dst, sid.EngineID)
	dst = sdnv.AppendU64(dst, sid.Number)
	dst = append(dst, byte(len(hdrExts)<<4)|byte(len(trlExts)&0x0f))
	for _, ext := range hdrExts {
		dst = appendExtension(dst, ext)
	}
	return dst
}

func appendExtension(dst []byte, ext Extension) []byte {
	dst = append(dst, ext.Tag)
	dst = sdnv.AppendU64(dst, uint64(len(ext.Value)))
	return append(dst, ext.Value...)
}

func appendTrailer(dst []byte, trlExts []Extension) []byte {
	for _, ext := range trlExts {
		dst = appendExtension(dst, ext)
	}
	return dst
}

// EncodeDataSegment 序列化数据段 (红/绿，含检查点变体)
func EncodeDataSegment(t Type, sid SessionID, info DataInfo, payload []byte, hdrExts, trlExts []Extension) []byte {
	dst := make([]byte, 0, 1+4*sdnv.MaxU64EncodedSize+len(payload)+16)
	dst = appendHeader(dst, t, sid, hdrExts, trlExts)
	dst = sdnv.AppendU64(dst, info.ClientServiceID)
	dst = sdnv.AppendU64(dst, info.Offset)
	dst = sdnv.AppendU64(dst, uint64(len(payload)))
	if t.IsCheckpoint() {
		dst = sdnv.AppendU64(dst, info.CheckpointSerial)
		dst = sdnv.AppendU64(dst, info.ReportSerial)
	}
	dst = append(dst, payload...)
	return appendTrailer(dst, trlExts)
}

// EncodeReportSegment 序列化报告段
func EncodeReportSegment(sid SessionID, rs *ReportSegment, hdrExts, trlExts []Extension) []byte {
	dst := make([]byte, 0, 1+(7+2*len(rs.Claims))*sdnv.MaxU64EncodedSize)
	dst = appendHeader(dst, TypeReport, sid, hdrExts, trlExts)
	dst = sdnv.AppendU64(dst, rs.ReportSerial)
	dst = sdnv.AppendU64(dst, rs.CheckpointSerial)
	dst = sdnv.AppendU64(dst, rs.UpperBound)
	dst = sdnv.AppendU64(dst, rs.LowerBound)
	dst = sdnv.AppendU64(dst, uint64(len(rs.Claims)))
	for _, c := range rs.Claims {
		dst = sdnv.AppendU64(dst, c.Offset)
		dst = sdnv.AppendU64(dst, c.Length)
	}
	return appendTrailer(dst, trlExts)
}

// EncodeReportAck 序列化报告确认段
func EncodeReportAck(sid SessionID, reportSerial uint64, hdrExts, trlExts []Extension) []byte {
	dst := make([]byte, 0, 1+3*sdnv.MaxU64EncodedSize+2)
	dst = appendHeader(dst, TypeReportAck, sid, hdrExts, trlExts)
	dst = sdnv.AppendU64(dst, reportSerial)
	return appendTrailer(dst, trlExts)
}

// EncodeCancel 序列化取消段。fromSender 决定 CANCEL_FROM_SENDER / _FROM_RECEIVER。
func EncodeCancel(sid SessionID, fromSender bool, reason CancelReason, hdrExts, trlExts []Extension) []byte {
	t := TypeCancelFromReceiver
	if fromSender {
		t = TypeCancelFromSender
	}
	dst := make([]byte, 0, 2+2*sdnv.MaxU64EncodedSize+2)
	dst = appendHeader(dst, t, sid, hdrExts, trlExts)
	dst = append(dst, byte(reason))
	return appendTrailer(dst, trlExts)
}

// EncodeCancelAck 序列化取消确认段 (无内容)。toSender 决定 _TO_SENDER / _TO_RECEIVER。
func EncodeCancelAck(sid SessionID, toSender bool, hdrExts, trlExts []Extension) []byte {
	t := TypeCancelAckToReceiver
	if toSender {
		t = TypeCancelAckToSender
	}
	dst := make([]byte, 0, 2+2*sdnv.MaxU64EncodedSize+2)
	dst = appendHeader(dst, t, sid, hdrExts, trlExts)
	return appendTrailer(dst, trlExts)
}

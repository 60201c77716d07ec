// =============================================================================
// 文件: internal/segment/parser.go
// 描述: 流式段解析器 - 逐字节有限状态机，容忍任意切分的输入；
// 剩余字节充足时走 SDNV 批量解码快路径
// =============================================================================
package segment

import (
	"fmt"

	"github.com/mrcgq/ltp/internal/sdnv"
)

// 主状态
type mainState int

const (
	mainReadHeader mainState = iota
	mainReadDataSegment
	mainReadReportSegment
	mainReadReportAck
	mainReadCancelByte
	mainReadTrailer
)

// 头部子状态
type headerState int

const (
	hdrReadControlByte headerState = iota
	hdrReadSessionOriginator
	hdrReadSessionNumber
	hdrReadNumExtensions
	hdrReadExtTag
	hdrReadExtLength
	hdrReadExtValue
)

// 数据段子状态。前 5 个值与批量解码个数对齐，不需要查表。
type dataState int

const (
	dsReadClientServiceID dataState = iota
	dsReadOffset
	dsReadLength
	dsReadCheckpointSerial
	dsReadReportSerial
	dsReadClientServiceData
)

// 报告段子状态。前 5 个值与批量解码个数对齐。
type reportState int

const (
	rsReadReportSerial reportState = iota
	rsReadCheckpointSerial
	rsReadUpperBound
	rsReadLowerBound
	rsReadClaimCount
	rsReadClaimOffset
	rsReadClaimLength
)

// 尾扩展子状态
type trailerState int

const (
	trReadExtTag trailerState = iota
	trReadExtLength
	trReadExtValue
)

// bulkDecodeThreshold 剩余字节达到该值时尝试批量解码，避免逐字节累积
const bulkDecodeThreshold = 16

// Callbacks 段就绪回调。未设置的槽为空操作。
type Callbacks struct {
	OnDataSegment func(t Type, sid SessionID, payload []byte, info DataInfo, hdrExts, trlExts []Extension)
	OnReport      func(sid SessionID, rs *ReportSegment, hdrExts, trlExts []Extension)
	OnReportAck   func(sid SessionID, reportSerial uint64, hdrExts, trlExts []Extension)
	OnCancel      func(sid SessionID, reason CancelReason, fromSender bool, hdrExts, trlExts []Extension)
	OnCancelAck   func(sid SessionID, toSender bool, hdrExts, trlExts []Extension)

	// OnEngineIDDecoded 旁路通知：会话发起方引擎 ID 一解码就触发，
	// 便于引擎在段其余部分到达前预路由
	OnEngineIDDecoded func(engineID uint64)
}

// Parser 流式段解析器。一次只解析一个段，段就绪后回到起始状态。
type Parser struct {
	cb Callbacks

	main    mainState
	header  headerState
	data    dataState
	report  reportState
	trailer trailerState

	sdnvTemp []byte // 跨调用的 SDNV 累积缓冲

	segType          Type
	sid              SessionID
	numHeaderExts    int
	numTrailerExts   int
	headerExts       []Extension
	trailerExts      []Extension
	currentExtLength uint64

	dataInfo    DataInfo
	dataPayload []byte

	rs            ReportSegment
	rsClaimCount  uint64
	rsClaimOffset uint64

	reportAckSerial uint64
	cancelReason    byte
}

// NewParser 创建解析器
func NewParser(cb Callbacks) *Parser {
	p := &Parser{cb: cb}
	p.Reset()
	return p
}

// Reset 回到初始状态，丢弃未完成的段
func (p *Parser) Reset() {
	p.main = mainReadHeader
	p.header = hdrReadControlByte
	p.sdnvTemp = p.sdnvTemp[:0]
}

// AtBeginning 是否处于段起始状态 (单元测试用)
func (p *Parser) AtBeginning() bool {
	return p.main == mainReadHeader && p.header == hdrReadControlByte
}

// accumulateSdnv 逐字节累积一个 SDNV。
// 返回 (值, 完成与否, 错误)。
func (p *Parser) accumulateSdnv(b byte, where string) (uint64, bool, error) {
	p.sdnvTemp = append(p.sdnvTemp, b)
	if len(p.sdnvTemp) > sdnv.MaxU64EncodedSize {
		return 0, false, fmt.Errorf("sdnv > 10 bytes in %s", where)
	}
	if b&0x80 != 0 {
		return 0, false, nil
	}
	v, n, err := sdnv.DecodeU64(p.sdnvTemp)
	if err != nil || n != len(p.sdnvTemp) {
		return 0, false, fmt.Errorf("bad sdnv in %s", where)
	}
	p.sdnvTemp = p.sdnvTemp[:0]
	return v, true, nil
}

// HandleReceivedBytes 解析输入字节流。段完成时触发对应回调后继续；
// 返回非 nil 错误时解析器停在错误处，调用方应 Reset 后丢弃该数据报。
func (p *Parser) HandleReceivedBytes(data []byte) error {
	i := 0
	for i < len(data) {
		switch p.main {
		case mainReadHeader:
			n, err := p.parseHeader(data[i:])
			if err != nil {
				return err
			}
			i += n
		case mainReadDataSegment:
			n, err := p.parseDataSegment(data[i:])
			if err != nil {
				return err
			}
			i += n
		case mainReadReportSegment:
			n, err := p.parseReportSegment(data[i:])
			if err != nil {
				return err
			}
			i += n
		case mainReadReportAck:
			v, done, err := p.accumulateSdnv(data[i], "REPORT_ACK serial")
			if err != nil {
				return err
			}
			i++
			if done {
				p.reportAckSerial = v
				if err := p.bodyComplete(); err != nil {
					return err
				}
			}
		case mainReadCancelByte:
			p.cancelReason = data[i]
			i++
			if err := p.bodyComplete(); err != nil {
				return err
			}
		case mainReadTrailer:
			n, err := p.parseTrailer(data[i:])
			if err != nil {
				return err
			}
			i += n
		}
	}
	return nil
}

// parseHeader 处理头部状态，返回消耗的字节数
func (p *Parser) parseHeader(data []byte) (int, error) {
	i := 0
	b := data[i]
	switch p.header {
	case hdrReadControlByte:
		if version := b >> 4; version != 0 {
			return 0, fmt.Errorf("ltp version not 0, got %d", version)
		}
		p.segType = Type(b & 0x0f)
		p.sdnvTemp = p.sdnvTemp[:0]
		i++
		// 快路径：两个会话 SDNV 批量解码
		var vals [2]uint64
		decoded, consumed, err := sdnv.DecodeArrayU64(data[i:], vals[:])
		if err != nil {
			return 0, fmt.Errorf("bad sdnv decoding session id")
		}
		p.sid.EngineID = vals[0]
		p.sid.Number = vals[1]
		if decoded >= 1 && p.cb.OnEngineIDDecoded != nil {
			p.cb.OnEngineIDDecoded(p.sid.EngineID)
		}
		p.header = hdrReadSessionOriginator + headerState(decoded)
		return i + consumed, nil

	case hdrReadSessionOriginator:
		v, done, err := p.accumulateSdnv(b, "session originator engine id")
		if err != nil {
			return 0, err
		}
		if done {
			p.sid.EngineID = v
			if p.cb.OnEngineIDDecoded != nil {
				p.cb.OnEngineIDDecoded(v)
			}
			p.header = hdrReadSessionNumber
		}
		return 1, nil

	case hdrReadSessionNumber:
		v, done, err := p.accumulateSdnv(b, "session number")
		if err != nil {
			return 0, err
		}
		if done {
			p.sid.Number = v
			p.header = hdrReadNumExtensions
		}
		return 1, nil

	case hdrReadNumExtensions:
		p.numHeaderExts = int(b >> 4)
		p.numTrailerExts = int(b & 0x0f)
		p.headerExts = p.headerExts[:0]
		p.trailerExts = p.trailerExts[:0]
		if p.numHeaderExts > 0 {
			p.header = hdrReadExtTag
			return 1, nil
		}
		if err := p.afterHeaderExtensions(); err != nil {
			return 0, err
		}
		return 1, nil

	case hdrReadExtTag:
		p.headerExts = append(p.headerExts, Extension{Tag: b})
		p.sdnvTemp = p.sdnvTemp[:0]
		p.header = hdrReadExtLength
		return 1, nil

	case hdrReadExtLength:
		v, done, err := p.accumulateSdnv(b, "header extension length")
		if err != nil {
			return 0, err
		}
		if done {
			p.currentExtLength = v
			if v == 0 {
				// 零长扩展直接推进
				if len(p.headerExts) == p.numHeaderExts {
					if err := p.afterHeaderExtensions(); err != nil {
						return 0, err
					}
				} else {
					p.header = hdrReadExtTag
				}
			} else {
				p.header = hdrReadExtValue
			}
		}
		return 1, nil

	case hdrReadExtValue:
		ext := &p.headerExts[len(p.headerExts)-1]
		need := int(p.currentExtLength) - len(ext.Value)
		n := len(data)
		if n > need {
			n = need
		}
		ext.Value = append(ext.Value, data[:n]...)
		if len(ext.Value) == int(p.currentExtLength) {
			if len(p.headerExts) == p.numHeaderExts {
				if err := p.afterHeaderExtensions(); err != nil {
					return 0, err
				}
			} else {
				p.header = hdrReadExtTag
			}
		}
		return n, nil
	}
	return 0, fmt.Errorf("parser in impossible header state %d", p.header)
}

// afterHeaderExtensions 头扩展读完后按段类型进入 body 状态
func (p *Parser) afterHeaderExtensions() error {
	switch {
	case p.segType&0x0d == 0x0d:
		// 取消确认段没有内容
		if p.numTrailerExts > 0 {
			p.trailer = trReadExtTag
			p.main = mainReadTrailer
			return nil
		}
		p.emitCancelAck()
		return nil
	case !p.segType.Defined():
		return fmt.Errorf("undefined segment type flags: %d", p.segType)
	case p.segType <= TypeGreenDataEOB:
		p.sdnvTemp = p.sdnvTemp[:0]
		p.data = dsReadClientServiceID
		p.main = mainReadDataSegment
	case p.segType == TypeReport:
		p.sdnvTemp = p.sdnvTemp[:0]
		p.report = rsReadReportSerial
		p.rs = ReportSegment{}
		p.main = mainReadReportSegment
	case p.segType == TypeReportAck:
		p.sdnvTemp = p.sdnvTemp[:0]
		p.main = mainReadReportAck
	default:
		// 12 或 14 => 取消段
		p.main = mainReadCancelByte
	}
	return nil
}

// parseDataSegment 处理数据段 body，返回消耗的字节数
func (p *Parser) parseDataSegment(data []byte) (int, error) {
	// 快路径：固定 SDNV 批量解码 (3 个，检查点再加 2 个)
	if p.data <= dsReadReportSerial && len(p.sdnvTemp) == 0 && len(data) >= bulkDecodeThreshold {
		return p.bulkDataSdnvs(data)
	}

	i := 0
	switch p.data {
	case dsReadClientServiceID, dsReadOffset, dsReadLength, dsReadCheckpointSerial, dsReadReportSerial:
		v, done, err := p.accumulateSdnv(data[i], "data segment sdnv")
		if err != nil {
			return 0, err
		}
		i++
		if !done {
			return i, nil
		}
		switch p.data {
		case dsReadClientServiceID:
			p.dataInfo.ClientServiceID = v
			p.data = dsReadOffset
		case dsReadOffset:
			p.dataInfo.Offset = v
			p.data = dsReadLength
		case dsReadLength:
			if v == 0 {
				return 0, fmt.Errorf("data segment length == 0")
			}
			p.dataInfo.Length = v
			p.onDataLengthKnown()
		case dsReadCheckpointSerial:
			p.dataInfo.CheckpointSerial = v
			p.data = dsReadReportSerial
		case dsReadReportSerial:
			p.dataInfo.ReportSerial = v
			p.data = dsReadClientServiceData
		}
		return i, nil

	case dsReadClientServiceData:
		need := int(p.dataInfo.Length) - len(p.dataPayload)
		n := len(data)
		if n > need {
			n = need
		}
		p.dataPayload = append(p.dataPayload, data[:n]...)
		if len(p.dataPayload) == int(p.dataInfo.Length) {
			if err := p.bodyComplete(); err != nil {
				return 0, err
			}
		}
		return n, nil
	}
	return 0, fmt.Errorf("parser in impossible data state %d", p.data)
}

// bulkDataSdnvs 数据段固定 SDNV 的批量解码快路径
func (p *Parser) bulkDataSdnvs(data []byte) (int, error) {
	numToDecode := 3
	if p.segType.IsCheckpoint() {
		numToDecode = 5
	}
	var vals [5]uint64
	already := int(p.data)
	decoded, consumed, err := sdnv.DecodeArrayU64(data, vals[already:numToDecode])
	if err != nil {
		return 0, fmt.Errorf("bad sdnv in data segment header")
	}
	fields := []*uint64{
		&p.dataInfo.ClientServiceID, &p.dataInfo.Offset, &p.dataInfo.Length,
		&p.dataInfo.CheckpointSerial, &p.dataInfo.ReportSerial,
	}
	for k := 0; k < decoded; k++ {
		*fields[already+k] = vals[already+k]
	}
	p.data = dataState(already + decoded)
	if int(p.data) >= 3 {
		// 至少拿到 length
		if p.dataInfo.Length == 0 {
			return 0, fmt.Errorf("data segment length == 0")
		}
		p.onDataLengthKnown()
		if p.segType.IsCheckpoint() && int(dataState(already+decoded)) == numToDecode {
			p.data = dsReadClientServiceData
		}
	}
	return consumed, nil
}

// onDataLengthKnown length 就位后的公共处理，幂等
func (p *Parser) onDataLengthKnown() {
	p.dataPayload = p.dataPayload[:0]
	if p.segType.IsCheckpoint() {
		p.dataInfo.HasSerials = true
		if p.data == dsReadLength {
			p.data = dsReadCheckpointSerial
		}
	} else {
		p.dataInfo.HasSerials = false
		p.dataInfo.CheckpointSerial = 0
		p.dataInfo.ReportSerial = 0
		p.data = dsReadClientServiceData
	}
}

// parseReportSegment 处理报告段 body，返回消耗的字节数
func (p *Parser) parseReportSegment(data []byte) (int, error) {
	// 快路径：5 个固定 SDNV 批量解码
	if p.report <= rsReadClaimCount && len(p.sdnvTemp) == 0 && len(data) >= bulkDecodeThreshold {
		var vals [5]uint64
		already := int(p.report)
		decoded, consumed, err := sdnv.DecodeArrayU64(data, vals[already:5])
		if err != nil {
			return 0, fmt.Errorf("bad sdnv in report segment header")
		}
		fields := []*uint64{
			&p.rs.ReportSerial, &p.rs.CheckpointSerial, &p.rs.UpperBound,
			&p.rs.LowerBound, &p.rsClaimCount,
		}
		for k := 0; k < decoded; k++ {
			*fields[already+k] = vals[already+k]
		}
		p.report = reportState(already + decoded)
		if p.report == rsReadClaimOffset {
			if err := p.afterClaimCount(); err != nil {
				return 0, err
			}
		}
		return consumed, nil
	}

	v, done, err := p.accumulateSdnv(data[0], "report segment sdnv")
	if err != nil {
		return 0, err
	}
	if !done {
		return 1, nil
	}
	switch p.report {
	case rsReadReportSerial:
		p.rs.ReportSerial = v
		p.report = rsReadCheckpointSerial
	case rsReadCheckpointSerial:
		p.rs.CheckpointSerial = v
		p.report = rsReadUpperBound
	case rsReadUpperBound:
		p.rs.UpperBound = v
		p.report = rsReadLowerBound
	case rsReadLowerBound:
		p.rs.LowerBound = v
		p.report = rsReadClaimCount
	case rsReadClaimCount:
		p.rsClaimCount = v
		p.report = rsReadClaimOffset
		if err := p.afterClaimCount(); err != nil {
			return 0, err
		}
	case rsReadClaimOffset:
		p.rsClaimOffset = v
		p.report = rsReadClaimLength
	case rsReadClaimLength:
		if v == 0 {
			return 0, fmt.Errorf("reception claim length == 0")
		}
		p.rs.Claims = append(p.rs.Claims, ReceptionClaim{Offset: p.rsClaimOffset, Length: v})
		if uint64(len(p.rs.Claims)) < p.rsClaimCount {
			p.report = rsReadClaimOffset
		} else if err := p.bodyComplete(); err != nil {
			return 0, err
		}
	}
	return 1, nil
}

// afterClaimCount 声明个数解码完成后的校验
func (p *Parser) afterClaimCount() error {
	if p.rsClaimCount == 0 {
		// 报告段必须携带至少一个接收声明
		return fmt.Errorf("reception claim count == 0")
	}
	capHint := p.rsClaimCount
	if capHint > 512 {
		capHint = 512 // 防止恶意声明个数导致超额预分配
	}
	p.rs.Claims = make([]ReceptionClaim, 0, capHint)
	return nil
}

// parseTrailer 处理尾扩展，返回消耗的字节数
func (p *Parser) parseTrailer(data []byte) (int, error) {
	b := data[0]
	switch p.trailer {
	case trReadExtTag:
		p.trailerExts = append(p.trailerExts, Extension{Tag: b})
		p.sdnvTemp = p.sdnvTemp[:0]
		p.trailer = trReadExtLength
		return 1, nil

	case trReadExtLength:
		v, done, err := p.accumulateSdnv(b, "trailer extension length")
		if err != nil {
			return 0, err
		}
		if done {
			p.currentExtLength = v
			if v == 0 {
				if len(p.trailerExts) == p.numTrailerExts {
					return 1, p.emitSegment()
				}
				p.trailer = trReadExtTag
			} else {
				p.trailer = trReadExtValue
			}
		}
		return 1, nil

	case trReadExtValue:
		ext := &p.trailerExts[len(p.trailerExts)-1]
		need := int(p.currentExtLength) - len(ext.Value)
		n := len(data)
		if n > need {
			n = need
		}
		ext.Value = append(ext.Value, data[:n]...)
		if len(ext.Value) == int(p.currentExtLength) {
			if len(p.trailerExts) == p.numTrailerExts {
				return n, p.emitSegment()
			}
			p.trailer = trReadExtTag
		}
		return n, nil
	}
	return 0, fmt.Errorf("parser in impossible trailer state %d", p.trailer)
}

// bodyComplete body 读完：有尾扩展则先读尾扩展，否则直接发出段
func (p *Parser) bodyComplete() error {
	if p.numTrailerExts > 0 {
		p.trailer = trReadExtTag
		p.main = mainReadTrailer
		return nil
	}
	return p.emitSegment()
}

// emitSegment 段就绪，触发回调并回到起始状态
func (p *Parser) emitSegment() error {
	switch {
	case p.segType&0x0d == 0x0d:
		p.emitCancelAck()
		return nil
	case p.segType <= TypeGreenDataEOB:
		if p.cb.OnDataSegment != nil {
			p.cb.OnDataSegment(p.segType, p.sid, p.dataPayload, p.dataInfo, p.headerExts, p.trailerExts)
		}
	case p.segType == TypeReport:
		if p.cb.OnReport != nil {
			rs := p.rs
			p.cb.OnReport(p.sid, &rs, p.headerExts, p.trailerExts)
		}
	case p.segType == TypeReportAck:
		if p.cb.OnReportAck != nil {
			p.cb.OnReportAck(p.sid, p.reportAckSerial, p.headerExts, p.trailerExts)
		}
	default:
		if p.cb.OnCancel != nil {
			p.cb.OnCancel(p.sid, CancelReason(p.cancelReason), p.segType == TypeCancelFromSender, p.headerExts, p.trailerExts)
		}
	}
	p.setBeginningState()
	return nil
}

func (p *Parser) emitCancelAck() {
	if p.cb.OnCancelAck != nil {
		p.cb.OnCancelAck(p.sid, p.segType == TypeCancelAckToSender, p.headerExts, p.trailerExts)
	}
	p.setBeginningState()
}

func (p *Parser) setBeginningState() {
	p.main = mainReadHeader
	p.header = hdrReadControlByte
}

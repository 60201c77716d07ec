// =============================================================================
// 文件: internal/segment/parser_test.go
// =============================================================================
package segment

import (
	"bytes"
	"fmt"
	"reflect"
	"testing"
)

// event 解析器发出的段事件的扁平记录
type event struct {
	kind       string
	segType    Type
	sid        SessionID
	payload    []byte
	info       DataInfo
	rs         ReportSegment
	ackSerial  uint64
	reason     CancelReason
	fromSender bool
	toSender   bool
	numHdrExt  int
	numTrlExt  int
}

// recorder 收集回调事件
type recorder struct {
	events []event
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnDataSegment: func(t Type, sid SessionID, payload []byte, info DataInfo, hdr, trl []Extension) {
			p := make([]byte, len(payload))
			copy(p, payload)
			r.events = append(r.events, event{kind: "data", segType: t, sid: sid, payload: p, info: info, numHdrExt: len(hdr), numTrlExt: len(trl)})
		},
		OnReport: func(sid SessionID, rs *ReportSegment, hdr, trl []Extension) {
			cp := *rs
			cp.Claims = append([]ReceptionClaim(nil), rs.Claims...)
			r.events = append(r.events, event{kind: "report", sid: sid, rs: cp})
		},
		OnReportAck: func(sid SessionID, serial uint64, hdr, trl []Extension) {
			r.events = append(r.events, event{kind: "reportAck", sid: sid, ackSerial: serial})
		},
		OnCancel: func(sid SessionID, reason CancelReason, fromSender bool, hdr, trl []Extension) {
			r.events = append(r.events, event{kind: "cancel", sid: sid, reason: reason, fromSender: fromSender})
		},
		OnCancelAck: func(sid SessionID, toSender bool, hdr, trl []Extension) {
			r.events = append(r.events, event{kind: "cancelAck", sid: sid, toSender: toSender})
		},
	}
}

var testSID = SessionID{EngineID: 0x123456, Number: 0x89abcdef01}

func sampleSegments() [][]byte {
	rs := &ReportSegment{
		ReportSerial:     777,
		CheckpointSerial: 888,
		UpperBound:       44,
		LowerBound:       0,
		Claims:           []ReceptionClaim{{0, 10}, {11, 33}},
	}
	return [][]byte{
		EncodeDataSegment(TypeRedData, testSID, DataInfo{ClientServiceID: 300, Offset: 5}, []byte("hello"), nil, nil),
		EncodeDataSegment(TypeRedDataCheckpointEORPEOB, testSID,
			DataInfo{ClientServiceID: 300, Offset: 43, CheckpointSerial: 999, ReportSerial: 0}, []byte("!"), nil, nil),
		EncodeDataSegment(TypeGreenDataEOB, testSID, DataInfo{ClientServiceID: 300, Offset: 46}, []byte("E"), nil, nil),
		EncodeReportSegment(testSID, rs, nil, nil),
		EncodeReportAck(testSID, 777, nil, nil),
		EncodeCancel(testSID, true, ReasonMiscolored, nil, nil),
		EncodeCancelAck(testSID, false, nil, nil),
		EncodeCancelAck(testSID, true, nil, nil),
	}
}

func TestParseSerializedSegments(t *testing.T) {
	var rec recorder
	p := NewParser(rec.callbacks())
	for _, seg := range sampleSegments() {
		if err := p.HandleReceivedBytes(seg); err != nil {
			t.Fatalf("解析失败: %v", err)
		}
		if !p.AtBeginning() {
			t.Fatal("段结束后应回到起始状态")
		}
	}
	if len(rec.events) != 8 {
		t.Fatalf("事件数 = %d, want 8", len(rec.events))
	}

	e := rec.events[0]
	if e.kind != "data" || e.segType != TypeRedData || e.sid != testSID {
		t.Fatalf("event0 = %+v", e)
	}
	if !bytes.Equal(e.payload, []byte("hello")) || e.info.Offset != 5 || e.info.ClientServiceID != 300 {
		t.Fatalf("event0 内容 = %+v", e)
	}
	if e.info.HasSerials {
		t.Error("普通红色段不应有检查点字段")
	}

	e = rec.events[1]
	if e.segType != TypeRedDataCheckpointEORPEOB || !e.info.HasSerials || e.info.CheckpointSerial != 999 {
		t.Fatalf("event1 = %+v", e)
	}

	e = rec.events[3]
	if e.kind != "report" || e.rs.ReportSerial != 777 || e.rs.UpperBound != 44 || len(e.rs.Claims) != 2 {
		t.Fatalf("event3 = %+v", e)
	}
	if e.rs.Claims[1] != (ReceptionClaim{11, 33}) {
		t.Fatalf("claims = %+v", e.rs.Claims)
	}

	if rec.events[4].ackSerial != 777 {
		t.Fatalf("event4 = %+v", rec.events[4])
	}
	e = rec.events[5]
	if e.kind != "cancel" || e.reason != ReasonMiscolored || !e.fromSender {
		t.Fatalf("event5 = %+v", e)
	}
	if rec.events[6].toSender || !rec.events[7].toSender {
		t.Fatalf("取消确认方向错误: %+v %+v", rec.events[6], rec.events[7])
	}
}

// 任意切分输入必须产生相同的事件序列
func TestParserSplitTolerance(t *testing.T) {
	var whole []byte
	for _, seg := range sampleSegments() {
		whole = append(whole, seg...)
	}

	var baseline recorder
	p := NewParser(baseline.callbacks())
	if err := p.HandleReceivedBytes(whole); err != nil {
		t.Fatalf("整体解析失败: %v", err)
	}

	for _, chunkSize := range []int{1, 2, 3, 7, 16, 64} {
		var rec recorder
		p := NewParser(rec.callbacks())
		for i := 0; i < len(whole); i += chunkSize {
			end := i + chunkSize
			if end > len(whole) {
				end = len(whole)
			}
			if err := p.HandleReceivedBytes(whole[i:end]); err != nil {
				t.Fatalf("chunk=%d 解析失败: %v", chunkSize, err)
			}
		}
		if !reflect.DeepEqual(rec.events, baseline.events) {
			t.Fatalf("chunk=%d 事件序列与整体解析不一致", chunkSize)
		}
	}
}

func TestParserExtensions(t *testing.T) {
	hdrExts := []Extension{{Tag: 0x20, Value: []byte{1, 2, 3}}, {Tag: 0x21, Value: nil}} // 零长扩展合法
	trlExts := []Extension{{Tag: 0x30, Value: []byte{9}}}
	seg := EncodeDataSegment(TypeRedData, testSID, DataInfo{ClientServiceID: 1, Offset: 0}, []byte("x"), hdrExts, trlExts)

	var rec recorder
	p := NewParser(rec.callbacks())
	if err := p.HandleReceivedBytes(seg); err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if len(rec.events) != 1 {
		t.Fatalf("事件数 = %d", len(rec.events))
	}
	e := rec.events[0]
	if e.numHdrExt != 2 || e.numTrlExt != 1 {
		t.Fatalf("扩展数 = %d/%d", e.numHdrExt, e.numTrlExt)
	}
	if !bytes.Equal(e.payload, []byte("x")) {
		t.Fatalf("payload = % x", e.payload)
	}
}

func TestParserEngineIDSideChannel(t *testing.T) {
	var decoded []uint64
	cb := Callbacks{
		OnEngineIDDecoded: func(id uint64) { decoded = append(decoded, id) },
	}
	p := NewParser(cb)
	seg := EncodeReportAck(testSID, 1, nil, nil)
	// 逐字节喂入也要触发旁路通知
	for _, b := range seg {
		if err := p.HandleReceivedBytes([]byte{b}); err != nil {
			t.Fatalf("解析失败: %v", err)
		}
	}
	if len(decoded) != 1 || decoded[0] != testSID.EngineID {
		t.Fatalf("decoded = %v", decoded)
	}
}

func TestParserErrors(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"版本非零", []byte{0x10}},
		{"未定义类型 5", buildHeaderOnly(5)},
		{"未定义类型 6", buildHeaderOnly(6)},
		{"未定义类型 10", buildHeaderOnly(10)},
		{"未定义类型 11", buildHeaderOnly(11)},
		{"SDNV 超过 10 字节", append([]byte{0x00}, bytes.Repeat([]byte{0x80}, 11)...)},
		{"声明个数为零", buildZeroClaimReport()},
		{"数据段长度为零", buildZeroLengthData()},
	}
	for _, c := range cases {
		var rec recorder
		p := NewParser(rec.callbacks())
		if err := p.HandleReceivedBytes(c.data); err == nil {
			t.Errorf("%s: 应返回错误", c.name)
		}
	}
}

// buildHeaderOnly 手工拼一个只有头部的段 (类型字段取 flag)
func buildHeaderOnly(flag byte) []byte {
	data := []byte{flag}
	data = append(data, 0x01, 0x01) // 两个 1 字节 SDNV 会话标识
	data = append(data, 0x00)       // 无扩展
	return data
}

func buildZeroClaimReport() []byte {
	data := buildHeaderOnly(byte(TypeReport))
	data = append(data, 0x01, 0x01, 0x2c, 0x00, 0x00) // serial, csn, ub, lb, count=0
	return data
}

func buildZeroLengthData() []byte {
	data := buildHeaderOnly(byte(TypeRedData))
	data = append(data, 0x01, 0x00, 0x00) // service, offset, length=0
	return data
}

// 一个数据报里的多个段依次发出
func TestParserBackToBackSegments(t *testing.T) {
	var whole []byte
	for i := 0; i < 5; i++ {
		whole = append(whole, EncodeDataSegment(TypeRedData, testSID,
			DataInfo{ClientServiceID: 1, Offset: uint64(i)}, []byte{byte('a' + i)}, nil, nil)...)
	}
	var rec recorder
	p := NewParser(rec.callbacks())
	if err := p.HandleReceivedBytes(whole); err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if len(rec.events) != 5 {
		t.Fatalf("事件数 = %d, want 5", len(rec.events))
	}
	for i, e := range rec.events {
		if e.info.Offset != uint64(i) {
			t.Errorf("event%d offset = %d", i, e.info.Offset)
		}
	}
}

// 序列化必须字节级确定
func TestSerializationDeterministic(t *testing.T) {
	a := sampleSegments()
	b := sampleSegments()
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			t.Fatalf("段 %d 序列化不确定:\n% x\n% x", i, a[i], b[i])
		}
	}
}

func TestSessionIDLess(t *testing.T) {
	cases := []struct {
		a, b SessionID
		want bool
	}{
		{SessionID{1, 2}, SessionID{2, 1}, true},
		{SessionID{2, 1}, SessionID{1, 2}, false},
		{SessionID{1, 1}, SessionID{1, 2}, true},
		{SessionID{1, 2}, SessionID{1, 2}, false},
	}
	for _, c := range cases {
		if got := c.a.Less(c.b); got != c.want {
			t.Errorf("%v < %v = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestCancelReasonString(t *testing.T) {
	if s := ReasonMiscolored.String(); s != "MISCOLORED" {
		t.Errorf("String = %s", s)
	}
	if s := CancelReason(9).String(); s != fmt.Sprintf("RESERVED(%d)", 9) {
		t.Errorf("String = %s", s)
	}
}

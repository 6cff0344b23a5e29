package main

import (
	"encoding/binary"
	"fmt"
)

// MBAPHeader Modbus TCP 的 7-byte 訊框標頭
// Transaction ID 由客戶端指派，伺服器只原樣回送
type MBAPHeader struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16 // Unit ID + PDU 的位元組數
	UnitID        uint8
}

// TCPAssembler 串流組框器
// 緩衝部分讀取的位元組，湊滿 Length 宣告的長度後一次產出一個完整訊框
type TCPAssembler struct {
	buf []byte
}

// Feed 累積從連線讀到的位元組
func (a *TCPAssembler) Feed(data []byte) {
	a.buf = append(a.buf, data...)
}

// Pending 回報緩衝區內尚未消化的位元組數
func (a *TCPAssembler) Pending() int {
	return len(a.buf)
}

// Reset 丟棄緩衝狀態
func (a *TCPAssembler) Reset() {
	a.buf = nil
}

// Next 嘗試取出下一個完整訊框
// 資料還不足時回傳 (nil, nil, nil)；標頭不合法時回傳 ErrMalformedPDU，
// 呼叫端應視為連線已不同步並關閉它
func (a *TCPAssembler) Next() (*MBAPHeader, []byte, error) {
	if len(a.buf) < MBAPHeaderLength {
		return nil, nil, nil
	}

	header := &MBAPHeader{
		TransactionID: binary.BigEndian.Uint16(a.buf[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(a.buf[2:4]),
		Length:        binary.BigEndian.Uint16(a.buf[4:6]),
		UnitID:        a.buf[6],
	}

	if header.ProtocolID != MBAPProtocolID {
		return nil, nil, fmt.Errorf("%w: protocol id %d", ErrMalformedPDU, header.ProtocolID)
	}
	// Length 涵蓋 unit id + PDU，至少要有功能碼一個位元組
	if header.Length < 2 || header.Length > ModbusMaxPDU+1 {
		return nil, nil, fmt.Errorf("%w: 訊框長度 %d", ErrMalformedPDU, header.Length)
	}

	total := MBAPHeaderLength + int(header.Length) - 1
	if len(a.buf) < total {
		return nil, nil, nil // 等待更多資料
	}

	pdu := make([]byte, int(header.Length)-1)
	copy(pdu, a.buf[MBAPHeaderLength:total])
	a.buf = a.buf[total:]

	return header, pdu, nil
}

// EncodeMBAP 將回應 PDU 包上 MBAP 標頭
// Transaction ID 與 Unit ID 取自請求標頭
func EncodeMBAP(header *MBAPHeader, pdu []byte) []byte {
	adu := make([]byte, MBAPHeaderLength+len(pdu))
	binary.BigEndian.PutUint16(adu[0:2], header.TransactionID)
	binary.BigEndian.PutUint16(adu[2:4], MBAPProtocolID)
	binary.BigEndian.PutUint16(adu[4:6], uint16(len(pdu)+1))
	adu[6] = header.UnitID
	copy(adu[MBAPHeaderLength:], pdu)
	return adu
}

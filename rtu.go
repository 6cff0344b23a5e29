package main

import (
	"fmt"
	"time"

	"github.com/goburrow/serial"
)

// RTU 訊框以線路靜默期分界 (協議要求 ≥3.5 字元時間)
// 序列埠讀取逾時即視為一次靜默，緩衝內的位元組構成一個候選訊框
const (
	// 在常見鮑率下 3.5 字元時間都遠小於 4ms，取保守值
	rtuSilenceInterval = 4 * time.Millisecond

	rtuMinFrameLength = 4 // unit id + 功能碼 + CRC
)

// RTUAssembler RTU 訊框組合器
// 與 TCPAssembler 不同，訊框邊界由靜默期決定而非長度欄位
type RTUAssembler struct {
	buf []byte
}

// Feed 累積靜默期之間讀到的位元組
func (a *RTUAssembler) Feed(data []byte) {
	a.buf = append(a.buf, data...)
}

// Pending 回報緩衝區內的位元組數
func (a *RTUAssembler) Pending() int {
	return len(a.buf)
}

// Reset 丟棄緩衝狀態
func (a *RTUAssembler) Reset() {
	a.buf = nil
}

// Complete 在觀察到靜默期後取出訊框
// CRC 不符回傳 ErrFrameCorrupt，緩衝一併丟棄；依協議慣例損毀的
// 序列訊框不回應，組合器狀態已重設，不影響下一個訊框
func (a *RTUAssembler) Complete() (uint8, []byte, error) {
	defer a.Reset()

	if len(a.buf) < rtuMinFrameLength {
		return 0, nil, fmt.Errorf("%w: 訊框長度 %d", ErrFrameCorrupt, len(a.buf))
	}
	if len(a.buf) > RTUMaxADU {
		return 0, nil, fmt.Errorf("%w: 訊框長度 %d 超過上限", ErrFrameCorrupt, len(a.buf))
	}
	if !CheckCRC(a.buf) {
		return 0, nil, fmt.Errorf("%w: CRC 不符", ErrFrameCorrupt)
	}

	unitID := a.buf[0]
	pdu := make([]byte, len(a.buf)-1-RTUCRCLength)
	copy(pdu, a.buf[1:len(a.buf)-RTUCRCLength])

	return unitID, pdu, nil
}

// EncodeRTU 將回應 PDU 包上 unit id 與 CRC
func EncodeRTU(unitID uint8, pdu []byte) []byte {
	adu := make([]byte, 0, 1+len(pdu)+RTUCRCLength)
	adu = append(adu, unitID)
	adu = append(adu, pdu...)
	return AppendCRC(adu)
}

// openSerialPort 依配置開啟序列埠
// Timeout 設為靜默間隔，讀取逾時即代表一個訊框邊界
func openSerialPort(cfg *TransportConfig) (serial.Port, error) {
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  rtuSilenceInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("開啟序列埠 %s 失敗: %w", cfg.Device, err)
	}
	return port, nil
}

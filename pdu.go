package main

import (
	"encoding/binary"
	"fmt"
)

// Request 解碼後的 Modbus 請求 PDU
// 以 tagged-variant 方式承載所有支援的功能碼，依功能碼決定哪些欄位有效
type Request struct {
	Function uint8
	Addr     uint16
	Quantity uint16
	Value    uint16   // FC 05/06 的單一寫入值
	Bits     []bool   // FC 0F 的線圈資料
	Words    []uint16 // FC 10 的暫存器資料
}

// Table 回傳請求目標的暫存器表格
func (r *Request) Table() RegisterType {
	switch r.Function {
	case FuncCodeReadCoils, FuncCodeWriteSingleCoil, FuncCodeWriteMultipleCoils:
		return RegisterTypeCoil
	case FuncCodeReadDiscreteInputs:
		return RegisterTypeDiscreteInput
	case FuncCodeReadInputRegisters:
		return RegisterTypeInputRegister
	default:
		return RegisterTypeHoldingRegister
	}
}

// IsWrite 回報請求是否為寫入操作 (廣播時只有寫入會被套用)
func (r *Request) IsWrite() bool {
	switch r.Function {
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		return true
	default:
		return false
	}
}

// pduDecoder 單一功能碼的解碼函式
type pduDecoder func(pdu []byte) (*Request, error)

// pduDecoders 功能碼 → 解碼器對照表
// 明確的查表取代動態派送，擴充新功能碼只需增加表項
var pduDecoders = map[uint8]pduDecoder{
	FuncCodeReadCoils:              decodeReadBits,
	FuncCodeReadDiscreteInputs:     decodeReadBits,
	FuncCodeReadHoldingRegisters:   decodeReadWords,
	FuncCodeReadInputRegisters:     decodeReadWords,
	FuncCodeWriteSingleCoil:        decodeWriteSingle,
	FuncCodeWriteSingleRegister:    decodeWriteSingle,
	FuncCodeWriteMultipleCoils:     decodeWriteBits,
	FuncCodeWriteMultipleRegisters: decodeWriteWords,
}

// DecodeRequest 將請求 PDU 位元組解碼為 Request
// 結構錯誤回傳 ErrMalformedPDU；數量超出協議限制回傳 ProtocolError，
// 由呼叫端轉換為異常回應
func DecodeRequest(pdu []byte) (*Request, error) {
	if len(pdu) < 1 {
		return nil, fmt.Errorf("%w: 空 PDU", ErrMalformedPDU)
	}
	decoder, ok := pduDecoders[pdu[0]]
	if !ok {
		return nil, newProtocolError(pdu[0], ExceptionCodeIllegalFunction)
	}
	return decoder(pdu)
}

// decodeReadBits FC 01 / FC 02
func decodeReadBits(pdu []byte) (*Request, error) {
	if len(pdu) != 5 {
		return nil, fmt.Errorf("%w: 讀取位元請求長度 %d", ErrMalformedPDU, len(pdu))
	}
	r := &Request{
		Function: pdu[0],
		Addr:     binary.BigEndian.Uint16(pdu[1:3]),
		Quantity: binary.BigEndian.Uint16(pdu[3:5]),
	}
	if r.Quantity < 1 || r.Quantity > MaxBitsPerRead {
		return nil, newProtocolError(r.Function, ExceptionCodeIllegalDataValue)
	}
	return r, nil
}

// decodeReadWords FC 03 / FC 04
func decodeReadWords(pdu []byte) (*Request, error) {
	if len(pdu) != 5 {
		return nil, fmt.Errorf("%w: 讀取暫存器請求長度 %d", ErrMalformedPDU, len(pdu))
	}
	r := &Request{
		Function: pdu[0],
		Addr:     binary.BigEndian.Uint16(pdu[1:3]),
		Quantity: binary.BigEndian.Uint16(pdu[3:5]),
	}
	if r.Quantity < 1 || r.Quantity > MaxRegistersPerRead {
		return nil, newProtocolError(r.Function, ExceptionCodeIllegalDataValue)
	}
	return r, nil
}

// decodeWriteSingle FC 05 / FC 06
func decodeWriteSingle(pdu []byte) (*Request, error) {
	if len(pdu) != 5 {
		return nil, fmt.Errorf("%w: 單一寫入請求長度 %d", ErrMalformedPDU, len(pdu))
	}
	r := &Request{
		Function: pdu[0],
		Addr:     binary.BigEndian.Uint16(pdu[1:3]),
		Value:    binary.BigEndian.Uint16(pdu[3:5]),
		Quantity: 1,
	}
	// FC 05 的值域固定: 0xFF00 = ON, 0x0000 = OFF
	if r.Function == FuncCodeWriteSingleCoil && r.Value != 0xFF00 && r.Value != 0x0000 {
		return nil, newProtocolError(r.Function, ExceptionCodeIllegalDataValue)
	}
	return r, nil
}

// decodeWriteBits FC 0F
func decodeWriteBits(pdu []byte) (*Request, error) {
	if len(pdu) < 6 {
		return nil, fmt.Errorf("%w: 寫入多線圈請求長度 %d", ErrMalformedPDU, len(pdu))
	}
	r := &Request{
		Function: pdu[0],
		Addr:     binary.BigEndian.Uint16(pdu[1:3]),
		Quantity: binary.BigEndian.Uint16(pdu[3:5]),
	}
	byteCount := int(pdu[5])
	if r.Quantity < 1 || r.Quantity > MaxBitsPerWrite {
		return nil, newProtocolError(r.Function, ExceptionCodeIllegalDataValue)
	}
	// byte count 必須與宣告的數量一致
	if byteCount != (int(r.Quantity)+7)/8 || len(pdu) != 6+byteCount {
		return nil, fmt.Errorf("%w: byte count %d 與數量 %d 不符", ErrMalformedPDU, byteCount, r.Quantity)
	}
	r.Bits = BytesToBits(pdu[6:], int(r.Quantity))
	return r, nil
}

// decodeWriteWords FC 10
func decodeWriteWords(pdu []byte) (*Request, error) {
	if len(pdu) < 6 {
		return nil, fmt.Errorf("%w: 寫入多暫存器請求長度 %d", ErrMalformedPDU, len(pdu))
	}
	r := &Request{
		Function: pdu[0],
		Addr:     binary.BigEndian.Uint16(pdu[1:3]),
		Quantity: binary.BigEndian.Uint16(pdu[3:5]),
	}
	byteCount := int(pdu[5])
	if r.Quantity < 1 || r.Quantity > MaxRegistersPerWrite {
		return nil, newProtocolError(r.Function, ExceptionCodeIllegalDataValue)
	}
	if byteCount != int(r.Quantity)*2 || len(pdu) != 6+byteCount {
		return nil, fmt.Errorf("%w: byte count %d 與數量 %d 不符", ErrMalformedPDU, byteCount, r.Quantity)
	}
	r.Words = BytesToRegisters(pdu[6:])
	return r, nil
}

// Encode 將 Request 編碼回請求 PDU 位元組 (供客戶端與測試使用)
func (r *Request) Encode() ([]byte, error) {
	switch r.Function {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		pdu := make([]byte, 5)
		pdu[0] = r.Function
		binary.BigEndian.PutUint16(pdu[1:3], r.Addr)
		binary.BigEndian.PutUint16(pdu[3:5], r.Quantity)
		return pdu, nil

	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister:
		pdu := make([]byte, 5)
		pdu[0] = r.Function
		binary.BigEndian.PutUint16(pdu[1:3], r.Addr)
		binary.BigEndian.PutUint16(pdu[3:5], r.Value)
		return pdu, nil

	case FuncCodeWriteMultipleCoils:
		data := BitsToBytes(r.Bits)
		pdu := make([]byte, 6, 6+len(data))
		pdu[0] = r.Function
		binary.BigEndian.PutUint16(pdu[1:3], r.Addr)
		binary.BigEndian.PutUint16(pdu[3:5], uint16(len(r.Bits)))
		pdu[5] = byte(len(data))
		return append(pdu, data...), nil

	case FuncCodeWriteMultipleRegisters:
		data := RegistersToBytes(r.Words)
		pdu := make([]byte, 6, 6+len(data))
		pdu[0] = r.Function
		binary.BigEndian.PutUint16(pdu[1:3], r.Addr)
		binary.BigEndian.PutUint16(pdu[3:5], uint16(len(r.Words)))
		pdu[5] = byte(len(data))
		return append(pdu, data...), nil

	default:
		return nil, fmt.Errorf("%w: 不支援的功能碼 0x%02X", ErrMalformedPDU, r.Function)
	}
}

// EncodeReadBitsResponse FC 01/02 回應
func EncodeReadBitsResponse(function uint8, bits []bool) []byte {
	data := BitsToBytes(bits)
	pdu := make([]byte, 2, 2+len(data))
	pdu[0] = function
	pdu[1] = byte(len(data))
	return append(pdu, data...)
}

// EncodeReadWordsResponse FC 03/04 回應
func EncodeReadWordsResponse(function uint8, words []uint16) []byte {
	data := RegistersToBytes(words)
	pdu := make([]byte, 2, 2+len(data))
	pdu[0] = function
	pdu[1] = byte(len(data))
	return append(pdu, data...)
}

// EncodeWriteSingleResponse FC 05/06 回應 (原樣回送)
func EncodeWriteSingleResponse(function uint8, addr, value uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = function
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], value)
	return pdu
}

// EncodeWriteMultipleResponse FC 0F/10 回應 (回送位址與數量)
func EncodeWriteMultipleResponse(function uint8, addr, quantity uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = function
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], quantity)
	return pdu
}

// EncodeExceptionResponse 異常回應: 功能碼最高位元設起 + 異常碼
func EncodeExceptionResponse(function, exception uint8) []byte {
	return []byte{function | ExceptionFlag, exception}
}

// RegistersToBytes 將暫存器值轉換為位元組陣列 (Big Endian)
func RegistersToBytes(registers []uint16) []byte {
	bytes := make([]byte, len(registers)*2)
	for i, reg := range registers {
		binary.BigEndian.PutUint16(bytes[i*2:], reg)
	}
	return bytes
}

// BytesToRegisters 將位元組陣列轉換為暫存器值 (Big Endian)
func BytesToRegisters(data []byte) []uint16 {
	registers := make([]uint16, len(data)/2)
	for i := range registers {
		registers[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return registers
}

// BitsToBytes 將線圈/離散輸入值打包為位元組 (LSB 在前)
func BitsToBytes(bits []bool) []byte {
	byteCount := (len(bits) + 7) / 8
	bytes := make([]byte, byteCount)
	for i, bit := range bits {
		if bit {
			bytes[i/8] |= 1 << (i % 8)
		}
	}
	return bytes
}

// BytesToBits 將位元組解包為線圈/離散輸入值
func BytesToBits(data []byte, count int) []bool {
	bits := make([]bool, count)
	for i := 0; i < count; i++ {
		bits[i] = (data[i/8] & (1 << (i % 8))) != 0
	}
	return bits
}

package main

// Modbus 協議常數
const (
	// Modbus 功能碼
	FuncCodeReadCoils              = 0x01
	FuncCodeReadDiscreteInputs     = 0x02
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10

	// 異常回應旗標 (功能碼最高位元)
	ExceptionFlag = 0x80

	// Modbus 異常碼
	ExceptionCodeIllegalFunction    = 0x01
	ExceptionCodeIllegalDataAddress = 0x02
	ExceptionCodeIllegalDataValue   = 0x03
	ExceptionCodeSlaveDeviceFailure = 0x04

	// Modbus TCP 常數
	MBAPHeaderLength     = 7 // MBAP Header 長度
	ModbusTCPMaxADU      = 260
	ModbusMaxPDU         = 253
	ModbusTCPDefaultPort = 502
	MBAPProtocolID       = 0

	// Modbus RTU 常數
	RTUCRCLength = 2
	RTUMaxADU    = 256

	// Unit ID 範圍 (0 保留為廣播位址)
	BroadcastUnitID = 0
	MaxUnitID       = 247

	// 每次請求的數量限制
	MaxBitsPerRead       = 2000
	MaxRegistersPerRead  = 125
	MaxBitsPerWrite      = 1968
	MaxRegistersPerWrite = 123
)

// RegisterType 暫存器類型
type RegisterType int

const (
	RegisterTypeCoil RegisterType = iota
	RegisterTypeDiscreteInput
	RegisterTypeInputRegister
	RegisterTypeHoldingRegister
)

func (rt RegisterType) String() string {
	switch rt {
	case RegisterTypeCoil:
		return "Coil"
	case RegisterTypeDiscreteInput:
		return "DiscreteInput"
	case RegisterTypeInputRegister:
		return "InputRegister"
	case RegisterTypeHoldingRegister:
		return "HoldingRegister"
	default:
		return "Unknown"
	}
}

// IsBit 回報該表格是否為位元表格 (coil / discrete input)
func (rt RegisterType) IsBit() bool {
	return rt == RegisterTypeCoil || rt == RegisterTypeDiscreteInput
}

// WordOrder 32-bit 複合值的字組順序
// 現場設備兩種順序都存在，必須由配置決定
type WordOrder int

const (
	WordOrderHighFirst WordOrder = iota // ABCD: 高位字組在前 (預設)
	WordOrderLowFirst                   // CDAB: 低位字組在前
)

func (wo WordOrder) String() string {
	switch wo {
	case WordOrderHighFirst:
		return "abcd"
	case WordOrderLowFirst:
		return "cdab"
	default:
		return "unknown"
	}
}

// ParseWordOrder 解析字組順序設定值
func ParseWordOrder(s string) (WordOrder, bool) {
	switch s {
	case "", "abcd":
		return WordOrderHighFirst, true
	case "cdab":
		return WordOrderLowFirst, true
	default:
		return WordOrderHighFirst, false
	}
}

package main

// Modbus RTU 使用反射式 CRC-16，多項式 0xA001，初始值 0xFFFF
// 查表法在開機時建表一次

var crcTable [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
		crcTable[i] = crc
	}
}

// CRC16 計算 Modbus RTU CRC
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ crcTable[byte(crc)^b]
	}
	return crc
}

// AppendCRC 在 ADU 尾端附加 CRC (低位元組在前)
func AppendCRC(adu []byte) []byte {
	crc := CRC16(adu)
	return append(adu, byte(crc), byte(crc>>8))
}

// CheckCRC 驗證 ADU 尾端兩個位元組的 CRC
func CheckCRC(adu []byte) bool {
	if len(adu) < RTUCRCLength {
		return false
	}
	body := adu[:len(adu)-RTUCRCLength]
	got := uint16(adu[len(adu)-2]) | uint16(adu[len(adu)-1])<<8
	return CRC16(body) == got
}

package main

import (
	"fmt"
	"sync"
)

// RegisterBank 單一 Slave 的四張暫存器表格
// 線路層以 0-based 位址存取；應用層 (如時鐘伺服器) 以 1-based 編號存取，
// 兩邊都經過同一把 RWMutex，應用程式可以在 poll 週期之間安全讀寫
type RegisterBank struct {
	mu sync.RWMutex

	coils            []bool   // 0x - Coils
	discreteInputs   []bool   // 1x - Discrete Inputs
	inputRegisters   []uint16 // 3x - Input Registers
	holdingRegisters []uint16 // 4x - Holding Registers

	wordOrder WordOrder
}

// NewRegisterBank 建立暫存器表格
func NewRegisterBank(coilSize, discreteSize, inputSize, holdingSize int, wordOrder WordOrder) *RegisterBank {
	return &RegisterBank{
		coils:            make([]bool, coilSize),
		discreteInputs:   make([]bool, discreteSize),
		inputRegisters:   make([]uint16, inputSize),
		holdingRegisters: make([]uint16, holdingSize),
		wordOrder:        wordOrder,
	}
}

// Size 回傳指定表格的容量
func (b *RegisterBank) Size(table RegisterType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	switch table {
	case RegisterTypeCoil:
		return len(b.coils)
	case RegisterTypeDiscreteInput:
		return len(b.discreteInputs)
	case RegisterTypeInputRegister:
		return len(b.inputRegisters)
	default:
		return len(b.holdingRegisters)
	}
}

// checkRange 在存取前驗證位址與數量；失敗時不動任何狀態
func checkRange(size int, addr, quantity uint16, maxQuantity int) error {
	if quantity == 0 || int(quantity) > maxQuantity {
		return fmt.Errorf("%w: %d", ErrInvalidCount, quantity)
	}
	if int(addr)+int(quantity) > size {
		return fmt.Errorf("%w: %d-%d (容量 %d)", ErrOutOfRange, addr, int(addr)+int(quantity)-1, size)
	}
	return nil
}

// --- 線路層存取 (0-based，由引擎派送呼叫) ---

// ReadBits 讀取線圈或離散輸入
func (b *RegisterBank) ReadBits(table RegisterType, addr, quantity uint16) ([]bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var src []bool
	switch table {
	case RegisterTypeCoil:
		src = b.coils
	case RegisterTypeDiscreteInput:
		src = b.discreteInputs
	default:
		return nil, fmt.Errorf("%w: %s 不是位元表格", ErrInvalidCount, table)
	}

	if err := checkRange(len(src), addr, quantity, MaxBitsPerRead); err != nil {
		return nil, err
	}

	result := make([]bool, quantity)
	copy(result, src[addr:int(addr)+int(quantity)])
	return result, nil
}

// WriteBits 寫入線圈 (離散輸入僅供應用程式透過 1-based 介面設定)
// 範圍驗證先於複製，整批寫入不會部分生效
func (b *RegisterBank) WriteBits(table RegisterType, addr uint16, values []bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var dst []bool
	switch table {
	case RegisterTypeCoil:
		dst = b.coils
	case RegisterTypeDiscreteInput:
		dst = b.discreteInputs
	default:
		return fmt.Errorf("%w: %s 不是位元表格", ErrInvalidCount, table)
	}

	if err := checkRange(len(dst), addr, uint16(len(values)), MaxBitsPerWrite); err != nil {
		return err
	}

	copy(dst[addr:int(addr)+len(values)], values)
	return nil
}

// ReadWords 讀取輸入或保持暫存器
func (b *RegisterBank) ReadWords(table RegisterType, addr, quantity uint16) ([]uint16, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var src []uint16
	switch table {
	case RegisterTypeInputRegister:
		src = b.inputRegisters
	case RegisterTypeHoldingRegister:
		src = b.holdingRegisters
	default:
		return nil, fmt.Errorf("%w: %s 不是暫存器表格", ErrInvalidCount, table)
	}

	if err := checkRange(len(src), addr, quantity, MaxRegistersPerRead); err != nil {
		return nil, err
	}

	result := make([]uint16, quantity)
	copy(result, src[addr:int(addr)+int(quantity)])
	return result, nil
}

// WriteWords 寫入輸入或保持暫存器
func (b *RegisterBank) WriteWords(table RegisterType, addr uint16, values []uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var dst []uint16
	switch table {
	case RegisterTypeInputRegister:
		dst = b.inputRegisters
	case RegisterTypeHoldingRegister:
		dst = b.holdingRegisters
	default:
		return fmt.Errorf("%w: %s 不是暫存器表格", ErrInvalidCount, table)
	}

	if err := checkRange(len(dst), addr, uint16(len(values)), MaxRegistersPerWrite); err != nil {
		return err
	}

	copy(dst[addr:int(addr)+len(values)], values)
	return nil
}

// --- 應用層存取 (1-based 暫存器編號，libmodbuspp 慣例) ---

// ReadCoil 讀取單一線圈
func (b *RegisterBank) ReadCoil(number int) (bool, error) {
	bits, err := b.ReadBits(RegisterTypeCoil, uint16(number-1), 1)
	if err != nil {
		return false, err
	}
	return bits[0], nil
}

// WriteCoil 寫入單一線圈
func (b *RegisterBank) WriteCoil(number int, value bool) error {
	return b.WriteBits(RegisterTypeCoil, uint16(number-1), []bool{value})
}

// SetDiscreteInput 設定離散輸入 (僅應用程式可寫)
func (b *RegisterBank) SetDiscreteInput(number int, value bool) error {
	return b.WriteBits(RegisterTypeDiscreteInput, uint16(number-1), []bool{value})
}

// ReadRegister 讀取單一保持暫存器
func (b *RegisterBank) ReadRegister(number int) (uint16, error) {
	words, err := b.ReadWords(RegisterTypeHoldingRegister, uint16(number-1), 1)
	if err != nil {
		return 0, err
	}
	return words[0], nil
}

// WriteRegister 寫入單一保持暫存器
func (b *RegisterBank) WriteRegister(number int, value uint16) error {
	return b.WriteWords(RegisterTypeHoldingRegister, uint16(number-1), []uint16{value})
}

// ReadRegisters 讀取多個保持暫存器
func (b *RegisterBank) ReadRegisters(number, count int) ([]uint16, error) {
	return b.ReadWords(RegisterTypeHoldingRegister, uint16(number-1), uint16(count))
}

// WriteRegisters 寫入多個保持暫存器
func (b *RegisterBank) WriteRegisters(number int, values []uint16) error {
	return b.WriteWords(RegisterTypeHoldingRegister, uint16(number-1), values)
}

// ReadInputRegisters 讀取多個輸入暫存器
func (b *RegisterBank) ReadInputRegisters(number, count int) ([]uint16, error) {
	return b.ReadWords(RegisterTypeInputRegister, uint16(number-1), uint16(count))
}

// WriteInputRegister 設定單一輸入暫存器 (僅應用程式可寫)
func (b *RegisterBank) WriteInputRegister(number int, value uint16) error {
	return b.WriteWords(RegisterTypeInputRegister, uint16(number-1), []uint16{value})
}

// WriteInputRegisters 設定多個輸入暫存器 (僅應用程式可寫)
func (b *RegisterBank) WriteInputRegisters(number int, values []uint16) error {
	return b.WriteWords(RegisterTypeInputRegister, uint16(number-1), values)
}

// --- 32-bit 複合值 (佔兩個連續保持暫存器) ---

// splitInt32 依字組順序拆為兩個 16-bit 字組
func (b *RegisterBank) splitInt32(value int32) []uint16 {
	hi := uint16(uint32(value) >> 16)
	lo := uint16(uint32(value))
	if b.wordOrder == WordOrderLowFirst {
		return []uint16{lo, hi}
	}
	return []uint16{hi, lo}
}

// joinInt32 依字組順序合併兩個 16-bit 字組
func (b *RegisterBank) joinInt32(words []uint16) int32 {
	if b.wordOrder == WordOrderLowFirst {
		return int32(uint32(words[1])<<16 | uint32(words[0]))
	}
	return int32(uint32(words[0])<<16 | uint32(words[1]))
}

// ReadInt32 讀取 32-bit 有號複合值 (如 GMT 偏移量)
func (b *RegisterBank) ReadInt32(number int) (int32, error) {
	words, err := b.ReadRegisters(number, 2)
	if err != nil {
		return 0, err
	}
	return b.joinInt32(words), nil
}

// WriteInt32 寫入 32-bit 有號複合值
func (b *RegisterBank) WriteInt32(number int, value int32) error {
	return b.WriteRegisters(number, b.splitInt32(value))
}

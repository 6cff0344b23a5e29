package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSlave(t *testing.T) *Slave {
	t.Helper()
	bank := NewRegisterBank(8, 8, 8, 8, WordOrderHighFirst)
	return NewSlave(10, bank)
}

func TestSlave_ApplyReadWrite(t *testing.T) {
	slave := newTestSlave(t)

	// 寫單一暫存器
	resp, err := slave.Apply(&Request{Function: FuncCodeWriteSingleRegister, Addr: 0, Quantity: 1, Value: 0x1234})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x06, 0x00, 0x00, 0x12, 0x34}, resp)

	// 讀回
	resp, err = slave.Apply(&Request{Function: FuncCodeReadHoldingRegisters, Addr: 0, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x02, 0x12, 0x34}, resp)

	// 寫單一線圈
	resp, err = slave.Apply(&Request{Function: FuncCodeWriteSingleCoil, Addr: 2, Quantity: 1, Value: 0xFF00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00, 0x02, 0xFF, 0x00}, resp)

	on, err := slave.Bank().ReadCoil(3)
	require.NoError(t, err)
	assert.True(t, on)

	// 寫多暫存器
	resp, err = slave.Apply(&Request{Function: FuncCodeWriteMultipleRegisters, Addr: 0, Quantity: 2, Words: []uint16{0xAAAA, 0xBBBB}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x00, 0x00, 0x00, 0x02}, resp)

	// 寫多線圈
	resp, err = slave.Apply(&Request{Function: FuncCodeWriteMultipleCoils, Addr: 0, Quantity: 3, Bits: []bool{true, false, true}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0F, 0x00, 0x00, 0x00, 0x03}, resp)
}

func TestSlave_ApplyOutOfRange(t *testing.T) {
	slave := newTestSlave(t)

	// 超出表格範圍 → 非法資料位址
	_, err := slave.Apply(&Request{Function: FuncCodeReadInputRegisters, Addr: 100, Quantity: 1})
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, uint8(ExceptionCodeIllegalDataAddress), pe.Exception)
	assert.Equal(t, uint8(FuncCodeReadInputRegisters), pe.Function)

	// 寫入也一樣
	_, err = slave.Apply(&Request{Function: FuncCodeWriteSingleRegister, Addr: 100, Quantity: 1, Value: 1})
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, uint8(ExceptionCodeIllegalDataAddress), pe.Exception)
}

func TestSlave_Stats(t *testing.T) {
	slave := newTestSlave(t)

	slave.Apply(&Request{Function: FuncCodeReadCoils, Addr: 0, Quantity: 1})
	slave.Apply(&Request{Function: FuncCodeReadCoils, Addr: 100, Quantity: 1})

	assert.Equal(t, uint64(2), slave.Stats().RequestCount.Load())
	assert.Equal(t, uint64(1), slave.Stats().ExceptionCount.Load())
	assert.NotZero(t, slave.Stats().LastRequestTime.Load())
}

func TestSlaveRegistry_RegisterLookup(t *testing.T) {
	registry := NewSlaveRegistry()
	bank := NewRegisterBank(1, 0, 8, 2, WordOrderHighFirst)

	slave, err := registry.Register(10, bank)
	require.NoError(t, err)
	assert.Equal(t, uint8(10), slave.UnitID)
	assert.Equal(t, 1, registry.Count())

	got, ok := registry.Lookup(10)
	require.True(t, ok)
	assert.Same(t, slave, got)

	// 查無的 unit id
	_, ok = registry.Lookup(99)
	assert.False(t, ok)
}

func TestSlaveRegistry_InvalidUnitID(t *testing.T) {
	registry := NewSlaveRegistry()
	bank := NewRegisterBank(1, 1, 1, 1, WordOrderHighFirst)

	// 0 保留為廣播位址
	_, err := registry.Register(0, bank)
	assert.Error(t, err)

	// 超過 247
	_, err = registry.Register(248, bank)
	assert.Error(t, err)

	// 邊界值合法
	_, err = registry.Register(1, bank)
	assert.NoError(t, err)
	_, err = registry.Register(247, bank)
	assert.NoError(t, err)
}

func TestSlaveRegistry_Duplicate(t *testing.T) {
	registry := NewSlaveRegistry()
	bank := NewRegisterBank(1, 1, 1, 1, WordOrderHighFirst)

	_, err := registry.Register(10, bank)
	require.NoError(t, err)

	_, err = registry.Register(10, bank)
	assert.Error(t, err)
}

func TestSlaveRegistry_Remove(t *testing.T) {
	registry := NewSlaveRegistry()
	bank := NewRegisterBank(1, 1, 1, 1, WordOrderHighFirst)

	_, err := registry.Register(10, bank)
	require.NoError(t, err)

	assert.True(t, registry.Remove(10))
	assert.False(t, registry.Remove(10))
	assert.Equal(t, 0, registry.Count())
}

func TestSlaveRegistry_List(t *testing.T) {
	registry := NewSlaveRegistry()

	for _, id := range []uint8{5, 10, 20} {
		_, err := registry.Register(id, NewRegisterBank(1, 1, 1, 1, WordOrderHighFirst))
		require.NoError(t, err)
	}

	slaves := registry.List()
	assert.Len(t, slaves, 3)
}

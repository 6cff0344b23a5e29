package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Slave 單一 Modbus Slave 裝置
// 擁有自己的四張暫存器表格，不與其他 Slave 共用儲存
type Slave struct {
	UnitID uint8

	bank  *RegisterBank
	stats SlaveStats
}

// SlaveStats Slave 統計資訊
type SlaveStats struct {
	RequestCount    atomic.Uint64
	ExceptionCount  atomic.Uint64
	LastRequestTime atomic.Int64
}

// NewSlave 建立 Slave
func NewSlave(unitID uint8, bank *RegisterBank) *Slave {
	return &Slave{UnitID: unitID, bank: bank}
}

// Bank 取得暫存器表格 (應用程式在 poll 週期之間直接讀寫)
func (s *Slave) Bank() *RegisterBank {
	return s.bank
}

// Stats 取得統計資訊
func (s *Slave) Stats() *SlaveStats {
	return &s.stats
}

// Apply 將解碼後的請求套用到暫存器表格，回傳回應 PDU
// 資料模型錯誤在此轉換為 ProtocolError，由引擎編碼為異常回應；
// 任何錯誤都不會讓表格處於半寫入狀態
func (s *Slave) Apply(req *Request) ([]byte, error) {
	s.stats.RequestCount.Add(1)
	s.stats.LastRequestTime.Store(time.Now().UnixNano())

	pdu, err := s.apply(req)
	if err != nil {
		s.stats.ExceptionCount.Add(1)
	}
	return pdu, err
}

func (s *Slave) apply(req *Request) ([]byte, error) {
	switch req.Function {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		bits, err := s.bank.ReadBits(req.Table(), req.Addr, req.Quantity)
		if err != nil {
			return nil, newProtocolError(req.Function, exceptionFor(err))
		}
		return EncodeReadBitsResponse(req.Function, bits), nil

	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		words, err := s.bank.ReadWords(req.Table(), req.Addr, req.Quantity)
		if err != nil {
			return nil, newProtocolError(req.Function, exceptionFor(err))
		}
		return EncodeReadWordsResponse(req.Function, words), nil

	case FuncCodeWriteSingleCoil:
		if err := s.bank.WriteBits(RegisterTypeCoil, req.Addr, []bool{req.Value == 0xFF00}); err != nil {
			return nil, newProtocolError(req.Function, exceptionFor(err))
		}
		return EncodeWriteSingleResponse(req.Function, req.Addr, req.Value), nil

	case FuncCodeWriteSingleRegister:
		if err := s.bank.WriteWords(RegisterTypeHoldingRegister, req.Addr, []uint16{req.Value}); err != nil {
			return nil, newProtocolError(req.Function, exceptionFor(err))
		}
		return EncodeWriteSingleResponse(req.Function, req.Addr, req.Value), nil

	case FuncCodeWriteMultipleCoils:
		if err := s.bank.WriteBits(RegisterTypeCoil, req.Addr, req.Bits); err != nil {
			return nil, newProtocolError(req.Function, exceptionFor(err))
		}
		return EncodeWriteMultipleResponse(req.Function, req.Addr, req.Quantity), nil

	case FuncCodeWriteMultipleRegisters:
		if err := s.bank.WriteWords(RegisterTypeHoldingRegister, req.Addr, req.Words); err != nil {
			return nil, newProtocolError(req.Function, exceptionFor(err))
		}
		return EncodeWriteMultipleResponse(req.Function, req.Addr, req.Quantity), nil

	default:
		// 寫入輸入暫存器等組合沒有對應的功能碼，解碼階段已擋下；
		// 這裡攔的是表格裡有但 Slave 不支援的情況
		return nil, newProtocolError(req.Function, ExceptionCodeIllegalFunction)
	}
}

// SlaveRegistry Unit ID → Slave 對照表
// 引擎每收到一個訊框查表一次；查無對應 Slave 時依協議慣例不回應
type SlaveRegistry struct {
	mu     sync.RWMutex
	slaves map[uint8]*Slave
}

// NewSlaveRegistry 建立空的對照表
func NewSlaveRegistry() *SlaveRegistry {
	return &SlaveRegistry{slaves: make(map[uint8]*Slave)}
}

// Register 註冊 Slave；unit id 0 保留為廣播位址
func (r *SlaveRegistry) Register(unitID uint8, bank *RegisterBank) (*Slave, error) {
	if unitID == BroadcastUnitID || unitID > MaxUnitID {
		return nil, fmt.Errorf("無效的 unit id: %d (有效範圍 1-%d)", unitID, MaxUnitID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.slaves[unitID]; exists {
		return nil, fmt.Errorf("unit id %d 已註冊", unitID)
	}

	slave := NewSlave(unitID, bank)
	r.slaves[unitID] = slave
	return slave, nil
}

// Lookup 查詢 Slave
func (r *SlaveRegistry) Lookup(unitID uint8) (*Slave, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slave, ok := r.slaves[unitID]
	return slave, ok
}

// Remove 移除 Slave，回報是否存在
func (r *SlaveRegistry) Remove(unitID uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.slaves[unitID]; !ok {
		return false
	}
	delete(r.slaves, unitID)
	return true
}

// List 列出所有已註冊的 Slave
func (r *SlaveRegistry) List() []*Slave {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slaves := make([]*Slave, 0, len(r.slaves))
	for _, slave := range r.slaves {
		slaves = append(slaves, slave)
	}
	return slaves
}

// Count 回報已註冊的 Slave 數量
func (r *SlaveRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slaves)
}

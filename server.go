package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/serial"
	"go.uber.org/zap"
)

// EngineState 引擎狀態
type EngineState int32

const (
	EngineStateClosed EngineState = iota
	EngineStateOpen
	EngineStateClosing
)

func (s EngineState) String() string {
	switch s {
	case EngineStateClosed:
		return "closed"
	case EngineStateOpen:
		return "open"
	case EngineStateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// connState 單一連線的狀態機
// Idle → Reading → Decoded → Dispatched → Responding → Idle
// 任何 I/O 錯誤直接進入 Closed
type connState int

const (
	connStateIdle connState = iota
	connStateReading
	connStateDecoded
	connStateDispatched
	connStateResponding
	connStateClosed
)

// connection TCP 連線與其組框狀態
type connection struct {
	conn       net.Conn
	assembler  TCPAssembler
	state      connState
	lastActive time.Time
	faults     int // 連續格式錯誤計數
}

// 每回合分給單一連線的讀取時間片
// 時間片要夠短，單一閒置連線才不會吃光整個 poll 預算
const readSlice = time.Millisecond

// 單一連線連續送出格式錯誤訊框的容忍次數，超過即斷線
const maxConnFaults = 3

// EngineStats 引擎統計資訊
type EngineStats struct {
	StartTime       time.Time
	RequestsTotal   atomic.Uint64
	ExceptionsTotal atomic.Uint64
	DroppedFrames   atomic.Uint64
	BytesReceived   atomic.Uint64
	BytesSent       atomic.Uint64
	Connections     atomic.Int64
}

// Engine Modbus 伺服器引擎
// 單執行緒、非阻塞:所有 I/O 都發生在呼叫端驅動的 Poll 迴圈內，
// 每次 Poll 的延遲由呼叫端給定的時間預算限制
type Engine struct {
	mu sync.Mutex

	config   *Config
	registry *SlaveRegistry
	logger   *zap.Logger

	state atomic.Int32

	// TCP
	listeners []net.Listener
	conns     []*connection

	// RTU
	port    serial.Port
	rtuAsm  RTUAssembler
	rtuBusy bool // 靜默期之間收過資料

	stats EngineStats
}

// NewEngine 建立引擎並依配置註冊 Slaves
func NewEngine(config *Config, logger *zap.Logger) (*Engine, error) {
	e := &Engine{
		config:   config,
		registry: NewSlaveRegistry(),
		logger:   logger,
	}

	wordOrder, _ := ParseWordOrder(config.Server.WordOrder)
	for _, sc := range config.Slaves {
		bank := NewRegisterBank(sc.Coils, sc.DiscreteInputs, sc.InputRegisters, sc.HoldingRegisters, wordOrder)
		if _, err := e.registry.Register(sc.UnitID, bank); err != nil {
			return nil, fmt.Errorf("註冊 Slave 失敗: %w", err)
		}
	}

	return e, nil
}

// Registry 取得 Slave 對照表 (應用程式由此取得暫存器存取權)
func (e *Engine) Registry() *SlaveRegistry {
	return e.registry
}

// State 取得引擎狀態
func (e *Engine) State() EngineState {
	return EngineState(e.state.Load())
}

// IsOpen 回報引擎是否仍在服務
func (e *Engine) IsOpen() bool {
	return e.State() == EngineStateOpen
}

// Stats 取得統計資訊
func (e *Engine) Stats() *EngineStats {
	return &e.stats
}

// Open 綁定監聽資源
// TCP 模式對每個綁定位址建立 listener，RTU 模式開啟序列埠;
// 任何一步失敗都會回收已開啟的資源，不留半開狀態
func (e *Engine) Open() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.CompareAndSwap(int32(EngineStateClosed), int32(EngineStateOpen)) {
		return fmt.Errorf("引擎已開啟")
	}

	e.stats.StartTime = time.Now()

	switch e.config.Transport.Mode {
	case TransportModeTCP:
		for _, addr := range e.config.BindAddresses() {
			l, err := net.Listen("tcp", addr)
			if err != nil {
				for _, opened := range e.listeners {
					opened.Close()
				}
				e.listeners = nil
				e.state.Store(int32(EngineStateClosed))
				return fmt.Errorf("監聽 %s 失敗: %w", addr, err)
			}
			e.listeners = append(e.listeners, l)
			e.logger.Info("開始監聽",
				zap.String("addr", l.Addr().String()),
				zap.Int("slaves", e.registry.Count()),
			)
		}

	case TransportModeRTU:
		port, err := openSerialPort(&e.config.Transport)
		if err != nil {
			e.state.Store(int32(EngineStateClosed))
			return err
		}
		e.port = port
		e.logger.Info("序列埠已開啟",
			zap.String("device", e.config.Transport.Device),
			zap.Int("baud_rate", e.config.Transport.BaudRate),
			zap.String("parity", e.config.Transport.Parity),
		)

	default:
		e.state.Store(int32(EngineStateClosed))
		return fmt.Errorf("不支援的傳輸模式: %s", e.config.Transport.Mode)
	}

	return nil
}

// Close 關閉引擎並釋放所有資源
// 可由信號處理 goroutine 呼叫，重複呼叫不產生任何效果;
// 進行中的 Poll 會在下一次狀態檢查時返回 ErrServerClosed
func (e *Engine) Close() error {
	if !e.state.CompareAndSwap(int32(EngineStateOpen), int32(EngineStateClosing)) {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, l := range e.listeners {
		if err := l.Close(); err != nil {
			e.logger.Warn("關閉 listener 失敗", zap.Error(err))
		}
	}
	e.listeners = nil

	for _, c := range e.conns {
		c.conn.Close()
		c.state = connStateClosed
	}
	e.conns = nil
	e.stats.Connections.Store(0)

	if e.port != nil {
		if err := e.port.Close(); err != nil {
			e.logger.Warn("關閉序列埠失敗", zap.Error(err))
		}
		e.port = nil
	}

	e.state.Store(int32(EngineStateClosed))
	e.logger.Info("引擎已關閉",
		zap.Duration("uptime", time.Since(e.stats.StartTime)),
		zap.Uint64("requests", e.stats.RequestsTotal.Load()),
	)

	return nil
}

// Poll 服務一次 I/O 迭代
// 在時間預算內接受新連線並推進每條連線的狀態機；預算用盡或
// 一整輪都沒有進展時交還控制權，讓應用程式做自己的週期工作
func (e *Engine) Poll(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		// 關閉旗標在每輪開頭檢查;鎖讓 Close 不會在一輪進行中拆資源
		if e.State() != EngineStateOpen {
			return ErrServerClosed
		}
		e.mu.Lock()
		if e.State() != EngineStateOpen {
			e.mu.Unlock()
			return ErrServerClosed
		}

		var progress bool
		if e.config.Transport.Mode == TransportModeRTU {
			progress = e.serviceSerial()
		} else {
			progress = e.acceptPending()
			progress = e.serviceConnections() || progress
		}
		e.mu.Unlock()

		if !progress || !time.Now().Before(deadline) {
			return nil
		}
	}
}

// Addrs 回傳實際綁定的監聽位址 (埠號 0 時由系統指派)
func (e *Engine) Addrs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	addrs := make([]string, 0, len(e.listeners))
	for _, l := range e.listeners {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

// acceptPending 接受所有待處理的新連線，不等待
func (e *Engine) acceptPending() bool {
	accepted := false
	for _, l := range e.listeners {
		tl, ok := l.(*net.TCPListener)
		if !ok {
			continue
		}
		for {
			tl.SetDeadline(time.Now().Add(readSlice))
			conn, err := tl.Accept()
			if err != nil {
				if !isTimeout(err) && e.State() == EngineStateOpen {
					e.logger.Warn("接受連線失敗", zap.Error(err))
				}
				break
			}

			if len(e.conns) >= e.config.Server.MaxConnections {
				e.logger.Warn("連線數已達上限，拒絕連線",
					zap.String("remote", conn.RemoteAddr().String()),
					zap.Int("max", e.config.Server.MaxConnections),
				)
				conn.Close()
				continue
			}

			e.conns = append(e.conns, &connection{
				conn:       conn,
				state:      connStateIdle,
				lastActive: time.Now(),
			})
			e.stats.Connections.Add(1)
			accepted = true

			if e.config.Debug {
				e.logger.Debug("新連線", zap.String("remote", conn.RemoteAddr().String()))
			}
		}
	}
	return accepted
}

// serviceConnections 輪流推進每條連線，回報是否有任何進展
func (e *Engine) serviceConnections() bool {
	progress := false
	alive := e.conns[:0]

	for _, c := range e.conns {
		if e.serviceConn(c) {
			progress = true
		}
		if c.state == connStateClosed {
			c.conn.Close()
			e.stats.Connections.Add(-1)
			continue
		}
		alive = append(alive, c)
	}
	e.conns = alive

	return progress
}

// serviceConn 推進單一連線的狀態機一步
func (e *Engine) serviceConn(c *connection) bool {
	var buf [512]byte

	c.conn.SetReadDeadline(time.Now().Add(readSlice))
	n, err := c.conn.Read(buf[:])

	if n > 0 {
		e.stats.BytesReceived.Add(uint64(n))
		c.lastActive = time.Now()
		c.state = connStateReading
		c.assembler.Feed(buf[:n])
	}

	if err != nil && !isTimeout(err) {
		// EOF 或連線層錯誤:丟棄連線，伺服器繼續
		c.state = connStateClosed
		return n > 0
	}
	if isTimeout(err) && n == 0 {
		// 超過讀取逾時未活動的連線視為失效
		if time.Since(c.lastActive) > e.config.Server.ReadTimeout {
			e.logger.Info("連線閒置逾時", zap.String("remote", c.conn.RemoteAddr().String()))
			c.state = connStateClosed
			return false
		}
		if c.assembler.Pending() == 0 {
			c.state = connStateIdle
		}
		return false
	}

	// 回應依解碼完成的順序送出
	for {
		header, pdu, ferr := c.assembler.Next()
		if ferr != nil {
			e.stats.DroppedFrames.Add(1)
			e.logger.Warn("訊框格式錯誤，關閉連線",
				zap.String("remote", c.conn.RemoteAddr().String()),
				zap.Error(ferr),
			)
			c.state = connStateClosed
			return true
		}
		if header == nil {
			break
		}

		c.state = connStateDecoded
		response, malformed := e.dispatch(header.UnitID, pdu)
		c.state = connStateDispatched

		if malformed {
			c.faults++
			if c.faults > maxConnFaults {
				e.logger.Warn("連線連續送出格式錯誤訊框，關閉連線",
					zap.String("remote", c.conn.RemoteAddr().String()),
				)
				c.state = connStateClosed
				return true
			}
			continue
		}
		c.faults = 0

		if response == nil {
			// 查無 unit id:依 TCP 慣例不回應
			continue
		}

		c.state = connStateResponding
		adu := EncodeMBAP(header, response)
		c.conn.SetWriteDeadline(time.Now().Add(e.config.Server.WriteTimeout))
		if _, werr := c.conn.Write(adu); werr != nil {
			e.logger.Warn("寫入回應失敗",
				zap.String("remote", c.conn.RemoteAddr().String()),
				zap.Error(werr),
			)
			c.state = connStateClosed
			return true
		}
		e.stats.BytesSent.Add(uint64(len(adu)))
	}

	c.state = connStateIdle
	return true
}

// serviceSerial 服務序列埠:讀取逾時即為訊框邊界
func (e *Engine) serviceSerial() bool {
	var buf [512]byte

	n, err := e.port.Read(buf[:])
	if n > 0 {
		e.stats.BytesReceived.Add(uint64(n))
		e.rtuAsm.Feed(buf[:n])
		e.rtuBusy = true
		return true
	}

	if err != nil && !errors.Is(err, serial.ErrTimeout) && !isTimeout(err) && !errors.Is(err, os.ErrDeadlineExceeded) {
		e.logger.Warn("序列埠讀取失敗", zap.Error(err))
		return false
	}

	// 靜默期:緩衝內若有資料即構成一個訊框
	if !e.rtuBusy || e.rtuAsm.Pending() == 0 {
		return false
	}
	e.rtuBusy = false

	unitID, pdu, ferr := e.rtuAsm.Complete()
	if ferr != nil {
		// CRC 不符等損毀訊框:靜默丟棄，不回應
		e.stats.DroppedFrames.Add(1)
		if e.config.Debug {
			e.logger.Debug("RTU 訊框丟棄", zap.Error(ferr))
		}
		return true
	}

	if unitID == BroadcastUnitID {
		e.broadcast(pdu)
		return true
	}

	response, _ := e.dispatch(unitID, pdu)
	if response == nil {
		return true
	}

	adu := EncodeRTU(unitID, response)
	if _, werr := e.port.Write(adu); werr != nil {
		e.logger.Warn("序列埠寫入失敗", zap.Error(werr))
		return true
	}
	e.stats.BytesSent.Add(uint64(len(adu)))

	return true
}

// dispatch 解碼請求並路由到對應的 Slave
// 回傳回應 PDU (nil 表示不回應) 與訊框是否格式錯誤
func (e *Engine) dispatch(unitID uint8, pdu []byte) (response []byte, malformed bool) {
	e.stats.RequestsTotal.Add(1)

	req, err := DecodeRequest(pdu)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			e.stats.ExceptionsTotal.Add(1)
			return EncodeExceptionResponse(pe.Function, pe.Exception), false
		}
		e.stats.DroppedFrames.Add(1)
		return nil, true
	}

	slave, ok := e.registry.Lookup(unitID)
	if !ok {
		if e.config.Debug {
			e.logger.Debug("查無 unit id，不回應", zap.Uint8("unit_id", unitID))
		}
		return nil, false
	}

	if e.config.Debug {
		e.logger.Debug("派送請求",
			zap.Uint8("unit_id", unitID),
			zap.Uint8("function", req.Function),
			zap.Uint16("addr", req.Addr),
			zap.Uint16("quantity", req.Quantity),
		)
	}

	resp, err := slave.Apply(req)
	if err != nil {
		e.stats.ExceptionsTotal.Add(1)
		var pe *ProtocolError
		if errors.As(err, &pe) {
			return EncodeExceptionResponse(pe.Function, pe.Exception), false
		}
		// 非協議錯誤一律轉為從站故障，poll 迴圈不因派送失敗中斷
		return EncodeExceptionResponse(req.Function, ExceptionCodeSlaveDeviceFailure), false
	}

	return resp, false
}

// broadcast 廣播 (unit id 0):對所有 Slave 套用寫入，從不回應
func (e *Engine) broadcast(pdu []byte) {
	e.stats.RequestsTotal.Add(1)

	req, err := DecodeRequest(pdu)
	if err != nil || !req.IsWrite() {
		e.stats.DroppedFrames.Add(1)
		return
	}

	for _, slave := range e.registry.List() {
		if _, err := slave.Apply(req); err != nil && e.config.Debug {
			e.logger.Debug("廣播寫入失敗",
				zap.Uint8("unit_id", slave.UnitID),
				zap.Error(err),
			)
		}
	}
}

// isTimeout 判斷是否為讀寫逾時 (非阻塞 poll 的正常情況)
func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

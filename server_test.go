package main

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestEngine 以預設配置 (slave 10) 在隨機埠上開啟引擎
func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Transport.Listen = "127.0.0.1"
	cfg.Transport.Port = 0 // 由系統指派

	engine, err := NewEngine(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, engine.Open())
	t.Cleanup(func() { engine.Close() })

	addrs := engine.Addrs()
	require.Len(t, addrs, 1)
	return engine, addrs[0]
}

// startPolling 在背景驅動 poll 迴圈，模擬應用程式的主迴圈
func startPolling(t *testing.T, engine *Engine) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if err := engine.Poll(10 * time.Millisecond); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() {
		engine.Close()
		<-done
	})
}

// exchange 送出請求並等待回應，驗證 transaction id 原樣回送
func exchange(t *testing.T, conn net.Conn, txn uint16, unitID uint8, pdu []byte) []byte {
	t.Helper()

	header := &MBAPHeader{TransactionID: txn, UnitID: unitID}
	_, err := conn.Write(EncodeMBAP(header, pdu))
	require.NoError(t, err)

	var asm TCPAssembler
	buf := make([]byte, 512)
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		n, err := conn.Read(buf)
		require.NoError(t, err)
		asm.Feed(buf[:n])

		respHeader, respPDU, err := asm.Next()
		require.NoError(t, err)
		if respHeader == nil {
			continue
		}
		assert.Equal(t, txn, respHeader.TransactionID)
		assert.Equal(t, unitID, respHeader.UnitID)
		return respPDU
	}
}

func TestEngine_OpenClose(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.Listen = "127.0.0.1"
	cfg.Transport.Port = 0

	engine, err := NewEngine(cfg, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, engine.Open())
	assert.True(t, engine.IsOpen())

	// 重複開啟是錯誤
	assert.Error(t, engine.Open())

	// 重複關閉不產生任何效果
	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close())
	assert.False(t, engine.IsOpen())

	// 關閉後 Poll 立即返回
	assert.ErrorIs(t, engine.Poll(10*time.Millisecond), ErrServerClosed)
}

func TestEngine_CloseFromSignalGoroutine(t *testing.T) {
	engine, _ := newTestEngine(t)

	// 信號處理 goroutine 只呼叫 Close;主迴圈觀察到狀態後結束
	done := make(chan error, 1)
	go func() {
		for {
			if err := engine.Poll(10 * time.Millisecond); err != nil {
				done <- err
				return
			}
		}
	}()

	time.Sleep(30 * time.Millisecond)
	engine.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("poll 迴圈未在關閉後結束")
	}
}

func TestEngine_ReadInputRegisters(t *testing.T) {
	engine, addr := newTestEngine(t)
	startPolling(t, engine)

	// 應用程式寫入時間值
	slave, ok := engine.Registry().Lookup(10)
	require.True(t, ok)
	require.NoError(t, slave.Bank().WriteInputRegisters(1, []uint16{30, 45, 13, 1, 4, 2019, 1, 91}))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// FC 04: 讀 8 個輸入暫存器
	resp := exchange(t, conn, 1, 10, []byte{0x04, 0x00, 0x00, 0x00, 0x08})
	require.Equal(t, uint8(0x04), resp[0])
	require.Equal(t, uint8(16), resp[1])
	assert.Equal(t, []uint16{30, 45, 13, 1, 4, 2019, 1, 91}, BytesToRegisters(resp[2:]))
}

func TestEngine_WriteThenReadBack(t *testing.T) {
	engine, addr := newTestEngine(t)
	startPolling(t, engine)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// FC 06: 寫保持暫存器 0
	resp := exchange(t, conn, 7, 10, []byte{0x06, 0x00, 0x00, 0x12, 0x34})
	assert.Equal(t, []byte{0x06, 0x00, 0x00, 0x12, 0x34}, resp)

	// FC 03: 讀回
	resp = exchange(t, conn, 8, 10, []byte{0x03, 0x00, 0x00, 0x00, 0x01})
	assert.Equal(t, []byte{0x03, 0x02, 0x12, 0x34}, resp)

	// 應用程式看得到客戶端的寫入
	slave, ok := engine.Registry().Lookup(10)
	require.True(t, ok)
	val, err := slave.Bank().ReadRegister(1)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), val)
}

func TestEngine_ExceptionResponse(t *testing.T) {
	engine, addr := newTestEngine(t)
	startPolling(t, engine)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// 讀超出表格範圍的輸入暫存器 → 非法資料位址
	resp := exchange(t, conn, 2, 10, []byte{0x04, 0x00, 0x64, 0x00, 0x01})
	assert.Equal(t, []byte{0x84, ExceptionCodeIllegalDataAddress}, resp)

	// 不支援的功能碼 → 非法功能碼
	resp = exchange(t, conn, 3, 10, []byte{0x2B, 0x0E, 0x01})
	assert.Equal(t, []byte{0xAB, ExceptionCodeIllegalFunction}, resp)

	assert.NotZero(t, engine.Stats().ExceptionsTotal.Load())
}

func TestEngine_UnknownUnitGetsNoResponse(t *testing.T) {
	engine, addr := newTestEngine(t)
	startPolling(t, engine)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// unit 99 未註冊:依協議慣例不回應
	header := &MBAPHeader{TransactionID: 5, UnitID: 99}
	_, err = conn.Write(EncodeMBAP(header, []byte{0x04, 0x00, 0x00, 0x00, 0x01}))
	require.NoError(t, err)

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, err = conn.Read(buf)
	require.Error(t, err)
	nerr, ok := err.(net.Error)
	require.True(t, ok)
	assert.True(t, nerr.Timeout())

	// 伺服器沒被卡住，同一條連線上的有效請求照常服務
	resp := exchange(t, conn, 6, 10, []byte{0x04, 0x00, 0x00, 0x00, 0x01})
	assert.Equal(t, uint8(0x04), resp[0])
}

func TestEngine_MultipleClients(t *testing.T) {
	engine, addr := newTestEngine(t)
	startPolling(t, engine)

	// 兩個客戶端交錯請求
	conn1, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn1.Close()

	conn2, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn2.Close()

	resp := exchange(t, conn1, 1, 10, []byte{0x06, 0x00, 0x00, 0x00, 0x2A})
	assert.Equal(t, uint8(0x06), resp[0])

	resp = exchange(t, conn2, 2, 10, []byte{0x03, 0x00, 0x00, 0x00, 0x01})
	assert.Equal(t, []byte{0x03, 0x02, 0x00, 0x2A}, resp)
}

func TestEngine_MalformedHeaderClosesConnection(t *testing.T) {
	engine, addr := newTestEngine(t)
	startPolling(t, engine)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// protocol id 非 0:連線已不同步，伺服器應關閉它
	_, err = conn.Write([]byte{0x00, 0x01, 0xDE, 0xAD, 0x00, 0x06, 0x0A, 0x03, 0x00, 0x00, 0x00, 0x01})
	require.NoError(t, err)

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	assert.Error(t, err) // EOF

	assert.NotZero(t, engine.Stats().DroppedFrames.Load())
}

func TestEngine_BroadcastOverRTUDecode(t *testing.T) {
	// 廣播語意不依賴傳輸層:直接驗證派送邏輯
	cfg := DefaultConfig()
	cfg.Slaves = []SlaveConfig{
		{UnitID: 10, Coils: 1, InputRegisters: 8, HoldingRegisters: 2},
		{UnitID: 11, Coils: 1, InputRegisters: 8, HoldingRegisters: 2},
	}
	cfg.Clock.Enabled = false

	engine, err := NewEngine(cfg, zap.NewNop())
	require.NoError(t, err)

	// 廣播寫入套用到所有 Slave
	engine.broadcast([]byte{0x06, 0x00, 0x00, 0x00, 0x2A})

	for _, id := range []uint8{10, 11} {
		slave, ok := engine.Registry().Lookup(id)
		require.True(t, ok)
		val, err := slave.Bank().ReadRegister(1)
		require.NoError(t, err)
		assert.Equal(t, uint16(0x2A), val, "unit %d 應收到廣播寫入", id)
	}

	// 廣播讀取被丟棄
	before := engine.Stats().DroppedFrames.Load()
	engine.broadcast([]byte{0x03, 0x00, 0x00, 0x00, 0x01})
	assert.Equal(t, before+1, engine.Stats().DroppedFrames.Load())
}

func TestEngine_PollBudget(t *testing.T) {
	engine, _ := newTestEngine(t)

	// 沒有任何 I/O 時 Poll 不應阻塞到超過預算太多
	start := time.Now()
	err := engine.Poll(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

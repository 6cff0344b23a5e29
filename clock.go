package main

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ClockApp 時間伺服器應用
// 引擎的示範嵌入者:在 poll 週期之間把牆上時鐘寫入暫存器表格
//
// 暫存器映射 (1-based):
//   輸入暫存器 1-8: 秒、分、時、日、月、年、星期 (0=週日)、年中第幾天
//   保持暫存器 1-2: GMT 偏移秒數，32-bit 有號複合值
//   線圈 1:         日光節約時間
type ClockApp struct {
	engine *Engine
	slave  *Slave
	logger *zap.Logger
}

// NewClockApp 建立時鐘應用，掛在已註冊的 Slave 上
func NewClockApp(engine *Engine, unitID uint8, logger *zap.Logger) (*ClockApp, error) {
	slave, ok := engine.Registry().Lookup(unitID)
	if !ok {
		return nil, fmt.Errorf("時鐘應用找不到 unit id %d: %w", unitID, ErrSlaveNotFound)
	}
	return &ClockApp{engine: engine, slave: slave, logger: logger}, nil
}

// Seed 以本地時間初始化日光節約線圈與 GMT 偏移暫存器
// 客戶端之後可透過寫入功能碼調整這兩者
func (a *ClockApp) Seed() error {
	now := time.Now()
	_, offset := now.Zone()
	daylight := now.IsDST()

	bank := a.slave.Bank()
	if err := bank.WriteCoil(1, daylight); err != nil {
		return fmt.Errorf("初始化日光節約線圈失敗: %w", err)
	}
	if err := bank.WriteInt32(1, int32(offset)); err != nil {
		return fmt.Errorf("初始化 GMT 偏移失敗: %w", err)
	}

	a.logger.Info("時鐘已初始化",
		zap.Uint8("unit_id", a.slave.UnitID),
		zap.Int("gmt_offset", offset),
		zap.Bool("daylight", daylight),
	)
	return nil
}

// Run 主控制迴圈:每秒發布一次時間，其餘時間讓引擎服務 I/O
// 迴圈在引擎關閉後結束;關閉由信號 goroutine 呼叫 Engine.Close 觸發
func (a *ClockApp) Run(pollTimeout time.Duration) error {
	if err := a.Seed(); err != nil {
		return err
	}

	before := time.Now().Unix()
	for a.engine.IsOpen() {
		now := time.Now().Unix()
		if now > before {
			before = now
			if err := a.publish(now); err != nil {
				// 暫存器表格是配置驗證過的，寫入失敗代表不變量被破壞
				return fmt.Errorf("發布時間失敗: %w", err)
			}
		}

		if err := a.engine.Poll(pollTimeout); err != nil {
			if err == ErrServerClosed {
				return nil
			}
			return err
		}
	}
	return nil
}

// publish 把 epoch 時間換算為當地時間並寫入輸入暫存器
// 客戶端可能改寫了線圈或 GMT 偏移，每次發布前重新讀取
func (a *ClockApp) publish(epoch int64) error {
	bank := a.slave.Bank()

	daylight, err := bank.ReadCoil(1)
	if err != nil {
		return err
	}
	gmtoff, err := bank.ReadInt32(1)
	if err != nil {
		return err
	}

	if daylight {
		epoch += 3600
	}
	epoch += int64(gmtoff)

	t := time.Unix(epoch, 0).UTC()
	values := []uint16{
		uint16(t.Second()),
		uint16(t.Minute()),
		uint16(t.Hour()),
		uint16(t.Day()),
		uint16(t.Month()),
		uint16(t.Year()),
		uint16(t.Weekday()),
		uint16(t.YearDay()),
	}

	return bank.WriteInputRegisters(1, values)
}

// PrintRegisterMap 印出暫存器映射說明 (debug 模式)
func (a *ClockApp) PrintRegisterMap() {
	fmt.Println("Mapping of registers:")
	fmt.Println("--- Input Registers")
	fmt.Println("@ Reg.  Size    Description")
	fmt.Println("1       16-bit  Seconds (0-60), unsigned")
	fmt.Println("2       16-bit  Minutes (0-59), unsigned")
	fmt.Println("3       16-bit  Hours (0-23), unsigned")
	fmt.Println("4       16-bit  Day of the month (1-31), unsigned")
	fmt.Println("5       16-bit  Month (1-12), unsigned")
	fmt.Println("6       16-bit  Year e.g. 2019, unsigned")
	fmt.Println("7       16-bit  Day of the week (0-6, Sunday = 0), unsigned")
	fmt.Println("8       16-bit  Day in the year (1-366, 1 Jan = 1), unsigned")
	fmt.Println("--- Holding Registers")
	fmt.Println("@ Reg.  Size    Description")
	fmt.Println("1       32-bit  number of seconds to add to UTC to get local time, signed")
	fmt.Println("--- Coils")
	fmt.Println("@ Reg.  Size    Description")
	fmt.Println("1       1-bit   Daylight saving time")
}

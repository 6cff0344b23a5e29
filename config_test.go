package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// 預設即原始時鐘伺服器的配置
	assert.Equal(t, TransportModeTCP, cfg.Transport.Mode)
	assert.Equal(t, 1502, cfg.Transport.Port)
	assert.Equal(t, 100*time.Millisecond, cfg.Server.PollTimeout)
	assert.Equal(t, "abcd", cfg.Server.WordOrder)

	require.Len(t, cfg.Slaves, 1)
	assert.Equal(t, uint8(10), cfg.Slaves[0].UnitID)
	assert.Equal(t, 8, cfg.Slaves[0].InputRegisters)
	assert.Equal(t, 2, cfg.Slaves[0].HoldingRegisters)
	assert.Equal(t, 1, cfg.Slaves[0].Coils)

	assert.True(t, cfg.Clock.Enabled)
	assert.Equal(t, uint8(10), cfg.Clock.UnitID)

	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"預設配置合法", func(c *Config) {}, false},
		{"無效傳輸模式", func(c *Config) { c.Transport.Mode = "udp" }, true},
		{"埠號 0", func(c *Config) { c.Transport.Port = 0 }, true},
		{"埠號過大", func(c *Config) { c.Transport.Port = 70000 }, true},
		{"RTU 缺裝置", func(c *Config) {
			c.Transport.Mode = TransportModeRTU
			c.Transport.Device = ""
		}, true},
		{"RTU 無效同位元", func(c *Config) {
			c.Transport.Mode = TransportModeRTU
			c.Transport.Parity = "X"
		}, true},
		{"RTU 無效停止位元", func(c *Config) {
			c.Transport.Mode = TransportModeRTU
			c.Transport.StopBits = 3
		}, true},
		{"RTU 合法", func(c *Config) { c.Transport.Mode = TransportModeRTU }, false},
		{"poll timeout 為 0", func(c *Config) { c.Server.PollTimeout = 0 }, true},
		{"最大連線數為 0", func(c *Config) { c.Server.MaxConnections = 0 }, true},
		{"無效字組順序", func(c *Config) { c.Server.WordOrder = "badc" }, true},
		{"cdab 合法", func(c *Config) { c.Server.WordOrder = "cdab" }, false},
		{"沒有 Slave", func(c *Config) { c.Slaves = nil }, true},
		{"unit id 0", func(c *Config) { c.Slaves[0].UnitID = 0 }, true},
		{"unit id 超過 247", func(c *Config) { c.Slaves[0].UnitID = 250 }, true},
		{"unit id 重複", func(c *Config) {
			c.Slaves = append(c.Slaves, c.Slaves[0])
		}, true},
		{"表格大小為負", func(c *Config) { c.Slaves[0].Coils = -1 }, true},
		{"表格大小超過 65536", func(c *Config) { c.Slaves[0].HoldingRegisters = 70000 }, true},
		{"時鐘指向未定義的 Slave", func(c *Config) { c.Clock.UnitID = 99 }, true},
		{"時鐘表格不足", func(c *Config) { c.Slaves[0].InputRegisters = 4 }, true},
		{"時鐘缺保持暫存器", func(c *Config) { c.Slaves[0].HoldingRegisters = 1 }, true},
		{"時鐘缺線圈", func(c *Config) { c.Slaves[0].Coils = 0 }, true},
		{"停用時鐘後表格不足也合法", func(c *Config) {
			c.Clock.Enabled = false
			c.Slaves[0].InputRegisters = 0
		}, false},
		{"無效 IP 範圍", func(c *Config) {
			c.Network.IPRanges = []IPRange{{Start: "bad", End: "192.168.1.5"}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_BindAddresses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.Listen = "127.0.0.1"
	cfg.Transport.Port = 1502

	// 沒有 IP 範圍時綁單一監聽位址
	assert.Equal(t, []string{"127.0.0.1:1502"}, cfg.BindAddresses())

	// 有 IP 範圍時每個 IP 各綁一個
	cfg.Network.IPRanges = []IPRange{{Start: "192.168.1.10", End: "192.168.1.12"}}
	addrs := cfg.BindAddresses()
	assert.Equal(t, []string{
		"192.168.1.10:1502",
		"192.168.1.11:1502",
		"192.168.1.12:1502",
	}, addrs)
}

func TestConfig_SaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.json")

	cfg := DefaultConfig()
	cfg.Transport.Port = 2502
	cfg.Server.WordOrder = "cdab"
	require.NoError(t, cfg.SaveConfig(path))

	// 檔案存在且可讀
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\"port\": 2502")
	assert.Contains(t, string(data), "\"word_order\": \"cdab\"")
}

func TestIPRange_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ipRange IPRange
		wantErr bool
	}{
		{"合法範圍", IPRange{Start: "192.168.1.1", End: "192.168.1.10"}, false},
		{"合法 CIDR", IPRange{CIDR: "192.168.1.0/28"}, false},
		{"無效起始 IP", IPRange{Start: "bad", End: "192.168.1.10"}, true},
		{"無效結束 IP", IPRange{Start: "192.168.1.1", End: "bad"}, true},
		{"缺結束 IP", IPRange{Start: "192.168.1.1"}, true},
		{"無效 CIDR", IPRange{CIDR: "not-a-cidr"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ipRange.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIPRange_Expand(t *testing.T) {
	// Start/End 範圍包含兩端
	r := IPRange{Start: "10.0.0.1", End: "10.0.0.3"}
	ips, err := r.Expand()
	require.NoError(t, err)
	require.Len(t, ips, 3)
	assert.Equal(t, "10.0.0.1", ips[0].String())
	assert.Equal(t, "10.0.0.3", ips[2].String())

	// CIDR 展開去掉網路位址與廣播位址
	r = IPRange{CIDR: "192.168.1.0/30"}
	ips, err = r.Expand()
	require.NoError(t, err)
	require.Len(t, ips, 2)
	assert.Equal(t, "192.168.1.1", ips[0].String())
	assert.Equal(t, "192.168.1.2", ips[1].String())
}

func TestParseWordOrder(t *testing.T) {
	order, ok := ParseWordOrder("abcd")
	assert.True(t, ok)
	assert.Equal(t, WordOrderHighFirst, order)

	order, ok = ParseWordOrder("cdab")
	assert.True(t, ok)
	assert.Equal(t, WordOrderLowFirst, order)

	// 空字串取預設
	order, ok = ParseWordOrder("")
	assert.True(t, ok)
	assert.Equal(t, WordOrderHighFirst, order)

	_, ok = ParseWordOrder("dcba")
	assert.False(t, ok)
}

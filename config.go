package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/viper"
)

// 傳輸模式
const (
	TransportModeTCP = "tcp"
	TransportModeRTU = "rtu"
)

// Config 全域配置
type Config struct {
	Transport TransportConfig `json:"transport" mapstructure:"transport"`
	Server    ServerConfig    `json:"server" mapstructure:"server"`
	Slaves    []SlaveConfig   `json:"slaves" mapstructure:"slaves"`
	Clock     ClockConfig     `json:"clock" mapstructure:"clock"`
	Network   NetworkConfig   `json:"network" mapstructure:"network"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig   `json:"metrics" mapstructure:"metrics"`
	Debug     bool            `json:"debug" mapstructure:"debug"`
}

// TransportConfig 傳輸層配置 (TCP 或序列 RTU)
type TransportConfig struct {
	Mode     string `json:"mode" mapstructure:"mode"`
	Listen   string `json:"listen" mapstructure:"listen"`
	Port     int    `json:"port" mapstructure:"port"`
	Device   string `json:"device" mapstructure:"device"`
	BaudRate int    `json:"baud_rate" mapstructure:"baud_rate"`
	Parity   string `json:"parity" mapstructure:"parity"`
	StopBits int    `json:"stop_bits" mapstructure:"stop_bits"`
}

// ServerConfig 引擎配置
type ServerConfig struct {
	PollTimeout    time.Duration `json:"poll_timeout" mapstructure:"poll_timeout"`
	ReadTimeout    time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	MaxConnections int           `json:"max_connections" mapstructure:"max_connections"`
	WordOrder      string        `json:"word_order" mapstructure:"word_order"`
}

// SlaveConfig 單一 Slave 的位址與表格大小
type SlaveConfig struct {
	UnitID           uint8 `json:"unit_id" mapstructure:"unit_id"`
	Coils            int   `json:"coils" mapstructure:"coils"`
	DiscreteInputs   int   `json:"discrete_inputs" mapstructure:"discrete_inputs"`
	InputRegisters   int   `json:"input_registers" mapstructure:"input_registers"`
	HoldingRegisters int   `json:"holding_registers" mapstructure:"holding_registers"`
}

// ClockConfig 時鐘應用配置
type ClockConfig struct {
	Enabled bool  `json:"enabled" mapstructure:"enabled"`
	UnitID  uint8 `json:"unit_id" mapstructure:"unit_id"`
}

// NetworkConfig 網路配置 (虛擬 IP)
type NetworkConfig struct {
	Interface     string    `json:"interface" mapstructure:"interface"`
	IPRanges      []IPRange `json:"ip_ranges" mapstructure:"ip_ranges"`
	AutoProvision bool      `json:"auto_provision" mapstructure:"auto_provision"`
}

// IPRange IP 範圍
type IPRange struct {
	Start string `json:"start" mapstructure:"start"`
	End   string `json:"end" mapstructure:"end"`
	CIDR  string `json:"cidr" mapstructure:"cidr"`
}

// LoggingConfig 日誌配置
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	OutputPath string `json:"output_path" mapstructure:"output_path"`
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Port     int    `json:"port" mapstructure:"port"`
}

// DefaultConfig 返回預設配置
// 預設即原始時鐘伺服器範例的配置:slave 10、8 個輸入暫存器 (時間)、
// 2 個保持暫存器 (32-bit GMT 偏移)、1 個線圈 (日光節約)
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			Mode:     TransportModeTCP,
			Listen:   "0.0.0.0",
			Port:     1502,
			Device:   "/dev/ttyUSB0",
			BaudRate: 19200,
			Parity:   "E",
			StopBits: 1,
		},
		Server: ServerConfig{
			PollTimeout:    100 * time.Millisecond,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   5 * time.Second,
			MaxConnections: 64,
			WordOrder:      "abcd",
		},
		Slaves: []SlaveConfig{
			{UnitID: 10, Coils: 1, DiscreteInputs: 0, InputRegisters: 8, HoldingRegisters: 2},
		},
		Clock: ClockConfig{
			Enabled: true,
			UnitID:  10,
		},
		Network: NetworkConfig{
			Interface: "eth0",
			IPRanges:  []IPRange{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
			Port:     9090,
		},
	}
}

// LoadConfig 載入配置檔
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("server")
		viper.SetConfigType("json")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/mbtimed/")
		viper.AddConfigPath("$HOME/.mbtimed/")
	}

	// 環境變數覆蓋
	viper.SetEnvPrefix("MBTIMED")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		// 配置檔不存在，使用預設值
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// Validate 驗證配置;配置錯誤是致命的，伺服器不會以壞配置啟動
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case TransportModeTCP:
		if c.Transport.Port < 1 || c.Transport.Port > 65535 {
			return fmt.Errorf("無效的埠號: %d", c.Transport.Port)
		}
	case TransportModeRTU:
		if c.Transport.Device == "" {
			return fmt.Errorf("RTU 模式必須指定序列埠裝置")
		}
		if c.Transport.BaudRate <= 0 {
			return fmt.Errorf("無效的鮑率: %d", c.Transport.BaudRate)
		}
		switch c.Transport.Parity {
		case "N", "E", "O":
		default:
			return fmt.Errorf("無效的同位元設定: %q (須為 N/E/O)", c.Transport.Parity)
		}
		if c.Transport.StopBits != 1 && c.Transport.StopBits != 2 {
			return fmt.Errorf("無效的停止位元: %d", c.Transport.StopBits)
		}
	default:
		return fmt.Errorf("無效的傳輸模式: %q (須為 tcp/rtu)", c.Transport.Mode)
	}

	if c.Server.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout 必須大於 0")
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("最大連線數必須大於 0")
	}
	if _, ok := ParseWordOrder(c.Server.WordOrder); !ok {
		return fmt.Errorf("無效的字組順序: %q (須為 abcd/cdab)", c.Server.WordOrder)
	}

	if len(c.Slaves) == 0 {
		return fmt.Errorf("至少要定義一個 Slave")
	}
	seen := make(map[uint8]bool)
	for _, s := range c.Slaves {
		if s.UnitID == BroadcastUnitID || s.UnitID > MaxUnitID {
			return fmt.Errorf("無效的 unit id: %d (有效範圍 1-%d)", s.UnitID, MaxUnitID)
		}
		if seen[s.UnitID] {
			return fmt.Errorf("unit id %d 重複定義", s.UnitID)
		}
		seen[s.UnitID] = true

		for name, size := range map[string]int{
			"coils":             s.Coils,
			"discrete_inputs":   s.DiscreteInputs,
			"input_registers":   s.InputRegisters,
			"holding_registers": s.HoldingRegisters,
		} {
			if size < 0 || size > 65536 {
				return fmt.Errorf("slave %d 的 %s 大小無效: %d", s.UnitID, name, size)
			}
		}
	}

	if c.Clock.Enabled {
		sc, ok := c.slaveConfig(c.Clock.UnitID)
		if !ok {
			return fmt.Errorf("時鐘應用指定的 unit id %d 未定義", c.Clock.UnitID)
		}
		if sc.InputRegisters < 8 || sc.HoldingRegisters < 2 || sc.Coils < 1 {
			return fmt.Errorf("時鐘應用需要至少 8 個輸入暫存器、2 個保持暫存器與 1 個線圈")
		}
	}

	for _, ipRange := range c.Network.IPRanges {
		if err := ipRange.Validate(); err != nil {
			return fmt.Errorf("IP 範圍驗證失敗: %w", err)
		}
	}

	return nil
}

// slaveConfig 取得指定 unit id 的 Slave 配置
func (c *Config) slaveConfig(unitID uint8) (SlaveConfig, bool) {
	for _, s := range c.Slaves {
		if s.UnitID == unitID {
			return s, true
		}
	}
	return SlaveConfig{}, false
}

// BindAddresses 回傳 TCP 模式要綁定的位址列表
// 有配置 IP 範圍時每個 IP 各綁一個 listener，否則綁單一監聽位址
func (c *Config) BindAddresses() []string {
	if len(c.Network.IPRanges) > 0 {
		if ips, err := c.ExpandIPRanges(); err == nil && len(ips) > 0 {
			addrs := make([]string, 0, len(ips))
			for _, ip := range ips {
				addrs = append(addrs, fmt.Sprintf("%s:%d", ip.String(), c.Transport.Port))
			}
			return addrs
		}
	}
	return []string{fmt.Sprintf("%s:%d", c.Transport.Listen, c.Transport.Port)}
}

// SaveConfig 儲存配置到檔案
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入配置檔失敗: %w", err)
	}

	return nil
}

// Validate 驗證 IP 範圍
func (r *IPRange) Validate() error {
	if r.CIDR != "" {
		_, _, err := net.ParseCIDR(r.CIDR)
		if err != nil {
			return fmt.Errorf("無效的 CIDR: %s", r.CIDR)
		}
		return nil
	}

	if r.Start == "" || r.End == "" {
		return fmt.Errorf("必須指定 Start 和 End 或 CIDR")
	}

	startIP := net.ParseIP(r.Start)
	if startIP == nil {
		return fmt.Errorf("無效的起始 IP: %s", r.Start)
	}

	endIP := net.ParseIP(r.End)
	if endIP == nil {
		return fmt.Errorf("無效的結束 IP: %s", r.End)
	}

	return nil
}

// ExpandIPRanges 展開所有 IP 範圍為 IP 列表
func (c *Config) ExpandIPRanges() ([]net.IP, error) {
	var ips []net.IP

	for _, r := range c.Network.IPRanges {
		rangeIPs, err := r.Expand()
		if err != nil {
			return nil, err
		}
		ips = append(ips, rangeIPs...)
	}

	return ips, nil
}

// Expand 展開 IP 範圍
func (r *IPRange) Expand() ([]net.IP, error) {
	if r.CIDR != "" {
		return expandCIDR(r.CIDR)
	}
	return expandRange(r.Start, r.End)
}

func expandCIDR(cidr string) ([]net.IP, error) {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for ip := ip.Mask(ipNet.Mask); ipNet.Contains(ip); incIP(ip) {
		ipCopy := make(net.IP, len(ip))
		copy(ipCopy, ip)
		ips = append(ips, ipCopy)
	}

	// 移除網路位址和廣播位址
	if len(ips) > 2 {
		ips = ips[1 : len(ips)-1]
	}

	return ips, nil
}

func expandRange(start, end string) ([]net.IP, error) {
	startIP := net.ParseIP(start).To4()
	endIP := net.ParseIP(end).To4()

	if startIP == nil || endIP == nil {
		return nil, fmt.Errorf("無效的 IP 範圍: %s - %s", start, end)
	}

	var ips []net.IP
	for ip := startIP; !ip.Equal(endIP); incIP(ip) {
		ipCopy := make(net.IP, len(ip))
		copy(ipCopy, ip)
		ips = append(ips, ipCopy)
	}
	// 包含結束 IP
	ipCopy := make(net.IP, len(endIP))
	copy(ipCopy, endIP)
	ips = append(ips, ipCopy)

	return ips, nil
}

func incIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	cfgFile   string
	debugFlag bool
	logger    *zap.Logger
	appConfig *Config
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "mbtimed",
	Short: "Modbus TCP/RTU 時間伺服器",
	Long: `將牆上時鐘以 Modbus 暫存器形式曝露的伺服器。
內建完整的 Modbus 協議引擎 (TCP/MBAP 與序列 RTU)，
時間每秒發布到輸入暫存器，GMT 偏移與日光節約可由客戶端寫入調整。`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 載入配置 (version 與 generate 不需要)
		if cmd.Name() != "version" && cmd.Name() != "help" && cmd.Name() != "generate" {
			var err error
			appConfig, err = LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			if debugFlag {
				appConfig.Debug = true
			}
		} else {
			appConfig = DefaultConfig()
		}

		// 初始化日誌
		var err error
		logger, err = initLogger(appConfig)
		if err != nil {
			return fmt.Errorf("初始化日誌失敗: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// startCmd 啟動命令
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "啟動時間伺服器",
	Long:  "綁定監聽資源並進入 poll 迴圈，直到收到關閉信號。",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 覆蓋 CLI 參數
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			appConfig.Transport.Port = port
		}
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			appConfig.Transport.Listen = listen
		}
		if mode, _ := cmd.Flags().GetString("mode"); mode != "" {
			appConfig.Transport.Mode = mode
		}
		if err := appConfig.Validate(); err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}

		// 需要時先配置別名 IP
		if appConfig.Network.AutoProvision && len(appConfig.Network.IPRanges) > 0 {
			provisioner := NewNetworkProvisioner(appConfig.Network.Interface, logger)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := provisioner.Setup(ctx, appConfig.Network.IPRanges); err != nil {
				return fmt.Errorf("配置別名 IP 失敗: %w", err)
			}
		}

		engine, err := NewEngine(appConfig, logger)
		if err != nil {
			return err
		}

		if err := engine.Open(); err != nil {
			return fmt.Errorf("啟動引擎失敗: %w", err)
		}

		logger.Info("時間伺服器已啟動",
			zap.String("mode", appConfig.Transport.Mode),
			zap.Int("port", appConfig.Transport.Port),
			zap.Int("slaves", engine.Registry().Count()),
		)

		// 信號只觸發 Close;資源釋放與迴圈結束由主迴圈自己觀察
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigChan
			logger.Info("收到關閉信號", zap.String("signal", sig.String()))
			engine.Close()
		}()

		// 指標收集器
		if appConfig.Metrics.Enabled {
			clockSlave, _ := engine.Registry().Lookup(appConfig.Clock.UnitID)
			metrics := NewMetricsCollector(engine, clockSlave, logger)
			if err := metrics.Start(appConfig.Metrics.Endpoint, appConfig.Metrics.Port); err != nil {
				logger.Warn("啟動指標伺服器失敗", zap.Error(err))
			}
		}

		pollTimeout := appConfig.Server.PollTimeout

		if appConfig.Clock.Enabled {
			app, err := NewClockApp(engine, appConfig.Clock.UnitID, logger)
			if err != nil {
				engine.Close()
				return err
			}
			if appConfig.Debug {
				app.PrintRegisterMap()
			}
			if err := app.Run(pollTimeout); err != nil {
				engine.Close()
				return err
			}
		} else {
			// 沒有時鐘應用時就只是個純 Modbus Slave 伺服器
			for engine.IsOpen() {
				if err := engine.Poll(pollTimeout); err != nil {
					break
				}
			}
		}

		engine.Close()
		logger.Info("時間伺服器已停止")
		return nil
	},
}

// networkCmd 網路命令組
var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "別名 IP 管理命令",
	Long:  "管理伺服器綁定用的別名 IP 位址。",
}

// networkSetupCmd 配置別名 IP
var networkSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "配置別名 IP",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyNetworkFlags(cmd)

		provisioner := NewNetworkProvisioner(appConfig.Network.Interface, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := provisioner.Setup(ctx, appConfig.Network.IPRanges); err != nil {
			return fmt.Errorf("配置別名 IP 失敗: %w", err)
		}

		fmt.Println("別名 IP 配置完成")
		return nil
	},
}

// networkTeardownCmd 移除別名 IP
var networkTeardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "移除別名 IP",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyNetworkFlags(cmd)

		provisioner := NewNetworkProvisioner(appConfig.Network.Interface, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := provisioner.Teardown(ctx); err != nil {
			return fmt.Errorf("移除別名 IP 失敗: %w", err)
		}

		fmt.Println("別名 IP 已移除")
		return nil
	},
}

// networkListCmd 列出別名 IP
var networkListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出介面上的 IP",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyNetworkFlags(cmd)

		provisioner := NewNetworkProvisioner(appConfig.Network.Interface, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ips, err := provisioner.List(ctx)
		if err != nil {
			return fmt.Errorf("列出 IP 失敗: %w", err)
		}

		if len(ips) == 0 {
			fmt.Println("介面上沒有 IPv4 位址")
			return nil
		}

		fmt.Printf("介面 %s 上的 IP (%d 個):\n", appConfig.Network.Interface, len(ips))
		for _, ip := range ips {
			fmt.Printf("  - %s\n", ip.String())
		}
		return nil
	},
}

// applyNetworkFlags 套用 network 命令組的共用參數
func applyNetworkFlags(cmd *cobra.Command) {
	if iface, _ := cmd.Flags().GetString("interface"); iface != "" {
		appConfig.Network.Interface = iface
	}
	startIP, _ := cmd.Flags().GetString("start")
	endIP, _ := cmd.Flags().GetString("end")
	cidr, _ := cmd.Flags().GetString("cidr")

	if cidr != "" {
		appConfig.Network.IPRanges = []IPRange{{CIDR: cidr}}
	} else if startIP != "" && endIP != "" {
		appConfig.Network.IPRanges = []IPRange{{Start: startIP, End: endIP}}
	}
}

// configCmd 配置命令組
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理命令",
}

// configValidateCmd 驗證配置
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "驗證配置檔",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}

		fmt.Println("配置驗證通過")
		fmt.Printf("  Mode: %s\n", cfg.Transport.Mode)
		if cfg.Transport.Mode == TransportModeTCP {
			fmt.Printf("  Listen: %s:%d\n", cfg.Transport.Listen, cfg.Transport.Port)
		} else {
			fmt.Printf("  Device: %s @ %d baud\n", cfg.Transport.Device, cfg.Transport.BaudRate)
		}
		fmt.Printf("  Slaves: %d\n", len(cfg.Slaves))
		fmt.Printf("  Clock: enabled=%v unit=%d\n", cfg.Clock.Enabled, cfg.Clock.UnitID)
		fmt.Printf("  Word order: %s\n", cfg.Server.WordOrder)
		return nil
	},
}

// configGenerateCmd 生成配置
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成範例配置",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = "server.json"
		}

		if err := DefaultConfig().SaveConfig(output); err != nil {
			return fmt.Errorf("生成配置失敗: %w", err)
		}

		fmt.Printf("範例配置已生成: %s\n", output)
		return nil
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "顯示版本資訊",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mbtimed version %s\n", Version)
		fmt.Printf("  Build: %s\n", BuildTime)
		fmt.Printf("  Commit: %s\n", GitCommit)
	},
}

func init() {
	// 全域 flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置檔路徑")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "啟用除錯輸出")

	// start 命令 flags
	startCmd.Flags().IntP("port", "p", 0, "監聽埠號")
	startCmd.Flags().StringP("listen", "l", "", "監聽位址")
	startCmd.Flags().StringP("mode", "m", "", "傳輸模式 (tcp/rtu)")

	// network 命令 flags
	for _, cmd := range []*cobra.Command{networkSetupCmd, networkTeardownCmd, networkListCmd} {
		cmd.Flags().StringP("interface", "i", "", "網路介面")
	}
	networkSetupCmd.Flags().String("start", "", "起始 IP")
	networkSetupCmd.Flags().String("end", "", "結束 IP")
	networkSetupCmd.Flags().String("cidr", "", "CIDR 表示法")

	// config 命令 flags
	configGenerateCmd.Flags().StringP("output", "o", "server.json", "輸出檔案路徑")

	// 組裝命令樹
	networkCmd.AddCommand(networkSetupCmd, networkTeardownCmd, networkListCmd)
	configCmd.AddCommand(configValidateCmd, configGenerateCmd)

	rootCmd.AddCommand(
		startCmd,
		networkCmd,
		configCmd,
		versionCmd,
	)
}

func initLogger(cfg *Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{"stdout"}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	if cfg != nil {
		if level, err := zapcore.ParseLevel(cfg.Logging.Level); err == nil {
			zcfg.Level = zap.NewAtomicLevelAt(level)
		}
		if cfg.Debug {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		if cfg.Logging.Format == "console" {
			zcfg.Encoding = "console"
		}
	}

	return zcfg.Build()
}

// Execute 執行 CLI
func Execute() error {
	return rootCmd.Execute()
}

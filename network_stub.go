//go:build !linux

package main

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// stubProvisioner 非 Linux 平台的模擬配置器:只記錄不實際配置
type stubProvisioner struct {
	baseProvisioner
}

func newPlatformProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return &stubProvisioner{
		baseProvisioner: baseProvisioner{
			interfaceName: interfaceName,
			logger:        logger,
		},
	}
}

// Setup 模擬配置別名 IP
func (p *stubProvisioner) Setup(ctx context.Context, ranges []IPRange) error {
	ips, err := p.expandRanges(ranges)
	if err != nil {
		return fmt.Errorf("展開 IP 範圍失敗: %w", err)
	}

	p.logger.Warn("別名 IP 配置僅在 Linux 上支援，使用模擬模式",
		zap.String("interface", p.interfaceName),
		zap.Int("count", len(ips)),
	)

	p.configured = ips
	return nil
}

// Teardown 模擬移除別名 IP
func (p *stubProvisioner) Teardown(ctx context.Context) error {
	p.logger.Warn("別名 IP 移除僅在 Linux 上支援，使用模擬模式",
		zap.Int("count", len(p.configured)),
	)

	p.configured = nil
	return nil
}

// List 列出本機 IPv4 位址與模擬配置的位址
func (p *stubProvisioner) List(ctx context.Context) ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("取得本地 IP 失敗: %w", err)
	}

	var ips []net.IP
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				ips = append(ips, ipNet.IP)
			}
		}
	}

	return append(ips, p.configured...), nil
}

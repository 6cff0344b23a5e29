package main

import (
	"context"
	"net"

	"go.uber.org/zap"
)

// NetworkProvisioner 虛擬 IP 配置器
// 讓單機在多個位址上曝露伺服器:每個綁定位址先在介面上配置別名 IP
type NetworkProvisioner interface {
	// Setup 在介面上配置 IP 範圍展開後的所有位址
	Setup(ctx context.Context, ranges []IPRange) error

	// Teardown 移除先前配置的位址
	Teardown(ctx context.Context) error

	// List 列出介面上目前的 IPv4 位址
	List(ctx context.Context) ([]net.IP, error)
}

// NewNetworkProvisioner 建立平台對應的配置器
// 實際配置只在 Linux (netlink) 上支援，其他平台為模擬實作
func NewNetworkProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return newPlatformProvisioner(interfaceName, logger)
}

// baseProvisioner 各平台共用的狀態與驗證
type baseProvisioner struct {
	interfaceName string
	logger        *zap.Logger
	configured    []net.IP
}

// expandRanges 驗證並展開所有 IP 範圍
func (p *baseProvisioner) expandRanges(ranges []IPRange) ([]net.IP, error) {
	var all []net.IP
	for _, r := range ranges {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		ips, err := r.Expand()
		if err != nil {
			return nil, err
		}
		all = append(all, ips...)
	}
	return all, nil
}

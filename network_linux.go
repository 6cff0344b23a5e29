//go:build linux

package main

import (
	"context"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// linuxProvisioner 以 netlink 在介面上增減別名 IP
type linuxProvisioner struct {
	baseProvisioner
}

func newPlatformProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return &linuxProvisioner{
		baseProvisioner: baseProvisioner{
			interfaceName: interfaceName,
			logger:        logger,
		},
	}
}

// Setup 配置別名 IP;個別位址失敗只記錄警告，已存在的位址視為成功
func (p *linuxProvisioner) Setup(ctx context.Context, ranges []IPRange) error {
	link, err := netlink.LinkByName(p.interfaceName)
	if err != nil {
		return fmt.Errorf("找不到網路介面 %s: %w", p.interfaceName, err)
	}

	ips, err := p.expandRanges(ranges)
	if err != nil {
		return fmt.Errorf("展開 IP 範圍失敗: %w", err)
	}

	p.logger.Info("正在配置別名 IP",
		zap.String("interface", p.interfaceName),
		zap.Int("count", len(ips)),
	)

	configured := 0
	for _, ip := range ips {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		addr := &netlink.Addr{
			IPNet: &net.IPNet{IP: ip, Mask: net.CIDRMask(32, 32)},
		}

		if err := netlink.AddrAdd(link, addr); err != nil {
			if err.Error() == "file exists" {
				configured++
				p.configured = append(p.configured, ip)
				continue
			}
			p.logger.Warn("配置 IP 失敗",
				zap.String("ip", ip.String()),
				zap.Error(err),
			)
			continue
		}

		configured++
		p.configured = append(p.configured, ip)
	}

	p.logger.Info("別名 IP 配置完成",
		zap.Int("configured", configured),
		zap.Int("total", len(ips)),
	)

	return nil
}

// Teardown 移除先前配置的別名 IP
func (p *linuxProvisioner) Teardown(ctx context.Context) error {
	link, err := netlink.LinkByName(p.interfaceName)
	if err != nil {
		return fmt.Errorf("找不到網路介面 %s: %w", p.interfaceName, err)
	}

	removed := 0
	for _, ip := range p.configured {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		addr := &netlink.Addr{
			IPNet: &net.IPNet{IP: ip, Mask: net.CIDRMask(32, 32)},
		}

		if err := netlink.AddrDel(link, addr); err != nil {
			p.logger.Warn("移除 IP 失敗",
				zap.String("ip", ip.String()),
				zap.Error(err),
			)
			continue
		}
		removed++
	}

	p.configured = nil
	p.logger.Info("別名 IP 移除完成", zap.Int("removed", removed))

	return nil
}

// List 列出介面上目前的 IPv4 位址
func (p *linuxProvisioner) List(ctx context.Context) ([]net.IP, error) {
	link, err := netlink.LinkByName(p.interfaceName)
	if err != nil {
		return nil, fmt.Errorf("找不到網路介面 %s: %w", p.interfaceName, err)
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("列出 IP 失敗: %w", err)
	}

	var ips []net.IP
	for _, addr := range addrs {
		ips = append(ips, addr.IP)
	}

	return ips, nil
}

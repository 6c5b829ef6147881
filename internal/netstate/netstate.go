// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package netstate reports whether the host network is up.
package netstate

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// Provider reports network availability.
type Provider interface {
	IsConnected() bool
	CurrentAddress() (net.IP, bool)
}

// InterfaceProvider inspects host interfaces. With an empty Name the first
// up, non-loopback interface with an IPv4 address counts.
type InterfaceProvider struct {
	Name string
}

func (p *InterfaceProvider) IsConnected() bool {
	_, ok := p.CurrentAddress()
	return ok
}

func (p *InterfaceProvider) CurrentAddress() (net.IP, bool) {
	ifaces, err := net.Interfaces()
	if err != nil {
		slog.Debug("Failed to list network interfaces", "err", err)
		return nil, false
	}
	for _, iface := range ifaces {
		if p.Name != "" && iface.Name != p.Name {
			continue
		}
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if p.Name == "" && iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4, true
			}
		}
	}
	return nil, false
}

// Static is always connected.
type Static struct {
	IP net.IP
}

func (s Static) IsConnected() bool { return true }

func (s Static) CurrentAddress() (net.IP, bool) {
	return s.IP, s.IP != nil
}

// WaitConnected polls p every interval until it reports a connection or
// ctx is done.
func WaitConnected(ctx context.Context, p Provider, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logged := false
	for !p.IsConnected() {
		if !logged {
			slog.Info("Waiting for network")
			logged = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	if ip, ok := p.CurrentAddress(); ok {
		slog.Info("Network is up", "address", ip)
	}
	return nil
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package netstate

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

type flakyProvider struct {
	calls     atomic.Int32
	connectAt int32
}

func (f *flakyProvider) IsConnected() bool {
	return f.calls.Add(1) >= f.connectAt
}

func (f *flakyProvider) CurrentAddress() (net.IP, bool) {
	return net.IPv4(10, 0, 0, 2), true
}

func TestWaitConnected(t *testing.T) {
	p := &flakyProvider{connectAt: 3}
	if err := WaitConnected(context.Background(), p, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if got := p.calls.Load(); got != 3 {
		t.Errorf("polled %d times, want 3", got)
	}
}

func TestWaitConnected_Cancel(t *testing.T) {
	p := &flakyProvider{connectAt: 1 << 30}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := WaitConnected(ctx, p, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestStatic(t *testing.T) {
	s := Static{IP: net.IPv4(192, 168, 1, 10)}
	if !s.IsConnected() {
		t.Error("static provider must be connected")
	}
	if ip, ok := s.CurrentAddress(); !ok || !ip.Equal(net.IPv4(192, 168, 1, 10)) {
		t.Errorf("unexpected address %v %v", ip, ok)
	}
	if _, ok := (Static{}).CurrentAddress(); ok {
		t.Error("empty static provider must not report an address")
	}
}

func TestInterfaceProvider_Loopback(t *testing.T) {
	ifaces, err := net.Interfaces()
	if err != nil {
		t.Skip(err)
	}
	var lo string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 && iface.Flags&net.FlagUp != 0 {
			lo = iface.Name
			break
		}
	}
	if lo == "" {
		t.Skip("no loopback interface")
	}

	p := &InterfaceProvider{Name: lo}
	ip, ok := p.CurrentAddress()
	if !ok || !ip.IsLoopback() {
		t.Errorf("expected loopback address on %s, got %v %v", lo, ip, ok)
	}
	if !p.IsConnected() {
		t.Error("named loopback interface must count as connected")
	}
}

func TestInterfaceProvider_Missing(t *testing.T) {
	p := &InterfaceProvider{Name: "does-not-exist0"}
	if p.IsConnected() {
		t.Error("missing interface must not be connected")
	}
}

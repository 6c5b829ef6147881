// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	goburrow "github.com/goburrow/modbus"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/modbus-rtu-bridge/internal/config"
	"github.com/ffutop/modbus-rtu-bridge/internal/netstate"
	"github.com/ffutop/modbus-rtu-bridge/internal/simulator"
	"github.com/ffutop/modbus-rtu-bridge/modbus"
	"github.com/ffutop/modbus-rtu-bridge/transport/local"
	"github.com/ffutop/modbus-rtu-bridge/transport/rtu"
)

type fixture struct {
	gw    *Gateway
	slave *simulator.Slave
	local *local.Client
	polls []error
}

func newFixture(t *testing.T, mode string, registers int, seed []uint16) *fixture {
	t.Helper()
	cfg := &config.Config{
		Tcp: config.TcpConfig{
			Address:       "127.0.0.1:0",
			AcceptTimeout: 10 * time.Millisecond,
			ReadTimeout:   200 * time.Millisecond,
		},
		Bridge: config.BridgeConfig{
			Mode:         mode,
			Registers:    registers,
			PollInterval: time.Hour,
			TickDelay:    time.Millisecond,
		},
	}

	f := &fixture{slave: simulator.NewSlave(1, seed)}
	master := rtu.NewMasterWithOpener(func(ctx context.Context) (rtu.Port, error) {
		return f.slave, nil
	})
	master.Timeout = 10 * time.Millisecond
	master.RetryBackoff = time.Millisecond

	lc, err := local.NewClient(cfg.Store, registers)
	require.NoError(t, err)

	f.local = lc
	f.gw = NewGateway(cfg, master, lc)
	f.gw.Network = netstate.Static{IP: net.IPv4(127, 0, 0, 1)}
	f.gw.OnPoll = func(err error) { f.polls = append(f.polls, err) }

	require.NoError(t, f.gw.Listen(context.Background()))
	t.Cleanup(func() {
		f.gw.Close()
		lc.Close()
	})
	return f
}

// exchange sends req from a fresh client, runs one tick so the gateway
// accepts and answers it, and returns everything the client received.
func (f *fixture) exchange(t *testing.T, req []byte) []byte {
	t.Helper()
	conn, err := net.Dial("tcp", f.gw.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(req)
	require.NoError(t, err)
	require.NoError(t, f.gw.Tick(context.Background()))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	return resp
}

func readRequest(transID uint16, address, quantity uint16) []byte {
	return []byte{
		byte(transID >> 8), byte(transID), 0x00, 0x00, 0x00, 0x06, 0x01,
		0x03, byte(address >> 8), byte(address), byte(quantity >> 8), byte(quantity),
	}
}

func TestGateway_CachedEndToEnd(t *testing.T) {
	f := newFixture(t, config.ModeCached, 3, []uint16{10, 20, 30})

	// The first tick polls.
	require.NoError(t, f.gw.Tick(context.Background()))
	require.Len(t, f.polls, 1)
	require.NoError(t, f.polls[0])
	assert.Equal(t, []uint16{10, 20, 30}, f.local.Store().Snapshot())

	resp := f.exchange(t, readRequest(7, 0, 3))
	want := []byte{0x00, 0x07, 0x00, 0x00, 0x00, 0x09, 0x01, 0x03, 0x06, 0x00, 0x0A, 0x00, 0x14, 0x00, 0x1E}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}

	// Served from the store: the slave saw only the poll.
	assert.Equal(t, 1, f.slave.Requests())
	assert.Len(t, f.polls, 1, "poll interval has not elapsed")
}

func TestGateway_CachedOutOfRange(t *testing.T) {
	f := newFixture(t, config.ModeCached, 3, nil)

	resp := f.exchange(t, readRequest(1, 2, 2))
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x03, 0x01, 0x83, 0x02}, resp)
}

func TestGateway_FailedPollKeepsSnapshot(t *testing.T) {
	f := newFixture(t, config.ModeCached, 3, []uint16{10, 20, 30})
	f.gw.PollInterval = 0

	require.NoError(t, f.gw.Tick(context.Background()))
	require.NoError(t, f.polls[0])

	require.NoError(t, f.slave.Model().WriteRegisters(0, []uint16{11, 21, 31}))
	f.slave.DropResponses(1000)
	require.NoError(t, f.gw.Tick(context.Background()))
	require.Len(t, f.polls, 2)
	assert.True(t, errors.Is(f.polls[1], modbus.ErrNoResponse), "got %v", f.polls[1])
	assert.Equal(t, []uint16{10, 20, 30}, f.local.Store().Snapshot())

	resp := f.exchange(t, readRequest(2, 0, 3))
	assert.Equal(t, []byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x09, 0x01, 0x03, 0x06, 0x00, 0x0A, 0x00, 0x14, 0x00, 0x1E}, resp)

	f.slave.DropResponses(0)
	require.NoError(t, f.gw.Tick(context.Background()))
	assert.Equal(t, []uint16{11, 21, 31}, f.local.Store().Snapshot())
}

func TestGateway_RetryMasksSingleFailure(t *testing.T) {
	f := newFixture(t, config.ModeCached, 2, []uint16{5, 6})
	f.slave.CorruptResponses(1)

	require.NoError(t, f.gw.Tick(context.Background()))
	require.NoError(t, f.polls[0])
	assert.Equal(t, []uint16{5, 6}, f.local.Store().Snapshot())
	assert.Equal(t, 2, f.slave.Requests())
}

func TestGateway_Passthrough(t *testing.T) {
	f := newFixture(t, config.ModePassthrough, 4, []uint16{1, 2, 3, 4})

	resp := f.exchange(t, readRequest(3, 1, 2))
	assert.Equal(t, []byte{0x00, 0x03, 0x00, 0x00, 0x00, 0x07, 0x01, 0x03, 0x04, 0x00, 0x02, 0x00, 0x03}, resp)
	assert.Empty(t, f.polls, "passthrough mode never polls")
	assert.Equal(t, 1, f.slave.Requests())

	f.slave.DropResponses(1000)
	resp = f.exchange(t, readRequest(4, 0, 1))
	assert.Equal(t, []byte{0x00, 0x04, 0x00, 0x00, 0x00, 0x03, 0x01, 0x83, 0x0B}, resp)
}

func TestGateway_ServeWithModbusClient(t *testing.T) {
	f := newFixture(t, config.ModeCached, 3, []uint16{0x0102, 0x0304, 0x0506})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.gw.Serve(ctx) }()

	handler := goburrow.NewTCPClientHandler(f.gw.Addr().String())
	handler.Timeout = time.Second
	handler.SlaveId = 1

	// Each connection carries one request; poll until the first refresh landed.
	var results []byte
	require.Eventually(t, func() bool {
		defer handler.Close()
		r, err := goburrow.NewClient(handler).ReadHoldingRegisters(0, 3)
		results = r
		return err == nil && results[0] != 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, results)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not stop on cancel")
	}
}

func TestGateway_BindFailure(t *testing.T) {
	f := newFixture(t, config.ModeCached, 1, nil)

	other := NewGateway(&config.Config{
		Tcp:    config.TcpConfig{Address: f.gw.Addr().String()},
		Bridge: config.BridgeConfig{Mode: config.ModeCached, Registers: 1},
	}, nil, f.local)
	other.Network = nil

	err := other.Start(context.Background())
	var sockErr *modbus.SocketError
	require.True(t, errors.As(err, &sockErr), "got %v", err)
	assert.Equal(t, "bind", sockErr.Op)
}

type offline struct{}

func (offline) IsConnected() bool              { return false }
func (offline) CurrentAddress() (net.IP, bool) { return nil, false }

func TestGateway_WaitsForNetwork(t *testing.T) {
	g := NewGateway(&config.Config{
		Tcp:    config.TcpConfig{Address: "127.0.0.1:0"},
		Bridge: config.BridgeConfig{Mode: config.ModeCached, Registers: 1},
	}, nil, nil)
	g.Network = offline{}
	g.NetworkCheckInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Listen(ctx), context.DeadlineExceeded)
	assert.Nil(t, g.Addr())
}

func TestGateway_StartCanceledWhileWaitingForNetwork(t *testing.T) {
	g := NewGateway(&config.Config{
		Tcp:    config.TcpConfig{Address: "127.0.0.1:0"},
		Bridge: config.BridgeConfig{Mode: config.ModeCached, Registers: 1},
	}, nil, nil)
	g.Network = offline{}
	g.NetworkCheckInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	assert.NoError(t, g.Start(ctx))
	assert.Nil(t, g.Addr())
}

func TestGateway_TickAfterClose(t *testing.T) {
	f := newFixture(t, config.ModeCached, 1, nil)
	f.gw.Close()

	var sockErr *modbus.SocketError
	assert.True(t, errors.As(f.gw.Tick(context.Background()), &sockErr))
}

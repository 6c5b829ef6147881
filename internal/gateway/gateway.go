// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/ffutop/modbus-rtu-bridge/internal/config"
	"github.com/ffutop/modbus-rtu-bridge/internal/netstate"
	"github.com/ffutop/modbus-rtu-bridge/modbus"
	"github.com/ffutop/modbus-rtu-bridge/transport"
	"github.com/ffutop/modbus-rtu-bridge/transport/local"
	"github.com/ffutop/modbus-rtu-bridge/transport/tcp"
)

// Gateway bridges one RTU slave to Modbus TCP clients.
// Polling and client handling run on the caller's goroutine, one at a time.
type Gateway struct {
	Mode          string
	Address       string
	Registers     int
	AcceptTimeout time.Duration
	PollInterval  time.Duration
	TickDelay     time.Duration

	Network              netstate.Provider
	NetworkCheckInterval time.Duration

	// Responder answers TCP clients; its reader depends on Mode.
	Responder *tcp.Responder

	// OnPoll, when set, is called with the outcome of every register refresh.
	OnPoll func(err error)

	master transport.RegisterReader
	local  *local.Client

	listener *net.TCPListener
	lastPoll time.Time
	polled   bool
}

// NewGateway creates a Gateway. In cached mode TCP reads are served from
// the local register store refreshed by polling master; in passthrough
// mode every TCP read is forwarded to master.
func NewGateway(cfg *config.Config, master transport.RegisterReader, lc *local.Client) *Gateway {
	g := &Gateway{
		Mode:                 cfg.Bridge.Mode,
		Address:              cfg.Tcp.Address,
		Registers:            cfg.Bridge.Registers,
		AcceptTimeout:        cfg.Tcp.AcceptTimeout,
		PollInterval:         cfg.Bridge.PollInterval,
		TickDelay:            cfg.Bridge.TickDelay,
		Network:              &netstate.InterfaceProvider{Name: cfg.Network.Interface},
		NetworkCheckInterval: cfg.Network.CheckInterval,
		master:               master,
		local:                lc,
	}

	var reader transport.RegisterReader = lc
	if g.Mode == config.ModePassthrough {
		reader = master
	}
	g.Responder = tcp.NewResponder(reader, g.Registers, cfg.Tcp.ReadTimeout)
	return g
}

// Start binds the listener and runs ticks until ctx is done. Bind failures
// are returned; the caller escalates them. Cancellation, even while waiting
// for the network, is a clean stop.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.Listen(ctx); err != nil {
		if ctx.Err() != nil {
			slog.Info("Gateway stopped before listening")
			return nil
		}
		return err
	}
	return g.Serve(ctx)
}

// Listen waits for the network and binds the TCP listener.
func (g *Gateway) Listen(ctx context.Context) error {
	if g.Network != nil {
		if err := netstate.WaitConnected(ctx, g.Network, g.NetworkCheckInterval); err != nil {
			return err
		}
	}

	addr, err := net.ResolveTCPAddr("tcp", g.Address)
	if err != nil {
		return &modbus.SocketError{Op: "bind", Err: err}
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return &modbus.SocketError{Op: "bind", Err: fmt.Errorf("failed to listen on %s: %w", g.Address, err)}
	}
	g.listener = listener
	slog.Info("Modbus TCP server listening", "addr", listener.Addr(), "mode", g.Mode, "registers", g.Registers)
	return nil
}

// Addr returns the bound listener address.
func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Serve runs ticks until ctx is done, then closes the listener.
func (g *Gateway) Serve(ctx context.Context) error {
	defer g.Close()

	for {
		if err := g.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				slog.Info("Gateway stopped")
				return nil
			}
			return err
		}
	}
}

// Close closes the listener.
func (g *Gateway) Close() error {
	if g.listener == nil {
		return nil
	}
	err := g.listener.Close()
	g.listener = nil
	return err
}

// Tick runs one scheduler step: a bounded accept (handling the client to
// completion), a poll when due, then a short sleep.
func (g *Gateway) Tick(ctx context.Context) error {
	if g.listener == nil {
		return &modbus.SocketError{Op: "accept", Err: net.ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := g.listener.SetDeadline(time.Now().Add(g.AcceptTimeout)); err != nil {
		return &modbus.SocketError{Op: "accept", Err: err}
	}
	conn, err := g.listener.Accept()
	switch {
	case err == nil:
		g.Responder.HandleConnection(ctx, conn)
	case errors.Is(err, os.ErrDeadlineExceeded):
	case errors.Is(err, net.ErrClosed):
		return &modbus.SocketError{Op: "accept", Err: err}
	default:
		slog.Warn("Failed to accept connection", "err", &modbus.SocketError{Op: "accept", Err: err})
	}

	if g.Mode != config.ModePassthrough && g.pollDue() {
		g.Poll(ctx)
	}

	if g.TickDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(g.TickDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (g *Gateway) pollDue() bool {
	return !g.polled || time.Since(g.lastPoll) >= g.PollInterval
}

// Poll refreshes the register store from the RTU slave. On failure the
// store keeps its previous values.
func (g *Gateway) Poll(ctx context.Context) error {
	g.polled = true
	g.lastPoll = time.Now()

	values, err := g.master.ReadHoldingRegisters(ctx, 0, uint16(g.Registers))
	if g.OnPoll != nil {
		g.OnPoll(err)
	}
	if err != nil {
		slog.Warn("Register refresh failed, serving previous values", "err", err)
		return err
	}
	n := g.local.Store().Update(values)
	slog.Debug("Registers refreshed", "count", n)
	return nil
}

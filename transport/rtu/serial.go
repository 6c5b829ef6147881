// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/grid-x/serial"
	bugst "go.bug.st/serial"

	"github.com/ffutop/modbus-rtu-bridge/internal/config"
	"github.com/ffutop/modbus-rtu-bridge/internal/simulator"
)

const (
	// Default timeout
	serialTimeout     = 500 * time.Millisecond
	serialIdleTimeout = 60 * time.Second
)

// Port is the byte stream to the RTU bus.
type Port io.ReadWriteCloser

// Optional port capabilities.
type (
	// go.bug.st/serial
	inputResetter interface {
		ResetInputBuffer() error
	}
	drainer interface {
		Drain() error
	}
	readTimeoutSetter interface {
		SetReadTimeout(t time.Duration) error
	}
	rtsSetter interface {
		SetRTS(rts bool) error
	}

	// net.Conn
	readDeadlineSetter interface {
		SetReadDeadline(t time.Time) error
	}
)

// Opener opens the port behind a serialPort.
type Opener func(ctx context.Context) (Port, error)

// NewOpener returns the opener for the configured driver.
func NewOpener(cfg config.SerialConfig) (Opener, error) {
	switch cfg.Driver {
	case config.DriverGridX, "":
		return func(ctx context.Context) (Port, error) {
			return openGridX(cfg)
		}, nil
	case config.DriverBugst:
		return func(ctx context.Context) (Port, error) {
			return openBugst(cfg)
		}, nil
	case config.DriverTCP:
		return func(ctx context.Context) (Port, error) {
			return dialTCP(ctx, cfg)
		}, nil
	case config.DriverSimulator:
		return simulatorOpener(simulator.NewSlave(byte(cfg.SlaveID), cfg.Simulator.Registers)), nil
	default:
		return nil, fmt.Errorf("unknown serial driver: %s", cfg.Driver)
	}
}

func openGridX(cfg config.SerialConfig) (Port, error) {
	c := &serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.Timeout,
		RS485: serial.RS485Config{
			Enabled:            cfg.RS485,
			DelayRtsBeforeSend: cfg.DelayRtsBeforeSend,
			DelayRtsAfterSend:  cfg.DelayRtsAfterSend,
			RtsHighDuringSend:  cfg.RtsHighDuringSend,
			RtsHighAfterSend:   cfg.RtsHighAfterSend,
			RxDuringTx:         cfg.RxDuringTx,
		},
	}
	if c.Timeout <= 0 {
		c.Timeout = serialTimeout
	}
	port, err := serial.Open(c)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", cfg.Device, err)
	}
	return port, nil
}

func openBugst(cfg config.SerialConfig) (Port, error) {
	mode := &bugst.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	switch cfg.Parity {
	case "E":
		mode.Parity = bugst.EvenParity
	case "O":
		mode.Parity = bugst.OddParity
	}
	if cfg.StopBits == 2 {
		mode.StopBits = bugst.TwoStopBits
	}
	port, err := bugst.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", cfg.Device, err)
	}
	return port, nil
}

// dialTCP connects to a serial device server that forwards raw RTU frames.
func dialTCP(ctx context.Context, cfg config.SerialConfig) (Port, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = serialTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", cfg.Device, err)
	}
	return conn, nil
}

// simulatorOpener hands out one slave for the lifetime of the master so its
// registers survive reconnects.
func simulatorOpener(sim *simulator.Slave) Opener {
	return func(ctx context.Context) (Port, error) {
		return &simulatorPort{Slave: sim}, nil
	}
}

// simulatorPort keeps Close from tearing down the shared simulated slave.
type simulatorPort struct {
	*simulator.Slave
}

func (p *simulatorPort) Close() error {
	return p.Slave.ResetInputBuffer()
}

// serialPort has configuration and I/O controller.
type serialPort struct {
	open Opener

	IdleTimeout time.Duration

	mu sync.Mutex
	// port is platform-dependent data structure for serial port.
	port         Port
	lastActivity time.Time
	closeTimer   *time.Timer
}

func (sp *serialPort) Connect(ctx context.Context) (err error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	return sp.connect(ctx)
}

// connect connects to the serial port if it is not connected. Caller must hold the mutex.
func (sp *serialPort) connect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if sp.port == nil {
		port, err := sp.open(ctx)
		if err != nil {
			return err
		}
		sp.port = port
	}
	return nil
}

func (sp *serialPort) Close() (err error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.closeTimer != nil {
		sp.closeTimer.Stop()
	}
	return sp.close()
}

// close closes the serial port if it is connected. Caller must hold the mutex.
func (sp *serialPort) close() (err error) {
	if sp.port != nil {
		err = sp.port.Close()
		sp.port = nil
	}
	return
}

func (sp *serialPort) startCloseTimer() {
	if sp.IdleTimeout <= 0 {
		return
	}
	if sp.closeTimer == nil {
		sp.closeTimer = time.AfterFunc(sp.IdleTimeout, sp.closeIdle)
	} else {
		sp.closeTimer.Reset(sp.IdleTimeout)
	}
}

// closeIdle closes the connection if last activity is passed behind IdleTimeout.
func (sp *serialPort) closeIdle() {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.IdleTimeout <= 0 {
		return
	}

	if idle := time.Since(sp.lastActivity); idle >= sp.IdleTimeout {
		slog.Debug("modbus: closing port due to idle timeout", "idle", idle)
		sp.close()
	}
}

// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/ffutop/modbus-rtu-bridge/internal/config"
	"github.com/ffutop/modbus-rtu-bridge/internal/simulator"
	"github.com/ffutop/modbus-rtu-bridge/modbus"
	rtupacket "github.com/ffutop/modbus-rtu-bridge/modbus/rtu"
)

const (
	defaultRetries      = 3
	defaultRetryBackoff = 100 * time.Millisecond

	// flushWindow bounds the stale-input discard on ports without ResetInputBuffer.
	flushWindow = time.Millisecond
)

// Master is a Modbus RTU master for a single slave on a half-duplex bus.
// Only one transaction is in flight at a time.
type Master struct {
	serialPort

	SlaveID      byte
	Retries      int
	RetryBackoff time.Duration

	// Timeout is the base response window; CharTimeout is added per expected byte.
	Timeout     time.Duration
	CharTimeout time.Duration
	BaudRate    int

	// Applied around the write when the master drives the direction line.
	DelayBeforeSend time.Duration
	DelayAfterSend  time.Duration

	// OnAttempt, when set, is called with the outcome of every attempt.
	OnAttempt func(err error)

	direction    DirectionControl
	directionFor func(port Port) (DirectionControl, error)
}

// NewMaster allocates a RTU master for cfg. The port is opened on Connect
// or on the first transaction.
func NewMaster(cfg config.SerialConfig) (*Master, error) {
	open, err := NewOpener(cfg)
	if err != nil {
		return nil, err
	}
	return newMaster(cfg, open), nil
}

// NewSimulatedMaster allocates a RTU master for cfg talking to slave
// instead of the configured driver.
func NewSimulatedMaster(cfg config.SerialConfig, slave *simulator.Slave) *Master {
	return newMaster(cfg, simulatorOpener(slave))
}

func newMaster(cfg config.SerialConfig, open Opener) *Master {
	m := NewMasterWithOpener(open)
	m.SlaveID = byte(cfg.SlaveID)
	if cfg.Retries > 0 {
		m.Retries = cfg.Retries
	}
	if cfg.RetryBackoff > 0 {
		m.RetryBackoff = cfg.RetryBackoff
	}
	if cfg.Timeout > 0 {
		m.Timeout = cfg.Timeout
	}
	m.CharTimeout = cfg.CharTimeout
	m.BaudRate = cfg.BaudRate

	direction := cfg.Direction
	m.directionFor = func(port Port) (DirectionControl, error) {
		return newDirectionControl(direction, port)
	}
	// The kernel applies its own RS485 delays.
	if direction.Mode == config.DirectionRTS || direction.Mode == config.DirectionGPIO {
		m.DelayBeforeSend = cfg.DelayRtsBeforeSend
		m.DelayAfterSend = cfg.DelayRtsAfterSend
	}
	return m
}

// NewMasterWithOpener allocates a RTU master with default settings on top of
// an arbitrary port opener.
func NewMasterWithOpener(open Opener) *Master {
	m := &Master{
		SlaveID:      1,
		Retries:      defaultRetries,
		RetryBackoff: defaultRetryBackoff,
		Timeout:      serialTimeout,
	}
	m.open = open
	m.IdleTimeout = serialIdleTimeout
	return m
}

// SetDirection overrides the direction control derived from configuration.
func (m *Master) SetDirection(dc DirectionControl) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.direction = dc
	m.directionFor = nil
}

// Connect opens the port now so that construction failures surface at startup.
func (m *Master) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connect(ctx)
}

func (m *Master) connect(ctx context.Context) error {
	fresh := m.port == nil
	if err := m.serialPort.connect(ctx); err != nil {
		return err
	}
	if fresh && m.directionFor != nil {
		dc, err := m.directionFor(m.port)
		if err != nil {
			m.close()
			return err
		}
		m.direction = dc
	}
	if m.direction == nil {
		m.direction = noDirection{}
	}
	return nil
}

// ReadHoldingRegisters reads quantity registers starting at address,
// retrying up to Retries attempts. After the last attempt the last failure
// is returned: modbus.ErrNoResponse, modbus.ErrCRCMismatch,
// modbus.ErrMalformedFrame or *modbus.ExceptionError.
func (m *Master) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	request, err := rtupacket.ReadHoldingRegistersRequest(m.SlaveID, address, quantity)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	retries := m.Retries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, m.RetryBackoff); err != nil {
				return nil, err
			}
		}

		values, err := m.transaction(ctx, request, quantity)
		if m.OnAttempt != nil {
			m.OnAttempt(err)
		}
		if err == nil {
			return values, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
		slog.Warn("RTU transaction failed", "slave", m.SlaveID, "attempt", attempt, "retries", retries, "err", err)
	}
	return nil, lastErr
}

// transaction runs a single request/response exchange. Caller must hold the mutex.
func (m *Master) transaction(ctx context.Context, request []byte, quantity uint16) ([]uint16, error) {
	if err := m.connect(ctx); err != nil {
		return nil, err
	}
	m.lastActivity = time.Now()
	m.startCloseTimer()

	m.flush()

	slog.Debug("send to modbus slave", "request", hex.EncodeToString(request))
	if err := m.send(ctx, request); err != nil {
		m.closeStream()
		return nil, err
	}

	expected := rtupacket.ReadHoldingRegistersResponseLength(quantity)
	response, err := m.collect(ctx, expected)
	slog.Debug("recv from modbus slave", "response", hex.EncodeToString(response))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// A broken stream resynchronises on reconnect.
		m.closeStream()
		if len(response) == 0 {
			return nil, fmt.Errorf("%w: %v", modbus.ErrNoResponse, err)
		}
	}

	return rtupacket.DecodeReadHoldingRegistersResponse(m.SlaveID, quantity, response)
}

// closeStream drops network connections after an I/O failure. Serial
// devices are kept open.
func (m *Master) closeStream() {
	if _, ok := m.port.(net.Conn); ok {
		m.close()
	}
}

// flush discards bytes left over from an earlier, late response.
func (m *Master) flush() {
	switch p := m.port.(type) {
	case inputResetter:
		if err := p.ResetInputBuffer(); err != nil {
			slog.Debug("modbus: failed to reset input buffer", "err", err)
		}
	case readDeadlineSetter:
		if err := p.SetReadDeadline(time.Now().Add(flushWindow)); err != nil {
			return
		}
		buf := make([]byte, rtupacket.MaxSize)
		for {
			n, err := m.port.Read(buf)
			if n > 0 {
				slog.Debug("modbus: discarded stale input", "bytes", hex.EncodeToString(buf[:n]))
			}
			if err != nil || n == 0 {
				return
			}
		}
	}
}

// send puts the request on the bus. The direction line is always returned
// to receive, even when the write fails.
func (m *Master) send(ctx context.Context, request []byte) (err error) {
	if err = m.direction.Transmit(); err != nil {
		return err
	}
	defer func() {
		if rerr := m.direction.Receive(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	if err = sleep(ctx, m.DelayBeforeSend); err != nil {
		return err
	}
	if _, err = m.port.Write(request); err != nil {
		return fmt.Errorf("modbus: failed to write request: %w", err)
	}
	if Manual(m.direction) {
		if d, ok := m.port.(drainer); ok {
			if err = d.Drain(); err != nil {
				return fmt.Errorf("modbus: failed to drain request: %w", err)
			}
		} else if err = sleep(ctx, m.transmitTime(len(request))); err != nil {
			return err
		}
	}
	return sleep(ctx, m.DelayAfterSend)
}

// collect reads until expected bytes arrived (five once the slave answered
// with an exception), a read reports no data or the response window closed.
// Leading bytes that cannot start the response are skipped, which also
// covers ports that cannot be flushed.
// A non-nil error means the stream failed; a short read is not an error.
func (m *Master) collect(ctx context.Context, expected int) ([]byte, error) {
	deadline := time.Now().Add(m.Timeout + time.Duration(expected)*m.CharTimeout)
	if d, ok := m.port.(readDeadlineSetter); ok {
		if err := d.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
	}

	want := expected
	data := make([]byte, 0, rtupacket.MaxSize)
	buf := make([]byte, rtupacket.MaxSize)
	for len(data) < want {
		if err := ctx.Err(); err != nil {
			return data, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if t, ok := m.port.(readTimeoutSetter); ok {
			if err := t.SetReadTimeout(remaining); err != nil {
				return data, err
			}
		}

		n, err := m.port.Read(buf[:want-len(data)])
		data = append(data, buf[:n]...)
		// Line noise or the tail of a late frame ahead of the response.
		if i := rtupacket.FrameStart(m.SlaveID, data); i > 0 {
			slog.Debug("modbus: skipped bytes before response", "bytes", hex.EncodeToString(data[:i]))
			data = data[i:]
		}
		if len(data) >= 2 && data[1]&modbus.FuncCodeExceptionFlag != 0 {
			want = rtupacket.ExceptionSize
		}
		if err != nil {
			if errors.Is(err, io.EOF) || isTimeout(err) {
				break
			}
			return data, err
		}
		if n == 0 {
			break
		}
	}
	return data, nil
}

// transmitTime is the time the UART needs to shift out chars characters,
// plus the inter-frame gap.
func (m *Master) transmitTime(chars int) time.Duration {
	var characterDelay, frameDelay int

	if m.BaudRate <= 0 || m.BaudRate > 19200 {
		characterDelay = 750
		frameDelay = 1750
	} else {
		characterDelay = 15000000 / m.BaudRate
		frameDelay = 35000000 / m.BaudRate
	}
	return time.Duration(characterDelay*chars+frameDelay) * time.Microsecond
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

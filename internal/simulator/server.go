// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package simulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	rtupacket "github.com/ffutop/modbus-rtu-bridge/modbus/rtu"
)

// Server exposes a Slave as an RTU over TCP device server, the way a
// serial device server forwards a bus to a TCP port. The bridge starts one
// when serial.simulator.listen is set, so other masters can read the
// simulated registers.
type Server struct {
	Address string
	Slave   *Slave

	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration

	mu       sync.Mutex // one bus exchange at a time
	listener net.Listener
}

// NewServer creates a new RTU over TCP Server for slave.
func NewServer(address string, slave *Slave) *Server {
	return &Server{
		Address:     address,
		Slave:       slave,
		IdleTimeout: 60 * time.Second,
	}
}

// Listen binds the server address.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	s.listener = listener
	slog.Info("RTU over TCP simulator listening", "addr", listener.Addr(), "slave_id", s.Slave.SlaveID)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done or the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("Failed to accept connection", "err", err)
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

// Close closes the server listener.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	slog.Debug("New RTU over TCP client connected", "addr", conn.RemoteAddr())

	frame := make([]byte, rtupacket.ReadRequestSize)
	resp := make([]byte, rtupacket.MaxSize)
	for ctx.Err() == nil {
		if s.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.IdleTimeout))
		}
		if _, err := io.ReadFull(conn, frame); err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("Connection read error", "addr", conn.RemoteAddr(), "err", err)
			}
			return
		}

		n, err := s.exchange(frame, resp)
		if err != nil {
			slog.Error("Simulated slave failed", "err", err)
			return
		}
		if n == 0 {
			continue
		}
		if _, err := conn.Write(resp[:n]); err != nil {
			slog.Error("Failed to write response", "err", err)
			return
		}
	}
}

func (s *Server) exchange(frame, resp []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.Slave.Write(frame); err != nil {
		return 0, err
	}
	return s.Slave.Read(resp)
}

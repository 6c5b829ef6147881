// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package simulator provides an in-process Modbus RTU slave that can stand
// in for a serial port. Requests written to it are answered on the next Read.
package simulator

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"log/slog"
	"sync"

	"github.com/ffutop/modbus-rtu-bridge/modbus"
	rtupacket "github.com/ffutop/modbus-rtu-bridge/modbus/rtu"
)

// Slave answers FC03 requests from a DataModel.
type Slave struct {
	SlaveID byte

	model *DataModel

	mu       sync.Mutex
	pending  []byte
	requests int
	closed   bool

	drop      int
	corrupt   int
	exception int
	excCode   byte
}

// NewSlave creates a simulated slave whose registers start with seed.
func NewSlave(slaveID byte, seed []uint16) *Slave {
	return &Slave{
		SlaveID: slaveID,
		model:   NewDataModel(seed),
	}
}

// NewSlaveWithModel creates a simulated slave answering from model, which
// may be shared with other slaves.
func NewSlaveWithModel(slaveID byte, model *DataModel) *Slave {
	return &Slave{
		SlaveID: slaveID,
		model:   model,
	}
}

// Model returns the register model backing the slave.
func (s *Slave) Model() *DataModel {
	return s.model
}

// DropResponses makes the next n addressed requests go unanswered.
func (s *Slave) DropResponses(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop = n
}

// CorruptResponses flips a CRC bit in the next n responses.
func (s *Slave) CorruptResponses(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt = n
}

// RespondWithException answers the next n requests with exception code.
func (s *Slave) RespondWithException(n int, code byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exception = n
	s.excCode = code
}

// Requests returns how many well-formed frames addressed to the slave were received.
func (s *Slave) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Write receives one request frame.
func (s *Slave) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, io.ErrClosedPipe
	}

	req, err := rtupacket.Decode(p)
	if err != nil {
		// Real slaves stay silent on garbled frames.
		slog.Debug("simulator: ignoring frame", "frame", hex.EncodeToString(p), "err", err)
		return len(p), nil
	}
	if req.SlaveID != s.SlaveID {
		return len(p), nil
	}
	s.requests++

	if s.drop > 0 {
		s.drop--
		return len(p), nil
	}

	var resp modbus.ProtocolDataUnit
	if s.exception > 0 {
		s.exception--
		resp = modbus.NewExceptionPDU(req.Pdu.FunctionCode, s.excCode)
	} else {
		resp = s.Process(req.Pdu)
	}

	adu := &rtupacket.ApplicationDataUnit{SlaveID: s.SlaveID, Pdu: resp}
	raw, err := adu.Encode()
	if err != nil {
		return len(p), err
	}
	if s.corrupt > 0 {
		s.corrupt--
		raw[len(raw)-1] ^= 0x01
	}
	s.pending = append(s.pending, raw...)
	return len(p), nil
}

// Read returns buffered response bytes. An empty buffer reads as a timeout (0, nil).
func (s *Slave) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, io.EOF
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// ResetInputBuffer discards unread response bytes.
func (s *Slave) ResetInputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	return nil
}

func (s *Slave) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pending = nil
	return nil
}

// Process executes the Modbus Function Code against the memory model.
func (s *Slave) Process(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	switch req.FunctionCode {
	case modbus.FuncCodeReadHoldingRegisters:
		return s.handleReadHoldingRegisters(req)
	default:
		return modbus.NewExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalFunction)
	}
}

func (s *Slave) handleReadHoldingRegisters(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return modbus.NewExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > modbus.MaxReadQuantity {
		return modbus.NewExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	data, err := s.model.ReadHoldingRegisters(address, quantity)
	if err != nil {
		return modbus.NewExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}

	respData := make([]byte, 1+len(data))
	respData[0] = byte(len(data))
	copy(respData[1:], data)

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         respData,
	}
}

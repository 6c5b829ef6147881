// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/ffutop/modbus-rtu-bridge/modbus"
	"github.com/ffutop/modbus-rtu-bridge/transport"
)

const (
	defaultReadTimeout = 20 * time.Millisecond
	writeTimeout       = time.Second
)

// Request outcomes reported through OnRequest.
const (
	ResultOK                  = "ok"
	ResultDropped             = "dropped"
	ResultIllegalFunction     = "illegal_function"
	ResultIllegalDataAddress  = "illegal_data_address"
	ResultTargetFailedRespond = "target_failed_to_respond"
)

// Responder answers one Modbus TCP request per connection from a register
// reader exposing Registers holding registers starting at address 0.
type Responder struct {
	Reader      transport.RegisterReader
	Registers   int
	ReadTimeout time.Duration

	// OnRequest, when set, is called with the outcome of every connection.
	OnRequest func(result string)
}

// NewResponder creates a new Responder.
func NewResponder(reader transport.RegisterReader, registers int, readTimeout time.Duration) *Responder {
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	return &Responder{
		Reader:      reader,
		Registers:   registers,
		ReadTimeout: readTimeout,
	}
}

// HandleConnection reads a single request, answers it when appropriate and
// closes conn. Failures are logged and never returned.
func (r *Responder) HandleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(r.ReadTimeout)); err != nil {
		slog.Error("Failed to set read deadline", "addr", conn.RemoteAddr(), "err", &modbus.SocketError{Op: "read", Err: err})
		return
	}
	raw, err := readRequest(conn)
	if err != nil && len(raw) == 0 {
		slog.Debug("No request from TCP client", "addr", conn.RemoteAddr(), "err", &modbus.SocketError{Op: "read", Err: err})
		r.record(ResultDropped)
		return
	}
	slog.Debug("recv from tcp client", "addr", conn.RemoteAddr(), "request", hex.EncodeToString(raw))

	resp := r.Process(ctx, raw)
	if resp == nil {
		return
	}

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		slog.Error("Failed to set write deadline", "addr", conn.RemoteAddr(), "err", &modbus.SocketError{Op: "write", Err: err})
		return
	}
	if _, err := conn.Write(resp); err != nil {
		slog.Error("Failed to write response to connection", "addr", conn.RemoteAddr(), "err", &modbus.SocketError{Op: "write", Err: err})
		return
	}
	slog.Debug("send to tcp client", "addr", conn.RemoteAddr(), "response", hex.EncodeToString(resp))
}

// readRequest reads until the MBAP length is satisfied, the frame limit is
// reached or the read fails. Every byte received is returned; the length
// field only decides when to stop reading.
func readRequest(conn net.Conn) ([]byte, error) {
	buf := make([]byte, tcpMaxSize)
	n := 0
	for n < tcpMaxSize {
		m, err := conn.Read(buf[n:])
		n += m
		if n >= tcpHeaderSize {
			want := tcpHeaderSize - 1 + int(binary.BigEndian.Uint16(buf[4:]))
			if want < tcpMinSize || want > tcpMaxSize || n >= want {
				return buf[:n], nil
			}
		}
		if err != nil {
			return buf[:n], err
		}
	}
	return buf[:n], nil
}

// Process maps one raw request to its response frame. A nil result means
// the request is dropped without an answer. Responses always carry
// protocol id 0.
func (r *Responder) Process(ctx context.Context, raw []byte) []byte {
	adu, err := Decode(raw)
	if err != nil {
		slog.Debug("Dropping TCP request", "err", err)
		r.record(ResultDropped)
		return nil
	}
	if adu.Pdu.FunctionCode != modbus.FuncCodeReadHoldingRegisters || len(raw) < readRequestSize {
		return r.exception(adu, modbus.ExceptionCodeIllegalFunction)
	}

	address := binary.BigEndian.Uint16(adu.Pdu.Data[0:])
	quantity := binary.BigEndian.Uint16(adu.Pdu.Data[2:])
	if quantity < 1 || quantity > modbus.MaxReadQuantity || int(address)+int(quantity) > r.Registers {
		return r.exception(adu, modbus.ExceptionCodeIllegalDataAddress)
	}

	values, err := r.Reader.ReadHoldingRegisters(ctx, address, quantity)
	if err != nil {
		if errors.Is(err, modbus.ErrIllegalDataAddress) {
			return r.exception(adu, modbus.ExceptionCodeIllegalDataAddress)
		}
		slog.Warn("Register read failed", "address", address, "quantity", quantity, "err", err)
		return r.exception(adu, modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond)
	}

	data := make([]byte, 1+len(values)*2)
	data[0] = byte(len(values) * 2)
	for i, v := range values {
		binary.BigEndian.PutUint16(data[1+i*2:], v)
	}
	resp := &ApplicationDataUnit{
		TransactionID: adu.TransactionID,
		UnitID:        adu.UnitID,
		Pdu: modbus.ProtocolDataUnit{
			FunctionCode: adu.Pdu.FunctionCode,
			Data:         data,
		},
	}
	return r.encode(resp, ResultOK)
}

func (r *Responder) exception(req *ApplicationDataUnit, code byte) []byte {
	resp := &ApplicationDataUnit{
		TransactionID: req.TransactionID,
		UnitID:        req.UnitID,
		Pdu:           modbus.NewExceptionPDU(req.Pdu.FunctionCode, code),
	}
	result := ResultIllegalFunction
	switch code {
	case modbus.ExceptionCodeIllegalDataAddress:
		result = ResultIllegalDataAddress
	case modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond:
		result = ResultTargetFailedRespond
	}
	return r.encode(resp, result)
}

func (r *Responder) encode(adu *ApplicationDataUnit, result string) []byte {
	raw, err := adu.Encode()
	if err != nil {
		slog.Error("Failed to encode TCP response", "err", err)
		r.record(ResultDropped)
		return nil
	}
	r.record(result)
	return raw
}

func (r *Responder) record(result string) {
	if r.OnRequest != nil {
		r.OnRequest(result)
	}
}

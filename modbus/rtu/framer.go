// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"
	"fmt"

	"github.com/ffutop/modbus-rtu-bridge/modbus"
	"github.com/ffutop/modbus-rtu-bridge/modbus/crc"
)

// ReadHoldingRegistersRequest builds the 8 byte FC03 request frame.
func ReadHoldingRegistersRequest(slaveID byte, address, quantity uint16) ([]byte, error) {
	if quantity < 1 || quantity > modbus.MaxReadQuantity {
		return nil, modbus.ErrInvalidQuantity
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:], address)
	binary.BigEndian.PutUint16(data[2:], quantity)

	adu := &ApplicationDataUnit{
		SlaveID: slaveID,
		Pdu: modbus.ProtocolDataUnit{
			FunctionCode: modbus.FuncCodeReadHoldingRegisters,
			Data:         data,
		},
	}
	return adu.Encode()
}

// ReadHoldingRegistersResponseLength returns the length of a normal FC03
// response carrying quantity registers.
func ReadHoldingRegistersResponseLength(quantity uint16) int {
	// SlaveID + FunctionCode + ByteCount + Data + CRC
	return 1 + 1 + 1 + int(quantity)*2 + 2
}

// FrameStart returns the offset of the first byte that can start an FC03
// response (normal or exception) from slaveID, or -1 when data holds none.
// A slave id as the last byte counts as a possible start.
func FrameStart(slaveID byte, data []byte) int {
	for i, b := range data {
		if b != slaveID {
			continue
		}
		if i+1 == len(data) {
			return i
		}
		if fc := data[i+1] &^ modbus.FuncCodeExceptionFlag; fc == modbus.FuncCodeReadHoldingRegisters {
			return i
		}
	}
	return -1
}

// DecodeReadHoldingRegistersResponse validates a FC03 response frame and
// returns the register values it carries.
func DecodeReadHoldingRegistersResponse(slaveID byte, quantity uint16, frame []byte) ([]uint16, error) {
	n := len(frame)
	if n == 0 {
		return nil, modbus.ErrNoResponse
	}
	if n < MinResponseSize {
		return nil, fmt.Errorf("%w: response length '%v' does not meet minimum '%v'", modbus.ErrMalformedFrame, n, MinResponseSize)
	}
	if frame[0] != slaveID {
		return nil, fmt.Errorf("%w: response slave id '%v' does not match request '%v'", modbus.ErrMalformedFrame, frame[0], slaveID)
	}
	if frame[1]&modbus.FuncCodeExceptionFlag != 0 {
		if !crc.Validate(frame[:ExceptionSize]) {
			return nil, fmt.Errorf("%w: exception response", modbus.ErrCRCMismatch)
		}
		return nil, &modbus.ExceptionError{FunctionCode: frame[1], ExceptionCode: frame[2]}
	}
	if frame[1] != modbus.FuncCodeReadHoldingRegisters {
		return nil, fmt.Errorf("%w: response function '%v' does not match request '%v'", modbus.ErrMalformedFrame, frame[1], modbus.FuncCodeReadHoldingRegisters)
	}
	if int(frame[2]) != int(quantity)*2 {
		return nil, fmt.Errorf("%w: response byte count '%v' does not match quantity '%v'", modbus.ErrMalformedFrame, frame[2], quantity)
	}
	if expected := ReadHoldingRegistersResponseLength(quantity); n != expected {
		return nil, fmt.Errorf("%w: response length '%v' does not match expected '%v'", modbus.ErrMalformedFrame, n, expected)
	}
	if !crc.Validate(frame) {
		return nil, fmt.Errorf("%w: received '%02X%02X', expected '%04X'", modbus.ErrCRCMismatch, frame[n-1], frame[n-2], crc.Checksum(frame[:n-2]))
	}

	values := make([]uint16, quantity)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(frame[3+i*2:])
	}
	return values, nil
}

// EncodeReadHoldingRegistersResponse builds the normal FC03 response frame
// for values.
func EncodeReadHoldingRegistersResponse(slaveID byte, values []uint16) ([]byte, error) {
	if len(values) < 1 || len(values) > modbus.MaxReadQuantity {
		return nil, modbus.ErrInvalidQuantity
	}
	data := make([]byte, 1+len(values)*2)
	data[0] = byte(len(values) * 2)
	for i, v := range values {
		binary.BigEndian.PutUint16(data[1+i*2:], v)
	}
	adu := &ApplicationDataUnit{
		SlaveID: slaveID,
		Pdu: modbus.ProtocolDataUnit{
			FunctionCode: modbus.FuncCodeReadHoldingRegisters,
			Data:         data,
		},
	}
	return adu.Encode()
}

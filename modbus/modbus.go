// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus holds the wire model shared by the RTU and TCP sides of the
// bridge: protocol data units, function codes, exception codes and errors.
package modbus

import "fmt"

// Function Codes
const (
	FuncCodeReadHoldingRegisters = 0x03

	// FuncCodeExceptionFlag is OR-ed into the function code of an exception response.
	FuncCodeExceptionFlag = 0x80
)

// Exception Codes
const (
	ExceptionCodeIllegalFunction                    = 0x01
	ExceptionCodeIllegalDataAddress                 = 0x02
	ExceptionCodeIllegalDataValue                   = 0x03
	ExceptionCodeGatewayTargetDeviceFailedToRespond = 0x0B
)

const (
	// MaxReadQuantity is the largest register count a single FC03 request may carry.
	MaxReadQuantity = 125
)

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// IsException reports whether the PDU is an exception response.
func (pdu ProtocolDataUnit) IsException() bool {
	return pdu.FunctionCode&FuncCodeExceptionFlag != 0
}

// NewExceptionPDU builds the exception response for funcCode.
func NewExceptionPDU(funcCode, code byte) ProtocolDataUnit {
	return ProtocolDataUnit{
		FunctionCode: funcCode | FuncCodeExceptionFlag,
		Data:         []byte{code},
	}
}

// ExceptionCodeName returns a readable name for an exception code.
func ExceptionCodeName(code byte) string {
	switch code {
	case ExceptionCodeIllegalFunction:
		return "illegal function"
	case ExceptionCodeIllegalDataAddress:
		return "illegal data address"
	case ExceptionCodeIllegalDataValue:
		return "illegal data value"
	case 0x04:
		return "server device failure"
	case 0x06:
		return "server device busy"
	case 0x0A:
		return "gateway path unavailable"
	case ExceptionCodeGatewayTargetDeviceFailedToRespond:
		return "gateway target device failed to respond"
	default:
		return fmt.Sprintf("unknown exception 0x%02X", code)
	}
}

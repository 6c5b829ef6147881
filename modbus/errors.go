// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
)

// Errors returned by the RTU master and the register store. Callers of the
// master treat every failure kind alike: the registers are not updated.
var (
	ErrInvalidQuantity    = errors.New("modbus: quantity must be between 1 and 125")
	ErrNoResponse         = errors.New("modbus: no response from slave")
	ErrCRCMismatch        = errors.New("modbus: crc mismatch")
	ErrMalformedFrame     = errors.New("modbus: malformed frame")
	ErrIllegalDataAddress = errors.New("modbus: illegal data address")
)

// ExceptionError is returned when the slave answered with an exception response.
type ExceptionError struct {
	FunctionCode  byte
	ExceptionCode byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception '%v' (%s), function '%v'",
		e.ExceptionCode, ExceptionCodeName(e.ExceptionCode), e.FunctionCode&^FuncCodeExceptionFlag)
}

// SocketError wraps a failure of the TCP layer (bind, accept, read, write).
type SocketError struct {
	Op  string
	Err error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("modbus: socket %s: %v", e.Op, e.Err)
}

func (e *SocketError) Unwrap() error { return e.Err }

// Timeout reports whether the underlying error is a timeout.
func (e *SocketError) Timeout() bool {
	type timeout interface {
		Timeout() bool
	}
	var t timeout
	return errors.As(e.Err, &t) && t.Timeout()
}

// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
)

// RegisterReader serves holding register reads. In cached mode it is the
// register store; in passthrough mode it is the RTU master.
type RegisterReader interface {
	ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error)
}

// RegisterReaderFunc adapts a function to RegisterReader.
type RegisterReaderFunc func(ctx context.Context, address, quantity uint16) ([]uint16, error)

func (f RegisterReaderFunc) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	return f(ctx, address, quantity)
}

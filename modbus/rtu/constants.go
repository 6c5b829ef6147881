// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

const (
	MinSize = 4
	MaxSize = 256

	// ExceptionSize is slave id, function code, exception code and CRC.
	ExceptionSize = 5
	// MinResponseSize is the shortest frame a slave may answer with.
	MinResponseSize = 5
	// ReadRequestSize is slave id, function code, address, quantity and CRC.
	ReadRequestSize = 8
)

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"encoding/binary"
)

// Storage keeps the latest register snapshot across restarts.
// Only the most recent values are kept, never a history.
type Storage interface {
	// Load returns the stored snapshot. A storage without data returns size zeros.
	Load(size int) ([]uint16, error)

	// Save replaces the stored snapshot.
	Save(values []uint16) error

	Close() error
}

// Registers are laid out big-endian, two bytes each, starting at offset 0.
func encodeRegisters(dst []byte, values []uint16) {
	for i, v := range values {
		binary.BigEndian.PutUint16(dst[i*2:], v)
	}
}

func decodeRegisters(src []byte, size int) []uint16 {
	values := make([]uint16, size)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(src[i*2:])
	}
	return values
}

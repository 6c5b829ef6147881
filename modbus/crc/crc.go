// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package crc implements the Modbus RTU CRC16 (polynomial 0xA001, initial
// value 0xFFFF, transmitted low byte first).
package crc

const (
	initialValue = 0xFFFF
	polynomial   = 0xA001
)

// CRC is a running Modbus CRC16 accumulator.
type CRC struct {
	value uint16
}

// Reset sets the accumulator back to its initial value.
func (crc *CRC) Reset() *CRC {
	crc.value = initialValue
	return crc
}

// PushBytes feeds bs into the accumulator.
func (crc *CRC) PushBytes(bs []byte) *CRC {
	for _, b := range bs {
		crc.value ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc.value&0x0001 != 0 {
				crc.value = crc.value>>1 ^ polynomial
			} else {
				crc.value >>= 1
			}
		}
	}
	return crc
}

// Value returns the current checksum.
func (crc *CRC) Value() uint16 {
	return crc.value
}

// Checksum computes the CRC16 of b.
func Checksum(b []byte) uint16 {
	var crc CRC
	return crc.Reset().PushBytes(b).Value()
}

// Append appends the checksum of b to b, low byte first.
func Append(b []byte) []byte {
	sum := Checksum(b)
	return append(b, byte(sum), byte(sum>>8))
}

// Validate reports whether the trailing two bytes of frame hold the
// little-endian checksum of the preceding bytes.
func Validate(frame []byte) bool {
	n := len(frame)
	if n < 3 {
		return false
	}
	received := uint16(frame[n-1])<<8 | uint16(frame[n-2])
	return received == Checksum(frame[:n-2])
}

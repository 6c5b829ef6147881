// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package simulator

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const (
	MaxAddress = 65535
)

// DataModel holds the simulated holding registers.
// It covers the full 16-bit address space.
type DataModel struct {
	mu sync.RWMutex

	HoldingRegisters []uint16
}

// NewDataModel creates a new memory model, seeding registers from address 0.
func NewDataModel(seed []uint16) *DataModel {
	m := &DataModel{
		HoldingRegisters: make([]uint16, MaxAddress+1),
	}
	copy(m.HoldingRegisters, seed)
	return m
}

// ReadHoldingRegisters reads a range of holding registers and returns them as BigEndian bytes.
func (m *DataModel) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}

	result := make([]byte, int(quantity)*2)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(result[i*2:], m.HoldingRegisters[int(address)+i])
	}
	return result, nil
}

// WriteRegisters overwrites holding registers starting at address.
func (m *DataModel) WriteRegisters(address uint16, values []uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(address)+len(values) > MaxAddress+1 {
		return fmt.Errorf("address range out of bounds")
	}
	copy(m.HoldingRegisters[address:], values)
	return nil
}

func validateRange(address, quantity uint16) error {
	if quantity == 0 {
		return fmt.Errorf("quantity must be greater than 0")
	}
	// address is 0-based.
	if int(address)+int(quantity) > MaxAddress+1 {
		return fmt.Errorf("address range out of bounds")
	}
	return nil
}

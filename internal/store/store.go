// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package store

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ffutop/modbus-rtu-bridge/internal/store/persistence"
	"github.com/ffutop/modbus-rtu-bridge/modbus"
)

// Store holds the holding registers mirrored from the RTU slave.
// Its length is fixed at creation. Update commits a whole poll result at
// once; readers always get a copy taken under the read lock.
type Store struct {
	mu        sync.RWMutex
	registers []uint16
	storage   persistence.Storage
}

// New creates a store of size registers. When storage holds a snapshot of
// the same size it is restored, otherwise the store starts zeroed.
func New(size int, storage persistence.Storage) (*Store, error) {
	if size < 1 || size > modbus.MaxReadQuantity {
		return nil, fmt.Errorf("store: size '%v' must be between 1 and %v", size, modbus.MaxReadQuantity)
	}
	if storage == nil {
		storage = persistence.NewMemoryStorage()
	}
	s := &Store{
		registers: make([]uint16, size),
		storage:   storage,
	}

	values, err := storage.Load(size)
	if err != nil {
		slog.Error("Failed to load register snapshot, starting with zeroed registers", "err", err)
		slog.Warn("Falling back to MemoryStorage")
		storage.Close()
		s.storage = persistence.NewMemoryStorage()
		return s, nil
	}
	copy(s.registers, values)
	return s, nil
}

// Len returns the number of registers.
func (s *Store) Len() int {
	return len(s.registers)
}

// ReadHoldingRegisters returns a copy of quantity registers starting at address.
func (s *Store) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	if quantity == 0 || int(address)+int(quantity) > len(s.registers) {
		return nil, fmt.Errorf("%w: address '%v' quantity '%v' outside [0, %v)", modbus.ErrIllegalDataAddress, address, quantity, len(s.registers))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make([]uint16, quantity)
	copy(values, s.registers[address:])
	return values, nil
}

// Snapshot returns a copy of every register.
func (s *Store) Snapshot() []uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make([]uint16, len(s.registers))
	copy(values, s.registers)
	return values
}

// Update overwrites registers [0, min(len(values), Len())) and returns the
// number of registers written. The snapshot is then handed to the storage.
func (s *Store) Update(values []uint16) int {
	s.mu.Lock()
	n := copy(s.registers, values)
	snapshot := make([]uint16, len(s.registers))
	copy(snapshot, s.registers)
	s.mu.Unlock()

	if err := s.storage.Save(snapshot); err != nil {
		slog.Error("Failed to persist register snapshot", "err", err)
	}
	return n
}

// Close releases the storage.
func (s *Store) Close() error {
	return s.storage.Close()
}

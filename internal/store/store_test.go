// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/modbus-rtu-bridge/internal/store/persistence"
	"github.com/ffutop/modbus-rtu-bridge/modbus"
)

func TestNew_Size(t *testing.T) {
	for _, size := range []int{0, 126} {
		_, err := New(size, nil)
		assert.Error(t, err, "size %d", size)
	}
	s, err := New(125, nil)
	require.NoError(t, err)
	assert.Equal(t, 125, s.Len())
	assert.Equal(t, make([]uint16, 125), s.Snapshot())
}

func TestStore_ReadHoldingRegisters(t *testing.T) {
	s, err := New(5, nil)
	require.NoError(t, err)
	s.Update([]uint16{1, 2, 3, 4, 5})

	tests := []struct {
		name     string
		address  uint16
		quantity uint16
		want     []uint16
		wantErr  bool
	}{
		{"All", 0, 5, []uint16{1, 2, 3, 4, 5}, false},
		{"Middle", 1, 3, []uint16{2, 3, 4}, false},
		{"Last", 4, 1, []uint16{5}, false},
		{"ZeroQuantity", 0, 0, nil, true},
		{"StartAtEnd", 5, 1, nil, true},
		{"PastEnd", 3, 3, nil, true},
		{"Overflow", 0xFFFF, 2, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ReadHoldingRegisters(tt.address, tt.quantity)
			if tt.wantErr {
				assert.True(t, errors.Is(err, modbus.ErrIllegalDataAddress), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStore_ReadReturnsCopy(t *testing.T) {
	s, _ := New(2, nil)
	s.Update([]uint16{7, 8})

	got, _ := s.ReadHoldingRegisters(0, 2)
	got[0] = 99
	snap := s.Snapshot()
	snap[1] = 99

	again, _ := s.ReadHoldingRegisters(0, 2)
	assert.Equal(t, []uint16{7, 8}, again)
}

func TestStore_Update(t *testing.T) {
	s, _ := New(3, nil)

	assert.Equal(t, 2, s.Update([]uint16{1, 2}))
	assert.Equal(t, []uint16{1, 2, 0}, s.Snapshot())

	assert.Equal(t, 3, s.Update([]uint16{4, 5, 6, 7}))
	assert.Equal(t, []uint16{4, 5, 6}, s.Snapshot())
}

// Every snapshot must come from a single commit: all registers equal.
func TestStore_UpdateIsAtomic(t *testing.T) {
	const size = 100
	s, _ := New(size, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		values := make([]uint16, size)
		for i := uint16(1); i <= 500; i++ {
			for j := range values {
				values[j] = i
			}
			s.Update(values)
		}
	}()

	for i := 0; i < 500; i++ {
		snap := s.Snapshot()
		for _, v := range snap {
			if v != snap[0] {
				t.Fatalf("torn snapshot: %v", snap)
			}
		}
	}
	wg.Wait()
}

func TestStore_PersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registers.bin")

	s, err := New(4, persistence.NewMmapStorage(path))
	require.NoError(t, err)
	s.Update([]uint16{0x0102, 0x0304, 0x0506, 0x0708})
	require.NoError(t, s.Close())

	restored, err := New(4, persistence.NewMmapStorage(path))
	require.NoError(t, err)
	defer restored.Close()
	assert.Equal(t, []uint16{0x0102, 0x0304, 0x0506, 0x0708}, restored.Snapshot())
}

type brokenStorage struct {
	closed bool
}

func (b *brokenStorage) Load(size int) ([]uint16, error) { return nil, errors.New("disk on fire") }
func (b *brokenStorage) Save(values []uint16) error      { return errors.New("disk on fire") }
func (b *brokenStorage) Close() error {
	b.closed = true
	return nil
}

func TestStore_LoadFailureFallsBackToMemory(t *testing.T) {
	broken := &brokenStorage{}
	s, err := New(2, broken)
	require.NoError(t, err)
	assert.True(t, broken.closed)

	assert.Equal(t, 2, s.Update([]uint16{1, 2}))
	assert.Equal(t, []uint16{1, 2}, s.Snapshot())
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorages_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		open func(path string) Storage
	}{
		{"File", func(path string) Storage { return NewFileStorage(path) }},
		{"Mmap", func(path string) Storage { return NewMmapStorage(path) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "registers.bin")

			st := tt.open(path)
			values, err := st.Load(3)
			require.NoError(t, err)
			assert.Equal(t, []uint16{0, 0, 0}, values)

			require.NoError(t, st.Save([]uint16{0xAABB, 2, 0xFFFF}))
			assert.Error(t, st.Save([]uint16{1}), "size mismatch must be rejected")
			require.NoError(t, st.Close())

			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, []byte{0xAA, 0xBB, 0x00, 0x02, 0xFF, 0xFF}, raw)

			st = tt.open(path)
			values, err = st.Load(3)
			require.NoError(t, err)
			assert.Equal(t, []uint16{0xAABB, 2, 0xFFFF}, values)
			require.NoError(t, st.Close())
		})
	}
}

func TestStorages_ResizeDiscardsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registers.bin")
	require.NoError(t, os.WriteFile(path, []byte{0x00, 0x01, 0x00, 0x02}, 0644))

	for _, st := range []Storage{NewFileStorage(path), NewMmapStorage(path)} {
		values, err := st.Load(3)
		require.NoError(t, err)
		assert.Equal(t, []uint16{0, 0, 0}, values)
		require.NoError(t, st.Close())
	}
}

func TestStorages_SaveBeforeLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registers.bin")
	assert.Error(t, NewFileStorage(path).Save([]uint16{1}))
	assert.Error(t, NewMmapStorage(path).Save([]uint16{1}))
}

func TestMemoryStorage(t *testing.T) {
	ms := NewMemoryStorage()
	values, err := ms.Load(2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 0}, values)
	assert.NoError(t, ms.Save([]uint16{1, 2}))
	assert.NoError(t, ms.Close())
}

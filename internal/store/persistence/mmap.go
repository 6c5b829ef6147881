// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// MmapStorage keeps the snapshot in a memory-mapped file.
// Registers are stored big-endian so the file is portable across hosts.
type MmapStorage struct {
	path string
	file *os.File
	data mmap.MMap
}

// NewMmapStorage creates a new MmapStorage.
func NewMmapStorage(path string) *MmapStorage {
	return &MmapStorage{
		path: path,
	}
}

// Load maps the snapshot file, creating or resizing it as needed.
func (ms *MmapStorage) Load(size int) ([]uint16, error) {
	f, err := os.OpenFile(ms.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open mmap file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(size*2) {
		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to reset mmap file: %w", err)
		}
		if err := f.Truncate(int64(size * 2)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize mmap file: %w", err)
		}
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	ms.file = f
	ms.data = data

	return decodeRegisters(data, size), nil
}

// Save copies values into the mapping and flushes it to disk.
func (ms *MmapStorage) Save(values []uint16) error {
	if ms.data == nil {
		return fmt.Errorf("mmap data is nil")
	}
	if len(values)*2 != len(ms.data) {
		return fmt.Errorf("snapshot size %d does not match mapping size %d", len(values)*2, len(ms.data))
	}
	encodeRegisters(ms.data, values)
	return ms.data.Flush()
}

// Close unmaps and closes the file.
func (ms *MmapStorage) Close() error {
	var err error
	if ms.data != nil {
		if e := ms.data.Unmap(); e != nil {
			err = e
		}
		ms.data = nil
	}
	if ms.file != nil {
		if e := ms.file.Close(); e != nil {
			err = e
		}
		ms.file = nil
	}
	return err
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"io"
	"os"
)

// FileStorage rewrites the snapshot file and syncs it after every Save.
type FileStorage struct {
	path string
	file *os.File
	data []byte
}

// NewFileStorage creates a new FileStorage.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{
		path: path,
	}
}

// Load opens (creating if necessary) the snapshot file and reads it.
func (fs *FileStorage) Load(size int) ([]uint16, error) {
	f, err := os.OpenFile(fs.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(size*2) {
		// A snapshot of another size belongs to another configuration.
		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to reset file: %w", err)
		}
		if err := f.Truncate(int64(size * 2)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize file: %w", err)
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) != size*2 {
		f.Close()
		return nil, fmt.Errorf("short snapshot file: %d bytes, want %d", len(data), size*2)
	}
	fs.file = f
	fs.data = data
	return decodeRegisters(data, size), nil
}

// Save writes values to disk.
func (fs *FileStorage) Save(values []uint16) error {
	if fs.file == nil {
		return fmt.Errorf("file storage not loaded")
	}
	if len(values)*2 != len(fs.data) {
		return fmt.Errorf("snapshot size %d does not match file size %d", len(values)*2, len(fs.data))
	}
	encodeRegisters(fs.data, values)
	if _, err := fs.file.WriteAt(fs.data, 0); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file to disk: %w", err)
	}
	return nil
}

// Close the file.
func (fs *FileStorage) Close() error {
	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	return err
}

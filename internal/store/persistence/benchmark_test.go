// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"path/filepath"
	"testing"
)

const benchRegisters = 125

func benchValues() []uint16 {
	return make([]uint16, benchRegisters)
}

// BenchmarkMemoryStorage_Save benchmarks the Save hook for MemoryStorage.
func BenchmarkMemoryStorage_Save(b *testing.B) {
	ms := NewMemoryStorage()
	values := benchValues()
	// No setup needed, Save is no-op.
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ms.Save(values)
	}
}

// BenchmarkFileStorage_Save benchmarks a full snapshot write plus fsync.
func BenchmarkFileStorage_Save(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench_file.bin")
	fs := NewFileStorage(path)
	if _, err := fs.Load(benchRegisters); err != nil {
		b.Fatalf("Failed to load file storage: %v", err)
	}
	defer fs.Close()

	values := benchValues()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		values[10] = uint16(i)
		if err := fs.Save(values); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkMmapStorage_Save benchmarks a snapshot copy plus msync.
func BenchmarkMmapStorage_Save(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench_mmap.bin")
	ms := NewMmapStorage(path)
	if _, err := ms.Load(benchRegisters); err != nil {
		b.Fatalf("Failed to load mmap storage: %v", err)
	}
	defer ms.Close()

	values := benchValues()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		values[10] = uint16(i)
		if err := ms.Save(values); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkMmapStorage_Load benchmarks the Load operation for MmapStorage.
// Note: This involves file open, fstat, and mmap system calls.
func BenchmarkMmapStorage_Load(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench_mmap_load.bin")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ms := NewMmapStorage(path)
		if _, err := ms.Load(benchRegisters); err != nil {
			b.Fatalf("Load failed: %v", err)
		}
		ms.Close() // Cleanup to allow next Load
	}
}

// BenchmarkFileStorage_Load benchmarks the Load operation for FileStorage.
func BenchmarkFileStorage_Load(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench_file_load.bin")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fs := NewFileStorage(path)
		if _, err := fs.Load(benchRegisters); err != nil {
			b.Fatalf("Load failed: %v", err)
		}
		fs.Close()
	}
}

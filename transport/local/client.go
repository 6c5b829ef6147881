// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package local

import (
	"context"
	"log/slog"

	"github.com/ffutop/modbus-rtu-bridge/internal/config"
	"github.com/ffutop/modbus-rtu-bridge/internal/store"
	"github.com/ffutop/modbus-rtu-bridge/internal/store/persistence"
)

// Client serves register reads from the local register store.
type Client struct {
	store *store.Store
}

// NewClient creates the register store with the configured persistence.
func NewClient(cfg config.StoreConfig, size int) (*Client, error) {
	var storage persistence.Storage
	switch cfg.Persistence.Type {
	case "file":
		slog.Info("Initializing register store with file persistence", "path", cfg.Persistence.Path)
		storage = persistence.NewFileStorage(cfg.Persistence.Path)
	case "mmap":
		slog.Info("Initializing register store with MMAP persistence", "path", cfg.Persistence.Path)
		storage = persistence.NewMmapStorage(cfg.Persistence.Path)
	default:
		slog.Info("Initializing register store with memory storage (non-persistent)")
		storage = persistence.NewMemoryStorage()
	}

	s, err := store.New(size, storage)
	if err != nil {
		storage.Close()
		return nil, err
	}
	return &Client{store: s}, nil
}

// Store returns the register store behind the client.
func (c *Client) Store() *store.Store {
	return c.store
}

// ReadHoldingRegisters returns a snapshot of the requested registers.
func (c *Client) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	return c.store.ReadHoldingRegisters(address, quantity)
}

// Close closes the storage.
func (c *Client) Close() error {
	return c.store.Close()
}

// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ffutop/modbus-rtu-bridge/internal/config"
	"github.com/ffutop/modbus-rtu-bridge/internal/fault"
	"github.com/ffutop/modbus-rtu-bridge/internal/gateway"
	"github.com/ffutop/modbus-rtu-bridge/internal/metrics"
	"github.com/ffutop/modbus-rtu-bridge/internal/simulator"
	"github.com/ffutop/modbus-rtu-bridge/transport/local"
	"github.com/ffutop/modbus-rtu-bridge/transport/rtu"
)

func main() {
	flags := config.Flags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	configFile, _ := flags.GetString("config")

	// Load Configuration
	cfg, err := config.LoadConfig(configFile, flags)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	slog.Info("Starting Modbus RTU bridge...", "mode", cfg.Bridge.Mode, "driver", cfg.Serial.Driver, "device", cfg.Serial.Device)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	faults := fault.NewExitHandler(1)

	lc, err := local.NewClient(cfg.Store, cfg.Bridge.Registers)
	if err != nil {
		faults.AbortAndRestart(fmt.Errorf("register store: %w", err))
		return
	}
	defer lc.Close()

	master, err := newMaster(ctx, cfg.Serial)
	if err != nil {
		faults.AbortAndRestart(err)
		return
	}
	if err := master.Connect(ctx); err != nil {
		faults.AbortAndRestart(fmt.Errorf("serial port %s: %w", cfg.Serial.Device, err))
		return
	}
	defer master.Close()

	// Register values are only meaningful when the store mirrors the slave.
	var snapshot func() []uint16
	if cfg.Bridge.Mode == config.ModeCached {
		snapshot = lc.Store().Snapshot
	}
	m := metrics.New(snapshot)
	master.OnAttempt = m.ObserveAttempt

	gw := gateway.NewGateway(cfg, master, lc)
	gw.OnPoll = m.ObservePoll
	gw.Responder.OnRequest = m.ObserveRequest

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Listen); err != nil {
				slog.Error("Metrics server stopped with error", "err", err)
			}
		}()
	}

	if err := gw.Start(ctx); err != nil {
		faults.AbortAndRestart(err)
		return
	}
	slog.Info("Goodbye.")
}

// newMaster creates the RTU master. With the simulator driver the simulated
// registers can also be served to other masters over RTU over TCP.
func newMaster(ctx context.Context, cfg config.SerialConfig) (*rtu.Master, error) {
	if cfg.Driver != config.DriverSimulator || cfg.Simulator.Listen == "" {
		return rtu.NewMaster(cfg)
	}

	slave := simulator.NewSlave(byte(cfg.SlaveID), cfg.Simulator.Registers)
	srv := simulator.NewServer(cfg.Simulator.Listen, simulator.NewSlaveWithModel(slave.SlaveID, slave.Model()))
	if err := srv.Listen(); err != nil {
		return nil, err
	}
	go func() {
		if err := srv.Serve(ctx); err != nil {
			slog.Error("Simulator server stopped with error", "err", err)
		}
	}()
	return rtu.NewSimulatedMaster(cfg, slave), nil
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

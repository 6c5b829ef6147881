// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"fmt"
	"os"

	"github.com/ffutop/modbus-rtu-bridge/internal/config"
)

// DirectionControl drives the transmit enable line of a half-duplex bus.
type DirectionControl interface {
	Transmit() error
	Receive() error
}

// Manual reports whether the master itself switches the line, and therefore
// has to wait for the request to leave the UART before releasing it.
func Manual(dc DirectionControl) bool {
	_, ok := dc.(noDirection)
	return !ok
}

// noDirection is used for auto-direction transceivers and for the kernel
// RS485 mode, where the UART driver toggles RTS itself.
type noDirection struct{}

func (noDirection) Transmit() error { return nil }
func (noDirection) Receive() error  { return nil }

// rtsDirection toggles the RTS modem line of a go.bug.st/serial port.
type rtsDirection struct {
	port       rtsSetter
	activeHigh bool
}

func (d *rtsDirection) Transmit() error { return d.port.SetRTS(d.activeHigh) }
func (d *rtsDirection) Receive() error  { return d.port.SetRTS(!d.activeHigh) }

// gpioDirection writes a sysfs GPIO value file.
type gpioDirection struct {
	path       string
	activeHigh bool
}

func (d *gpioDirection) set(high bool) error {
	value := []byte("0")
	if high {
		value = []byte("1")
	}
	if err := os.WriteFile(d.path, value, 0644); err != nil {
		return fmt.Errorf("failed to set direction gpio %s: %w", d.path, err)
	}
	return nil
}

func (d *gpioDirection) Transmit() error { return d.set(d.activeHigh) }
func (d *gpioDirection) Receive() error  { return d.set(!d.activeHigh) }

// newDirectionControl builds the line driver for cfg. The RTS mode needs
// the opened port.
func newDirectionControl(cfg config.DirectionConfig, port Port) (DirectionControl, error) {
	switch cfg.Mode {
	case config.DirectionNone, config.DirectionKernel, "":
		return noDirection{}, nil
	case config.DirectionRTS:
		rts, ok := port.(rtsSetter)
		if !ok {
			return nil, fmt.Errorf("serial port %T cannot drive RTS", port)
		}
		return &rtsDirection{port: rts, activeHigh: cfg.ActiveHigh}, nil
	case config.DirectionGPIO:
		return &gpioDirection{path: cfg.GpioPath, activeHigh: cfg.ActiveHigh}, nil
	default:
		return nil, fmt.Errorf("unknown direction mode: %s", cfg.Mode)
	}
}

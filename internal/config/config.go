// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Bridge modes.
const (
	ModeCached      = "cached"
	ModePassthrough = "passthrough"
)

// Serial drivers.
const (
	DriverGridX     = "grid-x"
	DriverBugst     = "bugst"
	DriverTCP       = "tcp"
	DriverSimulator = "simulator"
)

// Direction control modes.
const (
	DirectionNone   = "none"
	DirectionKernel = "kernel"
	DirectionRTS    = "rts"
	DirectionGPIO   = "gpio"
)

// Config defines the global configuration structure
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Serial  SerialConfig  `mapstructure:"serial"`
	Tcp     TcpConfig     `mapstructure:"tcp"`
	Bridge  BridgeConfig  `mapstructure:"bridge"`
	Store   StoreConfig   `mapstructure:"store"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Network NetworkConfig `mapstructure:"network"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// SerialConfig defines the RTU side
type SerialConfig struct {
	Driver      string        `mapstructure:"driver"` // "grid-x", "bugst", "tcp", "simulator"
	Device      string        `mapstructure:"device"` // tty path, or host:port for "tcp"
	BaudRate    int           `mapstructure:"baud_rate"`
	DataBits    int           `mapstructure:"data_bits"`
	Parity      string        `mapstructure:"parity"`
	StopBits    int           `mapstructure:"stop_bits"`
	Timeout     time.Duration `mapstructure:"timeout"`      // Base response timeout
	CharTimeout time.Duration `mapstructure:"char_timeout"` // Extra wait per expected byte

	SlaveID      int           `mapstructure:"slave_id"`
	Retries      int           `mapstructure:"retries"` // Attempts per poll
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`

	Direction DirectionConfig `mapstructure:"direction"`

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`

	Simulator SimulatorConfig `mapstructure:"simulator"`
}

// DirectionConfig selects who drives the RS-485 transmit enable line
type DirectionConfig struct {
	Mode       string `mapstructure:"mode"`        // "none", "kernel", "rts", "gpio"
	GpioPath   string `mapstructure:"gpio_path"`   // e.g. /sys/class/gpio/gpio17/value
	ActiveHigh bool   `mapstructure:"active_high"` // Line level while transmitting
}

// SimulatorConfig seeds the in-process slave used by the "simulator" driver
type SimulatorConfig struct {
	Registers []uint16 `mapstructure:"registers"`
	Listen    string   `mapstructure:"listen"` // RTU over TCP address serving the same registers; empty disables
}

// TcpConfig defines the Modbus TCP listener
type TcpConfig struct {
	Address       string        `mapstructure:"address"` // e.g. "0.0.0.0:502"
	AcceptTimeout time.Duration `mapstructure:"accept_timeout"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
}

// BridgeConfig defines the scheduler
type BridgeConfig struct {
	Mode         string        `mapstructure:"mode"`      // "cached", "passthrough"
	Registers    int           `mapstructure:"registers"` // Mirrored registers starting at 0
	PollInterval time.Duration `mapstructure:"poll_interval"`
	TickDelay    time.Duration `mapstructure:"tick_delay"`
}

// StoreConfig defines the register store
type StoreConfig struct {
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

// PersistenceConfig defines data storage settings
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap"
	Path string `mapstructure:"path"` // File path for "file/mmap" type
}

// MetricsConfig defines the prometheus endpoint
type MetricsConfig struct {
	Listen string `mapstructure:"listen"` // Empty disables the endpoint
}

// NetworkConfig defines how network availability is detected
type NetworkConfig struct {
	Interface     string        `mapstructure:"interface"` // Empty means any non-loopback interface
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// Flags returns the command line flags understood by LoadConfig.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("modbus-rtu-bridge", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Path to config file")
	fs.String("log-level", "", "Log level (debug, info, warn, error)")
	fs.String("tcp-address", "", "Modbus TCP listen address")
	fs.String("device", "", "Serial device (or host:port for the tcp driver)")
	return fs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("serial.driver", DriverGridX)
	v.SetDefault("serial.device", "/dev/ttyS0")
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.timeout", 500*time.Millisecond)
	v.SetDefault("serial.char_timeout", 2*time.Millisecond)
	v.SetDefault("serial.slave_id", 1)
	v.SetDefault("serial.retries", 3)
	v.SetDefault("serial.retry_backoff", 100*time.Millisecond)
	v.SetDefault("serial.direction.mode", DirectionNone)
	v.SetDefault("serial.direction.active_high", true)

	v.SetDefault("tcp.address", ":502")
	v.SetDefault("tcp.accept_timeout", 10*time.Millisecond)
	v.SetDefault("tcp.read_timeout", 20*time.Millisecond)

	v.SetDefault("bridge.mode", ModeCached)
	v.SetDefault("bridge.registers", 100)
	v.SetDefault("bridge.poll_interval", time.Second)
	v.SetDefault("bridge.tick_delay", 10*time.Millisecond)

	v.SetDefault("store.persistence.type", "memory")

	v.SetDefault("network.check_interval", time.Second)
}

// LoadConfig loads configuration from file. flags may be nil; when set, its
// non-default values override the file. A missing config file is not an
// error when no explicit path was given.
func LoadConfig(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbusgw/")
		v.AddConfigPath("$HOME/.modbusgw")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	if flags != nil {
		for key, name := range map[string]string{
			"log.level":     "log-level",
			"tcp.address":   "tcp-address",
			"serial.device": "device",
		} {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	fixupSerial(&config.Serial)
	fixupBridge(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	s.Driver = strings.ToLower(s.Driver)
	s.Direction.Mode = strings.ToLower(s.Direction.Mode)
	if s.Timeout == 0 {
		s.Timeout = 500 * time.Millisecond
	}
	if s.Direction.Mode == "" {
		s.Direction.Mode = DirectionNone
	}
	// Kernel direction control is the RS485 ioctl.
	if s.Direction.Mode == DirectionKernel {
		s.RS485 = true
	}
}

func fixupBridge(c *Config) {
	c.Bridge.Mode = strings.ToLower(c.Bridge.Mode)
	c.Store.Persistence.Type = strings.ToLower(c.Store.Persistence.Type)
	if c.Bridge.PollInterval == 0 {
		c.Bridge.PollInterval = time.Second
	}
	if c.Tcp.AcceptTimeout == 0 {
		c.Tcp.AcceptTimeout = 10 * time.Millisecond
	}
	if c.Tcp.ReadTimeout == 0 {
		c.Tcp.ReadTimeout = 20 * time.Millisecond
	}
}

// Validate rejects configurations the bridge cannot run with.
func (c *Config) Validate() error {
	if c.Bridge.Registers < 1 || c.Bridge.Registers > 125 {
		return fmt.Errorf("config: bridge.registers '%v' must be between 1 and 125", c.Bridge.Registers)
	}
	switch c.Bridge.Mode {
	case ModeCached, ModePassthrough:
	default:
		return fmt.Errorf("config: unknown bridge.mode '%v'", c.Bridge.Mode)
	}

	s := &c.Serial
	if s.SlaveID < 1 || s.SlaveID > 247 {
		return fmt.Errorf("config: serial.slave_id '%v' must be between 1 and 247", s.SlaveID)
	}
	if s.Retries < 1 {
		return fmt.Errorf("config: serial.retries '%v' must be at least 1", s.Retries)
	}
	switch s.Driver {
	case DriverGridX, DriverBugst, DriverTCP, DriverSimulator:
	default:
		return fmt.Errorf("config: unknown serial.driver '%v'", s.Driver)
	}
	switch s.Direction.Mode {
	case DirectionNone:
	case DirectionKernel:
		if s.Driver != DriverGridX {
			return fmt.Errorf("config: serial.direction.mode 'kernel' requires the '%v' driver", DriverGridX)
		}
	case DirectionRTS:
		if s.Driver != DriverBugst {
			return fmt.Errorf("config: serial.direction.mode 'rts' requires the '%v' driver", DriverBugst)
		}
	case DirectionGPIO:
		if s.Direction.GpioPath == "" {
			return fmt.Errorf("config: serial.direction.gpio_path is required for mode 'gpio'")
		}
	default:
		return fmt.Errorf("config: unknown serial.direction.mode '%v'", s.Direction.Mode)
	}

	switch c.Store.Persistence.Type {
	case "", "memory":
	case "file", "mmap":
		if c.Store.Persistence.Path == "" {
			return fmt.Errorf("config: store.persistence.path is required for type '%v'", c.Store.Persistence.Type)
		}
	default:
		return fmt.Errorf("config: unknown store.persistence.type '%v'", c.Store.Persistence.Type)
	}
	return nil
}

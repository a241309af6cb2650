// Package config loads rwmonitor settings from defaults, the environment
// and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"rwmonitor/internal/procfs"
)

// Config holds server configuration.
type Config struct {
	Addr          string
	Name          string
	DeviceName    string
	Capacity      int
	Mode          procfs.Mode
	WatchDirs     []string
	MaxWriteBytes int64 // 0 follows Capacity
	EventRate     float64
	EventBurst    int
	PollInterval  time.Duration
	LogLevel      string
	Development   bool
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Addr:          ":8420",
		Name:          "rw_monitor",
		DeviceName:    "android_rw_monitor",
		Capacity:      1024,
		Mode:          procfs.DefaultMode,
		EventRate:     100,
		EventBurst:    50,
		PollInterval:  200 * time.Millisecond,
		LogLevel:      "info",
	}
}

// Load returns the defaults overlaid with RWMONITOR_* environment variables.
func Load() (Config, error) {
	return loadFrom(os.LookupEnv)
}

func loadFrom(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	var errs error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("RWMONITOR_ADDR", &cfg.Addr)
	str("RWMONITOR_NAME", &cfg.Name)
	if v, ok := lookup("RWMONITOR_DEVICE_NAME"); ok {
		cfg.DeviceName = v // empty disables the device entry
	}
	integer("RWMONITOR_CAPACITY", &cfg.Capacity)
	integer("RWMONITOR_EVENT_BURST", &cfg.EventBurst)
	str("RWMONITOR_LOG_LEVEL", &cfg.LogLevel)

	if v, ok := lookup("RWMONITOR_MODE"); ok && v != "" {
		m, err := procfs.ParseMode(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("RWMONITOR_MODE: %w", err))
		} else {
			cfg.Mode = m
		}
	}
	if v, ok := lookup("RWMONITOR_WATCH"); ok && v != "" {
		for _, dir := range strings.Split(v, ",") {
			if dir = strings.TrimSpace(dir); dir != "" {
				cfg.WatchDirs = append(cfg.WatchDirs, dir)
			}
		}
	}
	if v, ok := lookup("RWMONITOR_MAX_WRITE_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("RWMONITOR_MAX_WRITE_BYTES: %w", err))
		} else {
			cfg.MaxWriteBytes = n
		}
	}
	if v, ok := lookup("RWMONITOR_EVENT_RATE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("RWMONITOR_EVENT_RATE: %w", err))
		} else {
			cfg.EventRate = f
		}
	}
	if v, ok := lookup("RWMONITOR_POLL_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("RWMONITOR_POLL_INTERVAL: %w", err))
		} else {
			cfg.PollInterval = d
		}
	}
	if v, ok := lookup("RWMONITOR_DEV"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("RWMONITOR_DEV: %w", err))
		} else {
			cfg.Development = b
		}
	}

	if errs != nil {
		return Config{}, errs
	}
	return cfg, nil
}

// BindFlags registers flags that override c's current values.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address")
	fs.StringVar(&c.Name, "name", c.Name, "name the log is published under")
	fs.StringVar(&c.DeviceName, "device", c.DeviceName, "monitored device entry name (empty disables)")
	fs.IntVar(&c.Capacity, "capacity", c.Capacity, "log capacity in bytes")
	fs.Var((*modeValue)(&c.Mode), "mode", "access mode of published entries (octal)")
	fs.StringSliceVar(&c.WatchDirs, "watch", c.WatchDirs, "directories to monitor for file activity")
	fs.Int64Var(&c.MaxWriteBytes, "max-write-bytes", c.MaxWriteBytes, "largest accepted write request (0 = log capacity)")
	fs.Float64Var(&c.EventRate, "event-rate", c.EventRate, "monitor events per second (0 = unlimited)")
	fs.IntVar(&c.EventBurst, "event-burst", c.EventBurst, "monitor event burst size")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "websocket subscription poll interval")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&c.Development, "dev", c.Development, "human-readable development logging")
}

// Validate reports configuration values the server cannot run with.
func (c Config) Validate() error {
	var errs error
	if c.Addr == "" {
		errs = multierr.Append(errs, errors.New("addr must not be empty"))
	}
	if c.Name == "" {
		errs = multierr.Append(errs, errors.New("name must not be empty"))
	}
	if c.DeviceName != "" && c.DeviceName == c.Name {
		errs = multierr.Append(errs, errors.New("device name must differ from log name"))
	}
	if c.Capacity < 2 {
		errs = multierr.Append(errs, fmt.Errorf("capacity must be at least 2, got %d", c.Capacity))
	}
	if c.MaxWriteBytes < 0 {
		errs = multierr.Append(errs, fmt.Errorf("max write bytes must not be negative, got %d", c.MaxWriteBytes))
	}
	if c.EventRate < 0 {
		errs = multierr.Append(errs, fmt.Errorf("event rate must not be negative, got %v", c.EventRate))
	}
	if c.PollInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	return errs
}

// WriteLimit returns the largest write request the server accepts.
func (c Config) WriteLimit() int64 {
	if c.MaxWriteBytes > 0 {
		return c.MaxWriteBytes
	}
	return int64(c.Capacity)
}

// modeValue adapts procfs.Mode to pflag.Value.
type modeValue procfs.Mode

func (m *modeValue) String() string { return procfs.Mode(*m).String() }

func (m *modeValue) Set(s string) error {
	v, err := procfs.ParseMode(s)
	if err != nil {
		return err
	}
	*m = modeValue(v)
	return nil
}

func (m *modeValue) Type() string { return "mode" }

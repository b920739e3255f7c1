// File: control/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Typed runtime configuration. Layers, lowest first: DefaultConfig, TOML
// file, HIOLOAD_IPC_* environment, command-line flags. A layer never
// overrides a flag the user set explicitly.

package control

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable of a listener or dialer.
type Config struct {
	RingSize              int           `json:"ring_size"`
	Workers               int           `json:"workers"`
	PinCPUs               bool          `json:"pin_cpus"`
	ErrorThreshold        float64       `json:"error_threshold"`
	WindowDuration        time.Duration `json:"window_duration"`
	ResetTimeout          time.Duration `json:"reset_timeout"`
	SuccessThreshold      int           `json:"success_threshold"`
	ConsecutiveErrorLimit int           `json:"consecutive_error_limit"`
	OpTimeout             time.Duration `json:"op_timeout"`
	LogLevel              string        `json:"log_level"`
	LogFormat             string        `json:"log_format"`
	RuntimeDir            string        `json:"runtime_dir"`
	ForceTransport        string        `json:"force_transport"`
}

// DefaultRingSize is the data region of each ring.
const DefaultRingSize = 1 << 20

// Ring sizes outside [MinRingSize, MaxRingSize] are refused, whether they
// come from configuration or from a dialer.
const (
	MinRingSize = 64
	MaxRingSize = 1 << 30
)

// DefaultConfig returns the built-in defaults. Workers zero means
// max(1, NumCPU/4), resolved by the worker pool.
func DefaultConfig() Config {
	return Config{
		RingSize:              DefaultRingSize,
		ErrorThreshold:        50,
		WindowDuration:        10 * time.Second,
		ResetTimeout:          5 * time.Second,
		SuccessThreshold:      3,
		ConsecutiveErrorLimit: 5,
		OpTimeout:             5 * time.Second,
		LogLevel:              "info",
		LogFormat:             "auto",
		RuntimeDir:            DefaultRuntimeDir(),
	}
}

// DefaultRuntimeDir is where rendezvous files and file-backed rings live.
func DefaultRuntimeDir() string {
	if d := os.Getenv("XDG_RUNTIME_DIR"); d != "" {
		return filepath.Join(d, "hioload-ipc")
	}
	return filepath.Join(os.TempDir(), "hioload-ipc")
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.RingSize < MinRingSize || c.RingSize > MaxRingSize {
		errs = append(errs, fmt.Errorf("ring_size %d outside [%d,%d]", c.RingSize, MinRingSize, MaxRingSize))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers %d negative", c.Workers))
	}
	if c.ErrorThreshold <= 0 || c.ErrorThreshold > 100 {
		errs = append(errs, fmt.Errorf("error_threshold %.1f outside (0,100]", c.ErrorThreshold))
	}
	if c.WindowDuration <= 0 || c.ResetTimeout <= 0 || c.OpTimeout <= 0 {
		errs = append(errs, errors.New("window_duration, reset_timeout and op_timeout must be positive"))
	}
	if c.SuccessThreshold <= 0 || c.ConsecutiveErrorLimit <= 0 {
		errs = append(errs, errors.New("success_threshold and consecutive_error_limit must be positive"))
	}
	switch strings.ToLower(c.ForceTransport) {
	case "", "shm", "socket":
	default:
		errs = append(errs, fmt.Errorf("force_transport %q: want shm or socket", c.ForceTransport))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "auto", "console", "json", "zap":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: want auto, console, json or zap", c.LogFormat))
	}
	return errors.Join(errs...)
}

// configSetter applies one layer, skipping keys whose flag was set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(key, value string, dst *string) {
	if value == "" || s.changed[key] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt(key string, value int, dst *int) {
	if value <= 0 || s.changed[key] {
		return
	}
	*dst = value
}

func (s *configSetter) setFloat(key string, value float64, dst *float64) {
	if value <= 0 || s.changed[key] {
		return
	}
	*dst = value
}

func (s *configSetter) setBool(key string, value *bool, dst *bool) {
	if value == nil || s.changed[key] {
		return
	}
	*dst = *value
}

func (s *configSetter) setDuration(key, value string, dst *time.Duration) error {
	if value == "" || s.changed[key] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

func (s *configSetter) setIntFromString(key, value string, dst *int) error {
	if value == "" || s.changed[key] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	s.setInt(key, i, dst)
	return nil
}

func (s *configSetter) setFloatFromString(key, value string, dst *float64) error {
	if value == "" || s.changed[key] {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	s.setFloat(key, f, dst)
	return nil
}

func (s *configSetter) setBoolFromString(key, value string, dst *bool) error {
	if value == "" || s.changed[key] {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = b
	return nil
}

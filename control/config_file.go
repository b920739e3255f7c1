// File: control/config_file.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package control

import (
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// fileConfig mirrors Config with durations as strings.
type fileConfig struct {
	RingSize              int     `toml:"ring_size"`
	Workers               int     `toml:"workers"`
	PinCPUs               *bool   `toml:"pin_cpus"`
	ErrorThreshold        float64 `toml:"error_threshold"`
	WindowDuration        string  `toml:"window_duration"`
	ResetTimeout          string  `toml:"reset_timeout"`
	SuccessThreshold      int     `toml:"success_threshold"`
	ConsecutiveErrorLimit int     `toml:"consecutive_error_limit"`
	OpTimeout             string  `toml:"op_timeout"`
	LogLevel              string  `toml:"log_level"`
	LogFormat             string  `toml:"log_format"`
	RuntimeDir            string  `toml:"runtime_dir"`
	ForceTransport        string  `toml:"force_transport"`
}

// DefaultConfigPath is ~/.hioload-ipc/config.toml, or "" without a home.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".hioload-ipc", "config.toml")
	}
	return ""
}

// ApplyFile reads the TOML file at path into cfg. A missing file is not an
// error.
func ApplyFile(cfg *Config, path string, changed map[string]bool) error {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return applyFileConfig(cfg, fc, changed)
}

func applyFileConfig(cfg *Config, fc fileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setInt("ring-size", fc.RingSize, &cfg.RingSize)
	s.setInt("workers", fc.Workers, &cfg.Workers)
	s.setBool("pin-cpus", fc.PinCPUs, &cfg.PinCPUs)
	s.setFloat("error-threshold", fc.ErrorThreshold, &cfg.ErrorThreshold)
	s.setInt("success-threshold", fc.SuccessThreshold, &cfg.SuccessThreshold)
	s.setInt("consecutive-error-limit", fc.ConsecutiveErrorLimit, &cfg.ConsecutiveErrorLimit)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setString("log-format", fc.LogFormat, &cfg.LogFormat)
	s.setString("runtime-dir", fc.RuntimeDir, &cfg.RuntimeDir)
	s.setString("force-transport", fc.ForceTransport, &cfg.ForceTransport)

	if err := s.setDuration("window-duration", fc.WindowDuration, &cfg.WindowDuration); err != nil {
		return err
	}
	if err := s.setDuration("reset-timeout", fc.ResetTimeout, &cfg.ResetTimeout); err != nil {
		return err
	}
	return s.setDuration("op-timeout", fc.OpTimeout, &cfg.OpTimeout)
}

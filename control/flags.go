// File: control/flags.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package control

import (
	"fmt"

	"github.com/spf13/pflag"
)

// BindFlags registers one flag per Config field, writing into cfg.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.IntVar(&cfg.RingSize, "ring-size", cfg.RingSize, "ring data region in bytes")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "worker threads (0 = NumCPU/4)")
	fs.BoolVar(&cfg.PinCPUs, "pin-cpus", cfg.PinCPUs, "pin worker threads to CPUs")
	fs.Float64Var(&cfg.ErrorThreshold, "error-threshold", cfg.ErrorThreshold, "breaker error rate percent")
	fs.DurationVar(&cfg.WindowDuration, "window-duration", cfg.WindowDuration, "breaker rolling window")
	fs.DurationVar(&cfg.ResetTimeout, "reset-timeout", cfg.ResetTimeout, "breaker open period before a probe")
	fs.IntVar(&cfg.SuccessThreshold, "success-threshold", cfg.SuccessThreshold, "half-open successes needed to close")
	fs.IntVar(&cfg.ConsecutiveErrorLimit, "consecutive-error-limit", cfg.ConsecutiveErrorLimit, "consecutive failures that open the breaker")
	fs.DurationVar(&cfg.OpTimeout, "op-timeout", cfg.OpTimeout, "per-operation timeout")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "auto, console, json or zap")
	fs.StringVar(&cfg.RuntimeDir, "runtime-dir", cfg.RuntimeDir, "rendezvous and ring file directory")
	fs.StringVar(&cfg.ForceTransport, "force-transport", cfg.ForceTransport, "shm or socket; empty selects automatically")
}

// Changed returns the names of flags set on the command line.
func Changed(fs *pflag.FlagSet) map[string]bool {
	changed := map[string]bool{}
	fs.Visit(func(f *pflag.Flag) { changed[f.Name] = true })
	return changed
}

// Load layers file and environment over cfg, which already carries the
// defaults and parsed flags, then validates the result.
func Load(cfg *Config, path string, changed map[string]bool) error {
	if path != "" {
		if err := ApplyFile(cfg, path, changed); err != nil {
			return err
		}
	}
	if err := ApplyEnv(cfg, changed); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return cfg.Validate()
}

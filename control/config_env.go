// File: control/config_env.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package control

import (
	"errors"
	"os"
)

// EnvPrefix prefixes every environment key.
const EnvPrefix = "HIOLOAD_IPC_"

// ApplyEnv applies HIOLOAD_IPC_* variables. Keys whose flag was set
// explicitly are left alone.
func ApplyEnv(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)
	env := func(k string) string { return os.Getenv(EnvPrefix + k) }

	s.setString("log-level", env("LOG_LEVEL"), &cfg.LogLevel)
	s.setString("log-format", env("LOG_FORMAT"), &cfg.LogFormat)
	s.setString("runtime-dir", env("RUNTIME_DIR"), &cfg.RuntimeDir)
	s.setString("force-transport", env("FORCE_TRANSPORT"), &cfg.ForceTransport)

	return errors.Join(
		s.setIntFromString("ring-size", env("RING_SIZE"), &cfg.RingSize),
		s.setIntFromString("workers", env("WORKERS"), &cfg.Workers),
		s.setBoolFromString("pin-cpus", env("PIN_CPUS"), &cfg.PinCPUs),
		s.setFloatFromString("error-threshold", env("ERROR_THRESHOLD"), &cfg.ErrorThreshold),
		s.setDuration("window-duration", env("WINDOW_DURATION"), &cfg.WindowDuration),
		s.setDuration("reset-timeout", env("RESET_TIMEOUT"), &cfg.ResetTimeout),
		s.setIntFromString("success-threshold", env("SUCCESS_THRESHOLD"), &cfg.SuccessThreshold),
		s.setIntFromString("consecutive-error-limit", env("CONSECUTIVE_ERROR_LIMIT"), &cfg.ConsecutiveErrorLimit),
		s.setDuration("op-timeout", env("OP_TIMEOUT"), &cfg.OpTimeout),
	)
}

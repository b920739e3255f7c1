// File: cmd/hioload-ipc/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// hioload-ipc serves, benchmarks, monitors and probes shared-memory IPC
// channels.

package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"github.com/momentics/hioload-ipc/control"
	"github.com/momentics/hioload-ipc/logging"
)

var exampleUsage = strings.TrimSpace(`
  hioload-ipc serve demo --health-addr 127.0.0.1:9090
  hioload-ipc bench demo --count 100000 --size 256
  hioload-ipc top demo
  hioload-ipc probe
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// app is the state shared by every subcommand.
type app struct {
	cfg     control.Config
	cfgPath string
	// base is defaults plus flags, before file and environment.
	base    control.Config
	changed map[string]bool
	log     logging.Logger
}

// setup layers file and environment over the parsed flags and builds the
// logger.
func (a *app) setup(cmd *cobra.Command) error {
	a.changed = control.Changed(cmd.Flags())
	if a.cfgPath == "" {
		a.cfgPath = control.DefaultConfigPath()
	}
	a.base = a.cfg
	if err := control.Load(&a.cfg, a.cfgPath, a.changed); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(logging.Options{Level: a.cfg.LogLevel, Format: a.cfg.LogFormat})
	if err != nil {
		return err
	}
	a.log = log
	a.log.Debug("configuration", logging.String("path", a.cfgPath), logging.Any("config", a.cfg))
	return nil
}

func newRootCommand() *cobra.Command {
	a := &app{cfg: control.DefaultConfig()}
	root := &cobra.Command{
		Use:           "hioload-ipc",
		Short:         "Cross-process shared-memory IPC with socket fallback",
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "path to config file (default: $HOME/.hioload-ipc/config.toml)")
	control.BindFlags(root.PersistentFlags(), &a.cfg)

	root.AddCommand(
		newServeCommand(a),
		newBenchCommand(a),
		newTopCommand(a),
		newProbeCommand(a),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "hioload-ipc:", err)
		os.Exit(1)
	}
}

// File: cmd/hioload-ipc/probe.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/momentics/hioload-ipc/control"
	"github.com/momentics/hioload-ipc/internal/concurrency"
	"github.com/momentics/hioload-ipc/internal/shm"
	"github.com/momentics/hioload-ipc/internal/transport"
)

// probeReport is what probe prints.
type probeReport struct {
	Features transport.Features `json:"features"`
	Workers  int                `json:"default_workers"`
	Platform map[string]any     `json:"platform"`
}

func newProbeCommand(a *app) *cobra.Command {
	var shmDir string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Report which transports and wait primitives this host supports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := shm.NewRegistry(shmDir)
			defer reg.Close()
			probes := control.NewDebugProbes()
			control.RegisterPlatformProbes(probes)
			rep := probeReport{
				Features: transport.DetectFeatures(reg),
				Workers:  concurrency.DefaultWorkers(),
				Platform: probes.DumpState(),
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
	cmd.Flags().StringVar(&shmDir, "shm-dir", "", "ring object directory (default: platform shared memory)")
	return cmd
}

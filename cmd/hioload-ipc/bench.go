// File: cmd/hioload-ipc/bench.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/momentics/hioload-ipc/ipc"
	"github.com/momentics/hioload-ipc/logging"
)

type benchOptions struct {
	count  int
	size   int
	warmup int
	batch  int
}

// benchResult is printed by bench.
type benchResult struct {
	Transport    string
	Performance  string
	Fallback     string
	Count        int
	Size         int
	Elapsed      time.Duration
	P50          time.Duration
	P90          time.Duration
	P99          time.Duration
	Max          time.Duration
	MsgsPerSec   float64
	MBytesPerSec float64
}

func newBenchCommand(a *app) *cobra.Command {
	var opts benchOptions
	cmd := &cobra.Command{
		Use:   "bench <name>",
		Short: "Measure round-trip latency and throughput against an echoing server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := bench(cmd.Context(), a, args[0], opts)
			if err != nil {
				return err
			}
			printBench(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.count, "count", 10000, "round trips to time")
	cmd.Flags().IntVar(&opts.size, "size", 256, "payload bytes per frame")
	cmd.Flags().IntVar(&opts.warmup, "warmup", 1000, "untimed round trips first")
	cmd.Flags().IntVar(&opts.batch, "batch", 1, "frames per WriteBatch in the throughput phase")
	return cmd
}

func bench(ctx context.Context, a *app, name string, opts benchOptions) (benchResult, error) {
	if opts.count <= 0 || opts.size < 0 || opts.batch <= 0 {
		return benchResult{}, fmt.Errorf("count and batch must be positive, size non-negative")
	}
	c, err := ipc.Dial(ctx, name, ipc.WithConfig(a.cfg), ipc.WithLogger(a.log))
	if err != nil {
		return benchResult{}, err
	}
	defer c.Close()

	msg := make([]byte, opts.size)
	for i := 0; i < opts.warmup; i++ {
		if _, err := roundTrip(ctx, c, msg); err != nil {
			return benchResult{}, fmt.Errorf("warmup: %w", err)
		}
	}

	samples := make([]time.Duration, 0, opts.count)
	for i := 0; i < opts.count; i++ {
		d, err := roundTrip(ctx, c, msg)
		if err != nil {
			return benchResult{}, fmt.Errorf("round trip %d: %w", i, err)
		}
		samples = append(samples, d)
	}
	slices.Sort(samples)

	elapsed, err := throughput(ctx, c, msg, opts.count, opts.batch)
	if err != nil {
		return benchResult{}, fmt.Errorf("throughput: %w", err)
	}
	d := c.Descriptor()
	res := benchResult{
		Transport:   d.Platform,
		Performance: d.Performance.String(),
		Count:       opts.count,
		Size:        opts.size,
		Elapsed:     elapsed,
		P50:         percentile(samples, 0.50),
		P90:         percentile(samples, 0.90),
		P99:         percentile(samples, 0.99),
		Max:         samples[len(samples)-1],
	}
	if d.Fallback {
		res.Fallback = d.Reason
	}
	if secs := elapsed.Seconds(); secs > 0 {
		res.MsgsPerSec = float64(opts.count) / secs
		res.MBytesPerSec = float64(opts.count*opts.size) / secs / (1 << 20)
	}
	a.log.Debug("bench finished", logging.Any("stats", c.Stats()))
	return res, nil
}

func roundTrip(ctx context.Context, c *ipc.Conn, msg []byte) (time.Duration, error) {
	start := time.Now()
	if err := c.Write(ctx, msg); err != nil {
		return 0, err
	}
	if _, err := c.Read(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// throughput streams count frames in batches while a reader collects the
// echoes, and returns the time until the last echo arrived.
func throughput(ctx context.Context, c *ipc.Conn, msg []byte, count, batch int) (time.Duration, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	readErr := make(chan error, 1)
	go func() {
		got := 0
		for got < count {
			frames, err := c.ReadBatch(ctx, 256)
			if err != nil {
				readErr <- err
				return
			}
			got += len(frames)
		}
		readErr <- nil
	}()

	start := time.Now()
	frames := make([][]byte, batch)
	for i := range frames {
		frames[i] = msg
	}
	for sent := 0; sent < count; {
		n := min(batch, count-sent)
		written, err := c.WriteBatch(ctx, frames[:n])
		sent += written
		if err != nil {
			return 0, err
		}
	}
	if err := <-readErr; err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(q * float64(len(sorted)-1))
	return sorted[i]
}

func printBench(w io.Writer, r benchResult) {
	fmt.Fprintf(w, "transport    %s (%s)\n", r.Transport, r.Performance)
	if r.Fallback != "" {
		fmt.Fprintf(w, "fallback     %s\n", r.Fallback)
	}
	fmt.Fprintf(w, "round trips  %d x %d bytes\n", r.Count, r.Size)
	fmt.Fprintf(w, "latency      p50 %v  p90 %v  p99 %v  max %v\n", r.P50, r.P90, r.P99, r.Max)
	fmt.Fprintf(w, "throughput   %.0f msg/s  %.1f MiB/s  (%v)\n", r.MsgsPerSec, r.MBytesPerSec, r.Elapsed)
}

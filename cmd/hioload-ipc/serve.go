// File: cmd/hioload-ipc/serve.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/control"
	"github.com/momentics/hioload-ipc/internal/concurrency"
	"github.com/momentics/hioload-ipc/ipc"
	"github.com/momentics/hioload-ipc/logging"
)

type serveOptions struct {
	healthAddr string
	echo       bool
}

func newServeCommand(a *app) *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve <name>",
		Short: "Listen on a channel and drain connections with the worker pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.healthAddr, "health-addr", "", "serve gRPC health checks on this address")
	cmd.Flags().BoolVar(&opts.echo, "echo", true, "write every frame back to its sender")
	return cmd
}

func serve(ctx context.Context, a *app, name string, opts serveOptions) error {
	store := control.NewConfigStore(a.cfg)
	metrics := control.NewMetricsRegistry()
	probes := control.NewDebugProbes()
	control.RegisterPlatformProbes(probes)

	l, err := ipc.Listen(name,
		ipc.WithConfigStore(store),
		ipc.WithLogger(a.log),
		ipc.WithMetrics(metrics),
		ipc.WithProbes(probes))
	if err != nil {
		return err
	}
	defer l.Close()

	var conns sync.Map // uint64 -> *ipc.Conn
	handled := metrics.Counter("serve.frames")
	pool := concurrency.NewWorkerPool(concurrency.WorkerPoolConfig{
		Workers: a.cfg.Workers,
		Pin:     a.cfg.PinCPUs,
		Log:     a.log,
		OnError: func(id uint64, err error) {
			if c, ok := conns.LoadAndDelete(id); ok {
				_ = c.(*ipc.Conn).Close()
			}
		},
	}, func(id uint64, frame []byte) {
		handled.Inc()
		if !opts.echo {
			return
		}
		c, ok := conns.Load(id)
		if !ok {
			return
		}
		if err := c.(*ipc.Conn).Write(context.Background(), frame); err != nil {
			a.log.Debug("echo failed", logging.Uint64("conn", id), logging.Err(err))
		}
	})
	defer pool.Close()
	probes.RegisterProbe("pool", func() any { return pool.Stats() })

	watcher := control.NewWatcher(store, a.cfgPath, a.base, a.changed, a.log)
	go func() {
		if err := watcher.Run(ctx); err != nil {
			a.log.Warn("config hot reload disabled", logging.Err(err))
		}
	}()

	if opts.healthAddr != "" {
		stopHealth, err := serveHealth(ctx, a.log, l, opts.healthAddr)
		if err != nil {
			return err
		}
		defer stopHealth()
	}

	a.log.Info("serving", logging.String("name", name), logging.Int("workers", pool.Stats().Workers))
	for {
		c, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, api.ErrClosed) {
				a.log.Info("shutting down", logging.String("name", name))
				return nil
			}
			return err
		}
		conns.Store(c.ID(), c)
		if err := pool.Register(c); err != nil {
			conns.Delete(c.ID())
			_ = c.Close()
			a.log.Warn("register failed", logging.Uint64("conn", c.ID()), logging.Err(err))
		}
	}
}

// serveHealth exposes l.Health over the standard gRPC health service. The
// empty service tracks the listener; the channel name turns NOT_SERVING
// while any breaker is open.
func serveHealth(ctx context.Context, log logging.Logger, l *ipc.Listener, addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("health listen: %w", err)
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	update := func() {
		h := l.Health()
		overall, channel := healthpb.HealthCheckResponse_SERVING, healthpb.HealthCheckResponse_SERVING
		switch h.Status {
		case ipc.StatusDegraded:
			channel = healthpb.HealthCheckResponse_NOT_SERVING
		case ipc.StatusNotServing:
			overall, channel = healthpb.HealthCheckResponse_NOT_SERVING, healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", overall)
		hs.SetServingStatus(l.Name(), channel)
	}
	update()

	done := make(chan struct{})
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				update()
			}
		}
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("health server stopped", logging.Err(err))
		}
	}()
	log.Info("health service", logging.String("addr", ln.Addr().String()))
	return func() {
		close(done)
		hs.Shutdown()
		srv.GracefulStop()
	}, nil
}

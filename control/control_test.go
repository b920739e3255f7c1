package control

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
ring_size = 8192
workers = 3
op_timeout = "2s"
log_level = "warn"
force_transport = "socket"
`)
	t.Setenv("HIOLOAD_IPC_WORKERS", "5")
	t.Setenv("HIOLOAD_IPC_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs, &cfg)
	if err := fs.Parse([]string{"--log-level=error"}); err != nil {
		t.Fatal(err)
	}
	if err := Load(&cfg, path, Changed(fs)); err != nil {
		t.Fatal(err)
	}

	if cfg.RingSize != 8192 {
		t.Errorf("ring_size = %d, want file value", cfg.RingSize)
	}
	if cfg.Workers != 5 {
		t.Errorf("workers = %d, want env value", cfg.Workers)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("log_level = %q, want flag value", cfg.LogLevel)
	}
	if cfg.OpTimeout != 2*time.Second || cfg.ForceTransport != "socket" {
		t.Errorf("file values lost: %+v", cfg)
	}
	if cfg.ResetTimeout != 5*time.Second {
		t.Errorf("default lost: %v", cfg.ResetTimeout)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"syntax":    `ring_size = `,
		"duration":  `op_timeout = "soon"`,
		"transport": `force_transport = "carrier-pigeon"`,
		"ring":      `ring_size = 16`,
		"ring-huge": `ring_size = 4294967296`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".toml")
			writeFile(t, path, body)
			cfg := DefaultConfig()
			if err := Load(&cfg, path, nil); err == nil {
				t.Fatal("accepted")
			}
		})
	}
	cfg := DefaultConfig()
	if err := Load(&cfg, filepath.Join(dir, "missing.toml"), nil); err != nil {
		t.Fatalf("missing file: %v", err)
	}
	t.Setenv("HIOLOAD_IPC_RING_SIZE", "lots")
	if err := Load(&cfg, "", nil); err == nil {
		t.Fatal("bad env accepted")
	}
}

func TestStoreListeners(t *testing.T) {
	cs := NewConfigStore(DefaultConfig())
	var got []int
	cs.OnReload(func(old, cur Config) { got = append(got, old.RingSize, cur.RingSize) })

	next := DefaultConfig()
	next.RingSize = 4096
	if err := cs.Set(next); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != DefaultRingSize || got[1] != 4096 {
		t.Fatalf("listener saw %v", got)
	}
	bad := next
	bad.ErrorThreshold = 0
	if cs.Set(bad) == nil {
		t.Fatal("invalid config published")
	}
	if cs.Snapshot().ErrorThreshold != next.ErrorThreshold {
		t.Fatal("invalid config replaced snapshot")
	}
}

func TestWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `reset_timeout = "1s"`)
	base := DefaultConfig()
	cfg := base
	if err := Load(&cfg, path, nil); err != nil {
		t.Fatal(err)
	}
	cs := NewConfigStore(cfg)
	reloaded := make(chan Config, 4)
	cs.OnReload(func(_, cur Config) { reloaded <- cur })

	w := NewWatcher(cs, path, base, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	// give the watcher time to register the directory
	time.Sleep(50 * time.Millisecond)
	writeFile(t, path, `reset_timeout = "7s"`)
	select {
	case cur := <-reloaded:
		if cur.ResetTimeout != 7*time.Second {
			t.Fatalf("reset_timeout = %v", cur.ResetTimeout)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}

	writeFile(t, path, `reset_timeout = "never"`)
	if err := w.Reload(); err == nil {
		t.Fatal("bad file reloaded")
	}
	if cs.Snapshot().ResetTimeout != 7*time.Second {
		t.Fatal("bad reload replaced config")
	}
}

func TestHistogram(t *testing.T) {
	var h Histogram
	for i := 0; i < 99; i++ {
		h.Observe(time.Microsecond)
	}
	h.Observe(time.Second)
	s := h.Snapshot()
	if s.Count != 100 || s.Max != time.Second {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.P50 < 512*time.Nanosecond || s.P50 > 2*time.Microsecond {
		t.Fatalf("p50 = %v", s.P50)
	}
	if s.P99 < 512*time.Millisecond {
		t.Fatalf("p99 = %v", s.P99)
	}
}

func TestMetricsRegistry(t *testing.T) {
	mr := NewMetricsRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				mr.Counter("frames").Inc()
			}
		}()
	}
	wg.Wait()
	mr.Gauge("conns").Add(2)
	mr.Histogram("latency").Observe(time.Millisecond)
	s := mr.GetSnapshot()
	if s.Counters["frames"] != 8000 || s.Gauges["conns"] != 2 || s.Histograms["latency"].Count != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
	if names := s.Names(); len(names) != 1 || names[0] != "frames" {
		t.Fatalf("names = %v", names)
	}
}

func TestDebugProbes(t *testing.T) {
	dp := NewDebugProbes()
	RegisterPlatformProbes(dp)
	dp.RegisterProbe("conn.1", func() any { return "up" })
	state := dp.DumpState()
	if state["conn.1"] != "up" || state["platform.cpus"] == nil {
		t.Fatalf("state = %v", state)
	}
	dp.UnregisterProbe("conn.1")
	for _, n := range dp.Names() {
		if n == "conn.1" {
			t.Fatal("probe not removed")
		}
	}
}

func TestStoreCancelListener(t *testing.T) {
	cs := NewConfigStore(DefaultConfig())
	calls := 0
	cancel := cs.OnReload(func(_, _ Config) { calls++ })
	_ = cs.Set(DefaultConfig())
	cancel()
	_ = cs.Set(DefaultConfig())
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}

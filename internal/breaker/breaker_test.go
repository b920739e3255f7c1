package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/momentics/hioload-ipc/api"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New(cfg, WithClock(clk.Now)), clk
}

func TestTransitions(t *testing.T) {
	b, clk := newTestBreaker(Config{
		ConsecutiveErrorLimit: 3,
		ResetTimeout:          time.Second,
		SuccessThreshold:      2,
		MinRequests:           100,
	})

	for i := 0; i < 2; i++ {
		b.RecordFailure()
	}
	if b.State() != Closed || !b.Allow() {
		t.Fatal("two failures must not open the breaker")
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("state = %v after three consecutive failures", b.State())
	}
	if b.Allow() {
		t.Fatal("Open breaker allowed a request")
	}

	clk.Advance(999 * time.Millisecond)
	if b.Allow() {
		t.Fatal("allowed before reset timeout")
	}
	clk.Advance(time.Millisecond)
	if b.State() != Open {
		t.Fatal("Open must not move on its own")
	}
	if !b.Allow() {
		t.Fatal("first Allow after reset timeout must pass")
	}
	if b.State() != HalfOpen {
		t.Fatalf("state = %v, want half-open", b.State())
	}

	b.RecordSuccess()
	if b.State() != HalfOpen {
		t.Fatal("closed before success threshold")
	}
	b.RecordSuccess()
	if b.State() != Closed {
		t.Fatalf("state = %v after success threshold", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(Config{ConsecutiveErrorLimit: 3, ResetTimeout: time.Second})
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(time.Second)
	if !b.Allow() || b.State() != HalfOpen {
		t.Fatal("expected half-open trial")
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("reopened breaker allowed a request")
	}
}

func TestErrorRateWindow(t *testing.T) {
	b, clk := newTestBreaker(Config{
		ErrorThreshold:        50,
		WindowDuration:        time.Second,
		ConsecutiveErrorLimit: 100,
		MinRequests:           4,
	})
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != Closed {
		t.Fatal("rate rule applied below MinRequests")
	}
	// 3 of 4 failed: 75% > 50%.
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}

	b.Reset()
	b.RecordFailure()
	b.RecordFailure()
	clk.Advance(2 * time.Second)
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure()
	st := b.Stats()
	if st.Requests != 4 || st.Failures != 1 {
		t.Fatalf("window = %d/%d, old entries not pruned", st.Failures, st.Requests)
	}
	if b.State() != Closed {
		t.Fatal("pruned failures still counted")
	}
}

func TestExecute(t *testing.T) {
	b, _ := newTestBreaker(Config{ConsecutiveErrorLimit: 1, ResetTimeout: time.Hour})
	boom := errors.New("boom")
	if err := b.Execute(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	ran := false
	err := b.Execute(func() error { ran = true; return nil })
	if !errors.Is(err, api.ErrCircuitOpen) || ran {
		t.Fatalf("open breaker ran fn or returned %v", err)
	}
	if b.Stats().Rejected != 1 {
		t.Fatalf("rejected = %d", b.Stats().Rejected)
	}
}

func TestOnStateChange(t *testing.T) {
	b, clk := newTestBreaker(Config{ConsecutiveErrorLimit: 1, ResetTimeout: time.Second, SuccessThreshold: 1})
	var got []string
	b.OnStateChange(func(from, to State) { got = append(got, from.String()+">"+to.String()) })
	b.RecordFailure()
	clk.Advance(time.Second)
	b.Allow()
	b.RecordSuccess()
	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v", got)
		}
	}
}

func TestStatsDoNotBlockRecords(t *testing.T) {
	b := New(Config{ConsecutiveErrorLimit: 1 << 30, MinRequests: 1 << 30})
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = b.Stats()
			}
		}
	}()
	for i := 0; i < 10000; i++ {
		if i%3 == 0 {
			b.RecordFailure()
		} else {
			b.RecordSuccess()
		}
	}
	close(stop)
	wg.Wait()
	st := b.Stats()
	if st.TotalFailures+st.TotalSuccesses != 10000 {
		t.Fatalf("totals = %d + %d", st.TotalFailures, st.TotalSuccesses)
	}
}

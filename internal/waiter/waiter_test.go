package waiter

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/hioload-ipc/api"
)

func waiters() map[string]api.Waiter {
	return map[string]api.Waiter{
		"platform": New(),
		"poll":     NewPoll(),
	}
}

func TestWaitChangedValue(t *testing.T) {
	for name, w := range waiters() {
		t.Run(name, func(t *testing.T) {
			var word uint32 = 5
			if !w.Wait(&word, 4, time.Second) {
				t.Fatal("Wait on a value that already differs must report woken")
			}
		})
	}
}

func TestWaitTimeoutFidelity(t *testing.T) {
	const timeout = 30 * time.Millisecond
	for name, w := range waiters() {
		t.Run(name, func(t *testing.T) {
			var word uint32
			start := time.Now()
			if w.Wait(&word, 0, timeout) {
				t.Fatal("Wait without a change reported woken")
			}
			elapsed := time.Since(start)
			if elapsed < timeout-2*time.Millisecond {
				t.Fatalf("returned after %v, before the %v timeout", elapsed, timeout)
			}
			if elapsed > timeout+250*time.Millisecond {
				t.Fatalf("returned after %v, far past the %v timeout", elapsed, timeout)
			}
		})
	}
}

func TestWakeOnePromptness(t *testing.T) {
	for name, w := range waiters() {
		t.Run(name, func(t *testing.T) {
			var word uint32
			done := make(chan time.Time, 1)
			go func() {
				if w.Wait(&word, 0, 5*time.Second) {
					done <- time.Now()
				} else {
					done <- time.Time{}
				}
			}()
			time.Sleep(20 * time.Millisecond)
			changed := time.Now()
			atomic.StoreUint32(&word, 1)
			w.WakeOne(&word)
			woke := <-done
			if woke.IsZero() {
				t.Fatal("waiter timed out instead of waking")
			}
			if lat := woke.Sub(changed); lat > 50*time.Millisecond {
				t.Fatalf("wake latency %v", lat)
			}
		})
	}
}

func TestWakeAll(t *testing.T) {
	for name, w := range waiters() {
		t.Run(name, func(t *testing.T) {
			var word uint32
			var woken atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if w.Wait(&word, 0, 5*time.Second) {
						woken.Add(1)
					}
				}()
			}
			time.Sleep(20 * time.Millisecond)
			atomic.StoreUint32(&word, 1)
			w.WakeAll(&word)
			wg.Wait()
			if woken.Load() != 4 {
				t.Fatalf("%d of 4 waiters woke", woken.Load())
			}
		})
	}
}

func TestWakeWithoutWaiters(t *testing.T) {
	for name, w := range waiters() {
		t.Run(name, func(t *testing.T) {
			var word uint32
			w.WakeOne(&word)
			w.WakeAll(&word)
		})
	}
}

func TestProbeAndName(t *testing.T) {
	w := New()
	if w.Name() == "" {
		t.Fatal("empty waiter name")
	}
	if err := Probe(w); err != nil {
		t.Logf("platform waiter unavailable: %v", err)
	}
	if err := Probe(NewPoll()); err != nil {
		t.Fatalf("poll waiter must always probe clean: %v", err)
	}
}

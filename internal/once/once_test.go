package once

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IvanBrykalov/memocache/future"
)

// runMany fires n concurrent Run (or RunAsync) calls and waits for all of them.
func runMany(t *testing.T, o *Once, n int, async bool) {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			var err error
			if async {
				_, err = o.RunAsync(context.Background()).Await()
			} else {
				err = o.Run(context.Background())
			}
			if err != nil {
				t.Errorf("run: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestOnce_RunsOnceAcrossGoroutines(t *testing.T) {
	t.Parallel()

	var calls int64
	o := New(func(context.Context) error {
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&calls, 1)
		return nil
	})
	runMany(t, o, 10, false)
	runMany(t, o, 10, true)

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("work must run exactly once, got %d", got)
	}
	if !o.DidRun() || o.Count() != 1 {
		t.Fatalf("DidRun=%v Count=%d", o.DidRun(), o.Count())
	}
}

func TestOnce_AsyncWork(t *testing.T) {
	t.Parallel()

	var calls int64
	o := NewAsync(func(context.Context) *future.Future[struct{}] {
		return future.Go(func() (struct{}, error) {
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&calls, 1)
			return struct{}{}, nil
		})
	})
	runMany(t, o, 10, true)
	// Blocking callers bridge onto the async representation.
	runMany(t, o, 10, false)

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("async work must run exactly once, got %d", got)
	}
}

// A resettable predicate re-arms the Once; each re-arm yields one run.
func TestOnce_PredicateRearms(t *testing.T) {
	t.Parallel()

	for _, async := range []bool{false, true} {
		var enabled atomic.Bool
		var calls int64
		o := New(func(context.Context) error {
			time.Sleep(time.Millisecond)
			enabled.Store(false)
			atomic.AddInt64(&calls, 1)
			return nil
		}, WithPredicate(enabled.Load))

		runMany(t, o, 10, async)
		if got := atomic.LoadInt64(&calls); got != 0 {
			t.Fatalf("async=%v: disabled predicate must not run, got %d", async, got)
		}
		enabled.Store(true)
		runMany(t, o, 10, async)
		if got := atomic.LoadInt64(&calls); got != 1 {
			t.Fatalf("async=%v: want 1 run, got %d", async, got)
		}
		runMany(t, o, 10, async)
		if got := atomic.LoadInt64(&calls); got != 1 {
			t.Fatalf("async=%v: predicate false again, want 1 run, got %d", async, got)
		}
		enabled.Store(true)
		runMany(t, o, 10, async)
		if got := atomic.LoadInt64(&calls); got != 2 {
			t.Fatalf("async=%v: want 2 runs, got %d", async, got)
		}
	}
}

func TestOnce_CountTracksRuns(t *testing.T) {
	t.Parallel()

	var enabled atomic.Bool
	counter := int64(0)
	o := New(func(context.Context) error {
		enabled.Store(false)
		counter++
		return nil
	}, WithPredicate(enabled.Load))

	if o.DidRun() {
		t.Fatal("DidRun must be false before the first run")
	}
	for i := 0; i < 10; i++ {
		enabled.Store(true)
		if o.Count() != counter {
			t.Fatalf("Count=%d, want %d", o.Count(), counter)
		}
		_ = o.Run(context.Background())
		if !o.DidRun() {
			t.Fatal("DidRun must be true after a run")
		}
	}
	if o.Count() != 10 {
		t.Fatalf("want 10 runs, got %d", o.Count())
	}
}

// Background spinners never run the work while the predicate is false.
func TestOnce_BackgroundSpinners(t *testing.T) {
	t.Parallel()

	var enabled, stop atomic.Bool
	var calls int64
	o := New(func(context.Context) error {
		enabled.Store(false)
		atomic.AddInt64(&calls, 1)
		return nil
	}, WithPredicate(enabled.Load))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				_ = o.Run(context.Background())
			}
		}()
	}

	waitFor := func(want int64) {
		deadline := time.Now().Add(time.Second)
		for atomic.LoadInt64(&calls) != want && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if got := atomic.LoadInt64(&calls); got != want {
			t.Errorf("want %d runs, got %d", want, got)
		}
	}

	time.Sleep(10 * time.Millisecond)
	waitFor(0)
	enabled.Store(true)
	waitFor(1)
	time.Sleep(10 * time.Millisecond)
	waitFor(1)
	enabled.Store(true)
	waitFor(2)

	stop.Store(true)
	wg.Wait()
}

// A failed run is not counted and the Once stays armed.
func TestOnce_FailureKeepsArmed(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	fail := true
	o := New(func(context.Context) error {
		if fail {
			return boom
		}
		return nil
	})
	if err := o.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	if o.DidRun() || !o.Ready() {
		t.Fatal("failed run must leave the Once armed")
	}
	fail = false
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if o.Count() != 1 || o.Ready() {
		t.Fatalf("Count=%d Ready=%v", o.Count(), o.Ready())
	}
}

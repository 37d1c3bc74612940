package singleflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/memocache/future"
)

func TestCell_ComputesOnce(t *testing.T) {
	t.Parallel()

	var calls int64
	c := NewCell(func(context.Context) (int, error) {
		atomic.AddInt64(&calls, 1)
		return 42, nil
	})
	if c.Settled() {
		t.Fatal("new cell must be pending")
	}
	for i := 0; i < 3; i++ {
		if v, err := c.Get(context.Background()); err != nil || v != 42 {
			t.Fatalf("want 42, got %v err=%v", v, err)
		}
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("computation must run once, got %d", got)
	}
	if !c.Settled() {
		t.Fatal("cell must be settled after a successful Get")
	}
}

// Blocking and non-blocking accessors converge on a single computation.
func TestCell_ConcurrentMixedAccessors(t *testing.T) {
	t.Parallel()

	for _, async := range []bool{false, true} {
		var calls int64
		var c *Cell[int]
		if async {
			c = NewAsyncCell(func(context.Context) *future.Future[int] {
				return future.Go(func() (int, error) {
					time.Sleep(5 * time.Millisecond)
					atomic.AddInt64(&calls, 1)
					return 7, nil
				})
			})
		} else {
			c = NewCell(func(context.Context) (int, error) {
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt64(&calls, 1)
				return 7, nil
			})
		}

		var g errgroup.Group
		for i := 0; i < 20; i++ {
			g.Go(func() error {
				var (
					v   int
					err error
				)
				if i%2 == 0 {
					v, err = c.Get(context.Background())
				} else {
					v, err = c.GetAsync(context.Background()).Await()
				}
				if err != nil {
					return err
				}
				if v != 7 {
					return errors.New("wrong value")
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("async=%v: %v", async, err)
		}
		if got := atomic.LoadInt64(&calls); got != 1 {
			t.Fatalf("async=%v: computation must run once, got %d", async, got)
		}
	}
}

// Failures are not memoized: every access after a failure retries.
func TestCell_FailureIsRetried(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	var calls int64
	c := NewCell(func(context.Context) (int, error) {
		if atomic.AddInt64(&calls, 1) < 3 {
			return 0, boom
		}
		return 9, nil
	})
	for i := 0; i < 2; i++ {
		if _, err := c.Get(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: want boom, got %v", i, err)
		}
		if c.Settled() {
			t.Fatal("failed cell must not be settled")
		}
	}
	if v, err := c.Get(context.Background()); err != nil || v != 9 {
		t.Fatalf("third attempt: got %v err=%v", v, err)
	}
	if c.Attempts() != 3 {
		t.Fatalf("want 3 attempts, got %d", c.Attempts())
	}
}

// Everyone waiting on a failing attempt sees the same error, and the
// computation is not started again while it is outstanding.
func TestCell_ConcurrentWaitersShareFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	release := make(chan struct{})
	var calls int64
	c := NewCell(func(context.Context) (int, error) {
		atomic.AddInt64(&calls, 1)
		<-release
		return 0, boom
	})

	const waiters = 10
	errs := make(chan error, waiters)
	var wg sync.WaitGroup
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background())
			errs <- err
		}()
	}
	// Let every waiter join the single attempt.
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt64(&calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("every waiter must observe boom, got %v", err)
		}
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("one outstanding attempt only, got %d", got)
	}
}

func TestCell_AsyncFailureIsRetried(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	var calls int64
	c := NewAsyncCell(func(context.Context) *future.Future[string] {
		atomic.AddInt64(&calls, 1)
		return future.Failed[string](boom)
	})
	for i := 0; i < 10; i++ {
		if _, err := c.GetAsync(context.Background()).Await(); !errors.Is(err, boom) {
			t.Fatalf("want boom, got %v", err)
		}
	}
	if got := atomic.LoadInt64(&calls); got != 10 {
		t.Fatalf("want 10 invocations, got %d", got)
	}
}

func TestCell_PanicBecomesError(t *testing.T) {
	t.Parallel()

	c := NewCell(func(context.Context) (int, error) { panic("bad") })
	_, err := c.Get(context.Background())
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != "bad" {
		t.Fatalf("want PanicError(bad), got %v", err)
	}
	if c.Settled() {
		t.Fatal("panicked cell must not be settled")
	}
}

func TestCell_RecursiveAccessIsDetected(t *testing.T) {
	t.Parallel()

	var c *Cell[int]
	c = NewCell(func(ctx context.Context) (int, error) {
		return c.Get(ctx)
	})
	done := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrRecursive) {
			t.Fatalf("want ErrRecursive, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("recursive access deadlocked")
	}
}

func TestCell_AwaitDoesNotRetryFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	var calls int64
	c := NewCell(func(context.Context) (int, error) {
		atomic.AddInt64(&calls, 1)
		return 0, boom
	})
	if c.Failed() {
		t.Fatal("a never-started cell is not failed")
	}
	if _, err := c.Get(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	if !c.Failed() {
		t.Fatal("cell must report the failed attempt")
	}
	if _, err := c.Await(context.Background()); !errors.Is(err, ErrNotSettled) {
		t.Fatalf("want ErrNotSettled, got %v", err)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("Await must not retry, got %d invocations", got)
	}
}

func TestCell_AwaitJoinsOrStarts(t *testing.T) {
	t.Parallel()

	var calls int64
	release := make(chan struct{})
	c := NewCell(func(context.Context) (int, error) {
		atomic.AddInt64(&calls, 1)
		<-release
		return 5, nil
	})

	f := c.GetAsync(context.Background())
	for c.Attempts() == 0 {
		time.Sleep(time.Millisecond)
	}
	got := make(chan int, 1)
	go func() {
		v, _ := c.Await(context.Background())
		got <- v
	}()
	close(release)
	if v := <-got; v != 5 {
		t.Fatalf("Await must join the outstanding attempt, got %d", v)
	}
	if v, err := f.Await(); err != nil || v != 5 {
		t.Fatalf("GetAsync: got %v err=%v", v, err)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("want one computation, got %d", got)
	}

	// A never-started cell is started by Await.
	fresh := NewCell(func(context.Context) (int, error) { return 8, nil })
	if v, err := fresh.Await(context.Background()); err != nil || v != 8 {
		t.Fatalf("fresh Await: got %v err=%v", v, err)
	}
}

// A waiter may give up; the computation continues and later accessors get it.
func TestCell_WaiterContextCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	c := NewAsyncCell(func(context.Context) *future.Future[int] {
		return future.Go(func() (int, error) {
			<-release
			return 1, nil
		})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
	close(release)
	if v, err := c.Get(context.Background()); err != nil || v != 1 {
		t.Fatalf("got %v err=%v", v, err)
	}
	if c.Attempts() != 1 {
		t.Fatalf("abandoned wait must not restart the computation, attempts=%d", c.Attempts())
	}
}

// Package singleflight implements a lazily computed, memoized single value
// whose computation is shared by every concurrent accessor.
package singleflight

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/IvanBrykalov/memocache/future"
	"github.com/IvanBrykalov/memocache/internal/gate"
)

var (
	// ErrNotSettled is returned by Await when the last attempt failed.
	ErrNotSettled = errors.New("singleflight: last attempt failed")

	// ErrRecursive is returned when a computation asks for its own cell
	// (directly or through a cycle of cells) via the context it was given.
	ErrRecursive = errors.New("singleflight: recursive computation")
)

// PanicError carries a panic raised by a computation to every waiter.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("singleflight: computation panicked: %v\n\n%s", p.Value, p.Stack)
}

// Cell is a lazily computed value.
//
// Concurrency notes:
//   - Once settled, Get is a single atomic load (no locking).
//   - Otherwise the caller enters the gate and re-checks. The first caller
//     registers an attempt and becomes its leader; everyone arriving while
//     the attempt is outstanding joins it and observes the same outcome.
//   - The gate is held only to register or finish an attempt, never across
//     the computation itself, so waiters can give up via ctx.
//   - A failed attempt is not memoized: the next accessor starts a new one.
//   - A computation that never returns leaves the cell pending forever; every
//     accessor of the cell then waits until its own ctx ends.
type Cell[V any] struct {
	settled atomic.Bool
	val     V // written once, before settled is set

	g *gate.Gate
	// ---- guarded by g ----
	fn       func(ctx context.Context) (V, error)
	async    func(ctx context.Context) *future.Future[V]
	inflight *attempt[V]
	attempts int
}

// attempt is one execution of the computation.
// (val, err) are published before done is closed.
type attempt[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// NewCell returns a cell backed by a blocking computation.
func NewCell[V any](fn func(ctx context.Context) (V, error)) *Cell[V] {
	return &Cell[V]{g: gate.New(), fn: fn}
}

// NewAsyncCell returns a cell backed by a non-blocking computation.
func NewAsyncCell[V any](fn func(ctx context.Context) *future.Future[V]) *Cell[V] {
	return &Cell[V]{g: gate.New(), async: fn}
}

// Settled reports whether the value has been computed successfully.
func (c *Cell[V]) Settled() bool { return c.settled.Load() }

// Failed reports whether the last attempt failed and none is in flight.
// A cell that was never started is not failed.
func (c *Cell[V]) Failed() bool {
	if c.settled.Load() {
		return false
	}
	failed := false
	_ = c.g.Run(context.Background(), func() error {
		failed = !c.settled.Load() && c.inflight == nil && c.attempts > 0
		return nil
	})
	return failed
}

// Attempts returns how many times the computation has been started.
func (c *Cell[V]) Attempts() int {
	n := 0
	_ = c.g.Run(context.Background(), func() error {
		n = c.attempts
		return nil
	})
	return n
}

// Get returns the memoized value, computing it if needed.
// An async computation is bridged: Get blocks until it has produced a value.
func (c *Cell[V]) Get(ctx context.Context) (V, error) {
	if c.settled.Load() {
		return c.val, nil
	}
	if inside(ctx, c) {
		var zero V
		return zero, ErrRecursive
	}

	var (
		a      *attempt[V]
		leader bool
	)
	err := c.g.Run(ctx, func() error {
		if c.settled.Load() {
			return nil
		}
		if c.inflight != nil {
			a = c.inflight
			return nil
		}
		a = &attempt[V]{done: make(chan struct{})}
		c.inflight = a
		c.attempts++
		leader = true
		return nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	if a == nil {
		return c.val, nil
	}
	if leader {
		c.start(withCell(ctx, c), a)
	}
	return a.wait(ctx)
}

// GetAsync is the non-blocking form of Get.
func (c *Cell[V]) GetAsync(ctx context.Context) *future.Future[V] {
	if c.settled.Load() {
		return future.Resolved(c.val)
	}
	return future.Go(func() (V, error) { return c.Get(ctx) })
}

// Await returns the value without retrying a failed attempt: it joins the
// outstanding attempt, or starts the first one if the cell was never
// started, and returns ErrNotSettled if the last attempt failed.
func (c *Cell[V]) Await(ctx context.Context) (V, error) {
	if c.settled.Load() {
		return c.val, nil
	}
	if c.Failed() {
		var zero V
		return zero, ErrNotSettled
	}
	return c.Get(ctx)
}

// start runs the computation for attempt a. A blocking computation runs on
// the leader's goroutine; an async one completes on its own.
func (c *Cell[V]) start(ctx context.Context, a *attempt[V]) {
	// Read under no lock: fn/async are only swapped to nil by finish,
	// which cannot run before this attempt completes.
	fn, async := c.fn, c.async
	if fn != nil {
		v, err := c.protect(ctx, fn)
		c.finish(a, v, err)
		return
	}
	fut, err := c.launch(ctx, async)
	if err != nil {
		var zero V
		c.finish(a, zero, err)
		return
	}
	go func() {
		v, err := fut.Await()
		c.finish(a, v, err)
	}()
}

func (c *Cell[V]) protect(ctx context.Context, fn func(context.Context) (V, error)) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

func (c *Cell[V]) launch(ctx context.Context, fn func(context.Context) *future.Future[V]) (f *future.Future[V], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	f = fn(ctx)
	if f == nil {
		return nil, errors.New("singleflight: async computation returned a nil future")
	}
	return f, nil
}

// finish publishes the outcome of a and, on success, settles the cell.
func (c *Cell[V]) finish(a *attempt[V], v V, err error) {
	_ = c.g.Run(context.Background(), func() error {
		if err == nil {
			c.val = v
			c.settled.Store(true)
			// The computation is never needed again.
			c.fn, c.async = nil, nil
		}
		c.inflight = nil
		return nil
	})
	a.val, a.err = v, err
	close(a.done)
}

func (a *attempt[V]) wait(ctx context.Context) (V, error) {
	select {
	case <-a.done:
		return a.val, a.err
	default:
	}
	select {
	case <-a.done:
		return a.val, a.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// ---- recursion detection ----

type frameKey struct{}

// frame links the cells whose computations are on the current call path.
type frame struct {
	cell   any
	parent *frame
}

func withCell(ctx context.Context, cell any) context.Context {
	parent, _ := ctx.Value(frameKey{}).(*frame)
	return context.WithValue(ctx, frameKey{}, &frame{cell: cell, parent: parent})
}

func inside(ctx context.Context, cell any) bool {
	f, _ := ctx.Value(frameKey{}).(*frame)
	for ; f != nil; f = f.parent {
		if f.cell == cell {
			return true
		}
	}
	return false
}

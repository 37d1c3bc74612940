// Package once implements a run-once gate: a unit of work that concurrent
// callers trigger at most once per "should run" transition.
package once

import (
	"context"
	"sync/atomic"

	"github.com/IvanBrykalov/memocache/future"
	"github.com/IvanBrykalov/memocache/internal/gate"
)

// Work is the blocking representation of the guarded unit of work.
type Work func(ctx context.Context) error

// AsyncWork is the non-blocking representation of the guarded unit of work.
type AsyncWork func(ctx context.Context) *future.Future[struct{}]

// Option customizes a Once.
type Option func(*Once)

// WithPredicate replaces the default "has it never completed" predicate.
// The predicate is evaluated without locking on every call (fast path) and
// once more under the gate, so it must be safe for concurrent use and cheap.
// A predicate that turns true again re-arms the Once.
func WithPredicate(should func() bool) Option {
	return func(o *Once) {
		if should != nil {
			o.should = should
		}
	}
}

// WithAsync attaches a non-blocking representation of the work.
// RunAsync prefers it; Run keeps using the blocking one when present.
func WithAsync(work AsyncWork) Option {
	return func(o *Once) {
		if work != nil {
			o.async = work
		}
	}
}

// Once guards a unit of work with a double-checked predicate.
//
// Concurrency notes:
//   - If the predicate is false, Run returns immediately without touching the gate.
//   - Otherwise the caller enters the gate and re-checks; a caller that was
//     queued behind a successful run sees the predicate flipped and returns.
//   - Failed runs are not counted and leave the Once armed.
type Once struct {
	g      *gate.Gate
	should func() bool
	work   Work
	async  AsyncWork
	runs   atomic.Int64
}

// New returns a Once for the blocking work.
func New(work Work, opts ...Option) *Once {
	o := &Once{g: gate.New(), work: work}
	o.should = func() bool { return o.runs.Load() == 0 }
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewAsync returns a Once whose only representation is non-blocking.
func NewAsync(work AsyncWork, opts ...Option) *Once {
	return New(nil, append([]Option{WithAsync(work)}, opts...)...)
}

// Ready reports whether a Run started now would execute the work.
func (o *Once) Ready() bool { return o.should() }

// DidRun reports whether the work ever completed successfully.
func (o *Once) DidRun() bool { return o.runs.Load() > 0 }

// Count returns how many times the work completed successfully.
func (o *Once) Count() int64 { return o.runs.Load() }

// Run executes the work if the predicate holds, blocking until it finishes.
func (o *Once) Run(ctx context.Context) error {
	if !o.should() {
		return nil
	}
	return o.g.Run(ctx, func() error {
		if !o.should() {
			return nil
		}
		var err error
		if o.work != nil {
			err = o.work(ctx)
		} else {
			_, err = o.async(ctx).AwaitContext(ctx)
		}
		if err != nil {
			return err
		}
		o.runs.Add(1)
		return nil
	})
}

// RunAsync is the non-blocking form of Run.
func (o *Once) RunAsync(ctx context.Context) *future.Future[struct{}] {
	if !o.should() {
		return future.Resolved(struct{}{})
	}
	return o.g.RunAsync(ctx, func() error {
		if !o.should() {
			return nil
		}
		var err error
		if o.async != nil {
			_, err = o.async(ctx).AwaitContext(ctx)
		} else {
			err = o.work(ctx)
		}
		if err != nil {
			return err
		}
		o.runs.Add(1)
		return nil
	})
}

// Package gate implements a binary mutual-exclusion gate that can be entered
// from blocking and non-blocking call sites alike.
package gate

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/IvanBrykalov/memocache/future"
)

// Gate lets at most one unit of work run inside its critical section at a time.
//
// Unlike sync.Mutex, waiting on a Gate honors ctx, so a caller that gives up
// never ends up holding the gate. Waiters are released in FIFO order
// (semaphore.Weighted semantics). The zero value is not usable; call New.
type Gate struct {
	sem *semaphore.Weighted
}

// New returns an open gate.
func New() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// Run waits for the gate, executes fn and releases the gate on every exit
// path, including a panic in fn. If ctx is done before the gate is acquired,
// fn is not executed and ctx.Err() is returned.
func (g *Gate) Run(ctx context.Context, fn func() error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)
	return fn()
}

// RunAsync is the non-blocking form of Run: the caller returns immediately and
// the returned future completes with fn's error once fn has left the critical
// section.
func (g *Gate) RunAsync(ctx context.Context, fn func() error) *future.Future[struct{}] {
	return future.Go(func() (struct{}, error) {
		return struct{}{}, g.Run(ctx, fn)
	})
}

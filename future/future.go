// Package future provides a minimal generic handle for the result of an
// asynchronous computation. It is what every non-blocking entry point of the
// cache returns.
package future

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyCompleted is returned by a completer that is called more than once.
var ErrAlreadyCompleted = errors.New("future: already completed")

// Future represents the result of an asynchronous computation.
//
// The (val, err) pair is published before done is closed, so any read that
// happens after <-Done() observes the final values.
type Future[V any] struct {
	done chan struct{}
	once sync.Once
	val  V
	err  error
}

// Complete publishes the result of a Future created by New.
type Complete[V any] func(v V, err error) error

// New returns a pending Future together with the function that completes it.
// Only the first call to the completer has an effect.
func New[V any]() (*Future[V], Complete[V]) {
	f := &Future[V]{done: make(chan struct{})}
	return f, f.complete
}

// Go runs fn in its own goroutine and returns a Future for its result.
func Go[V any](fn func() (V, error)) *Future[V] {
	f, complete := New[V]()
	go func() {
		v, err := fn()
		_ = complete(v, err)
	}()
	return f
}

// Resolved returns an already completed Future holding v.
func Resolved[V any](v V) *Future[V] {
	f, complete := New[V]()
	_ = complete(v, nil)
	return f
}

// Failed returns an already completed Future holding err.
func Failed[V any](err error) *Future[V] {
	f, complete := New[V]()
	var zero V
	_ = complete(zero, err)
	return f
}

func (f *Future[V]) complete(v V, err error) error {
	ok := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		ok = true
	})
	if !ok {
		return ErrAlreadyCompleted
	}
	return nil
}

// Await waits for the computation to complete and returns its result.
func (f *Future[V]) Await() (V, error) {
	<-f.done
	return f.val, f.err
}

// AwaitContext is Await bounded by ctx. Cancelling ctx only stops the wait;
// the underlying computation keeps running.
func (f *Future[V]) AwaitContext(ctx context.Context) (V, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
	}
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Done returns a channel that is closed once the result is available.
func (f *Future[V]) Done() <-chan struct{} { return f.done }

// IsComplete reports whether the result is available without blocking.
func (f *Future[V]) IsComplete() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

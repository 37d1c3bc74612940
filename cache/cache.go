package cache

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/memocache/future"
	"github.com/IvanBrykalov/memocache/internal/gate"
	"github.com/IvanBrykalov/memocache/internal/once"
	"github.com/IvanBrykalov/memocache/internal/singleflight"
	"github.com/IvanBrykalov/memocache/internal/util"
)

var (
	// ErrNoComputation is returned on miss when neither the call options nor
	// the cache provide a computation.
	ErrNoComputation = errors.New("cache: no computation configured")

	// ErrClosed is returned by every call made after Close.
	ErrClosed = errors.New("cache: closed")

	// ErrRecursiveCompute is returned when a computation requests its own
	// key (directly or through a cycle of keys) with the context it was given.
	ErrRecursiveCompute = singleflight.ErrRecursive
)

// entry is a key's slot in the mutable tier.
type entry[V any] struct {
	cell *singleflight.Cell[V]
	// rejected is set when the retention filter refused the value; the
	// entry is then ignored by lookups and by the cleanup freeze.
	rejected atomic.Bool
}

// cache is a memoizing store with one mutable tier and two immutable
// snapshot generations. All methods are safe for concurrent use.
type cache[K comparable, V any] struct {
	opt Options[K, V]
	log *slog.Logger

	defaults atomic.Pointer[CallOptions[K, V]]

	// ---- lock-free tiers (replaced wholesale, never mutated) ----
	cold atomic.Pointer[snapshot[K, V]]
	warm atomic.Pointer[snapshot[K, V]]

	// ---- mutable tier (guarded by gate) ----
	gate *gate.Gate
	hot  map[K]*entry[V]
	// draining is the mutable tier a cleanup pass is freezing; lookups keep
	// joining its cells until the new snapshot is published.
	draining map[K]*entry[V]
	hotLen   atomic.Int64 // len(hot), readable without the gate

	// ---- cleanup schedule ----
	lastOptimize atomic.Int64 // UnixNano
	lastPurge    atomic.Int64 // UnixNano
	running      atomic.Bool  // advisory: a pass is executing
	triggered    atomic.Bool  // an automatic pass is already submitted
	cleaner      *once.Once

	ctx    context.Context // cancelled by Close; used by background passes
	cancel context.CancelFunc
	closed atomic.Bool

	// ---- hot counters (separate cache lines to avoid false sharing) ----
	_             util.CacheLinePad
	hits          util.Counter
	misses        util.Counter
	suppressed    util.Counter
	computations  util.Counter
	failures      util.Counter
	rejects       util.Counter
	skipped       util.Counter
	optimizations util.Counter
	purges        util.Counter
}

// New constructs a cache with the provided Options.
// Defaults:
//   - OptimizeEvery 60s, PurgeEvery 300s, ItemLimit 1000
//   - automatic cleanup on reads enabled
//   - nil Metrics   -> NoopMetrics
//   - nil Logger    -> discard
//   - nil Scheduler -> one goroutine per unit
func New[K comparable, V any](opt Options[K, V]) Cache[K, V] {
	if opt.OptimizeEvery == 0 || (opt.OptimizeEvery < 0 && opt.OptimizeEvery != Always) {
		opt.OptimizeEvery = DefaultOptimizeEvery
	}
	if opt.PurgeEvery == 0 || (opt.PurgeEvery < 0 && opt.PurgeEvery != Always) {
		opt.PurgeEvery = DefaultPurgeEvery
	}
	if opt.ItemLimit <= 0 {
		opt.ItemLimit = DefaultItemLimit
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.DiscardHandler)
	}
	if opt.Scheduler == nil {
		opt.Scheduler = goScheduler
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &cache[K, V]{
		opt:    opt,
		log:    opt.Logger.With(slog.String("component", "memocache")),
		gate:   gate.New(),
		hot:    make(map[K]*entry[V]),
		ctx:    ctx,
		cancel: cancel,
	}
	empty := newSnapshot[K, V](nil)
	c.cold.Store(empty)
	c.warm.Store(empty)

	now := c.now()
	c.lastOptimize.Store(now)
	c.lastPurge.Store(now)

	c.SetDefaultCallOptions(opt.DefaultCallOptions)
	c.cleaner = once.New(c.cleanup, once.WithPredicate(c.cleanupDue))

	// return pointer-to-impl as the interface (avoids unexported-return lint)
	return c
}

// ---- Cache[K,V] implementation ----

// GetValue returns the value for k using the default call options.
func (c *cache[K, V]) GetValue(ctx context.Context, k K) (V, error) {
	return c.GetValueWith(ctx, k, nil)
}

// GetValueWith returns the value for k, computing it on miss.
func (c *cache[K, V]) GetValueWith(ctx context.Context, k K, opts *CallOptions[K, V]) (V, error) {
	if c.closed.Load() {
		var zero V
		return zero, ErrClosed
	}
	c.maybeCleanup()
	if v, ok := c.probe(k); ok {
		return v, nil
	}
	return c.load(ctx, k, c.request(opts))
}

// GetValueAsync is the non-blocking form of GetValue.
func (c *cache[K, V]) GetValueAsync(ctx context.Context, k K) *future.Future[V] {
	return c.GetValueAsyncWith(ctx, k, nil)
}

// GetValueAsyncWith is the non-blocking form of GetValueWith. Snapshot hits
// complete in place; everything else runs on the Scheduler.
func (c *cache[K, V]) GetValueAsyncWith(ctx context.Context, k K, opts *CallOptions[K, V]) *future.Future[V] {
	if c.closed.Load() {
		return future.Failed[V](ErrClosed)
	}
	c.maybeCleanup()
	if v, ok := c.probe(k); ok {
		return future.Resolved(v)
	}
	req := c.request(opts)
	f, complete := future.New[V]()
	c.opt.Scheduler.Submit(func() {
		v, err := c.load(ctx, k, req)
		_ = complete(v, err)
	})
	return f
}

// Cleanup runs a cleanup pass if one is due.
func (c *cache[K, V]) Cleanup(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.cleaner.Run(ctx)
}

// CleanupAsync is the non-blocking form of Cleanup.
func (c *cache[K, V]) CleanupAsync(ctx context.Context) *future.Future[struct{}] {
	if c.closed.Load() {
		return future.Failed[struct{}](ErrClosed)
	}
	return c.cleaner.RunAsync(ctx)
}

// DefaultCallOptions returns a copy of the default call options.
func (c *cache[K, V]) DefaultCallOptions() CallOptions[K, V] {
	return *c.defaults.Load()
}

// SetDefaultCallOptions stores a copy of opts; nil resets to the canonical default.
func (c *cache[K, V]) SetDefaultCallOptions(opts *CallOptions[K, V]) {
	if opts == nil {
		c.defaults.Store(&CallOptions[K, V]{})
		return
	}
	cp := *opts
	c.defaults.Store(&cp)
}

// Len returns per-tier entry counts.
func (c *cache[K, V]) Len() (hot, warm, cold int) {
	return int(c.hotLen.Load()), c.warm.Load().len(), c.cold.Load().len()
}

// Stats returns a copy of the counters.
func (c *cache[K, V]) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Suppressed:    c.suppressed.Load(),
		Computations:  c.computations.Load(),
		Errors:        c.failures.Load(),
		Rejected:      c.rejects.Load(),
		Skipped:       c.skipped.Load(),
		Optimizations: c.optimizations.Load(),
		Purges:        c.purges.Load(),
	}
}

// Close marks the cache closed and cancels background cleanups.
func (c *cache[K, V]) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.cancel()
	}
	return nil
}

// ---- lookup ----

// probe checks the snapshots, secondary first. No locking.
func (c *cache[K, V]) probe(k K) (V, bool) {
	if v, ok := c.cold.Load().get(k); ok {
		c.hit(TierCold)
		return v, true
	}
	if v, ok := c.warm.Load().get(k); ok {
		c.hit(TierWarm)
		return v, true
	}
	var zero V
	return zero, false
}

// request resolves the effective options of one call into a private copy.
// Per-call values take precedence over cache-level ones.
func (c *cache[K, V]) request(opts *CallOptions[K, V]) CallOptions[K, V] {
	if opts == nil {
		opts = c.defaults.Load()
	}
	req := *opts
	if req.Filter == nil {
		req.Filter = c.opt.Filter
	}
	return req
}

// load serves k from the mutable tier, registering a new cell on miss.
// The gate is released before the cell is awaited, so a computation may
// call back into the cache for other keys.
func (c *cache[K, V]) load(ctx context.Context, k K, req CallOptions[K, V]) (V, error) {
	var (
		e      *entry[V]
		hitV   V
		hit    bool
		denied bool
	)
	err := c.gate.Run(ctx, func() error {
		// A cleanup pass may have published while we waited for the gate.
		if hitV, hit = c.probe(k); hit {
			return nil
		}
		if e = c.slot(k); e != nil {
			c.hit(TierHot)
			return nil
		}

		c.misses.Inc()
		c.opt.Metrics.Miss()
		if req.OnMiss != nil {
			req.OnMiss(k, &req)
		}
		if req.Suppress {
			denied = true
			return nil
		}
		ne, err := c.newEntry(k, &req)
		if err != nil {
			return err
		}
		e = ne
		c.hot[k] = e
		c.hotLen.Store(int64(len(c.hot)))
		return nil
	})
	switch {
	case err != nil:
		var zero V
		return zero, err
	case hit:
		return hitV, nil
	case denied:
		c.suppressed.Inc()
		return req.Default, nil
	}
	return e.cell.Get(ctx)
}

// slot returns the live entry for k in the mutable tier. Gate must be held.
// An entry whose last attempt failed is dropped here so the access counts
// as a fresh miss and computes from scratch.
func (c *cache[K, V]) slot(k K) *entry[V] {
	if e, ok := c.hot[k]; ok {
		if !e.rejected.Load() && !e.cell.Failed() {
			return e
		}
		delete(c.hot, k)
		c.hotLen.Store(int64(len(c.hot)))
	}
	if e, ok := c.draining[k]; ok && !e.rejected.Load() && !e.cell.Failed() {
		return e
	}
	return nil
}

// reject drops a filtered-out entry so the next access recomputes it.
func (c *cache[K, V]) reject(k K, e *entry[V]) {
	c.rejects.Inc()
	e.rejected.Store(true)
	_ = c.gate.Run(context.Background(), func() error {
		if c.hot[k] == e {
			delete(c.hot, k)
			c.hotLen.Store(int64(len(c.hot)))
		}
		return nil
	})
}

// newEntry builds the entry for k from the resolved computation:
// the per-call pair wins over the cache-level pair, async wins within a pair.
// The retention filter is applied before the cell settles, so a cleanup pass
// freezing the entry never sees a value that is about to be rejected.
func (c *cache[K, V]) newEntry(k K, req *CallOptions[K, V]) (*entry[V], error) {
	fn, async := req.Compute, req.ComputeAsync
	if fn == nil && async == nil {
		fn, async = c.opt.Compute, c.opt.ComputeAsync
	}
	e := &entry[V]{}
	filter := req.Filter
	settle := func(start time.Time, v V, err error) (V, error) {
		c.observe(start, err)
		if err == nil && filter != nil && !filter(k, v) {
			c.reject(k, e)
		}
		return v, err
	}
	switch {
	case async != nil:
		e.cell = singleflight.NewAsyncCell(func(ctx context.Context) *future.Future[V] {
			start := time.Now()
			f := async(ctx, k)
			if f == nil {
				return nil
			}
			return future.Go(func() (v V, err error) {
				// This goroutine is outside the cell's panic guard.
				defer func() {
					if r := recover(); r != nil {
						err = &singleflight.PanicError{Value: r, Stack: debug.Stack()}
					}
				}()
				v, err = f.Await()
				return settle(start, v, err)
			})
		})
	case fn != nil:
		e.cell = singleflight.NewCell(func(ctx context.Context) (V, error) {
			start := time.Now()
			v, err := fn(ctx, k)
			return settle(start, v, err)
		})
	default:
		return nil, ErrNoComputation
	}
	return e, nil
}

// ---- helpers ----

func (c *cache[K, V]) hit(t Tier) {
	c.hits.Inc()
	c.opt.Metrics.Hit(t)
}

func (c *cache[K, V]) observe(start time.Time, err error) {
	c.computations.Inc()
	if err != nil {
		c.failures.Inc()
	}
	c.opt.Metrics.Compute(time.Since(start), err)
}

func (c *cache[K, V]) now() int64 {
	if c.opt.Clock != nil {
		return c.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

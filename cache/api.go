package cache

import (
	"context"

	"github.com/IvanBrykalov/memocache/future"
)

// Cache is a memoizing, tiered, in-memory cache interface.
// All methods are safe for concurrent use by multiple goroutines.
//
// Reads of values that have been frozen into a snapshot are lock-free: two
// atomic pointer loads and a map lookup. Only misses and values computed
// since the last cleanup go through the mutable tier's gate.
type Cache[K comparable, V any] interface {
	// GetValue returns the value for k, computing it on miss with the
	// cache's default call options. Concurrent callers for the same missing
	// key share one computation and observe the same value or error.
	GetValue(ctx context.Context, k K) (V, error)

	// GetValueWith is GetValue with per-call options. A nil opts uses the
	// cache's default call options.
	GetValueWith(ctx context.Context, k K, opts *CallOptions[K, V]) (V, error)

	// GetValueAsync is the non-blocking form of GetValue. A snapshot hit
	// returns an already completed future.
	GetValueAsync(ctx context.Context, k K) *future.Future[V]

	// GetValueAsyncWith is the non-blocking form of GetValueWith.
	GetValueAsyncWith(ctx context.Context, k K, opts *CallOptions[K, V]) *future.Future[V]

	// Cleanup runs one optimize/purge pass if one is due, waiting for it to
	// finish. Concurrent calls collapse into a single pass.
	Cleanup(ctx context.Context) error

	// CleanupAsync is the non-blocking form of Cleanup.
	CleanupAsync(ctx context.Context) *future.Future[struct{}]

	// DefaultCallOptions returns a copy of the options used when a call site
	// supplies none.
	DefaultCallOptions() CallOptions[K, V]

	// SetDefaultCallOptions replaces the default call options.
	// Passing nil resets them to the canonical default.
	SetDefaultCallOptions(opts *CallOptions[K, V])

	// Len returns the number of entries per tier: keys registered in the
	// mutable tier, and entries of the primary and secondary snapshots.
	// A key may be counted in more than one tier.
	Len() (hot, warm, cold int)

	// Stats returns a point-in-time copy of the cache counters.
	Stats() Stats

	// Close cancels background cleanups and marks the cache closed.
	// Later calls return ErrClosed. Close is idempotent and returns nil.
	Close() error
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits          int64 // served from a snapshot or an existing cell
	Misses        int64 // keys not found in any tier
	Suppressed    int64 // misses answered with CallOptions.Default
	Computations  int64 // computation invocations
	Errors        int64 // computation invocations that failed
	Rejected      int64 // values the retention filter refused to keep
	Skipped       int64 // entries dropped by a cleanup pass because they failed
	Optimizations int64
	Purges        int64
}

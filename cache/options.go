package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/IvanBrykalov/memocache/future"
)

// Func computes the value for a key, blocking the calling goroutine.
type Func[K comparable, V any] func(ctx context.Context, k K) (V, error)

// AsyncFunc starts computing the value for a key and returns immediately.
type AsyncFunc[K comparable, V any] func(ctx context.Context, k K) *future.Future[V]

// Defaults applied by New for zero-valued Options fields.
const (
	DefaultOptimizeEvery = time.Minute
	DefaultPurgeEvery    = 5 * time.Minute
	DefaultItemLimit     = 1000
)

// Always is an interval that is permanently elapsed: with OptimizeEvery or
// PurgeEvery set to Always, every cleanup check finds that pass due.
const Always time.Duration = -1

// Tier identifies where a hit was served from.
type Tier int

const (
	// TierCold is the secondary (older) snapshot.
	TierCold Tier = iota
	// TierWarm is the primary snapshot.
	TierWarm
	// TierHot is a cell in the mutable tier (settled or in flight).
	TierHot
)

func (t Tier) String() string {
	switch t {
	case TierCold:
		return "cold"
	case TierWarm:
		return "warm"
	default:
		return "hot"
	}
}

// CleanupKind tells an optimize pass from a purge pass.
type CleanupKind int

const (
	// CleanupOptimize: the mutable tier was merged into the primary snapshot.
	CleanupOptimize CleanupKind = iota
	// CleanupPurge: the primary snapshot was demoted and the old secondary dropped.
	CleanupPurge
)

func (k CleanupKind) String() string {
	if k == CleanupPurge {
		return "purge"
	}
	return "optimize"
}

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit(tier Tier)
	Miss()
	// Compute is called once per computation invocation with its duration
	// and outcome.
	Compute(d time.Duration, err error)
	// Skip is called for every entry a cleanup pass drops because its
	// computation failed.
	Skip()
	Cleanup(kind CleanupKind)
	Size(hot, warm, cold int)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Scheduler runs a unit of work without blocking the caller.
// The cache submits background cleanups and the bodies of non-blocking
// calls through it. Callers wanting isolated worker pools plug their own.
type Scheduler interface{ Submit(fn func()) }

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(fn func())

// Submit calls f(fn).
func (f SchedulerFunc) Submit(fn func()) { f(fn) }

// goScheduler runs every unit on its own goroutine.
var goScheduler = SchedulerFunc(func(fn func()) { go fn() })

// Options configures the cache. Zero values are safe;
// defaults are applied in New():
//   - OptimizeEvery <= 0 (except Always) => DefaultOptimizeEvery
//   - PurgeEvery    <= 0 (except Always) => DefaultPurgeEvery
//   - ItemLimit     <= 0                  => DefaultItemLimit
//   - nil Metrics   => NoopMetrics
//   - nil Logger    => discard
//   - nil Scheduler => one goroutine per unit
type Options[K comparable, V any] struct {
	// Compute and ComputeAsync produce the value for a key on miss. Either
	// may be nil as long as every call supplies its own computation through
	// CallOptions. When both are set ComputeAsync is used.
	Compute      Func[K, V]
	ComputeAsync AsyncFunc[K, V]

	// OptimizeEvery is how often the mutable tier is frozen into the
	// primary snapshot. Zero selects DefaultOptimizeEvery, not "every
	// time"; use Always for a pass that is always eligible.
	OptimizeEvery time.Duration
	// PurgeEvery is how often the primary snapshot is demoted to secondary
	// (dropping the previous secondary). An entry that is never requested
	// again is gone after about two purges. Zero selects DefaultPurgeEvery,
	// not "every time"; use Always for a purge that is always eligible.
	PurgeEvery time.Duration
	// ItemLimit is the mutable-tier size that forces an early purge. The
	// cache may hold more entries than this across tiers.
	ItemLimit int

	// DisableAutoCleanup turns off the best-effort cleanup check performed
	// on every read. Call Cleanup periodically when it is set.
	DisableAutoCleanup bool

	// DefaultCallOptions are used when a call site supplies none.
	DefaultCallOptions *CallOptions[K, V]

	// Filter decides whether a freshly computed value is retained. A value
	// the filter rejects is still returned to its callers, but the next
	// access computes it again. Nil retains everything.
	Filter func(k K, v V) bool

	// Observability
	Metrics Metrics
	Logger  *slog.Logger

	// Clock allows overriding time source (tests). Nil => time.Now().
	Clock Clock

	// Scheduler runs background cleanups and non-blocking calls.
	Scheduler Scheduler
}

// CallOptions are per-request overrides. Treat a value as immutable once
// handed to the cache; the cache works on a private copy per request.
type CallOptions[K comparable, V any] struct {
	// Suppress skips the computation on miss: nothing is stored and
	// Default is returned.
	Suppress bool
	// Default is returned for suppressed misses.
	Default V

	// OnMiss is invoked exactly once per real miss, before the computation,
	// while the mutable tier's gate is held. Keep it short and never call
	// back into the cache from it. It receives the request's private copy
	// of the options and may set Suppress on it.
	OnMiss func(k K, o *CallOptions[K, V])

	// Compute and ComputeAsync override the cache's computation for this
	// request. When either is set the cache-level pair is ignored; when both
	// are set ComputeAsync is used.
	Compute      Func[K, V]
	ComputeAsync AsyncFunc[K, V]

	// Filter overrides Options.Filter for values computed by this request.
	Filter func(k K, v V) bool
}

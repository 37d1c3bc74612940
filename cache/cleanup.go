package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// maybeCleanup submits a background pass when one is due. It never blocks
// the reader, and at most one automatic pass is queued at a time.
func (c *cache[K, V]) maybeCleanup() {
	if c.opt.DisableAutoCleanup || !c.cleaner.Ready() {
		return
	}
	if !c.triggered.CompareAndSwap(false, true) {
		return
	}
	c.opt.Scheduler.Submit(func() {
		defer c.triggered.Store(false)
		if err := c.cleaner.Run(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("background cleanup failed", slog.Any("err", err))
		}
	})
}

// cleanupDue is the cleaner's predicate: no pass is executing and either
// an optimize or a purge is due.
func (c *cache[K, V]) cleanupDue() bool {
	if c.running.Load() {
		return false
	}
	now := c.now()
	return c.needsOptimize(now) || c.needsPurge(now)
}

func (c *cache[K, V]) needsOptimize(now int64) bool {
	return elapsed(now, c.lastOptimize.Load(), c.opt.OptimizeEvery)
}

func (c *cache[K, V]) needsPurge(now int64) bool {
	return int(c.hotLen.Load()) > c.opt.ItemLimit ||
		elapsed(now, c.lastPurge.Load(), c.opt.PurgeEvery)
}

// elapsed reports whether more than every has passed since last.
// Always is elapsed at any time.
func elapsed(now, last int64, every time.Duration) bool {
	if every == Always {
		return true
	}
	return time.Duration(now-last) > every
}

// cleanup is one optimize or purge pass. It runs under the cleaner's gate,
// so passes never overlap.
//
// The mutable tier is swapped out under the cache gate and kept visible as
// draining: accessors keep joining its cells until the new snapshot is
// published, then find the value there. Every cell is awaited to its
// settled value; cells whose computation failed (or was rejected) are
// left out of the snapshot.
func (c *cache[K, V]) cleanup(ctx context.Context) error {
	c.running.Store(true)
	defer c.running.Store(false)

	now := c.now()
	purge := c.needsPurge(now)

	var drained map[K]*entry[V]
	if err := c.gate.Run(ctx, func() error {
		if len(c.hot) > 0 {
			drained = c.hot
			c.hot = make(map[K]*entry[V])
			c.draining = drained
			c.hotLen.Store(0)
		}
		return nil
	}); err != nil {
		return err
	}

	warm := c.warm.Load()
	if !purge && len(drained)+warm.len() > c.opt.ItemLimit {
		purge = true
	}
	if drained == nil && !purge {
		c.lastOptimize.Store(now)
		return nil
	}

	size := len(drained)
	if !purge {
		size += warm.len()
	}
	fresh := make(map[K]V, size)
	if !purge {
		for k, v := range warm.m {
			fresh[k] = v
		}
	}
	skipped := 0
	for k, e := range drained {
		if e.rejected.Load() {
			continue
		}
		v, err := e.cell.Await(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				c.restore(drained)
				return ctxErr
			}
			skipped++
			c.skipped.Inc()
			c.opt.Metrics.Skip()
			c.log.Warn("cleanup skipped failed entry", slog.Any("key", k), slog.Any("err", err))
			continue
		}
		if e.rejected.Load() {
			continue
		}
		fresh[k] = v
	}

	kind := CleanupOptimize
	if purge {
		kind = CleanupPurge
		c.cold.Store(warm)
		c.warm.Store(newSnapshot(fresh))
		c.lastPurge.Store(now)
		c.lastOptimize.Store(now)
		c.purges.Inc()
	} else {
		c.warm.Store(newSnapshot(fresh))
		c.lastOptimize.Store(now)
		c.optimizations.Inc()
	}

	_ = c.gate.Run(context.Background(), func() error {
		c.draining = nil
		return nil
	})

	hot, w, cold := c.Len()
	c.opt.Metrics.Cleanup(kind)
	c.opt.Metrics.Size(hot, w, cold)
	c.log.Debug("cleanup finished",
		slog.String("kind", kind.String()),
		slog.Int("frozen", len(drained)-skipped),
		slog.Int("skipped", skipped),
		slog.Int("warm", w),
		slog.Int("cold", cold),
	)
	return nil
}

// restore puts the entries of an aborted pass back into the mutable tier.
// Entries registered since the swap win over the drained ones.
func (c *cache[K, V]) restore(drained map[K]*entry[V]) {
	_ = c.gate.Run(context.Background(), func() error {
		for k, e := range drained {
			if _, ok := c.hot[k]; !ok {
				c.hot[k] = e
			}
		}
		c.draining = nil
		c.hotLen.Store(int64(len(c.hot)))
		return nil
	})
}

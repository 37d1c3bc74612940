// Package cache provides a generic, memoizing in-memory cache: a key's value
// is computed at most once across all concurrent callers and then served
// from immutable snapshots without locking.
//
// Design
//
//   - Tiers: new keys are registered in a mutable tier ("hot"), a map of
//     single-flight cells guarded by one gate. Two immutable snapshots sit
//     on top: the primary ("warm") and the secondary ("cold"). Snapshots are
//     replaced wholesale through atomic pointers and never mutated, so a
//     snapshot hit is two atomic loads and a map lookup.
//
//   - Single flight: concurrent callers for a missing key share one cell and
//     observe the same value or error. A failed computation is not memoized:
//     the next access computes again. The gate is released before the cell
//     is awaited, so a computation may read other keys of the same cache.
//
//   - Cleanup: an optimize pass freezes the mutable tier into the primary
//     snapshot. A purge pass also demotes the primary snapshot to secondary
//     and drops the old secondary. A purge is forced when the mutable tier
//     outgrows ItemLimit. An entry that is not requested again is gone after
//     about two purges. Every read performs a non-blocking check and, when a
//     pass is due, submits it to the Scheduler; concurrent triggers collapse
//     into one pass.
//
//   - Call options: a request may suppress the computation (returning
//     Default), observe the miss through OnMiss, override the computation
//     or the retention Filter. The per-call value always wins.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Compute/Skip/Cleanup/Size
//     signals. By default NoopMetrics is used; see package metrics/prom.
//
// Basic usage
//
//	c := cache.New[int, int](cache.Options[int, int]{
//	    Compute: func(ctx context.Context, k int) (int, error) {
//	        return k * k, nil
//	    },
//	})
//	defer c.Close()
//	v, err := c.GetValue(ctx, 12) // 144, computed once
//
// Non-blocking
//
//	f := c.GetValueAsync(ctx, 7)
//	v, err := f.Await()
//
// Suppressing a miss
//
//	v, _ := c.GetValueWith(ctx, 99, &cache.CallOptions[int, int]{
//	    Suppress: true,
//	    Default:  -1,
//	}) // -1 unless 99 is already cached
//
// Limitations
//
// A computation that never returns leaves its cell pending: every caller of
// that key waits until its own ctx ends, and cleanup passes wait for the cell
// as well (a pass is bounded by the ctx it runs with). Give computations
// their own deadline when this matters.
//
// OnMiss runs while the mutable tier's gate is held and must not call back
// into the cache. A computation that requests its own key with the ctx it was
// given receives ErrRecursiveCompute instead of deadlocking; one that detaches
// from that ctx waits on itself forever.
package cache

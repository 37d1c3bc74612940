// Package util contains internal helpers shared by the cache packages.
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"sync/atomic"
	"unsafe"
)

// CacheLineSize is a reasonable default for most modern CPUs.
const CacheLineSize = 64

// CacheLinePad separates groups of hot fields into distinct cache lines.
type CacheLinePad struct{ _ [CacheLineSize]byte }

// Counter is an atomic int64 padded to exactly one cache line, so counters
// bumped from many goroutines on the read path do not false-share.
type Counter struct {
	atomic.Int64
	_ [CacheLineSize - 8]byte
}

// Inc adds one to the counter.
func (c *Counter) Inc() { c.Add(1) }

// Compile-time size check (must be exactly one cache line).
var _ [CacheLineSize - int(unsafe.Sizeof(Counter{}))]byte

package cache

import "time"

// NoopMetrics is a drop-in Metrics implementation that does nothing.
// It is safe for concurrent use and intended as the default when
// no observability backend is configured.
type NoopMetrics struct{}

func (NoopMetrics) Hit(Tier)                     {}
func (NoopMetrics) Miss()                        {}
func (NoopMetrics) Compute(time.Duration, error) {}
func (NoopMetrics) Skip()                        {}
func (NoopMetrics) Cleanup(CleanupKind)          {}
func (NoopMetrics) Size(hot, warm, cold int)     {}

// Ensure NoopMetrics implements the Metrics interface at compile time.
var _ Metrics = NoopMetrics{}

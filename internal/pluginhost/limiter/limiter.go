// Package limiter implements the memory-growth gate used by the
// Linear-Memory Adapter. It is the only mechanism preventing a
// compiled-module plugin from consuming unbounded host memory; table
// growth is left unlimited by policy since guest tables are small.
package limiter

import "sync"

// ResourceLimiter tracks accumulated linear-memory usage for one plugin
// instantiation and gates further growth against a ceiling. It is owned
// uniquely by one instantiation. wazero has no growth hook to install it
// on; the wasm adapter calls MemoryGrowing from its post-call ceiling
// check. The mutex makes it safe to use from more than one goroutine.
type ResourceLimiter struct {
	mu            sync.Mutex
	maxMemoryBytes int64
	used          int64
}

// New creates a ResourceLimiter with the given memory ceiling in bytes.
func New(maxMemoryBytes int64) *ResourceLimiter {
	return &ResourceLimiter{maxMemoryBytes: maxMemoryBytes}
}

// MemoryGrowing gates a growth request: given the module's current and
// desired byte sizes, it accepts or rejects the growth and, on
// acceptance, updates accumulated usage.
func (r *ResourceLimiter) MemoryGrowing(current, desired uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	delta := int64(desired) - int64(current)
	if delta < 0 {
		delta = 0
	}
	if r.used+delta > r.maxMemoryBytes {
		return false
	}
	r.used += delta
	return true
}

// TableGrowing always accepts: tables are small and unlimited by policy.
func (r *ResourceLimiter) TableGrowing(current, desired uint32) bool {
	return true
}

// Used returns the currently accounted memory usage.
func (r *ResourceLimiter) Used() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// MaxMemoryBytes returns the configured ceiling.
func (r *ResourceLimiter) MaxMemoryBytes() int64 { return r.maxMemoryBytes }

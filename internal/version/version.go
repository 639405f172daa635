// Package version implements snapshot retention: a monotonically
// increasing store version counter, and reference-counted TxCounters that
// pin the minimum version still visible to a live reader, writer, or
// iterator. The chunk store's retention collector consults
// Registry.MinLiveVersion to decide which dead chunks are safe to reclaim.
package version

import "sync"

// Registry tracks the store's current version and the set of versions
// still held open by live TxCounters. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	current uint64
	live    map[uint64]int64 // version -> outstanding reference count
}

// NewRegistry creates a Registry starting at version 0.
func NewRegistry() *Registry {
	return &Registry{live: make(map[uint64]int64)}
}

// CurrentVersion returns the current store version without acquiring one.
func (r *Registry) CurrentVersion() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Advance bumps the current version and returns the new value. Called once
// per successful save.
func (r *Registry) Advance() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current++
	return r.current
}

// Acquire pins the current version for a new snapshot (read transaction,
// iterator, or pending commit) and returns a TxCounter the caller must
// Release when done.
func (r *Registry) Acquire() *TxCounter {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.current
	r.live[v]++
	return &TxCounter{registry: r, version: v}
}

// AcquireAt pins a specific version rather than the current one, used to
// resume a long-lived iterator at the version it started on.
func (r *Registry) AcquireAt(v uint64) *TxCounter {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[v]++
	return &TxCounter{registry: r, version: v}
}

func (r *Registry) release(v uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[v]--
	if r.live[v] <= 0 {
		delete(r.live, v)
	}
}

// MinLiveVersion returns the lowest version held by any outstanding
// TxCounter. If none are outstanding, it returns current version + 1 so
// every dead chunk qualifies for collection, matching the chunk
// package's ChunkSetSnapshot.MinLiveVersion convention.
func (r *Registry) MinLiveVersion() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	min := r.current + 1
	for v := range r.live {
		if v < min {
			min = v
		}
	}
	return min
}

// LiveCount returns the number of distinct versions currently pinned, for
// diagnostics.
func (r *Registry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// TxCounter pins a single version alive against collection until Release
// is called. Reference-counted: multiple TxCounters may pin the same
// version simultaneously.
type TxCounter struct {
	registry *Registry
	version  uint64
}

// Version returns the version this TxCounter pins.
func (c *TxCounter) Version() uint64 { return c.version }

// Release unpins the version. Safe to call at most once; calling it twice
// double-decrements the reference count and is a caller bug that is not
// guarded against here.
func (c *TxCounter) Release() {
	c.registry.release(c.version)
}

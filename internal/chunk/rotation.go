package chunk

import "time"

// DirtyBufferState is an immutable snapshot of the store's unsaved state at
// write time, used to decide whether to trigger a save. Safe to copy; no
// file handles, locks, or store pointers.
type DirtyBufferState struct {
	// DirtyBytes is the total size of buffered, not-yet-saved page images
	// across all user maps.
	DirtyBytes uint64

	// SinceLastSave is how long it has been since the last save completed.
	SinceLastSave time.Duration
}

// SaveTriggerPolicy decides when a save should run. Policies are pure
// functions: no IO, no locks, no mutation, no global state.
type SaveTriggerPolicy interface {
	ShouldSave(state DirtyBufferState) bool
}

// SaveTriggerPolicyFunc is an adapter to allow ordinary functions to be
// used as a SaveTriggerPolicy.
type SaveTriggerPolicyFunc func(state DirtyBufferState) bool

func (f SaveTriggerPolicyFunc) ShouldSave(state DirtyBufferState) bool {
	return f(state)
}

// CompositeSaveTriggerPolicy combines multiple policies with OR semantics.
type CompositeSaveTriggerPolicy struct {
	policies []SaveTriggerPolicy
}

func NewCompositeSaveTriggerPolicy(policies ...SaveTriggerPolicy) *CompositeSaveTriggerPolicy {
	return &CompositeSaveTriggerPolicy{policies: policies}
}

func (c *CompositeSaveTriggerPolicy) ShouldSave(state DirtyBufferState) bool {
	for _, p := range c.policies {
		if p.ShouldSave(state) {
			return true
		}
	}
	return false
}

// BufferSizePolicy triggers a save once the unsaved buffer would exceed
// maxBytes — the "autoCommitBufferKB" configuration option.
type BufferSizePolicy struct {
	maxBytes uint64
}

func NewBufferSizePolicy(maxBytes uint64) *BufferSizePolicy {
	return &BufferSizePolicy{maxBytes: maxBytes}
}

func (p *BufferSizePolicy) ShouldSave(state DirtyBufferState) bool {
	if p.maxBytes == 0 {
		return false
	}
	return state.DirtyBytes > p.maxBytes
}

// MaxAgePolicy triggers a save once a dirty buffer has been held longer
// than maxAge, bounding how long writes can go unsaved even under light load.
type MaxAgePolicy struct {
	maxAge time.Duration
}

func NewMaxAgePolicy(maxAge time.Duration) *MaxAgePolicy {
	return &MaxAgePolicy{maxAge: maxAge}
}

func (p *MaxAgePolicy) ShouldSave(state DirtyBufferState) bool {
	if p.maxAge == 0 {
		return false
	}
	return state.DirtyBytes > 0 && state.SinceLastSave > p.maxAge
}

// NeverSavePolicy never triggers a save; saves are then only driven by
// explicit calls. Useful for tests.
type NeverSavePolicy struct{}

func (NeverSavePolicy) ShouldSave(DirtyBufferState) bool { return false }

// AlwaysSavePolicy always triggers a save when there is any dirty data.
// Useful for tests.
type AlwaysSavePolicy struct{}

func (AlwaysSavePolicy) ShouldSave(state DirtyBufferState) bool { return state.DirtyBytes > 0 }

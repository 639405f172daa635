package chunk

import "time"

// DefaultRetentionTime is the default duration a dead chunk is kept before
// it becomes eligible for collection (45s).
const DefaultRetentionTime = 45 * time.Second

// ChunkSummary is the subset of a Chunk's fields a retention policy needs
// to decide whether to collect it. Kept separate from Chunk so policies
// stay pure functions over a plain value, with no access to the live
// chunk table or any IO.
type ChunkSummary struct {
	ID              ChunkID
	PageCountLive   uint32
	Unused          int64 // ms since store creation; 0 while live
	UnusedAtVersion uint64
	PinCount        uint32
	MaxLen          uint64
	MaxLenLive      uint64
}

// ChunkSetSnapshot is an immutable view of all saved chunks a retention
// policy needs, plus the facts needed to evaluate time and snapshot
// conditions without IO.
type ChunkSetSnapshot struct {
	// Chunks contains metadata for all saved chunks known to the store.
	Chunks []ChunkSummary

	// Now is the current wall-clock time.
	Now time.Time

	// StoreCreated is the store's creation instant; Unused/Time fields on
	// chunks are milliseconds relative to this.
	StoreCreated time.Time

	// MinLiveVersion is the lowest version among all currently live
	// TxCounters. No chunk with UnusedAtVersion >= MinLiveVersion may be
	// collected. If there are no live snapshots, callers pass the current
	// store version + 1 so every dead chunk qualifies.
	MinLiveVersion uint64
}

// RetentionPolicy decides which saved chunks are eligible for collection.
// Policies are pure functions: no IO, no locks, no mutation.
type RetentionPolicy interface {
	Apply(state ChunkSetSnapshot) []ChunkID
}

// RetentionPolicyFunc is an adapter to allow ordinary functions to be used
// as a RetentionPolicy.
type RetentionPolicyFunc func(state ChunkSetSnapshot) []ChunkID

func (f RetentionPolicyFunc) Apply(state ChunkSetSnapshot) []ChunkID {
	return f(state)
}

// CompositeRetentionPolicy combines multiple policies with union
// semantics: a chunk is collected if any sub-policy says so.
type CompositeRetentionPolicy struct {
	policies []RetentionPolicy
}

func NewCompositeRetentionPolicy(policies ...RetentionPolicy) *CompositeRetentionPolicy {
	return &CompositeRetentionPolicy{policies: policies}
}

func (c *CompositeRetentionPolicy) Apply(state ChunkSetSnapshot) []ChunkID {
	seen := make(map[ChunkID]struct{})
	var result []ChunkID
	for _, p := range c.policies {
		for _, id := range p.Apply(state) {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				result = append(result, id)
			}
		}
	}
	return result
}

// DeadChunkRetentionPolicy implements the collectability rule: a chunk is
// collectable once it has no live pages, every snapshot with version <=
// unusedAtVersion has been released, and the retention time has elapsed
// since it went dead.
type DeadChunkRetentionPolicy struct {
	retention time.Duration
}

// NewDeadChunkRetentionPolicy creates a policy using the given retention
// duration. A zero duration uses DefaultRetentionTime.
func NewDeadChunkRetentionPolicy(retention time.Duration) *DeadChunkRetentionPolicy {
	if retention <= 0 {
		retention = DefaultRetentionTime
	}
	return &DeadChunkRetentionPolicy{retention: retention}
}

func (p *DeadChunkRetentionPolicy) Apply(state ChunkSetSnapshot) []ChunkID {
	var result []ChunkID
	for _, c := range state.Chunks {
		if c.PageCountLive != 0 {
			continue
		}
		if c.UnusedAtVersion >= state.MinLiveVersion {
			continue
		}
		unusedAt := TimeOf(state.StoreCreated, c.Unused)
		if state.Now.Sub(unusedAt) < p.retention {
			continue
		}
		result = append(result, c.ID)
	}
	return result
}

// NeverCollectPolicy never collects anything. Useful for tests and for the
// append-only multi-file variant, which disables compaction entirely.
type NeverCollectPolicy struct{}

func (NeverCollectPolicy) Apply(ChunkSetSnapshot) []ChunkID { return nil }

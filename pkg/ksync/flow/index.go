// Package flow implements the flow-specific specialization of
// EntryObject (§4.6): sharding across N parallel registries, a
// shared-memory-style slot table with bidirectional index assignment,
// 8-bit generation-id arbitration, and the eviction protocol that
// resolves a race between two flows claiming the same datapath slot.
package flow

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"vrouter-ksync/pkg/ksync/entry"
)

// ShardFor hashes key (the flow's 5-tuple or an equivalent stable
// byte encoding supplied by the caller) to a shard in [0, shardCount).
// Partitioning by hash guarantees a given flow always maps to the
// same shard, matching §4.6 point 1.
func ShardFor(key []byte, shardCount int) int {
	if shardCount <= 0 {
		panic("flow: shardCount must be positive")
	}
	return int(xxhash.Sum64(key) % uint64(shardCount))
}

// generationIsNewer implements the wraparound-safe comparison from
// §4.6 point 3 and the boundary case in §8: (new - old) mod 256 < 127
// means new is ahead of old.
func generationIsNewer(newer, older uint8) bool {
	return uint8(newer-older) < 127
}

// slot is one entry of the flow-index table: the Entry currently
// believed to own it, that owner's generation id, and a mutex that is
// strictly the innermost lock in the system (§5 locking discipline).
type slot struct {
	mu     sync.Mutex
	owner  *entry.Entry
	genID  uint8
	in_use bool
}

// IndexTable is the dense per-shard array of flow slots.
type IndexTable struct {
	slots []slot
}

// NewIndexTable allocates a table with capacity slots, all initially
// unoccupied.
func NewIndexTable(capacity int) *IndexTable {
	return &IndexTable{slots: make([]slot, capacity)}
}

func (t *IndexTable) Capacity() int { return len(t.slots) }

// AcquireResult reports the outcome of an index acquisition attempt.
type AcquireResult struct {
	// Acquired is true if e now owns the slot.
	Acquired bool
	// Evicted is the previous occupant, if one was displaced.
	Evicted *entry.Entry
	// EvictedGenID is the generation id the loser of the race must
	// record as its evict_gen_id so it stops sending further
	// messages for this slot.
	EvictedGenID uint8
	// EffectiveGenID is the generation id now recorded in the slot.
	EffectiveGenID uint8
}

// Acquire implements the eviction protocol of §4.6 point 4. The
// caller must already hold no EntryObject lock (the slot mutex is the
// innermost lock in the system).
func (t *IndexTable) Acquire(index int, e *entry.Entry, genID uint8) AcquireResult {
	s := &t.slots[index]
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.in_use {
		s.owner = e
		s.genID = genID
		s.in_use = true
		return AcquireResult{Acquired: true, EffectiveGenID: genID}
	}

	if s.owner == e {
		// Same entry renewing its own slot (e.g. a Change on an
		// already-owned index): always allowed, no eviction.
		s.genID = genID
		return AcquireResult{Acquired: true, EffectiveGenID: genID}
	}

	if generationIsNewer(genID, s.genID) {
		// Incoming flow wins: evict the current owner.
		evicted := s.owner
		evictedGen := genID
		s.owner = e
		s.genID = genID
		return AcquireResult{
			Acquired:       true,
			Evicted:        evicted,
			EvictedGenID:   evictedGen,
			EffectiveGenID: genID,
		}
	}

	// Incoming flow loses the race.
	return AcquireResult{
		Acquired:       false,
		Evicted:        e,
		EvictedGenID:   s.genID,
		EffectiveGenID: s.genID,
	}
}

// Release drops e's ownership of index, if it is still the owner.
func (t *IndexTable) Release(index int, e *entry.Entry) {
	s := &t.slots[index]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == e {
		s.owner = nil
		s.in_use = false
	}
}

// Owner returns the current occupant of index and its generation id.
func (t *IndexTable) Owner(index int) (*entry.Entry, uint8, bool) {
	s := &t.slots[index]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner, s.genID, s.in_use
}

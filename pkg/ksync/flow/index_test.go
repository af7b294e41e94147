package flow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vrouter-ksync/pkg/ksync/entry"
)

type stubType struct{}

func (stubType) IsLess(other entry.Type) bool     { return false }
func (stubType) String() string                   { return "stub" }
func (stubType) UnresolvedReference() *entry.Entry { return nil }
func (stubType) IsDataResolved() bool             { return true }
func (stubType) AllowDeleteStateComp() bool       { return false }
func (stubType) ShouldReEvalBackReference() bool  { return false }
func (stubType) CleanupOnDel()                    {}
func (stubType) EmptyTable()                      {}
func (stubType) EncodeAdd() ([]byte, bool)        { return nil, false }
func (stubType) EncodeChange() ([]byte, bool)     { return nil, false }
func (stubType) EncodeDelete() ([]byte, bool)     { return nil, false }
func (stubType) ErrorHandler(errno int, seqNo uint32, ev entry.Event) {}

type stubOwner struct{}

func (stubOwner) NotifyEvent(e *entry.Entry, ev entry.Event) {}

func newEntry() *entry.Entry { return entry.New(stubType{}, stubOwner{}) }

func TestShardFor_StableForSameKey(t *testing.T) {
	key := []byte("10.0.0.1:1234->10.0.0.2:80/tcp")
	a := ShardFor(key, 8)
	b := ShardFor(key, 8)
	require.Equal(t, a, b)
	require.GreaterOrEqual(t, a, 0)
	require.Less(t, a, 8)
}

func TestShardFor_PanicsOnNonPositiveShardCount(t *testing.T) {
	require.Panics(t, func() { ShardFor([]byte("x"), 0) })
}

func TestGenerationIsNewer_BoundaryCase(t *testing.T) {
	// Spec's own boundary example: 3 is ahead of 250 after wraparound.
	require.True(t, generationIsNewer(3, 250))
	require.False(t, generationIsNewer(250, 3))
}

func TestGenerationIsNewer_SimpleOrdering(t *testing.T) {
	require.True(t, generationIsNewer(5, 4))
	require.False(t, generationIsNewer(4, 5))
}

func TestAcquire_FirstClaimSucceedsWithNoEviction(t *testing.T) {
	tb := NewIndexTable(4)
	e := newEntry()

	res := tb.Acquire(0, e, 1)

	require.True(t, res.Acquired)
	require.Nil(t, res.Evicted)
	owner, gen, inUse := tb.Owner(0)
	require.Same(t, e, owner)
	require.Equal(t, uint8(1), gen)
	require.True(t, inUse)
}

func TestAcquire_SameOwnerRenewsWithoutEviction(t *testing.T) {
	tb := NewIndexTable(1)
	e := newEntry()
	tb.Acquire(0, e, 1)

	res := tb.Acquire(0, e, 2)

	require.True(t, res.Acquired)
	require.Nil(t, res.Evicted)
	_, gen, _ := tb.Owner(0)
	require.Equal(t, uint8(2), gen)
}

func TestAcquire_NewerGenerationEvictsOlderOwner(t *testing.T) {
	tb := NewIndexTable(1)
	loser, winner := newEntry(), newEntry()
	tb.Acquire(0, loser, 1)

	res := tb.Acquire(0, winner, 2)

	require.True(t, res.Acquired)
	require.Same(t, loser, res.Evicted)
	require.Equal(t, uint8(2), res.EvictedGenID)
	owner, gen, _ := tb.Owner(0)
	require.Same(t, winner, owner)
	require.Equal(t, uint8(2), gen)
}

func TestAcquire_OlderGenerationLosesRace(t *testing.T) {
	tb := NewIndexTable(1)
	incumbent, challenger := newEntry(), newEntry()
	tb.Acquire(0, incumbent, 5)

	res := tb.Acquire(0, challenger, 4)

	require.False(t, res.Acquired)
	require.Same(t, challenger, res.Evicted)
	require.Equal(t, uint8(5), res.EvictedGenID)
	owner, gen, _ := tb.Owner(0)
	require.Same(t, incumbent, owner, "incumbent keeps the slot")
	require.Equal(t, uint8(5), gen)
}

func TestRelease_OnlyCurrentOwnerCanRelease(t *testing.T) {
	tb := NewIndexTable(1)
	owner, other := newEntry(), newEntry()
	tb.Acquire(0, owner, 1)

	tb.Release(0, other)
	_, _, inUse := tb.Owner(0)
	require.True(t, inUse, "release by non-owner is a no-op")

	tb.Release(0, owner)
	_, _, inUse = tb.Owner(0)
	require.False(t, inUse)
}

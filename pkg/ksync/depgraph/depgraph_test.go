package depgraph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vrouter-ksync/pkg/ksync/entry"
)

type stubType struct{}

func (stubType) IsLess(other entry.Type) bool         { return false }
func (stubType) String() string                       { return "stub" }
func (stubType) UnresolvedReference() *entry.Entry     { return nil }
func (stubType) IsDataResolved() bool                  { return true }
func (stubType) AllowDeleteStateComp() bool            { return false }
func (stubType) ShouldReEvalBackReference() bool       { return false }
func (stubType) CleanupOnDel()                         {}
func (stubType) EmptyTable()                           {}
func (stubType) EncodeAdd() ([]byte, bool)             { return nil, false }
func (stubType) EncodeChange() ([]byte, bool)          { return nil, false }
func (stubType) EncodeDelete() ([]byte, bool)          { return nil, false }
func (stubType) ErrorHandler(errno int, seqNo uint32, ev entry.Event) {}

type stubOwner struct{}

func (stubOwner) NotifyEvent(e *entry.Entry, ev entry.Event) {}

func newEntry() *entry.Entry {
	return entry.New(stubType{}, stubOwner{})
}

func TestBackRefAdd_BumpsBothRefcountsAndLinksBothTrees(t *testing.T) {
	g := New()
	waiter, waitedOn := newEntry(), newEntry()

	g.BackRefAdd(waiter, waitedOn)

	require.Equal(t, int32(2), waiter.Refcount())
	require.Equal(t, int32(2), waitedOn.Refcount())
	require.True(t, g.HasWait(waiter))

	fwd, back := g.Counts()
	require.Equal(t, 1, fwd)
	require.Equal(t, 1, back)
}

func TestBackRefAdd_PanicsOnDoubleWait(t *testing.T) {
	g := New()
	waiter, a, b := newEntry(), newEntry(), newEntry()
	g.BackRefAdd(waiter, a)

	require.Panics(t, func() {
		g.BackRefAdd(waiter, b)
	})
}

func TestBackRefDel_UndoesBackRefAdd(t *testing.T) {
	g := New()
	waiter, waitedOn := newEntry(), newEntry()
	g.BackRefAdd(waiter, waitedOn)

	g.BackRefDel(waiter)

	require.False(t, g.HasWait(waiter))
	require.Equal(t, int32(1), waiter.Refcount())
	require.Equal(t, int32(1), waitedOn.Refcount())
	require.True(t, g.Empty())
}

func TestBackRefDel_NoopWhenNoOutstandingWait(t *testing.T) {
	g := New()
	waiter := newEntry()

	require.NotPanics(t, func() { g.BackRefDel(waiter) })
	require.Equal(t, int32(1), waiter.Refcount())
}

func TestBackRefReEval_DetachesAllWaitersAndDecrementsRefcounts(t *testing.T) {
	g := New()
	target := newEntry()
	w1, w2 := newEntry(), newEntry()
	g.BackRefAdd(w1, target)
	g.BackRefAdd(w2, target)
	require.Equal(t, int32(3), target.Refcount())

	waiters := g.BackRefReEval(target)

	require.ElementsMatch(t, []*entry.Entry{w1, w2}, waiters)
	require.False(t, g.HasWait(w1))
	require.False(t, g.HasWait(w2))
	require.Equal(t, int32(1), target.Refcount())
	require.Equal(t, int32(1), w1.Refcount())
	require.Equal(t, int32(1), w2.Refcount())
}

func TestBackRefReEval_EmptyWhenNoWaiters(t *testing.T) {
	g := New()
	target := newEntry()
	require.Empty(t, g.BackRefReEval(target))
}

func TestEmpty_TrueOnlyWhenBothTreesDrained(t *testing.T) {
	g := New()
	require.True(t, g.Empty())

	waiter, waitedOn := newEntry(), newEntry()
	g.BackRefAdd(waiter, waitedOn)
	require.False(t, g.Empty())

	g.BackRefDel(waiter)
	require.True(t, g.Empty())
}

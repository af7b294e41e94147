package entry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type stubType struct {
	resolved bool
	unres    *Entry
}

func (s *stubType) IsLess(other Type) bool          { return false }
func (s *stubType) String() string                  { return "stub" }
func (s *stubType) UnresolvedReference() *Entry      { return s.unres }
func (s *stubType) IsDataResolved() bool             { return s.resolved }
func (s *stubType) AllowDeleteStateComp() bool       { return false }
func (s *stubType) ShouldReEvalBackReference() bool  { return false }
func (s *stubType) CleanupOnDel()                    {}
func (s *stubType) EmptyTable()                      {}
func (s *stubType) EncodeAdd() ([]byte, bool)        { return nil, false }
func (s *stubType) EncodeChange() ([]byte, bool)     { return nil, false }
func (s *stubType) EncodeDelete() ([]byte, bool)     { return nil, false }
func (s *stubType) ErrorHandler(errno int, seqNo uint32, ev Event) {}

type stubOwner struct{ notified []Event }

func (o *stubOwner) NotifyEvent(e *Entry, ev Event) { o.notified = append(o.notified, ev) }

func TestNew_StartsInInitWithRefcountOne(t *testing.T) {
	e := New(&stubType{}, &stubOwner{})
	require.Equal(t, Init, e.State())
	require.Equal(t, int32(1), e.Refcount())
	require.Equal(t, -1, e.Index)
}

func TestRefcount_IncDec(t *testing.T) {
	e := New(&stubType{}, &stubOwner{})
	require.Equal(t, int32(2), e.IncRef())
	require.Equal(t, int32(1), e.DecRef())
	require.Equal(t, int32(0), e.DecRef())
}

func TestIsResolved_RequiresIndexWhenConfigured(t *testing.T) {
	e := New(&stubType{resolved: true}, &stubOwner{})
	e.SetState(SyncWait)
	require.False(t, e.IsResolved(true), "no index allocated yet")

	e.Index = 5
	require.True(t, e.IsResolved(true))
	require.True(t, e.IsResolved(false))
}

func TestIsResolved_FalseWhenDataNotResolved(t *testing.T) {
	e := New(&stubType{resolved: false}, &stubOwner{})
	e.SetState(NeedSync)
	require.False(t, e.IsResolved(false))
}

func TestIsResolved_TrueFromInSyncThroughNeedSync(t *testing.T) {
	e := New(&stubType{resolved: true}, &stubOwner{})
	for _, s := range []State{InSync, SyncWait, NeedSync} {
		e.SetState(s)
		require.True(t, e.IsResolved(false), "state %s should be resolved", s)
	}
}

func TestIsResolved_FalseOutsideInSyncThroughNeedSync(t *testing.T) {
	e := New(&stubType{resolved: true}, &stubOwner{})
	for _, s := range []State{Init, Temp, AddDefer, DelDeferSync, FreeWait} {
		e.SetState(s)
		require.False(t, e.IsResolved(false), "state %s should not be resolved", s)
	}
}

func TestState_IsDeleted(t *testing.T) {
	deleted := []State{DelDeferSync, DelDeferRef, DelDeferDelAck, DelAckWait}
	for _, s := range deleted {
		require.True(t, s.IsDeleted(), "%s should be deleted", s)
	}
	notDeleted := []State{Init, Temp, AddDefer, ChangeDefer, InSync, SyncWait, NeedSync, RenewWait, FreeWait}
	for _, s := range notDeleted {
		require.False(t, s.IsDeleted(), "%s should not be deleted", s)
	}
}

func TestState_String(t *testing.T) {
	require.Equal(t, "IN_SYNC", InSync.String())
	require.Equal(t, "DEL_DEFER_REF", DelDeferRef.String())
	require.Equal(t, "UNKNOWN", State(999).String())
}

func TestEvent_String(t *testing.T) {
	require.Equal(t, "ADD_CHANGE_REQ", AddChangeReq.String())
	require.Equal(t, "INT_PTR_REL", IntPtrRel.String())
	require.Equal(t, "UNKNOWN", Event(999).String())
}

func TestSeenStaleDelAddPending_Flags(t *testing.T) {
	e := New(&stubType{}, &stubOwner{})
	require.False(t, e.Seen())
	e.SetSeen(true)
	require.True(t, e.Seen())

	require.False(t, e.Stale())
	e.SetStale(true)
	require.True(t, e.Stale())

	require.False(t, e.DelAddPending())
	e.SetDelAddPending(true)
	require.True(t, e.DelAddPending())
}

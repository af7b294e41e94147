package entry

import "sync/atomic"

// Owner is the subset of EntryObject an Entry needs to reach back
// into — delivering a state-machine event to itself from dependency
// re-evaluation. Declaring it here (rather than importing package
// object) avoids the import cycle object -> entry -> object; the
// design notes call for exactly this: a trait/interface boundary in
// place of the source's virtual-dispatch class hierarchy.
type Owner interface {
	NotifyEvent(e *Entry, ev Event)
}

// Type is implemented by each concrete managed object (interface,
// next-hop, route, ...). The state machine depends only on this
// interface, never on a concrete type, matching the "deep hierarchy"
// design note.
type Type interface {
	// IsLess establishes the total order Entry identity relies on
	// for placement inside its owning EntryObject's ordered set.
	IsLess(other Type) bool

	String() string

	// UnresolvedReference returns the single entry currently
	// blocking this one's resolution, or nil if none.
	UnresolvedReference() *Entry

	IsDataResolved() bool
	AllowDeleteStateComp() bool
	ShouldReEvalBackReference() bool

	// CleanupOnDel releases type-local state when the entry becomes
	// TEMP or FREE_WAIT.
	CleanupOnDel()

	// EmptyTable is invoked once when the owning EntryObject's tree
	// becomes empty.
	EmptyTable()

	// EncodeAdd/EncodeChange/EncodeDelete produce the wire payload
	// for the corresponding operation. async reports whether the
	// datapath is expected to acknowledge asynchronously (the state
	// machine parks in SYNC_WAIT/DEL_ACK_WAIT) as opposed to a
	// synchronous no-op (nil payload, async == false).
	EncodeAdd() (payload []byte, async bool)
	EncodeChange() (payload []byte, async bool)
	EncodeDelete() (payload []byte, async bool)

	// ErrorHandler is invoked when the datapath responds with a
	// non-zero response code for a request this entry issued.
	ErrorHandler(errno int, seqNo uint32, ev Event)
}

// Entry is the base record for one managed object. Entries must never
// be copied or moved — their address is their identity inside the
// dependency graph (design note, "Intrusive containers").
type Entry struct {
	Data  Type
	Owner Owner

	// Index is entryindex.Invalid for types that carry no index.
	Index int

	state    State
	refcount int32 // atomic

	seen          bool
	stale         bool
	delAddPending bool
}

// New constructs an entry in Init state with a starting refcount of
// 1 (the library's own hold, released only on transition to
// FreeWait).
func New(data Type, owner Owner) *Entry {
	return &Entry{
		Data:     data,
		Owner:    owner,
		Index:    -1,
		state:    Init,
		refcount: 1,
	}
}

func (e *Entry) State() State { return e.state }

// SetState is called only by the state machine driver in package
// object; it is exported because that driver cannot live in this
// package without an import cycle (object.EntryObject implements
// Owner).
func (e *Entry) SetState(s State) { e.state = s }

func (e *Entry) Seen() bool      { return e.seen }
func (e *Entry) SetSeen(v bool)  { e.seen = v }
func (e *Entry) Stale() bool     { return e.stale }
func (e *Entry) SetStale(v bool) { e.stale = v }

func (e *Entry) DelAddPending() bool     { return e.delAddPending }
func (e *Entry) SetDelAddPending(v bool) { e.delAddPending = v }

// Refcount returns the current reference count. Per invariant (a) it
// is >= 1 whenever the entry is present in its owning EntryObject's
// tree.
func (e *Entry) Refcount() int32 { return atomic.LoadInt32(&e.refcount) }

// IncRef bumps the reference count and returns the new value.
func (e *Entry) IncRef() int32 { return atomic.AddInt32(&e.refcount, 1) }

// DecRef drops the reference count and returns the new value. It does
// not guard against going below zero: a caller observing 0 must not
// decrement again.
func (e *Entry) DecRef() int32 {
	return atomic.AddInt32(&e.refcount, -1)
}

// IsResolved implements invariant (d): the entry has a valid index
// when its type requires one, its type-specific data reports
// resolved, and its state sits in [IN_SYNC, DEL_DEFER_SYNC) (i.e.
// IN_SYNC, SYNC_WAIT, or NEED_SYNC).
func (e *Entry) IsResolved(requiresIndex bool) bool {
	if requiresIndex && e.Index < 0 {
		return false
	}
	if !e.Data.IsDataResolved() {
		return false
	}
	return e.state.isBetweenInSyncAndDelDeferSync()
}

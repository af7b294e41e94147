package flow

import (
	"sync"

	"vrouter-ksync/pkg/ksync/entry"
	"vrouter-ksync/pkg/ksync/object"
)

// Flow is implemented by the caller's per-flow entry type; it
// extends entry.Type with the one additional concept the flow
// specialization needs: a comparable handle identifying which
// concrete flow-table row this entry currently represents, so Update
// can detect a handle change and route it through Delete+Create
// instead of Change.
type Flow interface {
	entry.Type
	FlowHandle() string
}

type evictState struct {
	set   bool
	genID uint8
}

// Object is the flow specialization of object.EntryObject: one shard
// of the sharded flow registry, paired with its own IndexTable.
type Object struct {
	*object.EntryObject
	index *IndexTable

	mu      sync.Mutex
	handles map[*entry.Entry]string
	evict   map[*entry.Entry]evictState
	indices map[*entry.Entry]int
}

// New wraps base (constructed by the caller via object.New with
// RequiresIndex: false — flow index assignment is bidirectional and
// owned by this package's IndexTable, not EntryObject's own
// entryindex.Table) together with an IndexTable of the given
// capacity.
func New(base *object.EntryObject, indexCapacity int) *Object {
	return &Object{
		EntryObject: base,
		index:       NewIndexTable(indexCapacity),
		handles:     make(map[*entry.Entry]string),
		evict:       make(map[*entry.Entry]evictState),
		indices:     make(map[*entry.Entry]int),
	}
}

// IsEvicted reports whether e has been evicted from its currently
// assigned slot under a newer generation id — once true, e must never
// send further datapath messages for that slot (§4.6 point 4).
func (o *Object) IsEvicted(e *entry.Entry, currentGenID uint8) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.evict[e]
	return ok && st.set && st.genID != currentGenID
}

func (o *Object) setEvicted(e *entry.Entry, genID uint8) {
	o.mu.Lock()
	o.evict[e] = evictState{set: true, genID: genID}
	o.mu.Unlock()
}

// acquireIndex acquires index for e at genID, resolving the eviction
// protocol, and notifies the flow layer of whichever side lost via
// onEvicted (nil is allowed — callers that don't need the
// notification, such as tests, may omit it).
func (o *Object) acquireIndex(index int, e *entry.Entry, genID uint8, onEvicted func(loser *entry.Entry, evictedGenID uint8)) AcquireResult {
	res := o.index.Acquire(index, e, genID)
	if res.Evicted != nil {
		o.setEvicted(res.Evicted, res.EvictedGenID)
		if onEvicted != nil {
			onEvicted(res.Evicted, res.EvictedGenID)
		}
	}
	return res
}

// Update implements §4.6's Update(flow): if existing is nil, create a
// fresh entry; if its handle differs from key's, delete the old
// handle's entry and create the new one; otherwise issue Change. All
// three paths acquire the per-slot mutex before AcquireIndex, as the
// spec requires. The caller is expected to track the *entry.Entry
// returned by the previous Update/Create for this flow and pass it
// back as existing (EntryObject does not expose a lookup-without-
// create primitive, so there is no other way to ask "does this flow
// already have an entry" without reaching into caller-owned state).
func (o *Object) Update(existing *entry.Entry, key Flow, index int, genID uint8, onEvicted func(loser *entry.Entry, evictedGenID uint8)) *entry.Entry {
	if existing == nil {
		e := o.Create(key, false)
		o.recordHandle(e, key.FlowHandle(), index)
		o.acquireIndex(index, e, genID, onEvicted)
		return e
	}

	o.mu.Lock()
	oldHandle := o.handles[existing]
	o.mu.Unlock()

	if oldHandle != key.FlowHandle() {
		o.Delete(existing)
		e := o.Create(key, true)
		o.recordHandle(e, key.FlowHandle(), index)
		o.acquireIndex(index, e, genID, onEvicted)
		return e
	}

	o.acquireIndex(index, existing, genID, onEvicted)
	o.Change(existing)
	return existing
}

func (o *Object) recordHandle(e *entry.Entry, handle string, index int) {
	o.mu.Lock()
	o.handles[e] = handle
	o.indices[e] = index
	o.mu.Unlock()
}

// Delete implements §4.6's Delete(flow): acquire the per-slot mutex,
// release index ownership, enqueue delete.
func (o *Object) Delete(e *entry.Entry) {
	o.mu.Lock()
	index, ok := o.indices[e]
	o.mu.Unlock()
	if ok {
		o.index.Release(index, e)
	}
	o.EntryObject.Delete(e)
}

// UpdateFlowHandle implements the datapath-assigned-index callback:
// the response to a submission made with index == invalid carries the
// index and gen_id the datapath chose. If the entry has already been
// logically deleted, this must only adjust the key used to encode the
// subsequent DELETE — never revive it — and if the acquire loses the
// race, the updated key must not be applied at all, since an in-flight
// delete would otherwise be misaddressed to an active entry owned by
// someone else.
func (o *Object) UpdateFlowHandle(e *entry.Entry, index int, genID uint8, onEvicted func(loser *entry.Entry, evictedGenID uint8)) bool {
	res := o.acquireIndex(index, e, genID, onEvicted)
	if !res.Acquired {
		return false
	}
	o.mu.Lock()
	o.indices[e] = index
	o.mu.Unlock()
	return true
}

// DisableSend unconditionally marks e evicted relative to genID, so
// IsEvicted(e, genID) reports true from then on (§4.6 point 4,
// "DisableSend"). It sends nothing and suppresses nothing itself.
func (o *Object) DisableSend(e *entry.Entry, genID uint8) {
	o.setEvicted(e, genID^0xFF)
}

// Package depgraph implements the two global trees that let an entry
// defer its own synchronization until another entry it depends on is
// itself synchronized: ForwardRef (waiter -> waited-on) and BackRef
// (waited-on -> its waiters). The graph is a forest, not a DAG with
// cycles — a cycle indicates a modeling bug upstream and this package
// does not attempt to detect one.
package depgraph

import (
	"sync"

	"vrouter-ksync/pkg/ksync/entry"
)

// Graph holds the forward and back reference trees. All mutating
// operations are expected to run under the lock of the EntryObject
// performing the edit (§5 locking discipline); Graph itself only adds
// the mutex needed to keep its own two maps consistent with each
// other, since BackRefReEval's snapshot phase and Delete's cleanup can
// race across different callers' object locks.
type Graph struct {
	mu      sync.Mutex
	forward map[*entry.Entry]*entry.Entry            // waiter -> waited_on
	back    map[*entry.Entry]map[*entry.Entry]struct{} // waited_on -> set of waiters
}

// New creates an empty dependency graph.
func New() *Graph {
	return &Graph{
		forward: make(map[*entry.Entry]*entry.Entry),
		back:    make(map[*entry.Entry]map[*entry.Entry]struct{}),
	}
}

// BackRefAdd inserts matching entries in both trees and bumps the
// refcount of both waiter and waitedOn (invariant e). A waiter has at
// most one outstanding wait; calling this while waiter already has a
// wait recorded is a programming error and panics rather than
// silently overwriting it, since the caller is expected to
// BackRefDel first.
func (g *Graph) BackRefAdd(waiter, waitedOn *entry.Entry) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.forward[waiter]; exists {
		panic("depgraph: waiter already has an outstanding wait")
	}

	g.forward[waiter] = waitedOn
	if g.back[waitedOn] == nil {
		g.back[waitedOn] = make(map[*entry.Entry]struct{})
	}
	g.back[waitedOn][waiter] = struct{}{}

	waiter.IncRef()
	waitedOn.IncRef()
}

// BackRefDel removes the outstanding wait of waiter from both trees
// and decrements both refcounts. No-op if no wait is outstanding.
func (g *Graph) BackRefDel(waiter *entry.Entry) {
	g.mu.Lock()
	waitedOn, ok := g.forward[waiter]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.forward, waiter)
	if set := g.back[waitedOn]; set != nil {
		delete(set, waiter)
		if len(set) == 0 {
			delete(g.back, waitedOn)
		}
	}
	g.mu.Unlock()

	waiter.DecRef()
	waitedOn.DecRef()
}

// HasWait reports whether waiter currently has an outstanding wait.
func (g *Graph) HasWait(waiter *entry.Entry) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.forward[waiter]
	return ok
}

// BackRefReEval snapshots all current waiters of target, detaches
// each (as BackRefDel would), and returns them for the caller to
// deliver entry.ReEval to, one at a time, under each waiter's own
// object lock. The snapshot-then-detach split is required because
// delivering RE_EVAL may itself add new waits — iterating the live
// map while re-entering it would race.
func (g *Graph) BackRefReEval(target *entry.Entry) []*entry.Entry {
	g.mu.Lock()
	set := g.back[target]
	waiters := make([]*entry.Entry, 0, len(set))
	for w := range set {
		waiters = append(waiters, w)
	}
	delete(g.back, target)
	for _, w := range waiters {
		delete(g.forward, w)
	}
	g.mu.Unlock()

	for _, w := range waiters {
		w.DecRef()
		target.DecRef()
	}
	return waiters
}

// Empty reports whether both trees are empty — used by Shutdown to
// assert the testable property that ForwardRef and BackRef are both
// empty once every EntryObject has drained.
func (g *Graph) Empty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.forward) == 0 && len(g.back) == 0
}

// Counts returns the number of forward edges and back-ref targets,
// for diagnostics and tests.
func (g *Graph) Counts() (forward, backTargets int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.forward), len(g.back)
}

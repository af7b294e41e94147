// Package bulk implements BulkContext: aggregation of several
// per-entry requests into one wire message sharing one sequence
// number, and the in-order walk of the interleaved per-entry
// responses that message eventually carries back.
package bulk

import "vrouter-ksync/pkg/ksync/entry"

// Item is one per-entry request folded into a bulk message.
type Item struct {
	Entry    *entry.Entry
	Payload  []byte
	AckEvent entry.Event
}

// Context is the in-flight bookkeeping for one bulked wire message:
// the ordered list of per-entry items it carries, in the exact order
// their responses are expected back.
type Context struct {
	Seqno uint32
	Items []Item
}

// New starts an empty bulk context for the given (bulk-identifying)
// sequence number.
func New(seqno uint32) *Context {
	return &Context{Seqno: seqno}
}

// Add appends one item to the bulk.
func (c *Context) Add(item Item) {
	c.Items = append(c.Items, item)
}

// Bytes returns the total payload bytes currently queued, for the
// (max_bulk_messages, max_bulk_bytes) admission check.
func (c *Context) Bytes() int {
	n := 0
	for _, it := range c.Items {
		n += len(it.Payload)
	}
	return n
}

// Len returns the number of items queued.
func (c *Context) Len() int { return len(c.Items) }

// Dispatch hands the idx'th item's entry and ack event to the supplied
// callback; an out-of-range idx is ignored. Dispatch does not look at
// a response code: any error handling is up to the callback.
func (c *Context) Dispatch(idx int, errorReport func(e *entry.Entry, ackEvent entry.Event)) {
	if idx < 0 || idx >= len(c.Items) {
		return
	}
	it := c.Items[idx]
	errorReport(it.Entry, it.AckEvent)
}

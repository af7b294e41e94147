package bulk

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vrouter-ksync/pkg/ksync/entry"
)

func TestContext_AddAccumulatesLenAndBytes(t *testing.T) {
	c := New(7)
	require.Equal(t, uint32(7), c.Seqno)

	c.Add(Item{Payload: []byte("abc"), AckEvent: entry.AddAck})
	c.Add(Item{Payload: []byte("de"), AckEvent: entry.ChangeAck})

	require.Equal(t, 2, c.Len())
	require.Equal(t, 5, c.Bytes())
}

func TestContext_DispatchDeliversTheRequestedItem(t *testing.T) {
	c := New(1)
	e1, e2 := &entry.Entry{}, &entry.Entry{}
	c.Add(Item{Entry: e1, AckEvent: entry.AddAck})
	c.Add(Item{Entry: e2, AckEvent: entry.DelAck})

	var gotEntry *entry.Entry
	var gotEvent entry.Event
	c.Dispatch(1, func(e *entry.Entry, ev entry.Event) {
		gotEntry = e
		gotEvent = ev
	})

	require.Same(t, e2, gotEntry)
	require.Equal(t, entry.DelAck, gotEvent)
}

func TestContext_DispatchOutOfRangeIsNoop(t *testing.T) {
	c := New(1)
	c.Add(Item{AckEvent: entry.AddAck})

	called := false
	c.Dispatch(5, func(e *entry.Entry, ev entry.Event) { called = true })
	c.Dispatch(-1, func(e *entry.Entry, ev entry.Event) { called = true })

	require.False(t, called)
}

package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"vrouter-ksync/pkg/backpressure"
	"vrouter-ksync/pkg/ksync/entry"
	"vrouter-ksync/pkg/ksync/transport/bulk"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeConn is an in-memory Conn: SendTo records frames, Receive reads
// from a channel the test feeds responses into.
type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	recvCh  chan []byte
	family  uint16
	maxLen  uint32
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{recvCh: make(chan []byte, 16), maxLen: 1 << 16}
}

func (c *fakeConn) SendTo(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, frame)
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-c.recvCh:
		if !ok {
			return nil, errors.New("fakeConn: closed")
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Family() uint16      { return c.family }
func (c *fakeConn) MaxFrameLen() uint32 { return c.maxLen }
func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.recvCh) })
	return nil
}

func (c *fakeConn) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

type stubType struct{}

func (stubType) IsLess(other entry.Type) bool          { return false }
func (stubType) String() string                        { return "stub" }
func (stubType) UnresolvedReference() *entry.Entry      { return nil }
func (stubType) IsDataResolved() bool                   { return true }
func (stubType) AllowDeleteStateComp() bool             { return false }
func (stubType) ShouldReEvalBackReference() bool        { return false }
func (stubType) CleanupOnDel()                          {}
func (stubType) EmptyTable()                            {}
func (stubType) EncodeAdd() ([]byte, bool)              { return nil, false }
func (stubType) EncodeChange() ([]byte, bool)           { return nil, false }
func (stubType) EncodeDelete() ([]byte, bool)           { return nil, false }
func (stubType) ErrorHandler(errno int, seqNo uint32, ev entry.Event) {}

type recordingOwner struct {
	mu       sync.Mutex
	notified []entry.Event
}

func (o *recordingOwner) NotifyEvent(e *entry.Entry, ev entry.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notified = append(o.notified, ev)
}

func (o *recordingOwner) events() []entry.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]entry.Event(nil), o.notified...)
}

func TestDrainBulk_CombinesQueuedItemsIntoOneFrame(t *testing.T) {
	conn := newFakeConn()
	tr := New(conn, Config{MaxBulkMessages: 4, MaxBulkBytes: 1024, InFlightHighWater: 10}, testLogger())

	owner := &recordingOwner{}
	e1 := entry.New(stubType{}, owner)
	e2 := entry.New(stubType{}, owner)

	second := pending{item: bulk.Item{Entry: e2, Payload: []byte("bb"), AckEvent: entry.ChangeAck}}
	tr.sendCh <- second

	tr.drainBulk(pending{item: bulk.Item{Entry: e1, Payload: []byte("a"), AckEvent: entry.AddAck}})

	frames := conn.sentFrames()
	require.Len(t, frames, 1)

	h, payload, err := DecodeHeader(frames[0])
	require.NoError(t, err)
	require.Equal(t, []byte("abb"), payload)

	require.Equal(t, 1, tr.inFlightCount())
	tr.mu.Lock()
	ctxEntry := tr.inFlight[h.Seqno]
	tr.mu.Unlock()
	require.NotNil(t, ctxEntry)
	require.NotNil(t, ctxEntry.bulk)
	require.Len(t, ctxEntry.bulk.Items, 2)
}

func TestDrainBulk_SingleItemRecordedAsSingle(t *testing.T) {
	conn := newFakeConn()
	tr := New(conn, Config{MaxBulkMessages: 4, MaxBulkBytes: 1024, InFlightHighWater: 10}, testLogger())
	owner := &recordingOwner{}
	e1 := entry.New(stubType{}, owner)

	tr.drainBulk(pending{item: bulk.Item{Entry: e1, Payload: []byte("x"), AckEvent: entry.AddAck}})

	require.Equal(t, 1, tr.inFlightCount())
	for _, v := range tr.inFlight {
		require.NotNil(t, v.single)
		require.Nil(t, v.bulk)
	}
}

func TestHandleFrame_DispatchesAckAndClearsInFlight(t *testing.T) {
	conn := newFakeConn()
	tr := New(conn, Config{MaxBulkMessages: 4, MaxBulkBytes: 1024, InFlightHighWater: 10}, testLogger())
	owner := &recordingOwner{}
	e1 := entry.New(stubType{}, owner)

	tr.drainBulk(pending{item: bulk.Item{Entry: e1, Payload: []byte("x"), AckEvent: entry.AddAck}})
	frames := conn.sentFrames()
	h, _, err := DecodeHeader(frames[0])
	require.NoError(t, err)

	respPayload := make([]byte, 4) // resp_code = 0
	respFrame := EncodeFrame(0, 0, h.Seqno, false, respPayload)

	tr.handleFrame(respFrame)

	require.Equal(t, []entry.Event{entry.AddAck}, owner.events())
	require.Equal(t, 0, tr.inFlightCount())
}

func TestHandleFrame_UnknownSeqnoIsDroppedSilently(t *testing.T) {
	conn := newFakeConn()
	tr := New(conn, Config{MaxBulkMessages: 4, MaxBulkBytes: 1024, InFlightHighWater: 10}, testLogger())

	frame := EncodeFrame(0, 0, 999, false, make([]byte, 4))
	require.NotPanics(t, func() { tr.handleFrame(frame) })
}

func TestHandleFrame_MoreDataLeavesEntryInFlight(t *testing.T) {
	conn := newFakeConn()
	tr := New(conn, Config{MaxBulkMessages: 4, MaxBulkBytes: 1024, InFlightHighWater: 10}, testLogger())
	owner := &recordingOwner{}
	e1 := entry.New(stubType{}, owner)
	tr.drainBulk(pending{item: bulk.Item{Entry: e1, Payload: []byte("x"), AckEvent: entry.AddAck}})
	frames := conn.sentFrames()
	h, _, err := DecodeHeader(frames[0])
	require.NoError(t, err)

	moreFrame := EncodeFrame(0, 0, h.Seqno, true, make([]byte, 4))
	tr.handleFrame(moreFrame)

	require.Equal(t, 1, tr.inFlightCount(), "more-data response must not clear the in-flight slot yet")
}

func TestAdmit_NilComponentsClearImmediatelyBelowHighWater(t *testing.T) {
	conn := newFakeConn()
	tr := New(conn, Config{MaxBulkMessages: 4, MaxBulkBytes: 1024, InFlightHighWater: 10}, testLogger())

	require.True(t, tr.admit(context.Background()))
}

func TestAdmit_BlocksAtInFlightHighWaterUntilContextCancelled(t *testing.T) {
	conn := newFakeConn()
	tr := New(conn, Config{MaxBulkMessages: 4, MaxBulkBytes: 1024, InFlightHighWater: 1}, testLogger())
	owner := &recordingOwner{}
	e1 := entry.New(stubType{}, owner)
	tr.drainBulk(pending{item: bulk.Item{Entry: e1, Payload: []byte("x"), AckEvent: entry.AddAck}})
	require.Equal(t, 1, tr.inFlightCount())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.False(t, tr.admit(ctx), "in-flight at high water with no response should block until ctx is done")
}

func TestAdmit_BackpressureCriticalBlocksEvenBelowHighWater(t *testing.T) {
	conn := newFakeConn()
	tr := New(conn, Config{MaxBulkMessages: 4, MaxBulkBytes: 1024, InFlightHighWater: 100}, testLogger())
	bp := backpressure.NewManager(backpressure.Config{}, testLogger())
	bp.ForceLevel(backpressure.LevelCritical)
	tr.WithBackpressure(bp)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.False(t, tr.admit(ctx))
}

func TestWithBackpressure_ReturnsSameTransportForChaining(t *testing.T) {
	conn := newFakeConn()
	tr := New(conn, Config{InFlightHighWater: 10, MaxBulkMessages: 1, MaxBulkBytes: 1024}, testLogger())
	bp := backpressure.NewManager(backpressure.Config{}, testLogger())

	got := tr.WithBackpressure(bp)

	require.Same(t, tr, got)
}

func TestSeqno_DefaultLowBitAlwaysSet(t *testing.T) {
	conn := newFakeConn()
	tr := New(conn, Config{InFlightHighWater: 10, MaxBulkMessages: 1, MaxBulkBytes: 1024}, testLogger())

	for i := 0; i < 5; i++ {
		s := tr.nextDefaultSeqno()
		require.Equal(t, uint32(1), s&1, "default seqno must keep the low bit set")
	}
}

func TestSeqno_PriorityLowBitNeverSet(t *testing.T) {
	conn := newFakeConn()
	tr := New(conn, Config{InFlightHighWater: 10, MaxBulkMessages: 1, MaxBulkBytes: 1024}, testLogger())

	for i := 0; i < 5; i++ {
		s := tr.nextPrioritySeqno()
		require.Equal(t, uint32(0), s&1, "priority seqno must keep the low bit clear")
	}
}

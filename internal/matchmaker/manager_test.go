package matchmaker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duetchat/signaling-relay/internal/auth"
	"github.com/duetchat/signaling-relay/internal/metrics"
	"github.com/duetchat/signaling-relay/internal/registry"
)

type recordedEvent struct {
	Event   string
	Payload any
}

type fakeConn struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (c *fakeConn) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, recordedEvent{Event: event, Payload: payload})
	return nil
}

func (c *fakeConn) Events() []recordedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]recordedEvent, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeConn) LastEvent(t *testing.T) recordedEvent {
	t.Helper()
	events := c.Events()
	require.NotEmpty(t, events, "no events recorded")
	return events[len(events)-1]
}

type fixture struct {
	reg *registry.Registry
	m   *metrics.Metrics
	mgr *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New(auth.InsecureVerifier{})
	m := metrics.New()
	var msgSeq int
	mgr := New(reg, Options{
		Metrics:  m,
		CoinFlip: func() bool { return true }, // requester is always initiator
		Now:      func() time.Time { return time.Unix(1700000000, 0) },
		NewMessageID: func() string {
			msgSeq++
			return fmt.Sprintf("msg-%d", msgSeq)
		},
	})
	return &fixture{reg: reg, m: m, mgr: mgr}
}

func (f *fixture) connect(id string) *fakeConn {
	c := &fakeConn{}
	f.reg.Register(id, c)
	return c
}

func TestFindMatch_FirstSearcherWaits(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")

	f.mgr.FindMatch("a")

	assert.True(t, f.mgr.IsWaiting("a"))
	assert.Equal(t, 1, f.mgr.WaitingCount())
	assert.Equal(t, 0, f.mgr.RoomCount())
	assert.Empty(t, a.Events(), "no match_found before a partner exists")
}

func TestFindMatch_PairsWithWaiting(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")
	b := f.connect("b")

	f.mgr.FindMatch("a")
	f.mgr.FindMatch("b")

	assert.Equal(t, 0, f.mgr.WaitingCount())
	assert.Equal(t, 1, f.mgr.RoomCount())

	evA := a.LastEvent(t)
	evB := b.LastEvent(t)
	require.Equal(t, EventMatchFound, evA.Event)
	require.Equal(t, EventMatchFound, evB.Event)

	mfA := evA.Payload.(MatchFound)
	mfB := evB.Payload.(MatchFound)
	assert.Equal(t, mfA.RoomID, mfB.RoomID, "both sides see the same room")
	assert.NotEqual(t, mfA.Initiator, mfB.Initiator, "exactly one side is initiator")

	roomA, okA := f.mgr.RoomOf("a")
	roomB, okB := f.mgr.RoomOf("b")
	require.True(t, okA)
	require.True(t, okB)
	assert.Equal(t, roomA, roomB)
	assert.Equal(t, uint64(1), f.m.Get(metrics.MatchesMade))
}

func TestFindMatch_DuplicateWhileWaitingIsNoop(t *testing.T) {
	f := newFixture(t)
	f.connect("a")

	f.mgr.FindMatch("a")
	f.mgr.FindMatch("a")

	assert.Equal(t, 1, f.mgr.WaitingCount(), "no duplicate queue entry")
}

func TestFindMatch_WhilePairedIsNoop(t *testing.T) {
	f := newFixture(t)
	f.connect("a")
	f.connect("b")
	f.mgr.FindMatch("a")
	f.mgr.FindMatch("b")

	f.mgr.FindMatch("a")

	assert.Equal(t, 0, f.mgr.WaitingCount())
	assert.Equal(t, 1, f.mgr.RoomCount())
	assert.False(t, f.mgr.IsWaiting("a"))
}

func TestFindMatch_ThreeSearchers(t *testing.T) {
	// A and B pair on B's call; C finds an empty queue and waits.
	f := newFixture(t)
	f.connect("a")
	f.connect("b")
	c := f.connect("c")

	f.mgr.FindMatch("a")
	f.mgr.FindMatch("b")
	f.mgr.FindMatch("c")

	assert.Equal(t, 1, f.mgr.RoomCount())
	assert.True(t, f.mgr.IsWaiting("c"))
	assert.Empty(t, c.Events())
}

func TestFindMatch_SkipsStaleQueueEntries(t *testing.T) {
	f := newFixture(t)
	f.connect("a")
	b := f.connect("b")

	f.mgr.FindMatch("a")
	// a's transport vanishes without manager cleanup, leaving a stale queue
	// entry behind.
	f.reg.Unregister("a")

	f.mgr.FindMatch("b")

	assert.True(t, f.mgr.IsWaiting("b"), "b enqueues after discarding stale a")
	assert.False(t, f.mgr.IsWaiting("a"))
	assert.Equal(t, 0, f.mgr.RoomCount())
	assert.Empty(t, b.Events())
	assert.Equal(t, uint64(1), f.m.Get(metrics.StaleQueueSkipped))
}

func TestRelaySignal_ForwardsToPeerOnly(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")
	b := f.connect("b")
	f.mgr.FindMatch("a")
	f.mgr.FindMatch("b")
	aBefore := len(a.Events())

	payload := map[string]any{"type": "offer", "sdp": "v=0..."}
	require.NoError(t, f.mgr.RelaySignal("a", SignalOffer, payload))

	ev := b.LastEvent(t)
	assert.Equal(t, SignalOffer, ev.Event)
	assert.Equal(t, payload, ev.Payload, "payload relayed verbatim")
	assert.Len(t, a.Events(), aBefore, "sender receives nothing back")
	assert.Equal(t, uint64(1), f.m.Get(metrics.SignalsRelayed))
}

func TestRelaySignal_AllKinds(t *testing.T) {
	f := newFixture(t)
	f.connect("a")
	b := f.connect("b")
	f.mgr.FindMatch("a")
	f.mgr.FindMatch("b")

	for _, kind := range []string{SignalOffer, SignalAnswer, SignalICECandidate} {
		require.NoError(t, f.mgr.RelaySignal("a", kind, "x"))
		assert.Equal(t, kind, b.LastEvent(t).Event)
	}
}

func TestRelaySignal_UnknownKind(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.mgr.RelaySignal("a", "renegotiate", nil))
}

func TestRelaySignal_SilentDropWhenUnpaired(t *testing.T) {
	f := newFixture(t)
	f.connect("a")

	require.NoError(t, f.mgr.RelaySignal("a", SignalOffer, "x"))
	assert.Equal(t, uint64(1), f.m.Get(metrics.SignalsDropped))
}

func TestRelayChat_DeliversToBothIncludingSender(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")
	b := f.connect("b")
	f.mgr.FindMatch("a")
	f.mgr.FindMatch("b")

	f.mgr.RelayChat("a", "hello")

	evA := a.LastEvent(t)
	evB := b.LastEvent(t)
	require.Equal(t, EventMessage, evA.Event)
	require.Equal(t, EventMessage, evB.Event)

	msgA := evA.Payload.(ChatMessage)
	msgB := evB.Payload.(ChatMessage)
	assert.Equal(t, msgA, msgB, "both sides see the identical record")
	assert.Equal(t, "msg-1", msgA.ID)
	assert.Equal(t, "hello", msgA.Text)
	assert.Equal(t, "a", msgA.Sender)
	assert.False(t, msgA.Timestamp.IsZero())
}

func TestRelayChat_PreservesSendOrder(t *testing.T) {
	f := newFixture(t)
	f.connect("a")
	b := f.connect("b")
	f.mgr.FindMatch("a")
	f.mgr.FindMatch("b")

	f.mgr.RelayChat("a", "first")
	f.mgr.RelayChat("a", "second")

	var texts []string
	for _, ev := range b.Events() {
		if ev.Event == EventMessage {
			texts = append(texts, ev.Payload.(ChatMessage).Text)
		}
	}
	assert.Equal(t, []string{"first", "second"}, texts)
}

func TestRelayChat_SilentDropWhenUnpaired(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")

	f.mgr.RelayChat("a", "into the void")

	assert.Empty(t, a.Events())
	assert.Equal(t, uint64(0), f.m.Get(metrics.ChatMessages))
}

func TestDisconnect_RemovesFromWaiting(t *testing.T) {
	f := newFixture(t)
	f.connect("a")
	f.mgr.FindMatch("a")

	f.mgr.Disconnect("a")

	assert.Equal(t, 0, f.mgr.WaitingCount())
	assert.Equal(t, 0, f.reg.Len(), "registry entry removed")
}

func TestDisconnect_DestroysRoomAndNotifiesPartner(t *testing.T) {
	f := newFixture(t)
	f.connect("a")
	b := f.connect("b")
	f.mgr.FindMatch("a")
	f.mgr.FindMatch("b")

	f.mgr.Disconnect("a")

	assert.Equal(t, EventPartnerDisconnected, b.LastEvent(t).Event)
	assert.Equal(t, 0, f.mgr.RoomCount(), "no 1-participant room survives")
	_, inRoom := f.mgr.RoomOf("b")
	assert.False(t, inRoom)
	assert.False(t, f.mgr.IsWaiting("b"), "remaining member is not auto-requeued")

	// The survivor can search again.
	f.connect("c")
	f.mgr.FindMatch("b")
	f.mgr.FindMatch("c")
	assert.Equal(t, 1, f.mgr.RoomCount())
}

func TestDisconnect_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.connect("a")
	b := f.connect("b")
	f.mgr.FindMatch("a")
	f.mgr.FindMatch("b")

	f.mgr.Disconnect("a")
	notified := len(b.Events())
	f.mgr.Disconnect("a")

	assert.Len(t, b.Events(), notified, "second disconnect is a no-op")
	assert.Equal(t, uint64(1), f.m.Get(metrics.PartnerDisconnects))
}

func TestDisconnect_UnknownIDIsSafe(t *testing.T) {
	f := newFixture(t)
	f.mgr.Disconnect("ghost")
	assert.Equal(t, 0, f.mgr.WaitingCount())
}

// The queue/room exclusivity invariant must hold through an arbitrary
// interleaving of searches and disconnects.
func TestInvariant_NeverWaitingAndPaired(t *testing.T) {
	f := newFixture(t)

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		f.connect(id)
	}

	script := []struct {
		op string
		id string
	}{
		{"find", "a"}, {"find", "b"}, {"find", "c"},
		{"disc", "a"}, {"find", "c"}, {"find", "d"},
		{"find", "e"}, {"disc", "d"}, {"find", "e"},
		{"find", "b"}, {"disc", "c"},
	}

	for i, step := range script {
		switch step.op {
		case "find":
			f.mgr.FindMatch(step.id)
		case "disc":
			f.mgr.Disconnect(step.id)
		}

		for _, id := range ids {
			_, inRoom := f.mgr.RoomOf(id)
			waiting := f.mgr.IsWaiting(id)
			assert.False(t, inRoom && waiting,
				"step %d: %s is both waiting and paired", i, id)
		}
	}
}

func TestConcurrentFindMatch_PairsEveryoneOnce(t *testing.T) {
	f := newFixture(t)

	const n = 20 // even
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("conn-%d", i)
		f.connect(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.mgr.FindMatch(id)
		}()
	}
	wg.Wait()

	assert.Equal(t, n/2, f.mgr.RoomCount())
	assert.Equal(t, 0, f.mgr.WaitingCount())

	seen := make(map[string]int)
	for i := 0; i < n; i++ {
		roomID, ok := f.mgr.RoomOf(fmt.Sprintf("conn-%d", i))
		require.True(t, ok)
		seen[roomID]++
	}
	for roomID, members := range seen {
		assert.Equal(t, 2, members, "room %s", roomID)
	}
}

package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Collab/internal/crdt"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/presence"
	"github.com/dkeye/Collab/internal/signaling"
	"github.com/dkeye/Collab/internal/wire"
)

const room domain.RoomID = "design-review"

var schema = crdt.Schema{"chat": crdt.KindSequence, "paper": crdt.KindText}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// replica glues a store to a sync the way a room session does.
type replica struct {
	id    domain.PeerID
	link  *MemoryLink
	store *crdt.Store
	sync  *Sync

	mu       sync.Mutex
	requests []domain.PeerID
	signals  []signaling.Message
	presence []presence.Record
}

func newReplica(t *testing.T, bus *Bus, id domain.PeerID) *replica {
	t.Helper()
	mem := bus.Link()
	return startReplica(t, id, mem, mem, SyncOptions{FlushInterval: 10 * time.Millisecond})
}

// startReplica runs the sync over link; mem is the memory link underneath
// it, used to take the replica offline.
func startReplica(t *testing.T, id domain.PeerID, mem *MemoryLink, link Link, opts SyncOptions) *replica {
	t.Helper()
	r := &replica{
		id:    id,
		link:  mem,
		store: crdt.NewStore(room, domain.ReplicaID(id), schema),
	}
	r.sync = NewSync(link, id, opts)
	r.sync.SetLog(r.store.Operations)
	r.sync.OnOperationReceived(func(op crdt.Operation) { _ = r.store.ApplyRemote(op) })
	r.sync.OnSyncRequested(func(from domain.PeerID) {
		r.mu.Lock()
		r.requests = append(r.requests, from)
		r.mu.Unlock()
	})
	r.sync.OnSignalReceived(func(m signaling.Message) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.signals = append(r.signals, m)
	})
	r.sync.OnPresenceReceived(func(p presence.Record) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.presence = append(r.presence, p)
	})
	require.NoError(t, r.sync.Connect(t.Context(), room))
	t.Cleanup(func() { _ = r.sync.Disconnect() })
	return r
}

func (r *replica) insert(t *testing.T, i int, v string) {
	t.Helper()
	op, err := r.store.Insert("chat", i, v)
	require.NoError(t, err)
	require.NoError(t, r.sync.BroadcastOperation(op))
}

func (r *replica) chat(t *testing.T) []string {
	t.Helper()
	vals, err := r.store.Sequence("chat")
	require.NoError(t, err)
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		var s string
		require.NoError(t, v.Decode(&s))
		out = append(out, s)
	}
	return out
}

func (r *replica) requestsFrom(id domain.PeerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.requests {
		if p == id {
			n++
		}
	}
	return n
}

func TestSync_OperationsReachOtherReplicas(t *testing.T) {
	bus := NewBus()
	a := newReplica(t, bus, "a")
	b := newReplica(t, bus, "b")

	a.insert(t, 0, "hello")
	b.insert(t, 0, "hi")

	require.Eventually(t, func() bool {
		return a.store.Len() == 2 && b.store.Len() == 2
	}, waitFor, tick)
	assert.Equal(t, a.chat(t), b.chat(t))
}

func TestSync_LateJoinerCatchesUpThroughSyncRequest(t *testing.T) {
	bus := NewBus()
	a := newReplica(t, bus, "a")
	a.insert(t, 0, "one")
	a.insert(t, 1, "two")

	c := newReplica(t, bus, "c")
	require.Eventually(t, func() bool { return c.store.Len() == 2 }, waitFor, tick)
	assert.Equal(t, []string{"one", "two"}, c.chat(t))
	assert.Equal(t, 1, a.requestsFrom("c"))
}

func TestSync_QueuesOperationsWhileOfflineAndFlushesInOrder(t *testing.T) {
	bus := NewBus()
	a := newReplica(t, bus, "a")
	b := newReplica(t, bus, "b")
	require.Eventually(t, func() bool { return b.requestsFrom("a") == 0 && a.requestsFrom("b") == 1 }, waitFor, tick)

	a.link.SetOnline(false)
	a.insert(t, 0, "x")
	a.insert(t, 1, "y")
	a.insert(t, 2, "z")
	assert.Equal(t, 3, a.sync.Pending())

	err := a.sync.BroadcastPresence(presence.Record{Room: room, PeerID: "a", DisplayName: "A", Timestamp: 1})
	assert.ErrorIs(t, err, ErrTransportUnavailable)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, b.store.Len())
	assert.Equal(t, 3, a.sync.Pending())

	a.link.SetOnline(true)
	require.Eventually(t, func() bool { return b.store.Len() == 3 }, waitFor, tick)
	assert.Equal(t, []string{"x", "y", "z"}, b.chat(t))
	assert.Zero(t, a.sync.Pending())
	// recovery is followed by anti-entropy
	require.Eventually(t, func() bool { return b.requestsFrom("a") == 1 }, waitFor, tick)
}

func TestSync_OfflineEditThenRejoinConverges(t *testing.T) {
	bus := NewBus()
	a := newReplica(t, bus, "a")
	b := newReplica(t, bus, "b")
	a.insert(t, 0, "base")
	require.Eventually(t, func() bool { return b.store.Len() == 1 }, waitFor, tick)

	b.link.SetOnline(false)
	b.insert(t, 1, "offline-b")
	a.insert(t, 1, "online-a")
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, b.chat(t), 2, "b must not see a's edit while partitioned")

	b.link.SetOnline(true)
	require.Eventually(t, func() bool {
		return a.store.Len() == 3 && b.store.Len() == 3
	}, waitFor, tick)
	assert.Equal(t, a.chat(t), b.chat(t))
	assert.Equal(t, "base", a.chat(t)[0])
}

func TestSync_SignalsOnlyReachAddressee(t *testing.T) {
	bus := NewBus()
	a := newReplica(t, bus, "a")
	b := newReplica(t, bus, "b")
	c := newReplica(t, bus, "c")

	offer := signaling.NewOffer(room, "a", "b", signaling.SessionDescription{Type: "offer", SDP: "v=0"})
	require.NoError(t, a.sync.SendSignal(offer))

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.signals) == 1
	}, waitFor, tick)
	assert.Equal(t, offer.ID, b.signals[0].ID)
	time.Sleep(20 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.signals)
}

// echoLink hands every published frame back to its own subscriber, as a
// pub/sub broker does.
type echoLink struct {
	mu        sync.Mutex
	fn        func([]byte)
	published int
}

func (l *echoLink) Open(context.Context, domain.RoomID) error { return nil }
func (l *echoLink) OnFrame(fn func([]byte))                   { l.fn = fn }
func (l *echoLink) Close() error                              { return nil }
func (l *echoLink) Publish(f []byte) error {
	l.mu.Lock()
	l.published++
	l.mu.Unlock()
	l.fn(f)
	return nil
}

func TestSync_DropsSelfEchoAndMalformedFrames(t *testing.T) {
	link := &echoLink{}
	s := NewSync(link, "me", SyncOptions{})
	var got int
	s.OnOperationReceived(func(crdt.Operation) { got++ })
	s.OnSyncRequested(func(domain.PeerID) { got++ })
	require.NoError(t, s.Connect(t.Context(), room))
	defer s.Disconnect()

	store := crdt.NewStore(room, "me", schema)
	op, err := store.Insert("chat", 0, "x")
	require.NoError(t, err)
	require.NoError(t, s.BroadcastOperation(op))

	link.fn([]byte(`{"type":"op"`))
	link.fn([]byte(`{"type":"op","roomId":"design-review","from":"other"}`))
	assert.Zero(t, got)
	assert.Equal(t, 2, link.published) // sync request + op
}

func TestSync_RequiresConnect(t *testing.T) {
	s := NewSync(NewBus().Link(), "me", SyncOptions{})
	assert.ErrorIs(t, s.RequestSync(), ErrNotConnected)
	assert.NoError(t, s.Disconnect())
}

func TestSync_DisconnectIsIdempotent(t *testing.T) {
	bus := NewBus()
	r := newReplica(t, bus, "a")
	require.NoError(t, r.sync.Disconnect())
	require.NoError(t, r.sync.Disconnect())
	assert.False(t, r.sync.Connected())
	assert.ErrorIs(t, r.sync.BroadcastPresence(presence.Record{}), ErrNotConnected)
}

type stubLink struct {
	openErr   error
	pubErr    error
	published int
	closed    bool
}

func (l *stubLink) Open(context.Context, domain.RoomID) error { return l.openErr }
func (l *stubLink) OnFrame(func([]byte))                      {}
func (l *stubLink) Close() error                              { l.closed = true; return nil }
func (l *stubLink) Publish([]byte) error {
	if l.pubErr != nil {
		return l.pubErr
	}
	l.published++
	return nil
}

func TestFanout(t *testing.T) {
	up, down := &stubLink{}, &stubLink{pubErr: ErrTransportUnavailable}

	f := Fanout{down, up}
	require.NoError(t, f.Open(t.Context(), room))
	require.NoError(t, f.Publish([]byte("x")))
	assert.Equal(t, 1, up.published)

	allDown := Fanout{down, &stubLink{pubErr: errors.New("boom")}}
	assert.ErrorIs(t, allDown.Publish([]byte("x")), ErrTransportUnavailable)
	assert.ErrorIs(t, Fanout{}.Publish([]byte("x")), ErrTransportUnavailable)

	first, broken := &stubLink{}, &stubLink{openErr: errors.New("bad url")}
	assert.Error(t, Fanout{first, broken}.Open(t.Context(), room))
	assert.True(t, first.closed)
}

type fakeMesh struct {
	connected int
	fn        func(domain.PeerID, []byte)
	sent      [][]byte
}

func (m *fakeMesh) BroadcastSync(f []byte) (int, error) {
	if m.connected == 0 {
		return 0, nil
	}
	m.sent = append(m.sent, f)
	return m.connected, nil
}

func (m *fakeMesh) OnSyncFrame(fn func(domain.PeerID, []byte)) { m.fn = fn }

func TestMeshLink(t *testing.T) {
	mesh := &fakeMesh{}
	l := NewMeshLink(mesh)
	var got []string
	l.OnFrame(func(f []byte) { got = append(got, string(f)) })
	require.NoError(t, l.Open(t.Context(), room))

	assert.ErrorIs(t, l.Publish([]byte("x")), ErrTransportUnavailable)
	mesh.connected = 2
	assert.NoError(t, l.Publish([]byte("x")))

	mesh.fn("peer", []byte("frame"))
	assert.Equal(t, []string{"frame"}, got)

	require.NoError(t, l.Close())
	mesh.fn("peer", []byte("late"))
	assert.Len(t, got, 1)
	assert.ErrorIs(t, l.Publish([]byte("x")), ErrTransportUnavailable)
}

func TestSyncReplyAddressedToOthersIsIgnored(t *testing.T) {
	link := &echoLink{}
	s := NewSync(link, "me", SyncOptions{})
	var got int
	s.OnOperationReceived(func(crdt.Operation) { got++ })
	require.NoError(t, s.Connect(t.Context(), room))
	defer s.Disconnect()

	store := crdt.NewStore(room, "x", schema)
	op, err := store.Insert("chat", 0, "x")
	require.NoError(t, err)
	for _, to := range []domain.PeerID{"someone-else", "me"} {
		frame, err := wire.Encode(wire.Envelope{Type: wire.TypeSyncReply, Room: room, From: "x", To: to, Ops: []crdt.Operation{op}})
		require.NoError(t, err)
		link.fn(frame)
	}
	assert.Equal(t, 1, got)
}

// lossyLink accepts op frames and drops them while lose is set, the way a
// socket that dies with frames still buffered does.
type lossyLink struct {
	*MemoryLink
	mu   sync.Mutex
	lose bool
	lost int
}

func (l *lossyLink) setLose(on bool) {
	l.mu.Lock()
	l.lose = on
	l.mu.Unlock()
}

func (l *lossyLink) Publish(f []byte) error {
	l.mu.Lock()
	drop := l.lose
	if drop {
		if env, err := wire.Decode(f); err == nil && env.Type == wire.TypeOp {
			l.lost++
			l.mu.Unlock()
			return nil
		}
	}
	l.mu.Unlock()
	return l.MemoryLink.Publish(f)
}

func TestSync_AcceptedThenLostOperationArrivesAfterRecovery(t *testing.T) {
	bus := NewBus()
	mem := bus.Link()
	lossy := &lossyLink{MemoryLink: mem}
	a := startReplica(t, "a", mem, lossy, SyncOptions{FlushInterval: 10 * time.Millisecond})
	b := newReplica(t, bus, "b")
	require.Eventually(t, func() bool { return a.requestsFrom("b") == 1 }, waitFor, tick)

	lossy.setLose(true)
	a.insert(t, 0, "lost")
	lossy.setLose(false)
	time.Sleep(30 * time.Millisecond)
	require.Zero(t, b.store.Len())

	mem.SetOnline(false)
	a.insert(t, 1, "queued")
	mem.SetOnline(true)

	require.Eventually(t, func() bool { return b.store.Len() == 2 }, waitFor, tick)
	assert.Equal(t, []string{"lost", "queued"}, b.chat(t))
}

func TestSync_PeriodicDigestRepairsSilentLoss(t *testing.T) {
	bus := NewBus()
	mem := bus.Link()
	lossy := &lossyLink{MemoryLink: mem}
	opts := SyncOptions{FlushInterval: 10 * time.Millisecond, AntiEntropyInterval: 20 * time.Millisecond}
	a := startReplica(t, "a", mem, lossy, opts)
	bmem := bus.Link()
	b := startReplica(t, "b", bmem, bmem, opts)

	lossy.setLose(true)
	a.insert(t, 0, "silent")
	lossy.setLose(false)
	b.insert(t, 0, "other")

	require.Eventually(t, func() bool {
		return a.store.Len() == 2 && b.store.Len() == 2
	}, waitFor, tick)
	assert.Equal(t, a.chat(t), b.chat(t))
	assert.Equal(t, 1, lossy.lost)
}

// recordLink keeps every published frame.
type recordLink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (l *recordLink) Open(context.Context, domain.RoomID) error { return nil }
func (l *recordLink) OnFrame(func([]byte))                      {}
func (l *recordLink) Close() error                              { return nil }
func (l *recordLink) Publish(f []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
	return nil
}

func TestSync_LargeReplyIsSplitIntoBoundedFrames(t *testing.T) {
	const limit = 2048
	link := &recordLink{}
	s := NewSync(link, "a", SyncOptions{MaxReplyBytes: limit})
	require.NoError(t, s.Connect(t.Context(), room))
	defer s.Disconnect()

	src := crdt.NewStore(room, "a", schema)
	for i := range 200 {
		_, err := src.Insert("chat", i, "message body padded to take some room")
		require.NoError(t, err)
	}
	require.NoError(t, s.ReplySync("b", src.Operations()))

	link.mu.Lock()
	frames := link.frames[1:] // skip the connect request
	link.mu.Unlock()
	require.Greater(t, len(frames), 1)

	dst := crdt.NewStore(room, "b", schema)
	for _, f := range frames {
		assert.LessOrEqual(t, len(f), limit)
		env, err := wire.Decode(f)
		require.NoError(t, err)
		assert.Equal(t, wire.TypeSyncReply, env.Type)
		assert.Equal(t, domain.PeerID("b"), env.To)
		for _, op := range env.Ops {
			require.NoError(t, dst.ApplyRemote(op))
		}
	}
	assert.Equal(t, 200, dst.Len())
}

func TestSync_MatchingDigestIsNotAnswered(t *testing.T) {
	link := &echoLink{}
	s := NewSync(link, "me", SyncOptions{})
	store := crdt.NewStore(room, "me", schema)
	s.SetLog(store.Operations)
	require.NoError(t, s.Connect(t.Context(), room))
	defer s.Disconnect()

	op, err := store.Insert("chat", 0, "x")
	require.NoError(t, err)
	request := func(ops []crdt.Operation) {
		d := wire.DigestOf(ops)
		frame, err := wire.Encode(wire.Envelope{Type: wire.TypeSyncRequest, Room: room, From: "peer", Digest: &d})
		require.NoError(t, err)
		link.fn(frame)
	}

	before := link.published
	request([]crdt.Operation{op})
	assert.Equal(t, before, link.published, "same log, nothing to send")

	request(nil)
	// our log as a reply, then a request back for what the peer holds
	assert.Equal(t, before+2, link.published)
}

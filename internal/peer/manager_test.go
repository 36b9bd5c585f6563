package peer

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/Collab/internal/core"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/media"
	"github.com/dkeye/Collab/internal/peer/mocks"
	"github.com/dkeye/Collab/internal/peer/peertest"
	"github.com/dkeye/Collab/internal/signaling"
)

const room domain.RoomID = "standup"

// switchboard queues signals until flushed so tests control ordering.
type switchboard struct {
	mu       sync.Mutex
	queue    []signaling.Message
	managers map[domain.PeerID]*Manager
}

func newSwitchboard() *switchboard {
	return &switchboard{managers: make(map[domain.PeerID]*Manager)}
}

func (s *switchboard) SendSignal(m signaling.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, m)
	return nil
}

func (s *switchboard) pop() (signaling.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return signaling.Message{}, false
	}
	m := s.queue[0]
	s.queue = s.queue[1:]
	return m, true
}

func (s *switchboard) pending() []signaling.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signaling.Message(nil), s.queue...)
}

func (s *switchboard) deliver(t *testing.T, m signaling.Message) {
	t.Helper()
	if dst, ok := s.managers[m.To]; ok {
		require.NoError(t, dst.HandleSignal(m))
	}
}

func (s *switchboard) flush(t *testing.T) {
	t.Helper()
	for {
		m, ok := s.pop()
		if !ok {
			return
		}
		s.deliver(t, m)
	}
}

type closure struct {
	peer domain.PeerID
	err  error
}

type fixture struct {
	net *peertest.Network
	sb  *switchboard

	mu      sync.Mutex
	closed  map[domain.PeerID][]closure
	data    map[domain.PeerID][]string
	streams map[domain.PeerID][]media.Stream
}

func newFixture() *fixture {
	return &fixture{
		net:     peertest.NewNetwork(),
		sb:      newSwitchboard(),
		closed:  make(map[domain.PeerID][]closure),
		data:    make(map[domain.PeerID][]string),
		streams: make(map[domain.PeerID][]media.Stream),
	}
}

func (f *fixture) manager(self domain.PeerID, timeout time.Duration) *Manager {
	m := NewManager(Options{
		Room:               room,
		Self:               self,
		Links:              f.net.Factory(self),
		Signaler:           f.sb,
		NegotiationTimeout: timeout,
	})
	m.OnPeerClosed(func(p domain.PeerID, err error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.closed[self] = append(f.closed[self], closure{p, err})
	})
	m.OnDataReceived(func(p domain.PeerID, b []byte) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.data[self] = append(f.data[self], string(p)+":"+string(b))
	})
	m.OnRemoteStream(func(_ domain.PeerID, s media.Stream) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.streams[self] = append(f.streams[self], s)
	})
	f.sb.managers[self] = m
	return m
}

func (f *fixture) closures(self domain.PeerID) []closure {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]closure(nil), f.closed[self]...)
}

func TestManager_ConnectsAndExchangesData(t *testing.T) {
	f := newFixture()
	a := f.manager("alice", time.Minute)
	b := f.manager("bob", time.Minute)

	h, err := a.CreatePeer("bob", true)
	require.NoError(t, err)
	assert.Equal(t, Signaling, h.State())

	f.sb.flush(t)

	da, ok := a.Peer("bob")
	require.True(t, ok)
	assert.Equal(t, Connected, da.State)
	assert.Equal(t, Initiator, da.Role)
	assert.True(t, da.DataChannelReady)

	db, ok := b.Peer("alice")
	require.True(t, ok)
	assert.Equal(t, Connected, db.State)
	assert.Equal(t, Responder, db.Role)

	require.NoError(t, a.SendData([]byte("hello"), "bob"))
	require.NoError(t, b.SendData([]byte("hi"), ""))
	assert.Equal(t, []string{"alice:hello"}, f.data["bob"])
	assert.Equal(t, []string{"bob:hi"}, f.data["alice"])
}

func TestManager_SendDataRequiresConnectedPeer(t *testing.T) {
	f := newFixture()
	a := f.manager("alice", time.Minute)
	f.manager("bob", time.Minute)

	err := a.SendData([]byte("x"), "bob")
	assert.ErrorIs(t, err, ErrPeerNotConnected)

	_, err = a.CreatePeer("bob", true)
	require.NoError(t, err)
	// offer still queued
	assert.ErrorIs(t, a.SendData([]byte("x"), "bob"), ErrPeerNotConnected)

	n, err := a.BroadcastSync([]byte("frame"))
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestManager_SyncFramesAreSeparateFromAppData(t *testing.T) {
	f := newFixture()
	a := f.manager("alice", time.Minute)
	b := f.manager("bob", time.Minute)
	var got []string
	b.OnSyncFrame(func(p domain.PeerID, frame []byte) { got = append(got, string(p)+":"+string(frame)) })

	_, err := a.CreatePeer("bob", true)
	require.NoError(t, err)
	f.sb.flush(t)

	n, err := a.BroadcastSync([]byte(`{"type":"op"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{`alice:{"type":"op"}`}, got)
	assert.Empty(t, f.data["bob"])
}

func TestManager_DuplicatePeer(t *testing.T) {
	f := newFixture()
	a := f.manager("alice", time.Minute)
	_, err := a.CreatePeer("bob", true)
	require.NoError(t, err)
	_, err = a.CreatePeer("bob", false)
	assert.ErrorIs(t, err, ErrPeerExists)
	_, err = a.CreatePeer("alice", true)
	assert.Error(t, err)
}

func TestManager_NegotiationTimeoutFailsOnce(t *testing.T) {
	f := newFixture()
	f.net.Stall("bob")
	a := f.manager("alice", 30*time.Millisecond)
	f.manager("bob", time.Minute)

	h, err := a.CreatePeer("bob", true)
	require.NoError(t, err)
	f.sb.flush(t)

	require.Eventually(t, func() bool { return len(f.closures("alice")) > 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	got := f.closures("alice")
	require.Len(t, got, 1)
	assert.Equal(t, domain.PeerID("bob"), got[0].peer)
	assert.ErrorIs(t, got[0].err, ErrNegotiationFailed)
	assert.Equal(t, Closed, h.State())
	assert.True(t, f.net.Link("alice", "bob").IsClosed())
	assert.Empty(t, a.Peers())
}

func TestManager_LinkFailureReportedOnce(t *testing.T) {
	f := newFixture()
	a := f.manager("alice", time.Minute)
	f.manager("bob", time.Minute)
	_, err := a.CreatePeer("bob", true)
	require.NoError(t, err)
	f.sb.flush(t)

	link := f.net.Link("alice", "bob")
	link.Fail()
	link.Fail()

	got := f.closures("alice")
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].err, ErrNegotiationFailed)
	assert.ErrorIs(t, a.SendData([]byte("x"), "bob"), ErrPeerNotConnected)
}

func TestManager_GlareLowerIDStaysInitiator(t *testing.T) {
	f := newFixture()
	a := f.manager("alice", time.Minute)
	b := f.manager("bob", time.Minute)

	_, err := a.CreatePeer("bob", true)
	require.NoError(t, err)
	_, err = b.CreatePeer("alice", true)
	require.NoError(t, err)

	f.sb.flush(t)

	da, ok := a.Peer("bob")
	require.True(t, ok)
	db, ok := b.Peer("alice")
	require.True(t, ok)
	assert.Equal(t, Connected, da.State)
	assert.Equal(t, Initiator, da.Role)
	assert.Equal(t, Connected, db.State)
	assert.Equal(t, Responder, db.Role)
	assert.Empty(t, f.closures("alice"))
	assert.Empty(t, f.closures("bob"))
}

func TestManager_IgnoresForeignAndDuplicateSignals(t *testing.T) {
	f := newFixture()
	a := f.manager("alice", time.Minute)
	b := f.manager("bob", time.Minute)

	_, err := a.CreatePeer("bob", true)
	require.NoError(t, err)
	offers := f.sb.pending()
	require.Len(t, offers, 1)
	offer := offers[0]
	require.Equal(t, signaling.KindOffer, offer.Kind)

	foreign := offer
	foreign.To = "carol"
	require.NoError(t, b.HandleSignal(foreign))
	assert.Empty(t, b.Peers())

	f.sb.flush(t)
	require.NoError(t, b.HandleSignal(offer))
	assert.Empty(t, f.sb.pending(), "replayed offer must not produce a second answer")
	d, _ := b.Peer("alice")
	assert.Equal(t, Connected, d.State)
}

// pairedFactory holds each NewLink call until a second one arrives, so two
// callers are guaranteed to be creating the same peer at once.
type pairedFactory struct {
	next  core.LinkFactory
	both  chan struct{}
	once  sync.Once
	calls atomic.Int32
}

func (f *pairedFactory) NewLink(remote domain.PeerID, initiator bool) (core.PeerLink, error) {
	if f.calls.Add(1) == 2 {
		f.once.Do(func() { close(f.both) })
	}
	select {
	case <-f.both:
	case <-time.After(time.Second):
	}
	return f.next.NewLink(remote, initiator)
}

func TestManager_ConcurrentDuplicateOfferAnsweredOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	sig := mocks.NewMockSignaler(ctrl)
	var answers atomic.Int32
	sig.EXPECT().SendSignal(gomock.Any()).DoAndReturn(func(msg signaling.Message) error {
		if msg.Kind == signaling.KindAnswer {
			answers.Add(1)
		}
		return nil
	}).AnyTimes()

	links := &pairedFactory{next: peertest.NewNetwork().Factory("bob"), both: make(chan struct{})}
	m := NewManager(Options{Room: room, Self: "bob", Links: links, Signaler: sig})
	defer m.CloseAll()

	offer := signaling.NewOffer(room, "alice", "bob", signaling.SessionDescription{Type: "offer", SDP: "v=0 alice->bob"})
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.HandleSignal(offer))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), links.calls.Load(), "both deliveries raced into peer creation")
	assert.Equal(t, int32(1), answers.Load())
	assert.Len(t, m.Peers(), 1)
}

func TestManager_RemoteStreamsAndLateMedia(t *testing.T) {
	f := newFixture()
	a := f.manager("alice", time.Minute)
	b := f.manager("bob", time.Minute)

	mic := peertest.NewTrack("alice-mic", media.KindAudio)
	require.NoError(t, a.AttachLocalMedia(media.NewStream("alice-cam", mic)))

	_, err := a.CreatePeer("bob", true)
	require.NoError(t, err)
	f.sb.flush(t)

	require.Len(t, f.streams["bob"], 1)
	d, _ := b.Peer("alice")
	require.Len(t, d.Streams, 1)
	require.Len(t, d.Streams[0].Tracks(), 1)
	assert.Equal(t, media.RemoteTrack, d.Streams[0].Tracks()[0].Source())

	// Media attached after connecting renegotiates.
	cam := peertest.NewTrack("alice-video", media.KindVideo)
	require.NoError(t, a.AttachLocalMedia(media.NewStream("alice-screen", cam)))
	f.sb.flush(t)

	d, _ = b.Peer("alice")
	assert.Equal(t, Connected, d.State)
	require.Len(t, d.Streams, 1)
	assert.Len(t, d.Streams[0].Tracks(), 2)
}

func TestManager_CloseAll(t *testing.T) {
	f := newFixture()
	a := f.manager("alice", time.Minute)
	f.manager("bob", time.Minute)
	f.manager("carol", time.Minute)

	mic := peertest.NewTrack("mic", media.KindAudio)
	require.NoError(t, a.AttachLocalMedia(media.NewStream("local", mic)))
	_, err := a.CreatePeer("bob", true)
	require.NoError(t, err)
	f.sb.flush(t)
	_, err = a.CreatePeer("carol", true) // left negotiating
	require.NoError(t, err)

	a.CloseAll()
	a.CloseAll()

	assert.True(t, mic.Stopped())
	assert.Empty(t, a.Peers())
	assert.True(t, f.net.Link("alice", "bob").IsClosed())
	assert.True(t, f.net.Link("alice", "carol").IsClosed())
	assert.Len(t, f.closures("alice"), 2)

	_, err = a.CreatePeer("dave", true)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.AttachLocalMedia(media.NewStream("late")), ErrClosed)
}

func TestManager_ClosePeerNotifies(t *testing.T) {
	f := newFixture()
	a := f.manager("alice", time.Minute)
	f.manager("bob", time.Minute)
	h, err := a.CreatePeer("bob", true)
	require.NoError(t, err)
	f.sb.flush(t)

	h.Close()
	a.ClosePeer("bob")
	a.ClosePeer("nobody")

	got := f.closures("alice")
	require.Len(t, got, 1)
	assert.NoError(t, got[0].err)
	assert.Equal(t, Closed, h.State())
}

func TestManager_InitiatorSendsAddressedOffer(t *testing.T) {
	ctrl := gomock.NewController(t)
	sig := mocks.NewMockSignaler(ctrl)
	m := NewManager(Options{
		Room:     room,
		Self:     "alice",
		Links:    peertest.NewNetwork().Factory("alice"),
		Signaler: sig,
	})

	sig.EXPECT().SendSignal(gomock.Any()).DoAndReturn(func(msg signaling.Message) error {
		assert.Equal(t, signaling.KindOffer, msg.Kind)
		assert.Equal(t, domain.PeerID("bob"), msg.To)
		assert.Equal(t, domain.PeerID("alice"), msg.From)
		assert.Equal(t, room, msg.Room)
		require.NotNil(t, msg.SDP)
		assert.Equal(t, "offer", msg.SDP.Type)
		return nil
	})

	_, err := m.CreatePeer("bob", true)
	require.NoError(t, err)
	m.CloseAll()
}

func TestManager_OfferSendFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	sig := mocks.NewMockSignaler(ctrl)
	sig.EXPECT().SendSignal(gomock.Any()).Return(errors.New("transport down")).AnyTimes()

	m := NewManager(Options{Room: room, Self: "alice", Links: peertest.NewNetwork().Factory("alice"), Signaler: sig})
	var reported error
	m.OnPeerClosed(func(_ domain.PeerID, err error) { reported = err })

	_, err := m.CreatePeer("bob", true)
	require.NoError(t, err)
	assert.ErrorIs(t, reported, ErrNegotiationFailed)
	assert.Empty(t, m.Peers())
}

func TestManager_RelaysCandidates(t *testing.T) {
	f := newFixture()
	a := f.manager("alice", time.Minute)
	f.manager("bob", time.Minute)
	_, err := a.CreatePeer("bob", true)
	require.NoError(t, err)
	f.sb.flush(t)

	f.net.Link("alice", "bob").Gather(signaling.Candidate{Candidate: "candidate:1 1 udp 2122260223 10.0.0.2 50000 typ host"})
	pending := f.sb.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, signaling.KindCandidate, pending[0].Kind)
	f.sb.flush(t)

	got := f.net.Link("bob", "alice").Candidates()
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Candidate, "10.0.0.2")
}

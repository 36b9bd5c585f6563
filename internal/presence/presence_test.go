package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Collab/internal/domain"
)

type recordingPublisher struct {
	mu       sync.Mutex
	presence []Record
	byes     []Record
}

func (p *recordingPublisher) BroadcastPresence(r Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presence = append(p.presence, r)
	return nil
}

func (p *recordingPublisher) BroadcastBye(r Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byes = append(p.byes, r)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.presence)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const room domain.RoomID = "lab"

func newTestChannel(pub Publisher, clk *fakeClock) *Channel {
	return NewChannel(room, "me", pub, Options{Window: 30 * time.Second, Now: clk.Now})
}

func remote(id domain.PeerID, ts int64) Record {
	return Record{Room: room, PeerID: id, DisplayName: string(id), Color: "#FF6B6B", Timestamp: ts}
}

func TestPublishLocalStampsAndBroadcasts(t *testing.T) {
	pub := &recordingPublisher{}
	clk := &fakeClock{now: time.UnixMilli(1000)}
	c := newTestChannel(pub, clk)

	require.NoError(t, c.PublishLocal(Record{DisplayName: "Ada", PeerID: "spoofed"}))
	require.NoError(t, c.UpdateCursor(&Cursor{Line: 3, Column: 7}))

	require.Len(t, pub.presence, 2)
	first, second := pub.presence[0], pub.presence[1]
	assert.Equal(t, domain.PeerID("me"), first.PeerID)
	assert.Equal(t, room, first.Room)
	assert.Equal(t, int64(1000), first.Timestamp)
	assert.Greater(t, second.Timestamp, first.Timestamp)
	assert.Equal(t, 7, second.Cursor.Column)
	assert.Equal(t, "Ada", second.DisplayName)
}

func TestApplyMostRecentWins(t *testing.T) {
	clk := &fakeClock{now: time.UnixMilli(0)}
	c := newTestChannel(&recordingPublisher{}, clk)
	var events []Event
	c.OnPeerUpdated(func(e Event) { events = append(events, e) })

	c.Apply(remote("bob", 10))
	newer := remote("bob", 20)
	newer.DisplayName = "Bobby"
	c.Apply(newer)
	c.Apply(remote("bob", 15))
	c.Apply(remote("me", 99))

	require.Len(t, events, 2)
	assert.Equal(t, PeerJoined, events[0].Kind)
	assert.Equal(t, PeerUpdated, events[1].Kind)
	peers := c.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "Bobby", peers[0].DisplayName)
}

func TestExpiryEmitsSingleLeaveUnderStaleUpdates(t *testing.T) {
	clk := &fakeClock{now: time.UnixMilli(0)}
	c := newTestChannel(&recordingPublisher{}, clk)
	var left []domain.PeerID
	c.OnPeerUpdated(func(e Event) {
		if e.Kind == PeerLeft {
			left = append(left, e.Record.PeerID)
		}
	})

	c.Apply(remote("bob", 100))
	c.Apply(remote("carol", 100))
	clk.Advance(20 * time.Second)
	c.Apply(remote("carol", 200))
	clk.Advance(11 * time.Second)

	assert.Equal(t, []domain.PeerID{"bob"}, c.Sweep())
	for i := 0; i < 3; i++ {
		c.Apply(remote("bob", 100))
		c.Sweep()
	}
	clk.Advance(time.Minute)
	c.Sweep()
	c.Sweep()

	assert.Equal(t, []domain.PeerID{"bob", "carol"}, left)
	assert.Empty(t, c.Peers())
}

func TestApplyIgnoresRecordOlderThanWindow(t *testing.T) {
	clk := &fakeClock{now: time.UnixMilli(100_000)}
	c := newTestChannel(&recordingPublisher{}, clk)
	var kinds []EventKind
	c.OnPeerUpdated(func(e Event) { kinds = append(kinds, e.Kind) })

	c.Apply(remote("bob", 100_000-31_000))
	assert.Empty(t, c.Peers())

	c.Apply(remote("bob", 100_000-29_000))
	require.Len(t, c.Peers(), 1)

	// A live peer keeps accepting its own newer records.
	clk.Advance(20 * time.Second)
	c.Apply(remote("bob", 100_000-28_000))
	assert.Equal(t, []EventKind{PeerJoined, PeerUpdated}, kinds)
}

func TestByeRemovesPeerOnce(t *testing.T) {
	clk := &fakeClock{now: time.UnixMilli(0)}
	c := newTestChannel(&recordingPublisher{}, clk)
	var kinds []EventKind
	c.OnPeerUpdated(func(e Event) { kinds = append(kinds, e.Kind) })

	c.Apply(remote("bob", 1))
	c.Bye(remote("bob", 2))
	c.Bye(remote("bob", 2))
	c.Apply(remote("bob", 1))

	assert.Equal(t, []EventKind{PeerJoined, PeerLeft}, kinds)
}

func TestCloseSendsByeOnceAndStopsLoop(t *testing.T) {
	pub := &recordingPublisher{}
	c := NewChannel(room, "me", pub, Options{Window: 40 * time.Millisecond, Refresh: 5 * time.Millisecond})
	require.NoError(t, c.PublishLocal(Record{DisplayName: "Ada"}))
	c.Start(t.Context())

	require.Eventually(t, func() bool { return pub.count() > 2 }, time.Second, 5*time.Millisecond)
	c.Close()
	c.Close()

	assert.Len(t, pub.byes, 1)
	n := pub.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, pub.count())
	assert.ErrorIs(t, c.PublishLocal(Record{}), ErrClosed)
}

func TestLoopEvictsSilentPeers(t *testing.T) {
	c := NewChannel(room, "me", &recordingPublisher{}, Options{Window: 30 * time.Millisecond, Refresh: time.Hour})
	left := make(chan domain.PeerID, 4)
	c.OnPeerUpdated(func(e Event) {
		if e.Kind == PeerLeft {
			left <- e.Record.PeerID
		}
	})
	c.Apply(remote("bob", time.Now().UnixMilli()))
	c.Start(t.Context())
	defer c.Close()

	select {
	case id := <-left:
		assert.Equal(t, domain.PeerID("bob"), id)
	case <-time.After(time.Second):
		t.Fatal("peer was not evicted")
	}
}

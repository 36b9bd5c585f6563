package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Collab/internal/core"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/wire"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return assert.AnError
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func join(h *Hub, room, sid string) *fakeConn {
	c := &fakeConn{}
	h.Join(domain.RoomID(room), core.NewMemberSession(core.SessionID(sid), domain.NewMember("", sid), c))
	return c
}

func frame(t *testing.T, room, from string) core.Frame {
	t.Helper()
	b, err := wire.Encode(wire.Envelope{Type: wire.TypeSyncRequest, Room: domain.RoomID(room), From: domain.PeerID(from)})
	require.NoError(t, err)
	return b
}

func TestHubRelaysToRoomMates(t *testing.T) {
	h := NewHub(core.NewRoomManager(), KickPolicy{}, nil)
	a := join(h, "r", "a")
	b := join(h, "r", "b")
	c := join(h, "other", "c")

	require.NoError(t, h.OnFrame("a", frame(t, "r", "alice")))
	assert.Equal(t, 0, a.received())
	assert.Equal(t, 1, b.received())
	assert.Equal(t, 0, c.received())

	members := h.Members("r")
	require.Len(t, members, 2)
	assert.Equal(t, domain.PeerID("alice"), members[0].Peer)
}

func TestHubRejectsBadFrames(t *testing.T) {
	h := NewHub(core.NewRoomManager(), KickPolicy{}, nil)
	join(h, "r", "a")
	b := join(h, "r", "b")

	assert.ErrorIs(t, h.OnFrame("a", []byte("garbage")), wire.ErrMalformed)
	assert.ErrorIs(t, h.OnFrame("a", frame(t, "elsewhere", "alice")), ErrWrongRoom)
	assert.ErrorIs(t, h.OnFrame("ghost", frame(t, "r", "alice")), ErrNotMember)

	require.NoError(t, h.OnFrame("a", frame(t, "r", "alice")))
	assert.ErrorIs(t, h.OnFrame("a", frame(t, "r", "mallory")), ErrSpoofedPeer)
	assert.Equal(t, 1, b.received())
}

func TestHubKicksSlowMembers(t *testing.T) {
	h := NewHub(core.NewRoomManager(), KickPolicy{}, nil)
	join(h, "r", "a")
	slow := join(h, "r", "slow")
	slow.full = true

	require.NoError(t, h.OnFrame("a", frame(t, "r", "alice")))
	assert.True(t, slow.closed)
	_, ok := h.RoomOf("slow")
	assert.False(t, ok)
	assert.Len(t, h.Members("r"), 1)
}

func TestHubTolerantPolicyKeepsSlowMembers(t *testing.T) {
	h := NewHub(core.NewRoomManager(), TolerantPolicy{}, nil)
	join(h, "r", "a")
	slow := join(h, "r", "slow")
	slow.full = true

	require.NoError(t, h.OnFrame("a", frame(t, "r", "alice")))
	assert.False(t, slow.closed)
	assert.Len(t, h.Members("r"), 2)
}

func TestHubDropsEmptyRooms(t *testing.T) {
	h := NewHub(core.NewRoomManager(), nil, nil)
	join(h, "r", "a")
	join(h, "r", "b")
	require.Len(t, h.Rooms(), 1)

	assert.True(t, h.Leave("a"))
	assert.False(t, h.Leave("a"))
	require.Len(t, h.Rooms(), 1)
	h.Leave("b")
	assert.Empty(t, h.Rooms())
}

func TestHubRejoinMovesMember(t *testing.T) {
	h := NewHub(core.NewRoomManager(), nil, nil)
	join(h, "one", "a")
	join(h, "two", "a")

	room, ok := h.RoomOf("a")
	require.True(t, ok)
	assert.Equal(t, domain.RoomID("two"), room)
	assert.Equal(t, []core.RoomInfo{{ID: "two", MemberCount: 1}}, h.Rooms())
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(2, time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "limits are per member")

	now = now.Add(1100 * time.Millisecond)
	assert.True(t, rl.Allow("a"))

	rl.Forget("a")
	assert.True(t, rl.Allow("a"))

	var off *RateLimiter
	assert.True(t, off.Allow("a"))
	assert.True(t, NewRateLimiter(0, time.Second).Allow("a"))
}

func TestHubRateLimits(t *testing.T) {
	h := NewHub(core.NewRoomManager(), nil, NewRateLimiter(1, time.Hour))
	join(h, "r", "a")
	join(h, "r", "b")

	require.NoError(t, h.OnFrame("a", frame(t, "r", "alice")))
	assert.ErrorIs(t, h.OnFrame("a", frame(t, "r", "alice")), ErrRateLimited)
}

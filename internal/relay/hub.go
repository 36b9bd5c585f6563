// Package relay fans sync frames out between the members of a room.
// It understands the envelope only enough to keep rooms apart; it keeps
// no state beyond membership.
package relay

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/core"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/wire"
)

var (
	ErrNotMember   = errors.New("not a member")
	ErrRateLimited = errors.New("rate limited")
	ErrWrongRoom   = errors.New("frame addressed to another room")
	ErrSpoofedPeer = errors.New("frame sender does not match connection")
)

type membership struct {
	room    domain.RoomID
	session core.MemberSession
	// peer is bound by the first accepted frame.
	peer domain.PeerID
}

type Hub struct {
	rooms   core.RoomManager
	policy  Policy
	limiter *RateLimiter

	mu      sync.Mutex
	members map[core.SessionID]membership
}

// NewHub builds a hub. A nil policy never kicks; a nil limiter never limits.
func NewHub(rooms core.RoomManager, policy Policy, limiter *RateLimiter) *Hub {
	return &Hub{
		rooms:   rooms,
		policy:  policy,
		limiter: limiter,
		members: make(map[core.SessionID]membership),
	}
}

// Join puts ms into room, replacing any previous membership of the same sid.
func (h *Hub) Join(room domain.RoomID, ms core.MemberSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(ms.SID())
	h.rooms.GetOrCreate(room).AddMember(ms)
	h.members[ms.SID()] = membership{room: room, session: ms}
}

// Leave removes sid from its room and drops the room once empty.
// It does not close the member's connection.
func (h *Hub) Leave(sid core.SessionID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(sid)
}

func (h *Hub) leaveLocked(sid core.SessionID) bool {
	m, ok := h.members[sid]
	if !ok {
		return false
	}
	delete(h.members, sid)
	h.limiter.Forget(sid)
	if room, found := h.rooms.Get(m.room); found {
		room.RemoveMember(sid)
	}
	h.rooms.StopRoom(m.room)
	return true
}

// Kick removes sid and closes its connection.
func (h *Hub) Kick(sid core.SessionID) {
	h.mu.Lock()
	m, ok := h.members[sid]
	h.mu.Unlock()
	if !ok {
		return
	}
	h.Leave(sid)
	m.session.Signal().Close()
	log.Info().Str("module", "relay").Str("sid", string(sid)).Str("room", string(m.room)).Msg("member kicked")
}

// OnFrame validates a frame from sid and relays it to the rest of the room.
func (h *Hub) OnFrame(sid core.SessionID, data core.Frame) error {
	h.mu.Lock()
	m, ok := h.members[sid]
	h.mu.Unlock()
	if !ok {
		return ErrNotMember
	}
	if !h.limiter.Allow(sid) {
		return ErrRateLimited
	}
	env, err := wire.Decode(data)
	if err != nil {
		return err
	}
	if env.Room != m.room {
		return fmt.Errorf("%w: %s", ErrWrongRoom, env.Room)
	}
	if err := h.bindPeer(sid, env.From); err != nil {
		return err
	}

	room, ok := h.rooms.Get(m.room)
	if !ok {
		return ErrNotMember
	}
	res := room.Broadcast(sid, data)
	if h.policy == nil {
		return nil
	}
	for _, slow := range res.Dropped {
		switch h.policy.OnBackPressure(room, slow) {
		case KickMember:
			h.Kick(slow.SID())
		case MarkSlow, DropFrame, NoAction:
		}
	}
	return nil
}

func (h *Hub) bindPeer(sid core.SessionID, from domain.PeerID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[sid]
	if !ok {
		return ErrNotMember
	}
	if m.peer == "" {
		if meta := m.session.Meta(); meta != nil && meta.PeerID != "" {
			m.peer = meta.PeerID
		} else {
			m.peer = from
		}
		h.members[sid] = m
	}
	if m.peer != from {
		return fmt.Errorf("%w: %s", ErrSpoofedPeer, from)
	}
	return nil
}

func (h *Hub) RoomOf(sid core.SessionID) (domain.RoomID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[sid]
	return m.room, ok
}

func (h *Hub) Rooms() []core.RoomInfo { return h.rooms.List() }

func (h *Hub) Members(room domain.RoomID) []core.MemberDTO {
	r, ok := h.rooms.Get(room)
	if !ok {
		return nil
	}
	out := r.MembersSnapshot()
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range out {
		if m, ok := h.members[out[i].SID]; ok && m.peer != "" {
			out[i].Peer = m.peer
		}
	}
	return out
}

package core

import (
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/domain"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	id    domain.RoomID
	mu    sync.RWMutex
	bySID map[SessionID]MemberSession
}

func NewRoomService(id domain.RoomID) RoomService {
	return &roomImpl{
		id:    id,
		bySID: make(map[SessionID]MemberSession),
	}
}

func (r *roomImpl) ID() domain.RoomID { return r.id }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySID)
}

func (r *roomImpl) AddMember(ms MemberSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySID[ms.SID()] = ms
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("sid", string(ms.SID())).Msg("member added")
}

func (r *roomImpl) RemoveMember(sid SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bySID[sid]; !ok {
		return false
	}
	delete(r.bySID, sid)
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("sid", string(sid)).Msg("member removed")
	return true
}

func (r *roomImpl) Broadcast(from SessionID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range r.bySID {
		if sid == from {
			continue
		}
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) MembersSnapshot() []MemberDTO {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MemberDTO, 0, len(r.bySID))
	for sid, ms := range r.bySID {
		dto := MemberDTO{SID: sid}
		if m := ms.Meta(); m != nil {
			dto.Peer, dto.Name = m.PeerID, m.Name
		}
		out = append(out, dto)
	}
	slices.SortFunc(out, func(a, b MemberDTO) int { return strings.Compare(string(a.SID), string(b.SID)) })
	return out
}

type roomManager struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]RoomService
}

func NewRoomManager() RoomManager {
	return &roomManager{rooms: make(map[domain.RoomID]RoomService)}
}

func (f *roomManager) GetOrCreate(id domain.RoomID) RoomService {
	f.mu.RLock()
	room, ok := f.rooms[id]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[id]; ok {
		return room
	}
	room = NewRoomService(id)
	f.rooms[id] = room
	return room
}

func (f *roomManager) Get(id domain.RoomID) (RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[id]
	return room, ok
}

func (f *roomManager) List() []RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]RoomInfo, 0, len(f.rooms))
	for id, r := range f.rooms {
		out = append(out, RoomInfo{ID: id, MemberCount: r.MemberCount()})
	}
	slices.SortFunc(out, func(a, b RoomInfo) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

func (f *roomManager) StopRoom(id domain.RoomID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[id]
	if !ok || room.MemberCount() > 0 {
		return false
	}
	delete(f.rooms, id)
	log.Info().Str("module", "core.room").Str("room", string(id)).Msg("room stopped")
	return true
}

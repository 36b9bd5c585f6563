package core

import "github.com/dkeye/Collab/internal/domain"

// PublishResult reports delivery stats/backpressure to the relay.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	SID  SessionID     `json:"sid"`
	Peer domain.PeerID `json:"peerId,omitempty"`
	Name string        `json:"name,omitempty"`
}

// RoomService is the relay's view of a room: a membership set and a
// fan-out. It never touches transport resources.
type RoomService interface {
	ID() domain.RoomID
	MemberCount() int
	MembersSnapshot() []MemberDTO

	AddMember(ms MemberSession)
	RemoveMember(sid SessionID) bool
	Broadcast(from SessionID, data Frame) PublishResult
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"client_count"`
}

type RoomManager interface {
	GetOrCreate(id domain.RoomID) RoomService
	Get(id domain.RoomID) (RoomService, bool)
	List() []RoomInfo
	// StopRoom drops the room if it has no members left.
	StopRoom(id domain.RoomID) bool
}

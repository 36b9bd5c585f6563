// Package signaling defines the negotiation messages exchanged between two
// peers before a direct link exists.
package signaling

import (
	"github.com/google/uuid"

	"github.com/dkeye/Collab/internal/domain"
)

type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

type SessionDescription struct {
	Type string `json:"type" validate:"required,oneof=offer answer pranswer rollback"`
	SDP  string `json:"sdp" validate:"required"`
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Message is addressed to exactly one peer. Messages of one negotiation
// must be delivered in order: offer, answer, candidates.
type Message struct {
	ID        string              `json:"id" validate:"required"`
	Room      domain.RoomID       `json:"roomId" validate:"required"`
	From      domain.PeerID       `json:"fromPeerId" validate:"required"`
	To        domain.PeerID       `json:"toPeerId" validate:"required,nefield=From"`
	Kind      Kind                `json:"kind" validate:"required,oneof=offer answer candidate"`
	SDP       *SessionDescription `json:"sdp,omitempty" validate:"required_unless=Kind candidate"`
	Candidate *Candidate          `json:"candidate,omitempty" validate:"required_if=Kind candidate"`
}

func newMessage(room domain.RoomID, from, to domain.PeerID, kind Kind) Message {
	return Message{ID: uuid.NewString(), Room: room, From: from, To: to, Kind: kind}
}

func NewOffer(room domain.RoomID, from, to domain.PeerID, sd SessionDescription) Message {
	m := newMessage(room, from, to, KindOffer)
	m.SDP = &sd
	return m
}

func NewAnswer(room domain.RoomID, from, to domain.PeerID, sd SessionDescription) Message {
	m := newMessage(room, from, to, KindAnswer)
	m.SDP = &sd
	return m
}

func NewCandidate(room domain.RoomID, from, to domain.PeerID, c Candidate) Message {
	m := newMessage(room, from, to, KindCandidate)
	m.Candidate = &c
	return m
}

// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"math/rand/v2"

	"github.com/google/uuid"
)

const (
	MaxPeerIDLen      = 36
	MaxDisplayNameLen = 36
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

type (
	PeerID    string
	ReplicaID string
)

// Palette is the set of colors handed out to participants.
var Palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7",
	"#DDA0DD", "#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E9",
}

// Identity is the local participant as seen by every room it joins.
type Identity struct {
	PeerID      PeerID `json:"peerId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

// NewIdentity is a tiny helper to avoid ad-hoc struct literals in callers.
// An empty name falls back to "User <id prefix>".
func NewIdentity(name string) (*Identity, error) {
	id := PeerID(uuid.NewString())
	if name == "" {
		name = "User " + string(id)[:8]
	}
	if len(name) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	return &Identity{PeerID: id, DisplayName: name, Color: RandomColor()}, nil
}

func (i *Identity) SetDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	i.DisplayName = name
	return nil
}

// Replica is the replica id used by this identity's CRDT operations.
func (i *Identity) Replica() ReplicaID { return ReplicaID(i.PeerID) }

func RandomColor() string {
	return Palette[rand.IntN(len(Palette))]
}

// Package store persists room snapshots between sessions.
package store

import "github.com/dkeye/Collab/internal/domain"

// SnapshotStore keeps the latest snapshot per room. Load reports false
// when the room has never been saved.
type SnapshotStore interface {
	Load(room domain.RoomID) ([]byte, bool, error)
	Save(room domain.RoomID, data []byte) error
}

// Nop discards snapshots.
type Nop struct{}

func (Nop) Load(domain.RoomID) ([]byte, bool, error) { return nil, false, nil }
func (Nop) Save(domain.RoomID, []byte) error         { return nil }

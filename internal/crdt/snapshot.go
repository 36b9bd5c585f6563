package crdt

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	json "github.com/goccy/go-json"

	"github.com/dkeye/Collab/internal/domain"
)

var ErrSnapshotRoom = errors.New("snapshot belongs to another room")

type snapshotFile struct {
	Room       domain.RoomID                `json:"roomId"`
	Containers map[string]snapshotContainer `json:"containers"`
}

type snapshotContainer struct {
	Operations []Operation `json:"operations"`
}

// Snapshot serializes the full operation log.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.Lock()
	file := snapshotFile{Room: s.room, Containers: make(map[string]snapshotContainer, len(s.schema))}
	for name := range s.schema {
		file.Containers[name] = snapshotContainer{Operations: slices.Clone(s.log[name])}
	}
	s.mu.Unlock()

	data, err := json.Marshal(file)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Restore replays a snapshot on top of the current state. Operations the
// replica already holds are skipped and malformed ones are dropped.
func (s *Store) Restore(data []byte) error {
	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if file.Room != s.room {
		return fmt.Errorf("%w: %q", ErrSnapshotRoom, file.Room)
	}
	dropped := 0
	for _, name := range slices.Sorted(maps.Keys(file.Containers)) {
		for _, op := range file.Containers[name].Operations {
			if err := s.ApplyRemote(op); err != nil {
				dropped++
			}
		}
	}
	s.logger.Info().Int("ops", s.Len()).Int("dropped", dropped).Msg("snapshot restored")
	return nil
}

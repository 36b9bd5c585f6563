package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dkeye/Collab/internal/domain"
)

// Dir keeps one file per room. Room ids are hex encoded into file names.
type Dir struct {
	root string
}

func OpenDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("snapshot dir %s: %w", root, err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) path(room domain.RoomID) string {
	return filepath.Join(d.root, hex.EncodeToString([]byte(room))+".json")
}

func (d *Dir) Load(room domain.RoomID) ([]byte, bool, error) {
	data, err := os.ReadFile(d.path(room))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot %s: %w", room, err)
	}
	return data, true, nil
}

// Save writes through a temp file so a crash never leaves half a snapshot.
func (d *Dir) Save(room domain.RoomID, data []byte) error {
	tmp, err := os.CreateTemp(d.root, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", room, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save snapshot %s: %w", room, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save snapshot %s: %w", room, err)
	}
	if err := os.Rename(tmp.Name(), d.path(room)); err != nil {
		return fmt.Errorf("save snapshot %s: %w", room, err)
	}
	return nil
}

package store

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/dkeye/Collab/internal/domain"
)

var snapshotBucket = []byte("snapshots")

// Bolt stores snapshots in a single bbolt file, one key per room.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init snapshot bucket: %w", err)
	}
	log.Info().Str("module", "store").Str("path", path).Msg("snapshot db opened")
	return &Bolt{db: db}, nil
}

func (b *Bolt) Load(room domain.RoomID) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(snapshotBucket).Get([]byte(room)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot %s: %w", room, err)
	}
	return out, out != nil, nil
}

func (b *Bolt) Save(room domain.RoomID, data []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(room), data)
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", room, err)
	}
	return nil
}

// Rooms lists the rooms with a stored snapshot.
func (b *Bolt) Rooms() ([]domain.RoomID, error) {
	var rooms []domain.RoomID
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).ForEach(func(k, _ []byte) error {
			rooms = append(rooms, domain.RoomID(k))
			return nil
		})
	})
	return rooms, err
}

func (b *Bolt) Close() error { return b.db.Close() }

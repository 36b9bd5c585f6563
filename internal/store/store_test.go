package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Collab/internal/domain"
)

func exercise(t *testing.T, s SnapshotStore) {
	t.Helper()
	_, ok, err := s.Load("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save("team/notes", []byte(`{"v":1}`)))
	require.NoError(t, s.Save("team/notes", []byte(`{"v":2}`)))
	require.NoError(t, s.Save("other", []byte(`{}`)))

	data, ok, err := s.Load("team/notes")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":2}`, string(data))
}

func TestBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	b, err := OpenBolt(path)
	require.NoError(t, err)
	exercise(t, b)

	rooms, err := b.Rooms()
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.RoomID{"team/notes", "other"}, rooms)
	require.NoError(t, b.Close())

	reopened, err := OpenBolt(path)
	require.NoError(t, err)
	defer reopened.Close()
	data, ok, err := reopened.Load("other")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "{}", string(data))
}

func TestDir(t *testing.T) {
	d, err := OpenDir(filepath.Join(t.TempDir(), "snaps"))
	require.NoError(t, err)
	exercise(t, d)

	matches, err := filepath.Glob(filepath.Join(d.root, "*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestNop(t *testing.T) {
	var s SnapshotStore = Nop{}
	require.NoError(t, s.Save("r", []byte("x")))
	_, ok, err := s.Load("r")
	require.NoError(t, err)
	assert.False(t, ok)
}

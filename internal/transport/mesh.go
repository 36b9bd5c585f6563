package transport

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dkeye/Collab/internal/domain"
)

// Mesh is the data channel side of the peer manager.
type Mesh interface {
	BroadcastSync(frame []byte) (int, error)
	OnSyncFrame(fn func(from domain.PeerID, frame []byte))
}

// MeshLink publishes frames over direct peer data channels. It is
// unavailable while no peer is connected.
type MeshLink struct {
	mesh   Mesh
	fn     func([]byte)
	closed atomic.Bool
}

func NewMeshLink(m Mesh) *MeshLink {
	return &MeshLink{mesh: m}
}

func (l *MeshLink) Open(context.Context, domain.RoomID) error {
	l.mesh.OnSyncFrame(func(_ domain.PeerID, frame []byte) {
		if l.closed.Load() || l.fn == nil {
			return
		}
		l.fn(frame)
	})
	return nil
}

func (l *MeshLink) Publish(frame []byte) error {
	if l.closed.Load() {
		return ErrTransportUnavailable
	}
	n, err := l.mesh.BroadcastSync(frame)
	if n == 0 {
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		}
		return fmt.Errorf("%w: no connected peers", ErrTransportUnavailable)
	}
	return nil
}

func (l *MeshLink) OnFrame(fn func([]byte)) { l.fn = fn }

func (l *MeshLink) Close() error {
	l.closed.Store(true)
	return nil
}

package peer

import (
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/media"
)

// State of a peer negotiation: New → Signaling → Connected → Failed|Closed.
type State int

const (
	New State = iota
	Signaling
	Connected
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case New:
		return "new"
	case Signaling:
		return "signaling"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	}
	return "unknown"
}

func (s State) Terminal() bool { return s == Failed || s == Closed }

type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// Descriptor is a read-only view of a peer. Streams are borrowed from the
// remote side.
type Descriptor struct {
	PeerID           domain.PeerID
	State            State
	Role             Role
	DataChannelReady bool
	Streams          []media.Stream
}

// Handle refers to a peer created by a Manager.
type Handle struct {
	m  *Manager
	id domain.PeerID
}

func (h *Handle) ID() domain.PeerID { return h.id }

// State reports Closed once the peer left the manager.
func (h *Handle) State() State {
	d, ok := h.m.Peer(h.id)
	if !ok {
		return Closed
	}
	return d.State
}

func (h *Handle) Close() { h.m.ClosePeer(h.id) }

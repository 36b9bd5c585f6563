package core

import (
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/media"
	"github.com/dkeye/Collab/internal/signaling"
)

// LinkState is the connectivity reported by a PeerLink.
type LinkState int

const (
	LinkConnecting LinkState = iota
	LinkConnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// PeerLink is one direct connection to a remote participant: a data
// channel plus optional media. Callbacks must be set before negotiation
// starts and may fire from any goroutine.
type PeerLink interface {
	// CreateOffer starts negotiation as initiator and returns the local SDP.
	CreateOffer() (signaling.SessionDescription, error)
	// ApplyOffer applies a remote offer and returns the local answer.
	ApplyOffer(signaling.SessionDescription) (signaling.SessionDescription, error)
	ApplyAnswer(signaling.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(signaling.Candidate) error
	// AddLocalTrack sends a local track to the remote side.
	AddLocalTrack(media.Track) error
	Send(Frame) error

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(signaling.Candidate))
	OnDataOpen(func())
	OnData(func(Frame))
	// OnTrack sets a callback invoked when a remote track arrives.
	OnTrack(func(track media.Track, streamID string))
	OnStateChange(func(LinkState))
	// Close should stop all underlying media resources.
	Close() error
}

// LinkFactory creates links; the manager owns and closes them.
type LinkFactory interface {
	NewLink(peer domain.PeerID, initiator bool) (PeerLink, error)
}

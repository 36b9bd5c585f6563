package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/core"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/media"
	"github.com/dkeye/Collab/internal/signaling"
)

// DataChannelLabel names the channel carrying app data and sync frames.
const DataChannelLabel = "collab"

var (
	ErrDataChannelClosed = errors.New("data channel not open")
	ErrForeignTrack      = errors.New("track was not created by this adapter")
)

// Connection is a core.PeerLink over a pion PeerConnection. Candidates are
// trickled; remote ones arriving before the remote description are held
// back until it is set.
type Connection struct {
	pc     *webrtc.PeerConnection
	remote domain.PeerID

	mu      sync.Mutex
	dc      *webrtc.DataChannel
	pending []webrtc.ICECandidateInit

	onICE   func(signaling.Candidate)
	onOpen  func()
	onData  func(core.Frame)
	onTrack func(media.Track, string)
	onState func(core.LinkState)

	logger zerolog.Logger
}

func newConnection(pc *webrtc.PeerConnection, remote domain.PeerID, initiator bool) (*Connection, error) {
	c := &Connection{
		pc:     pc,
		remote: remote,
		logger: log.With().Str("module", "webrtc").Str("remote", string(remote)).Logger(),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || c.onICE == nil {
			return
		}
		init := cand.ToJSON()
		c.onICE(signaling.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if c.onState == nil {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnecting:
			c.onState(core.LinkConnecting)
		case webrtc.PeerConnectionStateConnected:
			c.onState(core.LinkConnected)
		case webrtc.PeerConnectionStateFailed:
			c.onState(core.LinkFailed)
		case webrtc.PeerConnectionStateClosed:
			c.onState(core.LinkClosed)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if c.onTrack != nil {
			c.onTrack(newRemoteTrack(track, receiver), track.StreamID())
		}
	})

	if initiator {
		dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
		if err != nil {
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		c.bindChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != DataChannelLabel {
				c.logger.Warn().Str("label", dc.Label()).Msg("unexpected data channel")
				return
			}
			c.bindChannel(dc)
		})
	}
	return c, nil
}

func (c *Connection) bindChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()
	dc.OnOpen(func() {
		c.logger.Debug().Msg("data channel open")
		if c.onOpen != nil {
			c.onOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.onData != nil {
			c.onData(core.Frame(msg.Data))
		}
	})
}

func toPion(sd signaling.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(sd.Type), SDP: sd.SDP}
}

func fromPion(sd webrtc.SessionDescription) signaling.SessionDescription {
	return signaling.SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}
}

func (c *Connection) CreateOffer() (signaling.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return fromPion(offer), nil
}

func (c *Connection) ApplyOffer(sd signaling.SessionDescription) (signaling.SessionDescription, error) {
	if err := c.setRemote(sd); err != nil {
		return signaling.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return fromPion(answer), nil
}

func (c *Connection) ApplyAnswer(sd signaling.SessionDescription) error {
	return c.setRemote(sd)
}

func (c *Connection) setRemote(sd signaling.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(toPion(sd)); err != nil {
		return fmt.Errorf("set remote %s: %w", sd.Type, err)
	}
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ci := range pending {
		if err := c.pc.AddICECandidate(ci); err != nil {
			c.logger.Warn().Err(err).Msg("add buffered candidate")
		}
	}
	return nil
}

func (c *Connection) AddICECandidate(cand signaling.Candidate) error {
	ci := webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	}
	c.mu.Lock()
	if c.pc.RemoteDescription() == nil {
		c.pending = append(c.pending, ci)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(ci)
}

// AddLocalTrack accepts tracks produced by this package's capturer.
func (c *Connection) AddLocalTrack(t media.Track) error {
	lt, ok := t.(*LocalTrack)
	if !ok {
		return fmt.Errorf("%w: %s", ErrForeignTrack, t.ID())
	}
	sender, err := c.pc.AddTrack(lt.track)
	if err != nil {
		return fmt.Errorf("add track %s: %w", t.ID(), err)
	}
	// RTCP must be drained for interceptors to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *Connection) Send(f core.Frame) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrDataChannelClosed
	}
	return dc.Send(f)
}

func (c *Connection) OnICECandidate(fn func(signaling.Candidate))         { c.onICE = fn }
func (c *Connection) OnDataOpen(fn func())                                { c.onOpen = fn }
func (c *Connection) OnData(fn func(core.Frame))                          { c.onData = fn }
func (c *Connection) OnTrack(fn func(track media.Track, streamID string)) { c.onTrack = fn }
func (c *Connection) OnStateChange(fn func(core.LinkState))               { c.onState = fn }

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}

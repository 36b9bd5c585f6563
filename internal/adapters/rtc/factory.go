package rtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Collab/internal/core"
	"github.com/dkeye/Collab/internal/domain"
)

var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// Configuration gathers host candidates only when no ICE server is given.
func Configuration(iceServers []string) webrtc.Configuration {
	var cfg webrtc.Configuration
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return cfg
}

// Factory creates pion-backed peer links sharing one media engine.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewFactory(iceServers []string) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return &Factory{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		cfg: Configuration(iceServers),
	}, nil
}

func (f *Factory) NewLink(peer domain.PeerID, initiator bool) (core.PeerLink, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c, err := newConnection(pc, peer, initiator)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	return c, nil
}

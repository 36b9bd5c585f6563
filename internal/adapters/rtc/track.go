package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/media"
)

var ErrTrackStopped = errors.New("track stopped")

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateStopped
)

var (
	opusCapability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Capability  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// LocalTrack is an owned capture track. Samples written while muted are
// dropped; the device stays acquired until Stop.
type LocalTrack struct {
	track *webrtc.TrackLocalStaticSample
	kind  media.Kind
	state atomic.Int32
	stop  context.CancelFunc
}

func NewLocalTrack(kind media.Kind, id, streamID string) (*LocalTrack, error) {
	capability := opusCapability
	if kind == media.KindVideo {
		capability = vp8Capability
	}
	t, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", kind, err)
	}
	return &LocalTrack{track: t, kind: kind}, nil
}

func (t *LocalTrack) State() TrackState { return TrackState(t.state.Load()) }

func (t *LocalTrack) ID() string           { return t.track.ID() }
func (t *LocalTrack) Kind() media.Kind     { return t.kind }
func (t *LocalTrack) Source() media.Source { return media.LocalCapture }
func (t *LocalTrack) Enabled() bool        { return t.State() == TrackStateOk }
func (t *LocalTrack) Stopped() bool        { return t.State() == TrackStateStopped }

func (t *LocalTrack) SetEnabled(on bool) {
	next := TrackStateMuted
	if on {
		next = TrackStateOk
	}
	for {
		cur := t.state.Load()
		if TrackState(cur) == TrackStateStopped || t.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (t *LocalTrack) Stop() {
	t.state.Store(int32(TrackStateStopped))
	if t.stop != nil {
		t.stop()
	}
}

// WriteSample forwards one encoded sample unless the track is muted.
func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	switch t.State() {
	case TrackStateStopped:
		return ErrTrackStopped
	case TrackStateMuted:
		return nil
	}
	return t.track.WriteSample(s)
}

// SampleSource yields encoded samples for a local track.
type SampleSource interface {
	NextSample(ctx context.Context) (pionmedia.Sample, error)
}

// pump feeds src into t until the track stops or the source fails.
func (t *LocalTrack) pump(src SampleSource) {
	ctx, cancel := context.WithCancel(context.Background())
	t.stop = cancel
	go func() {
		defer cancel()
		for {
			s, err := src.NextSample(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Str("module", "webrtc").Str("track_id", t.ID()).Msg("sample source ended")
				}
				return
			}
			if err := t.WriteSample(s); err != nil {
				if !errors.Is(err, ErrTrackStopped) {
					log.Debug().Err(err).Str("module", "webrtc").Str("track_id", t.ID()).Msg("write sample")
				}
				return
			}
		}
	}()
}

// Silence produces 20ms Opus silence frames.
type Silence struct{}

var opusSilenceFrame = []byte{0xf8, 0xff, 0xfe}

func (Silence) NextSample(ctx context.Context) (pionmedia.Sample, error) {
	const frame = 20 * time.Millisecond
	select {
	case <-ctx.Done():
		return pionmedia.Sample{}, ctx.Err()
	case <-time.After(frame):
	}
	return pionmedia.Sample{Data: opusSilenceFrame, Duration: frame}, nil
}

// RemoteTrack is a borrowed track received from a peer.
type RemoteTrack struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
	disabled atomic.Bool
	stopped  atomic.Bool
}

func newRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) *RemoteTrack {
	return &RemoteTrack{track: track, receiver: receiver}
}

func (t *RemoteTrack) ID() string { return t.track.ID() }

func (t *RemoteTrack) Kind() media.Kind {
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		return media.KindVideo
	}
	return media.KindAudio
}

func (t *RemoteTrack) Source() media.Source { return media.RemoteTrack }
func (t *RemoteTrack) Enabled() bool        { return !t.disabled.Load() }
func (t *RemoteTrack) SetEnabled(on bool)   { t.disabled.Store(!on) }
func (t *RemoteTrack) Stop()                { t.stopped.Store(true) }
func (t *RemoteTrack) Stopped() bool        { return t.stopped.Load() }

// ReadPacket returns the next RTP packet; packets read while disabled are
// discarded so playback stays silent.
func (t *RemoteTrack) ReadPacket() (*rtp.Packet, error) {
	for {
		if t.stopped.Load() {
			return nil, ErrTrackStopped
		}
		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			return nil, err
		}
		if t.disabled.Load() {
			continue
		}
		return pkt, nil
	}
}

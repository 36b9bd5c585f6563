package rtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dkeye/Collab/internal/media"
)

var ErrNoDevice = errors.New("no capture device")

// Sources opens a sample source per kind. A nil source leaves the track
// idle; screen capture uses the video source.
type Sources struct {
	Audio  func() (SampleSource, error)
	Video  func() (SampleSource, error)
	Screen func() (SampleSource, error)
}

// Capturer produces pion local tracks. Encoding is done by the sources.
type Capturer struct {
	sources Sources
}

func NewCapturer(s Sources) *Capturer { return &Capturer{sources: s} }

func (c *Capturer) Capture(ctx context.Context, want media.Constraints) (media.Stream, error) {
	if !want.Audio && !want.Video && !want.Screen {
		return nil, fmt.Errorf("%w: nothing requested", ErrNoDevice)
	}
	streamID := "stream-" + uuid.NewString()
	stream := media.NewStream(streamID)

	add := func(kind media.Kind, label string, open func() (SampleSource, error)) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, err := NewLocalTrack(kind, label+"-"+uuid.NewString(), streamID)
		if err != nil {
			return err
		}
		if open != nil {
			src, err := open()
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrNoDevice, label, err)
			}
			t.pump(src)
		}
		stream.AddTrack(t)
		return nil
	}

	var err error
	if want.Audio {
		err = add(media.KindAudio, "audio", c.sources.Audio)
	}
	if err == nil && want.Video {
		err = add(media.KindVideo, "video", c.sources.Video)
	}
	if err == nil && want.Screen {
		err = add(media.KindVideo, "screen", c.sources.Screen)
	}
	if err != nil {
		stream.Stop()
		return nil, err
	}
	return stream, nil
}

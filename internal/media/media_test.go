package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubTrack struct {
	id      string
	kind    Kind
	enabled bool
	stopped bool
}

func (t *stubTrack) ID() string         { return t.id }
func (t *stubTrack) Kind() Kind         { return t.kind }
func (t *stubTrack) Source() Source     { return LocalCapture }
func (t *stubTrack) Enabled() bool      { return t.enabled }
func (t *stubTrack) SetEnabled(on bool) { t.enabled = on }
func (t *stubTrack) Stop()              { t.stopped = true }
func (t *stubTrack) Stopped() bool      { return t.stopped }

func TestStreamMuteAndStop(t *testing.T) {
	mic := &stubTrack{id: "mic", kind: KindAudio, enabled: true}
	cam := &stubTrack{id: "cam", kind: KindVideo, enabled: true}
	s := NewStream("local", mic)
	s.AddTrack(cam)

	assert.Equal(t, 1, SetKindEnabled(s, KindAudio, false))
	assert.False(t, mic.Enabled())
	assert.True(t, cam.Enabled())
	assert.Equal(t, 2, Live(s))

	s.Stop()
	assert.Zero(t, Live(s))
}

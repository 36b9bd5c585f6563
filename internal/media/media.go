// Package media abstracts captured and received audio/video so the peer
// manager never depends on a concrete media API.
package media

import (
	"context"
	"slices"
	"sync"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Source tells whether a track is owned (captured here) or borrowed.
type Source string

const (
	LocalCapture Source = "local-capture"
	RemoteTrack  Source = "remote-track"
)

type Track interface {
	ID() string
	Kind() Kind
	Source() Source
	Enabled() bool
	// SetEnabled mutes or unmutes without releasing the device.
	SetEnabled(bool)
	// Stop releases the underlying device for local tracks; remote tracks
	// only stop being consumed.
	Stop()
	Stopped() bool
}

type Stream interface {
	ID() string
	Tracks() []Track
	Stop()
}

type Constraints struct {
	Audio  bool
	Video  bool
	Screen bool
}

//go:generate mockgen -destination=mocks/mock_capturer.go -package=mocks . Capturer

// Capturer acquires local devices.
type Capturer interface {
	Capture(ctx context.Context, c Constraints) (Stream, error)
}

// BasicStream groups tracks under a stream id.
type BasicStream struct {
	id     string
	mu     sync.RWMutex
	tracks []Track
}

func NewStream(id string, tracks ...Track) *BasicStream {
	return &BasicStream{id: id, tracks: tracks}
}

func (s *BasicStream) ID() string { return s.id }

func (s *BasicStream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tracks)
}

func (s *BasicStream) AddTrack(t Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *BasicStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// SetKindEnabled toggles every track of a kind, e.g. mute audio.
func SetKindEnabled(s Stream, kind Kind, enabled bool) int {
	n := 0
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
			n++
		}
	}
	return n
}

// Live counts tracks that have not been stopped.
func Live(s Stream) int {
	n := 0
	for _, t := range s.Tracks() {
		if !t.Stopped() {
			n++
		}
	}
	return n
}

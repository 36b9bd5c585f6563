// Package peertest provides an in-process PeerLink network for tests.
// Links connect as soon as an offer or answer is applied; remote tracks are
// delivered on every applied description.
package peertest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Collab/internal/core"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/media"
	"github.com/dkeye/Collab/internal/signaling"
)

var ErrLinkClosed = errors.New("link closed")

type key struct{ self, remote domain.PeerID }

type Network struct {
	mu      sync.Mutex
	links   map[key]*Link
	stalled map[domain.PeerID]bool
	created atomic.Int64
}

func NewNetwork() *Network {
	return &Network{links: make(map[key]*Link), stalled: make(map[domain.PeerID]bool)}
}

// Stall keeps every link of peer from ever connecting.
func (n *Network) Stall(peer domain.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stalled[peer] = true
}

// Created counts links handed out by all factories.
func (n *Network) Created() int { return int(n.created.Load()) }

// Link returns the most recent link self opened towards remote.
func (n *Network) Link(self, remote domain.PeerID) *Link {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.links[key{self, remote}]
}

func (n *Network) Factory(self domain.PeerID) core.LinkFactory {
	return factory{n: n, self: self}
}

type factory struct {
	n    *Network
	self domain.PeerID
}

func (f factory) NewLink(remote domain.PeerID, _ bool) (core.PeerLink, error) {
	l := &Link{n: f.n, self: f.self, remote: remote, delivered: make(map[string]bool)}
	f.n.mu.Lock()
	f.n.links[key{f.self, remote}] = l
	f.n.mu.Unlock()
	f.n.created.Add(1)
	return l, nil
}

type Link struct {
	n            *Network
	self, remote domain.PeerID

	mu         sync.Mutex
	local      []media.Track
	delivered  map[string]bool
	candidates []signaling.Candidate
	closed     bool
	up         bool

	onCandidate func(signaling.Candidate)
	onOpen      func()
	onData      func(core.Frame)
	onTrack     func(media.Track, string)
	onState     func(core.LinkState)
}

func (l *Link) partner() *Link {
	l.n.mu.Lock()
	defer l.n.mu.Unlock()
	return l.n.links[key{l.remote, l.self}]
}

func (l *Link) stalled() bool {
	l.n.mu.Lock()
	defer l.n.mu.Unlock()
	return l.n.stalled[l.self] || l.n.stalled[l.remote]
}

func (l *Link) describe(kind string) signaling.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return signaling.SessionDescription{Type: kind, SDP: fmt.Sprintf("v=0 %s->%s tracks=%d", l.self, l.remote, len(l.local))}
}

func (l *Link) CreateOffer() (signaling.SessionDescription, error) {
	if l.isClosed() {
		return signaling.SessionDescription{}, ErrLinkClosed
	}
	return l.describe("offer"), nil
}

func (l *Link) ApplyOffer(signaling.SessionDescription) (signaling.SessionDescription, error) {
	if l.isClosed() {
		return signaling.SessionDescription{}, ErrLinkClosed
	}
	answer := l.describe("answer")
	l.connect()
	return answer, nil
}

func (l *Link) ApplyAnswer(signaling.SessionDescription) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	l.connect()
	return nil
}

func (l *Link) connect() {
	if l.stalled() {
		return
	}
	if p := l.partner(); p != nil {
		for _, t := range p.tracks() {
			l.mu.Lock()
			seen := l.delivered[t.ID()]
			l.delivered[t.ID()] = true
			l.mu.Unlock()
			if !seen && l.onTrack != nil {
				l.onTrack(&RemoteTrack{id: t.ID(), kind: t.Kind()}, "stream-"+string(l.remote))
			}
		}
	}
	l.mu.Lock()
	first := !l.up
	l.up = true
	l.mu.Unlock()
	if first {
		if l.onOpen != nil {
			l.onOpen()
		}
		if l.onState != nil {
			l.onState(core.LinkConnected)
		}
	}
}

func (l *Link) tracks() []media.Track {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]media.Track(nil), l.local...)
}

func (l *Link) AddICECandidate(c signaling.Candidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, c)
	return nil
}

func (l *Link) Candidates() []signaling.Candidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]signaling.Candidate(nil), l.candidates...)
}

func (l *Link) AddLocalTrack(t media.Track) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	l.local = append(l.local, t)
	return nil
}

func (l *Link) Send(f core.Frame) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	p := l.partner()
	if p == nil || p.isClosed() {
		return ErrLinkClosed
	}
	if p.onData != nil {
		p.onData(append(core.Frame(nil), f...))
	}
	return nil
}

func (l *Link) OnICECandidate(fn func(signaling.Candidate))         { l.onCandidate = fn }
func (l *Link) OnDataOpen(fn func())                                { l.onOpen = fn }
func (l *Link) OnData(fn func(core.Frame))                          { l.onData = fn }
func (l *Link) OnTrack(fn func(track media.Track, streamID string)) { l.onTrack = fn }
func (l *Link) OnStateChange(fn func(core.LinkState))               { l.onState = fn }

// Gather reports a local ICE candidate.
func (l *Link) Gather(c signaling.Candidate) {
	if l.onCandidate != nil {
		l.onCandidate(c)
	}
}

// Fail reports a connectivity failure as the underlying stack would.
func (l *Link) Fail() {
	if l.onState != nil {
		l.onState(core.LinkFailed)
	}
}

func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Link) IsClosed() bool { return l.isClosed() }

// Track is a local capture track.
type Track struct {
	id      string
	kind    media.Kind
	muted   atomic.Bool
	stopped atomic.Bool
}

func NewTrack(id string, kind media.Kind) *Track { return &Track{id: id, kind: kind} }

func (t *Track) ID() string           { return t.id }
func (t *Track) Kind() media.Kind     { return t.kind }
func (t *Track) Source() media.Source { return media.LocalCapture }
func (t *Track) Enabled() bool        { return !t.muted.Load() }
func (t *Track) SetEnabled(on bool)   { t.muted.Store(!on) }
func (t *Track) Stop()                { t.stopped.Store(true) }
func (t *Track) Stopped() bool        { return t.stopped.Load() }

// RemoteTrack is a borrowed track received over a Link.
type RemoteTrack struct {
	id       string
	kind     media.Kind
	disabled atomic.Bool
	stopped  atomic.Bool
}

func (t *RemoteTrack) ID() string           { return t.id }
func (t *RemoteTrack) Kind() media.Kind     { return t.kind }
func (t *RemoteTrack) Source() media.Source { return media.RemoteTrack }
func (t *RemoteTrack) Enabled() bool        { return !t.disabled.Load() }
func (t *RemoteTrack) SetEnabled(on bool)   { t.disabled.Store(!on) }
func (t *RemoteTrack) Stop()                { t.stopped.Store(true) }
func (t *RemoteTrack) Stopped() bool        { return t.stopped.Load() }

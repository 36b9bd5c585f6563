package peer

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/Collab/internal/core"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/media"
	"github.com/dkeye/Collab/internal/signaling"
)

const DefaultNegotiationTimeout = 20 * time.Second

var (
	ErrPeerNotConnected  = errors.New("peer not connected")
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrPeerExists        = errors.New("peer already exists")
	ErrClosed            = errors.New("peer manager closed")
)

// Data channel frame classes.
const (
	chanApp  byte = 1
	chanSync byte = 2
)

//go:generate mockgen -destination=mocks/mock_signaler.go -package=mocks . Signaler

// Signaler delivers a negotiation message to its addressee.
type Signaler interface {
	SendSignal(signaling.Message) error
}

type Options struct {
	Room               domain.RoomID
	Self               domain.PeerID
	Links              core.LinkFactory
	Signaler           Signaler
	NegotiationTimeout time.Duration
}

type peerConn struct {
	id        domain.PeerID
	role      Role
	state     State
	link      core.PeerLink
	dataReady bool
	linkUp    bool
	streams   map[string]*media.BasicStream
	order     []string
	seen      map[string]struct{}
	timer     *time.Timer
}

func (pc *peerConn) descriptor() Descriptor {
	d := Descriptor{PeerID: pc.id, State: pc.state, Role: pc.role, DataChannelReady: pc.dataReady}
	for _, id := range pc.order {
		d.Streams = append(d.Streams, pc.streams[id])
	}
	return d
}

// Manager owns one link per remote participant of a room.
type Manager struct {
	mu       sync.Mutex
	room     domain.RoomID
	self     domain.PeerID
	links    core.LinkFactory
	signaler Signaler
	timeout  time.Duration
	peers    map[domain.PeerID]*peerConn
	local    []media.Stream
	closed   bool

	onStream    func(domain.PeerID, media.Stream)
	onData      func(domain.PeerID, []byte)
	onSync      func(domain.PeerID, []byte)
	onClosed    func(domain.PeerID, error)
	onConnected func(domain.PeerID)

	logger zerolog.Logger
}

func NewManager(opts Options) *Manager {
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = DefaultNegotiationTimeout
	}
	return &Manager{
		room:     opts.Room,
		self:     opts.Self,
		links:    opts.Links,
		signaler: opts.Signaler,
		timeout:  opts.NegotiationTimeout,
		peers:    make(map[domain.PeerID]*peerConn),
		logger: log.With().
			Str("module", "peer").
			Str("room", string(opts.Room)).
			Str("self", string(opts.Self)).
			Logger(),
	}
}

// Callback setters; set them before creating peers.

func (m *Manager) OnRemoteStream(fn func(domain.PeerID, media.Stream)) { m.onStream = fn }
func (m *Manager) OnDataReceived(fn func(domain.PeerID, []byte))       { m.onData = fn }
func (m *Manager) OnSyncFrame(fn func(domain.PeerID, []byte))          { m.onSync = fn }
func (m *Manager) OnPeerClosed(fn func(domain.PeerID, error))          { m.onClosed = fn }
func (m *Manager) OnPeerConnected(fn func(domain.PeerID))              { m.onConnected = fn }

// CreatePeer starts a negotiation with id. The initiator sends an offer
// right away; a responder waits for one.
func (m *Manager) CreatePeer(id domain.PeerID, initiator bool) (*Handle, error) {
	if id == m.self || id == "" {
		return nil, fmt.Errorf("create peer %q: invalid peer id", id)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := m.peers[id]; ok {
		m.mu.Unlock()
		return &Handle{m: m, id: id}, ErrPeerExists
	}
	m.mu.Unlock()

	link, err := m.links.NewLink(id, initiator)
	if err != nil {
		return nil, fmt.Errorf("%w: new link to %s: %v", ErrNegotiationFailed, id, err)
	}
	pc := &peerConn{
		id:      id,
		role:    Responder,
		state:   New,
		link:    link,
		streams: make(map[string]*media.BasicStream),
		seen:    make(map[string]struct{}),
	}
	if initiator {
		pc.role = Initiator
	}
	m.bind(pc)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = link.Close()
		return nil, ErrClosed
	}
	if _, ok := m.peers[id]; ok {
		m.mu.Unlock()
		_ = link.Close()
		return &Handle{m: m, id: id}, ErrPeerExists
	}
	m.peers[id] = pc
	pc.timer = time.AfterFunc(m.timeout, func() { m.expire(pc) })
	local := slices.Clone(m.local)
	m.mu.Unlock()

	for _, s := range local {
		for _, t := range s.Tracks() {
			if err := link.AddLocalTrack(t); err != nil {
				m.logger.Warn().Err(err).Str("remote", string(id)).Str("track", t.ID()).Msg("attach local track")
			}
		}
	}
	m.logger.Info().Str("remote", string(id)).Str("role", pc.role.String()).Msg("peer created")

	if initiator {
		m.offer(pc)
	}
	return &Handle{m: m, id: id}, nil
}

func (m *Manager) bind(pc *peerConn) {
	l := pc.link
	l.OnICECandidate(func(c signaling.Candidate) {
		if !m.alive(pc) {
			return
		}
		if err := m.signaler.SendSignal(signaling.NewCandidate(m.room, m.self, pc.id, c)); err != nil {
			m.logger.Warn().Err(err).Str("remote", string(pc.id)).Msg("send candidate")
		}
	})
	l.OnDataOpen(func() {
		m.mu.Lock()
		pc.dataReady = true
		up := m.promoteLocked(pc)
		m.mu.Unlock()
		if up {
			m.connected(pc)
		}
	})
	l.OnData(func(f core.Frame) {
		if len(f) == 0 || !m.alive(pc) {
			return
		}
		switch f[0] {
		case chanApp:
			if m.onData != nil {
				m.onData(pc.id, f[1:])
			}
		case chanSync:
			if m.onSync != nil {
				m.onSync(pc.id, f[1:])
			}
		default:
			m.logger.Warn().Str("remote", string(pc.id)).Uint8("class", f[0]).Msg("unknown frame class")
		}
	})
	l.OnTrack(func(t media.Track, streamID string) {
		m.mu.Lock()
		if pc.state.Terminal() {
			m.mu.Unlock()
			return
		}
		s, ok := pc.streams[streamID]
		if !ok {
			s = media.NewStream(streamID)
			pc.streams[streamID] = s
			pc.order = append(pc.order, streamID)
		}
		s.AddTrack(t)
		m.mu.Unlock()
		m.logger.Info().Str("remote", string(pc.id)).Str("stream", streamID).Str("kind", string(t.Kind())).Msg("remote track")
		if m.onStream != nil {
			m.onStream(pc.id, s)
		}
	})
	l.OnStateChange(func(s core.LinkState) {
		m.logger.Debug().Str("remote", string(pc.id)).Str("link_state", s.String()).Msg("link state")
		switch s {
		case core.LinkConnected:
			m.mu.Lock()
			pc.linkUp = true
			up := m.promoteLocked(pc)
			m.mu.Unlock()
			if up {
				m.connected(pc)
			}
		case core.LinkFailed:
			m.fail(pc, fmt.Errorf("%w: link to %s failed", ErrNegotiationFailed, pc.id))
		case core.LinkClosed:
			m.finish(pc, Closed, nil)
		}
	})
}

func (m *Manager) alive(pc *peerConn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !pc.state.Terminal()
}

func (m *Manager) promoteLocked(pc *peerConn) bool {
	if pc.state != Signaling || !pc.dataReady || !pc.linkUp {
		return false
	}
	pc.state = Connected
	if pc.timer != nil {
		pc.timer.Stop()
	}
	return true
}

func (m *Manager) connected(pc *peerConn) {
	m.logger.Info().Str("remote", string(pc.id)).Msg("peer connected")
	if m.onConnected != nil {
		m.onConnected(pc.id)
	}
}

// offer sends a (re)negotiation offer.
func (m *Manager) offer(pc *peerConn) {
	m.mu.Lock()
	switch pc.state {
	case New:
		pc.state = Signaling
	case Connected:
	default:
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	sd, err := pc.link.CreateOffer()
	if err != nil {
		m.fail(pc, fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err))
		return
	}
	if err := m.signaler.SendSignal(signaling.NewOffer(m.room, m.self, pc.id, sd)); err != nil {
		m.fail(pc, fmt.Errorf("%w: send offer: %v", ErrNegotiationFailed, err))
	}
}

// HandleSignal applies a negotiation message addressed to this peer.
// Duplicates and messages for unknown negotiations are ignored.
func (m *Manager) HandleSignal(msg signaling.Message) error {
	if msg.To != m.self || msg.Room != m.room || msg.From == m.self {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	pc := m.peers[msg.From]
	if pc != nil {
		if _, dup := pc.seen[msg.ID]; dup {
			m.mu.Unlock()
			return nil
		}
		pc.seen[msg.ID] = struct{}{}
	}
	m.mu.Unlock()

	switch msg.Kind {
	case signaling.KindOffer:
		return m.handleOffer(pc, msg)
	case signaling.KindAnswer:
		if pc == nil || msg.SDP == nil {
			return nil
		}
		m.mu.Lock()
		ok := pc.state == Signaling && pc.role == Initiator || pc.state == Connected
		m.mu.Unlock()
		if !ok {
			m.logger.Debug().Str("remote", string(msg.From)).Msg("unexpected answer ignored")
			return nil
		}
		if err := pc.link.ApplyAnswer(*msg.SDP); err != nil {
			m.fail(pc, fmt.Errorf("%w: apply answer: %v", ErrNegotiationFailed, err))
		}
	case signaling.KindCandidate:
		if pc == nil || msg.Candidate == nil || !m.alive(pc) {
			return nil
		}
		if err := pc.link.AddICECandidate(*msg.Candidate); err != nil {
			m.logger.Warn().Err(err).Str("remote", string(msg.From)).Msg("add ice candidate")
		}
	}
	return nil
}

func (m *Manager) handleOffer(pc *peerConn, msg signaling.Message) error {
	if msg.SDP == nil {
		return nil
	}
	if pc != nil {
		m.mu.Lock()
		glare := pc.state == Signaling && pc.role == Initiator
		m.mu.Unlock()
		if glare {
			// Both sides offered: the lower peer id keeps the initiator role.
			if m.self < msg.From {
				return nil
			}
			m.discard(pc)
			pc = nil
		}
	}
	if pc == nil {
		if _, err := m.CreatePeer(msg.From, false); err != nil && !errors.Is(err, ErrPeerExists) {
			return err
		}
		m.mu.Lock()
		pc = m.peers[msg.From]
		if pc == nil {
			m.mu.Unlock()
			return nil
		}
		// The same offer may race in over relay and mesh.
		if _, dup := pc.seen[msg.ID]; dup {
			m.mu.Unlock()
			return nil
		}
		pc.seen[msg.ID] = struct{}{}
		m.mu.Unlock()
	}

	m.mu.Lock()
	switch pc.state {
	case New:
		pc.state = Signaling
	case Connected:
	default:
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	answer, err := pc.link.ApplyOffer(*msg.SDP)
	if err != nil {
		m.fail(pc, fmt.Errorf("%w: apply offer: %v", ErrNegotiationFailed, err))
		return nil
	}
	if err := m.signaler.SendSignal(signaling.NewAnswer(m.room, m.self, pc.id, answer)); err != nil {
		m.fail(pc, fmt.Errorf("%w: send answer: %v", ErrNegotiationFailed, err))
	}
	return nil
}

func (m *Manager) expire(pc *peerConn) {
	m.mu.Lock()
	negotiating := pc.state == New || pc.state == Signaling
	m.mu.Unlock()
	if negotiating {
		m.fail(pc, fmt.Errorf("%w: %s not connected within %s", ErrNegotiationFailed, pc.id, m.timeout))
	}
}

func (m *Manager) fail(pc *peerConn, err error) { m.finish(pc, Failed, err) }

// finish moves pc to a terminal state exactly once, closes its link and
// reports it.
func (m *Manager) finish(pc *peerConn, state State, err error) {
	m.mu.Lock()
	if pc.state.Terminal() {
		m.mu.Unlock()
		return
	}
	pc.state = state
	if pc.timer != nil {
		pc.timer.Stop()
	}
	if m.peers[pc.id] == pc {
		delete(m.peers, pc.id)
	}
	m.mu.Unlock()

	if cerr := pc.link.Close(); cerr != nil {
		m.logger.Debug().Err(cerr).Str("remote", string(pc.id)).Msg("link close")
	}
	ev := m.logger.Info()
	if err != nil {
		ev = m.logger.Warn().Err(err)
	}
	ev.Str("remote", string(pc.id)).Str("state", state.String()).Msg("peer finished")
	if m.onClosed != nil {
		m.onClosed(pc.id, err)
	}
}

// discard drops a negotiation without reporting it; used on offer glare.
func (m *Manager) discard(pc *peerConn) {
	m.mu.Lock()
	pc.state = Closed
	if pc.timer != nil {
		pc.timer.Stop()
	}
	if m.peers[pc.id] == pc {
		delete(m.peers, pc.id)
	}
	m.mu.Unlock()
	_ = pc.link.Close()
}

// AttachLocalMedia sends stream to every current and future peer.
func (m *Manager) AttachLocalMedia(stream media.Stream) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.local = append(m.local, stream)
	var live []*peerConn
	for _, pc := range m.peers {
		if !pc.state.Terminal() {
			live = append(live, pc)
		}
	}
	m.mu.Unlock()

	for _, pc := range live {
		for _, t := range stream.Tracks() {
			if err := pc.link.AddLocalTrack(t); err != nil {
				m.logger.Warn().Err(err).Str("remote", string(pc.id)).Str("track", t.ID()).Msg("attach local track")
			}
		}
		m.mu.Lock()
		renegotiate := pc.state == Connected
		m.mu.Unlock()
		if renegotiate {
			m.offer(pc)
		}
	}
	return nil
}

// LocalStreams returns the attached local streams.
func (m *Manager) LocalStreams() []media.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.local)
}

// SendData sends payload to target, or to every connected peer when
// target is empty. Nothing is queued.
func (m *Manager) SendData(payload []byte, target domain.PeerID) error {
	frame := append([]byte{chanApp}, payload...)
	if target != "" {
		m.mu.Lock()
		pc, ok := m.peers[target]
		connected := ok && pc.state == Connected
		m.mu.Unlock()
		if !connected {
			return fmt.Errorf("%w: %s", ErrPeerNotConnected, target)
		}
		return pc.link.Send(frame)
	}
	_, err := m.broadcast(frame)
	return err
}

// BroadcastSync sends a sync frame to every connected peer and reports how
// many peers it reached.
func (m *Manager) BroadcastSync(frame []byte) (int, error) {
	return m.broadcast(append([]byte{chanSync}, frame...))
}

func (m *Manager) broadcast(frame core.Frame) (int, error) {
	m.mu.Lock()
	var targets []*peerConn
	for _, pc := range m.peers {
		if pc.state == Connected {
			targets = append(targets, pc)
		}
	}
	m.mu.Unlock()

	var errs []error
	sent := 0
	for _, pc := range targets {
		if err := pc.link.Send(frame); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", pc.id, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// ClosePeer closes one peer; unknown peers are ignored.
func (m *Manager) ClosePeer(id domain.PeerID) {
	m.mu.Lock()
	pc, ok := m.peers[id]
	m.mu.Unlock()
	if ok {
		m.finish(pc, Closed, nil)
	}
}

// CloseAll closes every connection, cancels negotiations in flight and
// stops every local track. It returns after all links are closed and is
// idempotent.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	pcs := make([]*peerConn, 0, len(m.peers))
	for _, pc := range m.peers {
		if pc.state.Terminal() {
			continue
		}
		pc.state = Closed
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pcs = append(pcs, pc)
	}
	m.peers = make(map[domain.PeerID]*peerConn)
	local := m.local
	m.local = nil
	m.mu.Unlock()

	var wg conc.WaitGroup
	for _, pc := range pcs {
		wg.Go(func() {
			if err := pc.link.Close(); err != nil {
				m.logger.Debug().Err(err).Str("remote", string(pc.id)).Msg("link close")
			}
		})
	}
	wg.Wait()

	for _, s := range local {
		s.Stop()
	}
	for _, pc := range pcs {
		if m.onClosed != nil {
			m.onClosed(pc.id, nil)
		}
	}
	if len(pcs) > 0 || len(local) > 0 {
		m.logger.Info().Int("peers", len(pcs)).Int("streams", len(local)).Msg("closed all")
	}
}

// Peers returns descriptors of the active peers.
func (m *Manager) Peers() []Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Descriptor, 0, len(m.peers))
	for _, pc := range m.peers {
		out = append(out, pc.descriptor())
	}
	slices.SortFunc(out, func(a, b Descriptor) int {
		switch {
		case a.PeerID < b.PeerID:
			return -1
		case a.PeerID > b.PeerID:
			return 1
		}
		return 0
	})
	return out
}

func (m *Manager) Peer(id domain.PeerID) (Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.peers[id]
	if !ok {
		return Descriptor{}, false
	}
	return pc.descriptor(), true
}

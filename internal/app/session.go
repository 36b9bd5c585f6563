package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dkeye/Collab/internal/core"
	"github.com/dkeye/Collab/internal/crdt"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/media"
	"github.com/dkeye/Collab/internal/peer"
	"github.com/dkeye/Collab/internal/presence"
	"github.com/dkeye/Collab/internal/signaling"
	"github.com/dkeye/Collab/internal/store"
	"github.com/dkeye/Collab/internal/transport"
)

// Containers shared by every room.
const (
	ContainerMessages    = "messages"
	ContainerAnnotations = "annotations"
	ContainerPaper       = "paper"
)

var DefaultSchema = crdt.Schema{
	ContainerMessages:    crdt.KindSequence,
	ContainerAnnotations: crdt.KindMap,
	ContainerPaper:       crdt.KindText,
}

var (
	ErrNotJoined     = errors.New("session not joined")
	ErrAlreadyJoined = errors.New("session already joined")
	ErrNoMedia       = errors.New("room has no media")
)

var tracer = otel.Tracer("github.com/dkeye/Collab/internal/app")

// Options are shared by every session of a registry.
type Options struct {
	// Transport opens the room link; a fresh link per session.
	Transport func(room domain.RoomID) (transport.Link, error)
	// PeerLinks and Capturer are only used by meeting rooms. A nil
	// Capturer joins meetings without local media.
	PeerLinks   core.LinkFactory
	Capturer    media.Capturer
	Constraints media.Constraints
	Snapshots   store.SnapshotStore

	Schema             crdt.Schema
	Presence           presence.Options
	Sync               transport.SyncOptions
	NegotiationTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Schema == nil {
		o.Schema = DefaultSchema
	}
	if o.Snapshots == nil {
		o.Snapshots = store.Nop{}
	}
	if o.Constraints == (media.Constraints{}) {
		o.Constraints = media.Constraints{Audio: true, Video: true}
	}
	return o
}

type phase int

const (
	phaseIdle phase = iota
	phaseJoined
	phaseLeft
)

// Events are delivered to observers of a session. Nil fields are skipped.
type Events struct {
	Presence     func(presence.Event)
	Changed      func(container string)
	RemoteStream func(domain.PeerID, media.Stream)
	Data         func(domain.PeerID, []byte)
	PeerClosed   func(domain.PeerID, error)
}

// Session binds one identity, one replica store, presence, transport and,
// for meetings, the peer mesh of a room.
type Session struct {
	room     domain.RoomID
	kind     domain.RoomKind
	identity domain.Identity
	opts     Options

	// lifecycle serializes Join and Leave; phase is read without it.
	lifecycle sync.Mutex
	phase     atomic.Int32
	cancel    context.CancelFunc

	store    *crdt.Store
	sync     *transport.Sync
	presence *presence.Channel
	peers    *peer.Manager
	local    media.Stream

	obsMu     sync.Mutex
	observers []Events

	logger zerolog.Logger
}

func NewSession(room domain.RoomID, identity domain.Identity, kind domain.RoomKind, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		room:     room,
		kind:     kind,
		identity: identity,
		opts:     opts,
		store:    crdt.NewStore(room, identity.Replica(), opts.Schema),
		logger: log.With().
			Str("module", "app.session").
			Str("room", string(room)).
			Str("self", string(identity.PeerID)).
			Logger(),
	}
	s.store.OnChange(func(container string) {
		for _, ev := range s.events() {
			if ev.Changed != nil {
				ev.Changed(container)
			}
		}
	})
	return s
}

func (s *Session) Room() domain.RoomID       { return s.room }
func (s *Session) Kind() domain.RoomKind     { return s.kind }
func (s *Session) Identity() domain.Identity { return s.identity }

// Store is the room's replica. Mutations made directly on it are not
// broadcast; use the intents for that.
func (s *Session) Store() *crdt.Store { return s.store }

// Peers is nil for document rooms.
func (s *Session) Peers() *peer.Manager { return s.peers }

func (s *Session) Observe(ev Events) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, ev)
}

func (s *Session) events() []Events {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	return slices.Clone(s.observers)
}

// Join restores the local snapshot, opens the transport, starts presence
// and, for meetings, captures media and negotiates with present peers.
// A failed join releases everything it acquired.
func (s *Session) Join(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "session.join", trace.WithAttributes(
		attribute.String("room.id", string(s.room)),
		attribute.String("room.kind", string(s.kind)),
		attribute.String("peer.id", string(s.identity.PeerID)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "join failed")
		}
		span.End()
	}()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	switch phase(s.phase.Load()) {
	case phaseJoined:
		return ErrAlreadyJoined
	case phaseLeft:
		return fmt.Errorf("join %s: session already left", s.room)
	}

	if err := s.restore(); err != nil {
		s.logger.Warn().Err(err).Msg("snapshot ignored")
	}

	link, err := s.opts.Transport(s.room)
	if err != nil {
		s.phase.Store(int32(phaseLeft))
		return fmt.Errorf("join %s: %w", s.room, err)
	}
	if s.kind.HasMedia() {
		s.peers = peer.NewManager(peer.Options{
			Room:               s.room,
			Self:               s.identity.PeerID,
			Links:              s.opts.PeerLinks,
			Signaler:           signalerFunc(s.sendSignal),
			NegotiationTimeout: s.opts.NegotiationTimeout,
		})
		s.bindPeers()
		link = transport.Fanout{link, transport.NewMeshLink(s.peers)}
	}

	s.sync = transport.NewSync(link, s.identity.PeerID, s.opts.Sync)
	s.presence = presence.NewChannel(s.room, s.identity.PeerID, s.sync, s.opts.Presence)
	s.bindSync()
	s.presence.OnPeerUpdated(s.onPresence)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	if s.kind.HasMedia() && s.opts.Capturer != nil {
		stream, err := s.opts.Capturer.Capture(ctx, s.opts.Constraints)
		if err != nil {
			s.teardown(ctx)
			return fmt.Errorf("join %s: capture media: %w", s.room, err)
		}
		s.local = stream
		if err := s.peers.AttachLocalMedia(stream); err != nil {
			s.teardown(ctx)
			return fmt.Errorf("join %s: attach media: %w", s.room, err)
		}
	}

	if err := s.sync.Connect(runCtx, s.room); err != nil {
		s.teardown(ctx)
		return fmt.Errorf("join %s: %w", s.room, err)
	}

	s.presence.Start(runCtx)
	err = s.presence.PublishLocal(presence.Record{
		DisplayName: s.identity.DisplayName,
		Color:       s.identity.Color,
	})
	if err != nil && !errors.Is(err, transport.ErrTransportUnavailable) {
		s.teardown(ctx)
		return fmt.Errorf("join %s: %w", s.room, err)
	}

	s.phase.Store(int32(phaseJoined))
	s.logger.Info().Str("kind", string(s.kind)).Int("ops", s.store.Len()).Msg("joined")
	return nil
}

func (s *Session) restore() error {
	data, ok, err := s.opts.Snapshots.Load(s.room)
	if err != nil || !ok {
		return err
	}
	return s.store.Restore(data)
}

func (s *Session) bindSync() {
	s.sync.OnOperationReceived(func(op crdt.Operation) {
		// rejected operations are logged by the store
		_ = s.store.ApplyRemote(op)
	})
	s.sync.OnPresenceReceived(s.presence.Apply)
	s.sync.OnByeReceived(s.presence.Bye)
	s.sync.SetLog(s.store.Operations)
	s.sync.OnSignalReceived(func(m signaling.Message) {
		if s.peers == nil {
			return
		}
		if err := s.peers.HandleSignal(m); err != nil {
			s.logger.Debug().Err(err).Str("remote", string(m.From)).Msg("signal")
		}
	})
}

func (s *Session) bindPeers() {
	s.peers.OnRemoteStream(func(id domain.PeerID, st media.Stream) {
		for _, ev := range s.events() {
			if ev.RemoteStream != nil {
				ev.RemoteStream(id, st)
			}
		}
	})
	s.peers.OnDataReceived(func(id domain.PeerID, b []byte) {
		for _, ev := range s.events() {
			if ev.Data != nil {
				ev.Data(id, b)
			}
		}
	})
	s.peers.OnPeerClosed(func(id domain.PeerID, err error) {
		for _, ev := range s.events() {
			if ev.PeerClosed != nil {
				ev.PeerClosed(id, err)
			}
		}
	})
	s.peers.OnPeerConnected(func(domain.PeerID) {
		if err := s.sync.RequestSync(); err != nil {
			s.logger.Debug().Err(err).Msg("sync request on peer connect")
		}
	})
}

type signalerFunc func(signaling.Message) error

func (f signalerFunc) SendSignal(m signaling.Message) error { return f(m) }

func (s *Session) sendSignal(m signaling.Message) error {
	if s.sync == nil {
		return ErrNotJoined
	}
	return s.sync.SendSignal(m)
}

func (s *Session) onPresence(ev presence.Event) {
	for _, o := range s.events() {
		if o.Presence != nil {
			o.Presence(ev)
		}
	}
	remote := ev.Record.PeerID
	switch ev.Kind {
	case presence.PeerJoined:
		// Answer quickly so the newcomer need not wait for a refresh.
		if rec, ok := s.presence.Local(); ok {
			if err := s.presence.PublishLocal(rec); err != nil {
				s.logger.Debug().Err(err).Msg("presence reply")
			}
		}
		s.negotiate(remote)
	case presence.PeerUpdated:
		s.negotiate(remote)
	case presence.PeerLeft:
		if s.peers != nil {
			s.peers.ClosePeer(remote)
		}
	}
}

// negotiate dials remote when this side is the initiator and no link
// exists yet. Refreshes retry failed negotiations.
func (s *Session) negotiate(remote domain.PeerID) {
	if s.peers == nil || s.identity.PeerID > remote {
		return
	}
	if _, ok := s.peers.Peer(remote); ok {
		return
	}
	if _, err := s.peers.CreatePeer(remote, true); err != nil && !errors.Is(err, peer.ErrPeerExists) {
		s.logger.Warn().Err(err).Str("remote", string(remote)).Msg("create peer")
	}
}

// Leave stops presence, closes the transport and every peer link, releases
// local media and persists a snapshot. It is safe to call repeatedly and
// after a failed Join.
func (s *Session) Leave(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "session.leave", trace.WithAttributes(
		attribute.String("room.id", string(s.room)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "leave failed")
		}
		span.End()
	}()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if phase(s.phase.Load()) != phaseJoined {
		s.phase.Store(int32(phaseLeft))
		return nil
	}
	err = s.teardown(ctx)
	s.logger.Info().Err(err).Msg("left")
	return err
}

func (s *Session) teardown(context.Context) error {
	s.phase.Store(int32(phaseLeft))
	if s.cancel != nil {
		s.cancel()
	}
	var errs []error
	if s.presence != nil {
		s.presence.Close()
	}
	if s.sync != nil {
		if err := s.sync.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect: %w", err))
		}
	}
	if s.peers != nil {
		s.peers.CloseAll()
	}
	if s.local != nil {
		s.local.Stop()
	}
	data, err := s.store.Snapshot()
	if err == nil {
		err = s.opts.Snapshots.Save(s.room, data)
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("persist snapshot: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Session) Joined() bool { return phase(s.phase.Load()) == phaseJoined }

// Members returns the live remote presence records.
func (s *Session) Members() []presence.Record {
	if s.presence == nil {
		return nil
	}
	return s.presence.Peers()
}

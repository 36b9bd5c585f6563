package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/crdt"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/presence"
	"github.com/dkeye/Collab/internal/signaling"
	"github.com/dkeye/Collab/internal/wire"
)

const (
	DefaultFlushInterval       = time.Second
	DefaultQueueLimit          = 10000
	DefaultAntiEntropyInterval = 30 * time.Second
	// DefaultMaxReplyBytes keeps sync replies under the data channel
	// message size and far under the relay read limit.
	DefaultMaxReplyBytes = 60 << 10
)

var ErrNotConnected = errors.New("sync not connected")

type SyncOptions struct {
	FlushInterval time.Duration
	// QueueLimit bounds operations held while the link is down; the oldest
	// are dropped first and recovered by anti-entropy.
	QueueLimit int
	// AntiEntropyInterval is how often a digest sync request goes out
	// once a log is set.
	AntiEntropyInterval time.Duration
	// MaxReplyBytes bounds one sync-reply frame; larger logs are split.
	// A single operation above the bound is still sent on its own.
	MaxReplyBytes int
}

// Sync speaks the envelope protocol over a Link. Operations that cannot
// be published are queued and re-sent in order once the link recovers.
// With a log set, Sync also runs anti-entropy. Sync requests carry a
// digest of the local log; a peer whose log differs replies with its own
// and asks back, so missing operations flow both ways. Requests go out on
// connect, after every recovery and periodically, so frames lost after a
// successful publish still arrive.
type Sync struct {
	link Link
	self domain.PeerID
	opts SyncOptions

	mu        sync.Mutex
	room      domain.RoomID
	connected bool
	down      bool
	cancel    context.CancelFunc
	done      chan struct{}
	kick      chan struct{}

	// opMu orders operation publishes against the flush loop.
	opMu  sync.Mutex
	queue [][]byte

	onOp          func(crdt.Operation)
	onPresence    func(presence.Record)
	onBye         func(presence.Record)
	onSignal      func(signaling.Message)
	onSyncRequest func(domain.PeerID)
	log           func() []crdt.Operation

	logger zerolog.Logger
}

func NewSync(link Link, self domain.PeerID, opts SyncOptions) *Sync {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.QueueLimit <= 0 {
		opts.QueueLimit = DefaultQueueLimit
	}
	if opts.AntiEntropyInterval <= 0 {
		opts.AntiEntropyInterval = DefaultAntiEntropyInterval
	}
	if opts.MaxReplyBytes <= 0 {
		opts.MaxReplyBytes = DefaultMaxReplyBytes
	}
	return &Sync{
		link:   link,
		self:   self,
		opts:   opts,
		kick:   make(chan struct{}, 1),
		logger: log.With().Str("module", "transport").Str("self", string(self)).Logger(),
	}
}

// Callback setters; set them before Connect.

func (s *Sync) OnOperationReceived(fn func(crdt.Operation)) { s.onOp = fn }
func (s *Sync) OnPresenceReceived(fn func(presence.Record)) { s.onPresence = fn }
func (s *Sync) OnByeReceived(fn func(presence.Record))      { s.onBye = fn }
func (s *Sync) OnSignalReceived(fn func(signaling.Message)) { s.onSignal = fn }
func (s *Sync) OnSyncRequested(fn func(from domain.PeerID)) { s.onSyncRequest = fn }

// SetLog gives Sync the replica's applied operations; Sync then answers
// sync requests itself.
func (s *Sync) SetLog(fn func() []crdt.Operation) { s.log = fn }

func (s *Sync) Connect(ctx context.Context, room domain.RoomID) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return fmt.Errorf("sync already connected to %s", s.room)
	}
	s.room = room
	s.mu.Unlock()

	s.logger = s.logger.With().Str("room", string(room)).Logger()
	s.link.OnFrame(s.receive)
	if err := s.link.Open(ctx, room); err != nil {
		return fmt.Errorf("open link for %s: %w", room, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.connected = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()
	go s.flushLoop(loopCtx)

	s.logger.Info().Msg("sync connected")
	if err := s.RequestSync(); err != nil {
		s.logger.Debug().Err(err).Msg("initial sync request deferred")
	}
	return nil
}

// Disconnect stops the flush loop and closes the link. Queued operations
// are dropped; the replica log still holds them. It is idempotent.
func (s *Sync) Disconnect() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	err := s.link.Close()

	s.opMu.Lock()
	dropped := len(s.queue)
	s.queue = nil
	s.opMu.Unlock()
	s.logger.Info().Int("dropped", dropped).Msg("sync disconnected")
	return err
}

func (s *Sync) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Pending reports how many operations wait for the link.
func (s *Sync) Pending() int {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return len(s.queue)
}

func (s *Sync) envelope(t wire.Type) (wire.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return wire.Envelope{}, ErrNotConnected
	}
	return wire.Envelope{Type: t, Room: s.room, From: s.self}, nil
}

// BroadcastOperation publishes op, or queues it while the link is down.
func (s *Sync) BroadcastOperation(op crdt.Operation) error {
	env, err := s.envelope(wire.TypeOp)
	if err != nil {
		return err
	}
	env.Op = &op
	frame, err := wire.Encode(env)
	if err != nil {
		return err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if len(s.queue) == 0 {
		err = s.publish(frame)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTransportUnavailable) {
			return err
		}
	}
	s.enqueueLocked(frame)
	return nil
}

func (s *Sync) enqueueLocked(frame []byte) {
	if len(s.queue) >= s.opts.QueueLimit {
		s.queue = s.queue[1:]
		s.logger.Warn().Int("limit", s.opts.QueueLimit).Msg("op queue full, oldest dropped")
	}
	s.queue = append(s.queue, frame)
}

func (s *Sync) BroadcastPresence(r presence.Record) error {
	env, err := s.envelope(wire.TypePresence)
	if err != nil {
		return err
	}
	env.Presence = &r
	return s.send(env)
}

func (s *Sync) BroadcastBye(r presence.Record) error {
	env, err := s.envelope(wire.TypeBye)
	if err != nil {
		return err
	}
	env.Presence = &r
	return s.send(env)
}

func (s *Sync) SendSignal(m signaling.Message) error {
	env, err := s.envelope(wire.TypeSignal)
	if err != nil {
		return err
	}
	env.To = m.To
	env.Signal = &m
	return s.send(env)
}

// RequestSync asks every peer for its operation log. With a log set the
// request carries its digest and only peers holding a different log answer.
func (s *Sync) RequestSync() error {
	return s.requestSync("")
}

func (s *Sync) requestSync(to domain.PeerID) error {
	env, err := s.envelope(wire.TypeSyncRequest)
	if err != nil {
		return err
	}
	env.To = to
	if s.log != nil {
		d := wire.DigestOf(s.log())
		env.Digest = &d
	}
	return s.send(env)
}

// ReplySync sends ops to peer, or to every peer when to is empty, split
// into frames of at most MaxReplyBytes.
func (s *Sync) ReplySync(to domain.PeerID, ops []crdt.Operation) error {
	env, err := s.envelope(wire.TypeSyncReply)
	if err != nil {
		return err
	}
	env.To = to
	frames, err := s.replyFrames(env, ops)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := s.publish(f); err != nil {
			return fmt.Errorf("sync reply: %w", err)
		}
	}
	return nil
}

// replyFrames encodes ops, halving batches until each frame fits.
func (s *Sync) replyFrames(env wire.Envelope, ops []crdt.Operation) ([][]byte, error) {
	env.Ops = ops
	frame, err := wire.Encode(env)
	if err != nil {
		return nil, err
	}
	if len(frame) <= s.opts.MaxReplyBytes || len(ops) <= 1 {
		if len(frame) > s.opts.MaxReplyBytes {
			s.logger.Warn().Int("bytes", len(frame)).Str("op", ops[0].ID.String()).Msg("oversized operation in sync reply")
		}
		return [][]byte{frame}, nil
	}
	mid := len(ops) / 2
	head, err := s.replyFrames(env, ops[:mid])
	if err != nil {
		return nil, err
	}
	tail, err := s.replyFrames(env, ops[mid:])
	if err != nil {
		return nil, err
	}
	return append(head, tail...), nil
}

// answerSyncRequest replies when the requester's log differs from ours.
// An unaddressed request is also answered with a request back, so the
// requester pushes what we lack.
func (s *Sync) answerSyncRequest(env wire.Envelope) {
	ops := s.log()
	if env.Digest != nil && *env.Digest == wire.DigestOf(ops) {
		return
	}
	if len(ops) > 0 {
		if err := s.ReplySync(env.From, ops); err != nil {
			s.logger.Debug().Err(err).Str("remote", string(env.From)).Msg("sync reply")
		}
	}
	if env.Digest != nil && env.To == "" {
		if err := s.requestSync(env.From); err != nil {
			s.logger.Debug().Err(err).Str("remote", string(env.From)).Msg("sync request back")
		}
	}
}

func (s *Sync) send(env wire.Envelope) error {
	frame, err := wire.Encode(env)
	if err != nil {
		return err
	}
	return s.publish(frame)
}

// publish tracks link health: a success after a failure is a recovery.
func (s *Sync) publish(frame []byte) error {
	err := s.link.Publish(frame)
	s.mu.Lock()
	wasDown := s.down
	s.down = err != nil && errors.Is(err, ErrTransportUnavailable)
	s.mu.Unlock()
	switch {
	case err == nil && wasDown:
		s.logger.Info().Msg("link recovered")
		s.poke()
	case err != nil && !wasDown:
		s.logger.Warn().Err(err).Msg("link down")
	}
	return err
}

func (s *Sync) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Sync) flushLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	entropy := time.NewTicker(s.opts.AntiEntropyInterval)
	defer entropy.Stop()
	recovering := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
			recovering = true
		case <-entropy.C:
			if s.log != nil {
				if err := s.RequestSync(); err != nil {
					s.logger.Debug().Err(err).Msg("periodic sync request")
				}
			}
		}
		flushed, ok := s.flush()
		if flushed > 0 {
			recovering = true
		}
		if !ok {
			continue
		}
		if recovering {
			recovering = false
			if flushed > 0 {
				s.logger.Info().Int("ops", flushed).Msg("queued ops flushed")
			}
			if err := s.RequestSync(); err != nil {
				s.logger.Debug().Err(err).Msg("sync request after recovery")
				recovering = true
			}
		}
	}
}

// flush re-publishes queued operations in order and reports whether the
// queue drained.
func (s *Sync) flush() (int, bool) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	n := 0
	for len(s.queue) > 0 {
		if err := s.publish(s.queue[0]); err != nil {
			return n, false
		}
		s.queue = s.queue[1:]
		n++
	}
	return n, true
}

func (s *Sync) receive(frame []byte) {
	env, err := wire.Decode(frame)
	if err != nil {
		s.logger.Warn().Err(err).Int("bytes", len(frame)).Msg("dropping frame")
		return
	}
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if env.From == s.self || env.Room != room {
		return
	}
	if env.To != "" && env.To != s.self {
		return
	}

	switch env.Type {
	case wire.TypeOp:
		if s.onOp != nil {
			s.onOp(*env.Op)
		}
	case wire.TypePresence:
		if s.onPresence != nil {
			s.onPresence(*env.Presence)
		}
	case wire.TypeBye:
		if s.onBye != nil {
			s.onBye(*env.Presence)
		}
	case wire.TypeSignal:
		if s.onSignal != nil {
			s.onSignal(*env.Signal)
		}
	case wire.TypeSyncRequest:
		if s.log != nil {
			s.answerSyncRequest(env)
		}
		if s.onSyncRequest != nil {
			s.onSyncRequest(env.From)
		}
	case wire.TypeSyncReply:
		s.logger.Debug().Str("from", string(env.From)).Int("ops", len(env.Ops)).Msg("sync reply")
		if s.onOp != nil {
			for _, op := range env.Ops {
				s.onOp(op)
			}
		}
	}
}

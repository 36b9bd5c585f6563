package presence

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/domain"
)

const (
	DefaultWindow  = 30 * time.Second
	DefaultRefresh = 15 * time.Second
)

var ErrClosed = errors.New("presence channel closed")

type Cursor struct {
	Container string `json:"container,omitempty"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
}

// Record is ephemeral per-peer metadata. It is replaced wholesale on every
// update; Timestamp (unix millis) orders updates from the same peer.
type Record struct {
	Room        domain.RoomID `json:"roomId" validate:"required"`
	PeerID      domain.PeerID `json:"peerId" validate:"required"`
	DisplayName string        `json:"displayName"`
	Color       string        `json:"color"`
	Cursor      *Cursor       `json:"cursor,omitempty"`
	Timestamp   int64         `json:"timestamp" validate:"required"`
}

type EventKind int

const (
	PeerJoined EventKind = iota
	PeerUpdated
	PeerLeft
)

func (k EventKind) String() string {
	switch k {
	case PeerJoined:
		return "joined"
	case PeerUpdated:
		return "updated"
	case PeerLeft:
		return "left"
	}
	return "unknown"
}

type Event struct {
	Kind   EventKind
	Record Record
}

// Publisher disseminates presence to the room.
type Publisher interface {
	BroadcastPresence(Record) error
	BroadcastBye(Record) error
}

type Options struct {
	Window  time.Duration
	Refresh time.Duration
	Now     func() time.Time
}

type entry struct {
	record   Record
	lastSeen time.Time
}

// Channel tracks the room's presence records. Liveness is measured with
// the local clock at receipt; a peer not refreshed within the window is
// evicted and reported as left.
type Channel struct {
	mu       sync.Mutex
	room     domain.RoomID
	self     domain.PeerID
	pub      Publisher
	local    *Record
	peers    map[domain.PeerID]*entry
	last     map[domain.PeerID]int64 // newest timestamp ever seen, survives eviction
	handlers []func(Event)
	closed   bool

	window  time.Duration
	refresh time.Duration
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	logger zerolog.Logger
}

func NewChannel(room domain.RoomID, self domain.PeerID, pub Publisher, opts Options) *Channel {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Refresh <= 0 {
		opts.Refresh = DefaultRefresh
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Channel{
		room:    room,
		self:    self,
		pub:     pub,
		peers:   make(map[domain.PeerID]*entry),
		last:    make(map[domain.PeerID]int64),
		window:  opts.Window,
		refresh: opts.Refresh,
		now:     opts.Now,
		logger: log.With().
			Str("module", "presence").
			Str("room", string(room)).
			Str("peer", string(self)).
			Logger(),
	}
}

// OnPeerUpdated registers a callback for remote joins, changes and leaves.
func (c *Channel) OnPeerUpdated(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// Start runs the refresh and eviction loop until ctx is done or Close.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil || c.closed {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	sweep := max(c.window/6, 10*time.Millisecond)
	go c.loop(ctx, sweep)
}

func (c *Channel) loop(ctx context.Context, sweepEvery time.Duration) {
	defer close(c.done)
	refresh := time.NewTicker(c.refresh)
	defer refresh.Stop()
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			if err := c.republish(); err != nil {
				c.logger.Debug().Err(err).Msg("presence refresh not delivered")
			}
		case <-sweep.C:
			c.Sweep()
		}
	}
}

// PublishLocal replaces and broadcasts the local record.
func (c *Channel) PublishLocal(rec Record) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	rec.Room = c.room
	rec.PeerID = c.self
	rec.Timestamp = c.stampLocked()
	c.local = &rec
	c.mu.Unlock()
	if err := c.pub.BroadcastPresence(rec); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

// UpdateCursor republishes the local record with a new cursor.
func (c *Channel) UpdateCursor(cur *Cursor) error {
	c.mu.Lock()
	if c.local == nil {
		c.mu.Unlock()
		return errors.New("no local presence published")
	}
	rec := *c.local
	c.mu.Unlock()
	rec.Cursor = cur
	return c.PublishLocal(rec)
}

func (c *Channel) republish() error {
	c.mu.Lock()
	if c.local == nil || c.closed {
		c.mu.Unlock()
		return nil
	}
	rec := *c.local
	rec.Timestamp = c.stampLocked()
	c.local = &rec
	c.mu.Unlock()
	return c.pub.BroadcastPresence(rec)
}

// stampLocked returns a strictly increasing local timestamp.
func (c *Channel) stampLocked() int64 {
	ts := c.now().UnixMilli()
	if c.local != nil && ts <= c.local.Timestamp {
		ts = c.local.Timestamp + 1
	}
	return ts
}

// Local returns the local record, if one was published.
func (c *Channel) Local() (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return Record{}, false
	}
	return *c.local, true
}

// Apply merges a remote record. Records not newer than the last one seen
// from that peer are ignored, so replays never refresh or resurrect a peer.
// A peer that is not live is only admitted by a record stamped within the
// liveness window.
func (c *Channel) Apply(rec Record) {
	if rec.PeerID == c.self || rec.Room != c.room {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if last, ok := c.last[rec.PeerID]; ok && rec.Timestamp <= last {
		c.mu.Unlock()
		return
	}
	now := c.now()
	kind := PeerUpdated
	if _, ok := c.peers[rec.PeerID]; !ok {
		if now.UnixMilli()-rec.Timestamp > c.window.Milliseconds() {
			c.mu.Unlock()
			c.logger.Debug().Str("remote", string(rec.PeerID)).Int64("timestamp", rec.Timestamp).Msg("stale presence ignored")
			return
		}
		kind = PeerJoined
	}
	c.last[rec.PeerID] = rec.Timestamp
	c.peers[rec.PeerID] = &entry{record: rec, lastSeen: now}
	c.mu.Unlock()

	if kind == PeerJoined {
		c.logger.Info().Str("remote", string(rec.PeerID)).Msg("peer joined")
	}
	c.emit(Event{Kind: kind, Record: rec})
}

// Bye removes a peer that announced its departure.
func (c *Channel) Bye(rec Record) {
	if rec.PeerID == c.self {
		return
	}
	c.mu.Lock()
	if last, ok := c.last[rec.PeerID]; !ok || rec.Timestamp > last {
		c.last[rec.PeerID] = rec.Timestamp
	}
	e, ok := c.peers[rec.PeerID]
	if ok {
		delete(c.peers, rec.PeerID)
	}
	c.mu.Unlock()
	if ok {
		c.logger.Info().Str("remote", string(rec.PeerID)).Msg("peer said bye")
		c.emit(Event{Kind: PeerLeft, Record: e.record})
	}
}

// Sweep evicts every record older than the liveness window.
func (c *Channel) Sweep() []domain.PeerID {
	now := c.now()
	var gone []Record
	c.mu.Lock()
	for id, e := range c.peers {
		if now.Sub(e.lastSeen) > c.window {
			gone = append(gone, e.record)
			delete(c.peers, id)
		}
	}
	c.mu.Unlock()

	ids := make([]domain.PeerID, 0, len(gone))
	for _, rec := range gone {
		c.logger.Info().Str("remote", string(rec.PeerID)).Msg("peer expired")
		c.emit(Event{Kind: PeerLeft, Record: rec})
		ids = append(ids, rec.PeerID)
	}
	return ids
}

// Peers returns the live remote records ordered by peer id.
func (c *Channel) Peers() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.peers))
	for _, e := range c.peers {
		out = append(out, e.record)
	}
	slices.SortFunc(out, func(a, b Record) int {
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

func (c *Channel) emit(ev Event) {
	c.mu.Lock()
	handlers := slices.Clone(c.handlers)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// Close stops the loop and tells the room we are gone. Safe to call twice.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel, done := c.cancel, c.done
	var bye *Record
	if c.local != nil {
		rec := *c.local
		rec.Timestamp = c.stampLocked()
		bye = &rec
	}
	c.peers = make(map[domain.PeerID]*entry)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if bye != nil {
		if err := c.pub.BroadcastBye(*bye); err != nil {
			c.logger.Debug().Err(err).Msg("bye not delivered")
		}
	}
}

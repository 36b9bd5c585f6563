package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/domain"
)

var (
	ErrNotAcquired  = errors.New("room not acquired")
	ErrKindMismatch = errors.New("room already open with another kind")
)

type registryEntry struct {
	session *Session
	refs    int
	ready   chan struct{}
	err     error
	// leaving is set while the last release runs Leave and closed once
	// the session is gone.
	leaving chan struct{}
}

// Registry hands out one Session per room id. Consumers of the same room
// share the session; it leaves the room when the last one releases it.
type Registry struct {
	opts Options

	mu    sync.Mutex
	rooms map[domain.RoomID]*registryEntry
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:  opts,
		rooms: make(map[domain.RoomID]*registryEntry),
	}
}

// Acquire joins room, or shares the session already open for it. The
// identity of the first consumer is the one the room sees. A room still
// leaving is waited for, so two sessions never hold the same room.
func (r *Registry) Acquire(ctx context.Context, room domain.RoomID, id domain.Identity, kind domain.RoomKind) (*Session, error) {
	r.mu.Lock()
	for {
		e, ok := r.rooms[room]
		if !ok || e.leaving == nil {
			break
		}
		leaving := e.leaving
		r.mu.Unlock()
		select {
		case <-leaving:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		r.mu.Lock()
	}
	if e, ok := r.rooms[room]; ok {
		if e.session.Kind() != kind {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is a %s room", ErrKindMismatch, room, e.session.Kind())
		}
		e.refs++
		r.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			r.drop(room, e)
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		log.Info().Str("module", "app.registry").Str("room", string(room)).Int("refs", r.Refs(room)).Msg("shared session")
		return e.session, nil
	}

	e := &registryEntry{
		session: NewSession(room, id, kind, r.opts),
		refs:    1,
		ready:   make(chan struct{}),
	}
	r.rooms[room] = e
	r.mu.Unlock()

	e.err = e.session.Join(ctx)
	close(e.ready)
	if e.err != nil {
		r.mu.Lock()
		if r.rooms[room] == e {
			delete(r.rooms, room)
		}
		r.mu.Unlock()
		log.Warn().Str("module", "app.registry").Str("room", string(room)).Err(e.err).Msg("join failed")
		return nil, e.err
	}
	log.Info().Str("module", "app.registry").Str("room", string(room)).Str("kind", string(kind)).Msg("opened session")
	return e.session, nil
}

// drop gives back a reference taken by a waiter that gave up.
func (r *Registry) drop(room domain.RoomID, e *registryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room] == e && e.refs > 0 {
		e.refs--
	}
}

// Release gives back one reference; the last one leaves the room.
func (r *Registry) Release(ctx context.Context, room domain.RoomID) error {
	r.mu.Lock()
	e, ok := r.rooms[room]
	if !ok || e.leaving != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotAcquired, room)
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	e.leaving = make(chan struct{})
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("room", string(room)).Msg("closing session")
	return r.leave(ctx, room, e)
}

// leave runs Leave for an entry marked leaving, then frees the room id.
func (r *Registry) leave(ctx context.Context, room domain.RoomID, e *registryEntry) error {
	<-e.ready
	err := e.session.Leave(ctx)
	r.mu.Lock()
	if r.rooms[room] == e {
		delete(r.rooms, room)
	}
	r.mu.Unlock()
	close(e.leaving)
	return err
}

func (r *Registry) Refs(room domain.RoomID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.rooms[room]; ok && e.leaving == nil {
		return e.refs
	}
	return 0
}

type RoomInfo struct {
	Room domain.RoomID
	Kind domain.RoomKind
	Refs int
}

func (r *Registry) Rooms() []RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for id, e := range r.rooms {
		if e.leaving != nil {
			continue
		}
		out = append(out, RoomInfo{Room: id, Kind: e.session.Kind(), Refs: e.refs})
	}
	slices.SortFunc(out, func(a, b RoomInfo) int {
		switch {
		case a.Room < b.Room:
			return -1
		case a.Room > b.Room:
			return 1
		}
		return 0
	})
	return out
}

// Close leaves every room regardless of outstanding references and waits
// for rooms already leaving.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	owned := make(map[domain.RoomID]*registryEntry)
	var pending []chan struct{}
	for room, e := range r.rooms {
		if e.leaving != nil {
			pending = append(pending, e.leaving)
			continue
		}
		e.leaving = make(chan struct{})
		owned[room] = e
	}
	r.mu.Unlock()

	var errs []error
	for room, e := range owned {
		errs = append(errs, r.leave(ctx, room, e))
	}
	for _, ch := range pending {
		<-ch
	}
	return errors.Join(errs...)
}

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/domain"
)

const inboxSize = 4096

// Bus is an in-process broker: every open link of a room receives the
// frames published by the others.
type Bus struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]map[*MemoryLink]struct{}
}

func NewBus() *Bus {
	return &Bus{rooms: make(map[domain.RoomID]map[*MemoryLink]struct{})}
}

func (b *Bus) Link() *MemoryLink {
	return &MemoryLink{bus: b, online: true}
}

func (b *Bus) join(room domain.RoomID, l *MemoryLink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.rooms[room]
	if !ok {
		members = make(map[*MemoryLink]struct{})
		b.rooms[room] = members
	}
	members[l] = struct{}{}
}

func (b *Bus) leave(room domain.RoomID, l *MemoryLink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rooms[room], l)
	if len(b.rooms[room]) == 0 {
		delete(b.rooms, room)
	}
}

func (b *Bus) deliver(room domain.RoomID, from *MemoryLink, frame []byte) {
	b.mu.Lock()
	targets := make([]*MemoryLink, 0, len(b.rooms[room]))
	for l := range b.rooms[room] {
		if l != from {
			targets = append(targets, l)
		}
	}
	b.mu.Unlock()
	for _, l := range targets {
		l.push(frame)
	}
}

// MemoryLink is a Link on a Bus. SetOnline(false) simulates a network
// partition: publishes fail and nothing is received.
type MemoryLink struct {
	bus *Bus

	mu      sync.Mutex
	room    domain.RoomID
	online  bool
	open    bool
	inbox   chan []byte
	done    chan struct{}
	onFrame func([]byte)
}

func (l *MemoryLink) Open(_ context.Context, room domain.RoomID) error {
	l.mu.Lock()
	if l.open {
		l.mu.Unlock()
		return fmt.Errorf("memory link already open for %s", l.room)
	}
	l.room = room
	l.open = true
	l.inbox = make(chan []byte, inboxSize)
	l.done = make(chan struct{})
	inbox, done, fn := l.inbox, l.done, l.onFrame
	l.mu.Unlock()

	l.bus.join(room, l)
	go func() {
		for {
			select {
			case <-done:
				return
			case f := <-inbox:
				if fn != nil {
					fn(f)
				}
			}
		}
	}()
	return nil
}

func (l *MemoryLink) push(frame []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open || !l.online {
		return
	}
	select {
	case l.inbox <- append([]byte(nil), frame...):
	default:
		log.Warn().Str("module", "transport").Str("room", string(l.room)).Msg("memory inbox full, frame dropped")
	}
}

func (l *MemoryLink) Publish(frame []byte) error {
	l.mu.Lock()
	room, ok := l.room, l.open && l.online
	l.mu.Unlock()
	if !ok {
		return ErrTransportUnavailable
	}
	l.bus.deliver(room, l, frame)
	return nil
}

func (l *MemoryLink) OnFrame(fn func([]byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onFrame = fn
}

func (l *MemoryLink) SetOnline(online bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.online = online
}

func (l *MemoryLink) Close() error {
	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return nil
	}
	l.open = false
	close(l.done)
	room := l.room
	l.mu.Unlock()
	l.bus.leave(room, l)
	return nil
}

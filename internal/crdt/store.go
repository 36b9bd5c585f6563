package crdt

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/domain"
)

type ContainerKind string

const (
	KindSequence ContainerKind = "sequence"
	KindMap      ContainerKind = "map"
	KindText     ContainerKind = "text"
)

// Schema names the shared containers of a room and their kinds.
type Schema map[string]ContainerKind

// Args are the arguments of a local mutation; which fields matter depends
// on the operation kind.
type Args struct {
	Index  int
	Length int
	Key    string
	Value  any
	Text   string
}

// Store is the replica of one room's shared containers. All entry points
// are safe for concurrent use; change callbacks run outside the lock.
type Store struct {
	mu      sync.Mutex
	room    domain.RoomID
	replica domain.ReplicaID
	clock   uint64
	schema  Schema

	seqs  map[string]*sequence[Value]
	texts map[string]*sequence[rune]
	maps  map[string]*lwwMap

	seen map[CausalID]struct{}
	log  map[string][]Operation

	handlers []func(container string)
	logger   zerolog.Logger
}

func NewStore(room domain.RoomID, replica domain.ReplicaID, schema Schema) *Store {
	s := &Store{
		room:    room,
		replica: replica,
		schema:  maps.Clone(schema),
		seqs:    make(map[string]*sequence[Value]),
		texts:   make(map[string]*sequence[rune]),
		maps:    make(map[string]*lwwMap),
		seen:    make(map[CausalID]struct{}),
		log:     make(map[string][]Operation),
		logger: log.With().
			Str("module", "crdt").
			Str("room", string(room)).
			Str("replica", string(replica)).
			Logger(),
	}
	for name, kind := range schema {
		switch kind {
		case KindSequence:
			s.seqs[name] = newSequence[Value]()
		case KindText:
			s.texts[name] = newSequence[rune]()
		case KindMap:
			s.maps[name] = newLWWMap()
		}
	}
	return s
}

func (s *Store) Room() domain.RoomID       { return s.room }
func (s *Store) Replica() domain.ReplicaID { return s.replica }
func (s *Store) Schema() Schema            { return maps.Clone(s.schema) }

// OnChange registers a callback raised after a container changed.
func (s *Store) OnChange(fn func(container string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

// ApplyLocal builds an operation with a fresh causal id, applies it and
// returns it for broadcast.
func (s *Store) ApplyLocal(container string, kind OpKind, args Args) (Operation, error) {
	s.mu.Lock()
	op, err := s.buildLocked(container, kind, args)
	if err == nil {
		s.integrateLocked(op)
	}
	s.mu.Unlock()
	if err != nil {
		return Operation{}, err
	}
	s.notify(container)
	return op, nil
}

func (s *Store) Insert(container string, index int, value any) (Operation, error) {
	return s.ApplyLocal(container, OpInsert, Args{Index: index, Value: value})
}

func (s *Store) Delete(container string, index, length int) (Operation, error) {
	return s.ApplyLocal(container, OpDelete, Args{Index: index, Length: length})
}

func (s *Store) Set(container, key string, value any) (Operation, error) {
	return s.ApplyLocal(container, OpMapSet, Args{Key: key, Value: value})
}

func (s *Store) Remove(container, key string) (Operation, error) {
	return s.ApplyLocal(container, OpMapDelete, Args{Key: key})
}

func (s *Store) InsertText(container string, index int, text string) (Operation, error) {
	return s.ApplyLocal(container, OpTextInsert, Args{Index: index, Text: text})
}

func (s *Store) DeleteText(container string, index, length int) (Operation, error) {
	return s.ApplyLocal(container, OpTextDelete, Args{Index: index, Length: length})
}

func (s *Store) buildLocked(container string, kind OpKind, args Args) (Operation, error) {
	ck, ok := s.schema[container]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %q", ErrUnknownContainer, container)
	}
	if kind.Container() != ck {
		return Operation{}, fmt.Errorf("%w: %s on %s %q", ErrKindMismatch, kind, ck, container)
	}
	op := Operation{
		Room:      s.room,
		Container: container,
		Kind:      kind,
		ID:        CausalID{Counter: s.clock + 1, Replica: string(s.replica)},
	}
	length := args.Length
	if length == 0 {
		length = 1
	}
	var err error
	switch kind {
	case OpInsert:
		op.Payload.After, err = s.seqs[container].anchor(args.Index)
		if err == nil {
			op.Payload.Value, err = NewValue(args.Value)
		}
	case OpDelete:
		op.Payload.Targets, err = s.seqs[container].targets(args.Index, length)
	case OpTextInsert:
		if args.Text == "" {
			return Operation{}, fmt.Errorf("%w: empty text", ErrMalformed)
		}
		op.Payload.Text = args.Text
		op.Payload.After, err = s.texts[container].anchor(args.Index)
	case OpTextDelete:
		op.Payload.Targets, err = s.texts[container].targets(args.Index, length)
	case OpMapSet:
		op.Payload.Key = args.Key
		op.Payload.Value, err = NewValue(args.Value)
	case OpMapDelete:
		op.Payload.Key = args.Key
	}
	if err != nil {
		return Operation{}, fmt.Errorf("%s %q: %w", kind, container, err)
	}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// ApplyRemote integrates an operation received from another replica.
// Duplicates are ignored silently; malformed operations are dropped with a
// warning and reported, and never touch replica state.
func (s *Store) ApplyRemote(op Operation) error {
	if err := s.check(op); err != nil {
		s.logger.Warn().Err(err).Str("op", op.ID.String()).Str("container", op.Container).Msg("dropping operation")
		return err
	}
	s.mu.Lock()
	if _, dup := s.seen[op.ID]; dup {
		s.mu.Unlock()
		return nil
	}
	s.integrateLocked(op)
	s.mu.Unlock()
	s.notify(op.Container)
	return nil
}

func (s *Store) check(op Operation) error {
	if op.Room != s.room {
		return fmt.Errorf("%w: room %q", ErrMalformed, op.Room)
	}
	ck, ok := s.schema[op.Container]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownContainer, op.Container)
	}
	if op.Kind.Container() != ck {
		return fmt.Errorf("%w: %s on %s", ErrKindMismatch, op.Kind, ck)
	}
	return op.Validate()
}

func (s *Store) integrateLocked(op Operation) {
	p := op.Payload
	var after CausalID
	if p.After != nil {
		after = *p.After
	}
	switch op.Kind {
	case OpInsert:
		s.seqs[op.Container].insert(op.ID, after, p.Value)
	case OpDelete:
		for _, t := range p.Targets {
			s.seqs[op.Container].remove(t)
		}
	case OpTextInsert:
		seq := s.texts[op.Container]
		i := 0
		for _, r := range p.Text {
			id := op.ID.offset(i)
			seq.insert(id, after, r)
			after = id
			i++
		}
	case OpTextDelete:
		for _, t := range p.Targets {
			s.texts[op.Container].remove(t)
		}
	case OpMapSet:
		s.maps[op.Container].apply(p.Key, op.ID, p.Value, false)
	case OpMapDelete:
		s.maps[op.Container].apply(p.Key, op.ID, nil, true)
	}
	s.seen[op.ID] = struct{}{}
	s.log[op.Container] = append(s.log[op.Container], op)
	if last := op.Last(); last > s.clock {
		s.clock = last
	}
}

func (s *Store) notify(container string) {
	s.mu.Lock()
	handlers := slices.Clone(s.handlers)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(container)
	}
}

// Materialize returns a read-only snapshot of a container: []Value for a
// sequence, map[string]Value for a map, string for text.
func (s *Store) Materialize(container string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.schema[container] {
	case KindSequence:
		return s.seqs[container].values(), nil
	case KindMap:
		return s.maps[container].values(), nil
	case KindText:
		return string(s.texts[container].values()), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownContainer, container)
}

func (s *Store) Sequence(container string) ([]Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.seqs[container]
	if !ok {
		return nil, fmt.Errorf("%w: sequence %q", ErrUnknownContainer, container)
	}
	return seq.values(), nil
}

func (s *Store) Map(container string) (map[string]Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.maps[container]
	if !ok {
		return nil, fmt.Errorf("%w: map %q", ErrUnknownContainer, container)
	}
	return m.values(), nil
}

func (s *Store) Text(container string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.texts[container]
	if !ok {
		return "", fmt.Errorf("%w: text %q", ErrUnknownContainer, container)
	}
	return string(t.values()), nil
}

// Operations returns every operation this replica has accepted, grouped by
// container name.
func (s *Store) Operations() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := slices.Sorted(maps.Keys(s.log))
	var out []Operation
	for _, name := range names {
		out = append(out, s.log[name]...)
	}
	return out
}

// Len reports how many distinct operations the replica holds.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

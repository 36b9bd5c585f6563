package crdt

import "slices"

// element is one slot of a replicated growable array. Children anchored to
// the same element are kept sorted by descending id; the visible order is
// the pre-order walk from head, skipping tombstones.
type element[T any] struct {
	id       CausalID
	value    T
	deleted  bool
	children []*element[T]
}

type sequence[T any] struct {
	head    *element[T]
	index   map[CausalID]*element[T]
	pending map[CausalID][]*element[T] // waiting for their anchor
	buried  map[CausalID]struct{}      // deletes that arrived before the insert
	cache   []*element[T]
}

func newSequence[T any]() *sequence[T] {
	return &sequence[T]{
		head:    &element[T]{},
		index:   make(map[CausalID]*element[T]),
		pending: make(map[CausalID][]*element[T]),
		buried:  make(map[CausalID]struct{}),
	}
}

func (s *sequence[T]) insert(id CausalID, after CausalID, value T) {
	e := &element[T]{id: id, value: value}
	if _, ok := s.index[id]; ok {
		return
	}
	parent := s.head
	if !after.IsZero() {
		p, ok := s.index[after]
		if !ok {
			s.pending[after] = append(s.pending[after], e)
			return
		}
		parent = p
	}
	s.attach(parent, e)
}

func (s *sequence[T]) attach(parent, e *element[T]) {
	type link struct{ parent, child *element[T] }
	queue := []link{{parent, e}}
	for len(queue) > 0 {
		l := queue[0]
		queue = queue[1:]
		if _, ok := s.index[l.child.id]; ok {
			continue
		}
		at, _ := slices.BinarySearchFunc(l.parent.children, l.child.id, func(c *element[T], id CausalID) int {
			switch {
			case id.Less(c.id):
				return -1
			case c.id.Less(id):
				return 1
			}
			return 0
		})
		l.parent.children = slices.Insert(l.parent.children, at, l.child)
		s.index[l.child.id] = l.child
		if _, ok := s.buried[l.child.id]; ok {
			l.child.deleted = true
			delete(s.buried, l.child.id)
		}
		for _, w := range s.pending[l.child.id] {
			queue = append(queue, link{l.child, w})
		}
		delete(s.pending, l.child.id)
	}
	s.cache = nil
}

func (s *sequence[T]) remove(id CausalID) {
	e, ok := s.index[id]
	if !ok {
		s.buried[id] = struct{}{}
		return
	}
	if !e.deleted {
		e.deleted = true
		s.cache = nil
	}
}

func (s *sequence[T]) visible() []*element[T] {
	if s.cache != nil {
		return s.cache
	}
	out := make([]*element[T], 0, len(s.index))
	stack := []*element[T]{s.head}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n != s.head && !n.deleted {
			out = append(out, n)
		}
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, n.children[i])
		}
	}
	s.cache = out
	return out
}

// anchor returns the id a new element at index must be inserted after.
func (s *sequence[T]) anchor(index int) (*CausalID, error) {
	vis := s.visible()
	if index < 0 || index > len(vis) {
		return nil, ErrOutOfRange
	}
	if index == 0 {
		return nil, nil
	}
	id := vis[index-1].id
	return &id, nil
}

func (s *sequence[T]) targets(index, length int) ([]CausalID, error) {
	vis := s.visible()
	if length <= 0 || index < 0 || index+length > len(vis) {
		return nil, ErrOutOfRange
	}
	out := make([]CausalID, 0, length)
	for _, e := range vis[index : index+length] {
		out = append(out, e.id)
	}
	return out, nil
}

func (s *sequence[T]) values() []T {
	vis := s.visible()
	out := make([]T, 0, len(vis))
	for _, e := range vis {
		out = append(out, e.value)
	}
	return out
}

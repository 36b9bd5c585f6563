package crdt

// register is a last-writer-wins cell; deletes are registers too so a
// stale set never resurrects a deleted key.
type register struct {
	id      CausalID
	value   Value
	deleted bool
}

type lwwMap struct {
	entries map[string]*register
}

func newLWWMap() *lwwMap {
	return &lwwMap{entries: make(map[string]*register)}
}

func (m *lwwMap) apply(key string, id CausalID, value Value, deleted bool) bool {
	if cur, ok := m.entries[key]; ok && !cur.id.Less(id) {
		return false
	}
	m.entries[key] = &register{id: id, value: value, deleted: deleted}
	return true
}

func (m *lwwMap) has(key string) bool {
	r, ok := m.entries[key]
	return ok && !r.deleted
}

func (m *lwwMap) values() map[string]Value {
	out := make(map[string]Value, len(m.entries))
	for k, r := range m.entries {
		if !r.deleted {
			out[k] = r.value
		}
	}
	return out
}

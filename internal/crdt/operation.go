package crdt

import (
	"errors"
	"fmt"
	"unicode/utf8"

	json "github.com/goccy/go-json"

	"github.com/dkeye/Collab/internal/domain"
)

var (
	ErrUnknownContainer = errors.New("unknown container")
	ErrKindMismatch     = errors.New("operation kind does not match container")
	ErrMalformed        = errors.New("malformed operation")
	ErrOutOfRange       = errors.New("position out of range")
)

// MaxCounter bounds causal counters so a replica clock can always advance
// and counters stay exact as JSON numbers.
const MaxCounter uint64 = 1<<53 - 1

// CausalID identifies an operation (and every element it creates) across
// all replicas. Ordering is counter first, replica id second.
type CausalID struct {
	Counter uint64 `json:"counter"`
	Replica string `json:"replicaId"`
}

func (c CausalID) IsZero() bool { return c.Counter == 0 && c.Replica == "" }

func (c CausalID) Less(o CausalID) bool {
	if c.Counter != o.Counter {
		return c.Counter < o.Counter
	}
	return c.Replica < o.Replica
}

func (c CausalID) String() string { return fmt.Sprintf("%d@%s", c.Counter, c.Replica) }

func (c CausalID) offset(n int) CausalID {
	return CausalID{Counter: c.Counter + uint64(n), Replica: c.Replica}
}

type OpKind string

const (
	OpInsert     OpKind = "insert"
	OpDelete     OpKind = "delete"
	OpMapSet     OpKind = "map-set"
	OpMapDelete  OpKind = "map-delete"
	OpTextInsert OpKind = "text-insert"
	OpTextDelete OpKind = "text-delete"
)

// Container reports which container kind an operation kind targets.
func (k OpKind) Container() ContainerKind {
	switch k {
	case OpInsert, OpDelete:
		return KindSequence
	case OpMapSet, OpMapDelete:
		return KindMap
	case OpTextInsert, OpTextDelete:
		return KindText
	}
	return ""
}

// Value is an opaque JSON-encoded element or map value.
type Value []byte

func NewValue(v any) (Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return Value(b), nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return v, nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	*v = append((*v)[0:0], data...)
	return nil
}

// Decode unmarshals the value into dst.
func (v Value) Decode(dst any) error { return json.Unmarshal(v, dst) }

type Payload struct {
	After   *CausalID  `json:"afterId,omitempty"`
	Value   Value      `json:"value,omitempty"`
	Text    string     `json:"text,omitempty"`
	Targets []CausalID `json:"targetIds,omitempty"`
	Key     string     `json:"key,omitempty"`
}

// Operation is immutable once created.
type Operation struct {
	Room      domain.RoomID `json:"roomId" validate:"required"`
	Container string        `json:"container" validate:"required"`
	Kind      OpKind        `json:"kind" validate:"required,oneof=insert delete map-set map-delete text-insert text-delete"`
	ID        CausalID      `json:"causalId"`
	Payload   Payload       `json:"payload"`
}

// span is the number of counters the operation occupies.
func (op Operation) span() int {
	if op.Kind == OpTextInsert {
		return utf8.RuneCountInString(op.Payload.Text)
	}
	return 1
}

// Last is the highest counter the operation occupies.
func (op Operation) Last() uint64 { return op.ID.Counter + uint64(op.span()) - 1 }

// Validate checks the kind-specific payload shape.
func (op Operation) Validate() error {
	if op.ID.Counter == 0 || op.ID.Replica == "" {
		return fmt.Errorf("%w: missing causal id", ErrMalformed)
	}
	if op.Container == "" {
		return fmt.Errorf("%w: missing container", ErrMalformed)
	}
	p := op.Payload
	switch op.Kind {
	case OpInsert:
		if len(p.Value) == 0 {
			return fmt.Errorf("%w: insert without value", ErrMalformed)
		}
	case OpTextInsert:
		if p.Text == "" || !utf8.ValidString(p.Text) {
			return fmt.Errorf("%w: text insert without valid text", ErrMalformed)
		}
	case OpDelete, OpTextDelete:
		if len(p.Targets) == 0 {
			return fmt.Errorf("%w: delete without targets", ErrMalformed)
		}
	case OpMapSet:
		if p.Key == "" || len(p.Value) == 0 {
			return fmt.Errorf("%w: map set without key or value", ErrMalformed)
		}
	case OpMapDelete:
		if p.Key == "" {
			return fmt.Errorf("%w: map delete without key", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, op.Kind)
	}
	if op.ID.Counter > MaxCounter || uint64(op.span())-1 > MaxCounter-op.ID.Counter {
		return fmt.Errorf("%w: counter %d exceeds %d", ErrMalformed, op.ID.Counter, MaxCounter)
	}
	if p.After != nil && !p.After.Less(op.ID) {
		return fmt.Errorf("%w: anchor %s not older than %s", ErrMalformed, p.After, op.ID)
	}
	return nil
}

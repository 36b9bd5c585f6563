// Package wire is the frame format every sync link carries.
package wire

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"github.com/dkeye/Collab/internal/crdt"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/presence"
	"github.com/dkeye/Collab/internal/signaling"
)

var ErrMalformed = errors.New("malformed envelope")

type Type string

const (
	TypeOp          Type = "op"
	TypePresence    Type = "presence"
	TypeBye         Type = "bye"
	TypeSignal      Type = "signal"
	TypeSyncRequest Type = "sync-request"
	TypeSyncReply   Type = "sync-reply"
)

type Envelope struct {
	Type     Type               `json:"type" validate:"required,oneof=op presence bye signal sync-request sync-reply"`
	Room     domain.RoomID      `json:"roomId" validate:"required"`
	From     domain.PeerID      `json:"from" validate:"required"`
	To       domain.PeerID      `json:"to,omitempty"`
	Op       *crdt.Operation    `json:"op,omitempty" validate:"required_if=Type op"`
	Presence *presence.Record   `json:"presence,omitempty" validate:"required_if=Type presence,required_if=Type bye"`
	Signal   *signaling.Message `json:"signal,omitempty" validate:"required_if=Type signal"`
	Ops      []crdt.Operation   `json:"ops,omitempty" validate:"dive"`
	// Digest summarizes the sender's log on sync requests.
	Digest *Digest `json:"digest,omitempty"`
}

// Digest is an order-independent summary of an operation log. Replicas
// holding the same set of operations have equal digests.
type Digest struct {
	Ops int    `json:"ops" validate:"gte=0"`
	Sum uint64 `json:"sum"`
}

func DigestOf(ops []crdt.Operation) Digest {
	d := Digest{Ops: len(ops)}
	for _, op := range ops {
		d.Sum += xxhash.Sum64String(op.ID.String())
	}
	return d
}

var validate = validator.New()

func Encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	return b, nil
}

// Decode parses and validates a frame. Nested records must belong to the
// envelope's room.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case env.Op != nil && env.Op.Room != env.Room,
		env.Presence != nil && (env.Presence.Room != env.Room || env.Presence.PeerID != env.From),
		env.Signal != nil && (env.Signal.Room != env.Room || env.Signal.From != env.From):
		return Envelope{}, fmt.Errorf("%w: nested record does not match envelope", ErrMalformed)
	}
	return env, nil
}

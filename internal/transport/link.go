// Package transport moves wire frames between the replicas of a room.
// Delivery is at-least-once and unordered; receivers deduplicate.
package transport

import (
	"context"
	"errors"

	"github.com/dkeye/Collab/internal/domain"
)

var ErrTransportUnavailable = errors.New("transport unavailable")

// Link carries raw frames for one room. Publish fails with
// ErrTransportUnavailable while the link is down.
type Link interface {
	Open(ctx context.Context, room domain.RoomID) error
	Publish(frame []byte) error
	// OnFrame must be set before Open.
	OnFrame(fn func(frame []byte))
	Close() error
}

// Fanout publishes to every link and succeeds when any of them accepts the
// frame.
type Fanout []Link

// Open opens every link; if one fails the others are closed again.
func (f Fanout) Open(ctx context.Context, room domain.RoomID) error {
	for i, l := range f {
		if err := l.Open(ctx, room); err != nil {
			for _, opened := range f[:i] {
				_ = opened.Close()
			}
			return err
		}
	}
	return nil
}

func (f Fanout) Publish(frame []byte) error {
	var errs []error
	for _, l := range f {
		if err := l.Publish(frame); err != nil {
			errs = append(errs, err)
		}
	}
	if len(f) > 0 && len(errs) < len(f) {
		return nil
	}
	return errors.Join(append([]error{ErrTransportUnavailable}, errs...)...)
}

func (f Fanout) OnFrame(fn func([]byte)) {
	for _, l := range f {
		l.OnFrame(fn)
	}
}

func (f Fanout) Close() error {
	var errs []error
	for _, l := range f {
		errs = append(errs, l.Close())
	}
	return errors.Join(errs...)
}

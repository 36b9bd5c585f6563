package app

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dkeye/Collab/internal/crdt"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/media"
	"github.com/dkeye/Collab/internal/presence"
)

// broadcast hands a freshly applied local operation to the transport.
// While offline the transport queues it.
func (s *Session) broadcast(op crdt.Operation) error {
	if !s.Joined() {
		return ErrNotJoined
	}
	if err := s.sync.BroadcastOperation(op); err != nil {
		return fmt.Errorf("broadcast %s: %w", op.Kind, err)
	}
	return nil
}

func (s *Session) SendMessage(content string, kind domain.MessageType) (domain.ChatMessage, error) {
	if !s.Joined() {
		return domain.ChatMessage{}, ErrNotJoined
	}
	if kind == "" {
		kind = domain.MessageText
	}
	msg := domain.ChatMessage{
		ID:        uuid.NewString(),
		UserID:    s.identity.PeerID,
		UserName:  s.identity.DisplayName,
		UserColor: s.identity.Color,
		Content:   content,
		Type:      kind,
		CreatedAt: time.Now().UTC(),
	}
	values, err := s.store.Sequence(ContainerMessages)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	op, err := s.store.Insert(ContainerMessages, len(values), msg)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	return msg, s.broadcast(op)
}

func (s *Session) Messages() ([]domain.ChatMessage, error) {
	values, err := s.store.Sequence(ContainerMessages)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ChatMessage, 0, len(values))
	for _, v := range values {
		var m domain.ChatMessage
		if err := v.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// AddAnnotation stores a under its id, generating one when empty.
func (s *Session) AddAnnotation(a domain.Annotation) (domain.Annotation, error) {
	if !s.Joined() {
		return domain.Annotation{}, ErrNotJoined
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.UserID == "" {
		a.UserID = s.identity.PeerID
	}
	if a.Color == "" {
		a.Color = s.identity.Color
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	op, err := s.store.Set(ContainerAnnotations, a.ID, a)
	if err != nil {
		return domain.Annotation{}, err
	}
	return a, s.broadcast(op)
}

func (s *Session) RemoveAnnotation(id string) error {
	if !s.Joined() {
		return ErrNotJoined
	}
	op, err := s.store.Remove(ContainerAnnotations, id)
	if err != nil {
		return err
	}
	return s.broadcast(op)
}

// Annotations returns the live annotations ordered by creation time.
func (s *Session) Annotations() ([]domain.Annotation, error) {
	values, err := s.store.Map(ContainerAnnotations)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Annotation, 0, len(values))
	for _, v := range values {
		var a domain.Annotation
		if err := v.Decode(&a); err != nil {
			return nil, fmt.Errorf("decode annotation: %w", err)
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(x, y domain.Annotation) int {
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		switch {
		case x.ID < y.ID:
			return -1
		case x.ID > y.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// EditPaper replaces deleteLen runes at index with insert.
func (s *Session) EditPaper(index, deleteLen int, insert string) error {
	if !s.Joined() {
		return ErrNotJoined
	}
	if deleteLen > 0 {
		op, err := s.store.DeleteText(ContainerPaper, index, deleteLen)
		if err != nil {
			return err
		}
		if err := s.broadcast(op); err != nil {
			return err
		}
	}
	if insert == "" {
		return nil
	}
	op, err := s.store.InsertText(ContainerPaper, index, insert)
	if err != nil {
		return err
	}
	return s.broadcast(op)
}

func (s *Session) Paper() (string, error) { return s.store.Text(ContainerPaper) }

func (s *Session) MoveCursor(container string, line, column int) error {
	if !s.Joined() {
		return ErrNotJoined
	}
	return s.presence.UpdateCursor(&presence.Cursor{Container: container, Line: line, Column: column})
}

func (s *Session) SetAudioMuted(muted bool) error { return s.setMuted(media.KindAudio, muted) }
func (s *Session) SetVideoMuted(muted bool) error { return s.setMuted(media.KindVideo, muted) }

func (s *Session) setMuted(kind media.Kind, muted bool) error {
	if !s.Joined() {
		return ErrNotJoined
	}
	if s.local == nil {
		return ErrNoMedia
	}
	if media.SetKindEnabled(s.local, kind, !muted) == 0 {
		return fmt.Errorf("%w: no %s track", ErrNoMedia, kind)
	}
	s.logger.Info().Str("kind", string(kind)).Bool("muted", muted).Msg("local media toggled")
	return nil
}

// SendData sends payload over the peer data channels; an empty target
// means every connected peer. Nothing is queued.
func (s *Session) SendData(payload []byte, target domain.PeerID) error {
	if !s.Joined() {
		return ErrNotJoined
	}
	if s.peers == nil {
		return ErrNoMedia
	}
	return s.peers.SendData(payload, target)
}

package domain

import "time"

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageVoice MessageType = "voice"
)

// ChatMessage is one entry of a room transcript.
type ChatMessage struct {
	ID        string      `json:"id"`
	UserID    PeerID      `json:"userId"`
	UserName  string      `json:"userName"`
	UserColor string      `json:"userColor"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	CreatedAt time.Time   `json:"createdAt"`
}

type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Annotation marks a region of a document page.
type Annotation struct {
	ID        string    `json:"id"`
	UserID    PeerID    `json:"userId"`
	Page      int       `json:"page"`
	Position  Rect      `json:"position"`
	Content   string    `json:"content"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"createdAt"`
}

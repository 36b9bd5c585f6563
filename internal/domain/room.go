package domain

import "errors"

const MaxRoomIDLen = 128

var ErrRoomIDInvalid = errors.New("invalid room id")

type RoomID string

// RoomKind selects what a session sets up on join.
type RoomKind string

const (
	// RoomDocument replicates shared state only.
	RoomDocument RoomKind = "document"
	// RoomMeeting additionally negotiates direct peer media/data links.
	RoomMeeting RoomKind = "meeting"
)

func (k RoomKind) HasMedia() bool { return k == RoomMeeting }

func ParseRoomID(s string) (RoomID, error) {
	if s == "" || len(s) > MaxRoomIDLen {
		return "", ErrRoomIDInvalid
	}
	return RoomID(s), nil
}

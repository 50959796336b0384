package session

import "errors"

var (
	// ErrConnectionNotFound is returned for operations on an unknown connection id.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrRoomNotFound is returned for operations on a room with no members.
	ErrRoomNotFound = errors.New("room not found")
	// ErrPlayerNotFound is returned when no live connection is bound to a player id.
	ErrPlayerNotFound = errors.New("player not found")
	// ErrDuplicateConnection is returned when a connection id is reused while live.
	ErrDuplicateConnection = errors.New("duplicate connection")
)

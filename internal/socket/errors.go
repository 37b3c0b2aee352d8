package socket

import "errors"

var (
	ErrEmptyRoomName      = errors.New("room name is empty after sanitization")
	ErrInvalidEvent       = errors.New("invalid event name")
	ErrReservedEvent      = errors.New("event name is reserved")
	ErrUnresolvedIdentity = errors.New("external id has no known session")
	ErrNotConnected       = errors.New("socket is not connected")
	ErrNilHandler         = errors.New("handler is nil")
)

package relay

import "errors"

var (
	// ErrRoomClosed is returned by Send, Subscribe and Subscription.Next once
	// the room has been deleted (and, for Next, the backlog drained).
	ErrRoomClosed = errors.New("room closed")
	ErrBadSignal  = errors.New("malformed signal message")
)

package store

import "errors"

var (
	// ErrAlreadyMatched is returned when an operation targets a client that is
	// already a member of an active room. Races between a client's own teardown
	// and the matchmaker pairing it are expected; callers treat this as benign.
	ErrAlreadyMatched = errors.New("client already matched")
	// ErrNotWaiting is returned by Dequeue for a client that is not in the
	// waiting pool. Idempotent teardown paths ignore it.
	ErrNotWaiting     = errors.New("client not waiting")
	ErrAlreadyWaiting = errors.New("client already waiting")
	ErrSamePeer       = errors.New("cannot pair a client with itself")
	ErrRoomExists     = errors.New("room already exists")

	ErrTooManyWaiting = errors.New("waiting pool full")
	ErrTooManyRooms   = errors.New("too many rooms")
)

package store

import (
	"time"

	"github.com/google/uuid"
)

// ClientID identifies one anonymous client for the lifetime of a session
// attempt. IDs are opaque but totally ordered by string comparison; the
// ordering is what makes room naming and initiator election deterministic on
// both sides of a pairing.
type ClientID string

// NewClientID mints a fresh random client identifier.
func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

// RoomID names the signaling scope shared by exactly two matched clients.
type RoomID string

// WaitingEntry is one client parked in the waiting pool.
type WaitingEntry struct {
	Client     ClientID
	EnqueuedAt time.Time
}

// Room records the membership of one active pairing. The evolving signal state
// lives in the relay; the store only answers "who is paired with whom".
type Room struct {
	ID        RoomID
	PeerA     ClientID
	PeerB     ClientID
	Initiator ClientID
	CreatedAt time.Time
}

// Has reports whether c is one of the room's two peers.
func (r *Room) Has(c ClientID) bool {
	return r != nil && (r.PeerA == c || r.PeerB == c)
}

// Other returns the peer paired with c.
func (r *Room) Other(c ClientID) (ClientID, bool) {
	switch {
	case r == nil:
		return "", false
	case r.PeerA == c:
		return r.PeerB, true
	case r.PeerB == c:
		return r.PeerA, true
	default:
		return "", false
	}
}

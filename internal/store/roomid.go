package store

// NewRoomID derives the room identifier for an unordered pair of clients:
// the two IDs sorted and joined with an underscore. Both peers compute the
// identical RoomID from only their own ID and their partner's, regardless of
// arrival order.
func NewRoomID(a, b ClientID) RoomID {
	lo, hi := sortPair(a, b)
	return RoomID(string(lo) + "_" + string(hi))
}

// Initiator elects which of the two peers creates the offer: the
// lexicographically smaller ClientID. Like NewRoomID it is a pure function of
// the unordered pair, so both sides agree without coordination.
func Initiator(a, b ClientID) ClientID {
	lo, _ := sortPair(a, b)
	return lo
}

func sortPair(a, b ClientID) (ClientID, ClientID) {
	if b < a {
		return b, a
	}
	return a, b
}

package relay

import (
	"encoding/json"

	"github.com/strangercast/rendezvous/internal/store"
)

type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

// SignalMessage is one negotiation message scoped to a room and implicitly
// addressed to the other peer. From is always set by the relay on Send so
// receivers can attribute (and the relay can filter) self-originated echoes.
type SignalMessage struct {
	Kind Kind
	From store.ClientID

	// SDP carries the session description for offers and answers.
	SDP string

	// Candidate carries one serialized ICE candidate for KindCandidate. The
	// relay never inspects it.
	Candidate json.RawMessage
}

func (m SignalMessage) validate() error {
	switch m.Kind {
	case KindOffer, KindAnswer:
		if m.SDP == "" || m.Candidate != nil {
			return ErrBadSignal
		}
	case KindCandidate:
		if len(m.Candidate) == 0 || m.SDP != "" {
			return ErrBadSignal
		}
	default:
		return ErrBadSignal
	}
	return nil
}

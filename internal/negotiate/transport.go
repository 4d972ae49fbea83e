package negotiate

import (
	"context"
	"encoding/json"
)

// Transport is the external peer-connection boundary. The state machine only
// routes SDP and candidate payloads through it; it never inspects media.
//
// Implementations wrap a real negotiation stack (internal/peerconn wraps
// pion) or a fake in tests.
type Transport interface {
	// CreateOffer produces the local offer SDP and installs it as the local
	// description.
	CreateOffer(ctx context.Context) (sdp string, err error)

	// CreateAnswer installs the remote offer, produces the local answer SDP
	// and installs it as the local description.
	CreateAnswer(ctx context.Context, offer string) (sdp string, err error)

	// AcceptAnswer installs the remote answer on the offering side.
	AcceptAnswer(ctx context.Context, answer string) error

	// AddRemoteCandidate applies one ICE candidate from the other peer.
	AddRemoteCandidate(candidate json.RawMessage) error

	// OnICECandidate registers the callback for locally gathered candidates.
	OnICECandidate(fn func(candidate json.RawMessage))

	// OnConnected registers the callback for the transport reaching a direct
	// connection.
	OnConnected(fn func())

	Close() error
}

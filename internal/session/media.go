package session

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrPermissionDenied is returned (wrapped) by Media.Acquire when the user or
// platform refused camera/microphone access. It is fatal to the current Start
// attempt but not to the controller.
var ErrPermissionDenied = errors.New("session: media permission denied")

// Media acquires the local capture devices. The browser peer owns its own
// media, so the server edge runs without one; the headless client plugs in a
// real source.
type Media interface {
	Acquire(ctx context.Context) (MediaStream, error)
}

// MediaStream is one acquired capture session.
type MediaStream interface {
	Tracks() []webrtc.TrackLocal
	Release()
}

package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/strangercast/rendezvous/internal/ratelimit"
	"github.com/strangercast/rendezvous/internal/relay"
	"github.com/strangercast/rendezvous/internal/store"
)

// Janitor reclaims rooms that lost both clients without a clean teardown,
// e.g. when connections die mid-handshake. A room is reclaimable once it is
// older than the idle timeout and no subscription is attached.
type Janitor struct {
	Store *store.Store
	Relay *relay.Relay
	// IdleTimeout is how long a subscriber-less room survives.
	IdleTimeout time.Duration
	Clock       ratelimit.Clock
	Logger      *slog.Logger
}

// Run sweeps periodically until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	interval := j.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := j.Sweep(); n > 0 && j.Logger != nil {
				j.Logger.Info("reclaimed idle rooms", "count", n)
			}
		}
	}
}

// Sweep reclaims all currently idle rooms and reports how many it removed.
func (j *Janitor) Sweep() int {
	clock := j.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	cutoff := clock.Now().Add(-j.IdleTimeout)
	reclaimed := 0
	for _, room := range j.Store.ListRooms() {
		if room.CreatedAt.After(cutoff) {
			continue
		}
		if j.Relay.Subscribers(room.ID) > 0 {
			continue
		}
		j.Store.DeleteRoom(room.ID)
		j.Relay.CloseRoom(room.ID)
		reclaimed++
	}
	return reclaimed
}

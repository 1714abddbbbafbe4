// Package cooldown rate-limits paint actions per (user, canvas) with a fixed
// refractory window. A stamp is an expiring key; absence means free to paint.
// There is no cancellation API, expiry is time-based only.
package cooldown

import (
	"fmt"
	"time"

	"github.com/mcdev12/paintbox/internal/kvstore"
)

// DefaultDuration is the refractory window applied when no duration is
// configured.
const DefaultDuration = 10 * time.Second

// Tracker stamps and inspects per-(user, canvas) cooldowns.
type Tracker struct {
	store    *kvstore.Store
	duration time.Duration
}

// NewTracker creates a tracker with the given window. A non-positive
// duration falls back to DefaultDuration.
func NewTracker(store *kvstore.Store, duration time.Duration) *Tracker {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Tracker{store: store, duration: duration}
}

// Stamp records a successful paint, starting the refractory window for
// (user, canvas).
func (t *Tracker) Stamp(userID, canvasID string) {
	t.store.Set(key(userID, canvasID), "1", t.duration)
}

// Remaining returns how long until (user, canvas) may paint again. Zero
// means the user is free to paint now.
func (t *Tracker) Remaining(userID, canvasID string) time.Duration {
	return t.store.TTL(key(userID, canvasID))
}

// Active reports whether a cooldown is currently in effect.
func (t *Tracker) Active(userID, canvasID string) bool {
	return t.Remaining(userID, canvasID) > 0
}

// Duration returns the configured refractory window.
func (t *Tracker) Duration() time.Duration {
	return t.duration
}

func key(userID, canvasID string) string {
	return fmt.Sprintf("cooldown:%s:%s", userID, canvasID)
}

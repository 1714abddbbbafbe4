// Package lock provides short-lived mutual-exclusion leases over named
// resources. A lease is an expiring key with the holder's token as its
// value: acquisition is create-if-absent, release is compare-and-delete, and
// the TTL recovers the resource from a crashed or stalled holder.
package lock

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/paintbox/internal/kvstore"
)

// DefaultLeaseTTL bounds how long a crashed holder can block a resource.
// Paint writes complete in well under this.
const DefaultLeaseTTL = 50 * time.Millisecond

// Coordinator grants and releases leases.
type Coordinator struct {
	store *kvstore.Store
	ttl   time.Duration
}

// Lease is an exclusively-held token for one resource. Only the holder of a
// still-live lease can release it.
type Lease struct {
	resource string
	token    string
	store    *kvstore.Store
}

// NewCoordinator creates a coordinator issuing leases with the given TTL.
// A non-positive ttl falls back to DefaultLeaseTTL.
func NewCoordinator(store *kvstore.Store, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Coordinator{store: store, ttl: ttl}
}

// Acquire attempts to take the lease for resource. It returns the lease and
// true on success, or nil and false if another holder currently owns it.
func (c *Coordinator) Acquire(resource string) (*Lease, bool) {
	token := uuid.New().String()
	if !c.store.SetNX(resource, token, c.ttl) {
		return nil, false
	}
	return &Lease{resource: resource, token: token, store: c.store}, true
}

// Release returns the lease. It reports false when the lease already expired
// and the key is absent or owned by a later acquirer; in that case nothing
// is deleted.
func (l *Lease) Release() bool {
	return l.store.CompareAndDelete(l.resource, l.token)
}

// CellKey names the lease resource for one cell of a canvas.
func CellKey(canvasID string, x, y int) string {
	return fmt.Sprintf("cell:%s:%d:%d", canvasID, x, y)
}

// ParticipantKey names the lease resource for a participant's round state.
// Same pattern as cell leases, applied to the user's own state key.
func ParticipantKey(canvasID, userID string) string {
	return fmt.Sprintf("participant:%s:%s", canvasID, userID)
}

package lock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/paintbox/internal/kvstore"
)

func TestAcquireIsExclusive(t *testing.T) {
	coord := NewCoordinator(kvstore.New(clockwork.NewFakeClock()), time.Minute)

	lease, ok := coord.Acquire(CellKey("canvas-1", 5, 5))
	require.True(t, ok)

	_, ok = coord.Acquire(CellKey("canvas-1", 5, 5))
	assert.False(t, ok)

	// A different cell is an independent resource.
	_, ok = coord.Acquire(CellKey("canvas-1", 5, 6))
	assert.True(t, ok)

	assert.True(t, lease.Release())
	_, ok = coord.Acquire(CellKey("canvas-1", 5, 5))
	assert.True(t, ok)
}

func TestExactlyOneWinnerUnderContention(t *testing.T) {
	coord := NewCoordinator(kvstore.New(clockwork.NewRealClock()), time.Minute)

	const attempts = 64
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := coord.Acquire(CellKey("canvas-1", 0, 0)); ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestReleaseAfterExpiryDoesNotStealNewLease(t *testing.T) {
	clock := clockwork.NewFakeClock()
	coord := NewCoordinator(kvstore.New(clock), 30*time.Millisecond)

	stale, ok := coord.Acquire(CellKey("canvas-1", 1, 1))
	require.True(t, ok)

	clock.Advance(30 * time.Millisecond)

	fresh, ok := coord.Acquire(CellKey("canvas-1", 1, 1))
	require.True(t, ok)

	// The stale holder's release must be a no-op against the new lease.
	assert.False(t, stale.Release())
	assert.True(t, fresh.Release())
}

func TestTTLExpiryRecoversCrashedHolder(t *testing.T) {
	clock := clockwork.NewFakeClock()
	coord := NewCoordinator(kvstore.New(clock), 30*time.Millisecond)

	_, ok := coord.Acquire(CellKey("canvas-1", 2, 2))
	require.True(t, ok)
	// Holder "crashes" without releasing.

	_, ok = coord.Acquire(CellKey("canvas-1", 2, 2))
	assert.False(t, ok)

	clock.Advance(31 * time.Millisecond)
	_, ok = coord.Acquire(CellKey("canvas-1", 2, 2))
	assert.True(t, ok)
}

package kvstore

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetNXCreatesOnlyWhenAbsent(t *testing.T) {
	store := New(clockwork.NewFakeClock())

	assert.True(t, store.SetNX("lease", "holder-a", time.Minute))
	assert.False(t, store.SetNX("lease", "holder-b", time.Minute))

	value, ok := store.Get("lease")
	require.True(t, ok)
	assert.Equal(t, "holder-a", value)
}

func TestSetNXSucceedsAfterExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := New(clock)

	require.True(t, store.SetNX("lease", "holder-a", 50*time.Millisecond))
	clock.Advance(50 * time.Millisecond)

	assert.True(t, store.SetNX("lease", "holder-b", 50*time.Millisecond))
	value, ok := store.Get("lease")
	require.True(t, ok)
	assert.Equal(t, "holder-b", value)
}

func TestCompareAndDeleteRequiresMatchingValue(t *testing.T) {
	store := New(clockwork.NewFakeClock())
	store.Set("lease", "holder-a", time.Minute)

	assert.False(t, store.CompareAndDelete("lease", "holder-b"))
	_, ok := store.Get("lease")
	assert.True(t, ok)

	assert.True(t, store.CompareAndDelete("lease", "holder-a"))
	_, ok = store.Get("lease")
	assert.False(t, ok)
}

func TestCompareAndDeleteFailsOnExpiredEntry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := New(clock)
	store.Set("lease", "holder-a", 20*time.Millisecond)

	clock.Advance(20 * time.Millisecond)

	// The original holder's lease lapsed; it must not be able to delete
	// whatever lives under the key now.
	assert.False(t, store.CompareAndDelete("lease", "holder-a"))
}

func TestGetTreatsExpiredAsAbsent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := New(clock)
	store.Set("cooldown", "stamp", time.Second)

	_, ok := store.Get("cooldown")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = store.Get("cooldown")
	assert.False(t, ok)
}

func TestTTLCountsDown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := New(clock)
	store.Set("cooldown", "stamp", 10*time.Second)

	assert.Equal(t, 10*time.Second, store.TTL("cooldown"))

	clock.Advance(4 * time.Second)
	assert.Equal(t, 6*time.Second, store.TTL("cooldown"))

	clock.Advance(6 * time.Second)
	assert.Equal(t, time.Duration(0), store.TTL("cooldown"))
	assert.Equal(t, time.Duration(0), store.TTL("missing"))
}

func TestZeroTTLNeverExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := New(clock)
	store.Set("pinned", "value", 0)

	clock.Advance(24 * time.Hour)
	value, ok := store.Get("pinned")
	require.True(t, ok)
	assert.Equal(t, "value", value)
	assert.Equal(t, time.Duration(0), store.TTL("pinned"))
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := New(clock)
	store.Set("a", "1", time.Second)
	store.Set("b", "2", time.Minute)
	store.Set("c", "3", 0)

	clock.Advance(2 * time.Second)
	store.sweep()

	assert.Equal(t, 2, store.Len())
	_, ok := store.Get("a")
	assert.False(t, ok)
}

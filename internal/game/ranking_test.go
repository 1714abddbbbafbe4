package game

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/paintbox/internal/models"
)

func rankedIDs(ranked []models.Participant) []string {
	ids := make([]string, len(ranked))
	for i, p := range ranked {
		ids[i] = p.UserID
	}
	return ids
}

func TestRankOrdersLiveAboveDead(t *testing.T) {
	ranked := Rank([]models.Participant{
		{UserID: "dead-many-attempts", Attempts: 9, Owned: 4, Dead: true},
		{UserID: "live-small", Attempts: 1, Owned: 1},
		{UserID: "never-attempted", Attempts: 0},
	})

	assert.Equal(t, []string{"live-small", "dead-many-attempts", "never-attempted"}, rankedIDs(ranked))
}

func TestRankLiveGroupByOwnedThenEfficiency(t *testing.T) {
	ranked := Rank([]models.Participant{
		{UserID: "fewer-owned", Attempts: 2, Owned: 3},
		{UserID: "most-owned", Attempts: 9, Owned: 5},
		{UserID: "efficient", Attempts: 4, Owned: 3},
	})

	// Higher owned first; equal owned breaks toward fewer attempts.
	assert.Equal(t, []string{"most-owned", "fewer-owned", "efficient"}, rankedIDs(ranked))
}

func TestRankDeadGroupByEffort(t *testing.T) {
	ranked := Rank([]models.Participant{
		{UserID: "quit-early", Attempts: 3, Dead: true},
		{UserID: "fought-hard", Attempts: 8, Dead: true},
		{UserID: "survivor", Attempts: 1, Owned: 1},
	})

	assert.Equal(t, []string{"survivor", "fought-hard", "quit-early"}, rankedIDs(ranked))
}

func TestRankAssignsDenseOneBasedRanks(t *testing.T) {
	input := []models.Participant{
		{UserID: "a", Attempts: 5, Owned: 2},
		{UserID: "b", Attempts: 5, Owned: 2},
		{UserID: "c", Attempts: 2, Dead: true},
	}

	ranked := Rank(input)
	require.Len(t, ranked, 3)
	for i, p := range ranked {
		assert.Equal(t, i+1, p.Rank)
	}

	// The caller's slice stays untouched.
	for _, p := range input {
		assert.Zero(t, p.Rank)
	}
}

func TestRankIsDeterministicUnderPermutation(t *testing.T) {
	base := []models.Participant{
		{UserID: "a", Attempts: 4, Owned: 6},
		{UserID: "b", Attempts: 4, Owned: 6},
		{UserID: "c", Attempts: 7, Owned: 1, Dead: true},
		{UserID: "d", Attempts: 7, Owned: 0, Dead: true},
		{UserID: "e", Attempts: 0, Owned: 0},
		{UserID: "f", Attempts: 2, Owned: 6},
	}

	want := rankedIDs(Rank(base))
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := make([]models.Participant, len(base))
		copy(shuffled, base)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		assert.Equal(t, want, rankedIDs(Rank(shuffled)))
	}
}

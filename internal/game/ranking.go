package game

import (
	"sort"

	"github.com/mcdev12/paintbox/internal/models"
)

// Rank orders participants into the final standing and assigns 1-based
// ranks. The comparator is the single canonical rule applied on every
// termination path, natural or forced:
//
//   - participants with attempts > 0 and not dead rank strictly above
//     participants who are dead or never attempted;
//   - within the live group: higher owned-cell count wins, ties broken by
//     fewer attempts (efficiency);
//   - within the dead/never-attempted group: higher attempt count wins,
//     ties broken by lower owned-cell count (effort before failure);
//   - remaining ties break on user id, which makes the order a
//     deterministic total order.
//
// The input slice is not modified.
func Rank(participants []models.Participant) []models.Participant {
	ranked := make([]models.Participant, len(participants))
	copy(ranked, participants)

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]

		aLive := !a.Dead && a.Attempts > 0
		bLive := !b.Dead && b.Attempts > 0
		if aLive != bLive {
			return aLive
		}

		if aLive {
			if a.Owned != b.Owned {
				return a.Owned > b.Owned
			}
			if a.Attempts != b.Attempts {
				return a.Attempts < b.Attempts
			}
		} else {
			if a.Attempts != b.Attempts {
				return a.Attempts > b.Attempts
			}
			if a.Owned != b.Owned {
				return a.Owned < b.Owned
			}
		}
		return a.UserID < b.UserID
	})

	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

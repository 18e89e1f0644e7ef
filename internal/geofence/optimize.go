package geofence

import (
	"sort"
	"time"

	"geonotify/internal/model"
	"geonotify/internal/storage"
)

// Score is the eviction priority of a candidate; lower is kept longer.
func Score(c storage.EvictionCandidate, mode AgePenaltyMode, now time.Time) int {
	s := c.Type.Rank()
	if mode != AgeTiebreak {
		s += model.Task{CreatedAt: c.TaskCreatedAt}.AgeWeeks(now)
	}
	return s
}

// Plan decides which active geofences to deactivate so that incoming new
// ones fit under ceiling. It is a pure function of its inputs.
func Plan(cands []storage.EvictionCandidate, incoming, ceiling int, mode AgePenaltyMode, now time.Time) (keep, evict []storage.EvictionCandidate, err error) {
	if incoming > ceiling {
		return nil, nil, &model.CapacityError{Requested: incoming, Ceiling: ceiling}
	}
	sorted := make([]storage.EvictionCandidate, len(cands))
	copy(sorted, cands)
	if len(sorted)+incoming <= ceiling {
		return sorted, nil, nil
	}

	scores := make(map[string]int, len(sorted))
	for _, c := range sorted {
		scores[c.ID] = Score(c, mode, now)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if scores[a.ID] != scores[b.ID] {
			return scores[a.ID] < scores[b.ID]
		}
		if mode == AgeTiebreak && !a.TaskCreatedAt.Equal(b.TaskCreatedAt) {
			return a.TaskCreatedAt.After(b.TaskCreatedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	n := ceiling - incoming
	return sorted[:n], sorted[n:], nil
}

package schedule

import (
	"time"

	"github.com/medsim/mar/internal/domain/medication"
)

// ResolveActive picks the single authoritative prescription among several for
// the same patient+medicine. Prescriptions whose start/end window contains
// now are preferred; among those (or among all, when none is in window) the
// most recent start date wins, and equal or absent start dates fall back to
// the lexicographically greatest id. The choice is total and deterministic:
// it never depends on slice order and never parses ids as dates.
func ResolveActive(list []medication.Prescription, now time.Time) (medication.Prescription, bool) {
	if len(list) == 0 {
		return medication.Prescription{}, false
	}

	candidates := make([]medication.Prescription, 0, len(list))
	for _, rx := range list {
		if inWindow(rx, now) {
			candidates = append(candidates, rx)
		}
	}
	if len(candidates) == 0 {
		candidates = list
	}

	best := candidates[0]
	for _, rx := range candidates[1:] {
		if prefer(rx, best) {
			best = rx
		}
	}
	return best, true
}

func inWindow(rx medication.Prescription, now time.Time) bool {
	if rx.StartDate != nil && now.Before(*rx.StartDate) {
		return false
	}
	if rx.EndDate != nil && now.After(*rx.EndDate) {
		return false
	}
	return true
}

// prefer reports whether a beats b under the tie-break ordering.
func prefer(a, b medication.Prescription) bool {
	switch {
	case a.StartDate != nil && b.StartDate == nil:
		return true
	case a.StartDate == nil && b.StartDate != nil:
		return false
	case a.StartDate != nil && b.StartDate != nil:
		if a.StartDate.After(*b.StartDate) {
			return true
		}
		if b.StartDate.After(*a.StartDate) {
			return false
		}
	}
	return a.ID > b.ID
}

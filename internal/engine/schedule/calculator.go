// Package schedule computes dose totals, remaining counts, due/overdue state
// and the active prescription for a patient's medicine. All functions are
// pure: the same inputs always classify the same way, so every chart tab and
// the scan workflow share one implementation instead of five drifting copies.
package schedule

import (
	"fmt"
	"time"

	"github.com/medsim/mar/internal/domain/medication"
	"github.com/medsim/mar/internal/engine/dosing"
)

// PRNResetHours is how long after a PRN dose the medicine becomes available
// again. PRN medicines are never overdue, only available or not.
const PRNResetHours = 6

// Status is the schedule classification shown against a prescription.
type Status string

const (
	StatusComplete     Status = "complete"
	StatusAdministered Status = "administered"
	StatusOverdue      Status = "overdue"
	StatusBlocked      Status = "blocked"
	StatusDue          Status = "due"
)

// TotalDoses computes the prescribed dose total from a parsed periodicity and
// duration. The second return is false when the total is unknowable: PRN
// schedules, unbounded durations, or a fallback-parsed periodicity.
func TotalDoses(p dosing.Periodicity, d dosing.Duration) (int, bool) {
	if p.Kind != dosing.FixedInterval || p.Fallback || d.Unbounded {
		return 0, false
	}
	return d.Days * p.DosesPerDay(), true
}

// TotalFor resolves the dose total for a prescription. A precomputed
// TotalDoses on the record is authoritative; otherwise the total is derived
// from the periodicity and duration text.
func TotalFor(rx medication.Prescription) (int, bool) {
	if rx.TotalDoses != nil {
		return *rx.TotalDoses, true
	}
	p := dosing.ParsePeriodicity(rx.Periodicity)
	if p.Kind == dosing.OneTime {
		return 1, true
	}
	return TotalDoses(p, dosing.ParseDuration(rx.Duration))
}

// CountGiven counts administrations that qualify as delivered doses for the
// prescription. Records carrying the exact prescription id are counted first;
// only when none exist does the count fall back to patient+medicine matching
// restricted to records with no prescription id, so a dose is never counted
// under two prescriptions.
func CountGiven(rx medication.Prescription, admins []medication.Administration) int {
	exact := 0
	for _, a := range admins {
		if a.PrescriptionID == rx.ID && a.Status.IsGiven() {
			exact++
		}
	}
	if exact > 0 {
		return exact
	}

	legacy := 0
	for _, a := range admins {
		if a.PrescriptionID == "" && a.PatientID == rx.PatientID &&
			a.MedicineID == rx.MedicineID && a.Status.IsGiven() {
			legacy++
		}
	}
	return legacy
}

// Remaining is the remaining-dose figure for display.
type Remaining struct {
	PRN     bool
	Unknown bool
	Count   int
}

// Label renders the remaining-dose figure the way the chart displays it.
func (r Remaining) Label() string {
	switch {
	case r.PRN:
		return "PRN"
	case r.Unknown:
		return "Unknown"
	default:
		return fmt.Sprintf("Doses Left: %d", r.Count)
	}
}

// RemainingFor reports doses left on a prescription, clamped to zero however
// many administrations exist.
func RemainingFor(rx medication.Prescription, admins []medication.Administration) Remaining {
	if dosing.ParsePeriodicity(rx.Periodicity).Kind == dosing.PRN {
		return Remaining{PRN: true}
	}
	total, ok := TotalFor(rx)
	if !ok {
		return Remaining{Unknown: true}
	}
	left := total - CountGiven(rx, admins)
	if left < 0 {
		left = 0
	}
	return Remaining{Count: left}
}

// IsComplete reports whether the prescription's course is satisfied. The
// check is pure and monotonic: once an administration set makes it true, any
// superset keeps it true, and a Completed flag on the record never reverts.
func IsComplete(rx medication.Prescription, admins []medication.Administration) bool {
	if rx.Completed {
		return true
	}
	p := dosing.ParsePeriodicity(rx.Periodicity)
	switch p.Kind {
	case dosing.PRN:
		return false
	case dosing.OneTime:
		return CountGiven(rx, admins) >= 1
	}
	total, ok := TotalFor(rx)
	return ok && CountGiven(rx, admins) >= total
}

// IsDoseDue reports whether the next dose is due at now given the last
// delivered dose. PRN schedules use the reset interval; they read as
// available again, never overdue. One-time schedules are never due again.
func IsDoseDue(lastGiven time.Time, p dosing.Periodicity, now time.Time) bool {
	switch p.Kind {
	case dosing.OneTime:
		return false
	case dosing.PRN:
		return !now.Before(lastGiven.Add(PRNResetHours * time.Hour))
	default:
		return !now.Before(lastGiven.Add(time.Duration(p.Hours) * time.Hour))
	}
}

// LastGivenAt returns the most recent delivered-dose timestamp for the
// prescription, using the same counting rule as CountGiven.
func LastGivenAt(rx medication.Prescription, admins []medication.Administration) (time.Time, bool) {
	var last time.Time
	found := false
	exact := false

	for _, a := range admins {
		if !a.Status.IsGiven() || a.AdministeredAt == nil {
			continue
		}
		match := a.PrescriptionID == rx.ID
		if !match {
			if exact {
				continue
			}
			match = a.PrescriptionID == "" && a.PatientID == rx.PatientID && a.MedicineID == rx.MedicineID
		} else if !exact {
			// First exact match discards any legacy candidates.
			exact = true
			last, found = time.Time{}, false
		}
		if match && (!found || a.AdministeredAt.After(last)) {
			last = *a.AdministeredAt
			found = true
		}
	}
	return last, found
}

// Classify reduces a prescription's schedule state to a single status.
// blocked reflects an unmet protocol or collection precondition evaluated by
// the caller; it outranks everything but completion.
func Classify(rx medication.Prescription, admins []medication.Administration, blocked bool, now time.Time) Status {
	if IsComplete(rx, admins) {
		return StatusComplete
	}
	if blocked {
		return StatusBlocked
	}

	p := dosing.ParsePeriodicity(rx.Periodicity)
	last, given := LastGivenAt(rx, admins)
	if !given {
		return StatusDue
	}
	if !IsDoseDue(last, p, now) {
		return StatusAdministered
	}
	if p.Kind == dosing.PRN {
		// PRN resets to available; it is never flagged overdue.
		return StatusDue
	}
	return StatusOverdue
}

// Package medication defines the reference and record types the decision
// engine operates on. The engine never mutates these; callers own persistence.
package medication

import "time"

// Medicine is immutable reference data from the catalog.
type Medicine struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Category           string `json:"category"`
	DefaultDose        string `json:"default_dose,omitempty"`
	DefaultRoute       string `json:"default_route,omitempty"`
	DefaultFrequency   string `json:"default_frequency,omitempty"`
	IsPRN              bool   `json:"is_prn"`
	RequiresCollection bool   `json:"requires_collection"`
}

// CategoryPainKiller marks medicines whose administration prompts a pain
// assessment follow-up.
const CategoryPainKiller = "pain-killer"

// Prescription is a prescriber order for one medicine. Several prescriptions
// may exist for the same patient+medicine over time; the engine resolves the
// active one deterministically.
type Prescription struct {
	ID          string     `json:"id"`
	PatientID   string     `json:"patient_id"`
	MedicineID  string     `json:"medicine_id"`
	Dosage      string     `json:"dosage"`
	Periodicity string     `json:"periodicity"`
	Duration    string     `json:"duration,omitempty"`
	Route       string     `json:"route,omitempty"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	// TotalDoses is authoritative when present, otherwise derived from
	// periodicity and duration.
	TotalDoses *int `json:"total_doses,omitempty"`
	// Completed is monotonic: once true it never reverts, regardless of
	// later changes to administration history.
	Completed bool `json:"completed"`
}

// Status is the normalized administration record status.
type Status string

const (
	StatusAdministered Status = "administered"
	StatusWarning      Status = "warning"
	StatusError        Status = "error"
	StatusBlocked      Status = "blocked"
	StatusCollected    Status = "collected"
	StatusDanger       Status = "danger"
)

// NormalizeStatus maps raw record status strings onto the tagged enum.
// Historical data spells a given dose either "administered" or "success";
// both normalize to StatusAdministered so the rest of the engine never
// repeats that string comparison.
func NormalizeStatus(raw string) Status {
	switch raw {
	case "administered", "success":
		return StatusAdministered
	case "warning":
		return StatusWarning
	case "error":
		return StatusError
	case "blocked":
		return StatusBlocked
	case "collected":
		return StatusCollected
	case "danger":
		return StatusDanger
	default:
		return Status(raw)
	}
}

// IsGiven reports whether the status counts as a delivered dose.
func (s Status) IsGiven() bool { return s == StatusAdministered }

// Administration is an append-only record of a scan outcome.
type Administration struct {
	ID             string     `json:"id"`
	PatientID      string     `json:"patient_id"`
	MedicineID     string     `json:"medicine_id"`
	PrescriptionID string     `json:"prescription_id,omitempty"`
	Status         Status     `json:"status"`
	Message        string     `json:"message,omitempty"`
	AdministeredAt *time.Time `json:"administered_at,omitempty"`
	AdministeredBy string     `json:"administered_by,omitempty"`
}

// MedicationLink is a protocol edge: the follow medicine may only be
// collected after the trigger medicine was administered plus a delay.
type MedicationLink struct {
	ID               string `json:"id"`
	TriggerMedicine  string `json:"trigger_medicine_id"`
	FollowMedicine   string `json:"follow_medicine_id"`
	DelayMinutes     int    `json:"delay_minutes"`
	FollowFrequency  string `json:"follow_frequency,omitempty"`
	FollowDurationHr int    `json:"follow_duration_hours,omitempty"`
	DoseOverride     string `json:"dose_override,omitempty"`
}

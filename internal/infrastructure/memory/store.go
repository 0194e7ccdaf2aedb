// Package memory provides in-memory implementations of the engine's
// collaborator ports, used for training-session seeding and tests.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/medsim/mar/internal/domain/medication"
)

// ErrIDRequired rejects records without an identifier.
var ErrIDRequired = errors.New("memory: id required")

// Store holds reference data and administration history for a training
// session. It satisfies every workflow collaborator port.
type Store struct {
	mu        sync.RWMutex
	medicines map[string]medication.Medicine
	rxs       map[string]medication.Prescription
	admins    []medication.Administration
	links     []medication.MedicationLink

	assessments map[string][]time.Time // patient id -> pain assessment times
	prompts     []Prompt
}

// Prompt is a recorded pain-assessment prompt request.
type Prompt struct {
	PatientID  string
	MedicineID string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		medicines:   make(map[string]medication.Medicine),
		rxs:         make(map[string]medication.Prescription),
		assessments: make(map[string][]time.Time),
	}
}

// SeedMedicines loads catalog entries.
func (s *Store) SeedMedicines(meds ...medication.Medicine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range meds {
		s.medicines[m.ID] = m
	}
}

// SeedPrescriptions loads prescriptions.
func (s *Store) SeedPrescriptions(rxs ...medication.Prescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rx := range rxs {
		s.rxs[rx.ID] = rx
	}
}

// SeedLinks loads protocol links.
func (s *Store) SeedLinks(links ...medication.MedicationLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = append(s.links, links...)
}

// AddAssessment records a pain assessment time for a patient.
func (s *Store) AddAssessment(patientID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assessments[patientID] = append(s.assessments[patientID], at)
}

// Medicine looks up a catalog entry.
func (s *Store) Medicine(_ context.Context, id string) (medication.Medicine, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.medicines[id]
	return m, ok, nil
}

// Medicines lists the catalog.
func (s *Store) Medicines(_ context.Context) ([]medication.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]medication.Medicine, 0, len(s.medicines))
	for _, m := range s.medicines {
		out = append(out, m)
	}
	return out, nil
}

// PrescriptionsForPatient lists a patient's prescriptions.
func (s *Store) PrescriptionsForPatient(_ context.Context, patientID string) ([]medication.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]medication.Prescription, 0)
	for _, rx := range s.rxs {
		if rx.PatientID == patientID {
			out = append(out, rx)
		}
	}
	return out, nil
}

// AdministrationsForPatient lists a patient's administration history.
func (s *Store) AdministrationsForPatient(_ context.Context, patientID string) ([]medication.Administration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]medication.Administration, 0)
	for _, a := range s.admins {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	return out, nil
}

// Links lists protocol links.
func (s *Store) Links(_ context.Context) ([]medication.MedicationLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]medication.MedicationLink, len(s.links))
	copy(out, s.links)
	return out, nil
}

// Record appends an administration record.
func (s *Store) Record(_ context.Context, a medication.Administration) error {
	if a.ID == "" {
		return ErrIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admins = append(s.admins, a)
	return nil
}

// RecentAssessment reports whether a pain assessment exists within the
// trailing window ending at the most recent assessment time.
func (s *Store) RecentAssessment(_ context.Context, patientID string, within time.Duration) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().UTC().Add(-within)
	for _, at := range s.assessments[patientID] {
		if at.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

// RequestPrompt records a pain-assessment prompt request.
func (s *Store) RequestPrompt(_ context.Context, patientID, medicineID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, Prompt{PatientID: patientID, MedicineID: medicineID})
}

// Prompts returns recorded prompt requests.
func (s *Store) Prompts() []Prompt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Prompt, len(s.prompts))
	copy(out, s.prompts)
	return out
}

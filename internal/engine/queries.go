// Package engine exposes the pure query surface of the decision engine to
// chart-level callers. Every chart tab and print view answers "when is this
// due, how many doses remain, may it be collected" through these functions,
// so all call sites agree on edge cases instead of re-deriving the logic.
package engine

import (
	"github.com/medsim/mar/internal/domain/medication"
	"github.com/medsim/mar/internal/engine/clock"
	"github.com/medsim/mar/internal/engine/protocol"
	"github.com/medsim/mar/internal/engine/schedule"
)

// Queries answers schedule and protocol questions from explicit inputs. All
// methods are pure given the clock reading; there are no hidden globals.
type Queries struct {
	Clock clock.Clock
}

// TotalDoses resolves the prescribed dose total; false when unknowable.
func (q Queries) TotalDoses(rx medication.Prescription) (int, bool) {
	return schedule.TotalFor(rx)
}

// RemainingDosesLabel renders the remaining-dose figure for display:
// "PRN", "Unknown", or "Doses Left: N".
func (q Queries) RemainingDosesLabel(rx medication.Prescription, admins []medication.Administration) string {
	return schedule.RemainingFor(rx, admins).Label()
}

// IsComplete reports whether the prescription's course is satisfied.
func (q Queries) IsComplete(rx medication.Prescription, admins []medication.Administration) bool {
	return schedule.IsComplete(rx, admins)
}

// ResolveActivePrescription picks the authoritative prescription among
// several for the same medicine.
func (q Queries) ResolveActivePrescription(list []medication.Prescription) (medication.Prescription, bool) {
	return schedule.ResolveActive(list, q.Clock.Now())
}

// CanCollect evaluates the protocol gate for a medicine against the
// patient's administration history.
func (q Queries) CanCollect(medicineID string, admins []medication.Administration,
	links []medication.MedicationLink) protocol.GateResult {
	return q.gate(protocol.NewGraph(links), medicineID, admins)
}

// CanCollectDegraded evaluates the gate from the fail-safe allow-list, for
// callers whose link load failed. Known follow-up ids stay restricted; a
// caller must never substitute an empty link set for a load failure.
func (q Queries) CanCollectDegraded(medicineID string, admins []medication.Administration) protocol.GateResult {
	return q.gate(protocol.NewDegradedGraph(), medicineID, admins)
}

func (q Queries) gate(g *protocol.Graph, medicineID string, admins []medication.Administration) protocol.GateResult {
	return g.Evaluate(medicineID, admins, q.Clock.Now())
}

// ClassifyStatus reduces a prescription to its display status, folding the
// protocol gate into the blocked state.
func (q Queries) ClassifyStatus(rx medication.Prescription, admins []medication.Administration,
	links []medication.MedicationLink) schedule.Status {
	return q.classify(protocol.NewGraph(links), rx, admins)
}

// ClassifyStatusDegraded classifies against the fail-safe allow-list when
// link data is unavailable.
func (q Queries) ClassifyStatusDegraded(rx medication.Prescription, admins []medication.Administration) schedule.Status {
	return q.classify(protocol.NewDegradedGraph(), rx, admins)
}

func (q Queries) classify(g *protocol.Graph, rx medication.Prescription,
	admins []medication.Administration) schedule.Status {

	now := q.Clock.Now()
	gate := g.Evaluate(rx.MedicineID, admins, now)
	blocked := gate.Verdict == protocol.TriggerMissing || gate.Verdict == protocol.TooEarly
	return schedule.Classify(rx, admins, blocked, now)
}

// Package protocol models trigger→follow-up medication links and decides
// whether a follow-up medicine's collection window has opened.
package protocol

import (
	"time"

	"github.com/medsim/mar/internal/domain/medication"
)

// CollectionLeadTime is how far before the nominal delay the collection
// window opens, allowing the dose to be staged ahead of its strict due time.
const CollectionLeadTime = time.Hour

// fallbackDelays is the fail-safe allow-list applied when link data cannot
// be loaded. These medicine ids are historically known protocol follow-ups;
// an unavailable link store must never leave them unrestricted.
var fallbackDelays = map[string]DelayInfo{
	"10000069": {TriggerMedicineID: "", DelayMinutes: 60},
	"10000070": {TriggerMedicineID: "", DelayMinutes: 60},
	"10000046": {TriggerMedicineID: "", DelayMinutes: 60},
}

// DelayInfo describes the gate on a follow-up medicine.
type DelayInfo struct {
	TriggerMedicineID string
	DelayMinutes      int
}

// Graph indexes medication links by follow-up medicine. A degraded Graph
// (link load failure) answers from the fallback allow-list.
type Graph struct {
	byFollow map[string]DelayInfo
	degraded bool
}

// NewGraph builds a graph from link data.
func NewGraph(links []medication.MedicationLink) *Graph {
	byFollow := make(map[string]DelayInfo, len(links))
	for _, l := range links {
		byFollow[l.FollowMedicine] = DelayInfo{
			TriggerMedicineID: l.TriggerMedicine,
			DelayMinutes:      l.DelayMinutes,
		}
	}
	return &Graph{byFollow: byFollow}
}

// NewDegradedGraph returns the fail-safe graph used when link data is
// unavailable: the known follow-up ids stay restricted with default delays.
func NewDegradedGraph() *Graph {
	return &Graph{byFollow: fallbackDelays, degraded: true}
}

// Degraded reports whether the graph is running on the fallback allow-list.
func (g *Graph) Degraded() bool { return g.degraded }

// IsFollowUp reports whether the medicine is gated on a trigger.
func (g *Graph) IsFollowUp(medicineID string) bool {
	_, ok := g.byFollow[medicineID]
	return ok
}

// Delay returns the gate for a follow-up medicine.
func (g *Graph) Delay(medicineID string) (DelayInfo, bool) {
	d, ok := g.byFollow[medicineID]
	return d, ok
}

// Window is the state of a follow-up medicine's collection window.
type Window struct {
	Ready bool
	// TimeRemaining until the window opens; zero when Ready.
	TimeRemaining time.Duration
}

// CollectionWindow computes whether the follow-up may be collected at now.
// The window opens CollectionLeadTime before the nominal delay elapses, but
// the staging margin never swallows the whole delay: a delay at or under the
// lead time still holds until one minute before its due time, so a 60-minute
// gate opens at trigger+59m rather than immediately.
func CollectionWindow(triggerAt time.Time, delayMinutes int, now time.Time) Window {
	delay := time.Duration(delayMinutes) * time.Minute
	lead := CollectionLeadTime
	if lead >= delay {
		lead = time.Minute
	}
	due := triggerAt.Add(delay - lead)
	if !now.Before(due) {
		return Window{Ready: true}
	}
	return Window{TimeRemaining: due.Sub(now)}
}

// Verdict classifies a follow-up gate check.
type Verdict int

const (
	// NotFollowUp means the medicine carries no protocol gate.
	NotFollowUp Verdict = iota
	// Ready means the trigger was administered and the window is open.
	Ready
	// TriggerMissing means no qualifying trigger administration exists.
	TriggerMissing
	// TooEarly means the window has not opened yet.
	TooEarly
)

// GateResult is the outcome of evaluating a follow-up medicine's gate.
type GateResult struct {
	Verdict       Verdict
	Trigger       DelayInfo
	TimeRemaining time.Duration
}

// Evaluate checks a medicine against the graph and the patient's
// administration history. Trigger administrations qualify only with a
// delivered-dose status; "trigger not administered" and "still within the
// delay window" are reported as distinct verdicts.
func (g *Graph) Evaluate(medicineID string, admins []medication.Administration, now time.Time) GateResult {
	gate, ok := g.byFollow[medicineID]
	if !ok {
		return GateResult{Verdict: NotFollowUp}
	}

	var triggerAt time.Time
	found := false
	for _, a := range admins {
		if !a.Status.IsGiven() || a.AdministeredAt == nil {
			continue
		}
		// A degraded graph has no trigger id; any delivered dose of
		// another medicine opens the delay countdown.
		if gate.TriggerMedicineID != "" && a.MedicineID != gate.TriggerMedicineID {
			continue
		}
		if gate.TriggerMedicineID == "" && a.MedicineID == medicineID {
			continue
		}
		if !found || a.AdministeredAt.After(triggerAt) {
			triggerAt = *a.AdministeredAt
			found = true
		}
	}

	if !found {
		return GateResult{Verdict: TriggerMissing, Trigger: gate}
	}

	w := CollectionWindow(triggerAt, gate.DelayMinutes, now)
	if w.Ready {
		return GateResult{Verdict: Ready, Trigger: gate}
	}
	return GateResult{Verdict: TooEarly, Trigger: gate, TimeRemaining: w.TimeRemaining}
}

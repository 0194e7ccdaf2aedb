// Package workflow drives the two-step scan confirmation process: confirm
// the patient, then validate the scanned medication against catalog,
// prescription, schedule and protocol state, producing a typed outcome and
// an audit entry per scan. Transitions are explicit functions over a plain
// State value; the UI renders the state, the engine computes the next one.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medsim/mar/internal/domain/medication"
	"github.com/medsim/mar/internal/engine/clock"
	"github.com/medsim/mar/internal/engine/dosing"
	"github.com/medsim/mar/internal/engine/protocol"
	"github.com/medsim/mar/internal/engine/schedule"
)

// Step is the workflow position.
type Step string

const (
	StepAwaitingPatient    Step = "awaiting_patient"
	StepAwaitingMedication Step = "awaiting_medication"
	StepComplete           Step = "complete"
)

// State is the workflow-instance value object. It carries no behavior;
// transition functions take a State and return the next one.
type State struct {
	Step      Step
	PatientID string
}

// NewState starts a workflow for the expected patient.
func NewState(patientID string) State {
	return State{Step: StepAwaitingPatient, PatientID: patientID}
}

// Reset returns the state to the patient-scan step. Only an explicit
// operator action resets the workflow.
func (s State) Reset() State {
	return NewState(s.PatientID)
}

// Result classifies a scan outcome.
type Result string

const (
	ResultSuccess Result = "success"
	ResultWarning Result = "warning"
	ResultError   Result = "error"
	ResultBlocked Result = "blocked"
)

// Severity grades an audit entry.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityDanger  Severity = "danger"
)

// AuditEntry is one in-memory audit message emitted by a transition.
type AuditEntry struct {
	Text      string    `json:"text"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// Outcome is the classification of one scan.
type Outcome struct {
	Result  Result
	Message string
	Audit   AuditEntry
	// Record is the administration record emitted to the recorder; nil
	// only for a patient mismatch, which is never an administration event.
	Record *medication.Administration
	// NeedsConfirmation marks outcomes with an operator override path.
	NeedsConfirmation bool
	// PromptAssessment is set when a pain assessment prompt was requested.
	PromptAssessment bool
}

// Options carry operator decisions for a medication scan.
type Options struct {
	// ConfirmNotPrescribed proceeds with a medicine not on the patient's
	// chart. Requires an explicit confirmation step; logged as danger.
	ConfirmNotPrescribed bool
	// ConfirmEarlyDose proceeds with a dose that is not yet due.
	ConfirmEarlyDose bool
	Operator         string
}

// Collaborator ports. The engine reads through these and requests writes; it
// persists nothing itself.
type (
	Catalog interface {
		Medicine(ctx context.Context, id string) (medication.Medicine, bool, error)
	}
	PrescriptionSource interface {
		PrescriptionsForPatient(ctx context.Context, patientID string) ([]medication.Prescription, error)
	}
	AdministrationSource interface {
		AdministrationsForPatient(ctx context.Context, patientID string) ([]medication.Administration, error)
	}
	LinkSource interface {
		Links(ctx context.Context) ([]medication.MedicationLink, error)
	}
	Recorder interface {
		Record(ctx context.Context, a medication.Administration) error
	}
	AssessmentService interface {
		RecentAssessment(ctx context.Context, patientID string, within time.Duration) (bool, error)
		RequestPrompt(ctx context.Context, patientID, medicineID string)
	}
)

// AssessmentWindow suppresses a pain-assessment prompt when a qualifying
// assessment already exists this recently.
const AssessmentWindow = 30 * time.Minute

// CollectionWindow is the trailing window in which a collected event
// satisfies the collection precondition.
const CollectionWindow = time.Hour

// Engine evaluates scan transitions. One Engine may serve many concurrent
// workflow instances; it holds only read-only collaborators and the clock.
type Engine struct {
	clock         clock.Clock
	catalog       Catalog
	prescriptions PrescriptionSource
	history       AdministrationSource
	links         LinkSource
	recorder      Recorder
	assessments   AssessmentService
	logger        *zap.Logger
}

// New creates a workflow engine.
func New(clk clock.Clock, catalog Catalog, rxs PrescriptionSource, history AdministrationSource,
	links LinkSource, recorder Recorder, assessments AssessmentService, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		clock:         clk,
		catalog:       catalog,
		prescriptions: rxs,
		history:       history,
		links:         links,
		recorder:      recorder,
		assessments:   assessments,
		logger:        logger,
	}
}

// ScanPatient handles an identifier scan in the patient step. A mismatch
// logs an error entry but stays in place and writes no administration
// record: a wrong patient scan is never itself an administration event.
func (e *Engine) ScanPatient(state State, scanned string) (State, Outcome) {
	now := e.clock.Now()

	if state.Step != StepAwaitingPatient {
		return state, Outcome{
			Result:  ResultError,
			Message: "patient already confirmed",
			Audit:   AuditEntry{Text: "patient already confirmed", Severity: SeverityError, Timestamp: now},
		}
	}

	if scanned != state.PatientID {
		msg := "scanned identifier does not match the expected patient"
		e.logger.Warn("patient scan mismatch",
			zap.String("expected", state.PatientID),
			zap.String("scanned", scanned))
		return state, Outcome{
			Result:  ResultError,
			Message: msg,
			Audit:   AuditEntry{Text: msg, Severity: SeverityError, Timestamp: now},
		}
	}

	state.Step = StepAwaitingMedication
	msg := "patient identity confirmed"
	return state, Outcome{
		Result:  ResultSuccess,
		Message: msg,
		Audit:   AuditEntry{Text: msg, Severity: SeverityInfo, Timestamp: now},
	}
}

// ErrWrongStep is returned when a medication scan arrives before the patient
// was confirmed. That is caller misuse, not a scan classification.
var ErrWrongStep = fmt.Errorf("workflow: medication scan outside awaiting-medication step")

// ScanMedication classifies a medicine scan. Validation runs in a fixed
// order: known medicine, prescribed, protocol gate, collection precondition,
// schedule. Safety checks fail closed; the assessment prompt fails open.
func (e *Engine) ScanMedication(ctx context.Context, state State, medicineID string, opts Options) (State, Outcome, error) {
	if state.Step != StepAwaitingMedication {
		return state, Outcome{}, ErrWrongStep
	}
	now := e.clock.Now()

	med, known, err := e.catalog.Medicine(ctx, medicineID)
	if err != nil {
		return state, Outcome{}, fmt.Errorf("catalog lookup: %w", err)
	}
	if !known {
		return e.finish(ctx, state, state.Step, Outcome{
			Result:  ResultError,
			Message: "not a known medicine",
		}, record(state, medicineID, "", medication.StatusError, "not a known medicine", now, opts.Operator), now)
	}

	rxs, err := e.prescriptions.PrescriptionsForPatient(ctx, state.PatientID)
	if err != nil {
		return state, Outcome{}, fmt.Errorf("load prescriptions: %w", err)
	}
	var forMedicine []medication.Prescription
	for _, rx := range rxs {
		if rx.MedicineID == medicineID {
			forMedicine = append(forMedicine, rx)
		}
	}

	admins, err := e.history.AdministrationsForPatient(ctx, state.PatientID)
	if err != nil {
		return state, Outcome{}, fmt.Errorf("load administrations: %w", err)
	}

	if len(forMedicine) == 0 {
		if opts.ConfirmNotPrescribed {
			// Explicitly confirmed override: proceed, logged as danger.
			msg := fmt.Sprintf("%s administered without a prescription (operator override)", med.Name)
			rec := record(state, medicineID, "", medication.StatusDanger, msg, now, opts.Operator)
			rec.AdministeredAt = &now
			out := Outcome{Result: ResultSuccess, Message: msg}
			out.Audit = AuditEntry{Text: msg, Severity: SeverityDanger, Timestamp: now}
			return e.complete(ctx, state, out, rec, med, now)
		}
		msg := fmt.Sprintf("%s is not prescribed for this patient", med.Name)
		return e.finish(ctx, state, state.Step, Outcome{
			Result:            ResultError,
			Message:           msg,
			NeedsConfirmation: true,
		}, record(state, medicineID, "", medication.StatusError, msg, now, opts.Operator), now)
	}

	active, _ := schedule.ResolveActive(forMedicine, now)

	// Protocol gate, fail closed: an error loading or evaluating link data
	// blocks the administration with a distinct reason.
	if out, blocked := e.protocolGate(e.loadGraph(ctx), med, admins, now); blocked {
		return e.finish(ctx, state, state.Step, out,
			record(state, medicineID, active.ID, medication.StatusBlocked, out.Message, now, opts.Operator), now)
	}

	if med.RequiresCollection && !collectedRecently(medicineID, admins, now) {
		msg := fmt.Sprintf("%s collection not completed", med.Name)
		return e.finish(ctx, state, state.Step, Outcome{
			Result:  ResultBlocked,
			Message: msg,
		}, record(state, medicineID, active.ID, medication.StatusBlocked, msg, now, opts.Operator), now)
	}

	p := dosing.ParsePeriodicity(active.Periodicity)
	if p.Fallback {
		e.logger.Warn("periodicity parse fallback",
			zap.String("prescription_id", active.ID),
			zap.String("periodicity", active.Periodicity))
	}

	last, given := schedule.LastGivenAt(active, admins)
	switch {
	case !given:
		msg := fmt.Sprintf("%s administered", med.Name)
		rec := record(state, medicineID, active.ID, medication.StatusAdministered, msg, now, opts.Operator)
		rec.AdministeredAt = &now
		out := Outcome{Result: ResultSuccess, Message: msg}
		out.Audit = AuditEntry{Text: msg, Severity: SeverityInfo, Timestamp: now}
		return e.complete(ctx, state, out, rec, med, now)

	case schedule.IsDoseDue(last, p, now):
		msg := fmt.Sprintf("%s administered (next scheduled dose)", med.Name)
		rec := record(state, medicineID, active.ID, medication.StatusAdministered, msg, now, opts.Operator)
		rec.AdministeredAt = &now
		out := Outcome{Result: ResultSuccess, Message: msg}
		out.Audit = AuditEntry{Text: msg, Severity: SeverityInfo, Timestamp: now}
		return e.complete(ctx, state, out, rec, med, now)

	case opts.ConfirmEarlyDose:
		// Confirmed early re-administration is logged distinctly from an
		// unprompted success.
		msg := fmt.Sprintf("%s administered early (operator override)", med.Name)
		rec := record(state, medicineID, active.ID, medication.StatusAdministered, msg, now, opts.Operator)
		rec.AdministeredAt = &now
		out := Outcome{Result: ResultSuccess, Message: msg}
		out.Audit = AuditEntry{Text: msg, Severity: SeverityWarning, Timestamp: now}
		return e.complete(ctx, state, out, rec, med, now)

	default:
		msg := fmt.Sprintf("%s was already administered and is not yet due", med.Name)
		return e.finish(ctx, state, state.Step, Outcome{
			Result:            ResultWarning,
			Message:           msg,
			NeedsConfirmation: true,
		}, record(state, medicineID, active.ID, medication.StatusWarning, msg, now, opts.Operator), now)
	}
}

// gateEvaluator answers the follow-up gate question. *protocol.Graph is the
// production implementation.
type gateEvaluator interface {
	Evaluate(medicineID string, admins []medication.Administration, now time.Time) protocol.GateResult
}

// protocolGate evaluates the follow-up gate. The second return reports
// whether the scan is blocked. A panic during evaluation (corrupt link data)
// blocks the administration rather than letting it through unverified.
func (e *Engine) protocolGate(g gateEvaluator, med medication.Medicine,
	admins []medication.Administration, now time.Time) (Outcome, bool) {

	var res protocol.GateResult
	verified := func() (ok bool) {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("protocol gate panicked", zap.Any("panic", r),
					zap.String("medicine_id", med.ID))
				ok = false
			}
		}()
		res = g.Evaluate(med.ID, admins, now)
		return true
	}()

	if !verified {
		msg := fmt.Sprintf("could not verify protocol requirements for %s", med.Name)
		return Outcome{Result: ResultBlocked, Message: msg}, true
	}

	switch res.Verdict {
	case protocol.TriggerMissing:
		msg := fmt.Sprintf("%s is a protocol medication and its trigger has not been administered", med.Name)
		return Outcome{Result: ResultBlocked, Message: msg}, true
	case protocol.TooEarly:
		msg := fmt.Sprintf("%s may not be collected yet (%s remaining)", med.Name, formatRemaining(res.TimeRemaining))
		return Outcome{Result: ResultBlocked, Message: msg}, true
	default:
		return Outcome{}, false
	}
}

// loadGraph fetches protocol links, degrading to the fail-safe allow-list
// when the link store is unavailable.
func (e *Engine) loadGraph(ctx context.Context) *protocol.Graph {
	links, err := e.links.Links(ctx)
	if err != nil {
		e.logger.Error("protocol link load failed, using fallback allow-list", zap.Error(err))
		return protocol.NewDegradedGraph()
	}
	return protocol.NewGraph(links)
}

// complete persists a delivered-dose record, fires the pain-assessment side
// effect and moves the workflow to the complete step.
func (e *Engine) complete(ctx context.Context, state State, out Outcome, rec medication.Administration,
	med medication.Medicine, now time.Time) (State, Outcome, error) {

	if med.Category == medication.CategoryPainKiller {
		out.PromptAssessment = e.maybePromptAssessment(ctx, state.PatientID, med.ID)
	}
	return e.finishWith(ctx, state, StepComplete, out, rec, now)
}

// maybePromptAssessment requests a pain-assessment prompt unless one exists
// within the trailing window. The recency check fails open: if it errors,
// the prompt still shows.
func (e *Engine) maybePromptAssessment(ctx context.Context, patientID, medicineID string) bool {
	recent, err := e.assessments.RecentAssessment(ctx, patientID, AssessmentWindow)
	if err != nil {
		e.logger.Warn("pain assessment recency check failed, prompting anyway", zap.Error(err))
		recent = false
	}
	if recent {
		return false
	}
	e.assessments.RequestPrompt(ctx, patientID, medicineID)
	return true
}

func (e *Engine) finish(ctx context.Context, state State, next Step, out Outcome,
	rec medication.Administration, now time.Time) (State, Outcome, error) {
	if out.Audit.Text == "" {
		sev := SeverityError
		if out.Result == ResultBlocked || out.Result == ResultWarning {
			sev = SeverityWarning
		}
		out.Audit = AuditEntry{Text: out.Message, Severity: sev, Timestamp: now}
	}
	return e.finishWith(ctx, state, next, out, rec, now)
}

// finishWith persists the record and applies the step transition. A
// persistence failure is surfaced in the audit entry and the log, but the
// already-decided classification stands.
func (e *Engine) finishWith(ctx context.Context, state State, next Step, out Outcome,
	rec medication.Administration, now time.Time) (State, Outcome, error) {

	if out.Audit.Text == "" {
		out.Audit = AuditEntry{Text: out.Message, Severity: SeverityInfo, Timestamp: now}
	}

	if err := e.recorder.Record(ctx, rec); err != nil {
		e.logger.Error("administration record write failed",
			zap.String("patient_id", rec.PatientID),
			zap.String("medicine_id", rec.MedicineID),
			zap.Error(err))
		out.Audit.Text += " (record persistence failed)"
	}
	out.Record = &rec

	state.Step = next
	return state, out, nil
}

func record(state State, medicineID, rxID string, status medication.Status, msg string,
	now time.Time, operator string) medication.Administration {
	return medication.Administration{
		ID:             uuid.New().String(),
		PatientID:      state.PatientID,
		MedicineID:     medicineID,
		PrescriptionID: rxID,
		Status:         status,
		Message:        msg,
		AdministeredBy: operator,
	}
}

// collectedRecently reports whether a collected event for the medicine falls
// inside the trailing collection window.
func collectedRecently(medicineID string, admins []medication.Administration, now time.Time) bool {
	cutoff := now.Add(-CollectionWindow)
	for _, a := range admins {
		if a.MedicineID != medicineID || a.Status != medication.StatusCollected || a.AdministeredAt == nil {
			continue
		}
		if !a.AdministeredAt.Before(cutoff) && !a.AdministeredAt.After(now) {
			return true
		}
	}
	return false
}

func formatRemaining(d time.Duration) string {
	d = d.Round(time.Minute)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	switch {
	case h > 0 && m > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case h > 0:
		return fmt.Sprintf("%dh", h)
	default:
		return fmt.Sprintf("%dm", m)
	}
}

package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/medsim/mar/internal/domain/medication"
	"github.com/medsim/mar/internal/engine/clock"
	"github.com/medsim/mar/internal/engine/protocol"
)

var scanTime = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

// ---- collaborator fakes ----

type fakeStore struct {
	medicines map[string]medication.Medicine
	rxs       []medication.Prescription
	admins    []medication.Administration
	links     []medication.MedicationLink

	linksErr  error
	recordErr error
	recorded  []medication.Administration

	assessRecent bool
	assessErr    error
	prompts      int
}

func (f *fakeStore) Medicine(_ context.Context, id string) (medication.Medicine, bool, error) {
	m, ok := f.medicines[id]
	return m, ok, nil
}

func (f *fakeStore) PrescriptionsForPatient(_ context.Context, patientID string) ([]medication.Prescription, error) {
	var out []medication.Prescription
	for _, rx := range f.rxs {
		if rx.PatientID == patientID {
			out = append(out, rx)
		}
	}
	return out, nil
}

func (f *fakeStore) AdministrationsForPatient(_ context.Context, patientID string) ([]medication.Administration, error) {
	var out []medication.Administration
	for _, a := range f.admins {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) Links(_ context.Context) ([]medication.MedicationLink, error) {
	if f.linksErr != nil {
		return nil, f.linksErr
	}
	return f.links, nil
}

func (f *fakeStore) Record(_ context.Context, a medication.Administration) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.recorded = append(f.recorded, a)
	return nil
}

func (f *fakeStore) RecentAssessment(_ context.Context, _ string, _ time.Duration) (bool, error) {
	return f.assessRecent, f.assessErr
}

func (f *fakeStore) RequestPrompt(_ context.Context, _, _ string) { f.prompts++ }

// ---- helpers ----

func newFixture() (*fakeStore, *clock.Simulated) {
	clk := clock.NewSimulated()
	clk.SetAbsolute(scanTime)

	store := &fakeStore{
		medicines: map[string]medication.Medicine{
			"m-para": {ID: "m-para", Name: "Paracetamol", Category: medication.CategoryPainKiller},
			"m-amox": {ID: "m-amox", Name: "Amoxicillin"},
			"m-onda": {ID: "m-onda", Name: "Ondansetron"},
		},
		rxs: []medication.Prescription{
			{ID: "rx-para", PatientID: "p1", MedicineID: "m-para", Periodicity: "Every 6 hours", Duration: "3 days"},
			{ID: "rx-onda", PatientID: "p1", MedicineID: "m-onda", Periodicity: "q8h", Duration: "2 days"},
		},
		links: []medication.MedicationLink{
			{ID: "l1", TriggerMedicine: "m-para", FollowMedicine: "m-onda", DelayMinutes: 240},
		},
	}
	return store, clk
}

func newEngine(store *fakeStore, clk clock.Clock) *Engine {
	return New(clk, store, store, store, store, store, store, nil)
}

func confirmed(t *testing.T, e *Engine) State {
	t.Helper()
	state, out := e.ScanPatient(NewState("p1"), "p1")
	if out.Result != ResultSuccess || state.Step != StepAwaitingMedication {
		t.Fatalf("patient confirmation failed: %+v", out)
	}
	return state
}

// ---- patient step ----

func TestScanPatientMismatchKeepsStateAndWritesNoRecord(t *testing.T) {
	store, clk := newFixture()
	e := newEngine(store, clk)

	state, out := e.ScanPatient(NewState("p1"), "p2")
	if out.Result != ResultError {
		t.Fatalf("result = %v, want error", out.Result)
	}
	if state.Step != StepAwaitingPatient {
		t.Fatalf("step = %v, want awaiting_patient", state.Step)
	}
	if out.Record != nil {
		t.Fatal("patient mismatch emitted an administration record")
	}
	if len(store.recorded) != 0 {
		t.Fatal("patient mismatch persisted a record")
	}
	if out.Audit.Severity != SeverityError {
		t.Fatalf("audit severity = %v", out.Audit.Severity)
	}
}

// ---- medication step ----

func TestScanUnknownMedicine(t *testing.T) {
	store, clk := newFixture()
	e := newEngine(store, clk)
	state := confirmed(t, e)

	next, out, err := e.ScanMedication(context.Background(), state, "m-nope", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultError || out.Message != "not a known medicine" {
		t.Fatalf("outcome = %+v", out)
	}
	if next.Step != StepAwaitingMedication {
		t.Fatalf("step advanced on error: %v", next.Step)
	}
	if len(store.recorded) != 1 || store.recorded[0].Status != medication.StatusError {
		t.Fatalf("recorded = %+v, want one error record", store.recorded)
	}
}

func TestScanNotPrescribedRequiresOverride(t *testing.T) {
	store, clk := newFixture()
	e := newEngine(store, clk)
	state := confirmed(t, e)

	_, out, err := e.ScanMedication(context.Background(), state, "m-amox", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultError || !out.NeedsConfirmation {
		t.Fatalf("outcome = %+v, want error with confirmation path", out)
	}

	// Explicit override proceeds and logs at danger level.
	next, out, err := e.ScanMedication(context.Background(), state, "m-amox",
		Options{ConfirmNotPrescribed: true, Operator: "nurse-1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultSuccess {
		t.Fatalf("override outcome = %+v", out)
	}
	if out.Audit.Severity != SeverityDanger {
		t.Fatalf("override audit severity = %v, want danger", out.Audit.Severity)
	}
	if next.Step != StepComplete {
		t.Fatalf("step = %v, want complete", next.Step)
	}
	last := store.recorded[len(store.recorded)-1]
	if last.Status != medication.StatusDanger || last.AdministeredBy != "nurse-1" {
		t.Fatalf("override record = %+v", last)
	}
}

func TestScanFirstAdministrationSucceeds(t *testing.T) {
	store, clk := newFixture()
	e := newEngine(store, clk)
	state := confirmed(t, e)

	next, out, err := e.ScanMedication(context.Background(), state, "m-para", Options{Operator: "nurse-1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	if next.Step != StepComplete {
		t.Fatalf("step = %v", next.Step)
	}
	rec := store.recorded[0]
	if rec.Status != medication.StatusAdministered || rec.PrescriptionID != "rx-para" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.AdministeredAt == nil || !rec.AdministeredAt.Equal(scanTime) {
		t.Fatalf("administered at = %v, want clock time", rec.AdministeredAt)
	}
}

func TestScanEarlyDoseWarnsThenOverrides(t *testing.T) {
	store, clk := newFixture()
	given := scanTime.Add(-2 * time.Hour) // q6h dose two hours ago
	store.admins = append(store.admins, medication.Administration{
		PatientID: "p1", MedicineID: "m-para", PrescriptionID: "rx-para",
		Status: medication.StatusAdministered, AdministeredAt: &given,
	})
	e := newEngine(store, clk)
	state := confirmed(t, e)

	next, out, err := e.ScanMedication(context.Background(), state, "m-para", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultWarning || !out.NeedsConfirmation {
		t.Fatalf("outcome = %+v, want warning with confirmation path", out)
	}
	if next.Step != StepAwaitingMedication {
		t.Fatalf("warning advanced the workflow: %v", next.Step)
	}
	if store.recorded[0].Status != medication.StatusWarning {
		t.Fatalf("record = %+v", store.recorded[0])
	}

	// Confirmed early dose proceeds, logged distinctly from a plain success.
	next, out, err = e.ScanMedication(context.Background(), state, "m-para", Options{ConfirmEarlyDose: true})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultSuccess || next.Step != StepComplete {
		t.Fatalf("override outcome = %+v step %v", out, next.Step)
	}
	if !strings.Contains(out.Message, "override") {
		t.Fatalf("override message %q not distinct", out.Message)
	}
}

func TestScanNextScheduledDose(t *testing.T) {
	store, clk := newFixture()
	given := scanTime.Add(-6 * time.Hour)
	store.admins = append(store.admins, medication.Administration{
		PatientID: "p1", MedicineID: "m-para", PrescriptionID: "rx-para",
		Status: medication.StatusAdministered, AdministeredAt: &given,
	})
	e := newEngine(store, clk)
	state := confirmed(t, e)

	_, out, err := e.ScanMedication(context.Background(), state, "m-para", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultSuccess || !strings.Contains(out.Message, "next scheduled dose") {
		t.Fatalf("outcome = %+v", out)
	}
}

// ---- protocol gating ----

func TestScanFollowUpBlockedUntilTrigger(t *testing.T) {
	store, clk := newFixture()
	e := newEngine(store, clk)
	state := confirmed(t, e)

	// No trigger administration yet.
	next, out, err := e.ScanMedication(context.Background(), state, "m-onda", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultBlocked || !strings.Contains(out.Message, "trigger") {
		t.Fatalf("outcome = %+v, want trigger-missing block", out)
	}
	if next.Step != StepAwaitingMedication {
		t.Fatalf("blocked scan advanced the workflow")
	}
	if store.recorded[0].Status != medication.StatusBlocked {
		t.Fatalf("record = %+v", store.recorded[0])
	}
}

func TestScanFollowUpBlockedInsideDelayWindow(t *testing.T) {
	store, clk := newFixture()
	given := scanTime.Add(-time.Hour) // trigger 1h ago, 240m delay, 1h lead
	store.admins = append(store.admins, medication.Administration{
		PatientID: "p1", MedicineID: "m-para", PrescriptionID: "rx-para",
		Status: medication.StatusAdministered, AdministeredAt: &given,
	})
	e := newEngine(store, clk)
	state := confirmed(t, e)

	_, out, err := e.ScanMedication(context.Background(), state, "m-onda", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultBlocked || !strings.Contains(out.Message, "remaining") {
		t.Fatalf("outcome = %+v, want too-early block with time remaining", out)
	}
	if !strings.Contains(out.Message, "2h") {
		t.Fatalf("message %q missing remaining time", out.Message)
	}

	// Window opens at trigger + 240m - 1h lead.
	clk.SetAbsolute(given.Add(3 * time.Hour))
	_, out, err = e.ScanMedication(context.Background(), state, "m-onda", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultSuccess {
		t.Fatalf("outcome after window opened = %+v", out)
	}
}

// Link data unavailable must fail safe: allow-list medicines stay gated,
// everything else proceeds on its schedule.
func TestScanLinkLoadFailureFallsBackToAllowList(t *testing.T) {
	store, clk := newFixture()
	store.linksErr = errors.New("link store down")
	store.medicines["10000069"] = medication.Medicine{ID: "10000069", Name: "Protocol follow-up"}
	store.rxs = append(store.rxs, medication.Prescription{
		ID: "rx-proto", PatientID: "p1", MedicineID: "10000069", Periodicity: "q6h", Duration: "1 day",
	})
	e := newEngine(store, clk)
	state := confirmed(t, e)

	_, out, err := e.ScanMedication(context.Background(), state, "10000069", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultBlocked {
		t.Fatalf("allow-list medicine not blocked on degraded links: %+v", out)
	}

	// Non-allow-list medicine is unaffected by the degraded graph.
	_, out, err = e.ScanMedication(context.Background(), state, "m-para", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultSuccess {
		t.Fatalf("plain medicine blocked on degraded links: %+v", out)
	}
}

type panickingGate struct{}

func (panickingGate) Evaluate(string, []medication.Administration, time.Time) protocol.GateResult {
	panic("corrupt link row")
}

func TestGatePanicBlocksAdministration(t *testing.T) {
	store, clk := newFixture()
	e := newEngine(store, clk)

	med := medication.Medicine{ID: "m-onda", Name: "Ondansetron"}
	out, blocked := e.protocolGate(panickingGate{}, med, nil, clk.Now())
	if !blocked {
		t.Fatal("panicking gate evaluation must block the scan")
	}
	if out.Result != ResultBlocked {
		t.Fatalf("result = %v, want blocked", out.Result)
	}
	if !strings.Contains(out.Message, "could not verify") {
		t.Fatalf("message = %q", out.Message)
	}
}

// ---- collection precondition ----

func TestScanCollectionPrecondition(t *testing.T) {
	store, clk := newFixture()
	store.medicines["m-coll"] = medication.Medicine{ID: "m-coll", Name: "Controlled drug", RequiresCollection: true}
	store.rxs = append(store.rxs, medication.Prescription{
		ID: "rx-coll", PatientID: "p1", MedicineID: "m-coll", Periodicity: "q12h", Duration: "2 days",
	})
	e := newEngine(store, clk)
	state := confirmed(t, e)

	_, out, err := e.ScanMedication(context.Background(), state, "m-coll", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultBlocked || !strings.Contains(out.Message, "collection") {
		t.Fatalf("outcome = %+v, want collection block", out)
	}

	// A collected event inside the trailing window satisfies the check.
	at := scanTime.Add(-30 * time.Minute)
	store.admins = append(store.admins, medication.Administration{
		PatientID: "p1", MedicineID: "m-coll", Status: medication.StatusCollected, AdministeredAt: &at,
	})
	_, out, err = e.ScanMedication(context.Background(), state, "m-coll", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultSuccess {
		t.Fatalf("outcome with fresh collection = %+v", out)
	}

	// A stale collected event does not.
	stale := scanTime.Add(-2 * time.Hour)
	store.admins[len(store.admins)-1].AdministeredAt = &stale
	_, out, _ = e.ScanMedication(context.Background(), state, "m-coll", Options{})
	if out.Result != ResultBlocked {
		t.Fatalf("outcome with stale collection = %+v", out)
	}
}

// ---- pain assessment side effect ----

func TestPainKillerPromptsAssessment(t *testing.T) {
	store, clk := newFixture()
	e := newEngine(store, clk)
	state := confirmed(t, e)

	_, out, err := e.ScanMedication(context.Background(), state, "m-para", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !out.PromptAssessment || store.prompts != 1 {
		t.Fatalf("prompt = %v count %d, want prompt requested", out.PromptAssessment, store.prompts)
	}
}

func TestRecentAssessmentSuppressesPrompt(t *testing.T) {
	store, clk := newFixture()
	store.assessRecent = true
	e := newEngine(store, clk)
	state := confirmed(t, e)

	_, out, _ := e.ScanMedication(context.Background(), state, "m-para", Options{})
	if out.PromptAssessment || store.prompts != 0 {
		t.Fatal("prompt not suppressed by recent assessment")
	}
	if out.Result != ResultSuccess {
		t.Fatalf("outcome = %+v", out)
	}
}

// The recency check fails open: a failing assessment collaborator must not
// hide the prompt or block the workflow.
func TestAssessmentCheckFailureFailsOpen(t *testing.T) {
	store, clk := newFixture()
	store.assessErr = errors.New("assessment service down")
	e := newEngine(store, clk)
	state := confirmed(t, e)

	next, out, err := e.ScanMedication(context.Background(), state, "m-para", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !out.PromptAssessment || store.prompts != 1 {
		t.Fatal("prompt suppressed by check failure")
	}
	if next.Step != StepComplete {
		t.Fatalf("step = %v, want complete", next.Step)
	}
}

// ---- persistence failure ----

func TestRecordFailureDoesNotRollBackClassification(t *testing.T) {
	store, clk := newFixture()
	store.recordErr = errors.New("db down")
	e := newEngine(store, clk)
	state := confirmed(t, e)

	next, out, err := e.ScanMedication(context.Background(), state, "m-para", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultSuccess || next.Step != StepComplete {
		t.Fatalf("classification rolled back: %+v step %v", out, next.Step)
	}
	if !strings.Contains(out.Audit.Text, "persistence failed") {
		t.Fatalf("audit %q does not surface the persistence failure", out.Audit.Text)
	}
}

// ---- misc ----

func TestScanMedicationOutsideStepIsCallerMisuse(t *testing.T) {
	store, clk := newFixture()
	e := newEngine(store, clk)

	_, _, err := e.ScanMedication(context.Background(), NewState("p1"), "m-para", Options{})
	if !errors.Is(err, ErrWrongStep) {
		t.Fatalf("err = %v, want ErrWrongStep", err)
	}
}

func TestResetIsExplicit(t *testing.T) {
	store, clk := newFixture()
	e := newEngine(store, clk)
	state := confirmed(t, e)

	state, _, err := e.ScanMedication(context.Background(), state, "m-para", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if state.Step != StepComplete {
		t.Fatalf("step = %v", state.Step)
	}
	if got := state.Reset(); got.Step != StepAwaitingPatient || got.PatientID != "p1" {
		t.Fatalf("reset state = %+v", got)
	}
}

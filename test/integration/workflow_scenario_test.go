package integration

import (
	"context"
	"testing"
	"time"

	"github.com/medsim/mar/internal/domain/medication"
	"github.com/medsim/mar/internal/engine"
	"github.com/medsim/mar/internal/engine/clock"
	"github.com/medsim/mar/internal/engine/protocol"
	"github.com/medsim/mar/internal/engine/schedule"
	"github.com/medsim/mar/internal/engine/workflow"
	"github.com/medsim/mar/internal/infrastructure/memory"
)

// The scenario walks a full training session against the in-memory store:
// first dose, early-dose warning, instructor clock jump, follow-up protocol
// gate, and course completion.
func TestAdministrationScenario(t *testing.T) {
	ctx := context.Background()

	sim := clock.NewSimulated()
	start := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	sim.SetAbsolute(start)

	store := memory.NewStore()
	store.SeedMedicines(
		medication.Medicine{ID: "m-para", Name: "Paracetamol", Category: medication.CategoryPainKiller},
		medication.Medicine{ID: "m-onda", Name: "Ondansetron", RequiresCollection: true},
	)
	store.SeedPrescriptions(
		medication.Prescription{
			ID: "rx-para", PatientID: "p1", MedicineID: "m-para",
			Dosage: "500mg", Periodicity: "Every 6 hours", Duration: "3 days",
			StartDate: &start,
		},
		medication.Prescription{
			ID: "rx-onda", PatientID: "p1", MedicineID: "m-onda",
			Dosage: "4mg", Periodicity: "q8h", Duration: "1 day",
			StartDate: &start,
		},
	)
	store.SeedLinks(medication.MedicationLink{
		ID: "lnk-1", TriggerMedicine: "m-para", FollowMedicine: "m-onda", DelayMinutes: 240,
	})

	eng := workflow.New(sim, store, store, store, store, store, store, nil)
	queries := engine.Queries{Clock: sim}

	state := workflow.NewState("p1")

	// Wrong wristband keeps the workflow in place.
	state, out := eng.ScanPatient(state, "p2")
	if out.Result != workflow.ResultError || state.Step != workflow.StepAwaitingPatient {
		t.Fatalf("mismatch: result=%v step=%v", out.Result, state.Step)
	}

	state, out = eng.ScanPatient(state, "p1")
	if state.Step != workflow.StepAwaitingMedication {
		t.Fatalf("step after patient scan = %v", state.Step)
	}

	// Follow-up is blocked before its trigger.
	_, out, err := eng.ScanMedication(ctx, state, "m-onda", workflow.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != workflow.ResultBlocked {
		t.Fatalf("follow-up before trigger: result=%v", out.Result)
	}

	// First pain-killer dose succeeds and prompts an assessment.
	state, out, err = eng.ScanMedication(ctx, state, "m-para", workflow.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != workflow.ResultSuccess {
		t.Fatalf("first dose: result=%v message=%q", out.Result, out.Message)
	}
	if !out.PromptAssessment {
		t.Fatal("pain-killer dose did not prompt assessment")
	}
	if len(store.Prompts()) != 1 {
		t.Fatalf("prompts = %d", len(store.Prompts()))
	}

	// A repeat scan an hour later warns; the operator can override.
	sim.Advance(time.Hour)
	state = state.Reset()
	state, _ = eng.ScanPatient(state, "p1")

	_, out, err = eng.ScanMedication(ctx, state, "m-para", workflow.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != workflow.ResultWarning || !out.NeedsConfirmation {
		t.Fatalf("early dose: result=%v needsConfirmation=%v", out.Result, out.NeedsConfirmation)
	}

	state, out, err = eng.ScanMedication(ctx, state, "m-para", workflow.Options{ConfirmEarlyDose: true, Operator: "nurse-1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != workflow.ResultSuccess {
		t.Fatalf("override: result=%v", out.Result)
	}

	// The instructor jumps past the protocol delay. The 240-minute gate,
	// counted from the latest paracetamol dose at 09:00, opens an hour
	// early at 12:00.
	sim.Advance(3 * time.Hour)
	gate := queries.CanCollect("m-onda", history(t, ctx, store), links(t, ctx, store))
	if gate.Verdict != protocol.Ready {
		t.Fatalf("gate after clock jump = %v", gate.Verdict)
	}

	state = state.Reset()
	state, _ = eng.ScanPatient(state, "p1")

	// Collection precondition: scanning without a collected event blocks.
	_, out, err = eng.ScanMedication(ctx, state, "m-onda", workflow.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != workflow.ResultBlocked {
		t.Fatalf("uncollected follow-up: result=%v", out.Result)
	}

	// Record a collection, then the dose goes through.
	now := sim.Now()
	if err := store.Record(ctx, medication.Administration{
		ID: "adm-collect", PatientID: "p1", MedicineID: "m-onda",
		Status: medication.StatusCollected, AdministeredAt: &now,
	}); err != nil {
		t.Fatal(err)
	}

	state, out, err = eng.ScanMedication(ctx, state, "m-onda", workflow.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != workflow.ResultSuccess {
		t.Fatalf("follow-up after collection: result=%v message=%q", out.Result, out.Message)
	}

	// Chart view agrees with the session history.
	rxs, err := store.PrescriptionsForPatient(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	admins := history(t, ctx, store)
	for _, rx := range rxs {
		if rx.ID != "rx-para" {
			continue
		}
		if got := queries.RemainingDosesLabel(rx, admins); got != "Doses Left: 10" {
			t.Fatalf("remaining after 2 doses = %q", got)
		}
		if status := queries.ClassifyStatus(rx, admins, links(t, ctx, store)); status != schedule.StatusAdministered {
			t.Fatalf("status right after dose = %v", status)
		}
	}

	_ = state
}

func history(t *testing.T, ctx context.Context, store *memory.Store) []medication.Administration {
	t.Helper()
	admins, err := store.AdministrationsForPatient(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	return admins
}

func links(t *testing.T, ctx context.Context, store *memory.Store) []medication.MedicationLink {
	t.Helper()
	l, err := store.Links(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medsim/mar/internal/domain/medication"
	"github.com/medsim/mar/internal/engine"
	"github.com/medsim/mar/internal/engine/dosing"
	"github.com/medsim/mar/internal/engine/protocol"
	"github.com/medsim/mar/internal/engine/schedule"
	"github.com/medsim/mar/internal/observability/metrics"
)

// ChartStore is the read surface the chart endpoints need.
type ChartStore interface {
	Medicine(ctx context.Context, id string) (medication.Medicine, bool, error)
	Medicines(ctx context.Context) ([]medication.Medicine, error)
	PrescriptionsForPatient(ctx context.Context, patientID string) ([]medication.Prescription, error)
	AdministrationsForPatient(ctx context.Context, patientID string) ([]medication.Administration, error)
	Links(ctx context.Context) ([]medication.MedicationLink, error)
}

// ChartHandler serves the medication chart read model.
type ChartHandler struct {
	store   ChartStore
	queries engine.Queries
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewChartHandler creates a chart handler.
func NewChartHandler(store ChartStore, queries engine.Queries, m *metrics.Metrics, logger *zap.Logger) *ChartHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChartHandler{store: store, queries: queries, metrics: m, logger: logger}
}

// Routes returns the chart routes.
func (h *ChartHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{patientID}/chart", h.Chart)
	r.Get("/{patientID}/medicines/{medicineID}/collect", h.CanCollect)
	return r
}

// ChartRow is one prescription line on the chart.
type ChartRow struct {
	PrescriptionID string          `json:"prescription_id"`
	MedicineID     string          `json:"medicine_id"`
	MedicineName   string          `json:"medicine_name,omitempty"`
	Dosage         string          `json:"dosage"`
	Periodicity    string          `json:"periodicity"`
	Duration       string          `json:"duration,omitempty"`
	Status         schedule.Status `json:"status"`
	Remaining      string          `json:"remaining"`
	Complete       bool            `json:"complete"`
}

// ChartResponse is the patient's chart.
type ChartResponse struct {
	PatientID string     `json:"patient_id"`
	Rows      []ChartRow `json:"rows"`
}

// Chart handles GET /patients/{patientID}/chart.
func (h *ChartHandler) Chart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID := chi.URLParam(r, "patientID")

	rxs, err := h.store.PrescriptionsForPatient(ctx, patientID)
	if err != nil {
		h.logger.Error("chart: load prescriptions failed", zap.Error(err))
		jsonError(w, "failed to load chart", http.StatusInternalServerError)
		return
	}
	admins, err := h.store.AdministrationsForPatient(ctx, patientID)
	if err != nil {
		h.logger.Error("chart: load history failed", zap.Error(err))
		jsonError(w, "failed to load chart", http.StatusInternalServerError)
		return
	}
	links, err := h.store.Links(ctx)
	if err != nil {
		// The chart stays readable, but gate checks must not fail open:
		// statuses degrade to the fallback allow-list, same as the scan path.
		h.logger.Warn("chart: load links failed, degrading to fallback gates", zap.Error(err))
	}
	linksDown := err != nil

	resp := ChartResponse{PatientID: patientID, Rows: make([]ChartRow, 0, len(rxs))}
	for _, rx := range rxs {
		if h.metrics != nil && dosing.ParsePeriodicity(rx.Periodicity).Fallback {
			h.metrics.ParseFallbacks.Inc()
		}
		var status schedule.Status
		if linksDown {
			status = h.queries.ClassifyStatusDegraded(rx, admins)
		} else {
			status = h.queries.ClassifyStatus(rx, admins, links)
		}
		row := ChartRow{
			PrescriptionID: rx.ID,
			MedicineID:     rx.MedicineID,
			Dosage:         rx.Dosage,
			Periodicity:    rx.Periodicity,
			Duration:       rx.Duration,
			Status:         status,
			Remaining:      h.queries.RemainingDosesLabel(rx, admins),
			Complete:       h.queries.IsComplete(rx, admins),
		}
		if med, ok, err := h.store.Medicine(ctx, rx.MedicineID); err == nil && ok {
			row.MedicineName = med.Name
		}
		resp.Rows = append(resp.Rows, row)
	}

	writeJSON(w, http.StatusOK, resp)
}

// Medicines handles GET /medicines, the catalog list.
func (h *ChartHandler) Medicines(w http.ResponseWriter, r *http.Request) {
	meds, err := h.store.Medicines(r.Context())
	if err != nil {
		h.logger.Error("catalog: load medicines failed", zap.Error(err))
		jsonError(w, "failed to load catalog", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, meds)
}

// CollectResponse reports whether a follow-up medicine may be collected.
type CollectResponse struct {
	MedicineID       string `json:"medicine_id"`
	Ready            bool   `json:"ready"`
	Verdict          string `json:"verdict"`
	TriggerMedicine  string `json:"trigger_medicine,omitempty"`
	RemainingMinutes int    `json:"remaining_minutes,omitempty"`
}

// CanCollect handles GET /patients/{patientID}/medicines/{medicineID}/collect.
func (h *ChartHandler) CanCollect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID := chi.URLParam(r, "patientID")
	medicineID := chi.URLParam(r, "medicineID")

	admins, err := h.store.AdministrationsForPatient(ctx, patientID)
	if err != nil {
		h.logger.Error("collect: load history failed", zap.Error(err))
		jsonError(w, "failed to evaluate collection", http.StatusInternalServerError)
		return
	}
	var gate protocol.GateResult
	links, err := h.store.Links(ctx)
	if err != nil {
		// Fail safe: a link outage keeps allow-list medicines gated.
		h.logger.Warn("collect: load links failed, using fallback gates", zap.Error(err))
		gate = h.queries.CanCollectDegraded(medicineID, admins)
	} else {
		gate = h.queries.CanCollect(medicineID, admins, links)
	}
	resp := CollectResponse{
		MedicineID:      medicineID,
		Ready:           gate.Verdict == protocol.Ready || gate.Verdict == protocol.NotFollowUp,
		Verdict:         verdictLabel(gate.Verdict),
		TriggerMedicine: gate.Trigger.TriggerMedicineID,
	}
	if gate.Verdict == protocol.TooEarly {
		resp.RemainingMinutes = int(gate.TimeRemaining.Minutes())
	}

	writeJSON(w, http.StatusOK, resp)
}

func verdictLabel(v protocol.Verdict) string {
	switch v {
	case protocol.Ready:
		return "ready"
	case protocol.TriggerMissing:
		return "trigger_missing"
	case protocol.TooEarly:
		return "too_early"
	default:
		return "not_follow_up"
	}
}

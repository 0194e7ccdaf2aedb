// Package handlers provides HTTP handlers for the training API: scan
// workflow sessions, chart queries, and the instructor clock.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/medsim/mar/internal/api/middleware"
	"github.com/medsim/mar/internal/engine/workflow"
	"github.com/medsim/mar/internal/infrastructure/redpanda"
	"github.com/medsim/mar/internal/observability/metrics"
	"github.com/medsim/mar/pkg/idempotency"
)

// ScanDeduper suppresses duplicate medication scans, the double-trigger a
// barcode reader produces when held on a label.
type ScanDeduper interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage,
		fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// AuditPublisher streams audit entries to the training record.
type AuditPublisher interface {
	PublishAsync(ctx context.Context, topic, key string, value []byte, callback func(error))
}

// SessionHandler manages scan workflow sessions.
type SessionHandler struct {
	engine  *workflow.Engine
	metrics *metrics.Metrics
	logger  *zap.Logger
	// dedupe is optional; nil disables scan debouncing.
	dedupe ScanDeduper
	// audit is optional; nil keeps audit entries local to the response.
	audit AuditPublisher

	mu       sync.Mutex
	sessions map[string]workflow.State
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(engine *workflow.Engine, m *metrics.Metrics, dedupe ScanDeduper,
	audit AuditPublisher, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		engine:   engine,
		metrics:  m,
		logger:   logger,
		dedupe:   dedupe,
		audit:    audit,
		sessions: make(map[string]workflow.State),
	}
}

// Routes returns the session routes.
func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/patient-scan", h.PatientScan)
	r.Post("/{id}/medication-scan", h.MedicationScan)
	r.Post("/{id}/reset", h.Reset)
	return r
}

// CreateSessionRequest starts a workflow for an expected patient.
type CreateSessionRequest struct {
	PatientID string `json:"patient_id"`
}

// SessionResponse describes a session's current state.
type SessionResponse struct {
	ID        string        `json:"id"`
	Step      workflow.Step `json:"step"`
	PatientID string        `json:"patient_id"`
}

// Create handles POST /sessions.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PatientID == "" {
		jsonError(w, "patient_id is required", http.StatusBadRequest)
		return
	}

	id := uuid.New().String()
	state := workflow.NewState(req.PatientID)

	h.mu.Lock()
	h.sessions[id] = state
	h.mu.Unlock()

	h.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("patient_id", req.PatientID),
		zap.String("request_id", middleware.GetRequestID(r.Context())))

	writeJSON(w, http.StatusCreated, SessionResponse{ID: id, Step: state.Step, PatientID: state.PatientID})
}

// Get handles GET /sessions/{id}.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	h.mu.Lock()
	state, ok := h.sessions[id]
	h.mu.Unlock()
	if !ok {
		jsonError(w, "session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{ID: id, Step: state.Step, PatientID: state.PatientID})
}

// PatientScanRequest carries the scanned patient identifier.
type PatientScanRequest struct {
	Scanned string `json:"scanned"`
}

// OutcomeResponse reports a scan classification.
type OutcomeResponse struct {
	Result            workflow.Result     `json:"result"`
	Message           string              `json:"message"`
	Audit             workflow.AuditEntry `json:"audit"`
	Step              workflow.Step       `json:"step"`
	NeedsConfirmation bool                `json:"needs_confirmation,omitempty"`
	PromptAssessment  bool                `json:"prompt_assessment,omitempty"`
	RecordID          string              `json:"record_id,omitempty"`
}

// PatientScan handles POST /sessions/{id}/patient-scan.
func (h *SessionHandler) PatientScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req PatientScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	state, ok := h.sessions[id]
	h.mu.Unlock()
	if !ok {
		jsonError(w, "session not found", http.StatusNotFound)
		return
	}

	next, out := h.engine.ScanPatient(state, req.Scanned)
	h.store(id, state, next)
	h.publishAudit(r.Context(), state.PatientID, out.Audit)

	writeJSON(w, http.StatusOK, outcomeResponse(next, out))
}

// MedicationScanRequest carries the scanned medicine and any operator
// confirmations.
type MedicationScanRequest struct {
	MedicineID           string `json:"medicine_id"`
	ConfirmNotPrescribed bool   `json:"confirm_not_prescribed"`
	ConfirmEarlyDose     bool   `json:"confirm_early_dose"`
}

// MedicationScan handles POST /sessions/{id}/medication-scan.
func (h *SessionHandler) MedicationScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("session-handler")
	ctx, span := tracer.Start(ctx, "medication_scan")
	defer span.End()

	id := chi.URLParam(r, "id")

	var req MedicationScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MedicineID == "" {
		jsonError(w, "medicine_id is required", http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.String("session_id", id),
		attribute.String("medicine_id", req.MedicineID),
	)

	h.mu.Lock()
	state, ok := h.sessions[id]
	h.mu.Unlock()
	if !ok {
		jsonError(w, "session not found", http.StatusNotFound)
		return
	}

	opts := workflow.Options{
		ConfirmNotPrescribed: req.ConfirmNotPrescribed,
		ConfirmEarlyDose:     req.ConfirmEarlyDose,
		Operator:             middleware.GetOperator(ctx),
	}

	start := time.Now()
	resp, status, err := h.scan(ctx, id, state, req, opts)
	if err != nil {
		if errors.Is(err, workflow.ErrWrongStep) {
			jsonError(w, "scan the patient wristband first", http.StatusConflict)
			return
		}
		h.logger.Error("medication scan failed", zap.Error(err),
			zap.String("session_id", id))
		jsonError(w, "scan could not be processed", http.StatusInternalServerError)
		return
	}

	if h.metrics != nil {
		h.metrics.ObserveScan(string(resp.Result), time.Since(start).Seconds())
		if resp.Result == workflow.ResultBlocked {
			h.metrics.ProtocolBlocks.Inc()
		}
		if resp.PromptAssessment {
			h.metrics.AssessmentPrompts.Inc()
		}
	}
	if status == http.StatusOK {
		// Replayed duplicates already streamed their entry.
		h.publishAudit(ctx, state.PatientID, resp.Audit)
	}

	writeJSON(w, status, resp)
}

// scan runs the transition, debounced when a deduper is configured. A
// repeated scan inside the debounce window replays the first outcome
// instead of double-recording the dose.
func (h *SessionHandler) scan(ctx context.Context, id string, state workflow.State,
	req MedicationScanRequest, opts workflow.Options) (OutcomeResponse, int, error) {

	run := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		next, out, err := h.engine.ScanMedication(ctx, state, req.MedicineID, opts)
		if err != nil {
			return nil, err
		}
		h.store(id, state, next)
		return json.Marshal(outcomeResponse(next, out))
	}

	if h.dedupe == nil {
		raw, err := run(ctx, nil)
		if err != nil {
			return OutcomeResponse{}, 0, err
		}
		var resp OutcomeResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return OutcomeResponse{}, 0, err
		}
		return resp, http.StatusOK, nil
	}

	payload, _ := json.Marshal(req)
	key := idempotency.ScanKey(state.PatientID, req.MedicineID, time.Now())
	result, err := h.dedupe.Process(ctx, key, "medication-scan", payload, run)
	if err != nil {
		return OutcomeResponse{}, 0, err
	}

	var resp OutcomeResponse
	if err := json.Unmarshal(result.Response, &resp); err != nil {
		return OutcomeResponse{}, 0, err
	}
	status := http.StatusOK
	if result.Duplicate {
		status = http.StatusAlreadyReported
	}
	return resp, status, nil
}

// Reset handles POST /sessions/{id}/reset.
func (h *SessionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	h.mu.Lock()
	state, ok := h.sessions[id]
	if ok {
		next := state.Reset()
		h.sessions[id] = next
		state = next
	}
	h.mu.Unlock()
	if !ok {
		jsonError(w, "session not found", http.StatusNotFound)
		return
	}

	if h.metrics != nil {
		h.metrics.OpenWorkflows.Set(float64(h.openCount()))
	}
	writeJSON(w, http.StatusOK, SessionResponse{ID: id, Step: state.Step, PatientID: state.PatientID})
}

func (h *SessionHandler) store(id string, prev, next workflow.State) {
	h.mu.Lock()
	h.sessions[id] = next
	h.mu.Unlock()

	if h.metrics != nil && prev.Step != next.Step {
		h.metrics.OpenWorkflows.Set(float64(h.openCount()))
	}
}

func (h *SessionHandler) openCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.sessions {
		if s.Step == workflow.StepAwaitingMedication {
			n++
		}
	}
	return n
}

// publishAudit streams one audit entry to the audit topic, keyed by
// patient so a session replays in order.
func (h *SessionHandler) publishAudit(ctx context.Context, patientID string, entry workflow.AuditEntry) {
	if h.audit == nil || entry.Text == "" {
		return
	}
	payload, err := json.Marshal(struct {
		PatientID string `json:"patient_id"`
		workflow.AuditEntry
	}{PatientID: patientID, AuditEntry: entry})
	if err != nil {
		h.logger.Error("marshal audit entry failed", zap.Error(err))
		return
	}
	h.audit.PublishAsync(ctx, redpanda.TopicAudit, patientID, payload, func(err error) {
		if err != nil {
			h.logger.Warn("audit publish failed",
				zap.String("patient_id", patientID),
				zap.Error(err))
		}
	})
}

func outcomeResponse(state workflow.State, out workflow.Outcome) OutcomeResponse {
	resp := OutcomeResponse{
		Result:            out.Result,
		Message:           out.Message,
		Audit:             out.Audit,
		Step:              state.Step,
		NeedsConfirmation: out.NeedsConfirmation,
		PromptAssessment:  out.PromptAssessment,
	}
	if out.Record != nil {
		resp.RecordID = out.Record.ID
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

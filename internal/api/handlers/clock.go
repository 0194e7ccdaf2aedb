package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medsim/mar/internal/api/middleware"
	"github.com/medsim/mar/internal/engine/clock"
)

// ClockHandler exposes the simulation clock to instructors. Every engine
// decision reads through the same clock, so a jump here moves the whole
// scenario at once.
type ClockHandler struct {
	sim    *clock.Simulated
	logger *zap.Logger
}

// NewClockHandler creates a clock handler.
func NewClockHandler(sim *clock.Simulated, logger *zap.Logger) *ClockHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClockHandler{sim: sim, logger: logger}
}

// Routes returns the clock routes.
func (h *ClockHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Get)
	r.Post("/", h.Set)
	return r
}

// ClockResponse reports the simulation clock reading.
type ClockResponse struct {
	Now        time.Time `json:"now"`
	Simulating bool      `json:"simulating"`
}

// Get handles GET /instructor/clock.
func (h *ClockHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ClockResponse{
		Now:        h.sim.Now(),
		Simulating: h.sim.Simulating(),
	})
}

// SetClockRequest adjusts the simulation clock. Action is one of
// "absolute", "offset", "advance", or "reset".
type SetClockRequest struct {
	Action string `json:"action"`
	// Time is required for "absolute".
	Time time.Time `json:"time,omitempty"`
	// Minutes is required for "offset" and "advance".
	Minutes int `json:"minutes,omitempty"`
}

// Set handles POST /instructor/clock.
func (h *ClockHandler) Set(w http.ResponseWriter, r *http.Request) {
	var req SetClockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	switch req.Action {
	case "absolute":
		if req.Time.IsZero() {
			jsonError(w, "time is required for absolute", http.StatusBadRequest)
			return
		}
		h.sim.SetAbsolute(req.Time)
	case "offset":
		h.sim.SetOffset(time.Duration(req.Minutes) * time.Minute)
	case "advance":
		h.sim.Advance(time.Duration(req.Minutes) * time.Minute)
	case "reset":
		h.sim.Reset()
	default:
		jsonError(w, "unknown action", http.StatusBadRequest)
		return
	}

	h.logger.Info("simulation clock adjusted",
		zap.String("action", req.Action),
		zap.Int("minutes", req.Minutes),
		zap.Time("now", h.sim.Now()),
		zap.String("instructor", middleware.GetInstructor(r.Context())))

	writeJSON(w, http.StatusOK, ClockResponse{
		Now:        h.sim.Now(),
		Simulating: h.sim.Simulating(),
	})
}

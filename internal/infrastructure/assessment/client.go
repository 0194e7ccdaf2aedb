// Package assessment integrates the pain-assessment module. Reads go over
// HTTP behind a circuit breaker; prompt requests go to the event stream so
// a slow assessment UI never blocks a scan.
package assessment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/medsim/mar/internal/infrastructure/redpanda"
	"github.com/medsim/mar/pkg/circuitbreaker"
)

// PromptPublisher delivers prompt events to the stream.
type PromptPublisher interface {
	PublishAsync(ctx context.Context, topic, key string, value []byte, callback func(error))
}

// Client implements the workflow's assessment port.
type Client struct {
	baseURL   string
	http      *http.Client
	breaker   *circuitbreaker.CircuitBreaker
	publisher PromptPublisher
	logger    *zap.Logger
}

// NewClient creates an assessment client. publisher may be nil; prompt
// requests are then only logged.
func NewClient(baseURL string, publisher PromptPublisher, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("assessment-service"), logger)
	if err != nil {
		return nil, fmt.Errorf("create breaker: %w", err)
	}

	return &Client{
		baseURL:   baseURL,
		http:      &http.Client{Timeout: 5 * time.Second},
		breaker:   breaker,
		publisher: publisher,
		logger:    logger,
	}, nil
}

// Breaker exposes the circuit breaker for state gauges.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

type recentResponse struct {
	Recent bool `json:"recent"`
}

// RecentAssessment reports whether a pain assessment exists within the
// trailing window. Errors surface to the caller; the scan path treats them
// as "no recent assessment" and prompts anyway.
func (c *Client) RecentAssessment(ctx context.Context, patientID string, within time.Duration) (bool, error) {
	url := fmt.Sprintf("%s/patients/%s/assessments/recent?within=%s", c.baseURL, patientID, within)

	result, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("assessment service returned %d", resp.StatusCode)
		}

		var body recentResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, err
		}
		return body.Recent, nil
	})
	if err != nil {
		return false, fmt.Errorf("recent assessment check: %w", err)
	}
	return result.(bool), nil
}

// PromptEvent is the stream payload for a requested pain assessment.
type PromptEvent struct {
	PatientID   string    `json:"patient_id"`
	MedicineID  string    `json:"medicine_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// RequestPrompt asks the assessment module to open a pain assessment for
// the patient. Fire-and-forget: prompts are advisory.
func (c *Client) RequestPrompt(ctx context.Context, patientID, medicineID string) {
	if c.publisher == nil {
		c.logger.Info("assessment prompt requested",
			zap.String("patient_id", patientID),
			zap.String("medicine_id", medicineID))
		return
	}

	payload, err := json.Marshal(PromptEvent{
		PatientID:   patientID,
		MedicineID:  medicineID,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		c.logger.Error("marshal prompt event failed", zap.Error(err))
		return
	}

	c.publisher.PublishAsync(ctx, redpanda.TopicAssessmentPrompts, patientID, payload, func(err error) {
		if err != nil {
			c.logger.Warn("assessment prompt publish failed",
				zap.String("patient_id", patientID),
				zap.Error(err))
		}
	})
}

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"refurb-tracker/internal/config"
	"refurb-tracker/internal/models"
	"refurb-tracker/internal/store"
)

// DiagnosticsHandler pulls automated test results from the external
// diagnostics vendor when a job enters reset, and maps them into the same
// test_results rows that manual recording writes. The reset->functional
// guard reads evidence, not results, so a vendor outage delays nothing.
type DiagnosticsHandler struct {
	cfg        config.Config
	store      *store.Store
	httpClient *http.Client
	log        *zap.Logger
}

func NewDiagnosticsHandler(cfg config.Config, st *store.Store, log *zap.Logger) *DiagnosticsHandler {
	return &DiagnosticsHandler{
		cfg:        cfg,
		store:      st,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

type diagnosticsRequest struct {
	SerialNumber string  `json:"serial_number"`
	IMEI         *string `json:"imei,omitempty"`
}

type diagnosticsResponse struct {
	Results []struct {
		Name         string         `json:"name"`
		Status       string         `json:"status"`
		Notes        string         `json:"notes"`
		Measurements map[string]any `json:"measurements"`
	} `json:"results"`
}

// Handle performs one sync for the effect's job.
func (h *DiagnosticsHandler) Handle(ctx context.Context, eff models.Effect) error {
	if h.cfg.DiagnosticsURL == "" {
		h.log.Info("diagnostics sync skipped: no vendor configured", zap.String("job_id", eff.JobID))
		return nil
	}

	job, err := h.store.GetJob(ctx, eff.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	body, err := json.Marshal(diagnosticsRequest{SerialNumber: job.SerialNumber, IMEI: job.IMEI})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.DiagnosticsURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.DiagnosticsAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.DiagnosticsAPIKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call diagnostics vendor: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("diagnostics vendor: status %d", resp.StatusCode)
	}

	var payload diagnosticsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode diagnostics response: %w", err)
	}

	now := time.Now().UTC()
	for _, r := range payload.Results {
		rec := models.TestResult{
			ID:           uuid.New().String(),
			JobID:        job.ID,
			Name:         r.Name,
			Status:       mapVendorStatus(r.Status),
			PerformedBy:  "diagnostics-sync",
			PerformedAt:  now,
			Measurements: r.Measurements,
			Source:       models.ResultSourceDiagnostics,
		}
		if r.Notes != "" {
			notes := r.Notes
			rec.Notes = &notes
		}
		if err := h.store.InsertTestResult(ctx, rec); err != nil {
			return fmt.Errorf("record vendor result %q: %w", r.Name, err)
		}
	}

	h.log.Info("diagnostics sync complete",
		zap.String("job_id", job.ID), zap.Int("results", len(payload.Results)))
	return nil
}

func mapVendorStatus(s string) string {
	switch s {
	case "pass", "passed", "ok":
		return models.ResultPass
	case "fail", "failed":
		return models.ResultFail
	case "skip", "skipped":
		return models.ResultSkip
	default:
		return models.ResultPending
	}
}

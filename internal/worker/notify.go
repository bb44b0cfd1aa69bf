package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"refurb-tracker/internal/config"
	"refurb-tracker/internal/models"
)

// CompletionNotifier posts a signed webhook when a job reaches completed.
// The payload is signed with HMAC-SHA256 so receivers can verify origin.
type CompletionNotifier struct {
	cfg        config.Config
	httpClient *http.Client
	log        *zap.Logger
}

func NewCompletionNotifier(cfg config.Config, log *zap.Logger) *CompletionNotifier {
	return &CompletionNotifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log,
	}
}

type completionEvent struct {
	Event        string `json:"event"`
	JobID        string `json:"job_id"`
	TicketID     int64  `json:"ticket_id"`
	SerialNumber string `json:"serial_number"`
	CompletedAt  string `json:"completed_at"`
}

// Handle sends the notification for one completed job.
func (n *CompletionNotifier) Handle(ctx context.Context, eff models.Effect) error {
	if n.cfg.WebhookURL == "" {
		n.log.Info("completion notice skipped: no webhook configured", zap.String("job_id", eff.JobID))
		return nil
	}

	event := completionEvent{
		Event:        "job.completed",
		JobID:        eff.JobID,
		TicketID:     payloadInt64(eff.Payload, "ticket_id"),
		SerialNumber: payloadString(eff.Payload, "serial_number"),
		CompletedAt:  payloadString(eff.Payload, "completed_at"),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Refurb-Event", event.Event)
	if n.cfg.WebhookSecret != "" {
		req.Header.Set("X-Refurb-Signature", SignPayload(body, n.cfg.WebhookSecret))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook receiver: status %d", resp.StatusCode)
	}

	n.log.Info("completion notice delivered", zap.String("job_id", eff.JobID))
	return nil
}

// SignPayload computes the hex HMAC-SHA256 signature receivers verify.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func payloadString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func payloadInt64(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

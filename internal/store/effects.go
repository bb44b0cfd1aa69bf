package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"refurb-tracker/internal/models"
)

// ErrEffectNotFound is returned for unknown effect ids.
var ErrEffectNotFound = errors.New("effect not found")

// CreateEffect records a post-commit side-effect task. The row is the
// durable record; the Redis queue only carries the id.
func (s *Store) CreateEffect(ctx context.Context, jobID, kind string, payload map[string]any, maxAttempts int) (models.Effect, error) {
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	payloadJSON, err := marshalJSON(payload)
	if err != nil {
		return models.Effect{}, fmt.Errorf("marshal effect payload: %w", err)
	}
	now := time.Now().UTC()
	eff := models.Effect{
		ID:          uuid.New().String(),
		JobID:       jobID,
		Kind:        kind,
		Payload:     payload,
		Status:      models.EffectQueued,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO effects (id, job_id, kind, payload, status, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
	`, eff.ID, eff.JobID, eff.Kind, payloadJSON, eff.Status, eff.MaxAttempts, now)
	if err != nil {
		return models.Effect{}, fmt.Errorf("insert effect: %w", err)
	}
	return eff, nil
}

// GetEffect fetches an effect by id.
func (s *Store) GetEffect(ctx context.Context, id string) (models.Effect, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, job_id, kind, payload, status, attempts, max_attempts, last_error, created_at, updated_at
		FROM effects WHERE id = $1
	`, id)

	var eff models.Effect
	var payloadJSON []byte
	var lastErr pgtype.Text
	err := row.Scan(&eff.ID, &eff.JobID, &eff.Kind, &payloadJSON, &eff.Status,
		&eff.Attempts, &eff.MaxAttempts, &lastErr, &eff.CreatedAt, &eff.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Effect{}, ErrEffectNotFound
	}
	if err != nil {
		return models.Effect{}, fmt.Errorf("get effect: %w", err)
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &eff.Payload); err != nil {
			return models.Effect{}, fmt.Errorf("unmarshal effect payload: %w", err)
		}
	}
	eff.LastError = textPtr(lastErr)
	return eff, nil
}

// MarkEffectInProgress flags an effect as picked up by the worker.
func (s *Store) MarkEffectInProgress(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE effects SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.EffectInProgress)
	return err
}

// MarkEffectSucceeded finalizes a completed effect.
func (s *Store) MarkEffectSucceeded(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE effects SET status = $2, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.EffectSucceeded)
	return err
}

// UpdateEffectAttempts re-queues a failed effect with its error recorded.
func (s *Store) UpdateEffectAttempts(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE effects SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.EffectQueued, attempts, lastErr)
	return err
}

// MarkEffectDeadLetter parks an effect that exhausted its attempts.
func (s *Store) MarkEffectDeadLetter(ctx context.Context, id string, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE effects SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.EffectDeadLetter, lastErr)
	return err
}

// QueuedEffects counts effects awaiting a worker, for the depth gauge.
func (s *Store) QueuedEffects(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM effects WHERE status = $1
	`, models.EffectQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued effects: %w", err)
	}
	return n, nil
}

package models

import "time"

// Effect kinds dispatched by the worker.
const (
	EffectDiagnosticsSync   = "diagnostics_sync"
	EffectCompletionNotice  = "completion_notice"
	EffectEvidenceThumbnail = "evidence_thumbnail"
)

// Effect status values persisted in Postgres.
const (
	EffectQueued     = "queued"
	EffectInProgress = "in_progress"
	EffectSucceeded  = "succeeded"
	EffectDeadLetter = "dead_lettered"
)

// Effect is a best-effort task enqueued after a committed transition (or
// evidence upload). Effects retry independently and can never roll back
// the commit that produced them.
type Effect struct {
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	Kind        string         `json:"kind"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	LastError   *string        `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

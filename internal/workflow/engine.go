package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"refurb-tracker/internal/models"
)

var (
	// ErrNotFound means the job does not exist or is soft-deleted.
	ErrNotFound = errors.New("job not found")
	// ErrStageConflict means a concurrent transition invalidated the
	// caller's view of the current stage. Reload and retry.
	ErrStageConflict = errors.New("job stage changed concurrently")
)

// Store is the transactional persistence the engine commits through.
// ApplyTransition must write the stage mutation and the history record as
// one atomic unit, re-checking that the row still holds expect under a
// write-visible lock and returning ErrStageConflict otherwise.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	InsertJob(ctx context.Context, job models.Job, rec models.JobHistory) (models.Job, error)
	ApplyTransition(ctx context.Context, job models.Job, expect models.Stage, rec models.JobHistory) (models.Job, error)
}

// Engine is the workflow orchestrator. It is safe for concurrent use; all
// per-job isolation is delegated to the Store's transaction.
type Engine struct {
	store    Store
	evidence EvidenceLookup
	guards   map[stagePair][]Guard
	now      func() time.Time
}

func New(store Store, evidence EvidenceLookup) *Engine {
	return &Engine{
		store:    store,
		evidence: evidence,
		guards:   guardTable,
		now:      time.Now,
	}
}

// Result is the structured outcome of a transition attempt. Structural and
// guard failures land in Errors with Success=false; they are not Go errors
// so callers can render the complete message set.
type Result struct {
	Success   bool         `json:"success"`
	From      models.Stage `json:"from_stage"`
	To        models.Stage `json:"to_stage,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Warnings  []string     `json:"warnings"`
	Errors    []string     `json:"errors"`
}

// CreateParams collects intake inputs for a new job.
type CreateParams struct {
	SerialNumber      string
	IMEI              *string
	BatchID           *string
	CustomerReference *string
	IntakeCondition   map[string]any
	ActorID           string
	Notes             string
}

// Create opens a job at intake and writes the synthetic (nil -> intake)
// history record in the same transaction. The ticket number is assigned by
// the store's sequence, never computed here.
func (e *Engine) Create(ctx context.Context, p CreateParams) (models.Job, error) {
	now := e.now().UTC()
	job := models.Job{
		ID:                uuid.New().String(),
		SerialNumber:      p.SerialNumber,
		IMEI:              p.IMEI,
		BatchID:           p.BatchID,
		CustomerReference: p.CustomerReference,
		IntakeCondition:   p.IntakeCondition,
		Stage:             models.StageIntake,
		IntakeStartedAt:   &now,
		IsFullyTested:     true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if p.ActorID != "" {
		actor := p.ActorID
		job.AssignedTechnicianID = &actor
	}
	notes := p.Notes
	if notes == "" {
		notes = "job created"
	}
	rec := models.JobHistory{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		FromStage: nil,
		ToStage:   models.StageIntake,
		ChangedBy: p.ActorID,
		ChangedAt: now,
		Notes:     &notes,
	}
	return e.store.InsertJob(ctx, job, rec)
}

// CreateBatch opens one job per serial number sharing the common fields.
func (e *Engine) CreateBatch(ctx context.Context, serials []string, common CreateParams) ([]models.Job, error) {
	jobs := make([]models.Job, 0, len(serials))
	for _, sn := range serials {
		p := common
		p.SerialNumber = sn
		p.Notes = "job created (batch)"
		job, err := e.Create(ctx, p)
		if err != nil {
			return jobs, fmt.Errorf("create job for serial %s: %w", sn, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Transition attempts to move a job to target on behalf of actorID.
// Structural and guard rejections return a failed Result with a nil error
// and leave the job untouched. Not-found, stage conflicts, and store
// failures return a Go error.
func (e *Engine) Transition(ctx context.Context, jobID string, target models.Stage, actorID, notes string) (models.Job, Result, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, Result{}, err
	}
	now := e.now().UTC()

	if !CanTransition(job.Stage, target) {
		return job, Result{
			Success:   false,
			From:      job.Stage,
			Timestamp: now,
			Errors:    []string{fmt.Sprintf("cannot transition from %s to %s", job.Stage, target)},
		}, nil
	}

	var failures []string
	for _, guard := range e.guards[stagePair{job.Stage, target}] {
		msg, err := guard(ctx, job, e.evidence)
		if err != nil {
			return models.Job{}, Result{}, fmt.Errorf("evaluate guard for %s->%s: %w", job.Stage, target, err)
		}
		if msg != "" {
			failures = append(failures, msg)
		}
	}
	if len(failures) > 0 {
		return job, Result{
			Success:   false,
			From:      job.Stage,
			Timestamp: now,
			Errors:    failures,
		}, nil
	}

	return e.commit(ctx, job, target, actorID, notes, now, nil)
}

// ForceTransition is the administrative override: it bypasses both the
// transition table and the guards but still routes through the same atomic
// commit, and its history record is marked so audits can tell it apart.
func (e *Engine) ForceTransition(ctx context.Context, jobID string, target models.Stage, actorID, notes string) (models.Job, Result, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, Result{}, err
	}
	meta := map[string]any{"forced": true}
	return e.commit(ctx, job, target, actorID, notes, e.now().UTC(), meta)
}

func (e *Engine) commit(ctx context.Context, job models.Job, target models.Stage, actorID, notes string, now time.Time, meta map[string]any) (models.Job, Result, error) {
	from := job.Stage
	updated := job
	updated.Stage = target
	updated.UpdatedAt = now
	stampStageTimestamps(&updated, target, now)

	rec := models.JobHistory{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		FromStage: &from,
		ToStage:   target,
		ChangedBy: actorID,
		ChangedAt: now,
		Metadata:  meta,
	}
	if notes != "" {
		rec.Notes = &notes
	}

	committed, err := e.store.ApplyTransition(ctx, updated, from, rec)
	if err != nil {
		return models.Job{}, Result{}, err
	}

	var warnings []string
	if target == models.StageCompleted && !committed.IsFullyTested {
		w := "completed without full test coverage"
		if committed.SkipReason != nil && *committed.SkipReason != "" {
			w += ": " + *committed.SkipReason
		}
		warnings = append(warnings, w)
	}

	return committed, Result{
		Success:   true,
		From:      from,
		To:        target,
		Timestamp: now,
		Warnings:  warnings,
		Errors:    []string{},
	}, nil
}

// stampStageTimestamps records the stage boundary times for the edge being
// taken. Fields already set are left alone: boundaries are stamped at most
// once even if a held job re-enters a stage.
func stampStageTimestamps(job *models.Job, target models.Stage, now time.Time) {
	set := func(f **time.Time) {
		if *f == nil {
			t := now
			*f = &t
		}
	}
	switch target {
	case models.StageReset:
		set(&job.IntakeCompletedAt)
		set(&job.ResetStartedAt)
	case models.StageFunctional:
		set(&job.ResetCompletedAt)
		set(&job.FunctionalStartedAt)
	case models.StageQC:
		set(&job.FunctionalCompletedAt)
		set(&job.QCStartedAt)
	case models.StageCompleted:
		set(&job.QCCompletedAt)
		set(&job.CompletedAt)
	}
}

// Replay folds a job's chronological history and returns the stage it
// reconstructs. ok is false when the sequence is malformed (empty, or a
// record's from_stage disagrees with its predecessor). The history is the
// source of truth for how a job got where it is; a mismatch against the
// job row indicates corruption.
func Replay(history []models.JobHistory) (models.Stage, bool) {
	if len(history) == 0 {
		return "", false
	}
	if history[0].FromStage != nil {
		return "", false
	}
	current := history[0].ToStage
	for _, rec := range history[1:] {
		if rec.FromStage == nil || *rec.FromStage != current {
			return "", false
		}
		current = rec.ToStage
	}
	return current, true
}

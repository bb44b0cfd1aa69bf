package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"refurb-tracker/internal/models"
	"refurb-tracker/internal/workflow"
)

// Store wraps pgxpool for Postgres persistence. It implements
// workflow.Store and workflow.EvidenceLookup.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, ticket_id, serial_number, imei, batch_id, customer_reference,
	stage, assigned_technician_id, intake_condition,
	intake_started_at, intake_completed_at, reset_started_at, reset_completed_at,
	functional_started_at, functional_completed_at, qc_started_at, qc_completed_at, completed_at,
	qc_technician_id, qc_initials, qc_notes, is_fully_tested, skip_reason,
	created_at, updated_at`

// InsertJob writes a job row and its initial history record in one
// transaction. The ticket number comes from the job_ticket_seq sequence so
// concurrent intake can never produce duplicates.
func (s *Store) InsertJob(ctx context.Context, job models.Job, rec models.JobHistory) (models.Job, error) {
	condJSON, err := marshalJSON(job.IntakeCondition)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal intake condition: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	err = tx.QueryRow(ctx, `
		INSERT INTO jobs (id, ticket_id, serial_number, imei, batch_id, customer_reference,
			stage, assigned_technician_id, intake_condition, intake_started_at,
			is_fully_tested, created_at, updated_at)
		VALUES ($1, nextval('job_ticket_seq'), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING ticket_id
	`, job.ID, job.SerialNumber, job.IMEI, job.BatchID, job.CustomerReference,
		job.Stage, job.AssignedTechnicianID, condJSON, job.IntakeStartedAt,
		job.IsFullyTested, job.CreatedAt).Scan(&job.TicketID)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	if err := insertHistory(ctx, tx, rec); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id. Soft-deleted jobs are invisible.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND deleted_at IS NULL
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, workflow.ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs filtered by stage and/or assigned technician,
// newest first.
func (s *Store) ListJobs(ctx context.Context, stage *models.Stage, technicianID *string, limit, offset int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE deleted_at IS NULL
		  AND ($1::text IS NULL OR stage = $1)
		  AND ($2::text IS NULL OR assigned_technician_id = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, stage, technicianID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ApplyTransition commits a stage change and its history record as one
// atomic unit. The job row is re-read under FOR UPDATE and the stage
// compared against expect; a raced writer gets ErrStageConflict instead of
// silently overwriting the first writer's history. Stage boundary
// timestamps are COALESCEd so they are set at most once.
func (s *Store) ApplyTransition(ctx context.Context, job models.Job, expect models.Stage, rec models.JobHistory) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `
		SELECT stage FROM jobs WHERE id = $1 AND deleted_at IS NULL FOR UPDATE
	`, job.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, workflow.ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("lock job: %w", err)
	}
	if current != string(expect) {
		return models.Job{}, workflow.ErrStageConflict
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobs SET stage = $2, updated_at = $3,
			intake_completed_at     = COALESCE(intake_completed_at, $4),
			reset_started_at        = COALESCE(reset_started_at, $5),
			reset_completed_at      = COALESCE(reset_completed_at, $6),
			functional_started_at   = COALESCE(functional_started_at, $7),
			functional_completed_at = COALESCE(functional_completed_at, $8),
			qc_started_at           = COALESCE(qc_started_at, $9),
			qc_completed_at         = COALESCE(qc_completed_at, $10),
			completed_at            = COALESCE(completed_at, $11)
		WHERE id = $1
	`, job.ID, job.Stage, job.UpdatedAt,
		job.IntakeCompletedAt, job.ResetStartedAt, job.ResetCompletedAt,
		job.FunctionalStartedAt, job.FunctionalCompletedAt,
		job.QCStartedAt, job.QCCompletedAt, job.CompletedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("update job stage: %w", err)
	}

	if err := insertHistory(ctx, tx, rec); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit transition: %w", err)
	}
	return s.GetJob(ctx, job.ID)
}

// UpdateJobParams carries optional field updates; nil fields are left alone.
type UpdateJobParams struct {
	IMEI                 *string
	BatchID              *string
	CustomerReference    *string
	AssignedTechnicianID *string
	IntakeCondition      map[string]any
	QCTechnicianID       *string
	QCInitials           *string
	QCNotes              *string
	IsFullyTested        *bool
	SkipReason           *string
}

// UpdateJob patches mutable job fields. The stage column is deliberately
// not touchable here; all stage changes go through ApplyTransition.
func (s *Store) UpdateJob(ctx context.Context, id string, p UpdateJobParams) (models.Job, error) {
	condJSON, err := marshalJSON(p.IntakeCondition)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal intake condition: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			imei                   = COALESCE($2, imei),
			batch_id               = COALESCE($3, batch_id),
			customer_reference     = COALESCE($4, customer_reference),
			assigned_technician_id = COALESCE($5, assigned_technician_id),
			intake_condition       = COALESCE($6, intake_condition),
			qc_technician_id       = COALESCE($7, qc_technician_id),
			qc_initials            = COALESCE($8, qc_initials),
			qc_notes               = COALESCE($9, qc_notes),
			is_fully_tested        = COALESCE($10, is_fully_tested),
			skip_reason            = COALESCE($11, skip_reason),
			updated_at             = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, p.IMEI, p.BatchID, p.CustomerReference, p.AssignedTechnicianID,
		condJSON, p.QCTechnicianID, p.QCInitials, p.QCNotes, p.IsFullyTested, p.SkipReason)
	if err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, workflow.ErrNotFound
	}
	return s.GetJob(ctx, id)
}

// SoftDeleteJob hides a job from the workflow engine without destroying
// its audit trail.
func (s *Store) SoftDeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("soft delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

// ListHistory returns a job's audit trail in chronological order. The
// tiebreak on insertion order keeps replay deterministic when two records
// share a timestamp.
func (s *Store) ListHistory(ctx context.Context, jobID string) ([]models.JobHistory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, from_stage, to_stage, changed_by, changed_at, notes, metadata
		FROM job_history WHERE job_id = $1
		ORDER BY changed_at ASC, seq ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []models.JobHistory
	for rows.Next() {
		var rec models.JobHistory
		var from pgtype.Text
		var notes pgtype.Text
		var metaJSON []byte
		if err := rows.Scan(&rec.ID, &rec.JobID, &from, &rec.ToStage, &rec.ChangedBy, &rec.ChangedAt, &notes, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if from.Valid {
			st := models.Stage(from.String)
			rec.FromStage = &st
		}
		rec.Notes = textPtr(notes)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal history metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func insertHistory(ctx context.Context, tx pgx.Tx, rec models.JobHistory) error {
	metaJSON, err := marshalJSON(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal history metadata: %w", err)
	}
	var from *string
	if rec.FromStage != nil {
		f := string(*rec.FromStage)
		from = &f
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO job_history (id, job_id, from_stage, to_stage, changed_by, changed_at, notes, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.JobID, from, rec.ToStage, rec.ChangedBy, rec.ChangedAt, rec.Notes, metaJSON)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var imei, batch, custRef, tech, qcTech, qcInitials, qcNotes, skip pgtype.Text
	var condJSON []byte
	var intakeC, resetS, resetC, funcS, funcC, qcS, qcC, compl, intakeS pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.TicketID, &job.SerialNumber, &imei, &batch, &custRef,
		&job.Stage, &tech, &condJSON,
		&intakeS, &intakeC, &resetS, &resetC,
		&funcS, &funcC, &qcS, &qcC, &compl,
		&qcTech, &qcInitials, &qcNotes, &job.IsFullyTested, &skip,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}

	job.IMEI = textPtr(imei)
	job.BatchID = textPtr(batch)
	job.CustomerReference = textPtr(custRef)
	job.AssignedTechnicianID = textPtr(tech)
	job.QCTechnicianID = textPtr(qcTech)
	job.QCInitials = textPtr(qcInitials)
	job.QCNotes = textPtr(qcNotes)
	job.SkipReason = textPtr(skip)
	job.IntakeStartedAt = tsPtr(intakeS)
	job.IntakeCompletedAt = tsPtr(intakeC)
	job.ResetStartedAt = tsPtr(resetS)
	job.ResetCompletedAt = tsPtr(resetC)
	job.FunctionalStartedAt = tsPtr(funcS)
	job.FunctionalCompletedAt = tsPtr(funcC)
	job.QCStartedAt = tsPtr(qcS)
	job.QCCompletedAt = tsPtr(qcC)
	job.CompletedAt = tsPtr(compl)

	if len(condJSON) > 0 {
		if err := json.Unmarshal(condJSON, &job.IntakeCondition); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal intake condition: %w", err)
		}
	}
	return job, nil
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

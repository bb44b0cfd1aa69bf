package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"refurb-tracker/internal/models"
)

// ErrEvidenceNotFound is returned when an evidence id does not exist or is
// already superseded (for supersession).
var ErrEvidenceNotFound = errors.New("evidence not found")

const evidenceColumns = `id, job_id, test_result_id, stage, evidence_type,
	original_filename, stored_filename, storage_key, size_bytes, mime_type, sha256_hash,
	captured_by, captured_at, caption, created_at, superseded_by_id, superseded_at`

// InsertEvidence writes an evidence row. Evidence is immutable once
// written; the only later mutation is supersession.
func (s *Store) InsertEvidence(ctx context.Context, e models.Evidence) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO evidence (id, job_id, test_result_id, stage, evidence_type,
			original_filename, stored_filename, storage_key, size_bytes, mime_type, sha256_hash,
			captured_by, captured_at, caption, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, e.ID, e.JobID, e.TestResultID, e.Stage, e.Type,
		e.OriginalFilename, e.StoredFilename, e.StorageKey, e.SizeBytes, e.MimeType, e.SHA256,
		e.CapturedBy, e.CapturedAt, e.Caption, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

// GetEvidence fetches one evidence item by id, superseded or not.
func (s *Store) GetEvidence(ctx context.Context, id string) (models.Evidence, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE id = $1`, id)
	e, err := scanEvidence(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Evidence{}, ErrEvidenceNotFound
	}
	if err != nil {
		return models.Evidence{}, fmt.Errorf("get evidence: %w", err)
	}
	return e, nil
}

// ListEvidence returns a job's evidence, oldest first. Superseded items
// are excluded unless includeSuperseded is set.
func (s *Store) ListEvidence(ctx context.Context, jobID string, includeSuperseded bool) ([]models.Evidence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+evidenceColumns+` FROM evidence
		WHERE job_id = $1 AND ($2 OR superseded_at IS NULL)
		ORDER BY created_at ASC
	`, jobID, includeSuperseded)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()

	var out []models.Evidence
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountActiveEvidence counts non-superseded evidence for a job stage.
// This is the query the reset->functional guard reads.
func (s *Store) CountActiveEvidence(ctx context.Context, jobID string, stage models.Stage) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM evidence
		WHERE job_id = $1 AND stage = $2 AND superseded_at IS NULL
	`, jobID, stage).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count evidence: %w", err)
	}
	return n, nil
}

// SupersedeEvidence marks an item replaced by a newer one. The row itself
// is never deleted.
func (s *Store) SupersedeEvidence(ctx context.Context, id, replacementID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE evidence SET superseded_by_id = $2, superseded_at = NOW()
		WHERE id = $1 AND superseded_at IS NULL
	`, id, replacementID)
	if err != nil {
		return fmt.Errorf("supersede evidence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEvidenceNotFound
	}
	return nil
}

func scanEvidence(row pgx.Row) (models.Evidence, error) {
	var e models.Evidence
	var testResultID, caption, supersededBy pgtype.Text
	var supersededAt pgtype.Timestamptz

	err := row.Scan(&e.ID, &e.JobID, &testResultID, &e.Stage, &e.Type,
		&e.OriginalFilename, &e.StoredFilename, &e.StorageKey, &e.SizeBytes, &e.MimeType, &e.SHA256,
		&e.CapturedBy, &e.CapturedAt, &caption, &e.CreatedAt, &supersededBy, &supersededAt)
	if err != nil {
		return models.Evidence{}, err
	}
	e.TestResultID = textPtr(testResultID)
	e.Caption = textPtr(caption)
	e.SupersededByID = textPtr(supersededBy)
	e.SupersededAt = tsPtr(supersededAt)
	return e, nil
}

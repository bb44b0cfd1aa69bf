package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"refurb-tracker/internal/models"
)

// InsertTestResult records one test outcome for a job.
func (s *Store) InsertTestResult(ctx context.Context, r models.TestResult) error {
	measJSON, err := marshalJSON(r.Measurements)
	if err != nil {
		return fmt.Errorf("marshal measurements: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO test_results (id, job_id, test_step_id, name, status,
			performed_by, performed_at, notes, measurements, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, r.ID, r.JobID, r.TestStepID, r.Name, r.Status,
		r.PerformedBy, r.PerformedAt, r.Notes, measJSON, r.Source)
	if err != nil {
		return fmt.Errorf("insert test result: %w", err)
	}
	return nil
}

// ListTestResults returns a job's results in the order they were performed.
func (s *Store) ListTestResults(ctx context.Context, jobID string) ([]models.TestResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, test_step_id, name, status, performed_by, performed_at, notes, measurements, source
		FROM test_results WHERE job_id = $1
		ORDER BY performed_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list test results: %w", err)
	}
	defer rows.Close()

	var out []models.TestResult
	for rows.Next() {
		var r models.TestResult
		var stepID, notes pgtype.Text
		var measJSON []byte
		if err := rows.Scan(&r.ID, &r.JobID, &stepID, &r.Name, &r.Status,
			&r.PerformedBy, &r.PerformedAt, &notes, &measJSON, &r.Source); err != nil {
			return nil, fmt.Errorf("scan test result: %w", err)
		}
		r.TestStepID = textPtr(stepID)
		r.Notes = textPtr(notes)
		if len(measJSON) > 0 {
			if err := json.Unmarshal(measJSON, &r.Measurements); err != nil {
				return nil, fmt.Errorf("unmarshal measurements: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListTestSteps returns the step templates for a stage, in sequence order.
// A device model filter narrows to model-specific steps plus generic ones.
func (s *Store) ListTestSteps(ctx context.Context, stage models.Stage, deviceModel *string) ([]models.TestStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_model, stage, name, description, sequence_order, is_mandatory, requires_evidence
		FROM test_steps
		WHERE stage = $1 AND (device_model IS NULL OR $2::text IS NULL OR device_model = $2)
		ORDER BY sequence_order ASC
	`, stage, deviceModel)
	if err != nil {
		return nil, fmt.Errorf("list test steps: %w", err)
	}
	defer rows.Close()

	var out []models.TestStep
	for rows.Next() {
		var st models.TestStep
		var model, desc pgtype.Text
		if err := rows.Scan(&st.ID, &model, &st.Stage, &st.Name, &desc,
			&st.SequenceOrder, &st.IsMandatory, &st.RequiresEvidence); err != nil {
			return nil, fmt.Errorf("scan test step: %w", err)
		}
		st.DeviceModel = textPtr(model)
		st.Description = textPtr(desc)
		out = append(out, st)
	}
	return out, rows.Err()
}

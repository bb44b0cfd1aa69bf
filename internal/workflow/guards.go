package workflow

import (
	"context"

	"refurb-tracker/internal/models"
)

// EvidenceLookup answers the read-only evidence queries guards need.
type EvidenceLookup interface {
	// CountActiveEvidence counts non-superseded evidence items scoped to
	// a job and stage.
	CountActiveEvidence(ctx context.Context, jobID string, stage models.Stage) (int, error)
}

// Guard is a pure precondition over job and evidence state. It returns a
// failure message when the precondition is unmet, or "" when it holds.
// Guards never mutate anything.
type Guard func(ctx context.Context, job models.Job, ev EvidenceLookup) (string, error)

type stagePair struct {
	from, to models.Stage
}

// guardTable maps a transition edge to its preconditions. The orchestrator
// runs every guard for the edge and collects all failures, so callers get
// the complete error set in one attempt. Edges out of on_hold carry no
// guards: resuming is deliberately permissive.
var guardTable = map[stagePair][]Guard{
	{models.StageIntake, models.StageReset}:     {requireIntakeCondition},
	{models.StageReset, models.StageFunctional}: {requireResetEvidence},
	{models.StageQC, models.StageCompleted}:     {requireQCSignoff},
}

func requireIntakeCondition(_ context.Context, job models.Job, _ EvidenceLookup) (string, error) {
	if len(job.IntakeCondition) == 0 {
		return "intake condition assessment must be completed", nil
	}
	return "", nil
}

func requireResetEvidence(ctx context.Context, job models.Job, ev EvidenceLookup) (string, error) {
	n, err := ev.CountActiveEvidence(ctx, job.ID, models.StageReset)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "factory reset evidence is required", nil
	}
	return "", nil
}

func requireQCSignoff(_ context.Context, job models.Job, _ EvidenceLookup) (string, error) {
	if job.QCTechnicianID == nil || *job.QCTechnicianID == "" ||
		job.QCInitials == nil || *job.QCInitials == "" {
		return "QC sign-off is required before completion", nil
	}
	return "", nil
}

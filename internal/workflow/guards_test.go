package workflow

import (
	"context"
	"testing"

	"refurb-tracker/internal/models"
)

type fakeEvidence struct {
	counts map[string]int
}

func (f fakeEvidence) CountActiveEvidence(_ context.Context, jobID string, stage models.Stage) (int, error) {
	return f.counts[jobID+"/"+string(stage)], nil
}

func TestRequireIntakeCondition(t *testing.T) {
	ctx := context.Background()
	job := models.Job{ID: "j1"}

	msg, err := requireIntakeCondition(ctx, job, nil)
	if err != nil {
		t.Fatalf("guard error: %v", err)
	}
	if msg == "" {
		t.Fatal("expected failure for empty intake condition")
	}

	job.IntakeCondition = map[string]any{"screen": "cracked"}
	msg, _ = requireIntakeCondition(ctx, job, nil)
	if msg != "" {
		t.Fatalf("expected pass, got %q", msg)
	}
}

func TestRequireResetEvidence(t *testing.T) {
	ctx := context.Background()
	job := models.Job{ID: "j1"}
	ev := fakeEvidence{counts: map[string]int{}}

	msg, err := requireResetEvidence(ctx, job, ev)
	if err != nil {
		t.Fatalf("guard error: %v", err)
	}
	if msg == "" {
		t.Fatal("expected failure with no reset evidence")
	}

	ev.counts["j1/reset"] = 1
	msg, _ = requireResetEvidence(ctx, job, ev)
	if msg != "" {
		t.Fatalf("expected pass, got %q", msg)
	}
}

func TestRequireQCSignoff(t *testing.T) {
	ctx := context.Background()
	job := models.Job{ID: "j1"}

	msg, _ := requireQCSignoff(ctx, job, nil)
	if msg == "" {
		t.Fatal("expected failure with no sign-off")
	}

	tech := "tech-7"
	job.QCTechnicianID = &tech
	msg, _ = requireQCSignoff(ctx, job, nil)
	if msg == "" {
		t.Fatal("technician alone is not a sign-off, initials required too")
	}

	initials := "AB"
	job.QCInitials = &initials
	msg, _ = requireQCSignoff(ctx, job, nil)
	if msg != "" {
		t.Fatalf("expected pass, got %q", msg)
	}
}

func TestOnHoldEdgesCarryNoGuards(t *testing.T) {
	for _, target := range []models.Stage{models.StageIntake, models.StageReset, models.StageFunctional, models.StageQC} {
		if guards := guardTable[stagePair{models.StageOnHold, target}]; len(guards) != 0 {
			t.Fatalf("on_hold -> %s should be unguarded, got %d guards", target, len(guards))
		}
	}
}

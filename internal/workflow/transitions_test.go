package workflow

import (
	"testing"

	"refurb-tracker/internal/models"
)

func TestTerminalStagesHaveNoTargets(t *testing.T) {
	if got := ValidTargets(models.StageCompleted); len(got) != 0 {
		t.Fatalf("completed should have no targets, got %v", got)
	}
	if got := ValidTargets(models.StageFailed); len(got) != 0 {
		t.Fatalf("failed should have no targets, got %v", got)
	}
}

func TestQCCanBounceBackToFunctional(t *testing.T) {
	if !CanTransition(models.StageQC, models.StageFunctional) {
		t.Fatal("qc -> functional should be a legal edge")
	}
}

func TestOnHoldResumesIntoActiveStages(t *testing.T) {
	for _, target := range []models.Stage{models.StageIntake, models.StageReset, models.StageFunctional, models.StageQC} {
		if !CanTransition(models.StageOnHold, target) {
			t.Fatalf("on_hold -> %s should be a legal edge", target)
		}
	}
	if CanTransition(models.StageOnHold, models.StageCompleted) {
		t.Fatal("on_hold must not resume directly into completed")
	}
}

func TestNoStageSkipping(t *testing.T) {
	if CanTransition(models.StageIntake, models.StageFunctional) {
		t.Fatal("intake must not skip to functional")
	}
	if CanTransition(models.StageReset, models.StageCompleted) {
		t.Fatal("reset must not skip to completed")
	}
}

func TestValidTargetsReturnsCopy(t *testing.T) {
	targets := ValidTargets(models.StageIntake)
	if len(targets) == 0 {
		t.Fatal("intake should have targets")
	}
	targets[0] = models.StageCompleted
	if CanTransition(models.StageIntake, models.StageCompleted) {
		t.Fatal("mutating the returned slice must not change the table")
	}
}

package workflow

import "refurb-tracker/internal/models"

// transitions is the static adjacency map of legal stage moves.
// completed and failed are terminal: no edges out, not even for
// privileged callers (only ForceTransition bypasses this table).
var transitions = map[models.Stage][]models.Stage{
	models.StageIntake:     {models.StageReset, models.StageFailed, models.StageOnHold},
	models.StageReset:      {models.StageFunctional, models.StageFailed, models.StageOnHold},
	models.StageFunctional: {models.StageQC, models.StageFailed, models.StageOnHold},
	// QC can bounce a device back to functional testing.
	models.StageQC: {models.StageCompleted, models.StageFailed, models.StageOnHold, models.StageFunctional},
	// A held job resumes into any active stage.
	models.StageOnHold:    {models.StageIntake, models.StageReset, models.StageFunctional, models.StageQC},
	models.StageCompleted: {},
	models.StageFailed:    {},
}

// ValidTargets returns the stages reachable from current. It is a pure
// table lookup: a listed target may still be rejected by a guard at
// execution time, since guard state is dynamic.
func ValidTargets(current models.Stage) []models.Stage {
	targets := transitions[current]
	out := make([]models.Stage, len(targets))
	copy(out, targets)
	return out
}

// CanTransition reports whether the edge current -> target exists.
func CanTransition(current, target models.Stage) bool {
	for _, t := range transitions[current] {
		if t == target {
			return true
		}
	}
	return false
}

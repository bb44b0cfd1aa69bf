package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"refurb-tracker/internal/models"
)

// memStore is an in-memory Store with the same conflict semantics as the
// Postgres implementation: ApplyTransition rejects when the stored stage
// no longer matches the caller's expectation.
type memStore struct {
	jobs       map[string]models.Job
	history    map[string][]models.JobHistory
	nextTicket int64
}

func newMemStore() *memStore {
	return &memStore{
		jobs:       make(map[string]models.Job),
		history:    make(map[string][]models.JobHistory),
		nextTicket: 10001,
	}
}

func (m *memStore) GetJob(_ context.Context, id string) (models.Job, error) {
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return job, nil
}

func (m *memStore) InsertJob(_ context.Context, job models.Job, rec models.JobHistory) (models.Job, error) {
	job.TicketID = m.nextTicket
	m.nextTicket++
	m.jobs[job.ID] = job
	m.history[job.ID] = append(m.history[job.ID], rec)
	return job, nil
}

func (m *memStore) ApplyTransition(_ context.Context, job models.Job, expect models.Stage, rec models.JobHistory) (models.Job, error) {
	current, ok := m.jobs[job.ID]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	if current.Stage != expect {
		return models.Job{}, ErrStageConflict
	}
	m.jobs[job.ID] = job
	m.history[job.ID] = append(m.history[job.ID], rec)
	return job, nil
}

func newTestEngine(st *memStore, ev EvidenceLookup) *Engine {
	e := New(st, ev)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }
	return e
}

func mustCreate(t *testing.T, e *Engine, cond map[string]any) models.Job {
	t.Helper()
	job, err := e.Create(context.Background(), CreateParams{
		SerialNumber:    "SN-100",
		IntakeCondition: cond,
		ActorID:         "tech-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return job
}

func TestCreateOpensJobAtIntake(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(st, fakeEvidence{counts: map[string]int{}})
	job := mustCreate(t, e, nil)

	if job.Stage != models.StageIntake {
		t.Fatalf("new job stage = %s, want intake", job.Stage)
	}
	if job.TicketID != 10001 {
		t.Fatalf("ticket = %d, want 10001", job.TicketID)
	}
	if job.IntakeStartedAt == nil {
		t.Fatal("intake_started_at should be stamped at creation")
	}

	recs := st.history[job.ID]
	if len(recs) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(recs))
	}
	if recs[0].FromStage != nil {
		t.Fatalf("creation record from_stage = %v, want nil", *recs[0].FromStage)
	}
	if recs[0].ToStage != models.StageIntake {
		t.Fatalf("creation record to_stage = %s, want intake", recs[0].ToStage)
	}
}

func TestCreateBatchAssignsSequentialTickets(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(st, fakeEvidence{counts: map[string]int{}})

	jobs, err := e.CreateBatch(context.Background(), []string{"A", "B", "C"}, CreateParams{ActorID: "tech-1"})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	for i, job := range jobs {
		if job.TicketID != int64(10001+i) {
			t.Fatalf("job %d ticket = %d, want %d", i, job.TicketID, 10001+i)
		}
	}
}

func TestHappyPathThroughCompletion(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	ev := fakeEvidence{counts: map[string]int{}}
	e := newTestEngine(st, ev)
	job := mustCreate(t, e, map[string]any{"screen": "ok"})

	ev.counts[job.ID+"/reset"] = 1

	steps := []models.Stage{models.StageReset, models.StageFunctional, models.StageQC}
	for _, target := range steps {
		var result Result
		var err error
		job, result, err = e.Transition(ctx, job.ID, target, "tech-1", "")
		if err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
		if !result.Success {
			t.Fatalf("transition to %s rejected: %v", target, result.Errors)
		}
	}

	// Sign off QC directly, as the PATCH endpoint would.
	tech, initials := "qc-9", "QA"
	job.QCTechnicianID = &tech
	job.QCInitials = &initials
	st.jobs[job.ID] = job

	job, result, err := e.Transition(ctx, job.ID, models.StageCompleted, "qc-9", "all good")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !result.Success {
		t.Fatalf("completion rejected: %v", result.Errors)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("fully tested job should complete without warnings, got %v", result.Warnings)
	}
	if job.CompletedAt == nil || job.QCCompletedAt == nil {
		t.Fatal("completion timestamps should be stamped")
	}

	if replayed, ok := Replay(st.history[job.ID]); !ok || replayed != models.StageCompleted {
		t.Fatalf("replay = %v ok=%v, want completed", replayed, ok)
	}
}

func TestStructuralRejectLeavesJobUntouched(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(st, fakeEvidence{counts: map[string]int{}})
	job := mustCreate(t, e, map[string]any{"screen": "ok"})

	_, result, err := e.Transition(context.Background(), job.ID, models.StageQC, "tech-1", "")
	if err != nil {
		t.Fatalf("structural reject should not be a Go error: %v", err)
	}
	if result.Success {
		t.Fatal("intake -> qc must be rejected")
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 error, got %v", result.Errors)
	}
	if st.jobs[job.ID].Stage != models.StageIntake {
		t.Fatalf("job stage mutated to %s on reject", st.jobs[job.ID].Stage)
	}
	if len(st.history[job.ID]) != 1 {
		t.Fatal("no history may be written for a rejected transition")
	}
}

func TestGuardRejectReportsFailure(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(st, fakeEvidence{counts: map[string]int{}})
	job := mustCreate(t, e, nil) // no intake condition

	_, result, err := e.Transition(context.Background(), job.ID, models.StageReset, "tech-1", "")
	if err != nil {
		t.Fatalf("guard reject should not be a Go error: %v", err)
	}
	if result.Success {
		t.Fatal("reset without intake condition must be rejected")
	}
	if len(result.Errors) != 1 || result.Errors[0] != "intake condition assessment must be completed" {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
}

func TestResumeFromHoldSkipsGuards(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	e := newTestEngine(st, fakeEvidence{counts: map[string]int{}})
	job := mustCreate(t, e, nil) // would fail the intake -> reset guard

	_, result, err := e.Transition(ctx, job.ID, models.StageOnHold, "tech-1", "awaiting part")
	if err != nil || !result.Success {
		t.Fatalf("hold failed: err=%v errors=%v", err, result.Errors)
	}

	// Resuming is permissive: on_hold -> reset runs no guards even though
	// the intake condition is still missing.
	job, result, err = e.Transition(ctx, job.ID, models.StageReset, "tech-1", "part arrived")
	if err != nil || !result.Success {
		t.Fatalf("resume failed: err=%v errors=%v", err, result.Errors)
	}
	if job.Stage != models.StageReset {
		t.Fatalf("stage = %s, want reset", job.Stage)
	}
}

func TestStageTimestampsStampedOnce(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	e := newTestEngine(st, fakeEvidence{counts: map[string]int{}})
	job := mustCreate(t, e, map[string]any{"screen": "ok"})

	job, _, err := e.Transition(ctx, job.ID, models.StageReset, "tech-1", "")
	if err != nil {
		t.Fatalf("to reset: %v", err)
	}
	first := *job.ResetStartedAt

	// Hold and resume back into reset a day later.
	if _, _, err := e.Transition(ctx, job.ID, models.StageOnHold, "tech-1", ""); err != nil {
		t.Fatalf("to hold: %v", err)
	}
	later := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return later }
	job, _, err = e.Transition(ctx, job.ID, models.StageReset, "tech-1", "")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !job.ResetStartedAt.Equal(first) {
		t.Fatalf("reset_started_at restamped: %s -> %s", first, job.ResetStartedAt)
	}
}

func TestTransitionUnknownJob(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(st, fakeEvidence{counts: map[string]int{}})
	_, _, err := e.Transition(context.Background(), "nope", models.StageReset, "tech-1", "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStageConflictSurfacesAsError(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	e := newTestEngine(st, fakeEvidence{counts: map[string]int{}})
	job := mustCreate(t, e, map[string]any{"screen": "ok"})

	// A concurrent writer moves the job after the engine loaded it. The
	// memStore stage check mirrors the SELECT ... FOR UPDATE recheck.
	loaded := st.jobs[job.ID]
	moved := loaded
	moved.Stage = models.StageOnHold
	st.jobs[job.ID] = moved
	update := loaded
	update.Stage = models.StageReset
	_, err := st.ApplyTransition(ctx, update, models.StageIntake, models.JobHistory{})
	if !errors.Is(err, ErrStageConflict) {
		t.Fatalf("err = %v, want ErrStageConflict", err)
	}
}

func TestForceTransitionBypassesTableAndGuards(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(st, fakeEvidence{counts: map[string]int{}})
	job := mustCreate(t, e, nil)

	// intake -> completed is neither a table edge nor guard-passable.
	job, result, err := e.ForceTransition(context.Background(), job.ID, models.StageCompleted, "supervisor-1", "customer recall")
	if err != nil {
		t.Fatalf("force: %v", err)
	}
	if !result.Success {
		t.Fatalf("force rejected: %v", result.Errors)
	}
	if job.Stage != models.StageCompleted {
		t.Fatalf("stage = %s, want completed", job.Stage)
	}

	recs := st.history[job.ID]
	last := recs[len(recs)-1]
	if forced, _ := last.Metadata["forced"].(bool); !forced {
		t.Fatalf("forced transition history must carry forced=true metadata, got %v", last.Metadata)
	}
}

func TestCompletionWarnsWhenNotFullyTested(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(st, fakeEvidence{counts: map[string]int{}})
	job := mustCreate(t, e, map[string]any{"screen": "ok"})

	stored := st.jobs[job.ID]
	stored.Stage = models.StageQC
	stored.IsFullyTested = false
	reason := "battery rig down"
	stored.SkipReason = &reason
	tech, initials := "qc-9", "QA"
	stored.QCTechnicianID = &tech
	stored.QCInitials = &initials
	st.jobs[job.ID] = stored

	_, result, err := e.Transition(context.Background(), job.ID, models.StageCompleted, "qc-9", "")
	if err != nil || !result.Success {
		t.Fatalf("complete failed: err=%v errors=%v", err, result.Errors)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", result.Warnings)
	}
	if result.Warnings[0] != "completed without full test coverage: battery rig down" {
		t.Fatalf("unexpected warning: %q", result.Warnings[0])
	}
}

func TestReplayDetectsBrokenChain(t *testing.T) {
	intake := models.StageIntake
	reset := models.StageReset
	good := []models.JobHistory{
		{FromStage: nil, ToStage: intake},
		{FromStage: &intake, ToStage: reset},
	}
	if stage, ok := Replay(good); !ok || stage != reset {
		t.Fatalf("replay good chain = %v ok=%v", stage, ok)
	}

	functional := models.StageFunctional
	broken := []models.JobHistory{
		{FromStage: nil, ToStage: intake},
		{FromStage: &functional, ToStage: reset},
	}
	if _, ok := Replay(broken); ok {
		t.Fatal("replay must reject a record whose from_stage disagrees with its predecessor")
	}

	if _, ok := Replay(nil); ok {
		t.Fatal("replay of empty history must fail")
	}
}

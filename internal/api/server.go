package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"refurb-tracker/internal/config"
	"refurb-tracker/internal/effects"
	"refurb-tracker/internal/models"
	"refurb-tracker/internal/objstore"
	"refurb-tracker/internal/ratelimit"
	"refurb-tracker/internal/store"
	"refurb-tracker/internal/telemetry"
	"refurb-tracker/internal/workflow"
)

// Server wires HTTP handlers around the workflow engine. It does not
// authenticate: the actor id is taken from a header the auth layer in
// front of this service is responsible for.
type Server struct {
	cfg      config.Config
	engine   *workflow.Engine
	store    *store.Store
	queue    *effects.Queue
	uploader objstore.Uploader
	limiter  *ratelimit.TokenBucket
	log      *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, engine *workflow.Engine, st *store.Store, q *effects.Queue, up objstore.Uploader, limiter *ratelimit.TokenBucket, log *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		engine:   engine,
		store:    st,
		queue:    q,
		uploader: up,
		limiter:  limiter,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreateJob)
	r.Post("/jobs/batch", s.handleCreateBatch)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Patch("/jobs/{id}", s.handleUpdateJob)
	r.Delete("/jobs/{id}", s.handleDeleteJob)

	r.Post("/jobs/{id}/transition", s.handleTransition)
	r.Get("/jobs/{id}/transitions", s.handleValidTransitions)
	r.Get("/jobs/{id}/history", s.handleHistory)

	r.Post("/jobs/{id}/evidence", s.handleUploadEvidence)
	r.Get("/jobs/{id}/evidence", s.handleListEvidence)
	r.Post("/evidence/{id}/supersede", s.handleSupersedeEvidence)

	r.Post("/jobs/{id}/results", s.handleRecordResult)
	r.Get("/jobs/{id}/results", s.handleListResults)
	r.Get("/steps", s.handleListSteps)

	r.Get("/effects/dlq", s.handleEffectDLQ)

	return r
}

type createJobRequest struct {
	SerialNumber      string         `json:"serial_number"`
	IMEI              *string        `json:"imei"`
	BatchID           *string        `json:"batch_id"`
	CustomerReference *string        `json:"customer_reference"`
	IntakeCondition   map[string]any `json:"intake_condition"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.SerialNumber == "" {
		writeError(w, http.StatusBadRequest, "serial_number is required")
		return
	}
	if !s.allowIntake(w, r) {
		return
	}

	job, err := s.engine.Create(r.Context(), workflow.CreateParams{
		SerialNumber:      req.SerialNumber,
		IMEI:              req.IMEI,
		BatchID:           req.BatchID,
		CustomerReference: req.CustomerReference,
		IntakeCondition:   req.IntakeCondition,
		ActorID:           actor,
	})
	if err != nil {
		s.log.Error("create job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create job failed")
		return
	}
	telemetry.JobsCreated.Inc()
	writeJSON(w, http.StatusCreated, job)
}

type createBatchRequest struct {
	SerialNumbers     []string       `json:"serial_numbers"`
	BatchID           *string        `json:"batch_id"`
	CustomerReference *string        `json:"customer_reference"`
	IntakeCondition   map[string]any `json:"intake_condition"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.SerialNumbers) == 0 {
		writeError(w, http.StatusBadRequest, "serial_numbers is required")
		return
	}
	if !s.allowIntake(w, r) {
		return
	}

	jobs, err := s.engine.CreateBatch(r.Context(), req.SerialNumbers, workflow.CreateParams{
		BatchID:           req.BatchID,
		CustomerReference: req.CustomerReference,
		IntakeCondition:   req.IntakeCondition,
		ActorID:           actor,
	})
	if err != nil {
		s.log.Error("create batch", zap.Error(err), zap.Int("created", len(jobs)))
		writeError(w, http.StatusInternalServerError, "batch create failed")
		return
	}
	telemetry.JobsCreated.Add(float64(len(jobs)))
	writeJSON(w, http.StatusCreated, map[string]any{"jobs": jobs})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var stage *models.Stage
	if v := q.Get("stage"); v != "" {
		st, err := models.ParseStage(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		stage = &st
	}
	var technician *string
	if v := q.Get("technician_id"); v != "" {
		technician = &v
	}
	limit := queryInt(q.Get("limit"), 50)
	if limit > 100 {
		limit = 100
	}
	offset := queryInt(q.Get("offset"), 0)

	jobs, err := s.store.ListJobs(r.Context(), stage, technician, limit, offset)
	if err != nil {
		s.log.Error("list jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list jobs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err, "get job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type updateJobRequest struct {
	IMEI                 *string        `json:"imei"`
	BatchID              *string        `json:"batch_id"`
	CustomerReference    *string        `json:"customer_reference"`
	AssignedTechnicianID *string        `json:"assigned_technician_id"`
	IntakeCondition      map[string]any `json:"intake_condition"`
	QCTechnicianID       *string        `json:"qc_technician_id"`
	QCInitials           *string        `json:"qc_initials"`
	QCNotes              *string        `json:"qc_notes"`
	IsFullyTested        *bool          `json:"is_fully_tested"`
	SkipReason           *string        `json:"skip_reason"`
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}
	var req updateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	job, err := s.store.UpdateJob(r.Context(), chi.URLParam(r, "id"), store.UpdateJobParams{
		IMEI:                 req.IMEI,
		BatchID:              req.BatchID,
		CustomerReference:    req.CustomerReference,
		AssignedTechnicianID: req.AssignedTechnicianID,
		IntakeCondition:      req.IntakeCondition,
		QCTechnicianID:       req.QCTechnicianID,
		QCInitials:           req.QCInitials,
		QCNotes:              req.QCNotes,
		IsFullyTested:        req.IsFullyTested,
		SkipReason:           req.SkipReason,
	})
	if err != nil {
		s.writeStoreError(w, err, "update job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}
	if err := s.store.SoftDeleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeStoreError(w, err, "delete job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transitionRequest struct {
	TargetStage string `json:"target_stage"`
	Notes       string `json:"notes"`
	Force       bool   `json:"force"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	target, err := models.ParseStage(req.TargetStage)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID := chi.URLParam(r, "id")

	var job models.Job
	var result workflow.Result
	if req.Force {
		job, result, err = s.engine.ForceTransition(r.Context(), jobID, target, actor, req.Notes)
		if err == nil {
			telemetry.ForcedTransitions.Inc()
			s.log.Warn("forced transition",
				zap.String("job_id", jobID), zap.String("target", string(target)), zap.String("actor", actor))
		}
	} else {
		job, result, err = s.engine.Transition(r.Context(), jobID, target, actor, req.Notes)
	}
	if err != nil {
		s.writeStoreError(w, err, "transition")
		return
	}

	if !result.Success {
		if len(result.Errors) == 1 && !workflow.CanTransition(result.From, target) {
			telemetry.StructuralRejects.Inc()
		} else {
			telemetry.GuardRejects.Inc()
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"job": job, "result": result})
		return
	}

	telemetry.TransitionsCommitted.Inc()
	s.enqueuePostCommitEffects(r, job, target)
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "result": result})
}

// enqueuePostCommitEffects schedules the best-effort work a committed
// transition triggers. Failures here are logged, never surfaced: the
// transition is already committed and must stand.
func (s *Server) enqueuePostCommitEffects(r *http.Request, job models.Job, target models.Stage) {
	switch target {
	case models.StageReset:
		s.enqueueEffect(r, job, models.EffectDiagnosticsSync, map[string]any{
			"serial_number": job.SerialNumber,
		})
	case models.StageCompleted:
		payload := map[string]any{
			"serial_number": job.SerialNumber,
			"ticket_id":     job.TicketID,
		}
		if job.CompletedAt != nil {
			payload["completed_at"] = job.CompletedAt.UTC().Format(time.RFC3339)
		}
		s.enqueueEffect(r, job, models.EffectCompletionNotice, payload)
	}
}

func (s *Server) enqueueEffect(r *http.Request, job models.Job, kind string, payload map[string]any) {
	eff, err := s.store.CreateEffect(r.Context(), job.ID, kind, payload, s.cfg.EffectMaxAttempts)
	if err != nil {
		s.log.Error("record effect", zap.String("kind", kind), zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := s.queue.Enqueue(r.Context(), eff.ID); err != nil {
		s.log.Error("enqueue effect", zap.String("kind", kind), zap.String("effect_id", eff.ID), zap.Error(err))
	}
}

func (s *Server) handleValidTransitions(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err, "get job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stage":             job.Stage,
		"valid_transitions": workflow.ValidTargets(job.Stage),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeStoreError(w, err, "get job")
		return
	}
	history, err := s.store.ListHistory(r.Context(), jobID)
	if err != nil {
		s.log.Error("list history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list history failed")
		return
	}
	// The trail is the source of truth; a replay mismatch means the job
	// row was mutated outside the workflow path.
	if replayed, ok := workflow.Replay(history); !ok || replayed != job.Stage {
		s.log.Error("history does not reconstruct current stage",
			zap.String("job_id", jobID), zap.String("stage", string(job.Stage)))
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) handleEffectDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) allowIntake(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	key := fmt.Sprintf("rl:intake:%s", stationFromRequest(r))
	allowed, _, err := s.limiter.Allow(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func (s *Server) requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := r.Header.Get("X-Actor-ID")
	if actor == "" {
		writeError(w, http.StatusBadRequest, "X-Actor-ID header is required")
		return "", false
	}
	return actor, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, workflow.ErrStageConflict):
		telemetry.StageConflicts.Inc()
		writeError(w, http.StatusConflict, "job stage changed concurrently, reload and retry")
	case errors.Is(err, store.ErrEvidenceNotFound):
		writeError(w, http.StatusNotFound, "evidence not found")
	default:
		s.log.Error(op, zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func stationFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Station-ID"); v != "" {
		return v
	}
	return "default"
}

func queryInt(v string, def int) int {
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil && i >= 0 {
		return i
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

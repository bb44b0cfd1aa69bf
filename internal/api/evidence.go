package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"refurb-tracker/internal/models"
	"refurb-tracker/internal/objstore"
	"refurb-tracker/internal/telemetry"
)

// handleUploadEvidence accepts a multipart upload and stores the file plus
// its metadata row. The file bytes are hashed before storage; the hash is
// immutable and lets auditors prove the file was never swapped.
func (s *Server) handleUploadEvidence(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err, "get job")
		return
	}

	maxBytes := int64(s.cfg.MaxEvidenceMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	body, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if int64(len(body)) > maxBytes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds %d MB limit", s.cfg.MaxEvidenceMB))
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(body)
	}
	if !objstore.AllowedMimeTypes[mimeType] {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported evidence type "+mimeType)
		return
	}

	stage := job.Stage
	if v := r.FormValue("stage"); v != "" {
		parsed, err := models.ParseStage(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		stage = parsed
	}

	now := time.Now().UTC()
	id := uuid.New().String()
	stored := fmt.Sprintf("%s_%s", id, objstore.SanitizeFilename(header.Filename))
	key := fmt.Sprintf("evidence/%s/%s/%s", now.Format("2006/01"), job.ID, stored)

	if _, err := s.uploader.Upload(r.Context(), key, body, mimeType); err != nil {
		s.log.Error("store evidence file", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	ev := models.Evidence{
		ID:               id,
		JobID:            job.ID,
		Stage:            stage,
		Type:             evidenceTypeForMime(mimeType),
		OriginalFilename: header.Filename,
		StoredFilename:   stored,
		StorageKey:       key,
		SizeBytes:        int64(len(body)),
		MimeType:         mimeType,
		SHA256:           objstore.Hash(body),
		CapturedBy:       actor,
		CapturedAt:       now,
		CreatedAt:        now,
	}
	if v := r.FormValue("caption"); v != "" {
		ev.Caption = &v
	}
	if v := r.FormValue("test_result_id"); v != "" {
		ev.TestResultID = &v
	}

	if err := s.store.InsertEvidence(r.Context(), ev); err != nil {
		s.log.Error("insert evidence", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to record evidence")
		return
	}
	telemetry.EvidenceUploads.Inc()

	if ev.Type == models.EvidencePhoto {
		s.enqueueEffect(r, job, models.EffectEvidenceThumbnail, map[string]any{
			"evidence_id": ev.ID,
		})
	}

	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleListEvidence(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		s.writeStoreError(w, err, "get job")
		return
	}
	includeSuperseded := r.URL.Query().Get("include_superseded") == "true"
	items, err := s.store.ListEvidence(r.Context(), jobID, includeSuperseded)
	if err != nil {
		s.log.Error("list evidence", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list evidence failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evidence": items})
}

type supersedeRequest struct {
	ReplacementID string `json:"replacement_id"`
}

// handleSupersedeEvidence marks an item replaced by a newer upload. Both
// rows stay on record; the old one just stops counting for guards.
func (s *Server) handleSupersedeEvidence(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}
	var req supersedeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ReplacementID == "" {
		writeError(w, http.StatusBadRequest, "replacement_id is required")
		return
	}
	id := chi.URLParam(r, "id")

	old, err := s.store.GetEvidence(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "get evidence")
		return
	}
	replacement, err := s.store.GetEvidence(r.Context(), req.ReplacementID)
	if err != nil {
		s.writeStoreError(w, err, "get replacement evidence")
		return
	}
	if replacement.JobID != old.JobID {
		writeError(w, http.StatusBadRequest, "replacement belongs to a different job")
		return
	}
	if err := s.store.SupersedeEvidence(r.Context(), id, req.ReplacementID); err != nil {
		s.writeStoreError(w, err, "supersede evidence")
		return
	}
	updated, err := s.store.GetEvidence(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "get evidence")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type recordResultRequest struct {
	TestStepID   *string        `json:"test_step_id"`
	Name         string         `json:"name"`
	Status       string         `json:"status"`
	Notes        *string        `json:"notes"`
	Measurements map[string]any `json:"measurements"`
}

func (s *Server) handleRecordResult(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err, "get job")
		return
	}
	var req recordResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	switch req.Status {
	case models.ResultPass, models.ResultFail, models.ResultSkip, models.ResultPending:
	default:
		writeError(w, http.StatusBadRequest, "status must be pass, fail, skip, or pending")
		return
	}

	rec := models.TestResult{
		ID:           uuid.New().String(),
		JobID:        job.ID,
		TestStepID:   req.TestStepID,
		Name:         req.Name,
		Status:       req.Status,
		PerformedBy:  actor,
		PerformedAt:  time.Now().UTC(),
		Notes:        req.Notes,
		Measurements: req.Measurements,
		Source:       models.ResultSourceManual,
	}
	if err := s.store.InsertTestResult(r.Context(), rec); err != nil {
		s.log.Error("insert test result", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to record result")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		s.writeStoreError(w, err, "get job")
		return
	}
	results, err := s.store.ListTestResults(r.Context(), jobID)
	if err != nil {
		s.log.Error("list test results", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list results failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stage, err := models.ParseStage(q.Get("stage"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "stage query parameter is required: "+err.Error())
		return
	}
	var deviceModel *string
	if v := q.Get("device_model"); v != "" {
		deviceModel = &v
	}
	steps, err := s.store.ListTestSteps(r.Context(), stage, deviceModel)
	if err != nil {
		s.log.Error("list test steps", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list steps failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func evidenceTypeForMime(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return models.EvidencePhoto
	case strings.HasPrefix(mime, "video/"):
		return models.EvidenceVideo
	default:
		return models.EvidenceDocument
	}
}

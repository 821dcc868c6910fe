package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/scribed/internal/budget"
	"github.com/snarg/scribed/internal/database"
	"github.com/snarg/scribed/internal/orchestrate"
)

// JobService is the orchestrator surface the HTTP handlers use.
type JobService interface {
	Submit(ctx context.Context, req orchestrate.SubmitRequest) (*database.Job, error)
	GetStatus(ctx context.Context, jobID, owner string) (*orchestrate.StatusView, error)
	List(ctx context.Context, owner string, limit int) ([]database.JobSummary, error)
	Retry(ctx context.Context, jobID, owner string) (*database.Job, error)
}

// JobsHandler serves the transcription job endpoints.
type JobsHandler struct {
	svc JobService
	log zerolog.Logger
}

// NewJobsHandler creates the jobs handler.
func NewJobsHandler(svc JobService, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		svc: svc,
		log: log.With().Str("handler", "jobs").Logger(),
	}
}

// Routes registers the job endpoints.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Post("/api/v1/transcriptions", h.Create)
	r.Get("/api/v1/transcriptions", h.List)
	r.Get("/api/v1/transcriptions/{jobID}", h.Get)
	r.Post("/api/v1/transcriptions/{jobID}/retry", h.Retry)
}

type createdResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Backend string `json:"backend"`
}

// Create handles POST /api/v1/transcriptions.
// Multipart form: an "audio" file plus owner/project/language fields.
// JSON body: {"drive_file_id": ..., "owner": ...} for cloud-drive imports.
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req orchestrate.SubmitRequest

	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "multipart/form-data"):
		file, header, err := r.FormFile("audio")
		if err != nil {
			WriteErrorDetail(w, http.StatusBadRequest, "missing audio file", err.Error())
			return
		}
		defer file.Close()

		req = orchestrate.SubmitRequest{
			Owner:    r.FormValue("owner"),
			Project:  r.FormValue("project"),
			Language: r.FormValue("language"),
			Filename: header.Filename,
			Reader:   file,
			Size:     header.Size,
		}

	case strings.HasPrefix(ct, "application/json"):
		var body struct {
			DriveFileID string `json:"drive_file_id"`
			Owner       string `json:"owner"`
			Project     string `json:"project"`
			Filename    string `json:"filename"`
			Language    string `json:"language"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteErrorDetail(w, http.StatusBadRequest, "invalid JSON body", err.Error())
			return
		}
		if body.DriveFileID == "" {
			WriteError(w, http.StatusBadRequest, "drive_file_id is required for JSON submissions")
			return
		}
		req = orchestrate.SubmitRequest{
			Owner:       body.Owner,
			Project:     body.Project,
			Filename:    body.Filename,
			Language:    body.Language,
			DriveFileID: body.DriveFileID,
		}

	default:
		WriteError(w, http.StatusBadRequest, "expected multipart/form-data or application/json")
		return
	}

	job, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, createdResponse{
		JobID:   job.JobID,
		Status:  job.Status,
		Backend: job.Backend,
	})
}

// Get handles GET /api/v1/transcriptions/{jobID}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		WriteError(w, http.StatusBadRequest, "owner is required")
		return
	}

	view, err := h.svc.GetStatus(r.Context(), chi.URLParam(r, "jobID"), owner)
	if errors.Is(err, database.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("status resolution failed")
		WriteError(w, http.StatusInternalServerError, "status resolution failed")
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// List handles GET /api/v1/transcriptions.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		WriteError(w, http.StatusBadRequest, "owner is required")
		return
	}
	limit, err := ParseLimit(r, 50)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := h.svc.List(r.Context(), owner, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("listing jobs failed")
		WriteError(w, http.StatusInternalServerError, "listing jobs failed")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// Retry handles POST /api/v1/transcriptions/{jobID}/retry.
func (h *JobsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		WriteError(w, http.StatusBadRequest, "owner is required")
		return
	}

	job, err := h.svc.Retry(r.Context(), chi.URLParam(r, "jobID"), owner)
	if errors.Is(err, database.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, createdResponse{
		JobID:   job.JobID,
		Status:  job.Status,
		Backend: job.Backend,
	})
}

func (h *JobsHandler) writeSubmitError(w http.ResponseWriter, err error) {
	if errors.Is(err, budget.ErrBudgetExceeded) {
		WriteError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	WriteError(w, http.StatusBadRequest, err.Error())
}

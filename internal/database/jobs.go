package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Job statuses. Monotonic except for the terminal pair, which is absorbing:
// every mutating query in this file excludes terminal rows, so a completed
// or errored job can never transition again regardless of caller bugs.
const (
	StatusStarting   = "starting"
	StatusUploading  = "uploading"
	StatusSubmitted  = "submitted"
	StatusProcessing = "processing"
	StatusAnalyzing  = "analyzing"
	StatusSaving     = "saving"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// IsTerminal reports whether a status is absorbing.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusError
}

// statusOrder ranks the non-terminal statuses. UpdateStatus only applies
// writes that keep a row at or ahead of its current position.
var statusOrder = []string{
	StatusStarting, StatusUploading, StatusSubmitted,
	StatusProcessing, StatusAnalyzing, StatusSaving,
}

// statusesAtOrBefore returns the statuses a row may currently hold for an
// update to the given status to apply. nil for terminal or unknown input.
func statusesAtOrBefore(status string) []string {
	for i, s := range statusOrder {
		if s == status {
			return statusOrder[:i+1]
		}
	}
	return nil
}

// Job sources.
const (
	SourceLocalUpload   = "local-upload"
	SourceChunkedUpload = "chunked-upload"
	SourceCloudFile     = "cloud-file"
)

// Job is the ledger row for one transcription job. It is the single source
// of truth consulted when resolving status from a different process than
// the one that created the job.
type Job struct {
	JobID         string          `json:"job_id"`
	Owner         string          `json:"owner"`
	Project       string          `json:"project,omitempty"`
	Source        string          `json:"source"`
	Backend       string          `json:"backend"`
	BackendJobID  string          `json:"backend_job_id,omitempty"`
	Status        string          `json:"status"`
	Progress      int             `json:"progress"`
	Filename      string          `json:"filename"`
	FileSizeBytes int64           `json:"file_size_bytes"`
	SHA256        string          `json:"sha256,omitempty"`
	UploadRef     string          `json:"-"`
	AudioDuration float64         `json:"audio_duration_seconds"`
	Text          string          `json:"text,omitempty"`
	Segments      json.RawMessage `json:"speaker_segments,omitempty"`
	Analysis      json.RawMessage `json:"analysis,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// JobSummary is the lightweight listing view.
type JobSummary struct {
	JobID         string    `json:"job_id"`
	Status        string    `json:"status"`
	Progress      int       `json:"progress"`
	Filename      string    `json:"filename"`
	FileSizeBytes int64     `json:"file_size_bytes"`
	Backend       string    `json:"backend"`
	AudioDuration float64   `json:"audio_duration_seconds"`
	CreatedAt     time.Time `json:"created_at"`
}

// Completion carries everything written in the single `saving` update.
type Completion struct {
	Text          string
	Segments      json.RawMessage
	Analysis      json.RawMessage
	AudioDuration float64
}

const jobColumns = `job_id, owner, project, source, backend,
	COALESCE(backend_job_id, ''), status, progress,
	filename, file_size_bytes, sha256, upload_ref,
	audio_duration_seconds, text, speaker_segments, analysis,
	error_message, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.JobID, &j.Owner, &j.Project, &j.Source, &j.Backend,
		&j.BackendJobID, &j.Status, &j.Progress,
		&j.Filename, &j.FileSizeBytes, &j.SHA256, &j.UploadRef,
		&j.AudioDuration, &j.Text, &j.Segments, &j.Analysis,
		&j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob inserts a new ledger row. The caller supplies JobID, Owner,
// Source, Backend and file metadata; status defaults to starting.
func (db *DB) CreateJob(ctx context.Context, j *Job) error {
	if j.Status == "" {
		j.Status = StatusStarting
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO transcription_jobs (
			job_id, owner, project, source, backend, status, progress,
			filename, file_size_bytes, sha256, upload_ref
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		j.JobID, j.Owner, j.Project, j.Source, j.Backend, j.Status, j.Progress,
		j.Filename, j.FileSizeBytes, j.SHA256, j.UploadRef,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns the ledger row for a job, or ErrNotFound.
func (db *DB) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return scanJob(db.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM transcription_jobs WHERE job_id = $1`, jobID))
}

// SetBackendJobID records the remote backend's job identifier. The WHERE
// clause makes the write set-at-most-once: a second call with a different
// value affects zero rows and returns an error.
func (db *DB) SetBackendJobID(ctx context.Context, jobID, backendJobID string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE transcription_jobs
		SET backend_job_id = $2, updated_at = now()
		WHERE job_id = $1 AND backend_job_id IS NULL
	`, jobID, backendJobID)
	if err != nil {
		return fmt.Errorf("set backend job id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("backend job id already set for %s", jobID)
	}
	return nil
}

// SetStagedUpload records the staged backend reference and verified file
// metadata after the transfer engine finishes.
func (db *DB) SetStagedUpload(ctx context.Context, jobID, uploadRef, sha256 string, size int64) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE transcription_jobs
		SET upload_ref = $2, sha256 = $3, file_size_bytes = $4, updated_at = now()
		WHERE job_id = $1 AND status NOT IN ('completed', 'error')
	`, jobID, uploadRef, sha256, size)
	if err != nil {
		return fmt.Errorf("set staged upload: %w", err)
	}
	return nil
}

// UpdateStatus advances a non-terminal job along the status order. A
// write that would move the status backward, or touch a terminal row,
// matches nothing and is a no-op. GREATEST keeps progress monotonically
// non-decreasing even if writers race.
func (db *DB) UpdateStatus(ctx context.Context, jobID, status string, progress int) error {
	if IsTerminal(status) {
		return fmt.Errorf("use CompleteJob or FailJob for terminal status %q", status)
	}
	eligible := statusesAtOrBefore(status)
	if eligible == nil {
		return fmt.Errorf("unknown status %q", status)
	}
	_, err := db.Pool.Exec(ctx, `
		UPDATE transcription_jobs
		SET status = $2, progress = GREATEST(progress, $3), updated_at = now()
		WHERE job_id = $1 AND status = ANY($4)
	`, jobID, status, progress, eligible)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// CompleteJob writes transcript, duration and analysis in one update and
// marks the job completed. A job already terminal is left untouched;
// callers re-read the row to recover the stored result in that case.
func (db *DB) CompleteJob(ctx context.Context, jobID string, res Completion) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE transcription_jobs
		SET status = 'completed', progress = 100,
			text = $2, speaker_segments = $3, analysis = $4,
			audio_duration_seconds = $5, updated_at = now()
		WHERE job_id = $1 AND status NOT IN ('completed', 'error')
	`, jobID, res.Text, res.Segments, res.Analysis, res.AudioDuration)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s already terminal: %w", jobID, ErrNotFound)
	}
	return nil
}

// FailJob marks a non-terminal job as errored with progress 0. A job
// already terminal is left untouched and reported via ErrNotFound.
func (db *DB) FailJob(ctx context.Context, jobID, message string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE transcription_jobs
		SET status = 'error', progress = 0, error_message = $2, updated_at = now()
		WHERE job_id = $1 AND status NOT IN ('completed', 'error')
	`, jobID, message)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s already terminal: %w", jobID, ErrNotFound)
	}
	return nil
}

// ListJobs returns an owner's jobs, newest first.
func (db *DB) ListJobs(ctx context.Context, owner string, limit int) ([]JobSummary, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT job_id, status, progress, filename, file_size_bytes,
			backend, audio_duration_seconds, created_at
		FROM transcription_jobs
		WHERE owner = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []JobSummary
	for rows.Next() {
		var s JobSummary
		if err := rows.Scan(
			&s.JobID, &s.Status, &s.Progress, &s.Filename, &s.FileSizeBytes,
			&s.Backend, &s.AudioDuration, &s.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if result == nil {
		result = []JobSummary{}
	}
	return result, rows.Err()
}

// SumAudioSecondsSince returns the total transcribed audio seconds across
// an owner's jobs created at or after the given time. This is the budget
// window; it is recomputed from the ledger on every check so there is no
// counter that can drift across restarts or instances.
func (db *DB) SumAudioSecondsSince(ctx context.Context, owner string, since time.Time) (float64, error) {
	var total float64
	err := db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(audio_duration_seconds), 0)
		FROM transcription_jobs
		WHERE owner = $1 AND created_at >= $2
	`, owner, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum audio seconds: %w", err)
	}
	return total, nil
}

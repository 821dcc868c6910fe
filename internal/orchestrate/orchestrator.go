// Package orchestrate drives a transcription job from submission to a
// terminal status. The database ledger is the single source of truth;
// the orchestrator's in-memory state is only the goroutine driving each
// locally-submitted job.
package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribed/internal/backend"
	"github.com/snarg/scribed/internal/budget"
	"github.com/snarg/scribed/internal/database"
	"github.com/snarg/scribed/internal/enrich"
	"github.com/snarg/scribed/internal/metrics"
	"github.com/snarg/scribed/internal/transfer"
)

// Progress milestones. Upload interpolates 5..25 by bytes transferred,
// processing interpolates 30..90 by polls elapsed; everything else is a
// fixed checkpoint. GREATEST in the ledger keeps the sequence monotonic.
const (
	progressStarting    = 2
	progressUploadStart = 5
	progressUploadEnd   = 25
	progressSubmitted   = 28
	progressPollStart   = 30
	progressPollEnd     = 90
	progressAnalyzing   = 92
	progressSaving      = 97
)

// Ledger is the durable job store the orchestrator writes through.
type Ledger interface {
	CreateJob(ctx context.Context, j *database.Job) error
	GetJob(ctx context.Context, jobID string) (*database.Job, error)
	SetBackendJobID(ctx context.Context, jobID, backendJobID string) error
	SetStagedUpload(ctx context.Context, jobID, uploadRef, sha256 string, size int64) error
	UpdateStatus(ctx context.Context, jobID, status string, progress int) error
	CompleteJob(ctx context.Context, jobID string, res database.Completion) error
	FailJob(ctx context.Context, jobID, message string) error
	ListJobs(ctx context.Context, owner string, limit int) ([]database.JobSummary, error)
}

// Stager moves source audio into a backend-consumable reference.
type Stager interface {
	Stage(ctx context.Context, jobID string, be backend.Backend, src transfer.Source, onProgress transfer.ProgressFunc) (*transfer.Staged, error)
	DriveInfo(ctx context.Context, owner, fileID string) (string, int64, error)
	Chunked(size int64) bool
}

// Analyzer produces transcript analysis. Best effort: a failure here
// never fails the job.
type Analyzer interface {
	Analyze(ctx context.Context, jobID, text string) (*enrich.Analysis, error)
}

// Options tunes the poll loop and status resolution.
type Options struct {
	PollInterval   time.Duration
	PollTimeout    time.Duration
	FreshJobCutoff time.Duration
}

// SubmitRequest describes one new transcription job. Exactly one of
// Data, Reader or DriveFileID supplies the audio.
type SubmitRequest struct {
	Owner       string
	Project     string
	Filename    string
	Language    string
	Data        []byte
	Reader      io.Reader
	Size        int64
	DriveFileID string
}

// Orchestrator accepts jobs, drives each through the transcription
// pipeline, and resolves status for jobs this instance never saw.
type Orchestrator struct {
	ledger   Ledger
	stager   Stager
	backends map[backend.ID]backend.Backend
	router   backend.Router
	guard    *budget.Guard
	analyzer Analyzer       // nil when no analyzer is configured
	fanout   *enrich.Fanout // nil disables enrichment
	opts     Options
	log      zerolog.Logger
}

// New creates an orchestrator. analyzer and fanout may be nil.
func New(ledger Ledger, stager Stager, backends map[backend.ID]backend.Backend,
	router backend.Router, guard *budget.Guard, analyzer Analyzer, fanout *enrich.Fanout,
	opts Options, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		ledger:   ledger,
		stager:   stager,
		backends: backends,
		router:   router,
		guard:    guard,
		analyzer: analyzer,
		fanout:   fanout,
		opts:     opts,
		log:      log.With().Str("component", "orchestrator").Logger(),
	}
}

// Submit validates the request, applies the budget guard, records the
// ledger row and starts the pipeline. It returns as soon as the job is
// durably created; all transfer and backend work happens asynchronously.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*database.Job, error) {
	if req.Owner == "" {
		return nil, fmt.Errorf("owner is required")
	}

	source := database.SourceLocalUpload
	size := req.Size
	switch {
	case req.DriveFileID != "":
		source = database.SourceCloudFile
		name, driveSize, err := o.stager.DriveInfo(ctx, req.Owner, req.DriveFileID)
		if err != nil {
			return nil, fmt.Errorf("resolve drive file: %w", err)
		}
		if req.Filename == "" {
			req.Filename = name
		}
		size = driveSize
	case req.Data != nil:
		size = int64(len(req.Data))
	case req.Reader != nil:
		if size <= 0 {
			return nil, fmt.Errorf("streamed uploads need a known size")
		}
	default:
		return nil, fmt.Errorf("no audio source provided")
	}
	if req.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	if size <= 0 {
		return nil, fmt.Errorf("empty audio file")
	}

	decision, err := o.guard.Check(ctx, req.Owner, o.guard.EstimateHours(size))
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		metrics.BudgetRejectionsTotal.Inc()
		return nil, fmt.Errorf("%w: %s", budget.ErrBudgetExceeded, decision.Reason)
	}

	// Streamed uploads are spooled before returning: the caller closes
	// its reader as soon as Submit comes back, while the pipeline reads
	// the audio asynchronously.
	var spooled *os.File
	cleanup := func() {}
	if req.Reader != nil {
		f, err := os.CreateTemp("", "scribed-upload-*")
		if err != nil {
			return nil, fmt.Errorf("spool upload: %w", err)
		}
		cleanup = func() {
			f.Close()
			os.Remove(f.Name())
		}
		n, err := io.Copy(f, req.Reader)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("reading upload: %w", err)
		}
		if n == 0 {
			cleanup()
			return nil, fmt.Errorf("empty audio file")
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			cleanup()
			return nil, fmt.Errorf("spool upload: %w", err)
		}
		size = n
		spooled = f
	}

	backendID := o.router.Choose(size)
	be, ok := o.backends[backendID]
	if !ok {
		cleanup()
		return nil, fmt.Errorf("backend %q not configured", backendID)
	}

	// The source label follows the transfer engine's own chunking
	// threshold, not the routing cutoff: chunked-upload means chunk rows
	// will exist for this job.
	if source == database.SourceLocalUpload && o.stager.Chunked(size) {
		source = database.SourceChunkedUpload
	}

	job := &database.Job{
		JobID:         NewJobID(),
		Owner:         req.Owner,
		Project:       req.Project,
		Source:        source,
		Backend:       string(backendID),
		Status:        database.StatusStarting,
		Progress:      progressStarting,
		Filename:      req.Filename,
		FileSizeBytes: size,
	}
	if err := o.ledger.CreateJob(ctx, job); err != nil {
		cleanup()
		return nil, fmt.Errorf("create job: %w", err)
	}

	src := &transfer.Source{
		Data:        req.Data,
		Size:        size,
		DriveFileID: req.DriveFileID,
		Owner:       req.Owner,
		Filename:    req.Filename,
	}
	if spooled != nil {
		src.Reader = spooled
	}
	o.start(job, be, src, req.Language, cleanup)

	o.log.Info().
		Str("job_id", job.JobID).
		Str("owner", req.Owner).
		Str("backend", job.Backend).
		Int64("size", size).
		Str("source", source).
		Msg("job accepted")
	return job, nil
}

// Retry creates a fresh job from a failed one, reusing the staged upload
// reference so no bytes move again. The failed row is never mutated.
func (o *Orchestrator) Retry(ctx context.Context, jobID, owner string) (*database.Job, error) {
	prev, err := o.ledger.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if prev.Owner != owner {
		return nil, database.ErrNotFound
	}
	if prev.Status != database.StatusError {
		return nil, fmt.Errorf("job %s is %s, only errored jobs can be retried", jobID, prev.Status)
	}
	if prev.UploadRef == "" {
		return nil, fmt.Errorf("job %s has no staged upload to retry from", jobID)
	}

	be, ok := o.backends[backend.ID(prev.Backend)]
	if !ok {
		return nil, fmt.Errorf("backend %q not configured", prev.Backend)
	}

	decision, err := o.guard.Check(ctx, owner, o.guard.EstimateHours(prev.FileSizeBytes))
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		metrics.BudgetRejectionsTotal.Inc()
		return nil, fmt.Errorf("%w: %s", budget.ErrBudgetExceeded, decision.Reason)
	}

	job := &database.Job{
		JobID:         NewJobID(),
		Owner:         prev.Owner,
		Project:       prev.Project,
		Source:        prev.Source,
		Backend:       prev.Backend,
		Status:        database.StatusStarting,
		Progress:      progressStarting,
		Filename:      prev.Filename,
		FileSizeBytes: prev.FileSizeBytes,
		SHA256:        prev.SHA256,
		UploadRef:     prev.UploadRef,
	}
	if err := o.ledger.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create retry job: %w", err)
	}

	// nil source: the pipeline starts from the existing upload reference.
	o.start(job, be, nil, "", func() {})

	o.log.Info().Str("job_id", job.JobID).Str("retry_of", jobID).Msg("retry accepted")
	return job, nil
}

// List returns an owner's jobs, newest first.
func (o *Orchestrator) List(ctx context.Context, owner string, limit int) ([]database.JobSummary, error) {
	return o.ledger.ListJobs(ctx, owner, limit)
}

func (o *Orchestrator) start(job *database.Job, be backend.Backend, src *transfer.Source, language string, cleanup func()) {
	metrics.JobsSubmittedTotal.WithLabelValues(job.Backend).Inc()
	metrics.ActiveJobs.Inc()
	go func() {
		defer metrics.ActiveJobs.Dec()
		defer cleanup()
		o.run(job, be, src, language)
	}()
}

// run drives one job to a terminal status. It uses a background context:
// jobs outlive the HTTP request that created them, and on shutdown an
// interrupted job is recovered from the ledger by whichever instance is
// asked for its status next.
func (o *Orchestrator) run(job *database.Job, be backend.Backend, src *transfer.Source, language string) {
	ctx := context.Background()
	start := time.Now()
	log := o.log.With().Str("job_id", job.JobID).Str("backend", job.Backend).Logger()

	// 1. Stage the audio, unless a retry already has an upload reference.
	uploadRef := job.UploadRef
	if src != nil {
		o.setStatus(ctx, job.JobID, database.StatusUploading, progressUploadStart)
		staged, err := o.stager.Stage(ctx, job.JobID, be, *src, func(transferred, total int64) {
			o.setStatus(ctx, job.JobID, database.StatusUploading, uploadProgress(transferred, total))
		})
		if err != nil {
			o.fail(ctx, job, start, fmt.Sprintf("upload failed: %v", err))
			return
		}
		uploadRef = staged.UploadRef
		if err := o.ledger.SetStagedUpload(ctx, job.JobID, staged.UploadRef, staged.SHA256, staged.Size); err != nil {
			log.Error().Err(err).Msg("recording staged upload failed")
		}
	}

	// 2. Submit to the backend and pin the remote job ID before polling.
	backendJobID, err := be.Submit(ctx, uploadRef, backend.SubmitOpts{
		Language: language,
		Diarize:  backend.ID(job.Backend) == backend.Scribe,
	})
	if err != nil {
		o.fail(ctx, job, start, fmt.Sprintf("backend submit failed: %v", err))
		return
	}
	if err := o.ledger.SetBackendJobID(ctx, job.JobID, backendJobID); err != nil {
		// Another writer got there first with a different remote job.
		o.fail(ctx, job, start, fmt.Sprintf("backend job id conflict: %v", err))
		return
	}
	o.setStatus(ctx, job.JobID, database.StatusSubmitted, progressSubmitted)
	log.Info().Str("backend_job_id", backendJobID).Msg("submitted to backend")

	// 3. Poll until the backend settles or the timeout lapses.
	res, err := o.poll(ctx, job, be, backendJobID)
	if err != nil {
		o.fail(ctx, job, start, err.Error())
		return
	}

	// 4-6. Analyze, save, enrich.
	o.finish(ctx, job, res, start)
}

// poll watches the remote job. Transient poll failures are logged and
// absorbed; only a backend-reported error or the overall timeout ends
// the job.
func (o *Orchestrator) poll(ctx context.Context, job *database.Job, be backend.Backend, backendJobID string) (*backend.PollResult, error) {
	maxPolls := int(o.opts.PollTimeout / o.opts.PollInterval)
	if maxPolls < 1 {
		maxPolls = 1
	}

	for i := 1; i <= maxPolls; i++ {
		select {
		case <-time.After(o.opts.PollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		metrics.BackendPollsTotal.WithLabelValues(job.Backend).Inc()
		res, err := be.Poll(ctx, backendJobID)
		if err != nil {
			o.log.Warn().Err(err).Str("job_id", job.JobID).Int("poll", i).Msg("poll failed, will retry")
			continue
		}

		switch res.State {
		case backend.StateCompleted:
			return res, nil
		case backend.StateError:
			msg := res.ErrorMessage
			if msg == "" {
				msg = "backend reported an unspecified error"
			}
			return nil, errors.New(msg)
		default:
			o.setStatus(ctx, job.JobID, database.StatusProcessing, pollProgress(i, maxPolls))
		}
	}
	return nil, fmt.Errorf("transcription timed out after %s", o.opts.PollTimeout)
}

// finish runs the tail of the pipeline for a completed backend result:
// best-effort analysis, the single completing write, then enrichment.
// Shared between the local pipeline and live status resolution.
func (o *Orchestrator) finish(ctx context.Context, job *database.Job, res *backend.PollResult, start time.Time) {
	log := o.log.With().Str("job_id", job.JobID).Logger()

	o.setStatus(ctx, job.JobID, database.StatusAnalyzing, progressAnalyzing)
	var analysis []byte
	if o.analyzer != nil && res.Text != "" {
		a, err := o.analyzer.Analyze(ctx, job.JobID, res.Text)
		if err != nil {
			log.Warn().Err(err).Msg("analysis failed, completing without it")
		} else if data, err := marshalJSON(a); err == nil {
			analysis = data
		}
	}

	o.setStatus(ctx, job.JobID, database.StatusSaving, progressSaving)
	segments, err := marshalJSON(res.Segments)
	if err != nil {
		segments = nil
	}
	err = o.ledger.CompleteJob(ctx, job.JobID, database.Completion{
		Text:          res.Text,
		Segments:      segments,
		Analysis:      analysis,
		AudioDuration: res.DurationSeconds,
	})
	if errors.Is(err, database.ErrNotFound) {
		// Lost the completing write to another resolver; its result stands.
		log.Debug().Msg("job completed by another writer")
		return
	}
	if err != nil {
		o.fail(ctx, job, start, fmt.Sprintf("saving result failed: %v", err))
		return
	}

	metrics.JobsCompletedTotal.WithLabelValues(job.Backend).Inc()
	metrics.JobDurationSeconds.WithLabelValues(job.Backend).Observe(time.Since(start).Seconds())
	log.Info().Float64("audio_seconds", res.DurationSeconds).Msg("job completed")

	o.dispatch(ctx, job.JobID)
}

func (o *Orchestrator) fail(ctx context.Context, job *database.Job, start time.Time, message string) {
	err := o.ledger.FailJob(ctx, job.JobID, message)
	if errors.Is(err, database.ErrNotFound) {
		// Already terminal: another writer settled the job first.
		return
	}
	if err != nil {
		o.log.Error().Err(err).Str("job_id", job.JobID).Msg("recording failure failed")
	}
	metrics.JobsFailedTotal.WithLabelValues(job.Backend).Inc()
	metrics.JobDurationSeconds.WithLabelValues(job.Backend).Observe(time.Since(start).Seconds())
	o.log.Error().Str("job_id", job.JobID).Str("error", message).Msg("job failed")
	o.dispatch(ctx, job.JobID)
}

// dispatch re-reads the terminal row and fans it out to the enrichment
// destinations. The fan-out runs in its own goroutine: the terminal
// status is already durable, and a slow destination must not hold up the
// caller (which may be a status request resolving the job live).
func (o *Orchestrator) dispatch(ctx context.Context, jobID string) {
	if o.fanout == nil {
		return
	}
	job, err := o.ledger.GetJob(ctx, jobID)
	if err != nil {
		o.log.Error().Err(err).Str("job_id", jobID).Msg("re-reading terminal job failed")
		return
	}
	go o.fanout.Dispatch(job)
}

func (o *Orchestrator) setStatus(ctx context.Context, jobID, status string, progress int) {
	if err := o.ledger.UpdateStatus(ctx, jobID, status, progress); err != nil {
		o.log.Warn().Err(err).Str("job_id", jobID).Str("status", status).Msg("status update failed")
	}
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func uploadProgress(transferred, total int64) int {
	if total <= 0 {
		return progressUploadStart
	}
	span := int64(progressUploadEnd - progressUploadStart)
	return progressUploadStart + int(span*transferred/total)
}

func pollProgress(poll, maxPolls int) int {
	span := progressPollEnd - progressPollStart
	return progressPollStart + span*poll/maxPolls
}

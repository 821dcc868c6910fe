package orchestrate

import (
	"context"
	"errors"
	"time"

	"github.com/snarg/scribed/internal/backend"
	"github.com/snarg/scribed/internal/database"
	"github.com/snarg/scribed/internal/metrics"
)

// liveFinishTimeout caps the analyze/save tail when a status request
// resolves a completion the submitting instance never saw.
const liveFinishTimeout = 15 * time.Second

// StatusView is what the status endpoint returns: the ledger row plus a
// rough time-to-completion estimate for in-flight jobs.
type StatusView struct {
	database.Job
	ETASeconds float64 `json:"eta_seconds,omitempty"`
}

// GetStatus resolves a job's current state. Terminal rows are returned
// verbatim with no backend traffic. For an in-flight job with a remote
// ID, the backend is polled live and the ledger refreshed, so any
// instance can resolve a job regardless of where it was submitted. A
// completed poll result drives the finishing writes from here; the
// ledger's terminal guards make this safe against the submitting
// instance's own pipeline.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID, owner string) (*StatusView, error) {
	job, err := o.ledger.GetJob(ctx, jobID)
	if errors.Is(err, database.ErrNotFound) {
		// A row created milliseconds ago on another instance may not be
		// visible yet. Trust the ID's embedded timestamp for a short
		// window rather than reporting a brand-new job as missing.
		if created, ok := JobIDTime(jobID); ok && time.Since(created) < o.opts.FreshJobCutoff {
			return &StatusView{Job: database.Job{
				JobID:     jobID,
				Owner:     owner,
				Status:    database.StatusStarting,
				Progress:  progressStarting,
				CreatedAt: created,
			}}, nil
		}
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if job.Owner != owner {
		return nil, database.ErrNotFound
	}

	if database.IsTerminal(job.Status) {
		return &StatusView{Job: *job}, nil
	}

	if job.BackendJobID != "" {
		o.resolveLive(ctx, job)
		if refreshed, err := o.ledger.GetJob(ctx, jobID); err == nil {
			job = refreshed
		}
	}

	return &StatusView{Job: *job, ETASeconds: estimateETA(job)}, nil
}

// resolveLive polls the backend once and folds the answer into the
// ledger. Poll failures leave the stored state untouched.
func (o *Orchestrator) resolveLive(ctx context.Context, job *database.Job) {
	be, ok := o.backends[backend.ID(job.Backend)]
	if !ok {
		return
	}

	metrics.BackendPollsTotal.WithLabelValues(job.Backend).Inc()
	res, err := be.Poll(ctx, job.BackendJobID)
	if err != nil {
		o.log.Warn().Err(err).Str("job_id", job.JobID).Msg("live status poll failed")
		return
	}

	switch res.State {
	case backend.StateCompleted:
		// This path runs inside a status request; bound the finishing
		// tail so a slow analyzer cannot stall the caller.
		fctx, cancel := context.WithTimeout(ctx, liveFinishTimeout)
		defer cancel()
		o.finish(fctx, job, res, job.CreatedAt)
	case backend.StateError:
		msg := res.ErrorMessage
		if msg == "" {
			msg = "backend reported an unspecified error"
		}
		o.fail(ctx, job, job.CreatedAt, msg)
	case backend.StateProcessing:
		o.setStatus(ctx, job.JobID, database.StatusProcessing, job.Progress)
	}
}

// estimateETA projects remaining seconds from elapsed time and current
// progress. Zero when there is nothing sensible to project.
func estimateETA(job *database.Job) float64 {
	if job.Progress <= progressStarting || job.Progress >= 100 {
		return 0
	}
	elapsed := time.Since(job.CreatedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return elapsed * float64(100-job.Progress) / float64(job.Progress)
}

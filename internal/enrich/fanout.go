package enrich

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribed/internal/database"
)

// DocumentStore is the knowledge-store surface the fan-out needs.
type DocumentStore interface {
	StoreDocument(ctx context.Context, doc *Document) error
	StoreEmbedding(ctx context.Context, jobID string, embedding []float32) error
}

// Embedder produces embedding vectors for transcript text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Notifier delivers terminal-status notifications.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// Fanout pushes a finished job to each configured destination. The job's
// terminal status is already in the ledger before Dispatch runs, so
// nothing here can affect the job outcome.
type Fanout struct {
	docs     DocumentStore // nil when no knowledge store is configured
	embedder Embedder      // nil when no analyzer is configured
	notifier Notifier      // nil when no webhook is configured
	timeout  time.Duration
	log      zerolog.Logger
}

// NewFanout creates an enrichment fan-out. Any destination may be nil.
func NewFanout(docs DocumentStore, embedder Embedder, notifier Notifier, timeout time.Duration, log zerolog.Logger) *Fanout {
	return &Fanout{
		docs:     docs,
		embedder: embedder,
		notifier: notifier,
		timeout:  timeout,
		log:      log.With().Str("component", "enrich").Logger(),
	}
}

// Dispatch sends the job to every configured destination concurrently and
// waits for all of them. Each destination gets its own timeout context so
// one slow consumer cannot starve the others. Errors are logged, never
// returned.
func (f *Fanout) Dispatch(job *database.Job) {
	var wg sync.WaitGroup

	if f.docs != nil && job.Status == database.StatusCompleted {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.run(job.JobID, "knowledge-store", func(ctx context.Context) error {
				return f.docs.StoreDocument(ctx, &Document{
					JobID:           job.JobID,
					Owner:           job.Owner,
					Project:         job.Project,
					Filename:        job.Filename,
					Text:            job.Text,
					DurationSeconds: job.AudioDuration,
					Analysis:        job.Analysis,
				})
			})
		}()
	}

	if f.docs != nil && f.embedder != nil && job.Status == database.StatusCompleted && job.Text != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.run(job.JobID, "embedding", func(ctx context.Context) error {
				vec, err := f.embedder.Embed(ctx, job.Text)
				if err != nil {
					return err
				}
				return f.docs.StoreEmbedding(ctx, job.JobID, vec)
			})
		}()
	}

	if f.notifier != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.run(job.JobID, "webhook", func(ctx context.Context) error {
				event := EventCompleted
				if job.Status == database.StatusError {
					event = EventFailed
				}
				return f.notifier.Notify(ctx, &Notification{
					Event:           event,
					JobID:           job.JobID,
					Status:          job.Status,
					Owner:           job.Owner,
					Filename:        job.Filename,
					DurationSeconds: job.AudioDuration,
					ErrorMessage:    job.ErrorMessage,
				})
			})
		}()
	}

	wg.Wait()
}

func (f *Fanout) run(jobID, destination string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		f.log.Warn().
			Err(err).
			Str("job_id", jobID).
			Str("destination", destination).
			Msg("enrichment delivery failed")
		return
	}
	f.log.Debug().Str("job_id", jobID).Str("destination", destination).Msg("enrichment delivered")
}

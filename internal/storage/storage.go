package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribed/internal/config"
)

// StagingStore holds audio between upload and backend handoff.
// Staged objects are transient working copies, not an archive; the ledger's
// chunk rows are the durable record of what was staged.
type StagingStore interface {
	// Save stores staged data. key format: {job_id}/{filename or chunk_NNNNN}
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Open returns a reader for a staged object.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// URL returns a presigned URL for a staged object.
	// Returns "" for local-only backends.
	URL(ctx context.Context, key string) (string, error)

	// Exists checks if a staged object exists.
	Exists(ctx context.Context, key string) bool

	// Delete removes a staged object. Missing objects are not an error.
	Delete(ctx context.Context, key string) error

	// Type returns "local" or "s3".
	Type() string
}

// New creates a StagingStore based on config: S3 when a bucket is
// configured, the local filesystem under audioDir otherwise.
// Returns an error if S3 is configured but unreachable.
func New(cfg config.S3Config, audioDir string, log zerolog.Logger) (StagingStore, error) {
	if !cfg.Enabled() {
		return NewLocalStore(audioDir), nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	return s3store, nil
}

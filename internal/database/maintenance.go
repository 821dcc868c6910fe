package database

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PurgeTerminalJobs deletes completed and errored jobs older than the
// horizon, along with their chunk rows (ON DELETE CASCADE). Non-terminal
// rows are never touched regardless of age.
func (db *DB) PurgeTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM transcription_jobs
		WHERE status IN ('completed', 'error') AND updated_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RetentionLoop runs the operator-configured purge once at startup and then
// every 6 hours until the context is cancelled. retentionDays <= 0 disables
// the loop entirely; error records are otherwise kept forever.
func (db *DB) RetentionLoop(ctx context.Context, retentionDays int, log zerolog.Logger) {
	if retentionDays <= 0 {
		return
	}
	log = log.With().Str("component", "retention").Logger()

	purge := func() {
		horizon := time.Now().AddDate(0, 0, -retentionDays)
		n, err := db.PurgeTerminalJobs(ctx, horizon)
		if err != nil {
			log.Error().Err(err).Msg("retention purge failed")
			return
		}
		if n > 0 {
			log.Info().Int64("purged", n).Time("horizon", horizon).Msg("terminal jobs purged")
		}
	}

	purge()
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge()
		}
	}
}

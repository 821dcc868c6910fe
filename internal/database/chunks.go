package database

import (
	"context"
	"fmt"
	"time"
)

// AudioChunk is one contiguous byte range of a large source file as staged
// to the staging store. A chunked transfer is complete iff every expected
// chunk_index has a row.
type AudioChunk struct {
	JobID      string    `json:"job_id"`
	ChunkIndex int       `json:"chunk_index"`
	StoreKey   string    `json:"store_key"`
	SizeBytes  int64     `json:"size_bytes"`
	SHA256     string    `json:"sha256,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// InsertChunk records a staged chunk. Re-staging the same index after a
// crash overwrites the previous row rather than failing.
func (db *DB) InsertChunk(ctx context.Context, c *AudioChunk) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO audio_chunks (job_id, chunk_index, store_key, size_bytes, sha256)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id, chunk_index) DO UPDATE
		SET store_key = EXCLUDED.store_key,
			size_bytes = EXCLUDED.size_bytes,
			sha256 = EXCLUDED.sha256,
			created_at = now()
	`, c.JobID, c.ChunkIndex, c.StoreKey, c.SizeBytes, c.SHA256)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// CountChunks returns the number of staged chunks recorded for a job.
func (db *DB) CountChunks(ctx context.Context, jobID string) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM audio_chunks WHERE job_id = $1`, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// ListChunks returns a job's staged chunks ordered by chunk_index.
func (db *DB) ListChunks(ctx context.Context, jobID string) ([]AudioChunk, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT job_id, chunk_index, store_key, size_bytes, sha256, created_at
		FROM audio_chunks
		WHERE job_id = $1
		ORDER BY chunk_index
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AudioChunk
	for rows.Next() {
		var c AudioChunk
		if err := rows.Scan(&c.JobID, &c.ChunkIndex, &c.StoreKey, &c.SizeBytes, &c.SHA256, &c.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

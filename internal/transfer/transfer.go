// Package transfer moves audio from its origin (direct upload, chunked
// large-file upload, or a cloud-drive file) into a reference the chosen
// transcription backend can read.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/snarg/scribed/internal/backend"
	"github.com/snarg/scribed/internal/database"
	"github.com/snarg/scribed/internal/storage"
)

// ChunkStore is the ledger view that records staged chunks. A chunked
// transfer is complete iff the recorded row count matches the expected
// chunk count; the rows are what allow inspecting a partially-transferred
// file after a crash.
type ChunkStore interface {
	InsertChunk(ctx context.Context, c *database.AudioChunk) error
	CountChunks(ctx context.Context, jobID string) (int, error)
}

// Source describes where the audio comes from. Exactly one of Data,
// Reader or DriveFileID is set.
type Source struct {
	Data        []byte    // small in-memory upload
	Reader      io.Reader // streamed upload of known size
	Size        int64     // required with Reader
	DriveFileID string    // cloud-drive file
	Owner       string    // required with DriveFileID
	Filename    string
}

// Staged is the transfer deliverable: a reference the backend accepts,
// plus the verified identity of what was staged.
type Staged struct {
	UploadRef string // backend upload reference or presigned staging URL
	StoreKey  string // staging key (prefix for chunked transfers)
	Filename  string
	Size      int64
	SHA256    string
	Chunks    int // 0 for direct transfers
}

// ProgressFunc reports transfer progress as bytes staged out of total.
type ProgressFunc func(transferred, total int64)

// Engine stages audio into the staging store and hands it to a backend.
type Engine struct {
	store     storage.StagingStore
	chunks    ChunkStore
	drive     *DriveClient // nil when the cloud-drive source is not configured
	chunkSize int64
	log       zerolog.Logger
}

// NewEngine creates a transfer engine. drive may be nil.
func NewEngine(store storage.StagingStore, chunks ChunkStore, drive *DriveClient, chunkSize int64, log zerolog.Logger) *Engine {
	return &Engine{
		store:     store,
		chunks:    chunks,
		drive:     drive,
		chunkSize: chunkSize,
		log:       log.With().Str("component", "transfer").Logger(),
	}
}

// DriveInfo returns name and size for a cloud-drive file, so callers can
// route and budget-check before any bytes move.
func (e *Engine) DriveInfo(ctx context.Context, owner, fileID string) (string, int64, error) {
	if e.drive == nil {
		return "", 0, fmt.Errorf("cloud-drive source not configured")
	}
	meta, err := e.drive.GetMetadata(ctx, owner, fileID)
	if err != nil {
		return "", 0, err
	}
	return meta.Name, meta.Size, nil
}

// Chunked reports whether Stage will split a payload of this size into
// staged chunks. Callers labeling a job by its transfer shape go through
// this so the label and the chunking decision share one threshold.
func (e *Engine) Chunked(size int64) bool { return size > e.chunkSize }

// Stage moves the source audio into the staging store and produces a
// backend-consumable reference. The content hash is computed once, over
// the complete byte stream, before any chunking decision, so verification
// never depends on chunk boundaries.
func (e *Engine) Stage(ctx context.Context, jobID string, be backend.Backend, src Source, onProgress ProgressFunc) (*Staged, error) {
	spool, size, sum, cleanup, err := e.spool(ctx, src)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	staged := &Staged{
		StoreKey: jobID,
		Filename: src.Filename,
		Size:     size,
		SHA256:   sum,
	}

	if size > e.chunkSize {
		if err := e.stageChunked(ctx, jobID, spool, size, staged, onProgress); err != nil {
			return nil, err
		}
	} else {
		if err := e.stageDirect(ctx, jobID, spool, size, staged); err != nil {
			return nil, err
		}
		if onProgress != nil {
			onProgress(size, size)
		}
	}

	if err := e.handoff(ctx, be, staged); err != nil {
		return nil, err
	}

	e.log.Debug().
		Str("job_id", jobID).
		Int64("size", size).
		Int("chunks", staged.Chunks).
		Str("store", e.store.Type()).
		Msg("audio staged")
	return staged, nil
}

// spool lands the source bytes in a temp file, hashing the full stream on
// the way through. The spool file lets the chunking pass re-read without
// holding the payload in memory.
func (e *Engine) spool(ctx context.Context, src Source) (*os.File, int64, string, func(), error) {
	var r io.Reader
	switch {
	case src.Data != nil:
		h := sha256.Sum256(src.Data)
		f, err := spoolBytes(src.Data)
		if err != nil {
			return nil, 0, "", nil, err
		}
		return f, int64(len(src.Data)), hex.EncodeToString(h[:]), func() { discard(f) }, nil

	case src.Reader != nil:
		r = src.Reader

	case src.DriveFileID != "":
		if e.drive == nil {
			return nil, 0, "", nil, fmt.Errorf("cloud-drive source not configured")
		}
		body, err := e.drive.Download(ctx, src.Owner, src.DriveFileID)
		if err != nil {
			return nil, 0, "", nil, fmt.Errorf("drive download: %w", err)
		}
		defer body.Close()
		r = body

	default:
		return nil, 0, "", nil, fmt.Errorf("empty transfer source")
	}

	f, err := os.CreateTemp("", "scribed-spool-*")
	if err != nil {
		return nil, 0, "", nil, fmt.Errorf("create spool: %w", err)
	}
	h := sha256.New()
	size, err := io.Copy(f, io.TeeReader(r, h))
	if err != nil {
		discard(f)
		return nil, 0, "", nil, fmt.Errorf("spool source: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		discard(f)
		return nil, 0, "", nil, fmt.Errorf("rewind spool: %w", err)
	}
	return f, size, hex.EncodeToString(h.Sum(nil)), func() { discard(f) }, nil
}

func (e *Engine) stageDirect(ctx context.Context, jobID string, spool *os.File, size int64, staged *Staged) error {
	data := make([]byte, size)
	if _, err := io.ReadFull(spool, data); err != nil {
		return fmt.Errorf("read spool: %w", err)
	}
	key := jobID + "/" + staged.Filename
	if err := e.store.Save(ctx, key, data, "application/octet-stream"); err != nil {
		return fmt.Errorf("stage audio: %w", err)
	}
	staged.StoreKey = key
	return nil
}

// stageChunked splits the spool into fixed-size chunks, staging each and
// recording an audio_chunks row as it completes. Chunks already staged by
// a crashed attempt are simply overwritten; nothing is retried here.
func (e *Engine) stageChunked(ctx context.Context, jobID string, spool *os.File, size int64, staged *Staged, onProgress ProgressFunc) error {
	expected := int((size + e.chunkSize - 1) / e.chunkSize)
	buf := make([]byte, e.chunkSize)
	var transferred int64

	for i := 0; i < expected; i++ {
		n, err := io.ReadFull(spool, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			// last, short chunk
		} else if err != nil {
			return fmt.Errorf("read chunk %d: %w", i, err)
		}
		if n == 0 {
			break
		}

		chunk := buf[:n]
		key := fmt.Sprintf("%s/chunk_%05d", jobID, i)
		if err := e.store.Save(ctx, key, chunk, "application/octet-stream"); err != nil {
			return fmt.Errorf("stage chunk %d: %w", i, err)
		}

		sum := sha256.Sum256(chunk)
		if err := e.chunks.InsertChunk(ctx, &database.AudioChunk{
			JobID:      jobID,
			ChunkIndex: i,
			StoreKey:   key,
			SizeBytes:  int64(n),
			SHA256:     hex.EncodeToString(sum[:]),
		}); err != nil {
			return fmt.Errorf("record chunk %d: %w", i, err)
		}

		transferred += int64(n)
		if onProgress != nil {
			onProgress(transferred, size)
		}
	}

	// The transfer is complete iff every expected chunk has a stored row.
	count, err := e.chunks.CountChunks(ctx, jobID)
	if err != nil {
		return fmt.Errorf("verify chunks: %w", err)
	}
	if count != expected {
		return fmt.Errorf("incomplete chunked transfer: %d of %d chunks recorded", count, expected)
	}

	staged.Chunks = expected
	return nil
}

// handoff turns the staged object into a reference the backend accepts:
// a presigned URL when both sides support it, otherwise a streamed upload
// to the backend's ingest endpoint.
func (e *Engine) handoff(ctx context.Context, be backend.Backend, staged *Staged) error {
	if staged.Chunks == 0 && be.AcceptsURL() {
		url, err := e.store.URL(ctx, staged.StoreKey)
		if err != nil {
			return fmt.Errorf("presign staged audio: %w", err)
		}
		if url != "" {
			staged.UploadRef = url
			return nil
		}
	}

	var r io.Reader
	if staged.Chunks > 0 {
		r = newChunkStream(ctx, e.store, staged.StoreKey, staged.Chunks)
	} else {
		rc, err := e.store.Open(ctx, staged.StoreKey)
		if err != nil {
			return fmt.Errorf("open staged audio: %w", err)
		}
		defer rc.Close()
		r = rc
	}

	ref, err := be.Upload(ctx, r, staged.Filename)
	if err != nil {
		return fmt.Errorf("backend upload: %w", err)
	}
	staged.UploadRef = ref
	return nil
}

// chunkStream reads a chunked staging prefix as one contiguous stream,
// opening each chunk lazily in index order.
type chunkStream struct {
	ctx    context.Context
	store  storage.StagingStore
	prefix string
	total  int
	index  int
	cur    io.ReadCloser
}

func newChunkStream(ctx context.Context, store storage.StagingStore, prefix string, total int) *chunkStream {
	return &chunkStream{ctx: ctx, store: store, prefix: prefix, total: total}
}

func (cs *chunkStream) Read(p []byte) (int, error) {
	for {
		if cs.cur == nil {
			if cs.index >= cs.total {
				return 0, io.EOF
			}
			key := fmt.Sprintf("%s/chunk_%05d", cs.prefix, cs.index)
			rc, err := cs.store.Open(cs.ctx, key)
			if err != nil {
				return 0, fmt.Errorf("open chunk %d: %w", cs.index, err)
			}
			cs.cur = rc
			cs.index++
		}

		n, err := cs.cur.Read(p)
		if err == io.EOF {
			cs.cur.Close()
			cs.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func spoolBytes(data []byte) (*os.File, error) {
	f, err := os.CreateTemp("", "scribed-spool-*")
	if err != nil {
		return nil, fmt.Errorf("create spool: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		discard(f)
		return nil, fmt.Errorf("write spool: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		discard(f)
		return nil, fmt.Errorf("rewind spool: %w", err)
	}
	return f, nil
}

func discard(f *os.File) {
	name := f.Name()
	f.Close()
	os.Remove(name)
}

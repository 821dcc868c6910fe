// Package backend contains the speech-to-text backend clients and the
// size-based router that picks between them.
package backend

import (
	"context"
	"io"
)

// ID identifies a registered backend. Fixed once chosen for a job.
type ID string

const (
	// Nano is the fast, cheap backend for small files.
	Nano ID = "nano"
	// Scribe is the full-featured backend for large payloads and long
	// audio, with speaker diarization.
	Scribe ID = "scribe"
)

// State is a backend's coarse remote job state.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// Segment is one speaker-attributed span of the transcript.
type Segment struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
}

// PollResult is the common poll response from any backend.
type PollResult struct {
	State           State
	Text            string
	Segments        []Segment
	DurationSeconds float64
	ErrorMessage    string
}

// SubmitOpts tunes a remote submission.
type SubmitOpts struct {
	Language string
	Diarize  bool
}

// Backend is the interface to a remote speech-to-text service.
// Upload stages raw bytes at the backend and returns a reference;
// Submit starts an asynchronous remote job from a reference (a prior
// Upload result, or any fetchable URL when AcceptsURL is true); Poll
// reports the remote job's state.
type Backend interface {
	Name() string
	AcceptsURL() bool
	Upload(ctx context.Context, r io.Reader, filename string) (string, error)
	Submit(ctx context.Context, uploadRef string, opts SubmitOpts) (string, error)
	Poll(ctx context.Context, backendJobID string) (*PollResult, error)
}

// Router chooses which backend handles a file, purely by size against a
// fixed threshold. Every call site (interactive upload, cloud-file import,
// inbox batch upload) must route through this one lookup so the same file
// always gets the same decision.
type Router struct {
	// SmallFileCutoff is the first size in bytes routed to Scribe.
	SmallFileCutoff int64
}

// Choose returns the backend for a file of the given size. Total and
// deterministic: below the cutoff routes to Nano, at or above to Scribe.
func (r Router) Choose(fileSizeBytes int64) ID {
	if fileSizeBytes < r.SmallFileCutoff {
		return Nano
	}
	return Scribe
}

// Package ingest watches a drop folder and submits any audio file that
// lands there, as an alternative to the HTTP upload endpoint.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/snarg/scribed/internal/database"
	"github.com/snarg/scribed/internal/orchestrate"
)

// processedDir is where handled files are moved, relative to the inbox.
const processedDir = "processed"

var audioExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".m4a":  true,
	".flac": true,
	".ogg":  true,
}

// Submitter accepts new transcription jobs.
type Submitter interface {
	Submit(ctx context.Context, req orchestrate.SubmitRequest) (*database.Job, error)
}

// Watcher monitors a flat inbox directory for new audio files and submits
// each one under the configured inbox owner.
type Watcher struct {
	submitter Submitter
	inboxDir  string
	owner     string
	log       zerolog.Logger

	ctx     context.Context
	watcher *fsnotify.Watcher

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	filesSubmitted atomic.Int64
	filesSkipped   atomic.Int64
}

// NewWatcher creates an inbox watcher.
func NewWatcher(ctx context.Context, submitter Submitter, inboxDir, owner string, log zerolog.Logger) *Watcher {
	return &Watcher{
		submitter:      submitter,
		inboxDir:       inboxDir,
		owner:          owner,
		log:            log.With().Str("component", "inbox").Logger(),
		ctx:            ctx,
		debounceTimers: make(map[string]*time.Timer),
	}
}

// Start begins watching. Files already sitting in the inbox are swept
// first so a restart never strands audio.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(filepath.Join(w.inboxDir, processedDir), 0o755); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.inboxDir); err != nil {
		fsw.Close()
		return err
	}
	w.watcher = fsw

	w.log.Info().Str("inbox", w.inboxDir).Str("owner", w.owner).Msg("inbox watcher started")

	go w.watchLoop()
	go w.Sweep()
	return nil
}

// Stop closes the fsnotify watcher.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.log.Info().
		Int64("files_submitted", w.filesSubmitted.Load()).
		Int64("files_skipped", w.filesSkipped.Load()).
		Msg("inbox watcher stopped")
}

// Sweep submits every audio file currently in the inbox.
func (w *Watcher) Sweep() {
	entries, err := os.ReadDir(w.inboxDir)
	if err != nil {
		w.log.Warn().Err(err).Msg("inbox sweep failed")
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		w.processFile(filepath.Join(w.inboxDir, e.Name()))
	}
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isAudioFile(event.Name) {
				continue
			}
			w.scheduleProcess(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleProcess debounces by 500ms so a file still being copied in is
// read only after writes stop.
func (w *Watcher) scheduleProcess(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if t, ok := w.debounceTimers[path]; ok {
		t.Reset(500 * time.Millisecond)
		return
	}

	w.debounceTimers[path] = time.AfterFunc(500*time.Millisecond, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		w.processFile(path)
	})
}

// processFile submits one inbox file and moves it aside on success. A
// failed submission leaves the file in place for the next sweep.
func (w *Watcher) processFile(path string) {
	if !isAudioFile(path) {
		w.filesSkipped.Add(1)
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		w.filesSkipped.Add(1)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("opening inbox file failed")
		return
	}

	job, err := w.submitter.Submit(w.ctx, orchestrate.SubmitRequest{
		Owner:    w.owner,
		Filename: filepath.Base(path),
		Reader:   f,
		Size:     info.Size(),
	})
	f.Close()
	if err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("inbox submission failed")
		return
	}

	dest := filepath.Join(w.inboxDir, processedDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("moving processed file failed")
	}

	w.filesSubmitted.Add(1)
	w.log.Info().Str("path", path).Str("job_id", job.JobID).Msg("inbox file submitted")
}

func isAudioFile(path string) bool {
	return audioExtensions[strings.ToLower(filepath.Ext(path))]
}

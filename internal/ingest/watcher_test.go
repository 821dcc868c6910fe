package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/snarg/scribed/internal/database"
	"github.com/snarg/scribed/internal/orchestrate"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []orchestrate.SubmitRequest
	err  error
}

func (f *fakeSubmitter) Submit(ctx context.Context, req orchestrate.SubmitRequest) (*database.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.reqs = append(f.reqs, req)
	return &database.Job{JobID: "tj_inbox"}, nil
}

func TestIsAudioFile(t *testing.T) {
	cases := map[string]bool{
		"a.mp3":        true,
		"A.MP3":        true,
		"b.wav":        true,
		"c.m4a":        true,
		"d.flac":       true,
		"e.ogg":        true,
		"notes.txt":    false,
		"meta.json":    false,
		"noextension":  false,
		".mp3.partial": false,
	}
	for path, want := range cases {
		if got := isAudioFile(path); got != want {
			t.Errorf("isAudioFile(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestSweepSubmitsExistingAudio(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "old.mp3"), []byte("audio-one"), 0o644)
	os.WriteFile(filepath.Join(dir, "older.wav"), []byte("audio-two"), 0o644)
	os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("not audio"), 0o644)
	os.MkdirAll(filepath.Join(dir, processedDir), 0o755)

	sub := &fakeSubmitter{}
	w := NewWatcher(context.Background(), sub, dir, "inbox", zerolog.Nop())
	w.Sweep()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.reqs) != 2 {
		t.Fatalf("submitted %d files, want 2", len(sub.reqs))
	}
	for _, req := range sub.reqs {
		if req.Owner != "inbox" {
			t.Errorf("owner = %q, want inbox", req.Owner)
		}
	}

	// Handled audio is moved aside; the non-audio file stays put.
	if _, err := os.Stat(filepath.Join(dir, "old.mp3")); !os.IsNotExist(err) {
		t.Error("old.mp3 still in the inbox after sweep")
	}
	if _, err := os.Stat(filepath.Join(dir, processedDir, "old.mp3")); err != nil {
		t.Error("old.mp3 missing from processed dir")
	}
	if _, err := os.Stat(filepath.Join(dir, "readme.txt")); err != nil {
		t.Error("non-audio file should be left alone")
	}
}

func TestSweepLeavesFileOnSubmitFailure(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.mp3"), []byte("audio"), 0o644)
	os.MkdirAll(filepath.Join(dir, processedDir), 0o755)

	sub := &fakeSubmitter{err: fmt.Errorf("budget exceeded")}
	w := NewWatcher(context.Background(), sub, dir, "inbox", zerolog.Nop())
	w.Sweep()

	// The file stays in place for a later sweep.
	if _, err := os.Stat(filepath.Join(dir, "a.mp3")); err != nil {
		t.Error("failed submission should leave the file in the inbox")
	}
}

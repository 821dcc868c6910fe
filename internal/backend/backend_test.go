package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRouterChoose(t *testing.T) {
	r := Router{SmallFileCutoff: 25 << 20}

	cases := []struct {
		size int64
		want ID
	}{
		{0, Nano},
		{1, Nano},
		{10 << 20, Nano},
		{25<<20 - 1, Nano},
		{25 << 20, Scribe},
		{25<<20 + 1, Scribe},
		{5 << 30, Scribe},
	}
	for _, tc := range cases {
		if got := r.Choose(tc.size); got != tc.want {
			t.Errorf("Choose(%d) = %s, want %s", tc.size, got, tc.want)
		}
	}
}

func TestRouterDeterministic(t *testing.T) {
	r := Router{SmallFileCutoff: 1000}
	for i := 0; i < 3; i++ {
		if r.Choose(999) != Nano || r.Choose(1000) != Scribe {
			t.Fatal("Choose is not deterministic across calls")
		}
	}
}

func newAAITestServer(t *testing.T, transcript aaiTranscript) (*AssemblyAIClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/upload":
			json.NewEncoder(w).Encode(map[string]string{"upload_url": "https://cdn.example/upload/abc"})
		case r.Method == http.MethodPost && r.URL.Path == "/transcript":
			json.NewEncoder(w).Encode(aaiTranscript{ID: "t_123", Status: "queued"})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/transcript/"):
			json.NewEncoder(w).Encode(transcript)
		default:
			http.NotFound(w, r)
		}
	}))
	c := NewAssemblyAIClient("key", 5*time.Second)
	c.baseURL = srv.URL
	return c, srv
}

func TestAssemblyAIUploadSubmitPoll(t *testing.T) {
	c, srv := newAAITestServer(t, aaiTranscript{
		ID: "t_123", Status: "completed", Text: "hello world", AudioDuration: 12.5,
		Utterances: []aaiUtterance{{Speaker: "A", Text: "hello world", Start: 0, End: 1200}},
	})
	defer srv.Close()

	ctx := context.Background()

	ref, err := c.Upload(ctx, strings.NewReader("audio-bytes"), "a.mp3")
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	if ref == "" {
		t.Fatal("Upload returned empty ref")
	}

	id, err := c.Submit(ctx, ref, SubmitOpts{Diarize: true})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if id != "t_123" {
		t.Errorf("Submit id = %q, want t_123", id)
	}

	res, err := c.Poll(ctx, id)
	if err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	if res.State != StateCompleted {
		t.Errorf("State = %s, want completed", res.State)
	}
	if res.Text != "hello world" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.DurationSeconds != 12.5 {
		t.Errorf("DurationSeconds = %f, want 12.5", res.DurationSeconds)
	}
	if len(res.Segments) != 1 || res.Segments[0].Speaker != "A" || res.Segments[0].EndMs != 1200 {
		t.Errorf("Segments = %+v", res.Segments)
	}
}

func TestAssemblyAIPollError(t *testing.T) {
	c, srv := newAAITestServer(t, aaiTranscript{ID: "t_123", Status: "error", Error: "corrupt audio"})
	defer srv.Close()

	res, err := c.Poll(context.Background(), "t_123")
	if err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	if res.State != StateError {
		t.Errorf("State = %s, want error", res.State)
	}
	if res.ErrorMessage != "corrupt audio" {
		t.Errorf("ErrorMessage = %q, want corrupt audio", res.ErrorMessage)
	}
}

func TestGladiaPollDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var g gladiaResult
		g.ID = "g_1"
		g.Status = "done"
		g.Result.Metadata.AudioDuration = 3600
		g.Result.Transcription.FullTranscript = "long meeting"
		g.Result.Transcription.Utterances = []struct {
			Speaker int     `json:"speaker"`
			Text    string  `json:"text"`
			Start   float64 `json:"start"`
			End     float64 `json:"end"`
		}{{Speaker: 0, Text: "long meeting", Start: 0.5, End: 2.25}}
		json.NewEncoder(w).Encode(g)
	}))
	defer srv.Close()

	c := NewGladiaClient("key", 5*time.Second)
	c.baseURL = srv.URL

	res, err := c.Poll(context.Background(), "g_1")
	if err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	if res.State != StateCompleted {
		t.Errorf("State = %s, want completed", res.State)
	}
	if res.DurationSeconds != 3600 {
		t.Errorf("DurationSeconds = %f, want 3600", res.DurationSeconds)
	}
	if len(res.Segments) != 1 {
		t.Fatalf("Segments = %+v", res.Segments)
	}
	if res.Segments[0].Speaker != "speaker_0" || res.Segments[0].StartMs != 500 || res.Segments[0].EndMs != 2250 {
		t.Errorf("Segment = %+v", res.Segments[0])
	}
}

func TestPollRejectsUnknownStatus(t *testing.T) {
	c, srv := newAAITestServer(t, aaiTranscript{ID: "t_123", Status: "exploded"})
	defer srv.Close()

	if _, err := c.Poll(context.Background(), "t_123"); err == nil {
		t.Error("Poll should reject an unknown status")
	}
}

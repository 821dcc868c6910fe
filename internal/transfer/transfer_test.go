package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribed/internal/backend"
	"github.com/snarg/scribed/internal/database"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	url     string // returned from URL when set
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) Save(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no object %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) URL(ctx context.Context, key string) (string, error) { return m.url, nil }
func (m *memStore) Exists(ctx context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}
func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}
func (m *memStore) Type() string { return "mem" }

type memChunks struct {
	mu   sync.Mutex
	rows map[string]map[int]*database.AudioChunk
}

func newMemChunks() *memChunks {
	return &memChunks{rows: map[string]map[int]*database.AudioChunk{}}
}

func (m *memChunks) InsertChunk(ctx context.Context, c *database.AudioChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[c.JobID] == nil {
		m.rows[c.JobID] = map[int]*database.AudioChunk{}
	}
	m.rows[c.JobID][c.ChunkIndex] = c
	return nil
}

func (m *memChunks) CountChunks(ctx context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[jobID]), nil
}

// uploadBackend records what the transfer engine hands it.
type uploadBackend struct {
	acceptsURL bool
	received   []byte
}

func (b *uploadBackend) Name() string     { return "fake" }
func (b *uploadBackend) AcceptsURL() bool { return b.acceptsURL }
func (b *uploadBackend) Upload(ctx context.Context, r io.Reader, filename string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	b.received = data
	return "upload-ref-1", nil
}
func (b *uploadBackend) Submit(ctx context.Context, uploadRef string, opts backend.SubmitOpts) (string, error) {
	return "", fmt.Errorf("not used")
}
func (b *uploadBackend) Poll(ctx context.Context, backendJobID string) (*backend.PollResult, error) {
	return nil, fmt.Errorf("not used")
}

func newTestEngine(store *memStore, chunks *memChunks, chunkSize int64) *Engine {
	return NewEngine(store, chunks, nil, chunkSize, zerolog.Nop())
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestStageDirectSmallFile(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store, newMemChunks(), 1024)
	be := &uploadBackend{}
	data := payload(500)

	staged, err := e.Stage(context.Background(), "tj_1", be, Source{Data: data, Filename: "a.mp3"}, nil)
	if err != nil {
		t.Fatalf("Stage error: %v", err)
	}
	if staged.Chunks != 0 {
		t.Errorf("Chunks = %d, want 0 for a small file", staged.Chunks)
	}
	if staged.UploadRef != "upload-ref-1" {
		t.Errorf("UploadRef = %q", staged.UploadRef)
	}
	if !bytes.Equal(be.received, data) {
		t.Error("backend received different bytes than staged")
	}
	want := sha256.Sum256(data)
	if staged.SHA256 != hex.EncodeToString(want[:]) {
		t.Errorf("SHA256 = %s, want hash of full payload", staged.SHA256)
	}
	if !store.Exists(context.Background(), "tj_1/a.mp3") {
		t.Error("staged object missing from store")
	}
}

func TestStageChunkedRecordsEveryChunk(t *testing.T) {
	store := newMemStore()
	chunks := newMemChunks()
	e := newTestEngine(store, chunks, 1000)
	be := &uploadBackend{}
	data := payload(3500) // 4 chunks: 1000+1000+1000+500

	var progress []int64
	staged, err := e.Stage(context.Background(), "tj_2", be,
		Source{Reader: bytes.NewReader(data), Size: int64(len(data)), Filename: "big.wav"},
		func(transferred, total int64) { progress = append(progress, transferred) })
	if err != nil {
		t.Fatalf("Stage error: %v", err)
	}
	if staged.Chunks != 4 {
		t.Fatalf("Chunks = %d, want 4", staged.Chunks)
	}

	n, _ := chunks.CountChunks(context.Background(), "tj_2")
	if n != 4 {
		t.Errorf("recorded %d chunk rows, want 4", n)
	}
	last := chunks.rows["tj_2"][3]
	if last.SizeBytes != 500 {
		t.Errorf("final chunk size = %d, want 500", last.SizeBytes)
	}

	// Progress is monotonic and ends at the full size.
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Errorf("progress went backwards: %v", progress)
		}
	}
	if len(progress) == 0 || progress[len(progress)-1] != int64(len(data)) {
		t.Errorf("progress = %v, want final value %d", progress, len(data))
	}

	// The backend sees the original byte stream, reassembled in order.
	if !bytes.Equal(be.received, data) {
		t.Error("reassembled chunk stream differs from source")
	}
}

func TestChunkedPredicateMatchesStagedRows(t *testing.T) {
	chunks := newMemChunks()
	e := newTestEngine(newMemStore(), chunks, 1000)

	for _, size := range []int{400, 1000, 1001, 4200} {
		jobID := fmt.Sprintf("tj_c%d", size)
		staged, err := e.Stage(context.Background(), jobID, &uploadBackend{},
			Source{Data: payload(size), Filename: "a.mp3"}, nil)
		if err != nil {
			t.Fatalf("Stage(%d) error: %v", size, err)
		}
		rows, _ := chunks.CountChunks(context.Background(), jobID)
		if e.Chunked(int64(size)) != (rows > 0) {
			t.Errorf("size %d: Chunked = %v but %d chunk rows staged", size, e.Chunked(int64(size)), rows)
		}
		if staged.Chunks != rows {
			t.Errorf("size %d: staged.Chunks = %d, chunk rows = %d", size, staged.Chunks, rows)
		}
	}
}

func TestStageHashIndependentOfChunkSize(t *testing.T) {
	data := payload(9973)
	var hashes []string

	for _, chunkSize := range []int64{512, 2048, 100000} {
		e := newTestEngine(newMemStore(), newMemChunks(), chunkSize)
		staged, err := e.Stage(context.Background(), "tj_h", &uploadBackend{},
			Source{Data: data, Filename: "x.flac"}, nil)
		if err != nil {
			t.Fatalf("Stage(chunkSize=%d) error: %v", chunkSize, err)
		}
		hashes = append(hashes, staged.SHA256)
	}

	for i := 1; i < len(hashes); i++ {
		if hashes[i] != hashes[0] {
			t.Errorf("hash varies with chunk size: %v", hashes)
		}
	}
}

func TestStagePresignedURLHandoff(t *testing.T) {
	store := newMemStore()
	store.url = "https://store.example/presigned"
	e := newTestEngine(store, newMemChunks(), 1024)
	be := &uploadBackend{acceptsURL: true}

	staged, err := e.Stage(context.Background(), "tj_3", be,
		Source{Data: payload(100), Filename: "s.ogg"}, nil)
	if err != nil {
		t.Fatalf("Stage error: %v", err)
	}
	if staged.UploadRef != "https://store.example/presigned" {
		t.Errorf("UploadRef = %q, want the presigned URL", staged.UploadRef)
	}
	if be.received != nil {
		t.Error("backend Upload should be skipped when a URL is available")
	}

	// Chunked transfers never take the URL shortcut.
	be2 := &uploadBackend{acceptsURL: true}
	data := payload(5000)
	staged, err = e.Stage(context.Background(), "tj_4", be2,
		Source{Data: data, Filename: "l.mp3"}, nil)
	if err != nil {
		t.Fatalf("Stage error: %v", err)
	}
	if staged.UploadRef != "upload-ref-1" {
		t.Errorf("chunked UploadRef = %q, want backend upload", staged.UploadRef)
	}
	if !bytes.Equal(be2.received, data) {
		t.Error("chunked handoff bytes differ from source")
	}
}

func TestStageEmptySource(t *testing.T) {
	e := newTestEngine(newMemStore(), newMemChunks(), 1024)
	if _, err := e.Stage(context.Background(), "tj_5", &uploadBackend{}, Source{Filename: "x"}, nil); err == nil {
		t.Fatal("Stage should reject an empty source")
	}
}

type memCreds struct {
	mu   sync.Mutex
	cred database.DriveCredential
}

func (m *memCreds) GetDriveCredential(ctx context.Context, owner string) (*database.DriveCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cred
	return &c, nil
}

func (m *memCreds) UpdateDriveToken(ctx context.Context, owner, accessToken string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred.AccessToken = accessToken
	m.cred.ExpiresAt = expiresAt
	return nil
}

func TestDriveClientRefreshesExpiredToken(t *testing.T) {
	var refreshes int
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes++
		if got := r.FormValue("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.FormValue("refresh_token"); got != "refresh-1" {
			t.Errorf("refresh_token = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-token",
			"expires_in":   3600,
		})
	}))
	defer tokenSrv.Close()

	driveSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": "f1", "name": "meeting.mp3", "size": "1048576", "mimeType": "audio/mpeg",
		})
	}))
	defer driveSrv.Close()

	creds := &memCreds{cred: database.DriveCredential{
		Owner:        "u1",
		AccessToken:  "stale-token",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Hour),
	}}
	d := NewDriveClient("cid", "secret", creds, zerolog.Nop())
	d.baseURL = driveSrv.URL
	d.tokenURL = tokenSrv.URL

	meta, err := d.GetMetadata(context.Background(), "u1", "f1")
	if err != nil {
		t.Fatalf("GetMetadata error: %v", err)
	}
	if meta.Name != "meeting.mp3" || meta.Size != 1048576 {
		t.Errorf("meta = %+v", meta)
	}
	if refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", refreshes)
	}
	if creds.cred.AccessToken != "fresh-token" {
		t.Error("refreshed token not written back to the store")
	}

	// A second call reuses the stored fresh token without refreshing.
	if _, err := d.GetMetadata(context.Background(), "u1", "f1"); err != nil {
		t.Fatalf("second GetMetadata error: %v", err)
	}
	if refreshes != 1 {
		t.Errorf("refreshes after reuse = %d, want 1", refreshes)
	}
}

func TestDriveClientRetriesOnceOn401(t *testing.T) {
	var refreshes int
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes++
		json.NewEncoder(w).Encode(map[string]any{"access_token": "token-2", "expires_in": 3600})
	}))
	defer tokenSrv.Close()

	driveSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-2" {
			// Token revoked server-side even though it looks unexpired.
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("audio-bytes"))
	}))
	defer driveSrv.Close()

	creds := &memCreds{cred: database.DriveCredential{
		Owner:        "u1",
		AccessToken:  "revoked",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}
	d := NewDriveClient("cid", "secret", creds, zerolog.Nop())
	d.baseURL = driveSrv.URL
	d.tokenURL = tokenSrv.URL

	body, err := d.Download(context.Background(), "u1", "f1")
	if err != nil {
		t.Fatalf("Download error: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "audio-bytes" {
		t.Errorf("downloaded %q", data)
	}
	if refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", refreshes)
	}
}

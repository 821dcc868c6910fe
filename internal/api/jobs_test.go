package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/scribed/internal/budget"
	"github.com/snarg/scribed/internal/database"
	"github.com/snarg/scribed/internal/orchestrate"
)

type fakeJobService struct {
	submitted *orchestrate.SubmitRequest
	submitErr error
	job       *database.Job
	view      *orchestrate.StatusView
	viewErr   error
	retried   string
}

func (f *fakeJobService) Submit(ctx context.Context, req orchestrate.SubmitRequest) (*database.Job, error) {
	f.submitted = &req
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.job, nil
}

func (f *fakeJobService) GetStatus(ctx context.Context, jobID, owner string) (*orchestrate.StatusView, error) {
	if f.viewErr != nil {
		return nil, f.viewErr
	}
	return f.view, nil
}

func (f *fakeJobService) List(ctx context.Context, owner string, limit int) ([]database.JobSummary, error) {
	return []database.JobSummary{{JobID: "tj_1", Status: "completed"}}, nil
}

func (f *fakeJobService) Retry(ctx context.Context, jobID, owner string) (*database.Job, error) {
	f.retried = jobID
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.job, nil
}

func newTestRouter(svc *fakeJobService) http.Handler {
	r := chi.NewRouter()
	NewJobsHandler(svc, zerolog.Nop()).Routes(r)
	return r
}

func multipartBody(t *testing.T, fields map[string]string, filename string, audio []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		w.WriteField(k, v)
	}
	fw, err := w.CreateFormFile("audio", filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(audio)
	w.Close()
	return &buf, w.FormDataContentType()
}

func TestCreateMultipart(t *testing.T) {
	svc := &fakeJobService{job: &database.Job{JobID: "tj_99", Status: "starting", Backend: "nano"}}
	r := newTestRouter(svc)

	body, ct := multipartBody(t, map[string]string{
		"owner":   "u1",
		"project": "standups",
	}, "monday.mp3", []byte("audio-bytes"))

	req := httptest.NewRequest("POST", "/api/v1/transcriptions", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp createdResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.JobID != "tj_99" || resp.Backend != "nano" {
		t.Errorf("response = %+v", resp)
	}
	if svc.submitted.Owner != "u1" || svc.submitted.Filename != "monday.mp3" {
		t.Errorf("submitted = %+v", svc.submitted)
	}
	if svc.submitted.Size != int64(len("audio-bytes")) {
		t.Errorf("submitted size = %d", svc.submitted.Size)
	}
}

func TestCreateJSONDriveImport(t *testing.T) {
	svc := &fakeJobService{job: &database.Job{JobID: "tj_42", Status: "starting", Backend: "scribe"}}
	r := newTestRouter(svc)

	req := httptest.NewRequest("POST", "/api/v1/transcriptions",
		strings.NewReader(`{"drive_file_id":"d123","owner":"u1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if svc.submitted.DriveFileID != "d123" {
		t.Errorf("submitted = %+v", svc.submitted)
	}
}

func TestCreateRejectsMissingDriveID(t *testing.T) {
	r := newTestRouter(&fakeJobService{})
	req := httptest.NewRequest("POST", "/api/v1/transcriptions", strings.NewReader(`{"owner":"u1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCreateBudgetRejectionIs429(t *testing.T) {
	svc := &fakeJobService{submitErr: fmt.Errorf("%w: used 50h", budget.ErrBudgetExceeded)}
	r := newTestRouter(svc)

	body, ct := multipartBody(t, map[string]string{"owner": "u1"}, "a.mp3", []byte("x"))
	req := httptest.NewRequest("POST", "/api/v1/transcriptions", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}

func TestGetStatus(t *testing.T) {
	svc := &fakeJobService{view: &orchestrate.StatusView{
		Job: database.Job{JobID: "tj_7", Status: "processing", Progress: 55},
	}}
	r := newTestRouter(svc)

	req := httptest.NewRequest("GET", "/api/v1/transcriptions/tj_7?owner=u1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view orchestrate.StatusView
	json.Unmarshal(rec.Body.Bytes(), &view)
	if view.JobID != "tj_7" || view.Progress != 55 {
		t.Errorf("view = %+v", view)
	}
}

func TestGetStatusNotFound(t *testing.T) {
	svc := &fakeJobService{viewErr: database.ErrNotFound}
	r := newTestRouter(svc)

	req := httptest.NewRequest("GET", "/api/v1/transcriptions/tj_x?owner=u1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGetStatusRequiresOwner(t *testing.T) {
	r := newTestRouter(&fakeJobService{})
	req := httptest.NewRequest("GET", "/api/v1/transcriptions/tj_7", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestListJobs(t *testing.T) {
	r := newTestRouter(&fakeJobService{})
	req := httptest.NewRequest("GET", "/api/v1/transcriptions?owner=u1&limit=10", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Jobs []database.JobSummary `json:"jobs"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Jobs) != 1 || resp.Jobs[0].JobID != "tj_1" {
		t.Errorf("jobs = %+v", resp.Jobs)
	}
}

func TestListRejectsBadLimit(t *testing.T) {
	r := newTestRouter(&fakeJobService{})
	req := httptest.NewRequest("GET", "/api/v1/transcriptions?owner=u1&limit=zero", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRetry(t *testing.T) {
	svc := &fakeJobService{job: &database.Job{JobID: "tj_new", Status: "starting", Backend: "nano"}}
	r := newTestRouter(svc)

	req := httptest.NewRequest("POST", "/api/v1/transcriptions/tj_old/retry?owner=u1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if svc.retried != "tj_old" {
		t.Errorf("retried = %q", svc.retried)
	}
}

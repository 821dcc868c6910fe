package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

const gladiaBaseURL = "https://api.gladia.io/v2"

// GladiaClient drives Gladia's pre-recorded transcription API with speaker
// diarization enabled. This is the full-featured path for large files and
// long audio.
// Implements the Backend interface.
type GladiaClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// gladiaResult is the pre-recorded job resource returned by poll.
type gladiaResult struct {
	ID     string `json:"id"`
	Status string `json:"status"` // queued, processing, done, error
	Error  struct {
		Message string `json:"message"`
	} `json:"error_code"`
	Result struct {
		Metadata struct {
			AudioDuration float64 `json:"audio_duration"` // seconds
		} `json:"metadata"`
		Transcription struct {
			FullTranscript string `json:"full_transcript"`
			Utterances     []struct {
				Speaker int     `json:"speaker"`
				Text    string  `json:"text"`
				Start   float64 `json:"start"` // seconds
				End     float64 `json:"end"`
			} `json:"utterances"`
		} `json:"transcription"`
	} `json:"result"`
}

// NewGladiaClient creates a Gladia pre-recorded client.
func NewGladiaClient(apiKey string, timeout time.Duration) *GladiaClient {
	return &GladiaClient{
		apiKey:  apiKey,
		baseURL: gladiaBaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the backend name.
func (c *GladiaClient) Name() string { return string(Scribe) }

// AcceptsURL reports that Submit can take any fetchable audio URL.
func (c *GladiaClient) AcceptsURL() bool { return true }

// Upload streams an audio file to the upload endpoint as multipart form
// data and returns the audio URL Gladia assigns.
func (c *GladiaClient) Upload(ctx context.Context, r io.Reader, filename string) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	// Stream the multipart body so large files never land in memory whole.
	go func() {
		part, err := mw.CreateFormFile("audio", filename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", pr)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("x-gladia-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gladia upload: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("gladia upload error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		AudioURL string `json:"audio_url"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if result.AudioURL == "" {
		return "", fmt.Errorf("gladia upload returned empty audio_url")
	}
	return result.AudioURL, nil
}

// Submit starts an async pre-recorded job from an audio URL.
func (c *GladiaClient) Submit(ctx context.Context, uploadRef string, opts SubmitOpts) (string, error) {
	payload := map[string]any{
		"audio_url":   uploadRef,
		"diarization": opts.Diarize,
	}
	if opts.Language != "" {
		payload["language"] = opts.Language
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pre-recorded", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-gladia-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gladia submit: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("gladia submit error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("gladia submit returned no job id")
	}
	return result.ID, nil
}

// Poll fetches the pre-recorded job resource and maps its status to the
// common PollResult shape.
func (c *GladiaClient) Poll(ctx context.Context, backendJobID string) (*PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/pre-recorded/"+backendJobID, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-gladia-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gladia poll: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gladia poll error (status %d): %s", resp.StatusCode, string(body))
	}

	var g gladiaResult
	if err := json.Unmarshal(body, &g); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	result := &PollResult{}
	switch g.Status {
	case "queued":
		result.State = StateQueued
	case "processing":
		result.State = StateProcessing
	case "done":
		result.State = StateCompleted
		result.Text = g.Result.Transcription.FullTranscript
		result.DurationSeconds = g.Result.Metadata.AudioDuration
		for _, u := range g.Result.Transcription.Utterances {
			result.Segments = append(result.Segments, Segment{
				Speaker: fmt.Sprintf("speaker_%d", u.Speaker),
				Text:    u.Text,
				StartMs: int64(u.Start * 1000),
				EndMs:   int64(u.End * 1000),
			})
		}
	case "error":
		result.State = StateError
		result.ErrorMessage = g.Error.Message
		if result.ErrorMessage == "" {
			result.ErrorMessage = "transcription failed"
		}
	default:
		return nil, fmt.Errorf("gladia: unknown job status %q", g.Status)
	}
	return result, nil
}

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const assemblyAIBaseURL = "https://api.assemblyai.com/v2"

// AssemblyAIClient drives AssemblyAI's async transcript API with the nano
// speech model. This is the fast/cheap path for small files.
// Implements the Backend interface.
type AssemblyAIClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// aaiTranscript is the transcript resource returned by submit and poll.
type aaiTranscript struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"` // queued, processing, completed, error
	Text          string         `json:"text"`
	AudioDuration float64        `json:"audio_duration"` // seconds
	Error         string         `json:"error"`
	Utterances    []aaiUtterance `json:"utterances"`
}

// aaiUtterance is a diarized span with millisecond timestamps.
type aaiUtterance struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Start   int64  `json:"start"`
	End     int64  `json:"end"`
}

// NewAssemblyAIClient creates a nano-model AssemblyAI client.
func NewAssemblyAIClient(apiKey string, timeout time.Duration) *AssemblyAIClient {
	return &AssemblyAIClient{
		apiKey:  apiKey,
		baseURL: assemblyAIBaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the backend name.
func (c *AssemblyAIClient) Name() string { return string(Nano) }

// AcceptsURL reports that Submit can take any fetchable audio URL.
func (c *AssemblyAIClient) AcceptsURL() bool { return true }

// Upload streams raw audio bytes to the upload endpoint and returns the
// upload URL AssemblyAI assigns.
func (c *AssemblyAIClient) Upload(ctx context.Context, r io.Reader, filename string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", r)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("assemblyai upload: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("assemblyai upload error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if result.UploadURL == "" {
		return "", fmt.Errorf("assemblyai upload returned empty upload_url")
	}
	return result.UploadURL, nil
}

// Submit starts an async transcript job from an upload reference.
func (c *AssemblyAIClient) Submit(ctx context.Context, uploadRef string, opts SubmitOpts) (string, error) {
	payload := map[string]any{
		"audio_url":    uploadRef,
		"speech_model": "nano",
	}
	if opts.Language != "" {
		payload["language_code"] = opts.Language
	}
	if opts.Diarize {
		payload["speaker_labels"] = true
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcript", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("assemblyai submit: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("assemblyai submit error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var t aaiTranscript
	if err := json.Unmarshal(respBody, &t); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if t.ID == "" {
		return "", fmt.Errorf("assemblyai submit returned no transcript id")
	}
	return t.ID, nil
}

// Poll fetches the transcript resource and maps its status to the common
// PollResult shape.
func (c *AssemblyAIClient) Poll(ctx context.Context, backendJobID string) (*PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/transcript/"+backendJobID, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("assemblyai poll: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("assemblyai poll error (status %d): %s", resp.StatusCode, string(body))
	}

	var t aaiTranscript
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	result := &PollResult{
		Text:            t.Text,
		DurationSeconds: t.AudioDuration,
	}
	switch t.Status {
	case "queued":
		result.State = StateQueued
	case "processing":
		result.State = StateProcessing
	case "completed":
		result.State = StateCompleted
		for _, u := range t.Utterances {
			result.Segments = append(result.Segments, Segment{
				Speaker: u.Speaker,
				Text:    u.Text,
				StartMs: u.Start,
				EndMs:   u.End,
			})
		}
	case "error":
		result.State = StateError
		result.ErrorMessage = t.Error
	default:
		return nil, fmt.Errorf("assemblyai: unknown transcript status %q", t.Status)
	}
	return result, nil
}

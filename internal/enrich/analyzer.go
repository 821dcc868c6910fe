// Package enrich pushes completed transcripts to downstream consumers:
// the analyzer service, the knowledge store, and a notification webhook.
// Every destination is best effort; a failure is logged and never flips a
// completed job back to error.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Analysis is the analyzer's read of a transcript.
type Analysis struct {
	Tags            []string `json:"tags"`
	ActionItems     []string `json:"action_items"`
	Topics          []string `json:"topics"`
	Sentiment       string   `json:"sentiment"`
	Category        string   `json:"category"`
	ImportanceScore float64  `json:"importance_score"`
}

// AnalyzerClient calls the analyzer service over HTTP.
type AnalyzerClient struct {
	baseURL string
	client  *http.Client
}

// NewAnalyzerClient creates an analyzer client for the given base URL.
func NewAnalyzerClient(baseURL string) *AnalyzerClient {
	return &AnalyzerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

// Analyze submits a transcript for analysis and returns the result.
func (c *AnalyzerClient) Analyze(ctx context.Context, jobID, text string) (*Analysis, error) {
	payload, err := json.Marshal(map[string]string{
		"job_id": jobID,
		"text":   text,
	})
	if err != nil {
		return nil, err
	}

	var result Analysis
	if err := c.post(ctx, "/analyze", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Embed returns an embedding vector for the transcript text.
func (c *AnalyzerClient) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}

	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := c.post(ctx, "/embed", payload, &result); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("analyzer returned an empty embedding")
	}
	return result.Embedding, nil
}

func (c *AnalyzerClient) post(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("analyzer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("analyzer status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

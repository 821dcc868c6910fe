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

// Document is the transcript record pushed to the knowledge store.
type Document struct {
	JobID           string          `json:"job_id"`
	Owner           string          `json:"owner"`
	Project         string          `json:"project,omitempty"`
	Filename        string          `json:"filename"`
	Text            string          `json:"text"`
	DurationSeconds float64         `json:"duration_seconds"`
	Analysis        json.RawMessage `json:"analysis,omitempty"`
}

// KnowledgeClient pushes transcripts and embeddings to the knowledge store.
type KnowledgeClient struct {
	baseURL string
	client  *http.Client
}

// NewKnowledgeClient creates a knowledge-store client for the given base URL.
func NewKnowledgeClient(baseURL string) *KnowledgeClient {
	return &KnowledgeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: time.Minute},
	}
}

// StoreDocument indexes a completed transcript.
func (c *KnowledgeClient) StoreDocument(ctx context.Context, doc *Document) error {
	return c.post(ctx, "/documents", doc)
}

// StoreEmbedding stores an embedding vector keyed by job ID.
func (c *KnowledgeClient) StoreEmbedding(ctx context.Context, jobID string, embedding []float32) error {
	return c.post(ctx, "/embeddings", map[string]any{
		"job_id":    jobID,
		"embedding": embedding,
	})
}

func (c *KnowledgeClient) post(ctx context.Context, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("knowledge store request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("knowledge store status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

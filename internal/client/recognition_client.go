// Package client holds the concrete external collaborators of the job
// queue: the AI recognition service, the image service, the local image
// encoder and the device identity provider.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"scan-job-queue/internal/queue"
	"scan-job-queue/internal/storage"
)

// RecognitionClient talks to the AI-based OCR/classification endpoint. It
// implements both ProductCreationService and IngredientParsingService.
//
// Contract: expected domain failures (low confidence, unreadable photo)
// arrive inside a 2xx body and are returned verbatim so the engine keeps
// them out of the retry loop. Transport problems and non-2xx statuses are
// errors and therefore retryable.
type RecognitionClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

type createRequest struct {
	Image        string                 `json:"image"`
	UPC          string                 `json:"upc"`
	WorkflowType storage.WorkflowType   `json:"workflowType,omitempty"`
	Steps        *storage.WorkflowSteps `json:"workflowSteps,omitempty"`
}

type parseRequest struct {
	Image        string          `json:"image"`
	UPC          string          `json:"upc"`
	ExistingData json.RawMessage `json:"existingData,omitempty"`
}

// NewRecognitionClient creates a recognition service client.
func NewRecognitionClient(baseURL, apiKey string, timeout time.Duration) *RecognitionClient {
	if timeout <= 0 {
		timeout = 55 * time.Second
	}
	return &RecognitionClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// Create submits a product photo for attribute extraction.
func (c *RecognitionClient) Create(ctx context.Context, imageEncoding, upc string, wf queue.WorkflowContext) (json.RawMessage, error) {
	return c.post(ctx, "/v1/products/recognize", createRequest{
		Image:        imageEncoding,
		UPC:          upc,
		WorkflowType: wf.Type,
		Steps:        wf.Steps,
	})
}

// Parse submits an ingredients photo for text extraction.
func (c *RecognitionClient) Parse(ctx context.Context, imageEncoding, upc string, existing json.RawMessage) (json.RawMessage, error) {
	return c.post(ctx, "/v1/ingredients/parse", parseRequest{
		Image:        imageEncoding,
		UPC:          upc,
		ExistingData: existing,
	})
}

func (c *RecognitionClient) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	// Non-2xx means the service itself misbehaved; let the engine retry.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("recognition service returned %d: %s", resp.StatusCode, truncate(payload, 200))
	}
	return payload, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

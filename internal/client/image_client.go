package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ImageClient implements the image upload service: push the photo, then
// attach its URL to the product record.
type ImageClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewImageClient(baseURL, apiKey string, timeout time.Duration) *ImageClient {
	if timeout <= 0 {
		timeout = 55 * time.Second
	}
	return &ImageClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

type uploadRequest struct {
	ImageRef string `json:"imageRef"`
	UPC      string `json:"upc"`
}

type uploadResponse struct {
	URL string `json:"url"`
}

type updateRecordRequest struct {
	ImageURL string `json:"imageUrl"`
}

// Upload stores the photo and returns its public URL.
func (c *ImageClient) Upload(ctx context.Context, imageRef, upc string) (string, error) {
	raw, err := c.do(ctx, http.MethodPost, "/v1/images", uploadRequest{ImageRef: imageRef, UPC: upc})
	if err != nil {
		return "", err
	}
	var out uploadResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("upload response missing url")
	}
	return out.URL, nil
}

// UpdateRecord attaches the uploaded image URL to the product record and
// returns the updated product.
func (c *ImageClient) UpdateRecord(ctx context.Context, upc, url string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, "/v1/products/"+upc+"/image", updateRecordRequest{ImageURL: url})
}

func (c *ImageClient) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
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
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("image service returned %d: %s", resp.StatusCode, truncate(payload, 200))
	}
	return payload, nil
}

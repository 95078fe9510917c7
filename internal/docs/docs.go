// Package docs is the narrow client for the external document service that
// holds the long-form shared memory document.
package docs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Service exposes the two operations the hub needs. The enricher and the
// post-process pipeline depend on this interface, not the HTTP client.
type Service interface {
	Get(ctx context.Context, docID string) (string, error)
	BatchUpdate(ctx context.Context, docID string, insertAt int, text string) error
}

// Client is the HTTP implementation of Service.
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) Get(ctx context.Context, docID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/documents/"+docID, nil)
	if err != nil {
		return "", fmt.Errorf("docs: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("docs: get %s: %w", docID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("docs: get %s: HTTP %d", docID, resp.StatusCode)
	}
	var out struct {
		Text string `json:"text"`
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return "", fmt.Errorf("docs: read %s: %w", docID, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("docs: decode %s: %w", docID, err)
	}
	return out.Text, nil
}

func (c *Client) BatchUpdate(ctx context.Context, docID string, insertAt int, text string) error {
	body, err := json.Marshal(map[string]any{
		"requests": []map[string]any{
			{"insert_at_index": insertAt, "text": text},
		},
	})
	if err != nil {
		return fmt.Errorf("docs: marshal update: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/documents/"+docID+":batchUpdate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("docs: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("docs: update %s: %w", docID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("docs: update %s: HTTP %d", docID, resp.StatusCode)
	}
	return nil
}

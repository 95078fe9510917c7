// Package memstore talks to the external key/value + SQL gateway that
// persists chat history, learned memory, session summaries, and the
// approval audit log. All access is parameterized SQL over HTTP with a
// bearer credential; no database driver runs in-process.
package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Gateway is the narrow HTTP client for the SQL gateway.
type Gateway struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

func NewGateway(baseURL, apiKey string) *Gateway {
	return &Gateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: 10 * time.Second},
	}
}

type sqlRequest struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
}

type sqlResponse struct {
	Rows  []map[string]any `json:"rows"`
	Error string           `json:"error,omitempty"`
}

// Query runs a parameterized statement and returns the result rows.
func (g *Gateway) Query(ctx context.Context, sql string, params ...any) ([]map[string]any, error) {
	body, err := json.Marshal(sqlRequest{SQL: sql, Params: params})
	if err != nil {
		return nil, fmt.Errorf("memstore: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/sql", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("memstore: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("memstore: gateway request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("memstore: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("memstore: gateway HTTP %d: %s", resp.StatusCode, truncateForError(raw))
	}
	var out sqlResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("memstore: decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("memstore: gateway error: %s", out.Error)
	}
	return out.Rows, nil
}

// Exec runs a statement whose rows are not needed.
func (g *Gateway) Exec(ctx context.Context, sql string, params ...any) error {
	_, err := g.Query(ctx, sql, params...)
	return err
}

func truncateForError(b []byte) string {
	const max = 300
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}

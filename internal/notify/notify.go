// Package notify pushes short event notifications to the optional
// device agent.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Client posts events to the agent endpoint. A nil Client is inert.
type Client struct {
	url   string
	token string
	hc    *http.Client
	log   *zap.Logger
}

// New returns nil when no URL is configured, so callers can hold and
// call a possibly-absent notifier without guarding.
func New(url, token string, log *zap.Logger) *Client {
	if url == "" {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		url:   url,
		token: token,
		hc:    &http.Client{Timeout: 10 * time.Second},
		log:   log,
	}
}

type event struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Push sends one event. Failures are logged, never propagated: a dead
// notifier must not affect hub behavior.
func (c *Client) Push(ctx context.Context, kind, message string) {
	if c == nil {
		return
	}
	body, err := json.Marshal(event{Kind: kind, Message: message})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		c.log.Warn("notify request build failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		c.log.Warn("notify push failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.log.Warn("notify push rejected", zap.String("status", fmt.Sprint(resp.StatusCode)))
	}
}

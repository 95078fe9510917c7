// Package transport abstracts the chat side: sending replies, editing
// the pinned status message, and the error shapes the chat service uses
// to push back.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RateLimitError is returned when the chat service asks us to slow
// down. RetryAfter is the delay it indicated.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// PermissionError means the service refused the action outright.
// Callers mark the target suspended and stop trying.
type PermissionError struct {
	Reason string
}

func (e *PermissionError) Error() string {
	return "permission denied: " + e.Reason
}

// Messenger is the outbound chat surface.
type Messenger interface {
	// Send delivers text to a chat and returns the new message id.
	Send(ctx context.Context, chatID, text string) (string, error)
	// Edit replaces the text of an existing message.
	Edit(ctx context.Context, chatID, messageID, text string) error
}

// SendWithRetry sends text, retrying exactly once after the indicated
// delay when the service rate-limits the first attempt. Any other error
// is returned as-is.
func SendWithRetry(ctx context.Context, m Messenger, chatID, text string) (string, error) {
	id, err := m.Send(ctx, chatID, text)
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		return id, err
	}
	select {
	case <-time.After(rl.RetryAfter):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return m.Send(ctx, chatID, text)
}

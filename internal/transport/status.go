package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// minEditInterval throttles status edits so a chatty provider cannot
// flood the chat service. A dropped update is fine: the next one carries
// fresher text anyway.
const minEditInterval = 4 * time.Second

// StatusEditor maintains one mutable status message per chat. Edits are
// throttled, deduplicated by content hash, and give up permanently once
// the service refuses an edit.
type StatusEditor struct {
	m      Messenger
	chatID string
	log    *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	messageID string
	lastHash  [32]byte
	lastEdit  time.Time
	suspended bool
	inflight  bool
}

func NewStatusEditor(m Messenger, chatID string, log *zap.Logger) *StatusEditor {
	if log == nil {
		log = zap.NewNop()
	}
	return &StatusEditor{m: m, chatID: chatID, log: log, now: time.Now}
}

// Update edits the status message to text. It silently drops updates
// that arrive inside the throttle window, whose rendered content is
// unchanged, or while an earlier update is still on the wire. The lock
// is never held across transport I/O or the rate-limit wait, so a slow
// or rate-limited edit cannot stall other callers.
func (s *StatusEditor) Update(ctx context.Context, text string) {
	s.mu.Lock()
	if s.suspended || s.inflight {
		s.mu.Unlock()
		return
	}
	hash := blake3.Sum256([]byte(text))
	if hash == s.lastHash {
		s.mu.Unlock()
		return
	}
	if s.messageID != "" && s.now().Sub(s.lastEdit) < minEditInterval {
		s.mu.Unlock()
		return
	}
	s.inflight = true
	messageID := s.messageID
	s.mu.Unlock()

	newID, err := s.deliver(ctx, messageID, text)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight = false
	if newID != "" {
		s.messageID = newID
	}
	if err == nil {
		s.lastHash = hash
		s.lastEdit = s.now()
		return
	}
	var pe *PermissionError
	if errors.As(err, &pe) {
		s.log.Warn("status message suspended", zap.String("reason", pe.Reason))
		s.suspended = true
		return
	}
	s.log.Warn("status update failed", zap.Error(err))
}

// deliver sends or edits the status message, retrying once after a
// rate-limit delay. Called without the editor lock.
func (s *StatusEditor) deliver(ctx context.Context, messageID, text string) (string, error) {
	id, err := s.sendOrEdit(ctx, messageID, text)
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		return id, err
	}
	select {
	case <-time.After(rl.RetryAfter):
	case <-ctx.Done():
		return id, ctx.Err()
	}
	if id != "" {
		messageID = id
	}
	return s.sendOrEdit(ctx, messageID, text)
}

func (s *StatusEditor) sendOrEdit(ctx context.Context, messageID, text string) (string, error) {
	if messageID == "" {
		return s.m.Send(ctx, s.chatID, text)
	}
	return messageID, s.m.Edit(ctx, s.chatID, messageID, text)
}

// Suspended reports whether the editor gave up on this chat.
func (s *StatusEditor) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// Watchdog re-renders the status message on a fixed cadence. At most
// one watchdog loop runs at a time; Start on a running watchdog is a
// no-op that reports false.
type Watchdog struct {
	editor   *StatusEditor
	interval time.Duration
	render   func() string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func NewWatchdog(editor *StatusEditor, interval time.Duration, render func() string) *Watchdog {
	return &Watchdog{editor: editor, interval: interval, render: render}
}

// Start launches the loop. Returns false when a loop is already live.
func (w *Watchdog) Start(ctx context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return false
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	go w.loop(ctx)
	return true
}

func (w *Watchdog) loop(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			return
		case <-t.C:
			w.editor.Update(ctx, w.render())
		}
	}
}

// Stop cancels the running loop, if any.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
}

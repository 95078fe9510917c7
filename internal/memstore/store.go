package memstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ayatoki/aihub/internal/breaker"
)

// SQLClient is what Store needs from the gateway. Tests substitute a fake.
type SQLClient interface {
	Query(ctx context.Context, sql string, params ...any) ([]map[string]any, error)
	Exec(ctx context.Context, sql string, params ...any) error
}

// ChatRow is one chat history entry.
type ChatRow struct {
	ID        int64
	UserID    string
	Timestamp time.Time
	Role      string
	Content   string
}

// LearnedRow is one learned-memory entry.
type LearnedRow struct {
	ID            int64
	UserID        string
	Category      string
	Content       string
	SourceMessage string
	Confidence    float64
	CreatedAt     time.Time
	Active        bool
	DeactivatedAt time.Time
}

// Learned-memory categories.
const (
	CategoryRule       = "rule"
	CategoryPreference = "preference"
	CategoryCorrection = "correction"
	CategoryWorkflow   = "workflow"
	CategoryFact       = "fact"
)

// Store persists hub state through the SQL gateway. Fetches are wrapped in
// the memory-service circuit breaker; writes are best-effort and callers
// log-and-ignore failures.
type Store struct {
	db  SQLClient
	br  *breaker.Breaker
	log *zap.Logger
}

func NewStore(db SQLClient, br *breaker.Breaker, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, br: br, log: log}
}

// AppendChat records one message. Both directions of every conversation
// pass through here.
func (s *Store) AppendChat(ctx context.Context, userID, role, content string) error {
	err := s.db.Exec(ctx,
		"INSERT INTO chat_history (user_id, timestamp, role, content) VALUES (?, ?, ?, ?)",
		userID, time.Now().UTC().Format(time.RFC3339), role, content)
	if err != nil {
		s.log.Warn("chat history write failed", zap.Error(err))
	}
	return err
}

// RecentHistory returns the most recent limit rows for userID in
// chronological order. Falls back to an empty list when the gateway is
// failing.
func (s *Store) RecentHistory(ctx context.Context, userID string, limit int) []ChatRow {
	return breaker.Execute(s.br, func() ([]ChatRow, error) {
		rows, err := s.db.Query(ctx,
			"SELECT id, user_id, timestamp, role, content FROM chat_history WHERE user_id = ? ORDER BY id DESC LIMIT ?",
			userID, limit)
		if err != nil {
			return nil, err
		}
		out := make([]ChatRow, 0, len(rows))
		for i := len(rows) - 1; i >= 0; i-- { // reverse into chronological order
			r := rows[i]
			out = append(out, ChatRow{
				ID:        asInt64(r["id"]),
				UserID:    asString(r["user_id"]),
				Timestamp: asTime(r["timestamp"]),
				Role:      asString(r["role"]),
				Content:   asString(r["content"]),
			})
		}
		return out, nil
	}, []ChatRow{})
}

// ActiveLearned returns the active learned-memory rows for userID, newest
// first. Falls back to an empty list.
func (s *Store) ActiveLearned(ctx context.Context, userID string) []LearnedRow {
	return breaker.Execute(s.br, func() ([]LearnedRow, error) {
		rows, err := s.db.Query(ctx,
			"SELECT id, user_id, category, content, source_message, confidence, created_at, active FROM learned_memory WHERE user_id = ? AND active = 1 ORDER BY created_at DESC",
			userID)
		if err != nil {
			return nil, err
		}
		out := make([]LearnedRow, 0, len(rows))
		for _, r := range rows {
			out = append(out, learnedFromRow(r))
		}
		return out, nil
	}, []LearnedRow{})
}

// InsertLearned persists one extracted memory entry.
func (s *Store) InsertLearned(ctx context.Context, userID, category, content, source string, confidence float64) error {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return s.db.Exec(ctx,
		"INSERT INTO learned_memory (user_id, category, content, source_message, confidence, created_at, active) VALUES (?, ?, ?, ?, ?, ?, 1)",
		userID, category, content, source, confidence, time.Now().UTC().Format(time.RFC3339))
}

// SaveSessionSummary persists one rolling conversation summary.
func (s *Store) SaveSessionSummary(ctx context.Context, userID, summary string) error {
	return s.db.Exec(ctx,
		"INSERT INTO session_summaries (user_id, summary, created_at) VALUES (?, ?, ?)",
		userID, summary, time.Now().UTC().Format(time.RFC3339))
}

// UpsertContext merges text into the per-user context row.
func (s *Store) UpsertContext(ctx context.Context, userID, text string) error {
	return s.db.Exec(ctx,
		"INSERT INTO user_context (user_id, context, updated_at) VALUES (?, ?, ?) ON CONFLICT(user_id) DO UPDATE SET context = excluded.context, updated_at = excluded.updated_at",
		userID, text, time.Now().UTC().Format(time.RFC3339))
}

// AssistantTurnCount returns how many assistant rows exist for userID.
// Session summaries fire every 20 of these.
func (s *Store) AssistantTurnCount(ctx context.Context, userID string) int {
	return breaker.Execute(s.br, func() (int, error) {
		rows, err := s.db.Query(ctx,
			"SELECT COUNT(*) AS n FROM chat_history WHERE user_id = ? AND role = 'assistant'", userID)
		if err != nil {
			return 0, err
		}
		if len(rows) == 0 {
			return 0, nil
		}
		return int(asInt64(rows[0]["n"])), nil
	}, 0)
}

func learnedFromRow(r map[string]any) LearnedRow {
	return LearnedRow{
		ID:            asInt64(r["id"]),
		UserID:        asString(r["user_id"]),
		Category:      asString(r["category"]),
		Content:       asString(r["content"]),
		SourceMessage: asString(r["source_message"]),
		Confidence:    asFloat(r["confidence"]),
		CreatedAt:     asTime(r["created_at"]),
		Active:        asInt64(r["active"]) == 1,
		DeactivatedAt: asTime(r["deactivated_at"]),
	}
}

// Gateway rows arrive as JSON maps; numeric columns may decode as float64
// or string depending on the gateway build.

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	default:
		return 0
	}
}

func asTime(v any) time.Time {
	s := asString(v)
	if s == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts
	}
	if ts, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return ts
	}
	return time.Time{}
}

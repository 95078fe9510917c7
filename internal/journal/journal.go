// Package journal persists the active work plan across process restarts
// as a single JSON document next to the project.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

const (
	// FileName is project-relative on purpose: a temp filesystem that
	// clears on reboot would defeat restart recovery.
	FileName = ".work-state.json"

	// DefaultTTL bounds how long an abandoned plan survives.
	DefaultTTL = 48 * time.Hour
)

// Task statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
	StatusStopped    = "stopped"
)

// Task is one entry of the plan. ID is the 1-based ordinal.
type Task struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Notes       string `json:"notes,omitempty"`
}

// State is the whole journal document.
type State struct {
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	AssignedBy   string    `json:"assigned_by"`
	Directive    string    `json:"directive"`
	UserID       string    `json:"user_id"`
	ChatID       string    `json:"chat_id"`
	Username     string    `json:"username"`
	Tasks        []Task    `json:"tasks"`
	Constraints  []string  `json:"constraints,omitempty"`
	LastProgress string    `json:"last_progress,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// HasOpenTasks reports whether any task is still pending or in progress.
// A journal on disk either has open tasks or does not exist.
func (s *State) HasOpenTasks() bool {
	for _, t := range s.Tasks {
		if t.Status == StatusPending || t.Status == StatusInProgress {
			return true
		}
	}
	return false
}

const schemaText = `{
  "type": "object",
  "required": ["created_at", "directive", "user_id", "tasks", "expires_at"],
  "properties": {
    "created_at": {"type": "string"},
    "updated_at": {"type": "string"},
    "assigned_by": {"type": "string"},
    "directive": {"type": "string"},
    "user_id": {"type": "string"},
    "chat_id": {"type": "string"},
    "username": {"type": "string"},
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "description", "status"],
        "properties": {
          "id": {"type": "integer", "minimum": 1},
          "description": {"type": "string"},
          "status": {"enum": ["pending", "in_progress", "completed", "failed", "skipped", "stopped"]},
          "notes": {"type": "string"}
        }
      }
    },
    "constraints": {"type": "array", "items": {"type": "string"}},
    "last_progress": {"type": "string"},
    "session_id": {"type": "string"},
    "expires_at": {"type": "string"}
  }
}`

var stateSchema = jsonschema.MustCompileString("work-state.json", schemaText)

// Journal reads and writes the document. Writes are atomic: the
// executor serializes them, and a crash mid-write must never leave a
// partial snapshot.
type Journal struct {
	path string
	ttl  time.Duration
	log  *zap.Logger
	now  func() time.Time
}

func New(projectDir string, log *zap.Logger) *Journal {
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{
		path: filepath.Join(projectDir, FileName),
		ttl:  DefaultTTL,
		log:  log,
		now:  time.Now,
	}
}

// Path returns the document location.
func (j *Journal) Path() string { return j.path }

// NewState builds a fresh plan with pending tasks and a new session id.
func (j *Journal) NewState(assignedBy, directive, userID, chatID, username string, descriptions []string, constraints []string) *State {
	now := j.now().UTC()
	tasks := make([]Task, len(descriptions))
	for i, d := range descriptions {
		tasks[i] = Task{ID: i + 1, Description: d, Status: StatusPending}
	}
	return &State{
		CreatedAt:   now,
		UpdatedAt:   now,
		AssignedBy:  assignedBy,
		Directive:   directive,
		UserID:      userID,
		ChatID:      chatID,
		Username:    username,
		Tasks:       tasks,
		Constraints: constraints,
		SessionID:   uuid.NewString(),
		ExpiresAt:   now.Add(j.ttl),
	}
}

// Save writes the document atomically, refreshing updated_at.
func (j *Journal) Save(s *State) error {
	s.UpdatedAt = j.now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}
	if err := renameio.WriteFile(j.path, data, 0o644); err != nil {
		return fmt.Errorf("journal: write %s: %w", j.path, err)
	}
	return nil
}

// Load reads the document. It returns (nil, nil) when the journal is
// absent, expired (the file is deleted), or archived as corrupt.
func (j *Journal) Load() (*State, error) {
	data, err := os.ReadFile(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: read %s: %w", j.path, err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		j.archiveCorrupt(err)
		return nil, nil
	}
	if err := stateSchema.Validate(doc); err != nil {
		j.archiveCorrupt(err)
		return nil, nil
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		j.archiveCorrupt(err)
		return nil, nil
	}

	if j.now().After(s.ExpiresAt) {
		j.log.Info("work state expired, clearing",
			zap.Time("expires_at", s.ExpiresAt))
		j.Clear()
		return nil, nil
	}
	return &s, nil
}

// Clear removes the document. Absence is not an error.
func (j *Journal) Clear() {
	if err := os.Remove(j.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		j.log.Warn("work state remove failed", zap.Error(err))
	}
}

// archiveCorrupt moves an unreadable document aside so a human can
// inspect it, then treats the journal as absent.
func (j *Journal) archiveCorrupt(cause error) {
	aside := fmt.Sprintf("%s.corrupt-%s", j.path, j.now().UTC().Format("20060102T150405"))
	j.log.Error("work state unreadable, archiving aside",
		zap.String("archive", aside), zap.Error(cause))
	if err := os.Rename(j.path, aside); err != nil {
		j.log.Warn("archive failed, removing", zap.Error(err))
		j.Clear()
	}
}

// StatusIcon maps a task status to its checklist glyph.
func StatusIcon(status string) string {
	switch status {
	case StatusCompleted:
		return "✅"
	case StatusInProgress:
		return "🔄"
	case StatusFailed:
		return "❌"
	case StatusSkipped:
		return "⏭"
	case StatusStopped:
		return "🛑"
	default:
		return "⬜"
	}
}

// RecoveryBlock renders the context injected into the next model turn
// after a restart with open tasks.
func RecoveryBlock(s *State) string {
	var b strings.Builder
	b.WriteString("## Interrupted work in progress\n")
	fmt.Fprintf(&b, "Directive: %s\n", s.Directive)
	if len(s.Constraints) > 0 {
		b.WriteString("Constraints:\n")
		for _, c := range s.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	b.WriteString("Tasks:\n")
	for _, t := range s.Tasks {
		fmt.Fprintf(&b, "%s %d. %s [%s]", StatusIcon(t.Status), t.ID, t.Description, t.Status)
		if t.Notes != "" {
			fmt.Fprintf(&b, " (%s)", t.Notes)
		}
		b.WriteByte('\n')
	}
	if s.LastProgress != "" {
		fmt.Fprintf(&b, "Last progress: %s\n", s.LastProgress)
	}
	b.WriteString("The pending tasks above must be continued. Resume from the first task that is not completed.")
	return b.String()
}

// Package enrich assembles the context that travels with every provider
// prompt: the long-form memory pack, recent chat history, and the system
// context block.
package enrich

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ayatoki/aihub/internal/breaker"
	"github.com/ayatoki/aihub/internal/docs"
	"github.com/ayatoki/aihub/internal/memstore"
)

const (
	// memoryPackMaxChars and memoryPackMaxLines are independent upper
	// bounds; the tighter one wins per call.
	memoryPackMaxChars = 5000
	memoryPackMaxLines = 100
	truncationMarker   = "... [memory truncated]"

	historyLimit       = 50
	recentRowWindow    = 15
	recentRowMaxChars  = 2000
	olderRowMaxChars   = 1000
	rowTruncationNotes = "..."

	memoryUnavailable = "[AI memory unavailable: document service error]"
)

// staticRules heads every system context block.
const staticRules = `You are a personal AI operations hub. Follow the owner's standing rules:
- Reply in the language the owner writes in.
- Be concise; surface uncertainty explicitly.
- Never perform irreversible operations without an explicit instruction.`

// Enricher fetches and formats context. Document fetches go through the
// memory-service circuit breaker.
type Enricher struct {
	docs         docs.Service
	docID        string
	store        *memstore.Store
	br           *breaker.Breaker
	projectGuide string
	log          *zap.Logger
}

func New(d docs.Service, docID string, store *memstore.Store, br *breaker.Breaker, projectGuide string, log *zap.Logger) *Enricher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Enricher{docs: d, docID: docID, store: store, br: br, projectGuide: projectGuide, log: log}
}

// MemoryPack returns the truncated long-form memory document, or a terse
// failure marker when the document service is unavailable.
func (e *Enricher) MemoryPack(ctx context.Context) string {
	if e.docs == nil || e.docID == "" {
		return memoryUnavailable
	}
	return breaker.Execute(e.br, func() (string, error) {
		text, err := e.docs.Get(ctx, e.docID)
		if err != nil {
			e.log.Warn("memory document fetch failed", zap.Error(err))
			return "", err
		}
		return TruncateMemory(text), nil
	}, memoryUnavailable)
}

// TruncateMemory applies the two memory-pack bounds. Both are upper
// bounds: the text is first capped at 5000 characters, then at 100 lines,
// and a visible marker replaces whatever was dropped.
func TruncateMemory(text string) string {
	truncated := false
	r := []rune(text)
	if len(r) > memoryPackMaxChars {
		r = r[:memoryPackMaxChars]
		truncated = true
	}
	lines := strings.Split(string(r), "\n")
	if len(lines) > memoryPackMaxLines {
		lines = lines[:memoryPackMaxLines]
		truncated = true
	}
	out := strings.Join(lines, "\n")
	if truncated {
		out = strings.TrimRight(out, "\n") + "\n" + truncationMarker
	}
	return out
}

// FormatHistory renders rows as "N. [role] content" lines, chronological.
// The most recent 15 rows keep up to 2000 characters each; older rows are
// capped at 1000. Truncated rows end with "...".
func FormatHistory(rows []memstore.ChatRow) string {
	if len(rows) == 0 {
		return ""
	}
	var b strings.Builder
	recentStart := len(rows) - recentRowWindow
	for i, row := range rows {
		limit := olderRowMaxChars
		if i >= recentStart {
			limit = recentRowMaxChars
		}
		content := row.Content
		if r := []rune(content); len(r) > limit {
			content = string(r[:limit]) + rowTruncationNotes
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, row.Role, content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// SystemBlock builds the deterministic system context: static rules →
// project guide → current context → recent history. Absent sections are
// skipped, never reordered.
func (e *Enricher) SystemBlock(ctx context.Context, userID, currentContext string) string {
	sections := []string{staticRules}
	if strings.TrimSpace(e.projectGuide) != "" {
		sections = append(sections, "## Project guide\n"+e.projectGuide)
	}
	if strings.TrimSpace(currentContext) != "" {
		sections = append(sections, "## Current context\n"+currentContext)
	}
	if e.store != nil {
		if h := FormatHistory(e.store.RecentHistory(ctx, userID, historyLimit)); h != "" {
			sections = append(sections, "## Recent history\n"+h)
		}
	}
	return strings.Join(sections, "\n\n")
}

// ComposePrompt assembles the final provider prompt. Empty sections
// collapse so a provider that receives only memory and topic still gets a
// clean document.
func ComposePrompt(systemBlock, rolePreamble, memoryPack, userPrompt string) string {
	parts := make([]string, 0, 4)
	if strings.TrimSpace(systemBlock) != "" {
		parts = append(parts, systemBlock)
	}
	if strings.TrimSpace(rolePreamble) != "" {
		parts = append(parts, rolePreamble)
	}
	if strings.TrimSpace(memoryPack) != "" {
		parts = append(parts, "AI_MEMORY: "+memoryPack)
	}
	parts = append(parts, userPrompt)
	return strings.Join(parts, "\n\n")
}

package postproc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ayatoki/aihub/internal/docs"
	"github.com/ayatoki/aihub/internal/enrich"
	"github.com/ayatoki/aihub/internal/fanout"
	"github.com/ayatoki/aihub/internal/memstore"
	"github.com/ayatoki/aihub/internal/provider"
)

const (
	// summaryEvery counts assistant turns between session summaries.
	summaryEvery = 20
	// summaryWindow is how many recent rows feed one summary.
	summaryWindow = 50
	// contextSnippetLimit caps the per-user context row.
	contextSnippetLimit = 200
)

// Pipeline fans the four post-reply tasks onto the background runner.
type Pipeline struct {
	runner   *Runner
	store    *memstore.Store
	reviewer *Reviewer
	fan      *fanout.Engine
	docs     docs.Service
	docID    string
	log      *zap.Logger
}

// NewPipeline builds the pipeline. docSvc may be nil; session summaries
// then stay in the store only.
func NewPipeline(runner *Runner, store *memstore.Store, reviewer *Reviewer, fan *fanout.Engine,
	docSvc docs.Service, docID string, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{runner: runner, store: store, reviewer: reviewer, fan: fan,
		docs: docSvc, docID: docID, log: log}
}

// AfterReply queues the post-process tasks for one exchange. surface
// receives any review text worth showing; it may be nil.
func (p *Pipeline) AfterReply(userID, userMessage, reply string, surface func(string)) {
	p.runner.Submit(Job{Name: "auto-review", Fn: func(ctx context.Context) error {
		if p.reviewer == nil {
			return nil
		}
		if text, show := p.reviewer.Review(ctx, reply); show && surface != nil {
			surface(text)
		}
		return nil
	}})

	p.runner.Submit(Job{Name: "learn", Fn: func(ctx context.Context) error {
		for _, c := range ExtractLearned(userMessage) {
			if err := p.store.InsertLearned(ctx, userID, c.Category, c.Content, userMessage, c.Confidence); err != nil {
				return err
			}
		}
		return nil
	}})

	p.runner.Submit(Job{Name: "session-summary", Fn: func(ctx context.Context) error {
		return p.maybeSummarize(ctx, userID)
	}})

	p.runner.Submit(Job{Name: "context-update", Fn: func(ctx context.Context) error {
		return p.store.UpsertContext(ctx, userID, contextSnippet(userMessage))
	}})
}

// maybeSummarize writes a session summary on every summaryEvery-th
// assistant turn.
func (p *Pipeline) maybeSummarize(ctx context.Context, userID string) error {
	turns := p.store.AssistantTurnCount(ctx, userID)
	if turns == 0 || turns%summaryEvery != 0 {
		return nil
	}
	rows := p.store.RecentHistory(ctx, userID, summaryWindow)
	if len(rows) == 0 {
		return nil
	}
	prompt := fmt.Sprintf(`Summarize this conversation in at most 10 lines.
Keep decisions, open questions, and standing instructions; drop chit-chat.

%s`, enrich.FormatHistory(rows))
	resp := p.fan.CallOne(ctx, provider.Claude, prompt, provider.Options{})
	if resp.Err != nil {
		return resp.Err
	}
	summary := strings.TrimSpace(resp.Output)
	if err := p.store.SaveSessionSummary(ctx, userID, summary); err != nil {
		return err
	}
	if p.docs != nil && p.docID != "" {
		entry := fmt.Sprintf("\n## Session summary %s\n%s\n",
			time.Now().UTC().Format("2006-01-02"), summary)
		if err := p.docs.BatchUpdate(ctx, p.docID, 1, entry); err != nil {
			// The store copy is authoritative; the document append is
			// best-effort.
			p.log.Warn("memory document append failed", zap.Error(err))
		}
	}
	return nil
}

// contextSnippet condenses the latest user message into the per-user
// context row.
func contextSnippet(message string) string {
	s := strings.TrimSpace(message)
	if line, _, found := strings.Cut(s, "\n"); found {
		s = line
	}
	r := []rune(s)
	if len(r) > contextSnippetLimit {
		s = string(r[:contextSnippetLimit])
	}
	return s
}

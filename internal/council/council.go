// Package council runs the three-round structured debate across all model
// back-ends: propose, critique, synthesize.
package council

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ayatoki/aihub/internal/fanout"
	"github.com/ayatoki/aihub/internal/provider"
)

const (
	roundDeadline     = 120 * time.Second
	synthesisDeadline = 150 * time.Second
)

// ErrNoSurvivors marks a council whose first round produced nothing to
// debate.
var ErrNoSurvivors = errors.New("council: no round-1 survivors")

// Record is the full trace of one council run. Topic and timing are
// always populated, even when every provider errored.
type Record struct {
	Topic        string
	Round1       []provider.Response
	Round2       []provider.Response
	Synthesis    provider.Response
	TotalElapsed time.Duration
}

// Engine drives the debate. The chair synthesizes round three.
type Engine struct {
	fan   *fanout.Engine
	chair provider.Kind
	log   *zap.Logger
}

func NewEngine(fan *fanout.Engine, chair provider.Kind, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if !chair.Valid() {
		chair = provider.Claude
	}
	return &Engine{fan: fan, chair: chair, log: log}
}

// Run executes the debate over topic. memoryPack rides along in every
// prompt so each seat argues with the same shared memory.
func (e *Engine) Run(ctx context.Context, topic, memoryPack string) Record {
	start := time.Now()
	rec := Record{Topic: topic}
	kinds := provider.All()

	rec.Round1 = e.fan.RunAll(ctx, kinds, func(k provider.Kind) string {
		return proposePrompt(k, topic, memoryPack)
	}, roundOpts)

	r1Survivors := survivors(rec.Round1)
	if len(r1Survivors) == 0 {
		rec.Synthesis = provider.Response{Provider: e.chair, Err: ErrNoSurvivors}
		rec.TotalElapsed = time.Since(start)
		e.log.Warn("council aborted: round 1 produced no survivors", zap.String("topic", topic))
		return rec
	}

	// Every critic sees the same round-1 summary. This is deliberate:
	// each provider critiques all peers, not a redacted subset.
	r1Summary := summarize(rec.Round1)
	critics := make([]provider.Kind, 0, len(r1Survivors))
	for _, r := range r1Survivors {
		critics = append(critics, r.Provider)
	}
	rec.Round2 = e.fan.RunAll(ctx, critics, func(k provider.Kind) string {
		return critiquePrompt(k, topic, r1Summary)
	}, roundOpts)

	chairPrompt := synthesisPrompt(topic, rec.Round1, rec.Round2)
	rec.Synthesis = e.fan.CallOne(ctx, e.chair, chairPrompt, provider.Options{Deadline: synthesisDeadline})
	if rec.Synthesis.Err != nil {
		e.log.Warn("council synthesis failed, using round-1 fallback",
			zap.String("topic", topic), zap.Error(rec.Synthesis.Err))
	}

	rec.TotalElapsed = time.Since(start)
	return rec
}

func roundOpts(provider.Kind) provider.Options {
	return provider.Options{Deadline: roundDeadline}
}

// survivors are responses that produced usable text.
func survivors(responses []provider.Response) []provider.Response {
	out := make([]provider.Response, 0, len(responses))
	for _, r := range responses {
		if r.Err == nil && strings.TrimSpace(r.Output) != "" {
			out = append(out, r)
		}
	}
	return out
}

func summarize(responses []provider.Response) string {
	var b strings.Builder
	for _, r := range responses {
		if strings.TrimSpace(r.Output) == "" {
			continue
		}
		fmt.Fprintf(&b, "### %s (%s)\n%s\n\n", RoleOf(r.Provider), r.Provider.DisplayName(), r.Output)
	}
	return strings.TrimSpace(b.String())
}

// Format renders the record for chat. The topic always appears; a failed
// synthesis falls back to round-1 survivor texts under a visible heading.
func Format(rec Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🏛 Council: %s\n", rec.Topic)
	fmt.Fprintf(&b, "(%d proposed, %d critiqued, %.0fs)\n\n",
		len(survivors(rec.Round1)), len(survivors(rec.Round2)), rec.TotalElapsed.Seconds())

	if len(survivors(rec.Round1)) == 0 {
		b.WriteString("All providers failed; no debate took place.\n")
		for _, r := range rec.Round1 {
			if r.Err != nil {
				fmt.Fprintf(&b, "- %s: %v\n", r.Provider.DisplayName(), r.Err)
			}
		}
		return strings.TrimRight(b.String(), "\n")
	}

	if rec.Synthesis.Err == nil && strings.TrimSpace(rec.Synthesis.Output) != "" {
		b.WriteString(rec.Synthesis.Output)
		return b.String()
	}

	fmt.Fprintf(&b, "## Fallback\nSynthesis failed (%v); round-1 proposals follow verbatim.\n\n", rec.Synthesis.Err)
	for _, r := range survivors(rec.Round1) {
		fmt.Fprintf(&b, "### %s (%s)\n%s\n\n", RoleOf(r.Provider), r.Provider.DisplayName(), r.Output)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Package fanout runs provider calls concurrently and assembles their
// partial results into a single reply.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ayatoki/aihub/internal/breaker"
	"github.com/ayatoki/aihub/internal/provider"
)

// ErrUnavailable is surfaced when a provider's circuit breaker is open and
// the call was never attempted.
var ErrUnavailable = errors.New("upstream unavailable")

// Runner abstracts the provider driver for tests.
type Runner interface {
	Run(ctx context.Context, k provider.Kind, prompt string, opts provider.Options) provider.Response
}

// Engine dispatches provider calls under their circuit breakers. The
// router, council, and nightshift all call through here.
type Engine struct {
	runner   Runner
	breakers *breaker.Registry
	log      *zap.Logger
}

func NewEngine(runner Runner, breakers *breaker.Registry, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{runner: runner, breakers: breakers, log: log}
}

// CallOne runs a single breaker-wrapped provider call. A failing call
// still returns its partial response; an open breaker returns a response
// carrying ErrUnavailable.
func (e *Engine) CallOne(ctx context.Context, k provider.Kind, prompt string, opts provider.Options) provider.Response {
	br := e.breakers.Model(string(k))
	var captured provider.Response
	attempted := false
	fallback := provider.Response{Provider: k, Err: ErrUnavailable}

	breaker.Execute(br, func() (provider.Response, error) {
		attempted = true
		r := e.runner.Run(ctx, k, prompt, opts)
		captured = r
		return r, r.Err
	}, fallback)

	if !attempted {
		e.log.Warn("provider breaker open, call skipped", zap.String("provider", string(k)))
		return fallback
	}
	return captured
}

// RunAll dispatches one call per kind concurrently and returns responses
// in the order of kinds, regardless of completion order. It waits for
// every call; each carries its own deadline.
func (e *Engine) RunAll(ctx context.Context, kinds []provider.Kind, promptFor func(provider.Kind) string, optsFor func(provider.Kind) provider.Options) []provider.Response {
	out := make([]provider.Response, len(kinds))
	var g errgroup.Group
	for i, k := range kinds {
		i, k := i, k
		g.Go(func() error {
			opts := provider.Options{}
			if optsFor != nil {
				opts = optsFor(k)
			}
			out[i] = e.CallOne(ctx, k, promptFor(k), opts)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

const (
	sectionLimit    = 500
	truncatedSuffix = "...(truncated)"
	errorGlyph      = "⚠️"
)

// Assemble renders one section per response, in input order. Errored
// providers show their error inline (partial output, when present, still
// appears below it). Total failure still produces a full assembly.
func Assemble(responses []provider.Response) string {
	var b strings.Builder
	for i, r := range responses {
		if i > 0 {
			b.WriteString("\n\n")
		}
		header := fmt.Sprintf("%s %s", r.Provider.Emblem(), r.Provider.DisplayName())
		if r.Latency > 0 {
			header += fmt.Sprintf(" (%.1fs)", r.Latency.Seconds())
		}
		b.WriteString(header)
		b.WriteByte('\n')
		if r.Err != nil {
			fmt.Fprintf(&b, "%s %v", errorGlyph, r.Err)
			if r.Output != "" {
				b.WriteByte('\n')
				b.WriteString(TruncateSection(r.Output))
			}
			continue
		}
		b.WriteString(TruncateSection(r.Output))
	}
	return b.String()
}

// TruncateSection caps text at 500 characters, preferring to cut at the
// last newline or sentence end (。 or .) that falls in the second half of
// the window. A cut anywhere appends the truncation suffix.
func TruncateSection(text string) string {
	r := []rune(text)
	if len(r) <= sectionLimit {
		return text
	}
	window := r[:sectionLimit]
	cut := sectionLimit
	for i := sectionLimit - 1; i >= sectionLimit/2; i-- {
		c := window[i]
		if c == '\n' || c == '。' || c == '.' {
			cut = i + 1
			break
		}
	}
	return strings.TrimRight(string(window[:cut]), "\n") + truncatedSuffix
}

// Elapsed reports the longest latency among responses, which is the wall
// time of the whole fan-out.
func Elapsed(responses []provider.Response) time.Duration {
	var max time.Duration
	for _, r := range responses {
		if r.Latency > max {
			max = r.Latency
		}
	}
	return max
}

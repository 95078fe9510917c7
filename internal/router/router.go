// Package router maps incoming chat text to a provider action: a single
// call, the three-way fan-out, or the council debate.
package router

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/ayatoki/aihub/internal/council"
	"github.com/ayatoki/aihub/internal/enrich"
	"github.com/ayatoki/aihub/internal/fanout"
	"github.com/ayatoki/aihub/internal/provider"
)

// Kind classifies a routed message.
type Kind int

const (
	// Default means no prefix matched; the hub decides what to do.
	Default Kind = iota
	Single
	FanOut
	Council
)

// Route is the parse result. Provider is set only for Single.
type Route struct {
	Kind     Kind
	Provider provider.Kind
	Prompt   string
}

// Prefixes are matched case-insensitively at the start of the message,
// first match wins. Whitespace after the colon is not part of the prompt.
var prefixPatterns = []struct {
	re    *regexp.Regexp
	build func(rest string) Route
}{
	{regexp.MustCompile(`(?i)^claude:\s*`), func(rest string) Route {
		return Route{Kind: Single, Provider: provider.Claude, Prompt: rest}
	}},
	{regexp.MustCompile(`(?i)^gemini:\s*`), func(rest string) Route {
		return Route{Kind: Single, Provider: provider.Gemini, Prompt: rest}
	}},
	{regexp.MustCompile(`(?i)^gpt:\s*`), func(rest string) Route {
		return Route{Kind: Single, Provider: provider.GPT, Prompt: rest}
	}},
	{regexp.MustCompile(`(?i)^all:\s*`), func(rest string) Route {
		return Route{Kind: FanOut, Prompt: rest}
	}},
	{regexp.MustCompile(`(?i)^council:\s*`), func(rest string) Route {
		return Route{Kind: Council, Prompt: rest}
	}},
}

// Parse classifies message. An unprefixed message routes to Default with
// the text passed through untouched.
func Parse(message string) Route {
	for _, p := range prefixPatterns {
		if loc := p.re.FindStringIndex(message); loc != nil && loc[0] == 0 {
			return p.build(message[loc[1]:])
		}
	}
	return Route{Kind: Default, Prompt: message}
}

// Router executes parsed routes. The enricher supplies the memory pack
// for every call and the full system block where the back-end has no
// session state of its own.
type Router struct {
	fan     *fanout.Engine
	debates *council.Engine
	enrich  *enrich.Enricher
	log     *zap.Logger
}

func New(fan *fanout.Engine, debates *council.Engine, enricher *enrich.Enricher, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{fan: fan, debates: debates, enrich: enricher, log: log}
}

// Dispatch runs route and renders the chat reply. Default routes run as
// a single Claude call so an unprefixed message still gets an answer.
func (r *Router) Dispatch(ctx context.Context, userID string, route Route) string {
	switch route.Kind {
	case Single:
		return r.single(ctx, userID, route.Provider, route.Prompt)
	case FanOut:
		return r.fanOut(ctx, userID, route.Prompt)
	case Council:
		pack := r.enrich.MemoryPack(ctx)
		return council.Format(r.debates.Run(ctx, route.Prompt, pack))
	default:
		return r.single(ctx, userID, provider.Claude, route.Prompt)
	}
}

func (r *Router) single(ctx context.Context, userID string, k provider.Kind, prompt string) string {
	resp := r.fan.CallOne(ctx, k, r.composeFor(ctx, userID, k, prompt), provider.Options{})
	if resp.Err != nil {
		r.log.Warn("single call failed",
			zap.String("provider", string(k)), zap.Error(resp.Err))
		if resp.Output != "" {
			return fmt.Sprintf("⚠️ %v\n%s", resp.Err, resp.Output)
		}
		return fmt.Sprintf("⚠️ %s: %v", k.DisplayName(), resp.Err)
	}
	return resp.Output
}

func (r *Router) fanOut(ctx context.Context, userID, prompt string) string {
	responses := r.fan.RunAll(ctx, provider.All(), func(k provider.Kind) string {
		return r.composeFor(ctx, userID, k, prompt)
	}, nil)
	return fanout.Assemble(responses)
}

// composeFor builds the enriched prompt. Gemini keeps no session state
// between invocations, so it alone receives the full system context
// block; the other back-ends get memory plus the raw prompt.
func (r *Router) composeFor(ctx context.Context, userID string, k provider.Kind, prompt string) string {
	pack := r.enrich.MemoryPack(ctx)
	system := ""
	if k == provider.Gemini {
		system = r.enrich.SystemBlock(ctx, userID, "")
	}
	return enrich.ComposePrompt(system, "", pack, prompt)
}

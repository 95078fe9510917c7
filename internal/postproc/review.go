package postproc

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/ayatoki/aihub/internal/fanout"
	"github.com/ayatoki/aihub/internal/provider"
)

// largeDiffThreshold triggers the second-opinion reviewer.
const largeDiffThreshold = 1000

// reviewMarkers detect a reply that claims to have changed code.
var reviewMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bedit(ed|ing)? file\b`),
	regexp.MustCompile(`(?i)\bwrite file\b|\bwrote .* to\b`),
	regexp.MustCompile(`(?i)\bcreat(e|ed|ing) file\b`),
	regexp.MustCompile("```(go|python|py|javascript|js|typescript|ts|rust|java|ruby|c|cpp|sh|bash|sql)\\b"),
}

// sourcePattern matches path-looking tokens against known source
// extensions.
const sourcePattern = "**/*.{go,py,js,jsx,ts,tsx,rs,java,rb,c,h,cc,cpp,sh,sql}"

var pathToken = regexp.MustCompile(`[\w./-]+\.[A-Za-z]{1,4}\b`)

// NeedsReview reports whether reply looks like it performed a code
// change.
func NeedsReview(reply string) bool {
	for _, re := range reviewMarkers {
		if re.MatchString(reply) {
			return true
		}
	}
	for _, tok := range pathToken.FindAllString(reply, 20) {
		if ok, _ := doublestar.Match(sourcePattern, tok); ok {
			return true
		}
	}
	return false
}

// DiffFunc captures the local change summary for review. It is
// injectable because tests have no repository to diff.
type DiffFunc func(ctx context.Context) (string, error)

// Reviewer runs gemini over detected code changes, with gpt as a second
// opinion for large diffs.
type Reviewer struct {
	fan  *fanout.Engine
	diff DiffFunc
	log  *zap.Logger
}

func NewReviewer(fan *fanout.Engine, diff DiffFunc, log *zap.Logger) *Reviewer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reviewer{fan: fan, diff: diff, log: log}
}

const reviewerPreamble = `You are a strict code reviewer. Review the change below for bugs,
missing error handling, and broken invariants. If the change is sound,
reply with exactly "LGTM" and nothing else. Otherwise list the problems,
most severe first.`

// Review returns the surfaced review text and whether anything should
// be shown. A clean "LGTM" verdict is suppressed.
func (r *Reviewer) Review(ctx context.Context, reply string) (string, bool) {
	if !NeedsReview(reply) {
		return "", false
	}
	diff := ""
	if r.diff != nil {
		d, err := r.diff(ctx)
		if err != nil {
			r.log.Warn("diff capture failed", zap.Error(err))
		} else {
			diff = d
		}
	}

	prompt := fmt.Sprintf("%s\n\nAssistant reply:\n%s\n\nLocal diff:\n%s", reviewerPreamble, reply, diff)
	first := r.fan.CallOne(ctx, provider.Gemini, prompt, provider.Options{})
	if first.Err != nil {
		r.log.Warn("review call failed", zap.Error(first.Err))
		return "", false
	}
	verdict := strings.TrimSpace(first.Output)
	if strings.EqualFold(verdict, "LGTM") {
		return "", false
	}

	if len(diff) <= largeDiffThreshold {
		return "🔷 Gemini review:\n" + verdict, true
	}

	second := r.fan.CallOne(ctx, provider.GPT, prompt, provider.Options{})
	var b strings.Builder
	b.WriteString("🔷 Gemini review:\n")
	b.WriteString(verdict)
	if second.Err == nil && strings.TrimSpace(second.Output) != "" {
		b.WriteString("\n\n🟢 GPT second opinion:\n")
		b.WriteString(strings.TrimSpace(second.Output))
	}
	return b.String(), true
}

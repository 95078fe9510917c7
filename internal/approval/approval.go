// Package approval implements the GO/STOP gate that sits at phase
// boundaries. The gate is a rule-applier, not a judge: any ambiguity,
// timeout, or failure resolves to STOP.
package approval

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ayatoki/aihub/internal/fanout"
	"github.com/ayatoki/aihub/internal/provider"
)

// Deadline caps one classifier call. On expiry the decision is STOP.
const Deadline = 15 * time.Second

// Packet is the phase-completion evidence handed to the classifier.
type Packet struct {
	Phase                 string
	Context               string
	Experiment            bool
	ProductionImpact      bool
	Urgent                bool
	ImplementationSummary string
	TestResult            string // "pass" or "fail"
	ErrorReport           string
}

// Record is the persisted decision. Exactly one record is written per
// Decide call, whatever the outcome.
type Record struct {
	Packet
	Approved    bool
	Reason      string
	RawResponse string
	Elapsed     time.Duration
	TimedOut    bool
	HadError    bool
	DecidedAt   time.Time
}

// AuditLog persists decisions. Write failures are non-fatal.
type AuditLog interface {
	Write(ctx context.Context, rec Record) error
}

// Gate classifies packets through the approval provider (gpt).
type Gate struct {
	fan   *fanout.Engine
	judge provider.Kind
	audit AuditLog
	log   *zap.Logger
}

func NewGate(fan *fanout.Engine, audit AuditLog, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{fan: fan, judge: provider.GPT, audit: audit, log: log}
}

const systemPreamble = `You are a release gate, not a judge. Apply the rules below mechanically.

Answer GO only when ALL of these hold:
- Tests pass.
- No runtime error was reported.
- No metered API was used.
- Every MUST requirement of the task is satisfied.
- No previously passing test broke.
- No irreversible operation was performed.
- No external user is impacted.
- The implementation summary for the prerequisite phase is present.

Answer STOP when ANY of these holds:
- Any failure of the conditions above.
- A metered API was used.
- An irreversible action was taken.
- External users are impacted.
- A risk flag is set.
- The information given is insufficient to decide.
- You hesitate for any reason.

Respond with exactly one line:
GO: <short reason>
or
STOP: <short reason>`

var decisionLine = regexp.MustCompile(`(?i)^\s*(GO|STOP):\s*(.+?)\s*$`)

// Decide classifies p and writes the audit record. It never returns an
// error: every failure mode maps to approved=false with a fixed reason.
func (g *Gate) Decide(ctx context.Context, p Packet) Record {
	start := time.Now()
	resp := g.fan.CallOne(ctx, g.judge, buildPrompt(p), provider.Options{Deadline: Deadline})

	rec := Record{
		Packet:      p,
		RawResponse: resp.Output,
		Elapsed:     time.Since(start),
		DecidedAt:   start,
	}
	switch {
	case errors.Is(resp.Err, provider.ErrTimeout):
		rec.TimedOut = true
		rec.Reason = "timeout"
	case resp.Err != nil:
		rec.HadError = true
		rec.Reason = "call failed"
	default:
		rec.Approved, rec.Reason = parseDecision(resp.Output)
	}

	if g.audit != nil {
		if err := g.audit.Write(ctx, rec); err != nil {
			g.log.Warn("approval audit write failed",
				zap.String("phase", p.Phase), zap.Error(err))
		}
	}
	g.log.Info("approval decision",
		zap.String("phase", p.Phase),
		zap.Bool("approved", rec.Approved),
		zap.String("reason", rec.Reason))
	return rec
}

// parseDecision reads the first line only. Anything that is not a
// well-formed GO line yields approved=false.
func parseDecision(raw string) (approved bool, reason string) {
	first := raw
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	m := decisionLine.FindStringSubmatch(first)
	if m == nil {
		return false, "format invalid"
	}
	return strings.EqualFold(m[1], "GO"), m[2]
}

func buildPrompt(p Packet) string {
	var b strings.Builder
	b.WriteString(systemPreamble)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Phase: %s\n", p.Phase)
	fmt.Fprintf(&b, "Context: %s\n", p.Context)
	fmt.Fprintf(&b, "Flags: experiment=%t production_impact=%t urgent=%t\n",
		p.Experiment, p.ProductionImpact, p.Urgent)
	fmt.Fprintf(&b, "Implementation summary: %s\n", p.ImplementationSummary)
	fmt.Fprintf(&b, "Test result: %s\n", p.TestResult)
	if p.ErrorReport != "" {
		fmt.Fprintf(&b, "Error report: %s\n", p.ErrorReport)
	}
	return b.String()
}

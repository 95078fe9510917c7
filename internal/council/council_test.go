package council

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ayatoki/aihub/internal/breaker"
	"github.com/ayatoki/aihub/internal/fanout"
	"github.com/ayatoki/aihub/internal/provider"
)

type scriptedRunner struct {
	run func(k provider.Kind, prompt string) provider.Response
}

func (s *scriptedRunner) Run(_ context.Context, k provider.Kind, prompt string, _ provider.Options) provider.Response {
	r := s.run(k, prompt)
	r.Provider = k
	return r
}

func newCouncil(run func(provider.Kind, string) provider.Response) *Engine {
	fan := fanout.NewEngine(&scriptedRunner{run: run}, breaker.NewRegistry(nil), nil)
	return NewEngine(fan, provider.Claude, nil)
}

func TestRun_FullDebate(t *testing.T) {
	e := newCouncil(func(k provider.Kind, prompt string) provider.Response {
		switch {
		case strings.Contains(prompt, "chair a three-seat council"):
			return provider.Response{Output: "final synthesis"}
		case strings.Contains(prompt, "round-1 proposals"):
			return provider.Response{Output: "critique from " + string(k)}
		default:
			return provider.Response{Output: "proposal from " + string(k)}
		}
	})

	rec := e.Run(context.Background(), "rework the backup pipeline", "owner prefers rsync")
	if len(rec.Round1) != 3 || len(rec.Round2) != 3 {
		t.Fatalf("rounds: %d/%d", len(rec.Round1), len(rec.Round2))
	}
	if rec.Synthesis.Err != nil || rec.Synthesis.Output != "final synthesis" {
		t.Fatalf("synthesis: %+v", rec.Synthesis)
	}
	if rec.Topic != "rework the backup pipeline" {
		t.Fatalf("topic: %q", rec.Topic)
	}

	out := Format(rec)
	if !strings.Contains(out, "rework the backup pipeline") || !strings.Contains(out, "final synthesis") {
		t.Fatalf("format:\n%s", out)
	}
}

func TestRun_CritiquesShareOneSummary(t *testing.T) {
	var (
		mu              sync.Mutex
		critiquePrompts []string
	)
	e := newCouncil(func(k provider.Kind, prompt string) provider.Response {
		switch {
		case strings.Contains(prompt, "chair a three-seat council"):
			return provider.Response{Output: "done"}
		case strings.Contains(prompt, "round-1 proposals"):
			mu.Lock()
			critiquePrompts = append(critiquePrompts, prompt)
			mu.Unlock()
			return provider.Response{Output: "c"}
		default:
			return provider.Response{Output: "proposal-" + string(k)}
		}
	})

	e.Run(context.Background(), "t", "")
	if len(critiquePrompts) != 3 {
		t.Fatalf("critique calls: %d", len(critiquePrompts))
	}
	for _, p := range critiquePrompts {
		// Every critic sees every proposal, including its own.
		for _, k := range provider.All() {
			if !strings.Contains(p, "proposal-"+string(k)) {
				t.Fatalf("critique prompt missing %s proposal:\n%s", k, p)
			}
		}
	}
}

func TestRun_AllProvidersFailShortCircuits(t *testing.T) {
	spawnErr := errors.New("spawn failed: executable not found")
	e := newCouncil(func(provider.Kind, string) provider.Response {
		return provider.Response{Err: spawnErr}
	})

	rec := e.Run(context.Background(), "doomed topic", "")
	if len(rec.Round1) != 3 {
		t.Fatalf("round1: %d", len(rec.Round1))
	}
	for _, r := range rec.Round1 {
		if r.Err == nil {
			t.Fatalf("expected error for %s", r.Provider)
		}
	}
	if len(rec.Round2) != 0 {
		t.Fatalf("round2 ran with no survivors")
	}
	if !errors.Is(rec.Synthesis.Err, ErrNoSurvivors) {
		t.Fatalf("synthesis err: %v", rec.Synthesis.Err)
	}
	if rec.TotalElapsed <= 0 {
		t.Fatalf("elapsed not recorded")
	}

	out := Format(rec)
	if !strings.Contains(out, "doomed topic") || !strings.Contains(out, "All providers failed") {
		t.Fatalf("format:\n%s", out)
	}
}

func TestRun_PartialSurvivorsShrinkRoundTwo(t *testing.T) {
	e := newCouncil(func(k provider.Kind, prompt string) provider.Response {
		if k == provider.Gemini && !strings.Contains(prompt, "round-1 proposals") {
			return provider.Response{Err: provider.ErrTimeout}
		}
		if strings.Contains(prompt, "chair a three-seat council") {
			return provider.Response{Output: "synth"}
		}
		return provider.Response{Output: "text"}
	})

	rec := e.Run(context.Background(), "t", "")
	if len(rec.Round2) != 2 {
		t.Fatalf("round2: %d", len(rec.Round2))
	}
	for _, r := range rec.Round2 {
		if r.Provider == provider.Gemini {
			t.Fatalf("failed proposer was asked to critique")
		}
	}
}

func TestFormat_ChairFailureFallsBackToRoundOne(t *testing.T) {
	chairErr := errors.New("exit 1: chair crashed")
	e := newCouncil(func(k provider.Kind, prompt string) provider.Response {
		if strings.Contains(prompt, "chair a three-seat council") {
			return provider.Response{Err: chairErr}
		}
		return provider.Response{Output: "plan from " + string(k)}
	})

	rec := e.Run(context.Background(), "t", "")
	if rec.Synthesis.Err == nil {
		t.Fatalf("expected stored synthesis error")
	}
	out := Format(rec)
	if !strings.Contains(out, "## Fallback") {
		t.Fatalf("missing fallback heading:\n%s", out)
	}
	for _, k := range provider.All() {
		if !strings.Contains(out, "plan from "+string(k)) {
			t.Fatalf("fallback missing %s proposal:\n%s", k, out)
		}
	}
}

func TestRoleOf_FixedSeats(t *testing.T) {
	if RoleOf(provider.Claude) != RoleDisruptor ||
		RoleOf(provider.Gemini) != RoleRealist ||
		RoleOf(provider.GPT) != RoleHumanizer {
		t.Fatalf("seat assignment changed")
	}
}

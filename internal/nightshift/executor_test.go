package nightshift

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ayatoki/aihub/internal/approval"
	"github.com/ayatoki/aihub/internal/breaker"
	"github.com/ayatoki/aihub/internal/fanout"
	"github.com/ayatoki/aihub/internal/journal"
	"github.com/ayatoki/aihub/internal/provider"
)

// nsRunner answers claude task calls and gpt approval calls.
type nsRunner struct {
	mu          sync.Mutex
	taskPrompts []string
	claude      func(prompt string) provider.Response
	gateReply   string
}

func (r *nsRunner) Run(_ context.Context, k provider.Kind, prompt string, _ provider.Options) provider.Response {
	if k == provider.GPT {
		reply := r.gateReply
		if reply == "" {
			reply = "GO: all checks pass"
		}
		return provider.Response{Provider: k, Output: reply}
	}
	r.mu.Lock()
	r.taskPrompts = append(r.taskPrompts, prompt)
	r.mu.Unlock()
	if r.claude != nil {
		resp := r.claude(prompt)
		resp.Provider = k
		return resp
	}
	return provider.Response{Provider: k, Output: "work done.\n\ntask finished cleanly"}
}

func newExecutor(t *testing.T, r *nsRunner) *Executor {
	t.Helper()
	fan := fanout.NewEngine(r, breaker.NewRegistry(nil), nil)
	gate := approval.NewGate(fan, nil, nil)
	jr := journal.New(t.TempDir(), nil)
	return NewExecutor(fan, gate, jr, nil)
}

func TestRun_BlockedTaskNeverDispatched(t *testing.T) {
	r := &nsRunner{}
	e := newExecutor(t, r)

	report, err := e.Run(context.Background(), Request{
		UserID:    "u1",
		Directive: "overnight chores",
		Tasks:     []string{"Update README", "git push origin main", "Run tests"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(r.taskPrompts) != 2 {
		t.Fatalf("provider calls: %d", len(r.taskPrompts))
	}
	for _, p := range r.taskPrompts {
		if strings.Contains(strings.ToLower(p), "git push") {
			t.Fatalf("blocked token reached a provider:\n%s", p)
		}
	}
	if !strings.Contains(report, "2 completed, 1 skipped") {
		t.Fatalf("report counts wrong:\n%s", report)
	}
	if !strings.Contains(report, "blocked token: git push") {
		t.Fatalf("skip note missing:\n%s", report)
	}
}

func TestRun_SecondConcurrentRunRejected(t *testing.T) {
	release := make(chan struct{})
	r := &nsRunner{claude: func(string) provider.Response {
		<-release
		return provider.Response{Output: "done"}
	}}
	e := newExecutor(t, r)

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(context.Background(), Request{UserID: "u", Tasks: []string{"slow task"}})
	}()

	for {
		if _, ok := e.Status(); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := e.Run(context.Background(), Request{UserID: "u", Tasks: []string{"x"}}); !errors.Is(err, ErrBusy) {
		t.Fatalf("err: %v", err)
	}
	close(release)
	<-done
	if _, ok := e.Status(); ok {
		t.Fatalf("executor still busy after run")
	}
}

func TestRun_ConsecutiveErrorLimitSkipsRemainder(t *testing.T) {
	r := &nsRunner{claude: func(string) provider.Response {
		return provider.Response{Err: errors.New("exit 1: crashed")}
	}}
	e := newExecutor(t, r)

	report, err := e.Run(context.Background(), Request{
		UserID: "u",
		Tasks:  []string{"t1", "t2", "t3", "t4", "t5"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(r.taskPrompts) != 3 {
		t.Fatalf("provider calls: %d", len(r.taskPrompts))
	}
	if !strings.Contains(report, "3 failed, 2 skipped") {
		t.Fatalf("report counts wrong:\n%s", report)
	}
	if !strings.Contains(report, "consecutive error limit") {
		t.Fatalf("skip note missing:\n%s", report)
	}
}

func TestRun_GateStopHaltsRun(t *testing.T) {
	r := &nsRunner{gateReply: "STOP: production impact detected"}
	e := newExecutor(t, r)

	report, err := e.Run(context.Background(), Request{
		UserID:      "u",
		Tasks:       []string{"t1", "t2", "t3"},
		GateEnabled: true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(r.taskPrompts) != 1 {
		t.Fatalf("provider calls: %d", len(r.taskPrompts))
	}
	if !strings.Contains(report, "1 completed") || !strings.Contains(report, "2 stopped") {
		t.Fatalf("report counts wrong:\n%s", report)
	}
	if !strings.Contains(report, "approval: production impact detected") {
		t.Fatalf("stop note missing:\n%s", report)
	}
}

func TestRun_GateNotConsultedAfterLastTask(t *testing.T) {
	gateCalls := 0
	r := &nsRunner{}
	r.claude = func(string) provider.Response {
		return provider.Response{Output: "fine"}
	}
	fan := fanout.NewEngine(runnerFunc(func(ctx context.Context, k provider.Kind, prompt string, opts provider.Options) provider.Response {
		if k == provider.GPT {
			gateCalls++
			return provider.Response{Provider: k, Output: "GO: ok"}
		}
		return r.Run(ctx, k, prompt, opts)
	}), breaker.NewRegistry(nil), nil)
	e := NewExecutor(fan, approval.NewGate(fan, nil, nil), journal.New(t.TempDir(), nil), nil)

	if _, err := e.Run(context.Background(), Request{
		UserID:      "u",
		Tasks:       []string{"t1", "t2"},
		GateEnabled: true,
	}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gateCalls != 1 {
		t.Fatalf("gate calls: %d", gateCalls)
	}
}

type runnerFunc func(ctx context.Context, k provider.Kind, prompt string, opts provider.Options) provider.Response

func (f runnerFunc) Run(ctx context.Context, k provider.Kind, prompt string, opts provider.Options) provider.Response {
	return f(ctx, k, prompt, opts)
}

func TestRun_TwoConsecutiveFailuresStopGatedRun(t *testing.T) {
	r := &nsRunner{claude: func(string) provider.Response {
		return provider.Response{Err: errors.New("exit 1: red tests")}
	}}
	e := newExecutor(t, r)

	report, err := e.Run(context.Background(), Request{
		UserID:      "u",
		Tasks:       []string{"t1", "t2", "t3", "t4"},
		GateEnabled: true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// The permissive fake gate approves after the first failure; the
	// two-failure bound stops the run before the classifier is asked again.
	if len(r.taskPrompts) != 2 {
		t.Fatalf("provider calls: %d", len(r.taskPrompts))
	}
	if !strings.Contains(report, "two consecutive failures") {
		t.Fatalf("stop note missing:\n%s", report)
	}
}

func TestRun_AbortStopsRemainder(t *testing.T) {
	started := make(chan struct{}, 1)
	r := &nsRunner{claude: func(string) provider.Response {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(20 * time.Millisecond)
		return provider.Response{Output: "partial"}
	}}
	e := newExecutor(t, r)

	var report string
	done := make(chan struct{})
	go func() {
		defer close(done)
		report, _ = e.Run(context.Background(), Request{UserID: "u", Tasks: []string{"t1", "t2", "t3"}})
	}()
	<-started
	if !e.Abort() {
		t.Fatalf("abort refused")
	}
	<-done

	if !strings.Contains(report, "aborted") {
		t.Fatalf("abort note missing:\n%s", report)
	}
	if e.Abort() {
		t.Fatalf("abort on idle executor")
	}
}

func TestRun_TimeLimitSkipsRemainder(t *testing.T) {
	r := &nsRunner{}
	e := newExecutor(t, r)

	var mu sync.Mutex
	base := time.Now()
	offset := time.Duration(0)
	e.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return base.Add(offset)
	}
	r.claude = func(string) provider.Response {
		mu.Lock()
		offset += 5 * time.Hour
		mu.Unlock()
		return provider.Response{Output: "slow but fine"}
	}

	report, err := e.Run(context.Background(), Request{UserID: "u", Tasks: []string{"t1", "t2", "t3"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(r.taskPrompts) != 1 {
		t.Fatalf("provider calls: %d", len(r.taskPrompts))
	}
	if !strings.Contains(report, "time limit") {
		t.Fatalf("time limit note missing:\n%s", report)
	}
}

func TestRun_JournalClearedAfterRun(t *testing.T) {
	r := &nsRunner{}
	fan := fanout.NewEngine(r, breaker.NewRegistry(nil), nil)
	jr := journal.New(t.TempDir(), nil)
	e := NewExecutor(fan, approval.NewGate(fan, nil, nil), jr, nil)

	if _, err := e.Run(context.Background(), Request{UserID: "u", Tasks: []string{"t1"}}); err != nil {
		t.Fatalf("run: %v", err)
	}
	st, err := jr.Load()
	if err != nil || st != nil {
		t.Fatalf("journal survived completion: %v, %v", st, err)
	}
}

func TestRun_SummaryIsFinalParagraphCapped(t *testing.T) {
	long := strings.Repeat("z", 300)
	r := &nsRunner{claude: func(string) provider.Response {
		return provider.Response{Output: "step output\n\n" + long}
	}}
	e := newExecutor(t, r)

	report, err := e.Run(context.Background(), Request{UserID: "u", Tasks: []string{"t1"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Contains(report, long) {
		t.Fatalf("summary not capped:\n%s", report)
	}
	if !strings.Contains(report, strings.Repeat("z", 50)) {
		t.Fatalf("summary missing final paragraph:\n%s", report)
	}
}

func TestRun_StreamJSONTaskSummarized(t *testing.T) {
	transcript := strings.Join([]string{
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"thinking","thinking":"planning the edit"}]}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"bash","input":{"command":"ls"}}]}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"running the linter"}]}}`,
		`{"type":"result","result":"lint clean, README updated"}`,
	}, "\n")
	r := &nsRunner{claude: func(string) provider.Response {
		return provider.Response{Output: transcript}
	}}
	e := newExecutor(t, r)

	report, err := e.Run(context.Background(), Request{UserID: "u", Tasks: []string{"update README"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(report, "1 completed") {
		t.Fatalf("counts wrong:\n%s", report)
	}
	if !strings.Contains(report, "lint clean, README updated") {
		t.Fatalf("summary not taken from result event:\n%s", report)
	}
	if strings.Contains(report, "planning the edit") || strings.Contains(report, `"command":"ls"`) {
		t.Fatalf("tool/thinking segments leaked into report:\n%s", report)
	}
}

package nightshift

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/ayatoki/aihub/internal/approval"
	"github.com/ayatoki/aihub/internal/fanout"
	"github.com/ayatoki/aihub/internal/journal"
	"github.com/ayatoki/aihub/internal/provider"
)

const (
	// maxRunDuration caps a whole run; remaining tasks are skipped.
	maxRunDuration = 4 * time.Hour
	// taskDeadline caps one task before the kill path engages.
	taskDeadline = 15 * time.Minute
	// maxConsecutiveErrors stops dispatching after this many failures
	// in a row when the approval gate is disabled.
	maxConsecutiveErrors = 3
	// gateFailureLimit is the stricter bound applied between tasks when
	// the gate is enabled: one failed task is tolerated, two in a row
	// force STOP without asking the classifier.
	gateFailureLimit = 2

	summaryLimit = 200
)

// streamArgs switches claude into NDJSON streaming so tool activity can
// be observed while a task runs.
var streamArgs = []string{"--output-format", "stream-json", "--verbose"}

// ErrBusy is returned when a run is already in flight.
var ErrBusy = errors.New("nightshift run already in progress")

// Result records the outcome of one task.
type Result struct {
	TaskID      int
	Description string
	Status      string
	Summary     string
	Duration    time.Duration
}

// Request describes one nightshift run.
type Request struct {
	UserID      string
	ChatID      string
	Username    string
	Directive   string
	Tasks       []string
	Constraints []string
	// GateEnabled turns on the per-task approval interlock.
	GateEnabled bool
	// Notify receives short progress lines; may be nil.
	Notify func(string)
}

// Snapshot is the state surfaced by the status command.
type Snapshot struct {
	RunID             string
	Running           bool
	StartedAt         time.Time
	TaskIndex         int
	TotalTasks        int
	ConsecutiveErrors int
	Results           []Result
}

type runState struct {
	id        string
	startedAt time.Time
	taskIndex int
	consec    int
	aborted   bool
	results   []Result
	cancel    context.CancelFunc
	total     int
}

// Executor owns the singleton nightshift run.
type Executor struct {
	fan  *fanout.Engine
	gate *approval.Gate
	jr   *journal.Journal
	log  *zap.Logger
	now  func() time.Time

	mu     sync.Mutex
	active *runState
}

func NewExecutor(fan *fanout.Engine, gate *approval.Gate, jr *journal.Journal, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{fan: fan, gate: gate, jr: jr, log: log, now: time.Now}
}

// Run executes the task list and returns the final report. A second
// concurrent call returns ErrBusy immediately.
func (e *Executor) Run(ctx context.Context, req Request) (string, error) {
	if len(req.Tasks) == 0 {
		return "", errors.New("nightshift: no tasks in request")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &runState{
		id:        ulid.Make().String(),
		startedAt: e.now(),
		cancel:    cancel,
		total:     len(req.Tasks),
	}
	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		return "", ErrBusy
	}
	e.active = st
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.active = nil
		e.mu.Unlock()
	}()

	e.log.Info("nightshift run starting",
		zap.String("run_id", st.id),
		zap.Int("tasks", st.total),
		zap.Bool("gate", req.GateEnabled))

	ws := e.jr.NewState(req.Username, req.Directive, req.UserID, req.ChatID, req.Username, req.Tasks, req.Constraints)
	if err := e.jr.Save(ws); err != nil {
		e.log.Warn("work state save failed", zap.Error(err))
	}
	defer e.jr.Clear()

	for i := range ws.Tasks {
		if stop, status, note := e.gateCheck(st); stop {
			e.finishRemaining(ws, st, i, status, note)
			break
		}

		task := &ws.Tasks[i]
		if tok, blocked := BlockedToken(task.Description); blocked {
			note := "blocked token: " + tok
			e.settleTask(ws, st, task, journal.StatusSkipped, note, 0)
			e.log.Warn("task blocked", zap.Int("task", task.ID), zap.String("token", tok))
			continue
		}

		e.runTask(ctx, ws, st, task, req)

		if i == len(ws.Tasks)-1 || !req.GateEnabled {
			continue
		}
		if !e.interlock(ctx, ws, st, task, i) {
			break
		}
	}

	report := BuildReport(st.id, req.Directive, e.now().Sub(st.startedAt), e.snapshotLocked(st).Results)
	e.log.Info("nightshift run finished", zap.String("run_id", st.id))
	return report, nil
}

// gateCheck evaluates the pre-task safety gates. It returns the status
// and note to apply to all remaining tasks when the run must end.
func (e *Executor) gateCheck(st *runState) (stop bool, status, note string) {
	e.mu.Lock()
	aborted, consec := st.aborted, st.consec
	e.mu.Unlock()

	switch {
	case e.now().Sub(st.startedAt) > maxRunDuration:
		return true, journal.StatusSkipped, "time limit"
	case aborted:
		return true, journal.StatusStopped, "aborted"
	case consec >= maxConsecutiveErrors:
		return true, journal.StatusSkipped, "consecutive error limit"
	}
	return false, "", ""
}

func (e *Executor) runTask(ctx context.Context, ws *journal.State, st *runState, task *journal.Task, req Request) {
	e.mu.Lock()
	st.taskIndex = task.ID
	e.mu.Unlock()

	task.Status = journal.StatusInProgress
	if err := e.jr.Save(ws); err != nil {
		e.log.Warn("work state save failed", zap.Error(err))
	}
	if req.Notify != nil {
		req.Notify(fmt.Sprintf("🌙 task %d/%d: %s", task.ID, st.total, task.Description))
	}

	start := e.now()
	resp := e.fan.CallOne(ctx, provider.Claude, taskPrompt(req.Directive, task.Description, req.Constraints),
		provider.Options{
			Deadline:  taskDeadline,
			ExtraArgs: streamArgs,
			Observer: func(line string) {
				e.log.Debug("task stderr", zap.Int("task", task.ID), zap.String("line", line))
			},
		})
	elapsed := e.now().Sub(start)

	if resp.Err != nil {
		summary := truncateSummary("error: " + resp.Err.Error())
		e.settleTask(ws, st, task, journal.StatusFailed, summary, elapsed)
		e.mu.Lock()
		st.consec++
		e.mu.Unlock()
		e.log.Warn("task failed", zap.Int("task", task.ID), zap.Error(resp.Err))
		return
	}

	stream := provider.ParseStream(resp.Output)
	for _, tu := range stream.ToolUses {
		e.log.Info("task tool use", zap.Int("task", task.ID),
			zap.String("tool", tu.Name), zap.String("input", tu.InputJSON))
	}
	if stream.ThinkingSegments > 0 {
		e.log.Debug("task thinking dropped", zap.Int("task", task.ID),
			zap.Int("segments", stream.ThinkingSegments))
	}

	summary := provider.FinalParagraph(stream.Text, summaryLimit)
	e.settleTask(ws, st, task, journal.StatusCompleted, summary, elapsed)
	e.mu.Lock()
	st.consec = 0
	e.mu.Unlock()
}

// interlock consults the approval gate between tasks. Returns false
// when the run must stop. Two consecutive failed tasks stop the run
// without asking the classifier; the gate tolerates exactly one.
func (e *Executor) interlock(ctx context.Context, ws *journal.State, st *runState, prev *journal.Task, i int) bool {
	e.mu.Lock()
	consec := st.consec
	e.mu.Unlock()
	if consec >= gateFailureLimit {
		e.finishRemaining(ws, st, i+1, journal.StatusStopped, "two consecutive failures")
		return false
	}

	rec := e.gate.Decide(ctx, approval.Packet{
		Phase:                 fmt.Sprintf("nightshift task %d of %d", prev.ID, st.total),
		Context:               ws.Directive,
		ImplementationSummary: prev.Notes,
		TestResult:            testResultFor(prev.Status),
		ErrorReport:           errorReportFor(prev),
	})
	if rec.Approved {
		return true
	}
	e.finishRemaining(ws, st, i+1, journal.StatusStopped, "approval: "+rec.Reason)
	return false
}

func testResultFor(status string) string {
	if status == journal.StatusCompleted {
		return "pass"
	}
	return "fail"
}

func errorReportFor(t *journal.Task) string {
	if t.Status == journal.StatusFailed {
		return t.Notes
	}
	return ""
}

// settleTask records a terminal task status in both the journal and the
// run results.
func (e *Executor) settleTask(ws *journal.State, st *runState, task *journal.Task, status, note string, elapsed time.Duration) {
	task.Status = status
	task.Notes = note
	ws.LastProgress = fmt.Sprintf("task %d %s: %s", task.ID, status, note)
	if err := e.jr.Save(ws); err != nil {
		e.log.Warn("work state save failed", zap.Error(err))
	}
	e.mu.Lock()
	st.results = append(st.results, Result{
		TaskID:      task.ID,
		Description: task.Description,
		Status:      status,
		Summary:     note,
		Duration:    elapsed,
	})
	e.mu.Unlock()
}

// finishRemaining applies one terminal status to every task from index
// on that has not settled yet.
func (e *Executor) finishRemaining(ws *journal.State, st *runState, from int, status, note string) {
	for i := from; i < len(ws.Tasks); i++ {
		t := &ws.Tasks[i]
		if t.Status != journal.StatusPending && t.Status != journal.StatusInProgress {
			continue
		}
		e.settleTask(ws, st, t, status, note, 0)
	}
}

// Abort requests a stop. The in-flight task is killed via its context;
// remaining tasks settle as stopped. Returns false when idle.
func (e *Executor) Abort() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return false
	}
	e.active.aborted = true
	e.active.cancel()
	return true
}

// Status returns a snapshot of the current or last-known run state.
// ok is false when no run is in flight.
func (e *Executor) Status() (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return Snapshot{}, false
	}
	return e.snapshot(e.active), true
}

func (e *Executor) snapshot(st *runState) Snapshot {
	results := make([]Result, len(st.results))
	copy(results, st.results)
	return Snapshot{
		RunID:             st.id,
		Running:           true,
		StartedAt:         st.startedAt,
		TaskIndex:         st.taskIndex,
		TotalTasks:        st.total,
		ConsecutiveErrors: st.consec,
		Results:           results,
	}
}

func (e *Executor) snapshotLocked(st *runState) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(st)
}

func truncateSummary(s string) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= summaryLimit {
		return string(r)
	}
	return string(r[:summaryLimit])
}

// taskPrompt embeds the standing nightshift rules around one task.
func taskPrompt(directive, description string, constraints []string) string {
	var b strings.Builder
	b.WriteString(`You are running unattended overnight. Standing rules:
- Perform no irreversible operation (no pushes, deploys, deletions).
- Use no metered API.
- On any error, report it and stop; do not improvise recovery.
- Be concise; end with a short final paragraph summarizing the outcome.`)
	b.WriteString("\n\n")
	if directive != "" {
		fmt.Fprintf(&b, "Overall directive: %s\n", directive)
	}
	for _, c := range constraints {
		fmt.Fprintf(&b, "Constraint: %s\n", c)
	}
	fmt.Fprintf(&b, "\nTask: %s", description)
	return b.String()
}

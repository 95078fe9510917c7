// Package hub is the command layer: it authorizes users, parses
// commands, routes AI calls, and owns the nightshift and approval
// toggles.
package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ayatoki/aihub/internal/approval"
	"github.com/ayatoki/aihub/internal/config"
	"github.com/ayatoki/aihub/internal/journal"
	"github.com/ayatoki/aihub/internal/memstore"
	"github.com/ayatoki/aihub/internal/nightshift"
	"github.com/ayatoki/aihub/internal/notify"
	"github.com/ayatoki/aihub/internal/postproc"
	"github.com/ayatoki/aihub/internal/router"
	"github.com/ayatoki/aihub/internal/transport"
)

// Incoming is one chat message handed to the hub.
type Incoming struct {
	UserID   string
	ChatID   string
	Username string
	Text     string
	// ReplyTo carries the text of the replied-to message, when any.
	ReplyTo string
}

// AuditStats is the slice of the approval audit surfaced by /croppy
// status.
type AuditStats interface {
	Stats(ctx context.Context) (approval.Stats, error)
}

// Hub wires the command surface to the engines.
type Hub struct {
	cfg       *config.Config
	router    *router.Router
	exec      *nightshift.Executor
	jr        *journal.Journal
	store     *memstore.Store
	post      *postproc.Pipeline
	audit     AuditStats
	messenger transport.Messenger
	notifier  *notify.Client
	log       *zap.Logger

	gateEnabled atomic.Bool

	recoveryMu sync.Mutex
	recovery   string
}

func New(cfg *config.Config, r *router.Router, exec *nightshift.Executor, jr *journal.Journal,
	store *memstore.Store, post *postproc.Pipeline, audit AuditStats,
	messenger transport.Messenger, notifier *notify.Client, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		cfg:       cfg,
		router:    r,
		exec:      exec,
		jr:        jr,
		store:     store,
		post:      post,
		audit:     audit,
		messenger: messenger,
		notifier:  notifier,
		log:       log,
	}
	h.loadRecovery()
	return h
}

// loadRecovery reads the journal once at boot. An interrupted plan is
// injected into the first AI dispatch after restart.
func (h *Hub) loadRecovery() {
	if h.jr == nil {
		return
	}
	st, err := h.jr.Load()
	if err != nil {
		h.log.Warn("work state load failed", zap.Error(err))
		return
	}
	if st == nil || !st.HasOpenTasks() {
		return
	}
	h.recoveryMu.Lock()
	h.recovery = journal.RecoveryBlock(st)
	h.recoveryMu.Unlock()
	h.log.Info("interrupted work state recovered",
		zap.String("directive", st.Directive), zap.Int("tasks", len(st.Tasks)))
}

// takeRecovery returns the pending recovery block at most once.
func (h *Hub) takeRecovery() string {
	h.recoveryMu.Lock()
	defer h.recoveryMu.Unlock()
	r := h.recovery
	h.recovery = ""
	return r
}

// HandleMessage processes one message and returns the immediate reply.
// Long-running work (nightshift) replies asynchronously through the
// messenger.
func (h *Hub) HandleMessage(ctx context.Context, msg Incoming) string {
	if !h.cfg.Allowed(msg.UserID) {
		h.log.Warn("message from unauthorized user", zap.String("user", msg.UserID))
		return ""
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return ""
	}

	if h.store != nil {
		_ = h.store.AppendChat(ctx, msg.UserID, "user", text)
	}

	var reply string
	switch {
	case strings.HasPrefix(text, "/nightshift"):
		reply = h.handleNightshift(ctx, msg, text)
	case strings.HasPrefix(text, "/debate"):
		reply = h.handleDebate(ctx, msg, text)
	case strings.HasPrefix(text, "/croppy"):
		reply = h.handleCroppy(ctx, text)
	default:
		reply = h.dispatchAI(ctx, msg, text)
	}

	if reply != "" && h.store != nil {
		_ = h.store.AppendChat(ctx, msg.UserID, "assistant", reply)
	}
	return reply
}

// dispatchAI routes a plain or prefixed message. A pending restart
// recovery block is prepended to the prompt exactly once.
func (h *Hub) dispatchAI(ctx context.Context, msg Incoming, text string) string {
	route := router.Parse(text)
	if rec := h.takeRecovery(); rec != "" {
		route.Prompt = rec + "\n\n" + route.Prompt
	}
	reply := h.router.Dispatch(ctx, msg.UserID, route)
	if h.post != nil {
		h.post.AfterReply(msg.UserID, text, reply, func(review string) {
			if _, err := transport.SendWithRetry(context.Background(), h.messenger, msg.ChatID, review); err != nil {
				h.log.Warn("review delivery failed", zap.Error(err))
			}
		})
	}
	return reply
}

func (h *Hub) handleNightshift(ctx context.Context, msg Incoming, text string) string {
	first, _, _ := strings.Cut(text, "\n")
	switch strings.TrimSpace(strings.TrimPrefix(first, "/nightshift")) {
	case "stop":
		if h.exec.Abort() {
			return "🛑 nightshift stop requested"
		}
		return "no nightshift run in progress"
	case "status":
		return h.nightshiftStatus()
	}

	tasks := nightshift.ParseTasks(text)
	if len(tasks) == 0 {
		return "usage: /nightshift\\n<one task per line>"
	}

	req := nightshift.Request{
		UserID:      msg.UserID,
		ChatID:      msg.ChatID,
		Username:    msg.Username,
		Directive:   first,
		Tasks:       tasks,
		GateEnabled: h.gateEnabled.Load(),
	}
	editor := transport.NewStatusEditor(h.messenger, msg.ChatID, h.log)
	req.Notify = func(line string) { editor.Update(context.Background(), line) }

	if _, busy := h.exec.Status(); busy {
		return "🌙 a nightshift run is already in progress"
	}

	go func() {
		report, err := h.exec.Run(context.Background(), req)
		if errors.Is(err, nightshift.ErrBusy) {
			// Run's singleton lock is authoritative; the pre-check above
			// only makes the common reply nicer.
			if _, err := transport.SendWithRetry(context.Background(), h.messenger, msg.ChatID, "🌙 a nightshift run is already in progress"); err != nil {
				h.log.Warn("busy notice delivery failed", zap.Error(err))
			}
			return
		}
		if err != nil {
			h.log.Error("nightshift run failed", zap.Error(err))
			return
		}
		nightshift.DeliverReport(context.Background(), h.messenger, msg.ChatID, report, h.log)
		h.notifier.Push(context.Background(), "nightshift", "run finished")
		if h.store != nil {
			_ = h.store.AppendChat(context.Background(), msg.UserID, "assistant", report)
		}
	}()

	return fmt.Sprintf("🌙 nightshift started: %d tasks (gate %s)", len(tasks), onOff(h.gateEnabled.Load()))
}

func (h *Hub) nightshiftStatus() string {
	snap, ok := h.exec.Status()
	if !ok {
		return "nightshift idle"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🌙 run %s: task %d/%d, %s elapsed\n",
		snap.RunID, snap.TaskIndex, snap.TotalTasks, time.Since(snap.StartedAt).Round(time.Second))
	for _, r := range snap.Results {
		fmt.Fprintf(&b, "%s %d. %s\n", journal.StatusIcon(r.Status), r.TaskID, r.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Hub) handleDebate(ctx context.Context, msg Incoming, text string) string {
	topic := strings.TrimSpace(strings.TrimPrefix(text, "/debate"))
	if topic == "" {
		topic = strings.TrimSpace(msg.ReplyTo)
	}
	if topic == "" {
		return "usage: /debate <topic> (or reply to a message)"
	}
	return h.router.Dispatch(ctx, msg.UserID, router.Route{Kind: router.Council, Prompt: topic})
}

func (h *Hub) handleCroppy(ctx context.Context, text string) string {
	arg := strings.TrimSpace(strings.TrimPrefix(text, "/croppy"))
	switch arg {
	case "enable":
		h.gateEnabled.Store(true)
		return "✅ auto-approval gate enabled"
	case "disable":
		h.gateEnabled.Store(false)
		return "⏸ auto-approval gate disabled"
	case "status", "":
		var stats string
		if h.audit != nil {
			if s, err := h.audit.Stats(ctx); err == nil {
				stats = fmt.Sprintf("\ndecisions: %d total, %d GO, %d timeout, %d error",
					s.Total, s.Approved, s.TimedOut, s.Errored)
			}
		}
		return fmt.Sprintf("auto-approval gate: %s%s", onOff(h.gateEnabled.Load()), stats)
	default:
		return "usage: /croppy enable|disable|status"
	}
}

// GateEnabled reports the global auto-approval flag.
func (h *Hub) GateEnabled() bool { return h.gateEnabled.Load() }

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

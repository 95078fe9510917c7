package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrTimeout marks a call that was terminated because its soft deadline
// elapsed. The response may still carry partial output.
var ErrTimeout = errors.New("timeout")

// killGrace is the delay between the soft terminate signal and the
// uninterruptible kill. The escalation is mandatory on every timeout path.
const killGrace = 5 * time.Second

// Observer receives stderr lines from a running back-end for live status
// updates. It must not block; throttling is the caller's concern.
type Observer func(line string)

// Config holds the invocation recipe for each back-end. Empty paths fall
// back to bare command names resolved via PATH.
type Config struct {
	ClaudePath string
	ClaudeArgs []string
	GeminiPath string
	GeminiArgs []string
	GPTPath    string
	GPTArgs    []string
}

// Options adjusts a single invocation.
type Options struct {
	// Deadline overrides the provider's default soft deadline when > 0.
	Deadline time.Duration
	// ExtraArgs are appended to the recipe's base arguments. Nightshift
	// uses this to switch claude into stream-json output.
	ExtraArgs []string
	// Observer, when set, receives stderr lines as they arrive.
	Observer Observer
}

// Driver runs back-end subprocesses and maps their outcomes to Responses.
type Driver struct {
	cfg Config
	log *zap.Logger
}

func NewDriver(cfg Config, log *zap.Logger) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{cfg: cfg, log: log}
}

func (d *Driver) recipe(k Kind) (exe string, args []string, stdinFile bool) {
	pick := func(path, fallback string) string {
		if strings.TrimSpace(path) != "" {
			return path
		}
		return fallback
	}
	switch k {
	case Claude:
		args = d.cfg.ClaudeArgs
		if args == nil {
			args = []string{"-p"}
		}
		return pick(d.cfg.ClaudePath, "claude"), args, true
	case Gemini:
		args = d.cfg.GeminiArgs
		if args == nil {
			args = []string{"-p", "--yolo"}
		}
		return pick(d.cfg.GeminiPath, "gemini"), args, true
	case GPT:
		args = d.cfg.GPTArgs
		if args == nil {
			args = []string{"exec"}
		}
		return pick(d.cfg.GPTPath, "codex"), args, false
	default:
		return "", nil, false
	}
}

// Run invokes one back-end with prompt and returns a normalized Response.
// The call is terminated with SIGTERM to its process group at the soft
// deadline and SIGKILL five seconds later. Partial stdout survives both.
func (d *Driver) Run(ctx context.Context, k Kind, prompt string, opts Options) Response {
	start := time.Now()
	resp := Response{Provider: k}

	exe, baseArgs, stdinFile := d.recipe(k)
	if exe == "" {
		resp.Err = fmt.Errorf("unknown provider: %s", k)
		return resp
	}
	args := append(append([]string{}, baseArgs...), opts.ExtraArgs...)

	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = k.DefaultDeadline()
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = execEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var promptFile *os.File
	if stdinFile {
		f, err := os.CreateTemp("", "aihub-prompt-*.txt")
		if err != nil {
			resp.Err = fmt.Errorf("spawn failed: %v", err)
			return resp
		}
		promptFile = f
		if _, err := f.WriteString(prompt); err != nil {
			cleanupPromptFile(promptFile)
			resp.Err = fmt.Errorf("spawn failed: %v", err)
			return resp
		}
		if _, err := f.Seek(0, 0); err != nil {
			cleanupPromptFile(promptFile)
			resp.Err = fmt.Errorf("spawn failed: %v", err)
			return resp
		}
		cmd.Stdin = f
	} else {
		// Prompt travels as a single concatenated argument; keep stdin
		// closed so the CLI never blocks on interactive reads.
		cmd.Args = append(cmd.Args, prompt)
		cmd.Stdin = strings.NewReader("")
	}
	defer cleanupPromptFile(promptFile)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	tail := &tailBuffer{limit: 2048}
	cmd.Stderr = &lineWriter{tail: tail, observe: opts.Observer}

	if err := cmd.Start(); err != nil {
		resp.Err = fmt.Errorf("spawn failed: %v", err)
		return resp
	}
	d.log.Debug("provider started",
		zap.String("provider", string(k)),
		zap.String("exe", exe),
		zap.Int("prompt_bytes", len(prompt)),
		zap.Duration("deadline", deadline))

	waitErr, timedOut := waitWithDeadline(ctx, cmd, deadline)
	resp.Latency = time.Since(start)
	resp.Output = strings.TrimSpace(stdout.String())

	switch {
	case timedOut:
		resp.Err = ErrTimeout
	case ctx.Err() != nil:
		resp.Err = ctx.Err()
	case waitErr != nil:
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			if resp.Output != "" {
				// Tolerant path: a non-zero exit with output keeps the
				// output and clears the error so partial insight survives.
				d.log.Warn("provider exited non-zero with output",
					zap.String("provider", string(k)),
					zap.Int("exit_code", ee.ExitCode()))
				break
			}
			msg := fmt.Sprintf("exit %d", ee.ExitCode())
			if t := tail.String(); t != "" {
				msg += ": " + t
			}
			resp.Err = errors.New(msg)
			break
		}
		resp.Err = waitErr
	}
	return resp
}

func cleanupPromptFile(f *os.File) {
	if f == nil {
		return
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
}

// waitWithDeadline waits for cmd to exit. At deadline it sends SIGTERM to
// the process group, then SIGKILL after killGrace, then gives the process
// a short window to be reaped.
func waitWithDeadline(ctx context.Context, cmd *exec.Cmd, deadline time.Duration) (waitErr error, timedOut bool) {
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	kill := func() {
		_ = signalGroup(cmd, syscall.SIGTERM)
		select {
		case err := <-waitCh:
			waitCh <- err
			return
		case <-time.After(killGrace):
		}
		_ = signalGroup(cmd, syscall.SIGKILL)
		select {
		case err := <-waitCh:
			waitCh <- err
		case <-time.After(2 * time.Second):
		}
	}

	select {
	case err := <-waitCh:
		return err, false
	case <-timer.C:
		kill()
		select {
		case err := <-waitCh:
			return err, true
		default:
			return fmt.Errorf("process survived SIGKILL"), true
		}
	case <-ctx.Done():
		kill()
		select {
		case err := <-waitCh:
			return err, false
		default:
			return ctx.Err(), false
		}
	}
}

// signalGroup signals the negative pgid so CLI-spawned children die with
// their parent. ESRCH means the group is already gone.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// proxyVars are cleared so back-end CLIs bypass corporate proxies.
var proxyVars = []string{"http_proxy", "HTTP_PROXY", "https_proxy", "HTTPS_PROXY"}

// extraPathDirs are appended to PATH so package-manager installs of the
// back-end CLIs resolve even under a minimal service environment.
var extraPathDirs = []string{"/usr/local/bin", "/opt/homebrew/bin", "/usr/bin", "/bin"}

func execEnv() []string {
	env := os.Environ()
	out := make([]string, 0, len(env))
	var path string
	for _, entry := range env {
		key := entry
		if idx := strings.IndexByte(entry, '='); idx >= 0 {
			key = entry[:idx]
		}
		if isProxyVar(key) {
			continue
		}
		if key == "PATH" {
			path = entry[len("PATH="):]
			continue
		}
		out = append(out, entry)
	}
	for _, dir := range extraPathDirs {
		if !containsPathDir(path, dir) {
			if path != "" {
				path += ":"
			}
			path += dir
		}
	}
	out = append(out, "PATH="+path)
	return out
}

func isProxyVar(key string) bool {
	for _, v := range proxyVars {
		if key == v {
			return true
		}
	}
	return false
}

func containsPathDir(path, dir string) bool {
	for _, p := range strings.Split(path, ":") {
		if p == dir {
			return true
		}
	}
	return false
}

// lineWriter splits stderr into lines, keeps a bounded tail for error
// messages, and forwards complete lines to the observer. Writes never
// block the child, so the observer must be non-blocking too.
type lineWriter struct {
	tail    *tailBuffer
	observe Observer
	pending []byte
	mu      sync.Mutex
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(w.pending[:idx]), "\r")
		w.pending = w.pending[idx+1:]
		w.tail.add(line)
		if w.observe != nil {
			w.observe(line)
		}
	}
	return len(p), nil
}

// tailBuffer keeps the most recent stderr text up to limit bytes for error
// messages.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) add(line string) {
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}

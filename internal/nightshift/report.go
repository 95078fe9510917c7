package nightshift

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ayatoki/aihub/internal/journal"
	"github.com/ayatoki/aihub/internal/transport"
)

// maxMessageChars approximates the transport's per-message limit.
const maxMessageChars = 4000

// BuildReport renders the single final message for one run.
func BuildReport(runID, directive string, elapsed time.Duration, results []Result) string {
	counts := map[string]int{}
	for _, r := range results {
		counts[r.Status]++
	}

	var b strings.Builder
	b.WriteString("🌙 Nightshift report\n")
	if directive != "" {
		fmt.Fprintf(&b, "Directive: %s\n", directive)
	}
	fmt.Fprintf(&b, "Run %s, %d tasks in %s\n", runID, len(results), elapsed.Round(time.Second))

	order := []string{
		journal.StatusCompleted,
		journal.StatusFailed,
		journal.StatusSkipped,
		journal.StatusStopped,
	}
	var parts []string
	for _, s := range order {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[s], s))
		}
	}
	b.WriteString(strings.Join(parts, ", "))
	b.WriteString("\n\n")

	for _, r := range results {
		fmt.Fprintf(&b, "%s %d. %s", journal.StatusIcon(r.Status), r.TaskID, r.Description)
		if r.Duration > 0 {
			fmt.Fprintf(&b, " (%s)", r.Duration.Round(time.Second))
		}
		if r.Summary != "" {
			fmt.Fprintf(&b, "\n   %s", r.Summary)
		}
		b.WriteByte('\n')
	}

	if counts[journal.StatusFailed] > 0 {
		b.WriteString("\nFailed tasks:\n")
		for _, r := range results {
			if r.Status == journal.StatusFailed {
				fmt.Fprintf(&b, "❌ %d. %s — %s\n", r.TaskID, r.Description, r.Summary)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// DeliverReport sends the report, splitting oversized text at line
// boundaries. A failed chunk is retried once with markup stripped.
func DeliverReport(ctx context.Context, m transport.Messenger, chatID, report string, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	for _, chunk := range SplitMessage(report, maxMessageChars) {
		if _, err := transport.SendWithRetry(ctx, m, chatID, chunk); err != nil {
			log.Warn("report delivery failed, retrying as plain text", zap.Error(err))
			if _, err := transport.SendWithRetry(ctx, m, chatID, stripMarkup(chunk)); err != nil {
				log.Error("report delivery failed", zap.Error(err))
			}
		}
	}
}

// SplitMessage cuts text into chunks of at most limit characters,
// preferring to cut at a line break.
func SplitMessage(text string, limit int) []string {
	var chunks []string
	r := []rune(text)
	for len(r) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if r[i] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(r[:cut]), "\n"))
		r = r[cut:]
		for len(r) > 0 && r[0] == '\n' {
			r = r[1:]
		}
	}
	if len(r) > 0 {
		chunks = append(chunks, string(r))
	}
	return chunks
}

// stripMarkup removes the formatting characters the transport may choke
// on when a styled message is rejected.
func stripMarkup(s string) string {
	repl := strings.NewReplacer("**", "", "__", "", "```", "", "`", "", "# ", "", "## ", "")
	return repl.Replace(s)
}

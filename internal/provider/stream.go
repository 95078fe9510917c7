package provider

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
)

// Nightshift runs claude with --output-format stream-json, which emits one
// JSON event per line. Tool and thinking segments are logged but never
// forwarded to chat; only assistant text blocks reach the final reply.

type streamEvent struct {
	Type    string         `json:"type"`
	Message *streamMessage `json:"message,omitempty"`
	Result  string         `json:"result,omitempty"`
}

type streamMessage struct {
	Role    string        `json:"role,omitempty"`
	Content []streamBlock `json:"content,omitempty"`
}

type streamBlock struct {
	Type string `json:"type"`

	// text / thinking blocks
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use block
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolUse is one tool invocation observed in a stream, kept for logging.
type ToolUse struct {
	Name      string
	InputJSON string
}

// StreamResult is the decomposition of one stream-json transcript.
type StreamResult struct {
	// Text is the concatenation of all assistant text blocks, in order.
	Text string
	// ToolUses lists tool invocations in the order they appeared.
	ToolUses []ToolUse
	// ThinkingSegments counts thinking blocks that were dropped.
	ThinkingSegments int
	// Raw reports that the input was not parseable as stream-json and
	// Text carries the raw input unchanged.
	Raw bool
}

// ParseStream decomposes stream-json output. Input that does not parse as
// NDJSON at all is returned verbatim with Raw set, so a back-end running
// in plain-text mode still produces a usable reply.
func ParseStream(output string) StreamResult {
	var res StreamResult
	var texts []string
	sawEvent := false

	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		sawEvent = true
		if ev.Type == "result" && strings.TrimSpace(ev.Result) != "" {
			// The terminal result event supersedes accumulated text.
			texts = []string{strings.TrimSpace(ev.Result)}
			continue
		}
		if ev.Message == nil || ev.Message.Role != "assistant" {
			continue
		}
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "text":
				if t := strings.TrimSpace(block.Text); t != "" {
					texts = append(texts, t)
				}
			case "thinking":
				res.ThinkingSegments++
			case "tool_use":
				inputJSON := ""
				if block.Input != nil {
					b, _ := json.Marshal(block.Input)
					inputJSON = string(b)
				}
				res.ToolUses = append(res.ToolUses, ToolUse{Name: block.Name, InputJSON: inputJSON})
			}
		}
	}

	if !sawEvent {
		res.Raw = true
		res.Text = strings.TrimSpace(output)
		return res
	}
	res.Text = strings.Join(texts, "\n")
	return res
}

// FinalParagraph returns the last non-empty paragraph of text, truncated
// to limit runes. Nightshift summaries are built from it.
func FinalParagraph(text string, limit int) string {
	paras := strings.Split(strings.TrimSpace(text), "\n\n")
	last := ""
	for _, p := range paras {
		if strings.TrimSpace(p) != "" {
			last = strings.TrimSpace(p)
		}
	}
	r := []rune(last)
	if limit > 0 && len(r) > limit {
		return string(r[:limit])
	}
	return last
}

// Package provider invokes the external model back-ends (claude, gemini,
// gpt) as subprocesses and normalizes their results.
package provider

import (
	"strings"
	"time"
)

// Kind identifies one model back-end.
type Kind string

const (
	Claude Kind = "claude"
	Gemini Kind = "gemini"
	GPT    Kind = "gpt"
)

// All returns the back-ends in fixed presentation order. Fan-out and
// council output sections follow this order regardless of completion order.
func All() []Kind {
	return []Kind{Claude, Gemini, GPT}
}

// DisplayName is the user-facing name used in prefixes and report sections.
func (k Kind) DisplayName() string {
	switch k {
	case Claude:
		return "Claude"
	case Gemini:
		return "Gemini"
	case GPT:
		return "GPT"
	default:
		return string(k)
	}
}

// Emblem is the glyph shown next to the provider's section in replies.
func (k Kind) Emblem() string {
	switch k {
	case Claude:
		return "🔶"
	case Gemini:
		return "🔷"
	case GPT:
		return "🟢"
	default:
		return "▪️"
	}
}

// DefaultDeadline is the soft deadline for a direct call to this back-end.
// Council rounds override this with their own per-round deadlines.
func (k Kind) DefaultDeadline() time.Duration {
	return 180 * time.Second
}

// Valid reports whether k is a known back-end kind.
func (k Kind) Valid() bool {
	switch k {
	case Claude, Gemini, GPT:
		return true
	}
	return false
}

// ParseKind resolves a provider name (any case) to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "claude":
		return Claude, true
	case "gemini":
		return Gemini, true
	case "gpt":
		return GPT, true
	}
	return "", false
}

// Response is the normalized outcome of one back-end invocation.
//
// Output and Err are independently meaningful: a timed-out or failed call
// may still carry partial output, and callers are expected to surface it.
// Exactly one of the two is authoritative for control flow — Err nil means
// Output is the full stdout of the call.
type Response struct {
	Provider Kind
	Output   string
	Latency  time.Duration
	Err      error
}

// OK reports whether the call completed without a surfaced error.
func (r Response) OK() bool { return r.Err == nil }

// Package nightshift drives a user-supplied task list to completion
// autonomously, one task at a time, under safety gates.
package nightshift

import (
	"regexp"
	"strings"
)

// taskLine accepts "1. x", "2) x", "- x", "• x", "* x", or a bare line.
var taskLine = regexp.MustCompile(`^(\d+[.)]\s+|[-•*]\s+)?(.+)$`)

// ParseTasks extracts task descriptions from a command body. The first
// line is the command itself; each later non-blank line is one task.
// Ordinals are assigned 1-based by position, ignoring the user's own
// numbering.
func ParseTasks(body string) []string {
	_, rest, found := strings.Cut(body, "\n")
	if !found {
		return nil
	}
	var tasks []string
	for _, line := range strings.Split(rest, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := taskLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		tasks = append(tasks, strings.TrimSpace(m[2]))
	}
	return tasks
}

// blockedTokens are operations nightshift must never hand to a
// provider, whatever the surrounding text says.
var blockedTokens = []string{
	"git push",
	"force push",
	"push --force",
	"rm -rf",
	"drop table",
	"delete from",
	"npm publish",
	"deploy",
}

// BlockedToken reports the first blocked token found in description,
// case-insensitively.
func BlockedToken(description string) (string, bool) {
	lower := strings.ToLower(description)
	for _, tok := range blockedTokens {
		if strings.Contains(lower, tok) {
			return tok, true
		}
	}
	return "", false
}

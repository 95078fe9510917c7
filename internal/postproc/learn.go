package postproc

import (
	"regexp"

	"github.com/ayatoki/aihub/internal/memstore"
)

// Candidate is one learned-memory entry extracted from a user message.
type Candidate struct {
	Category   string
	Content    string
	Confidence float64
}

// patternFamilies map message shapes to memory categories. Confidence
// reflects how imperative the shape usually is: explicit standing rules
// rank above incidental facts.
var patternFamilies = []struct {
	re         *regexp.Regexp
	category   string
	confidence float64
}{
	{regexp.MustCompile(`(?i)\b(always|never|from now on|must(?: not)?|make sure (?:to|you))\b`), memstore.CategoryRule, 0.9},
	{regexp.MustCompile(`(?i)(\b(that'?s wrong|incorrect|not what i (?:asked|meant)|i said)\b|^no[,.])`), memstore.CategoryCorrection, 0.8},
	{regexp.MustCompile(`(?i)\b(i prefer|i'?d rather|please use|i like it when|use .+ instead)\b`), memstore.CategoryPreference, 0.7},
	{regexp.MustCompile(`(?i)\b(first .+ then|step \d|my (?:usual|daily) workflow|every (?:morning|night|day|week))\b`), memstore.CategoryWorkflow, 0.6},
	{regexp.MustCompile(`(?i)\b(my \w+ is|i (?:am|work|live|use)|we (?:use|run|deploy))\b`), memstore.CategoryFact, 0.6},
}

// ExtractLearned returns at most one candidate per message: the first
// family that matches, in rule > correction > preference > workflow >
// fact priority. The whole message is stored as the content.
func ExtractLearned(message string) []Candidate {
	for _, f := range patternFamilies {
		if f.re.MatchString(message) {
			return []Candidate{{
				Category:   f.category,
				Content:    message,
				Confidence: f.confidence,
			}}
		}
	}
	return nil
}

package council

import (
	"fmt"
	"strings"

	"github.com/ayatoki/aihub/internal/provider"
)

// Seat roles are fixed per back-end so the debate keeps a stable
// temperament across runs.
const (
	RoleDisruptor = "Disruptor"
	RoleRealist   = "Realist"
	RoleHumanizer = "Humanizer"
)

func RoleOf(k provider.Kind) string {
	switch k {
	case provider.Claude:
		return RoleDisruptor
	case provider.Gemini:
		return RoleRealist
	default:
		return RoleHumanizer
	}
}

func rolePreamble(k provider.Kind) string {
	switch RoleOf(k) {
	case RoleDisruptor:
		return "You are the Disruptor. Challenge assumptions, favor bold restructurings, and name what everyone else is too polite to say."
	case RoleRealist:
		return "You are the Realist. Ground every claim in cost, schedule, and failure modes. Reject anything that cannot ship."
	default:
		return "You are the Humanizer. Argue for the people affected: users, operators, maintainers. Flag anything that wins on paper but loses in practice."
	}
}

func proposePrompt(k provider.Kind, topic, memoryPack string) string {
	var b strings.Builder
	b.WriteString(rolePreamble(k))
	b.WriteString("\n\n")
	if strings.TrimSpace(memoryPack) != "" {
		fmt.Fprintf(&b, "AI_MEMORY: %s\n\n", memoryPack)
	}
	fmt.Fprintf(&b, `Topic: %s

Propose a plan. Structure your answer exactly as:
- Title (one line)
- 3 key points
- 5 concrete steps
- 1 top risk
- 1 mitigation for that risk

Stay in role.`, topic)
	return b.String()
}

func critiquePrompt(k provider.Kind, topic, r1Summary string) string {
	var b strings.Builder
	b.WriteString(rolePreamble(k))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, `Topic: %s

Below are all round-1 proposals, including your own. Critique the set:
- 2 genuinely good points
- 2 fatal gaps
- 2 concrete improvements

Proposals:
%s`, topic, r1Summary)
	return b.String()
}

func synthesisPrompt(topic string, round1, round2 []provider.Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You chair a three-seat council that just debated: %s

Synthesize the debate into a final answer with exactly these sections:
- 3 points of consensus
- 3 points of disagreement, each with the reason you kept or dropped it
- Final proposal: purpose, design, operations, next move
- 5 TODOs for the next 24 hours

`, topic)
	b.WriteString("## Round 1 proposals\n")
	writeResponses(&b, round1)
	b.WriteString("\n## Round 2 critiques\n")
	writeResponses(&b, round2)
	return b.String()
}

func writeResponses(b *strings.Builder, responses []provider.Response) {
	for _, r := range responses {
		if strings.TrimSpace(r.Output) == "" {
			continue
		}
		fmt.Fprintf(b, "### %s (%s)\n%s\n\n", RoleOf(r.Provider), r.Provider.DisplayName(), r.Output)
	}
}

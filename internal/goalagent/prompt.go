package goalagent

import (
	"strings"

	"github.com/maitred-ai/maitre/pkg/memtree"
)

// systemPrompt assembles the goal-scoped system prompt: identity, objective,
// tactics, the mandatory information still missing, and a projection of what
// the session already knows.
func systemPrompt(req Request) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(req.Profile.Identity))

	sb.WriteString("\n\n## Current objective\n")
	sb.WriteString(strings.TrimSpace(req.Goal.Description))

	if len(req.Tactics) > 0 {
		sb.WriteString("\n\n## Tactics\n")
		for _, t := range req.Tactics {
			sb.WriteString("- ")
			sb.WriteString(strings.TrimSpace(t))
			sb.WriteByte('\n')
		}
	}

	if missing := missingPaths(req); len(missing) > 0 {
		sb.WriteString("\n## Information you still need to obtain\n")
		for _, p := range missing {
			sb.WriteString("- ")
			sb.WriteString(p)
			sb.WriteByte('\n')
		}
	}

	if proj := req.Session.MemoryProjection(); proj != "" {
		sb.WriteString("\n## What you already know\n")
		sb.WriteString(proj)
		sb.WriteByte('\n')
	}

	sb.WriteString("\n## Rules\n")
	sb.WriteString("- Never ask for information listed under \"What you already know\".\n")
	sb.WriteString("- Use the available tools to look up and record information; do not invent ids, slots, or records.\n")
	sb.WriteString("- Keep replies short and conversational; they may be spoken aloud.\n")

	return sb.String()
}

// missingPaths returns the goal's mandatory paths not yet set in session
// memory, in declaration order.
func missingPaths(req Request) []string {
	var missing []string
	for _, p := range req.Goal.MandatoryPaths {
		v, ok := memtree.GetPath(req.Session.Memory, p)
		if !ok || !v.IsSet() {
			missing = append(missing, p)
		}
	}
	return missing
}

package memory

import (
	"fmt"
	"strings"
)

// RenderForPrompt turns retrieved memories into the block injected ahead of
// the task. Memories carrying error context keep their top-N slot regardless
// of rank and get a prominent warning section.
func RenderForPrompt(memories []ScoredMemory) string {
	if len(memories) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Relevant Past Experiences\n\n")
	b.WriteString("Similar tasks from memory. Reuse what worked; heed the warnings.\n\n")

	for i, sm := range memories {
		m := sm.Memory
		fmt.Fprintf(&b, "### Memory %d: %s\n", i+1, m.Title)
		fmt.Fprintf(&b, "%s\n\n%s\n", m.Description, m.Content)
		if m.ErrorContext != nil {
			b.WriteString("\n⚠ **WARNING — known failure mode**\n")
			fmt.Fprintf(&b, "- Error type: %s\n", m.ErrorContext.ErrorType)
			fmt.Fprintf(&b, "- Failure pattern: %s\n", m.ErrorContext.FailurePattern)
			if m.ErrorContext.CorrectiveGuidance != "" {
				fmt.Fprintf(&b, "- Corrective guidance: %s\n", m.ErrorContext.CorrectiveGuidance)
			}
		}
		if len(m.PatternTags) > 0 {
			fmt.Fprintf(&b, "\nTags: %s\n", strings.Join(m.PatternTags, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

package orchestrator

import (
	"strings"

	"github.com/rcliao/selah/internal/llm"
	"github.com/rcliao/selah/internal/safety"
)

// moderationCategory maps a flagged provider verdict onto the local
// categories, picking the most severe. Unmapped flags yield safety.None.
func moderationCategory(m llm.Moderation) safety.Category {
	if !m.Flagged {
		return safety.None
	}
	best := safety.None
	for _, name := range m.FlaggedCategories() {
		var c safety.Category
		switch {
		case strings.HasPrefix(name, "self-harm"):
			c = safety.SelfHarm
		case strings.HasPrefix(name, "violence"), name == "harassment/threatening", name == "hate/threatening":
			c = safety.Violence
		case name == "sexual/minors":
			c = safety.Abuse
		default:
			continue
		}
		if c > best {
			best = c
		}
	}
	return best
}

package memory

import (
	"context"
	"regexp"
	"strings"

	"github.com/rcliao/selah/internal/model"
)

type extractRule struct {
	typ  model.MemoryType
	re   *regexp.Regexp
	tags []string
	// format turns the captured phrase into the stored sentence.
	format func(string) string
}

var extractRules = []extractRule{
	{
		typ:    model.MemoryFact,
		re:     regexp.MustCompile(`(?i)\bmy name is ([a-z][a-z'-]+)`),
		tags:   []string{"name"},
		format: func(s string) string { return "User's name is " + strings.ToUpper(s[:1]) + s[1:] },
	},
	{
		typ:    model.MemoryPrayerRequest,
		re:     regexp.MustCompile(`(?i)\b(?:please )?pray(?:ing)? for (.{3,160})`),
		tags:   []string{"prayer"},
		format: func(s string) string { return "Asked for prayer for " + s },
	},
	{
		typ:    model.MemoryLifeEvent,
		re:     regexp.MustCompile(`(?i)\bi(?:'m| am) (?:struggling with|going through|dealing with) (.{3,160})`),
		tags:   []string{"struggle"},
		format: func(s string) string { return "Going through " + s },
	},
	{
		typ:    model.MemoryLifeEvent,
		re:     regexp.MustCompile(`(?i)\bi (?:just )?(?:got married|got engaged|had a baby|lost my job|started a new job|moved to [a-z ]{2,40}|graduated)\b`),
		tags:   []string{"life"},
		format: func(s string) string { return "Life event: " + s },
	},
	{
		typ:    model.MemoryPreference,
		re:     regexp.MustCompile(`(?i)\bi (?:prefer|like to read|love reading|enjoy reading) (.{3,120})`),
		tags:   []string{"preference"},
		format: func(s string) string { return "Prefers " + s },
	},
	{
		typ:    model.MemoryInsight,
		re:     regexp.MustCompile(`(?i)\b(?:i(?:'ve)? (?:learned|realized)|god (?:showed|taught) me) (?:that )?(.{3,160})`),
		tags:   []string{"insight"},
		format: func(s string) string { return "Realized " + s },
	},
}

// Extract derives memories from a user message with phrase heuristics and
// stores the new ones. Facts already stored with the same content are skipped.
func (s *Store) Extract(ctx context.Context, text, conversationID, messageID string) ([]model.Memory, error) {
	var added []model.Memory
	for _, sentence := range splitSentences(text) {
		for _, r := range extractRules {
			loc := r.re.FindStringSubmatchIndex(sentence)
			if loc == nil {
				continue
			}
			phrase := sentence[loc[0]:loc[1]]
			if len(loc) >= 4 && loc[2] >= 0 {
				phrase = sentence[loc[2]:loc[3]]
			}
			phrase = strings.TrimRight(strings.TrimSpace(phrase), ".!?,;")
			if phrase == "" {
				continue
			}
			content := r.format(phrase)
			if s.hasContent(ctx, content) {
				continue
			}
			m, err := s.Add(ctx, model.Memory{
				Type:                 r.typ,
				Content:              content,
				SourceConversationID: conversationID,
				SourceMessageID:      messageID,
				Tags:                 append([]string(nil), r.tags...),
			})
			if err != nil {
				return added, err
			}
			added = append(added, *m)
			break
		}
	}
	if len(added) > 0 {
		s.log.Info().Int("count", len(added)).Str("conversation", conversationID).Msg("extracted memories")
	}
	return added, nil
}

func (s *Store) hasContent(ctx context.Context, content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return false
	}
	for _, m := range s.mems {
		if m.IsActive && strings.EqualFold(m.Content, content) {
			return true
		}
	}
	return false
}

var sentenceEnd = regexp.MustCompile(`[.!?\n]+\s*`)

func splitSentences(text string) []string {
	var out []string
	for _, p := range sentenceEnd.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

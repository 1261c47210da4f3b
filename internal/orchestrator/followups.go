package orchestrator

import (
	"regexp"
	"strings"

	"github.com/rcliao/selah/internal/llm"
	"github.com/rcliao/selah/internal/model"
)

// FollowUpCount is how many follow-up questions accompany an answer.
const FollowUpCount = 3

const followUpSystem = "Suggest exactly 3 short follow-up questions the user might ask next about this Bible study topic. " +
	"Write one question per line with no numbering and no other text."

func followUpRequest(chatModel, question, answer string) llm.ChatRequest {
	answer = truncateRunes(answer, followUpAnswerRunes)
	return llm.ChatRequest{
		Model: chatModel,
		Messages: []llm.Message{
			{Role: "system", Content: followUpSystem},
			{Role: "user", Content: "Question: " + question + "\n\nAnswer: " + answer},
		},
		MaxTokens: TypeFollowUp.Budget(),
	}
}

const followUpAnswerRunes = 2000

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

var listMarker = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s*`)

// ParseFollowUps extracts up to FollowUpCount questions from a model reply.
func ParseFollowUps(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, line := range strings.Split(text, "\n") {
		q := listMarker.ReplaceAllString(line, "")
		q = strings.Trim(strings.TrimSpace(q), `"'“”`)
		if len(q) < 8 {
			continue
		}
		if !strings.HasSuffix(q, "?") {
			q = strings.TrimRight(q, ".!") + "?"
		}
		key := strings.ToLower(q)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
		if len(out) == FollowUpCount {
			break
		}
	}
	return out
}

var topicFollowUps = []struct {
	words    []string
	question string
}{
	{[]string{"pray", "prayer"}, "How can I grow in my prayer life?"},
	{[]string{"forgive", "forgiveness"}, "What does Jesus teach about forgiving others?"},
	{[]string{"grace"}, "How is grace different from what we earn?"},
	{[]string{"faith", "believe", "doubt"}, "How can I strengthen my faith when I have doubts?"},
	{[]string{"love"}, "What does it look like to love others the way God loves us?"},
	{[]string{"anxiety", "anxious", "worry", "fear", "afraid"}, "What does the Bible say about handling worry and fear?"},
	{[]string{"hope"}, "Where can I find hope in Scripture during hard times?"},
	{[]string{"grief", "suffering", "pain", "loss"}, "How does God meet us in suffering?"},
	{[]string{"salvation", "saved", "eternal"}, "What does the Bible teach about salvation?"},
	{[]string{"sin", "temptation"}, "How can I resist temptation?"},
}

var genericFollowUps = []string{
	"How can I apply this to my life today?",
	"What other passages speak to this?",
	"What did this mean to the original audience?",
}

// FallbackFollowUps derives follow-ups locally from the cited passages and the
// topics named in the question and answer. The output is deterministic.
func FallbackFollowUps(question, answer string, citations []model.Citation) []string {
	var out []string
	add := func(q string) {
		for _, existing := range out {
			if strings.EqualFold(existing, q) {
				return
			}
		}
		if len(out) < FollowUpCount {
			out = append(out, q)
		}
	}

	if len(citations) > 0 {
		c := citations[0]
		add("What is the context around " + c.Canonical() + "?")
		if c.BookName != "" {
			add("How does " + c.Canonical() + " fit into the message of " + c.BookName + "?")
		}
	}

	words := wordsOf(question + " " + answer)
	for _, t := range topicFollowUps {
		for _, w := range t.words {
			if words[w] {
				add(t.question)
				break
			}
		}
	}
	for _, q := range genericFollowUps {
		add(q)
	}
	return out
}

// fillFollowUps tops parsed up to FollowUpCount from fallback.
func fillFollowUps(parsed, fallback []string) []string {
	out := append([]string(nil), parsed...)
	for _, q := range fallback {
		if len(out) >= FollowUpCount {
			break
		}
		dup := false
		for _, e := range out {
			if strings.EqualFold(e, q) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, q)
		}
	}
	return out
}

func wordsOf(text string) map[string]bool {
	set := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	}) {
		set[w] = true
	}
	return set
}

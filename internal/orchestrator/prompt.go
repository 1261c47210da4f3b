package orchestrator

import (
	"fmt"
	"strings"

	"github.com/rcliao/selah/internal/llm"
	"github.com/rcliao/selah/internal/model"
)

// RequestType selects the answer style and its token budget.
type RequestType string

const (
	TypeNormal       RequestType = "normal"
	TypeDeeper       RequestType = "deeper"
	TypeShorter      RequestType = "shorter"
	TypeContinuation RequestType = "continuation"
	TypeFollowUp     RequestType = "follow_up"
)

// Budget is the max_completion_tokens sent for this request type.
func (t RequestType) Budget() int {
	switch t {
	case TypeDeeper:
		return 2400
	case TypeShorter:
		return 400
	case TypeFollowUp:
		return 800
	default:
		return 1200
	}
}

// Valid reports whether t is a known type. The empty type means normal.
func (t RequestType) Valid() bool {
	switch t {
	case "", TypeNormal, TypeDeeper, TypeShorter, TypeContinuation, TypeFollowUp:
		return true
	}
	return false
}

const persona = "You are Selah, a Bible study companion. Ground what you say in Scripture, " +
	"cite passages as Book Chapter:Verse, and never invent verses or quote text you were not given. " +
	"When Christians disagree on a point, say so and describe the main views fairly."

var toneInstructions = map[string]string{
	"warm":      "Speak warmly and personally, like a friend who knows the Bible well.",
	"scholarly": "Speak with a scholarly register: historical context, original-language notes and cross references where they help.",
	"concise":   "Be brief and direct.",
	"pastoral":  "Speak gently and pastorally, with encouragement and practical application.",
}

const compassionAddendum = "The user may be grieving or hurting. Acknowledge their pain first, " +
	"be gentle, avoid clichés, and offer comfort before teaching."

var typeInstructions = map[RequestType]string{
	TypeNormal:       "Answer clearly in a few short paragraphs.",
	TypeDeeper:       "Go deeper than usual: historical and literary context, key words in the original language, and related passages.",
	TypeShorter:      "Answer in two or three sentences.",
	TypeContinuation: "Continue your previous answer exactly where it stopped. Do not repeat what you already wrote.",
	TypeFollowUp:     "Answer the follow-up question, building on the conversation so far.",
}

const (
	groundingHeader   = "Verified Scripture (quote these verbatim when you use them):"
	paraphrasedHeader = "Passages named without verified text (refer to them, but do not quote them):"
	searchHeader      = "Possibly relevant passages:"
	memoryHeader      = "What you remember about this user (use only when it helps; never recite it back):"
)

// PromptInput is everything the prompt is built from.
type PromptInput struct {
	Type          RequestType
	Tone          string
	Compassionate bool
	Grounding     model.GroundingContext
	// Memories are included only when IncludeMemory is set.
	Memories      []model.Memory
	IncludeMemory bool
	History       []model.Message
	Question      string
}

// BuildPrompt assembles the chat messages: one system message followed by the
// recent history and the user's question.
func BuildPrompt(in PromptInput) []llm.Message {
	t := in.Type
	if t == "" {
		t = TypeNormal
	}

	var sys strings.Builder
	sys.WriteString(persona)
	tone, ok := toneInstructions[in.Tone]
	if !ok {
		tone = toneInstructions["warm"]
	}
	sys.WriteString("\n\n" + tone)
	if in.Compassionate {
		sys.WriteString("\n\n" + compassionAddendum)
	}

	writeGrounding(&sys, in.Grounding)

	if in.IncludeMemory && len(in.Memories) > 0 {
		sys.WriteString("\n\n" + memoryHeader)
		for _, m := range in.Memories {
			fmt.Fprintf(&sys, "\n- (%s) %s", m.Type, m.Content)
		}
	}

	sys.WriteString("\n\n" + typeInstructions[t])

	msgs := []llm.Message{{Role: string(model.RoleSystem), Content: sys.String()}}
	for _, h := range in.History {
		if h.Role == model.RoleSystem || strings.TrimSpace(h.Content) == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: string(h.Role), Content: h.Content})
	}
	q := strings.TrimSpace(in.Question)
	if t == TypeContinuation && q == "" {
		q = "Please continue."
	}
	return append(msgs, llm.Message{Role: string(model.RoleUser), Content: q})
}

func writeGrounding(b *strings.Builder, g model.GroundingContext) {
	var verified, paraphrased []model.Citation
	for _, c := range g.Citations {
		switch c.Status {
		case model.StatusVerified:
			verified = append(verified, c)
		case model.StatusParaphrased, model.StatusUnresolved:
			paraphrased = append(paraphrased, c)
		}
	}
	if len(verified) > 0 {
		b.WriteString("\n\n" + groundingHeader)
		for _, c := range verified {
			fmt.Fprintf(b, "\n- %s (%s): \"%s\"", c.Canonical(), c.TranslationID, c.Text())
		}
	}
	if len(paraphrased) > 0 {
		b.WriteString("\n\n" + paraphrasedHeader)
		for _, c := range paraphrased {
			b.WriteString("\n- " + c.Canonical())
		}
	}
	if len(g.SearchResults) > 0 {
		b.WriteString("\n\n" + searchHeader)
		for _, h := range g.SearchResults {
			fmt.Fprintf(b, "\n- %s: \"%s\"", h.Reference, h.Text)
		}
	}
}

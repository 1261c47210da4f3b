// Package safety classifies user messages into risk categories before any
// model call is made.
package safety

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// Category is a risk class. Values are ordered by severity.
type Category int

const (
	None Category = iota
	GriefLoss
	MedicalEmergency
	Abuse
	Violence
	SelfHarm
)

var categoryNames = map[Category]string{
	None:             "none",
	GriefLoss:        "grief_loss",
	MedicalEmergency: "medical_emergency",
	Abuse:            "abuse",
	Violence:         "violence",
	SelfHarm:         "self_harm",
}

func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return "unknown"
}

// MarshalText encodes the category by name.
func (c Category) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText decodes a category name.
func (c *Category) UnmarshalText(b []byte) error {
	v, ok := ParseCategory(string(b))
	if !ok {
		return fmt.Errorf("unknown safety category %q", b)
	}
	*c = v
	return nil
}

// ParseCategory is the inverse of String.
func ParseCategory(s string) (Category, bool) {
	for c, name := range categoryNames {
		if name == s {
			return c, true
		}
	}
	return None, false
}

// RequiresIntervention reports whether the request must be answered with the
// canned resources instead of a model call.
func (c Category) RequiresIntervention() bool {
	switch c {
	case SelfHarm, Violence, Abuse, MedicalEmergency:
		return true
	}
	return false
}

// RequiresCompassionateResponse reports whether the reply should take a gentler tone.
func (c Category) RequiresCompassionateResponse() bool { return c != None }

// Assessment is the detailed outcome of a classification.
type Assessment struct {
	Category Category `json:"category"`
	// Matched is the keyword phrase that decided the category.
	Matched string `json:"matched,omitempty"`
	// Masked lists figurative idioms whose spans were ignored when matching.
	Masked []string `json:"masked,omitempty"`
}

// Classifier holds the keyword tables. The zero value is not usable; use New.
type Classifier struct {
	// checked in precedence order
	rules   []rule
	grief   []string
	idioms  []string
	cues    []string
	emoji   []string
	context []string
}

type rule struct {
	category Category
	phrases  []string
}

// New returns a classifier with the built-in English keyword tables.
func New() *Classifier {
	return &Classifier{
		rules: []rule{
			{SelfHarm, selfHarmPhrases},
			{Violence, violencePhrases},
			{Abuse, abusePhrases},
			{MedicalEmergency, medicalPhrases},
		},
		grief:   griefPhrases(),
		idioms:  figurativeIdioms,
		cues:    nonLiteralCues,
		emoji:   laughterEmoji,
		context: casualMarkers,
	}
}

var defaultClassifier = New()

// Classify categorizes text with the default classifier.
func Classify(text string) Category { return defaultClassifier.Classify(text) }

// ClassifyWithContext categorizes text, treating casual markers in the most
// recent history turns as non-literal cues.
func ClassifyWithContext(text string, history []string) Category {
	return defaultClassifier.ClassifyWithContext(text, history)
}

// Classify categorizes a single message.
func (c *Classifier) Classify(text string) Category {
	return c.Assess(text, nil).Category
}

// ClassifyWithContext categorizes text using up to the last 3 history turns as context.
func (c *Classifier) ClassifyWithContext(text string, history []string) Category {
	return c.Assess(text, history).Category
}

// HistoryWindow is how many prior turns are scanned for casual markers.
const HistoryWindow = 3

// Assess runs the full classification and reports what matched.
func (c *Classifier) Assess(text string, history []string) Assessment {
	lower := strings.ToLower(text)
	padded := pad(lower)

	cued := c.hasCue(lower, padded)
	if !cued && len(history) > 0 {
		start := len(history) - HistoryWindow
		if start < 0 {
			start = 0
		}
		for _, h := range history[start:] {
			hl := strings.ToLower(h)
			hp := pad(hl)
			if c.hasCue(hl, hp) || containsAny(hp, c.context) != "" {
				cued = true
				break
			}
		}
	}

	var a Assessment
	var spans []span
	if cued {
		spans, a.Masked = idiomSpans(padded, c.idioms)
	}

	for _, r := range c.rules {
		if m := firstOutside(padded, r.phrases, spans); m != "" {
			a.Category, a.Matched = r.category, m
			return a
		}
	}

	// Grief has no figurative reading, so it is matched on the unmasked text.
	if m := containsAny(padded, c.grief); m != "" {
		a.Category, a.Matched = GriefLoss, m
	}
	return a
}

func (c *Classifier) hasCue(lower, padded string) bool {
	if containsAny(padded, c.cues) != "" {
		return true
	}
	for _, e := range c.emoji {
		if strings.Contains(lower, e) {
			return true
		}
	}
	return false
}

// pad reduces text to space-separated words with a leading and trailing space,
// so phrases can be matched on word boundaries with strings.Contains.
func pad(lower string) string {
	lower = strings.NewReplacer("’", "'", "‘", "'").Replace(lower)
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			return r
		}
		return ' '
	}, lower)
	return " " + strings.Join(strings.Fields(mapped), " ") + " "
}

func containsAny(padded string, phrases []string) string {
	for _, p := range phrases {
		if strings.Contains(padded, " "+p+" ") {
			return p
		}
	}
	return ""
}

// span is a byte range [start, end) of a phrase within padded text.
type span struct{ start, end int }

func (s span) covers(o span) bool { return s.start <= o.start && o.end <= s.end }

// occurrences returns every word-boundary match of phrase in padded.
func occurrences(padded, phrase string) []span {
	needle := " " + phrase + " "
	var out []span
	for off := 0; ; {
		i := strings.Index(padded[off:], needle)
		if i < 0 {
			return out
		}
		start := off + i + 1
		out = append(out, span{start, start + len(phrase)})
		off = start
	}
}

// idiomSpans locates figurative idioms in padded text and returns their
// spans along with the idioms found.
func idiomSpans(padded string, idioms []string) ([]span, []string) {
	var spans []span
	var found []string
	for _, idiom := range idioms {
		occ := occurrences(padded, idiom)
		if len(occ) == 0 {
			continue
		}
		spans = append(spans, occ...)
		found = append(found, idiom)
	}
	return spans, found
}

// firstOutside returns the first phrase with an occurrence not wholly inside
// an idiom span. A crisis phrase that only overlaps an idiom still counts.
func firstOutside(padded string, phrases []string, idioms []span) string {
	for _, p := range phrases {
		for _, o := range occurrences(padded, p) {
			if !slices.ContainsFunc(idioms, func(s span) bool { return s.covers(o) }) {
				return p
			}
		}
	}
	return ""
}

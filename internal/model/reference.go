package model

import (
	"fmt"
	"strings"
)

// Reference is a parsed Scripture reference.
type Reference struct {
	RawInput   string `json:"raw_input"`
	BookID     string `json:"book_id"`
	BookName   string `json:"book_name"`
	Chapter    int    `json:"chapter"`
	VerseStart *int   `json:"verse_start,omitempty"`
	VerseEnd   *int   `json:"verse_end,omitempty"`
}

// Canonical returns the normalized display string used for equality and dedup.
func (r Reference) Canonical() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d", r.BookName, r.Chapter)
	if r.VerseStart != nil {
		fmt.Fprintf(&b, ":%d", *r.VerseStart)
		if r.VerseEnd != nil && *r.VerseEnd != *r.VerseStart {
			fmt.Fprintf(&b, "-%d", *r.VerseEnd)
		}
	}
	return b.String()
}

// ChapterOnly reports whether the reference names no verses.
func (r Reference) ChapterOnly() bool { return r.VerseStart == nil }

// IntPtr is a small helper for optional verse numbers.
func IntPtr(v int) *int { return &v }

// VerificationStatus is the trust state of a citation.
type VerificationStatus string

const (
	StatusUnresolved  VerificationStatus = "unresolved"
	StatusVerified    VerificationStatus = "verified"
	StatusParaphrased VerificationStatus = "paraphrased"
	StatusFailed      VerificationStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s VerificationStatus) Terminal() bool {
	return s == StatusVerified || s == StatusFailed
}

// Citation is a reference extracted from text plus its verification state.
type Citation struct {
	Reference
	TranslationID string             `json:"translation_id"`
	ResolvedText  *string            `json:"resolved_text,omitempty"`
	Status        VerificationStatus `json:"verification_status"`
	Reason        string             `json:"reason,omitempty"`
}

// Text returns the resolved text or "".
func (c Citation) Text() string {
	if c.ResolvedText == nil {
		return ""
	}
	return *c.ResolvedText
}

// SearchHit is a free-text verse search result.
type SearchHit struct {
	Reference string  `json:"reference"`
	Text      string  `json:"text"`
	Score     float64 `json:"score,omitempty"`
}

// GroundingContext is assembled per request and discarded after prompt construction.
type GroundingContext struct {
	Translation   string      `json:"translation"`
	Citations     []Citation  `json:"citations"`
	SearchResults []SearchHit `json:"search_results,omitempty"`
}

// Verified returns only the verified citations, in order.
func (g GroundingContext) Verified() []Citation {
	var out []Citation
	for _, c := range g.Citations {
		if c.Status == StatusVerified {
			out = append(out, c)
		}
	}
	return out
}

// Package reference parses free text into Scripture references and validates
// them against the canonical book/chapter/verse bounds.
package reference

import (
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/rcliao/selah/internal/model"
)

// MaxVerse is a conservative upper bound on verse numbers; no chapter exceeds 176.
const MaxVerse = 180

// ErrNoMatch means the text contains nothing that looks like a reference.
var ErrNoMatch = errors.New("no scripture reference found")

// Kind classifies why a reference is invalid.
type Kind string

const (
	KindUnknownBook       Kind = "unknown_book"
	KindChapterOutOfRange Kind = "chapter_out_of_range"
	KindVerseOutOfRange   Kind = "verse_out_of_range"
	KindMalformed         Kind = "malformed"
)

// ValidationError describes a reference that parsed but cannot exist.
type ValidationError struct {
	Kind   Kind
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// IsInvalid reports whether err is a *ValidationError.
func IsInvalid(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Result is one reference candidate found in text. Err is nil for valid references.
type Result struct {
	Reference model.Reference
	Err       error
	start     int
}

// Valid reports whether the candidate passed validation.
func (r Result) Valid() bool { return r.Err == nil }

// Parser finds and validates references. It is safe for concurrent use.
type Parser struct {
	books    *BookIndex
	patterns []pattern
}

type patternKind int

const (
	patCrossChapter patternKind = iota
	patChapterVerse
	patChapterKeyword
	patChapterOnly
)

type pattern struct {
	kind patternKind
	re   *regexp.Regexp
}

// bookToken matches up to four words ending right before the chapter number.
// Leading words are trimmed off during book resolution.
const bookToken = `\b((?:[1-3]\s?)?[A-Za-z][A-Za-z.]*(?:\s+[A-Za-z][A-Za-z.]*){0,3}?)`

var (
	dashReplacer    = strings.NewReplacer("–", "-", "—", "-", "‒", "-", "−", "-", "‐", "-", "―", "-")
	framingReplacer = strings.NewReplacer("(", " ", ")", " ", "[", " ", "]", " ", ";", " ")
	ordinalFirst    = regexp.MustCompile(`(?i)\b(?:first|1st)\s+([A-Za-z])`)
	ordinalSecond   = regexp.MustCompile(`(?i)\b(?:second|2nd|II)\s+([A-Za-z])`)
	ordinalThird    = regexp.MustCompile(`(?i)\b(?:third|3rd|III)\s+([A-Za-z])`)
	leadIn          = regexp.MustCompile(`(?i)^(?:see|cf\.?|compare|read)\s+`)
)

// NewParser builds a parser over the given book table; nil uses the embedded table.
func NewParser(books *BookIndex) *Parser {
	if books == nil {
		books = DefaultBooks()
	}
	return &Parser{
		books: books,
		patterns: []pattern{
			{patCrossChapter, regexp.MustCompile(bookToken + `\s+(\d{1,3})\s*:\s*(\d{1,3})\s*-\s*(\d{1,3})\s*:\s*(\d{1,3})\b`)},
			{patChapterVerse, regexp.MustCompile(bookToken + `\s+(\d{1,3})\s*:\s*(\d{1,3})(?:\s*-\s*(\d{1,3}))?\b`)},
			{patChapterKeyword, regexp.MustCompile(bookToken + `\s+(?i:chapter)\s+(\d{1,3})\b`)},
			{patChapterOnly, regexp.MustCompile(bookToken + `\s+(\d{1,3})\b`)},
		},
	}
}

// Books exposes the parser's book table.
func (p *Parser) Books() *BookIndex { return p.books }

// Parse returns the first reference in text. Invalid references are returned
// together with a *ValidationError; no candidate at all yields ErrNoMatch.
func (p *Parser) Parse(text string) (model.Reference, error) {
	norm := leadIn.ReplaceAllString(normalize(text), "")
	results := p.scan(norm)
	if len(results) == 0 {
		return model.Reference{}, ErrNoMatch
	}
	return results[0].Reference, results[0].Err
}

// ParseAll returns every valid reference in order of first appearance,
// de-duplicated by canonical string.
func (p *Parser) ParseAll(text string) []model.Reference {
	var out []model.Reference
	for _, r := range p.Scan(text) {
		if r.Valid() {
			out = append(out, r.Reference)
		}
	}
	return out
}

// Scan returns all candidates, valid or not, in order of first appearance.
func (p *Parser) Scan(text string) []Result {
	return p.scan(normalize(text))
}

func (p *Parser) scan(norm string) []Result {
	type span struct{ start, end int }
	var claimed []span
	overlaps := func(s, e int) bool {
		for _, c := range claimed {
			if s < c.end && c.start < e {
				return true
			}
		}
		return false
	}

	var results []Result
	for _, pat := range p.patterns {
		for _, m := range pat.re.FindAllStringSubmatchIndex(norm, -1) {
			res, ok := p.candidate(pat.kind, norm, m)
			if !ok {
				continue
			}
			if overlaps(res.start, m[1]) {
				continue
			}
			claimed = append(claimed, span{res.start, m[1]})
			results = append(results, res)
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].start < results[j].start })

	seen := make(map[string]bool, len(results))
	out := results[:0]
	for _, r := range results {
		key := r.Reference.Canonical()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func (p *Parser) candidate(kind patternKind, norm string, m []int) (Result, bool) {
	token := norm[m[2]:m[3]]
	book, offset, ok := p.resolveBook(token)
	start := m[2] + offset

	if !ok {
		// A capitalised word glued to chapter:verse is reported as an unknown book so
		// hallucinated citations can be filtered with a reason; looser forms are ignored.
		if kind != patChapterVerse && kind != patCrossChapter {
			return Result{}, false
		}
		words := strings.Fields(token)
		last := words[len(words)-1]
		if !startsUpper(last) {
			return Result{}, false
		}
		start = m[3] - len(last)
		ref := model.Reference{RawInput: norm[start:m[1]], BookName: last, Chapter: atoi(norm, m[4], m[5])}
		return Result{
			Reference: ref,
			Err:       &ValidationError{Kind: KindUnknownBook, Reason: "unknown book \"" + last + "\""},
			start:     start,
		}, true
	}

	if kind == patChapterOnly && !startsUpper(strings.TrimLeft(norm[start:m[3]], "123 ")) {
		return Result{}, false
	}

	ref := model.Reference{
		RawInput: norm[start:m[1]],
		BookID:   book.ID,
		BookName: book.Name,
		Chapter:  atoi(norm, m[4], m[5]),
	}
	switch kind {
	case patChapterVerse:
		ref.VerseStart = model.IntPtr(atoi(norm, m[6], m[7]))
		if m[8] >= 0 {
			ref.VerseEnd = model.IntPtr(atoi(norm, m[8], m[9]))
		}
	case patCrossChapter:
		// Ranges spanning chapters are reduced to their starting verse.
		ref.VerseStart = model.IntPtr(atoi(norm, m[6], m[7]))
	}

	return Result{Reference: ref, Err: p.Validate(ref), start: start}, true
}

// resolveBook tries the token's word suffixes, longest first, against the alias
// table and falls back to a prefix match on the final word.
func (p *Parser) resolveBook(token string) (Book, int, bool) {
	words := strings.Fields(token)
	offsets := wordOffsets(token)
	for i := range words {
		if b, ok := p.books.lookupStrict(strings.Join(words[i:], " ")); ok {
			return b, offsets[i], true
		}
	}
	n := len(words)
	if n >= 2 && isOrdinal(words[n-2]) {
		if b, ok := p.books.fuzzy(words[n-2] + strings.ToLower(words[n-1])); ok {
			return b, offsets[n-2], true
		}
	}
	if b, ok := p.books.fuzzy(strings.ToLower(strings.TrimRight(words[n-1], "."))); ok {
		return b, offsets[n-1], true
	}
	return Book{}, 0, false
}

// Validate checks a reference against the canonical bounds.
func (p *Parser) Validate(ref model.Reference) error {
	book, ok := p.books.ByID(ref.BookID)
	if !ok {
		return &ValidationError{Kind: KindUnknownBook, Reason: "unknown book \"" + ref.BookID + "\""}
	}
	if ref.Chapter < 1 || ref.Chapter > book.Chapters {
		return &ValidationError{
			Kind:   KindChapterOutOfRange,
			Reason: book.Name + " has " + strconv.Itoa(book.Chapters) + " chapters; chapter " + strconv.Itoa(ref.Chapter) + " is out of range",
		}
	}
	if ref.VerseStart == nil {
		if ref.VerseEnd != nil {
			return &ValidationError{Kind: KindMalformed, Reason: "verse range end without a start verse"}
		}
		return nil
	}
	if v := *ref.VerseStart; v < 1 || v > MaxVerse {
		return &ValidationError{
			Kind:   KindVerseOutOfRange,
			Reason: "verse " + strconv.Itoa(v) + " is outside 1-" + strconv.Itoa(MaxVerse),
		}
	}
	if ref.VerseEnd != nil {
		e := *ref.VerseEnd
		if e > MaxVerse {
			return &ValidationError{
				Kind:   KindVerseOutOfRange,
				Reason: "verse " + strconv.Itoa(e) + " is outside 1-" + strconv.Itoa(MaxVerse),
			}
		}
		if e < *ref.VerseStart {
			return &ValidationError{
				Kind:   KindMalformed,
				Reason: "verse range ends (" + strconv.Itoa(e) + ") before it starts (" + strconv.Itoa(*ref.VerseStart) + ")",
			}
		}
	}
	return nil
}

func normalize(text string) string {
	s := dashReplacer.Replace(text)
	s = framingReplacer.Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	s = ordinalFirst.ReplaceAllString(s, "1 $1")
	s = ordinalSecond.ReplaceAllString(s, "2 $1")
	s = ordinalThird.ReplaceAllString(s, "3 $1")
	return s
}

func wordOffsets(s string) []int {
	var offs []int
	inWord := false
	for i, r := range s {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			offs = append(offs, i)
			inWord = true
		}
	}
	return offs
}

func isOrdinal(w string) bool { return w == "1" || w == "2" || w == "3" }

func startsUpper(s string) bool {
	for _, r := range s {
		return unicode.IsUpper(r)
	}
	return false
}

func atoi(s string, start, end int) int {
	if start < 0 {
		return 0
	}
	n, _ := strconv.Atoi(s[start:end])
	return n
}

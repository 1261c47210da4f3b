package grounding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rcliao/selah/internal/model"
)

// ErrChapterNotFound is returned by sources that have no text for a chapter.
var ErrChapterNotFound = errors.New("chapter not found")

// Verse is one numbered verse of a chapter.
type Verse struct {
	Number int    `json:"verse"`
	Text   string `json:"text"`
}

// Chapter is the unit fetched from a content source.
type Chapter struct {
	Translation string  `json:"translation"`
	BookID      string  `json:"book_id"`
	Number      int     `json:"chapter"`
	Verses      []Verse `json:"verses"`
}

// Text joins the verses in [start, end]. end < start selects only start.
func (c *Chapter) Text(start, end int) string {
	if end < start {
		end = start
	}
	var parts []string
	for _, v := range c.Verses {
		if v.Number >= start && v.Number <= end {
			if t := strings.TrimSpace(v.Text); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, " ")
}

// ChapterSource fetches canonical chapter text.
type ChapterSource interface {
	FetchChapter(ctx context.Context, translation, bookID string, chapter int) (*Chapter, error)
}

// VerseSearcher is implemented by sources that support free-text search.
type VerseSearcher interface {
	Search(ctx context.Context, translation, query string, limit int) ([]model.SearchHit, error)
}

// HTTPSource reads chapters from a JSON content API:
//
//	GET {base}/{translation}/{book}/{chapter}.json -> {"verses":[{"verse":1,"text":"..."}]}
//	GET {base}/{translation}/search?q=..&limit=n   -> {"results":[{"reference":"..","text":".."}]}
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source rooted at baseURL.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPSource) FetchChapter(ctx context.Context, translation, bookID string, chapter int) (*Chapter, error) {
	u := fmt.Sprintf("%s/%s/%s/%d.json", h.baseURL, url.PathEscape(translation), url.PathEscape(bookID), chapter)
	var body struct {
		Verses []Verse `json:"verses"`
	}
	if err := h.getJSON(ctx, u, &body); err != nil {
		return nil, err
	}
	return &Chapter{Translation: translation, BookID: bookID, Number: chapter, Verses: body.Verses}, nil
}

func (h *HTTPSource) Search(ctx context.Context, translation, query string, limit int) ([]model.SearchHit, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))
	u := fmt.Sprintf("%s/%s/search?%s", h.baseURL, url.PathEscape(translation), q.Encode())
	var body struct {
		Results []model.SearchHit `json:"results"`
	}
	if err := h.getJSON(ctx, u, &body); err != nil {
		return nil, err
	}
	return body.Results, nil
}

func (h *HTTPSource) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("content request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrChapterNotFound
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("content error %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode content response: %w", err)
	}
	return nil
}

// StaticSource serves chapters from memory. It backs tests and bundled
// offline translations.
type StaticSource struct {
	mu       sync.Mutex
	chapters map[string]*Chapter
	fetches  map[string]int
}

// NewStaticSource returns an empty StaticSource.
func NewStaticSource() *StaticSource {
	return &StaticSource{chapters: map[string]*Chapter{}, fetches: map[string]int{}}
}

func staticKey(translation, bookID string, chapter int) string {
	return strings.ToUpper(translation) + "/" + strings.ToUpper(bookID) + "/" + strconv.Itoa(chapter)
}

// AddVerse stores one verse.
func (s *StaticSource) AddVerse(translation, bookID string, chapter, verse int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := staticKey(translation, bookID, chapter)
	c, ok := s.chapters[k]
	if !ok {
		c = &Chapter{Translation: translation, BookID: bookID, Number: chapter}
		s.chapters[k] = c
	}
	c.Verses = append(c.Verses, Verse{Number: verse, Text: text})
}

// Fetches reports how many times a chapter was requested.
func (s *StaticSource) Fetches(translation, bookID string, chapter int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[staticKey(translation, bookID, chapter)]
}

func (s *StaticSource) FetchChapter(ctx context.Context, translation, bookID string, chapter int) (*Chapter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := staticKey(translation, bookID, chapter)
	s.fetches[k]++
	c, ok := s.chapters[k]
	if !ok {
		return nil, ErrChapterNotFound
	}
	cp := *c
	cp.Verses = append([]Verse(nil), c.Verses...)
	return &cp, nil
}

// Search does a case-insensitive substring scan over the loaded verses.
func (s *StaticSource) Search(_ context.Context, translation, query string, limit int) ([]model.SearchHit, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var hits []model.SearchHit
	for _, c := range s.chapters {
		if !strings.EqualFold(c.Translation, translation) {
			continue
		}
		for _, v := range c.Verses {
			if strings.Contains(strings.ToLower(v.Text), q) {
				hits = append(hits, model.SearchHit{
					Reference: c.BookID + " " + strconv.Itoa(c.Number) + ":" + strconv.Itoa(v.Number),
					Text:      v.Text,
					Score:     1,
				})
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Reference < hits[j].Reference })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

package memory

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/rcliao/selah/internal/embedding"
	"github.com/rcliao/selah/internal/model"
)

var typeWeights = map[model.MemoryType]float64{
	model.MemoryPrayerRequest: 1.0,
	model.MemoryLifeEvent:     0.9,
	model.MemoryPreference:    0.7,
	model.MemoryInsight:       0.6,
	model.MemoryFact:          0.5,
}

// Importance scores a memory from its type, recency and access count.
// It increases strictly with both recency and access count.
func Importance(m model.Memory, now time.Time) float64 {
	typeW, ok := typeWeights[m.Type]
	if !ok {
		typeW = 0.5
	}

	// Recency: exponential decay on the last touch, roughly halving every week.
	last := m.LastAccessed
	if last.Before(m.CreatedAt) {
		last = m.CreatedAt
	}
	age := now.Sub(last).Hours() / 24.0
	if age < 0 {
		age = 0
	}
	recency := math.Exp(-0.1 * age)

	// Access frequency: log scale that saturates toward 1.
	l := math.Log1p(float64(m.AccessCount))
	access := l / (1 + l)

	return typeW*0.4 + recency*0.35 + access*0.25
}

// FindRelevant returns up to limit active memories for query: semantic matches
// first, then keyword matches, then the most important of the rest. Every
// returned memory is marked as accessed.
func (s *Store) FindRelevant(ctx context.Context, query string, limit int) ([]model.Memory, error) {
	if limit <= 0 {
		return nil, nil
	}

	// Embed outside the lock; the provider call can be slow.
	var qv embedding.Vector
	if s.index != nil && strings.TrimSpace(query) != "" {
		v, err := s.index.Embed(ctx, query)
		switch {
		case err == nil:
			qv = v
		case errors.Is(err, embedding.ErrNoEmbedder):
		default:
			s.log.Warn().Err(err).Msg("query embedding failed, using keyword ranking only")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return nil, err
	}

	now := s.now()
	var active []int
	for i := range s.mems {
		if s.mems[i].IsActive {
			s.mems[i].ImportanceScore = Importance(s.mems[i], now)
			active = append(active, i)
		}
	}

	picked := make([]int, 0, limit)
	seen := make(map[string]bool, limit)
	take := func(i int) bool {
		id := s.mems[i].ID
		if seen[id] {
			return len(picked) < limit
		}
		seen[id] = true
		picked = append(picked, i)
		return len(picked) < limit
	}

	// 1. semantic
	if len(qv) > 0 {
		hits := embedding.TopK(qv, active, func(i int) embedding.Vector { return s.mems[i].Embedding }, limit, s.thresh)
		for _, h := range hits {
			if !take(h.Item) {
				break
			}
		}
	}

	// 2. keyword
	if len(picked) < limit {
		terms := keywords(query)
		type kwHit struct {
			i     int
			count int
		}
		var kw []kwHit
		for _, i := range active {
			if n := keywordHits(s.mems[i], query, terms); n > 0 {
				kw = append(kw, kwHit{i, n})
			}
		}
		sort.SliceStable(kw, func(a, b int) bool {
			if kw[a].count != kw[b].count {
				return kw[a].count > kw[b].count
			}
			return s.mems[kw[a].i].ImportanceScore > s.mems[kw[b].i].ImportanceScore
		})
		for _, h := range kw {
			if !take(h.i) {
				break
			}
		}
	}

	// 3. importance
	if len(picked) < limit {
		rest := append([]int(nil), active...)
		sort.SliceStable(rest, func(a, b int) bool {
			return s.mems[rest[a]].ImportanceScore > s.mems[rest[b]].ImportanceScore
		})
		for _, i := range rest {
			if !take(i) {
				break
			}
		}
	}

	if len(picked) == 0 {
		observeRetrieved(0)
		return nil, nil
	}

	prev := make([]model.Memory, len(picked))
	out := make([]model.Memory, 0, len(picked))
	for j, i := range picked {
		m := &s.mems[i]
		prev[j] = *m
		m.AccessCount++
		m.LastAccessed = now.UTC()
		m.ImportanceScore = Importance(*m, now)
		out = append(out, m.Clone())
	}
	if err := s.save(ctx); err != nil {
		for j, i := range picked {
			s.mems[i] = prev[j]
		}
		return nil, err
	}
	observeRetrieved(len(out))
	return out, nil
}

// keywordHits counts matching query terms in a memory; a tag or verse named in
// the query also counts.
func keywordHits(m model.Memory, query string, terms []string) int {
	content := strings.ToLower(m.Content)
	lq := strings.ToLower(query)
	n := 0
	for _, t := range terms {
		if strings.Contains(content, t) {
			n++
		}
	}
	for _, tag := range m.Tags {
		if tag != "" && strings.Contains(lq, strings.ToLower(tag)) {
			n++
		}
	}
	for _, v := range m.RelatedVerses {
		if v != "" && strings.Contains(lq, strings.ToLower(v)) {
			n++
		}
	}
	return n
}

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "also": true, "because": true, "been": true,
	"before": true, "being": true, "could": true, "does": true, "doing": true, "from": true,
	"have": true, "here": true, "into": true, "just": true, "like": true, "mean": true,
	"more": true, "should": true, "some": true, "than": true, "that": true, "their": true,
	"them": true, "then": true, "there": true, "these": true, "they": true, "this": true,
	"very": true, "want": true, "what": true, "when": true, "where": true, "which": true,
	"while": true, "with": true, "would": true, "your": true, "tell": true, "help": true,
}

// keywords returns distinct lower-case words of four or more letters that are
// not stopwords.
func keywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	seen := map[string]bool{}
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if len([]rune(f)) < 4 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

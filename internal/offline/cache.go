// Package offline caches answered questions so the assistant can reply
// without a network connection.
package offline

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/rcliao/selah/internal/embedding"
	"github.com/rcliao/selah/internal/metrics"
	"github.com/rcliao/selah/internal/model"
	"github.com/rcliao/selah/internal/store"
)

// Options holds the matching thresholds and size bound.
type Options struct {
	SemanticThreshold  float64
	DuplicateThreshold float64
	FuzzyThreshold     float64
	MaxEntries         int
	Now                func() time.Time
}

// DefaultOptions returns the stock thresholds.
func DefaultOptions() Options {
	return Options{
		SemanticThreshold:  0.85,
		DuplicateThreshold: 0.95,
		FuzzyThreshold:     0.7,
		MaxEntries:         100,
	}
}

// Tier names how a lookup matched.
type Tier string

const (
	TierExact    Tier = "exact"
	TierSemantic Tier = "semantic"
	TierFuzzy    Tier = "fuzzy"
)

// Hit is a successful lookup.
type Hit struct {
	Entry model.CachedResponse `json:"entry"`
	Tier  Tier                 `json:"tier"`
	Score float64              `json:"score"`
}

// Cache is the offline question/answer store persisted under store.KeyOfflineCache.
type Cache struct {
	kv    store.Store
	index *embedding.Index
	opts  Options
	log   zerolog.Logger

	mu      sync.Mutex
	loaded  bool
	entries []model.CachedResponse
}

// New creates a cache. index may be nil, which disables the semantic tier.
func New(kv store.Store, index *embedding.Index, log zerolog.Logger, opts Options) *Cache {
	def := DefaultOptions()
	if opts.SemanticThreshold == 0 {
		opts.SemanticThreshold = def.SemanticThreshold
	}
	if opts.DuplicateThreshold == 0 {
		opts.DuplicateThreshold = def.DuplicateThreshold
	}
	if opts.FuzzyThreshold == 0 {
		opts.FuzzyThreshold = def.FuzzyThreshold
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = def.MaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{kv: kv, index: index, opts: opts, log: log}
}

func (c *Cache) load(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	entries, _, err := store.LoadJSON[[]model.CachedResponse](ctx, c.kv, store.KeyOfflineCache)
	if err != nil {
		return err
	}
	c.entries = entries
	c.loaded = true
	if c.index != nil {
		for _, e := range entries {
			c.index.Remember(e.Question, e.QuestionEmbedding)
		}
	}
	return nil
}

func (c *Cache) save(ctx context.Context) error {
	return store.SaveJSON(ctx, c.kv, store.KeyOfflineCache, c.entries)
}

// Len returns the number of cached entries.
func (c *Cache) Len(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return 0, err
	}
	return len(c.entries), nil
}

// Put stores an answer. When a near-duplicate question is already cached its
// access stats are bumped instead and no entry is added.
func (c *Cache) Put(ctx context.Context, question, answer string) error {
	question = strings.TrimSpace(question)
	if question == "" || strings.TrimSpace(answer) == "" {
		return errors.New("question and answer are required")
	}
	qv := c.embed(ctx, question)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return err
	}

	now := c.opts.Now().UTC()
	norm := Normalize(question)
	for i := range c.entries {
		e := &c.entries[i]
		dup := Normalize(e.Question) == norm
		if !dup && len(qv) > 0 {
			dup = embedding.CosineSimilarity(qv, e.QuestionEmbedding) >= c.opts.DuplicateThreshold
		}
		if dup {
			e.AccessCount++
			e.DateLastAccessed = now
			return c.save(ctx)
		}
	}

	c.entries = append(c.entries, model.CachedResponse{
		ID:                model.NewID(),
		Question:          question,
		QuestionEmbedding: qv,
		Answer:            answer,
		DateCreated:       now,
		DateLastAccessed:  now,
	})
	if len(c.entries) > c.opts.MaxEntries {
		c.prune(now)
	}
	return c.save(ctx)
}

// Get looks a question up through the exact, semantic and fuzzy tiers in order.
func (c *Cache) Get(ctx context.Context, question string) (*Hit, bool) {
	norm := Normalize(question)
	if norm == "" {
		return nil, false
	}

	c.mu.Lock()
	if err := c.load(ctx); err != nil {
		c.mu.Unlock()
		c.log.Warn().Err(err).Msg("load offline cache failed")
		return nil, false
	}
	for i := range c.entries {
		if Normalize(c.entries[i].Question) == norm {
			hit := c.touch(ctx, i, TierExact, 1)
			c.mu.Unlock()
			return hit, true
		}
	}
	c.mu.Unlock()

	// The embed call may hit the network, so it runs unlocked. A failure here
	// usually means we are offline; the semantic tier is skipped.
	qv := c.embed(ctx, question)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(qv) > 0 {
		best, bestScore := -1, 0.0
		for i, e := range c.entries {
			if s := embedding.CosineSimilarity(qv, e.QuestionEmbedding); s >= c.opts.SemanticThreshold && s > bestScore {
				best, bestScore = i, s
			}
		}
		if best >= 0 {
			return c.touch(ctx, best, TierSemantic, bestScore), true
		}
	}

	words := wordSet(norm)
	best, bestScore := -1, 0.0
	for i, e := range c.entries {
		if s := Jaccard(words, wordSet(Normalize(e.Question))); s >= c.opts.FuzzyThreshold && s > bestScore {
			best, bestScore = i, s
		}
	}
	if best >= 0 {
		return c.touch(ctx, best, TierFuzzy, bestScore), true
	}

	metrics.OfflineCacheLookups.WithLabelValues("miss").Inc()
	return nil, false
}

// touch must be called with mu held.
func (c *Cache) touch(ctx context.Context, i int, tier Tier, score float64) *Hit {
	e := &c.entries[i]
	e.AccessCount++
	e.DateLastAccessed = c.opts.Now().UTC()
	if err := c.save(ctx); err != nil {
		c.log.Warn().Err(err).Msg("persist cache access failed")
	}
	metrics.OfflineCacheLookups.WithLabelValues(string(tier)).Inc()
	return &Hit{Entry: *e, Tier: tier, Score: score}
}

func (c *Cache) embed(ctx context.Context, text string) []float32 {
	if c.index == nil {
		return nil
	}
	v, err := c.index.Embed(ctx, text)
	if err != nil {
		if !errors.Is(err, embedding.ErrNoEmbedder) {
			c.log.Debug().Err(err).Msg("question embedding unavailable")
		}
		return nil
	}
	return v
}

// Prune trims the cache to MaxEntries by relevance and returns how many entries were dropped.
func (c *Cache) Prune(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return 0, err
	}
	n := c.prune(c.opts.Now())
	if n == 0 {
		return 0, nil
	}
	return n, c.save(ctx)
}

func (c *Cache) prune(now time.Time) int {
	if len(c.entries) <= c.opts.MaxEntries {
		return 0
	}
	sort.SliceStable(c.entries, func(i, j int) bool {
		return Relevance(c.entries[i], now) > Relevance(c.entries[j], now)
	})
	dropped := len(c.entries) - c.opts.MaxEntries
	c.entries = c.entries[:c.opts.MaxEntries]
	c.log.Debug().Int("dropped", dropped).Msg("pruned offline cache")
	return dropped
}

// Relevance combines recency decay (weight 0.6) and access frequency (weight 0.4).
func Relevance(e model.CachedResponse, now time.Time) float64 {
	days := now.Sub(e.DateLastAccessed).Hours() / 24
	if days < 0 {
		days = 0
	}
	recency := math.Exp(-0.1 * days)
	l := math.Log1p(float64(e.AccessCount))
	freq := l / (1 + l)
	return 0.6*recency + 0.4*freq
}

// Normalize lower-cases text, drops apostrophes, turns other punctuation into
// word breaks and collapses whitespace.
func Normalize(s string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		case r == '\'', r == '’':
			return -1
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}

func wordSet(norm string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(norm) {
		set[w] = struct{}{}
	}
	return set
}

// Jaccard returns |a∩b| / |a∪b|, or 0 when both are empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

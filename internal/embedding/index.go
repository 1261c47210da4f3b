package embedding

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rcliao/selah/internal/metrics"
)

// keyRunes bounds the cache key; longer texts that share a prefix share a vector.
const keyRunes = 512

// DefaultCacheLimit is used when NewIndex is given a non-positive limit.
const DefaultCacheLimit = 500

// Index wraps an Embedder with a bounded in-memory cache.
type Index struct {
	embedder Embedder
	limit    int
	log      zerolog.Logger

	mu    sync.Mutex
	cache map[string]Vector
}

// NewIndex creates an index over e. A nil embedder is allowed; every embed call
// then fails with ErrNoEmbedder while cached lookups keep working.
func NewIndex(e Embedder, limit int, log zerolog.Logger) *Index {
	if limit <= 0 {
		limit = DefaultCacheLimit
	}
	return &Index{
		embedder: e,
		limit:    limit,
		log:      log,
		cache:    make(map[string]Vector),
	}
}

// Available reports whether a provider is configured.
func (x *Index) Available() bool { return x.embedder != nil }

// Len returns the number of cached vectors.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.cache)
}

// Cached returns the cached vector for text without calling the provider.
func (x *Index) Cached(text string) (Vector, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	v, ok := x.cache[cacheKey(text)]
	return v, ok
}

// Remember stores a vector computed elsewhere, e.g. one loaded from persistence.
func (x *Index) Remember(text string, v Vector) {
	if len(v) == 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.put(cacheKey(text), v)
}

// Embed returns the vector for text, consulting the cache first.
func (x *Index) Embed(ctx context.Context, text string) (Vector, error) {
	vs, err := x.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

// EmbedBatch returns vectors aligned with texts. Cached entries are served
// locally and the rest go to the provider in a single call.
func (x *Index) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	out := make([]Vector, len(texts))
	var missIdx []int
	var missText []string

	x.mu.Lock()
	for i, t := range texts {
		if v, ok := x.cache[cacheKey(t)]; ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missText = append(missText, t)
	}
	x.mu.Unlock()

	metrics.EmbeddingCacheLookups.WithLabelValues("hit").Add(float64(len(texts) - len(missIdx)))
	if len(missIdx) == 0 {
		return out, nil
	}
	metrics.EmbeddingCacheLookups.WithLabelValues("miss").Add(float64(len(missIdx)))

	if x.embedder == nil {
		return nil, ErrNoEmbedder
	}
	vs, err := x.embedder.Embed(ctx, missText)
	if err != nil {
		return nil, fmt.Errorf("embed %d texts: %w", len(missText), err)
	}
	if len(vs) != len(missText) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vs), len(missText))
	}

	x.mu.Lock()
	for j, i := range missIdx {
		out[i] = vs[j]
		x.put(cacheKey(missText[j]), vs[j])
	}
	x.mu.Unlock()

	x.log.Debug().Int("requested", len(texts)).Int("embedded", len(missIdx)).Msg("embedded batch")
	return out, nil
}

// put must be called with mu held.
func (x *Index) put(key string, v Vector) {
	if _, ok := x.cache[key]; !ok && len(x.cache) >= x.limit {
		x.evict()
	}
	x.cache[key] = v
}

// evict drops roughly a fifth of the cache. Map iteration order makes the
// choice arbitrary, which is fine since re-embedding is idempotent.
func (x *Index) evict() {
	n := x.limit / 5
	if n < 1 {
		n = 1
	}
	removed := 0
	for k := range x.cache {
		if removed >= n {
			break
		}
		delete(x.cache, k)
		removed++
	}
	metrics.EmbeddingCacheEvictions.Add(float64(removed))
}

func cacheKey(text string) string {
	s := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	r := []rune(s)
	if len(r) > keyRunes {
		r = r[:keyRunes]
	}
	return string(r)
}

// Scored pairs an item with its similarity to a query.
type Scored[T any] struct {
	Item  T
	Score float64
}

// TopK ranks items by cosine similarity to query and returns at most k with a
// score of at least threshold, best first. Items without a vector are skipped.
func TopK[T any](query Vector, items []T, vectorOf func(T) Vector, k int, threshold float64) []Scored[T] {
	if k <= 0 || len(query) == 0 {
		return nil
	}
	var scored []Scored[T]
	for _, it := range items {
		v := vectorOf(it)
		if len(v) == 0 {
			continue
		}
		s := CosineSimilarity(query, v)
		if s < threshold {
			continue
		}
		scored = append(scored, Scored[T]{Item: it, Score: s})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

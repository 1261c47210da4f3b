package offline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/selah/internal/embedding"
	"github.com/rcliao/selah/internal/model"
	"github.com/rcliao/selah/internal/store"
)

// tableEmbedder returns fixed vectors per text and counts provider calls.
type tableEmbedder struct {
	vecs  map[string]embedding.Vector
	calls int
	err   error
}

func (e *tableEmbedder) Embed(_ context.Context, texts []string) ([]embedding.Vector, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([]embedding.Vector, len(texts))
	for i, t := range texts {
		v, ok := e.vecs[t]
		if !ok {
			v = embedding.Vector{0, 0, 1}
		}
		out[i] = v
	}
	return out, nil
}

func (e *tableEmbedder) Dims() int { return 3 }

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

func newCache(t *testing.T, emb embedding.Embedder, opts Options) (*Cache, *fixedClock) {
	t.Helper()
	clk := &fixedClock{t: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	opts.Now = clk.now
	var idx *embedding.Index
	if emb != nil {
		idx = embedding.NewIndex(emb, 100, zerolog.Nop())
	}
	return New(store.NewMemStore(), idx, zerolog.Nop(), opts), clk
}

func TestExactHitWithoutProvider(t *testing.T) {
	ctx := context.Background()
	emb := &tableEmbedder{}
	c, _ := newCache(t, emb, Options{})

	require.NoError(t, c.Put(ctx, "What is grace?", "Unmerited favor."))
	calls := emb.calls

	hit, ok := c.Get(ctx, "what is GRACE")
	require.True(t, ok)
	assert.Equal(t, TierExact, hit.Tier)
	assert.Equal(t, "Unmerited favor.", hit.Entry.Answer)
	assert.Equal(t, calls, emb.calls, "exact hits must not call the provider")
	assert.Equal(t, 1, hit.Entry.AccessCount)
}

func TestSemanticHitReusesCachedEmbedding(t *testing.T) {
	ctx := context.Background()
	emb := &tableEmbedder{vecs: map[string]embedding.Vector{
		"How can I forgive someone who hurt me?":    {1, 0.1, 0},
		"how do i forgive a person that wounded me": {1, 0.15, 0},
	}}
	c, _ := newCache(t, emb, Options{})

	require.NoError(t, c.Put(ctx, "How can I forgive someone who hurt me?", "Start with Colossians 3:13."))

	// first lookup embeds the new phrasing once
	hit, ok := c.Get(ctx, "how do i forgive a person that wounded me")
	require.True(t, ok)
	assert.Equal(t, TierSemantic, hit.Tier)
	assert.GreaterOrEqual(t, hit.Score, 0.85)

	calls := emb.calls
	hit, ok = c.Get(ctx, "how do i forgive a person that wounded me")
	require.True(t, ok)
	assert.Equal(t, TierSemantic, hit.Tier)
	assert.Equal(t, calls, emb.calls, "repeat phrasing reuses the cached embedding")
}

func TestFuzzyHitWhenOffline(t *testing.T) {
	ctx := context.Background()
	emb := &tableEmbedder{}
	c, _ := newCache(t, emb, Options{})

	require.NoError(t, c.Put(ctx, "what does the bible say about anxiety and worry", "Philippians 4:6-7."))
	emb.err = errors.New("network unreachable")

	hit, ok := c.Get(ctx, "what does the bible say about worry and anxiety today")
	require.True(t, ok)
	assert.Equal(t, TierFuzzy, hit.Tier)
	assert.GreaterOrEqual(t, hit.Score, 0.7)

	_, ok = c.Get(ctx, "who wrote the book of hebrews")
	assert.False(t, ok)
}

func TestFuzzyPicksBestCandidate(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, nil, Options{FuzzyThreshold: 0.5})

	require.NoError(t, c.Put(ctx, "how should i pray in the morning", "A"))
	require.NoError(t, c.Put(ctx, "how should i pray at night before sleep", "B"))

	hit, ok := c.Get(ctx, "how should i pray at night")
	require.True(t, ok)
	assert.Equal(t, "B", hit.Entry.Answer)
}

func TestPutNearDuplicateBumpsStats(t *testing.T) {
	ctx := context.Background()
	emb := &tableEmbedder{vecs: map[string]embedding.Vector{
		"Who was Ruth?":        {0, 1, 0},
		"Who exactly was Ruth": {0, 1, 0.01},
	}}
	c, clk := newCache(t, emb, Options{})

	require.NoError(t, c.Put(ctx, "Who was Ruth?", "A Moabite widow."))
	clk.t = clk.t.Add(time.Hour)
	require.NoError(t, c.Put(ctx, "who was ruth", "dup by text"))
	require.NoError(t, c.Put(ctx, "Who exactly was Ruth", "dup by embedding"))

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hit, ok := c.Get(ctx, "Who was Ruth?")
	require.True(t, ok)
	assert.Equal(t, "A Moabite widow.", hit.Entry.Answer)
	assert.Equal(t, 3, hit.Entry.AccessCount)
}

func TestSizeBoundAndPrune(t *testing.T) {
	ctx := context.Background()
	c, clk := newCache(t, nil, Options{MaxEntries: 3})

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Put(ctx, fmt.Sprintf("question number %d", i), "answer"))
		clk.t = clk.t.Add(24 * time.Hour)
	}
	// make the oldest entry popular so it survives
	for i := 0; i < 5; i++ {
		_, ok := c.Get(ctx, "question number 0")
		require.True(t, ok)
	}
	clk.t = clk.t.Add(24 * time.Hour)
	require.NoError(t, c.Put(ctx, "a brand new question", "answer"))

	n, _ := c.Len(ctx)
	assert.Equal(t, 3, n)
	_, ok := c.Get(ctx, "question number 0")
	assert.True(t, ok, "frequently used entry kept")
	_, ok = c.Get(ctx, "a brand new question")
	assert.True(t, ok, "newest entry kept")

	dropped, err := c.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, dropped)
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemStore()
	c := New(kv, nil, zerolog.Nop(), Options{})
	require.NoError(t, c.Put(ctx, "Is doubt a sin?", "Jude 1:22."))

	c2 := New(kv, nil, zerolog.Nop(), Options{})
	hit, ok := c2.Get(ctx, "is doubt a sin")
	require.True(t, ok)
	assert.Equal(t, "Jude 1:22.", hit.Entry.Answer)
}

func TestPutValidation(t *testing.T) {
	c, _ := newCache(t, nil, Options{})
	assert.Error(t, c.Put(context.Background(), " ", "a"))
	assert.Error(t, c.Put(context.Background(), "q", ""))
}

func TestRelevance(t *testing.T) {
	now := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	fresh := model.CachedResponse{DateLastAccessed: now}
	stale := model.CachedResponse{DateLastAccessed: now.Add(-30 * 24 * time.Hour)}
	popular := stale
	popular.AccessCount = 50

	assert.Greater(t, Relevance(fresh, now), Relevance(stale, now))
	assert.Greater(t, Relevance(popular, now), Relevance(stale, now))
	assert.InDelta(t, 0.6, Relevance(fresh, now), 1e-9)
}

func TestNormalizeAndJaccard(t *testing.T) {
	assert.Equal(t, "whats the meaning of john 3 16", Normalize("  What's the meaning of John 3:16?! "))
	assert.Equal(t, "psalm 1 19", Normalize("Psalm 1:19"))
	assert.NotEqual(t, Normalize("Psalm 119"), Normalize("Psalm 11:9"))
	assert.Equal(t, 1.0, Jaccard(wordSet("a b"), wordSet("b a")))
	assert.Equal(t, 0.0, Jaccard(wordSet(""), wordSet("")))
	assert.InDelta(t, 1.0/3.0, Jaccard(wordSet("a b"), wordSet("b c")), 1e-9)
}

func TestExactTierKeepsVerseSeparators(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, nil, Options{})
	require.NoError(t, c.Put(ctx, "What does Psalm 119 say?", "answer about psalm 119"))
	require.NoError(t, c.Put(ctx, "What does Psalm 11:9 say?", "answer about psalm 11:9"))
	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hit, ok := c.Get(ctx, "What does Psalm 11:9 say?")
	require.True(t, ok)
	assert.Equal(t, TierExact, hit.Tier)
	assert.Equal(t, "answer about psalm 11:9", hit.Entry.Answer)

	_, ok = c.Get(ctx, "What does Psalm 1:19 say?")
	assert.False(t, ok, "a different verse must not reuse another passage's answer")
}

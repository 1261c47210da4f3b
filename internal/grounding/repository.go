// Package grounding verifies Scripture citations against a canonical text
// source and assembles the grounding context injected into prompts.
package grounding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rcliao/selah/internal/metrics"
	"github.com/rcliao/selah/internal/model"
	"github.com/rcliao/selah/internal/reference"
)

// DefaultTTL is how long a fetched chapter is reused.
const DefaultTTL = 24 * time.Hour

// fetchConcurrency caps parallel chapter fetches in ResolveBatch.
const fetchConcurrency = 4

// Options tunes a Repository.
type Options struct {
	TTL    time.Duration
	Parser *reference.Parser
	Now    func() time.Time
}

type chapterKey struct {
	translation string
	bookID      string
	chapter     int
}

func (k chapterKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.translation, k.bookID, k.chapter)
}

type cachedChapter struct {
	chapter   *Chapter
	fetchedAt time.Time
}

// Repository resolves citations with a per-chapter TTL cache.
type Repository struct {
	src    ChapterSource
	parser *reference.Parser
	ttl    time.Duration
	now    func() time.Time
	log    zerolog.Logger

	mu    sync.Mutex
	cache map[chapterKey]cachedChapter
	group singleflight.Group
}

// New creates a repository over src.
func New(src ChapterSource, log zerolog.Logger, opts Options) *Repository {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Parser == nil {
		opts.Parser = reference.NewParser(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Repository{
		src:    src,
		parser: opts.Parser,
		ttl:    opts.TTL,
		now:    opts.Now,
		log:    log,
		cache:  make(map[chapterKey]cachedChapter),
	}
}

// ExtractCitations finds every reference in text as an unresolved citation.
// References that fail validation come back failed with the reason.
func (r *Repository) ExtractCitations(text, translation string) []model.Citation {
	var out []model.Citation
	for _, res := range r.parser.Scan(text) {
		c := model.Citation{Reference: res.Reference, TranslationID: translation, Status: model.StatusUnresolved}
		if res.Err != nil {
			c.Status = model.StatusFailed
			c.Reason = res.Err.Error()
		}
		out = append(out, c)
	}
	return out
}

// ResolveCitation resolves a single citation. See ResolveBatch.
func (r *Repository) ResolveCitation(ctx context.Context, c model.Citation, translation string) model.Citation {
	return r.ResolveBatch(ctx, []model.Citation{c}, translation)[0]
}

// ResolveBatch fills resolved text and status for each citation, fetching each
// distinct chapter at most once. Verified and failed citations are returned
// unchanged. A fetch error leaves the citation unresolved.
func (r *Repository) ResolveBatch(ctx context.Context, citations []model.Citation, translation string) []model.Citation {
	out := make([]model.Citation, len(citations))
	copy(out, citations)

	need := make(map[chapterKey][]int)
	for i := range out {
		c := &out[i]
		if c.Status.Terminal() {
			continue
		}
		if c.TranslationID == "" {
			c.TranslationID = translation
		}
		if err := r.parser.Validate(c.Reference); err != nil {
			c.Status = model.StatusFailed
			c.Reason = err.Error()
			continue
		}
		if c.ChapterOnly() {
			c.Status = model.StatusParaphrased
			c.ResolvedText = nil
			continue
		}
		k := chapterKey{translation: c.TranslationID, bookID: c.BookID, chapter: c.Chapter}
		need[k] = append(need[k], i)
	}

	if len(need) > 0 {
		var mu sync.Mutex
		fetched := make(map[chapterKey]*Chapter, len(need))
		failed := make(map[chapterKey]error)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(fetchConcurrency)
		for k := range need {
			k := k
			g.Go(func() error {
				ch, err := r.chapter(gctx, k)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed[k] = err
					return nil
				}
				fetched[k] = ch
				return nil
			})
		}
		_ = g.Wait()

		for k, idxs := range need {
			ch, ok := fetched[k]
			if !ok {
				r.log.Warn().Err(failed[k]).Str("chapter", k.String()).Msg("chapter fetch failed, citation left unresolved")
				continue
			}
			for _, i := range idxs {
				c := &out[i]
				end := *c.VerseStart
				if c.VerseEnd != nil {
					end = *c.VerseEnd
				}
				text := ch.Text(*c.VerseStart, end)
				if text == "" {
					c.Status = model.StatusParaphrased
					c.ResolvedText = nil
					continue
				}
				c.Status = model.StatusVerified
				c.ResolvedText = &text
				c.Reason = ""
			}
		}
	}

	for _, c := range out {
		metrics.CitationsResolved.WithLabelValues(string(c.Status)).Inc()
	}
	return out
}

// chapter returns a cached chapter or fetches it, coalescing concurrent
// fetches of the same chapter.
func (r *Repository) chapter(ctx context.Context, k chapterKey) (*Chapter, error) {
	r.mu.Lock()
	if cc, ok := r.cache[k]; ok && r.now().Sub(cc.fetchedAt) < r.ttl {
		r.mu.Unlock()
		metrics.ChapterFetches.WithLabelValues("hit").Inc()
		return cc.chapter, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(k.String(), func() (any, error) {
		ch, err := r.src.FetchChapter(ctx, k.translation, k.bookID, k.chapter)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[k] = cachedChapter{chapter: ch, fetchedAt: r.now()}
		r.mu.Unlock()
		return ch, nil
	})
	if err != nil {
		metrics.ChapterFetches.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ChapterFetches.WithLabelValues("miss").Inc()
	return v.(*Chapter), nil
}

// BuildGroundingContext parses up to maxRefs references from freeText and
// resolves them. Failed citations are dropped. When the text names no
// reference and the source supports search, the top verse matches are added.
func (r *Repository) BuildGroundingContext(ctx context.Context, freeText, translation string, maxRefs int) (model.GroundingContext, error) {
	gc := model.GroundingContext{Translation: translation}

	refs := r.parser.ParseAll(freeText)
	if maxRefs > 0 && len(refs) > maxRefs {
		refs = refs[:maxRefs]
	}
	if len(refs) > 0 {
		cs := make([]model.Citation, len(refs))
		for i, ref := range refs {
			cs[i] = model.Citation{Reference: ref, TranslationID: translation, Status: model.StatusUnresolved}
		}
		for _, c := range r.ResolveBatch(ctx, cs, translation) {
			if c.Status == model.StatusFailed {
				r.log.Debug().Str("reference", c.Canonical()).Str("reason", c.Reason).Msg("dropping failed citation")
				continue
			}
			gc.Citations = append(gc.Citations, c)
		}
		return gc, ctx.Err()
	}

	if s, ok := r.src.(VerseSearcher); ok && strings.TrimSpace(freeText) != "" {
		hits, err := s.Search(ctx, translation, freeText, 3)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.log.Debug().Err(err).Msg("verse search failed")
		}
		gc.SearchResults = hits
	}
	return gc, ctx.Err()
}

// DropFailed removes failed citations and keeps the rest in order.
func DropFailed(cs []model.Citation) []model.Citation {
	var out []model.Citation
	for _, c := range cs {
		if c.Status != model.StatusFailed {
			out = append(out, c)
		}
	}
	return out
}

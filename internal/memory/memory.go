// Package memory keeps long-term user memories and retrieves the ones
// relevant to a message by combining semantic, keyword and importance ranking.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcliao/selah/internal/embedding"
	"github.com/rcliao/selah/internal/metrics"
	"github.com/rcliao/selah/internal/model"
	"github.com/rcliao/selah/internal/reference"
	"github.com/rcliao/selah/internal/store"
)

// ErrNotFound is returned for unknown memory ids.
var ErrNotFound = errors.New("memory not found")

// DefaultSemanticThreshold is the minimum cosine similarity for a semantic hit.
const DefaultSemanticThreshold = 0.3

// Options tunes a Store.
type Options struct {
	SemanticThreshold float64
	Parser            *reference.Parser
	Now               func() time.Time
}

// Store manages the memory list persisted under store.KeyMemories.
type Store struct {
	kv     store.Store
	index  *embedding.Index
	parser *reference.Parser
	log    zerolog.Logger
	now    func() time.Time
	thresh float64

	mu     sync.Mutex
	loaded bool
	mems   []model.Memory
}

// New creates a memory store. index may be nil, which disables the semantic tier.
func New(kv store.Store, index *embedding.Index, log zerolog.Logger, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Parser == nil {
		opts.Parser = reference.NewParser(nil)
	}
	if opts.SemanticThreshold == 0 {
		opts.SemanticThreshold = DefaultSemanticThreshold
	}
	return &Store{
		kv:     kv,
		index:  index,
		parser: opts.Parser,
		log:    log,
		now:    opts.Now,
		thresh: opts.SemanticThreshold,
	}
}

// load must be called with mu held.
func (s *Store) load(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	mems, _, err := store.LoadJSON[[]model.Memory](ctx, s.kv, store.KeyMemories)
	if err != nil {
		return err
	}
	s.mems = mems
	s.loaded = true
	if s.index != nil {
		for _, m := range mems {
			s.index.Remember(m.Content, m.Embedding)
		}
	}
	return nil
}

// save must be called with mu held.
func (s *Store) save(ctx context.Context) error {
	return store.SaveJSON(ctx, s.kv, store.KeyMemories, s.mems)
}

func (s *Store) find(id string) int {
	for i := range s.mems {
		if s.mems[i].ID == id {
			return i
		}
	}
	return -1
}

// Add validates and stores a new memory. ID, timestamps and importance are
// filled in; the content is embedded when a provider is available.
func (s *Store) Add(ctx context.Context, m model.Memory) (*model.Memory, error) {
	m.Content = strings.TrimSpace(m.Content)
	if m.Content == "" {
		return nil, fmt.Errorf("memory content is required")
	}
	if m.Type == "" {
		m.Type = model.MemoryFact
	}
	if !model.ValidMemoryType(m.Type) {
		return nil, fmt.Errorf("invalid memory type %q", m.Type)
	}
	if len(m.RelatedVerses) == 0 {
		for _, ref := range s.parser.ParseAll(m.Content) {
			m.RelatedVerses = append(m.RelatedVerses, ref.Canonical())
		}
	}

	now := s.now().UTC()
	m.ID = model.NewID()
	m.IsActive = true
	m.CreatedAt = now
	m.LastAccessed = now
	m.AccessCount = 0
	if len(m.Embedding) == 0 {
		m.Embedding = s.embed(ctx, m.Content)
	}
	m.ImportanceScore = Importance(m, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	s.mems = append(s.mems, m)
	if err := s.save(ctx); err != nil {
		s.mems = s.mems[:len(s.mems)-1]
		return nil, err
	}
	s.log.Debug().Str("id", m.ID).Str("type", string(m.Type)).Msg("memory added")
	out := m.Clone()
	return &out, nil
}

// embed returns nil when no provider is configured or the call fails; the
// memory stays reachable through keyword and importance ranking.
func (s *Store) embed(ctx context.Context, text string) []float32 {
	if s.index == nil {
		return nil
	}
	v, err := s.index.Embed(ctx, text)
	if err != nil {
		if !errors.Is(err, embedding.ErrNoEmbedder) {
			s.log.Warn().Err(err).Msg("embed memory failed")
		}
		return nil
	}
	return v
}

// Get returns a memory by id, active or not.
func (s *Store) Get(ctx context.Context, id string) (*model.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	i := s.find(id)
	if i < 0 {
		return nil, ErrNotFound
	}
	out := s.mems[i].Clone()
	return &out, nil
}

// Filter narrows List results.
type Filter struct {
	Type            model.MemoryType
	Tag             string
	IncludeInactive bool
	Limit           int
}

// List returns memories ordered by importance, highest first.
func (s *Store) List(ctx context.Context, f Filter) ([]model.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return nil, err
	}

	now := s.now()
	var out []model.Memory
	for _, m := range s.mems {
		if !m.IsActive && !f.IncludeInactive {
			continue
		}
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		if f.Tag != "" && !containsFold(m.Tags, f.Tag) {
			continue
		}
		c := m.Clone()
		c.ImportanceScore = Importance(c, now)
		out = append(out, c)
	}
	sortByImportance(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Update holds optional field changes; nil fields are left untouched.
type Update struct {
	Type          *model.MemoryType
	Content       *string
	Tags          []string
	RelatedVerses []string
}

// Update applies changes to a memory and re-embeds it when the content changes.
func (s *Store) Update(ctx context.Context, id string, u Update) (*model.Memory, error) {
	if u.Type != nil && !model.ValidMemoryType(*u.Type) {
		return nil, fmt.Errorf("invalid memory type %q", *u.Type)
	}
	var vec []float32
	if u.Content != nil {
		c := strings.TrimSpace(*u.Content)
		if c == "" {
			return nil, fmt.Errorf("memory content is required")
		}
		u.Content = &c
		vec = s.embed(ctx, c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	i := s.find(id)
	if i < 0 {
		return nil, ErrNotFound
	}
	prev := s.mems[i].Clone()
	m := &s.mems[i]
	if u.Type != nil {
		m.Type = *u.Type
	}
	if u.Content != nil {
		m.Content = *u.Content
		m.Embedding = vec
	}
	if u.Tags != nil {
		m.Tags = append([]string(nil), u.Tags...)
	}
	if u.RelatedVerses != nil {
		m.RelatedVerses = append([]string(nil), u.RelatedVerses...)
	}
	m.ImportanceScore = Importance(*m, s.now())
	if err := s.save(ctx); err != nil {
		s.mems[i] = prev
		return nil, err
	}
	out := m.Clone()
	return &out, nil
}

// Deactivate soft-deletes a memory; it is kept but never retrieved.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	return s.setActive(ctx, id, false)
}

// Reactivate restores a soft-deleted memory.
func (s *Store) Reactivate(ctx context.Context, id string) error {
	return s.setActive(ctx, id, true)
}

func (s *Store) setActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return err
	}
	i := s.find(id)
	if i < 0 {
		return ErrNotFound
	}
	if s.mems[i].IsActive == active {
		return nil
	}
	s.mems[i].IsActive = active
	if err := s.save(ctx); err != nil {
		s.mems[i].IsActive = !active
		return err
	}
	return nil
}

// Purge permanently removes a memory. An empty id purges every inactive memory.
// It returns the number removed.
func (s *Store) Purge(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return 0, err
	}

	prev := s.mems
	kept := make([]model.Memory, 0, len(s.mems))
	for _, m := range s.mems {
		if (id == "" && !m.IsActive) || (id != "" && m.ID == id) {
			continue
		}
		kept = append(kept, m)
	}
	removed := len(s.mems) - len(kept)
	if id != "" && removed == 0 {
		return 0, ErrNotFound
	}
	if removed == 0 {
		return 0, nil
	}
	s.mems = kept
	if err := s.save(ctx); err != nil {
		s.mems = prev
		return 0, err
	}
	return removed, nil
}

// Search returns active memories whose content, tags or related verses contain
// keyword, case-insensitively, ordered by importance.
func (s *Store) Search(ctx context.Context, keyword string, limit int) ([]model.Memory, error) {
	kw := strings.ToLower(strings.TrimSpace(keyword))
	if kw == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return nil, err
	}

	now := s.now()
	var out []model.Memory
	for _, m := range s.mems {
		if m.IsActive && matchesKeyword(m, kw) {
			c := m.Clone()
			c.ImportanceScore = Importance(c, now)
			out = append(out, c)
		}
	}
	sortByImportance(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// BackfillEmbeddings embeds every active memory that has no vector in one batch.
// It returns how many were updated.
func (s *Store) BackfillEmbeddings(ctx context.Context) (int, error) {
	if s.index == nil || !s.index.Available() {
		return 0, embedding.ErrNoEmbedder
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return 0, err
	}

	var idx []int
	var texts []string
	for i, m := range s.mems {
		if m.IsActive && len(m.Embedding) == 0 {
			idx = append(idx, i)
			texts = append(texts, m.Content)
		}
	}
	if len(idx) == 0 {
		return 0, nil
	}
	vs, err := s.index.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}
	for j, i := range idx {
		s.mems[i].Embedding = vs[j]
	}
	if err := s.save(ctx); err != nil {
		return 0, err
	}
	s.log.Info().Int("count", len(idx)).Msg("backfilled memory embeddings")
	return len(idx), nil
}

func matchesKeyword(m model.Memory, kw string) bool {
	if strings.Contains(strings.ToLower(m.Content), kw) {
		return true
	}
	for _, t := range m.Tags {
		if strings.Contains(strings.ToLower(t), kw) {
			return true
		}
	}
	for _, v := range m.RelatedVerses {
		if strings.Contains(strings.ToLower(v), kw) {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, x := range list {
		if strings.EqualFold(x, s) {
			return true
		}
	}
	return false
}

func sortByImportance(ms []model.Memory) {
	sort.SliceStable(ms, func(i, j int) bool {
		return ms[i].ImportanceScore > ms[j].ImportanceScore
	})
}

func observeRetrieved(n int) { metrics.MemoriesRetrieved.Observe(float64(n)) }

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rcliao/selah/internal/model"
	"github.com/rcliao/selah/internal/store"
)

// ErrUsageExceeded is returned when the daily request limit is reached.
var ErrUsageExceeded = errors.New("daily usage limit reached")

// Tones accepted in Preferences.Tone.
var Tones = []string{"warm", "scholarly", "concise", "pastoral"}

// Settings owns user preferences and the daily usage counter.
type Settings struct {
	kv           store.Store
	defaultLimit int
	now          func() time.Time
	mu           sync.Mutex
}

// NewSettings creates settings over kv. defaultLimit applies when the user has
// not set a limit; 0 means unlimited.
func NewSettings(kv store.Store, defaultLimit int, now func() time.Time) *Settings {
	if now == nil {
		now = time.Now
	}
	return &Settings{kv: kv, defaultLimit: defaultLimit, now: now}
}

// Preferences returns the stored preferences, or the defaults.
func (s *Settings) Preferences(ctx context.Context) (model.Preferences, error) {
	p, found, err := store.LoadJSON[model.Preferences](ctx, s.kv, store.KeyPreferences)
	if err != nil {
		return model.DefaultPreferences(), err
	}
	if !found {
		return model.DefaultPreferences(), nil
	}
	return p, nil
}

// SetPreferences validates and stores p.
func (s *Settings) SetPreferences(ctx context.Context, p model.Preferences) error {
	if p.Tone != "" && !slices.Contains(Tones, p.Tone) {
		return fmt.Errorf("unknown tone %q (want one of %s)", p.Tone, strings.Join(Tones, ", "))
	}
	if p.DailyLimit < 0 {
		return fmt.Errorf("daily limit must not be negative, got %d", p.DailyLimit)
	}
	if strings.TrimSpace(p.Translation) == "" {
		p.Translation = model.DefaultPreferences().Translation
	}
	p.Translation = strings.ToUpper(strings.TrimSpace(p.Translation))
	return store.SaveJSON(ctx, s.kv, store.KeyPreferences, p)
}

func (s *Settings) usageKey() string {
	return store.PrefixUsage + s.now().UTC().Format("2006-01-02")
}

// Usage returns today's request count.
func (s *Settings) Usage(ctx context.Context) (int, error) {
	n, _, err := store.LoadJSON[int](ctx, s.kv, s.usageKey())
	return n, err
}

func (s *Settings) limit(ctx context.Context) int {
	p, err := s.Preferences(ctx)
	if err == nil && p.DailyLimit > 0 {
		return p.DailyLimit
	}
	return s.defaultLimit
}

// CheckUsage returns ErrUsageExceeded when today's count has reached the limit.
func (s *Settings) CheckUsage(ctx context.Context) error {
	limit := s.limit(ctx)
	if limit <= 0 {
		return nil
	}
	n, err := s.Usage(ctx)
	if err != nil {
		return err
	}
	if n >= limit {
		return fmt.Errorf("%w (%d of %d)", ErrUsageExceeded, n, limit)
	}
	return nil
}

// RecordUsage increments today's count and returns the new value.
func (s *Settings) RecordUsage(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.usageKey()
	n, _, err := store.LoadJSON[int](ctx, s.kv, key)
	if err != nil {
		return 0, err
	}
	n++
	return n, store.SaveJSON(ctx, s.kv, key, n)
}

// Package store provides the key-value persistence boundary and its SQLite,
// Redis and in-memory implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key has never been set or was deleted.
var ErrNotFound = errors.New("key not found")

// Store is a byte-oriented key-value store. Values are opaque; callers decide
// the encoding (see LoadJSON and SaveJSON).
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set creates or replaces the value for key.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists keys beginning with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close closes the store.
	Close() error
}

// Well-known keys.
const (
	KeyMemories     = "memories"
	KeyOfflineCache = "offline_cache"
	KeyPreferences  = "preferences"
	PrefixConv      = "conv:"
	PrefixUsage     = "usage:"
)

// LoadJSON decodes the value at key into a new T. A missing key yields the
// zero value and found=false.
func LoadJSON[T any](ctx context.Context, s Store, key string) (v T, found bool, err error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, true, nil
}

// SaveJSON encodes v and stores it at key.
func SaveJSON[T any](ctx context.Context, s Store, key string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

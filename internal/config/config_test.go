package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	t.Setenv("SELAH_DB_PATH", "/tmp/selah-test.db")
	cfg, err := New(zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, "/tmp/selah-test.db", cfg.DBPath)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.BaseDelay)
	assert.Equal(t, 16*time.Second, cfg.MaxDelay)
	assert.Equal(t, 0.85, cfg.CacheSemanticThreshold)
	assert.Equal(t, 0.95, cfg.CacheDuplicateThreshold)
	assert.Equal(t, 0.7, cfg.CacheFuzzyThreshold)
	assert.Equal(t, 100, cfg.CacheMaxEntries)
	assert.Equal(t, 0.3, cfg.MemoryThreshold)
}

func TestNewFromEnv(t *testing.T) {
	t.Setenv("SELAH_STORE_DRIVER", "memory")
	t.Setenv("SELAH_MAX_ATTEMPTS", "3")
	t.Setenv("SELAH_STREAM_IDLE_TIMEOUT", "5s")
	t.Setenv("SELAH_EMBED_PROVIDER", "none")

	cfg, err := New(zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.StreamIdle)
	assert.Empty(t, cfg.DBPath, "db path only defaulted for sqlite")
}

func TestNewRejectsBadValues(t *testing.T) {
	t.Setenv("SELAH_MAX_ATTEMPTS", "many")
	_, err := New(zerolog.Nop())
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"store driver", func(c *Config) { c.StoreDriver = "etcd" }},
		{"embed provider", func(c *Config) { c.EmbedProvider = "cohere" }},
		{"attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"delays", func(c *Config) { c.MaxDelay = c.BaseDelay / 2 }},
		{"threshold", func(c *Config) { c.CacheFuzzyThreshold = 1.5 }},
		{"cache size", func(c *Config) { c.CacheMaxEntries = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewForTesting()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, NewForTesting().Validate())
}

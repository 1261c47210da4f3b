package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
)

// Prefix is the environment variable prefix, e.g. SELAH_DB_PATH.
const Prefix = "SELAH"

// Config holds every tunable of the assistant core.
type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Persistence
	StoreDriver string `envconfig:"STORE_DRIVER" default:"sqlite"`
	DBPath      string `envconfig:"DB_PATH" default:""`
	RedisAddr   string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPass   string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB     int    `envconfig:"REDIS_DB" default:"0"`
	RedisPrefix string `envconfig:"REDIS_PREFIX" default:"selah:"`

	// Completion provider (OpenAI-compatible)
	OpenAIBaseURL    string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com"`
	OpenAIAPIKey     string `envconfig:"OPENAI_API_KEY" default:""`
	ChatModel        string `envconfig:"CHAT_MODEL" default:"gpt-4o-mini"`
	FollowUpModel    string `envconfig:"FOLLOWUP_MODEL" default:"gpt-4o-mini"`
	ModerationModel  string `envconfig:"MODERATION_MODEL" default:"omni-moderation-latest"`
	ModerationEnable bool   `envconfig:"MODERATION_ENABLED" default:"false"`

	// Embeddings
	EmbedProvider   string `envconfig:"EMBED_PROVIDER" default:"openai"`
	EmbedModel      string `envconfig:"EMBED_MODEL" default:"text-embedding-3-small"`
	EmbedDims       int    `envconfig:"EMBED_DIMS" default:"512"`
	OllamaURL       string `envconfig:"OLLAMA_URL" default:"http://localhost:11434"`
	EmbedCacheLimit int    `envconfig:"EMBED_CACHE_LIMIT" default:"500"`

	// Timeouts
	DialTimeout   time.Duration `envconfig:"DIAL_TIMEOUT" default:"10s"`
	HeaderTimeout time.Duration `envconfig:"HEADER_TIMEOUT" default:"30s"`
	StreamIdle    time.Duration `envconfig:"STREAM_IDLE_TIMEOUT" default:"45s"`

	// Retry
	MaxAttempts int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	BaseDelay   time.Duration `envconfig:"BASE_DELAY" default:"1s"`
	MaxDelay    time.Duration `envconfig:"MAX_DELAY" default:"16s"`

	// Content source
	ContentBaseURL string        `envconfig:"CONTENT_BASE_URL" default:"https://bible.helloao.org/api"`
	ChapterTTL     time.Duration `envconfig:"CHAPTER_TTL" default:"24h"`
	MaxGroundRefs  int           `envconfig:"MAX_GROUNDING_REFS" default:"5"`

	// Memory
	MemoryThreshold float64 `envconfig:"MEMORY_SEMANTIC_THRESHOLD" default:"0.3"`
	MemoryLimit     int     `envconfig:"MEMORY_LIMIT" default:"3"`

	// Offline cache
	CacheSemanticThreshold  float64 `envconfig:"CACHE_SEMANTIC_THRESHOLD" default:"0.85"`
	CacheDuplicateThreshold float64 `envconfig:"CACHE_DUPLICATE_THRESHOLD" default:"0.95"`
	CacheFuzzyThreshold     float64 `envconfig:"CACHE_FUZZY_THRESHOLD" default:"0.7"`
	CacheMaxEntries         int     `envconfig:"CACHE_MAX_ENTRIES" default:"100"`

	// Usage
	DailyLimit int `envconfig:"DAILY_LIMIT" default:"0"`

	// HTTP
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
}

// Validate checks enumerations and bounds and fills derived defaults.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("unsupported STORE_DRIVER: %s", c.StoreDriver)
	}
	switch c.EmbedProvider {
	case "openai", "ollama", "none":
	default:
		return fmt.Errorf("unsupported EMBED_PROVIDER: %s", c.EmbedProvider)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BaseDelay <= 0 || c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("invalid backoff delays: base %s, max %s", c.BaseDelay, c.MaxDelay)
	}
	for name, v := range map[string]float64{
		"CACHE_SEMANTIC_THRESHOLD":  c.CacheSemanticThreshold,
		"CACHE_DUPLICATE_THRESHOLD": c.CacheDuplicateThreshold,
		"CACHE_FUZZY_THRESHOLD":     c.CacheFuzzyThreshold,
		"MEMORY_SEMANTIC_THRESHOLD": c.MemoryThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, v)
		}
	}
	if c.CacheMaxEntries < 1 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must be positive, got %d", c.CacheMaxEntries)
	}
	if c.StoreDriver == "sqlite" && c.DBPath == "" {
		c.DBPath = DefaultDBPath()
	}
	return nil
}

// DefaultDBPath returns ~/.selah/selah.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "selah.db"
	}
	return filepath.Join(home, ".selah", "selah.db")
}

// New creates a Config from SELAH_* environment variables.
func New(log zerolog.Logger) (*Config, error) {
	var cfg Config

	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Debug().
		Str("store_driver", cfg.StoreDriver).
		Str("db_path", cfg.DBPath).
		Str("chat_model", cfg.ChatModel).
		Str("embed_provider", cfg.EmbedProvider).
		Str("embed_model", cfg.EmbedModel).
		Bool("api_key_present", cfg.OpenAIAPIKey != "").
		Int("max_attempts", cfg.MaxAttempts).
		Dur("max_delay", cfg.MaxDelay).
		Int("cache_max_entries", cfg.CacheMaxEntries).
		Msg("configuration loaded")

	return &cfg, nil
}

// NewForTesting returns defaults suitable for tests: in-memory store, no network providers.
func NewForTesting() *Config {
	return &Config{
		LogLevel:                "disabled",
		StoreDriver:             "memory",
		EmbedProvider:           "none",
		EmbedDims:               8,
		EmbedCacheLimit:         50,
		ChatModel:               "test-model",
		FollowUpModel:           "test-model",
		MaxAttempts:             5,
		BaseDelay:               time.Millisecond,
		MaxDelay:                16 * time.Millisecond,
		DialTimeout:             time.Second,
		HeaderTimeout:           time.Second,
		StreamIdle:              time.Second,
		ChapterTTL:              24 * time.Hour,
		MaxGroundRefs:           5,
		MemoryThreshold:         0.3,
		MemoryLimit:             3,
		CacheSemanticThreshold:  0.85,
		CacheDuplicateThreshold: 0.95,
		CacheFuzzyThreshold:     0.7,
		CacheMaxEntries:         100,
		HTTPAddr:                ":0",
	}
}

// Package app wires the assistant components together from a Config.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rcliao/selah/internal/config"
	"github.com/rcliao/selah/internal/embedding"
	"github.com/rcliao/selah/internal/grounding"
	"github.com/rcliao/selah/internal/httpapi"
	"github.com/rcliao/selah/internal/llm"
	"github.com/rcliao/selah/internal/logger"
	"github.com/rcliao/selah/internal/memory"
	"github.com/rcliao/selah/internal/offline"
	"github.com/rcliao/selah/internal/orchestrator"
	"github.com/rcliao/selah/internal/reference"
	"github.com/rcliao/selah/internal/retry"
	"github.com/rcliao/selah/internal/safety"
	"github.com/rcliao/selah/internal/store"
)

// App holds the wired components.
type App struct {
	Config       *config.Config
	Log          zerolog.Logger
	KV           store.Store
	LLM          *llm.Client
	Index        *embedding.Index
	Parser       *reference.Parser
	Classifier   *safety.Classifier
	Grounding    *grounding.Repository
	Memory       *memory.Store
	Cache        *offline.Cache
	Orchestrator *orchestrator.Orchestrator
}

// OpenStore opens the key-value backend selected by cfg.StoreDriver.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		return store.NewSQLiteStore(cfg.DBPath)
	case "redis":
		return store.NewRedisStore(ctx, store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	case "memory":
		return store.NewMemStore(), nil
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
}

// New builds every component. The caller must Close the App.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	kv, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &App{Config: cfg, Log: log, KV: kv}
	a.LLM = llm.New(llm.Options{
		BaseURL:         cfg.OpenAIBaseURL,
		APIKey:          cfg.OpenAIAPIKey,
		ChatModel:       cfg.ChatModel,
		EmbedModel:      cfg.EmbedModel,
		EmbedDims:       cfg.EmbedDims,
		ModerationModel: cfg.ModerationModel,
		DialTimeout:     cfg.DialTimeout,
		HeaderTimeout:   cfg.HeaderTimeout,
		StreamIdle:      cfg.StreamIdle,
	}, logger.Component(log, "llm"))

	a.Index = embedding.NewIndex(a.embedder(), cfg.EmbedCacheLimit, logger.Component(log, "embedding"))
	a.Parser = reference.NewParser(nil)
	a.Classifier = safety.New()

	var src grounding.ChapterSource
	if cfg.ContentBaseURL != "" {
		src = grounding.NewHTTPSource(cfg.ContentBaseURL, cfg.HeaderTimeout)
	} else {
		log.Warn().Msg("no content source configured, citations will not verify")
		src = grounding.NewStaticSource()
	}
	a.Grounding = grounding.New(src, logger.Component(log, "grounding"), grounding.Options{
		TTL:    cfg.ChapterTTL,
		Parser: a.Parser,
	})

	a.Memory = memory.New(kv, a.Index, logger.Component(log, "memory"), memory.Options{
		SemanticThreshold: cfg.MemoryThreshold,
		Parser:            a.Parser,
	})
	a.Cache = offline.New(kv, a.Index, logger.Component(log, "offline"), offline.Options{
		SemanticThreshold:  cfg.CacheSemanticThreshold,
		DuplicateThreshold: cfg.CacheDuplicateThreshold,
		FuzzyThreshold:     cfg.CacheFuzzyThreshold,
		MaxEntries:         cfg.CacheMaxEntries,
	})

	var mod orchestrator.Moderator
	if cfg.ModerationEnable && cfg.OpenAIAPIKey != "" {
		mod = a.LLM
	}
	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Completer:     orchestrator.ClientCompleter{Client: a.LLM},
		Moderator:     mod,
		Classifier:    a.Classifier,
		Grounding:     a.Grounding,
		Memory:        a.Memory,
		Cache:         a.Cache,
		Conversations: orchestrator.NewConversationStore(kv, nil),
		Settings:      orchestrator.NewSettings(kv, cfg.DailyLimit, nil),
		Policy: retry.Policy{
			MaxAttempts:          cfg.MaxAttempts,
			BaseDelay:            cfg.BaseDelay,
			MaxDelay:             cfg.MaxDelay,
			RetryableStatusCodes: retry.DefaultPolicy().RetryableStatusCodes,
		},
		ChatModel:     cfg.ChatModel,
		FollowUpModel: cfg.FollowUpModel,
		MaxGroundRefs: cfg.MaxGroundRefs,
		MemoryLimit:   cfg.MemoryLimit,
		Log:           log,
	})

	log.Info().
		Str("store", cfg.StoreDriver).
		Str("embedder", cfg.EmbedProvider).
		Bool("index_available", a.Index.Available()).
		Bool("moderation", mod != nil).
		Msg("assistant ready")
	return a, nil
}

func (a *App) embedder() embedding.Embedder {
	switch a.Config.EmbedProvider {
	case "openai":
		if a.Config.OpenAIAPIKey == "" {
			a.Log.Warn().Msg("OPENAI_API_KEY not set, semantic search disabled")
			return nil
		}
		return a.LLM
	case "ollama":
		return embedding.NewOllamaEmbedder(a.Config.OllamaURL, a.Config.EmbedModel)
	}
	return nil
}

// HTTP returns the HTTP front end over the wired components.
func (a *App) HTTP() *httpapi.Server {
	return httpapi.New(httpapi.Deps{
		Orchestrator: a.Orchestrator,
		Grounding:    a.Grounding,
		Parser:       a.Parser,
		Classifier:   a.Classifier,
		Memory:       a.Memory,
		Log:          a.Log,
	})
}

// Close stops in-flight requests and closes the store.
func (a *App) Close() error {
	var errs []error
	if a.Orchestrator != nil {
		a.Orchestrator.Close()
	}
	if a.KV != nil {
		errs = append(errs, a.KV.Close())
	}
	return errors.Join(errs...)
}

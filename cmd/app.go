package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/codexadarsh/edumentor-fullstack/internal/assembler"
	"github.com/codexadarsh/edumentor-fullstack/internal/config"
	"github.com/codexadarsh/edumentor-fullstack/internal/controller"
	"github.com/codexadarsh/edumentor-fullstack/internal/document"
	"github.com/codexadarsh/edumentor-fullstack/internal/logging"
	"github.com/codexadarsh/edumentor-fullstack/internal/metrics"
	"github.com/codexadarsh/edumentor-fullstack/internal/provider"
	"github.com/codexadarsh/edumentor-fullstack/internal/session"
)

// app holds the components shared by chat and serve.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	store     session.Store
	provider  provider.Provider
	assembler *assembler.Assembler
	extractor *document.Extractor
}

// newApp builds the logger, store, provider and extractor from cfg.
func newApp(ctx context.Context, cfg *config.Config, format logging.Format) (*app, error) {
	logger, err := buildLogger(cfg, format)
	if err != nil {
		return nil, err
	}
	store, err := buildStore(ctx, cfg)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	p, err := buildProvider(ctx, cfg)
	if err != nil {
		store.Close()
		_ = logger.Sync()
		return nil, err
	}
	ext, err := document.NewExtractor(document.Options{
		Backend:  document.Backend(cfg.Document.Backend),
		MaxBytes: cfg.Document.MaxBytes,
		Logger:   logger.Named("document"),
	})
	if err != nil {
		store.Close()
		_ = logger.Sync()
		return nil, err
	}

	m := metrics.New()
	a := &app{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		store:     store,
		provider:  p,
		extractor: ext,
	}
	a.assembler = assembler.New(p, assembler.Options{
		MaxRetries: cfg.MaxRetries,
		Logger:     logger.Named("assembler"),
		Metrics:    m,
	})
	logger.Debug("components ready",
		zap.String("provider", p.Name()),
		zap.String("model", cfg.ResolveModel()),
		zap.String("store", cfg.Store.Driver))
	return a, nil
}

// controllerOptions returns the controller settings for the given user.
func (a *app) controllerOptions(userID, userName string) controller.Options {
	return controller.Options{
		Store:            a.store,
		Assembler:        a.assembler,
		Extractor:        a.extractor,
		UserID:           userID,
		UserName:         userName,
		Model:            a.cfg.ResolveModel(),
		MaxTokens:        a.cfg.MaxTokens,
		Persona:          a.cfg.SystemPrompt,
		AutosaveInterval: a.cfg.AutosaveInterval,
		Logger:           a.logger.Named("controller"),
		Metrics:          a.metrics,
	}
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close session store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func buildLogger(cfg *config.Config, format logging.Format) (*zap.Logger, error) {
	if cfg.Log.Format != "" {
		format = logging.Format(cfg.Log.Format)
	}
	return logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Format:  format,
		Verbose: verbose,
	})
}

// buildProvider creates a Provider instance based on configuration.
func buildProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	name := cfg.Provider
	pc := cfg.GetProviderConfig(name)
	model := cfg.ResolveModel()

	switch name {
	case "gemini":
		return provider.NewGeminiProvider(ctx, pc.APIKey, pc.BaseURL, model)
	case "anthropic":
		return provider.NewAnthropicProvider(pc.APIKey, pc.BaseURL, model), nil
	default:
		// All other providers use OpenAI-compatible API
		baseURL := cfg.ResolveBaseURL()
		if baseURL == "" {
			return nil, fmt.Errorf("unknown provider %q; set providers.%s.base_url in config", name, name)
		}
		return provider.NewOpenAIProvider(pc.APIKey, baseURL, model), nil
	}
}

// buildStore opens the session store selected by store.driver.
func buildStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	sc := cfg.Store
	switch sc.Driver {
	case config.StoreMemory:
		return session.NewMemoryStore(), nil
	case config.StoreJSON:
		path := sc.Path
		if path == "" {
			p, err := session.DefaultJSONPath()
			if err != nil {
				return nil, fmt.Errorf("session file path: %w", err)
			}
			path = p
		}
		return session.NewJSONFileStore(path)
	case config.StorePebble:
		dir := sc.Path
		if dir == "" {
			p, err := session.DefaultDBPath()
			if err != nil {
				return nil, fmt.Errorf("session db path: %w", err)
			}
			dir = filepath.Join(filepath.Dir(p), "sessions.pebble")
		}
		if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
			return nil, fmt.Errorf("create session dir: %w", err)
		}
		return session.NewPebbleStore(dir)
	case config.StorePostgres:
		return session.NewPostgresStore(sc.DSN, session.PostgresOptions{
			MaxOpen: sc.MaxOpenConns,
			MaxIdle: sc.MaxIdleConns,
			MaxLife: sc.ConnMaxLifetime,
		})
	case config.StoreRedis:
		return session.NewRedisStore(ctx, sc.RedisURL)
	default:
		path := sc.Path
		if path == "" {
			p, err := session.DefaultDBPath()
			if err != nil {
				return nil, fmt.Errorf("session db path: %w", err)
			}
			path = p
		}
		return session.NewSQLiteStore(path)
	}
}

// Package app assembles the orchestration stack from configuration. Both the
// API server and the docgen command run on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/jobs"
	"generation-orchestrator/internal/pipeline"
	"generation-orchestrator/internal/provider"
	"generation-orchestrator/internal/provider/gemini"
	"generation-orchestrator/internal/provider/mock"
	"generation-orchestrator/internal/provider/openai"
	"generation-orchestrator/internal/ratelimit"
	"generation-orchestrator/internal/registry"
	"generation-orchestrator/internal/scheduler"
	"generation-orchestrator/internal/store"
	"generation-orchestrator/internal/telemetry"
	"generation-orchestrator/internal/worker"
)

const bucketTTL = time.Hour

// App holds the running components.
type App struct {
	Registry   *registry.Registry
	Generation *jobs.Service
	Sections   *jobs.Service
	Pipeline   *pipeline.Orchestrator
	// Store and TenantLimiter are nil when Postgres or Redis is not configured.
	Store         *store.Store
	TenantLimiter *ratelimit.TokenBucket

	schedulers []*scheduler.Scheduler
	archiver   *store.Archiver
	redis      *redis.Client
	logger     *slog.Logger
	cancel     context.CancelFunc
}

// Build connects optional backends, creates both schedulers and starts the
// background janitor and archiver.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	bg, cancel := context.WithCancel(context.Background())
	a := &App{
		Registry: registry.New(logger, telemetry.JobHook()),
		logger:   logger,
		cancel:   cancel,
	}
	fail := func(err error) (*App, error) {
		_ = a.Close(context.Background())
		return nil, err
	}

	if cfg.Archive.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.Archive.PostgresDSN)
		if err != nil {
			return fail(fmt.Errorf("connect postgres: %w", err))
		}
		a.Store = st
		if cfg.Archive.Migrate {
			if err := st.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("migrations: %w", err))
			}
		}
		a.archiver = store.NewArchiver(st, cfg.Archive.Buffer, logger)
		a.Registry.AddHook(a.archiver)
		// Writes outlive bg so Close can drain the buffer.
		go a.archiver.Run(context.WithoutCancel(ctx))
	}

	var limiters []ratelimit.Limiter
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("connect redis: %w", err))
		}
		a.TenantLimiter = ratelimit.NewTokenBucket(a.redis, cfg.Redis.RateLimitCapacity, cfg.Redis.RateLimitRefill, bucketTTL)
		if cfg.Redis.ProviderKey != "" {
			shared := ratelimit.NewTokenBucket(a.redis, cfg.Redis.ProviderCapacity, cfg.Redis.ProviderRefill, bucketTTL)
			limiters = append(limiters, shared.Keyed(cfg.Redis.ProviderKey))
		}
	}

	p, err := NewProvider(ctx, cfg.Provider, cfg.Retry.AttemptTimeout, logger)
	if err != nil {
		return fail(err)
	}
	backoff := worker.Backoff{Base: cfg.Retry.BaseDelay, Max: cfg.Retry.MaxDelay}

	service := func(name string, sc config.SchedulerConfig) (*jobs.Service, error) {
		sched := scheduler.New(scheduler.Config{
			Name:        name,
			Concurrency: sc.Concurrency,
			IntervalCap: sc.IntervalCap,
			Interval:    sc.Interval,
		}, logger, limiters...)
		a.schedulers = append(a.schedulers, sched)
		if err := telemetry.RegisterScheduler(name, sched); err != nil {
			return nil, fmt.Errorf("register %s metrics: %w", name, err)
		}
		proc := worker.NewProcessor(a.Registry, p, sched, backoff, cfg.Retry.AttemptTimeout, logger)
		return jobs.NewService(a.Registry, sched, proc, logger), nil
	}
	if a.Generation, err = service("generation", cfg.Generation); err != nil {
		return fail(err)
	}
	if a.Sections, err = service("sections", cfg.Sections); err != nil {
		return fail(err)
	}

	a.Pipeline = pipeline.NewOrchestrator(a.Registry, a.Sections, pipeline.Config{
		MaxExperienceSections:     cfg.Pipeline.MaxExperienceSections,
		DefaultExperienceSections: cfg.Pipeline.DefaultExperienceSections,
		MaxRetries:                cfg.Retry.MaxRetries,
		RunTimeout:                cfg.Pipeline.RunTimeout,
	}, logger)

	go a.Registry.RunJanitor(bg, cfg.Janitor.Interval, cfg.Janitor.StaleRetryAge)

	logger.Info("orchestrator ready",
		"provider", cfg.Provider.Kind,
		"generation_concurrency", cfg.Generation.Concurrency,
		"section_concurrency", cfg.Sections.Concurrency,
		"archive", a.Store != nil,
		"redis", a.redis != nil)
	return a, nil
}

// NewProvider builds the provider named by cfg.Kind.
func NewProvider(ctx context.Context, cfg config.ProviderConfig, timeout time.Duration, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.Kind {
	case "", "mock":
		return mock.New(cfg.MockLatency), nil
	case "openai":
		return openai.New(openai.Settings{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     timeout,
		}), nil
	case "gemini":
		g, err := gemini.New(ctx, logger, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("gemini provider: %w", err)
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Kind)
	}
}

// Close stops the schedulers and flushes the archive. In-flight provider
// calls are abandoned once ctx expires.
func (a *App) Close(ctx context.Context) error {
	a.cancel()
	var errs []error
	for _, s := range a.schedulers {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s scheduler: %w", s.Name(), err))
		}
	}
	if a.archiver != nil {
		if err := a.archiver.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush archive: %w", err))
		}
	}
	if a.Store != nil {
		a.Store.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// recalld is the unified memory store daemon: it wires configuration,
// providers, the embedding pipeline, deduplication, the coordinator,
// maintenance, and the HTTP API into one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/recallstack/recall/pkg/api"
	"github.com/recallstack/recall/pkg/config"
	"github.com/recallstack/recall/pkg/dedup"
	"github.com/recallstack/recall/pkg/embedding"
	"github.com/recallstack/recall/pkg/embedding/cache"
	"github.com/recallstack/recall/pkg/embedding/models"
	"github.com/recallstack/recall/pkg/memory/maintenance"
	"github.com/recallstack/recall/pkg/memory/providers"
	"github.com/recallstack/recall/pkg/memory/providers/local"
	"github.com/recallstack/recall/pkg/memory/providers/postgres"
	"github.com/recallstack/recall/pkg/memory/unified"
	"github.com/recallstack/recall/pkg/observability"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional; env vars apply regardless)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "recalld: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewStandardLoggerWithLevel("recalld", parseLevel(cfg.Logging.Level))
	metrics := observability.NewNoopMetricsClient()
	startSpan := observability.NewStartSpanFunc("recall")

	bootCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	// Providers. The primary must come up; the secondary is best-effort.
	registry := providers.NewRegistry()
	primary, err := postgres.New(postgres.Config{
		DSN:             cfg.Providers.Postgres.DSN,
		Name:            cfg.Providers.Postgres.Name,
		Dimension:       cfg.Embedding.Dimension,
		MaxConns:        cfg.Providers.Postgres.MaxConns,
		MinConns:        cfg.Providers.Postgres.MinConns,
		AcquireTimeout:  cfg.Providers.Postgres.AcquireTimeout,
		ConnMaxLifetime: cfg.Providers.Postgres.ConnMaxLifetime,
	}, providers.RolePrimary, logger)
	if err != nil {
		return err
	}
	if err := registry.Register(bootCtx, primary, providers.RolePrimary, cfg.Providers.FailThreshold); err != nil {
		return err
	}
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Warn("provider shutdown reported error", map[string]interface{}{"error": err.Error()})
		}
	}()

	if cfg.Providers.Local.Enabled {
		secondary, err := local.New(local.Config{
			Name:      cfg.Providers.Local.Name,
			Dimension: cfg.Embedding.Dimension,
			Path:      cfg.Providers.Local.Path,
		}, providers.RoleSecondary, logger)
		if err != nil {
			return err
		}
		if err := registry.Register(bootCtx, secondary, providers.RoleSecondary, cfg.Providers.FailThreshold); err != nil {
			logger.Warn("secondary provider unavailable, continuing without it", map[string]interface{}{
				"provider": cfg.Providers.Local.Name,
				"error":    err.Error(),
			})
		}
	}

	// Embedding pipeline: model chain in preference order, cache in front.
	chain, err := buildModelChain(bootCtx, cfg)
	if err != nil {
		return err
	}
	embCache := buildEmbeddingCache(cfg, logger, metrics)
	pipeline, err := embedding.NewPipeline(cfg.Embedding.Dimension, chain, embCache, logger, metrics)
	if err != nil {
		return err
	}

	// Dedup, probing through the primary and auditing into its database.
	dedupService, reviewStore, err := buildDedup(cfg, primary, logger, metrics)
	if err != nil {
		return err
	}

	accessRecorder := maintenance.NewAccessRecorder(0)

	store, err := unified.New(unified.Config{
		EmbeddingDim:    cfg.Embedding.Dimension,
		MaxContentBytes: cfg.Store.MaxContentBytes,
		WriteFailover:   cfg.Store.WriteFailover,
		QueryDeadline:   cfg.Store.QueryDeadline,
		StoreDeadline:   cfg.Store.StoreDeadline,
		AdminDeadline:   cfg.Store.AdminDeadline,
		MirrorQueueSize: cfg.Store.MirrorQueueSize,
	}, unified.Options{
		Registry:  registry,
		Pipeline:  pipeline,
		Dedup:     dedupService,
		Access:    accessRecorder,
		Logger:    logger,
		Metrics:   metrics,
		StartSpan: startSpan,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("store shutdown reported error", map[string]interface{}{"error": err.Error()})
		}
	}()

	if cfg.Store.GraphEnabled {
		store.Subscribe(unified.NewLogNotifier(logger))
	}

	var scheduler *maintenance.Scheduler
	if cfg.Maintenance.Enabled {
		scheduler = maintenance.NewScheduler([]maintenance.Task{
			maintenance.HealthPollTask(registry, logger, metrics),
			maintenance.DecayTask(registry, cfg.Maintenance.DecayRate, cfg.Maintenance.DecayFloor,
				cfg.Maintenance.DecayInterval, logger),
			maintenance.AccessFlushTask(registry, accessRecorder, cfg.Maintenance.FlushInterval),
			maintenance.HashBackfillTask(registry, cfg.Maintenance.BackfillBatch, logger),
			maintenance.ReconcileTask(store, cfg.Maintenance.ReconcileTolerance, logger),
			maintenance.ReviewPruneTask(reviewStore, logger),
			maintenance.CacheStatsTask(pipeline, metrics),
		}, logger, metrics)
		scheduler.Start(context.Background())
		defer scheduler.Stop()
	}

	server := api.NewServer(api.Config{
		ListenAddress: cfg.Server.ListenAddress,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
	}, store, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	return server.Shutdown(shutdownCtx)
}

// buildModelChain assembles the embedding models in preference order:
// Bedrock, OpenAI, then the deterministic pseudo fallback.
func buildModelChain(ctx context.Context, cfg *config.Config) ([]embedding.Model, error) {
	var chain []embedding.Model
	if cfg.Embedding.Bedrock.Enabled {
		model, err := models.NewBedrockModel(ctx, models.BedrockConfig{
			Region:     cfg.Embedding.Bedrock.Region,
			ModelID:    cfg.Embedding.Bedrock.Model,
			Dimensions: cfg.Embedding.Dimension,
		})
		if err != nil {
			return nil, fmt.Errorf("bedrock model: %w", err)
		}
		chain = append(chain, model)
	}
	if cfg.Embedding.OpenAI.Enabled {
		model, err := models.NewOpenAIModel(models.OpenAIConfig{
			APIKey:     cfg.Embedding.OpenAI.APIKey,
			Model:      cfg.Embedding.OpenAI.Model,
			Endpoint:   cfg.Embedding.OpenAI.BaseURL,
			Dimensions: cfg.Embedding.Dimension,
		})
		if err != nil {
			return nil, fmt.Errorf("openai model: %w", err)
		}
		chain = append(chain, model)
	}
	if cfg.Embedding.PseudoFallback {
		chain = append(chain, models.NewPseudoModel(cfg.Embedding.Dimension))
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no embedding models configured")
	}
	return chain, nil
}

// buildEmbeddingCache returns the local LRU, optionally fronting a shared
// Redis tier.
func buildEmbeddingCache(cfg *config.Config, logger observability.Logger, metrics observability.MetricsClient) cache.Cache {
	lru := cache.NewLRUCache(cfg.Embedding.CacheMaxEntries, cfg.Embedding.CacheTTL, metrics)
	if cfg.Embedding.RedisAddress == "" {
		return lru
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Embedding.RedisAddress})
	return cache.NewTieredCache(lru, client, cfg.Embedding.CacheTTL, logger, metrics)
}

// buildDedup wires the dedup service against the primary provider. The
// review log lives in the primary's database.
func buildDedup(cfg *config.Config, primary *postgres.Provider, logger observability.Logger, metrics observability.MetricsClient) (*dedup.Service, *dedup.SQLReviewStore, error) {
	mode, err := dedup.ParseMode(cfg.Dedup.Mode)
	if err != nil {
		return nil, nil, err
	}

	var rules *dedup.RuleEngine
	if cfg.Dedup.RulesFile != "" {
		raw, err := os.ReadFile(cfg.Dedup.RulesFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read dedup rules: %w", err)
		}
		rules, err = dedup.NewRuleEngine(raw)
		if err != nil {
			return nil, nil, err
		}
	}

	reviews := dedup.NewSQLReviewStore(primary.DB(), 90*24*time.Hour)
	if err := reviews.EnsureSchema(context.Background()); err != nil {
		return nil, nil, err
	}

	svc, err := dedup.NewService(dedup.Config{
		Mode:                mode,
		SimilarityThreshold: cfg.Dedup.SimilarityThreshold,
		StrictThreshold:     cfg.Dedup.StrictThreshold,
		ExactMatchOnly:      cfg.Dedup.ExactMatchOnly,
		VectorProbeLimit:    cfg.Dedup.VectorProbeLimit,
	}, primary, primary, reviews, rules, logger, metrics)
	if err != nil {
		return nil, nil, err
	}
	return svc, reviews, nil
}

func parseLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.LogLevelDebug
	case "warn", "warning":
		return observability.LogLevelWarn
	case "error":
		return observability.LogLevelError
	default:
		return observability.LogLevelInfo
	}
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-caisse/internal/config"
	"github.com/noah-isme/backend-caisse/internal/invoicing"
	"github.com/noah-isme/backend-caisse/internal/kv"
	"github.com/noah-isme/backend-caisse/internal/ledger"
	"github.com/noah-isme/backend-caisse/internal/lock"
	"github.com/noah-isme/backend-caisse/internal/obs"
	"github.com/noah-isme/backend-caisse/internal/pending"
	"github.com/noah-isme/backend-caisse/internal/queue"
	"github.com/noah-isme/backend-caisse/internal/resilience"
	"github.com/noah-isme/backend-caisse/internal/sales"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "caisse"), nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	store := kv.NewRedis(redisClient, cfg.QueuePrefix+":")
	guard := lock.Locker{R: redisClient, Prefix: cfg.QueuePrefix + ":lock:", RetryBackoff: cfg.LockRetryBackoff, DefaultTTL: cfg.LockTTL}

	var ledgerStore ledger.Store = &ledger.KVStore{KV: store, Guard: guard, LockTTL: cfg.LockTTL}
	if cfg.UsePostgresLedger() {
		pool := mustInitDatabase(ctx, cfg, logger)
		defer pool.Close()
		ledgerStore = ledger.NewPGStore(pool)
	}

	reconciler := &pending.Reconciler{
		Sales:                   &sales.Store{KV: store, Guard: guard, LockTTL: cfg.LockTTL},
		Ledger:                  ledgerStore,
		Indicators:              cfg.CheckIndicators,
		Concurrency:             cfg.CollectConcurrency,
		TolerateExternalFailure: cfg.TolerateExternalFailure,
		Logger:                  &logger,
	}
	if cfg.InvoicingBaseURL != "" {
		breaker := resilience.NewBreaker(cfg.CircuitMinReqs, cfg.CircuitFailRatio, cfg.CircuitOpenFor).
			WithTarget("invoicing").
			WithLogger(logger)
		reconciler.External = invoicing.NewClient(cfg.InvoicingBaseURL, cfg.InvoicingAPIToken, resilience.HTTPClient{
			Client:      invoicing.NewHTTPClient(cfg.OutboundTimeout),
			Breaker:     breaker,
			BaseBackoff: cfg.RetryBase,
			MaxAttempts: cfg.RetryMaxAttempts,
			Jitter:      cfg.RetryJitter,
			Timeout:     cfg.OutboundTimeout,
			Logger:      &logger,
		})
	}

	collectWorker := queue.Worker{
		R:                 redisClient,
		Prefix:            cfg.QueuePrefix,
		Kind:              pending.CollectTaskKind,
		Concurrency:       cfg.QueueConcurrency,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		RetryBase:         cfg.RetryBase,
		RetryJitter:       cfg.RetryJitter,
		Store:             queue.NewStore(redisClient, cfg.QueuePrefix),
		Logger:            &logger,
		Handler: func(jobCtx context.Context, task queue.Task) error {
			// one batch at a time per id set, even across worker replicas
			return lock.Run(jobCtx, guard, "collect:"+task.IdempotencyKey, cfg.QueueVisibilityTimeout, func(lockCtx context.Context) error {
				return reconciler.HandleCollectTask(lockCtx, task)
			})
		},
	}

	logger.Info().Str("kind", pending.CollectTaskKind).Msg("worker starting")
	if err := collectWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{Slow: 200 * time.Millisecond, Logger: &logger}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

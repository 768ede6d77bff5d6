package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-caisse/internal/cart"
	"github.com/noah-isme/backend-caisse/internal/checkout"
	"github.com/noah-isme/backend-caisse/internal/common"
	"github.com/noah-isme/backend-caisse/internal/config"
	"github.com/noah-isme/backend-caisse/internal/health"
	"github.com/noah-isme/backend-caisse/internal/invoicing"
	"github.com/noah-isme/backend-caisse/internal/kv"
	"github.com/noah-isme/backend-caisse/internal/ledger"
	"github.com/noah-isme/backend-caisse/internal/lock"
	"github.com/noah-isme/backend-caisse/internal/obs"
	"github.com/noah-isme/backend-caisse/internal/pending"
	"github.com/noah-isme/backend-caisse/internal/queue"
	"github.com/noah-isme/backend-caisse/internal/ratelimit"
	"github.com/noah-isme/backend-caisse/internal/resilience"
	"github.com/noah-isme/backend-caisse/internal/sales"
	"github.com/noah-isme/backend-caisse/internal/security"
	"github.com/noah-isme/backend-caisse/internal/settlement"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "caisse")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:    "caisse-api",
			ServiceVersion: version,
			Endpoint:       envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:       envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio:  envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:    cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	redisClient := mustInitRedis(startCtx, cfg, logger, metricsEnabled)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	store := kv.NewRedis(redisClient, cfg.QueuePrefix+":")
	guard := lock.Locker{R: redisClient, Prefix: cfg.QueuePrefix + ":lock:", RetryBackoff: cfg.LockRetryBackoff, DefaultTTL: cfg.LockTTL}

	var pool *pgxpool.Pool
	var ledgerStore ledger.Store = &ledger.KVStore{KV: store, Guard: guard, LockTTL: cfg.LockTTL}
	if cfg.UsePostgresLedger() {
		pool = mustInitDatabase(startCtx, cfg, logger)
		defer pool.Close()
		ledgerStore = ledger.NewPGStore(pool)
	}

	saleStore := &sales.Store{KV: store, Guard: guard, LockTTL: cfg.LockTTL}
	cartSvc := &cart.Service{KV: store, Guard: guard, Discounts: cfg.CategoryDiscounts, TTL: cfg.CartTTL, LockTTL: cfg.LockTTL}
	checkoutSvc := &checkout.Service{
		Carts:     cartSvc,
		Sales:     saleStore,
		Composer:  settlement.NewComposer(cfg.InstallmentTiers),
		Discounts: cfg.CategoryDiscounts,
		Logger:    &logger,
	}

	reconciler := &pending.Reconciler{
		Sales:                   saleStore,
		Ledger:                  ledgerStore,
		Indicators:              cfg.CheckIndicators,
		Concurrency:             cfg.CollectConcurrency,
		TolerateExternalFailure: cfg.TolerateExternalFailure,
		Logger:                  &logger,
	}
	if cfg.InvoicingBaseURL != "" {
		reconciler.External = newInvoicingClient(cfg, logger)
	} else {
		logger.Warn().Msg("invoicing service not configured; external invoices are skipped")
	}

	taskQueue := queue.Enqueuer{R: redisClient, Prefix: cfg.QueuePrefix, DedupTTL: cfg.IdempotencyTTL, MaxAttempts: cfg.QueueMaxAttempts}
	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL, Prefix: cfg.QueuePrefix + ":idem:"}
	collectLimit := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: redisClient, Prefix: cfg.QueuePrefix + ":ratelimit:"},
		Config: ratelimit.Config{
			Key:    ratelimit.RegisterKey("collect"),
			Window: cfg.CollectRateWindow,
			Max:    cfg.CollectRateLimit,
		},
		OnError: func(err error) {
			logger.Warn().Err(err).Msg("rate limiter unavailable")
		},
	}

	cartHandler := &cart.Handler{Svc: cartSvc}
	checkoutHandler := &checkout.Handler{Svc: checkoutSvc}
	ledgerHandler := &ledger.Handler{Store: ledgerStore}
	pendingHandler := &pending.Handler{Svc: reconciler, Queue: taskQueue, Logger: &logger}
	queueAdmin := &queue.AdminHandler{
		Store:             queue.NewStore(redisClient, cfg.QueuePrefix),
		Queue:             taskQueue,
		Logger:            logger,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		DefaultKind:       pending.CollectTaskKind,
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{HSTSMaxAge: envInt("SECURE_HSTS_MAX_AGE", 0)}.Middleware)
	r.Use(security.BodyLimit{Max: int64(envInt("SECURE_MAX_BODY_BYTES", 1<<20))}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", common.IdempotencyHeader, obs.RegisterHeader},
		ExposedHeaders:   []string{"Content-Disposition", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      health.Deps{DB: pool, Redis: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Route("/carts", func(c chi.Router) {
			c.Use(idem.Middleware)
			cartHandler.Routes(c)
		})

		v.Route("/sales", func(s chi.Router) {
			s.Use(idem.Middleware)
			checkoutHandler.Routes(s)
		})

		v.Route("/ledger", ledgerHandler.Routes)

		v.Route("/pending", func(p chi.Router) {
			p.Get("/", pendingHandler.List)
			p.Get("/summary", pendingHandler.Summary)
			p.Get("/export", pendingHandler.Export)
			p.With(collectLimit.Middleware, idem.Middleware).Post("/collect", pendingHandler.Collect)
		})

		v.Route("/admin/queue", queueAdmin.Routes)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Bool("pg_ledger", pool != nil).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

func newInvoicingClient(cfg *config.Config, logger zerolog.Logger) *invoicing.Client {
	breaker := resilience.NewBreaker(cfg.CircuitMinReqs, cfg.CircuitFailRatio, cfg.CircuitOpenFor).
		WithTarget("invoicing").
		WithLogger(logger)
	return invoicing.NewClient(cfg.InvoicingBaseURL, cfg.InvoicingAPIToken, resilience.HTTPClient{
		Client:      invoicing.NewHTTPClient(cfg.OutboundTimeout),
		Breaker:     breaker,
		BaseBackoff: cfg.RetryBase,
		MaxAttempts: cfg.RetryMaxAttempts,
		Jitter:      cfg.RetryJitter,
		Timeout:     cfg.OutboundTimeout,
		Logger:      &logger,
	})
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	if err := ledger.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("migrate ledger")
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{Slow: envDurationMillis("OBS_SLOW_QUERY_MS", 200), Logger: &logger}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "caisse-api"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metrics bool) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
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

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

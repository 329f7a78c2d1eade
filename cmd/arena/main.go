package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"llmarena/internal/aggregator"
	"llmarena/internal/config"
	"llmarena/internal/credentials"
	"llmarena/internal/crypto"
	"llmarena/internal/engine"
	"llmarena/internal/history"
	"llmarena/internal/httpapi"
	"llmarena/internal/metrics"
	"llmarena/internal/orchestrator"
	"llmarena/internal/providers/registry"
	"llmarena/internal/queue"
	"llmarena/internal/quota"
	"llmarena/internal/storage"
	"llmarena/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("store", cfg.Store.Backend).
		Str("quota_store", cfg.Store.QuotaBackend).
		Bool("redis", cfg.Redis.Enabled).
		Msg("starting llmarena")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	catalog := registry.Default()
	if cfg.Provider.RegistryFile != "" {
		if err := catalog.LoadFile(cfg.Provider.RegistryFile); err != nil {
			log.Fatal().Err(err).Msg("failed to load registry file")
		}
	}
	for id, url := range cfg.Provider.BaseURLs {
		catalog.SetBaseURL(id, url)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
	}

	var (
		keys     credentials.Store
		sessions history.Store
		series   quota.Store
	)
	switch cfg.Store.Backend {
	case config.BackendSQL:
		store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize storage")
		}
		defer store.Close()

		keyring, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize keyring")
		}
		sqlKeys := store.Keys(keyring)
		n, err := sqlKeys.Reseal(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to reseal api keys")
		}
		if n > 0 {
			log.Info().Int("keys", n).Str("key_id", keyring.CurrentKeyID()).Msg("api keys resealed")
		}
		keys, sessions = sqlKeys, store.Sessions()
		if cfg.Store.QuotaBackend == config.BackendSQL {
			series = store.Quota()
		}
	default:
		keys, sessions = credentials.NewMemory(), history.NewMemory()
	}
	switch cfg.Store.QuotaBackend {
	case config.BackendRedis:
		series = quota.NewRedis(rdb, cfg.Redis.Prefix)
	case config.BackendMemory:
		series = quota.NewMemory()
	}

	m := metrics.Global()
	httpClient := &http.Client{Timeout: cfg.Provider.ClientTimeout}
	dialer := registry.Dialer{
		Catalog:     catalog,
		HTTPClient:  httpClient,
		MaxRetries:  cfg.Provider.MaxRetries,
		BackoffBase: cfg.Provider.BackoffBase,
	}

	engCfg := engine.Config{
		Orchestrator: orchestrator.New(orchestrator.Config{
			Catalog:      catalog,
			Dialer:       dialer,
			MaxDeadline:  cfg.Run.MaxDeadline,
			SystemPrompt: cfg.Run.SystemPrompt,
			MaxTokens:    cfg.Run.MaxTokens,
			Temperature:  cfg.Run.Temperature,
			Logger:       log.Logger,
			Observe:      m.ObserveCall,
		}),
		Aggregator: aggregator.New(aggregator.Config{
			Pricer:   catalog,
			Quota:    series,
			Ceilings: cfg.Quota.Ceilings,
			Logger:   log.Logger,
		}),
		History:     sessions,
		Credentials: keys,
		Catalog:     catalog,
		Deadline:    cfg.Run.Deadline,
		Metrics:     m,
		Logger:      log.Logger,
	}
	if rdb != nil && cfg.Run.PerHour > 0 {
		engCfg.Limiter = queue.NewRateLimiter(rdb, cfg.Redis.Prefix, cfg.Run.PerHour)
	}
	eng := engine.New(engCfg)

	var jobQueue *queue.StreamQueue
	if rdb != nil {
		jobQueue = queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
	}

	errCh := make(chan error, 2)

	var router chi.Router
	if cfg.AppMode == config.ModeWorker {
		router = chi.NewRouter()
		router.Get(cfg.HTTP.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
	} else {
		apiCfg := httpapi.Config{
			Engine:  eng,
			Catalog: catalog,
			Keys:    keys,
			Tester: credentials.Tester{
				Dialer:  registry.Dialer{Catalog: catalog, HTTPClient: httpClient},
				Models:  catalog,
				Timeout: cfg.Provider.KeyTestTimeout,
			},
			History:    sessions,
			Quota:      series,
			HealthPath: cfg.HTTP.HealthPath,
			Metrics:    m,
			Logger:     log.Logger,
		}
		if jobQueue != nil {
			apiCfg.Queue = jobQueue
		}
		router = httpapi.New(apiCfg).Router()
	}
	router.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if jobQueue != nil && (cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll) {
		w := worker.New(worker.Config{
			Queue:         jobQueue,
			Engine:        eng,
			Dedupe:        queue.NewJobDeduplicator(rdb, cfg.Redis.Prefix, cfg.Redis.JobTTL),
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger,
			Metrics:       m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

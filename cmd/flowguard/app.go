package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/linkflow/flowguard/internal/config"
	"github.com/linkflow/flowguard/internal/observability/metrics"
	"github.com/linkflow/flowguard/internal/observability/tracing"
	"github.com/linkflow/flowguard/internal/retry"
	"github.com/linkflow/flowguard/internal/service"
	"github.com/linkflow/flowguard/internal/store"
	"github.com/linkflow/flowguard/internal/txn"
	"github.com/linkflow/flowguard/internal/workflow"
)

// app holds everything one command invocation needs.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	svc     *service.Service
	closers []func(context.Context) error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if storeFlag != "" {
		cfg.Store.Backend = storeFlag
	}
	if definitionFlag != "" {
		cfg.Definition = definitionFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	a.logger, err = newLogger(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(a.logger)

	a.closers = append(a.closers, tracing.Setup(tracing.TracerConfig{
		Enabled:     cfg.Telemetry.Tracing,
		SampleRatio: cfg.Telemetry.TraceSampling,
		Logger:      a.logger,
	}))

	reg := metrics.NewRegistry(cfg.Telemetry.RuntimeMetrics)
	sm := metrics.NewServiceMetrics(reg)
	if cfg.Telemetry.MetricsAddr != "" {
		a.serveMetrics(reg)
	}

	factory, err := newFactory(cfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	st, mgr, err := a.openStore(ctx, sm)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.svc = service.NewServiceWithConfig(service.Config{
		Store:        st,
		Factory:      factory,
		Resolver:     workflow.Resolver{},
		TxManager:    mgr,
		Logger:       a.logger,
		Metrics:      sm,
		MaxLockWait:  cfg.Executor.MaxLockWait,
		PersistRetry: retry.DefaultPolicy().WithMaximumAttempts(cfg.Store.WriteAttempts),
	})
	return a, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
}

func newFactory(cfg *config.Config) (*workflow.Factory, error) {
	def, err := workflow.FeatureDefinition()
	if cfg.Definition != "" {
		def, err = workflow.LoadDefinition(cfg.Definition)
	}
	if err != nil {
		return nil, err
	}
	return workflow.NewFactory(def, workflow.FeatureOptions()...)
}

// openStore returns the configured store and, when the backend supports it,
// a transaction manager over the same database.
func (a *app) openStore(ctx context.Context, sm *metrics.ServiceMetrics) (store.Store, txn.Manager, error) {
	sc := a.cfg.Store

	var (
		st  store.Store
		mgr txn.Manager
	)
	switch sc.Backend {
	case config.BackendMemory:
		st = store.NewMemoryStore()

	case config.BackendSQLite:
		s, err := store.OpenSQLite(sc.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		st, mgr = s, txn.NewSQLManager(s.DB(), nil)
		a.logger.Debug("opened sqlite store", slog.String("path", s.Path()))

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, sc.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to connect to database: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
		if err := pool.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("unable to ping database: %w", err)
		}
		s := store.NewPostgresStore(pool)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		st, mgr = s, txn.NewPgxManager(pool, pgx.TxOptions{})
		a.logger.Debug("connected to database")

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: sc.RedisAddr})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("unable to ping redis: %w", err)
		}
		st = store.NewRedisStore(client, sc.RedisPrefix, sc.RedisTTL)

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}

	if sc.CacheCapacity > 0 {
		st = store.NewCachedStore(st, sc.CacheCapacity, sc.CacheTTL, sm)
	}
	return st, mgr, nil
}

func (a *app) serveMetrics(reg *metrics.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:              a.cfg.Telemetry.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		a.logger.Info("starting metrics server", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	a.closers = append(a.closers, srv.Shutdown)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", slog.String("error", err.Error()))
		}
	}
}

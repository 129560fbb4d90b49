// Package main is the entry point for the quotagate API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gourl/quotagate/internal/auth"
	"github.com/gourl/quotagate/internal/cache"
	"github.com/gourl/quotagate/internal/config"
	"github.com/gourl/quotagate/internal/database"
	"github.com/gourl/quotagate/internal/ratelimit"
	"github.com/gourl/quotagate/internal/repository"
	"github.com/gourl/quotagate/internal/server"
	"github.com/gourl/quotagate/internal/usage"
	"github.com/gourl/quotagate/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// counterStore is a CounterStore the process owns and must close.
type counterStore interface {
	ratelimit.CounterStore
	io.Closer
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(os.Stdout, cfg.App.LogLevel).With("service", "quotagate", "env", cfg.App.Env)
	if !cfg.App.IsProduction() && cfg.Auth.Secret == config.DevJWTSecret {
		log.Warn("using development JWT secret; set JWT_SECRET")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, readyCheck, err := openCounterStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("failed to close counter store", "error", err)
		}
	}()

	mode, err := ratelimit.ParseMode(cfg.Rate.Mode)
	if err != nil {
		return err
	}

	engineOpts := []ratelimit.Option{ratelimit.WithLogger(log.With("component", "ratelimit"))}

	var pool *database.Pool
	if cfg.Usage.Enabled {
		var ledger *usage.Ledger
		pool, ledger, err = openUsageLedger(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer pool.Close()
		// Stop runs before pool.Close so the final flush can reach the database.
		defer ledger.Stop()
		engineOpts = append(engineOpts, ratelimit.WithObserver(ledger))
	}

	engine, err := ratelimit.NewEngine(store, ratelimit.Config{
		Limit:     cfg.Rate.Requests,
		Window:    cfg.Rate.Window,
		Mode:      mode,
		KeyPrefix: cfg.Rate.KeyPrefix,
	}, engineOpts...)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}

	var resolverOpts []auth.JWTResolverOption
	if cfg.Auth.Issuer != "" {
		resolverOpts = append(resolverOpts, auth.WithIssuer(cfg.Auth.Issuer))
	}
	resolver, err := auth.NewJWTResolver(cfg.Auth.Secret, resolverOpts...)
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	srv := server.New(cfg, log, server.Deps{Limiter: engine, Resolver: resolver})
	if readyCheck != nil {
		srv.HealthHandler().AddCheck(cfg.Rate.Store, readyCheck)
	}
	if pool != nil {
		srv.HealthHandler().AddCheck("postgres", pool.HealthCheck)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// openCounterStore connects the configured counter store and returns the
// readiness check for it, if it has one.
func openCounterStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (counterStore, func(context.Context) error, error) {
	if cfg.Rate.Store == config.StoreMemory {
		log.Warn("using in-process counter store; quotas are not shared between instances")
		return ratelimit.NewMemoryStore(cfg.Rate.Window), nil, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	store, err := cache.NewRedisCounterStore(connectCtx, &cfg.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info("connected to redis", "address", cfg.Redis.Address(), "db", cfg.Redis.DB)
	return store, store.Ping, nil
}

// openUsageLedger connects to Postgres, applies migrations and starts the
// ledger that records verdicts.
func openUsageLedger(ctx context.Context, cfg *config.Config, log *logger.Logger) (*database.Pool, *usage.Ledger, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := database.NewPool(connectCtx, &cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	migrator, err := database.NewMigrator(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	applied, err := migrator.Up(connectCtx)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Info("database ready", "migrations_applied", applied)

	repo := repository.NewPostgresUsageRepository(pool)
	ledger := usage.NewLedger(usage.Config{
		FlushInterval: cfg.Usage.FlushInterval,
		BatchSize:     cfg.Usage.BatchSize,
		ChannelBuffer: cfg.Usage.ChannelBuffer,
	}, usage.NewRepositoryFlusher(repo, log.With("component", "usage")))

	return pool, ledger, nil
}

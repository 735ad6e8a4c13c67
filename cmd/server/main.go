package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/redmasterf0x/spad/internal/api"
	"github.com/redmasterf0x/spad/internal/broker"
	"github.com/redmasterf0x/spad/internal/config"
	"github.com/redmasterf0x/spad/internal/ledger"
	"github.com/redmasterf0x/spad/internal/risk"
	"github.com/redmasterf0x/spad/internal/settlement"
	"github.com/redmasterf0x/spad/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store initialization failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Broker gateway ---
	gw, err := newGateway(cfg, logger)
	if err != nil {
		slog.Error("broker initialization failed", "err", err)
		os.Exit(1)
	}
	slog.Info("broker gateway ready", "mode", cfg.Broker.Mode, "name", gw.Name())

	// --- WebSocket hub ---
	hub := api.NewWSHub(logger)
	go hub.Run(ctx)

	// --- Settlement engine ---
	led := ledger.NewService(st, logger)
	engine := settlement.New(st, gw, led, settlement.Options{
		Limiter:       risk.NewExposureLimiter(cfg.MaxPositionPerSymbol, cfg.MaxPositionPerUnderlying),
		BrokerTimeout: cfg.Broker.Timeout,
		Notifier:      hub,
		Logger:        logger,
	})
	go runMaintenance(ctx, engine, cfg.ExpiryInterval)

	handler := api.NewHandler(engine, led, hub, cfg.Broker.WebhookSecret, logger)
	if cfg.Broker.WebhookSecret == "" {
		slog.Warn("BROKER_WEBHOOK_SECRET not set, mock broker webhooks are accepted unsigned")
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("settlement server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down settlement server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("settlement server stopped")
}

// openStore picks PostgreSQL, then SQLite, then memory. A Redis cache is
// layered over either persistent store when REDIS_URL is set.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, []func(), error) {
	var (
		st      store.Store
		cleanup []func()
	)

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case cfg.SQLitePath != "":
		lite, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("opened SQLite store", "path", cfg.SQLitePath)
	default:
		slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, nil
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			for _, fn := range cleanup {
				fn()
			}
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	return st, cleanup, nil
}

func newGateway(cfg *config.Config, logger *slog.Logger) (broker.Gateway, error) {
	switch cfg.Broker.Mode {
	case config.BrokerHTTP:
		return broker.NewHTTPGateway(broker.HTTPConfig{
			BaseURL:    cfg.Broker.APIURL,
			APIKey:     cfg.Broker.APIKey,
			APISecret:  cfg.Broker.APISecret,
			Timeout:    cfg.Broker.Timeout,
			MaxRetries: cfg.Broker.MaxRetries,
		}, logger)
	case config.BrokerAlpaca:
		return broker.NewAlpacaGateway(broker.AlpacaConfig{
			APIKey:    cfg.Alpaca.APIKey,
			APISecret: cfg.Alpaca.APISecret,
			BaseURL:   cfg.Alpaca.BaseURL,
		}, logger), nil
	default:
		slog.Warn("using mock broker, orders are never routed to a real partner")
		return broker.NewMockGateway(), nil
	}
}

// runMaintenance expires stale DAY orders and retries submissions whose
// broker outcome was never confirmed.
func runMaintenance(ctx context.Context, engine *settlement.Engine, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			y, m, d := now.UTC().Date()
			cutoff := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
			if n, err := engine.ExpireOrders(ctx, cutoff); err != nil {
				slog.Error("expire orders failed", "err", err)
			} else if n > 0 {
				slog.Info("expired day orders", "count", n)
			}
			if n, err := engine.ResubmitUnconfirmed(ctx); err != nil {
				slog.Error("resubmit unconfirmed failed", "err", err)
			} else if n > 0 {
				slog.Info("resubmitted unconfirmed orders", "count", n)
			}
		}
	}
}

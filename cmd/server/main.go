package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-wallet/internal/config"
	"github.com/example/ride-wallet/internal/dispatch"
	"github.com/example/ride-wallet/internal/geocode"
	httpapi "github.com/example/ride-wallet/internal/http"
	"github.com/example/ride-wallet/internal/ingest"
	"github.com/example/ride-wallet/internal/ledger"
	"github.com/example/ride-wallet/internal/locate"
	"github.com/example/ride-wallet/internal/logging"
	"github.com/example/ride-wallet/internal/payments"
	"github.com/example/ride-wallet/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "ride-wallet-api", os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, using in-process fallbacks", "addr", cfg.RedisAddr, "error", err)
			_ = rc.Close()
			rc = nil
		} else {
			defer rc.Close()
		}
	}

	store, closeStore, err := openStore(ctx, cfg, rc, logger)
	if err != nil {
		logger.Error("store unavailable", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var locator httpapi.Locator = locate.NewStatic()
	if rc != nil {
		locator = locate.NewRedisLocator(rc, cfg.RedisDevicesKey)
	}

	var resolver geocode.Resolver
	if cfg.MapsAPIKey != "" {
		g, err := geocode.NewGoogleResolver(cfg.MapsAPIKey)
		if err != nil {
			logger.Warn("geocoding disabled", "error", err)
		} else {
			resolver = geocode.NewCached(g, cfg.GeocodeTTL)
		}
	}

	var gateway payments.Gateway = &payments.Simulated{Delay: cfg.FundingDelay}
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeGateway(cfg.StripeAPIKey, cfg.StripeMethod)
	}

	wsreg := dispatch.NewWSRegistry(logger)
	publishers := ingest.Fanout{wsreg}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publishers = append(publishers, kp)
	}

	l, err := ledger.Open(ctx, store, ledger.Options{
		Namespace:      cfg.LedgerNamespace,
		OpeningBalance: cfg.OpeningBalance,
		Logger:         logger,
		Publisher:      publishers,
	})
	if err != nil {
		logger.Error("failed to open ledger", "namespace", cfg.LedgerNamespace, "error", err)
		os.Exit(1)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Ledger:    l,
		Funder:    &payments.Funder{Gateway: gateway, Wallet: l, Currency: cfg.Currency, Logger: logger},
		Locator:   locator,
		Geocoder:  resolver,
		WSReg:     wsreg,
		RatePerKm: cfg.RatePerKm,
		Currency:  cfg.Currency,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-wallet listening", "addr", cfg.HTTPAddr, "rate_per_km", cfg.RatePerKm.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	logger.Info("ride-wallet stopped")
}

// openStore picks Postgres, then Redis, then memory.
func openStore(ctx context.Context, cfg config.ServerConfig, rc *redis.Client, logger *slog.Logger) (storage.KV, func(), error) {
	var (
		store     storage.KV
		closeFunc = func() {}
	)
	switch {
	case cfg.PGDSN != "":
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.RunMigrations {
			b, err := os.ReadFile(filepath.Join("migrations", "001_create_kv.sql"))
			if err != nil {
				_ = ps.Close()
				return nil, nil, err
			}
			if err := ps.Migrate(ctx, string(b)); err != nil {
				_ = ps.Close()
				return nil, nil, err
			}
			logger.Info("migration applied", "file", "001_create_kv.sql")
		}
		store, closeFunc = ps, func() { _ = ps.Close() }
		logger.Info("using postgres store")
	case rc != nil:
		store = storage.NewRedisStoreFromClient(rc)
		logger.Info("using redis store", "addr", cfg.RedisAddr)
	default:
		store = storage.NewMemoryStore()
		logger.Info("using in-memory store; state is lost on restart")
	}
	if cfg.StoreLatency > 0 {
		store = &storage.Delayed{KV: store, Delay: cfg.StoreLatency}
	}
	return store, closeFunc, nil
}

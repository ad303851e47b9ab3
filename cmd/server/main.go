package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/order-tracking/internal/config"
	"github.com/example/order-tracking/internal/guard"
	httpapi "github.com/example/order-tracking/internal/http"
	"github.com/example/order-tracking/internal/ingest"
	"github.com/example/order-tracking/internal/logging"
	"github.com/example/order-tracking/internal/mitigation"
	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/payments"
	"github.com/example/order-tracking/internal/push"
	"github.com/example/order-tracking/internal/realtime"
	"github.com/example/order-tracking/internal/rollout"
	"github.com/example/order-tracking/internal/storage"
	"github.com/example/order-tracking/internal/wallet"
)

// delayCreditCents is the flat goodwill credit for a late order, issued at
// most once per order.
const delayCreditCents = 500

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("order-tracking", cfg.LogLevel)
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.Store
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
		logger.Info("using postgres store")
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, using in-memory store")
	}

	var rolloutSrc rollout.Source
	if cfg.RedisAddr != "" {
		rolloutSrc = rollout.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RolloutRedisKey)
		logger.Info("rollout config from redis", "addr", cfg.RedisAddr, "key", cfg.RolloutRedisKey)
	} else {
		rolloutSrc = rollout.NewMemorySource(models.RolloutConfig{ObserveOnly: true})
		logger.Warn("REDIS_ADDR not set, rollout starts observe-only in memory")
	}

	var refunds guard.RefundEnqueuer
	var echo httpapi.ChangeEchoer
	if len(cfg.KafkaBrokers) > 0 {
		q := ingest.NewRefundQueue(cfg.KafkaBrokers, cfg.RefundTopic)
		defer q.Close()
		refunds = q

		ce := ingest.NewChangeEcho(cfg.KafkaBrokers, cfg.OrdersTopic, cfg.DeliveriesTopic)
		defer ce.Close()
		echo = ce
	} else {
		refunds = logRefunds{logger}
		logger.Warn("KAFKA_BROKERS not set, refunds logged only and change events not echoed")
	}

	var settle wallet.Settler
	if key := os.Getenv("STRIPE_API_KEY"); key != "" {
		settle = payments.NewStripeClient(key)
	} else {
		settle = noopSettler{}
		logger.Warn("STRIPE_API_KEY not set, payout captures are no-ops")
	}

	g := guard.New(store, refunds, logger)
	g.DefaultCancelReason = cfg.DefaultCancelReason
	walletSvc := wallet.NewService(store, store, settle, logger)
	coord := mitigation.NewCoordinator(
		rolloutSrc,
		mitigation.NewWalletCreditIssuer(store, store, delayCreditCents),
		mitigation.NewStoreRerouter(store),
		logger,
	)
	registry := push.NewRegistry(logger)

	if len(cfg.KafkaBrokers) > 0 {
		ch := realtime.NewChannel(realtime.Config{
			Brokers:         cfg.KafkaBrokers,
			OrdersTopic:     cfg.OrdersTopic,
			DeliveriesTopic: cfg.DeliveriesTopic,
			Group:           cfg.ConsumerGroup,
		}, logger)
		ch.Subscribe(registry)
		go func() {
			if err := ch.Run(ctx); err != nil {
				logger.Error("realtime channel stopped", "error", err)
			}
		}()
	}

	api := httpapi.NewServer(store, g, walletSvc, coord, rolloutSrc, registry, echo, logger)
	api.MaxOrders = cfg.SnapshotMaxOrders
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open failed", "error", err)
		return
	}
	defer db.Close()

	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		logger.Error("migration glob failed", "error", err)
		return
	}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			logger.Error("migration read failed", "file", f, "error", err)
			continue
		}
		if _, err := db.Exec(string(b)); err != nil {
			logger.Error("migration exec failed", "file", f, "error", err)
			continue
		}
		logger.Info("migration applied", "file", f)
	}
}

type logRefunds struct {
	logger *slog.Logger
}

func (l logRefunds) Enqueue(orderID, reason string) error {
	l.logger.Info("refund review (not queued)", "order_id", orderID, "reason", reason)
	return nil
}

type noopSettler struct{}

func (noopSettler) Capture(ctx context.Context, paymentIntentID string) error { return nil }

// brokerd is the brokerage daemon: ledger, order execution, tiered
// withdrawal verification and deposit reconciliation behind one HTTP API.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/finvex/brokerage/internal/cache"
	"github.com/finvex/brokerage/internal/config"
	"github.com/finvex/brokerage/internal/database"
	"github.com/finvex/brokerage/internal/deposits"
	"github.com/finvex/brokerage/internal/ledger"
	"github.com/finvex/brokerage/internal/notify"
	"github.com/finvex/brokerage/internal/orders"
	"github.com/finvex/brokerage/internal/quotes"
	"github.com/finvex/brokerage/internal/server"
	"github.com/finvex/brokerage/internal/withdrawal"
	"github.com/finvex/brokerage/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	ledgerSvc, err := ledger.NewService(log, db)
	if err != nil {
		log.Fatal("Failed to create ledger service", zap.Error(err))
	}

	var mirror *cache.BalanceMirror
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Warn("Redis unreachable, balance mirror disabled", zap.Error(err))
		} else {
			mirror = cache.NewBalanceMirror(log, client, cfg.Redis.TTL)
			ledgerSvc.SetMirror(mirror)
			log.Info("Balance mirror enabled", zap.String("address", cfg.Redis.Address))
		}
	}

	var provider quotes.Provider
	switch cfg.Quotes.Provider {
	case "static":
		provider = quotes.NewStaticProvider(nil)
	default:
		provider = quotes.NewAlpacaProvider(log, cfg.Quotes.AlpacaKey, cfg.Quotes.AlpacaSecret, cfg.Quotes.AlpacaBaseURL)
	}
	provider = quotes.NewRetryingProvider(log, provider, cfg.Quotes.Timeout, cfg.Quotes.MaxRetries, cfg.Quotes.RetryBackoff)

	var notifier notify.Notifier
	if cfg.SMTP.Host != "" && cfg.SMTP.Host != "localhost" {
		notifier = notify.NewEmailNotifier(log, notify.EmailConfig{
			Host:        cfg.SMTP.Host,
			Port:        cfg.SMTP.Port,
			Username:    cfg.SMTP.Username,
			Password:    cfg.SMTP.Password,
			FromAddress: cfg.SMTP.FromAddress,
		})
	} else {
		notifier = notify.NewLogNotifier(log)
	}

	orderSvc, err := orders.NewService(log, ledgerSvc, provider)
	if err != nil {
		log.Fatal("Failed to create order service", zap.Error(err))
	}
	withdrawalSvc, err := withdrawal.NewService(log, db, ledgerSvc, notifier, cfg.Withdrawal)
	if err != nil {
		log.Fatal("Failed to create withdrawal service", zap.Error(err))
	}
	depositSvc, err := deposits.NewService(log, db, ledgerSvc)
	if err != nil {
		log.Fatal("Failed to create deposit service", zap.Error(err))
	}

	srv := server.NewServer(log, cfg.Server, ledgerSvc, orderSvc, withdrawalSvc, depositSvc, mirror)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background hygiene: fail withdrawal requests whose verification
	// window lapsed without anyone reading them.
	go func() {
		ticker := time.NewTicker(cfg.Withdrawal.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				n, err := withdrawalSvc.SweepExpired(rootCtx)
				if err != nil {
					log.Error("Expired withdrawal sweep failed", zap.Error(err))
				} else if n > 0 {
					log.Info("Expired withdrawal requests swept", zap.Int("count", n))
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-rootCtx.Done():
		log.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("HTTP server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Graceful shutdown failed", zap.Error(err))
	}
	log.Info("Server stopped")

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

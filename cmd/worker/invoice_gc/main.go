// invoice_gc expires overdue pending invoices and deletes expired ones past
// the retention window. Paid invoices are never touched: they back the ledger
// audit trail.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ai-lightning/config"
	"ai-lightning/internal/database"
	"ai-lightning/pkg/logger"

	"go.uber.org/zap"
)

const (
	sweepInterval = 10 * time.Minute
	retention     = 24 * time.Hour
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML config file")
	flag.Parse()

	if err := logger.Init(logger.GetEnv()); err != nil {
		panic(err)
	}
	defer logger.Sync()

	var cfg config.CoordinatorConfig
	if err := config.Load(config.Path(*configPath), &cfg); err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	db, err := database.NewDB(database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DB:              cfg.Database.DB,
		SslMode:         cfg.Database.SslMode,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	invoices := database.NewInvoiceRepository(db)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Invoice GC worker started",
		zap.Duration("sweep_interval", sweepInterval),
		zap.Duration("retention", retention),
	)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	sweep(ctx, invoices)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Invoice GC worker shut down")
			return
		case <-ticker.C:
			sweep(ctx, invoices)
		}
	}
}

func sweep(ctx context.Context, invoices *database.InvoiceRepository) {
	now := time.Now().UTC()

	expired, err := invoices.ExpireStale(ctx, now)
	if err != nil {
		logger.Error("Failed to expire stale invoices", zap.Error(err))
	} else if expired > 0 {
		logger.Info("Expired stale invoices", zap.Int64("count", expired))
	}

	deleted, err := invoices.DeleteGarbage(ctx, now, retention)
	if err != nil {
		logger.Error("Failed to delete garbage invoices", zap.Error(err))
	} else if deleted > 0 {
		logger.Info("Deleted expired invoices", zap.Int64("count", deleted))
	}
}

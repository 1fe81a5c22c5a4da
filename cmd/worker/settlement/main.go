// settlement is a standalone settlement consumer. The coordinator runs one
// in-process; extra instances of this binary join the same consumer group
// for throughput or for draining a backlog.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ai-lightning/config"
	"ai-lightning/internal/database"
	"ai-lightning/internal/ledger"
	"ai-lightning/internal/registry"
	"ai-lightning/internal/settlement"
	"ai-lightning/pkg/cache"
	"ai-lightning/pkg/logger"
	"ai-lightning/pkg/queue"

	"go.uber.org/zap"
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
	if cfg.Pricing.HouseUserID == "" {
		logger.Fatal("house_user_id is required")
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

	if err := cache.Init(cache.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer cache.Close()

	sessionRepo := database.NewSessionRepository(db)
	nodeRepo := database.NewNodeRepository(db)
	ledgerSvc := ledger.NewService(db, cfg.Pricing.HouseUserID)
	reg := registry.NewRegistry(nodeRepo, sessionRepo, ledgerSvc, cfg.Pricing.RegistrationFeeSats)
	streamQueue := queue.NewStreamQueue(cache.Client)

	hostname, _ := os.Hostname()
	consumer := fmt.Sprintf("settlement-%s-%d", hostname, os.Getpid())

	// No websocket hub here; clients learn the outcome on reconnect.
	worker := settlement.NewWorker(streamQueue, sessionRepo, ledgerSvc, reg,
		cfg.Pricing.CommissionRate, nil, consumer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("Settlement worker failed", zap.Error(err))
	}

	logger.Info("Settlement worker shut down")
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ai-lightning/config"
	"ai-lightning/internal/api"
	"ai-lightning/internal/auth"
	"ai-lightning/internal/bridge"
	"ai-lightning/internal/database"
	"ai-lightning/internal/ledger"
	"ai-lightning/internal/lnd"
	"ai-lightning/internal/noderpc"
	"ai-lightning/internal/orchestrator"
	"ai-lightning/internal/registry"
	"ai-lightning/internal/scheduler"
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
	if cfg.Server.JWTSecret == "" {
		logger.Fatal("jwt_secret is required")
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

	if err := db.RunMigrations(); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	if err := cache.Init(cache.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer cache.Close()

	lightning, err := lnd.NewClient(lnd.Config{
		GRPCHost:              cfg.Lnd.GRPCHost,
		GRPCPort:              cfg.Lnd.GRPCPort,
		TLSCertPath:           cfg.Lnd.TLSCertPath,
		MacaroonPath:          cfg.Lnd.MacaroonPath,
		Network:               cfg.Lnd.Network,
		InvoiceExpirySeconds:  int64(cfg.Lnd.InvoiceExpirySeconds),
		PaymentTimeoutSeconds: cfg.Lnd.PaymentTimeoutSeconds,
		MaxPaymentFeeSats:     cfg.Lnd.MaxPaymentFeeSats,
	})
	if err != nil {
		logger.Fatal("Failed to connect to LND", zap.Error(err))
	}
	defer lightning.Close()

	userRepo := database.NewUserRepository(db)
	nodeRepo := database.NewNodeRepository(db)
	sessionRepo := database.NewSessionRepository(db)
	invoiceRepo := database.NewInvoiceRepository(db)

	ledgerSvc := ledger.NewService(db, cfg.Pricing.HouseUserID)
	authSvc := auth.NewService(userRepo, cfg.Server.JWTSecret)
	reg := registry.NewRegistry(nodeRepo, sessionRepo, ledgerSvc, cfg.Pricing.RegistrationFeeSats)

	streamQueue := queue.NewStreamQueue(cache.Client)

	nodeClient := noderpc.NewClient(time.Duration(cfg.Timeouts.HeartbeatPollSeconds) * time.Second)
	bridges := bridge.NewManager(nodeClient, time.Duration(cfg.Timeouts.TokenIdleSeconds)*time.Second)

	orch := orchestrator.New(
		sessionRepo, invoiceRepo, reg, ledgerSvc, lightning, nodeClient, streamQueue,
		orchestrator.Pricing{
			CommissionRate: cfg.Pricing.CommissionRate,
			MinMinutes:     cfg.Pricing.MinMinutes,
			MaxMinutes:     cfg.Pricing.MaxMinutes,
		},
		orchestrator.Deadlines{
			Starting: time.Duration(cfg.Timeouts.StartingDeadlineSeconds) * time.Second,
			Download: time.Duration(cfg.Timeouts.DownloadDeadlineSeconds) * time.Second,
		},
	)
	orch.SetCloser(bridges)

	server := api.NewServer(
		cfg.Server.Host+":"+cfg.Server.Port,
		authSvc, orch, reg, ledgerSvc, bridges, lightning, invoiceRepo,
	)
	orch.SetNotifier(server.Hub())

	hostname, _ := os.Hostname()
	worker := settlement.NewWorker(streamQueue, sessionRepo, ledgerSvc, reg,
		cfg.Pricing.CommissionRate, server.Hub(), "coordinator-"+hostname)

	sched := scheduler.New(scheduler.Config{
		HeartbeatTimeout: time.Duration(cfg.Timeouts.HeartbeatTimeoutSeconds) * time.Second,
		HeartbeatPoll:    time.Duration(cfg.Timeouts.HeartbeatPollSeconds) * time.Second,
		InvoicePoll:      time.Duration(cfg.Timeouts.InvoicePollSeconds) * time.Second,
		StartingDeadline: time.Duration(cfg.Timeouts.StartingDeadlineSeconds) * time.Second,
		DownloadDeadline: time.Duration(cfg.Timeouts.DownloadDeadlineSeconds) * time.Second,
		// An unpaid wallet purchase holds its node no longer than an
		// unpaid invoice would.
		PendingDeadline: time.Duration(cfg.Lnd.InvoiceExpirySeconds) * time.Second,
	}, orch, sessionRepo, invoiceRepo, reg, lightning)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sched.Run(ctx)
	go func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Settlement worker stopped", zap.Error(err))
		}
	}()

	if err := server.Run(ctx); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}

	logger.Info("Coordinator shut down")
}

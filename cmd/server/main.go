// Package main is the entry point for the crash-wagering game server. It
// wires together the round engine, ledger, payment reconciler, and the
// thin fiber HTTP/WS surface, then runs until a shutdown signal arrives.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"crashcore/internal/cache"
	"crashcore/internal/config"
	"crashcore/internal/coordinator"
	"crashcore/internal/database"
	"crashcore/internal/engine"
	"crashcore/internal/gateway"
	"crashcore/internal/ledger"
	"crashcore/internal/money"
	"crashcore/internal/payments"
	"crashcore/internal/seedstore"
	"crashcore/internal/server"
)

func main() {
	// ── 1. Config + logger ──────────────────────────────────────────────
	cfg := config.MustLoad()

	var logHandler slog.Handler
	if cfg.IsProd() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("starting crashcore server", "env", cfg.Server.Env, "port", cfg.Server.Port)

	// ── 2. Database + migrations ────────────────────────────────────────
	db := database.New()
	if err := database.RunMigrations(cfg.DB.MigrationsPath); err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}
	logger.Info("migrations applied")

	redisCache := cache.New(cfg.Redis, logger)

	// ── 3. Seeds, engine, hub, broadcaster ───────────────────────────────
	seeds := seedstore.New(db.Pool(), cfg.Game.SeedMaster, logger)

	gameEngine := engine.New(seeds, engine.Config{
		InterRoundGap:        cfg.Game.InterRoundGap,
		AllowDegradedRounds:  cfg.Game.AllowDegradedRounds,
		SettlementWindowSecs: cfg.Game.SettlementWindowSecs,
	}, logger)

	hub := engine.NewHub(logger)
	hubStop := make(chan struct{})
	go hub.Run(hubStop)

	broadcaster := engine.NewBroadcaster(gameEngine, hub, cfg.Game.BroadcastInterval)

	// ── 4. Ledger + coordinator ──────────────────────────────────────────
	gameLedger := ledger.New(db.Pool(), time.Duration(cfg.Game.MaxRoundAgeSecs)*time.Second)

	coord := coordinator.New(gameEngine, gameLedger, coordinator.Config{
		MinBet:             money.New(cfg.Game.MinBetAmount),
		MaxBet:             money.New(cfg.Game.MaxBetAmount),
		CashoutMinInterval: cfg.Cashout.MinIntervalMS,
		CashoutPruneAge:    cfg.Cashout.PruneAge,
		MaxCashoutEntries:  cfg.Cashout.MaxEntries,
	}, logger)

	// ── 5. Gateway + payment reconciler ──────────────────────────────────
	gw := gateway.New(gateway.Config{
		CollectionsBaseURL:   cfg.Payment.CollectionsBaseURL,
		DisbursementsBaseURL: cfg.Payment.DisbursementsBaseURL,
		Token:                cfg.Payment.GatewayToken,
		Timeout:              cfg.Payment.RequestTimeout,
	})

	reconciler := payments.New(db.Pool(), gw, payments.Config{
		MinDeposit:      money.New(cfg.Payment.MinDeposit),
		MaxDeposit:      money.New(cfg.Payment.MaxDeposit),
		MinWithdraw:     money.New(cfg.Payment.MinWithdraw),
		MaxWithdraw:     money.New(cfg.Payment.MaxWithdraw),
		PollInterval:    cfg.Payment.PollInterval,
		MaxPollAttempts: cfg.Payment.MaxPollAttempts,
	}, logger)

	// ── 6. Root context + signal handling ────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := reconciler.Start(ctx); err != nil {
		logger.Error("payment reconciler failed to start", "error", err)
		os.Exit(1)
	}
	coord.Start()
	gameEngine.Start(ctx)
	broadcaster.Start()

	// ── 7. HTTP/WS surface ────────────────────────────────────────────────
	srv := server.New(server.Deps{
		DB:          db,
		Cache:       redisCache,
		Engine:      gameEngine,
		Hub:         hub,
		Ledger:      gameLedger,
		Coordinator: coord,
		Payments:    reconciler,
		Seeds:       seeds,
		Config:      cfg,
		Logger:      logger,
	})

	lifecycleCtx, stopLifecycle := context.WithCancel(context.Background())
	go srv.RunLifecycleSubscriber(lifecycleCtx)

	go func() {
		logger.Info("http server listening", "port", cfg.Server.Port)
		if err := srv.Listen(":" + cfg.Server.Port); err != nil {
			logger.Error("http server error", "error", err)
			stop() // trigger graceful shutdown
		}
	}()

	// ── 8. Graceful shutdown, per spec.md §5 ──────────────────────────────
	<-ctx.Done()
	logger.Info("shutdown signal received, draining connections…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}

	broadcaster.Stop()
	close(hubStop)

	gameEngine.Dispose()

	coord.Stop()
	reconciler.Stop(10 * time.Second)

	stopLifecycle()

	if redisCache != nil {
		_ = redisCache.Close()
	}
	_ = db.Close()

	logger.Info("server stopped cleanly")
}

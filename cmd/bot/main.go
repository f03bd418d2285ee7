// BTC Arbitrage Bot — detects and executes cross-venue arbitrage between
// Kalshi and Polymarket hourly Bitcoin binary contracts.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine + feeds + API, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires feeds → detector → risk gates → executor, rotates hourly markets
//	strategy/detector.go — pairs Polymarket Up/Down asks with Kalshi strikes around the price to beat
//	strategy/fees.go     — worst-case fee model: max(kalshi fee, polymarket gas) + slippage buffer
//	stream/hub.go        — fan-in for the Binance, Polymarket and Kalshi feeds, fan-out to subscribers
//	exchange/            — REST + WebSocket clients for Binance, Polymarket (Gamma/CLOB) and Kalshi
//	execution/executor.go— two-leg execution: Kalshi leg first, then the Polymarket hedge, unwind on a broken leg
//	risk/                — pre-trade limits, circuit breaker, operator kill switch
//	store/store.go       — SQLite persistence for trades, positions, opportunities and events
//	api/server.go        — operator HTTP API: status, positions, SSE stream, kill switch
//
// How it makes money:
//
//	Both venues price the same hourly event: will BTC close the hour above
//	its open? When Polymarket's Down ask plus Kalshi's YES ask (or Up plus
//	NO) sums below $1.00 after fees, buying both legs locks in the
//	difference — exactly one leg pays $1.00 at settlement regardless of
//	where the price lands.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"btcarb/internal/api"
	"btcarb/internal/config"
	"btcarb/internal/engine"
	"btcarb/internal/schedule"
)

func main() {
	// Load .env if present (silently ignore if missing).
	_ = godotenv.Load()

	cfgPath := os.Getenv("ARB_CONFIG")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	sched := schedule.New(
		eng.GetExecutor(),
		eng.GetRiskManager(),
		eng.GetBreaker(),
		eng.GetStore(),
		eng.GetAlerts(),
		cfg.Feeds.KalshiPollInterval,
		logger,
	)
	apiServer := api.NewServer(cfg.Server, eng, *cfg, logger)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("btc arbitrage bot started",
		"environment", cfg.Environment,
		"min_net_margin", cfg.Trading.MinNetMargin,
		"max_exposure", cfg.Trading.MaxTotalExposureUSD,
		"api_addr", cfg.Server.Host, "api_port", cfg.Server.Port,
		"dry_run", cfg.DryRun,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.GetHub().Run(ctx) })
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return apiServer.Start() })
	g.Go(func() error {
		// Shutdown path: the server only stops when told to.
		<-ctx.Done()
		return apiServer.Stop()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bot exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

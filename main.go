package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mexc-sniper-bot/config"
	"mexc-sniper-bot/internal/api"
	"mexc-sniper-bot/internal/bot"
	"mexc-sniper-bot/internal/cache"
	"mexc-sniper-bot/internal/circuit"
	"mexc-sniper-bot/internal/credentials"
	"mexc-sniper-bot/internal/database"
	"mexc-sniper-bot/internal/detector"
	"mexc-sniper-bot/internal/events"
	"mexc-sniper-bot/internal/executor"
	"mexc-sniper-bot/internal/logging"
	"mexc-sniper-bot/internal/metrics"
	"mexc-sniper-bot/internal/mexc"
	"mexc-sniper-bot/internal/monitor"
	"mexc-sniper-bot/internal/risk"
	"mexc-sniper-bot/internal/rules"
	"mexc-sniper-bot/internal/sellengine"
	"mexc-sniper-bot/internal/tracker"
)

// Exit codes: 1 invalid configuration, 2 credential failure, 3 unrecoverable
// runtime error, 130 interrupted.
const (
	exitConfig        = 1
	exitCredentials   = 2
	exitUnrecoverable = 3
	exitInterrupted   = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	// .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}

	logger := logging.New(cfg.Logging.Level, os.Stdout)
	logger.Info().Msg("mexc sniper bot starting")

	mc := metrics.New()

	limiter := mexc.NewRateLimiter(mexc.DefaultRateLimiterConfig())
	defer limiter.Stop()
	limiter.OnQueueDepth(func(depth int) { mc.QueueDepth.Set(float64(depth)) })

	client := mexc.NewClient(mexc.ClientConfig{
		APIKey:       cfg.Exchange.APIKey,
		SecretKey:    cfg.Exchange.SecretKey,
		BaseURL:      cfg.Exchange.BaseURL,
		WebBaseURL:   cfg.Exchange.WebBaseURL,
		Timeout:      cfg.Exchange.Timeout,
		RecvWindowMs: cfg.Trading.RecvWindowMs,
	}, limiter, mc, logging.Component(logger, "mexc"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.QueryTimeout, logging.Component(logger, "database"))
	if err != nil {
		logger.Error().Err(err).Msg("database unavailable")
		return exitUnrecoverable
	}
	defer db.Close()
	repo := database.NewRepository(db)

	cacheSvc := cache.New(ctx, cfg.Redis.URL, mc, logging.Component(logger, "cache"))
	defer cacheSvc.Close()

	prober := credentials.New(client, logging.Component(logger, "credentials"))
	probeCtx, probeCancel := context.WithTimeout(ctx, 15*time.Second)
	err = prober.Probe(probeCtx)
	probeCancel()
	if err != nil {
		logger.Error().Err(err).Msg("api credentials rejected")
		return exitCredentials
	}

	bus := events.NewBus(logging.Component(logger, "events"))
	defer bus.Close()

	client.OnBreakerStateChange(func(group string, from, to circuit.BreakerState) {
		mc.BreakerState.WithLabelValues(group).Set(to.GaugeValue())
		logger.Warn().Str("group", group).Str("from", string(from)).Str("to", string(to)).Msg("circuit breaker state changed")
		severity, action := "info", ""
		if to == circuit.StateOpen {
			severity, action = "high", "exchange calls suspended until the probe succeeds"
		}
		bus.Publish(events.New(events.EventSystemAlert, time.Now().UTC(), &events.SystemAlert{
			Severity:  severity,
			Component: "circuit:" + group,
			Message:   fmt.Sprintf("breaker %s -> %s", from, to),
			Action:    action,
		}))
	})

	userID := os.Getenv("BOT_USER_ID")
	if userID == "" {
		userID = "default"
	}

	rulesCache := rules.NewCache(client, cfg.Trading.RulesCacheTTL, nil, mc, logging.Component(logger, "rules"))
	validator := rules.NewValidator(rulesCache)
	riskMgr := risk.NewManager(risk.Config{
		MaxOpenPositions: cfg.Trading.MaxOpenPositions,
		DailyLossLimit:   cfg.Trading.DailyLossLimit,
		MinStopDistance:  0.001,
	}, nil, logging.Component(logger, "risk"))
	book := tracker.New(nil, mc, logging.Component(logger, "tracker"))

	exec := executor.New(executor.Config{
		UserID:       userID,
		RecvWindowMs: cfg.Trading.RecvWindowMs,
		OrderTimeout: cfg.Trading.OrderTimeout,
	}, client, repo, rulesCache, validator, riskMgr, book, cacheSvc, bus, nil, mc, logging.Component(logger, "executor"))

	detectorLogger := logging.Component(logger, "detector")
	scanners := []detector.Scanner{
		detector.NewCalendarScanner(client, nil, detectorLogger),
		detector.NewTickerDiffScanner(client, nil, detectorLogger),
		detector.NewExchangeInfoScanner(client, nil, detectorLogger),
	}
	orchestrator := detector.NewOrchestrator(scanners, cacheSvc, repo, bus,
		func(sigCtx context.Context, sig detector.Signal) {
			go func() {
				if _, err := exec.ExecuteTrade(sigCtx, sig); err != nil {
					detectorLogger.Warn().Err(err).Str("symbol", sig.Symbol).Msg("signal not traded")
				}
			}()
		},
		cfg.Trading.PollingInterval, nil, mc, detectorLogger)

	sellEngine := sellengine.New(userID, exec, client, cacheSvc, repo, book, nil,
		logging.Component(logger, "sellengine"))
	mon := monitor.New(bus, client, nil, logging.Component(logger, "monitor"))

	supervisor := bot.New(bot.Components{
		Detector:    orchestrator,
		SellEngine:  sellEngine,
		Monitor:     mon,
		Rules:       rulesCache,
		Risk:        riskMgr,
		Credentials: prober,
		Tracker:     book,
		Store:       repo,
		Exchange:    client,
	}, bus, nil, logging.Component(logger, "bot"))

	server := api.NewServer(cfg.Server, bus, mc, book, repo, map[string]api.HealthCheck{
		"database": func(hc context.Context) bool { return db.Pool.Ping(hc) == nil },
		"redis":    func(hc context.Context) bool { return cacheSvc.Available(hc) },
		"exchange": func(context.Context) bool { return supervisor.ExchangeStatus() != bot.ExchangeDown },
	}, logging.Component(logger, "api"))

	if err := supervisor.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("bot failed to start")
		return exitUnrecoverable
	}

	// Portfolio value gauge, refreshed off the position book.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mc.PortfolioValue.Set(book.TotalValue())
			}
		}
	}()

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown requested")
		if sig == syscall.SIGINT {
			code = exitInterrupted
		}
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("api server failed")
			code = exitUnrecoverable
		}
	}

	supervisor.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api server shutdown incomplete")
	}
	logger.Info().Msg("mexc sniper bot stopped")
	return code
}

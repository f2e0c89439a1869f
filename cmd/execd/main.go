// Command execd is the order execution daemon: it wires the risk engine,
// circuit breakers, broker sessions, and the executor into one process and
// serves the admin API, the execution-result websocket feed, and Prometheus
// metrics.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"trading-execution/config"
	"trading-execution/internal/api"
	"trading-execution/internal/breaker"
	"trading-execution/internal/broker"
	"trading-execution/internal/broker/angelone"
	"trading-execution/internal/broker/paper"
	"trading-execution/internal/executor"
	"trading-execution/internal/logger"
	"trading-execution/internal/metrics"
	"trading-execution/internal/notification"
	"trading-execution/internal/risk"
	"trading-execution/internal/session"
	redisstore "trading-execution/internal/store/redis"
	"trading-execution/internal/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", slog.String("err", err.Error()))
		os.Exit(1)
	}
	log := logger.Init("execd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared store for breaker state, durable ledger for everything else.
	store, err := redisstore.New(ctx, redisstore.StoreConfig{
		Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB,
	})
	if err != nil {
		log.Error("redis unavailable", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	ledger, err := sqlite.NewLedger(sqlite.LedgerConfig{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Error("ledger unavailable", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer ledger.Close()

	var notifier notification.Notifier = &notification.LogNotifier{Log: log}
	if cfg.AlertWebhookURL != "" {
		notifier = notification.Fanout{
			&notification.LogNotifier{Log: log},
			notification.NewWebhookNotifier(cfg.AlertWebhookURL, log),
		}
	}

	breakers := breaker.NewRegistry(store, cfg.Breaker, log)
	breakers.OnStateChange = func(resource string, from, to breaker.State) {
		metrics.BreakerTransitions.WithLabelValues(resource, string(to)).Inc()
		metrics.BreakerState.WithLabelValues(resource).Set(gaugeFor(to))
		if to == breaker.StateOpen {
			_ = notifier.Notify(ctx, notification.Event{
				Kind:     "breaker_open",
				Severity: "CRITICAL",
				Title:    "circuit breaker opened",
				Message:  resource + " transitioned " + string(from) + " → " + string(to),
				Fields:   map[string]string{"resource": resource},
			})
		}
	}

	brokers := broker.NewRegistry()
	brokers.Register(angelone.Vendor, angelone.New)
	brokers.Register(paper.Vendor, paper.New)

	sessions := session.NewManager(ledger, brokers, breakers, cfg.Session, log)
	defer sessions.Shutdown()

	profiles, err := config.LoadRiskProfiles(cfg.RiskProfilesPath)
	if err != nil {
		log.Error("risk profiles invalid", slog.String("err", err.Error()))
		os.Exit(1)
	}

	engine := risk.NewEngine(log)
	exec := executor.New(ledger, engine, profiles, sessions, breakers, cfg.Executor, log)
	exec.SetResolver(ledger)
	exec.SetNotifier(notifier)

	hub := api.NewHub(log)
	exec.OnResult = hub.Broadcast

	srv := api.NewServer(exec, ledger, ledger, sessions, breakers, profiles, hub, log)

	errCh := make(chan error, 2)
	go func() { errCh <- metrics.Serve(ctx, cfg.MetricsAddr, log) }()
	go func() { errCh <- srv.Run(ctx, cfg.APIAddr) }()

	log.Info("execution daemon started",
		slog.String("api", cfg.APIAddr), slog.String("metrics", cfg.MetricsAddr),
		slog.Any("vendors", brokers.Vendors()))

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", slog.String("err", err.Error()))
		}
		stop()
	}
}

func gaugeFor(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}

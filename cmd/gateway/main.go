// Trading Gateway — a unified order and market-data gateway over multiple
// equity brokers.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	config/config.go         — YAML config with TG_* env overrides for secrets
//	broker/                  — adapter contract + shared client (session, rate limits, read retries)
//	broker/zerodha           — Indian venue: checksum login, daily tokens, binary tick frames
//	broker/saxo              — European venue: OAuth2 code grant, UIC ids, envelope-framed streaming
//	broker/alpaca            — US venue: static key/secret headers, split trading/data hosts
//	auth/manager.go          — adapter registry, credential restore, background token refresher
//	orchestrator/            — concurrent fan-out across active brokers, quote/depth comparison
//	plugin/                  — hook pipeline; paper trading and tick rounding ship built in
//	router/                  — routing strategies (best price/latency, round robin, parallel, custom)
//	stream/aggregator.go     — ref-counted subscriptions, tick fan-in, stall detection
//	api/                     — HTTP control surface + WebSocket event fan-out
//	contracts/               — master-contract CSV snapshots with cron refresh
//	creds/                   — atomic file-backed credential store
//	metrics/                 — Prometheus counters and histograms, /metrics endpoint
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradegate/internal/api"
	"tradegate/internal/auth"
	"tradegate/internal/broker"
	"tradegate/internal/broker/alpaca"
	"tradegate/internal/broker/saxo"
	"tradegate/internal/broker/zerodha"
	"tradegate/internal/config"
	"tradegate/internal/contracts"
	"tradegate/internal/creds"
	"tradegate/internal/metrics"
	"tradegate/internal/notify"
	"tradegate/internal/orchestrator"
	"tradegate/internal/plugin"
	"tradegate/internal/router"
	"tradegate/internal/stream"
	"tradegate/pkg/types"
)

func main() {
	cfgPath := "configs/gateway.yaml"
	if p := os.Getenv("TG_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	notifier := notify.NewLogNotifier(logger)

	// Master contracts: load once, then refresh on schedule.
	contractStore := contracts.NewStore(cfg.Contracts.Dir, logger)
	if err := contractStore.Load(); err != nil {
		logger.Error("failed to load master contracts", "error", err)
		os.Exit(1)
	}
	if err := contractStore.StartRefresh(cfg.Contracts.RefreshCron); err != nil {
		logger.Error("failed to schedule contract refresh", "error", err)
		os.Exit(1)
	}
	defer contractStore.Close()

	credStore, err := creds.NewFileStore(cfg.Credentials.Dir)
	if err != nil {
		logger.Error("failed to open credential store", "error", err)
		os.Exit(1)
	}

	// Auth manager: register every enabled adapter, then seal.
	authMgr := auth.NewManager(cfg.Auth, credStore, logger)
	defer authMgr.Close()
	for id, bc := range cfg.Brokers {
		if !bc.Enabled {
			continue
		}
		a, err := buildAdapter(id, bc, contractStore, logger)
		if err != nil {
			logger.Error("failed to build adapter", "broker", id, "error", err)
			os.Exit(1)
		}
		if err := authMgr.Register(a); err != nil {
			logger.Error("failed to register adapter", "broker", id, "error", err)
			os.Exit(1)
		}
	}
	authMgr.Seal()

	orch := orchestrator.New(authMgr, cfg.Orchestrator.FanoutTimeout, logger)
	aggregator := stream.New(cfg.Stream.BufferSize, cfg.Stream.StallTimeout, logger)
	defer aggregator.Close()

	// Brokers join routing and aggregation as they authenticate and leave
	// when their session fails.
	authMgr.OnChange(func(st auth.Status) {
		if st.Authenticated {
			orch.Enable(st.BrokerID)
			notifier.Success("Broker Connected", "session established", st.BrokerID)
		} else if st.State == types.AuthFailed {
			orch.Disable(st.BrokerID)
			notifier.Error("Broker Authentication Failed", "re-login required", st.BrokerID)
		}
	})
	authMgr.OnChange(func(st auth.Status) {
		metrics.AuthRefreshes.WithLabelValues(st.BrokerID, string(st.State)).Inc()
	})

	pipeline := plugin.NewPipeline(logger)
	if err := pipeline.Register(plugin.NewTickRounder(contractStore, "zerodha", logger)); err != nil {
		logger.Error("failed to register tick rounder", "error", err)
		os.Exit(1)
	}
	if cfg.PaperTrading {
		paper := plugin.NewPaperTrader(func(ctx context.Context, symbol string, exchange types.Exchange) (types.Quote, error) {
			cmp := orch.CompareQuotes(ctx, symbol, exchange)
			if id, ok := orchestrator.BestBrokerByLatency(cmp); ok {
				return cmp.Quotes[id], nil
			}
			return types.Quote{}, types.Ef(types.KindNoBrokerAvailable, "no quote source for %s:%s", symbol, exchange)
		}, logger)
		if err := pipeline.Register(paper); err != nil {
			logger.Error("failed to register paper trader", "error", err)
			os.Exit(1)
		}
		logger.Warn("PAPER TRADING MODE — no real orders will be placed")
	}

	orderRouter := router.New(orch, pipeline, notifier,
		cfg.Router.DefaultStrategy, cfg.Router.FallbackBroker, logger)

	var apiSrv *api.Server
	if cfg.API.Enabled {
		apiSrv = api.NewServer(cfg.API.Port, orderRouter, orch, aggregator, authMgr, logger)
		go func() {
			if err := apiSrv.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
	}

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Port, logger)
		metricsSrv.Start()
	}

	// Authenticate everything that has stored credentials; interactive
	// brokers surface MFARequired and wait for the OAuth callback.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	for id, err := range authMgr.InitializeAll(ctx) {
		logger.Warn("broker not ready at startup", "broker", id, "error", err)
	}
	cancel()

	for _, a := range authMgr.All() {
		aggregator.AddSource(a)
	}

	logger.Info("trading gateway started",
		"brokers", len(authMgr.All()),
		"active", orch.Active(),
		"paper_trading", cfg.PaperTrading,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiSrv != nil {
		if err := apiSrv.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
	}
	if metricsSrv != nil {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsSrv.Shutdown(shutCtx); err != nil {
			logger.Error("failed to stop metrics server", "error", err)
		}
		shutCancel()
	}
}

// buildAdapter maps a configured broker id to its venue implementation.
func buildAdapter(id string, bc config.BrokerConfig, cache broker.ContractCache, logger *slog.Logger) (broker.Adapter, error) {
	switch id {
	case zerodha.BrokerID:
		return zerodha.New(bc, cache, logger), nil
	case saxo.BrokerID:
		return saxo.New(bc, cache, logger), nil
	case alpaca.BrokerID:
		return alpaca.New(bc, cache, logger), nil
	default:
		return nil, types.Ef(types.KindNoBrokerAvailable, "unknown broker %q", id)
	}
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

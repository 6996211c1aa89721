// Bybit ensemble trader — an automated trading service for Bybit v5 perpetual
// and spot markets, driven by a weighted ensemble of signal models.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires subsystems, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: candles → features → models → consensus → risk → OMS
//	market/features.go   — folds closed candles into indicator vectors (SMA, EMA, RSI, MACD, BB, ATR)
//	model/host.go        — scores every ensemble model concurrently with a per-tick deadline
//	signal/signal.go     — weighted consensus: agreement count and confidence gate intents
//	risk/engine.go       — sizing (fractional Kelly, ATR-normalized) and exposure/VaR/drawdown gates
//	oms/oms.go           — serialized order submission with idempotent client IDs and reconciliation
//	exchange/rest.go     — signed v5 REST client with rate limiting and retry backoff
//	exchange/ws.go       — public and private websocket feeds with auto-reconnect
//	exchange/paper.go    — in-process fill simulator backing paper mode
//	store/store.go       — append-only journal (sqlite) with projections, checkpoints, recovery
//	api/server.go        — operator HTTP surface and live event stream
//
// How it trades:
//
//	Each closed candle becomes a feature vector. Every model in the ensemble
//	scores the vector; when enough of them agree with enough confidence, the
//	consensus forms an intent. The risk engine sizes it against equity and
//	volatility, enforces exposure caps and circuit breakers, and hands the
//	approved order to the OMS. Every step lands in the journal first, so a
//	restart replays to exactly the state the process died with.
package main

import (
	"log/slog"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/api"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/clock"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/config"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/engine"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/exchange"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/market"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/model"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/oms"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/risk"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/signal"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/store"
	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

func main() {
	// .env is a development convenience; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADER_CONFIG"); p != "" {
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

	clk := clock.NewSystem()
	mode := types.Mode(cfg.Mode)

	// The journal opens first: recovery replays it into the projections the
	// risk engine and engine bootstrap read from.
	st, err := store.Open(cfg.Store, clk, logger)
	if err != nil {
		logger.Error("failed to open journal", "error", err)
		os.Exit(1)
	}

	riskEng := risk.NewEngine(cfg.Risk, mode, cfg.Models.ConfidenceThreshold, clk, logger)
	riskEng.Restore(st.Circuit())
	riskEng.SeedReturns(st.Returns())

	features := market.NewStore(cfg.Trading, logger)
	consensus := signal.NewEngine(cfg.Models, logger)

	host, err := model.NewHost(cfg.Models, clk, logger)
	if err != nil {
		logger.Error("failed to load models", "error", err)
		os.Exit(1)
	}

	env := exchange.Env(cfg.Exchange.Environment)
	if env == "" {
		env = exchange.EnvForMode(mode)
	}
	ep, err := exchange.EndpointsFor(env)
	if err != nil {
		logger.Error("invalid exchange environment", "error", err)
		os.Exit(1)
	}

	limiter := exchange.NewRateLimiter(cfg.RateLimit, logger)
	signer := exchange.NewSigner(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.RecvWindow, clk)
	rest := exchange.NewClient(cfg.Exchange, ep, signer, limiter, logger)
	public := exchange.NewPublicFeed(ep.PublicStream(types.Category(cfg.Trading.Category)), cfg.Exchange, logger)

	// Live mode trades against the exchange through the signed client and the
	// private stream. Every other mode routes orders into the in-process
	// simulator; market data still comes from the real public stream.
	var trader oms.Trader
	deps := engine.Deps{
		Cfg:      cfg,
		Journal:  st,
		Features: features,
		Scorer:   host,
		Signal:   consensus,
		Risk:     riskEng,
		Public:   public,
		Market:   rest,
		Clock:    clk,
		Logger:   logger,
	}
	if mode == types.ModeLive {
		private := exchange.NewPrivateFeed(ep.PrivateWS, signer, cfg.Exchange, logger)
		trader = rest
		deps.Private = private
		deps.Account = private
		deps.AccountData = rest
	} else {
		paper := exchange.NewPaper(cfg.OMS, clk, logger)
		trader = paper
		deps.Account = paper
		deps.AccountData = paper
		deps.Books = paper
		logger.Warn("paper mode — fills are simulated in-process")
	}

	manager := oms.NewManager(cfg.OMS, cfg.Trading, cfg.Exchange, trader, st, clk, logger)
	deps.OMS = manager

	eng := engine.New(deps)

	apiServer := api.NewServer(cfg.Server, eng, st, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("operator API failed", "error", err)
		}
	}()

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		st.Close()
		os.Exit(1)
	}

	logger.Info("trader started",
		"version", api.Version,
		"mode", cfg.Mode,
		"environment", env,
		"symbols", cfg.Trading.Symbols,
		"interval", cfg.Trading.Interval,
		"auto_trader", cfg.Trading.AutoTrader,
	)

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// A second signal skips the graceful path.
	go func() {
		sig := <-sigCh
		logger.Error("second signal, exiting immediately", "signal", sig.String())
		os.Exit(2)
	}()

	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop operator API", "error", err)
	}
	eng.Stop()
	st.Close()
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

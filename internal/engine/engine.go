// Package engine is the trading orchestrator.
//
// It wires the subsystems into one pipeline:
//
//  1. The public websocket feed delivers closed candles per symbol.
//  2. The feature store folds each candle into an indicator vector.
//  3. The model host scores the vector; the consensus policy forms an intent.
//  4. The risk engine sizes and gates the intent; approvals go to the OMS.
//  5. Every step is journaled in pipeline order, per tick.
//
// Around the pipeline the engine routes the private account stream (orders,
// positions, wallet) into the OMS and risk engine, consumes circuit trips,
// runs periodic reconciliation against the exchange, and schedules the daily
// risk reset, retention sweep, and journal checkpoints.
//
// Lifecycle: New() → Start() → [runs until signal] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/clock"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/config"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/market"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/oms"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/risk"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/signal"
	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// Suppression reasons the engine journals on top of the consensus ones.
const (
	SuppressWarmup = "features_warming"
)

// Journal is the slice of the event store the engine depends on.
type Journal interface {
	Append(types.JournalEvent) types.JournalEvent
	Checkpoint() error
	Sweep() (int64, error)
	Positions() []types.Position
	Wallet() types.Balance
	Circuit() types.CircuitState
	DailyPnl() float64
}

// Scorer produces one score per ensemble model for a feature vector.
type Scorer interface {
	ScoreAll(ctx context.Context, fv types.FeatureVector) []types.ModelScore
}

// PublicStream is the market-data half of the websocket gateway.
type PublicStream interface {
	Run(ctx context.Context) error
	Subscribe(topics []string) error
	Candles() <-chan types.Candle
	Tickers() <-chan types.Ticker
	BookTops() <-chan types.BookTop
	Reconnects() <-chan struct{}
	Close() error
}

// AccountStream delivers private order, position, and wallet updates. Live
// it is the private websocket feed; in paper mode the fill simulator.
type AccountStream interface {
	Orders() <-chan types.Order
	Positions() <-chan types.Position
	Wallets() <-chan types.Balance
}

// PrivateStream is the connection half of a live account feed. Nil in
// paper mode, where the simulator needs no connection.
type PrivateStream interface {
	Run(ctx context.Context) error
	Subscribe(topics []string) error
	Reconnects() <-chan struct{}
	Close() error
}

// MarketData is the REST surface used for instrument filters and the
// kline backfill at boot.
type MarketData interface {
	GetKlines(ctx context.Context, category types.Category, symbol string, interval types.Interval, limit int) ([]types.Candle, error)
	GetInstruments(ctx context.Context, category types.Category, symbol string) ([]types.InstrumentInfo, error)
}

// AccountData is the REST surface for the initial account snapshot.
type AccountData interface {
	GetWalletBalance(ctx context.Context) (*types.Balance, error)
	GetPositions(ctx context.Context, category types.Category, symbol string) ([]types.Position, error)
	GetOpenOrders(ctx context.Context, category types.Category, symbol string) ([]types.Order, error)
}

// BookSink receives top-of-book updates. In paper mode this is the fill
// simulator; nil in live mode.
type BookSink interface {
	UpdateBook(types.BookTop)
	UpdateTicker(types.Ticker)
}

// Deps carries everything the engine orchestrates. Market, AccountData,
// Private, and Books are optional; the rest are required.
type Deps struct {
	Cfg         *config.Config
	Journal     Journal
	Features    *market.Store
	Scorer      Scorer
	Signal      *signal.Engine
	Risk        *risk.Engine
	OMS         *oms.Manager
	Public      PublicStream
	Account     AccountStream
	Private     PrivateStream
	Market      MarketData
	AccountData AccountData
	Books       BookSink
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Engine owns the goroutines that move data between the subsystems.
type Engine struct {
	cfg         *config.Config
	category    types.Category
	interval    types.Interval
	journal     Journal
	features    *market.Store
	scorer      Scorer
	signal      *signal.Engine
	risk        *risk.Engine
	oms         *oms.Manager
	public      PublicStream
	account     AccountStream
	private     PrivateStream
	market      MarketData
	accountData AccountData
	books       BookSink
	clock       clock.Clock
	logger      *slog.Logger

	// active gates the auto trader: when false, intents are journaled but
	// never reach the risk engine. Manual executes bypass it.
	active    atomic.Bool
	startedAt time.Time
	cron      *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the engine. It does not touch the network; Start does.
func New(d Deps) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         d.Cfg,
		category:    types.Category(d.Cfg.Trading.Category),
		interval:    types.Interval(d.Cfg.Trading.Interval),
		journal:     d.Journal,
		features:    d.Features,
		scorer:      d.Scorer,
		signal:      d.Signal,
		risk:        d.Risk,
		oms:         d.OMS,
		public:      d.Public,
		account:     d.Account,
		private:     d.Private,
		market:      d.Market,
		accountData: d.AccountData,
		books:       d.Books,
		clock:       d.Clock,
		logger:      d.Logger.With("component", "engine"),
		ctx:         ctx,
		cancel:      cancel,
	}
	e.active.Store(d.Cfg.Trading.AutoTrader)
	return e
}

// Start bootstraps state from the exchange, subscribes the streams, and
// launches every background loop.
func (e *Engine) Start() error {
	e.startedAt = e.clock.Now()

	if err := e.bootstrap(e.ctx); err != nil {
		return err
	}

	e.spawn(e.runPublic)
	if e.private != nil {
		e.spawn(e.runPrivate)
	}
	e.spawn(e.pipeline)
	e.spawn(e.marketRouter)
	e.spawn(e.accountRouter)
	e.spawn(e.tripLoop)
	e.spawn(e.reconcileLoop)
	e.startCron()

	e.logger.Info("engine started",
		"mode", e.risk.Mode(),
		"symbols", e.cfg.Trading.Symbols,
		"interval", e.interval,
		"auto_trader", e.active.Load(),
	)
	return nil
}

func (e *Engine) spawn(loop func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		loop()
	}()
}

// bootstrap pulls the state the pipeline needs before the first tick:
// instrument filters, candle history, and the account snapshot. The
// exchange's view of positions and orders wins over anything recovered
// from the journal.
func (e *Engine) bootstrap(ctx context.Context) error {
	if e.market != nil {
		infos, err := e.market.GetInstruments(ctx, e.category, "")
		if err != nil {
			return fmt.Errorf("fetch instruments: %w", err)
		}
		e.risk.SetInstruments(infos)

		for _, symbol := range e.cfg.Trading.Symbols {
			candles, err := e.market.GetKlines(ctx, e.category, symbol, e.interval, e.cfg.Trading.WarmupBars)
			if err != nil {
				return fmt.Errorf("backfill %s: %w", symbol, err)
			}
			fv := e.features.Seed(symbol, candles)
			if fv.Close > 0 {
				e.risk.OnMark(symbol, fv.Close)
			}
		}
	}

	if e.accountData != nil {
		bal, err := e.accountData.GetWalletBalance(ctx)
		if err != nil {
			e.logger.Warn("initial wallet fetch failed", "error", err)
		} else if bal != nil {
			e.journal.Append(types.NewWalletEvent(*bal))
			e.risk.OnWallet(*bal)
		}

		positions, err := e.accountData.GetPositions(ctx, e.category, "")
		if err != nil {
			e.logger.Warn("initial positions fetch failed", "error", err)
		}
		for _, p := range positions {
			e.journal.Append(types.NewPositionEvent(p))
			e.risk.OnPosition(p)
		}

		open, err := e.accountData.GetOpenOrders(ctx, e.category, "")
		if err != nil {
			e.logger.Warn("initial open orders fetch failed", "error", err)
		}
		e.oms.Seed(open)
	}

	topics := make([]string, 0, 3*len(e.cfg.Trading.Symbols))
	for _, symbol := range e.cfg.Trading.Symbols {
		topics = append(topics,
			"kline."+string(e.interval)+"."+symbol,
			"tickers."+symbol,
		)
		if e.books != nil {
			topics = append(topics, "orderbook.1."+symbol)
		}
	}
	if err := e.public.Subscribe(topics); err != nil {
		return fmt.Errorf("subscribe market data: %w", err)
	}
	if e.private != nil {
		if err := e.private.Subscribe([]string{"order", "position", "wallet"}); err != nil {
			return fmt.Errorf("subscribe account stream: %w", err)
		}
	}
	return nil
}

// startCron schedules the time-driven maintenance jobs. Cron runs on wall
// clock: the daily reset must fire at real midnight UTC regardless of how
// the injectable clock is used elsewhere.
func (e *Engine) startCron() {
	e.cron = cron.New(cron.WithLocation(time.UTC))

	if _, err := e.cron.AddFunc("0 0 * * *", func() {
		e.risk.ResetDaily()
	}); err != nil {
		e.logger.Error("schedule daily reset", "error", err)
	}
	if _, err := e.cron.AddFunc("30 0 * * *", func() {
		if _, err := e.journal.Sweep(); err != nil {
			e.logger.Error("retention sweep failed", "error", err)
		}
	}); err != nil {
		e.logger.Error("schedule retention sweep", "error", err)
	}

	interval := e.cfg.Store.CheckpointInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if _, err := e.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if err := e.journal.Checkpoint(); err != nil {
			e.logger.Error("checkpoint failed", "error", err)
		}
	}); err != nil {
		e.logger.Error("schedule checkpoint", "error", err)
	}

	e.cron.Start()
}

// Stop shuts down in dependency order: stop producing work, drain the OMS
// queue, close the streams, then take a final checkpoint.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")

	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	e.cancel()
	e.oms.Close()
	if e.public != nil {
		e.public.Close()
	}
	if e.private != nil {
		e.private.Close()
	}
	e.wg.Wait()

	if err := e.journal.Checkpoint(); err != nil {
		e.logger.Error("final checkpoint failed", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// ————————————————————————————————————————————————————————————————————————
// Operator surface
// ————————————————————————————————————————————————————————————————————————

// Mode returns the current trading mode.
func (e *Engine) Mode() types.Mode { return e.risk.Mode() }

// Circuit returns the live breaker state.
func (e *Engine) Circuit() types.CircuitState { return e.risk.Circuit() }

// TradingActive reports whether the auto trader routes intents to risk.
func (e *Engine) TradingActive() bool { return e.active.Load() }

// Positions returns the journaled position projection.
func (e *Engine) Positions() []types.Position { return e.journal.Positions() }

// OpenOrders returns the OMS's live open-order set.
func (e *Engine) OpenOrders() []types.Order { return e.oms.OpenOrders() }

// Balance returns the journaled wallet projection.
func (e *Engine) Balance() types.Balance { return e.journal.Wallet() }

// RiskSnapshot returns the aggregate risk metrics.
func (e *Engine) RiskSnapshot() risk.Snapshot { return e.risk.GetSnapshot() }

// StartedAt returns when Start ran, for uptime reporting.
func (e *Engine) StartedAt() time.Time { return e.startedAt }

// StartTrading enables the auto trader. A tripped circuit must be reset
// first; a halted mode is switched back to the configured one.
func (e *Engine) StartTrading() error {
	c := e.risk.Circuit()
	if c.Killed || c.DailyDrawdownTripped || c.VarTripped {
		return types.NewError(types.KindCircuitTripped,
			"circuit is tripped ("+c.LastTripReason+"); reset it before starting")
	}

	if e.risk.Mode() == types.ModeHalt {
		target := types.Mode(e.cfg.Mode)
		if target == types.ModeHalt || !types.ValidMode(string(target)) {
			target = types.ModePaper
		}
		prev := e.risk.SetMode(target)
		e.journal.Append(types.NewModeEvent(prev, target))
	}

	e.active.Store(true)
	e.logger.Info("auto trading started", "mode", e.risk.Mode())
	return nil
}

// StopTrading pauses the auto trader. Open positions and resting orders
// are left alone; the pipeline keeps journaling ticks and intents.
func (e *Engine) StopTrading() {
	e.active.Store(false)
	e.logger.Info("auto trading stopped")
}

// SetMode switches the trading mode and journals the transition. The venue
// wiring is fixed at construction, so moving between paper and live here
// changes only the risk gate, not where orders go. Switching to halt blocks
// new entries without flattening; HaltAll is the preemptive variant.
func (e *Engine) SetMode(m types.Mode) (types.Mode, error) {
	if !types.ValidMode(string(m)) {
		return "", types.NewError(types.KindValidationRejected, "invalid mode %q", m)
	}
	prev := e.risk.SetMode(m)
	if prev != m {
		e.journal.Append(types.NewModeEvent(prev, m))
	}
	return prev, nil
}

// HaltAll is the operator kill switch: mode to halt, auto trader off,
// circuit latched. The trip consumer journals the trip and flattens.
func (e *Engine) HaltAll(operator string) {
	prev := e.risk.Mode()
	e.active.Store(false)
	e.risk.HaltAll("halt requested by " + operator)
	if prev != types.ModeHalt {
		e.journal.Append(types.NewModeEvent(prev, types.ModeHalt))
	}
}

// ResetCircuit clears the latched breakers and journals who did it. Mode
// stays halted until StartTrading.
func (e *Engine) ResetCircuit(reason, operator string) {
	e.risk.ResetCircuit(reason, operator)
	e.journal.Append(types.NewCircuitResetEvent(reason, operator))
}

// Execute places a manual order through the full risk gate. It bypasses
// the auto-trader toggle but never the circuit. A zero confidence is
// treated as full conviction so the threshold check cannot reject an
// explicit operator action.
func (e *Engine) Execute(ctx context.Context, symbol string, side types.Side, confidence float64) (types.RiskDecision, error) {
	fv, ok := e.features.Snapshot(symbol)
	if !ok {
		return types.RiskDecision{}, types.NewError(types.KindValidationRejected,
			"no market data for "+symbol)
	}
	if confidence <= 0 {
		confidence = 1
	}

	intent := types.Intent{
		Symbol:     symbol,
		Side:       side,
		Confidence: confidence,
		AsOf:       e.clock.Now().UTC(),
	}
	e.journal.Append(types.NewIntentEvent(intent))
	return e.decide(ctx, intent, fv)
}

package engine

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/clock"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/config"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/exchange"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/market"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/oms"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/risk"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/signal"
	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

var engineTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEngineConfig() *config.Config {
	return &config.Config{
		Mode: "paper",
		Exchange: config.ExchangeConfig{
			RecvWindow:       5000,
			RetryBase:        time.Millisecond,
			RetryCap:         5 * time.Millisecond,
			RetryMaxAttempts: 2,
		},
		Trading: config.TradingConfig{
			StrategyID: "ensemble-v1",
			Symbols:    []string{"BTCUSDT"},
			Category:   "linear",
			Interval:   "1",
			AutoTrader: true,
			WarmupBars: 120,
			SMAPeriod:  20,
			EMAPeriod:  12,
		},
		Models: config.ModelsConfig{
			Models: []config.ModelConfig{
				{ID: "m1", Weight: 0.4},
				{ID: "m2", Weight: 0.35},
				{ID: "m3", Weight: 0.25},
			},
			MinAgreeCount:       2,
			ConfidenceThreshold: 0.70,
			ScoreTimeout:        time.Second,
		},
		Risk: config.RiskConfig{
			MaxPositions:      5,
			PerSymbolCapUSD:   10000,
			PortfolioCapPct:   0.5,
			DailyLossLimitPct: 0.03,
			StopLossPct:       0.02,
			TakeProfitPct:     0.04,
			VarLimitPct:       0.05,
			MaxRiskPerTrade:   0.01,
			ReturnsWindow:     250,
		},
		OMS: config.OMSConfig{
			QueueSize:         8,
			ReconcileInterval: time.Hour,
			PaperSlippageBps:  5,
			PaperEquityUSD:    10000,
		},
		Store: config.StoreConfig{CheckpointInterval: time.Hour},
	}
}

// fakeJournal records appended events and keeps the position and wallet
// projections the way the real store does.
type fakeJournal struct {
	mu        sync.Mutex
	events    []types.JournalEvent
	seq       uint64
	positions map[string]types.Position
	wallet    types.Balance
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{positions: make(map[string]types.Position)}
}

func (j *fakeJournal) Append(evt types.JournalEvent) types.JournalEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	evt.Seq = j.seq
	j.events = append(j.events, evt)

	switch evt.Type {
	case types.EventPositionUpdated:
		if evt.Position.Size == 0 {
			delete(j.positions, evt.Position.Symbol)
		} else {
			j.positions[evt.Position.Symbol] = *evt.Position
		}
	case types.EventWalletUpdated:
		j.wallet = *evt.Wallet
	}
	return evt
}

func (j *fakeJournal) Checkpoint() error     { return nil }
func (j *fakeJournal) Sweep() (int64, error) { return 0, nil }
func (j *fakeJournal) DailyPnl() float64     { return 0 }

func (j *fakeJournal) Circuit() types.CircuitState { return types.CircuitState{} }

func (j *fakeJournal) Wallet() types.Balance {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wallet
}

func (j *fakeJournal) Positions() []types.Position {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]types.Position, 0, len(j.positions))
	for _, p := range j.positions {
		out = append(out, p)
	}
	return out
}

func (j *fakeJournal) seedPosition(p types.Position) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.positions[p.Symbol] = p
}

func (j *fakeJournal) ofType(t types.EventType) []types.JournalEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []types.JournalEvent
	for _, evt := range j.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

// await polls until an event matching the predicate has been journaled.
func (j *fakeJournal) await(t *testing.T, timeout time.Duration, what string, match func(types.JournalEvent) bool) types.JournalEvent {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		j.mu.Lock()
		for _, evt := range j.events {
			if match(evt) {
				j.mu.Unlock()
				return evt
			}
		}
		j.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("journal never saw %s within %v", what, timeout)
	return types.JournalEvent{}
}

func (j *fakeJournal) awaitType(t *testing.T, typ types.EventType) types.JournalEvent {
	t.Helper()
	return j.await(t, 2*time.Second, string(typ), func(evt types.JournalEvent) bool {
		return evt.Type == typ
	})
}

type fakeStream struct {
	candleCh chan types.Candle
	tickerCh chan types.Ticker
	bookCh   chan types.BookTop
	reconnCh chan struct{}

	mu     sync.Mutex
	topics []string
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		candleCh: make(chan types.Candle, 16),
		tickerCh: make(chan types.Ticker, 16),
		bookCh:   make(chan types.BookTop, 16),
		reconnCh: make(chan struct{}, 1),
	}
}

func (f *fakeStream) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeStream) Subscribe(topics []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topics...)
	return nil
}

func (f *fakeStream) Candles() <-chan types.Candle   { return f.candleCh }
func (f *fakeStream) Tickers() <-chan types.Ticker   { return f.tickerCh }
func (f *fakeStream) BookTops() <-chan types.BookTop { return f.bookCh }
func (f *fakeStream) Reconnects() <-chan struct{}    { return f.reconnCh }
func (f *fakeStream) Close() error                   { return nil }

func (f *fakeStream) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.topics...)
}

type fakeScorer struct {
	mu     sync.Mutex
	scores []types.ModelScore
}

func (s *fakeScorer) set(scores []types.ModelScore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = scores
}

func (s *fakeScorer) ScoreAll(_ context.Context, fv types.FeatureVector) []types.ModelScore {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ModelScore, len(s.scores))
	copy(out, s.scores)
	for i := range out {
		out[i].AsOf = fv.AsOf
	}
	return out
}

type harness struct {
	engine   *Engine
	journal  *fakeJournal
	paper    *exchange.Paper
	stream   *fakeStream
	scorer   *fakeScorer
	features *market.Store
	clock    *clock.Fake
}

func newTestEngine(t *testing.T) *harness {
	t.Helper()
	cfg := testEngineConfig()
	clk := clock.NewFake(engineTime)
	logger := testLogger()

	journal := newFakeJournal()
	paper := exchange.NewPaper(cfg.OMS, clk, logger)
	features := market.NewStore(cfg.Trading, logger)
	consensus := signal.NewEngine(cfg.Models, logger)
	riskEng := risk.NewEngine(cfg.Risk, types.ModePaper, cfg.Models.ConfidenceThreshold, clk, logger)
	riskEng.SetInstruments([]types.InstrumentInfo{
		{Symbol: "BTCUSDT", TickSize: "0.1", QtyStep: "0.001", MinOrderQty: "0.001"},
	})
	manager := oms.NewManager(cfg.OMS, cfg.Trading, cfg.Exchange, paper, journal, clk, logger)
	stream := newFakeStream()
	scorer := &fakeScorer{}

	e := New(Deps{
		Cfg:         cfg,
		Journal:     journal,
		Features:    features,
		Scorer:      scorer,
		Signal:      consensus,
		Risk:        riskEng,
		OMS:         manager,
		Public:      stream,
		Account:     paper,
		AccountData: paper,
		Books:       paper,
		Clock:       clk,
		Logger:      logger,
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.Stop)

	return &harness{
		engine:   e,
		journal:  journal,
		paper:    paper,
		stream:   stream,
		scorer:   scorer,
		features: features,
		clock:    clk,
	}
}

// warm seeds candle history and the paper book so intents can size and fill.
func (h *harness) warm(t *testing.T) {
	t.Helper()
	h.features.Seed("BTCUSDT", backfill(130))
	h.paper.UpdateBook(types.BookTop{
		Symbol:  "BTCUSDT",
		Bid:     50990,
		BidSize: 5,
		Ask:     51010,
		AskSize: 5,
		Time:    engineTime,
	})
}

// backfill builds n minutes of history ending just before engineTime. The
// wide high-low range keeps ATR around 2000 so sizing stays well inside
// the exposure caps.
func backfill(n int) []types.Candle {
	out := make([]types.Candle, n)
	start := engineTime.Add(-time.Duration(n) * time.Minute)
	px := 50000.0
	for i := range out {
		drift := float64(i%7-3) * 10
		open, close := px, px+drift
		high, low := open, close
		if close > high {
			high = close
		}
		if open < low {
			low = open
		}
		out[i] = types.Candle{
			Symbol:   "BTCUSDT",
			Interval: "1",
			OpenTime: start.Add(time.Duration(i) * time.Minute),
			Open:     open,
			High:     high + 1000,
			Low:      low - 1000,
			Close:    close,
			Volume:   10,
		}
		px = close
	}
	return out
}

func candleAt(openTime time.Time, close float64) types.Candle {
	return types.Candle{
		Symbol:   "BTCUSDT",
		Interval: "1",
		OpenTime: openTime,
		Open:     close - 20,
		High:     close + 1000,
		Low:      close - 1020,
		Close:    close,
		Volume:   12,
	}
}

func agreeingBuyScores(conf float64) []types.ModelScore {
	return []types.ModelScore{
		{ModelID: "m1", Signal: types.SignalBuy, Confidence: conf},
		{ModelID: "m2", Signal: types.SignalBuy, Confidence: conf},
		{ModelID: "m3", Signal: types.SignalBuy, Confidence: conf},
	}
}

func TestStartBootstrapsAccountState(t *testing.T) {
	t.Parallel()
	h := newTestEngine(t)

	if got := h.journal.Wallet().TotalEquity; got != 10000 {
		t.Errorf("bootstrapped equity = %v, want 10000", got)
	}
	if !h.engine.TradingActive() {
		t.Error("TradingActive = false, want true from config")
	}
	if got := h.engine.Mode(); got != types.ModePaper {
		t.Errorf("Mode = %v, want paper", got)
	}

	topics := h.stream.subscribed()
	want := map[string]bool{
		"kline.1.BTCUSDT":     false,
		"tickers.BTCUSDT":     false,
		"orderbook.1.BTCUSDT": false,
	}
	for _, topic := range topics {
		if _, ok := want[topic]; ok {
			want[topic] = true
		}
	}
	for topic, seen := range want {
		if !seen {
			t.Errorf("topic %s never subscribed (got %v)", topic, topics)
		}
	}
}

func TestTickPipelineApprovedOrderFills(t *testing.T) {
	t.Parallel()
	h := newTestEngine(t)
	h.warm(t)
	h.scorer.set(agreeingBuyScores(0.8))

	h.stream.candleCh <- candleAt(engineTime, 51000)

	decided := h.journal.awaitType(t, types.EventRiskDecided)
	if !decided.Risk.Approved {
		t.Fatalf("risk decision = %+v, want approved", decided.Risk)
	}
	if decided.Risk.Order.Quantity <= 0 {
		t.Errorf("approved quantity = %v, want > 0", decided.Risk.Order.Quantity)
	}

	// The synchronous pipeline prefix must land in order.
	var prefix []types.EventType
	h.journal.mu.Lock()
	for _, evt := range h.journal.events {
		if evt.Seq <= decided.Seq && evt.Seq > decided.Seq-7 {
			prefix = append(prefix, evt.Type)
		}
	}
	h.journal.mu.Unlock()
	wantPrefix := []types.EventType{
		types.EventTickObserved,
		types.EventFeaturesComputed,
		types.EventModelScored,
		types.EventModelScored,
		types.EventModelScored,
		types.EventIntentFormed,
		types.EventRiskDecided,
	}
	if len(prefix) != len(wantPrefix) {
		t.Fatalf("pipeline events = %v, want %v", prefix, wantPrefix)
	}
	for i := range wantPrefix {
		if prefix[i] != wantPrefix[i] {
			t.Fatalf("pipeline order = %v, want %v", prefix, wantPrefix)
		}
	}

	// The paper venue fills market orders; the fill flows back through the
	// account stream into the journal.
	term := h.journal.awaitType(t, types.EventOrderTerminal)
	if term.Order.State != types.OrderFilled {
		t.Errorf("terminal state = %v, want Filled", term.Order.State)
	}
	pos := h.journal.await(t, 2*time.Second, "open position", func(evt types.JournalEvent) bool {
		return evt.Type == types.EventPositionUpdated && evt.Position.Size > 0
	})
	if pos.Position.Side != types.Buy {
		t.Errorf("position side = %v, want Buy", pos.Position.Side)
	}
}

func TestConsensusSplitSuppresses(t *testing.T) {
	t.Parallel()
	h := newTestEngine(t)
	h.warm(t)
	h.scorer.set([]types.ModelScore{
		{ModelID: "m1", Signal: types.SignalBuy, Confidence: 0.8},
		{ModelID: "m2", Signal: types.SignalSell, Confidence: 0.8},
		{ModelID: "m3", Signal: types.SignalFlat, Confidence: 0.9},
	})

	h.stream.candleCh <- candleAt(engineTime, 51000)

	sup := h.journal.awaitType(t, types.EventIntentSuppressed)
	if sup.Suppressed.Reason != signal.ReasonInsufficientAgreement {
		t.Errorf("suppression reason = %q, want %q",
			sup.Suppressed.Reason, signal.ReasonInsufficientAgreement)
	}
	if got := len(h.journal.ofType(types.EventIntentFormed)); got != 0 {
		t.Errorf("IntentFormed events = %d, want 0", got)
	}
	if got := len(h.journal.ofType(types.EventRiskDecided)); got != 0 {
		t.Errorf("RiskDecided events = %d, want 0", got)
	}
}

func TestWarmupSuppressesScoring(t *testing.T) {
	t.Parallel()
	h := newTestEngine(t)
	// Only a handful of bars: indicators cannot be complete.
	h.features.Seed("BTCUSDT", backfill(10))
	h.scorer.set(agreeingBuyScores(0.9))

	h.stream.candleCh <- candleAt(engineTime, 51000)

	sup := h.journal.awaitType(t, types.EventIntentSuppressed)
	if sup.Suppressed.Reason != SuppressWarmup {
		t.Errorf("suppression reason = %q, want %q", sup.Suppressed.Reason, SuppressWarmup)
	}
	if got := len(h.journal.ofType(types.EventModelScored)); got != 0 {
		t.Errorf("ModelScored events = %d, want 0 before warmup", got)
	}
}

func TestStopTradingLeavesIntentsUnrouted(t *testing.T) {
	t.Parallel()
	h := newTestEngine(t)
	h.warm(t)
	h.scorer.set(agreeingBuyScores(0.8))

	h.engine.StopTrading()
	if h.engine.TradingActive() {
		t.Fatal("TradingActive = true after StopTrading")
	}

	h.stream.candleCh <- candleAt(engineTime, 51000)

	h.journal.awaitType(t, types.EventIntentFormed)
	time.Sleep(50 * time.Millisecond)
	if got := len(h.journal.ofType(types.EventRiskDecided)); got != 0 {
		t.Errorf("RiskDecided events = %d, want 0 while stopped", got)
	}

	if err := h.engine.StartTrading(); err != nil {
		t.Fatalf("StartTrading: %v", err)
	}
	h.stream.candleCh <- candleAt(engineTime.Add(time.Minute), 51010)
	h.journal.awaitType(t, types.EventRiskDecided)
}

func TestManualExecuteRunsRiskGate(t *testing.T) {
	t.Parallel()
	h := newTestEngine(t)
	h.warm(t)

	// Unknown symbol: no feature snapshot, refused before the risk gate.
	if _, err := h.engine.Execute(context.Background(), "DOGEUSDT", types.Buy, 0); err == nil {
		t.Error("Execute on unwarmed symbol succeeded, want error")
	}

	decision, err := h.engine.Execute(context.Background(), "BTCUSDT", types.Buy, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !decision.Approved {
		t.Fatalf("decision = %+v, want approved", decision)
	}
	if decision.Intent.Confidence != 1 {
		t.Errorf("zero confidence mapped to %v, want 1", decision.Intent.Confidence)
	}
	h.journal.await(t, 2*time.Second, "manual fill", func(evt types.JournalEvent) bool {
		return evt.Type == types.EventOrderTerminal && evt.Order.State == types.OrderFilled
	})
}

func TestSetModeJournalsTransition(t *testing.T) {
	t.Parallel()
	h := newTestEngine(t)

	prev, err := h.engine.SetMode(types.ModeLive)
	if err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if prev != types.ModePaper {
		t.Errorf("previous mode = %v, want paper", prev)
	}
	changes := h.journal.ofType(types.EventModeChanged)
	if len(changes) != 1 || changes[0].ModeChange.From != types.ModePaper || changes[0].ModeChange.To != types.ModeLive {
		t.Fatalf("mode events = %+v, want a single paper to live change", changes)
	}

	// Same mode again is a no-op, not a journal entry.
	if _, err := h.engine.SetMode(types.ModeLive); err != nil {
		t.Fatalf("SetMode repeat: %v", err)
	}
	if changes := h.journal.ofType(types.EventModeChanged); len(changes) != 1 {
		t.Errorf("mode events after repeat = %d, want 1", len(changes))
	}

	if _, err := h.engine.SetMode(types.Mode("margin")); !types.IsKind(err, types.KindValidationRejected) {
		t.Errorf("invalid mode err = %v, want ValidationRejected", err)
	}
}

func TestHaltFlattensAndRecovers(t *testing.T) {
	t.Parallel()
	h := newTestEngine(t)
	h.warm(t)

	if _, err := h.engine.Execute(context.Background(), "BTCUSDT", types.Buy, 0.9); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	h.journal.await(t, 2*time.Second, "open position", func(evt types.JournalEvent) bool {
		return evt.Type == types.EventPositionUpdated && evt.Position.Size > 0
	})

	h.engine.HaltAll("ops")

	trip := h.journal.awaitType(t, types.EventCircuitTripped)
	if trip.Circuit.Reason != risk.TripOperatorHalt {
		t.Errorf("trip reason = %q, want %q", trip.Circuit.Reason, risk.TripOperatorHalt)
	}
	mode := h.journal.awaitType(t, types.EventModeChanged)
	if mode.ModeChange.To != types.ModeHalt {
		t.Errorf("mode change to %v, want halt", mode.ModeChange.To)
	}
	if h.engine.TradingActive() {
		t.Error("TradingActive = true after halt")
	}

	// The flatten closes the book on the venue.
	h.journal.await(t, 2*time.Second, "flattened position", func(evt types.JournalEvent) bool {
		return evt.Type == types.EventPositionUpdated && evt.Position.Size == 0
	})
	positions, err := h.paper.GetPositions(context.Background(), types.CategoryLinear, "")
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	for _, p := range positions {
		if p.Size != 0 {
			t.Errorf("venue position %s size = %v after flatten, want 0", p.Symbol, p.Size)
		}
	}

	// Tripped circuit refuses a restart until reset.
	if err := h.engine.StartTrading(); err == nil {
		t.Fatal("StartTrading with tripped circuit succeeded, want error")
	}
	h.engine.ResetCircuit("reviewed", "ops")
	h.journal.awaitType(t, types.EventCircuitReset)
	if err := h.engine.StartTrading(); err != nil {
		t.Fatalf("StartTrading after reset: %v", err)
	}
	if got := h.engine.Mode(); got != types.ModePaper {
		t.Errorf("Mode after restart = %v, want paper", got)
	}
	if !h.engine.TradingActive() {
		t.Error("TradingActive = false after restart")
	}
}

func TestReconnectReconciliationClosesGhostPosition(t *testing.T) {
	t.Parallel()
	h := newTestEngine(t)
	h.warm(t)

	// A position the journal believes in but the venue does not have.
	h.journal.seedPosition(types.Position{
		Symbol:        "ETHUSDT",
		Side:          types.Buy,
		Size:          0.5,
		AvgEntryPrice: 3000,
		UpdatedAt:     engineTime.Add(-time.Hour),
	})

	h.stream.reconnCh <- struct{}{}

	diff := h.journal.awaitType(t, types.EventReconciliationDiff)
	if diff.Diff.Field != "position" || diff.Diff.Exchange != "absent" {
		t.Fatalf("diff = %+v, want position/absent", diff.Diff)
	}
	closed := h.journal.await(t, 2*time.Second, "ghost close", func(evt types.JournalEvent) bool {
		return evt.Type == types.EventPositionUpdated &&
			evt.Symbol == "ETHUSDT" && evt.Position.Size == 0
	})
	if closed.Position.Symbol != "ETHUSDT" {
		t.Errorf("closed symbol = %s, want ETHUSDT", closed.Position.Symbol)
	}
	if got := h.journal.Positions(); len(got) != 0 {
		t.Errorf("projected positions after reconcile = %v, want none", got)
	}
}

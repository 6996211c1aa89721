// Package risk turns intents into approved orders, or typed rejections.
//
// The engine runs a fixed sequence of pre-trade checks (circuit gate,
// position count, per-symbol and portfolio exposure, daily drawdown,
// historical VaR, confidence floor) and sizes the order only when every
// check passes. Drawdown and VaR breaches trip a sticky circuit breaker
// that blocks all new entries until an operator resets it; a VaR breach
// additionally asks the caller to flatten every open position.
//
// Portfolio state (positions, marks, equity, the rolling returns window)
// is fed in by the orchestrator from exchange-observed events, never from
// local order submissions, so the engine's view matches the venue's.
package risk

import (
	"log/slog"
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/clock"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/config"
	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// Rejection reasons carried in RiskDecision.Reason. Stable strings: they
// are journaled and matched by the operator API.
const (
	ReasonHaltedByCircuit = "halted_by_circuit"
	ReasonMaxPositions    = "max_positions"
	ReasonPerSymbolCap    = "per_symbol_cap"
	ReasonPortfolioCap    = "portfolio_cap"
	ReasonDailyDrawdown   = "daily_drawdown"
	ReasonVarLimit        = "var_limit"
	ReasonLowConfidence   = "low_confidence"
	ReasonNoMarketData    = "no_market_data"
	ReasonBelowMinLot     = "below_min_lot"
)

// Trip reasons journaled as CircuitTripped events.
const (
	TripDailyDrawdown = "daily_drawdown"
	TripVarLimit      = "var_limit"
	TripRateLimited   = "rate_limited"
	TripOperatorHalt  = "operator_halt"
)

const (
	// kellyMinTrades is the closed-trade count below which the Kelly cap
	// is skipped; with a short history the estimate is noise.
	kellyMinTrades = 20

	// minVarSamples is the smallest returns window the 99% quantile is
	// computed from. Below it the VaR check passes vacuously.
	minVarSamples = 20
)

// lotFilter is the pre-parsed per-symbol quantity filter.
type lotFilter struct {
	step decimal.Decimal
	min  decimal.Decimal
}

// Engine enforces the pre-trade checks and owns the circuit breaker.
type Engine struct {
	cfg       config.RiskConfig
	threshold float64
	clock     clock.Clock
	logger    *slog.Logger

	mu          sync.RWMutex
	circuit     types.CircuitState
	positions   map[string]types.Position
	marks       map[string]float64
	equity      float64 // wallet TotalEquity, realized only
	markedOpen  float64 // marked equity snapshot at the daily reset
	lastMarked  float64 // previous marked equity, for return samples
	returns     *returnsWindow
	instruments map[string]lotFilter

	// Whether the kill latch was accompanied by a flatten. A rate-limit
	// kill blocks entries without flattening; a later operator halt must
	// still get its flatten through.
	flattenRequested bool

	// Closed-trade tally feeding the Kelly cap.
	wins    int
	losses  int
	sumWin  float64
	sumLoss float64

	tripCh chan Trip
}

// NewEngine builds the risk engine. The initial circuit mode comes from
// config; threshold is the same confidence floor the signal engine applies.
func NewEngine(cfg config.RiskConfig, mode types.Mode, threshold float64, clk clock.Clock, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		threshold:   threshold,
		clock:       clk,
		logger:      logger.With("component", "risk"),
		circuit:     types.CircuitState{Mode: mode},
		positions:   make(map[string]types.Position),
		marks:       make(map[string]float64),
		returns:     newReturnsWindow(cfg.ReturnsWindow),
		instruments: make(map[string]lotFilter),
		tripCh:      make(chan Trip, 8),
	}
}

// SetInstruments registers the exchange's quantity filters. Unparseable
// filters are skipped; those symbols size without lot rounding.
func (e *Engine) SetInstruments(infos []types.InstrumentInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, info := range infos {
		var f lotFilter
		if step, err := decimal.NewFromString(info.QtyStep); err == nil && step.IsPositive() {
			f.step = step
		}
		if min, err := decimal.NewFromString(info.MinOrderQty); err == nil && min.IsPositive() {
			f.min = min
		}
		e.instruments[info.Symbol] = f
	}
}

// Evaluate runs the check sequence against one intent. The first failing
// check short-circuits; drawdown and VaR failures also trip the circuit.
// On approval the decision carries a sized ApprovedOrder with protective
// stop and take-profit prices; the OMS assigns the client order id.
func (e *Engine) Evaluate(intent types.Intent, fv types.FeatureVector) types.RiskDecision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.circuit.Tripped() {
		return e.rejectLocked(intent, ReasonHaltedByCircuit)
	}

	entry := fv.Close
	if entry <= 0 || fv.ATR <= 0 {
		return e.rejectLocked(intent, ReasonNoMarketData)
	}
	equity := e.markedEquityLocked()
	if equity <= 0 {
		return e.rejectLocked(intent, ReasonNoMarketData)
	}

	qty, ok := e.sizeLocked(intent.Symbol, equity, fv.ATR)
	if !ok {
		return e.rejectLocked(intent, ReasonBelowMinLot)
	}

	held, heldOK := e.positions[intent.Symbol]
	if !heldOK && len(e.positions)+1 > e.cfg.MaxPositions {
		return e.rejectLocked(intent, ReasonMaxPositions)
	}

	// Exposure after the would-be fill. Signed sizes so an opposite-side
	// intent counts as the reduction it is.
	var signed float64
	if heldOK {
		signed = signedSize(held)
	}
	delta := qty
	if intent.Side == types.Sell {
		delta = -qty
	}
	symbolAfter := math.Abs(signed+delta) * entry
	if symbolAfter > e.cfg.PerSymbolCapUSD {
		return e.rejectLocked(intent, ReasonPerSymbolCap)
	}

	symbolNow := math.Abs(signed) * e.markLocked(intent.Symbol, entry)
	portfolioAfter := e.totalNotionalLocked() - symbolNow + symbolAfter
	if portfolioAfter > e.cfg.PortfolioCapPct*equity {
		return e.rejectLocked(intent, ReasonPortfolioCap)
	}

	if e.drawdownBreachedLocked() {
		e.tripLocked(TripDailyDrawdown, false)
		return e.rejectLocked(intent, ReasonDailyDrawdown)
	}

	if v := e.var99Locked(); v > e.cfg.VarLimitPct {
		e.tripLocked(TripVarLimit, true)
		return e.rejectLocked(intent, ReasonVarLimit)
	}

	if intent.Confidence < e.threshold {
		return e.rejectLocked(intent, ReasonLowConfidence)
	}

	stop, take := protectivePrices(intent.Side, entry, e.cfg.StopLossPct, e.cfg.TakeProfitPct)
	order := &types.ApprovedOrder{
		Intent:          intent,
		Quantity:        qty,
		EntryType:       types.EntryMarket,
		StopLossPrice:   stop,
		TakeProfitPrice: take,
	}

	e.logger.Info("intent approved",
		"symbol", intent.Symbol,
		"side", intent.Side,
		"qty", qty,
		"stop", stop,
		"take_profit", take)

	return types.RiskDecision{Intent: intent, Approved: true, Order: order}
}

func (e *Engine) rejectLocked(intent types.Intent, reason string) types.RiskDecision {
	e.logger.Info("intent rejected",
		"symbol", intent.Symbol,
		"side", intent.Side,
		"reason", reason)
	return types.RiskDecision{Intent: intent, Reason: reason}
}

// sizeLocked computes the order quantity: the per-trade risk budget
// (equity × risk fraction, Kelly-capped) normalized by ATR, rounded down
// to the symbol's lot step. Returns false when the result falls below the
// exchange minimum or collapses to zero.
func (e *Engine) sizeLocked(symbol string, equity, atr float64) (float64, bool) {
	fraction := e.cfg.MaxRiskPerTrade
	if k, ok := e.kellyFractionLocked(); ok && k < fraction {
		fraction = k
	}
	if fraction <= 0 {
		return 0, false
	}

	qty := decimal.NewFromFloat(equity * fraction / atr)

	f := e.instruments[symbol]
	if f.step.IsPositive() {
		qty = qty.Div(f.step).Floor().Mul(f.step)
	}
	if f.min.IsPositive() && qty.LessThan(f.min) {
		return 0, false
	}

	out, _ := qty.Float64()
	if out <= 0 {
		return 0, false
	}
	return out, true
}

// kellyFractionLocked derives the Kelly fraction f = w − (1−w)/R from the
// closed-trade tally, floored at zero. Reports false until enough trades
// have closed or while the payoff ratio is undefined (no losses yet).
func (e *Engine) kellyFractionLocked() (float64, bool) {
	n := e.wins + e.losses
	if n < kellyMinTrades {
		return 0, false
	}
	if e.losses == 0 || e.sumLoss <= 0 {
		return 0, false
	}
	if e.wins == 0 {
		return 0, true
	}

	w := float64(e.wins) / float64(n)
	r := (e.sumWin / float64(e.wins)) / (e.sumLoss / float64(e.losses))
	if r <= 0 {
		return 0, true
	}
	f := w - (1-w)/r
	if f < 0 {
		f = 0
	}
	return f, true
}

func protectivePrices(side types.Side, entry, stopPct, takePct float64) (stop, take float64) {
	switch side {
	case types.Buy:
		stop = entry * (1 - stopPct)
		take = entry * (1 + takePct)
	case types.Sell:
		stop = entry * (1 + stopPct)
		take = entry * (1 - takePct)
	}
	return stop, take
}

func signedSize(p types.Position) float64 {
	if p.Side == types.Sell {
		return -p.Size
	}
	return p.Size
}

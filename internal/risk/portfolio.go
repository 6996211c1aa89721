package risk

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// returnsWindow keeps the most recent fractional portfolio returns for the
// historical VaR estimate. Append-only with oldest-first eviction.
type returnsWindow struct {
	capacity int
	samples  []float64
}

func newReturnsWindow(capacity int) *returnsWindow {
	if capacity <= 0 {
		capacity = 250
	}
	return &returnsWindow{
		capacity: capacity,
		samples:  make([]float64, 0, capacity),
	}
}

func (w *returnsWindow) Add(r float64) {
	w.samples = append(w.samples, r)
	if over := len(w.samples) - w.capacity; over > 0 {
		copy(w.samples, w.samples[over:])
		w.samples = w.samples[:w.capacity]
	}
}

func (w *returnsWindow) Len() int { return len(w.samples) }

// Values returns a copy safe to sort.
func (w *returnsWindow) Values() []float64 {
	out := make([]float64, len(w.samples))
	copy(out, w.samples)
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Observations
// ————————————————————————————————————————————————————————————————————————

// OnPosition ingests an exchange-observed position update. A Size of zero
// closes the position; the round-trip PnL estimate feeds the Kelly tally.
// Drawdown and VaR are re-checked so a breach trips the circuit before the
// next intent is evaluated.
func (e *Engine) OnPosition(p types.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, had := e.positions[p.Symbol]
	if p.Size == 0 {
		if had {
			delete(e.positions, p.Symbol)
			e.recordCloseLocked(prev)
		}
	} else {
		e.positions[p.Symbol] = p
	}
	e.observeLocked()
}

// OnWallet ingests a wallet update. The first one also seeds the daily
// open-equity anchor so drawdown is measured from service start until the
// first midnight reset.
func (e *Engine) OnWallet(b types.Balance) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.equity = b.TotalEquity
	if e.markedOpen == 0 {
		e.markedOpen = e.markedEquityLocked()
	}
	e.observeLocked()
}

// OnMark records the latest trade or close price for a symbol. Marks value
// open positions in the exposure checks; stale marks fall back to entry.
func (e *Engine) OnMark(symbol string, price float64) {
	if price <= 0 {
		return
	}
	e.mu.Lock()
	e.marks[symbol] = price
	e.mu.Unlock()
}

// RecordTrade adds one closed trade's realized PnL to the Kelly tally.
func (e *Engine) RecordTrade(pnl float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordTradeLocked(pnl)
}

// SeedReturns preloads the equity-returns window from recovered history so
// VaR keeps its pre-restart sample depth. Oldest samples fall off first if
// the history exceeds the window.
func (e *Engine) SeedReturns(samples []float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range samples {
		e.returns.Add(r)
	}
}

// ResetDaily re-anchors the drawdown baseline at the current marked equity.
// Wired to a midnight-UTC cron job. Tripped breakers stay tripped; only an
// operator reset clears them.
func (e *Engine) ResetDaily() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.markedOpen = e.markedEquityLocked()
	e.logger.Info("daily risk counters reset", "equity_at_open", e.markedOpen)
}

// recordCloseLocked estimates the closed position's round-trip PnL at the
// last mark. An estimator for the Kelly tally, not a ledger; the wallet
// stream carries the authoritative realized PnL.
func (e *Engine) recordCloseLocked(p types.Position) {
	mark, ok := e.marks[p.Symbol]
	if !ok || p.AvgEntryPrice <= 0 {
		return
	}
	pnl := (mark - p.AvgEntryPrice) * p.Size
	if p.Side == types.Sell {
		pnl = -pnl
	}
	e.recordTradeLocked(pnl)
}

func (e *Engine) recordTradeLocked(pnl float64) {
	if pnl >= 0 {
		e.wins++
		e.sumWin += pnl
	} else {
		e.losses++
		e.sumLoss += -pnl
	}
}

// observeLocked runs after every state update: appends a return sample
// from the marked-equity change and re-evaluates the trip conditions.
func (e *Engine) observeLocked() {
	marked := e.markedEquityLocked()
	if e.lastMarked > 0 && marked != e.lastMarked {
		e.returns.Add((marked - e.lastMarked) / e.lastMarked)
	}
	if marked > 0 {
		e.lastMarked = marked
	}

	if !e.circuit.DailyDrawdownTripped && e.drawdownBreachedLocked() {
		e.tripLocked(TripDailyDrawdown, false)
	}
	if !e.circuit.VarTripped && e.var99Locked() > e.cfg.VarLimitPct {
		e.tripLocked(TripVarLimit, true)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Derived state
// ————————————————————————————————————————————————————————————————————————

// markedEquityLocked is wallet equity plus the unrealized PnL of every
// open position.
func (e *Engine) markedEquityLocked() float64 {
	marked := e.equity
	for _, p := range e.positions {
		marked += p.UnrealizedPnl
	}
	return marked
}

func (e *Engine) markLocked(symbol string, fallback float64) float64 {
	if m, ok := e.marks[symbol]; ok {
		return m
	}
	return fallback
}

func (e *Engine) totalNotionalLocked() float64 {
	var total float64
	for _, p := range e.positions {
		total += p.Notional(e.markLocked(p.Symbol, p.AvgEntryPrice))
	}
	return total
}

// drawdownBreachedLocked reports whether today's PnL has fallen past the
// daily loss limit. Strictly past: a loss exactly at the limit holds.
func (e *Engine) drawdownBreachedLocked() bool {
	if e.markedOpen <= 0 {
		return false
	}
	pnl := e.markedEquityLocked() - e.markedOpen
	return pnl < -(e.cfg.DailyLossLimitPct * e.markedOpen)
}

// var99Locked is the 99% 1-day historical VaR: the negated 1st percentile
// of the rolling returns window, zero while the window is short or the
// tail is not a loss.
func (e *Engine) var99Locked() float64 {
	if e.returns.Len() < minVarSamples {
		return 0
	}
	vals := e.returns.Values()
	sort.Float64s(vals)
	q := stat.Quantile(0.01, stat.Empirical, vals, nil)
	if q >= 0 {
		return 0
	}
	return -q
}

// ————————————————————————————————————————————————————————————————————————
// Snapshot
// ————————————————————————————————————————————————————————————————————————

// Snapshot is the aggregate risk view served to the operator API.
type Snapshot struct {
	Equity        float64            `json:"equity"`
	EquityAtOpen  float64            `json:"equity_at_open"`
	DailyPnl      float64            `json:"daily_pnl"`
	Var99         float64            `json:"var_99"`
	TotalNotional float64            `json:"total_notional"`
	OpenPositions int                `json:"open_positions"`
	Wins          int                `json:"wins"`
	Losses        int                `json:"losses"`
	Circuit       types.CircuitState `json:"circuit"`
}

// GetSnapshot returns the current aggregate risk metrics.
func (e *Engine) GetSnapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	marked := e.markedEquityLocked()
	var daily float64
	if e.markedOpen > 0 {
		daily = marked - e.markedOpen
	}
	return Snapshot{
		Equity:        marked,
		EquityAtOpen:  e.markedOpen,
		DailyPnl:      daily,
		Var99:         e.var99Locked(),
		TotalNotional: e.totalNotionalLocked(),
		OpenPositions: len(e.positions),
		Wins:          e.wins,
		Losses:        e.losses,
		Circuit:       e.circuit,
	}
}

// OpenPositionCount reports how many positions are currently open.
func (e *Engine) OpenPositionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.positions)
}

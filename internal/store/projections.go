package store

import (
	"sort"
	"time"

	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// returnsCap bounds the persisted equity-returns window. It matches the
// risk engine's default window so a recovered service re-seeds VaR with
// the same history it had before the restart.
const returnsCap = 250

// Projections is the state folded from the journal. It is a pure function
// of the event stream: apply is the only mutator, and replaying the same
// events in the same order always rebuilds the same struct. The whole
// struct round-trips through JSON for checkpoints.
type Projections struct {
	Positions  map[string]types.Position `json:"positions"`
	OpenOrders map[string]types.Order    `json:"open_orders"`
	Wallet     types.Balance             `json:"wallet"`
	Circuit    types.CircuitState        `json:"circuit"`

	// Daily PnL anchor: equity at the first wallet update of OpenDay (UTC).
	EquityAtOpen float64 `json:"equity_at_open"`
	OpenDay      string  `json:"open_day"`

	// Equity-returns window for VaR re-seeding after recovery.
	LastEquity float64   `json:"last_equity"`
	Returns    []float64 `json:"returns"`

	TradesClosed int `json:"trades_closed"`
}

func newProjections() *Projections {
	return &Projections{
		Positions:  make(map[string]types.Position),
		OpenOrders: make(map[string]types.Order),
		Circuit:    types.CircuitState{Mode: types.ModePaper},
	}
}

// apply folds one event into the projections. Events that carry no state
// (ticks, scores, intents, diffs, errors) fall through untouched.
func (p *Projections) apply(evt types.JournalEvent) {
	switch evt.Type {
	case types.EventOrderSubmitted, types.EventOrderUpdated:
		if evt.Order == nil {
			return
		}
		if evt.Order.State.Terminal() {
			delete(p.OpenOrders, evt.Order.ClientOrderID)
		} else {
			p.OpenOrders[evt.Order.ClientOrderID] = *evt.Order
		}

	case types.EventOrderTerminal:
		if evt.Order == nil {
			return
		}
		delete(p.OpenOrders, evt.Order.ClientOrderID)

	case types.EventPositionUpdated:
		if evt.Position == nil {
			return
		}
		if evt.Position.Size == 0 {
			if _, held := p.Positions[evt.Position.Symbol]; held {
				delete(p.Positions, evt.Position.Symbol)
				p.TradesClosed++
			}
		} else {
			p.Positions[evt.Position.Symbol] = *evt.Position
		}

	case types.EventWalletUpdated:
		if evt.Wallet == nil {
			return
		}
		p.applyWallet(*evt.Wallet, evt.Time)

	case types.EventCircuitTripped:
		if evt.Circuit == nil {
			return
		}
		// Reasons mirror the strings the risk engine journals.
		switch evt.Circuit.Reason {
		case "daily_drawdown":
			p.Circuit.DailyDrawdownTripped = true
		case "var_limit":
			p.Circuit.VarTripped = true
		case "rate_limited":
			p.Circuit.Killed = true
		case "operator_halt":
			p.Circuit.Killed = true
			p.Circuit.Mode = types.ModeHalt
		}
		p.Circuit.LastTripReason = evt.Circuit.Reason
		p.Circuit.LastTripAt = evt.Time

	case types.EventCircuitReset:
		p.Circuit.Killed = false
		p.Circuit.DailyDrawdownTripped = false
		p.Circuit.VarTripped = false
		p.Circuit.LastTripReason = ""
		p.Circuit.LastTripAt = time.Time{}

	case types.EventModeChanged:
		if evt.ModeChange == nil {
			return
		}
		p.Circuit.Mode = evt.ModeChange.To
	}
}

// applyWallet updates the wallet, re-anchors the daily open on the first
// update of a new UTC day, and samples an equity return. Unchanged equity
// adds no sample, matching how the risk engine observes returns.
func (p *Projections) applyWallet(w types.Balance, at time.Time) {
	day := at.UTC().Format(time.DateOnly)
	if p.OpenDay != day {
		p.OpenDay = day
		p.EquityAtOpen = w.TotalEquity
	}
	if p.LastEquity > 0 && w.TotalEquity > 0 && w.TotalEquity != p.LastEquity {
		p.Returns = append(p.Returns, w.TotalEquity/p.LastEquity-1)
		if over := len(p.Returns) - returnsCap; over > 0 {
			copy(p.Returns, p.Returns[over:])
			p.Returns = p.Returns[:returnsCap]
		}
	}
	if w.TotalEquity > 0 {
		p.LastEquity = w.TotalEquity
	}
	p.Wallet = w
}

// dailyPnl returns today's fractional PnL against the open-equity anchor.
func (p *Projections) dailyPnl() float64 {
	if p.EquityAtOpen <= 0 {
		return 0
	}
	return (p.Wallet.TotalEquity - p.EquityAtOpen) / p.EquityAtOpen
}

// clone deep-copies the projections for checkpointing outside the lock.
func (p *Projections) clone() *Projections {
	cp := *p
	cp.Positions = make(map[string]types.Position, len(p.Positions))
	for k, v := range p.Positions {
		cp.Positions[k] = v
	}
	cp.OpenOrders = make(map[string]types.Order, len(p.OpenOrders))
	for k, v := range p.OpenOrders {
		cp.OpenOrders[k] = v
	}
	cp.Returns = append([]float64(nil), p.Returns...)
	return &cp
}

// ————————————————————————————————————————————————————————————————————————
// Read-side accessors
// ————————————————————————————————————————————————————————————————————————

// Positions returns the open positions sorted by symbol.
func (s *Store) Positions() []types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Position, 0, len(s.proj.Positions))
	for _, p := range s.proj.Positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// OpenOrders returns the open orders sorted by client order id.
func (s *Store) OpenOrders() []types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Order, 0, len(s.proj.OpenOrders))
	for _, o := range s.proj.OpenOrders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientOrderID < out[j].ClientOrderID })
	return out
}

// Wallet returns the latest wallet projection.
func (s *Store) Wallet() types.Balance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proj.Wallet
}

// Circuit returns the circuit state as folded from the journal.
func (s *Store) Circuit() types.CircuitState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proj.Circuit
}

// DailyPnl returns today's fractional PnL, negative for a loss.
func (s *Store) DailyPnl() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proj.dailyPnl()
}

// Returns returns a copy of the persisted equity-returns window.
func (s *Store) Returns() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]float64(nil), s.proj.Returns...)
}

// TradesClosed returns the number of positions fully closed since the
// journal began (or since the last checkpoint baseline).
func (s *Store) TradesClosed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proj.TradesClosed
}

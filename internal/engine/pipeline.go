package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// runPublic keeps the market-data stream alive. Losing it for good is a
// halt condition: trading blind is worse than not trading.
func (e *Engine) runPublic() {
	err := e.public.Run(e.ctx)
	if err != nil && e.ctx.Err() == nil {
		e.logger.Error("market data stream lost", "error", err)
		e.journal.Append(types.NewErrorEvent("", err))
		e.risk.HaltAll("market data stream lost")
	}
}

// runPrivate keeps the account stream alive; same halt policy as public.
func (e *Engine) runPrivate() {
	err := e.private.Run(e.ctx)
	if err != nil && e.ctx.Err() == nil {
		e.logger.Error("account stream lost", "error", err)
		e.journal.Append(types.NewErrorEvent("", err))
		e.risk.HaltAll("account stream lost")
	}
}

// pipeline consumes closed candles one at a time. A single consumer keeps
// the journal's per-tick event order deterministic.
func (e *Engine) pipeline() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case c, ok := <-e.public.Candles():
			if !ok {
				return
			}
			e.onCandle(e.ctx, c)
		}
	}
}

// onCandle is one full pass of the decision pipeline:
// tick → features → scores → consensus → risk → submission.
func (e *Engine) onCandle(ctx context.Context, c types.Candle) {
	e.journal.Append(types.NewTickEvent(c))

	fv, fresh := e.features.OnCandle(c)
	if !fresh {
		return
	}
	e.journal.Append(types.NewFeaturesEvent(fv))
	e.risk.OnMark(c.Symbol, c.Close)

	if !fv.Complete {
		e.journal.Append(types.NewSuppressedEvent(c.Symbol, SuppressWarmup, nil, fv.AsOf))
		return
	}

	scores := e.scorer.ScoreAll(ctx, fv)
	for _, s := range scores {
		e.journal.Append(types.NewScoreEvent(c.Symbol, s))
	}

	intent, reason := e.signal.Evaluate(c.Symbol, scores, fv.AsOf)
	if intent == nil {
		e.journal.Append(types.NewSuppressedEvent(c.Symbol, reason, scores, fv.AsOf))
		return
	}
	e.journal.Append(types.NewIntentEvent(*intent))

	if !e.active.Load() {
		// The intent stays on the record; it just goes nowhere while the
		// auto trader is stopped.
		e.logger.Info("auto trading stopped, intent not routed",
			"symbol", intent.Symbol, "side", intent.Side)
		return
	}

	e.decide(ctx, *intent, fv)
}

// decide runs the risk gate and hands an approval to the OMS. Shared by
// the tick pipeline and the manual execute path.
func (e *Engine) decide(ctx context.Context, intent types.Intent, fv types.FeatureVector) (types.RiskDecision, error) {
	decision := e.risk.Evaluate(intent, fv)
	e.journal.Append(types.NewRiskEvent(decision))
	if !decision.Approved {
		e.logger.Info("intent rejected",
			"symbol", intent.Symbol, "side", intent.Side, "reason", decision.Reason)
		return decision, nil
	}

	id, err := e.oms.Submit(ctx, *decision.Order)
	if err != nil {
		e.journal.Append(types.NewErrorEvent(intent.Symbol, err))
		e.logger.Error("submission refused",
			"symbol", intent.Symbol, "error", err)
		return decision, err
	}
	e.logger.Info("order queued",
		"symbol", intent.Symbol,
		"side", intent.Side,
		"quantity", decision.Order.Quantity,
		"client_order_id", id,
	)
	return decision, nil
}

// marketRouter fans ticker and book updates out to the risk marks and, in
// paper mode, the fill simulator.
func (e *Engine) marketRouter() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case t, ok := <-e.public.Tickers():
			if !ok {
				return
			}
			price := t.LastPrice
			if price <= 0 {
				price = t.Mid()
			}
			e.risk.OnMark(t.Symbol, price)
			if e.books != nil {
				e.books.UpdateTicker(t)
			}
		case top, ok := <-e.public.BookTops():
			if !ok {
				return
			}
			if e.books != nil {
				e.books.UpdateBook(top)
			}
		}
	}
}

// accountRouter moves private-stream updates into the OMS and risk engine.
// The OMS journals order events itself; positions and wallets are journaled
// here, before the risk engine sees them, so replay order matches effect
// order.
func (e *Engine) accountRouter() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case o, ok := <-e.account.Orders():
			if !ok {
				return
			}
			e.oms.OnOrderEvent(o)
		case p, ok := <-e.account.Positions():
			if !ok {
				return
			}
			e.journal.Append(types.NewPositionEvent(p))
			e.risk.OnPosition(p)
		case b, ok := <-e.account.Wallets():
			if !ok {
				return
			}
			e.journal.Append(types.NewWalletEvent(b))
			e.risk.OnWallet(b)
		}
	}
}

// tripLoop consumes circuit trips: every trip is journaled, and a flatten
// demand closes the book immediately.
func (e *Engine) tripLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.oms.QuotaExhausted():
			e.risk.TripRateLimit()
		case trip := <-e.risk.Trips():
			e.journal.Append(types.NewCircuitTrippedEvent(trip.Reason))
			if !trip.Flatten {
				continue
			}
			e.logger.Error("flattening all positions", "reason", trip.Reason)
			if err := e.oms.FlattenAll(e.ctx); err != nil {
				e.journal.Append(types.NewErrorEvent("", err))
				e.logger.Error("flatten failed", "error", err)
			}
		}
	}
}

// reconcileLoop re-syncs with the exchange on a timer and after every
// stream reconnect, when events may have been missed.
func (e *Engine) reconcileLoop() {
	interval := e.cfg.OMS.ReconcileInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	reconnects := e.public.Reconnects()
	if e.private != nil {
		reconnects = e.private.Reconnects()
	}

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.clock.After(interval):
			e.reconcile(e.ctx)
		case _, ok := <-reconnects:
			if !ok {
				reconnects = nil
				continue
			}
			e.logger.Info("stream reconnected, reconciling")
			e.reconcile(e.ctx)
		}
	}
}

// reconcile lets the OMS settle the order book against the exchange, then
// squares the position projection against the venue's. The venue wins;
// every divergence is journaled before the correction.
func (e *Engine) reconcile(ctx context.Context) {
	venuePositions, err := e.oms.Reconcile(ctx)
	if err != nil {
		e.logger.Warn("reconciliation failed", "error", err)
		e.journal.Append(types.NewErrorEvent("", err))
		return
	}

	local := make(map[string]types.Position)
	for _, p := range e.journal.Positions() {
		local[p.Symbol] = p
	}

	for _, vp := range venuePositions {
		lp, held := local[vp.Symbol]
		delete(local, vp.Symbol)

		if vp.Size == 0 && !held {
			continue
		}
		if !held {
			e.journal.Append(types.NewDiffEvent(vp.Symbol, types.ReconciliationDiff{
				Field:    "position",
				Local:    "absent",
				Exchange: formatPosition(vp),
			}))
		} else if lp.Size != vp.Size || lp.Side != vp.Side || lp.AvgEntryPrice != vp.AvgEntryPrice {
			e.journal.Append(types.NewDiffEvent(vp.Symbol, types.ReconciliationDiff{
				Field:    "position",
				Local:    formatPosition(lp),
				Exchange: formatPosition(vp),
			}))
		} else {
			continue
		}

		e.journal.Append(types.NewPositionEvent(vp))
		e.risk.OnPosition(vp)
	}

	// Whatever is left locally the venue no longer reports: closed.
	for symbol, lp := range local {
		e.journal.Append(types.NewDiffEvent(symbol, types.ReconciliationDiff{
			Field:    "position",
			Local:    formatPosition(lp),
			Exchange: "absent",
		}))
		closed := types.Position{
			Symbol:    symbol,
			Side:      lp.Side,
			Size:      0,
			UpdatedAt: e.clock.Now().UTC(),
		}
		e.journal.Append(types.NewPositionEvent(closed))
		e.risk.OnPosition(closed)
	}
}

func formatPosition(p types.Position) string {
	return fmt.Sprintf("%s %v @ %v", p.Side, p.Size, p.AvgEntryPrice)
}

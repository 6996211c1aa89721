// Package oms owns order submission and the open-order map.
//
// Every order carries a deterministic client order id derived from the
// strategy, symbol, side, and the tick bucket, so a retry after an ambiguous
// failure resubmits the same id and the exchange deduplicates instead of
// doubling up. Submissions are serialized through a bounded single-worker
// queue: a full queue blocks the caller rather than dropping work.
//
// Order state moves only on exchange-observed events — the private stream or
// a reconciliation query — never on local optimism. A submission whose ack
// was lost stays pending until the reconciler resolves it against the venue.
package oms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/clock"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/config"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/exchange"
	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// Trader is the venue surface the manager drives. The REST client and the
// paper simulator both satisfy it; which one is wired in is a construction
// choice, the manager never knows the difference.
type Trader interface {
	CreateOrder(ctx context.Context, req exchange.CreateOrderRequest) (*exchange.OrderAck, error)
	AmendOrder(ctx context.Context, req exchange.AmendOrderRequest) (*exchange.OrderAck, error)
	CancelOrder(ctx context.Context, category types.Category, symbol, clientOrderID string) (*exchange.OrderAck, error)
	CancelAllOrders(ctx context.Context, category types.Category, symbol string) ([]exchange.OrderAck, error)
	GetOrder(ctx context.Context, category types.Category, symbol, clientOrderID string) (*types.Order, error)
	GetOpenOrders(ctx context.Context, category types.Category, symbol string) ([]types.Order, error)
	GetPositions(ctx context.Context, category types.Category, symbol string) ([]types.Position, error)
}

// Journal receives the order lifecycle events the manager emits.
type Journal interface {
	Append(evt types.JournalEvent) types.JournalEvent
}

// Manager submits, amends, cancels, and reconciles orders.
type Manager struct {
	cfg        config.OMSConfig
	category   types.Category
	strategyID string
	cadence    types.Interval
	trader     Trader
	journal    Journal
	clock      clock.Clock
	logger     *slog.Logger

	exec    failsafe.Executor[*exchange.OrderAck]
	queue   *pond.WorkerPool
	quotaCh chan struct{}

	mu   sync.Mutex
	open map[string]*types.Order // keyed by client order id, non-terminal only
}

// NewManager builds the order manager. The retry tunables are shared with
// the REST client so both layers back off on the same schedule.
func NewManager(cfg config.OMSConfig, trading config.TradingConfig, ex config.ExchangeConfig, trader Trader, journal Journal, clk clock.Clock, logger *slog.Logger) *Manager {
	retry := retrypolicy.NewBuilder[*exchange.OrderAck]().
		HandleIf(func(_ *exchange.OrderAck, err error) bool {
			return types.IsRetryable(err)
		}).
		WithBackoff(ex.RetryBase, ex.RetryCap).
		WithJitterFactor(0.2).
		WithMaxRetries(ex.RetryMaxAttempts).
		Build()

	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	queue := pond.New(1, size, pond.PanicHandler(func(p any) {
		logger.Error("oms worker panic", "panic", p)
	}))

	return &Manager{
		cfg:        cfg,
		category:   types.Category(trading.Category),
		strategyID: trading.StrategyID,
		cadence:    types.Interval(trading.Interval),
		trader:     trader,
		journal:    journal,
		clock:      clk,
		logger:     logger.With("component", "oms"),
		exec:       failsafe.With[*exchange.OrderAck](retry),
		queue:      queue,
		quotaCh:    make(chan struct{}, 1),
		open:       make(map[string]*types.Order),
	}
}

// QuotaExhausted signals every submission abandoned because the venue's
// rate limit kept refusing it for the whole retry budget. The orchestrator
// escalates to the circuit breaker.
func (m *Manager) QuotaExhausted() <-chan struct{} {
	return m.quotaCh
}

// ClientOrderID derives the idempotency key for one (strategy, symbol, side,
// tick) tuple. asOf is bucketed to the trading cadence: a retry inside the
// same tick reuses the key, the next tick gets a fresh one. The result fits
// the exchange's 36-character order link id limit.
func ClientOrderID(strategyID, symbol string, side types.Side, asOf time.Time, cadence types.Interval) string {
	bucket := asOf.Truncate(cadence.Duration()).UnixMilli()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", strategyID, symbol, side, bucket)))
	return "oms-" + hex.EncodeToString(sum[:14])
}

// Close drains the submission queue, letting in-flight work finish.
func (m *Manager) Close() {
	m.queue.StopAndWait()
}

// OpenOrders returns a snapshot of the non-terminal order map.
func (m *Manager) OpenOrders() []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.Order, 0, len(m.open))
	for _, o := range m.open {
		out = append(out, *o)
	}
	return out
}

// OpenCount reports how many orders are currently non-terminal.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// Seed restores the open-order map from recovered projections. Called once
// before the orchestrator starts; the first reconciliation pass verifies the
// recovered set against the venue.
func (m *Manager) Seed(orders []types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range orders {
		if o.State.Terminal() || o.ClientOrderID == "" {
			continue
		}
		cp := o
		m.open[cp.ClientOrderID] = &cp
	}
	if len(m.open) > 0 {
		m.logger.Info("open orders restored", "count", len(m.open))
	}
}

// Submit queues one approved order. Blocks only while the queue is full;
// the submission itself runs on the queue worker and its outcome lands in
// the journal. An id already open is refused — the duplicate guard for
// retried ticks.
func (m *Manager) Submit(ctx context.Context, approved types.ApprovedOrder) (string, error) {
	if approved.ClientOrderID == "" {
		approved.ClientOrderID = ClientOrderID(
			m.strategyID, approved.Intent.Symbol, approved.Intent.Side, approved.Intent.AsOf, m.cadence)
	}
	id := approved.ClientOrderID

	now := m.clock.Now()
	local := &types.Order{
		ClientOrderID: id,
		Symbol:        approved.Intent.Symbol,
		Side:          approved.Intent.Side,
		EntryType:     approved.EntryType,
		Quantity:      approved.Quantity,
		Price:         approved.LimitPrice,
		State:         types.OrderNew,
		ReduceOnly:    approved.ReduceOnly,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	m.mu.Lock()
	if _, dup := m.open[id]; dup {
		m.mu.Unlock()
		return id, types.NewError(types.KindValidationRejected, "order %s already open", id)
	}
	m.open[id] = local
	m.mu.Unlock()

	m.queue.Submit(func() {
		m.submit(ctx, approved)
	})
	return id, nil
}

// submit runs on the queue worker: one create call through the retry
// pipeline, then the journal write for whichever way it went.
func (m *Manager) submit(ctx context.Context, approved types.ApprovedOrder) {
	id := approved.ClientOrderID
	ack, err := m.create(ctx, buildCreateRequest(m.category, approved))
	if err != nil {
		m.journal.Append(types.NewErrorEvent(approved.Intent.Symbol, err))

		if types.IsKind(err, types.KindRateLimited) {
			// The whole retry budget went to quota refusals. A 429 is
			// rejected before processing, so the order never landed;
			// fail it locally and ask for a circuit trip.
			select {
			case m.quotaCh <- struct{}{}:
			default:
			}
		} else if types.IsRetryable(err) {
			// Ambiguous: the order may or may not have reached the venue.
			// Leave it pending; reconciliation resolves it either way.
			m.logger.Warn("submission unresolved, waiting for reconcile",
				"client_order_id", id, "error", err)
			return
		}

		// Terminal rejection: the venue refused it outright.
		m.mu.Lock()
		local, ok := m.open[id]
		if ok {
			local.State = types.OrderRejected
			local.UpdatedAt = m.clock.Now()
			delete(m.open, id)
		}
		m.mu.Unlock()
		if ok {
			m.journal.Append(types.NewOrderEvent(types.EventOrderTerminal, *local))
		}
		m.logger.Error("order rejected", "client_order_id", id, "error", err)
		return
	}

	m.mu.Lock()
	local, ok := m.open[id]
	if ok {
		local.ExchangeOrderID = ack.OrderID
		// A stream event may have landed before the ack; never walk the
		// state backwards.
		if local.State == types.OrderNew {
			local.State = types.OrderSubmitted
		}
		local.UpdatedAt = m.clock.Now()
	}
	var snapshot types.Order
	if ok {
		snapshot = *local
	}
	m.mu.Unlock()

	if ok {
		m.journal.Append(types.NewOrderEvent(types.EventOrderSubmitted, snapshot))
	}
}

func (m *Manager) create(ctx context.Context, req exchange.CreateOrderRequest) (*exchange.OrderAck, error) {
	return m.exec.GetWithExecution(func(_ failsafe.Execution[*exchange.OrderAck]) (*exchange.OrderAck, error) {
		return m.trader.CreateOrder(ctx, req)
	})
}

// Amend changes price and/or quantity of an open order. The local state
// parks at AmendPending until the venue's next order event confirms.
func (m *Manager) Amend(ctx context.Context, clientOrderID string, qty, price float64) error {
	m.mu.Lock()
	local, ok := m.open[clientOrderID]
	if !ok {
		m.mu.Unlock()
		return types.NewError(types.KindValidationRejected, "order %s is not open", clientOrderID)
	}
	symbol := local.Symbol
	local.State = types.OrderAmendPending
	local.UpdatedAt = m.clock.Now()
	snapshot := *local
	m.mu.Unlock()

	m.journal.Append(types.NewOrderEvent(types.EventOrderUpdated, snapshot))

	req := exchange.AmendOrderRequest{
		Category:    string(m.category),
		Symbol:      symbol,
		OrderLinkID: clientOrderID,
	}
	if qty > 0 {
		req.Qty = formatFloat(qty)
	}
	if price > 0 {
		req.Price = formatFloat(price)
	}
	if _, err := m.trader.AmendOrder(ctx, req); err != nil {
		m.journal.Append(types.NewErrorEvent(symbol, err))
		return err
	}
	return nil
}

// Cancel cancels one open order. An order the venue no longer knows is
// treated as already closed and left for reconciliation to settle.
func (m *Manager) Cancel(ctx context.Context, clientOrderID string) error {
	m.mu.Lock()
	local, ok := m.open[clientOrderID]
	var symbol string
	if ok {
		symbol = local.Symbol
	}
	m.mu.Unlock()
	if !ok {
		return types.NewError(types.KindValidationRejected, "order %s is not open", clientOrderID)
	}

	if _, err := m.trader.CancelOrder(ctx, m.category, symbol, clientOrderID); err != nil {
		if !orderGone(err) {
			m.journal.Append(types.NewErrorEvent(symbol, err))
			return err
		}
	}
	return nil
}

// CancelAll sweeps every open order on the venue. Shutdown safety net; the
// resulting cancel events arrive through the private stream as usual.
func (m *Manager) CancelAll(ctx context.Context) error {
	acks, err := m.trader.CancelAllOrders(ctx, m.category, "")
	if err != nil {
		return err
	}
	if len(acks) > 0 {
		m.logger.Info("cancel-all issued", "count", len(acks))
	}
	return nil
}

// FlattenAll closes out: cancels every open entry order, then submits a
// reduce-only market order against each open position. Safe to call twice —
// already-flat symbols produce nothing and repeated flatten orders inside
// one tick bucket share an id the venue deduplicates.
func (m *Manager) FlattenAll(ctx context.Context) error {
	m.mu.Lock()
	entries := make([]types.Order, 0, len(m.open))
	for _, o := range m.open {
		if !o.ReduceOnly {
			entries = append(entries, *o)
		}
	}
	m.mu.Unlock()

	for _, o := range entries {
		if _, err := m.trader.CancelOrder(ctx, m.category, o.Symbol, o.ClientOrderID); err != nil && !orderGone(err) {
			m.logger.Error("flatten cancel failed", "client_order_id", o.ClientOrderID, "error", err)
			m.journal.Append(types.NewErrorEvent(o.Symbol, err))
		}
	}

	positions, err := m.trader.GetPositions(ctx, m.category, "")
	if err != nil {
		return err
	}

	var firstErr error
	for _, p := range positions {
		if p.Size == 0 {
			continue
		}
		if err := m.flattenPosition(ctx, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) flattenPosition(ctx context.Context, p types.Position) error {
	side := p.Side.Opposite()
	id := ClientOrderID(m.strategyID+".flatten", p.Symbol, side, m.clock.Now(), m.cadence)

	now := m.clock.Now()
	local := &types.Order{
		ClientOrderID: id,
		Symbol:        p.Symbol,
		Side:          side,
		EntryType:     types.EntryMarket,
		Quantity:      p.Size,
		State:         types.OrderNew,
		ReduceOnly:    true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	m.mu.Lock()
	if _, dup := m.open[id]; dup {
		m.mu.Unlock()
		return nil // this bucket's flatten is already in flight
	}
	m.open[id] = local
	m.mu.Unlock()

	req := exchange.CreateOrderRequest{
		Category:    string(m.category),
		Symbol:      p.Symbol,
		Side:        string(side),
		OrderType:   "Market",
		Qty:         formatFloat(p.Size),
		OrderLinkID: id,
		ReduceOnly:  true,
	}
	ack, err := m.create(ctx, req)
	if err != nil {
		m.journal.Append(types.NewErrorEvent(p.Symbol, err))
		if !types.IsRetryable(err) {
			m.mu.Lock()
			delete(m.open, id)
			m.mu.Unlock()
		}
		m.logger.Error("flatten order failed", "symbol", p.Symbol, "error", err)
		return err
	}

	m.mu.Lock()
	if o, ok := m.open[id]; ok {
		o.ExchangeOrderID = ack.OrderID
		if o.State == types.OrderNew {
			o.State = types.OrderSubmitted
		}
		o.UpdatedAt = m.clock.Now()
		local = o
	}
	snapshot := *local
	m.mu.Unlock()

	m.journal.Append(types.NewOrderEvent(types.EventOrderSubmitted, snapshot))
	m.logger.Info("flatten order submitted", "symbol", p.Symbol, "side", side, "qty", p.Size)
	return nil
}

// OnOrderEvent ingests one exchange-observed order update. The venue's view
// is adopted wholesale; terminal states retire the id from the open map.
// Unknown open orders (placed outside this process) are adopted so a later
// flatten or cancel-all covers them.
func (m *Manager) OnOrderEvent(o types.Order) {
	m.mu.Lock()
	local, ok := m.open[o.ClientOrderID]
	switch {
	case ok:
		if o.CreatedAt.IsZero() {
			o.CreatedAt = local.CreatedAt
		}
		*local = o
		if o.State.Terminal() {
			delete(m.open, o.ClientOrderID)
		}
	case !o.State.Terminal() && o.ClientOrderID != "":
		cp := o
		m.open[o.ClientOrderID] = &cp
	}
	m.mu.Unlock()

	t := types.EventOrderUpdated
	if o.State.Terminal() {
		t = types.EventOrderTerminal
	}
	m.journal.Append(types.NewOrderEvent(t, o))
}

func buildCreateRequest(category types.Category, ao types.ApprovedOrder) exchange.CreateOrderRequest {
	req := exchange.CreateOrderRequest{
		Category:    string(category),
		Symbol:      ao.Intent.Symbol,
		Side:        string(ao.Intent.Side),
		OrderType:   string(ao.EntryType),
		Qty:         formatFloat(ao.Quantity),
		OrderLinkID: ao.ClientOrderID,
		ReduceOnly:  ao.ReduceOnly,
	}
	if ao.EntryType == types.EntryLimit {
		req.Price = formatFloat(ao.LimitPrice)
		req.TimeInForce = "GTC"
	}
	if ao.StopLossPrice > 0 {
		req.StopLoss = formatFloat(ao.StopLossPrice)
	}
	if ao.TakeProfitPrice > 0 {
		req.TakeProfit = formatFloat(ao.TakeProfitPrice)
	}
	return req
}

// orderGone reports whether the venue says the order does not exist or is
// already closed — a success for cancellation purposes.
func orderGone(err error) bool {
	var appErr *types.Error
	return errors.As(err, &appErr) && appErr.Code == 110001
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

package exchange

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/clock"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/config"
	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// Paper is the in-process exchange simulator backing paper mode. It exposes
// the same trading surface as Client and the same event channels as the
// private WSFeed, so the order manager and state store run the identical
// code path in both modes. Fills are synthetic: market orders execute at
// top-of-book shifted by the configured slippage, limit orders rest until
// the book crosses them. Market data must be fed in through UpdateBook.
type Paper struct {
	clock  clock.Clock
	slip   decimal.Decimal // fractional, e.g. 5 bps -> 0.0005
	logger *slog.Logger

	mu        sync.Mutex
	books     map[string]types.BookTop
	orders    map[string]*types.Order // by client order ID
	resting   []string                // open limit orders, submission order
	positions map[string]*types.Position
	equity    float64 // starting equity plus realized PnL

	orderCh    chan types.Order
	positionCh chan types.Position
	walletCh   chan types.Balance
}

// NewPaper builds a simulator with the configured slippage and starting
// equity. A nil clock selects the system clock.
func NewPaper(cfg config.OMSConfig, clk clock.Clock, logger *slog.Logger) *Paper {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Paper{
		clock:      clk,
		slip:       decimal.NewFromFloat(cfg.PaperSlippageBps).Div(decimal.NewFromInt(10_000)),
		logger:     logger.With("component", "paper"),
		books:      make(map[string]types.BookTop),
		orders:     make(map[string]*types.Order),
		positions:  make(map[string]*types.Position),
		equity:     cfg.PaperEquityUSD,
		orderCh:    make(chan types.Order, privateBufferSize),
		positionCh: make(chan types.Position, privateBufferSize),
		walletCh:   make(chan types.Balance, privateBufferSize),
	}
}

// Close satisfies the exchange surface; the simulator holds no connections.
func (p *Paper) Close() {}

// Orders streams simulated order state changes.
func (p *Paper) Orders() <-chan types.Order { return p.orderCh }

// Positions streams simulated position changes.
func (p *Paper) Positions() <-chan types.Position { return p.positionCh }

// Wallets streams simulated wallet changes.
func (p *Paper) Wallets() <-chan types.Balance { return p.walletCh }

// UpdateBook feeds a top-of-book observation into the simulator and fills
// any resting limit orders the new book crosses.
func (p *Paper) UpdateBook(top types.BookTop) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.books[top.Symbol] = top

	kept := p.resting[:0]
	for _, id := range p.resting {
		o := p.orders[id]
		if o == nil || o.State.Terminal() || o.Symbol != top.Symbol {
			if o != nil && !o.State.Terminal() {
				kept = append(kept, id)
			}
			continue
		}
		if crossed(o, top) {
			p.fill(o, o.Price)
			continue
		}
		kept = append(kept, id)
	}
	p.resting = kept
}

// UpdateTicker is a convenience for feeds that only carry tickers; it
// synthesizes a sizeless book top.
func (p *Paper) UpdateTicker(t types.Ticker) {
	p.UpdateBook(types.BookTop{Symbol: t.Symbol, Bid: t.Bid, Ask: t.Ask, Time: t.Time})
}

func crossed(o *types.Order, top types.BookTop) bool {
	if o.Side == types.Buy {
		return top.Ask > 0 && top.Ask <= o.Price
	}
	return top.Bid > 0 && top.Bid >= o.Price
}

// ————————————————————————————————————————————————————————————————————————
// Trading surface
// ————————————————————————————————————————————————————————————————————————

// CreateOrder mirrors Client.CreateOrder. Resubmitting an order link ID
// that was already accepted returns the original acknowledgement without
// executing again.
func (p *Paper) CreateOrder(_ context.Context, req CreateOrderRequest) (*OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.orders[req.OrderLinkID]; ok {
		return &OrderAck{OrderID: prev.ExchangeOrderID, OrderLinkID: prev.ClientOrderID}, nil
	}

	qty, err := strictF("qty", req.Qty)
	if err != nil {
		return nil, err
	}
	if qty <= 0 {
		return nil, types.NewError(types.KindValidationRejected, "qty must be positive, got %v", qty)
	}
	side := types.Side(req.Side)
	if side != types.Buy && side != types.Sell {
		return nil, types.NewError(types.KindValidationRejected, "unknown side %q", req.Side)
	}

	top, ok := p.books[req.Symbol]
	if !ok || (top.Bid == 0 && top.Ask == 0) {
		return nil, types.NewError(types.KindValidationRejected, "no market data for %s", req.Symbol)
	}

	if req.ReduceOnly {
		pos := p.positions[req.Symbol]
		if pos == nil || pos.Size == 0 || pos.Side == side {
			return nil, types.NewError(types.KindValidationRejected, "reduce-only order with no %s position to reduce", req.Symbol)
		}
		if qty > pos.Size {
			qty = pos.Size
		}
	}

	now := p.clock.Now()
	o := &types.Order{
		ClientOrderID:   req.OrderLinkID,
		ExchangeOrderID: uuid.NewString(),
		Symbol:          req.Symbol,
		Side:            side,
		Quantity:        qty,
		State:           types.OrderSubmitted,
		ReduceOnly:      req.ReduceOnly,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	switch req.OrderType {
	case "Market":
		o.EntryType = types.EntryMarket
		px := p.slipped(side, top)
		if px <= 0 {
			return nil, types.NewError(types.KindValidationRejected, "no %s side of book for %s", side, req.Symbol)
		}
		if !req.ReduceOnly {
			if err := p.checkBalance(qty, px); err != nil {
				return nil, err
			}
		}
		p.orders[o.ClientOrderID] = o
		p.emitOrder(o)
		p.fill(o, px)
	case "Limit":
		o.EntryType = types.EntryLimit
		o.Price, err = strictF("price", req.Price)
		if err != nil {
			return nil, err
		}
		if o.Price <= 0 {
			return nil, types.NewError(types.KindValidationRejected, "limit order requires a positive price")
		}
		if !req.ReduceOnly {
			if err := p.checkBalance(qty, o.Price); err != nil {
				return nil, err
			}
		}
		p.orders[o.ClientOrderID] = o
		p.emitOrder(o)
		if crossed(o, top) {
			p.fill(o, o.Price)
		} else {
			p.resting = append(p.resting, o.ClientOrderID)
		}
	default:
		return nil, types.NewError(types.KindValidationRejected, "unknown order type %q", req.OrderType)
	}

	return &OrderAck{OrderID: o.ExchangeOrderID, OrderLinkID: o.ClientOrderID}, nil
}

// AmendOrder changes the price or quantity of a resting limit order.
func (p *Paper) AmendOrder(_ context.Context, req AmendOrderRequest) (*OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[req.OrderLinkID]
	if !ok || o.State.Terminal() {
		return nil, orderNotFound(req.OrderLinkID)
	}
	if req.Qty != "" {
		qty, err := strictF("qty", req.Qty)
		if err != nil {
			return nil, err
		}
		if qty < o.FilledQty {
			return nil, types.NewError(types.KindValidationRejected, "amend qty %v below filled %v", qty, o.FilledQty)
		}
		o.Quantity = qty
	}
	if req.Price != "" {
		px, err := strictF("price", req.Price)
		if err != nil {
			return nil, err
		}
		o.Price = px
	}
	o.UpdatedAt = p.clock.Now()
	p.emitOrder(o)

	if top, ok := p.books[o.Symbol]; ok && crossed(o, top) {
		p.fill(o, o.Price)
		p.dropResting(o.ClientOrderID)
	}
	return &OrderAck{OrderID: o.ExchangeOrderID, OrderLinkID: o.ClientOrderID}, nil
}

// CancelOrder cancels a resting order by its client order ID.
func (p *Paper) CancelOrder(_ context.Context, _ types.Category, _ string, clientOrderID string) (*OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[clientOrderID]
	if !ok || o.State.Terminal() {
		return nil, orderNotFound(clientOrderID)
	}
	o.State = types.OrderCancelled
	o.UpdatedAt = p.clock.Now()
	p.dropResting(clientOrderID)
	p.emitOrder(o)
	return &OrderAck{OrderID: o.ExchangeOrderID, OrderLinkID: o.ClientOrderID}, nil
}

// CancelAllOrders cancels every non-terminal order, optionally narrowed to
// one symbol.
func (p *Paper) CancelAllOrders(_ context.Context, _ types.Category, symbol string) ([]OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var acks []OrderAck
	for _, o := range p.orders {
		if o.State.Terminal() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		o.State = types.OrderCancelled
		o.UpdatedAt = p.clock.Now()
		p.dropResting(o.ClientOrderID)
		p.emitOrder(o)
		acks = append(acks, OrderAck{OrderID: o.ExchangeOrderID, OrderLinkID: o.ClientOrderID})
	}
	return acks, nil
}

// GetOpenOrders mirrors Client.GetOpenOrders over the simulator state.
func (p *Paper) GetOpenOrders(_ context.Context, _ types.Category, symbol string) ([]types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []types.Order
	for _, o := range p.orders {
		if o.State.Terminal() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

// GetOrder returns the latest simulator state of one order, terminal states
// included.
func (p *Paper) GetOrder(_ context.Context, _ types.Category, _ string, clientOrderID string) (*types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[clientOrderID]
	if !ok {
		return nil, orderNotFound(clientOrderID)
	}
	cp := *o
	return &cp, nil
}

// GetPositions mirrors Client.GetPositions, marking unrealized PnL to the
// latest book.
func (p *Paper) GetPositions(_ context.Context, _ types.Category, symbol string) ([]types.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []types.Position
	for _, pos := range p.positions {
		if symbol != "" && pos.Symbol != symbol {
			continue
		}
		cp := *pos
		cp.UnrealizedPnl = p.unrealized(pos)
		out = append(out, cp)
	}
	return out, nil
}

// GetWalletBalance mirrors Client.GetWalletBalance. Total equity includes
// unrealized PnL marked to the latest books.
func (p *Paper) GetWalletBalance(_ context.Context) (*types.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.balance()
	return &b, nil
}

// ————————————————————————————————————————————————————————————————————————
// Fill model
// ————————————————————————————————————————————————————————————————————————

// slipped returns the market fill price: the touch shifted against the
// taker by the configured slippage.
func (p *Paper) slipped(side types.Side, top types.BookTop) float64 {
	one := decimal.NewFromInt(1)
	if side == types.Buy {
		if top.Ask == 0 {
			return 0
		}
		return decimal.NewFromFloat(top.Ask).Mul(one.Add(p.slip)).InexactFloat64()
	}
	if top.Bid == 0 {
		return 0
	}
	return decimal.NewFromFloat(top.Bid).Mul(one.Sub(p.slip)).InexactFloat64()
}

func (p *Paper) checkBalance(qty, px float64) error {
	if notional := qty * px; notional > p.availableLocked() {
		err := types.NewError(types.KindExchangeError, "insufficient balance: need %.2f, have %.2f", notional, p.availableLocked())
		err.Code = retInsufficientBalance
		return err
	}
	return nil
}

// fill executes o fully at px, updating the order, the position, and the
// wallet, and emitting an event for each. Caller holds p.mu.
func (p *Paper) fill(o *types.Order, px float64) {
	now := p.clock.Now()
	qty := o.Quantity - o.FilledQty
	o.AvgFillPrice = px
	o.FilledQty = o.Quantity
	o.State = types.OrderFilled
	o.UpdatedAt = now
	p.emitOrder(o)

	p.applyFill(o.Symbol, o.Side, qty, px, now)
	p.logger.Info("paper fill",
		"symbol", o.Symbol,
		"side", o.Side,
		"qty", qty,
		"price", px,
		"client_order_id", o.ClientOrderID)
}

// applyFill folds a fill into the position book with VWAP entries and
// realized PnL on reductions. Caller holds p.mu.
func (p *Paper) applyFill(symbol string, side types.Side, qty, px float64, now time.Time) {
	pos := p.positions[symbol]
	signed := qty
	if side == types.Sell {
		signed = -qty
	}
	cur := 0.0
	entry := 0.0
	if pos != nil {
		cur = pos.Size
		if pos.Side == types.Sell {
			cur = -cur
		}
		entry = pos.AvgEntryPrice
	}

	next := cur + signed
	switch {
	case cur == 0 || (cur > 0) == (signed > 0):
		// Opening or adding: VWAP the entry.
		total := abs(cur) + qty
		entry = (entry*abs(cur) + px*qty) / total
	case abs(signed) <= abs(cur):
		// Reducing: realize PnL on the closed amount, entry unchanged.
		closed := abs(signed)
		if cur > 0 {
			p.equity += (px - entry) * closed
		} else {
			p.equity += (entry - px) * closed
		}
	default:
		// Flipping through flat: realize on the whole old position, the
		// remainder opens fresh at the fill price.
		if cur > 0 {
			p.equity += (px - entry) * abs(cur)
		} else {
			p.equity += (entry - px) * abs(cur)
		}
		entry = px
	}

	if next == 0 {
		delete(p.positions, symbol)
		p.emitPosition(types.Position{Symbol: symbol, UpdatedAt: now})
	} else {
		s := types.Buy
		if next < 0 {
			s = types.Sell
		}
		np := &types.Position{
			Symbol:        symbol,
			Side:          s,
			Size:          abs(next),
			AvgEntryPrice: entry,
			MarginUsed:    abs(next) * entry,
			UpdatedAt:     now,
		}
		p.positions[symbol] = np
		cp := *np
		cp.UnrealizedPnl = p.unrealized(np)
		p.emitPosition(cp)
	}
	p.emitWallet(p.balance())
}

// unrealized marks a position to the latest book mid. Caller holds p.mu.
func (p *Paper) unrealized(pos *types.Position) float64 {
	top, ok := p.books[pos.Symbol]
	if !ok {
		return 0
	}
	mark := (top.Bid + top.Ask) / 2
	if mark == 0 {
		return 0
	}
	if pos.Side == types.Sell {
		return (pos.AvgEntryPrice - mark) * pos.Size
	}
	return (mark - pos.AvgEntryPrice) * pos.Size
}

func (p *Paper) balance() types.Balance {
	total := p.equity
	margin := 0.0
	for _, pos := range p.positions {
		total += p.unrealized(pos)
		margin += pos.MarginUsed
	}
	avail := total - margin
	if avail < 0 {
		avail = 0
	}
	return types.Balance{TotalEquity: total, Available: avail, UpdatedAt: p.clock.Now()}
}

func (p *Paper) availableLocked() float64 {
	return p.balance().Available
}

func (p *Paper) dropResting(clientOrderID string) {
	for i, id := range p.resting {
		if id == clientOrderID {
			p.resting = append(p.resting[:i], p.resting[i+1:]...)
			return
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Event emission. Non-blocking sends, same policy as the websocket feed.
// ————————————————————————————————————————————————————————————————————————

func (p *Paper) emitOrder(o *types.Order) {
	select {
	case p.orderCh <- *o:
	default:
		p.logger.Warn("order channel full, dropping event", "client_order_id", o.ClientOrderID)
	}
}

func (p *Paper) emitPosition(pos types.Position) {
	select {
	case p.positionCh <- pos:
	default:
		p.logger.Warn("position channel full, dropping event", "symbol", pos.Symbol)
	}
}

func (p *Paper) emitWallet(b types.Balance) {
	select {
	case p.walletCh <- b:
	default:
		p.logger.Warn("wallet channel full, dropping event")
	}
}

func orderNotFound(clientOrderID string) *types.Error {
	err := types.NewError(types.KindExchangeError, "order %s not found or already closed", clientOrderID)
	err.Code = retOrderNotFound
	return err
}

func strictF(name, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, types.NewError(types.KindValidationRejected, "invalid %s %q", name, s)
	}
	return v, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

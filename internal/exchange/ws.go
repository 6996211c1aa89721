// ws.go implements the v5 WebSocket feeds.
//
// Two independent feeds run concurrently:
//
//   - Public feed (per category): kline, tickers, orderbook.1, and
//     publicTrade topics for the subscribed symbols.
//
//   - Private feed (authenticated): order, position, and wallet topics for
//     the account. Authentication happens with a signed frame immediately
//     after dialing; a negative reply surfaces AuthFailed and is never
//     retried silently.
//
// Both feeds keep the connection alive with JSON ping frames and reconnect
// with exponential backoff. After the reconnect budget is spent Run returns
// ErrMaxReconnects; the caller is expected to halt trading. On every
// (re)connect all tracked topics are re-subscribed and a signal is sent on
// Reconnects so the caller can re-seed its projections from REST.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/config"
	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

const (
	writeTimeout      = 10 * time.Second
	marketBufferSize  = 256 // ticker/book/trade/candle events
	privateBufferSize = 64  // order/position/wallet events
)

// ErrMaxReconnects is returned by Run once the reconnect budget is spent.
var ErrMaxReconnects = types.NewError(types.KindNetwork, "max reconnect attempts reached")

// wsRequest is the frame shape for op messages (auth, subscribe, ping).
type wsRequest struct {
	Op   string `json:"op"`
	Args []any  `json:"args,omitempty"`
}

// wsEnvelope is the superset of fields needed to route any incoming frame.
type wsEnvelope struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success,omitempty"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

// WSFeed manages a single WebSocket connection (public or private channel).
// It handles the connection lifecycle, topic tracking, message routing, and
// automatic reconnection with exponential backoff.
type WSFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes
	signer *Signer    // nil for the public channel
	name   string     // "public" or "private"

	heartbeat     time.Duration
	reconnectBase time.Duration
	reconnectCap  time.Duration
	maxAttempts   int

	// Track topics for automatic re-subscribe on reconnect
	topicsMu sync.RWMutex
	topics   map[string]bool

	// Typed event channels — consumers read via accessor methods
	tickerCh   chan types.Ticker
	bookCh     chan types.BookTop
	tradeCh    chan types.PublicTrade
	candleCh   chan types.Candle
	orderCh    chan types.Order
	positionCh chan types.Position
	walletCh   chan types.Balance
	reconnects chan struct{}

	// Last full values for merging ticker and book deltas
	stateMu sync.Mutex
	tickers map[string]wireTicker
	books   map[string]types.BookTop

	logger *slog.Logger
}

func newFeed(url, name string, signer *Signer, cfg config.ExchangeConfig, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:           url,
		signer:        signer,
		name:          name,
		heartbeat:     cfg.Heartbeat,
		reconnectBase: cfg.ReconnectBase,
		reconnectCap:  cfg.ReconnectCap,
		maxAttempts:   cfg.ReconnectAttempts,
		topics:        make(map[string]bool),
		tickerCh:      make(chan types.Ticker, marketBufferSize),
		bookCh:        make(chan types.BookTop, marketBufferSize),
		tradeCh:       make(chan types.PublicTrade, marketBufferSize),
		candleCh:      make(chan types.Candle, marketBufferSize),
		orderCh:       make(chan types.Order, privateBufferSize),
		positionCh:    make(chan types.Position, privateBufferSize),
		walletCh:      make(chan types.Balance, privateBufferSize),
		reconnects:    make(chan struct{}, 1),
		tickers:       make(map[string]wireTicker),
		books:         make(map[string]types.BookTop),
		logger:        logger.With("component", "ws_"+name),
	}
}

// NewPublicFeed creates a feed for the public market stream of one category.
func NewPublicFeed(wsURL string, cfg config.ExchangeConfig, logger *slog.Logger) *WSFeed {
	return newFeed(wsURL, "public", nil, cfg, logger)
}

// NewPrivateFeed creates a feed for the authenticated account stream.
func NewPrivateFeed(wsURL string, signer *Signer, cfg config.ExchangeConfig, logger *slog.Logger) *WSFeed {
	return newFeed(wsURL, "private", signer, cfg, logger)
}

// Tickers returns merged top-of-book ticker updates.
func (f *WSFeed) Tickers() <-chan types.Ticker { return f.tickerCh }

// BookTops returns best bid/ask updates from the depth-1 orderbook stream.
func (f *WSFeed) BookTops() <-chan types.BookTop { return f.bookCh }

// Trades returns public trade prints.
func (f *WSFeed) Trades() <-chan types.PublicTrade { return f.tradeCh }

// Candles returns closed candles only; in-progress bars are not forwarded.
func (f *WSFeed) Candles() <-chan types.Candle { return f.candleCh }

// Orders returns order lifecycle updates (private channel).
func (f *WSFeed) Orders() <-chan types.Order { return f.orderCh }

// Positions returns position updates (private channel).
func (f *WSFeed) Positions() <-chan types.Position { return f.positionCh }

// Wallets returns wallet balance updates (private channel).
func (f *WSFeed) Wallets() <-chan types.Balance { return f.walletCh }

// Reconnects signals each successful (re)connect. Consumers use it to
// re-seed projections from REST snapshots.
func (f *WSFeed) Reconnects() <-chan struct{} { return f.reconnects }

// Run connects and maintains the connection until ctx is cancelled, the
// reconnect budget is spent, or authentication is rejected.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := f.reconnectBase
	attempts := 0

	for {
		established, err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if types.IsKind(err, types.KindAuthFailed) {
			// Signature or key rejected: reconnecting cannot fix this.
			f.logger.Error("websocket auth rejected", "error", err)
			return err
		}
		if established {
			// The previous connection worked; start a fresh budget.
			backoff = f.reconnectBase
			attempts = 0
		}

		attempts++
		if attempts > f.maxAttempts {
			f.logger.Error("websocket reconnect budget spent",
				"attempts", f.maxAttempts, "error", err)
			return ErrMaxReconnects
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"attempt", attempts,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > f.reconnectCap {
			backoff = f.reconnectCap
		}
	}
}

// Subscribe adds topics (e.g. "kline.1.BTCUSDT", "order"). If the feed is
// not connected yet the topics are only tracked; they are flushed on the
// next (re)connect.
func (f *WSFeed) Subscribe(topics []string) error {
	f.topicsMu.Lock()
	for _, t := range topics {
		f.topics[t] = true
	}
	f.topicsMu.Unlock()

	f.connMu.Lock()
	connected := f.conn != nil
	f.connMu.Unlock()
	if !connected {
		return nil
	}
	return f.writeJSON(wsRequest{Op: "subscribe", Args: toAnySlice(topics)})
}

// Unsubscribe removes topics from the tracked set and the live connection.
func (f *WSFeed) Unsubscribe(topics []string) error {
	f.topicsMu.Lock()
	for _, t := range topics {
		delete(f.topics, t)
	}
	f.topicsMu.Unlock()

	f.connMu.Lock()
	connected := f.conn != nil
	f.connMu.Unlock()
	if !connected {
		return nil
	}
	return f.writeJSON(wsRequest{Op: "unsubscribe", Args: toAnySlice(topics)})
}

// Close closes the underlying connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// connectAndRead dials, authenticates (private), subscribes, and reads until
// the connection drops. The bool reports whether the connection was fully
// established (auth + subscribe succeeded) before failing.
func (f *WSFeed) connectAndRead(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if f.signer != nil {
		if err := f.authenticate(conn); err != nil {
			return false, err
		}
	}
	if err := f.sendInitialSubscription(); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "channel", f.name)
	select {
	case f.reconnects <- struct{}{}:
	default:
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop. The deadline is 2x the heartbeat: two missed pongs means
	// the server went silent and we should reconnect.
	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(2 * f.heartbeat))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

// authenticate performs the signed auth handshake on a fresh connection.
func (f *WSFeed) authenticate(conn *websocket.Conn) error {
	frame := wsRequest{Op: "auth", Args: f.signer.WSAuthArgs()}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(writeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}

	var reply wsEnvelope
	if err := json.Unmarshal(msg, &reply); err != nil {
		return fmt.Errorf("decode auth reply: %w", err)
	}
	if reply.Success == nil || !*reply.Success {
		return types.NewError(types.KindAuthFailed, "websocket auth rejected: %s", reply.RetMsg)
	}
	return nil
}

func (f *WSFeed) sendInitialSubscription() error {
	f.topicsMu.RLock()
	topics := make([]string, 0, len(f.topics))
	for t := range f.topics {
		topics = append(topics, t)
	}
	f.topicsMu.RUnlock()

	if len(topics) == 0 {
		return nil
	}
	return f.writeJSON(wsRequest{Op: "subscribe", Args: toAnySlice(topics)})
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var envelope wsEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	// Op replies: pong, subscribe and (late) auth acknowledgements.
	if envelope.Op != "" {
		if envelope.Success != nil && !*envelope.Success {
			f.logger.Error("websocket op rejected",
				"op", envelope.Op, "ret_msg", envelope.RetMsg)
		}
		return
	}

	switch {
	case strings.HasPrefix(envelope.Topic, "kline."):
		f.dispatchKline(envelope)
	case strings.HasPrefix(envelope.Topic, "tickers."):
		f.dispatchTicker(envelope)
	case strings.HasPrefix(envelope.Topic, "orderbook."):
		f.dispatchOrderbook(envelope)
	case strings.HasPrefix(envelope.Topic, "publicTrade."):
		f.dispatchTrades(envelope)
	case envelope.Topic == "order":
		f.dispatchOrders(envelope)
	case envelope.Topic == "position":
		f.dispatchPositions(envelope)
	case envelope.Topic == "wallet":
		f.dispatchWallet(envelope)
	default:
		f.logger.Debug("unknown ws topic", "topic", envelope.Topic)
	}
}

func (f *WSFeed) dispatchKline(envelope wsEnvelope) {
	symbol := topicSuffix(envelope.Topic, 2)
	var klines []wsKline
	if err := json.Unmarshal(envelope.Data, &klines); err != nil {
		f.logger.Error("unmarshal kline", "error", err)
		return
	}
	for _, k := range klines {
		if !k.Confirm {
			continue // only closed candles feed the pipeline
		}
		select {
		case f.candleCh <- k.toCandle(symbol):
		default:
			f.logger.Warn("candle channel full, dropping event", "symbol", symbol)
		}
	}
}

func (f *WSFeed) dispatchTicker(envelope wsEnvelope) {
	var tick wireTicker
	if err := json.Unmarshal(envelope.Data, &tick); err != nil {
		f.logger.Error("unmarshal ticker", "error", err)
		return
	}
	symbol := topicSuffix(envelope.Topic, 1)

	f.stateMu.Lock()
	merged := tick.merge(f.tickers[symbol])
	f.tickers[symbol] = merged
	f.stateMu.Unlock()

	select {
	case f.tickerCh <- merged.toTicker(time.Now().UTC()):
	default:
		f.logger.Warn("ticker channel full, dropping event", "symbol", symbol)
	}
}

func (f *WSFeed) dispatchOrderbook(envelope wsEnvelope) {
	var book wsOrderbook
	if err := json.Unmarshal(envelope.Data, &book); err != nil {
		f.logger.Error("unmarshal orderbook", "error", err)
		return
	}

	f.stateMu.Lock()
	top := book.applyTo(f.books[book.Symbol], time.Now().UTC())
	f.books[book.Symbol] = top
	f.stateMu.Unlock()

	select {
	case f.bookCh <- top:
	default:
		f.logger.Warn("book channel full, dropping event", "symbol", book.Symbol)
	}
}

func (f *WSFeed) dispatchTrades(envelope wsEnvelope) {
	var trades []wsTrade
	if err := json.Unmarshal(envelope.Data, &trades); err != nil {
		f.logger.Error("unmarshal trades", "error", err)
		return
	}
	for _, t := range trades {
		select {
		case f.tradeCh <- t.toTrade():
		default:
			f.logger.Warn("trade channel full, dropping event", "symbol", t.S)
		}
	}
}

func (f *WSFeed) dispatchOrders(envelope wsEnvelope) {
	var orders []wireOrder
	if err := json.Unmarshal(envelope.Data, &orders); err != nil {
		f.logger.Error("unmarshal orders", "error", err)
		return
	}
	for _, o := range orders {
		select {
		case f.orderCh <- o.toOrder():
		default:
			f.logger.Warn("order channel full, dropping event", "order", o.OrderLinkID)
		}
	}
}

func (f *WSFeed) dispatchPositions(envelope wsEnvelope) {
	var positions []wirePosition
	if err := json.Unmarshal(envelope.Data, &positions); err != nil {
		f.logger.Error("unmarshal positions", "error", err)
		return
	}
	for _, p := range positions {
		select {
		case f.positionCh <- p.toPosition():
		default:
			f.logger.Warn("position channel full, dropping event", "symbol", p.Symbol)
		}
	}
}

func (f *WSFeed) dispatchWallet(envelope wsEnvelope) {
	var wallets []wireWallet
	if err := json.Unmarshal(envelope.Data, &wallets); err != nil {
		f.logger.Error("unmarshal wallet", "error", err)
		return
	}
	for _, w := range wallets {
		select {
		case f.walletCh <- w.toBalance(time.Now().UTC()):
		default:
			f.logger.Warn("wallet channel full, dropping event")
		}
	}
}

// pingLoop sends a JSON ping every heartbeat interval. The server answers
// with an op:pong frame, which refreshes the read deadline as a side effect
// of being read.
func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(f.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(wsRequest{Op: "ping"}); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

// topicSuffix returns the symbol segment of a dotted topic:
// "kline.1.BTCUSDT" with skip=2 yields "BTCUSDT", "tickers.BTCUSDT" with
// skip=1 yields "BTCUSDT".
func topicSuffix(topic string, skip int) string {
	rest := topic
	for i := 0; i < skip; i++ {
		if idx := strings.IndexByte(rest, '.'); idx >= 0 {
			rest = rest[idx+1:]
		}
	}
	return rest
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// Package exchange implements the v5 REST and WebSocket clients.
//
// The REST client (Client) covers the endpoints the trader needs:
//   - GetServerTime:    GET  /v5/market/time
//   - GetKlines:        GET  /v5/market/kline
//   - GetTicker:        GET  /v5/market/tickers
//   - GetInstruments:   GET  /v5/market/instruments-info
//   - CreateOrder:      POST /v5/order/create
//   - AmendOrder:       POST /v5/order/amend
//   - CancelOrder:      POST /v5/order/cancel
//   - CancelAllOrders:  POST /v5/order/cancel-all
//   - GetOpenOrders:    GET  /v5/order/realtime
//   - GetPositions:     GET  /v5/position/list
//   - GetWalletBalance: GET  /v5/account/wallet-balance
//
// Every request waits on the per-category rate limiter, runs inside a
// retry-with-backoff plus circuit-breaker pipeline, and is signed with a
// fresh timestamp per attempt. Concurrency is bounded by a worker pool so a
// burst of callers cannot exhaust sockets.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alitto/pond"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/go-resty/resty/v2"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/config"
	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// v5Response is the standard envelope every v5 endpoint returns.
type v5Response struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// OrderAck is the exchange's acknowledgement of a create/amend/cancel.
type OrderAck struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// CreateOrderRequest is the POST /v5/order/create body. String-typed
// quantities and prices per the v5 contract.
type CreateOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	OrderLinkID string `json:"orderLinkId"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
	StopLoss    string `json:"stopLoss,omitempty"`
	TakeProfit  string `json:"takeProfit,omitempty"`
}

// AmendOrderRequest is the POST /v5/order/amend body. Only the fields being
// changed are set.
type AmendOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	OrderLinkID string `json:"orderLinkId"`
	Qty         string `json:"qty,omitempty"`
	Price       string `json:"price,omitempty"`
}

// Client is the v5 REST client.
type Client struct {
	http   *resty.Client
	signer *Signer
	rl     *RateLimiter
	pool   *pond.WorkerPool
	exec   failsafe.Executor[*resty.Response]
	logger *slog.Logger
}

// NewClient builds a REST client against the given environment endpoints.
func NewClient(cfg config.ExchangeConfig, ep Endpoints, signer *Signer, rl *RateLimiter, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(ep.RESTBase).
		SetTimeout(cfg.RESTTimeout).
		SetHeader("Content-Type", "application/json")

	retry := retrypolicy.NewBuilder[*resty.Response]().
		HandleIf(func(_ *resty.Response, err error) bool {
			return retryableErr(err)
		}).
		WithBackoff(cfg.RetryBase, cfg.RetryCap).
		WithJitterFactor(0.2).
		WithMaxRetries(cfg.RetryMaxAttempts).
		Build()

	breaker := circuitbreaker.NewBuilder[*resty.Response]().
		HandleIf(func(_ *resty.Response, err error) bool {
			return retryableErr(err)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	workers := cfg.RESTWorkers
	if workers <= 0 {
		workers = 8
	}
	pool := pond.New(workers, workers*4,
		pond.MinWorkers(1),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p any) {
			logger.Error("rest worker panic", "panic", p)
		}))

	return &Client{
		http:   httpClient,
		signer: signer,
		rl:     rl,
		pool:   pool,
		exec:   failsafe.With[*resty.Response](retry, breaker),
		logger: logger.With("component", "rest"),
	}
}

// Close drains in-flight requests and stops the worker pool.
func (c *Client) Close() {
	c.pool.StopAndWait()
}

// Quota exposes the latest header-reported budget for a category.
func (c *Client) Quota(kind CallKind) Quota {
	return c.rl.Quota(kind)
}

// Quotas exposes all category budgets.
func (c *Client) Quotas() map[CallKind]Quota {
	return c.rl.Quotas()
}

// ————————————————————————————————————————————————————————————————————————
// Market endpoints (public)
// ————————————————————————————————————————————————————————————————————————

// GetServerTime fetches the exchange clock, useful as a startup sanity check
// for recv-window drift.
func (c *Client) GetServerTime(ctx context.Context) (time.Time, error) {
	var result struct {
		TimeSecond string `json:"timeSecond"`
	}
	if err := c.get(ctx, CallMarket, "/v5/market/time", nil, false, &result); err != nil {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(result.TimeSecond, 10, 64)
	if err != nil {
		return time.Time{}, types.WrapError(types.KindExchangeError, err, "parse server time")
	}
	return time.Unix(sec, 0).UTC(), nil
}

// GetKlines fetches up to limit closed candles, oldest first.
func (c *Client) GetKlines(ctx context.Context, category types.Category, symbol string, interval types.Interval, limit int) ([]types.Candle, error) {
	params := map[string]string{
		"category": string(category),
		"symbol":   symbol,
		"interval": string(interval),
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	var result struct {
		List [][]string `json:"list"`
	}
	if err := c.get(ctx, CallMarket, "/v5/market/kline", params, false, &result); err != nil {
		return nil, err
	}

	// The wire lists newest first; flip to oldest first for consumers.
	candles := make([]types.Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		candle, err := candleFromRow(symbol, interval, result.List[i])
		if err != nil {
			return nil, types.WrapError(types.KindExchangeError, err, "decode kline")
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// GetTicker fetches the current best bid/ask and last price for one symbol.
func (c *Client) GetTicker(ctx context.Context, category types.Category, symbol string) (*types.Ticker, error) {
	params := map[string]string{
		"category": string(category),
		"symbol":   symbol,
	}
	var result struct {
		List []wireTicker `json:"list"`
	}
	if err := c.get(ctx, CallMarket, "/v5/market/tickers", params, false, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, types.NewError(types.KindExchangeError, "no ticker for %s", symbol)
	}
	ticker := result.List[0].toTicker(time.Now().UTC())
	return &ticker, nil
}

// GetInstruments fetches lot and tick rules. An empty symbol returns the
// whole category.
func (c *Client) GetInstruments(ctx context.Context, category types.Category, symbol string) ([]types.InstrumentInfo, error) {
	params := map[string]string{"category": string(category)}
	if symbol != "" {
		params["symbol"] = symbol
	}
	var result struct {
		List []struct {
			Symbol      string `json:"symbol"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := c.get(ctx, CallMarket, "/v5/market/instruments-info", params, false, &result); err != nil {
		return nil, err
	}

	infos := make([]types.InstrumentInfo, len(result.List))
	for i, raw := range result.List {
		infos[i] = types.InstrumentInfo{
			Symbol:      raw.Symbol,
			TickSize:    raw.PriceFilter.TickSize,
			QtyStep:     raw.LotSizeFilter.QtyStep,
			MinOrderQty: raw.LotSizeFilter.MinOrderQty,
		}
	}
	return infos, nil
}

// ————————————————————————————————————————————————————————————————————————
// Trade endpoints (signed)
// ————————————————————————————————————————————————————————————————————————

// CreateOrder submits one order. The exchange deduplicates on OrderLinkID, so
// retries of the same request cannot double-fill.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderAck, error) {
	var ack OrderAck
	if err := c.post(ctx, CallOrder, "/v5/order/create", req, &ack); err != nil {
		return nil, err
	}
	c.logger.Info("order submitted",
		"symbol", req.Symbol,
		"side", req.Side,
		"qty", req.Qty,
		"order_link_id", req.OrderLinkID)
	return &ack, nil
}

// AmendOrder modifies price and/or quantity of an open order.
func (c *Client) AmendOrder(ctx context.Context, req AmendOrderRequest) (*OrderAck, error) {
	var ack OrderAck
	if err := c.post(ctx, CallOrder, "/v5/order/amend", req, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// CancelOrder cancels one open order by client order id.
func (c *Client) CancelOrder(ctx context.Context, category types.Category, symbol, clientOrderID string) (*OrderAck, error) {
	body := map[string]string{
		"category":    string(category),
		"symbol":      symbol,
		"orderLinkId": clientOrderID,
	}
	var ack OrderAck
	if err := c.post(ctx, CallOrder, "/v5/order/cancel", body, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// CancelAllOrders cancels every open order in the category. A symbol narrows
// the sweep; empty covers the whole USDT-settled book.
func (c *Client) CancelAllOrders(ctx context.Context, category types.Category, symbol string) ([]OrderAck, error) {
	body := map[string]string{"category": string(category)}
	if symbol != "" {
		body["symbol"] = symbol
	} else {
		body["settleCoin"] = "USDT"
	}
	var result struct {
		List []OrderAck `json:"list"`
	}
	if err := c.post(ctx, CallOrder, "/v5/order/cancel-all", body, &result); err != nil {
		return nil, err
	}
	c.logger.Info("cancelled all open orders", "symbol", symbol, "count", len(result.List))
	return result.List, nil
}

// ————————————————————————————————————————————————————————————————————————
// Account endpoints (signed)
// ————————————————————————————————————————————————————————————————————————

// GetOpenOrders fetches all non-terminal orders. An empty symbol returns the
// whole category (settleCoin narrows the scan server-side).
func (c *Client) GetOpenOrders(ctx context.Context, category types.Category, symbol string) ([]types.Order, error) {
	params := map[string]string{"category": string(category)}
	if symbol != "" {
		params["symbol"] = symbol
	} else {
		params["settleCoin"] = "USDT"
	}
	var result struct {
		List []wireOrder `json:"list"`
	}
	if err := c.get(ctx, CallAccount, "/v5/order/realtime", params, true, &result); err != nil {
		return nil, err
	}
	orders := make([]types.Order, len(result.List))
	for i, raw := range result.List {
		orders[i] = raw.toOrder()
	}
	return orders, nil
}

// GetOrder fetches the latest state of one order by client order id. The
// realtime endpoint also returns recently closed orders, so a fill that
// raced a timed-out submission is still visible here.
func (c *Client) GetOrder(ctx context.Context, category types.Category, symbol, clientOrderID string) (*types.Order, error) {
	params := map[string]string{
		"category":    string(category),
		"symbol":      symbol,
		"orderLinkId": clientOrderID,
	}
	var result struct {
		List []wireOrder `json:"list"`
	}
	if err := c.get(ctx, CallAccount, "/v5/order/realtime", params, true, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, orderNotFound(clientOrderID)
	}
	o := result.List[0].toOrder()
	return &o, nil
}

// GetPositions fetches current positions. Flat symbols come back with
// size 0 and side "None"; callers filter as needed.
func (c *Client) GetPositions(ctx context.Context, category types.Category, symbol string) ([]types.Position, error) {
	params := map[string]string{"category": string(category)}
	if symbol != "" {
		params["symbol"] = symbol
	} else {
		params["settleCoin"] = "USDT"
	}
	var result struct {
		List []wirePosition `json:"list"`
	}
	if err := c.get(ctx, CallAccount, "/v5/position/list", params, true, &result); err != nil {
		return nil, err
	}
	positions := make([]types.Position, len(result.List))
	for i, raw := range result.List {
		positions[i] = raw.toPosition()
	}
	return positions, nil
}

// GetWalletBalance fetches the unified account equity snapshot.
func (c *Client) GetWalletBalance(ctx context.Context) (*types.Balance, error) {
	params := map[string]string{"accountType": "UNIFIED"}
	var result struct {
		List []wireWallet `json:"list"`
	}
	if err := c.get(ctx, CallAccount, "/v5/account/wallet-balance", params, true, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, types.NewError(types.KindExchangeError, "wallet balance response empty")
	}
	balance := result.List[0].toBalance(time.Now().UTC())
	return &balance, nil
}

// ————————————————————————————————————————————————————————————————————————
// Request plumbing
// ————————————————————————————————————————————————————————————————————————

// get performs a GET. The query string is built once, signed byte-for-byte
// when signed is true, and appended to the path verbatim.
func (c *Client) get(ctx context.Context, kind CallKind, path string, params map[string]string, signed bool, out any) error {
	query := encodeQuery(params)
	url := path
	if query != "" {
		url = path + "?" + query
	}
	return c.call(ctx, kind, out, func() (*resty.Response, error) {
		req := c.http.R().SetContext(ctx)
		if signed {
			req.SetHeaders(c.signer.Headers(query))
		}
		return req.Get(url)
	})
}

// post performs a signed POST. The body is marshalled once; the same bytes
// are signed and sent.
func (c *Client) post(ctx context.Context, kind CallKind, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return types.WrapError(types.KindExchangeError, err, "marshal request")
	}
	payload := string(raw)
	return c.call(ctx, kind, out, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeaders(c.signer.Headers(payload)).
			SetBody(payload).
			Post(path)
	})
}

// call runs one request on the bounded pool, through the retry/breaker
// pipeline, and decodes the v5 envelope into out.
func (c *Client) call(ctx context.Context, kind CallKind, out any, do func() (*resty.Response, error)) error {
	var envelope v5Response
	done := make(chan error, 1)
	c.pool.Submit(func() {
		done <- c.send(ctx, kind, &envelope, do)
	})

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return classifyTransportError(ctx.Err())
	}

	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return types.WrapError(types.KindExchangeError, err, "decode result")
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, kind CallKind, envelope *v5Response, do func() (*resty.Response, error)) error {
	_, err := c.exec.GetWithExecution(func(_ failsafe.Execution[*resty.Response]) (*resty.Response, error) {
		if err := c.rl.Wait(ctx, kind); err != nil {
			return nil, classifyTransportError(err)
		}
		resp, err := do()
		if err != nil {
			return nil, classifyTransportError(err)
		}
		c.rl.UpdateFromHeaders(kind, resp.Header())

		if resp.StatusCode() != http.StatusOK {
			return resp, classifyHTTPStatus(resp.StatusCode(), resp.String())
		}
		var env v5Response
		if err := json.Unmarshal(resp.Body(), &env); err != nil {
			return resp, types.WrapError(types.KindExchangeError, err, "decode envelope")
		}
		if err := classifyRetCode(env.RetCode, env.RetMsg); err != nil {
			return resp, err
		}
		*envelope = env
		return resp, nil
	})
	if err != nil {
		var appErr *types.Error
		if errors.As(err, &appErr) {
			return err
		}
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return types.WrapError(types.KindNetwork, err, "transport circuit open")
		}
		return types.WrapError(types.KindNetwork, err, "request failed")
	}
	return nil
}

// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trader — symbols, candles,
// model scores, intents, orders, positions, and journal events. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order. The values match the exchange
// wire format ("Buy"/"Sell") so they can be sent without translation.
type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

// Opposite returns the closing side for a position held on s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Signal is a model's directional opinion. Unlike Side it has a neutral
// element: a model that sees nothing actionable emits SignalFlat.
type Signal string

const (
	SignalBuy  Signal = "buy"
	SignalSell Signal = "sell"
	SignalFlat Signal = "flat"
)

// Side converts a non-flat signal to an order side.
func (s Signal) Side() (Side, bool) {
	switch s {
	case SignalBuy:
		return Buy, true
	case SignalSell:
		return Sell, true
	default:
		return "", false
	}
}

// Mode is the trading mode. Transitions are journaled; halt is sticky until
// an operator resets the circuit.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
	ModeHalt  Mode = "halt"
)

// ValidMode reports whether s names a known trading mode.
func ValidMode(s string) bool {
	switch Mode(s) {
	case ModePaper, ModeLive, ModeHalt:
		return true
	}
	return false
}

// Category is the exchange product category a symbol trades under.
type Category string

const (
	CategoryLinear  Category = "linear"
	CategoryInverse Category = "inverse"
	CategorySpot    Category = "spot"
	CategoryOption  Category = "option"
)

// EntryType selects how an approved order enters the market.
type EntryType string

const (
	EntryMarket EntryType = "Market"
	EntryLimit  EntryType = "Limit"
)

// OrderState is the lifecycle state of an order.
//
//	New → Submitted → {PartiallyFilled → Filled | Cancelled | Rejected}
//	   \→ AmendPending → Submitted
type OrderState string

const (
	OrderNew             OrderState = "New"
	OrderSubmitted       OrderState = "Submitted"
	OrderAmendPending    OrderState = "AmendPending"
	OrderPartiallyFilled OrderState = "PartiallyFilled"
	OrderFilled          OrderState = "Filled"
	OrderCancelled       OrderState = "Cancelled"
	OrderRejected        OrderState = "Rejected"
)

// Terminal reports whether no further transitions are possible from s.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Interval is an exchange kline interval in the v5 wire format: minutes as
// decimal strings ("1", "5", "60") plus "D", "W", "M".
type Interval string

// Duration returns the wall-clock length of one interval. Unknown intervals
// default to one minute.
func (i Interval) Duration() time.Duration {
	switch i {
	case "D":
		return 24 * time.Hour
	case "W":
		return 7 * 24 * time.Hour
	case "M":
		return 30 * 24 * time.Hour
	}
	var minutes int
	if _, err := fmt.Sscanf(string(i), "%d", &minutes); err != nil || minutes <= 0 {
		return time.Minute
	}
	return time.Duration(minutes) * time.Minute
}

// Candle is one closed OHLCV bar. OpenTime is aligned to the interval.
type Candle struct {
	Symbol   string    `json:"symbol"`
	Interval Interval  `json:"interval"`
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Validate checks the OHLCV invariants: low ≤ min(open, close),
// max(open, close) ≤ high, all prices positive, volume non-negative.
func (c Candle) Validate() error {
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return fmt.Errorf("candle %s@%s: non-positive price", c.Symbol, c.OpenTime.Format(time.RFC3339))
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle %s@%s: negative volume", c.Symbol, c.OpenTime.Format(time.RFC3339))
	}
	lo, hi := c.Open, c.Close
	if lo > hi {
		lo, hi = hi, lo
	}
	if c.Low > lo || c.High < hi {
		return fmt.Errorf("candle %s@%s: low/high do not bracket open/close", c.Symbol, c.OpenTime.Format(time.RFC3339))
	}
	return nil
}

// Ticker is a top-of-book update for one symbol.
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	LastPrice float64   `json:"last_price"`
	Time      time.Time `json:"time"`
}

// Mid returns the midpoint of the current top of book.
func (t Ticker) Mid() float64 {
	if t.Bid == 0 && t.Ask == 0 {
		return t.LastPrice
	}
	return (t.Bid + t.Ask) / 2
}

// PublicTrade is a single trade printed on the public stream.
type PublicTrade struct {
	Symbol string    `json:"symbol"`
	Side   Side      `json:"side"`
	Price  float64   `json:"price"`
	Size   float64   `json:"size"`
	Time   time.Time `json:"time"`
}

// BookTop is the best bid and ask with their displayed sizes. Feeds the
// paper simulator's fill model; more useful than Ticker when size matters.
type BookTop struct {
	Symbol  string    `json:"symbol"`
	Bid     float64   `json:"bid"`
	BidSize float64   `json:"bid_size"`
	Ask     float64   `json:"ask"`
	AskSize float64   `json:"ask_size"`
	Time    time.Time `json:"time"`
}

// InstrumentInfo carries the exchange's per-symbol trading filters.
// TickSize and QtyStep are strings because the API returns them as strings
// to preserve decimal precision; they are parsed at the point of rounding.
type InstrumentInfo struct {
	Symbol      string `json:"symbol"`
	TickSize    string `json:"tick_size"`
	QtyStep     string `json:"qty_step"`
	MinOrderQty string `json:"min_order_qty"`
}

// ————————————————————————————————————————————————————————————————————————
// Features and models
// ————————————————————————————————————————————————————————————————————————

// FeatureVector is the per-symbol indicator snapshot fed to models.
// All values correspond to the same most-recent closed candle (AsOf is its
// open time). Complete is false until every indicator has warmed up.
type FeatureVector struct {
	Symbol   string    `json:"symbol"`
	AsOf     time.Time `json:"as_of"`
	Close    float64   `json:"close"`
	SMA      float64   `json:"sma"`
	EMA      float64   `json:"ema"`
	RSI      float64   `json:"rsi"`
	MACD     float64   `json:"macd"`
	MACDSig  float64   `json:"macd_signal"`
	MACDHist float64   `json:"macd_hist"`
	BBUpper  float64   `json:"bb_upper"`
	BBMiddle float64   `json:"bb_middle"`
	BBLower  float64   `json:"bb_lower"`
	ATR      float64   `json:"atr"`
	Complete bool      `json:"complete"`
}

// Value looks a feature up by its artifact name. Model artifacts reference
// features by these names, so loaders stay decoupled from the struct layout.
func (f FeatureVector) Value(name string) (float64, bool) {
	switch name {
	case "close":
		return f.Close, true
	case "sma":
		return f.SMA, true
	case "ema":
		return f.EMA, true
	case "rsi":
		return f.RSI, true
	case "macd":
		return f.MACD, true
	case "macd_signal":
		return f.MACDSig, true
	case "macd_hist":
		return f.MACDHist, true
	case "bb_upper":
		return f.BBUpper, true
	case "bb_middle":
		return f.BBMiddle, true
	case "bb_lower":
		return f.BBLower, true
	case "atr":
		return f.ATR, true
	}
	return 0, false
}

// ModelScore is one model's opinion for one tick.
type ModelScore struct {
	ModelID    string    `json:"model_id"`
	Signal     Signal    `json:"signal"`
	Confidence float64   `json:"confidence"`
	AsOf       time.Time `json:"as_of"`
}

// ————————————————————————————————————————————————————————————————————————
// Intents and orders
// ————————————————————————————————————————————————————————————————————————

// Intent is the consensus output: a gated wish to trade. It lives until the
// risk engine approves or rejects it; both outcomes are journaled.
type Intent struct {
	Symbol        string       `json:"symbol"`
	Side          Side         `json:"side"`
	Confidence    float64      `json:"confidence"`
	SourceSignals []ModelScore `json:"source_signals,omitempty"`
	AsOf          time.Time    `json:"as_of"`
}

// ApprovedOrder is a sized, risk-approved order ready for submission.
// ClientOrderID is a deterministic idempotency key: retries of the same tick
// produce the same key, so the exchange deduplicates instead of doubling up.
type ApprovedOrder struct {
	Intent          Intent    `json:"intent"`
	Quantity        float64   `json:"quantity"`
	EntryType       EntryType `json:"entry_type"`
	LimitPrice      float64   `json:"limit_price,omitempty"`
	StopLossPrice   float64   `json:"stop_loss_price"`
	TakeProfitPrice float64   `json:"take_profit_price"`
	ReduceOnly      bool      `json:"reduce_only"`
	ClientOrderID   string    `json:"client_order_id"`
}

// Order is the OMS view of one exchange order.
type Order struct {
	ClientOrderID   string     `json:"client_order_id"`
	ExchangeOrderID string     `json:"exchange_order_id,omitempty"`
	Symbol          string     `json:"symbol"`
	Side            Side       `json:"side"`
	EntryType       EntryType  `json:"entry_type"`
	Quantity        float64    `json:"quantity"`
	Price           float64    `json:"price,omitempty"`
	FilledQty       float64    `json:"filled_qty"`
	AvgFillPrice    float64    `json:"avg_fill_price"`
	State           OrderState `json:"state"`
	ReduceOnly      bool       `json:"reduce_only"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Position is the current holding in one symbol. Mutated only by fills
// observed from the exchange or by reconciliation, never optimistically
// from submissions.
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Size          float64   `json:"size"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	MarginUsed    float64   `json:"margin_used"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Notional returns the position's current dollar exposure at mark.
func (p Position) Notional(mark float64) float64 {
	return p.Size * mark
}

// Balance is the wallet projection.
type Balance struct {
	TotalEquity float64   `json:"total_equity"`
	Available   float64   `json:"available"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CircuitState is the risk circuit. Halt and killed are sticky: once set,
// only an operator reset clears them.
type CircuitState struct {
	Mode                 Mode      `json:"mode"`
	Killed               bool      `json:"killed"`
	DailyDrawdownTripped bool      `json:"daily_drawdown_tripped"`
	VarTripped           bool      `json:"var_tripped"`
	LastTripReason       string    `json:"last_trip_reason,omitempty"`
	LastTripAt           time.Time `json:"last_trip_at,omitempty"`
}

// Tripped reports whether new entries are blocked.
func (c CircuitState) Tripped() bool {
	return c.Mode == ModeHalt || c.Killed || c.DailyDrawdownTripped || c.VarTripped
}

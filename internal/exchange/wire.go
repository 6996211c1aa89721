// wire.go decodes v5 payloads into pkg/types values. Prices, quantities and
// timestamps all travel as strings on the v5 wire; decoding is lenient about
// empty fields because the exchange omits them freely (e.g. avgPrice before
// the first fill).
package exchange

import (
	"fmt"
	"strconv"
	"time"

	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

func parseF(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// mapOrderStatus converts a v5 orderStatus to the local lifecycle state.
func mapOrderStatus(raw string) types.OrderState {
	switch raw {
	case "Created", "New", "Untriggered", "Triggered":
		return types.OrderSubmitted
	case "PartiallyFilled":
		return types.OrderPartiallyFilled
	case "Filled":
		return types.OrderFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return types.OrderCancelled
	case "Rejected":
		return types.OrderRejected
	default:
		return types.OrderSubmitted
	}
}

type wireOrder struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	OrderStatus string `json:"orderStatus"`
	ReduceOnly  bool   `json:"reduceOnly"`
	CreatedTime string `json:"createdTime"`
	UpdatedTime string `json:"updatedTime"`
}

func (w wireOrder) toOrder() types.Order {
	return types.Order{
		ClientOrderID:   w.OrderLinkID,
		ExchangeOrderID: w.OrderID,
		Symbol:          w.Symbol,
		Side:            types.Side(w.Side),
		EntryType:       types.EntryType(w.OrderType),
		Quantity:        parseF(w.Qty),
		Price:           parseF(w.Price),
		FilledQty:       parseF(w.CumExecQty),
		AvgFillPrice:    parseF(w.AvgPrice),
		State:           mapOrderStatus(w.OrderStatus),
		ReduceOnly:      w.ReduceOnly,
		CreatedAt:       parseMillis(w.CreatedTime),
		UpdatedAt:       parseMillis(w.UpdatedTime),
	}
}

type wirePosition struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"` // Buy, Sell, or None when flat
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	PositionIM    string `json:"positionIM"`
	UpdatedTime   string `json:"updatedTime"`
}

func (w wirePosition) toPosition() types.Position {
	return types.Position{
		Symbol:        w.Symbol,
		Side:          types.Side(w.Side),
		Size:          parseF(w.Size),
		AvgEntryPrice: parseF(w.AvgPrice),
		UnrealizedPnl: parseF(w.UnrealisedPnl),
		MarginUsed:    parseF(w.PositionIM),
		UpdatedAt:     parseMillis(w.UpdatedTime),
	}
}

type wireWallet struct {
	TotalEquity           string `json:"totalEquity"`
	TotalAvailableBalance string `json:"totalAvailableBalance"`
}

func (w wireWallet) toBalance(at time.Time) types.Balance {
	return types.Balance{
		TotalEquity: parseF(w.TotalEquity),
		Available:   parseF(w.TotalAvailableBalance),
		UpdatedAt:   at,
	}
}

type wireTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Bid1Price string `json:"bid1Price"`
	Ask1Price string `json:"ask1Price"`
}

func (w wireTicker) toTicker(at time.Time) types.Ticker {
	return types.Ticker{
		Symbol:    w.Symbol,
		Bid:       parseF(w.Bid1Price),
		Ask:       parseF(w.Ask1Price),
		LastPrice: parseF(w.LastPrice),
		Time:      at,
	}
}

// candleFromRow decodes one kline list row:
// [startTime, open, high, low, close, volume, turnover].
func candleFromRow(symbol string, interval types.Interval, row []string) (types.Candle, error) {
	if len(row) < 6 {
		return types.Candle{}, fmt.Errorf("kline row has %d fields, want >= 6", len(row))
	}
	return types.Candle{
		Symbol:   symbol,
		Interval: interval,
		OpenTime: parseMillis(row[0]),
		Open:     parseF(row[1]),
		High:     parseF(row[2]),
		Low:      parseF(row[3]),
		Close:    parseF(row[4]),
		Volume:   parseF(row[5]),
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket payloads
// ————————————————————————————————————————————————————————————————————————

// wsKline is one element of a kline.* stream message. Start is a number on
// the WS wire (the REST wire sends it as a string).
type wsKline struct {
	Start    int64  `json:"start"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
	Interval string `json:"interval"`
	Confirm  bool   `json:"confirm"`
}

func (w wsKline) toCandle(symbol string) types.Candle {
	return types.Candle{
		Symbol:   symbol,
		Interval: types.Interval(w.Interval),
		OpenTime: time.UnixMilli(w.Start).UTC(),
		Open:     parseF(w.Open),
		High:     parseF(w.High),
		Low:      parseF(w.Low),
		Close:    parseF(w.Close),
		Volume:   parseF(w.Volume),
	}
}

// wsTrade is one element of a publicTrade.* message. Single-letter keys per
// the v5 wire: T time, s symbol, S side, v size, p price.
type wsTrade struct {
	T int64  `json:"T"`
	S string `json:"s"`
	D string `json:"S"`
	V string `json:"v"`
	P string `json:"p"`
}

func (w wsTrade) toTrade() types.PublicTrade {
	return types.PublicTrade{
		Symbol: w.S,
		Side:   types.Side(w.D),
		Price:  parseF(w.P),
		Size:   parseF(w.V),
		Time:   time.UnixMilli(w.T).UTC(),
	}
}

// wsOrderbook is an orderbook.* snapshot or delta. Levels are [price, size]
// pairs; at depth 1 a delta replaces the whole side when present.
type wsOrderbook struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
}

// applyTo merges the update into a BookTop, keeping absent sides unchanged.
func (w wsOrderbook) applyTo(top types.BookTop, at time.Time) types.BookTop {
	top.Symbol = w.Symbol
	top.Time = at
	if len(w.Bids) > 0 && len(w.Bids[0]) >= 2 {
		top.Bid = parseF(w.Bids[0][0])
		top.BidSize = parseF(w.Bids[0][1])
	}
	if len(w.Asks) > 0 && len(w.Asks[0]) >= 2 {
		top.Ask = parseF(w.Asks[0][0])
		top.AskSize = parseF(w.Asks[0][1])
	}
	return top
}

// merge folds a ticker delta into the previous full value. Delta frames omit
// unchanged fields, so empty strings keep the old value.
func (w wireTicker) merge(prev wireTicker) wireTicker {
	if w.Symbol == "" {
		w.Symbol = prev.Symbol
	}
	if w.LastPrice == "" {
		w.LastPrice = prev.LastPrice
	}
	if w.Bid1Price == "" {
		w.Bid1Price = prev.Bid1Price
	}
	if w.Ask1Price == "" {
		w.Ask1Price = prev.Ask1Price
	}
	return w
}

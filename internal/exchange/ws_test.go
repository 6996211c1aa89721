package exchange

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/clock"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/config"
	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

func testWSConfig() config.ExchangeConfig {
	return config.ExchangeConfig{
		Heartbeat:         50 * time.Millisecond,
		ReconnectBase:     time.Millisecond,
		ReconnectCap:      4 * time.Millisecond,
		ReconnectAttempts: 2,
	}
}

func newTestPublicFeed() *WSFeed {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewPublicFeed("ws://unused", testWSConfig(), logger)
}

func TestDispatchClosedCandlesOnly(t *testing.T) {
	t.Parallel()

	f := newTestPublicFeed()
	f.dispatchMessage([]byte(`{
		"topic":"kline.1.BTCUSDT",
		"type":"snapshot",
		"data":[
			{"start":1700000000000,"open":"100","high":"102","low":"99","close":"101","volume":"5","interval":"1","confirm":true},
			{"start":1700000060000,"open":"101","high":"103","low":"100","close":"102","volume":"7","interval":"1","confirm":false}
		]
	}`))

	select {
	case c := <-f.Candles():
		if c.Symbol != "BTCUSDT" || c.Close != 101 || c.Volume != 5 {
			t.Errorf("candle = %+v", c)
		}
		if c.Interval != "1" {
			t.Errorf("interval = %q, want 1", c.Interval)
		}
	default:
		t.Fatal("confirmed candle not forwarded")
	}

	select {
	case c := <-f.Candles():
		t.Errorf("unconfirmed candle forwarded: %+v", c)
	default:
	}
}

func TestDispatchTickerMergesDeltas(t *testing.T) {
	t.Parallel()

	f := newTestPublicFeed()
	f.dispatchMessage([]byte(`{
		"topic":"tickers.BTCUSDT","type":"snapshot",
		"data":{"symbol":"BTCUSDT","lastPrice":"50000","bid1Price":"49999","ask1Price":"50001"}
	}`))
	<-f.Tickers()

	// Delta carries only the changed bid; last price and ask persist.
	f.dispatchMessage([]byte(`{
		"topic":"tickers.BTCUSDT","type":"delta",
		"data":{"symbol":"BTCUSDT","bid1Price":"50000"}
	}`))

	select {
	case tick := <-f.Tickers():
		if tick.Bid != 50000 {
			t.Errorf("Bid = %v, want delta value 50000", tick.Bid)
		}
		if tick.Ask != 50001 || tick.LastPrice != 50000 {
			t.Errorf("merged ticker = %+v, want ask/last from snapshot", tick)
		}
	default:
		t.Fatal("delta ticker not forwarded")
	}
}

func TestDispatchOrderbookKeepsAbsentSide(t *testing.T) {
	t.Parallel()

	f := newTestPublicFeed()
	f.dispatchMessage([]byte(`{
		"topic":"orderbook.1.BTCUSDT","type":"snapshot",
		"data":{"s":"BTCUSDT","b":[["49999","1.5"]],"a":[["50001","2"]]}
	}`))
	<-f.BookTops()

	f.dispatchMessage([]byte(`{
		"topic":"orderbook.1.BTCUSDT","type":"delta",
		"data":{"s":"BTCUSDT","b":[["50000","1"]],"a":[]}
	}`))

	select {
	case top := <-f.BookTops():
		if top.Bid != 50000 || top.BidSize != 1 {
			t.Errorf("bid = %v/%v, want updated 50000/1", top.Bid, top.BidSize)
		}
		if top.Ask != 50001 || top.AskSize != 2 {
			t.Errorf("ask = %v/%v, want retained 50001/2", top.Ask, top.AskSize)
		}
	default:
		t.Fatal("book delta not forwarded")
	}
}

func TestDispatchTrades(t *testing.T) {
	t.Parallel()

	f := newTestPublicFeed()
	f.dispatchMessage([]byte(`{
		"topic":"publicTrade.BTCUSDT","type":"snapshot",
		"data":[{"T":1700000000000,"s":"BTCUSDT","S":"Sell","v":"0.25","p":"49995"}]
	}`))

	select {
	case tr := <-f.Trades():
		if tr.Symbol != "BTCUSDT" || tr.Side != types.Sell || tr.Price != 49995 || tr.Size != 0.25 {
			t.Errorf("trade = %+v", tr)
		}
	default:
		t.Fatal("trade not forwarded")
	}
}

func TestDispatchPrivateTopics(t *testing.T) {
	t.Parallel()

	f := newTestPublicFeed()
	f.dispatchMessage([]byte(`{
		"topic":"order",
		"data":[{"orderId":"ex-1","orderLinkId":"cli-1","symbol":"BTCUSDT","side":"Buy",
			"orderType":"Market","qty":"0.5","cumExecQty":"0.5","avgPrice":"50000",
			"orderStatus":"Filled","updatedTime":"1700000000000"}]
	}`))
	select {
	case o := <-f.Orders():
		if o.ClientOrderID != "cli-1" || o.State != types.OrderFilled || o.FilledQty != 0.5 {
			t.Errorf("order = %+v", o)
		}
	default:
		t.Fatal("order not forwarded")
	}

	f.dispatchMessage([]byte(`{
		"topic":"position",
		"data":[{"symbol":"BTCUSDT","side":"Buy","size":"0.5","avgPrice":"50000","unrealisedPnl":"10"}]
	}`))
	select {
	case p := <-f.Positions():
		if p.Symbol != "BTCUSDT" || p.Size != 0.5 {
			t.Errorf("position = %+v", p)
		}
	default:
		t.Fatal("position not forwarded")
	}

	f.dispatchMessage([]byte(`{
		"topic":"wallet",
		"data":[{"totalEquity":"10010","totalAvailableBalance":"9500"}]
	}`))
	select {
	case b := <-f.Wallets():
		if b.TotalEquity != 10010 {
			t.Errorf("balance = %+v", b)
		}
	default:
		t.Fatal("wallet not forwarded")
	}
}

func TestDispatchOpReplyRejected(t *testing.T) {
	t.Parallel()

	f := newTestPublicFeed()
	// Must not panic or forward anything.
	f.dispatchMessage([]byte(`{"op":"subscribe","success":false,"ret_msg":"bad topic"}`))
	f.dispatchMessage([]byte(`{"op":"pong"}`))
	select {
	case <-f.Tickers():
		t.Fatal("op reply forwarded as event")
	default:
	}
}

func TestTopicSuffix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		topic string
		skip  int
		want  string
	}{
		{"kline.1.BTCUSDT", 2, "BTCUSDT"},
		{"tickers.ETHUSDT", 1, "ETHUSDT"},
		{"orderbook.1.BTCUSDT", 2, "BTCUSDT"},
		{"wallet", 1, "wallet"},
	}
	for _, tt := range tests {
		if got := topicSuffix(tt.topic, tt.skip); got != tt.want {
			t.Errorf("topicSuffix(%q, %d) = %q, want %q", tt.topic, tt.skip, got, tt.want)
		}
	}
}

func TestRunSpendsReconnectBudget(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	// A port nothing listens on: every dial fails immediately.
	f := NewPublicFeed("ws://127.0.0.1:1", testWSConfig(), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := f.Run(ctx)
	if !errors.Is(err, ErrMaxReconnects) {
		t.Fatalf("Run = %v, want ErrMaxReconnects", err)
	}
}

func TestRunAuthRejected(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var frame wsRequest
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Op != "auth" {
			t.Errorf("first frame op = %q, want auth", frame.Op)
		}
		conn.WriteJSON(map[string]any{"op": "auth", "success": false, "ret_msg": "invalid signature"})
	}))
	defer server.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	signer := NewSigner("test-key", "test-secret", 5000, clock.NewFake(signerEpoch))
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	f := NewPrivateFeed(wsURL, signer, testWSConfig(), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := f.Run(ctx)
	if !types.IsKind(err, types.KindAuthFailed) {
		t.Fatalf("Run = %v, want AuthFailed", err)
	}
}

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/config"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/risk"
	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

var apiTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubController struct {
	mode    types.Mode
	active  bool
	circuit types.CircuitState

	decision types.RiskDecision
	execErr  error
	startErr error

	executedSymbol string
	executedSide   types.Side
	executedConf   float64
	stopped        bool
	haltedBy       string
	resetReason    string
	resetOperator  string
}

func (s *stubController) Mode() types.Mode            { return s.mode }
func (s *stubController) Circuit() types.CircuitState { return s.circuit }
func (s *stubController) TradingActive() bool         { return s.active }
func (s *stubController) StartedAt() time.Time        { return apiTime }

func (s *stubController) Positions() []types.Position {
	return []types.Position{{Symbol: "BTCUSDT", Side: types.Buy, Size: 0.5, AvgEntryPrice: 50000}}
}

func (s *stubController) OpenOrders() []types.Order {
	return []types.Order{
		{ClientOrderID: "ord-1", Symbol: "BTCUSDT", State: types.OrderSubmitted},
		{ClientOrderID: "ord-2", Symbol: "ETHUSDT", State: types.OrderPartiallyFilled},
	}
}

func (s *stubController) Balance() types.Balance {
	return types.Balance{TotalEquity: 10000, Available: 8000}
}

func (s *stubController) RiskSnapshot() risk.Snapshot {
	return risk.Snapshot{Equity: 10000, OpenPositions: 1}
}

func (s *stubController) Execute(_ context.Context, symbol string, side types.Side, confidence float64) (types.RiskDecision, error) {
	s.executedSymbol, s.executedSide, s.executedConf = symbol, side, confidence
	if s.execErr != nil {
		return types.RiskDecision{}, s.execErr
	}
	return s.decision, nil
}

func (s *stubController) StartTrading() error {
	if s.startErr != nil {
		return s.startErr
	}
	s.active = true
	return nil
}

func (s *stubController) StopTrading()            { s.stopped = true }
func (s *stubController) HaltAll(operator string) { s.haltedBy = operator }

func (s *stubController) ResetCircuit(reason, operator string) {
	s.resetReason, s.resetOperator = reason, operator
}

func newTestHandlers(ctrl *stubController) *Handlers {
	logger := testLogger()
	return NewHandlers(ctrl, config.ServerConfig{Addr: ":0"}, NewHub(logger), logger)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(&stubController{mode: types.ModePaper})

	w := httptest.NewRecorder()
	h.handleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp healthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Mode != types.ModePaper {
		t.Errorf("health = %+v, want ok/paper", resp)
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(&stubController{mode: types.ModeLive, active: true})

	w := httptest.NewRecorder()
	h.handleStatus(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	var resp statusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Mode != types.ModeLive || !resp.TradingActive {
		t.Errorf("status = %+v, want live/active", resp)
	}
	if resp.OpenPositions != 1 || resp.OpenOrders != 2 {
		t.Errorf("counts = %d/%d, want 1/2", resp.OpenPositions, resp.OpenOrders)
	}
}

func TestExecuteApproved(t *testing.T) {
	t.Parallel()
	ctrl := &stubController{
		decision: types.RiskDecision{
			Intent:   types.Intent{Symbol: "BTCUSDT", Side: types.Buy, Confidence: 0.9},
			Approved: true,
			Order:    &types.ApprovedOrder{Quantity: 0.05, ClientOrderID: "abc"},
		},
	}
	h := newTestHandlers(ctrl)

	body := strings.NewReader(`{"symbol":"BTCUSDT","side":"Buy","confidence":0.9}`)
	w := httptest.NewRecorder()
	h.handleExecute(w, httptest.NewRequest(http.MethodPost, "/api/trade/execute", body))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	var resp types.RiskDecision
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Approved || resp.Order == nil || resp.Order.Quantity != 0.05 {
		t.Errorf("decision = %+v, want approved 0.05", resp)
	}
	if ctrl.executedSymbol != "BTCUSDT" || ctrl.executedSide != types.Buy || ctrl.executedConf != 0.9 {
		t.Errorf("controller saw %s/%s/%v", ctrl.executedSymbol, ctrl.executedSide, ctrl.executedConf)
	}
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"garbage body", `{"symbol":`},
		{"missing symbol", `{"side":"Buy"}`},
		{"bad side", `{"symbol":"BTCUSDT","side":"Sideways"}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := &stubController{}
			h := newTestHandlers(ctrl)

			w := httptest.NewRecorder()
			h.handleExecute(w, httptest.NewRequest(http.MethodPost, "/api/trade/execute", strings.NewReader(tt.body)))

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			var resp errorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error.Kind != types.KindValidationRejected {
				t.Errorf("kind = %s, want ValidationRejected", resp.Error.Kind)
			}
			if ctrl.executedSymbol != "" {
				t.Error("controller Execute was called on an invalid request")
			}
		})
	}
}

func TestExecuteMapsCircuitTrippedToConflict(t *testing.T) {
	t.Parallel()
	ctrl := &stubController{
		execErr: types.NewError(types.KindCircuitTripped, "circuit is tripped"),
	}
	h := newTestHandlers(ctrl)

	body := strings.NewReader(`{"symbol":"BTCUSDT","side":"Sell"}`)
	w := httptest.NewRecorder()
	h.handleExecute(w, httptest.NewRequest(http.MethodPost, "/api/trade/execute", body))

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	var resp errorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Kind != types.KindCircuitTripped || resp.Error.Retryable {
		t.Errorf("error = %+v, want non-retryable CircuitTripped", resp.Error)
	}
}

func TestTradingToggleEndpoints(t *testing.T) {
	t.Parallel()
	ctrl := &stubController{}
	h := newTestHandlers(ctrl)

	w := httptest.NewRecorder()
	h.handleStart(w, httptest.NewRequest(http.MethodPost, "/api/trading/start", nil))
	if w.Code != http.StatusOK || !ctrl.active {
		t.Errorf("start: code %d, active %v", w.Code, ctrl.active)
	}

	w = httptest.NewRecorder()
	h.handleStop(w, httptest.NewRequest(http.MethodPost, "/api/trading/stop", nil))
	if w.Code != http.StatusOK || !ctrl.stopped {
		t.Errorf("stop: code %d, stopped %v", w.Code, ctrl.stopped)
	}

	ctrl.startErr = types.NewError(types.KindCircuitTripped, "reset the circuit first")
	w = httptest.NewRecorder()
	h.handleStart(w, httptest.NewRequest(http.MethodPost, "/api/trading/start", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("start with tripped circuit: code %d, want 409", w.Code)
	}
}

func TestHaltDefaultsOperator(t *testing.T) {
	t.Parallel()
	ctrl := &stubController{}
	h := newTestHandlers(ctrl)

	w := httptest.NewRecorder()
	h.handleHalt(w, httptest.NewRequest(http.MethodPost, "/api/trading/halt", strings.NewReader("")))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ctrl.haltedBy != "api" {
		t.Errorf("operator = %q, want default api", ctrl.haltedBy)
	}

	w = httptest.NewRecorder()
	h.handleHalt(w, httptest.NewRequest(http.MethodPost, "/api/trading/halt", strings.NewReader(`{"operator":"alice"}`)))
	if ctrl.haltedBy != "alice" {
		t.Errorf("operator = %q, want alice", ctrl.haltedBy)
	}
}

func TestResetCircuitRequiresReason(t *testing.T) {
	t.Parallel()
	ctrl := &stubController{}
	h := newTestHandlers(ctrl)

	w := httptest.NewRecorder()
	h.handleResetCircuit(w, httptest.NewRequest(http.MethodPost, "/api/trading/reset-circuit", strings.NewReader(`{"operator":"bob"}`)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without reason", w.Code)
	}
	if ctrl.resetReason != "" {
		t.Error("ResetCircuit was called without a reason")
	}

	w = httptest.NewRecorder()
	h.handleResetCircuit(w, httptest.NewRequest(http.MethodPost, "/api/trading/reset-circuit",
		strings.NewReader(`{"reason":"drawdown reviewed","operator":"bob"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ctrl.resetReason != "drawdown reviewed" || ctrl.resetOperator != "bob" {
		t.Errorf("reset recorded %q/%q", ctrl.resetReason, ctrl.resetOperator)
	}
}

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		cfg     config.ServerConfig
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			cfg:     config.ServerConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8080",
			cfg:     config.ServerConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			cfg:     config.ServerConfig{},
			reqHost: "localhost:8080",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			cfg:     config.ServerConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			cfg:     config.ServerConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    false,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://trader.internal:8080",
			cfg:     config.ServerConfig{},
			reqHost: "trader.internal:8080",
			want:    true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.cfg, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/config"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/risk"
	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// Controller is the slice of the trading engine the operator surface drives.
type Controller interface {
	Mode() types.Mode
	Circuit() types.CircuitState
	TradingActive() bool
	StartedAt() time.Time
	Positions() []types.Position
	OpenOrders() []types.Order
	Balance() types.Balance
	RiskSnapshot() risk.Snapshot
	Execute(ctx context.Context, symbol string, side types.Side, confidence float64) (types.RiskDecision, error)
	StartTrading() error
	StopTrading()
	HaltAll(operator string)
	ResetCircuit(reason, operator string)
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	ctrl     Controller
	cfg      config.ServerConfig
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers wires the handlers to the controller and websocket hub.
func NewHandlers(ctrl Controller, cfg config.ServerConfig, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		ctrl:   ctrl,
		cfg:    cfg,
		hub:    hub,
		logger: logger.With("component", "api"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.cfg, r.Host)
		},
	}
	return h
}

// isOriginAllowed applies the browser-origin policy for websocket upgrades.
// Non-browser clients send no Origin header and always pass. Same-host and
// localhost origins pass so local dashboards work without configuration;
// anything else must be on the allowlist.
func isOriginAllowed(origin string, cfg config.ServerConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range cfg.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), strings.TrimSuffix(origin, "/")) {
			return true
		}
	}
	if u.Host == reqHost {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: Version,
		Mode:    h.ctrl.Mode(),
		Uptime:  time.Since(h.ctrl.StartedAt()).Round(time.Second).String(),
	})
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, statusResponse{
		Mode:          h.ctrl.Mode(),
		TradingActive: h.ctrl.TradingActive(),
		OpenPositions: len(h.ctrl.Positions()),
		OpenOrders:    len(h.ctrl.OpenOrders()),
		Circuit:       h.ctrl.Circuit(),
		StartedAt:     h.ctrl.StartedAt(),
	})
}

func (h *Handlers) handleBalance(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.ctrl.Balance())
}

func (h *Handlers) handlePositions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.ctrl.Positions())
}

func (h *Handlers) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.ctrl.OpenOrders())
}

func (h *Handlers) handleRisk(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.ctrl.RiskSnapshot())
}

func (h *Handlers) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, types.NewError(types.KindValidationRejected, "invalid request body: %v", err))
		return
	}
	if req.Symbol == "" {
		h.writeError(w, types.NewError(types.KindValidationRejected, "symbol is required"))
		return
	}
	side := types.Side(req.Side)
	if side != types.Buy && side != types.Sell {
		h.writeError(w, types.NewError(types.KindValidationRejected, "side must be Buy or Sell, got %q", req.Side))
		return
	}

	decision, err := h.ctrl.Execute(r.Context(), req.Symbol, side, req.Confidence)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, decision)
}

func (h *Handlers) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.StartTrading(); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ackResponse{Status: "started"})
}

func (h *Handlers) handleStop(w http.ResponseWriter, r *http.Request) {
	h.ctrl.StopTrading()
	h.writeJSON(w, http.StatusOK, ackResponse{Status: "stopped"})
}

func (h *Handlers) handleHalt(w http.ResponseWriter, r *http.Request) {
	req := decodeOperator(r)
	h.logger.Warn("halt requested", "operator", req.Operator)
	h.ctrl.HaltAll(req.Operator)
	h.writeJSON(w, http.StatusOK, ackResponse{Status: "halted"})
}

func (h *Handlers) handleResetCircuit(w http.ResponseWriter, r *http.Request) {
	req := decodeOperator(r)
	if req.Reason == "" {
		h.writeError(w, types.NewError(types.KindValidationRejected, "reason is required"))
		return
	}
	h.logger.Warn("circuit reset requested", "operator", req.Operator, "reason", req.Reason)
	h.ctrl.ResetCircuit(req.Reason, req.Operator)
	h.writeJSON(w, http.StatusOK, ackResponse{Status: "reset"})
}

// decodeOperator tolerates an empty body; the operator field is an audit
// hint, not authentication.
func decodeOperator(r *http.Request) operatorRequest {
	var req operatorRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Operator == "" {
		req.Operator = "api"
	}
	return req
}

func (h *Handlers) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

// writeError maps the structured error kind to an HTTP status and emits the
// uniform error body. Unclassified errors are treated as transient faults.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	var e *types.Error
	if !errors.As(err, &e) {
		e = &types.Error{
			Kind:      types.KindOf(err),
			Message:   err.Error(),
			Retryable: types.IsRetryable(err),
		}
	}
	h.writeJSON(w, statusFor(e.Kind), errorResponse{Error: e})
}

func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.KindValidationRejected, types.KindConfigInvalid:
		return http.StatusBadRequest
	case types.KindCircuitTripped:
		return http.StatusConflict
	case types.KindAuthFailed:
		return http.StatusUnauthorized
	case types.KindRateLimited:
		return http.StatusTooManyRequests
	case types.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

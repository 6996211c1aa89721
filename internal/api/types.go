package api

import (
	"time"

	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

type healthResponse struct {
	Status  string     `json:"status"`
	Version string     `json:"version"`
	Mode    types.Mode `json:"mode"`
	Uptime  string     `json:"uptime"`
}

// statusResponse is the operator's at-a-glance view of the trader.
type statusResponse struct {
	Mode          types.Mode         `json:"mode"`
	TradingActive bool               `json:"trading_active"`
	OpenPositions int                `json:"open_positions"`
	OpenOrders    int                `json:"open_orders"`
	Circuit       types.CircuitState `json:"circuit"`
	StartedAt     time.Time          `json:"started_at"`
}

// executeRequest places a manual order. Confidence is optional; zero means
// full conviction.
type executeRequest struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Confidence float64 `json:"confidence,omitempty"`
}

// operatorRequest carries the audit fields for halt and circuit-reset
// actions. Operator defaults to "api" when omitted.
type operatorRequest struct {
	Operator string `json:"operator,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type ackResponse struct {
	Status string `json:"status"`
}

// errorResponse is the uniform error body: the structured error itself,
// kind and retryability included, so clients can branch without parsing
// message text.
type errorResponse struct {
	Error *types.Error `json:"error"`
}

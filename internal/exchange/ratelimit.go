// ratelimit.go implements per-category rate limiting for the v5 API.
//
// Two mechanisms work together:
//
//   - A local token bucket per endpoint category (order, market, account),
//     sized from config. Every request waits on its bucket before leaving.
//   - Header-driven quota tracking: v5 responses carry X-Bapi-Limit-Status
//     (remaining) and X-Bapi-Limit (limit). The limiter projects these into
//     a Quota per category and emits a warning when utilization crosses the
//     configured threshold.
package exchange

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/config"
)

// CallKind groups endpoints into the categories the exchange meters
// separately.
type CallKind string

const (
	CallOrder   CallKind = "order"   // create / amend / cancel
	CallMarket  CallKind = "market"  // klines, tickers, instruments
	CallAccount CallKind = "account" // wallet, positions, open orders
)

// Quota is the latest header-reported budget for one category.
type Quota struct {
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Utilization returns the used fraction of the quota in [0, 1].
func (q Quota) Utilization() float64 {
	if q.Limit <= 0 {
		return 0
	}
	return float64(q.Limit-q.Remaining) / float64(q.Limit)
}

// RateLimiter owns one token bucket and one Quota per category.
type RateLimiter struct {
	logger *slog.Logger
	warnAt float64

	mu       sync.RWMutex
	limiters map[CallKind]*rate.Limiter
	quotas   map[CallKind]Quota
	warned   map[CallKind]bool
	onWarn   func(kind CallKind, q Quota)
}

func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		logger: logger.With("component", "ratelimit"),
		warnAt: cfg.WarnUtilization,
		limiters: map[CallKind]*rate.Limiter{
			CallOrder:   rate.NewLimiter(rate.Limit(cfg.OrderPerSec), cfg.OrderBurst),
			CallMarket:  rate.NewLimiter(rate.Limit(cfg.MarketPerSec), cfg.MarketBurst),
			CallAccount: rate.NewLimiter(rate.Limit(cfg.AccountPerSec), cfg.AccountBurst),
		},
		quotas: make(map[CallKind]Quota),
		warned: make(map[CallKind]bool),
	}
}

// OnWarn registers a callback fired once each time a category's utilization
// crosses the warning threshold. Must be set before requests start.
func (rl *RateLimiter) OnWarn(fn func(kind CallKind, q Quota)) {
	rl.onWarn = fn
}

// Wait blocks until the category's bucket grants a token or ctx is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context, kind CallKind) error {
	rl.mu.RLock()
	limiter, ok := rl.limiters[kind]
	rl.mu.RUnlock()
	if !ok {
		limiter = rl.limiters[CallMarket]
	}
	return limiter.Wait(ctx)
}

// UpdateFromHeaders projects the response's quota headers into the category's
// Quota. A warning fires when utilization reaches the threshold (exactly at
// the threshold counts) and re-arms once utilization falls back below it.
func (rl *RateLimiter) UpdateFromHeaders(kind CallKind, h http.Header) {
	remaining, okR := atoiHeader(h, "X-Bapi-Limit-Status")
	limit, okL := atoiHeader(h, "X-Bapi-Limit")
	if !okR || !okL {
		return
	}

	q := Quota{Remaining: remaining, Limit: limit, UpdatedAt: time.Now()}

	rl.mu.Lock()
	rl.quotas[kind] = q
	crossed := false
	if q.Utilization() >= rl.warnAt {
		if !rl.warned[kind] {
			rl.warned[kind] = true
			crossed = true
		}
	} else {
		rl.warned[kind] = false
	}
	onWarn := rl.onWarn
	rl.mu.Unlock()

	if crossed {
		rl.logger.Warn("rate limit utilization high",
			"category", string(kind),
			"remaining", q.Remaining,
			"limit", q.Limit,
			"utilization", q.Utilization())
		if onWarn != nil {
			onWarn(kind, q)
		}
	}
}

// Quota returns the latest header-reported budget for one category.
func (rl *RateLimiter) Quota(kind CallKind) Quota {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.quotas[kind]
}

// Quotas returns a copy of all category budgets.
func (rl *RateLimiter) Quotas() map[CallKind]Quota {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	out := make(map[CallKind]Quota, len(rl.quotas))
	for k, v := range rl.quotas {
		out[k] = v
	}
	return out
}

func atoiHeader(h http.Header, name string) (int, bool) {
	s := h.Get(name)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

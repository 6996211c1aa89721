package exchange

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/config"
)

func testRateLimitConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		OrderPerSec:     10,
		OrderBurst:      1,
		MarketPerSec:    100,
		MarketBurst:     10,
		AccountPerSec:   100,
		AccountBurst:    10,
		WarnUtilization: 0.70,
	}
}

func newTestRateLimiter() *RateLimiter {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewRateLimiter(testRateLimitConfig(), logger)
}

func TestWaitThrottles(t *testing.T) {
	t.Parallel()

	rl := newTestRateLimiter()
	ctx := context.Background()

	// Burst of 1 at 10/s: the second token needs ~100ms.
	start := time.Now()
	if err := rl.Wait(ctx, CallOrder); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := rl.Wait(ctx, CallOrder); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 80*time.Millisecond {
		t.Errorf("two waits took %v, expected ~100ms of throttling", elapsed)
	}
}

func TestWaitCancelled(t *testing.T) {
	t.Parallel()

	rl := newTestRateLimiter()
	ctx := context.Background()

	// Drain the burst token, then cancel while waiting for the next.
	if err := rl.Wait(ctx, CallOrder); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := rl.Wait(cancelCtx, CallOrder); err == nil {
		t.Error("Wait with cancelled context should fail")
	}
}

func quotaHeaders(remaining, limit string) http.Header {
	h := http.Header{}
	h.Set("X-Bapi-Limit-Status", remaining)
	h.Set("X-Bapi-Limit", limit)
	return h
}

func TestUpdateFromHeaders(t *testing.T) {
	t.Parallel()

	rl := newTestRateLimiter()
	rl.UpdateFromHeaders(CallOrder, quotaHeaders("80", "100"))

	q := rl.Quota(CallOrder)
	if q.Remaining != 80 || q.Limit != 100 {
		t.Errorf("Quota = %+v, want remaining=80 limit=100", q)
	}
	if got := q.Utilization(); got != 0.20 {
		t.Errorf("Utilization = %v, want 0.20", got)
	}

	// Missing headers leave the quota untouched.
	rl.UpdateFromHeaders(CallOrder, http.Header{})
	if q := rl.Quota(CallOrder); q.Remaining != 80 {
		t.Errorf("Quota overwritten by empty headers: %+v", q)
	}
}

func TestWarnAtExactThreshold(t *testing.T) {
	t.Parallel()

	rl := newTestRateLimiter()
	var warns []Quota
	rl.OnWarn(func(kind CallKind, q Quota) { warns = append(warns, q) })

	// 69% utilization: below threshold, no warning.
	rl.UpdateFromHeaders(CallOrder, quotaHeaders("31", "100"))
	if len(warns) != 0 {
		t.Fatalf("warning fired below threshold: %+v", warns)
	}

	// Exactly 70%: warning fires.
	rl.UpdateFromHeaders(CallOrder, quotaHeaders("30", "100"))
	if len(warns) != 1 {
		t.Fatalf("warnings = %d, want 1 at exactly 70%%", len(warns))
	}

	// Still above threshold: no repeat.
	rl.UpdateFromHeaders(CallOrder, quotaHeaders("20", "100"))
	if len(warns) != 1 {
		t.Fatalf("warning repeated while above threshold: %d", len(warns))
	}

	// Drops below, then crosses again: re-armed.
	rl.UpdateFromHeaders(CallOrder, quotaHeaders("90", "100"))
	rl.UpdateFromHeaders(CallOrder, quotaHeaders("25", "100"))
	if len(warns) != 2 {
		t.Fatalf("warnings = %d, want 2 after re-crossing", len(warns))
	}
}

func TestQuotaUtilizationEmpty(t *testing.T) {
	t.Parallel()

	var q Quota
	if got := q.Utilization(); got != 0 {
		t.Errorf("zero-value Utilization = %v, want 0", got)
	}
}

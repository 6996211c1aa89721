package exchange

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// v5 retCode groups. https://bybit-exchange.github.io/docs/v5/error
const (
	retOK                  = 0
	retParamsError         = 10001
	retInvalidRequest      = 10002
	retInvalidAPIKey       = 10003
	retSignError           = 10004
	retPermissionDenied    = 10005
	retTooManyVisits       = 10006
	retIPRateLimited       = 10018
	retServerError         = 10016
	retOrderNotFound       = 110001
	retInsufficientBalance = 110007
)

// classifyRetCode maps a v5 retCode to a typed error. Returns nil for 0.
// Auth failures are never retryable; the orchestrator halts on them.
func classifyRetCode(code int, msg string) error {
	switch code {
	case retOK:
		return nil
	case retInvalidAPIKey, retSignError, retPermissionDenied:
		return &types.Error{Kind: types.KindAuthFailed, Code: code, Message: msg}
	case retTooManyVisits, retIPRateLimited:
		return &types.Error{Kind: types.KindRateLimited, Code: code, Message: msg, Retryable: true}
	case retServerError:
		return &types.Error{Kind: types.KindExchangeError, Code: code, Message: msg, Retryable: true}
	default:
		// Param errors, unknown orders, insufficient balance and the rest
		// are terminal rejections.
		return &types.Error{Kind: types.KindExchangeError, Code: code, Message: msg}
	}
}

// classifyHTTPStatus maps a non-200 HTTP status to a typed error.
func classifyHTTPStatus(status int, body string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &types.Error{Kind: types.KindRateLimited, Code: status, Message: body, Retryable: true}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &types.Error{Kind: types.KindAuthFailed, Code: status, Message: body}
	case status >= 500:
		return &types.Error{Kind: types.KindExchangeError, Code: status, Message: body, Retryable: true}
	default:
		return &types.Error{Kind: types.KindExchangeError, Code: status, Message: body}
	}
}

// classifyTransportError wraps transport-level failures (DNS, reset, deadline)
// as Network or Timeout.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *types.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.WrapError(types.KindTimeout, err, "request deadline exceeded")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.WrapError(types.KindTimeout, err, "request timed out")
	}
	return types.WrapError(types.KindNetwork, err, "transport failure")
}

// retryableErr is the predicate fed to the retry policy: transient network,
// timeout, rate-limit, and 5xx-class exchange errors retry; everything else
// (auth, validation, terminal rejections) does not.
func retryableErr(err error) bool {
	if err == nil {
		return false
	}
	var appErr *types.Error
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return true
}

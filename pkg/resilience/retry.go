package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/heritagewatch/legacyreach/pkg/fn"
)

// HTTPStatusError carries a response status code so IsRetryable can classify
// it without the caller needing to unwrap a provider-specific error type.
type HTTPStatusError struct {
	StatusCode int
	Err        error
}

func (e *HTTPStatusError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "http status error"
}

func (e *HTTPStatusError) Unwrap() error { return e.Err }

// StatusCoder is satisfied by any external-dependency error that carries an
// HTTP-style status code without forcing the caller to depend on
// HTTPStatusError directly — pkg/llm's provider error implements this so
// pkg/resilience stays the only place the retryable-status-code table lives.
type StatusCoder interface {
	StatusCode() int
}

// retryableStatusCodes: 429, 500, 502, 503, 504.
var retryableStatusCodes = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// IsRetryable classifies an error: connection-reset,
// connection-timed-out, name-not-resolved, and the retryable HTTP status
// codes. Anything else is treated as non-retryable and propagates immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return retryableStatusCodes[statusErr.StatusCode]
	}

	var coder StatusCoder
	if errors.As(err, &coder) {
		return retryableStatusCodes[coder.StatusCode()]
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "name not resolved"):
		return true
	}
	return false
}

// Retry runs f up to attempts times with exponential backoff from baseDelay,
// applying a uniform [0.5, 1.5) jitter multiplier, stopping early on a
// non-retryable error. It is meant to run inside a single Breaker.Call so a
// retry sequence counts as one breaker attempt, not several independent calls.
func Retry[T any](ctx context.Context, attempts int, baseDelay time.Duration, factor float64, f func(context.Context) fn.Result[T]) fn.Result[T] {
	var result fn.Result[T]
	delay := baseDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		result = f(ctx)
		if result.IsOk() {
			return result
		}

		_, err := result.Unwrap()
		if !IsRetryable(err) {
			return result
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return fn.Err[T](ctx.Err())
		default:
		}

		sleepDur := time.Duration(float64(delay) * jitterFactor())
		select {
		case <-ctx.Done():
			return fn.Err[T](ctx.Err())
		case <-time.After(sleepDur):
		}

		delay = time.Duration(float64(delay) * factor)
	}
	return result
}

func jitterFactor() float64 {
	return 0.5 + randFloat()*1.0
}

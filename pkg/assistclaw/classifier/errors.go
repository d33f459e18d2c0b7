package classifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrAllTiersFailed is returned by Chain.Classify when no tier produced an
// answer at all. The accompanying Result is still a usable IntentUnknown.
var ErrAllTiersFailed = errors.New("all classification tiers failed")

// ErrorKind classifies tier failures for retry and fallback decisions.
type ErrorKind int

const (
	ErrorRetryable   ErrorKind = iota // transient 5xx
	ErrorRateLimit                    // 429
	ErrorTimeout                      // deadline exceeded
	ErrorAuth                         // 401, 403
	ErrorBadRequest                   // 400
	ErrorMalformed                    // response could not be parsed or failed validation
	ErrorUnavailable                  // tier not configured or endpoint unreachable
	ErrorFatal                        // everything else
)

// String returns a label suitable for logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case ErrorRetryable:
		return "retryable"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorTimeout:
		return "timeout"
	case ErrorAuth:
		return "auth"
	case ErrorBadRequest:
		return "bad_request"
	case ErrorMalformed:
		return "malformed"
	case ErrorUnavailable:
		return "unavailable"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether retrying inside the tier's budget can help.
func (k ErrorKind) Retryable() bool {
	return k == ErrorRetryable || k == ErrorRateLimit
}

// TierError is the error type every tier returns.
type TierError struct {
	Source Source
	Kind   ErrorKind
	Err    error
}

func (e *TierError) Error() string {
	return fmt.Sprintf("%s tier: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *TierError) Unwrap() error { return e.Err }

// newTierError wraps err with the tier that produced it.
func newTierError(src Source, kind ErrorKind, err error) *TierError {
	return &TierError{Source: src, Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind from err, or ErrorFatal when err is not a
// TierError.
func KindOf(err error) ErrorKind {
	var te *TierError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrorFatal
}

// classifyStatus maps an HTTP status and response body to an ErrorKind.
func classifyStatus(statusCode int, body string) ErrorKind {
	bodyLower := strings.ToLower(body)

	if statusCode == 429 ||
		strings.Contains(bodyLower, "rate_limit") ||
		strings.Contains(bodyLower, "rate limit") ||
		strings.Contains(bodyLower, "too many requests") {
		return ErrorRateLimit
	}

	switch statusCode {
	case 400, 404, 422:
		return ErrorBadRequest
	case 401, 402, 403:
		return ErrorAuth
	case 408:
		return ErrorTimeout
	default:
		if statusCode >= 500 {
			return ErrorRetryable
		}
		return ErrorFatal
	}
}

// classifyTransport maps a non-HTTP failure (no status code) to an ErrorKind.
func classifyTransport(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorUnavailable
	}
	return ErrorRetryable
}

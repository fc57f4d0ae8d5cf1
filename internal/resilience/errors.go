package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// FailKind buckets fetch and extraction failures for URL health tracking
// and cooldown policy.
type FailKind string

const (
	FailNone       FailKind = ""
	FailTransient  FailKind = "transient"   // timeouts, 5xx, resets; retry with backoff
	FailPolicy     FailKind = "policy"      // robots disallow, 403, 451; do not retry static
	FailRateLimit  FailKind = "rate_limit"  // 429; host cooldown
	FailNotFound   FailKind = "not_found"   // 404, 410; feeds dead-path promotion
	FailBadContent FailKind = "bad_content" // parked pages, soft-404s, wrong product
	FailStructural FailKind = "structural"  // parser could not make sense of the payload
	FailBudget     FailKind = "budget"      // run budget exhausted mid-operation
)

// Retryable reports whether a failure of this kind is worth another attempt
// on the same URL within the run.
func (k FailKind) Retryable() bool {
	switch k {
	case FailTransient, FailRateLimit:
		return true
	}
	return false
}

// ClassifyHTTPStatus maps an HTTP status to a failure kind. 2xx maps to
// FailNone.
func ClassifyHTTPStatus(status int) FailKind {
	switch {
	case status >= 200 && status < 300:
		return FailNone
	case status == 403 || status == 451:
		return FailPolicy
	case status == 429:
		return FailRateLimit
	case status == 404 || status == 410:
		return FailNotFound
	case status == 408 || status >= 500:
		return FailTransient
	default:
		return FailBadContent
	}
}

// Classify maps an arbitrary error to a failure kind, preferring the HTTP
// status carried by a TransientError when present.
func Classify(err error) FailKind {
	if err == nil {
		return FailNone
	}
	var te *TransientError
	if errors.As(err, &te) && te.StatusCode != 0 {
		return ClassifyHTTPStatus(te.StatusCode)
	}
	if IsTransient(err) {
		return FailTransient
	}
	return FailBadContent
}

// CooldownAfter returns the cooldown duration for a host after repeated
// failures: base doubled per repeat, capped.
func CooldownAfter(base, ceiling time.Duration, repeats int) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if repeats < 0 {
		repeats = 0
	}
	d := base
	for i := 0; i < repeats; i++ {
		d *= 2
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

package play

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/api/googleapi"
)

// Kind categorises a Play API failure so callers can decide whether to
// retry, surface, or fail fast.
type Kind string

const (
	// KindAuth covers credential and scope problems (401/403). Not retryable;
	// flips the Gateway to unready until it is re-initialised.
	KindAuth Kind = "AUTH"
	// KindRateLimit is a 429. Retryable after the RetryAfter hint elapses.
	KindRateLimit Kind = "RATE_LIMIT"
	// KindNotFound is a 404. GetReview turns it into a nil review; a reply to
	// a missing review means it aged out of the reply window.
	KindNotFound Kind = "NOT_FOUND"
	// KindAPI covers other server-side failures (5xx and unclassified API
	// errors). Retryable.
	KindAPI Kind = "API"
	// KindClient covers transport failures where no response arrived.
	// Retryable.
	KindClient Kind = "CLIENT"
	// KindValidation covers locally rejected input. Never retried.
	KindValidation Kind = "VALIDATION"
)

// defaultRetryAfter is used for 429 responses that carry no Retry-After hint.
const defaultRetryAfter = 60 * time.Second

// Error is a classified Play API failure.
type Error struct {
	Kind    Kind
	Op      string // the gateway operation that failed, e.g. "reviews.list"
	Message string
	// RetryAfter is the server-requested back-off. Only set for RATE_LIMIT.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("play %s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("play %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindClient when err is not a *Error.
// A nil err has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindClient
}

// Retryable reports whether the caller's normal retry loop should attempt
// the operation again.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindAPI, KindClient:
		return true
	default:
		return false
	}
}

// RetryAfterOf returns the back-off hint carried by a RATE_LIMIT error,
// or zero for any other error.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == KindRateLimit {
		if pe.RetryAfter > 0 {
			return pe.RetryAfter
		}
		return defaultRetryAfter
	}
	return 0
}

// classify maps a raw transport error onto the taxonomy. Context
// cancellation and deadline expiry pass through untouched so callers can
// distinguish their own cancellation from upstream failures.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized, gerr.Code == http.StatusForbidden:
			return &Error{Kind: KindAuth, Op: op, Message: gerr.Message, Err: err}
		case gerr.Code == http.StatusNotFound:
			return &Error{Kind: KindNotFound, Op: op, Message: gerr.Message, Err: err}
		case gerr.Code == http.StatusTooManyRequests:
			return &Error{
				Kind:       KindRateLimit,
				Op:         op,
				Message:    gerr.Message,
				RetryAfter: retryAfterHint(gerr),
				Err:        err,
			}
		default:
			// 5xx and anything else the API reports with a status code.
			return &Error{Kind: KindAPI, Op: op, Message: gerr.Message, Err: err}
		}
	}

	// No HTTP response at all: DNS, TLS, connection reset, JSON decode.
	return &Error{Kind: KindClient, Op: op, Err: err}
}

// retryAfterHint extracts the Retry-After header from a 429, falling back to
// defaultRetryAfter when absent or unparseable. Only the delta-seconds form
// is recognised; HTTP-date values are rare enough upstream to ignore.
func retryAfterHint(gerr *googleapi.Error) time.Duration {
	if gerr.Header != nil {
		if v := gerr.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return defaultRetryAfter
}

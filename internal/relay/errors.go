package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrClassificationUnavailable marks a classifier degradation to Unknown. It is
	// recorded on the alert and never returned from the pipeline.
	ErrClassificationUnavailable = errors.New("classification unavailable")

	// ErrRoutingNoMatch means no routing rule matched. Terminal no-op, not a failure.
	ErrRoutingNoMatch = errors.New("no routing rule matched")

	// ErrStoreUnavailable aborts the current pipeline step; the step is retried
	// from the last persisted state on the next resume.
	ErrStoreUnavailable = errors.New("alert store unavailable")

	ErrNotFound      = errors.New("alert not found")
	ErrInvalidAlert  = errors.New("invalid alert")
	ErrNotRouted     = errors.New("alert has not been routed")
	ErrNotRedrivable = errors.New("alert has no retryable actions")
	ErrNoRecommender = errors.New("no recommender configured")
)

// DeliveryError is returned by integrations so the dispatcher can tell
// transient failures (retried) from permanent ones (surfaced, not retried).
type DeliveryError struct {
	Permanent  bool
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	class := "transient"
	if e.Permanent {
		class = "permanent"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s delivery failure (status %d): %v", class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s delivery failure: %v", class, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable delivery failure.
func Transient(err error) error {
	return &DeliveryError{Err: err}
}

// Permanent wraps err as a non-retryable delivery failure.
func Permanent(err error) error {
	return &DeliveryError{Permanent: true, Err: err}
}

// HTTPError classifies a non-2xx integration response by status code.
func HTTPError(status int, body string) error {
	body = strings.TrimSpace(body)
	if len(body) > 512 {
		body = body[:512]
	}
	return &DeliveryError{
		Permanent:  !RetryableStatus(status),
		StatusCode: status,
		Err:        fmt.Errorf("http %d: %s", status, body),
	}
}

// RetryableStatus reports whether an HTTP status is worth retrying:
// timeouts, rate limits and server errors.
func RetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

// IsPermanent reports whether err is a permanent delivery failure. Unknown
// errors, cancellations and timeouts are treated as transient.
func IsPermanent(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

package deviceapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dialer-bridge/internal/backoff"
)

var (
	ErrUnauthorized = errors.New("deviceapi: unauthorized")
	ErrRejected     = errors.New("deviceapi: request rejected")
	ErrRateLimited  = errors.New("deviceapi: rate limited")
	ErrServer       = errors.New("deviceapi: server error")
	ErrNetwork      = errors.New("deviceapi: network error")
)

// StatusError is a non-2xx response. It unwraps to one of the sentinel
// errors above.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("deviceapi: status %d", e.Code)
	}
	return fmt.Sprintf("deviceapi: status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden:
		return ErrUnauthorized
	case e.Code == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.Code >= 500:
		return ErrServer
	default:
		return ErrRejected
	}
}

type networkError struct {
	err error
}

func (e *networkError) Error() string   { return "deviceapi: " + e.err.Error() }
func (e *networkError) Unwrap() []error { return []error{ErrNetwork, e.err} }

// Classify maps a client error onto the backoff outcome it should drive.
// Retry-After is returned for rate-limited responses that carried one.
func Classify(err error) (backoff.Outcome, time.Duration) {
	var se *StatusError
	switch {
	case err == nil:
		return backoff.CommandDelivered, 0
	case errors.Is(err, ErrRateLimited):
		if errors.As(err, &se) {
			return backoff.RateLimited, se.RetryAfter
		}
		return backoff.RateLimited, 0
	case errors.Is(err, ErrServer), errors.Is(err, ErrRejected):
		return backoff.ServerError, 0
	default:
		return backoff.NetworkError, 0
	}
}

func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsTransient reports failures caused by connectivity or backend distress
// rather than by the payload.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrServer) || errors.Is(err, ErrRateLimited)
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

package marketplace

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrNotFound indicates the requested item vanished between listing and
	// fetch. Callers skip and move on.
	ErrNotFound = errors.New("item not found in marketplace")

	// ErrRateLimited indicates the gallery asked us to back off.
	ErrRateLimited = errors.New("rate limited by marketplace")

	// ErrUpstreamDown indicates a transient gallery-side failure.
	ErrUpstreamDown = errors.New("marketplace unavailable")
)

// RateLimitError carries the gallery's advertised retry hint. It matches
// ErrRateLimited under errors.Is.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by marketplace, retry after %s", e.RetryAfter)
	}
	return ErrRateLimited.Error()
}

// Is reports whether this error matches ErrRateLimited.
func (*RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// FatalError indicates an authentication or request-shape problem that
// retrying cannot fix. It aborts the current run.
type FatalError struct {
	StatusCode int
	Message    string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal marketplace error (status %d): %s", e.StatusCode, e.Message)
}

// classifyStatus maps a non-200 gallery response to the error taxonomy.
func classifyStatus(resp *http.Response, body string) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound

	case resp.StatusCode == http.StatusTooManyRequests:
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitError{RetryAfter: retryAfter}

	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUpstreamDown, resp.StatusCode)

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &FatalError{StatusCode: resp.StatusCode, Message: "authentication rejected"}

	default:
		return &FatalError{StatusCode: resp.StatusCode, Message: body}
	}
}

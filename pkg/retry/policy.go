package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// RetryAll retries every error.
func RetryAll(error) bool { return true }

// Never retries nothing.
func Never(error) bool { return false }

// statusCoder is implemented by provider errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatusCode() int
}

// IsTransient reports whether err looks like a timeout, a network failure, a
// rate limit (429) or a server error (5xx). Context cancellation is not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return transientStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return transientStatus(reqErr.HTTPStatusCode)
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return transientStatus(sc.HTTPStatusCode())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"timeout", "timed out", "connection reset", "connection refused", "rate limit", "temporarily unavailable", "eof"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// Any combines predicates with OR.
func Any(preds ...Predicate) Predicate {
	return func(err error) bool {
		for _, p := range preds {
			if p(err) {
				return true
			}
		}
		return false
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable regardless of the predicate. Do
// returns the wrapped error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// isPermanent unwraps a Permanent error.
func isPermanent(err error) (error, bool) {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err, true
	}
	return err, false
}

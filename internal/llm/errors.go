package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorClass categorizes provider failures so the arbiter can decide
// between retrying, falling through, and disabling a provider.
type ErrorClass string

const (
	ErrorTimeout     ErrorClass = "timeout"
	ErrorRateLimited ErrorClass = "rate-limited"
	ErrorAuth        ErrorClass = "authentication"
	ErrorMalformed   ErrorClass = "malformed-request"
	ErrorUnknown     ErrorClass = "unknown"
)

// Transient reports whether retrying the same provider can plausibly help.
// Auth and malformed-request failures will fail identically on retry.
func (c ErrorClass) Transient() bool {
	switch c {
	case ErrorTimeout, ErrorRateLimited, ErrorUnknown:
		return true
	default:
		return false
	}
}

// ProviderError is a classified failure from a single provider attempt.
type ProviderError struct {
	Provider   string
	Class      ErrorClass
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Class, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// statusError wraps a non-OK HTTP response into a classified ProviderError.
func statusError(provider string, status int, body []byte) error {
	return &ProviderError{
		Provider:   provider,
		Class:      classFromStatus(status),
		StatusCode: status,
		Err:        fmt.Errorf("%s", strings.TrimSpace(string(body))),
	}
}

func classFromStatus(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorAuth
	case status == http.StatusTooManyRequests:
		return ErrorRateLimited
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ErrorMalformed
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrorTimeout
	default:
		return ErrorUnknown
	}
}

// ClassifyError maps an arbitrary provider error onto an ErrorClass.
// Already-classified errors keep their class; the rest are inferred from
// context and network error shapes.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorUnknown
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTimeout
	}

	return ErrorUnknown
}

// AllProvidersFailedError is returned when every eligible provider has been
// attempted and none produced a response. It carries the last error seen per
// provider so callers can report what was tried.
type AllProvidersFailedError struct {
	Attempts map[string]error
}

func (e *AllProvidersFailedError) Error() string {
	if len(e.Attempts) == 0 {
		return "all providers failed: no providers eligible"
	}
	var sb strings.Builder
	sb.WriteString("all providers failed:")
	for name, err := range e.Attempts {
		sb.WriteString(fmt.Sprintf(" %s: %v;", name, err))
	}
	return strings.TrimSuffix(sb.String(), ";")
}

package ultravox

import (
	"errors"
	"fmt"
)

var (
	ErrServiceUnavailable   = errors.New("voice engine unavailable")
	ErrAuthenticationFailed = errors.New("voice engine rejected credentials")
	ErrInvalidRequest       = errors.New("voice engine rejected session request")
	ErrEngineUnreachable    = errors.New("voice engine socket unreachable")
	ErrInvalidJoinURL       = errors.New("invalid join url")
)

// NegotiationError is returned by CreateSession. Kind is one of the sentinels
// above and Err the last underlying failure; errors.Is matches either.
type NegotiationError struct {
	Kind       error
	StatusCode int
	Attempts   int
	Err        error
}

func (e *NegotiationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%v after %d attempt(s): status %d: %v", e.Kind, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%v after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *NegotiationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// statusError carries a non-2xx response through the retry loop.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

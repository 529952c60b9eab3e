package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/rotisserie/eris"
)

var (
	ErrNetworkTimeout  = eris.New("network timeout")
	ErrNetwork         = eris.New("network error")
	ErrRetryableStatus = eris.New("retryable http status")
	ErrTerminalStatus  = eris.New("terminal http status")
	ErrProxyExhausted  = eris.New("no proxy available")
	ErrInvalidRequest  = eris.New("invalid request")
)

// Error kinds recorded on failed quotes.
const (
	KindNetworkTimeout  = "network_timeout"
	KindNetwork         = "network"
	KindRetryableStatus = "retryable_status"
	KindTerminalStatus  = "terminal_status"
	KindInvalidRequest  = "invalid_request"
	KindCancelled       = "cancelled"
)

// FetchError is returned by the coordinator once a fetch has definitively failed.
type FetchError struct {
	Kind     error
	URL      string
	Status   int
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %v", e.URL, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel kind so callers can use errors.Is(err, ErrNetworkTimeout).
func (e *FetchError) Is(target error) bool {
	return target == e.Kind
}

// Retryable reports whether another attempt could succeed.
func (e *FetchError) Retryable() bool {
	return e.Kind == ErrNetworkTimeout || e.Kind == ErrNetwork || e.Kind == ErrRetryableStatus
}

// IsRetryableStatus covers 408, 429 and the transient 5xx codes.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// KindOf maps an error to the string kind stored on a failed quote.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrNetworkTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindNetworkTimeout
	case errors.Is(err, ErrRetryableStatus):
		return KindRetryableStatus
	case errors.Is(err, ErrTerminalStatus):
		return KindTerminalStatus
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	default:
		return KindNetwork
	}
}

// Unreachable reports whether err means the source could not be reached at all,
// as opposed to answering with something unusable.
func Unreachable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

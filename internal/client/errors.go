package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Sentinel failures surfaced to callers.
var (
	// ErrUnauthorized means the bridge rejected the shared-secret token.
	ErrUnauthorized = errors.New("bridge rejected auth token")
	// ErrNotFound means no operation is registered at the path.
	ErrNotFound = errors.New("no such bridge operation")
	// ErrWaitTimeout means the host never reported idle within the wait
	// window. Distinct from ordinary call failures so callers can tell
	// "host still busy" from "host broken".
	ErrWaitTimeout = errors.New("timed out waiting for host to become idle")
)

// TransientError wraps a failure that is likely to succeed on retry:
// connection refused or reset, a timeout, or a 5xx status. The call layer
// retries these with backoff; everything else is fatal on first sight.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err was classified as retryable.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// StatusError is a non-200 response outside the auth/routing statuses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bridge returned status %d", e.Code)
}

// classifyTransport types a transport-level failure. Classification is
// structural (error identity, net.Error), never message matching.
func classifyTransport(err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return &TransientError{Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransientError{Err: err}
	}
	return err
}

// classifyStatus types a non-200 HTTP status.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusNotFound:
		return ErrNotFound
	case code >= 500:
		// Includes 503 from the dispatch rate limiter.
		return &TransientError{Err: &StatusError{Code: code}}
	default:
		return &StatusError{Code: code}
	}
}

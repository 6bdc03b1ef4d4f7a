package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/example/wallet-core/internal/config"
)

// Error is the failure variant of every provider call.
type Error struct {
	Provider   string
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
	// Unauthorized marks an expired or rejected credential.
	Unauthorized bool
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (%d): %s", e.Provider, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

// FromStatus classifies an HTTP response status.
func FromStatus(providerName string, status int, body string) *Error {
	e := &Error{
		Provider:   providerName,
		Code:       http.StatusText(status),
		Message:    body,
		StatusCode: status,
	}
	switch {
	case status == http.StatusUnauthorized:
		e.Code = "unauthorized"
		e.Unauthorized = true
	case status == http.StatusTooManyRequests, status >= 500:
		e.Retryable = true
	}
	return e
}

// FromTransport classifies a transport-level failure. Timeouts and refused
// connections are retryable; cancellation by the caller is not.
func FromTransport(providerName string, err error) *Error {
	e := &Error{Provider: providerName, Code: "transport", Message: err.Error()}
	if errors.Is(err, context.Canceled) {
		return e
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		e.Code = "timeout"
		e.Retryable = true
		return e
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		e.Retryable = true
	}
	return e
}

// IsRetryable reports whether err is a provider error worth another attempt.
func IsRetryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retryable
}

// IsUnauthorized reports whether err is a credential rejection.
func IsUnauthorized(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Unauthorized
}

// RetryPolicy bounds the attempts and backoff of provider calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func PolicyFromConfig(cfg config.Retry) RetryPolicy {
	return RetryPolicy{MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay}
}

// Backoff returns the delay before attempt n (1-based retry count), doubling
// from BaseDelay and capped at MaxDelay.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempts run out. The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsRetryable(err) || attempt == attempts {
			return err
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

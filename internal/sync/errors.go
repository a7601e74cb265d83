package sync

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrAuthRequired means the provider has no credentials configured.
	ErrAuthRequired = errors.New("sync credentials required")

	// ErrNetworkConstraint means the network policy does not allow a sync
	// right now. Callers defer silently and retry later.
	ErrNetworkConstraint = errors.New("network unavailable for sync")

	// ErrFileNotFound is returned by providers for a file id that no longer
	// exists remotely.
	ErrFileNotFound = errors.New("remote file not found")

	// ErrPassphraseRequired means a remote payload is encrypted but no
	// passphrase is configured.
	ErrPassphraseRequired = errors.New("remote data is encrypted, passphrase required")
)

// AuthError reports credentials the provider rejected.
type AuthError struct {
	Provider string
	Status   int
	Message  string
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: authentication failed (HTTP %d): %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: authentication failed: %s", e.Provider, e.Message)
}

// RateLimitError reports provider throttling. RetryAfter is zero when the
// provider gave no hint.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Provider)
}

// OperationError wraps a failure while syncing one target. Dirty flags are
// left set so the next sync retries.
type OperationError struct {
	Target string // "current" or "history"
	Op     string
	Err    error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("sync %s: %s: %v", e.Target, e.Op, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// IsAuth reports whether err requires the user to fix credentials.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.Is(err, ErrAuthRequired) || errors.As(err, &ae)
}

// statusError converts an unexpected HTTP response into an error, mapping
// 401/403 to AuthError and 429 (or an exhausted GitHub quota) to
// RateLimitError.
func statusError(provider, op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return &RateLimitError{Provider: provider, RetryAfter: retryAfter(resp.Header)}
	case http.StatusUnauthorized, http.StatusForbidden:
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			return &RateLimitError{Provider: provider, RetryAfter: retryAfter(resp.Header)}
		}
		return &AuthError{Provider: provider, Status: resp.StatusCode, Message: string(body)}
	}
	return fmt.Errorf("%s %s: HTTP %d: %s", provider, op, resp.StatusCode, string(body))
}

// retryAfter reads Retry-After (seconds or HTTP date) or GitHub's
// X-RateLimit-Reset (unix seconds).
func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(unix, 0)); d > 0 {
				return d
			}
		}
	}
	return 0
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	pkgerrors "github.com/perceptra-ai/metering-backend/pkg/errors"
)

// ProviderError describes a failed provider call in transport terms so the
// loop can decide whether the next credential is worth trying.
type ProviderError struct {
	StatusCode int
	RetryAfter *time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider call failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider call failed with status %d", e.StatusCode)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// retryable reports whether the failure class is worth another credential:
// auth rejections, timeouts, rate limits, and server errors are; everything
// else (bad requests, policy refusals) would fail identically on the next
// credential and aborts the loop.
func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		switch providerErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
			return true
		}
		return providerErr.StatusCode >= http.StatusInternalServerError
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return pkgerrors.HasCode(err, pkgerrors.CodeUnauthorized) ||
		pkgerrors.HasCode(err, pkgerrors.CodeForbidden) ||
		pkgerrors.HasCode(err, pkgerrors.CodeRateLimit) ||
		pkgerrors.HasCode(err, pkgerrors.CodeDependency)
}

func retryAfterHint(err error) *time.Duration {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.RetryAfter
	}
	return nil
}

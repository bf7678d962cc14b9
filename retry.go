package agentspine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"time"
)

// retryProvider wraps a Provider and automatically retries transient
// failures with exponential backoff. A failure is transient when it is an
// *ErrHTTP with status 429/502/503/504, or when the error text carries one
// of the documented transient markers (timeout, rate limit, connection
// reset, ...). Backoff sleeps observe ctx so cancellation is never delayed
// by a pending retry.
type retryProvider struct {
	inner      Provider
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMax sets the maximum number of retries after the first attempt
// (default: 2).
func RetryMax(n int) RetryOption {
	return func(r *retryProvider) { r.maxRetries = n }
}

// RetryBaseDelay sets the initial backoff delay before the first retry
// (default: 1s). Each subsequent delay doubles: base, 2×base, 4×base, …
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN and final failures at ERROR. Unset means no output.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient errors. When the
// error includes a Retry-After duration, the retry delay is at least that
// long. Compose with any Provider:
//
//	llm := agentspine.WithRetry(openaicompat.New(apiKey, baseURL))
//	llm := agentspine.WithRetry(p, agentspine.RetryMax(5))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:      p,
		maxRetries: 2,
		baseDelay:  time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Name delegates to the inner provider.
func (r *retryProvider) Name() string { return r.inner.Name() }

// Complete implements Provider with retry. Once text deltas have been
// forwarded to req.OnTextDelta, errors pass through without retry to avoid
// replaying content the consumer already received.
func (r *retryProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	for attempt := 0; ; attempt++ {
		var streamed bool
		attemptReq := req
		if req.OnTextDelta != nil {
			onDelta := req.OnTextDelta
			attemptReq.OnTextDelta = func(delta string) {
				streamed = true
				onDelta(delta)
			}
		}

		resp, err := r.inner.Complete(ctx, attemptReq)
		if err == nil || !IsTransient(err) || streamed || attempt >= r.maxRetries {
			if err != nil && attempt >= r.maxRetries && IsTransient(err) {
				r.logger.Error("all retry attempts exhausted",
					"provider", r.inner.Name(),
					"attempts", attempt+1,
					"error", err)
			}
			return resp, err
		}

		r.logger.Warn("retrying transient provider error",
			"provider", r.inner.Name(),
			"status", statusOf(err),
			"attempt", attempt+1,
			"max_retries", r.maxRetries)

		timer := time.NewTimer(retryDelay(r.baseDelay, attempt, err))
		select {
		case <-ctx.Done():
			timer.Stop()
			return CompletionResponse{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// transientMarkers are error-text fragments treated as retryable when no
// structured status is available.
var transientMarkers = []string{
	"timeout",
	"temporarily unavailable",
	"rate limit",
	"too many requests",
	"connection reset",
	"connection error",
}

// IsTransient reports whether err is worth retrying: a retryable HTTP
// status, or an error message matching a known transient marker.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var e *ErrHTTP
	if errors.As(err, &e) {
		switch e.Status {
		case 429, 502, 503, 504:
			return true
		}
		return false
	}
	text := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value (if present) as a
// minimum. The effective delay is max(backoff, retryAfter).
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// compile-time check
var _ Provider = (*retryProvider)(nil)

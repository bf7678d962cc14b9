package agentspine

import (
	"fmt"
	"strconv"
	"time"
)

// ErrLLM is a provider-level failure that is not a plain HTTP error
// (marshal failures, malformed responses, transport errors).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx response from a provider API. RetryAfter carries the
// parsed Retry-After header when the server sent one; retry middleware uses
// it as a floor for the backoff delay.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value in delay-seconds form.
// HTTP-date form and unparsable values yield 0.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

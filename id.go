package agentspine

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewSessionID generates a short session identifier.
func NewSessionID() string {
	return shortHex(12)
}

// NewRunID generates a subagent run identifier.
func NewRunID() string {
	return "subrun-" + shortHex(10)
}

// NewChildSessionID generates a session identifier for a spawned subagent.
func NewChildSessionID() string {
	return "subsess-" + shortHex(10)
}

// shortHex returns the first n hex characters of a fresh UUIDv4.
func shortHex(n int) string {
	h := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(h) {
		n = len(h)
	}
	return h[:n]
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}

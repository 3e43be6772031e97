package emag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBlocked is returned while the captcha gate is set. Every call
	// fails fast with this error until the gate is cleared manually.
	ErrBlocked = errors.New("upstream blocked by captcha challenge")

	// ErrAuthFailed is returned when re-authentication after a 401 still
	// yields a 401.
	ErrAuthFailed = errors.New("upstream authentication failed")
)

// maxRawSnippet bounds how much of an upstream body is carried in errors.
const maxRawSnippet = 512

// UpstreamError is the terminal failure of a marketplace call: either a
// business error the upstream flagged, or a transient class whose retry
// budget ran out.
type UpstreamError struct {
	StatusCode int
	Messages   []string
	Raw        string
	Attempts   int
}

func (e *UpstreamError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "upstream error (status %d", e.StatusCode)
	if e.Attempts > 1 {
		fmt.Fprintf(&b, ", %d attempts", e.Attempts)
	}
	b.WriteString(")")
	if len(e.Messages) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Messages, "; "))
	}
	return b.String()
}

// Retryable reports whether the status belongs to the transient class.
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

func truncateRaw(s string) string {
	if len(s) <= maxRawSnippet {
		return s
	}
	return s[:maxRawSnippet]
}

package remote

import (
	"fmt"
	"strings"
)

// NetworkError is an HTTP transport or server-side failure. Sync
// treats it as retryable: the affected record stays unsynced.
type NetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e == nil {
		return "network error"
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// AuthError is a missing or rejected credential. Sync skips the rest
// of the cycle instead of hammering the server with doomed requests.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e == nil || strings.TrimSpace(e.Reason) == "" {
		return "auth error"
	}
	return "auth error: " + e.Reason
}

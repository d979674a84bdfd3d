package alerting

import (
	"errors"
	"fmt"
)

// AuthError indicates the dashboard rejected a request as unauthenticated.
// The session must be invalidated and re-established before retrying.
type AuthError struct {
	Op     string // operation being performed, e.g. "push", "probe"
	Status int    // HTTP status observed, 0 if the rejection was content-based
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("dashboard auth rejected during %s (HTTP %d)", e.Op, e.Status)
	}
	return fmt.Sprintf("dashboard auth rejected during %s", e.Op)
}

// IsAuthError checks if an error is a dashboard authentication rejection.
func IsAuthError(err error) bool {
	var auth *AuthError
	return errors.As(err, &auth)
}

// PermanentError indicates a dashboard rejection that retrying within the
// cycle cannot fix (malformed request, non-auth 4xx). The alert remains
// uncommitted and is retried on a later cycle.
type PermanentError struct {
	Op     string
	Status int
	Detail string
}

func (e *PermanentError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("dashboard rejected %s (HTTP %d): %s", e.Op, e.Status, e.Detail)
	}
	return fmt.Sprintf("dashboard rejected %s (HTTP %d)", e.Op, e.Status)
}

// IsPermanentError checks if an error is a permanent dashboard rejection.
func IsPermanentError(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// ErrLoginRejected is returned when the dashboard refuses the configured
// credentials. Backoff cannot fix it within a cycle.
var ErrLoginRejected = errors.New("dashboard login rejected")

// pkg/chatclient/errors.go
// Error taxonomy surfaced by the chat client. Callers branch on these
// with errors.As to decide between retry, re-auth and user feedback.

package chatclient

import (
	"errors"
	"fmt"
)

// NetworkError wraps transport failures and timeouts. Recoverable via
// explicit user-triggered retry, never retried silently.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthError means the bearer credential is missing, invalid or expired.
// Surfaced to the host application to trigger re-authentication.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (status %d)", e.Status)
}

// ValidationError means the server rejected the payload, e.g. an
// attachment that violates the size or type policy.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ConflictError reports a duplicate clientToken detected server-side.
// The server treats the replay as idempotent success, so callers should
// too; the type exists so the condition is observable.
type ConflictError struct {
	ClientToken string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("duplicate client token %s", e.ClientToken)
}

var (
	// ErrNoConversation means no conversation is currently open
	ErrNoConversation = errors.New("no conversation open")
	// ErrEmptyMessage means there is neither text nor an attachment
	ErrEmptyMessage = errors.New("message has no content")
	// ErrUnknownToken means no transcript entry carries the token
	ErrUnknownToken = errors.New("unknown client token")
	// ErrNotFailed means the operation only applies to failed entries
	ErrNotFailed = errors.New("message is not in the failed state")
)

// IsAuthError reports whether err is an AuthError
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsNetworkError reports whether err is a NetworkError
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsValidationError reports whether err is a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

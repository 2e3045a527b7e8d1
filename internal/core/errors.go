package core

import (
	"errors"
	"fmt"
)

// ConfigurationError means a credential or key required to even start a run is
// missing. It aborts the run before any mailbox call and is retryable once
// configuration is fixed.
type ConfigurationError struct {
	Field string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration incomplete: %s is not set", e.Field)
}

// AuthError means the mailbox or the classifier rejected our credentials.
// Fatal to the run.
type AuthError struct {
	System  string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %s", e.System, e.Message)
}

// TransportError wraps a network-level failure against the mailbox or the
// classifier. It aborts the current batch step but never corrupts entries
// already written.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedMessageError marks a message whose MIME structure could not be
// parsed. The message is skipped; no audit entry is required since it never
// entered the pipeline.
type MalformedMessageError struct {
	MessageID string
	Err       error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message %s: %v", e.MessageID, e.Err)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// IsFatal reports whether an error must abort the whole run rather than just
// the message or batch being processed.
func IsFatal(err error) bool {
	var cfgErr *ConfigurationError
	var authErr *AuthError
	return errors.As(err, &cfgErr) || errors.As(err, &authErr)
}

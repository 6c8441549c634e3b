package authflow

import (
	"errors"
	"fmt"
)

var (
	ErrRequestFailed      = errors.New("authorization request failed")
	ErrConsentFailed      = errors.New("consent failed")
	ErrConsentTimedOut    = errors.New("consent timed out")
	ErrCredentialsInvalid = errors.New("credentials invalid")
	ErrAcceptFailed       = errors.New("accepting credentials failed")
	ErrAlreadyInProgress  = errors.New("login already in progress")
	ErrCancelled          = errors.New("login cancelled")
)

// AuthError is the terminal failure of one attempt. Kind is one of the
// sentinels above and Err the underlying cause, if any.
type AuthError struct {
	Attempt uint64
	Kind    error
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("attempt %d: %v", e.Attempt, e.Kind)
	}
	return fmt.Sprintf("attempt %d: %v: %v", e.Attempt, e.Kind, e.Err)
}

func (e *AuthError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// outcome is the metric label for err.
func outcome(err error) string {
	switch {
	case err == nil:
		return "succeeded"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrRequestFailed):
		return "request_failed"
	case errors.Is(err, ErrConsentTimedOut):
		return "consent_timed_out"
	case errors.Is(err, ErrConsentFailed):
		return "consent_failed"
	case errors.Is(err, ErrCredentialsInvalid):
		return "credentials_invalid"
	case errors.Is(err, ErrAcceptFailed):
		return "accept_failed"
	default:
		return "unknown"
	}
}

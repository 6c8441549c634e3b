package authflow

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthErrorMatchesKindAndCause(t *testing.T) {
	err := fmt.Errorf("login: %w", &AuthError{Attempt: 3, Kind: ErrConsentTimedOut, Err: io.ErrUnexpectedEOF})

	assert.ErrorIs(t, err, ErrConsentTimedOut)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, ErrConsentFailed)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, uint64(3), authErr.Attempt)
	assert.Equal(t, "login: attempt 3: consent timed out: unexpected EOF", err.Error())
}

func TestAuthErrorWithoutCause(t *testing.T) {
	err := &AuthError{Attempt: 1, Kind: ErrCancelled}
	assert.Equal(t, "attempt 1: login cancelled", err.Error())
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestOutcomeLabels(t *testing.T) {
	cases := map[string]error{
		"succeeded":           nil,
		"request_failed":      &AuthError{Kind: ErrRequestFailed},
		"consent_failed":      &AuthError{Kind: ErrConsentFailed},
		"consent_timed_out":   &AuthError{Kind: ErrConsentTimedOut},
		"credentials_invalid": &AuthError{Kind: ErrCredentialsInvalid},
		"accept_failed":       &AuthError{Kind: ErrAcceptFailed},
		"cancelled":           &AuthError{Kind: ErrCancelled},
		"unknown":             errors.New("other"),
	}
	for want, err := range cases {
		assert.Equal(t, want, outcome(err))
	}
}

func TestStepString(t *testing.T) {
	assert.Equal(t, "AwaitingConsent", StepAwaitingConsent.String())
	assert.Equal(t, "Step(42)", Step(42).String())
	assert.Equal(t, "supersede", PolicySupersede.String())
	assert.Equal(t, "reject", PolicyReject.String())
}

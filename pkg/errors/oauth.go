package errors

import (
	"fmt"
)

// Stage identifies which leg of a provider handshake failed.
type Stage string

const (
	StageAuthorization Stage = "authorization"
	StageTokenExchange Stage = "token_exchange"
	StageValidation    Stage = "validation"
	StageIdentityFetch Stage = "identity_fetch"
	StageRevocation    Stage = "revocation"
)

// ReasonDuplicateProviderIdentity is reported when a remote identity is
// already bound to a different local account.
const ReasonDuplicateProviderIdentity = "duplicate-provider-identity"

// ConfigurationError is returned when provider settings are unusable.
// It is fatal at startup.
type ConfigurationError struct {
	Provider string
	Field    string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %s: invalid %s: %s", e.Provider, e.Field, e.Reason)
}

func (e *ConfigurationError) Code() ErrorCode { return ErrCodeConfiguration }

// CSRFValidationError is returned when a callback does not carry the state
// token most recently issued for the session. The interaction must restart.
type CSRFValidationError struct {
	Provider string
	Reason   string
}

func (e *CSRFValidationError) Error() string {
	return fmt.Sprintf("provider %s: state validation failed: %s", e.Provider, e.Reason)
}

func (e *CSRFValidationError) Code() ErrorCode { return ErrCodeCSRFValidation }

// ProviderCommunicationError wraps any network or protocol failure talking to
// an identity provider.
type ProviderCommunicationError struct {
	Provider   string
	Stage      Stage
	StatusCode int
	Err        error
}

func (e *ProviderCommunicationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: %s failed with status %d: %v", e.Provider, e.Stage, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %s failed: %v", e.Provider, e.Stage, e.Err)
}

func (e *ProviderCommunicationError) Unwrap() error { return e.Err }

func (e *ProviderCommunicationError) Code() ErrorCode { return ErrCodeProviderCommunication }

// TokenAudienceError is returned when an access token was issued to a client
// other than the configured one. It is a security violation and always aborts.
type TokenAudienceError struct {
	Provider string
	Expected string
	Actual   string
}

func (e *TokenAudienceError) Error() string {
	return fmt.Sprintf("provider %s: token issued to %q, expected %q", e.Provider, e.Actual, e.Expected)
}

func (e *TokenAudienceError) Code() ErrorCode { return ErrCodeTokenAudience }

// MalformedTokenError is returned when a persisted credential cannot be decoded.
type MalformedTokenError struct {
	Reason string
	Err    error
}

func (e *MalformedTokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed token: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed token: %s", e.Reason)
}

func (e *MalformedTokenError) Unwrap() error { return e.Err }

func (e *MalformedTokenError) Code() ErrorCode { return ErrCodeMalformedToken }

// DuplicateIdentityConflict reports that a remote username is already linked to
// another local account. It is surfaced as a warning, never as a failure of
// the interaction.
type DuplicateIdentityConflict struct {
	Provider string
	Username string
}

func (e *DuplicateIdentityConflict) Error() string {
	return fmt.Sprintf("%s identity %q is already linked to another account", e.Provider, e.Username)
}

func (e *DuplicateIdentityConflict) Code() ErrorCode { return ErrCodeDuplicateIdentity }

// NewProviderError builds a ProviderCommunicationError.
func NewProviderError(provider string, stage Stage, err error) *ProviderCommunicationError {
	return &ProviderCommunicationError{Provider: provider, Stage: stage, Err: err}
}

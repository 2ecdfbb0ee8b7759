// Package errors provides structured error handling with error codes for portal-oauth.
//
// Two shapes of error live here. The generic *Error carries a code, a message,
// optional details and a wrapped cause. The typed OAuth errors carry the
// fields a caller needs to react to a failed interaction and report their code
// through a Code method, so GetCode, IsCode and MapErrorCodeToHTTPStatus work
// for both.
//
// # Basic Usage
//
//	import "github.com/tendant/portal-oauth/pkg/errors"
//
//	err := errors.Wrap(dbErr, errors.ErrCodeInternal, "failed to load account")
//
//	return &errors.ProviderCommunicationError{
//	    Provider: "google",
//	    Stage:    errors.StageTokenExchange,
//	    Err:      err,
//	}
//
// # OAuth taxonomy
//
//   - ConfigurationError: missing or placeholder credentials, fatal at startup
//   - CSRFValidationError: callback state did not match, restart the interaction
//   - ProviderCommunicationError: network or protocol failure, tagged with a Stage
//   - TokenAudienceError: token issued to another client, always aborts
//   - MalformedTokenError: persisted credential can no longer be decoded
//   - DuplicateIdentityConflict: non-fatal warning for the linking step
//
// # Inspection
//
//	var pce *errors.ProviderCommunicationError
//	if stderrors.As(err, &pce) {
//	    slog.Warn("provider failed", "provider", pce.Provider, "stage", pce.Stage)
//	}
//
//	status := errors.HTTPStatusCode(err)
package errors

package errors

import (
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetCodeTypedErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   ErrorCode
		status int
	}{
		{"configuration", &ConfigurationError{Provider: "google", Field: "client_id", Reason: "is required"}, ErrCodeConfiguration, http.StatusInternalServerError},
		{"csrf", &CSRFValidationError{Provider: "google", Reason: "mismatch"}, ErrCodeCSRFValidation, http.StatusBadRequest},
		{"provider", NewProviderError("google", StageTokenExchange, io.EOF), ErrCodeProviderCommunication, http.StatusBadGateway},
		{"audience", &TokenAudienceError{Provider: "google", Expected: "a", Actual: "b"}, ErrCodeTokenAudience, http.StatusUnauthorized},
		{"malformed", &MalformedTokenError{Reason: "empty"}, ErrCodeMalformedToken, http.StatusBadRequest},
		{"duplicate", &DuplicateIdentityConflict{Provider: "twitter", Username: "alice"}, ErrCodeDuplicateIdentity, http.StatusConflict},
		{"structured", New(ErrCodeNotFound, "missing"), ErrCodeNotFound, http.StatusNotFound},
		{"plain", io.EOF, ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.Equal(t, tt.code, GetCode(wrapped))
			assert.True(t, IsCode(wrapped, tt.code))
			assert.Equal(t, tt.status, HTTPStatusCode(wrapped))
		})
	}
}

func TestProviderCommunicationErrorUnwrap(t *testing.T) {
	err := &ProviderCommunicationError{Provider: "facebook", Stage: StageIdentityFetch, StatusCode: 503, Err: io.ErrUnexpectedEOF}

	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "identity_fetch")
	assert.Contains(t, err.Error(), "503")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "nothing"))
	assert.False(t, IsCode(nil, ErrCodeInternal))
}

func TestDetails(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NotFound("provider", "myspace"))
	assert.Equal(t, map[string]interface{}{"resource": "provider"}, GetDetails(err))
	assert.Equal(t, http.StatusNotFound, HTTPStatusCode(err))

	err = InvalidInput("redirect_url", "must be a local path").WithDetail("value", "//evil")
	assert.Equal(t, map[string]interface{}{"field": "redirect_url", "value": "//evil"}, GetDetails(err))

	assert.Nil(t, GetDetails(&CSRFValidationError{Provider: "google"}))
}

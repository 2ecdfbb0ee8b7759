package externalprovider

import (
	"context"
	"net/url"

	"github.com/tendant/portal-oauth/pkg/tokencodec"
)

// Adapter performs the network side of one provider's login handshake.
// Implementations hold no per-interaction state; everything a later request
// needs is returned in Pending and handed back on the callback.
type Adapter interface {
	ProviderID() string
	Kind() tokencodec.Kind

	// BuildAuthorizationURL returns the URL the browser is redirected to.
	// state must come back on the callback unchanged.
	BuildAuthorizationURL(ctx context.Context, state string) (*AuthorizationRequest, error)

	// CompleteHandshake turns the callback into a validated remote identity.
	CompleteHandshake(ctx context.Context, cb CallbackParams, pending Pending) (*RemoteIdentity, error)

	// Revoke asks the provider to invalidate cred. Best effort.
	Revoke(ctx context.Context, cred tokencodec.Credential) error

	Serialize(cred tokencodec.Credential) (string, error)
	Deserialize(s string) (tokencodec.Credential, error)
}

// Pending is adapter data kept in the session between the redirect and the
// callback.
type Pending struct {
	RequestToken  string `json:"request_token,omitempty"`
	RequestSecret string `json:"request_secret,omitempty"`
	CodeVerifier  string `json:"code_verifier,omitempty"`
}

// AuthorizationRequest is the result of BuildAuthorizationURL
type AuthorizationRequest struct {
	URL     string
	Pending Pending
}

// CallbackParams are the query or form parameters a provider sends back.
type CallbackParams struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
	OAuthToken       string
	OAuthVerifier    string
	Denied           string
}

// CallbackParamsFromValues extracts callback parameters from a query or form.
func CallbackParamsFromValues(v url.Values) CallbackParams {
	return CallbackParams{
		State:            v.Get("state"),
		Code:             v.Get("code"),
		Error:            v.Get("error"),
		ErrorDescription: v.Get("error_description"),
		OAuthToken:       v.Get("oauth_token"),
		OAuthVerifier:    v.Get("oauth_verifier"),
		Denied:           v.Get("denied"),
	}
}

// IsCallback reports whether any provider-returned parameter is present.
func (p CallbackParams) IsCallback() bool {
	return p.State != "" || p.Code != "" || p.Error != "" ||
		p.OAuthToken != "" || p.OAuthVerifier != "" || p.Denied != ""
}

// ProviderError returns the error the provider reported, or "".
func (p CallbackParams) ProviderError() string {
	if p.Error != "" {
		if p.ErrorDescription != "" {
			return p.Error + ": " + p.ErrorDescription
		}
		return p.Error
	}
	if p.Denied != "" {
		return "access_denied"
	}
	return ""
}

// RemoteIdentity is the validated identity produced by a completed handshake
type RemoteIdentity struct {
	Provider    string                `json:"provider"`
	RemoteID    string                `json:"remote_id"`
	Username    string                `json:"username"`
	DisplayName string                `json:"display_name,omitempty"`
	FirstName   string                `json:"first_name,omitempty"`
	LastName    string                `json:"last_name,omitempty"`
	Email       string                `json:"email,omitempty"`
	Credential  tokencodec.Credential `json:"-"`
}

package externalprovider

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/dghubble/oauth1"
	oautherrors "github.com/tendant/portal-oauth/pkg/errors"
	"github.com/tendant/portal-oauth/pkg/tokencodec"
)

// TwitterAdapter implements the OAuth1a login. The request-token round trip
// happens inside BuildAuthorizationURL.
type TwitterAdapter struct {
	cfg        *ProviderConfig
	oauth      oauth1.Config
	httpClient *http.Client
	codec      *tokencodec.Codec
}

var _ Adapter = (*TwitterAdapter)(nil)

// NewTwitterAdapter creates a TwitterAdapter. The client id and secret of cfg
// are the consumer key and secret.
func NewTwitterAdapter(cfg *ProviderConfig, opts ...AdapterOption) (*TwitterAdapter, error) {
	for _, key := range []string{OptRequestTokenURL, OptAuthURL, OptAccessTokenURL, OptUserInfoURL} {
		if cfg.Option(key) == "" {
			return nil, &oautherrors.ConfigurationError{Provider: cfg.ID(), Field: key, Reason: "is required"}
		}
	}

	o := buildAdapterOptions(opts)
	return &TwitterAdapter{
		cfg: cfg,
		oauth: oauth1.Config{
			ConsumerKey:    cfg.ClientID(),
			ConsumerSecret: cfg.ClientSecret(),
			CallbackURL:    cfg.RedirectURL(),
			Endpoint: oauth1.Endpoint{
				RequestTokenURL: cfg.Option(OptRequestTokenURL),
				AuthorizeURL:    cfg.Option(OptAuthURL),
				AccessTokenURL:  cfg.Option(OptAccessTokenURL),
			},
			HTTPClient: o.httpClient,
		},
		httpClient: o.httpClient,
		codec:      o.codec,
	}, nil
}

func (a *TwitterAdapter) ProviderID() string    { return a.cfg.ID() }
func (a *TwitterAdapter) Kind() tokencodec.Kind { return tokencodec.KindOAuth1a }

// BuildAuthorizationURL obtains a request token whose callback URL carries
// state, then returns the provider's authorize URL for it.
func (a *TwitterAdapter) BuildAuthorizationURL(_ context.Context, state string) (*AuthorizationRequest, error) {
	provider := a.cfg.ID()
	if state == "" {
		return nil, errors.New("state is required")
	}

	callback, err := url.Parse(a.cfg.RedirectURL())
	if err != nil {
		return nil, &oautherrors.ConfigurationError{Provider: provider, Field: "redirect_url", Reason: err.Error()}
	}
	q := callback.Query()
	q.Set("state", state)
	callback.RawQuery = q.Encode()

	conf := a.oauth
	conf.CallbackURL = callback.String()

	requestToken, requestSecret, err := conf.RequestToken()
	if err != nil {
		return nil, oautherrors.NewProviderError(provider, oautherrors.StageAuthorization, err)
	}

	authURL, err := conf.AuthorizationURL(requestToken)
	if err != nil {
		return nil, oautherrors.NewProviderError(provider, oautherrors.StageAuthorization, err)
	}

	return &AuthorizationRequest{
		URL: authURL.String(),
		Pending: Pending{
			RequestToken:  requestToken,
			RequestSecret: requestSecret,
		},
	}, nil
}

func (a *TwitterAdapter) CompleteHandshake(ctx context.Context, cb CallbackParams, pending Pending) (*RemoteIdentity, error) {
	provider := a.cfg.ID()

	if msg := cb.ProviderError(); msg != "" {
		return nil, oautherrors.NewProviderError(provider, oautherrors.StageAuthorization, errors.New(msg))
	}
	if pending.RequestToken == "" ||
		subtle.ConstantTimeCompare([]byte(pending.RequestToken), []byte(cb.OAuthToken)) != 1 {
		return nil, &oautherrors.CSRFValidationError{Provider: provider, Reason: "request token mismatch"}
	}
	if cb.OAuthVerifier == "" {
		return nil, oautherrors.NewProviderError(provider, oautherrors.StageTokenExchange, errors.New("callback carries no oauth_verifier"))
	}

	accessToken, accessSecret, err := a.oauth.AccessToken(pending.RequestToken, pending.RequestSecret, cb.OAuthVerifier)
	if err != nil {
		return nil, oautherrors.NewProviderError(provider, oautherrors.StageTokenExchange, err)
	}

	u, err := url.Parse(a.cfg.Option(OptUserInfoURL))
	if err != nil {
		return nil, oautherrors.NewProviderError(provider, oautherrors.StageIdentityFetch, err)
	}
	q := u.Query()
	q.Set("include_email", "true")
	q.Set("skip_status", "true")
	u.RawQuery = q.Encode()

	req, err := newRequest(ctx, http.MethodGet, u.String(), nil, provider, oautherrors.StageIdentityFetch)
	if err != nil {
		return nil, err
	}
	raw, err := doJSON(a.signedClient(ctx, accessToken, accessSecret), req, provider, oautherrors.StageIdentityFetch)
	if err != nil {
		return nil, err
	}

	identity := &RemoteIdentity{
		Provider:    provider,
		RemoteID:    firstStringValue(raw, "id_str", "id"),
		Username:    getStringValue(raw, "screen_name"),
		DisplayName: getStringValue(raw, "name"),
		Email:       getStringValue(raw, "email"),
	}
	if identity.RemoteID == "" || identity.Username == "" {
		return nil, oautherrors.NewProviderError(provider, oautherrors.StageIdentityFetch, errors.New("incomplete credentials response"))
	}
	identity.FirstName, identity.LastName = splitName(identity.DisplayName)
	identity.Credential = tokencodec.Credential{
		Provider:    provider,
		Kind:        tokencodec.KindOAuth1a,
		AccessToken: accessToken,
		TokenSecret: accessSecret,
		Extra: map[string]string{
			"user_id":     identity.RemoteID,
			"screen_name": identity.Username,
		},
	}

	slog.Info("Twitter identity retrieved", "provider", provider, "remote_id", identity.RemoteID, "username", identity.Username)
	return identity, nil
}

// signedClient returns a client that signs every request with the user token
// and keeps the configured timeout.
func (a *TwitterAdapter) signedClient(ctx context.Context, token, secret string) *http.Client {
	ctx = context.WithValue(ctx, oauth1.HTTPClient, a.httpClient)
	client := a.oauth.Client(ctx, oauth1.NewToken(token, secret))
	client.Timeout = a.httpClient.Timeout
	return client
}

// Revoke invalidates the access token with a signed POST.
func (a *TwitterAdapter) Revoke(ctx context.Context, cred tokencodec.Credential) error {
	provider := a.cfg.ID()
	revokeURL := a.cfg.Option(OptRevokeURL)
	if revokeURL == "" || cred.AccessToken == "" {
		return nil
	}

	req, err := newRequest(ctx, http.MethodPost, revokeURL, nil, provider, oautherrors.StageRevocation)
	if err != nil {
		return err
	}
	if err := doNoContent(a.signedClient(ctx, cred.AccessToken, cred.TokenSecret), req, provider, oautherrors.StageRevocation); err != nil {
		return err
	}
	slog.Info("Token revoked", "provider", provider)
	return nil
}

func (a *TwitterAdapter) Serialize(cred tokencodec.Credential) (string, error) {
	return a.codec.Encode(cred)
}

func (a *TwitterAdapter) Deserialize(s string) (tokencodec.Credential, error) {
	return a.codec.Decode(s)
}

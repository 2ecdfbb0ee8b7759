package externalprovider

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	oautherrors "github.com/tendant/portal-oauth/pkg/errors"
	"github.com/tendant/portal-oauth/pkg/tokencodec"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GoogleAdapter implements the Google OAuth2 login: code exchange, tokeninfo
// audience check and the v2 userinfo endpoint.
type GoogleAdapter struct {
	cfg        *ProviderConfig
	oauth      *oauth2.Config
	httpClient *http.Client
	codec      *tokencodec.Codec
}

var _ Adapter = (*GoogleAdapter)(nil)

// NewGoogleAdapter creates a GoogleAdapter. Endpoint options override the
// public Google endpoints.
func NewGoogleAdapter(cfg *ProviderConfig, opts ...AdapterOption) (*GoogleAdapter, error) {
	o := buildAdapterOptions(opts)
	return &GoogleAdapter{
		cfg: cfg,
		oauth: newOAuth2Config(cfg,
			cfg.OptionOr(OptAuthURL, google.Endpoint.AuthURL),
			cfg.OptionOr(OptTokenURL, google.Endpoint.TokenURL)),
		httpClient: o.httpClient,
		codec:      o.codec,
	}, nil
}

func (a *GoogleAdapter) ProviderID() string    { return a.cfg.ID() }
func (a *GoogleAdapter) Kind() tokencodec.Kind { return tokencodec.KindOAuth2 }

func (a *GoogleAdapter) BuildAuthorizationURL(_ context.Context, state string) (*AuthorizationRequest, error) {
	var extra []oauth2.AuthCodeOption
	if accessType := a.cfg.Option(OptAccessType); accessType != "" {
		extra = append(extra, oauth2.SetAuthURLParam("access_type", accessType))
	}
	return buildAuthCodeURL(a.cfg, a.oauth, state, extra...)
}

func (a *GoogleAdapter) CompleteHandshake(ctx context.Context, cb CallbackParams, pending Pending) (*RemoteIdentity, error) {
	provider := a.cfg.ID()

	token, err := exchangeCode(ctx, a.httpClient, a.oauth, provider, cb, pending)
	if err != nil {
		return nil, err
	}
	cred := credentialFromToken(provider, token)

	if err := a.validateToken(ctx, cred); err != nil {
		return nil, err
	}

	req, err := newRequest(ctx, http.MethodGet, a.cfg.Option(OptUserInfoURL), nil, provider, oautherrors.StageIdentityFetch)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	a.setUserAgent(req)

	raw, err := doJSON(a.httpClient, req, provider, oautherrors.StageIdentityFetch)
	if err != nil {
		return nil, err
	}

	identity := &RemoteIdentity{
		Provider:    provider,
		RemoteID:    getStringValue(raw, "id"),
		Email:       getStringValue(raw, "email"),
		DisplayName: getStringValue(raw, "name"),
		FirstName:   getStringValue(raw, "given_name"),
		LastName:    getStringValue(raw, "family_name"),
		Credential:  cred,
	}
	if identity.RemoteID == "" {
		return nil, oautherrors.NewProviderError(provider, oautherrors.StageIdentityFetch, errors.New("no user id in userinfo response"))
	}
	identity.Username = emailLocalPart(identity.Email)
	if identity.Username == "" {
		identity.Username = identity.RemoteID
	}

	slog.Info("Google identity retrieved", "provider", provider, "remote_id", identity.RemoteID, "username", identity.Username)
	return identity, nil
}

// validateToken asks tokeninfo who the access token was issued to. A token
// minted for another client must never be trusted.
func (a *GoogleAdapter) validateToken(ctx context.Context, cred tokencodec.Credential) error {
	provider := a.cfg.ID()

	u, err := url.Parse(a.cfg.Option(OptTokenInfoURL))
	if err != nil {
		return oautherrors.NewProviderError(provider, oautherrors.StageValidation, err)
	}
	q := u.Query()
	q.Set("access_token", cred.AccessToken)
	u.RawQuery = q.Encode()

	req, err := newRequest(ctx, http.MethodGet, u.String(), nil, provider, oautherrors.StageValidation)
	if err != nil {
		return err
	}
	a.setUserAgent(req)

	info, err := doJSON(a.httpClient, req, provider, oautherrors.StageValidation)
	if err != nil {
		return err
	}
	if msg := getStringValue(info, "error"); msg != "" {
		return oautherrors.NewProviderError(provider, oautherrors.StageValidation, errors.New(msg))
	}

	issuedTo := firstStringValue(info, "issued_to", "audience", "aud", "azp")
	if issuedTo != a.cfg.ClientID() {
		slog.Warn("Token audience mismatch", "provider", provider, "issued_to", issuedTo)
		return &oautherrors.TokenAudienceError{Provider: provider, Expected: a.cfg.ClientID(), Actual: issuedTo}
	}

	if cred.IDToken != "" {
		return checkIDTokenAudience(provider, cred.IDToken, a.cfg.ClientID())
	}
	return nil
}

func (a *GoogleAdapter) setUserAgent(req *http.Request) {
	if name := a.cfg.Option(OptApplicationName); name != "" {
		req.Header.Set("User-Agent", name)
	}
}

// Revoke calls the Google revocation endpoint with the access token.
func (a *GoogleAdapter) Revoke(ctx context.Context, cred tokencodec.Credential) error {
	return revokeToken(ctx, a.httpClient, a.cfg.ID(), a.cfg.Option(OptRevokeURL), http.MethodGet, "token", cred.AccessToken)
}

func (a *GoogleAdapter) Serialize(cred tokencodec.Credential) (string, error) {
	return a.codec.Encode(cred)
}

func (a *GoogleAdapter) Deserialize(s string) (tokencodec.Credential, error) {
	return a.codec.Decode(s)
}

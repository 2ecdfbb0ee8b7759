package externalprovider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	oautherrors "github.com/tendant/portal-oauth/pkg/errors"
	"github.com/tendant/portal-oauth/pkg/tokencodec"
	"golang.org/x/oauth2"
)

// OAuth2Adapter talks to any OAuth2 provider whose endpoints are given as
// options. Facebook is configured through this adapter.
type OAuth2Adapter struct {
	cfg        *ProviderConfig
	oauth      *oauth2.Config
	httpClient *http.Client
	codec      *tokencodec.Codec
}

var _ Adapter = (*OAuth2Adapter)(nil)

// NewOAuth2Adapter validates the endpoint options of cfg and builds an adapter.
func NewOAuth2Adapter(cfg *ProviderConfig, opts ...AdapterOption) (*OAuth2Adapter, error) {
	for _, key := range []string{OptAuthURL, OptTokenURL, OptUserInfoURL} {
		if cfg.Option(key) == "" {
			return nil, &oautherrors.ConfigurationError{Provider: cfg.ID(), Field: key, Reason: "is required"}
		}
	}
	if cfg.Option(OptTokenInfoURL) == "" && cfg.Option(OptAudienceCheck) != "none" && cfg.Option(OptAudienceCheck) != "id_token" {
		return nil, &oautherrors.ConfigurationError{
			Provider: cfg.ID(),
			Field:    OptTokenInfoURL,
			Reason:   "is required unless audience_check is id_token or none",
		}
	}

	o := buildAdapterOptions(opts)
	return &OAuth2Adapter{
		cfg:        cfg,
		oauth:      newOAuth2Config(cfg, cfg.Option(OptAuthURL), cfg.Option(OptTokenURL)),
		httpClient: o.httpClient,
		codec:      o.codec,
	}, nil
}

func (a *OAuth2Adapter) ProviderID() string    { return a.cfg.ID() }
func (a *OAuth2Adapter) Kind() tokencodec.Kind { return tokencodec.KindOAuth2 }

func (a *OAuth2Adapter) BuildAuthorizationURL(_ context.Context, state string) (*AuthorizationRequest, error) {
	return buildAuthCodeURL(a.cfg, a.oauth, state)
}

func (a *OAuth2Adapter) CompleteHandshake(ctx context.Context, cb CallbackParams, pending Pending) (*RemoteIdentity, error) {
	provider := a.cfg.ID()

	token, err := exchangeCode(ctx, a.httpClient, a.oauth, provider, cb, pending)
	if err != nil {
		return nil, err
	}
	cred := credentialFromToken(provider, token)

	if err := a.validateAudience(ctx, cred); err != nil {
		return nil, err
	}

	userInfoURL, err := url.Parse(a.cfg.Option(OptUserInfoURL))
	if err != nil {
		return nil, oautherrors.NewProviderError(provider, oautherrors.StageIdentityFetch, err)
	}
	if fields := a.cfg.Option(OptUserInfoFields); fields != "" {
		q := userInfoURL.Query()
		q.Set("fields", fields)
		userInfoURL.RawQuery = q.Encode()
	}

	req, err := newRequest(ctx, http.MethodGet, userInfoURL.String(), nil, provider, oautherrors.StageIdentityFetch)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	raw, err := doJSON(a.httpClient, req, provider, oautherrors.StageIdentityFetch)
	if err != nil {
		return nil, err
	}

	identity, err := a.parseUserInfo(raw)
	if err != nil {
		return nil, err
	}
	identity.Credential = cred

	slog.Info("OAuth2 identity retrieved", "provider", provider, "remote_id", identity.RemoteID, "username", identity.Username)
	return identity, nil
}

func (a *OAuth2Adapter) validateAudience(ctx context.Context, cred tokencodec.Credential) error {
	provider := a.cfg.ID()

	switch a.cfg.Option(OptAudienceCheck) {
	case "none":
		return nil
	case "id_token":
		if cred.IDToken == "" {
			return oautherrors.NewProviderError(provider, oautherrors.StageValidation, errors.New("token response carries no id_token"))
		}
		return checkIDTokenAudience(provider, cred.IDToken, a.cfg.ClientID())
	}

	tokenInfoURL, err := url.Parse(a.cfg.Option(OptTokenInfoURL))
	if err != nil {
		return oautherrors.NewProviderError(provider, oautherrors.StageValidation, err)
	}
	q := tokenInfoURL.Query()
	q.Set(a.cfg.OptionOr(OptTokenInfoParam, "access_token"), cred.AccessToken)
	if a.cfg.BoolOption(OptTokenInfoAppToken) {
		q.Set("access_token", a.cfg.ClientID()+"|"+a.cfg.ClientSecret())
	}
	tokenInfoURL.RawQuery = q.Encode()

	req, err := newRequest(ctx, http.MethodGet, tokenInfoURL.String(), nil, provider, oautherrors.StageValidation)
	if err != nil {
		return err
	}
	info, err := doJSON(a.httpClient, req, provider, oautherrors.StageValidation)
	if err != nil {
		return err
	}

	audience := lookupPath(info, a.cfg.OptionOr(OptAudienceField, "aud"))
	if audience != a.cfg.ClientID() {
		slog.Warn("Token audience mismatch", "provider", provider, "audience", audience)
		return &oautherrors.TokenAudienceError{Provider: provider, Expected: a.cfg.ClientID(), Actual: audience}
	}

	if cred.IDToken != "" {
		return checkIDTokenAudience(provider, cred.IDToken, a.cfg.ClientID())
	}
	return nil
}

func (a *OAuth2Adapter) parseUserInfo(raw map[string]interface{}) (*RemoteIdentity, error) {
	identity := &RemoteIdentity{Provider: a.cfg.ID()}

	identity.RemoteID = firstStringValue(raw, a.cfg.OptionOr(OptIDField, "id"), "id", "sub")
	identity.Email = getStringValue(raw, "email")
	identity.DisplayName = firstStringValue(raw, "name", "display_name")
	identity.FirstName = firstStringValue(raw, "first_name", "given_name")
	identity.LastName = firstStringValue(raw, "last_name", "family_name")
	if identity.FirstName == "" && identity.LastName == "" {
		identity.FirstName, identity.LastName = splitName(identity.DisplayName)
	}

	identity.Username = firstStringValue(raw, a.cfg.OptionOr(OptUsernameField, "username"), "username", "login", "preferred_username")
	if identity.Username == "" {
		identity.Username = emailLocalPart(identity.Email)
	}
	if identity.Username == "" {
		identity.Username = identity.RemoteID
	}

	if identity.RemoteID == "" {
		return nil, oautherrors.NewProviderError(a.cfg.ID(), oautherrors.StageIdentityFetch, errors.New("no user id in profile response"))
	}
	return identity, nil
}

func (a *OAuth2Adapter) Revoke(ctx context.Context, cred tokencodec.Credential) error {
	revokeURL := a.cfg.Option(OptRevokeURL)
	if revokeURL == "" {
		slog.Info("Provider has no revocation endpoint, skipping", "provider", a.cfg.ID())
		return nil
	}
	return revokeToken(ctx, a.httpClient, a.cfg.ID(), revokeURL,
		a.cfg.OptionOr(OptRevokeMethod, http.MethodPost),
		a.cfg.OptionOr(OptRevokeTokenParam, "token"),
		cred.AccessToken)
}

func (a *OAuth2Adapter) Serialize(cred tokencodec.Credential) (string, error) {
	return a.codec.Encode(cred)
}

func (a *OAuth2Adapter) Deserialize(s string) (tokencodec.Credential, error) {
	return a.codec.Decode(s)
}

func newOAuth2Config(cfg *ProviderConfig, authURL, tokenURL string) *oauth2.Config {
	style := oauth2.AuthStyleInParams
	if cfg.Option(OptAuthStyle) == "header" {
		style = oauth2.AuthStyleInHeader
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID(),
		ClientSecret: cfg.ClientSecret(),
		RedirectURL:  cfg.RedirectURL(),
		Scopes:       cfg.Scopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: style,
		},
	}
}

func buildAuthCodeURL(cfg *ProviderConfig, conf *oauth2.Config, state string, extra ...oauth2.AuthCodeOption) (*AuthorizationRequest, error) {
	if state == "" {
		return nil, errors.New("state is required")
	}

	opts := append([]oauth2.AuthCodeOption(nil), extra...)
	var pending Pending
	if cfg.BoolOption(OptPKCE) {
		pending.CodeVerifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(pending.CodeVerifier))
	}

	return &AuthorizationRequest{
		URL:     conf.AuthCodeURL(state, opts...),
		Pending: pending,
	}, nil
}

// exchangeCode trades the authorization code for a token. It is never retried:
// codes are single-use.
func exchangeCode(ctx context.Context, client *http.Client, conf *oauth2.Config, provider string, cb CallbackParams, pending Pending) (*oauth2.Token, error) {
	if cb.Code == "" {
		return nil, oautherrors.NewProviderError(provider, oautherrors.StageTokenExchange, errors.New("callback carries no authorization code"))
	}

	var opts []oauth2.AuthCodeOption
	if pending.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(pending.CodeVerifier))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	token, err := conf.Exchange(ctx, cb.Code, opts...)
	if err != nil {
		pe := oautherrors.NewProviderError(provider, oautherrors.StageTokenExchange, err)
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			pe.StatusCode = re.Response.StatusCode
		}
		return nil, pe
	}
	if token.AccessToken == "" {
		return nil, oautherrors.NewProviderError(provider, oautherrors.StageTokenExchange, errors.New("token response carries no access_token"))
	}
	return token, nil
}

func credentialFromToken(provider string, token *oauth2.Token) tokencodec.Credential {
	cred := tokencodec.Credential{
		Provider:     provider,
		Kind:         tokencodec.KindOAuth2,
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		Scope:        extraString(token.Extra("scope")),
		IDToken:      extraString(token.Extra("id_token")),
	}
	if !token.Expiry.IsZero() {
		cred.Expiry = token.Expiry.UTC()
	}
	if v := extraString(token.Extra("expires_in")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cred.ExpiresInSeconds = n
		}
	}
	if cred.ExpiresInSeconds == 0 {
		// Facebook's form-encoded responses use "expires"
		if v := extraString(token.Extra("expires")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				cred.ExpiresInSeconds = n
				if cred.Expiry.IsZero() {
					cred.Expiry = time.Now().Add(time.Duration(n) * time.Second).UTC()
				}
			}
		}
	}
	return cred
}

// extraString normalizes a value from oauth2.Token.Extra, which is a string
// for form-encoded responses and a JSON value otherwise.
func extraString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, fmt.Sprintf("%v", p))
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprintf("%v", t)
	}
}

// checkIDTokenAudience reads the aud claim of an id_token received directly
// from the token endpoint over TLS.
func checkIDTokenAudience(provider, rawIDToken, clientID string) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawIDToken, claims); err != nil {
		return oautherrors.NewProviderError(provider, oautherrors.StageValidation, fmt.Errorf("failed to parse id_token: %w", err))
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return oautherrors.NewProviderError(provider, oautherrors.StageValidation, fmt.Errorf("failed to read id_token audience: %w", err))
	}
	for _, a := range aud {
		if a == clientID {
			return nil
		}
	}

	slog.Warn("id_token audience mismatch", "provider", provider, "audience", strings.Join(aud, ","))
	return &oautherrors.TokenAudienceError{Provider: provider, Expected: clientID, Actual: strings.Join(aud, ",")}
}

func revokeToken(ctx context.Context, client *http.Client, provider, revokeURL, method, param, token string) error {
	if token == "" {
		return nil
	}

	u, err := url.Parse(revokeURL)
	if err != nil {
		return oautherrors.NewProviderError(provider, oautherrors.StageRevocation, err)
	}

	var req *http.Request
	method = strings.ToUpper(method)
	if method == http.MethodPost {
		form := url.Values{}
		form.Set(param, token)
		req, err = newRequest(ctx, method, u.String(), strings.NewReader(form.Encode()), provider, oautherrors.StageRevocation)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		q := u.Query()
		q.Set(param, token)
		u.RawQuery = q.Encode()
		req, err = newRequest(ctx, method, u.String(), nil, provider, oautherrors.StageRevocation)
		if err != nil {
			return err
		}
	}

	if err := doNoContent(client, req, provider, oautherrors.StageRevocation); err != nil {
		return err
	}
	slog.Info("Token revoked", "provider", provider)
	return nil
}

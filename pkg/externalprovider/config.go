package externalprovider

import (
	"net/url"
	"sort"
	"strings"

	oautherrors "github.com/tendant/portal-oauth/pkg/errors"
)

const (
	// PlaceholderCredential is shipped in sample configuration and must be
	// replaced before a provider can be used.
	PlaceholderCredential = "<<to be replaced>>"

	// ContainerPlaceholder in a redirect URL is replaced with the deployment's
	// container name.
	ContainerPlaceholder = "@@portal.container.name@@"

	DefaultBaseURL       = "http://localhost:8080"
	DefaultContainerName = "portal"
)

// Option keys understood by the adapters.
const (
	OptAuthURL           = "auth_url"
	OptTokenURL          = "token_url"
	OptUserInfoURL       = "userinfo_url"
	OptUserInfoFields    = "userinfo_fields"
	OptTokenInfoURL      = "tokeninfo_url"
	OptTokenInfoParam    = "tokeninfo_param"
	OptTokenInfoAppToken = "tokeninfo_app_token"
	OptAudienceField     = "audience_field"
	OptAudienceCheck     = "audience_check"
	OptRevokeURL         = "revoke_url"
	OptRevokeMethod      = "revoke_method"
	OptRevokeTokenParam  = "revoke_token_param"
	OptAuthStyle         = "auth_style"
	OptPKCE              = "pkce"
	OptAccessType        = "access_type"
	OptApplicationName   = "application_name"
	OptRequestTokenURL   = "request_token_url"
	OptAccessTokenURL    = "access_token_url"
	OptIDField           = "id_field"
	OptUsernameField     = "username_field"
)

type providerDefaults struct {
	scopes  []string
	options map[string]string
}

var defaults = map[string]providerDefaults{
	"google": {
		scopes: []string{"email", "profile"},
		options: map[string]string{
			OptAccessType:      "online",
			OptApplicationName: "GateIn portal",
			OptTokenInfoURL:    "https://www.googleapis.com/oauth2/v1/tokeninfo",
			OptUserInfoURL:     "https://www.googleapis.com/oauth2/v2/userinfo",
			OptRevokeURL:       "https://accounts.google.com/o/oauth2/revoke",
		},
	},
	"facebook": {
		scopes: []string{"email"},
		options: map[string]string{
			OptAuthURL:           "https://www.facebook.com/v19.0/dialog/oauth",
			OptTokenURL:          "https://graph.facebook.com/v19.0/oauth/access_token",
			OptUserInfoURL:       "https://graph.facebook.com/v19.0/me",
			OptUserInfoFields:    "id,name,first_name,last_name,email",
			OptTokenInfoURL:      "https://graph.facebook.com/debug_token",
			OptTokenInfoParam:    "input_token",
			OptTokenInfoAppToken: "true",
			OptAudienceField:     "data.app_id",
			OptRevokeURL:         "https://graph.facebook.com/v19.0/me/permissions",
			OptRevokeMethod:      "DELETE",
			OptRevokeTokenParam:  "access_token",
		},
	},
	"twitter": {
		options: map[string]string{
			OptRequestTokenURL: "https://api.twitter.com/oauth/request_token",
			OptAuthURL:         "https://api.twitter.com/oauth/authenticate",
			OptAccessTokenURL:  "https://api.twitter.com/oauth/access_token",
			OptUserInfoURL:     "https://api.twitter.com/1.1/account/verify_credentials.json",
			OptRevokeURL:       "https://api.twitter.com/1.1/oauth/invalidate_token",
		},
	},
}

// Settings is the raw, unvalidated configuration of one provider.
type Settings struct {
	ID           string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Options      map[string]string
}

// Deployment describes where the portal runs; it is used to resolve redirect
// URLs.
type Deployment struct {
	BaseURL       string
	ContainerName string
}

// ProviderConfig is the validated, immutable configuration of one provider.
// It is safe for concurrent use.
type ProviderConfig struct {
	id           string
	clientID     string
	clientSecret string
	redirectURL  string
	scopes       []string
	options      map[string]string
}

// CallbackPath returns the canonical callback path of a provider, for example
// "/googleAuth".
func CallbackPath(providerID string) string {
	return "/" + providerID + "Auth"
}

// NewProviderConfig validates s and resolves its redirect URL against d.
func NewProviderConfig(s Settings, d Deployment) (*ProviderConfig, error) {
	id := strings.ToLower(strings.TrimSpace(s.ID))
	if id == "" {
		return nil, &oautherrors.ConfigurationError{Provider: "<unnamed>", Field: "id", Reason: "is required"}
	}
	if err := checkCredential(id, "client_id", s.ClientID); err != nil {
		return nil, err
	}
	if err := checkCredential(id, "client_secret", s.ClientSecret); err != nil {
		return nil, err
	}

	redirectURL, err := resolveRedirectURL(id, s.RedirectURL, d)
	if err != nil {
		return nil, err
	}

	def := defaults[id]

	scopes := s.Scopes
	if len(scopes) == 0 {
		scopes = def.scopes
	}

	options := make(map[string]string, len(def.options)+len(s.Options))
	for k, v := range def.options {
		options[k] = v
	}
	for k, v := range s.Options {
		if v != "" {
			options[k] = v
		}
	}

	return &ProviderConfig{
		id:           id,
		clientID:     strings.TrimSpace(s.ClientID),
		clientSecret: strings.TrimSpace(s.ClientSecret),
		redirectURL:  redirectURL,
		scopes:       append([]string(nil), scopes...),
		options:      options,
	}, nil
}

func checkCredential(provider, field, value string) error {
	v := strings.TrimSpace(value)
	switch {
	case v == "":
		return &oautherrors.ConfigurationError{Provider: provider, Field: field, Reason: "is required"}
	case v == PlaceholderCredential:
		return &oautherrors.ConfigurationError{Provider: provider, Field: field, Reason: "still holds the placeholder value"}
	}
	return nil
}

func resolveRedirectURL(provider, configured string, d Deployment) (string, error) {
	container := strings.Trim(d.ContainerName, "/")
	if container == "" {
		container = DefaultContainerName
	}

	redirect := strings.TrimSpace(configured)
	if redirect == "" {
		base := strings.TrimRight(d.BaseURL, "/")
		if base == "" {
			base = DefaultBaseURL
		}
		redirect = base + "/" + container + CallbackPath(provider)
	} else {
		redirect = strings.ReplaceAll(redirect, ContainerPlaceholder, container)
	}

	u, err := url.Parse(redirect)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", &oautherrors.ConfigurationError{Provider: provider, Field: "redirect_url", Reason: "must be an absolute URL"}
	}
	return u.String(), nil
}

// IsPlaceholder reports whether a credential still holds the shipped
// placeholder or is empty.
func IsPlaceholder(value string) bool {
	v := strings.TrimSpace(value)
	return v == "" || v == PlaceholderCredential
}

func (c *ProviderConfig) ID() string           { return c.id }
func (c *ProviderConfig) ClientID() string     { return c.clientID }
func (c *ProviderConfig) ClientSecret() string { return c.clientSecret }
func (c *ProviderConfig) RedirectURL() string  { return c.redirectURL }

// Scopes returns a copy of the configured scopes
func (c *ProviderConfig) Scopes() []string {
	return append([]string(nil), c.scopes...)
}

// Option returns a provider-specific option or "" when unset
func (c *ProviderConfig) Option(key string) string {
	return c.options[key]
}

// OptionOr returns a provider-specific option or def when unset
func (c *ProviderConfig) OptionOr(key, def string) string {
	if v, ok := c.options[key]; ok && v != "" {
		return v
	}
	return def
}

// BoolOption interprets an option as a boolean flag
func (c *ProviderConfig) BoolOption(key string) bool {
	switch strings.ToLower(c.options[key]) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// OptionKeys returns the configured option names in sorted order
func (c *ProviderConfig) OptionKeys() []string {
	keys := make([]string, 0, len(c.options))
	for k := range c.options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

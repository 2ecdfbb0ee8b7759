package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jinzhu/copier"
	"github.com/tendant/portal-oauth/pkg/externalprovider"
)

const (
	EnableAuto  = "auto"
	EnableTrue  = "true"
	EnableFalse = "false"
)

// ProviderEnv is the environment block of one provider, read with a prefix
// such as GOOGLE_. With ENABLED=auto a provider still carrying placeholder
// credentials is skipped with a warning; ENABLED=true makes any
// misconfiguration fatal.
type ProviderEnv struct {
	Enabled       string   `env:"ENABLED" env-default:"auto"`
	DisplayName   string   `env:"DISPLAY_NAME"`
	ClientID      string   `env:"CLIENT_ID" env-default:"<<to be replaced>>"`
	ClientSecret  string   `env:"CLIENT_SECRET" env-default:"<<to be replaced>>"`
	RedirectURL   string   `env:"REDIRECT_URL"`
	Scopes        []string `env:"SCOPES" env-separator:","`
	AuthURL       string   `env:"AUTH_URL"`
	TokenURL      string   `env:"TOKEN_URL"`
	UserInfoURL   string   `env:"USERINFO_URL"`
	TokenInfoURL  string   `env:"TOKENINFO_URL"`
	RevokeURL     string   `env:"REVOKE_URL"`
	IDField       string   `env:"ID_FIELD"`
	UsernameField string   `env:"USERNAME_FIELD"`
}

// OAuthProvidersConfig holds the deployment and the provider blocks
type OAuthProvidersConfig struct {
	BaseURL            string `env:"PORTAL_BASE_URL" env-default:"http://localhost:8080"`
	ContainerName      string `env:"PORTAL_CONTAINER_NAME" env-default:"portal"`
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`
	HTTPTimeout        string `env:"OAUTH_HTTP_TIMEOUT" env-default:"30s"`
	DialTimeout        string `env:"OAUTH_DIAL_TIMEOUT" env-default:"10s"`

	Google   ProviderEnv `env-prefix:"GOOGLE_"`
	Facebook ProviderEnv `env-prefix:"FACEBOOK_"`
	Twitter  ProviderEnv `env-prefix:"TWITTER_"`

	GenericID string      `env:"GENERIC_PROVIDER_ID" env-default:"generic"`
	Generic   ProviderEnv `env-prefix:"GENERIC_"`
}

// ProviderEntry is a provider selected for registration
type ProviderEntry struct {
	Settings    externalprovider.Settings
	DisplayName string
	// Explicit is set when ENABLED=true; registration failures are then fatal.
	Explicit bool
}

// Deployment returns where the portal is served, for redirect URL resolution
func (c OAuthProvidersConfig) Deployment() externalprovider.Deployment {
	return externalprovider.Deployment{
		BaseURL:       c.BaseURL,
		ContainerName: c.ContainerName,
	}
}

// ParseTimeouts returns the connect and total timeouts of provider calls
func (c OAuthProvidersConfig) ParseTimeouts() (dial, total time.Duration, err error) {
	if dial, err = ParseDuration(c.DialTimeout); err != nil {
		return 0, 0, fmt.Errorf("failed to parse OAUTH_DIAL_TIMEOUT: %w", err)
	}
	if total, err = ParseDuration(c.HTTPTimeout); err != nil {
		return 0, 0, fmt.Errorf("failed to parse OAUTH_HTTP_TIMEOUT: %w", err)
	}
	return dial, total, nil
}

func (c OAuthProvidersConfig) Validate() ValidationErrors {
	errs := CollectErrors(
		RequireValidURL("PORTAL_BASE_URL", c.BaseURL),
		RequireNonEmpty("PORTAL_CONTAINER_NAME", c.ContainerName),
		RequireNonEmpty("GENERIC_PROVIDER_ID", c.GenericID),
		WhenSet(c.TokenEncryptionKey, func() *ValidationError {
			return RequireMinLength("TOKEN_ENCRYPTION_KEY", c.TokenEncryptionKey, 16)
		}),
	)
	for prefix, p := range c.blocks() {
		if verr := RequireOneOf(prefix+"ENABLED", p.Enabled, []string{EnableAuto, EnableTrue, EnableFalse}); verr != nil {
			errs = append(errs, *verr)
		}
	}
	if _, _, err := c.ParseTimeouts(); err != nil {
		errs = append(errs, ValidationError{Field: "OAUTH_HTTP_TIMEOUT", Message: err.Error()})
	}
	return errs
}

func (c OAuthProvidersConfig) blocks() map[string]ProviderEnv {
	return map[string]ProviderEnv{
		"GOOGLE_":   c.Google,
		"FACEBOOK_": c.Facebook,
		"TWITTER_":  c.Twitter,
		"GENERIC_":  c.Generic,
	}
}

// Providers returns the providers to register in a stable order. Disabled
// providers are left out, as are auto providers with placeholder credentials.
// An explicitly enabled provider with placeholder credentials is an error.
func (c OAuthProvidersConfig) Providers() ([]ProviderEntry, error) {
	ordered := []struct {
		id  string
		env ProviderEnv
	}{
		{"google", c.Google},
		{"facebook", c.Facebook},
		{"twitter", c.Twitter},
		{c.GenericID, c.Generic},
	}

	var entries []ProviderEntry
	for _, p := range ordered {
		switch p.env.Enabled {
		case EnableFalse:
			continue
		case EnableAuto:
			if externalprovider.IsPlaceholder(p.env.ClientID) || externalprovider.IsPlaceholder(p.env.ClientSecret) {
				slog.Warn("OAuth provider has placeholder credentials, leaving it disabled", "provider", p.id)
				continue
			}
		}

		settings, err := p.env.ToSettings(p.id)
		if err != nil {
			return nil, err
		}
		if p.env.Enabled == EnableTrue &&
			(externalprovider.IsPlaceholder(settings.ClientID) || externalprovider.IsPlaceholder(settings.ClientSecret)) {
			return nil, fmt.Errorf("provider %s is enabled but its credentials are not configured", p.id)
		}

		displayName := p.env.DisplayName
		if displayName == "" {
			displayName = strings.ToUpper(p.id[:1]) + p.id[1:]
		}
		entries = append(entries, ProviderEntry{
			Settings:    settings,
			DisplayName: displayName,
			Explicit:    p.env.Enabled == EnableTrue,
		})
	}
	return entries, nil
}

// ToSettings converts the environment block into provider settings
func (p ProviderEnv) ToSettings(id string) (externalprovider.Settings, error) {
	var settings externalprovider.Settings
	if err := copier.Copy(&settings, &p); err != nil {
		return externalprovider.Settings{}, fmt.Errorf("failed to copy %s settings: %w", id, err)
	}
	settings.ID = id

	options := map[string]string{
		externalprovider.OptAuthURL:       p.AuthURL,
		externalprovider.OptTokenURL:      p.TokenURL,
		externalprovider.OptUserInfoURL:   p.UserInfoURL,
		externalprovider.OptTokenInfoURL:  p.TokenInfoURL,
		externalprovider.OptRevokeURL:     p.RevokeURL,
		externalprovider.OptIDField:       p.IDField,
		externalprovider.OptUsernameField: p.UsernameField,
	}
	settings.Options = make(map[string]string)
	for k, v := range options {
		if v != "" {
			settings.Options[k] = v
		}
	}
	return settings, nil
}

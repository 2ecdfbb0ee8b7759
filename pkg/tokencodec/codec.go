// Package tokencodec serializes provider credentials for storage.
package tokencodec

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	oautherrors "github.com/tendant/portal-oauth/pkg/errors"
)

// Kind is the protocol family a credential belongs to.
type Kind string

const (
	KindOAuth2  Kind = "oauth2"
	KindOAuth1a Kind = "oauth1a"
)

// currentVersion is written into every encoded credential.
const currentVersion = 1

// Credential is a provider-issued access token plus whatever the protocol
// returns alongside it.
type Credential struct {
	Provider         string            `json:"provider,omitempty"`
	Kind             Kind              `json:"kind,omitempty"`
	AccessToken      string            `json:"access_token"`
	TokenSecret      string            `json:"token_secret,omitempty"`
	TokenType        string            `json:"token_type,omitempty"`
	RefreshToken     string            `json:"refresh_token,omitempty"`
	ExpiresInSeconds int64             `json:"expires_in,omitempty"`
	Expiry           time.Time         `json:"expiry,omitempty"`
	Scope            string            `json:"scope,omitempty"`
	IDToken          string            `json:"id_token,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

type envelope struct {
	Version int `json:"v"`
	Credential
}

// Codec converts credentials to and from a transport string suitable for
// storing in a user profile.
type Codec struct {
	sealer *Sealer
}

// New returns a plain JSON codec.
func New() *Codec {
	return &Codec{}
}

// NewSealedCodec returns a codec whose output is encrypted with sealer.
func NewSealedCodec(sealer *Sealer) *Codec {
	return &Codec{sealer: sealer}
}

// Encode serializes cred. Every field survives Decode unchanged.
func (c *Codec) Encode(cred Credential) (string, error) {
	if strings.TrimSpace(cred.AccessToken) == "" {
		return "", fmt.Errorf("cannot encode credential without access token")
	}

	data, err := json.Marshal(envelope{Version: currentVersion, Credential: cred})
	if err != nil {
		return "", fmt.Errorf("failed to marshal credential: %w", err)
	}

	if c.sealer == nil {
		return string(data), nil
	}
	return c.sealer.Seal(data)
}

// Decode parses a string produced by Encode. Unknown fields are ignored;
// corrupt input or a missing mandatory field yields a MalformedTokenError.
func (c *Codec) Decode(s string) (Credential, error) {
	if strings.TrimSpace(s) == "" {
		return Credential{}, &oautherrors.MalformedTokenError{Reason: "empty token string"}
	}

	data := []byte(s)
	if c.sealer != nil {
		opened, err := c.sealer.Open(s)
		if err != nil {
			return Credential{}, &oautherrors.MalformedTokenError{Reason: "cannot unseal token", Err: err}
		}
		data = opened
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Credential{}, &oautherrors.MalformedTokenError{Reason: "invalid token encoding", Err: err}
	}

	cred := env.Credential
	if cred.AccessToken == "" {
		return Credential{}, &oautherrors.MalformedTokenError{Reason: "missing access_token"}
	}
	if cred.Kind == KindOAuth1a && cred.TokenSecret == "" {
		return Credential{}, &oautherrors.MalformedTokenError{Reason: "missing token_secret"}
	}
	return cred, nil
}

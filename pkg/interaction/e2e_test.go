package interaction_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	oautherrors "github.com/tendant/portal-oauth/pkg/errors"
	"github.com/tendant/portal-oauth/pkg/externalprovider"
	"github.com/tendant/portal-oauth/pkg/interaction"
	"github.com/tendant/portal-oauth/pkg/linking"
	"github.com/tendant/portal-oauth/pkg/session"
	"github.com/tendant/portal-oauth/pkg/tokencodec"
)

func newGoogleServer(t *testing.T, exchanges *int32) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(exchanges, 1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "alice-access",
			"token_type":   "Bearer",
			"expires_in":   3599,
			"scope":        "email profile",
		})
	})
	mux.HandleFunc("/tokeninfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"issued_to": "portal-client",
			"audience":  "portal-client",
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":          "1087",
			"email":       "alice@example.com",
			"name":        "Alice Liddell",
			"given_name":  "Alice",
			"family_name": "Liddell",
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestGoogleLoginEndToEnd(t *testing.T) {
	ctx := context.Background()
	var exchanges int32
	server := newGoogleServer(t, &exchanges)

	sealer, err := tokencodec.NewSealer("end-to-end-encryption-key")
	require.NoError(t, err)

	cfg, err := externalprovider.NewProviderConfig(externalprovider.Settings{
		ID:           "google",
		ClientID:     "portal-client",
		ClientSecret: "portal-secret",
		Options: map[string]string{
			externalprovider.OptAuthURL:      server.URL + "/auth",
			externalprovider.OptTokenURL:     server.URL + "/token",
			externalprovider.OptTokenInfoURL: server.URL + "/tokeninfo",
			externalprovider.OptUserInfoURL:  server.URL + "/userinfo",
		},
	}, externalprovider.Deployment{ContainerName: "portal"})
	require.NoError(t, err)

	adapter, err := externalprovider.NewAdapter(cfg,
		externalprovider.WithHTTPClient(externalprovider.NewHTTPClient(time.Second, 5*time.Second)),
		externalprovider.WithCodec(tokencodec.NewSealedCodec(sealer)))
	require.NoError(t, err)

	registry := externalprovider.NewRegistry("/oauth")
	require.NoError(t, registry.Register(adapter, "Google", true))

	store := session.NewMemoryStore(time.Hour, time.Minute)
	orchestrator := interaction.New(store, registry)
	policy := linking.NewPolicy(linking.NewInMemoryAccountRepository(), registry)

	// begin
	outcome, err := orchestrator.Advance(ctx, "visitor", "google", interaction.RequestFromValues(url.Values{"interaction": {"start"}}))
	require.NoError(t, err)
	redirect, err := url.Parse(outcome.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "portal-client", redirect.Query().Get("client_id"))
	state := redirect.Query().Get("state")
	require.NotEmpty(t, state)

	// a forged callback is rejected before any provider call
	_, err = orchestrator.Advance(ctx, "visitor", "google", interaction.RequestFromValues(url.Values{
		"state": {"forged"},
		"code":  {"the-code"},
	}))
	assert.True(t, oautherrors.IsCode(err, oautherrors.ErrCodeCSRFValidation))
	assert.Equal(t, int32(0), atomic.LoadInt32(&exchanges))

	// restart and complete
	outcome, err = orchestrator.Advance(ctx, "visitor", "google", interaction.RequestFromValues(url.Values{"start": {"true"}}))
	require.NoError(t, err)
	redirect, err = url.Parse(outcome.RedirectURL)
	require.NoError(t, err)
	state = redirect.Query().Get("state")

	outcome, err = orchestrator.Advance(ctx, "visitor", "google", interaction.RequestFromValues(url.Values{
		"state": {state},
		"code":  {"the-code"},
	}))
	require.NoError(t, err)
	assert.Equal(t, interaction.PhaseCompleted, outcome.Phase)
	assert.Equal(t, "alice", outcome.Identity.Username)
	assert.Equal(t, int32(1), atomic.LoadInt32(&exchanges))

	decision, err := policy.Resolve(ctx, outcome.Identity, "")
	require.NoError(t, err)
	assert.Equal(t, linking.DecisionNeedsRegistration, decision.Kind)
	require.NotNil(t, decision.Profile)
	assert.Equal(t, "alice", decision.Profile.Username)
	assert.Equal(t, "alice@example.com", decision.Profile.Email)
	assert.NotContains(t, decision.Profile.Token, "alice-access")

	cred, err := adapter.Deserialize(decision.Profile.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice-access", cred.AccessToken)
}

package externalprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	oautherrors "github.com/tendant/portal-oauth/pkg/errors"
	"github.com/tendant/portal-oauth/pkg/tokencodec"
)

type fakeTwitter struct {
	server       *httptest.Server
	accessCalls  int32
	verifyCalls  int32
	revokeCalls  int32
	requestCalls int32
}

func newFakeTwitter(t *testing.T) *fakeTwitter {
	t.Helper()
	f := &fakeTwitter{}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/request_token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.requestCalls, 1)
		auth := r.Header.Get("Authorization")
		assert.True(t, strings.HasPrefix(auth, "OAuth "))
		assert.Contains(t, auth, `oauth_consumer_key="tw-key"`)
		assert.Contains(t, auth, "state%3Dtw-state")
		w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
		w.Write([]byte("oauth_token=req-token&oauth_token_secret=req-secret&oauth_callback_confirmed=true"))
	})
	mux.HandleFunc("/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.accessCalls, 1)
		auth := r.Header.Get("Authorization")
		assert.Contains(t, auth, `oauth_token="req-token"`)
		assert.Contains(t, auth, `oauth_verifier="the-verifier"`)
		w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
		w.Write([]byte("oauth_token=12557789-koko&oauth_token_secret=someTokenSecrets&user_id=12557789&screen_name=koko"))
	})
	mux.HandleFunc("/1.1/account/verify_credentials.json", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.verifyCalls, 1)
		assert.Contains(t, r.Header.Get("Authorization"), `oauth_token="12557789-koko"`)
		assert.Equal(t, "true", r.URL.Query().Get("include_email"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":          12557789,
			"id_str":      "12557789",
			"screen_name": "koko",
			"name":        "Koko Kokovic",
			"email":       "koko@example.com",
		})
	})
	mux.HandleFunc("/1.1/oauth/invalidate_token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.revokeCalls, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.Header.Get("Authorization"), `oauth_token="12557789-koko"`)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"12557789-koko"}`))
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func newTestTwitterAdapter(t *testing.T, f *fakeTwitter) *TwitterAdapter {
	t.Helper()
	cfg, err := NewProviderConfig(Settings{
		ID:           "twitter",
		ClientID:     "tw-key",
		ClientSecret: "tw-secret",
		Options: map[string]string{
			OptRequestTokenURL: f.server.URL + "/oauth/request_token",
			OptAuthURL:         f.server.URL + "/oauth/authenticate",
			OptAccessTokenURL:  f.server.URL + "/oauth/access_token",
			OptUserInfoURL:     f.server.URL + "/1.1/account/verify_credentials.json",
			OptRevokeURL:       f.server.URL + "/1.1/oauth/invalidate_token",
		},
	}, Deployment{})
	require.NoError(t, err)

	adapter, err := NewTwitterAdapter(cfg, WithHTTPClient(NewHTTPClient(time.Second, 5*time.Second)))
	require.NoError(t, err)
	return adapter
}

func TestTwitterBuildAuthorizationURL(t *testing.T) {
	f := newFakeTwitter(t)
	adapter := newTestTwitterAdapter(t, f)

	req, err := adapter.BuildAuthorizationURL(context.Background(), "tw-state")
	require.NoError(t, err)

	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	assert.Equal(t, "/oauth/authenticate", u.Path)
	assert.Equal(t, "req-token", u.Query().Get("oauth_token"))
	assert.Equal(t, Pending{RequestToken: "req-token", RequestSecret: "req-secret"}, req.Pending)
	assert.Equal(t, tokencodec.KindOAuth1a, adapter.Kind())
}

func TestTwitterCompleteHandshake(t *testing.T) {
	f := newFakeTwitter(t)
	adapter := newTestTwitterAdapter(t, f)
	pending := Pending{RequestToken: "req-token", RequestSecret: "req-secret"}

	identity, err := adapter.CompleteHandshake(context.Background(), CallbackParams{
		State:         "tw-state",
		OAuthToken:    "req-token",
		OAuthVerifier: "the-verifier",
	}, pending)
	require.NoError(t, err)

	assert.Equal(t, "twitter", identity.Provider)
	assert.Equal(t, "12557789", identity.RemoteID)
	assert.Equal(t, "koko", identity.Username)
	assert.Equal(t, "Koko", identity.FirstName)
	assert.Equal(t, "Kokovic", identity.LastName)
	assert.Equal(t, "koko@example.com", identity.Email)
	assert.Equal(t, "12557789-koko", identity.Credential.AccessToken)
	assert.Equal(t, "someTokenSecrets", identity.Credential.TokenSecret)

	encoded, err := adapter.Serialize(identity.Credential)
	require.NoError(t, err)
	decoded, err := adapter.Deserialize(encoded)
	require.NoError(t, err)
	assert.Equal(t, identity.Credential, decoded)
}

func TestTwitterRequestTokenMismatch(t *testing.T) {
	f := newFakeTwitter(t)
	adapter := newTestTwitterAdapter(t, f)

	_, err := adapter.CompleteHandshake(context.Background(), CallbackParams{
		OAuthToken:    "forged-token",
		OAuthVerifier: "the-verifier",
	}, Pending{RequestToken: "req-token", RequestSecret: "req-secret"})

	assert.True(t, oautherrors.IsCode(err, oautherrors.ErrCodeCSRFValidation))
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.accessCalls))
}

func TestTwitterDenied(t *testing.T) {
	f := newFakeTwitter(t)
	adapter := newTestTwitterAdapter(t, f)

	_, err := adapter.CompleteHandshake(context.Background(), CallbackParams{Denied: "req-token"},
		Pending{RequestToken: "req-token", RequestSecret: "req-secret"})

	var pce *oautherrors.ProviderCommunicationError
	require.ErrorAs(t, err, &pce)
	assert.Equal(t, oautherrors.StageAuthorization, pce.Stage)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.accessCalls))
}

func TestTwitterRevoke(t *testing.T) {
	f := newFakeTwitter(t)
	adapter := newTestTwitterAdapter(t, f)

	err := adapter.Revoke(context.Background(), tokencodec.Credential{
		Kind:        tokencodec.KindOAuth1a,
		AccessToken: "12557789-koko",
		TokenSecret: "someTokenSecrets",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.revokeCalls))
}

func TestTwitterRequestTokenFailure(t *testing.T) {
	f := newFakeTwitter(t)
	adapter := newTestTwitterAdapter(t, f)
	f.server.Close()

	_, err := adapter.BuildAuthorizationURL(context.Background(), "tw-state")

	var pce *oautherrors.ProviderCommunicationError
	require.ErrorAs(t, err, &pce)
	assert.Equal(t, oautherrors.StageAuthorization, pce.Stage)
}

type countingTransport struct {
	calls int32
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	atomic.AddInt32(&c.calls, 1)
	return http.DefaultTransport.RoundTrip(r)
}

func TestTwitterUsesConfiguredHTTPClient(t *testing.T) {
	f := newFakeTwitter(t)
	cfg := newTestTwitterAdapter(t, f).cfg
	transport := &countingTransport{}
	adapter, err := NewTwitterAdapter(cfg, WithHTTPClient(&http.Client{Transport: transport, Timeout: 5 * time.Second}))
	require.NoError(t, err)

	_, err = adapter.BuildAuthorizationURL(context.Background(), "tw-state")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.requestCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&transport.calls), "request token call must go through the configured client")

	_, err = adapter.CompleteHandshake(context.Background(), CallbackParams{
		State:         "tw-state",
		OAuthToken:    "req-token",
		OAuthVerifier: "the-verifier",
	}, Pending{RequestToken: "req-token", RequestSecret: "req-secret"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&transport.calls), "access token and identity calls must go through the configured client")
}

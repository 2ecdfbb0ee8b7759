package externalprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	oautherrors "github.com/tendant/portal-oauth/pkg/errors"
	"github.com/tendant/portal-oauth/pkg/tokencodec"
)

type fakeGoogle struct {
	server        *httptest.Server
	issuedTo      string
	idTokenAud    string
	tokenStatus   int
	tokenCalls    int32
	infoCalls     int32
	userinfoCalls int32
	revokeCalls   int32

	mu           sync.Mutex
	lastCode     string
	lastVerifier string
}

func newFakeGoogle(t *testing.T, configure ...func(*fakeGoogle)) *fakeGoogle {
	t.Helper()
	f := &fakeGoogle{issuedTo: "google-client", tokenStatus: http.StatusOK}
	for _, c := range configure {
		c(f)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.tokenCalls, 1)
		assert.NoError(t, r.ParseForm())
		f.mu.Lock()
		f.lastCode = r.PostForm.Get("code")
		f.lastVerifier = r.PostForm.Get("code_verifier")
		f.mu.Unlock()

		if f.tokenStatus != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.tokenStatus)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}

		resp := map[string]interface{}{
			"access_token":  "google-access",
			"token_type":    "Bearer",
			"expires_in":    3599,
			"refresh_token": "google-refresh",
			"scope":         "email profile",
		}
		if f.idTokenAud != "" {
			resp["id_token"] = signedIDToken(t, f.idTokenAud)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/tokeninfo", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.infoCalls, 1)
		assert.Equal(t, "google-access", r.URL.Query().Get("access_token"))
		assert.Equal(t, "GateIn portal", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"issued_to":  f.issuedTo,
			"audience":   f.issuedTo,
			"expires_in": 3500,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.userinfoCalls, 1)
		assert.Equal(t, "Bearer google-access", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":             "1087",
			"email":          "alice@example.com",
			"verified_email": true,
			"name":           "Alice Liddell",
			"given_name":     "Alice",
			"family_name":    "Liddell",
		})
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.revokeCalls, 1)
		if r.URL.Query().Get("token") != "google-access" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeGoogle) lastExchange() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCode, f.lastVerifier
}

func (f *fakeGoogle) options() map[string]string {
	return map[string]string{
		OptAuthURL:      f.server.URL + "/auth",
		OptTokenURL:     f.server.URL + "/token",
		OptTokenInfoURL: f.server.URL + "/tokeninfo",
		OptUserInfoURL:  f.server.URL + "/userinfo",
		OptRevokeURL:    f.server.URL + "/revoke",
	}
}

func signedIDToken(t *testing.T, aud string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "https://accounts.google.com",
		"aud": aud,
		"sub": "1087",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := token.SignedString([]byte("test-key"))
	assert.NoError(t, err)
	return s
}

func newTestGoogleAdapter(t *testing.T, f *fakeGoogle, extra map[string]string) *GoogleAdapter {
	t.Helper()
	options := f.options()
	for k, v := range extra {
		options[k] = v
	}
	cfg, err := NewProviderConfig(Settings{
		ID:           "google",
		ClientID:     "google-client",
		ClientSecret: "google-secret",
		Options:      options,
	}, Deployment{ContainerName: "portal"})
	require.NoError(t, err)

	adapter, err := NewGoogleAdapter(cfg, WithHTTPClient(NewHTTPClient(time.Second, 5*time.Second)))
	require.NoError(t, err)
	return adapter
}

func TestGoogleBuildAuthorizationURL(t *testing.T) {
	f := newFakeGoogle(t)
	adapter := newTestGoogleAdapter(t, f, nil)

	req, err := adapter.BuildAuthorizationURL(context.Background(), "state-123")
	require.NoError(t, err)

	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, f.server.URL+"/auth", u.Scheme+"://"+u.Host+u.Path)
	assert.Equal(t, "google-client", q.Get("client_id"))
	assert.Equal(t, "http://localhost:8080/portal/googleAuth", q.Get("redirect_uri"))
	assert.Equal(t, "email profile", q.Get("scope"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "online", q.Get("access_type"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Empty(t, q.Get("code_challenge"))
	assert.Empty(t, req.Pending.CodeVerifier)
}

func TestGoogleBuildAuthorizationURLWithPKCE(t *testing.T) {
	f := newFakeGoogle(t)
	adapter := newTestGoogleAdapter(t, f, map[string]string{OptPKCE: "true"})

	req, err := adapter.BuildAuthorizationURL(context.Background(), "state-123")
	require.NoError(t, err)

	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	assert.Equal(t, "S256", u.Query().Get("code_challenge_method"))
	assert.NotEmpty(t, u.Query().Get("code_challenge"))
	require.NotEmpty(t, req.Pending.CodeVerifier)

	_, err = adapter.CompleteHandshake(context.Background(), CallbackParams{State: "state-123", Code: "auth-code"}, req.Pending)
	require.NoError(t, err)
	_, verifier := f.lastExchange()
	assert.Equal(t, req.Pending.CodeVerifier, verifier)
}

func TestGoogleCompleteHandshake(t *testing.T) {
	f := newFakeGoogle(t, func(f *fakeGoogle) { f.idTokenAud = "google-client" })
	adapter := newTestGoogleAdapter(t, f, nil)

	identity, err := adapter.CompleteHandshake(context.Background(), CallbackParams{State: "s", Code: "auth-code"}, Pending{})
	require.NoError(t, err)

	code, _ := f.lastExchange()
	assert.Equal(t, "auth-code", code)
	assert.Equal(t, "google", identity.Provider)
	assert.Equal(t, "1087", identity.RemoteID)
	assert.Equal(t, "alice", identity.Username)
	assert.Equal(t, "Alice Liddell", identity.DisplayName)
	assert.Equal(t, "Alice", identity.FirstName)
	assert.Equal(t, "Liddell", identity.LastName)
	assert.Equal(t, "alice@example.com", identity.Email)

	cred := identity.Credential
	assert.Equal(t, "google-access", cred.AccessToken)
	assert.Equal(t, "google-refresh", cred.RefreshToken)
	assert.Equal(t, int64(3599), cred.ExpiresInSeconds)
	assert.Equal(t, "email profile", cred.Scope)
	assert.NotEmpty(t, cred.IDToken)
	assert.False(t, cred.Expiry.IsZero())
	assert.Equal(t, tokencodec.KindOAuth2, cred.Kind)

	encoded, err := adapter.Serialize(cred)
	require.NoError(t, err)
	decoded, err := adapter.Deserialize(encoded)
	require.NoError(t, err)
	assert.Equal(t, cred, decoded)
}

func TestGoogleAudienceMismatchAbortsBeforeIdentityFetch(t *testing.T) {
	f := newFakeGoogle(t, func(f *fakeGoogle) { f.issuedTo = "someone-else" })
	adapter := newTestGoogleAdapter(t, f, nil)

	_, err := adapter.CompleteHandshake(context.Background(), CallbackParams{Code: "auth-code"}, Pending{})

	var audErr *oautherrors.TokenAudienceError
	require.ErrorAs(t, err, &audErr)
	assert.Equal(t, "google-client", audErr.Expected)
	assert.Equal(t, "someone-else", audErr.Actual)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.tokenCalls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.userinfoCalls))
}

func TestGoogleIDTokenAudienceMismatch(t *testing.T) {
	f := newFakeGoogle(t, func(f *fakeGoogle) { f.idTokenAud = "other-client" })
	adapter := newTestGoogleAdapter(t, f, nil)

	_, err := adapter.CompleteHandshake(context.Background(), CallbackParams{Code: "auth-code"}, Pending{})

	assert.True(t, oautherrors.IsCode(err, oautherrors.ErrCodeTokenAudience))
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.userinfoCalls))
}

func TestGoogleTokenExchangeFailure(t *testing.T) {
	f := newFakeGoogle(t, func(f *fakeGoogle) { f.tokenStatus = http.StatusBadRequest })
	adapter := newTestGoogleAdapter(t, f, nil)

	_, err := adapter.CompleteHandshake(context.Background(), CallbackParams{Code: "used-code"}, Pending{})

	var pce *oautherrors.ProviderCommunicationError
	require.ErrorAs(t, err, &pce)
	assert.Equal(t, "google", pce.Provider)
	assert.Equal(t, oautherrors.StageTokenExchange, pce.Stage)
	assert.Equal(t, http.StatusBadRequest, pce.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.tokenCalls), "exchange must not be retried")
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.infoCalls))
}

func TestGoogleMissingCode(t *testing.T) {
	f := newFakeGoogle(t)
	adapter := newTestGoogleAdapter(t, f, nil)

	_, err := adapter.CompleteHandshake(context.Background(), CallbackParams{State: "s"}, Pending{})

	var pce *oautherrors.ProviderCommunicationError
	require.ErrorAs(t, err, &pce)
	assert.Equal(t, oautherrors.StageTokenExchange, pce.Stage)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.tokenCalls))
}

func TestGoogleUnreachableProvider(t *testing.T) {
	f := newFakeGoogle(t)
	adapter := newTestGoogleAdapter(t, f, nil)
	f.server.Close()

	_, err := adapter.CompleteHandshake(context.Background(), CallbackParams{Code: "auth-code"}, Pending{})

	var pce *oautherrors.ProviderCommunicationError
	require.ErrorAs(t, err, &pce)
	assert.Equal(t, oautherrors.StageTokenExchange, pce.Stage)
}

func TestGoogleRevoke(t *testing.T) {
	f := newFakeGoogle(t)
	adapter := newTestGoogleAdapter(t, f, nil)

	require.NoError(t, adapter.Revoke(context.Background(), tokencodec.Credential{AccessToken: "google-access"}))

	err := adapter.Revoke(context.Background(), tokencodec.Credential{AccessToken: "unknown"})
	var pce *oautherrors.ProviderCommunicationError
	require.ErrorAs(t, err, &pce)
	assert.Equal(t, oautherrors.StageRevocation, pce.Stage)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.revokeCalls))
}

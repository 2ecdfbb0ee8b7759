package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	oautherrors "github.com/tendant/portal-oauth/pkg/errors"
)

func TestLimiterBurst(t *testing.T) {
	limiter := NewLimiter(60, 3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.AllowAt("10.0.0.1", now), "request %d", i)
	}
	assert.False(t, limiter.AllowAt("10.0.0.1", now))

	// other keys have their own bucket
	assert.True(t, limiter.AllowAt("10.0.0.2", now))

	// one token per second at 60/min
	assert.True(t, limiter.AllowAt("10.0.0.1", now.Add(1100*time.Millisecond)))
	assert.Equal(t, 2, limiter.ActiveBuckets())

	limiter.Remove("10.0.0.1")
	assert.Equal(t, 1, limiter.ActiveBuckets())
	assert.True(t, limiter.AllowAt("10.0.0.1", now))
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(1, 2, time.Minute)
	handler := NewMiddleware(limiter, WithRetryAfter(30)).Handler(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))

	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/portal/oauth/google", nil)
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusNoContent, send("192.0.2.1:1234").Code)
	assert.Equal(t, http.StatusNoContent, send("192.0.2.1:5678").Code)

	rr := send("192.0.2.1:9999")
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "30", rr.Header().Get("Retry-After"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, string(oautherrors.ErrCodeRateLimited), body["code"])

	assert.Equal(t, http.StatusNoContent, send("192.0.2.2:1234").Code)
}

func TestMiddlewareEmptyKeyIsNotLimited(t *testing.T) {
	limiter := NewLimiter(1, 1, time.Minute)
	handler := NewMiddleware(limiter, WithKeyFunc(func(*http.Request) string { return "" })).Handler(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
	}
	assert.Equal(t, 0, limiter.ActiveBuckets())
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ClientIP(req))

	req.RemoteAddr = "203.0.113.9"
	assert.Equal(t, "203.0.113.9", ClientIP(req))
}

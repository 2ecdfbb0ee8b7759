package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/render"
	oautherrors "github.com/tendant/portal-oauth/pkg/errors"
)

// KeyFunc extracts the rate limit key from a request. An empty key is not
// limited.
type KeyFunc func(r *http.Request) string

// Middleware rejects requests over the limit with 429
type Middleware struct {
	limiter    *Limiter
	key        KeyFunc
	retryAfter int
}

type MiddlewareOption func(*Middleware)

// WithKeyFunc replaces the default client IP key
func WithKeyFunc(fn KeyFunc) MiddlewareOption {
	return func(m *Middleware) {
		m.key = fn
	}
}

// WithRetryAfter sets the Retry-After header value in seconds
func WithRetryAfter(seconds int) MiddlewareOption {
	return func(m *Middleware) {
		m.retryAfter = seconds
	}
}

func NewMiddleware(limiter *Limiter, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		limiter:    limiter,
		key:        ClientIP,
		retryAfter: 60,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.key(r)
		if key != "" && !m.limiter.Allow(key) {
			slog.Warn("Rate limit exceeded", "key", key, "path", r.URL.Path, "method", r.Method)

			w.Header().Set("Retry-After", strconv.Itoa(m.retryAfter))
			render.Status(r, http.StatusTooManyRequests)
			render.JSON(w, r, map[string]string{
				"error": "Too many requests. Please try again later.",
				"code":  string(oautherrors.ErrCodeRateLimited),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP keys by the remote address. Behind a proxy, mount chi's RealIP
// middleware first so RemoteAddr holds the client address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

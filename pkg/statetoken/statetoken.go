// Package statetoken issues and verifies single-use anti-forgery tokens that
// are bound to a session and expire after a maximum age.
package statetoken

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/portal-oauth/pkg/session"
)

const (
	// TokenBytes is the amount of randomness in a token (256 bits).
	TokenBytes = 32

	// DefaultMaxAge bounds how long an issued token stays verifiable.
	DefaultMaxAge = 15 * time.Minute
)

// Generate returns a fresh URL-safe random token read from crypto/rand.
func Generate() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Token is a pending state token as kept in the session store. Payload is
// opaque caller data stored and consumed together with the token.
type Token struct {
	Value    string          `json:"value"`
	IssuedAt time.Time       `json:"issued_at"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Matches reports whether supplied equals the token and the token is no older
// than maxAge at now. The comparison is constant time.
func (t Token) Matches(supplied string, now time.Time, maxAge time.Duration) bool {
	return t.check(supplied, now, maxAge) == nil
}

func (t Token) check(supplied string, now time.Time, maxAge time.Duration) error {
	if t.Value == "" {
		return ErrNoPendingToken
	}
	if maxAge > 0 && now.Sub(t.IssuedAt) > maxAge {
		return ErrTokenExpired
	}
	if supplied == "" || subtle.ConstantTimeCompare([]byte(t.Value), []byte(supplied)) != 1 {
		return ErrTokenMismatch
	}
	return nil
}

var (
	ErrNoPendingToken = errors.New("no pending state token")
	ErrTokenExpired   = errors.New("state token expired")
	ErrTokenMismatch  = errors.New("state token mismatch")
)

// Manager issues and verifies state tokens bound to a session.
type Manager struct {
	store  session.Store
	key    string
	maxAge time.Duration
	now    func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithMaxAge sets the maximum age of a verifiable token
func WithMaxAge(d time.Duration) Option {
	return func(m *Manager) {
		m.maxAge = d
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager that keeps its token under key in each session.
func NewManager(store session.Store, key string, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		key:    key,
		maxAge: DefaultMaxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxAge returns the configured maximum token age
func (m *Manager) MaxAge() time.Duration {
	return m.maxAge
}

// NewToken generates a token without storing it.
func (m *Manager) NewToken() (Token, error) {
	value, err := Generate()
	if err != nil {
		return Token{}, err
	}
	return Token{Value: value, IssuedAt: m.now()}, nil
}

// Save stores tok as the pending token of the session, replacing any other.
func (m *Manager) Save(ctx context.Context, sessionID string, tok Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to marshal state token: %w", err)
	}
	if err := m.store.Set(ctx, sessionID, m.key, data, m.maxAge); err != nil {
		return fmt.Errorf("failed to store state token: %w", err)
	}
	return nil
}

// Issue generates and stores a token for the session, replacing any pending
// one.
func (m *Manager) Issue(ctx context.Context, sessionID string) (string, error) {
	tok, err := m.NewToken()
	if err != nil {
		return "", err
	}
	if err := m.Save(ctx, sessionID, tok); err != nil {
		return "", err
	}
	return tok.Value, nil
}

// Consume removes the pending token of the session and returns it when it
// matches supplied. The token is removed whatever the outcome, so a token is
// consumed at most once. The error is ErrNoPendingToken, ErrTokenExpired or
// ErrTokenMismatch when the token does not verify.
func (m *Manager) Consume(ctx context.Context, sessionID, supplied string) (*Token, error) {
	var pending *Token

	err := m.store.Update(ctx, sessionID, m.key, m.maxAge, func(current []byte) ([]byte, error) {
		pending = nil
		if current == nil {
			return nil, nil
		}
		var tok Token
		if err := json.Unmarshal(current, &tok); err != nil {
			slog.Warn("Discarding unreadable state token", "error", err)
			return nil, nil
		}
		pending = &tok
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume state token: %w", err)
	}
	if pending == nil {
		return nil, ErrNoPendingToken
	}
	if err := pending.check(supplied, m.now(), m.maxAge); err != nil {
		return nil, err
	}
	return pending, nil
}

// Verify consumes the pending token for the session and reports whether it
// matched supplied.
func (m *Manager) Verify(ctx context.Context, sessionID, supplied string) bool {
	_, err := m.Consume(ctx, sessionID, supplied)
	if err != nil && !errors.Is(err, ErrNoPendingToken) && !errors.Is(err, ErrTokenExpired) && !errors.Is(err, ErrTokenMismatch) {
		slog.Error("Failed to verify state token", "error", err)
	}
	return err == nil
}

// Peek returns the pending token without consuming it. Expired tokens are
// reported as ErrTokenExpired.
func (m *Manager) Peek(ctx context.Context, sessionID string) (*Token, error) {
	data, err := m.store.Get(ctx, sessionID, m.key)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrNoPendingToken
		}
		return nil, fmt.Errorf("failed to read state token: %w", err)
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, ErrNoPendingToken
	}
	if m.maxAge > 0 && m.now().Sub(tok.IssuedAt) > m.maxAge {
		return nil, ErrTokenExpired
	}
	return &tok, nil
}

// Discard removes any pending token for the session.
func (m *Manager) Discard(ctx context.Context, sessionID string) error {
	return m.store.Remove(ctx, sessionID, m.key)
}

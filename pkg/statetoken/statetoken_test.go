package statetoken

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/portal-oauth/pkg/session"
)

func setupManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	store := session.NewMemoryStore(time.Hour, time.Hour)
	return NewManager(store, "oauth.test.state", opts...)
}

func TestGenerate(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)

	raw, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(raw)*8, 128)
}

func TestVerifyIsSingleUse(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)

	token, err := m.Issue(ctx, "session-1")
	require.NoError(t, err)

	assert.True(t, m.Verify(ctx, "session-1", token))
	assert.False(t, m.Verify(ctx, "session-1", token), "second verification must fail")
}

func TestVerifyMismatchConsumes(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)

	token, err := m.Issue(ctx, "session-1")
	require.NoError(t, err)

	assert.False(t, m.Verify(ctx, "session-1", "forged"))
	assert.False(t, m.Verify(ctx, "session-1", token))
}

func TestVerifyWithoutPendingToken(t *testing.T) {
	m := setupManager(t)
	assert.False(t, m.Verify(context.Background(), "session-1", "anything"))
	assert.False(t, m.Verify(context.Background(), "session-1", ""))
}

func TestVerifyIsBoundToSession(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)

	token, err := m.Issue(ctx, "session-1")
	require.NoError(t, err)

	assert.False(t, m.Verify(ctx, "session-2", token))
	assert.True(t, m.Verify(ctx, "session-1", token))
}

func TestIssueOverwritesPendingToken(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)

	first, err := m.Issue(ctx, "session-1")
	require.NoError(t, err)
	second, err := m.Issue(ctx, "session-1")
	require.NoError(t, err)

	assert.False(t, m.Verify(ctx, "session-1", first))

	third, err := m.Issue(ctx, "session-1")
	require.NoError(t, err)
	assert.NotEqual(t, second, third)
	assert.True(t, m.Verify(ctx, "session-1", third))
}

func TestVerifyExpiredToken(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := setupManager(t, WithClock(func() time.Time { return now }))

	token, err := m.Issue(ctx, "session-1")
	require.NoError(t, err)

	now = now.Add(DefaultMaxAge + time.Second)
	assert.False(t, m.Verify(ctx, "session-1", token))
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)

	token, err := m.Issue(ctx, "session-1")
	require.NoError(t, err)
	require.NoError(t, m.Discard(ctx, "session-1"))
	require.NoError(t, m.Discard(ctx, "session-1"))

	assert.False(t, m.Verify(ctx, "session-1", token))
}

func TestConcurrentVerifySucceedsOnce(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)

	token, err := m.Issue(ctx, "session-1")
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Verify(ctx, "session-1", token) {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

func TestTokenMatches(t *testing.T) {
	issued := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tok := Token{Value: "abc", IssuedAt: issued}

	assert.True(t, tok.Matches("abc", issued.Add(time.Minute), DefaultMaxAge))
	assert.False(t, tok.Matches("xyz", issued.Add(time.Minute), DefaultMaxAge))
	assert.False(t, tok.Matches("ab", issued.Add(time.Minute), DefaultMaxAge))
	assert.False(t, tok.Matches("abc", issued.Add(16*time.Minute), DefaultMaxAge))
	assert.False(t, Token{}.Matches("", issued, DefaultMaxAge))
}

func TestConsumeReturnsPayload(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)

	tok, err := m.NewToken()
	require.NoError(t, err)
	tok.Payload = []byte(`{"phase":"AWAITING_CALLBACK"}`)
	require.NoError(t, m.Save(ctx, "session-1", tok))

	peeked, err := m.Peek(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, tok.Value, peeked.Value)

	consumed, err := m.Consume(ctx, "session-1", tok.Value)
	require.NoError(t, err)
	assert.JSONEq(t, `{"phase":"AWAITING_CALLBACK"}`, string(consumed.Payload))

	_, err = m.Peek(ctx, "session-1")
	assert.ErrorIs(t, err, ErrNoPendingToken)
}

func TestConsumeReasons(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := setupManager(t, WithClock(func() time.Time { return now }))

	_, err := m.Consume(ctx, "session-1", "anything")
	assert.ErrorIs(t, err, ErrNoPendingToken)

	_, err = m.Issue(ctx, "session-1")
	require.NoError(t, err)
	_, err = m.Consume(ctx, "session-1", "forged")
	assert.ErrorIs(t, err, ErrTokenMismatch)

	token, err := m.Issue(ctx, "session-1")
	require.NoError(t, err)
	now = now.Add(DefaultMaxAge + time.Second)
	_, err = m.Peek(ctx, "session-1")
	assert.ErrorIs(t, err, ErrTokenExpired)
	_, err = m.Consume(ctx, "session-1", token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

package interaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	oautherrors "github.com/tendant/portal-oauth/pkg/errors"
	"github.com/tendant/portal-oauth/pkg/externalprovider"
	"github.com/tendant/portal-oauth/pkg/metrics"
	"github.com/tendant/portal-oauth/pkg/session"
	"github.com/tendant/portal-oauth/pkg/statetoken"
)

// AdapterSource resolves enabled provider adapters. *externalprovider.Registry
// implements it.
type AdapterSource interface {
	Get(providerID string) (externalprovider.Adapter, error)
}

// Orchestrator drives the login interaction of a session with one provider:
// INIT, then AWAITING_CALLBACK after the redirect, then COMPLETED. Any failure
// returns the session to INIT.
type Orchestrator struct {
	store       session.Store
	adapters    AdapterSource
	stateMaxAge time.Duration
	recordTTL   time.Duration
	now         func() time.Time
	metrics     *metrics.Metrics
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithStateMaxAge sets how long a callback is accepted after the redirect
func WithStateMaxAge(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.stateMaxAge = d
	}
}

// WithRecordTTL sets the store TTL of interaction records. It defaults to the
// state max age.
func WithRecordTTL(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.recordTTL = d
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithMetrics records interaction outcomes and provider errors
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// New creates an Orchestrator
func New(store session.Store, adapters AdapterSource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		adapters:    adapters,
		stateMaxAge: statetoken.DefaultMaxAge,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.recordTTL <= 0 {
		o.recordTTL = o.stateMaxAge
	}
	return o
}

func (o *Orchestrator) tokens(providerID string) *statetoken.Manager {
	return statetoken.NewManager(o.store, SessionKey(providerID),
		statetoken.WithMaxAge(o.recordTTL),
		statetoken.WithClock(o.now))
}

// Advance is the single entry point of the provider endpoint. A restart
// discards the current interaction first. Callback parameters complete the
// interaction; anything else starts a new one.
func (o *Orchestrator) Advance(ctx context.Context, sessionID, providerID string, req Request) (*Outcome, error) {
	if req.Restart {
		if err := o.Reset(ctx, sessionID, providerID); err != nil {
			return nil, err
		}
		slog.Info("OAuth interaction restarted", "provider", providerID)
	}

	if req.Params.IsCallback() {
		return o.Callback(ctx, sessionID, providerID, req.Params)
	}
	return o.Begin(ctx, sessionID, providerID)
}

// Begin issues a fresh state token, asks the adapter for the authorization URL
// and moves the session to AWAITING_CALLBACK. A pending interaction is
// replaced, which invalidates its state token.
func (o *Orchestrator) Begin(ctx context.Context, sessionID, providerID string) (*Outcome, error) {
	adapter, err := o.adapters.Get(providerID)
	if err != nil {
		return nil, err
	}

	tokens := o.tokens(providerID)
	tok, err := tokens.NewToken()
	if err != nil {
		return nil, fmt.Errorf("failed to issue state token: %w", err)
	}

	authReq, err := adapter.BuildAuthorizationURL(ctx, tok.Value)
	if err != nil {
		o.abort(ctx, sessionID, providerID, err)
		return nil, err
	}

	tok.Payload, err = json.Marshal(record{
		Phase:     PhaseAwaitingCallback,
		Pending:   authReq.Pending,
		CreatedAt: tok.IssuedAt,
		ExpiresAt: tok.IssuedAt.Add(o.stateMaxAge),
	})
	if err != nil {
		o.abort(ctx, sessionID, providerID, err)
		return nil, fmt.Errorf("failed to marshal interaction record: %w", err)
	}
	if err := tokens.Save(ctx, sessionID, tok); err != nil {
		o.abort(ctx, sessionID, providerID, err)
		return nil, err
	}

	slog.Info("OAuth interaction started", "provider", providerID)
	o.metrics.RecordInteraction(providerID, metrics.OutcomeRedirect)

	return &Outcome{Phase: PhaseAwaitingCallback, RedirectURL: authReq.URL}, nil
}

// Callback validates the returned state and completes the handshake. The
// interaction is consumed before anything else, so a callback is processed at
// most once and a rejected one never reaches the provider.
func (o *Orchestrator) Callback(ctx context.Context, sessionID, providerID string, params externalprovider.CallbackParams) (*Outcome, error) {
	adapter, err := o.adapters.Get(providerID)
	if err != nil {
		return nil, err
	}

	tok, err := o.tokens(providerID).Consume(ctx, sessionID, params.State)
	var rec *record
	if err == nil {
		if rec, err = decodeRecord(tok.Payload); err != nil {
			slog.Warn("Discarding unreadable interaction record", "provider", providerID, "error", err)
			err = statetoken.ErrNoPendingToken
		}
	}
	if err == nil && rec.expired(o.now()) {
		err = statetoken.ErrTokenExpired
	}

	if err != nil {
		var reason string
		switch {
		case errors.Is(err, statetoken.ErrNoPendingToken):
			reason = "no interaction in progress"
		case errors.Is(err, statetoken.ErrTokenExpired):
			reason = "interaction expired"
		case errors.Is(err, statetoken.ErrTokenMismatch):
			reason = "state mismatch"
		default:
			o.abort(ctx, sessionID, providerID, err)
			return nil, err
		}
		slog.Warn("OAuth callback rejected", "provider", providerID, "reason", reason)
		o.metrics.RecordInteraction(providerID, metrics.OutcomeAborted)
		return nil, &oautherrors.CSRFValidationError{Provider: providerID, Reason: reason}
	}

	if msg := params.ProviderError(); msg != "" {
		err := oautherrors.NewProviderError(providerID, oautherrors.StageAuthorization, errors.New(msg))
		o.recordFailure(providerID, err)
		return nil, err
	}

	identity, err := adapter.CompleteHandshake(ctx, params, rec.Pending)
	if err != nil {
		o.recordFailure(providerID, err)
		return nil, err
	}

	slog.Info("OAuth interaction completed", "provider", providerID, "username", identity.Username)
	o.metrics.RecordInteraction(providerID, metrics.OutcomeCompleted)

	return &Outcome{Phase: PhaseCompleted, Identity: identity}, nil
}

// Reset returns the session to INIT for the provider. Resetting an idle
// session is a no-op.
func (o *Orchestrator) Reset(ctx context.Context, sessionID, providerID string) error {
	if err := o.tokens(providerID).Discard(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to reset interaction: %w", err)
	}
	return nil
}

// Phase reports the current phase. Expired or unreadable records count as INIT.
func (o *Orchestrator) Phase(ctx context.Context, sessionID, providerID string) Phase {
	tok, err := o.tokens(providerID).Peek(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, statetoken.ErrNoPendingToken) && !errors.Is(err, statetoken.ErrTokenExpired) {
			slog.Error("Failed to read interaction record", "provider", providerID, "error", err)
		}
		return PhaseInit
	}
	rec, err := decodeRecord(tok.Payload)
	if err != nil || rec.expired(o.now()) {
		return PhaseInit
	}
	return rec.Phase
}

func (o *Orchestrator) abort(ctx context.Context, sessionID, providerID string, cause error) {
	if err := o.Reset(ctx, sessionID, providerID); err != nil {
		slog.Error("Failed to reset aborted interaction", "provider", providerID, "error", err)
	}
	o.recordFailure(providerID, cause)
}

func (o *Orchestrator) recordFailure(providerID string, err error) {
	o.metrics.RecordInteraction(providerID, metrics.OutcomeAborted)

	var pce *oautherrors.ProviderCommunicationError
	var audErr *oautherrors.TokenAudienceError
	switch {
	case errors.As(err, &pce):
		slog.Warn("OAuth provider call failed", "provider", providerID, "stage", pce.Stage, "status", pce.StatusCode, "error", pce.Err)
		o.metrics.RecordProviderError(providerID, string(pce.Stage))
	case errors.As(err, &audErr):
		slog.Warn("OAuth token issued for another client", "provider", providerID, "expected", audErr.Expected, "actual", audErr.Actual)
		o.metrics.RecordProviderError(providerID, string(oautherrors.StageValidation))
	default:
		slog.Warn("OAuth interaction aborted", "provider", providerID, "error", err)
	}
}

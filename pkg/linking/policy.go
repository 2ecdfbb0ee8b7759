package linking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	oautherrors "github.com/tendant/portal-oauth/pkg/errors"
	"github.com/tendant/portal-oauth/pkg/externalprovider"
	"github.com/tendant/portal-oauth/pkg/metrics"
)

// DecisionKind is the outcome of resolving a remote identity
type DecisionKind string

const (
	DecisionAuthenticated     DecisionKind = "authenticated"
	DecisionNeedsRegistration DecisionKind = "needs_registration"
	DecisionConflict          DecisionKind = "conflict"
)

// Profile prefills the registration form of a visitor without an account.
type Profile struct {
	Provider    string `json:"provider"`
	RemoteID    string `json:"remote_id,omitempty"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	Email       string `json:"email,omitempty"`
	// Token is the serialized credential, linked once the account exists
	Token string `json:"token,omitempty"`
}

// Decision tells the caller what to do with a completed login.
// LocalUserID is set for DecisionAuthenticated, Profile for
// DecisionNeedsRegistration and Reason for DecisionConflict.
type Decision struct {
	Kind        DecisionKind
	LocalUserID string
	Profile     *Profile
	Reason      string
}

// Adapters resolves provider adapters. *externalprovider.Registry implements it.
type Adapters interface {
	Get(providerID string) (externalprovider.Adapter, error)
}

// Policy maps remote identities to local accounts
type Policy struct {
	accounts AccountRepository
	adapters Adapters
	metrics  *metrics.Metrics
}

// PolicyOption configures a Policy
type PolicyOption func(*Policy)

// WithMetrics records every decision
func WithMetrics(m *metrics.Metrics) PolicyOption {
	return func(p *Policy) {
		p.metrics = m
	}
}

// NewPolicy creates a Policy
func NewPolicy(accounts AccountRepository, adapters Adapters, opts ...PolicyOption) *Policy {
	p := &Policy{
		accounts: accounts,
		adapters: adapters,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Resolve decides how identity relates to the local accounts. currentUser is
// the local user already logged in, or "" for an anonymous visitor. An
// authenticated visitor is never asked to register.
func (p *Policy) Resolve(ctx context.Context, identity *externalprovider.RemoteIdentity, currentUser string) (Decision, error) {
	if identity == nil || identity.Username == "" {
		return Decision{}, oautherrors.InvalidInput("identity", "username is required")
	}
	provider := identity.Provider

	adapter, err := p.adapters.Get(provider)
	if err != nil {
		return Decision{}, err
	}
	token, err := adapter.Serialize(identity.Credential)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to serialize credential: %w", err)
	}

	account, lookupErr := p.accounts.FindByProviderUsername(ctx, provider, identity.Username)
	found := lookupErr == nil
	if lookupErr != nil && !errors.Is(lookupErr, ErrAccountNotFound) {
		return Decision{}, fmt.Errorf("failed to look up linked account: %w", lookupErr)
	}

	var decision Decision
	switch {
	case currentUser != "":
		if found && account.LocalUserID != currentUser {
			decision = p.conflict(identity, currentUser)
			break
		}
		decision, err = p.link(ctx, identity, currentUser, token)

	case !found:
		decision = Decision{
			Kind: DecisionNeedsRegistration,
			Profile: &Profile{
				Provider:    provider,
				RemoteID:    identity.RemoteID,
				Username:    identity.Username,
				DisplayName: identity.DisplayName,
				FirstName:   identity.FirstName,
				LastName:    identity.LastName,
				Email:       identity.Email,
				Token:       token,
			},
		}
		slog.Info("No local account for provider identity", "provider", provider, "username", identity.Username)

	case account.RemoteID != "" && identity.RemoteID != "" && account.RemoteID != identity.RemoteID:
		decision = p.conflict(identity, account.LocalUserID)

	default:
		decision, err = p.link(ctx, identity, account.LocalUserID, token)
	}
	if err != nil {
		return Decision{}, err
	}

	p.metrics.RecordLinkingDecision(provider, string(decision.Kind))
	return decision, nil
}

func (p *Policy) link(ctx context.Context, identity *externalprovider.RemoteIdentity, localUserID, token string) (Decision, error) {
	err := p.accounts.UpdateLinkedIdentity(ctx, LinkedIdentity{
		LocalUserID: localUserID,
		Provider:    identity.Provider,
		Username:    identity.Username,
		RemoteID:    identity.RemoteID,
		Token:       token,
	})
	var dup *oautherrors.DuplicateIdentityConflict
	if errors.As(err, &dup) {
		return p.conflict(identity, localUserID), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("failed to link identity: %w", err)
	}

	slog.Info("Provider identity linked", "provider", identity.Provider, "username", identity.Username, "user_id", localUserID)
	return Decision{Kind: DecisionAuthenticated, LocalUserID: localUserID}, nil
}

func (p *Policy) conflict(identity *externalprovider.RemoteIdentity, localUserID string) Decision {
	slog.Warn("Provider identity already linked elsewhere", "provider", identity.Provider, "username", identity.Username, "user_id", localUserID)
	return Decision{Kind: DecisionConflict, Reason: oautherrors.ReasonDuplicateProviderIdentity}
}

// Register links the identity of a completed registration to the new local
// user.
func (p *Policy) Register(ctx context.Context, profile Profile, localUserID string) error {
	err := p.accounts.UpdateLinkedIdentity(ctx, LinkedIdentity{
		LocalUserID: localUserID,
		Provider:    profile.Provider,
		Username:    profile.Username,
		RemoteID:    profile.RemoteID,
		Token:       profile.Token,
	})
	if err != nil {
		return err
	}
	slog.Info("Registered user linked to provider identity", "provider", profile.Provider, "user_id", localUserID)
	return nil
}

// UnlinkResult reports the best-effort revocation of an unlinked identity.
// Warning is set when the provider could not be told.
type UnlinkResult struct {
	Revoked bool
	Warning error
}

// Unlink removes the identity the user linked for the provider and then asks
// the provider to revoke the stored token. Revocation failures never undo the
// unlink; they are reported in UnlinkResult.Warning.
func (p *Policy) Unlink(ctx context.Context, localUserID, provider string) (*UnlinkResult, error) {
	account, err := p.accounts.FindByLocalUser(ctx, localUserID, provider)
	if err != nil {
		return nil, err
	}
	if err := p.accounts.RemoveLinkedIdentity(ctx, localUserID, provider); err != nil {
		return nil, err
	}
	slog.Info("Provider identity unlinked", "provider", provider, "user_id", localUserID)

	result := &UnlinkResult{}
	if account.Token == "" {
		return result, nil
	}

	adapter, err := p.adapters.Get(provider)
	if err != nil {
		result.Warning = fmt.Errorf("provider unavailable for revocation: %w", err)
		slog.Warn("Skipping token revocation", "provider", provider, "error", err)
		return result, nil
	}

	cred, err := adapter.Deserialize(account.Token)
	if err != nil {
		result.Warning = err
		slog.Warn("Skipping revocation of unreadable token", "provider", provider, "error", err)
		return result, nil
	}

	if err := adapter.Revoke(ctx, cred); err != nil {
		result.Warning = err
		slog.Warn("Token revocation failed", "provider", provider, "error", err)
		return result, nil
	}
	result.Revoked = true
	return result, nil
}

package linking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	oautherrors "github.com/tendant/portal-oauth/pkg/errors"
)

// ErrAccountNotFound is returned when no local account carries the identity.
var ErrAccountNotFound = errors.New("linked account not found")

// LinkedIdentity binds a provider identity to a local user. A user has at
// most one identity per provider and a provider username belongs to at most
// one user.
type LinkedIdentity struct {
	LocalUserID string `json:"local_user_id"`
	Provider    string `json:"provider"`
	Username    string `json:"username"`
	RemoteID    string `json:"remote_id,omitempty"`
	// Token is the serialized provider credential
	Token string `json:"token,omitempty"`
}

// LinkedAccount is a stored LinkedIdentity
type LinkedAccount struct {
	LinkedIdentity
	LinkedAt  time.Time `json:"linked_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AccountRepository is the account lookup the linking policy depends on.
type AccountRepository interface {
	FindByProviderUsername(ctx context.Context, provider, username string) (*LinkedAccount, error)
	FindByLocalUser(ctx context.Context, localUserID, provider string) (*LinkedAccount, error)
	// UpdateLinkedIdentity creates or replaces the identity of the local user
	// for the provider. It fails with DuplicateIdentityConflict when the
	// provider username is linked to another user.
	UpdateLinkedIdentity(ctx context.Context, identity LinkedIdentity) error
	RemoveLinkedIdentity(ctx context.Context, localUserID, provider string) error
}

func validateIdentity(identity LinkedIdentity) error {
	if identity.LocalUserID == "" {
		return fmt.Errorf("local user id cannot be empty")
	}
	if identity.Provider == "" {
		return fmt.Errorf("provider cannot be empty")
	}
	if identity.Username == "" {
		return fmt.Errorf("provider username cannot be empty")
	}
	return nil
}

type accountKey struct {
	localUserID string
	provider    string
}

// accountSet is the map shared by the in-memory and file repositories. It is
// not safe for concurrent use.
type accountSet map[accountKey]*LinkedAccount

func (s accountSet) findByUsername(provider, username string) *LinkedAccount {
	for key, account := range s {
		if key.provider == provider && account.Username == username {
			return account
		}
	}
	return nil
}

func (s accountSet) upsert(identity LinkedIdentity, now time.Time) error {
	if err := validateIdentity(identity); err != nil {
		return err
	}
	if owner := s.findByUsername(identity.Provider, identity.Username); owner != nil && owner.LocalUserID != identity.LocalUserID {
		return &oautherrors.DuplicateIdentityConflict{Provider: identity.Provider, Username: identity.Username}
	}

	key := accountKey{identity.LocalUserID, identity.Provider}
	if existing, ok := s[key]; ok {
		existing.LinkedIdentity = identity
		existing.UpdatedAt = now
		return nil
	}
	s[key] = &LinkedAccount{LinkedIdentity: identity, LinkedAt: now, UpdatedAt: now}
	return nil
}

// InMemoryAccountRepository keeps linked identities in memory
type InMemoryAccountRepository struct {
	accounts accountSet
	mutex    sync.RWMutex
}

// NewInMemoryAccountRepository creates an empty in-memory repository
func NewInMemoryAccountRepository() *InMemoryAccountRepository {
	return &InMemoryAccountRepository{
		accounts: make(accountSet),
	}
}

func (r *InMemoryAccountRepository) FindByProviderUsername(_ context.Context, provider, username string) (*LinkedAccount, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	account := r.accounts.findByUsername(provider, username)
	if account == nil {
		return nil, ErrAccountNotFound
	}

	// Return a copy to prevent external modifications
	accountCopy := *account
	return &accountCopy, nil
}

func (r *InMemoryAccountRepository) FindByLocalUser(_ context.Context, localUserID, provider string) (*LinkedAccount, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	account, exists := r.accounts[accountKey{localUserID, provider}]
	if !exists {
		return nil, ErrAccountNotFound
	}
	accountCopy := *account
	return &accountCopy, nil
}

func (r *InMemoryAccountRepository) UpdateLinkedIdentity(_ context.Context, identity LinkedIdentity) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.accounts.upsert(identity, time.Now().UTC())
}

func (r *InMemoryAccountRepository) RemoveLinkedIdentity(_ context.Context, localUserID, provider string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	key := accountKey{localUserID, provider}
	if _, exists := r.accounts[key]; !exists {
		return ErrAccountNotFound
	}
	delete(r.accounts, key)
	return nil
}

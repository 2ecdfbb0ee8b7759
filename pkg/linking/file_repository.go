package linking

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const linkedIdentitiesFile = "linked_identities.json"

// FileAccountRepository implements AccountRepository using file-based storage
type FileAccountRepository struct {
	dataDir  string
	accounts accountSet
	mutex    sync.RWMutex
}

// linkedIdentityData represents the structure of data stored in the JSON file
type linkedIdentityData struct {
	Accounts []*LinkedAccount `json:"accounts"`
}

// NewFileAccountRepository creates a new file-based account repository
func NewFileAccountRepository(dataDir string) (*FileAccountRepository, error) {
	// Create data directory if it doesn't exist
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	repo := &FileAccountRepository{
		dataDir:  dataDir,
		accounts: make(accountSet),
	}

	if err := repo.load(); err != nil {
		return nil, fmt.Errorf("failed to load data: %w", err)
	}

	return repo, nil
}

func (r *FileAccountRepository) FindByProviderUsername(_ context.Context, provider, username string) (*LinkedAccount, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	account := r.accounts.findByUsername(provider, username)
	if account == nil {
		return nil, ErrAccountNotFound
	}
	accountCopy := *account
	return &accountCopy, nil
}

func (r *FileAccountRepository) FindByLocalUser(_ context.Context, localUserID, provider string) (*LinkedAccount, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	account, exists := r.accounts[accountKey{localUserID, provider}]
	if !exists {
		return nil, ErrAccountNotFound
	}
	accountCopy := *account
	return &accountCopy, nil
}

func (r *FileAccountRepository) UpdateLinkedIdentity(_ context.Context, identity LinkedIdentity) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if err := r.accounts.upsert(identity, time.Now().UTC()); err != nil {
		return err
	}

	// Persist to file
	return r.save()
}

func (r *FileAccountRepository) RemoveLinkedIdentity(_ context.Context, localUserID, provider string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	key := accountKey{localUserID, provider}
	if _, exists := r.accounts[key]; !exists {
		return ErrAccountNotFound
	}
	delete(r.accounts, key)

	return r.save()
}

// load reads linked identities from file
func (r *FileAccountRepository) load() error {
	filePath := filepath.Join(r.dataDir, linkedIdentitiesFile)

	// If file doesn't exist, start with an empty set
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var stored linkedIdentityData
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}

	r.accounts = make(accountSet)
	for _, account := range stored.Accounts {
		r.accounts[accountKey{account.LocalUserID, account.Provider}] = account
	}

	return nil
}

// save writes linked identities to file atomically
func (r *FileAccountRepository) save() error {
	accounts := make([]*LinkedAccount, 0, len(r.accounts))
	for _, account := range r.accounts {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].LocalUserID != accounts[j].LocalUserID {
			return accounts[i].LocalUserID < accounts[j].LocalUserID
		}
		return accounts[i].Provider < accounts[j].Provider
	})

	jsonData, err := json.MarshalIndent(linkedIdentityData{Accounts: accounts}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	// Write to temp file first
	tempFile := filepath.Join(r.dataDir, linkedIdentitiesFile+".tmp")
	if err := os.WriteFile(tempFile, jsonData, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	// Atomic rename
	finalFile := filepath.Join(r.dataDir, linkedIdentitiesFile)
	if err := os.Rename(tempFile, finalFile); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}

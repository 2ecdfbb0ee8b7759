package externalprovider

import (
	"fmt"
	"sort"
	"sync"

	oautherrors "github.com/tendant/portal-oauth/pkg/errors"
)

// ProviderInfo is the public description of a registered provider.
type ProviderInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Enabled     bool   `json:"enabled"`
	InitURL     string `json:"init_url"`
}

type registration struct {
	info    ProviderInfo
	adapter Adapter
}

// Registry holds the adapters configured at startup.
type Registry struct {
	pathPrefix string
	providers  map[string]*registration
	mutex      sync.RWMutex
}

// NewRegistry creates an empty registry. pathPrefix is where the login
// endpoints are mounted and is used to build init URLs.
func NewRegistry(pathPrefix string) *Registry {
	return &Registry{
		pathPrefix: pathPrefix,
		providers:  make(map[string]*registration),
	}
}

// Register adds an adapter. displayName falls back to the provider id.
func (r *Registry) Register(adapter Adapter, displayName string, enabled bool) error {
	if adapter == nil {
		return fmt.Errorf("adapter cannot be nil")
	}
	id := adapter.ProviderID()
	if displayName == "" {
		displayName = id
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("provider already exists: %s", id)
	}

	r.providers[id] = &registration{
		info: ProviderInfo{
			ID:          id,
			Name:        id,
			DisplayName: displayName,
			Enabled:     enabled,
			InitURL:     r.pathPrefix + "/" + id + "?interaction=start",
		},
		adapter: adapter,
	}
	return nil
}

// Get returns the adapter of an enabled provider
func (r *Registry) Get(providerID string) (Adapter, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	reg, exists := r.providers[providerID]
	if !exists || !reg.info.Enabled {
		return nil, oautherrors.NotFound("provider", providerID)
	}
	return reg.adapter, nil
}

// SetEnabled toggles a provider
func (r *Registry) SetEnabled(providerID string, enabled bool) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	reg, exists := r.providers[providerID]
	if !exists {
		return oautherrors.NotFound("provider", providerID)
	}
	reg.info.Enabled = enabled
	return nil
}

// Enabled returns the enabled providers sorted by id
func (r *Registry) Enabled() []ProviderInfo {
	return r.list(true)
}

// List returns every registered provider sorted by id
func (r *Registry) List() []ProviderInfo {
	return r.list(false)
}

func (r *Registry) list(enabledOnly bool) []ProviderInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	result := make([]ProviderInfo, 0, len(r.providers))
	for _, reg := range r.providers {
		if enabledOnly && !reg.info.Enabled {
			continue
		}
		result = append(result, reg.info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// NewAdapter builds the adapter matching the provider id: google and twitter
// get their dedicated adapters, anything else the generic OAuth2 one.
func NewAdapter(cfg *ProviderConfig, opts ...AdapterOption) (Adapter, error) {
	switch cfg.ID() {
	case "google":
		return NewGoogleAdapter(cfg, opts...)
	case "twitter":
		return NewTwitterAdapter(cfg, opts...)
	default:
		return NewOAuth2Adapter(cfg, opts...)
	}
}

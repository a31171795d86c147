// Package provider declares the upstream AI-provider contracts: the
// type registry, the credential schema, and the credential vault. The
// providers themselves are external; only their shapes live here.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

var ErrUnknownType = errors.New("unknown provider type")

// CredentialField describes one declared credential input.
type CredentialField struct {
	Key       string `json:"key"`
	Type      string `json:"type"`
	Required  bool   `json:"required"`
	Sensitive bool   `json:"sensitive"`
}

// Validator probes a provider with the given credentials. A nil error
// means the credentials work; the duration is the observed round trip.
type Validator func(ctx context.Context, client *http.Client, baseURL string, creds map[string]string) (time.Duration, error)

// Type is one declared provider kind. Instances are registered at
// startup and immutable afterwards.
type Type struct {
	ID          string
	DisplayName string
	BaseURL     string
	Credentials []CredentialField
	Models      []string
	// Defaults are provider-specific request defaults applied by the
	// converter when the caller leaves a field unset.
	Defaults map[string]any

	validate Validator
}

// SupportsModel reports whether the declared model set contains name.
func (t *Type) SupportsModel(name string) bool {
	for _, m := range t.Models {
		if m == name {
			return true
		}
	}
	return false
}

// Registry holds the provider-type declarations.
type Registry struct {
	mu     sync.RWMutex
	types  map[string]*Type
	client *http.Client
}

// NewRegistry creates a registry pre-loaded with the built-in provider
// types.
func NewRegistry(client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	r := &Registry{
		types:  make(map[string]*Type),
		client: client,
	}
	r.Register(newOpenAIType())
	r.Register(newAnthropicType())
	return r
}

// Register adds or replaces a provider type declaration.
func (r *Registry) Register(t *Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.ID] = t
}

// Get returns a provider type by id.
func (r *Registry) Get(id string) (*Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, id)
	}
	return t, nil
}

// List returns all registered types, sorted by id.
func (r *Registry) List() []*Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Type, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SupportedModels returns the declared model set for a type.
func (r *Registry) SupportedModels(id string) ([]string, error) {
	t, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return t.Models, nil
}

// ValidateCredentials runs the provider type's own validator, typically
// a minimal live probe. The same call backs the channel health loop.
func (r *Registry) ValidateCredentials(ctx context.Context, typeID, baseURL string, creds map[string]string) (time.Duration, error) {
	t, err := r.Get(typeID)
	if err != nil {
		return 0, err
	}
	if baseURL == "" {
		baseURL = t.BaseURL
	}
	for _, f := range t.Credentials {
		if f.Required && creds[f.Key] == "" {
			return 0, fmt.Errorf("missing required credential field %q", f.Key)
		}
	}
	return t.validate(ctx, r.client, baseURL, creds)
}

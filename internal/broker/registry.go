// Package broker selects vendor client implementations. One BrokerClient
// implementation exists per vendor; the session manager builds clients
// through the registry keyed on the account config's vendor name.
package broker

import (
	"fmt"
	"sort"
	"sync"

	"trading-execution/internal/model"
)

// Factory builds an unauthenticated client from an account's config.
type Factory func(cfg *model.BrokerConfig) (model.BrokerClient, error)

// Registry maps vendor names to client factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a vendor factory. Later registrations replace earlier ones.
func (r *Registry) Register(vendor string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[vendor] = f
}

// New builds a client for the config's vendor.
func (r *Registry) New(cfg *model.BrokerConfig) (model.BrokerClient, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Vendor]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("broker: unknown vendor %q", cfg.Vendor)
	}
	return f(cfg)
}

// Vendors lists the registered vendor names, sorted.
func (r *Registry) Vendors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for v := range r.factories {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package syncdispatch

import (
	"context"
	"sync"

	"github.com/acronis/go-syncdispatch/syncop"
)

// ProviderClient sends one operation to an external provider.
// Implementations must honor the deadline of the passed context and classify
// failures by returning *syncop.ProviderError where the class is known;
// unclassified errors are treated as transient.
type ProviderClient interface {
	Send(ctx context.Context, op *syncop.Operation) error
}

// ProviderClientFunc is an adapter to allow the use of ordinary functions as ProviderClient.
type ProviderClientFunc func(ctx context.Context, op *syncop.Operation) error

// Send implements ProviderClient.
func (f ProviderClientFunc) Send(ctx context.Context, op *syncop.Operation) error {
	return f(ctx, op)
}

// ClientRegistry holds provider clients keyed by provider ID.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]ProviderClient
}

// NewClientRegistry creates a new empty client registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]ProviderClient)}
}

// Register adds or replaces the client of a provider.
func (r *ClientRegistry) Register(providerID string, client ProviderClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[providerID] = client
}

// Deregister removes the client of a provider.
func (r *ClientRegistry) Deregister(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, providerID)
}

// Get returns the client of a provider.
func (r *ClientRegistry) Get(providerID string) (ProviderClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[providerID]
	return client, ok
}

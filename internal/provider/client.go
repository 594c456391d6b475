// Package provider holds the outbound dispatch clients for voice providers
// and the registry the router consults for availability.
package provider

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/voxflow/backend/internal/core"
)

// DispatchRequest is everything a provider needs to place one call. The
// idempotency key is the call log id; replaying it must not start a second
// call on the provider side.
type DispatchRequest struct {
	IdempotencyKey string
	TenantID       string
	AgentID        string
	Phone          core.PhoneNumber
	VoiceID        string
	Metadata       map[string]any
}

// DispatchResult is the provider's acknowledgement of a placed call.
type DispatchResult struct {
	ProviderCallID string
	Raw            map[string]any
}

// Client places calls with one provider.
type Client interface {
	Name() string
	Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResult, error)
}

// Registry maps provider names to configured clients. Lookup is
// case-insensitive; provider rows are lowercase but agent rows are
// user-entered.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[strings.ToLower(c.Name())] = c
}

func (r *Registry) Get(name string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[strings.ToLower(name)]
	return c, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Package routing picks the voice provider for a call. Agents name their
// provider; a priority-ordered fallback chain covers providers that are
// temporarily out of service.
package routing

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/voxflow/backend/internal/core"
)

// PrimaryProvider is where reserved agent ids land.
const PrimaryProvider = "vapi"

// AgentSource reads agent rows in the caller's tenant schema.
// *store.Store satisfies it.
type AgentSource interface {
	GetAgent(ctx context.Context, id string) (*core.Agent, error)
}

// ProviderSource reads the platform provider registry. *store.DB satisfies it.
type ProviderSource interface {
	ListProviders(ctx context.Context) ([]*core.Provider, error)
}

// ClientRegistry reports which providers have a configured dispatch client.
// A provider row without a client is as good as disabled.
type ClientRegistry interface {
	Has(name string) bool
}

// Route is a routing decision: the provider to dial through and, for
// non-reserved ids, the agent row that asked for it.
type Route struct {
	Provider *core.Provider
	Agent    *core.Agent
}

type Router struct {
	providers ProviderSource
	clients   ClientRegistry
}

func NewRouter(providers ProviderSource, clients ClientRegistry) *Router {
	return &Router{providers: providers, clients: clients}
}

// Route resolves agentID to a dialable provider. Reserved ids ("24", "VAPI")
// skip the agent lookup and go straight to the primary provider. A
// temporarily disabled choice falls through to the next usable provider by
// priority; hard-disabled providers are never candidates.
func (r *Router) Route(ctx context.Context, agents AgentSource, agentID string) (*Route, error) {
	wanted := PrimaryProvider
	var agent *core.Agent

	if !IsReservedAgent(agentID) {
		a, err := agents.GetAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if a == nil {
			return nil, core.NewErrorf(core.ErrNotFound, "agent %q not found", agentID)
		}
		agent = a
		if a.Provider != "" {
			wanted = a.Provider
		}
	}

	providers, err := r.providers.ListProviders(ctx)
	if err != nil {
		return nil, err
	}

	chosen := r.pick(providers, wanted)
	if chosen == nil {
		return nil, core.NewError(core.ErrNoProvider, "no voice provider is currently available").
			WithDetails(map[string]any{"requested": wanted})
	}
	if chosen.Name != wanted {
		slog.Warn("⚠️ Provider fallback engaged",
			"requested", wanted, "selected", chosen.Name, "agent_id", agentID)
	}
	return &Route{Provider: chosen, Agent: agent}, nil
}

// pick returns the wanted provider when usable, otherwise the highest
// priority usable alternative.
func (r *Router) pick(providers []*core.Provider, wanted string) *core.Provider {
	var fallbacks []*core.Provider
	for _, p := range providers {
		if !r.usable(p) {
			continue
		}
		if strings.EqualFold(p.Name, wanted) {
			return p
		}
		fallbacks = append(fallbacks, p)
	}
	if len(fallbacks) == 0 {
		return nil
	}
	sort.SliceStable(fallbacks, func(i, j int) bool {
		return fallbacks[i].Priority < fallbacks[j].Priority
	})
	return fallbacks[0]
}

func (r *Router) usable(p *core.Provider) bool {
	if p.Status != core.ProviderActive {
		return false
	}
	if r.clients != nil && !r.clients.Has(p.Name) {
		return false
	}
	return true
}

// IsReservedAgent reports whether id is one of the predefined agents that
// bypass the tenant agent table.
func IsReservedAgent(id string) bool {
	return id == "24" || strings.EqualFold(id, "VAPI")
}

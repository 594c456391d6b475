package features

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxflow/backend/internal/core"
	"github.com/voxflow/backend/internal/store"
)

// resolverTTL bounds how stale a cached resolution may get.
const resolverTTL = 5 * time.Minute

// Source loads the raw resolution layers. *store.DB satisfies it.
type Source interface {
	ResolveFeatureRows(ctx context.Context, tenantID, subjectID, plan, key string) (*store.FeatureRows, error)
	GetTenant(ctx context.Context, id string) (*core.TenantRecord, error)
}

// Value is one resolved feature: whether it is on, the winning layer and an
// optional numeric limit carried from that layer.
type Value struct {
	Enabled bool   `json:"enabled"`
	Limit   *int64 `json:"limit,omitempty"`
	Source  string `json:"source"` // subject_override, tenant_override, plan, default, none
}

type cacheKey struct {
	tenantID  string
	subjectID string
	key       string
}

type cacheEntry struct {
	value    Value
	cachedAt time.Time
}

// Resolver answers feature questions with layered precedence and a
// five-minute cache. Resolution failures fail closed: the caller sees a
// disabled feature, never an error it might be tempted to ignore.
type Resolver struct {
	source Source
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry

	// now is swappable for tests.
	now func() time.Time
}

// NewResolver builds a resolver over the given source.
func NewResolver(source Source) *Resolver {
	return &Resolver{
		source: source,
		ttl:    resolverTTL,
		cache:  make(map[cacheKey]cacheEntry),
		now:    time.Now,
	}
}

// Resolve returns the effective value of key for (tenant, subject).
// Precedence: subject override, then non-expired tenant override, then the
// tenant's plan feature, then the catalog default. Unknown keys and lookup
// failures are disabled.
func (r *Resolver) Resolve(ctx context.Context, tenantID, subjectID, key string) Value {
	ck := cacheKey{tenantID: tenantID, subjectID: subjectID, key: key}

	r.mu.RLock()
	entry, ok := r.cache[ck]
	r.mu.RUnlock()
	if ok && r.now().Sub(entry.cachedAt) < r.ttl {
		return entry.value
	}

	value, err := r.resolve(ctx, tenantID, subjectID, key)
	if err != nil {
		slog.Warn("Feature resolution failed, failing closed",
			"tenant_id", tenantID, "key", key, "error", err)
		return Value{Enabled: false, Source: "none"}
	}

	r.mu.Lock()
	r.cache[ck] = cacheEntry{value: value, cachedAt: r.now()}
	r.mu.Unlock()
	return value
}

func (r *Resolver) resolve(ctx context.Context, tenantID, subjectID, key string) (Value, error) {
	plan := ""
	if tenantID != "" {
		tenant, err := r.source.GetTenant(ctx, tenantID)
		if err != nil {
			return Value{}, err
		}
		if tenant != nil {
			plan = tenant.Plan
		}
	}

	rows, err := r.source.ResolveFeatureRows(ctx, tenantID, subjectID, plan, key)
	if err != nil {
		return Value{}, err
	}

	switch {
	case rows.SubjectEnabled != nil:
		return Value{Enabled: *rows.SubjectEnabled, Limit: rows.SubjectLimit, Source: "subject_override"}, nil
	case rows.TenantEnabled != nil:
		return Value{Enabled: *rows.TenantEnabled, Limit: rows.TenantLimit, Source: "tenant_override"}, nil
	case rows.PlanEnabled != nil:
		return Value{Enabled: *rows.PlanEnabled, Limit: rows.PlanLimit, Source: "plan"}, nil
	case rows.DefaultEnabled != nil:
		return Value{Enabled: *rows.DefaultEnabled, Source: "default"}, nil
	}
	// Unknown key: disabled, but cacheable; the catalog will not grow a key
	// underneath a running process without an invalidation.
	return Value{Enabled: false, Source: "none"}, nil
}

// Enabled is the common yes/no form of Resolve.
func (r *Resolver) Enabled(ctx context.Context, tenantID, subjectID, key string) bool {
	return r.Resolve(ctx, tenantID, subjectID, key).Enabled
}

// Invalidate drops every cached resolution for one tenant.
func (r *Resolver) Invalidate(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ck := range r.cache {
		if ck.tenantID == tenantID {
			delete(r.cache, ck)
		}
	}
}

// InvalidateAll drops the whole cache.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[cacheKey]cacheEntry)
}

// CacheSize reports the number of cached resolutions.
func (r *Resolver) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

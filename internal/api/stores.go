package api

import (
	"context"

	"github.com/voxflow/backend/internal/batch"
	"github.com/voxflow/backend/internal/core"
	"github.com/voxflow/backend/internal/store"
)

// DBStores resolves a tenant-scoped store per request. Gateway principals
// arrive with their schema already on them; webhook and task principals
// carry only a tenant id, so those are resolved against the registry before
// the schema fallback chain runs.
type DBStores struct {
	db *store.DB
}

func NewDBStores(db *store.DB) *DBStores {
	return &DBStores{db: db}
}

func (ds *DBStores) For(ctx context.Context, p *core.Principal, override string) (batch.Store, error) {
	if needsRegistry(p, override) {
		tenant, err := ds.db.GetTenant(ctx, p.TenantID)
		if err != nil {
			return nil, core.NewError(core.ErrInternal, "tenant lookup failed").WithCause(err)
		}
		if tenant == nil {
			return nil, core.NewErrorf(core.ErrNotFound, "unknown tenant %q", p.TenantID)
		}
		p.TenantSchema = tenant.Schema
	}
	return ds.db.StoreFor(p, override)
}

func needsRegistry(p *core.Principal, override string) bool {
	return override == "" && p != nil && p.TenantID != "" &&
		p.SubjectSchema == "" && p.TenantSchema == ""
}

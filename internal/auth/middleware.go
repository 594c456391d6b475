package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voxflow/backend/internal/core"
	"github.com/voxflow/backend/internal/store"
)

// Gateway identity headers. The edge gateway authenticates the human caller
// and forwards who they are; this service trusts the headers, never tokens.
const (
	HeaderUserID   = "x-user-id"
	HeaderTenantID = "x-tenant-id"
	HeaderRole     = "x-user-role"
	HeaderCaps     = "x-capabilities"
	HeaderEmail    = "x-user-email"
	HeaderName     = "x-user-name"
	HeaderSchema   = "x-schema-name"
)

// Directory resolves service keys and tenant registry rows. *store.DB and
// *store.Memory both satisfy it.
type Directory interface {
	GetServiceKey(ctx context.Context, keyID string) (*store.ServiceKeyRow, error)
	GetTenant(ctx context.Context, id string) (*core.TenantRecord, error)
}

// Middleware builds the caller principal for every API request.
type Middleware struct {
	dir Directory
}

func NewMiddleware(dir Directory) *Middleware {
	return &Middleware{dir: dir}
}

// Principal authenticates the request and stores the resulting principal in
// the context. Order: Bearer service key, then gateway identity headers,
// then a bare x-tenant-id for trusted internal callers. The last form should
// sit behind a firewall or gateway in production.
func (mw *Middleware) Principal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := mw.authenticate(r)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(core.WithPrincipal(r.Context(), p)))
	})
}

// Attach resolves the principal when credentials are present but never
// rejects the request. The streaming transports use it: SSE must commit its
// headers before reporting an auth failure in-stream, so the handler checks
// the context itself.
func (mw *Middleware) Attach(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, err := mw.authenticate(r); err == nil {
			r = r.WithContext(core.WithPrincipal(r.Context(), p))
		}
		next.ServeHTTP(w, r)
	})
}

func (mw *Middleware) authenticate(r *http.Request) (*core.Principal, error) {
	ctx := r.Context()

	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer "+KeyPrefix) {
		return mw.fromServiceKey(ctx, strings.TrimPrefix(header, "Bearer "))
	}
	if r.Header.Get(HeaderUserID) != "" {
		return mw.fromGatewayHeaders(ctx, r)
	}
	if tenantID := r.Header.Get(HeaderTenantID); tenantID != "" {
		return mw.fromTenantHeader(ctx, tenantID)
	}
	return nil, core.NewError(core.ErrUnauthorized, "missing credentials: service key, identity headers or x-tenant-id required")
}

func (mw *Middleware) fromServiceKey(ctx context.Context, fullKey string) (*core.Principal, error) {
	keyID, secret, err := ParseServiceKey(fullKey)
	if err != nil {
		return nil, err
	}
	row, err := mw.dir.GetServiceKey(ctx, keyID)
	if err != nil {
		return nil, core.NewError(core.ErrInternal, "service key lookup failed").WithCause(err)
	}
	if err := VerifyServiceKey(row, secret); err != nil {
		slog.Warn("Rejected service key", "key_id", keyID)
		return nil, err
	}
	tenant, err := mw.loadTenant(ctx, row.TenantID)
	if err != nil {
		return nil, err
	}
	return &core.Principal{
		SubjectID:    "service:" + row.ID,
		TenantID:     tenant.ID,
		Role:         "service",
		Capabilities: []string{"*"},
		Service:      true,
		TenantSchema: tenant.Schema,
	}, nil
}

func (mw *Middleware) fromGatewayHeaders(ctx context.Context, r *http.Request) (*core.Principal, error) {
	tenantID := r.Header.Get(HeaderTenantID)
	if tenantID == "" {
		return nil, core.NewError(core.ErrUnauthorized, "identity headers present but x-tenant-id missing")
	}

	p := &core.Principal{
		SubjectID:     r.Header.Get(HeaderUserID),
		TenantID:      tenantID,
		Role:          r.Header.Get(HeaderRole),
		Email:         r.Header.Get(HeaderEmail),
		DisplayName:   r.Header.Get(HeaderName),
		SubjectSchema: r.Header.Get(HeaderSchema),
	}
	if p.Role == "" {
		p.Role = "member"
	}
	if caps := r.Header.Get(HeaderCaps); caps != "" {
		for _, c := range strings.Split(caps, ",") {
			if c = strings.TrimSpace(c); c != "" {
				p.Capabilities = append(p.Capabilities, c)
			}
		}
	}

	// The gateway resolved the schema already when it sent x-schema-name;
	// otherwise the registry is the source of truth.
	if p.SubjectSchema == "" {
		tenant, err := mw.loadTenant(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		p.TenantSchema = tenant.Schema
	}
	return p, nil
}

func (mw *Middleware) fromTenantHeader(ctx context.Context, tenantID string) (*core.Principal, error) {
	tenant, err := mw.loadTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &core.Principal{
		SubjectID:    "internal",
		TenantID:     tenant.ID,
		Role:         "service",
		Capabilities: []string{"*"},
		Service:      true,
		TenantSchema: tenant.Schema,
	}, nil
}

func (mw *Middleware) loadTenant(ctx context.Context, tenantID string) (*core.TenantRecord, error) {
	tenant, err := mw.dir.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, core.NewError(core.ErrInternal, "tenant lookup failed").WithCause(err)
	}
	if tenant == nil {
		return nil, core.NewError(core.ErrUnauthorized, "unknown tenant")
	}
	if tenant.Status == "suspended" {
		return nil, core.NewError(core.ErrForbidden, "tenant is suspended")
	}
	return tenant, nil
}

// writeAuthError emits the standard failure envelope. Auth runs before the
// handler layer, so it carries its own small encoder.
func writeAuthError(w http.ResponseWriter, err error) {
	e := core.AsError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   string(e.Code),
		"message": e.Message,
	})
}

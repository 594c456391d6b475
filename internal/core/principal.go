package core

import "context"

// Principal identifies the caller for the duration of a request. Human
// callers arrive with gateway identity headers; service callers authenticate
// with an API key and act for a whole tenant.
type Principal struct {
	SubjectID    string   `json:"subject_id"`
	TenantID     string   `json:"tenant_id"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities,omitempty"`
	Email        string   `json:"email,omitempty"`
	DisplayName  string   `json:"display_name,omitempty"`
	Service      bool     `json:"service,omitempty"`

	// SubjectSchema comes from gateway identity headers; TenantSchema from
	// the tenant registry. Schema resolution prefers the subject one.
	SubjectSchema string `json:"-"`
	TenantSchema  string `json:"-"`
}

// HasCapability reports whether the principal carries the named capability.
// The wildcard "*" grants everything.
func (p *Principal) HasCapability(cap string) bool {
	for _, c := range p.Capabilities {
		if c == cap || c == "*" {
			return true
		}
	}
	return false
}

type contextKey string

const principalKey contextKey = "voxflow_principal"

// WithPrincipal stores the principal in the request context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom extracts the principal set by the auth middleware.
func PrincipalFrom(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(principalKey).(*Principal)
	if !ok || p == nil {
		return nil, NewError(ErrUnauthorized, "no authenticated principal in context")
	}
	if p.TenantID == "" {
		return nil, NewError(ErrUnauthorized, "principal has no tenant")
	}
	return p, nil
}

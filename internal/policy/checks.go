package policy

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/voxflow/backend/internal/config"
	"github.com/voxflow/backend/internal/core"
	"github.com/voxflow/backend/internal/features"
)

// FeatureSource answers whether a gate is open for a tenant/subject pair.
// *features.Resolver satisfies it.
type FeatureSource interface {
	Resolve(ctx context.Context, tenantID, subjectID, key string) features.Value
}

type featureCheck struct {
	cfg      *config.Manager
	resolver FeatureSource
}

// FeatureCheck denies callers whose plan or overrides do not grant the
// outbound-calls feature. The resolver fails closed, so an outage reads as
// disabled here too.
func FeatureCheck(cfg *config.Manager, resolver FeatureSource) Check {
	return &featureCheck{cfg: cfg, resolver: resolver}
}

func (c *featureCheck) Name() string { return "feature" }

func (c *featureCheck) Evaluate(ctx context.Context, req *Request) error {
	key := c.cfg.PolicyFor(req.Principal.TenantID).CallFeatureKey
	v := c.resolver.Resolve(ctx, req.Principal.TenantID, req.Principal.SubjectID, key)
	if v.Enabled {
		return nil
	}
	return core.NewErrorf(core.ErrFeatureDisabled, "feature %q is not enabled for this workspace", key).
		WithDetails(map[string]any{
			"feature":          key,
			"upgrade_required": true,
		})
}

type creditCheck struct {
	cfg *config.Manager
}

// CreditCheck denies callers whose wallet sits below the configured floor.
// The floor is a pre-flight sanity bar; the real charge is still guarded by
// the atomic debit at dispatch time.
func CreditCheck(cfg *config.Manager) Check {
	return &creditCheck{cfg: cfg}
}

func (c *creditCheck) Name() string { return "credit_minimum" }

func (c *creditCheck) Evaluate(ctx context.Context, req *Request) error {
	minimum := decimal.NewFromInt(c.cfg.PolicyFor(req.Principal.TenantID).CreditMinimum)
	if minimum.IsZero() || req.Wallets == nil {
		return nil
	}

	available := decimal.Zero
	w, err := req.Wallets.GetWallet(ctx, req.Principal.TenantID)
	if err != nil {
		return core.NewError(core.ErrInternal, "could not read wallet balance").WithCause(err)
	}
	if w != nil {
		available = w.CurrentBalance
	}
	if available.GreaterThanOrEqual(minimum) {
		return nil
	}
	return core.NewErrorf(core.ErrInsufficientFunds,
		"wallet has %s credits, at least %s required to place calls", available, minimum).
		WithDetails(map[string]any{
			"required":  minimum,
			"available": available,
			"needed":    minimum.Sub(available),
		})
}

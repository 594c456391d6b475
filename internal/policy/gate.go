// Package policy runs every outbound call through an ordered series of
// admission checks before any money moves or any provider is contacted.
// The first failing check wins; its typed error carries everything the API
// layer needs to answer the caller.
package policy

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/voxflow/backend/internal/core"
	"github.com/voxflow/backend/internal/metrics"
)

// WalletSource reads wallet balances in the request's tenant schema.
// *store.Store satisfies it.
type WalletSource interface {
	GetWallet(ctx context.Context, tenantID string) (*core.Wallet, error)
}

// Request is the admission question: may this principal place this call now.
type Request struct {
	Principal core.Principal
	AgentID   string
	Cost      decimal.Decimal
	Wallets   WalletSource
}

// Check is one admission rule. Evaluate returns nil to pass or a typed
// *core.Error describing the denial.
type Check interface {
	Name() string
	Evaluate(ctx context.Context, req *Request) error
}

// Gate runs checks in registration order and stops at the first denial.
type Gate struct {
	checks  []Check
	metrics *metrics.Metrics
}

// NewGate builds a gate. metrics may be nil in tests.
func NewGate(m *metrics.Metrics, checks ...Check) *Gate {
	return &Gate{checks: checks, metrics: m}
}

// Register appends a check after those already present.
func (g *Gate) Register(c Check) {
	g.checks = append(g.checks, c)
}

// Evaluate returns the first check failure, or nil when every check passes.
func (g *Gate) Evaluate(ctx context.Context, req *Request) error {
	for _, c := range g.checks {
		if err := c.Evaluate(ctx, req); err != nil {
			if g.metrics != nil {
				g.metrics.RecordGateDenial(c.Name())
			}
			slog.Info("🚫 Call blocked by policy gate",
				"check", c.Name(),
				"tenant_id", req.Principal.TenantID,
				"subject_id", req.Principal.SubjectID,
				"agent_id", req.AgentID,
				"error", err)
			return err
		}
	}
	return nil
}

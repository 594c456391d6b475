package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/voxflow/backend/internal/core"
	"github.com/voxflow/backend/internal/metrics"
	"github.com/voxflow/backend/internal/store"
)

// Store is the schema-scoped persistence the ledger needs. *store.Store
// satisfies it.
type Store interface {
	DebitWallet(ctx context.Context, q store.Querier, tenantID string, amount decimal.Decimal) (decimal.Decimal, bool, error)
	CreditWallet(ctx context.Context, q store.Querier, tenantID string, amount decimal.Decimal) (decimal.Decimal, error)
	InsertLedgerEntry(ctx context.Context, q store.Querier, e *core.LedgerEntry) error
	GetLedgerEntryByKey(ctx context.Context, q store.Querier, tenantID, key string) (*core.LedgerEntry, error)
	GetWallet(ctx context.Context, tenantID string) (*core.Wallet, error)
	RollUpCampaignSpend(ctx context.Context, campaignID string, credits decimal.Decimal) error
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	DB() *store.DB
}

// DebitRequest describes one wallet charge.
type DebitRequest struct {
	TenantID       string
	SubjectID      string
	Amount         decimal.Decimal
	IdempotencyKey string
	CallID         string
	CampaignID     string
	Reason         string
}

// CreditRequest describes one wallet top-up or refund.
type CreditRequest struct {
	TenantID       string
	SubjectID      string
	Amount         decimal.Decimal
	IdempotencyKey string
	CallID         string
	Reason         string
}

// Receipt reports a completed movement. Replayed marks an idempotent replay:
// the recorded entry is returned and nothing moved again.
type Receipt struct {
	Entry    *core.LedgerEntry `json:"entry"`
	Balance  decimal.Decimal   `json:"balance"`
	Replayed bool              `json:"replayed"`
}

// Ledger coordinates atomic wallet movements with an append-only trail.
type Ledger struct {
	metrics *metrics.Metrics
}

// New builds the ledger service. metrics may be nil in tests.
func New(m *metrics.Metrics) *Ledger {
	return &Ledger{metrics: m}
}

// Debit charges the wallet inside its own transaction and rolls the spend
// into the campaign aggregate afterwards. Safe to replay: the same
// idempotency key always returns the originally recorded entry.
func (l *Ledger) Debit(ctx context.Context, s Store, req DebitRequest) (*Receipt, error) {
	if prior, err := s.GetLedgerEntryByKey(ctx, s.DB(), req.TenantID, req.IdempotencyKey); err != nil {
		return nil, err
	} else if prior != nil {
		l.record("replayed")
		return &Receipt{Entry: prior, Balance: prior.BalanceAfter, Replayed: true}, nil
	}

	var receipt *Receipt
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		r, err := l.DebitInTx(ctx, s, tx, req)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			// Lost a concurrent replay race; the other writer's entry is
			// the durable truth.
			prior, lookupErr := s.GetLedgerEntryByKey(ctx, s.DB(), req.TenantID, req.IdempotencyKey)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if prior != nil {
				l.record("replayed")
				return &Receipt{Entry: prior, Balance: prior.BalanceAfter, Replayed: true}, nil
			}
		}
		return nil, err
	}

	l.record("ok")
	l.RollUpCampaign(ctx, s, req.CampaignID, req.Amount)
	return receipt, nil
}

// DebitInTx performs the conditional debit and ledger append inside a
// caller-owned transaction. The dispatcher uses this so the call log insert
// and the charge commit or roll back together.
func (l *Ledger) DebitInTx(ctx context.Context, s Store, tx *sql.Tx, req DebitRequest) (*Receipt, error) {
	if req.Amount.IsNegative() || req.Amount.IsZero() {
		return nil, core.NewErrorf(core.ErrValidation, "debit amount must be positive, got %s", req.Amount)
	}
	if req.IdempotencyKey == "" {
		return nil, core.NewError(core.ErrValidation, "debit requires an idempotency key")
	}

	balance, ok, err := s.DebitWallet(ctx, tx, req.TenantID, req.Amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		l.record("insufficient")
		return nil, l.insufficientErr(ctx, s, req)
	}

	entry := &core.LedgerEntry{
		ID:             uuid.New().String(),
		TenantID:       req.TenantID,
		SubjectID:      req.SubjectID,
		IdempotencyKey: req.IdempotencyKey,
		Delta:          req.Amount.Neg(),
		BalanceAfter:   balance,
		Reason:         req.Reason,
		CallID:         req.CallID,
		CampaignID:     req.CampaignID,
	}
	if err := s.InsertLedgerEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	return &Receipt{Entry: entry, Balance: balance}, nil
}

// Credit adds funds with the same idempotent replay contract as Debit.
// Refund keys follow the "refund:<call-id>" convention so a retried refund
// can never double-pay.
func (l *Ledger) Credit(ctx context.Context, s Store, req CreditRequest) (*Receipt, error) {
	if req.Amount.IsNegative() || req.Amount.IsZero() {
		return nil, core.NewErrorf(core.ErrValidation, "credit amount must be positive, got %s", req.Amount)
	}
	if req.IdempotencyKey == "" {
		return nil, core.NewError(core.ErrValidation, "credit requires an idempotency key")
	}

	if prior, err := s.GetLedgerEntryByKey(ctx, s.DB(), req.TenantID, req.IdempotencyKey); err != nil {
		return nil, err
	} else if prior != nil {
		return &Receipt{Entry: prior, Balance: prior.BalanceAfter, Replayed: true}, nil
	}

	var receipt *Receipt
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		balance, err := s.CreditWallet(ctx, tx, req.TenantID, req.Amount)
		if err != nil {
			return err
		}
		entry := &core.LedgerEntry{
			ID:             uuid.New().String(),
			TenantID:       req.TenantID,
			SubjectID:      req.SubjectID,
			IdempotencyKey: req.IdempotencyKey,
			Delta:          req.Amount,
			BalanceAfter:   balance,
			Reason:         req.Reason,
			CallID:         req.CallID,
		}
		if err := s.InsertLedgerEntry(ctx, tx, entry); err != nil {
			return err
		}
		receipt = &Receipt{Entry: entry, Balance: balance}
		return nil
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			prior, lookupErr := s.GetLedgerEntryByKey(ctx, s.DB(), req.TenantID, req.IdempotencyKey)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if prior != nil {
				return &Receipt{Entry: prior, Balance: prior.BalanceAfter, Replayed: true}, nil
			}
		}
		return nil, err
	}

	if l.metrics != nil {
		l.metrics.RecordRefund(req.Reason)
	}
	return receipt, nil
}

// RefundKey builds the canonical idempotency key for a call refund.
func RefundKey(callID string) string {
	return fmt.Sprintf("refund:%s", callID)
}

// insufficientErr fetches the live balance for the error payload. The fetch
// is best-effort; a zero available is still an honest answer.
func (l *Ledger) insufficientErr(ctx context.Context, s Store, req DebitRequest) error {
	available := decimal.Zero
	if w, err := s.GetWallet(ctx, req.TenantID); err != nil {
		slog.Warn("Could not load wallet for insufficient-credits detail",
			"tenant_id", req.TenantID, "error", err)
	} else if w != nil {
		available = w.CurrentBalance
	}
	needed := req.Amount.Sub(available)
	if needed.IsNegative() {
		needed = decimal.Zero
	}
	return core.NewErrorf(core.ErrInsufficientFunds,
		"wallet has %s credits, %s required", available, req.Amount).
		WithDetails(map[string]any{
			"required":  req.Amount,
			"available": available,
			"needed":    needed,
		})
}

// RollUpCampaign folds a debit into its campaign aggregate. Failures are
// logged and swallowed: aggregates are a reporting convenience, never worth
// failing a charge over. Callers using DebitInTx invoke this themselves
// after their transaction commits.
func (l *Ledger) RollUpCampaign(ctx context.Context, s Store, campaignID string, amount decimal.Decimal) {
	if campaignID == "" {
		return
	}
	if err := s.RollUpCampaignSpend(ctx, campaignID, amount); err != nil {
		slog.Warn("Campaign aggregate roll-up failed", "campaign_id", campaignID, "error", err)
	}
}

func (l *Ledger) record(result string) {
	if l.metrics != nil {
		l.metrics.RecordDebit(result)
	}
}

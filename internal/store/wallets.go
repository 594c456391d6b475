package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/voxflow/backend/internal/core"
)

// GetWallet fetches the tenant wallet; absent rows return (nil, nil).
func (s *Store) GetWallet(ctx context.Context, tenantID string) (*core.Wallet, error) {
	query := fmt.Sprintf(`SELECT tenant_id, current_balance, updated_at FROM %s WHERE tenant_id = $1`,
		s.table("wallet"))

	var w core.Wallet
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&w.TenantID, &w.CurrentBalance, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &w, nil
}

// DebitWallet is the atomic conditional debit. The balance floor lives in
// the WHERE clause, so a concurrent race can never drive the balance below
// zero: the losing statement simply matches no row.
func (s *Store) DebitWallet(ctx context.Context, q Querier, tenantID string, amount decimal.Decimal) (decimal.Decimal, bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET current_balance = current_balance - $1, updated_at = NOW()
		WHERE tenant_id = $2 AND current_balance >= $1
		RETURNING current_balance`,
		s.table("wallet"))

	var balance decimal.Decimal
	err := q.QueryRowContext(ctx, query, amount, tenantID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, fmt.Errorf("debit wallet: %w", err)
	}
	return balance, true, nil
}

// CreditWallet adds funds, creating the wallet row on first credit.
func (s *Store) CreditWallet(ctx context.Context, q Querier, tenantID string, amount decimal.Decimal) (decimal.Decimal, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (tenant_id, current_balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (tenant_id)
		DO UPDATE SET current_balance = %s.current_balance + EXCLUDED.current_balance, updated_at = NOW()
		RETURNING current_balance`,
		s.table("wallet"), s.table("wallet"))

	var balance decimal.Decimal
	if err := q.QueryRowContext(ctx, query, tenantID, amount).Scan(&balance); err != nil {
		return decimal.Zero, fmt.Errorf("credit wallet: %w", err)
	}
	return balance, nil
}

// InsertLedgerEntry appends one movement. The unique (tenant_id,
// idempotency_key) index makes replays surface as a 23505, which callers
// detect with IsUniqueViolation.
func (s *Store) InsertLedgerEntry(ctx context.Context, q Querier, e *core.LedgerEntry) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, subject_id, idempotency_key, delta,
			balance_after, reason, call_id, campaign_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`,
		s.table("ledger_entries"))

	_, err := q.ExecContext(ctx, query,
		e.ID, e.TenantID, nullStr(e.SubjectID), e.IdempotencyKey, e.Delta,
		e.BalanceAfter, e.Reason, nullStr(e.CallID), nullStr(e.CampaignID))
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

const ledgerColumns = `id, tenant_id, subject_id, idempotency_key, delta,
	balance_after, reason, call_id, campaign_id, created_at`

// GetLedgerEntryByKey fetches the entry recorded for an idempotency key;
// absent rows return (nil, nil).
func (s *Store) GetLedgerEntryByKey(ctx context.Context, q Querier, tenantID, key string) (*core.LedgerEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 AND idempotency_key = $2`,
		ledgerColumns, s.table("ledger_entries"))

	e, err := scanLedgerEntry(q.QueryRowContext(ctx, query, tenantID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return e, nil
}

// ListLedgerEntries returns recent movements for a tenant, newest first.
func (s *Store) ListLedgerEntries(ctx context.Context, tenantID string, limit int) ([]*core.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`,
		ledgerColumns, s.table("ledger_entries"))

	rows, err := s.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []*core.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanLedgerEntry(row rowScanner) (*core.LedgerEntry, error) {
	var (
		e                             core.LedgerEntry
		subjectID, callID, campaignID sql.NullString
	)
	err := row.Scan(&e.ID, &e.TenantID, &subjectID, &e.IdempotencyKey, &e.Delta,
		&e.BalanceAfter, &e.Reason, &callID, &campaignID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.SubjectID = strOf(subjectID)
	e.CallID = strOf(callID)
	e.CampaignID = strOf(campaignID)
	return &e, nil
}

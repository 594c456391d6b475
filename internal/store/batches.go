package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/voxflow/backend/internal/core"
)

// psql builds every dynamic query with $n placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const batchColumns = `id, tenant_id, subject_id, agent_id, name, status, total_count,
	completed_count, failed_count, canceled_count, max_retries, scheduled_at, metadata,
	created_at, updated_at, finished_at`

// InsertBatchWithEntries persists the batch and all its entries in one
// transaction. Intake already validated every entry, so everything lands
// pending.
func (s *Store) InsertBatchWithEntries(ctx context.Context, b *core.Batch, entries []*core.BatchEntry) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		meta, err := jsonOf(b.Metadata)
		if err != nil {
			return err
		}
		batchQuery := fmt.Sprintf(`
			INSERT INTO %s (id, tenant_id, subject_id, agent_id, name, status,
				total_count, max_retries, scheduled_at, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`,
			s.table("batches"))
		_, err = tx.ExecContext(ctx, batchQuery,
			b.ID, b.TenantID, b.SubjectID, b.AgentID, b.Name, string(b.Status),
			b.TotalCount, b.MaxRetries, nullTime(b.ScheduledAt), meta)
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}

		entryQuery := fmt.Sprintf(`
			INSERT INTO %s (id, batch_id, country_code, base_number, contact_name,
				variables, status, last_error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`,
			s.table("batch_entries"))
		stmt, err := tx.PrepareContext(ctx, entryQuery)
		if err != nil {
			return fmt.Errorf("prepare entry insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range entries {
			vars, err := jsonOf(e.Variables)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx,
				e.ID, b.ID, e.CountryCode, e.BaseNumber, nullStr(e.ContactName),
				vars, string(e.Status), nullStr(e.LastError)); err != nil {
				return fmt.Errorf("insert batch entry: %w", err)
			}
		}
		return nil
	})
}

// GetBatch fetches one batch; absent rows return (nil, nil).
func (s *Store) GetBatch(ctx context.Context, id string) (*core.Batch, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, batchColumns, s.table("batches"))
	b, err := scanBatch(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// BatchFilter narrows ListBatches; zero fields are skipped.
type BatchFilter struct {
	Status  string
	AgentID string
	From    time.Time
	To      time.Time
	Limit   uint64
	Offset  uint64
}

// ListBatches returns batches for the view endpoint, newest first.
func (s *Store) ListBatches(ctx context.Context, f BatchFilter) ([]*core.Batch, error) {
	builder := psql.Select(batchColumns).
		From(s.table("batches")).
		OrderBy("created_at DESC")

	if f.Status != "" {
		builder = builder.Where(sq.Eq{"status": f.Status})
	}
	if f.AgentID != "" {
		builder = builder.Where(sq.Eq{"agent_id": f.AgentID})
	}
	if !f.From.IsZero() {
		builder = builder.Where(sq.GtOrEq{"created_at": f.From})
	}
	if !f.To.IsZero() {
		builder = builder.Where(sq.Lt{"created_at": f.To})
	}
	if f.Limit == 0 {
		f.Limit = 50
	}
	builder = builder.Limit(f.Limit).Offset(f.Offset)

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build batch list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []*core.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateBatchStatus performs the conditional batch transition; terminal
// targets also stamp finished_at.
func (s *Store) UpdateBatchStatus(ctx context.Context, q Querier, id string, target core.BatchStatus) (bool, error) {
	allowed := core.BatchAllowedFrom(target)
	if len(allowed) == 0 {
		return false, core.NewErrorf(core.ErrValidation, "no transition may enter batch status %q", target)
	}

	finished := "finished_at"
	if target.IsTerminal() {
		finished = "NOW()"
	}
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, updated_at = NOW(), finished_at = %s
		WHERE id = $2 AND status = ANY($3)`,
		s.table("batches"), finished)

	res, err := q.ExecContext(ctx, query, string(target), id, pq.Array(batchStatusStrings(allowed)))
	if err != nil {
		return false, fmt.Errorf("update batch status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update batch status rows: %w", err)
	}
	return n == 1, nil
}

// batchCounterColumns is the allowlist for atomic counter bumps.
var batchCounterColumns = map[string]bool{
	"completed_count": true,
	"failed_count":    true,
	"canceled_count":  true,
}

// BumpBatchCounter atomically increments one progress counter.
func (s *Store) BumpBatchCounter(ctx context.Context, q Querier, id, column string, delta int) error {
	if !batchCounterColumns[column] {
		return core.NewErrorf(core.ErrValidation, "illegal batch counter column %q", column)
	}
	query := fmt.Sprintf(`UPDATE %s SET %s = %s + $1, updated_at = NOW() WHERE id = $2`,
		s.table("batches"), column, column)
	if _, err := q.ExecContext(ctx, query, delta, id); err != nil {
		return fmt.Errorf("bump batch counter %s: %w", column, err)
	}
	return nil
}

// ClaimPendingEntries atomically claims up to limit pending entries for
// execution. SKIP LOCKED keeps concurrent claimers from colliding.
func (s *Store) ClaimPendingEntries(ctx context.Context, batchID string, limit int) ([]*core.BatchEntry, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'claimed', attempts = attempts + 1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM %s
			WHERE batch_id = $1 AND status = 'pending'
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, batch_id, country_code, base_number, contact_name, variables,
			status, call_id, attempts, last_error, created_at, updated_at`,
		s.table("batch_entries"), s.table("batch_entries"))

	rows, err := s.db.QueryContext(ctx, query, batchID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch entries: %w", err)
	}
	defer rows.Close()

	var out []*core.BatchEntry
	for rows.Next() {
		e, err := scanBatchEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEntryResult records the outcome of one executed entry.
func (s *Store) UpdateEntryResult(ctx context.Context, id string, status core.EntryStatus, callID, lastErr string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1,
			call_id = COALESCE(NULLIF($2, ''), call_id),
			last_error = COALESCE(NULLIF($3, ''), last_error),
			updated_at = NOW()
		WHERE id = $4`,
		s.table("batch_entries"))
	if _, err := s.db.ExecContext(ctx, query, string(status), callID, lastErr, id); err != nil {
		return fmt.Errorf("update entry result: %w", err)
	}
	return nil
}

// ReleaseEntryForRetry puts a claimed entry back in the pending pool.
func (s *Store) ReleaseEntryForRetry(ctx context.Context, id, lastErr string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'pending', last_error = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'claimed'`,
		s.table("batch_entries"))
	if _, err := s.db.ExecContext(ctx, query, lastErr, id); err != nil {
		return fmt.Errorf("release entry for retry: %w", err)
	}
	return nil
}

// CancelPendingEntries cancels every still-pending entry of a batch and
// returns how many were cancelled. Claimed entries finish on their own.
func (s *Store) CancelPendingEntries(ctx context.Context, q Querier, batchID string) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'canceled', updated_at = NOW()
		WHERE batch_id = $1 AND status = 'pending'`,
		s.table("batch_entries"))
	res, err := q.ExecContext(ctx, query, batchID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending entries: %w", err)
	}
	return res.RowsAffected()
}

// ListEntries returns all entries of a batch, oldest first.
func (s *Store) ListEntries(ctx context.Context, batchID string) ([]*core.BatchEntry, error) {
	query := fmt.Sprintf(`
		SELECT id, batch_id, country_code, base_number, contact_name, variables,
			status, call_id, attempts, last_error, created_at, updated_at
		FROM %s WHERE batch_id = $1 ORDER BY created_at`,
		s.table("batch_entries"))

	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch entries: %w", err)
	}
	defer rows.Close()

	var out []*core.BatchEntry
	for rows.Next() {
		e, err := scanBatchEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StatsFilter bounds the aggregate stats window.
type StatsFilter struct {
	From time.Time
	To   time.Time
}

// BatchStatsQuery aggregates batch progress and call spend over a window.
func (s *Store) BatchStatsQuery(ctx context.Context, f StatsFilter) (*core.BatchStats, error) {
	builder := psql.Select(
		"COUNT(*)",
		"COALESCE(SUM(total_count), 0)",
		"COALESCE(SUM(completed_count), 0)",
		"COALESCE(SUM(failed_count), 0)",
		"COALESCE(SUM(canceled_count), 0)",
	).From(s.table("batches"))
	if !f.From.IsZero() {
		builder = builder.Where(sq.GtOrEq{"created_at": f.From})
	}
	if !f.To.IsZero() {
		builder = builder.Where(sq.Lt{"created_at": f.To})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build stats query: %w", err)
	}

	stats := &core.BatchStats{ByStatus: make(map[string]int)}
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalBatches, &stats.TotalCalls, &stats.CompletedCalls,
		&stats.FailedCalls, &stats.CanceledCalls)
	if err != nil {
		return nil, fmt.Errorf("batch stats: %w", err)
	}

	byStatus := psql.Select("status", "COUNT(*)").From(s.table("batches")).GroupBy("status")
	if !f.From.IsZero() {
		byStatus = byStatus.Where(sq.GtOrEq{"created_at": f.From})
	}
	if !f.To.IsZero() {
		byStatus = byStatus.Where(sq.Lt{"created_at": f.To})
	}
	query, args, err = byStatus.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build stats by-status query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("batch stats by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats.ByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	costQuery := fmt.Sprintf(`
		SELECT COALESCE(SUM(cost), 0) FROM %s
		WHERE batch_id IS NOT NULL AND ($1::timestamptz IS NULL OR created_at >= $1)
			AND ($2::timestamptz IS NULL OR created_at < $2)`,
		s.table("call_logs"))
	if err := s.db.QueryRowContext(ctx, costQuery, nullTime(timeOrNil(f.From)), nullTime(timeOrNil(f.To))).Scan(&stats.TotalCost); err != nil {
		return nil, fmt.Errorf("batch call cost: %w", err)
	}
	return stats, nil
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanBatch(row rowScanner) (*core.Batch, error) {
	var (
		b                       core.Batch
		scheduledAt, finishedAt sql.NullTime
		meta                    []byte
	)
	err := row.Scan(&b.ID, &b.TenantID, &b.SubjectID, &b.AgentID, &b.Name, &b.Status,
		&b.TotalCount, &b.CompletedCount, &b.FailedCount, &b.CanceledCount,
		&b.MaxRetries, &scheduledAt, &meta, &b.CreatedAt, &b.UpdatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	b.ScheduledAt = timePtr(scheduledAt)
	b.FinishedAt = timePtr(finishedAt)
	if b.Metadata, err = mapOf(meta); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanBatchEntry(row rowScanner) (*core.BatchEntry, error) {
	var (
		e                            core.BatchEntry
		contactName, callID, lastErr sql.NullString
		vars                         []byte
	)
	err := row.Scan(&e.ID, &e.BatchID, &e.CountryCode, &e.BaseNumber, &contactName,
		&vars, &e.Status, &callID, &e.Attempts, &lastErr, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.ContactName = strOf(contactName)
	e.CallID = strOf(callID)
	e.LastError = strOf(lastErr)
	if e.Variables, err = mapOf(vars); err != nil {
		return nil, err
	}
	return &e, nil
}

func batchStatusStrings(in []core.BatchStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/voxflow/backend/internal/core"
)

const callLogColumns = `id, tenant_id, subject_id, agent_id, batch_id, provider,
	provider_call_ref, country_code, base_number, voice_id, status, ended_reason,
	duration_seconds, cost, recording_url, metadata, created_at, updated_at`

// InsertCallLog writes a new call log row, normally inside the dispatch
// transaction so the row is committed before any provider traffic.
func (s *Store) InsertCallLog(ctx context.Context, q Querier, c *core.CallLog) error {
	meta, err := jsonOf(c.Metadata)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, subject_id, agent_id, batch_id, provider,
			country_code, base_number, voice_id, status, cost, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())`,
		s.table("call_logs"))

	_, err = q.ExecContext(ctx, query,
		c.ID, c.TenantID, c.SubjectID, c.AgentID, nullStr(c.BatchID), c.Provider,
		c.CountryCode, c.BaseNumber, nullStr(c.VoiceID), string(c.Status), c.Cost, meta)
	if err != nil {
		return fmt.Errorf("insert call log: %w", err)
	}
	return nil
}

// GetCallLog fetches one call log; absent rows return (nil, nil).
func (s *Store) GetCallLog(ctx context.Context, id string) (*core.CallLog, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, callLogColumns, s.table("call_logs"))
	c, err := scanCallLog(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get call log: %w", err)
	}
	return c, nil
}

// UpdateCallStatus performs the conditional transition into target. The
// WHERE clause names the allowed prior states, so an illegal or terminal
// transition touches zero rows and returns false.
func (s *Store) UpdateCallStatus(ctx context.Context, q Querier, id string, target core.CallStatus, providerRef string) (bool, error) {
	allowed := core.AllowedFrom(target)
	if len(allowed) == 0 {
		return false, core.NewErrorf(core.ErrValidation, "no transition may enter status %q", target)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1,
			provider_call_ref = COALESCE(NULLIF($2, ''), provider_call_ref),
			updated_at = NOW()
		WHERE id = $3 AND status = ANY($4)`,
		s.table("call_logs"))

	res, err := q.ExecContext(ctx, query, string(target), providerRef, id, pq.Array(statusStrings(allowed)))
	if err != nil {
		return false, fmt.Errorf("update call status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update call status rows: %w", err)
	}
	return n == 1, nil
}

// FailQueuedCall marks a call failed only while it is still queued. A call
// the provider already accepted (a webhook moved it on) is left alone, so the
// caller knows whether the attempt ever started.
func (s *Store) FailQueuedCall(ctx context.Context, q Querier, id, reason string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'failed', ended_reason = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'queued'`,
		s.table("call_logs"))

	res, err := q.ExecContext(ctx, query, reason, id)
	if err != nil {
		return false, fmt.Errorf("fail queued call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail queued call rows: %w", err)
	}
	return n == 1, nil
}

// CallOutcome carries terminal call fields reported by the provider.
type CallOutcome struct {
	EndedReason     string
	DurationSeconds int
	Cost            sql.NullString
	RecordingURL    string
}

// UpdateCallOutcome moves a call into a terminal state with its outcome
// fields, guarded by the same allowed-prior-states clause.
func (s *Store) UpdateCallOutcome(ctx context.Context, id string, target core.CallStatus, out CallOutcome) (bool, error) {
	if !target.IsTerminal() {
		return false, core.NewErrorf(core.ErrValidation, "outcome update requires a terminal status, got %q", target)
	}
	allowed := core.AllowedFrom(target)

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1,
			ended_reason = COALESCE(NULLIF($2, ''), ended_reason),
			duration_seconds = GREATEST(duration_seconds, $3),
			cost = COALESCE($4::numeric, cost),
			recording_url = COALESCE(NULLIF($5, ''), recording_url),
			updated_at = NOW()
		WHERE id = $6 AND status = ANY($7)`,
		s.table("call_logs"))

	res, err := s.db.ExecContext(ctx, query,
		string(target), out.EndedReason, out.DurationSeconds, out.Cost, out.RecordingURL,
		id, pq.Array(statusStrings(allowed)))
	if err != nil {
		return false, fmt.Errorf("update call outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update call outcome rows: %w", err)
	}
	return n == 1, nil
}

// ListCallsByBatch returns the calls spawned by one batch, oldest first.
func (s *Store) ListCallsByBatch(ctx context.Context, batchID string) ([]*core.CallLog, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE batch_id = $1 ORDER BY created_at`,
		callLogColumns, s.table("call_logs"))

	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("list calls by batch: %w", err)
	}
	defer rows.Close()

	var out []*core.CallLog
	for rows.Next() {
		c, err := scanCallLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call log: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCallLog(row rowScanner) (*core.CallLog, error) {
	var (
		c                             core.CallLog
		batchID, providerRef, voiceID sql.NullString
		endedReason, recordingURL     sql.NullString
		meta                          []byte
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.SubjectID, &c.AgentID, &batchID, &c.Provider,
		&providerRef, &c.CountryCode, &c.BaseNumber, &voiceID, &c.Status, &endedReason,
		&c.DurationSeconds, &c.Cost, &recordingURL, &meta, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.BatchID = strOf(batchID)
	c.ProviderCallRef = strOf(providerRef)
	c.VoiceID = strOf(voiceID)
	c.EndedReason = strOf(endedReason)
	c.RecordingURL = strOf(recordingURL)
	if c.Metadata, err = mapOf(meta); err != nil {
		return nil, err
	}
	return &c, nil
}

func statusStrings(in []core.CallStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

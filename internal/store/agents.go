package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/voxflow/backend/internal/core"
)

// GetAgent fetches one agent row from the tenant schema; absent rows return
// (nil, nil).
func (s *Store) GetAgent(ctx context.Context, id string) (*core.Agent, error) {
	query := fmt.Sprintf(`
		SELECT id, tenant_id, name, provider, voice_id, config, created_at
		FROM %s WHERE id = $1`,
		s.table("agents"))

	var (
		a       core.Agent
		voiceID sql.NullString
		cfg     []byte
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.TenantID, &a.Name, &a.Provider, &voiceID, &cfg, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	a.VoiceID = strOf(voiceID)
	if a.Config, err = mapOf(cfg); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListProviders returns the platform provider registry ordered by priority.
func (db *DB) ListProviders(ctx context.Context) ([]*core.Provider, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name, status, priority FROM public.providers ORDER BY priority, name`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []*core.Provider
	for rows.Next() {
		var p core.Provider
		if err := rows.Scan(&p.Name, &p.Status, &p.Priority); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// GetProvider fetches one provider registry row; absent rows return (nil, nil).
func (db *DB) GetProvider(ctx context.Context, name string) (*core.Provider, error) {
	var p core.Provider
	err := db.QueryRowContext(ctx, `
		SELECT name, status, priority FROM public.providers WHERE name = $1`,
		name).Scan(&p.Name, &p.Status, &p.Priority)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get provider: %w", err)
	}
	return &p, nil
}

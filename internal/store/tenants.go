package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/voxflow/backend/internal/core"
)

// GetTenant fetches a registry row by id; absent rows return (nil, nil).
func (db *DB) GetTenant(ctx context.Context, id string) (*core.TenantRecord, error) {
	var (
		t        core.TenantRecord
		settings []byte
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, name, schema_name, plan, status, settings, created_at
		FROM public.tenants WHERE id = $1`,
		id).Scan(&t.ID, &t.Name, &t.Schema, &t.Plan, &t.Status, &settings, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	if t.Settings, err = mapOf(settings); err != nil {
		return nil, err
	}
	return &t, nil
}

// ServiceKeyRow is a stored API key credential. Only the bcrypt hash of the
// secret half ever touches the database.
type ServiceKeyRow struct {
	ID         string
	TenantID   string
	SecretHash string
	Status     string
	CreatedAt  time.Time
}

// GetServiceKey fetches a key row by its public id; absent rows return
// (nil, nil).
func (db *DB) GetServiceKey(ctx context.Context, keyID string) (*ServiceKeyRow, error) {
	var k ServiceKeyRow
	err := db.QueryRowContext(ctx, `
		SELECT id, tenant_id, secret_hash, status, created_at
		FROM public.service_keys WHERE id = $1`,
		keyID).Scan(&k.ID, &k.TenantID, &k.SecretHash, &k.Status, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get service key: %w", err)
	}
	return &k, nil
}

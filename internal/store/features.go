package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// FeatureRows carries the four resolution layers for one feature key. The
// catalog lives in the public schema; overrides are keyed by tenant and
// subject rather than living inside tenant schemas, so the resolver can read
// them without a schema handle.
type FeatureRows struct {
	SubjectEnabled *bool
	SubjectLimit   *int64
	TenantEnabled  *bool
	TenantLimit    *int64
	PlanEnabled    *bool
	PlanLimit      *int64
	DefaultEnabled *bool
}

// ResolveFeatureRows loads every layer for (tenant, subject, plan, key).
// Expired tenant overrides are filtered in SQL so they lose to the plan
// layer exactly as if they were absent.
func (db *DB) ResolveFeatureRows(ctx context.Context, tenantID, subjectID, plan, key string) (*FeatureRows, error) {
	rows := &FeatureRows{}

	if subjectID != "" {
		var enabled sql.NullBool
		var limit sql.NullInt64
		err := db.QueryRowContext(ctx, `
			SELECT enabled, limit_value FROM public.feature_overrides
			WHERE tenant_id = $1 AND subject_id = $2 AND key = $3`,
			tenantID, subjectID, key).Scan(&enabled, &limit)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("subject override: %w", err)
		}
		if enabled.Valid {
			rows.SubjectEnabled = &enabled.Bool
			rows.SubjectLimit = int64Ptr(limit)
		}
	}

	var enabled sql.NullBool
	var limit sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT enabled, limit_value FROM public.feature_overrides
		WHERE tenant_id = $1 AND subject_id IS NULL AND key = $2
			AND (expires_at IS NULL OR expires_at > NOW())`,
		tenantID, key).Scan(&enabled, &limit)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant override: %w", err)
	}
	if enabled.Valid {
		rows.TenantEnabled = &enabled.Bool
		rows.TenantLimit = int64Ptr(limit)
	}

	if plan != "" {
		var planEnabled sql.NullBool
		var planLimit sql.NullInt64
		err = db.QueryRowContext(ctx, `
			SELECT enabled, limit_value FROM public.plan_features
			WHERE plan = $1 AND key = $2`,
			plan, key).Scan(&planEnabled, &planLimit)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("plan feature: %w", err)
		}
		if planEnabled.Valid {
			rows.PlanEnabled = &planEnabled.Bool
			rows.PlanLimit = int64Ptr(planLimit)
		}
	}

	var defEnabled sql.NullBool
	err = db.QueryRowContext(ctx, `
		SELECT default_value FROM public.features WHERE key = $1`,
		key).Scan(&defEnabled)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feature default: %w", err)
	}
	if defEnabled.Valid {
		rows.DefaultEnabled = &defEnabled.Bool
	}

	return rows, nil
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

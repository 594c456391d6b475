package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/voxflow/backend/internal/config"
	"github.com/voxflow/backend/internal/core"
)

// identPattern is the only shape an identifier may have before it is
// interpolated into a statement. Values never travel this path; they ride
// $n placeholders.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Querier is satisfied by both *sql.DB and *sql.Tx so repository methods can
// run standalone or inside a caller-owned transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the pq connection pool plus the configured fallback schema.
type DB struct {
	*sql.DB
	defaultSchema string
}

// Open connects, applies pool limits and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url is not configured")
	}

	sqlDB, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	slog.Info("✅ Connected to Postgres", "default_schema", cfg.DefaultSchema)
	return &DB{DB: sqlDB, defaultSchema: cfg.DefaultSchema}, nil
}

// SanitizeIdent accepts only [A-Za-z0-9_]+ identifiers.
func SanitizeIdent(name string) (string, error) {
	if name == "" || !identPattern.MatchString(name) {
		return "", core.NewErrorf(core.ErrValidation, "illegal identifier %q", name)
	}
	return name, nil
}

// ResolveSchema picks the effective tenant schema. Priority: explicit
// override, then the subject schema, then the tenant schema from the
// registry, then the configured default. Every candidate is sanitised.
func (db *DB) ResolveSchema(p *core.Principal, override string) (string, error) {
	for _, candidate := range []string{override, subjectSchema(p), tenantSchema(p), db.defaultSchema} {
		if candidate == "" {
			continue
		}
		return SanitizeIdent(candidate)
	}
	return "", core.NewError(core.ErrValidation, "no schema could be resolved for request")
}

func subjectSchema(p *core.Principal) string {
	if p == nil {
		return ""
	}
	return p.SubjectSchema
}

func tenantSchema(p *core.Principal) string {
	if p == nil {
		return ""
	}
	return p.TenantSchema
}

// Store is a schema-scoped handle. Construction is the single chokepoint
// where the schema identifier gets validated.
type Store struct {
	db     *DB
	schema string
}

// ForSchema validates the schema name and returns a scoped store.
func (db *DB) ForSchema(schema string) (*Store, error) {
	s, err := SanitizeIdent(schema)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, schema: s}, nil
}

// StoreFor resolves the schema for a principal and returns a scoped store.
func (db *DB) StoreFor(p *core.Principal, override string) (*Store, error) {
	schema, err := db.ResolveSchema(p, override)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, schema: schema}, nil
}

// Schema returns the validated schema this store is bound to.
func (s *Store) Schema() string { return s.schema }

// DB exposes the underlying pool for transaction control.
func (s *Store) DB() *DB { return s.db }

// table qualifies a table name with the validated schema.
func (s *Store) table(name string) string {
	return s.schema + "." + name
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Error("Transaction rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// IsUniqueViolation reports whether err is a Postgres 23505 unique conflict.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ── scan helpers ──

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func strOf(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// jsonOf marshals a metadata map for a jsonb column; nil maps store NULL.
func jsonOf(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb: %w", err)
	}
	return b, nil
}

// mapOf unmarshals a jsonb column into a map; NULL yields nil.
func mapOf(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal jsonb: %w", err)
	}
	return m, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/voxflow/backend/internal/core"
)

// GetVoice fetches one catalog voice; absent rows return (nil, nil). The
// dispatcher treats absence as non-fatal and falls back to the provider
// default voice.
func (db *DB) GetVoice(ctx context.Context, id string) (*core.Voice, error) {
	var (
		v        core.Voice
		language sql.NullString
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, provider, name, language FROM public.voices WHERE id = $1`,
		id).Scan(&v.ID, &v.Provider, &v.Name, &language)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get voice: %w", err)
	}
	v.Language = strOf(language)
	return &v, nil
}

package notify

import (
	"context"

	"github.com/voxflow/backend/internal/core"
	"github.com/voxflow/backend/internal/store"
)

// DBSource reads call rows for notifications. The schema in the payload was
// emitted by our own trigger, but it still goes through the identifier
// validation in ForSchema before touching a statement.
type DBSource struct {
	db *store.DB
}

func NewDBSource(db *store.DB) *DBSource { return &DBSource{db: db} }

func (s *DBSource) FetchCall(ctx context.Context, schema, id string) (*core.CallLog, error) {
	st, err := s.db.ForSchema(schema)
	if err != nil {
		return nil, err
	}
	return st.GetCallLog(ctx, id)
}

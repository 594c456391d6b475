package store

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// RollUpCampaignSpend folds one call into the campaign aggregate JSON:
// calls_count increments, credits_spent accumulates. A missing campaign row
// touches nothing; callers treat every failure here as non-fatal.
func (s *Store) RollUpCampaignSpend(ctx context.Context, campaignID string, credits decimal.Decimal) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET aggregate = jsonb_set(
				jsonb_set(
					COALESCE(aggregate, '{}'::jsonb),
					'{calls_count}',
					to_jsonb(COALESCE((aggregate->>'calls_count')::int, 0) + 1)
				),
				'{credits_spent}',
				to_jsonb(COALESCE((aggregate->>'credits_spent')::numeric, 0) + $1::numeric)
			),
			updated_at = NOW()
		WHERE id = $2`,
		s.table("campaigns"))

	if _, err := s.db.ExecContext(ctx, query, credits, campaignID); err != nil {
		return fmt.Errorf("roll up campaign spend: %w", err)
	}
	return nil
}

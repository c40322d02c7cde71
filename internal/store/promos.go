package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/deffgod/gkeys-store-sub002/internal/models"
)

// GetPromoByCode retrieves a promo code. Returns nil, nil when the code
// does not exist so callers can distinguish unknown from DB failure.
func (s *Store) GetPromoByCode(ctx context.Context, code string) (*models.PromoCode, error) {
	var promo models.PromoCode
	err := s.db.GetContext(ctx, &promo, "SELECT * FROM promo_codes WHERE code = $1", code)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &promo, nil
}

// CreatePromo inserts a new promo code
func (s *Store) CreatePromo(ctx context.Context, promo *models.PromoCode) error {
	query := `
		INSERT INTO promo_codes (code, discount_percent, active, valid_from, valid_until, max_uses)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, used_count`
	err := s.db.GetContext(ctx, promo, query,
		promo.Code, promo.DiscountPercent, promo.Active, promo.ValidFrom, promo.ValidUntil, promo.MaxUses)
	if err != nil {
		return fmt.Errorf("failed to create promo code: %w", err)
	}
	return nil
}

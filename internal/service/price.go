package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openvlab/accounting/internal/domain"
	"github.com/openvlab/accounting/internal/repository"
)

// AddPrice inserts a price row. A vlab-specific price requires the vlab
// to exist; older prices for the same service stay valid and lose only by
// resolution order.
func (s *Service) AddPrice(ctx context.Context, p repository.AddPriceParams) (domain.Price, error) {
	repos := repository.NewGroup(s.db)
	if p.VlabID.Valid {
		if _, err := repos.Account.GetVlabAccount(ctx, p.VlabID.UUID, false); err != nil {
			return domain.Price{}, err
		}
	}
	return repos.Price.Add(ctx, p)
}

// ListPrices returns all price rows.
func (s *Service) ListPrices(ctx context.Context) ([]domain.Price, error) {
	return repository.NewGroup(s.db).Price.List(ctx)
}

// CreateDiscount inserts a discount row for an existing vlab.
func (s *Service) CreateDiscount(ctx context.Context, p repository.CreateDiscountParams) (domain.Discount, error) {
	repos := repository.NewGroup(s.db)
	if _, err := repos.Account.GetVlabAccount(ctx, p.VlabID, false); err != nil {
		return domain.Discount{}, err
	}
	return repos.Discount.Create(ctx, p)
}

// UpdateDiscount updates an existing discount row.
func (s *Service) UpdateDiscount(ctx context.Context, discountID int64, p repository.UpdateDiscountParams) (domain.Discount, error) {
	return repository.NewGroup(s.db).Discount.Update(ctx, discountID, p)
}

// ListDiscounts returns all discounts of a vlab.
func (s *Service) ListDiscounts(ctx context.Context, vlabID uuid.UUID) ([]domain.Discount, error) {
	repos := repository.NewGroup(s.db)
	if _, err := repos.Account.GetVlabAccount(ctx, vlabID, false); err != nil {
		return nil, err
	}
	return repos.Discount.List(ctx, vlabID)
}

// GetCurrentDiscount returns the discount active now for a vlab, or nil.
func (s *Service) GetCurrentDiscount(ctx context.Context, vlabID uuid.UUID) (*domain.Discount, error) {
	return repository.NewGroup(s.db).Discount.Current(ctx, vlabID, time.Now().UTC())
}

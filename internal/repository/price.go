package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openvlab/accounting/internal/apierror"
	"github.com/openvlab/accounting/internal/constants"
	"github.com/openvlab/accounting/internal/database"
	"github.com/openvlab/accounting/internal/domain"
)

const priceColumns = `id, service_type, service_subtype, valid_from, valid_to,
	fixed_cost, multiplier, vlab_id, created_at, updated_at`

// PriceRepository reads and writes the time-versioned price list.
type PriceRepository struct {
	db database.DBTX
}

func scanPrice(row interface{ Scan(...any) error }) (domain.Price, error) {
	var p domain.Price
	err := row.Scan(
		&p.ID, &p.ServiceType, &p.ServiceSubtype, &p.ValidFrom, &p.ValidTo,
		&p.FixedCost, &p.Multiplier, &p.VlabID, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

func (r *PriceRepository) getVlabPrice(
	ctx context.Context,
	vlabID uuid.NullUUID,
	serviceType constants.ServiceType,
	serviceSubtype constants.ServiceSubtype,
	usageTime time.Time,
) (*domain.Price, error) {
	// vlab_id IS NOT DISTINCT FROM matches both the vlab-specific and the
	// default (null) rows with the same query.
	row := r.db.QueryRowContext(ctx,
		`SELECT `+priceColumns+`
		FROM price
		WHERE service_type = $1
			AND service_subtype = $2
			AND vlab_id IS NOT DISTINCT FROM $3
			AND valid_from <= $4
			AND (valid_to IS NULL OR valid_to > $4)
		ORDER BY valid_from DESC, id DESC
		LIMIT 1`,
		serviceType, serviceSubtype, vlabID, usageTime,
	)
	p, err := scanPrice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query price failed: %w", err)
	}
	return &p, nil
}

// GetPrice resolves the price applicable to the given vlab, service and
// time: the latest valid vlab-specific row wins, falling back to the
// default row with a null vlab.
func (r *PriceRepository) GetPrice(
	ctx context.Context,
	vlabID uuid.UUID,
	serviceType constants.ServiceType,
	serviceSubtype constants.ServiceSubtype,
	usageTime time.Time,
) (domain.Price, error) {
	p, err := r.getVlabPrice(ctx, uuid.NullUUID{UUID: vlabID, Valid: true},
		serviceType, serviceSubtype, usageTime)
	if err != nil {
		return domain.Price{}, err
	}
	if p == nil {
		p, err = r.getVlabPrice(ctx, uuid.NullUUID{}, serviceType, serviceSubtype, usageTime)
		if err != nil {
			return domain.Price{}, err
		}
	}
	if p == nil {
		return domain.Price{}, apierror.NotFound(fmt.Sprintf(
			"Missing price for: %s %s %s %s",
			vlabID, serviceType, serviceSubtype, usageTime.UTC().Format(time.RFC3339)))
	}
	return *p, nil
}

// AddPriceParams describes a new price row. Pre-existing prices for the
// same service and vlab aren't invalidated: resolution always picks the
// latest valid_from.
type AddPriceParams struct {
	ServiceType    constants.ServiceType
	ServiceSubtype constants.ServiceSubtype
	ValidFrom      time.Time
	ValidTo        *time.Time
	FixedCost      decimal.Decimal
	Multiplier     decimal.Decimal
	VlabID         uuid.NullUUID
}

// Add inserts a new price row.
func (r *PriceRepository) Add(ctx context.Context, p AddPriceParams) (domain.Price, error) {
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO price (service_type, service_subtype, valid_from, valid_to,
			fixed_cost, multiplier, vlab_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+priceColumns,
		p.ServiceType, p.ServiceSubtype, p.ValidFrom, p.ValidTo,
		p.FixedCost, p.Multiplier, p.VlabID,
	)
	price, err := scanPrice(row)
	if err != nil {
		return price, fmt.Errorf("insert price failed: %w", err)
	}
	return price, nil
}

// List returns all price rows, newest validity first.
func (r *PriceRepository) List(ctx context.Context) ([]domain.Price, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+priceColumns+` FROM price ORDER BY valid_from DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query prices failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Price
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan price failed: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

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
	"github.com/openvlab/accounting/internal/database"
	"github.com/openvlab/accounting/internal/domain"
)

const discountColumns = `id, vlab_id, valid_from, valid_to, discount, created_at, updated_at`

// DiscountRepository reads and writes the per-vlab discounts.
type DiscountRepository struct {
	db database.DBTX
}

func scanDiscount(row interface{ Scan(...any) error }) (domain.Discount, error) {
	var d domain.Discount
	err := row.Scan(
		&d.ID, &d.VlabID, &d.ValidFrom, &d.ValidTo,
		&d.Discount, &d.CreatedAt, &d.UpdatedAt,
	)
	return d, err
}

// Current returns the discount active for the vlab at the given time, or
// nil when none applies.
func (r *DiscountRepository) Current(ctx context.Context, vlabID uuid.UUID, at time.Time) (*domain.Discount, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+discountColumns+`
		FROM discount
		WHERE vlab_id = $1
			AND valid_from <= $2
			AND (valid_to IS NULL OR valid_to > $2)
		ORDER BY valid_from DESC, id DESC
		LIMIT 1`,
		vlabID, at,
	)
	d, err := scanDiscount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query current discount failed: %w", err)
	}
	return &d, nil
}

// List returns all discounts of a vlab, newest validity first.
func (r *DiscountRepository) List(ctx context.Context, vlabID uuid.UUID) ([]domain.Discount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+discountColumns+`
		FROM discount
		WHERE vlab_id = $1
		ORDER BY valid_from DESC, id DESC`,
		vlabID,
	)
	if err != nil {
		return nil, fmt.Errorf("query discounts failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Discount
	for rows.Next() {
		d, err := scanDiscount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan discount failed: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateDiscountParams describes a new discount row. Discount is the
// multiplicative reduction in [0, 1): a job costing C is charged
// C * (1 - Discount).
type CreateDiscountParams struct {
	VlabID    uuid.UUID
	ValidFrom time.Time
	ValidTo   *time.Time
	Discount  decimal.Decimal
}

// Create inserts a new discount row.
func (r *DiscountRepository) Create(ctx context.Context, p CreateDiscountParams) (domain.Discount, error) {
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO discount (vlab_id, valid_from, valid_to, discount)
		VALUES ($1, $2, $3, $4)
		RETURNING `+discountColumns,
		p.VlabID, p.ValidFrom, p.ValidTo, p.Discount,
	)
	d, err := scanDiscount(row)
	if err != nil {
		return d, fmt.Errorf("insert discount failed: %w", err)
	}
	return d, nil
}

// UpdateDiscountParams carries the updatable fields of a discount; only
// non-nil fields are written.
type UpdateDiscountParams struct {
	ValidFrom *time.Time
	ValidTo   *time.Time
	Discount  *decimal.Decimal
}

// Update applies p to the discount with the given id.
func (r *DiscountRepository) Update(ctx context.Context, discountID int64, p UpdateDiscountParams) (domain.Discount, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE discount SET
			valid_from = COALESCE($2, valid_from),
			valid_to = COALESCE($3, valid_to),
			discount = COALESCE($4, discount),
			updated_at = now()
		WHERE id = $1
		RETURNING `+discountColumns,
		discountID, p.ValidFrom, p.ValidTo, p.Discount,
	)
	d, err := scanDiscount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return d, apierror.NotFound(fmt.Sprintf("Discount %d not found", discountID))
	}
	if err != nil {
		return d, fmt.Errorf("update discount failed: %w", err)
	}
	return d, nil
}

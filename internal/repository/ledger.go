package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/openvlab/accounting/internal/apierror"
	"github.com/openvlab/accounting/internal/constants"
	"github.com/openvlab/accounting/internal/database"
	"github.com/openvlab/accounting/internal/domain"
	"github.com/openvlab/accounting/internal/metrics"
)

// LedgerRepository writes the double-entry journal and keeps the cached
// account balances consistent with it.
type LedgerRepository struct {
	db database.DBTX
}

// TransactionParams describes one double-entry posting: Amount moves from
// DebitedFrom to CreditedTo at TransactionDatetime (business time).
type TransactionParams struct {
	Amount              decimal.Decimal
	DebitedFrom         uuid.UUID
	CreditedTo          uuid.UUID
	TransactionDatetime time.Time
	TransactionType     constants.TransactionType
	JobID               uuid.NullUUID
	PriceID             sql.NullInt64
	DiscountID          sql.NullInt64
	Properties          domain.Params
}

// InsertTransaction atomically posts one journal row, its two ledger rows
// (-amount on the debited account, +amount on the credited one) and the
// two balance updates. The caller must run it inside a transaction.
//
// Amount may be negative: callers that detect an overcharge pass a
// negative amount to reverse direction. The store warns and proceeds.
func (r *LedgerRepository) InsertTransaction(ctx context.Context, p TransactionParams) (int64, error) {
	if p.Amount.Sign() <= 0 {
		log.Warn().
			Str("amount", p.Amount.String()).
			Str("transaction_type", string(p.TransactionType)).
			Msg("non-positive transaction amount")
	}

	var journalID int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO journal (transaction_datetime, transaction_type, job_id, price_id, discount_id, properties)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		p.TransactionDatetime, p.TransactionType, p.JobID, p.PriceID, p.DiscountID, p.Properties,
	).Scan(&journalID)
	if err != nil {
		return 0, fmt.Errorf("insert journal failed: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO ledger (account_id, journal_id, amount)
		VALUES ($1, $3, $4), ($2, $3, $5)`,
		p.DebitedFrom, p.CreditedTo, journalID, p.Amount.Neg(), p.Amount,
	)
	if err != nil {
		return 0, fmt.Errorf("insert ledger entries failed: %w", err)
	}

	if err := r.updateBalance(ctx, p.CreditedTo, p.Amount); err != nil {
		return 0, err
	}
	if err := r.updateBalance(ctx, p.DebitedFrom, p.Amount.Neg()); err != nil {
		return 0, err
	}
	metrics.TransactionAmounts.
		WithLabelValues(string(p.TransactionType)).
		Observe(p.Amount.InexactFloat64())
	return journalID, nil
}

func (r *LedgerRepository) updateBalance(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE account SET balance = balance + $1, updated_at = now() WHERE id = $2`,
		delta, accountID,
	)
	if err != nil {
		return fmt.Errorf("update balance failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update balance rows failed: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("update balance touched %d rows for account %s", n, accountID)
	}
	return nil
}

// GetRemainingReservationForJob sums the ledger entries posted against the
// RSV account for the job. A negative sum is an integrity bug and is
// returned as a wrapped ErrIntegrity; a job with no reservation activity
// yields zero.
func (r *LedgerRepository) GetRemainingReservationForJob(ctx context.Context, jobID, rsvAccountID uuid.UUID) (decimal.Decimal, error) {
	var remaining decimal.NullDecimal
	err := r.db.QueryRowContext(ctx,
		`SELECT sum(ledger.amount)
		FROM journal
		JOIN ledger ON ledger.journal_id = journal.id
		WHERE journal.job_id = $1 AND ledger.account_id = $2`,
		jobID, rsvAccountID,
	).Scan(&remaining)
	if err != nil {
		return constants.D0, fmt.Errorf("query remaining reservation failed: %w", err)
	}
	if !remaining.Valid {
		return constants.D0, nil
	}
	if remaining.Decimal.Sign() < 0 {
		return constants.D0, fmt.Errorf(
			"%w: reservation for job %s is negative: %s",
			apierror.ErrIntegrity, jobID, remaining.Decimal,
		)
	}
	return remaining.Decimal, nil
}

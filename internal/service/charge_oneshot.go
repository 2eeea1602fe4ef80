package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openvlab/accounting/internal/apierror"
	"github.com/openvlab/accounting/internal/constants"
	"github.com/openvlab/accounting/internal/database"
	"github.com/openvlab/accounting/internal/domain"
	"github.com/openvlab/accounting/internal/repository"
)

// ChargeOneshotResult counts the outcome of one oneshot charging round.
type ChargeOneshotResult struct {
	Success int
	Failure int
}

// ChargeOneshot settles every finished oneshot job that was never
// charged. Each job runs in a savepoint so one bad job rolls back alone
// and the round continues.
func (s *Service) ChargeOneshot(ctx context.Context, minCreatedAt *time.Time) (ChargeOneshotResult, error) {
	var result ChargeOneshotResult
	err := database.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		repos := repository.NewGroup(tx)
		jobs, err := repos.Job.OneshotToBeCharged(ctx, minCreatedAt)
		if err != nil {
			return err
		}
		for i, job := range jobs {
			name := fmt.Sprintf("oneshot_%d", i)
			err := database.WithSavepoint(ctx, tx, name, func() error {
				return s.chargeOneshotJob(ctx, repos, job)
			})
			if err != nil {
				s.logger.Error().Err(err).
					Str("job_id", job.ID.String()).
					Msg("error processing oneshot job")
				result.Failure++
				continue
			}
			result.Success++
		}
		return nil
	})
	return result, err
}

// chargeOneshotJob settles one job: the actual cost is charged first from
// the reservation, then from the project, and the unused reservation is
// released. Charging at started_at keeps the settlement aligned with the
// usage event that finished the job.
func (s *Service) chargeOneshotJob(ctx context.Context, repos *repository.Group, job domain.Job) error {
	chargingAt := *job.StartedAt
	reason := "finished_uncharged"

	accounts, err := repos.Account.GetAccountsByProjID(ctx, job.ProjID, repository.ForUpdate{})
	if err != nil {
		return err
	}
	price, err := repos.Price.GetPrice(ctx, accounts.Vlab.ID,
		job.ServiceType, job.ServiceSubtype, job.PriceTime())
	if err != nil {
		return err
	}
	discount, err := repos.Discount.Current(ctx, accounts.Vlab.ID, time.Now().UTC())
	if err != nil {
		return err
	}
	count, ok := job.UsageParams.Int64("count")
	if !ok {
		return fmt.Errorf("job %s has no usage count", job.ID)
	}
	total := CalculateCost(price, OneshotUsageValue(count), true, discount)
	if total.Sign() < 0 {
		return fmt.Errorf("%w: total amount for job %s is negative: %s",
			apierror.ErrIntegrity, job.ID, total)
	}
	remaining, err := repos.Ledger.GetRemainingReservationForJob(ctx, job.ID, accounts.Rsv.ID)
	if err != nil {
		return err
	}
	split := SplitCharge(total, remaining)

	common := repository.TransactionParams{
		TransactionDatetime: chargingAt,
		TransactionType:     constants.TransactionChargeOneshot,
		JobID:               uuid.NullUUID{UUID: job.ID, Valid: true},
		PriceID:             sql.NullInt64{Int64: price.ID, Valid: true},
		DiscountID:          discountID(discount),
	}
	if split.FromRsv.Sign() > 0 {
		p := common
		p.Amount = split.FromRsv
		p.DebitedFrom = accounts.Rsv.ID
		p.CreditedTo = accounts.Sys.ID
		p.Properties = domain.Params{"reason": reason + ":charge_reservation"}
		if _, err := repos.Ledger.InsertTransaction(ctx, p); err != nil {
			return err
		}
	}
	if split.FromProj.Sign() > 0 {
		p := common
		p.Amount = split.FromProj
		p.DebitedFrom = accounts.Proj.ID
		p.CreditedTo = accounts.Sys.ID
		p.Properties = domain.Params{"reason": reason + ":charge_project"}
		if _, err := repos.Ledger.InsertTransaction(ctx, p); err != nil {
			return err
		}
	}
	if split.Leftover.Sign() > 0 {
		p := common
		p.Amount = split.Leftover
		p.DebitedFrom = accounts.Rsv.ID
		p.CreditedTo = accounts.Proj.ID
		p.TransactionType = constants.TransactionRelease
		p.Properties = domain.Params{"reason": reason + ":release_reservation"}
		if _, err := repos.Ledger.InsertTransaction(ctx, p); err != nil {
			return err
		}
	}
	_, err = repos.Job.Update(ctx, job.ID, accounts.Vlab.ID, accounts.Proj.ID,
		repository.JobUpdate{LastChargedAt: &chargingAt})
	return err
}

func discountID(d *domain.Discount) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: d.ID, Valid: true}
}

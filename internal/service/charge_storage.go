package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openvlab/accounting/internal/constants"
	"github.com/openvlab/accounting/internal/database"
	"github.com/openvlab/accounting/internal/domain"
	"github.com/openvlab/accounting/internal/repository"
)

// ChargeStorageResult counts the outcome of one storage charging round.
type ChargeStorageResult struct {
	Success int
	Failure int
}

// ChargeStorage bills the storage intervals: finished intervals are
// settled unconditionally, running intervals are charged up to now
// subject to the throttling thresholds. Storage is billed PROJ -> SYS
// directly, there is no reservation to consume.
func (s *Service) ChargeStorage(ctx context.Context, minCreatedAt *time.Time) (ChargeStorageResult, error) {
	now := time.Now().UTC()
	var result ChargeStorageResult
	err := database.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		repos := repository.NewGroup(tx)
		finished, err := repos.Job.StorageFinishedToBeCharged(ctx, minCreatedAt)
		if err != nil {
			return err
		}
		running, err := repos.Job.StorageRunning(ctx, minCreatedAt)
		if err != nil {
			return err
		}
		for i, job := range append(finished, running...) {
			name := fmt.Sprintf("storage_%d", i)
			err := database.WithSavepoint(ctx, tx, name, func() error {
				return s.chargeStorageJob(ctx, repos, job, now)
			})
			if err != nil {
				s.logger.Error().Err(err).
					Str("job_id", job.ID.String()).
					Msg("error processing storage job")
				result.Failure++
				continue
			}
			result.Success++
		}
		return nil
	})
	return result, err
}

// chargeStorageJob bills one interval (last_charged_at ?? started_at,
// finished_at ?? now) at size bytes. The price is resolved at charge time:
// storage has no reservation to pin it to.
func (s *Service) chargeStorageJob(ctx context.Context, repos *repository.Group, job domain.Job, now time.Time) error {
	if job.StartedAt == nil {
		return fmt.Errorf("storage job %s was never started", job.ID)
	}
	chargingAt := now
	if job.FinishedAt != nil {
		chargingAt = *job.FinishedAt
	}
	chargingStart := *job.StartedAt
	if job.LastChargedAt != nil {
		chargingStart = *job.LastChargedAt
	}
	seconds := int64(chargingAt.Sub(chargingStart) / time.Second)
	terminal := job.FinishedAt != nil
	cfg := s.cfg.ChargeStorage
	if !terminal && chargingAt.Sub(chargingStart) < cfg.MinChargingInterval {
		s.logger.Debug().
			Str("job_id", job.ID.String()).
			Int64("elapsed_seconds", seconds).
			Msg("not charging job: interval too short")
		return nil
	}
	accounts, err := repos.Account.GetAccountsByProjID(ctx, job.ProjID, repository.ForUpdate{})
	if err != nil {
		return err
	}
	price, err := repos.Price.GetPrice(ctx, accounts.Vlab.ID,
		job.ServiceType, job.ServiceSubtype, chargingAt)
	if err != nil {
		return err
	}
	discount, err := repos.Discount.Current(ctx, accounts.Vlab.ID, now)
	if err != nil {
		return err
	}
	size, ok := job.UsageParams.Int64("size")
	if !ok {
		return fmt.Errorf("job %s has no usage size", job.ID)
	}
	total := CalculateCost(price, StorageUsageValue(size, seconds), false, discount)
	if !terminal && total.Abs().LessThan(cfg.MinChargingAmount) {
		s.logger.Debug().
			Str("job_id", job.ID.String()).
			Str("amount", total.String()).
			Msg("not charging job: amount too low")
		return nil
	}
	_, err = repos.Ledger.InsertTransaction(ctx, repository.TransactionParams{
		Amount:              total,
		DebitedFrom:         accounts.Proj.ID,
		CreditedTo:          accounts.Sys.ID,
		TransactionDatetime: now,
		TransactionType:     constants.TransactionChargeStorage,
		JobID:               uuid.NullUUID{UUID: job.ID, Valid: true},
		PriceID:             sql.NullInt64{Int64: price.ID, Valid: true},
		DiscountID:          discountID(discount),
		Properties:          domain.Params{"size": size, "duration": seconds},
	})
	if err != nil {
		return err
	}
	_, err = repos.Job.Update(ctx, job.ID, accounts.Vlab.ID, accounts.Proj.ID,
		repository.JobUpdate{LastChargedAt: &chargingAt})
	return err
}

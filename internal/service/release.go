package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openvlab/accounting/internal/apierror"
	"github.com/openvlab/accounting/internal/constants"
	"github.com/openvlab/accounting/internal/database"
	"github.com/openvlab/accounting/internal/domain"
	"github.com/openvlab/accounting/internal/repository"
)

// ReleaseOneshot cancels an unstarted oneshot reservation and returns the
// released amount.
func (s *Service) ReleaseOneshot(ctx context.Context, jobID uuid.UUID) (decimal.Decimal, error) {
	return s.releaseReservation(ctx, jobID, constants.ServiceOneshot)
}

// ReleaseLongrun cancels an unstarted longrun reservation and returns the
// released amount.
func (s *Service) ReleaseLongrun(ctx context.Context, jobID uuid.UUID) (decimal.Decimal, error) {
	return s.releaseReservation(ctx, jobID, constants.ServiceLongrun)
}

func (s *Service) releaseReservation(
	ctx context.Context,
	jobID uuid.UUID,
	serviceType constants.ServiceType,
) (decimal.Decimal, error) {
	now := time.Now().UTC()
	released := constants.D0
	err := database.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		repos := repository.NewGroup(tx)
		job, err := repos.Job.Get(ctx, jobID, true)
		if err != nil {
			return err
		}
		if job == nil || job.ServiceType != serviceType {
			return apierror.NotFound("The specified job cannot be found")
		}
		if job.StartedAt != nil {
			return apierror.JobAlreadyStarted(
				"The reservation cannot be released because already started")
		}
		if job.CancelledAt != nil {
			return apierror.JobAlreadyCancelled(
				"The reservation cannot be released because already cancelled")
		}
		accounts, err := repos.Account.GetAccountsByProjID(ctx, job.ProjID, repository.ForUpdate{})
		if err != nil {
			return err
		}
		remaining, err := repos.Ledger.GetRemainingReservationForJob(ctx, job.ID, accounts.Rsv.ID)
		if err != nil {
			return err
		}
		if remaining.Sign() > 0 {
			_, err = repos.Ledger.InsertTransaction(ctx, repository.TransactionParams{
				Amount:              remaining,
				DebitedFrom:         accounts.Rsv.ID,
				CreditedTo:          accounts.Proj.ID,
				TransactionDatetime: now,
				TransactionType:     constants.TransactionRelease,
				JobID:               uuid.NullUUID{UUID: job.ID, Valid: true},
				Properties:          domain.Params{"reason": "job_cancelled:release_reservation"},
			})
			if err != nil {
				return err
			}
		}
		released = remaining
		_, err = repos.Job.Update(ctx, job.ID, accounts.Vlab.ID, accounts.Proj.ID,
			repository.JobUpdate{CancelledAt: &now})
		return err
	})
	if err != nil {
		return constants.D0, err
	}
	s.logger.Info().
		Str("job_id", jobID.String()).
		Str("released", released.String()).
		Msg("reservation released")
	return released, nil
}

package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openvlab/accounting/internal/constants"
	"github.com/openvlab/accounting/internal/database"
	"github.com/openvlab/accounting/internal/domain"
	"github.com/openvlab/accounting/internal/repository"
)

// LongrunState names the lifecycle state a longrun job is charged under.
type LongrunState string

const (
	LongrunUnfinishedUncharged LongrunState = "unfinished_uncharged"
	LongrunExpiredUncharged    LongrunState = "expired_uncharged"
	LongrunUnfinishedCharged   LongrunState = "unfinished_charged"
	LongrunExpiredCharged      LongrunState = "expired_charged"
	LongrunFinishedUncharged   LongrunState = "finished_uncharged"
	LongrunFinishedCharged     LongrunState = "finished_charged"
	LongrunFinishedOvercharged LongrunState = "finished_overcharged"
)

// LongrunAction is the charge derived from a job's lifecycle state.
type LongrunAction struct {
	State              LongrunState
	ChargeStart        time.Time
	ChargeEnd          time.Time
	IncludeFixedCost   bool
	ReleaseReservation bool
	// Expired marks the job finished and cancelled as a side effect.
	Expired bool
	// Throttled charges may be skipped when too small or too frequent;
	// terminal charges never are.
	Throttled bool
}

// ClassifyLongrun pattern-matches a started longrun job into one of the
// seven lifecycle states and returns the charge to apply. A job whose
// last_alive_at is older than expiration is considered dead and is
// force-settled.
func ClassifyLongrun(job domain.Job, now time.Time, expiration time.Duration) (LongrunAction, error) {
	stale := job.LastAliveAt != nil && now.Sub(*job.LastAliveAt) > expiration

	switch {
	case job.FinishedAt == nil && job.LastChargedAt == nil && stale:
		return LongrunAction{
			State:              LongrunExpiredUncharged,
			ChargeStart:        *job.StartedAt,
			ChargeEnd:          now,
			IncludeFixedCost:   true,
			ReleaseReservation: true,
			Expired:            true,
		}, nil
	case job.FinishedAt == nil && job.LastChargedAt != nil && stale:
		return LongrunAction{
			State:              LongrunExpiredCharged,
			ChargeStart:        *job.LastChargedAt,
			ChargeEnd:          now,
			ReleaseReservation: true,
			Expired:            true,
		}, nil
	case job.FinishedAt == nil && job.LastChargedAt == nil:
		return LongrunAction{
			State:            LongrunUnfinishedUncharged,
			ChargeStart:      *job.StartedAt,
			ChargeEnd:        now,
			IncludeFixedCost: true,
			Throttled:        true,
		}, nil
	case job.FinishedAt == nil:
		return LongrunAction{
			State:       LongrunUnfinishedCharged,
			ChargeStart: *job.LastChargedAt,
			ChargeEnd:   now,
			Throttled:   true,
		}, nil
	case job.LastChargedAt == nil:
		return LongrunAction{
			State:              LongrunFinishedUncharged,
			ChargeStart:        *job.StartedAt,
			ChargeEnd:          *job.FinishedAt,
			IncludeFixedCost:   true,
			ReleaseReservation: true,
		}, nil
	case job.LastChargedAt.Before(*job.FinishedAt):
		return LongrunAction{
			State:              LongrunFinishedCharged,
			ChargeStart:        *job.LastChargedAt,
			ChargeEnd:          *job.FinishedAt,
			ReleaseReservation: true,
		}, nil
	case job.LastChargedAt.After(*job.FinishedAt):
		// The finish event arrived after the periodic charger already
		// billed past finished_at, or after expiration. The negative
		// interval refunds the difference.
		return LongrunAction{
			State:              LongrunFinishedOvercharged,
			ChargeStart:        *job.LastChargedAt,
			ChargeEnd:          *job.FinishedAt,
			ReleaseReservation: true,
		}, nil
	default:
		return LongrunAction{}, fmt.Errorf("pattern not matched for job %s", job.ID)
	}
}

// ChargeLongrunResult counts the outcome of one longrun charging round,
// per lifecycle state.
type ChargeLongrunResult struct {
	UnfinishedUncharged int
	ExpiredUncharged    int
	UnfinishedCharged   int
	ExpiredCharged      int
	FinishedUncharged   int
	FinishedCharged     int
	FinishedOvercharged int
	Failure             int
}

func (r *ChargeLongrunResult) count(state LongrunState) {
	switch state {
	case LongrunUnfinishedUncharged:
		r.UnfinishedUncharged++
	case LongrunExpiredUncharged:
		r.ExpiredUncharged++
	case LongrunUnfinishedCharged:
		r.UnfinishedCharged++
	case LongrunExpiredCharged:
		r.ExpiredCharged++
	case LongrunFinishedUncharged:
		r.FinishedUncharged++
	case LongrunFinishedCharged:
		r.FinishedCharged++
	case LongrunFinishedOvercharged:
		r.FinishedOvercharged++
	}
}

// ChargeLongrun advances every started longrun job that is not settled
// yet: running jobs are charged incrementally, dead jobs are expired, and
// finished jobs are settled including the refund of any overcharge.
func (s *Service) ChargeLongrun(ctx context.Context, minCreatedAt *time.Time) (ChargeLongrunResult, error) {
	now := time.Now().UTC()
	cfg := s.cfg.ChargeLongrun
	var result ChargeLongrunResult
	err := database.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		repos := repository.NewGroup(tx)
		jobs, err := repos.Job.LongrunToBeCharged(ctx, minCreatedAt)
		if err != nil {
			return err
		}
		for i, job := range jobs {
			action, err := ClassifyLongrun(job, now, s.cfg.LongrunExpirationInterval)
			if err != nil {
				s.logger.Error().Err(err).Str("job_id", job.ID.String()).
					Msg("error classifying longrun job")
				result.Failure++
				continue
			}
			name := fmt.Sprintf("longrun_%d", i)
			err = database.WithSavepoint(ctx, tx, name, func() error {
				return s.chargeLongrunJob(ctx, repos, job, action, now,
					cfg.MinChargingInterval, cfg.MinChargingAmount)
			})
			if err != nil {
				s.logger.Error().Err(err).
					Str("job_id", job.ID.String()).
					Str("state", string(action.State)).
					Msg("error processing longrun job")
				result.Failure++
				continue
			}
			result.count(action.State)
		}
		return nil
	})
	return result, err
}

// chargeLongrunJob applies one LongrunAction: charge the interval, split
// across RSV and PROJ (or refund the PROJ when the interval is negative),
// optionally release the leftover reservation, and advance the job's
// lifecycle timestamps.
func (s *Service) chargeLongrunJob(
	ctx context.Context,
	repos *repository.Group,
	job domain.Job,
	action LongrunAction,
	now time.Time,
	minInterval time.Duration,
	minAmount decimal.Decimal,
) error {
	seconds := int64(action.ChargeEnd.Sub(action.ChargeStart) / time.Second)
	if action.Throttled && action.ChargeEnd.Sub(action.ChargeStart) < minInterval {
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
		job.ServiceType, job.ServiceSubtype, job.PriceTime())
	if err != nil {
		return err
	}
	discount, err := repos.Discount.Current(ctx, accounts.Vlab.ID, now)
	if err != nil {
		return err
	}
	instances, ok := job.UsageParams.Int64("instances")
	if !ok {
		return fmt.Errorf("job %s has no usage instances", job.ID)
	}
	instanceType, _ := job.UsageParams.String("instance_type")
	usageValue := LongrunUsageValue(instances, instanceType, seconds)
	total := CalculateCost(price, usageValue, action.IncludeFixedCost, discount)
	if action.Throttled && total.Abs().LessThan(minAmount) {
		s.logger.Debug().
			Str("job_id", job.ID.String()).
			Str("amount", total.String()).
			Msg("not charging job: amount too low")
		return nil
	}
	remaining, err := repos.Ledger.GetRemainingReservationForJob(ctx, job.ID, accounts.Rsv.ID)
	if err != nil {
		return err
	}
	if total.Sign() < 0 {
		s.logger.Info().
			Str("job_id", job.ID.String()).
			Str("amount", total.String()).
			Msg("job was previously overcharged")
	}
	split := SplitCharge(total, remaining)
	if !action.ReleaseReservation {
		split.Leftover = constants.D0
	}

	common := repository.TransactionParams{
		TransactionDatetime: now,
		TransactionType:     constants.TransactionChargeLongrun,
		JobID:               uuid.NullUUID{UUID: job.ID, Valid: true},
		PriceID:             sql.NullInt64{Int64: price.ID, Valid: true},
		DiscountID:          discountID(discount),
	}
	reason := string(action.State)
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
	switch {
	case split.FromProj.Sign() > 0:
		p := common
		p.Amount = split.FromProj
		p.DebitedFrom = accounts.Proj.ID
		p.CreditedTo = accounts.Sys.ID
		p.Properties = domain.Params{"reason": reason + ":charge_project"}
		if _, err := repos.Ledger.InsertTransaction(ctx, p); err != nil {
			return err
		}
	case split.FromProj.Sign() < 0:
		p := common
		p.Amount = split.FromProj.Neg()
		p.DebitedFrom = accounts.Sys.ID
		p.CreditedTo = accounts.Proj.ID
		p.TransactionType = constants.TransactionRefund
		p.Properties = domain.Params{"reason": reason + ":refund_project"}
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

	update := repository.JobUpdate{LastChargedAt: &action.ChargeEnd}
	if action.Expired {
		update.FinishedAt = &action.ChargeEnd
		update.CancelledAt = &action.ChargeEnd
	}
	_, err = repos.Job.Update(ctx, job.ID, accounts.Vlab.ID, accounts.Proj.ID, update)
	return err
}

package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openvlab/accounting/internal/apierror"
	"github.com/openvlab/accounting/internal/constants"
	"github.com/openvlab/accounting/internal/database"
	"github.com/openvlab/accounting/internal/domain"
	"github.com/openvlab/accounting/internal/repository"
)

// ReserveOneshotParams is the request to pre-authorize a oneshot job.
type ReserveOneshotParams struct {
	ProjID         uuid.UUID
	UserID         string
	GroupID        string
	ServiceSubtype constants.ServiceSubtype
	Count          int64
}

// ReserveLongrunParams is the request to pre-authorize a longrun job.
type ReserveLongrunParams struct {
	ProjID         uuid.UUID
	UserID         string
	GroupID        string
	ServiceSubtype constants.ServiceSubtype
	Instances      int64
	InstanceType   string
	Duration       int64 // seconds the caller expects to run
}

// ReservationResult is the outcome of a successful reservation.
type ReservationResult struct {
	JobID           uuid.UUID
	Amount          decimal.Decimal
	AvailableAmount decimal.Decimal
}

// ReserveOneshot pre-authorizes a oneshot job: count units at the current
// price are moved PROJ -> RSV, or the request fails with
// INSUFFICIENT_FUNDS.
func (s *Service) ReserveOneshot(ctx context.Context, p ReserveOneshotParams) (ReservationResult, error) {
	if p.Count <= 0 {
		return ReservationResult{}, apierror.InvalidRequest("count must be positive")
	}
	return s.reserve(ctx, reservation{
		projID:         p.ProjID,
		userID:         p.UserID,
		groupID:        p.GroupID,
		serviceType:    constants.ServiceOneshot,
		serviceSubtype: p.ServiceSubtype,
		usageValue:     OneshotUsageValue(p.Count),
		params:         domain.Params{"count": p.Count},
	})
}

// ReserveLongrun pre-authorizes a longrun job for instances running for
// the declared duration.
func (s *Service) ReserveLongrun(ctx context.Context, p ReserveLongrunParams) (ReservationResult, error) {
	if p.Instances <= 0 {
		return ReservationResult{}, apierror.InvalidRequest("instances must be positive")
	}
	if p.Duration <= 0 {
		return ReservationResult{}, apierror.InvalidRequest("duration must be positive")
	}
	params := domain.Params{
		"instances": p.Instances,
		"duration":  p.Duration,
	}
	if p.InstanceType != "" {
		params["instance_type"] = p.InstanceType
	}
	return s.reserve(ctx, reservation{
		projID:         p.ProjID,
		userID:         p.UserID,
		groupID:        p.GroupID,
		serviceType:    constants.ServiceLongrun,
		serviceSubtype: p.ServiceSubtype,
		usageValue:     LongrunUsageValue(p.Instances, p.InstanceType, p.Duration),
		params:         params,
	})
}

type reservation struct {
	projID         uuid.UUID
	userID         string
	groupID        string
	serviceType    constants.ServiceType
	serviceSubtype constants.ServiceSubtype
	usageValue     int64
	params         domain.Params
}

// reserve runs the shared reservation algorithm. The PROJ row lock makes
// the balance check and the RESERVE posting atomic, so two concurrent
// reservations cannot both succeed if together they would overdraw.
//
// The reserved amount is an upper bound: the discount is intentionally
// not applied here, only at charge time.
func (s *Service) reserve(ctx context.Context, r reservation) (ReservationResult, error) {
	if !r.serviceSubtype.Valid() {
		return ReservationResult{}, apierror.InvalidRequest(
			fmt.Sprintf("unknown service subtype %q", r.serviceSubtype))
	}
	now := time.Now().UTC()
	var result ReservationResult
	err := database.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		repos := repository.NewGroup(tx)
		accounts, err := repos.Account.GetAccountsByProjID(ctx, r.projID,
			repository.ForUpdate{Proj: true})
		if err != nil {
			return err
		}
		price, err := repos.Price.GetPrice(ctx, accounts.Vlab.ID,
			r.serviceType, r.serviceSubtype, now)
		if err != nil {
			return err
		}
		amount := CalculateCost(price, r.usageValue, true, nil)
		result.Amount = amount
		result.AvailableAmount = accounts.Proj.Balance
		if amount.GreaterThan(accounts.Proj.Balance) {
			s.logger.Info().
				Str("proj_id", r.projID.String()).
				Str("requested", amount.String()).
				Str("available", accounts.Proj.Balance.String()).
				Msg("reservation not allowed")
			return apierror.InsufficientFunds(
				"Insufficient funds in the project account",
				map[string]string{"requested_amount": amount.String()},
			)
		}
		job, err := repos.Job.Insert(ctx, domain.Job{
			ID:                uuid.New(),
			VlabID:            accounts.Vlab.ID,
			ProjID:            accounts.Proj.ID,
			UserID:            r.userID,
			GroupID:           r.groupID,
			ServiceType:       r.serviceType,
			ServiceSubtype:    r.serviceSubtype,
			ReservedAt:        &now,
			ReservationParams: r.params,
		})
		if err != nil {
			return err
		}
		result.JobID = job.ID
		_, err = repos.Ledger.InsertTransaction(ctx, repository.TransactionParams{
			Amount:              amount,
			DebitedFrom:         accounts.Proj.ID,
			CreditedTo:          accounts.Rsv.ID,
			TransactionDatetime: now,
			TransactionType:     constants.TransactionReserve,
			JobID:               uuid.NullUUID{UUID: job.ID, Valid: true},
			PriceID:             sql.NullInt64{Int64: price.ID, Valid: true},
		})
		return err
	})
	if err != nil {
		return ReservationResult{}, err
	}
	s.logger.Info().
		Str("proj_id", r.projID.String()).
		Str("job_id", result.JobID.String()).
		Str("amount", result.Amount.String()).
		Str("service_type", string(r.serviceType)).
		Msg("reservation allowed")
	return result, nil
}

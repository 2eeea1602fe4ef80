package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openvlab/accounting/internal/apierror"
	"github.com/openvlab/accounting/internal/config"
	"github.com/openvlab/accounting/internal/constants"
	"github.com/openvlab/accounting/internal/domain"
	"github.com/openvlab/accounting/internal/repository"
)

// NewLongrunConsumer consumes lifecycle events for longrun jobs.
func NewLongrunConsumer(db *sql.DB, manager *Manager, cfg *config.Config, logger zerolog.Logger) *Consumer {
	c := &longrunConsumer{window: windowFromConfig(cfg)}
	return newConsumer("consume_longrun", cfg.LongrunQueueName, db, manager, cfg, c.consume, logger)
}

type longrunConsumer struct {
	window TimestampWindow
}

// consume dispatches on the event status: STARTED begins the billable
// period, RUNNING is the heartbeat that keeps the job from expiring, and
// FINISHED closes it. RUNNING is naturally idempotent, so redeliveries
// just rewrite last_alive_at.
func (c *longrunConsumer) consume(ctx context.Context, tx *sql.Tx, body []byte, now time.Time) (uuid.NullUUID, error) {
	var event LongrunEvent
	if err := decodeEvent(body, &event); err != nil {
		return uuid.NullUUID{}, err
	}
	ts, err := event.Validate(now, c.window)
	if err != nil {
		return uuid.NullUUID{}, err
	}

	repos := repository.NewGroup(tx)
	accounts, err := repos.Account.GetAccountsByProjID(ctx, event.ProjID, repository.ForUpdate{})
	if err != nil {
		return uuid.NullUUID{}, err
	}

	var update repository.JobUpdate
	switch event.Status {
	case constants.LongrunStarted:
		if event.Instances == nil {
			return uuid.NullUUID{}, apierror.Eventf(
				"started event for job %s has no instances", event.JobID)
		}
		params := domain.Params{"instances": *event.Instances}
		if event.InstanceType != "" {
			params["instance_type"] = event.InstanceType
		}
		update = repository.JobUpdate{
			StartedAt:   &ts,
			LastAliveAt: &ts,
			UsageParams: params,
		}
	case constants.LongrunRunning:
		update = repository.JobUpdate{LastAliveAt: &ts}
	case constants.LongrunFinished:
		update = repository.JobUpdate{LastAliveAt: &ts, FinishedAt: &ts}
	default:
		return uuid.NullUUID{}, apierror.Eventf("status not handled: %q", event.Status)
	}

	job, err := repos.Job.Get(ctx, event.JobID, false)
	if err != nil {
		return uuid.NullUUID{}, err
	}
	if job == nil {
		return uuid.NullUUID{}, apierror.Eventf(
			"job %s doesn't exist and it cannot be updated", event.JobID)
	}
	updated, err := repos.Job.Update(ctx, event.JobID, accounts.Vlab.ID, accounts.Proj.ID, update)
	if err != nil {
		return uuid.NullUUID{}, err
	}
	return uuid.NullUUID{UUID: updated.ID, Valid: true}, nil
}

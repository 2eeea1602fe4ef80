package queue

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openvlab/accounting/internal/apierror"
	"github.com/openvlab/accounting/internal/config"
	"github.com/openvlab/accounting/internal/domain"
	"github.com/openvlab/accounting/internal/repository"
)

// NewOneshotConsumer consumes completion events for reserved oneshot
// jobs.
func NewOneshotConsumer(db *sql.DB, manager *Manager, cfg *config.Config, logger zerolog.Logger) *Consumer {
	c := &oneshotConsumer{window: windowFromConfig(cfg)}
	return newConsumer("consume_oneshot", cfg.OneshotQueueName, db, manager, cfg, c.consume, logger)
}

type oneshotConsumer struct {
	window TimestampWindow
}

// consume marks the reserved job as started and finished at the event
// timestamp, recording the actual usage count. The PROJ and RSV rows are
// locked so the later settlement cannot interleave with this update.
func (c *oneshotConsumer) consume(ctx context.Context, tx *sql.Tx, body []byte, now time.Time) (uuid.NullUUID, error) {
	var event OneshotEvent
	if err := decodeEvent(body, &event); err != nil {
		return uuid.NullUUID{}, err
	}
	ts, err := event.Validate(now, c.window)
	if err != nil {
		return uuid.NullUUID{}, err
	}

	repos := repository.NewGroup(tx)
	accounts, err := repos.Account.GetAccountsByProjID(ctx, event.ProjID,
		repository.ForUpdate{Proj: true, Rsv: true})
	if err != nil {
		return uuid.NullUUID{}, err
	}
	job, err := repos.Job.Get(ctx, event.JobID, false)
	if err != nil {
		return uuid.NullUUID{}, err
	}
	if job == nil {
		return uuid.NullUUID{}, apierror.Eventf(
			"job %s doesn't exist and it cannot be updated", event.JobID)
	}
	if job.FinishedAt != nil {
		return uuid.NullUUID{}, apierror.Eventf(
			"job %s is finished and it cannot be updated", event.JobID)
	}
	var unmatched []string
	for key, ok := range map[string]bool{
		"vlab_id":         job.VlabID == accounts.Vlab.ID,
		"proj_id":         job.ProjID == accounts.Proj.ID,
		"service_type":    job.ServiceType == event.Type,
		"service_subtype": job.ServiceSubtype == event.Subtype,
	} {
		if !ok {
			unmatched = append(unmatched, key)
		}
	}
	if len(unmatched) > 0 {
		sort.Strings(unmatched)
		return uuid.NullUUID{}, apierror.Eventf(
			"job %s has incompatible attributes: %v", event.JobID, unmatched)
	}

	updated, err := repos.Job.Update(ctx, job.ID, accounts.Vlab.ID, accounts.Proj.ID,
		repository.JobUpdate{
			StartedAt:   &ts,
			LastAliveAt: &ts,
			FinishedAt:  &ts,
			UsageParams: domain.Params{"count": event.Count},
		})
	if err != nil {
		return uuid.NullUUID{}, err
	}
	return uuid.NullUUID{UUID: updated.ID, Valid: true}, nil
}

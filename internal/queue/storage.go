package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openvlab/accounting/internal/config"
	"github.com/openvlab/accounting/internal/constants"
	"github.com/openvlab/accounting/internal/domain"
	"github.com/openvlab/accounting/internal/repository"
)

// NewStorageConsumer consumes storage size reports.
func NewStorageConsumer(db *sql.DB, manager *Manager, cfg *config.Config, logger zerolog.Logger) *Consumer {
	c := &storageConsumer{window: windowFromConfig(cfg)}
	return newConsumer("consume_storage", cfg.StorageQueueName, db, manager, cfg, c.consume, logger)
}

type storageConsumer struct {
	window TimestampWindow
}

// consume rolls the project's storage interval over: the open storage
// job (if any) is closed at the event timestamp and a fresh one opens
// with the new size. Settlement of the closed interval is left to the
// periodic storage charger.
func (c *storageConsumer) consume(ctx context.Context, tx *sql.Tx, body []byte, now time.Time) (uuid.NullUUID, error) {
	var event StorageEvent
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
	_, err = repos.Job.CloseOpenJobs(ctx, accounts.Vlab.ID, accounts.Proj.ID,
		constants.ServiceStorage, ts)
	if err != nil {
		return uuid.NullUUID{}, err
	}
	job, err := repos.Job.Insert(ctx, domain.Job{
		ID:             uuid.New(),
		VlabID:         accounts.Vlab.ID,
		ProjID:         accounts.Proj.ID,
		ServiceType:    constants.ServiceStorage,
		ServiceSubtype: constants.SubtypeStorage,
		StartedAt:      &ts,
		LastAliveAt:    &ts,
		UsageParams:    domain.Params{"size": event.Size},
	})
	if err != nil {
		return uuid.NullUUID{}, err
	}
	return uuid.NullUUID{UUID: job.ID, Valid: true}, nil
}

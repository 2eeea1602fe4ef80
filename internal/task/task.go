// Package task runs the named periodic tasks of the service. A task owns
// a row in the task_registry table; the row lock is what keeps a task
// singleton across replicas without a distributed lock service.
package task

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/openvlab/accounting/internal/database"
	"github.com/openvlab/accounting/internal/repository"
)

// Body is one round of task work. It runs on its own database handle,
// outside the registry transaction, so rolling back task work never
// touches the registry bookkeeping.
type Body func(ctx context.Context) error

// Task is a named periodic task driven by loopSleep / errorSleep.
type Task struct {
	name       string
	db         *sql.DB
	loopSleep  time.Duration
	errorSleep time.Duration
	body       Body
	logger     zerolog.Logger
}

// New builds a periodic task.
func New(name string, db *sql.DB, loopSleep, errorSleep time.Duration, body Body, logger zerolog.Logger) *Task {
	return &Task{
		name:       name,
		db:         db,
		loopSleep:  loopSleep,
		errorSleep: errorSleep,
		body:       body,
		logger:     logger.With().Str("task", name).Logger(),
	}
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.name
}

// Run registers the task and loops until ctx is cancelled, sleeping
// loopSleep after a clean round and errorSleep after a failed one.
func (t *Task) Run(ctx context.Context) error {
	err := database.RunInTx(ctx, t.db, func(tx *sql.Tx) error {
		return repository.NewGroup(tx).Task.Populate(ctx, t.name)
	})
	if err != nil {
		return err
	}
	t.logger.Info().Msg("task started")
	for {
		sleep := t.loopSleep
		if err := t.runOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			t.logger.Error().Err(err).Msg("error in task round")
			sleep = t.errorSleep
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// runOnce locks the registry row, runs the body, and records the outcome.
// The registry transaction stays open for the duration of the round: the
// held row lock is the cross-process mutual exclusion.
func (t *Task) runOnce(ctx context.Context) error {
	return database.RunInTx(ctx, t.db, func(tx *sql.Tx) error {
		repos := repository.NewGroup(tx)
		info, err := repos.Task.GetLocked(ctx, t.name)
		if err != nil {
			return err
		}
		if info == nil {
			t.logger.Debug().Msg("task locked by another instance, skipping")
			return nil
		}
		start, err := database.ClockTimestamp(ctx, tx)
		if err != nil {
			return err
		}

		bodyErr := t.body(ctx)

		end, err := database.ClockTimestamp(ctx, tx)
		if err != nil {
			return err
		}
		if err := repos.Task.Update(ctx, t.name, start, end.Sub(start), bodyErr); err != nil {
			return err
		}
		return bodyErr
	})
}

package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/openvlab/accounting/internal/constants"
	"github.com/openvlab/accounting/internal/database"
	"github.com/openvlab/accounting/internal/domain"
)

// EventRepository records the processing outcome of queue messages,
// keyed by the broker message id. Redeliveries of the same message hit
// the unique index and bump the counter instead of inserting a new row,
// which is what makes the consumers idempotent across retries.
type EventRepository struct {
	db database.DBTX
}

// UpsertEventParams describes one processed queue message.
type UpsertEventParams struct {
	MessageID  string
	QueueName  string
	Status     constants.EventStatus
	Attributes domain.Params
	Body       string
	Error      sql.NullString
	JobID      uuid.NullUUID
}

// Upsert inserts or updates the event row for the message and returns
// the resulting delivery counter (>= 1).
func (r *EventRepository) Upsert(ctx context.Context, p UpsertEventParams) (int, error) {
	var counter int
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO event (message_id, queue_name, status, attributes, body, error, job_id, counter)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		ON CONFLICT (message_id) DO UPDATE SET
			queue_name = EXCLUDED.queue_name,
			status = EXCLUDED.status,
			attributes = EXCLUDED.attributes,
			body = EXCLUDED.body,
			error = EXCLUDED.error,
			job_id = EXCLUDED.job_id,
			counter = event.counter + 1,
			updated_at = now()
		RETURNING counter`,
		p.MessageID, p.QueueName, p.Status, p.Attributes, p.Body, p.Error, p.JobID,
	).Scan(&counter)
	if err != nil {
		return 0, fmt.Errorf("upsert event failed: %w", err)
	}
	return counter, nil
}

// Get returns the event for a message id, or nil if none was recorded.
func (r *EventRepository) Get(ctx context.Context, messageID string) (*domain.Event, error) {
	var e domain.Event
	var errText sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT id, message_id, queue_name, status, attributes, body, error, job_id, counter,
			created_at, updated_at
		FROM event WHERE message_id = $1`,
		messageID,
	).Scan(
		&e.ID, &e.MessageID, &e.QueueName, &e.Status, &e.Attributes,
		&e.Body, &errText, &e.JobID, &e.Counter, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query event failed: %w", err)
	}
	e.Error = errText.String
	return &e, nil
}

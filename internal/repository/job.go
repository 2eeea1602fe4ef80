package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openvlab/accounting/internal/constants"
	"github.com/openvlab/accounting/internal/database"
	"github.com/openvlab/accounting/internal/domain"
)

const jobColumns = `id, vlab_id, proj_id, user_id, group_id, service_type, service_subtype,
	created_at, reserved_at, started_at, last_alive_at, last_charged_at, finished_at,
	cancelled_at, reservation_params, usage_params`

// JobRepository reads and writes job records.
type JobRepository struct {
	db database.DBTX
}

func scanJob(row interface{ Scan(...any) error }) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.VlabID, &j.ProjID, &j.UserID, &j.GroupID,
		&j.ServiceType, &j.ServiceSubtype, &j.CreatedAt,
		&j.ReservedAt, &j.StartedAt, &j.LastAliveAt, &j.LastChargedAt,
		&j.FinishedAt, &j.CancelledAt, &j.ReservationParams, &j.UsageParams,
	)
	return j, err
}

func (r *JobRepository) queryJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Get returns a job by id, or nil if it doesn't exist. With forUpdate the
// row is locked against concurrent updates.
func (r *JobRepository) Get(ctx context.Context, jobID uuid.UUID, forUpdate bool) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	j, err := scanJob(r.db.QueryRowContext(ctx, query, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query job failed: %w", err)
	}
	return &j, nil
}

// Insert stores a new job record.
func (r *JobRepository) Insert(ctx context.Context, j domain.Job) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO job (id, vlab_id, proj_id, user_id, group_id, service_type, service_subtype,
			reserved_at, started_at, last_alive_at, reservation_params, usage_params)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+jobColumns,
		j.ID, j.VlabID, j.ProjID, j.UserID, j.GroupID, j.ServiceType, j.ServiceSubtype,
		j.ReservedAt, j.StartedAt, j.LastAliveAt, j.ReservationParams, j.UsageParams,
	)
	inserted, err := scanJob(row)
	if err != nil {
		return inserted, fmt.Errorf("insert job failed: %w", err)
	}
	return inserted, nil
}

// JobUpdate carries the nullable lifecycle fields set by consumers and
// chargers. Only non-nil fields are written.
type JobUpdate struct {
	StartedAt     *time.Time
	LastAliveAt   *time.Time
	LastChargedAt *time.Time
	FinishedAt    *time.Time
	CancelledAt   *time.Time
	UsageParams   domain.Params
}

// Update applies u to the job identified by (jobID, vlabID, projID) and
// returns the updated record. The vlab/proj ids in the predicate guard
// against cross-project updates from mismatched events.
func (r *JobRepository) Update(ctx context.Context, jobID, vlabID, projID uuid.UUID, u JobUpdate) (domain.Job, error) {
	sets := make([]string, 0, 6)
	args := []any{jobID, vlabID, projID}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if u.StartedAt != nil {
		add("started_at", *u.StartedAt)
	}
	if u.LastAliveAt != nil {
		add("last_alive_at", *u.LastAliveAt)
	}
	if u.LastChargedAt != nil {
		add("last_charged_at", *u.LastChargedAt)
	}
	if u.FinishedAt != nil {
		add("finished_at", *u.FinishedAt)
	}
	if u.CancelledAt != nil {
		add("cancelled_at", *u.CancelledAt)
	}
	if u.UsageParams != nil {
		add("usage_params", u.UsageParams)
	}
	if len(sets) == 0 {
		return domain.Job{}, fmt.Errorf("update job %s: nothing to update", jobID)
	}

	row := r.db.QueryRowContext(ctx,
		`UPDATE job SET `+strings.Join(sets, ", ")+`
		WHERE id = $1 AND vlab_id = $2 AND proj_id = $3
		RETURNING `+jobColumns,
		args...,
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return j, fmt.Errorf("job %s not found for vlab %s proj %s", jobID, vlabID, projID)
	}
	if err != nil {
		return j, fmt.Errorf("update job failed: %w", err)
	}
	return j, nil
}

// CloseOpenJobs sets finished_at on every job of the given project and
// service type that has no finished_at yet, and returns the closed jobs.
// The storage consumer uses it to terminate the open storage interval
// before opening the next one.
func (r *JobRepository) CloseOpenJobs(
	ctx context.Context,
	vlabID, projID uuid.UUID,
	serviceType constants.ServiceType,
	finishedAt time.Time,
) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE job SET finished_at = $4
		WHERE vlab_id = $1 AND proj_id = $2 AND service_type = $3 AND finished_at IS NULL
		RETURNING `+jobColumns,
		vlabID, projID, serviceType, finishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("close open jobs failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan closed job failed: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// rollingWindowClause bounds the scan on created_at when minCreatedAt is
// set; growing job tables are otherwise scanned in full every round.
func rollingWindowClause(minCreatedAt *time.Time, args *[]any) string {
	if minCreatedAt == nil {
		return ""
	}
	*args = append(*args, *minCreatedAt)
	return fmt.Sprintf(" AND created_at >= $%d", len(*args))
}

// OneshotToBeCharged selects the oneshot jobs that finished but were
// never charged.
func (r *JobRepository) OneshotToBeCharged(ctx context.Context, minCreatedAt *time.Time) ([]domain.Job, error) {
	args := []any{constants.ServiceOneshot}
	query := `SELECT ` + jobColumns + `
		FROM job
		WHERE service_type = $1
			AND started_at IS NOT NULL
			AND finished_at IS NOT NULL
			AND last_charged_at IS NULL` +
		rollingWindowClause(minCreatedAt, &args) +
		` ORDER BY created_at, id`
	return r.queryJobs(ctx, query, args...)
}

// LongrunToBeCharged selects the started longrun jobs that are not yet
// settled: never charged, still running, or charged up to a time other
// than finished_at.
//
// Rows are NOT locked: if a consumer sets finished_at mid-round the
// update simply reselects the job next round.
func (r *JobRepository) LongrunToBeCharged(ctx context.Context, minCreatedAt *time.Time) ([]domain.Job, error) {
	args := []any{constants.ServiceLongrun}
	query := `SELECT ` + jobColumns + `
		FROM job
		WHERE service_type = $1
			AND started_at IS NOT NULL
			AND (last_charged_at IS NULL
				OR finished_at IS NULL
				OR last_charged_at != finished_at)` +
		rollingWindowClause(minCreatedAt, &args) +
		` ORDER BY created_at, id`
	return r.queryJobs(ctx, query, args...)
}

// StorageRunning selects the storage jobs not finished yet. There should
// be one per project but this isn't enforced.
func (r *JobRepository) StorageRunning(ctx context.Context, minCreatedAt *time.Time) ([]domain.Job, error) {
	args := []any{constants.ServiceStorage}
	query := `SELECT ` + jobColumns + `
		FROM job
		WHERE service_type = $1 AND finished_at IS NULL` +
		rollingWindowClause(minCreatedAt, &args) +
		` ORDER BY created_at, id`
	return r.queryJobs(ctx, query, args...)
}

// StorageFinishedToBeCharged selects the finished storage jobs whose last
// charge doesn't settle them.
func (r *JobRepository) StorageFinishedToBeCharged(ctx context.Context, minCreatedAt *time.Time) ([]domain.Job, error) {
	args := []any{constants.ServiceStorage}
	query := `SELECT ` + jobColumns + `
		FROM job
		WHERE service_type = $1
			AND finished_at IS NOT NULL
			AND (last_charged_at IS NULL OR last_charged_at != finished_at)` +
		rollingWindowClause(minCreatedAt, &args) +
		` ORDER BY created_at, id`
	return r.queryJobs(ctx, query, args...)
}

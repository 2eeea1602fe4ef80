package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openvlab/accounting/internal/constants"
	"github.com/openvlab/accounting/internal/database"
	"github.com/openvlab/accounting/internal/domain"
)

// ReportRepository builds the paginated per-job usage report.
type ReportRepository struct {
	db database.DBTX
}

// ReportFilter narrows the report to one vlab or project and an optional
// started_at window. Only settled jobs are listed: a job appears once
// last_charged_at has caught up with finished_at, so the amounts are
// final.
type ReportFilter struct {
	VlabID        *uuid.UUID
	ProjID        *uuid.UUID
	StartedAfter  *time.Time
	StartedBefore *time.Time
}

func (f ReportFilter) where(args *[]any) string {
	conds := []string{"job.finished_at = job.last_charged_at"}
	add := func(cond string, value any) {
		*args = append(*args, value)
		conds = append(conds, fmt.Sprintf(cond, len(*args)))
	}
	if f.VlabID != nil {
		add("job.vlab_id = $%d", *f.VlabID)
	}
	if f.ProjID != nil {
		add("job.proj_id = $%d", *f.ProjID)
	}
	if f.StartedAfter != nil {
		add("job.started_at >= $%d", *f.StartedAfter)
	}
	if f.StartedBefore != nil {
		add("job.started_at < $%d", *f.StartedBefore)
	}
	return strings.Join(conds, " AND ")
}

// GetJobReports returns one page of job reports plus the total number of
// matching jobs. The per-job amount is the negated sum of the ledger
// entries posted against the PROJ account, so charges show up positive
// and refunds reduce the total.
func (r *ReportRepository) GetJobReports(
	ctx context.Context,
	filter ReportFilter,
	page, pageSize int,
) ([]domain.JobReport, int64, error) {
	var countArgs []any
	where := filter.where(&countArgs)

	var total int64
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM job WHERE `+where, countArgs...,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count job reports failed: %w", err)
	}

	args := countArgs
	args = append(args, pageSize, pageSize*(page-1), constants.TransactionReserve)
	query := fmt.Sprintf(`
		WITH selected_job AS (
			SELECT job.id FROM job
			WHERE %s
			ORDER BY job.started_at, job.id
			LIMIT $%d OFFSET $%d
		)
		SELECT
			job.vlab_id,
			job.proj_id,
			job.id,
			job.service_type,
			job.service_subtype,
			job.user_id,
			job.group_id,
			job.reserved_at,
			job.started_at,
			job.finished_at,
			job.cancelled_at,
			coalesce(-sum(ledger.amount), 0) AS amount,
			coalesce(-sum(CASE WHEN journal.transaction_type = $%d THEN ledger.amount ELSE 0 END), 0) AS reserved_amount,
			(job.usage_params->>'count')::bigint,
			(job.reservation_params->>'count')::bigint,
			CASE WHEN job.finished_at = job.started_at THEN NULL
				ELSE extract(epoch FROM job.finished_at - job.started_at)::bigint END,
			(job.reservation_params->>'duration')::bigint,
			(job.usage_params->>'size')::bigint
		FROM selected_job
		JOIN job ON job.id = selected_job.id
		LEFT JOIN journal ON journal.job_id = job.id
		LEFT JOIN ledger ON ledger.journal_id = journal.id AND ledger.account_id = job.proj_id
		GROUP BY job.id
		ORDER BY job.started_at, job.id`,
		where, len(args)-2, len(args)-1, len(args),
	)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query job reports failed: %w", err)
	}
	defer rows.Close()

	var out []domain.JobReport
	for rows.Next() {
		var rep domain.JobReport
		var vlabID, projID uuid.UUID
		var count, reservedCount, duration, reservedDuration, size *int64
		err := rows.Scan(
			&vlabID, &projID, &rep.JobID, &rep.Type, &rep.Subtype,
			&rep.UserID, &rep.GroupID,
			&rep.ReservedAt, &rep.StartedAt, &rep.FinishedAt, &rep.CancelledAt,
			&rep.Amount, &rep.ReservedAmount,
			&count, &reservedCount, &duration, &reservedDuration, &size,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job report failed: %w", err)
		}
		// Scope the identifiers to the report level: a project report
		// doesn't repeat the project id on every row.
		if filter.VlabID == nil && filter.ProjID == nil {
			rep.VlabID = &vlabID
		}
		if filter.ProjID == nil {
			rep.ProjID = &projID
		}
		rep.Count = count
		rep.ReservedCount = reservedCount
		rep.Duration = duration
		rep.ReservedDuration = reservedDuration
		rep.Size = size
		out = append(out, rep)
	}
	return out, total, rows.Err()
}

package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openvlab/accounting/internal/apierror"
	"github.com/openvlab/accounting/internal/domain"
	"github.com/openvlab/accounting/internal/repository"
)

// ReportPage is one page of the per-job report.
type ReportPage struct {
	Jobs     []domain.JobReport `json:"jobs"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
	Total    int64              `json:"total"`
}

// ReportParams narrows and paginates a report request.
type ReportParams struct {
	Page          int
	PageSize      int
	StartedAfter  *time.Time
	StartedBefore *time.Time
}

func (p ReportParams) validate() error {
	if p.Page < 1 {
		return apierror.InvalidRequest("page must be >= 1")
	}
	if p.PageSize < 1 || p.PageSize > 1000 {
		return apierror.InvalidRequest("page_size must be between 1 and 1000")
	}
	return nil
}

// GetSystemReport returns the report across all virtual labs.
func (s *Service) GetSystemReport(ctx context.Context, p ReportParams) (ReportPage, error) {
	return s.getReport(ctx, repository.ReportFilter{
		StartedAfter:  p.StartedAfter,
		StartedBefore: p.StartedBefore,
	}, p)
}

// GetVlabReport returns the report for one virtual lab.
func (s *Service) GetVlabReport(ctx context.Context, vlabID uuid.UUID, p ReportParams) (ReportPage, error) {
	repos := repository.NewGroup(s.db)
	if _, err := repos.Account.GetVlabAccount(ctx, vlabID, false); err != nil {
		return ReportPage{}, err
	}
	return s.getReport(ctx, repository.ReportFilter{
		VlabID:        &vlabID,
		StartedAfter:  p.StartedAfter,
		StartedBefore: p.StartedBefore,
	}, p)
}

// GetProjReport returns the report for one project.
func (s *Service) GetProjReport(ctx context.Context, projID uuid.UUID, p ReportParams) (ReportPage, error) {
	repos := repository.NewGroup(s.db)
	if _, err := repos.Account.GetProjAccount(ctx, projID, false); err != nil {
		return ReportPage{}, err
	}
	return s.getReport(ctx, repository.ReportFilter{
		ProjID:        &projID,
		StartedAfter:  p.StartedAfter,
		StartedBefore: p.StartedBefore,
	}, p)
}

func (s *Service) getReport(ctx context.Context, filter repository.ReportFilter, p ReportParams) (ReportPage, error) {
	if err := p.validate(); err != nil {
		return ReportPage{}, err
	}
	repos := repository.NewGroup(s.db)
	jobs, total, err := repos.Report.GetJobReports(ctx, filter, p.Page, p.PageSize)
	if err != nil {
		return ReportPage{}, err
	}
	return ReportPage{
		Jobs:     jobs,
		Page:     p.Page,
		PageSize: p.PageSize,
		Total:    total,
	}, nil
}

package task

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/openvlab/accounting/internal/config"
	"github.com/openvlab/accounting/internal/metrics"
	"github.com/openvlab/accounting/internal/service"
)

// minCreatedAt bounds a charger's job scan to the configured rolling
// window, so settled history doesn't grow the scan forever. A zero window
// disables the bound.
func minCreatedAt(window time.Duration) *time.Time {
	if window <= 0 {
		return nil
	}
	t := time.Now().UTC().Add(-window)
	return &t
}

// NewOneshotCharger builds the periodic task settling oneshot jobs.
func NewOneshotCharger(db *sql.DB, svc *service.Service, cfg *config.Config, logger zerolog.Logger) *Task {
	c := cfg.ChargeOneshot
	body := func(ctx context.Context) error {
		result, err := svc.ChargeOneshot(ctx, minCreatedAt(c.RollingWindow))
		if err != nil {
			return err
		}
		metrics.ChargedJobs.WithLabelValues("oneshot", "success").Add(float64(result.Success))
		metrics.ChargedJobs.WithLabelValues("oneshot", "failure").Add(float64(result.Failure))
		logger.Info().
			Int("success", result.Success).
			Int("failure", result.Failure).
			Msg("oneshot charging round done")
		return nil
	}
	return New("charge_oneshot", db, c.LoopSleep, c.ErrorSleep, body, logger)
}

// NewLongrunCharger builds the periodic task advancing longrun jobs.
func NewLongrunCharger(db *sql.DB, svc *service.Service, cfg *config.Config, logger zerolog.Logger) *Task {
	c := cfg.ChargeLongrun
	body := func(ctx context.Context) error {
		result, err := svc.ChargeLongrun(ctx, minCreatedAt(c.RollingWindow))
		if err != nil {
			return err
		}
		success := result.UnfinishedUncharged + result.ExpiredUncharged +
			result.UnfinishedCharged + result.ExpiredCharged +
			result.FinishedUncharged + result.FinishedCharged +
			result.FinishedOvercharged
		metrics.ChargedJobs.WithLabelValues("longrun", "success").Add(float64(success))
		metrics.ChargedJobs.WithLabelValues("longrun", "failure").Add(float64(result.Failure))
		logger.Info().
			Int("unfinished_uncharged", result.UnfinishedUncharged).
			Int("expired_uncharged", result.ExpiredUncharged).
			Int("unfinished_charged", result.UnfinishedCharged).
			Int("expired_charged", result.ExpiredCharged).
			Int("finished_uncharged", result.FinishedUncharged).
			Int("finished_charged", result.FinishedCharged).
			Int("finished_overcharged", result.FinishedOvercharged).
			Int("failure", result.Failure).
			Msg("longrun charging round done")
		return nil
	}
	return New("charge_longrun", db, c.LoopSleep, c.ErrorSleep, body, logger)
}

// NewStorageCharger builds the periodic task billing storage intervals.
func NewStorageCharger(db *sql.DB, svc *service.Service, cfg *config.Config, logger zerolog.Logger) *Task {
	c := cfg.ChargeStorage
	body := func(ctx context.Context) error {
		result, err := svc.ChargeStorage(ctx, minCreatedAt(c.RollingWindow))
		if err != nil {
			return err
		}
		metrics.ChargedJobs.WithLabelValues("storage", "success").Add(float64(result.Success))
		metrics.ChargedJobs.WithLabelValues("storage", "failure").Add(float64(result.Failure))
		logger.Info().
			Int("success", result.Success).
			Int("failure", result.Failure).
			Msg("storage charging round done")
		return nil
	}
	return New("charge_storage", db, c.LoopSleep, c.ErrorSleep, body, logger)
}

// Package database owns the PostgreSQL connection pool and the transaction
// helpers the rest of the service is built on.
//
// Concurrency model: every logical operation (a reservation, a release, one
// consumed event, one charger round) runs in its own transaction obtained
// via RunInTx. Inside a charger round, each job is additionally wrapped in
// a savepoint via WithSavepoint so one bad job rolls back alone and the
// batch continues. Account rows are the contended resource and are always
// locked FOR UPDATE before a read-then-write.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// pgLockNotAvailable is the SQLSTATE raised by FOR UPDATE NOWAIT when the
// row is already locked by another transaction.
const pgLockNotAvailable = "55P03"

// DBTX is the subset of database handles the repositories run on: either
// a *sql.DB or a *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Config holds connection pool parameters.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Connect opens a PostgreSQL pool and verifies connectivity.
func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	logger.Info().
		Int("max_open_conns", cfg.MaxOpenConns).
		Msg("postgres connection established")

	return db, nil
}

// RunInTx runs fn inside a transaction, committing on nil and rolling back
// on error or panic.
func RunInTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx failed: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// WithSavepoint runs fn inside a savepoint on tx. On error the savepoint
// is rolled back and the error returned; the outer transaction stays
// usable. The name must be a plain identifier, unique within the tx scope
// only for readability (savepoints may be reused after release).
func WithSavepoint(ctx context.Context, tx *sql.Tx, name string, fn func() error) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint failed: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("rollback to savepoint failed: %w (original: %w)", rbErr, err)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint failed: %w", err)
	}
	return nil
}

// IsLockNotAvailable reports whether err is the PostgreSQL
// lock_not_available error raised by SELECT ... FOR UPDATE NOWAIT.
func IsLockNotAvailable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgLockNotAvailable
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == "23505"
}

// ClockTimestamp returns the database wall clock. The task registry
// records run times with the database clock so multiple processes agree.
func ClockTimestamp(ctx context.Context, q DBTX) (time.Time, error) {
	var ts time.Time
	if err := q.QueryRowContext(ctx, "SELECT clock_timestamp()").Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("clock_timestamp failed: %w", err)
	}
	return ts, nil
}

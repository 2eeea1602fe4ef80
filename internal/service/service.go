// Package service implements the business operations of the accounting
// service on top of the repository layer: reservations, releases, budget
// moves, balances, reports, and the three charging engines.
//
// Every exported operation opens its own database transaction; inside a
// charging round each job additionally runs in a savepoint so one bad job
// rolls back alone.
package service

import (
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/openvlab/accounting/internal/config"
)

// Service bundles the dependencies of the business operations.
type Service struct {
	db     *sql.DB
	cfg    *config.Config
	logger zerolog.Logger
}

// New builds a Service.
func New(db *sql.DB, cfg *config.Config, logger zerolog.Logger) *Service {
	return &Service{db: db, cfg: cfg, logger: logger}
}

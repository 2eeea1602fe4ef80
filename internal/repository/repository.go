// Package repository implements the persistence layer: each repository is
// a thin typed wrapper around SQL, and a Group bundles the repositories
// sharing one database handle (a transaction for mutating flows, a plain
// pool for reads).
//
// Locking discipline: callers that need read-then-write consistency on an
// account lock the row with FOR UPDATE before reading it; the ledger's
// balance updates then serialize on that same row lock.
package repository

import (
	"github.com/openvlab/accounting/internal/database"
)

// Group bundles the repositories sharing the same database handle.
type Group struct {
	Account  *AccountRepository
	Job      *JobRepository
	Ledger   *LedgerRepository
	Price    *PriceRepository
	Discount *DiscountRepository
	Event    *EventRepository
	Task     *TaskRepository
	Report   *ReportRepository
}

// NewGroup builds a repository group over db, which is either a *sql.Tx
// or a *sql.DB depending on the caller's transactional needs.
func NewGroup(db database.DBTX) *Group {
	return &Group{
		Account:  &AccountRepository{db: db},
		Job:      &JobRepository{db: db},
		Ledger:   &LedgerRepository{db: db},
		Price:    &PriceRepository{db: db},
		Discount: &DiscountRepository{db: db},
		Event:    &EventRepository{db: db},
		Task:     &TaskRepository{db: db},
		Report:   &ReportRepository{db: db},
	}
}

// Package constants defines the closed enumerations shared across the
// accounting service: account kinds, service types and subtypes, ledger
// transaction types, queue event statuses and longrun lifecycle statuses.
//
// All enums are stored in the database as their string values, so renaming
// a value is a schema migration, not a refactoring.
package constants

import "github.com/shopspring/decimal"

// D0 is the zero amount, shared to avoid allocating it everywhere.
var D0 = decimal.Zero

// AccountType identifies the kind of an account in the hierarchy.
type AccountType string

const (
	// AccountSys is the single system account accumulating all revenue.
	AccountSys AccountType = "SYS"
	// AccountVlab is a tenant-level budget holder.
	AccountVlab AccountType = "VLAB"
	// AccountProj is a sub-budget within a virtual lab.
	AccountProj AccountType = "PROJ"
	// AccountRsv is the per-project holding account for reserved funds.
	AccountRsv AccountType = "RSV"
)

// ServiceType identifies the charging algorithm applied to a job.
type ServiceType string

const (
	ServiceOneshot ServiceType = "oneshot"
	ServiceLongrun ServiceType = "longrun"
	ServiceStorage ServiceType = "storage"
)

// Valid reports whether t is one of the known service types.
func (t ServiceType) Valid() bool {
	switch t {
	case ServiceOneshot, ServiceLongrun, ServiceStorage:
		return true
	}
	return false
}

// ServiceSubtype identifies the priced variant of a service.
type ServiceSubtype string

const (
	SubtypeMLLLM         ServiceSubtype = "ml-llm"
	SubtypeMLRAG         ServiceSubtype = "ml-rag"
	SubtypeMLRetrieval   ServiceSubtype = "ml-retrieval"
	SubtypeSingleCellSim ServiceSubtype = "single-cell-sim"
	SubtypeSynaptomeSim  ServiceSubtype = "synaptome-sim"
	SubtypeStorage       ServiceSubtype = "storage"
)

// Valid reports whether s is one of the known service subtypes.
func (s ServiceSubtype) Valid() bool {
	switch s {
	case SubtypeMLLLM, SubtypeMLRAG, SubtypeMLRetrieval,
		SubtypeSingleCellSim, SubtypeSynaptomeSim, SubtypeStorage:
		return true
	}
	return false
}

// TransactionType identifies the business meaning of a journal entry.
type TransactionType string

const (
	TransactionTopUp         TransactionType = "top_up"         // SYS -> VLAB
	TransactionAssignBudget  TransactionType = "assign_budget"  // VLAB -> PROJ
	TransactionReverseBudget TransactionType = "reverse_budget" // PROJ -> VLAB
	TransactionMoveBudget    TransactionType = "move_budget"    // PROJ -> PROJ
	TransactionReserve       TransactionType = "reserve"        // PROJ -> RSV
	TransactionRelease       TransactionType = "release"        // RSV -> PROJ
	TransactionChargeOneshot TransactionType = "charge_oneshot" // RSV|PROJ -> SYS
	TransactionChargeLongrun TransactionType = "charge_longrun" // RSV|PROJ -> SYS
	TransactionChargeStorage TransactionType = "charge_storage" // PROJ -> SYS
	TransactionRefund        TransactionType = "refund"         // SYS -> PROJ
)

// EventStatus is the terminal processing status of a queue message.
type EventStatus string

const (
	EventCompleted EventStatus = "completed"
	EventFailed    EventStatus = "failed"
)

// LongrunStatus is the lifecycle status carried by a longrun usage event.
type LongrunStatus string

const (
	LongrunStarted  LongrunStatus = "started"
	LongrunRunning  LongrunStatus = "running"
	LongrunFinished LongrunStatus = "finished"
)

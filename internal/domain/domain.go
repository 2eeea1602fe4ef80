// Package domain holds the persistent entities of the accounting service.
//
// All monetary amounts are shopspring decimals: the ledger law (every
// journal's entries sum to zero, every account balance equals the sum of
// its entries) only holds with exact arithmetic, never with floats.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openvlab/accounting/internal/constants"
)

// Params is a JSON object column (reservation_params, usage_params,
// journal properties). It round-trips through JSONB.
type Params map[string]any

// Value implements driver.Valuer.
func (p Params) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *Params) Scan(src any) error {
	if src == nil {
		*p = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Params", src)
	}
	return json.Unmarshal(raw, p)
}

// Int64 returns the named parameter as an int64. JSON numbers decode as
// float64, so usage counters and sizes pass through a float conversion
// that is exact for values below 2^53.
func (p Params) Int64(key string) (int64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// String returns the named parameter as a string.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Account is a node in the SYS / VLAB / PROJ / RSV hierarchy.
// Balance is a cache: the authoritative value is the sum of the account's
// ledger entries, and the two are updated in the same transaction.
type Account struct {
	ID          uuid.UUID
	AccountType constants.AccountType
	ParentID    uuid.NullUUID
	Name        string
	Balance     decimal.Decimal
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Accounts bundles the four related accounts resolved from a project id.
type Accounts struct {
	Sys  Account
	Vlab Account
	Proj Account
	Rsv  Account
}

// Job is a unit of billable work from reservation to settlement.
//
// Timestamp semantics:
//   - reserved_at: funds moved PROJ -> RSV
//   - started_at / last_alive_at: reported by usage events
//   - last_charged_at: upper bound of the last charged interval
//   - finished_at: terminal; a job is settled once last_charged_at equals it
//   - cancelled_at: set on release or expiration
type Job struct {
	ID                uuid.UUID
	VlabID            uuid.UUID
	ProjID            uuid.UUID
	UserID            string
	GroupID           string
	ServiceType       constants.ServiceType
	ServiceSubtype    constants.ServiceSubtype
	CreatedAt         time.Time
	ReservedAt        *time.Time
	StartedAt         *time.Time
	LastAliveAt       *time.Time
	LastChargedAt     *time.Time
	FinishedAt        *time.Time
	CancelledAt       *time.Time
	ReservationParams Params
	UsageParams       Params
}

// PriceTime returns the reference time for price resolution: the
// reservation time when there is one, otherwise the start time.
func (j *Job) PriceTime() time.Time {
	if j.ReservedAt != nil {
		return *j.ReservedAt
	}
	if j.StartedAt != nil {
		return *j.StartedAt
	}
	return j.CreatedAt
}

// Price is a time-versioned price record. VlabID null means the default
// price used when no vlab-specific row matches.
type Price struct {
	ID             int64
	ServiceType    constants.ServiceType
	ServiceSubtype constants.ServiceSubtype
	ValidFrom      time.Time
	ValidTo        *time.Time
	FixedCost      decimal.Decimal
	Multiplier     decimal.Decimal
	VlabID         uuid.NullUUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Discount is a time-versioned multiplicative per-vlab discount in [0, 1).
type Discount struct {
	ID        int64
	VlabID    uuid.UUID
	ValidFrom time.Time
	ValidTo   *time.Time
	Discount  decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event records the processing outcome of one queue message, keyed by the
// broker message id. Counter is the delivery count seen so far.
type Event struct {
	ID         int64
	MessageID  string
	QueueName  string
	Status     constants.EventStatus
	Attributes Params
	Body       string
	Error      string
	JobID      uuid.NullUUID
	Counter    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TaskInfo is the registry row for a named periodic task.
type TaskInfo struct {
	TaskName     string
	LastRun      *time.Time
	LastDuration float64
	LastError    *string
}

// JobReport is one row of the paginated per-job report.
type JobReport struct {
	VlabID           *uuid.UUID       `json:"vlab_id,omitempty"`
	ProjID           *uuid.UUID       `json:"proj_id,omitempty"`
	JobID            uuid.UUID        `json:"job_id"`
	Type             string           `json:"type"`
	Subtype          string           `json:"subtype"`
	UserID           string           `json:"user_id"`
	GroupID          string           `json:"group_id"`
	ReservedAt       *time.Time       `json:"reserved_at"`
	StartedAt        *time.Time       `json:"started_at"`
	FinishedAt       *time.Time       `json:"finished_at"`
	CancelledAt      *time.Time       `json:"cancelled_at"`
	Amount           decimal.Decimal  `json:"amount"`
	ReservedAmount   decimal.Decimal  `json:"reserved_amount"`
	Count            *int64           `json:"count,omitempty"`
	ReservedCount    *int64           `json:"reserved_count,omitempty"`
	Duration         *int64           `json:"duration,omitempty"`
	ReservedDuration *int64           `json:"reserved_duration,omitempty"`
	Size             *int64           `json:"size,omitempty"`
}

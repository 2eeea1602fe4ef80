// Package queue implements the SQS side of the service: the wire event
// formats, the shared SQS manager, and the three FIFO consumers that turn
// usage events into job lifecycle updates.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openvlab/accounting/internal/apierror"
	"github.com/openvlab/accounting/internal/constants"
)

// Timestamps on the wire are integer seconds since the Unix epoch.
// The validation window rejects stale producers and clock skew.

// OneshotEvent reports the completion of a reserved oneshot job.
type OneshotEvent struct {
	Type      constants.ServiceType    `json:"type"`
	Subtype   constants.ServiceSubtype `json:"subtype"`
	ProjID    uuid.UUID                `json:"proj_id"`
	JobID     uuid.UUID                `json:"job_id"`
	Count     int64                    `json:"count"`
	Timestamp int64                    `json:"timestamp"`
}

// LongrunEvent reports a lifecycle transition of a longrun job.
type LongrunEvent struct {
	Type         constants.ServiceType    `json:"type"`
	Subtype      constants.ServiceSubtype `json:"subtype"`
	ProjID       uuid.UUID                `json:"proj_id"`
	JobID        uuid.UUID                `json:"job_id"`
	Status       constants.LongrunStatus  `json:"status"`
	Instances    *int64                   `json:"instances,omitempty"`
	InstanceType string                   `json:"instance_type,omitempty"`
	Timestamp    int64                    `json:"timestamp"`
}

// StorageEvent reports the new total storage size of a project.
type StorageEvent struct {
	Type      constants.ServiceType    `json:"type"`
	Subtype   constants.ServiceSubtype `json:"subtype"`
	ProjID    uuid.UUID                `json:"proj_id"`
	Size      int64                    `json:"size"`
	Timestamp int64                    `json:"timestamp"`
}

// TimestampWindow bounds acceptable event timestamps around now.
type TimestampWindow struct {
	MaxPast   time.Duration
	MaxFuture time.Duration
}

// Resolve validates ts against the window and converts it to UTC time.
func (w TimestampWindow) Resolve(ts int64, now time.Time) (time.Time, error) {
	t := time.Unix(ts, 0).UTC()
	if t.Before(now.Add(-w.MaxPast)) {
		return time.Time{}, apierror.Eventf("timestamp %d is too far in the past", ts)
	}
	if t.After(now.Add(w.MaxFuture)) {
		return time.Time{}, apierror.Eventf("timestamp %d is too far in the future", ts)
	}
	return t, nil
}

func decodeEvent(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return apierror.Eventf("invalid event body: %v", err)
	}
	return nil
}

// Validate checks the event against the expected type tag and window.
func (e *OneshotEvent) Validate(now time.Time, w TimestampWindow) (time.Time, error) {
	if e.Type != constants.ServiceOneshot {
		return time.Time{}, apierror.Eventf("unexpected event type %q", e.Type)
	}
	if !e.Subtype.Valid() {
		return time.Time{}, apierror.Eventf("unknown service subtype %q", e.Subtype)
	}
	if e.Count < 0 {
		return time.Time{}, apierror.Eventf("count must be non-negative")
	}
	return w.Resolve(e.Timestamp, now)
}

// Validate checks the event against the expected type tag and window.
func (e *LongrunEvent) Validate(now time.Time, w TimestampWindow) (time.Time, error) {
	if e.Type != constants.ServiceLongrun {
		return time.Time{}, apierror.Eventf("unexpected event type %q", e.Type)
	}
	if !e.Subtype.Valid() {
		return time.Time{}, apierror.Eventf("unknown service subtype %q", e.Subtype)
	}
	if e.Instances != nil && *e.Instances < 0 {
		return time.Time{}, apierror.Eventf("instances must be non-negative")
	}
	return w.Resolve(e.Timestamp, now)
}

// Validate checks the event against the expected type tag and window.
func (e *StorageEvent) Validate(now time.Time, w TimestampWindow) (time.Time, error) {
	if e.Type != constants.ServiceStorage {
		return time.Time{}, apierror.Eventf("unexpected event type %q", e.Type)
	}
	if e.Subtype != constants.SubtypeStorage {
		return time.Time{}, apierror.Eventf("unexpected storage subtype %q", e.Subtype)
	}
	if e.Size < 0 {
		return time.Time{}, apierror.Eventf("size must be non-negative")
	}
	return w.Resolve(e.Timestamp, now)
}

// Marshal renders an event for publishing.
func Marshal(event any) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event failed: %w", err)
	}
	return body, nil
}

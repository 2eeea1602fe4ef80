package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvlab/accounting/internal/apierror"
	"github.com/openvlab/accounting/internal/constants"
)

var testWindow = TimestampWindow{
	MaxPast:   35 * 24 * time.Hour,
	MaxFuture: 5 * time.Minute,
}

func TestTimestampWindowResolve(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	resolved, err := testWindow.Resolve(now.Unix(), now)
	require.NoError(t, err)
	assert.Equal(t, now, resolved)

	// Slightly in the future is tolerated up to MaxFuture.
	_, err = testWindow.Resolve(now.Add(4*time.Minute).Unix(), now)
	assert.NoError(t, err)
	_, err = testWindow.Resolve(now.Add(6*time.Minute).Unix(), now)
	assert.Error(t, err)
	assert.True(t, apierror.IsEventError(err))

	// Old events are accepted within the replay window.
	_, err = testWindow.Resolve(now.Add(-34*24*time.Hour).Unix(), now)
	assert.NoError(t, err)
	_, err = testWindow.Resolve(now.Add(-36*24*time.Hour).Unix(), now)
	assert.Error(t, err)
	assert.True(t, apierror.IsEventError(err))
}

func TestOneshotEventValidate(t *testing.T) {
	now := time.Now().UTC()
	event := OneshotEvent{
		Type:      constants.ServiceOneshot,
		Subtype:   constants.SubtypeMLLLM,
		ProjID:    uuid.New(),
		JobID:     uuid.New(),
		Count:     1500,
		Timestamp: now.Unix(),
	}

	resolved, err := event.Validate(now, testWindow)
	require.NoError(t, err)
	assert.Equal(t, now.Unix(), resolved.Unix())

	bad := event
	bad.Type = constants.ServiceStorage
	_, err = bad.Validate(now, testWindow)
	assert.True(t, apierror.IsEventError(err))

	bad = event
	bad.Subtype = "gpu-farm"
	_, err = bad.Validate(now, testWindow)
	assert.True(t, apierror.IsEventError(err))

	bad = event
	bad.Count = -1
	_, err = bad.Validate(now, testWindow)
	assert.True(t, apierror.IsEventError(err))
}

func TestLongrunEventValidate(t *testing.T) {
	now := time.Now().UTC()
	instances := int64(2)
	event := LongrunEvent{
		Type:      constants.ServiceLongrun,
		Subtype:   constants.SubtypeSingleCellSim,
		ProjID:    uuid.New(),
		JobID:     uuid.New(),
		Status:    constants.LongrunStarted,
		Instances: &instances,
		Timestamp: now.Unix(),
	}

	_, err := event.Validate(now, testWindow)
	assert.NoError(t, err)

	// Heartbeats carry no instances.
	running := event
	running.Status = constants.LongrunRunning
	running.Instances = nil
	_, err = running.Validate(now, testWindow)
	assert.NoError(t, err)

	bad := event
	negative := int64(-1)
	bad.Instances = &negative
	_, err = bad.Validate(now, testWindow)
	assert.True(t, apierror.IsEventError(err))
}

func TestStorageEventValidate(t *testing.T) {
	now := time.Now().UTC()
	event := StorageEvent{
		Type:      constants.ServiceStorage,
		Subtype:   constants.SubtypeStorage,
		ProjID:    uuid.New(),
		Size:      1 << 30,
		Timestamp: now.Unix(),
	}

	_, err := event.Validate(now, testWindow)
	assert.NoError(t, err)

	bad := event
	bad.Subtype = constants.SubtypeMLLLM
	_, err = bad.Validate(now, testWindow)
	assert.True(t, apierror.IsEventError(err))

	bad = event
	bad.Size = -1
	_, err = bad.Validate(now, testWindow)
	assert.True(t, apierror.IsEventError(err))
}

func TestDecodeEvent(t *testing.T) {
	projID := uuid.New()
	jobID := uuid.New()
	body := []byte(`{
		"type": "oneshot",
		"subtype": "ml-llm",
		"proj_id": "` + projID.String() + `",
		"job_id": "` + jobID.String() + `",
		"count": 1500,
		"timestamp": 1748779200
	}`)

	var event OneshotEvent
	require.NoError(t, decodeEvent(body, &event))
	assert.Equal(t, constants.ServiceOneshot, event.Type)
	assert.Equal(t, constants.SubtypeMLLLM, event.Subtype)
	assert.Equal(t, projID, event.ProjID)
	assert.Equal(t, jobID, event.JobID)
	assert.Equal(t, int64(1500), event.Count)
	assert.Equal(t, int64(1748779200), event.Timestamp)

	err := decodeEvent([]byte("not json"), &event)
	assert.True(t, apierror.IsEventError(err))
}

func TestMarshalRoundTrip(t *testing.T) {
	event := StorageEvent{
		Type:      constants.ServiceStorage,
		Subtype:   constants.SubtypeStorage,
		ProjID:    uuid.New(),
		Size:      42,
		Timestamp: 1700000000,
	}
	body, err := Marshal(&event)
	require.NoError(t, err)

	var decoded StorageEvent
	require.NoError(t, decodeEvent(body, &decoded))
	assert.Equal(t, event, decoded)
}

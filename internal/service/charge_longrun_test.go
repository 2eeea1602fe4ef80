package service

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvlab/accounting/internal/domain"
)

const longrunExpiration = time.Hour

func longrunJob(started, lastAlive, lastCharged, finished *time.Time) domain.Job {
	return domain.Job{
		ID:            uuid.New(),
		StartedAt:     started,
		LastAliveAt:   lastAlive,
		LastChargedAt: lastCharged,
		FinishedAt:    finished,
	}
}

func ts(base time.Time, offset time.Duration) *time.Time {
	t := base.Add(offset)
	return &t
}

func TestClassifyLongrun(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	started := ts(now, -30*time.Minute)
	alive := ts(now, -time.Minute)
	dead := ts(now, -2*time.Hour)

	t.Run("unfinished uncharged", func(t *testing.T) {
		action, err := ClassifyLongrun(longrunJob(started, alive, nil, nil), now, longrunExpiration)
		require.NoError(t, err)
		assert.Equal(t, LongrunUnfinishedUncharged, action.State)
		assert.Equal(t, *started, action.ChargeStart)
		assert.Equal(t, now, action.ChargeEnd)
		assert.True(t, action.IncludeFixedCost)
		assert.False(t, action.ReleaseReservation)
		assert.False(t, action.Expired)
		assert.True(t, action.Throttled)
	})

	t.Run("unfinished charged", func(t *testing.T) {
		charged := ts(now, -10*time.Minute)
		action, err := ClassifyLongrun(longrunJob(started, alive, charged, nil), now, longrunExpiration)
		require.NoError(t, err)
		assert.Equal(t, LongrunUnfinishedCharged, action.State)
		assert.Equal(t, *charged, action.ChargeStart)
		assert.Equal(t, now, action.ChargeEnd)
		assert.False(t, action.IncludeFixedCost)
		assert.True(t, action.Throttled)
	})

	t.Run("expired uncharged", func(t *testing.T) {
		startedLongAgo := ts(now, -3*time.Hour)
		action, err := ClassifyLongrun(longrunJob(startedLongAgo, dead, nil, nil), now, longrunExpiration)
		require.NoError(t, err)
		assert.Equal(t, LongrunExpiredUncharged, action.State)
		assert.Equal(t, *startedLongAgo, action.ChargeStart)
		assert.Equal(t, now, action.ChargeEnd)
		assert.True(t, action.IncludeFixedCost)
		assert.True(t, action.ReleaseReservation)
		assert.True(t, action.Expired)
		assert.False(t, action.Throttled)
	})

	t.Run("expired charged", func(t *testing.T) {
		charged := ts(now, -90*time.Minute)
		action, err := ClassifyLongrun(longrunJob(started, dead, charged, nil), now, longrunExpiration)
		require.NoError(t, err)
		assert.Equal(t, LongrunExpiredCharged, action.State)
		assert.Equal(t, *charged, action.ChargeStart)
		assert.True(t, action.Expired)
		assert.True(t, action.ReleaseReservation)
		assert.False(t, action.Throttled)
	})

	t.Run("finished uncharged", func(t *testing.T) {
		finished := ts(now, -5*time.Minute)
		action, err := ClassifyLongrun(longrunJob(started, alive, nil, finished), now, longrunExpiration)
		require.NoError(t, err)
		assert.Equal(t, LongrunFinishedUncharged, action.State)
		assert.Equal(t, *started, action.ChargeStart)
		assert.Equal(t, *finished, action.ChargeEnd)
		assert.True(t, action.IncludeFixedCost)
		assert.True(t, action.ReleaseReservation)
		assert.False(t, action.Throttled)
	})

	t.Run("finished charged", func(t *testing.T) {
		charged := ts(now, -10*time.Minute)
		finished := ts(now, -5*time.Minute)
		action, err := ClassifyLongrun(longrunJob(started, alive, charged, finished), now, longrunExpiration)
		require.NoError(t, err)
		assert.Equal(t, LongrunFinishedCharged, action.State)
		assert.Equal(t, *charged, action.ChargeStart)
		assert.Equal(t, *finished, action.ChargeEnd)
		assert.False(t, action.IncludeFixedCost)
		assert.True(t, action.ReleaseReservation)
		assert.False(t, action.Throttled)
	})

	t.Run("finished overcharged", func(t *testing.T) {
		// The finish event arrived after the charger had already billed
		// past finished_at: the negative interval becomes a refund and is
		// never throttled.
		charged := ts(now, -5*time.Minute)
		finished := ts(now, -10*time.Minute)
		action, err := ClassifyLongrun(longrunJob(started, alive, charged, finished), now, longrunExpiration)
		require.NoError(t, err)
		assert.Equal(t, LongrunFinishedOvercharged, action.State)
		assert.Equal(t, *charged, action.ChargeStart)
		assert.Equal(t, *finished, action.ChargeEnd)
		assert.True(t, action.ChargeEnd.Before(action.ChargeStart))
		assert.True(t, action.ReleaseReservation)
		assert.False(t, action.Throttled)
	})

	t.Run("settled job matches as finished charged equal", func(t *testing.T) {
		// finished == last_charged jobs are excluded by the selector, but
		// classification must still not error if one slips through.
		finished := ts(now, -5*time.Minute)
		_, err := ClassifyLongrun(longrunJob(started, alive, finished, finished), now, longrunExpiration)
		assert.Error(t, err)
	})

	t.Run("dead job without heartbeat is not expired", func(t *testing.T) {
		// Expiration is driven by last_alive_at only.
		startedLongAgo := ts(now, -3*time.Hour)
		action, err := ClassifyLongrun(longrunJob(startedLongAgo, nil, nil, nil), now, longrunExpiration)
		require.NoError(t, err)
		assert.Equal(t, LongrunUnfinishedUncharged, action.State)
	})
}

func TestChargeLongrunResultCount(t *testing.T) {
	var r ChargeLongrunResult
	for _, s := range []LongrunState{
		LongrunUnfinishedUncharged, LongrunExpiredUncharged,
		LongrunUnfinishedCharged, LongrunExpiredCharged,
		LongrunFinishedUncharged, LongrunFinishedCharged,
		LongrunFinishedOvercharged, LongrunFinishedOvercharged,
	} {
		r.count(s)
	}
	assert.Equal(t, 1, r.UnfinishedUncharged)
	assert.Equal(t, 1, r.ExpiredUncharged)
	assert.Equal(t, 1, r.UnfinishedCharged)
	assert.Equal(t, 1, r.ExpiredCharged)
	assert.Equal(t, 1, r.FinishedUncharged)
	assert.Equal(t, 1, r.FinishedCharged)
	assert.Equal(t, 2, r.FinishedOvercharged)
	assert.Equal(t, 0, r.Failure)
}

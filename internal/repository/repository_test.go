package repository

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvlab/accounting/internal/constants"
	"github.com/openvlab/accounting/internal/database"
	"github.com/openvlab/accounting/internal/domain"
)

// testTx opens a transaction against TEST_DATABASE_URL and rolls it back
// when the test ends, so tests never leave rows behind. Tests are skipped
// when no database is configured.
func testTx(t *testing.T) (*sql.Tx, context.Context) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}
	db, err := sql.Open("postgres", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	t.Cleanup(func() { tx.Rollback() })
	return tx, ctx
}

// seedHierarchy creates a SYS, VLAB, PROJ (with RSV child) for the test.
func seedHierarchy(t *testing.T, ctx context.Context, repos *Group) domain.Accounts {
	t.Helper()
	if _, err := repos.Account.GetSystemAccount(ctx); err != nil {
		_, err = repos.Account.AddSysAccount(ctx, uuid.New(), "sys")
		require.NoError(t, err)
	}
	vlab, err := repos.Account.AddVlabAccount(ctx, uuid.New(), "vlab-test")
	require.NoError(t, err)
	proj, err := repos.Account.AddProjAccount(ctx, uuid.New(), "proj-test", vlab.ID)
	require.NoError(t, err)

	accounts, err := repos.Account.GetAccountsByProjID(ctx, proj.ID, ForUpdate{})
	require.NoError(t, err)
	return accounts
}

func TestAccountHierarchy(t *testing.T) {
	tx, ctx := testTx(t)
	repos := NewGroup(tx)

	accounts := seedHierarchy(t, ctx, repos)

	assert.Equal(t, constants.AccountSys, accounts.Sys.AccountType)
	assert.Equal(t, constants.AccountVlab, accounts.Vlab.AccountType)
	assert.Equal(t, constants.AccountProj, accounts.Proj.AccountType)
	assert.Equal(t, constants.AccountRsv, accounts.Rsv.AccountType)

	// The RSV child is auto-created and named after the project.
	assert.Equal(t, "proj-test/RESERVATION", accounts.Rsv.Name)
	require.True(t, accounts.Rsv.ParentID.Valid)
	assert.Equal(t, accounts.Proj.ID, accounts.Rsv.ParentID.UUID)

	// New accounts start at zero balance.
	assert.True(t, accounts.Proj.Balance.IsZero())
	assert.True(t, accounts.Rsv.Balance.IsZero())
}

func TestInsertTransactionMovesBalance(t *testing.T) {
	tx, ctx := testTx(t)
	repos := NewGroup(tx)
	accounts := seedHierarchy(t, ctx, repos)

	amount := decimal.RequireFromString("12.5")
	_, err := repos.Ledger.InsertTransaction(ctx, TransactionParams{
		Amount:              amount,
		DebitedFrom:         accounts.Sys.ID,
		CreditedTo:          accounts.Vlab.ID,
		TransactionDatetime: time.Now().UTC(),
		TransactionType:     constants.TransactionTopUp,
	})
	require.NoError(t, err)

	vlab, err := repos.Account.GetVlabAccount(ctx, accounts.Vlab.ID, false)
	require.NoError(t, err)
	assert.True(t, vlab.Balance.Equal(amount), "got %s", vlab.Balance)

	sys, err := repos.Account.GetSystemAccount(ctx)
	require.NoError(t, err)
	assert.True(t, sys.Balance.Equal(accounts.Sys.Balance.Sub(amount)),
		"system balance must drop by the amount, got %s", sys.Balance)
}

func TestRemainingReservation(t *testing.T) {
	tx, ctx := testTx(t)
	repos := NewGroup(tx)
	accounts := seedHierarchy(t, ctx, repos)

	job, err := repos.Job.Insert(ctx, domain.Job{
		ID:             uuid.New(),
		VlabID:         accounts.Vlab.ID,
		ProjID:         accounts.Proj.ID,
		ServiceType:    constants.ServiceOneshot,
		ServiceSubtype: constants.SubtypeMLLLM,
	})
	require.NoError(t, err)

	remaining, err := repos.Ledger.GetRemainingReservationForJob(ctx, job.ID, accounts.Rsv.ID)
	require.NoError(t, err)
	assert.True(t, remaining.IsZero())

	reserved := decimal.RequireFromString("10")
	_, err = repos.Ledger.InsertTransaction(ctx, TransactionParams{
		Amount:              reserved,
		DebitedFrom:         accounts.Proj.ID,
		CreditedTo:          accounts.Rsv.ID,
		TransactionDatetime: time.Now().UTC(),
		TransactionType:     constants.TransactionReserve,
		JobID:               uuid.NullUUID{UUID: job.ID, Valid: true},
	})
	require.NoError(t, err)

	remaining, err = repos.Ledger.GetRemainingReservationForJob(ctx, job.ID, accounts.Rsv.ID)
	require.NoError(t, err)
	assert.True(t, remaining.Equal(reserved), "got %s", remaining)
}

func TestJobUpdateLifecycle(t *testing.T) {
	tx, ctx := testTx(t)
	repos := NewGroup(tx)
	accounts := seedHierarchy(t, ctx, repos)

	job, err := repos.Job.Insert(ctx, domain.Job{
		ID:             uuid.New(),
		VlabID:         accounts.Vlab.ID,
		ProjID:         accounts.Proj.ID,
		ServiceType:    constants.ServiceLongrun,
		ServiceSubtype: constants.SubtypeSingleCellSim,
	})
	require.NoError(t, err)
	assert.Nil(t, job.StartedAt)

	now := time.Now().UTC().Truncate(time.Microsecond)
	updated, err := repos.Job.Update(ctx, job.ID, accounts.Vlab.ID, accounts.Proj.ID, JobUpdate{
		StartedAt:   &now,
		LastAliveAt: &now,
		UsageParams: domain.Params{"instances": int64(2)},
	})
	require.NoError(t, err)
	require.NotNil(t, updated.StartedAt)
	assert.True(t, updated.StartedAt.Equal(now))
	instances, ok := updated.UsageParams.Int64("instances")
	require.True(t, ok)
	assert.Equal(t, int64(2), instances)

	// Mismatched project id must not update anything.
	_, err = repos.Job.Update(ctx, job.ID, accounts.Vlab.ID, uuid.New(), JobUpdate{
		LastAliveAt: &now,
	})
	assert.Error(t, err)
}

func TestEventUpsertCounter(t *testing.T) {
	tx, ctx := testTx(t)
	repos := NewGroup(tx)

	params := UpsertEventParams{
		MessageID: uuid.NewString(),
		QueueName: "oneshot.fifo",
		Status:    constants.EventFailed,
		Body:      `{"type":"oneshot"}`,
		Error:     sql.NullString{String: "boom", Valid: true},
	}
	counter, err := repos.Event.Upsert(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, 1, counter)

	// A redelivery of the same message bumps the counter.
	params.Status = constants.EventCompleted
	params.Error = sql.NullString{}
	counter, err = repos.Event.Upsert(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, 2, counter)

	event, err := repos.Event.Get(ctx, params.MessageID)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, constants.EventCompleted, event.Status)
	assert.Empty(t, event.Error)
}

func TestTaskRegistry(t *testing.T) {
	tx, ctx := testTx(t)
	repos := NewGroup(tx)

	name := "test_task_" + uuid.NewString()
	require.NoError(t, repos.Task.Populate(ctx, name))
	// Populate is idempotent.
	require.NoError(t, repos.Task.Populate(ctx, name))

	info, err := repos.Task.GetLocked(ctx, name)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, name, info.TaskName)
	assert.Nil(t, info.LastRun)

	start, err := database.ClockTimestamp(ctx, tx)
	require.NoError(t, err)
	require.NoError(t, repos.Task.Update(ctx, name, start, 3*time.Second, nil))

	info, err = repos.Task.GetLocked(ctx, name)
	require.NoError(t, err)
	require.NotNil(t, info)
	require.NotNil(t, info.LastRun)
	assert.InDelta(t, 3.0, info.LastDuration, 0.001)
	assert.Nil(t, info.LastError)
}

func TestGetPriceResolution(t *testing.T) {
	tx, ctx := testTx(t)
	repos := NewGroup(tx)
	accounts := seedHierarchy(t, ctx, repos)

	validFrom := time.Now().UTC().Add(-time.Hour)
	_, err := repos.Price.Add(ctx, AddPriceParams{
		ServiceType:    constants.ServiceOneshot,
		ServiceSubtype: constants.SubtypeMLLLM,
		ValidFrom:      validFrom,
		FixedCost:      decimal.Zero,
		Multiplier:     decimal.RequireFromString("0.00001"),
	})
	require.NoError(t, err)

	// The default price resolves for any vlab.
	price, err := repos.Price.GetPrice(ctx, accounts.Vlab.ID,
		constants.ServiceOneshot, constants.SubtypeMLLLM, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, price.VlabID.Valid)

	// A vlab-specific price takes precedence over the default.
	specific, err := repos.Price.Add(ctx, AddPriceParams{
		ServiceType:    constants.ServiceOneshot,
		ServiceSubtype: constants.SubtypeMLLLM,
		ValidFrom:      validFrom,
		FixedCost:      decimal.Zero,
		Multiplier:     decimal.RequireFromString("0.00002"),
		VlabID:         uuid.NullUUID{UUID: accounts.Vlab.ID, Valid: true},
	})
	require.NoError(t, err)

	price, err = repos.Price.GetPrice(ctx, accounts.Vlab.ID,
		constants.ServiceOneshot, constants.SubtypeMLLLM, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, specific.ID, price.ID)

	// No price for the subtype at all is an error.
	_, err = repos.Price.GetPrice(ctx, accounts.Vlab.ID,
		constants.ServiceLongrun, constants.SubtypeSynaptomeSim, time.Now().UTC())
	assert.Error(t, err)
}

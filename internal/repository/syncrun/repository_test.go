package syncrun

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/procurehq/erpsync/internal/database"
	"github.com/procurehq/erpsync/internal/domain/statemachine"
	"github.com/procurehq/erpsync/internal/entity"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	sqldb, err := sql.Open("sqlite3", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.NewCreateTable().Model((*entity.SyncRun)(nil)).Exec(context.Background())
	require.NoError(t, err)

	return NewRepository(&database.Connections{Writer: db, Reader: db})
}

func TestOpenQueuedPushDeduplicates(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run, created, err := repo.OpenQueuedPush(ctx, repo.writer, "acme", "senior", 42, now)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, entity.RunQueued, run.Status)
	assert.Equal(t, int64(42), run.PurchaseOrderID)
	assert.Equal(t, 0, run.Attempt)

	// The row persists attempt 0 too, so the first claim counts as attempt 1.
	stored, err := repo.Get(ctx, "acme", run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Attempt)

	again, created, err := repo.OpenQueuedPush(ctx, repo.writer, "acme", "senior", 42, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, run.ID, again.ID)

	// A different purchase order gets its own run.
	other, created, err := repo.OpenQueuedPush(ctx, repo.writer, "acme", "senior", 43, now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, run.ID, other.ID)
}

func TestClaimMarksRunningAndCountsAttempt(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run, _, err := repo.OpenQueuedPush(ctx, repo.writer, "acme", "senior", 1, now)
	require.NoError(t, err)

	claimed, err := repo.Claim(ctx, "senior", statemachine.KindPurchaseOrder, 10, 4, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, run.ID, claimed[0].ID)
	assert.Equal(t, entity.RunRunning, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempt)

	// The same run cannot be claimed twice.
	second, err := repo.Claim(ctx, "senior", statemachine.KindPurchaseOrder, 10, 4, now)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestClaimHonoursNextAttemptAt(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run, _, err := repo.OpenQueuedPush(ctx, repo.writer, "acme", "senior", 1, now)
	require.NoError(t, err)

	claimed, err := repo.Claim(ctx, "senior", statemachine.KindPurchaseOrder, 10, 4, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	next := now.Add(30 * time.Second)
	require.NoError(t, repo.Requeue(ctx, repo.writer, run.ID, next, "erp_submit_failed", "http 503"))

	// Not due yet.
	claimed, err = repo.Claim(ctx, "senior", statemachine.KindPurchaseOrder, 10, 4, now.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// Due once the backoff elapses, and the attempt counter keeps growing.
	claimed, err = repo.Claim(ctx, "senior", statemachine.KindPurchaseOrder, 10, 4, next.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Attempt)

	requeued, err := repo.Get(ctx, "acme", run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued.RecordsFailed)
	assert.Equal(t, "erp_submit_failed", requeued.ErrorSummary)
}

func TestClaimStopsAtMaxAttempts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run, _, err := repo.OpenQueuedPush(ctx, repo.writer, "acme", "senior", 1, now)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		claimed, err := repo.Claim(ctx, "senior", statemachine.KindPurchaseOrder, 10, 2, now)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, repo.Requeue(ctx, repo.writer, run.ID, now, "erp_submit_failed", "timeout"))
	}

	// attempt == maxAttempts; no more claims.
	claimed, err := repo.Claim(ctx, "senior", statemachine.KindPurchaseOrder, 10, 2, now)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestRequeueStale(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run, _, err := repo.OpenQueuedPush(ctx, repo.writer, "acme", "senior", 1, now.Add(-time.Hour))
	require.NoError(t, err)

	claimed, err := repo.Claim(ctx, "senior", statemachine.KindPurchaseOrder, 10, 4, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	count, err := repo.RequeueStale(ctx, "senior", statemachine.KindPurchaseOrder, 5*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	reclaimed, err := repo.Claim(ctx, "senior", statemachine.KindPurchaseOrder, 10, 4, now)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, run.ID, reclaimed[0].ID)
	assert.Equal(t, 2, reclaimed[0].Attempt)
}

func TestCompleteAndFailAreTerminal(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := &entity.SyncRun{
		TenantID: "acme", System: "senior",
		Scope: statemachine.KindSupplier, Status: entity.RunRunning,
		StartedAt: now,
	}
	require.NoError(t, repo.Open(ctx, repo.writer, run))
	require.NoError(t, repo.Complete(ctx, repo.writer, run.ID, 10, 9, 1))

	stored, err := repo.Get(ctx, "acme", run.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RunSucceeded, stored.Status)
	assert.Equal(t, 10, stored.RecordsIn)
	assert.Equal(t, 9, stored.RecordsUpserted)
	assert.Equal(t, 1, stored.RecordsFailed)
	assert.False(t, stored.FinishedAt.IsZero())
	assert.True(t, stored.Terminal())

	failed := &entity.SyncRun{
		TenantID: "acme", System: "senior",
		Scope: statemachine.KindSupplier, Status: entity.RunRunning,
		StartedAt: now,
	}
	require.NoError(t, repo.Open(ctx, repo.writer, failed))
	require.NoError(t, repo.Fail(ctx, repo.writer, failed.ID, 0, 0, 0, "fetch_failed", "connection refused"))

	stored, err = repo.Get(ctx, "acme", failed.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RunFailed, stored.Status)
	assert.Equal(t, "fetch_failed", stored.ErrorSummary)
	assert.True(t, stored.Terminal())
}

func TestCompleteClearsRequeueError(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run, _, err := repo.OpenQueuedPush(ctx, repo.writer, "acme", "senior", 1, now)
	require.NoError(t, err)

	claimed, err := repo.Claim(ctx, "senior", statemachine.KindPurchaseOrder, 10, 4, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, repo.Requeue(ctx, repo.writer, run.ID, now, "erp_submit_failed", "http 503"))

	claimed, err = repo.Claim(ctx, "senior", statemachine.KindPurchaseOrder, 10, 4, now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, repo.Complete(ctx, repo.writer, run.ID, 1, 1, 0))

	stored, err := repo.Get(ctx, "acme", run.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RunSucceeded, stored.Status)
	assert.Empty(t, stored.ErrorSummary)
	assert.Empty(t, stored.ErrorDetails)
}

func TestCancelOnlyWhileQueued(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run, _, err := repo.OpenQueuedPush(ctx, repo.writer, "acme", "senior", 1, now)
	require.NoError(t, err)
	require.NoError(t, repo.Cancel(ctx, "acme", run.ID))

	stored, err := repo.Get(ctx, "acme", run.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RunCancelled, stored.Status)

	running, _, err := repo.OpenQueuedPush(ctx, repo.writer, "acme", "senior", 2, now)
	require.NoError(t, err)
	claimed, err := repo.Claim(ctx, "senior", statemachine.KindPurchaseOrder, 10, 4, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	err = repo.Cancel(ctx, "acme", running.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

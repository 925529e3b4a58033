package outbox

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
	"go.uber.org/zap"

	"github.com/procurehq/erpsync/internal/config"
	"github.com/procurehq/erpsync/internal/database"
	"github.com/procurehq/erpsync/internal/domain/statemachine"
	"github.com/procurehq/erpsync/internal/entity"
	"github.com/procurehq/erpsync/internal/erp"
	"github.com/procurehq/erpsync/internal/repository/identity"
	procrepo "github.com/procurehq/erpsync/internal/repository/procurement"
	"github.com/procurehq/erpsync/internal/repository/syncrun"
	"github.com/procurehq/erpsync/internal/repository/watermark"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// scriptedERP returns the queued outcomes in order and keeps returning the
// last one once the script is exhausted.
type scriptedERP struct {
	outcomes []func() (*erp.PushResult, error)
	calls    int
}

func (s *scriptedERP) FetchChanged(context.Context, string, statemachine.Kind, *entity.Watermark, int) (*erp.Page, error) {
	return &erp.Page{}, nil
}

func (s *scriptedERP) SubmitPurchaseOrder(context.Context, string, *entity.PurchaseOrder) (*erp.PushResult, error) {
	idx := s.calls
	if idx >= len(s.outcomes) {
		idx = len(s.outcomes) - 1
	}
	s.calls++
	return s.outcomes[idx]()
}

func transientFailure() (*erp.PushResult, error) {
	return nil, &erp.IntegrationError{Op: "submit_purchase_order", Transient: true, Status: 503, Message: "unavailable"}
}

func permanentFailure() (*erp.PushResult, error) {
	return nil, &erp.IntegrationError{Op: "submit_purchase_order", Status: 422, Message: "invalid supplier"}
}

func accepted(externalID string) func() (*erp.PushResult, error) {
	return func() (*erp.PushResult, error) {
		return &erp.PushResult{ExternalID: externalID, Status: "accepted"}, nil
	}
}

func acknowledged(externalID string) func() (*erp.PushResult, error) {
	return func() (*erp.PushResult, error) {
		return &erp.PushResult{ExternalID: externalID, Status: "queued"}, nil
	}
}

type fixture struct {
	worker *Worker
	clock  *fakeClock
	conns  *database.Connections
	runs   *syncrun.Repository
	ids    *identity.Repository
}

func newFixture(t *testing.T, client erp.Client) *fixture {
	t.Helper()

	sqldb, err := sql.Open("sqlite3", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	models := []any{
		(*entity.PurchaseOrder)(nil),
		(*entity.StatusEvent)(nil),
		(*entity.Watermark)(nil),
		(*entity.SyncRun)(nil),
		(*entity.IdentityMapping)(nil),
	}
	for _, model := range models {
		_, err := db.NewCreateTable().Model(model).Exec(ctx)
		require.NoError(t, err)
	}

	conns := &database.Connections{Writer: db, Reader: db}
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	cfg := config.Config{
		ERP: config.ERP{System: "senior"},
		Outbox: config.Outbox{
			Enabled:      true,
			MaxAttempts:  4,
			BaseBackoff:  30 * time.Second,
			MaxBackoff:   10 * time.Minute,
			PollInterval: 5 * time.Second,
			BatchSize:    25,
			LeaseTimeout: 5 * time.Minute,
		},
	}

	runs := syncrun.NewRepository(conns)
	ids := identity.NewRepository(conns)
	worker := NewWorker(Params{
		DB:         conns,
		Runs:       runs,
		Identities: ids,
		Entities:   procrepo.NewRepository(conns),
		Watermarks: watermark.NewRepository(conns),
		Client:     client,
		Config:     cfg,
		Logger:     zap.NewNop(),
		Clock:      clock,
	})
	return &fixture{worker: worker, clock: clock, conns: conns, runs: runs, ids: ids}
}

func (f *fixture) enqueuePO(t *testing.T, status string) (*entity.PurchaseOrder, *entity.SyncRun) {
	t.Helper()
	ctx := context.Background()

	po := &entity.PurchaseOrder{
		TenantID:     "acme",
		Number:       "PO-500",
		SupplierName: "Acme Industrial",
		Status:       status,
		Currency:     "BRL",
		TotalAmount:  1234.56,
		CreatedAt:    f.clock.Now(),
	}
	_, err := f.conns.Writer.NewInsert().Model(po).Exec(ctx)
	require.NoError(t, err)

	run, created, err := f.runs.OpenQueuedPush(ctx, f.conns.Writer, "acme", "senior", po.ID, f.clock.Now())
	require.NoError(t, err)
	require.True(t, created)
	return po, run
}

func (f *fixture) reloadPO(t *testing.T, po *entity.PurchaseOrder) {
	t.Helper()
	require.NoError(t, f.conns.Reader.NewSelect().Model(po).WherePK().Scan(context.Background()))
}

func (f *fixture) reloadRun(t *testing.T, runID int64) *entity.SyncRun {
	t.Helper()
	run, err := f.runs.Get(context.Background(), "acme", runID)
	require.NoError(t, err)
	return run
}

func (f *fixture) events(t *testing.T, poID int64) []*entity.StatusEvent {
	t.Helper()
	var events []*entity.StatusEvent
	err := f.conns.Reader.NewSelect().Model(&events).
		Where("tenant_id = ?", "acme").
		Where("entity = ?", statemachine.KindPurchaseOrder).
		Where("entity_id = ?", poID).
		OrderExpr("id ASC").
		Scan(context.Background())
	require.NoError(t, err)
	return events
}

func TestDrainAcceptedPush(t *testing.T) {
	f := newFixture(t, &scriptedERP{outcomes: []func() (*erp.PushResult, error){accepted("ERP-PO-9001")}})
	po, run := f.enqueuePO(t, statemachine.POSentToERP)
	ctx := context.Background()

	processed := f.worker.Drain(ctx)
	assert.Equal(t, 1, processed)

	f.reloadPO(t, po)
	assert.Equal(t, statemachine.POERPAccepted, po.Status)
	assert.Equal(t, "ERP-PO-9001", po.ExternalID)
	assert.Empty(t, po.ERPLastError)

	stored := f.reloadRun(t, run.ID)
	assert.Equal(t, entity.RunSucceeded, stored.Status)
	assert.Equal(t, 1, stored.Attempt)

	mapping, err := f.ids.Lookup(ctx, f.conns.Reader, "acme", "senior", statemachine.KindPurchaseOrder, "ERP-PO-9001")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, po.ID, mapping.LocalID)
}

func TestDrainTransientFailureBacksOffExponentially(t *testing.T) {
	script := &scriptedERP{outcomes: []func() (*erp.PushResult, error){transientFailure}}
	f := newFixture(t, script)
	po, run := f.enqueuePO(t, statemachine.POSentToERP)
	ctx := context.Background()
	start := f.clock.Now()

	// Attempt 1 fails; retry in 30s.
	require.Equal(t, 1, f.worker.Drain(ctx))
	stored := f.reloadRun(t, run.ID)
	assert.Equal(t, entity.RunQueued, stored.Status)
	assert.Equal(t, 1, stored.Attempt)
	assert.WithinDuration(t, start.Add(30*time.Second), stored.NextAttemptAt, time.Second)

	// Not due yet.
	f.clock.advance(10 * time.Second)
	assert.Equal(t, 0, f.worker.Drain(ctx))

	// Attempt 2 at +30s; retry in 60s.
	f.clock.advance(21 * time.Second)
	require.Equal(t, 1, f.worker.Drain(ctx))
	stored = f.reloadRun(t, run.ID)
	assert.Equal(t, 2, stored.Attempt)
	assert.WithinDuration(t, f.clock.Now().Add(60*time.Second), stored.NextAttemptAt, time.Second)

	// Attempt 3; retry in 120s.
	f.clock.advance(61 * time.Second)
	require.Equal(t, 1, f.worker.Drain(ctx))
	stored = f.reloadRun(t, run.ID)
	assert.Equal(t, 3, stored.Attempt)
	assert.WithinDuration(t, f.clock.Now().Add(120*time.Second), stored.NextAttemptAt, time.Second)

	// The purchase order stays dispatched while retries continue.
	f.reloadPO(t, po)
	assert.Equal(t, statemachine.POSentToERP, po.Status)

	// Attempt 4 exhausts the budget: dead letter.
	f.clock.advance(121 * time.Second)
	require.Equal(t, 1, f.worker.Drain(ctx))
	stored = f.reloadRun(t, run.ID)
	assert.Equal(t, entity.RunFailed, stored.Status)
	assert.Equal(t, 4, stored.Attempt)
	assert.Equal(t, "erp_submit_failed", stored.ErrorSummary)

	f.reloadPO(t, po)
	assert.Equal(t, statemachine.POERPError, po.Status)
	assert.Contains(t, po.ERPLastError, "transient failure")

	// Nothing left to claim.
	f.clock.advance(time.Hour)
	assert.Equal(t, 0, f.worker.Drain(ctx))
	assert.Equal(t, 4, script.calls)
}

func TestDrainPermanentFailureDeadLettersImmediately(t *testing.T) {
	script := &scriptedERP{outcomes: []func() (*erp.PushResult, error){permanentFailure}}
	f := newFixture(t, script)
	po, run := f.enqueuePO(t, statemachine.POSentToERP)

	require.Equal(t, 1, f.worker.Drain(context.Background()))

	stored := f.reloadRun(t, run.ID)
	assert.Equal(t, entity.RunFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempt)

	f.reloadPO(t, po)
	assert.Equal(t, statemachine.POERPError, po.Status)
	assert.Contains(t, po.ERPLastError, "invalid supplier")
	assert.Equal(t, 1, script.calls)
}

func TestDrainRecoversAfterTransientFailures(t *testing.T) {
	script := &scriptedERP{outcomes: []func() (*erp.PushResult, error){
		transientFailure,
		accepted("ERP-PO-9100"),
	}}
	f := newFixture(t, script)
	po, run := f.enqueuePO(t, statemachine.POSentToERP)
	ctx := context.Background()

	require.Equal(t, 1, f.worker.Drain(ctx))
	f.clock.advance(31 * time.Second)
	require.Equal(t, 1, f.worker.Drain(ctx))

	stored := f.reloadRun(t, run.ID)
	assert.Equal(t, entity.RunSucceeded, stored.Status)
	assert.Equal(t, 2, stored.Attempt)
	assert.Empty(t, stored.ErrorSummary)
	assert.Empty(t, stored.ErrorDetails)

	f.reloadPO(t, po)
	assert.Equal(t, statemachine.POERPAccepted, po.Status)
	assert.Equal(t, "ERP-PO-9100", po.ExternalID)
}

func TestDrainAsyncAcknowledgementKeepsOrderSent(t *testing.T) {
	f := newFixture(t, &scriptedERP{outcomes: []func() (*erp.PushResult, error){acknowledged("ERP-PO-9300")}})
	po, run := f.enqueuePO(t, statemachine.POSentToERP)
	ctx := context.Background()

	require.Equal(t, 1, f.worker.Drain(ctx))

	// The ERP only acknowledged the submission; acceptance arrives later via
	// the inbound pull.
	f.reloadPO(t, po)
	assert.Equal(t, statemachine.POSentToERP, po.Status)
	assert.Equal(t, "ERP-PO-9300", po.ExternalID)

	stored := f.reloadRun(t, run.ID)
	assert.Equal(t, entity.RunSucceeded, stored.Status)

	mapping, err := f.ids.Lookup(ctx, f.conns.Reader, "acme", "senior", statemachine.KindPurchaseOrder, "ERP-PO-9300")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, po.ID, mapping.LocalID)

	events := f.events(t, po.ID)
	require.Len(t, events, 1)
	assert.Equal(t, "po_push_queued", events[0].Reason)
	assert.Equal(t, statemachine.POSentToERP, events[0].ToStatus)
}

func TestDrainFlagsConflictWhenCancelledMidFlight(t *testing.T) {
	var f *fixture
	var poID int64
	client := &scriptedERP{outcomes: []func() (*erp.PushResult, error){
		func() (*erp.PushResult, error) {
			// Cancelled locally while the submission is in flight.
			_, err := f.conns.Writer.NewUpdate().Model((*entity.PurchaseOrder)(nil)).
				Set("status = ?", statemachine.POCancelled).
				Where("id = ?", poID).
				Exec(context.Background())
			if err != nil {
				return nil, err
			}
			return &erp.PushResult{ExternalID: "ERP-PO-9400", Status: "accepted"}, nil
		},
	}}
	f = newFixture(t, client)
	po, run := f.enqueuePO(t, statemachine.POSentToERP)
	poID = po.ID
	ctx := context.Background()

	require.Equal(t, 1, f.worker.Drain(ctx))

	// The local cancellation wins; the disagreement is flagged, not overwritten.
	f.reloadPO(t, po)
	assert.Equal(t, statemachine.POCancelled, po.Status)
	assert.Empty(t, po.ExternalID)

	stored := f.reloadRun(t, run.ID)
	assert.Equal(t, entity.RunSucceeded, stored.Status)

	events := f.events(t, po.ID)
	require.Len(t, events, 1)
	assert.Equal(t, "erp_status_conflict", events[0].Reason)
	assert.Equal(t, statemachine.POCancelled, events[0].FromStatus)
	assert.Equal(t, statemachine.POCancelled, events[0].ToStatus)

	// The ERP-side identifier still binds so reconciliation can match the
	// record when it comes back around.
	mapping, err := f.ids.Lookup(ctx, f.conns.Reader, "acme", "senior", statemachine.KindPurchaseOrder, "ERP-PO-9400")
	require.NoError(t, err)
	require.NotNil(t, mapping)
}

func TestDrainSkipsCancelledPurchaseOrder(t *testing.T) {
	script := &scriptedERP{outcomes: []func() (*erp.PushResult, error){accepted("ERP-PO-9200")}}
	f := newFixture(t, script)
	po, run := f.enqueuePO(t, statemachine.POCancelled)

	require.Equal(t, 1, f.worker.Drain(context.Background()))

	stored := f.reloadRun(t, run.ID)
	assert.Equal(t, entity.RunFailed, stored.Status)
	assert.Equal(t, "purchase_order_cancelled", stored.ErrorSummary)

	f.reloadPO(t, po)
	assert.Equal(t, statemachine.POCancelled, po.Status)
	assert.Equal(t, 0, script.calls)
}

func TestBackoffCapsAtMax(t *testing.T) {
	f := newFixture(t, &scriptedERP{outcomes: []func() (*erp.PushResult, error){transientFailure}})

	assert.Equal(t, 30*time.Second, f.worker.backoff(1))
	assert.Equal(t, 60*time.Second, f.worker.backoff(2))
	assert.Equal(t, 120*time.Second, f.worker.backoff(3))
	assert.Equal(t, 10*time.Minute, f.worker.backoff(20))
}

package procurement

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
	"github.com/procurehq/erpsync/internal/outbox"
	"github.com/procurehq/erpsync/internal/repository/identity"
	repo "github.com/procurehq/erpsync/internal/repository/procurement"
	"github.com/procurehq/erpsync/internal/repository/syncrun"
	"github.com/procurehq/erpsync/internal/repository/watermark"
	"github.com/procurehq/erpsync/pkg/errorbank"
)

type harness struct {
	svc    *Service
	worker *outbox.Worker
	conns  *database.Connections
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	sqldb, err := sql.Open("sqlite3", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	models := []any{
		(*entity.Tenant)(nil),
		(*entity.Supplier)(nil),
		(*entity.PurchaseRequest)(nil),
		(*entity.PurchaseRequestItem)(nil),
		(*entity.RFQ)(nil),
		(*entity.Award)(nil),
		(*entity.PurchaseOrder)(nil),
		(*entity.Receipt)(nil),
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
	logger := zap.NewNop()

	entities := repo.NewRepository(conns)
	runs := syncrun.NewRepository(conns)
	svc := NewService(Params{
		Repository: entities,
		Runs:       runs,
		Config:     cfg,
		Logger:     logger,
	})
	worker := outbox.NewWorker(outbox.Params{
		DB:         conns,
		Runs:       runs,
		Identities: identity.NewRepository(conns),
		Entities:   entities,
		Watermarks: watermark.NewRepository(conns),
		Client:     erp.NewMockClient(),
		Config:     cfg,
		Logger:     logger,
	})
	return &harness{svc: svc, worker: worker, conns: conns}
}

func requestInput(number string) PurchaseRequestInput {
	return PurchaseRequestInput{
		Number:      number,
		Priority:    "high",
		RequestedBy: "maria",
		Department:  "maintenance",
		Items: []PurchaseRequestItemInput{
			{Description: "Bearing 6204-2RS", Quantity: 20, UOM: "unit", Category: "mro"},
			{Description: "Hydraulic oil ISO 68", Quantity: 4, UOM: "drum", Category: "mro"},
		},
	}
}

func reasons(events []*entity.StatusEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Reason)
	}
	return out
}

func TestPurchaseFlowEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	actor := "user:maria"

	pr, err := h.svc.CreatePurchaseRequest(ctx, "acme", actor, requestInput("PR-1001"))
	require.NoError(t, err)
	assert.Equal(t, statemachine.PRPendingRFQ, pr.Status)

	rfq, err := h.svc.CreateRFQ(ctx, "acme", actor, pr.ID, "Bearings and lubricants Q2")
	require.NoError(t, err)
	assert.Equal(t, statemachine.RFQDraft, rfq.Status)

	rfq, err = h.svc.TransitionRFQ(ctx, "acme", actor, rfq.ID, statemachine.RFQOpen)
	require.NoError(t, err)
	rfq, err = h.svc.TransitionRFQ(ctx, "acme", actor, rfq.ID, statemachine.RFQCollectingQuotes)
	require.NoError(t, err)

	award, err := h.svc.AwardRFQ(ctx, "acme", actor, rfq.ID, "Acme Industrial", "best lead time")
	require.NoError(t, err)
	assert.Equal(t, statemachine.AwardAwarded, award.Status)

	po, err := h.svc.CreatePurchaseOrderFromAward(ctx, "acme", actor, award.ID, PurchaseOrderInput{
		Number:      "PO-2001",
		TotalAmount: 1890.50,
	})
	require.NoError(t, err)
	assert.Equal(t, statemachine.POApproved, po.Status)
	assert.Equal(t, "Acme Industrial", po.SupplierName)
	assert.Equal(t, "BRL", po.Currency)

	// The request followed the order through to ordered.
	stored, err := h.svc.repo.GetPurchaseRequest(ctx, h.conns.Reader, "acme", pr.ID)
	require.NoError(t, err)
	assert.Equal(t, statemachine.PROrdered, stored.Status)

	receipt, err := h.svc.EnqueuePush(ctx, "acme", actor, po.ID)
	require.NoError(t, err)
	assert.True(t, receipt.Created)
	assert.Equal(t, entity.RunQueued, receipt.Run.Status)

	queued, err := h.svc.GetPurchaseOrder(ctx, "acme", po.ID)
	require.NoError(t, err)
	assert.Equal(t, statemachine.POSentToERP, queued.Status)

	// Enqueueing again while the push is pending hands back the same run.
	again, err := h.svc.EnqueuePush(ctx, "acme", actor, po.ID)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, receipt.Run.ID, again.Run.ID)

	// The outbox settles the push against the mock ERP.
	require.Equal(t, 1, h.worker.Drain(ctx))

	accepted, err := h.svc.GetPurchaseOrder(ctx, "acme", po.ID)
	require.NoError(t, err)
	assert.Equal(t, statemachine.POERPAccepted, accepted.Status)
	assert.Equal(t, "ERP-PO-9001", accepted.ExternalID)

	run, err := h.svc.GetSyncRun(ctx, "acme", receipt.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RunSucceeded, run.Status)
	assert.Equal(t, 1, run.Attempt)

	history, err := h.svc.StatusHistory(ctx, "acme", statemachine.KindPurchaseOrder, po.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		ReasonPOCreated,
		ReasonPOCreated,
		ReasonPOPushQueued,
		ReasonPOPushSucceeded,
	}, reasons(history))

	prHistory, err := h.svc.StatusHistory(ctx, "acme", statemachine.KindPurchaseRequest, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		ReasonCreated,
		ReasonRFQOpened,
		ReasonRFQAwarded,
		ReasonPOCreated,
	}, reasons(prHistory))
}

func TestCreatePurchaseRequestValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreatePurchaseRequest(ctx, "acme", "user:maria", PurchaseRequestInput{Number: "PR-1"})
	require.Error(t, err)
	assert.Equal(t, errorbank.KindBadRequest, errorbank.From(err).Kind())

	in := requestInput("PR-2")
	in.Items[1].Description = ""
	_, err = h.svc.CreatePurchaseRequest(ctx, "acme", "user:maria", in)
	require.Error(t, err)
	assert.Equal(t, errorbank.KindBadRequest, errorbank.From(err).Kind())
}

func TestTransitionRFQRejectsAwardShortcut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pr, err := h.svc.CreatePurchaseRequest(ctx, "acme", "user:maria", requestInput("PR-3"))
	require.NoError(t, err)
	rfq, err := h.svc.CreateRFQ(ctx, "acme", "user:maria", pr.ID, "shortcut")
	require.NoError(t, err)

	_, err = h.svc.TransitionRFQ(ctx, "acme", "user:maria", rfq.ID, statemachine.RFQAwarded)
	require.Error(t, err)
	assert.Equal(t, errorbank.KindBadRequest, errorbank.From(err).Kind())
}

func TestTransitionRFQValidatesMachine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pr, err := h.svc.CreatePurchaseRequest(ctx, "acme", "user:maria", requestInput("PR-4"))
	require.NoError(t, err)
	rfq, err := h.svc.CreateRFQ(ctx, "acme", "user:maria", pr.ID, "jump")
	require.NoError(t, err)

	// Draft cannot go straight to collecting quotes.
	_, err = h.svc.TransitionRFQ(ctx, "acme", "user:maria", rfq.ID, statemachine.RFQCollectingQuotes)
	require.Error(t, err)
	appErr := errorbank.From(err)
	assert.Equal(t, errorbank.KindUnprocessableEntity, appErr.Kind())
	assert.Equal(t, statemachine.RFQDraft, appErr.Details()["from"])
}

func TestAwardRFQRequiresReasonAndSupplier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.AwardRFQ(ctx, "acme", "user:maria", 1, "Acme Industrial", "")
	require.Error(t, err)
	assert.Equal(t, errorbank.KindBadRequest, errorbank.From(err).Kind())

	_, err = h.svc.AwardRFQ(ctx, "acme", "user:maria", 1, "", "best price")
	require.Error(t, err)
	assert.Equal(t, errorbank.KindBadRequest, errorbank.From(err).Kind())
}

func TestCreatePurchaseOrderFromAwardIsOneShot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	actor := "user:maria"

	pr, err := h.svc.CreatePurchaseRequest(ctx, "acme", actor, requestInput("PR-5"))
	require.NoError(t, err)
	rfq, err := h.svc.CreateRFQ(ctx, "acme", actor, pr.ID, "one shot")
	require.NoError(t, err)
	_, err = h.svc.TransitionRFQ(ctx, "acme", actor, rfq.ID, statemachine.RFQOpen)
	require.NoError(t, err)
	_, err = h.svc.TransitionRFQ(ctx, "acme", actor, rfq.ID, statemachine.RFQCollectingQuotes)
	require.NoError(t, err)
	award, err := h.svc.AwardRFQ(ctx, "acme", actor, rfq.ID, "Borealis Metals", "only bidder")
	require.NoError(t, err)

	_, err = h.svc.CreatePurchaseOrderFromAward(ctx, "acme", actor, award.ID, PurchaseOrderInput{Number: "PO-1"})
	require.NoError(t, err)

	_, err = h.svc.CreatePurchaseOrderFromAward(ctx, "acme", actor, award.ID, PurchaseOrderInput{Number: "PO-2"})
	require.Error(t, err)
	assert.Equal(t, errorbank.KindUnprocessableEntity, errorbank.From(err).Kind())
}

func TestEnqueuePushRequiresApprovedOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	po := &entity.PurchaseOrder{
		TenantID:  "acme",
		Number:    "PO-99",
		Status:    statemachine.PODraft,
		Currency:  "BRL",
		CreatedAt: time.Now().UTC(),
	}
	_, err := h.conns.Writer.NewInsert().Model(po).Exec(ctx)
	require.NoError(t, err)

	_, err = h.svc.EnqueuePush(ctx, "acme", "user:maria", po.ID)
	require.Error(t, err)
	assert.Equal(t, errorbank.KindUnprocessableEntity, errorbank.From(err).Kind())

	_, err = h.svc.EnqueuePush(ctx, "acme", "user:maria", po.ID+100)
	require.Error(t, err)
	assert.Equal(t, errorbank.KindNotFound, errorbank.From(err).Kind())
}

func TestCancelSyncRunWhileQueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	po := &entity.PurchaseOrder{
		TenantID:  "acme",
		Number:    "PO-77",
		Status:    statemachine.POApproved,
		Currency:  "BRL",
		CreatedAt: time.Now().UTC(),
	}
	_, err := h.conns.Writer.NewInsert().Model(po).Exec(ctx)
	require.NoError(t, err)

	receipt, err := h.svc.EnqueuePush(ctx, "acme", "user:maria", po.ID)
	require.NoError(t, err)

	cancelled, err := h.svc.CancelSyncRun(ctx, "acme", receipt.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RunCancelled, cancelled.Status)

	// Nothing left for the worker.
	assert.Equal(t, 0, h.worker.Drain(ctx))

	// A cancelled run cannot be cancelled twice; the conflict names the
	// run's current status.
	_, err = h.svc.CancelSyncRun(ctx, "acme", receipt.Run.ID)
	require.Error(t, err)
	appErr := errorbank.From(err)
	assert.Equal(t, errorbank.KindConflict, appErr.Kind())
	assert.Equal(t, entity.RunCancelled, appErr.Details()["status"])

	_, err = h.svc.CancelSyncRun(ctx, "acme", receipt.Run.ID+100)
	require.Error(t, err)
	assert.Equal(t, errorbank.KindNotFound, errorbank.From(err).Kind())
}

func TestGetSyncRunNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.GetSyncRun(context.Background(), "acme", 12345)
	require.Error(t, err)
	assert.Equal(t, errorbank.KindNotFound, errorbank.From(err).Kind())
}

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/procurehq/erpsync/internal/config"
	"github.com/procurehq/erpsync/internal/database"
	"github.com/procurehq/erpsync/internal/domain/statemachine"
	"github.com/procurehq/erpsync/internal/entity"
	"github.com/procurehq/erpsync/internal/erp"
	"github.com/procurehq/erpsync/internal/messaging"
	"github.com/procurehq/erpsync/internal/repository/identity"
	procrepo "github.com/procurehq/erpsync/internal/repository/procurement"
	"github.com/procurehq/erpsync/internal/repository/syncrun"
	"github.com/procurehq/erpsync/internal/repository/watermark"
)

var workerTracer = otel.Tracer("github.com/procurehq/erpsync/outbox")

// Clock abstracts time so backoff schedules are testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Worker drains queued purchase-order push runs: claim, submit to the ERP,
// and settle the run according to the failure class. Retries stay in the
// ledger as requeues of the same run; a dead letter is a failed run with no
// attempts left.
type Worker struct {
	db         *database.Connections
	runs       *syncrun.Repository
	identities *identity.Repository
	entities   *procrepo.Repository
	watermarks *watermark.Repository
	client     erp.Client
	publisher  messaging.Client
	logger     *zap.Logger
	clock      Clock
	cfg        config.Outbox
	system     string
	publish    bool

	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

// Params defines dependencies for constructing Worker.
type Params struct {
	fx.In

	DB         *database.Connections
	Runs       *syncrun.Repository
	Identities *identity.Repository
	Entities   *procrepo.Repository
	Watermarks *watermark.Repository
	Client     erp.Client
	Publisher  messaging.Client
	Config     config.Config
	Logger     *zap.Logger
	Clock      Clock `optional:"true"`
}

// NewWorker wires the outbox worker.
func NewWorker(p Params) *Worker {
	clock := p.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Worker{
		db:         p.DB,
		runs:       p.Runs,
		identities: p.Identities,
		entities:   p.Entities,
		watermarks: p.Watermarks,
		client:     p.Client,
		publisher:  p.Publisher,
		logger:     p.Logger,
		clock:      clock,
		cfg:        p.Config.Outbox,
		system:     p.Config.ERP.System,
		publish:    p.Config.Messaging.Enabled,
	}
}

// Module wires the worker into the Fx lifecycle.
var Module = fx.Options(
	fx.Provide(NewWorker),
	fx.Invoke(func(lc fx.Lifecycle, w *Worker) {
		lc.Append(fx.Hook{
			OnStart: w.start,
			OnStop:  w.stop,
		})
	}),
)

func (w *Worker) start(ctx context.Context) error {
	if !w.cfg.Enabled {
		w.logger.Info("outbox worker disabled")
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg = &sync.WaitGroup{}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(runCtx)
	}()

	w.logger.Info("outbox worker started",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("batch_size", w.cfg.BatchSize),
	)
	return nil
}

func (w *Worker) stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		w.logger.Info("outbox worker stopped")
		return nil
	}
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Drain(ctx)
		}
	}
}

// Drain processes one batch of due push runs. Exported so the CLI's --once
// mode and tests can drive the worker synchronously.
func (w *Worker) Drain(ctx context.Context) int {
	now := w.clock.Now()

	requeued, err := w.runs.RequeueStale(ctx, w.system, statemachine.KindPurchaseOrder, w.cfg.LeaseTimeout, now)
	if err != nil {
		w.logger.Error("requeue stale leases", zap.Error(err))
	} else if requeued > 0 {
		w.logger.Warn("requeued stale push runs", zap.Int64("count", requeued))
	}

	claimed, err := w.runs.Claim(ctx, w.system, statemachine.KindPurchaseOrder, w.cfg.BatchSize, w.cfg.MaxAttempts, now)
	if err != nil {
		w.logger.Error("claim push runs", zap.Error(err))
		return 0
	}

	for _, run := range claimed {
		if ctx.Err() != nil {
			break
		}
		w.process(ctx, run)
	}
	return len(claimed)
}

func (w *Worker) process(ctx context.Context, run *entity.SyncRun) {
	ctx, span := workerTracer.Start(ctx, "Outbox.process", trace.WithAttributes(
		attribute.Int64("sync.run_id", run.ID),
		attribute.Int64("purchase_order.id", run.PurchaseOrderID),
		attribute.Int("sync.attempt", run.Attempt),
	))
	defer span.End()

	po, err := w.entities.GetPurchaseOrder(ctx, w.db.Writer, run.TenantID, run.PurchaseOrderID)
	if err != nil {
		w.settleFailure(ctx, run, nil, "purchase_order_missing", err, false)
		return
	}
	if po.Status == statemachine.POCancelled {
		// Cancelled while queued; nothing to dispatch.
		if err := w.runs.Fail(ctx, w.db.Writer, run.ID, 1, 0, 1, "purchase_order_cancelled", ""); err != nil {
			w.logger.Error("settle cancelled push", zap.Int64("run_id", run.ID), zap.Error(err))
		}
		return
	}

	result, err := w.client.SubmitPurchaseOrder(ctx, run.TenantID, po)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		w.settleFailure(ctx, run, po, "erp_submit_failed", err, erp.IsTransient(err))
		return
	}
	w.settleSuccess(ctx, run, po, result)
}

// pushOutcome maps the ERP's reported submission status onto the local
// purchase-order machine. Some tenants run the ERP in asynchronous-approval
// mode, where a submission is acknowledged first and accepted later by the
// inbound pull; everything else counts as acceptance.
func pushOutcome(reported string) (status, reason string) {
	switch reported {
	case "queued", "pending", statemachine.POSentToERP:
		return statemachine.POSentToERP, "po_push_queued"
	default:
		return statemachine.POERPAccepted, "po_push_succeeded"
	}
}

func (w *Worker) settleSuccess(ctx context.Context, run *entity.SyncRun, po *entity.PurchaseOrder, result *erp.PushResult) {
	status, reason := pushOutcome(result.Status)
	now := w.clock.Now()

	conflict := false
	err := w.db.Writer.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		// Re-read inside the transaction: the order may have moved while the
		// ERP call was in flight.
		current, err := w.entities.GetPurchaseOrder(ctx, tx, run.TenantID, po.ID)
		if err != nil {
			return err
		}
		if _, err := w.identities.Bind(ctx, tx, &entity.IdentityMapping{
			TenantID:   run.TenantID,
			System:     w.system,
			Entity:     statemachine.KindPurchaseOrder,
			ExternalID: result.ExternalID,
			LocalID:    po.ID,
		}); err != nil {
			return err
		}
		if verr := statemachine.Validate(statemachine.KindPurchaseOrder, current.Status, status); verr != nil {
			// The ERP outcome still stands, but the local status wins; flag
			// the disagreement and let reconciliation settle the rest.
			conflict = true
			if err := w.entities.AppendStatusEvent(ctx, tx, &entity.StatusEvent{
				TenantID:   run.TenantID,
				Entity:     statemachine.KindPurchaseOrder,
				EntityID:   po.ID,
				FromStatus: current.Status,
				ToStatus:   current.Status,
				Reason:     "erp_status_conflict",
				Actor:      "worker:outbox",
			}); err != nil {
				return err
			}
		} else {
			if err := w.entities.MarkPurchaseOrderAccepted(ctx, tx, run.TenantID, po.ID, result.ExternalID, status); err != nil {
				return err
			}
			if err := w.entities.AppendStatusEvent(ctx, tx, &entity.StatusEvent{
				TenantID:   run.TenantID,
				Entity:     statemachine.KindPurchaseOrder,
				EntityID:   po.ID,
				FromStatus: current.Status,
				ToStatus:   status,
				Reason:     reason,
				Actor:      "worker:outbox",
			}); err != nil {
				return err
			}
		}
		wm := &entity.Watermark{
			TenantID:        run.TenantID,
			System:          w.system,
			Entity:          statemachine.KindPurchaseOrder,
			SourceUpdatedAt: now,
			SourceID:        result.ExternalID,
		}
		if err := w.watermarks.Advance(ctx, tx, wm); err != nil && !errors.Is(err, watermark.ErrConflict) {
			return err
		}
		return w.runs.Complete(ctx, tx, run.ID, 1, 1, 0)
	})
	if err != nil {
		w.logger.Error("settle accepted push",
			zap.Int64("run_id", run.ID),
			zap.Int64("purchase_order_id", po.ID),
			zap.Error(err),
		)
		return
	}

	if conflict {
		w.logger.Warn("erp outcome conflicts with local status",
			zap.Int64("purchase_order_id", po.ID),
			zap.String("external_id", result.ExternalID),
			zap.String("erp_status", result.Status),
		)
		return
	}
	if status == statemachine.POSentToERP {
		w.logger.Info("purchase order acknowledged by erp; awaiting acceptance",
			zap.Int64("purchase_order_id", po.ID),
			zap.String("external_id", result.ExternalID),
		)
		return
	}

	w.logger.Info("purchase order accepted by erp",
		zap.Int64("purchase_order_id", po.ID),
		zap.String("external_id", result.ExternalID),
		zap.Int("attempt", run.Attempt),
	)
	w.emit(ctx, "purchase_order.erp_accepted", run.TenantID, po.ID, map[string]any{
		"external_id": result.ExternalID,
		"sync_run_id": run.ID,
	})
}

func (w *Worker) settleFailure(ctx context.Context, run *entity.SyncRun, po *entity.PurchaseOrder, summary string, cause error, transient bool) {
	if transient && run.Attempt < w.cfg.MaxAttempts {
		next := w.clock.Now().Add(w.backoff(run.Attempt))
		if err := w.runs.Requeue(ctx, w.db.Writer, run.ID, next, summary, cause.Error()); err != nil {
			w.logger.Error("requeue push run", zap.Int64("run_id", run.ID), zap.Error(err))
			return
		}
		w.logger.Warn("push failed; retrying",
			zap.Int64("run_id", run.ID),
			zap.Int("attempt", run.Attempt),
			zap.Time("next_attempt_at", next),
			zap.Error(cause),
		)
		return
	}

	// Dead letter: permanent failure or attempts exhausted.
	err := w.db.Writer.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := w.runs.Fail(ctx, tx, run.ID, 1, 0, 1, summary, cause.Error()); err != nil {
			return err
		}
		if po == nil {
			return nil
		}
		if err := w.entities.MarkPurchaseOrderERPError(ctx, tx, run.TenantID, po.ID, cause.Error()); err != nil {
			return err
		}
		return w.entities.AppendStatusEvent(ctx, tx, &entity.StatusEvent{
			TenantID:   run.TenantID,
			Entity:     statemachine.KindPurchaseOrder,
			EntityID:   po.ID,
			FromStatus: po.Status,
			ToStatus:   statemachine.POERPError,
			Reason:     "po_push_rejected",
			Actor:      "worker:outbox",
		})
	})
	if err != nil {
		w.logger.Error("dead-letter push run", zap.Int64("run_id", run.ID), zap.Error(err))
		return
	}

	w.logger.Error("push dead-lettered",
		zap.Int64("run_id", run.ID),
		zap.Int("attempt", run.Attempt),
		zap.Bool("transient", transient),
		zap.Error(cause),
	)
	if po != nil {
		w.emit(ctx, "purchase_order.erp_rejected", run.TenantID, po.ID, map[string]any{
			"sync_run_id": run.ID,
			"error":       cause.Error(),
		})
	}
}

// backoff computes the delay before the next attempt: base doubled per prior
// attempt, capped at the configured maximum.
func (w *Worker) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := w.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	if d > w.cfg.MaxBackoff {
		d = w.cfg.MaxBackoff
	}
	return d
}

func (w *Worker) emit(ctx context.Context, eventType, tenantID string, entityID int64, extra map[string]any) {
	if !w.publish || w.publisher == nil {
		return
	}
	event := map[string]any{
		"type":      eventType,
		"tenant_id": tenantID,
		"entity_id": entityID,
		"at":        w.clock.Now(),
	}
	for k, v := range extra {
		event[k] = v
	}
	payload, err := json.Marshal(event)
	if err != nil {
		w.logger.Error("marshal event", zap.String("type", eventType), zap.Error(err))
		return
	}
	key := []byte(fmt.Sprintf("%s-%d", tenantID, entityID))
	if err := w.publisher.Publish(ctx, key, payload); err != nil {
		w.logger.Error("publish event", zap.String("type", eventType), zap.Error(err))
	}
}

package syncrun

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/procurehq/erpsync/internal/database"
	"github.com/procurehq/erpsync/internal/domain/statemachine"
	"github.com/procurehq/erpsync/internal/entity"
)

var repoTracer = otel.Tracer("github.com/procurehq/erpsync/repository/syncrun")

// ErrNotFound is returned when a sync run is missing.
var ErrNotFound = errors.New("sync run not found")

// ErrNotCancellable is returned when cancelling a run that already left the
// queued state.
var ErrNotCancellable = errors.New("sync run is not queued")

// Repository is the sync-run ledger: the audit trail of every reconciliation
// attempt and, for queued purchase-order pushes, the outbox work queue.
type Repository struct {
	writer *bun.DB
	reader *bun.DB
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections) *Repository {
	return &Repository{
		writer: conns.Writer,
		reader: conns.Reader,
	}
}

// Open inserts a new run row. Pulls open in status running with attempt 1;
// queued pushes are created through OpenQueuedPush instead.
func (r *Repository) Open(ctx context.Context, db bun.IDB, run *entity.SyncRun) error {
	ctx, span := repoTracer.Start(ctx, "SyncRunRepository.Open", trace.WithAttributes(
		attribute.String("tenant.id", run.TenantID),
		attribute.String("sync.scope", string(run.Scope)),
		attribute.String("sync.status", run.Status),
	))
	defer span.End()

	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Attempt <= 0 {
		run.Attempt = 1
	}
	if _, err := db.NewInsert().Model(run).Exec(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return err
	}
	return nil
}

// OpenQueuedPush enqueues an outbound purchase-order push. At most one
// non-terminal push run may exist per purchase order: when a queued or
// running run is already present it is returned with created=false instead
// of inserting a duplicate.
func (r *Repository) OpenQueuedPush(ctx context.Context, db bun.IDB, tenantID, system string, purchaseOrderID int64, now time.Time) (*entity.SyncRun, bool, error) {
	ctx, span := repoTracer.Start(ctx, "SyncRunRepository.OpenQueuedPush", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int64("purchase_order.id", purchaseOrderID),
	))
	defer span.End()

	existing, err := r.findPendingPush(ctx, db, tenantID, purchaseOrderID)
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	run := &entity.SyncRun{
		TenantID:        tenantID,
		System:          system,
		Scope:           statemachine.KindPurchaseOrder,
		Status:          entity.RunQueued,
		Attempt:         0,
		PurchaseOrderID: purchaseOrderID,
		NextAttemptAt:   now,
		StartedAt:       now,
	}
	if _, err := db.NewInsert().Model(run).Exec(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return nil, false, err
	}
	return run, true, nil
}

// findPendingPush returns the queued or running push run for a purchase
// order, or nil when none exists.
func (r *Repository) findPendingPush(ctx context.Context, db bun.IDB, tenantID string, purchaseOrderID int64) (*entity.SyncRun, error) {
	run := new(entity.SyncRun)
	err := db.NewSelect().Model(run).
		Where("tenant_id = ?", tenantID).
		Where("scope = ?", statemachine.KindPurchaseOrder).
		Where("purchase_order_id = ?", purchaseOrderID).
		Where("status IN (?, ?)", entity.RunQueued, entity.RunRunning).
		OrderExpr("id DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Get loads a run by id within a tenant.
func (r *Repository) Get(ctx context.Context, tenantID string, runID int64) (*entity.SyncRun, error) {
	run := new(entity.SyncRun)
	err := r.reader.NewSelect().Model(run).
		Where("id = ?", runID).
		Where("tenant_id = ?", tenantID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Claim atomically selects up to limit eligible runs for the scope and marks
// them running. Eligibility: status queued, attempts left, and next_attempt_at
// due. Each candidate is claimed with a conditional update so two worker
// instances can never claim the same run; losers simply skip the row.
func (r *Repository) Claim(ctx context.Context, system string, scope statemachine.Kind, limit, maxAttempts int, now time.Time) ([]*entity.SyncRun, error) {
	ctx, span := repoTracer.Start(ctx, "SyncRunRepository.Claim", trace.WithAttributes(
		attribute.String("sync.scope", string(scope)),
		attribute.Int("sync.limit", limit),
	))
	defer span.End()

	var candidates []*entity.SyncRun
	err := r.writer.NewSelect().Model(&candidates).
		Where("system = ?", system).
		Where("scope = ?", scope).
		Where("status = ?", entity.RunQueued).
		Where("attempt < ?", maxAttempts).
		Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
		OrderExpr("started_at ASC, id ASC").
		Limit(limit * 4).
		Scan(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}

	claimed := make([]*entity.SyncRun, 0, limit)
	for _, run := range candidates {
		res, err := r.writer.NewUpdate().Model((*entity.SyncRun)(nil)).
			Set("status = ?", entity.RunRunning).
			Set("attempt = attempt + 1").
			Set("started_at = ?", now).
			Set("finished_at = NULL").
			Set("duration_ms = NULL").
			Where("id = ?", run.ID).
			Where("status = ?", entity.RunQueued).
			Exec(ctx)
		if err != nil {
			span.RecordError(err)
			return claimed, err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			continue // lost the claim race
		}
		run.Status = entity.RunRunning
		run.Attempt++
		run.StartedAt = now
		claimed = append(claimed, run)
		if len(claimed) >= limit {
			break
		}
	}
	return claimed, nil
}

// RequeueStale reveals claimed-but-abandoned runs: anything still running
// whose started_at is older than the lease timeout goes back to queued and
// becomes claimable again.
func (r *Repository) RequeueStale(ctx context.Context, system string, scope statemachine.Kind, lease time.Duration, now time.Time) (int64, error) {
	res, err := r.writer.NewUpdate().Model((*entity.SyncRun)(nil)).
		Set("status = ?", entity.RunQueued).
		Set("next_attempt_at = ?", now).
		Set("error_summary = ?", "lease_expired").
		Where("system = ?", system).
		Where("scope = ?", scope).
		Where("status = ?", entity.RunRunning).
		Where("started_at < ?", now.Add(-lease)).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

// Complete marks a run succeeded with its counters. Runs are immutable once
// finished; retries happen as new child runs for pulls and as requeues for
// pushes.
func (r *Repository) Complete(ctx context.Context, db bun.IDB, runID int64, recordsIn, recordsUpserted, recordsFailed int) error {
	return r.finish(ctx, db, runID, entity.RunSucceeded, recordsIn, recordsUpserted, recordsFailed, "", "")
}

// Fail marks a run failed with its counters and error detail. A failed push
// run with no attempts left is the dead letter; the worker never reclaims it.
func (r *Repository) Fail(ctx context.Context, db bun.IDB, runID int64, recordsIn, recordsUpserted, recordsFailed int, summary, details string) error {
	return r.finish(ctx, db, runID, entity.RunFailed, recordsIn, recordsUpserted, recordsFailed, summary, details)
}

func (r *Repository) finish(ctx context.Context, db bun.IDB, runID int64, status string, recordsIn, recordsUpserted, recordsFailed int, summary, details string) error {
	ctx, span := repoTracer.Start(ctx, "SyncRunRepository.finish", trace.WithAttributes(
		attribute.Int64("sync.run_id", runID),
		attribute.String("sync.status", status),
	))
	defer span.End()

	now := time.Now().UTC()
	run := new(entity.SyncRun)
	if err := db.NewSelect().Model(run).Column("started_at").Where("id = ?", runID).Scan(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	q := db.NewUpdate().Model((*entity.SyncRun)(nil)).
		Set("status = ?", status).
		Set("finished_at = ?", now).
		Set("duration_ms = ?", now.Sub(run.StartedAt).Milliseconds()).
		Set("records_in = ?", recordsIn).
		Set("records_upserted = ?", recordsUpserted).
		Set("records_failed = ?", recordsFailed).
		Where("id = ?", runID)
	if summary != "" {
		q = q.Set("error_summary = ?", truncate(summary, 200)).
			Set("error_details = ?", truncate(details, 1000))
	} else {
		// A success after requeues must not keep the last attempt's error.
		q = q.Set("error_summary = NULL").
			Set("error_details = NULL")
	}
	if _, err := q.Exec(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return err
	}
	return nil
}

// Requeue sends a running push run back to the queue after a transient
// failure, recording the error and the next attempt time computed by the
// worker's backoff policy.
func (r *Repository) Requeue(ctx context.Context, db bun.IDB, runID int64, nextAttemptAt time.Time, summary, details string) error {
	_, err := db.NewUpdate().Model((*entity.SyncRun)(nil)).
		Set("status = ?", entity.RunQueued).
		Set("finished_at = NULL").
		Set("duration_ms = NULL").
		Set("records_failed = records_failed + 1").
		Set("next_attempt_at = ?", nextAttemptAt).
		Set("error_summary = ?", truncate(summary, 200)).
		Set("error_details = ?", truncate(details, 1000)).
		Where("id = ?", runID).
		Exec(ctx)
	return err
}

// Cancel marks a queued run cancelled. Running runs cannot be cancelled
// mid-flight; the ERP call completes or times out on its own.
func (r *Repository) Cancel(ctx context.Context, tenantID string, runID int64) error {
	res, err := r.writer.NewUpdate().Model((*entity.SyncRun)(nil)).
		Set("status = ?", entity.RunCancelled).
		Set("finished_at = ?", time.Now().UTC()).
		Where("id = ?", runID).
		Where("tenant_id = ?", tenantID).
		Where("status = ?", entity.RunQueued).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotCancellable
	}
	return nil
}

// LastFailedPull returns the most recent failed pull run for a scope, used by
// the puller to chain retries via parent_sync_run_id.
func (r *Repository) LastFailedPull(ctx context.Context, tenantID, system string, scope statemachine.Kind) (*entity.SyncRun, error) {
	run := new(entity.SyncRun)
	err := r.reader.NewSelect().Model(run).
		Where("tenant_id = ?", tenantID).
		Where("system = ?", system).
		Where("scope = ?", scope).
		Where("status = ?", entity.RunFailed).
		Where("purchase_order_id IS NULL").
		OrderExpr("id DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

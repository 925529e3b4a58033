package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
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
	"github.com/procurehq/erpsync/internal/repository/identity"
	procrepo "github.com/procurehq/erpsync/internal/repository/procurement"
	"github.com/procurehq/erpsync/internal/repository/syncrun"
	"github.com/procurehq/erpsync/internal/repository/watermark"
)

var engineTracer = otel.Tracer("github.com/procurehq/erpsync/reconcile")

// Engine runs one inbound reconciliation cycle per (tenant, entity kind):
// read the watermark, fetch changed records in composite order, apply them
// through the identity map and the status state machine, and advance the
// watermark in the same transaction that closes the run.
type Engine struct {
	db         *database.Connections
	watermarks *watermark.Repository
	identities *identity.Repository
	entities   *procrepo.Repository
	runs       *syncrun.Repository
	client     erp.Client
	logger     *zap.Logger
	system     string
	strict     map[statemachine.Kind]bool
}

// Params defines dependencies for constructing Engine.
type Params struct {
	fx.In

	DB         *database.Connections
	Watermarks *watermark.Repository
	Identities *identity.Repository
	Entities   *procrepo.Repository
	Runs       *syncrun.Repository
	Client     erp.Client
	Config     config.Config
	Logger     *zap.Logger
}

// NewEngine wires a reconciliation engine.
func NewEngine(p Params) *Engine {
	strict := make(map[statemachine.Kind]bool, len(p.Config.Puller.StrictScopes))
	for _, scope := range p.Config.Puller.StrictScopes {
		kind, ok := statemachine.ParseKind(scope)
		if !ok {
			p.Logger.Warn("unknown strict scope", zap.String("scope", scope))
			continue
		}
		strict[kind] = true
	}
	return &Engine{
		db:         p.DB,
		watermarks: p.Watermarks,
		identities: p.Identities,
		entities:   p.Entities,
		runs:       p.Runs,
		client:     p.Client,
		logger:     p.Logger,
		system:     p.Config.ERP.System,
		strict:     strict,
	}
}

// SyncEntity performs one pull cycle and returns the closed ledger row.
// parentRunID links retry chains; pass 0 for a fresh cycle.
func (e *Engine) SyncEntity(ctx context.Context, tenantID string, kind statemachine.Kind, limit int, parentRunID int64) (*entity.SyncRun, error) {
	ctx, span := engineTracer.Start(ctx, "Reconcile.SyncEntity", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("sync.entity", string(kind)),
	))
	defer span.End()

	if limit < 1 {
		limit = 1
	}

	run := &entity.SyncRun{
		TenantID:    tenantID,
		System:      e.system,
		Scope:       kind,
		Status:      entity.RunRunning,
		ParentRunID: parentRunID,
		StartedAt:   time.Now().UTC(),
	}
	if err := e.runs.Open(ctx, e.db.Writer, run); err != nil {
		span.RecordError(err)
		return nil, err
	}

	wm, err := e.watermarks.Read(ctx, tenantID, e.system, kind)
	if err != nil {
		return e.fail(ctx, run, 0, 0, 0, "watermark_read_failed", err)
	}

	page, err := e.client.FetchChanged(ctx, tenantID, kind, wm, limit)
	if err != nil {
		return e.fail(ctx, run, 0, 0, 0, "fetch_failed", err)
	}

	records := append([]erp.Record(nil), page.Records...)
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].UpdatedAt.Before(records[j].UpdatedAt)
		}
		return records[i].ExternalID < records[j].ExternalID
	})

	var upserted, failed int
	for _, rec := range records {
		if err := e.applyOne(ctx, tenantID, kind, rec); err != nil {
			failed++
			e.logger.Warn("record rejected",
				zap.String("tenant_id", tenantID),
				zap.String("scope", string(kind)),
				zap.String("external_id", rec.ExternalID),
				zap.Error(err),
			)
			continue
		}
		upserted++
	}

	if failed > 0 && e.strict[kind] {
		return e.fail(ctx, run, len(records), upserted, failed,
			"strict_scope_failure", fmt.Errorf("%d of %d records rejected", failed, len(records)))
	}

	err = e.db.Writer.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if len(records) > 0 {
			last := records[len(records)-1]
			next := &entity.Watermark{
				TenantID:        tenantID,
				System:          e.system,
				Entity:          kind,
				SourceUpdatedAt: last.UpdatedAt,
				SourceID:        last.ExternalID,
				Cursor:          page.Cursor,
			}
			if err := e.watermarks.Advance(ctx, tx, next); err != nil {
				if errors.Is(err, watermark.ErrConflict) {
					// A concurrent cycle already moved past us; the records
					// applied idempotently, so the run still counts.
					e.logger.Debug("watermark already ahead",
						zap.String("tenant_id", tenantID),
						zap.String("scope", string(kind)),
					)
				} else {
					return err
				}
			}
		}
		return e.runs.Complete(ctx, tx, run.ID, len(records), upserted, failed)
	})
	if err != nil {
		return e.fail(ctx, run, len(records), upserted, failed, "finalize_failed", err)
	}

	run.Status = entity.RunSucceeded
	run.RecordsIn = len(records)
	run.RecordsUpserted = upserted
	run.RecordsFailed = failed
	span.SetAttributes(
		attribute.Int("sync.records_in", run.RecordsIn),
		attribute.Int("sync.records_failed", run.RecordsFailed),
	)
	return run, nil
}

func (e *Engine) fail(ctx context.Context, run *entity.SyncRun, in, upserted, failed int, summary string, cause error) (*entity.SyncRun, error) {
	if err := e.runs.Fail(ctx, e.db.Writer, run.ID, in, upserted, failed, summary, cause.Error()); err != nil {
		e.logger.Error("mark run failed", zap.Int64("run_id", run.ID), zap.Error(err))
	}
	run.Status = entity.RunFailed
	run.RecordsIn = in
	run.RecordsUpserted = upserted
	run.RecordsFailed = failed
	run.ErrorSummary = summary
	return run, cause
}

// applyOne upserts a single inbound record inside its own transaction so one
// bad record cannot poison the rest of the batch.
func (e *Engine) applyOne(ctx context.Context, tenantID string, kind statemachine.Kind, rec erp.Record) error {
	ctx, span := engineTracer.Start(ctx, "Reconcile.applyOne", trace.WithAttributes(
		attribute.String("sync.entity", string(kind)),
		attribute.String("sync.external_id", rec.ExternalID),
	))
	defer span.End()

	err := e.db.Writer.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		switch kind {
		case statemachine.KindSupplier:
			return e.applySupplier(ctx, tx, tenantID, rec)
		case statemachine.KindPurchaseRequest:
			return e.applyPurchaseRequest(ctx, tx, tenantID, rec)
		case statemachine.KindPurchaseOrder:
			return e.applyPurchaseOrder(ctx, tx, tenantID, rec)
		case statemachine.KindReceipt:
			return e.applyReceipt(ctx, tx, tenantID, rec)
		default:
			return fmt.Errorf("no applier for scope %s", kind)
		}
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
	}
	return err
}

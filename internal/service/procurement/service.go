package procurement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/procurehq/erpsync/internal/cache"
	"github.com/procurehq/erpsync/internal/config"
	"github.com/procurehq/erpsync/internal/domain/statemachine"
	"github.com/procurehq/erpsync/internal/entity"
	"github.com/procurehq/erpsync/internal/messaging"
	repo "github.com/procurehq/erpsync/internal/repository/procurement"
	"github.com/procurehq/erpsync/internal/repository/syncrun"
	"github.com/procurehq/erpsync/pkg/errorbank"
)

var serviceTracer = otel.Tracer("github.com/procurehq/erpsync/service/procurement")

// Status-event reason vocabulary.
const (
	ReasonCreated         = "created"
	ReasonRFQOpened       = "rfq_opened"
	ReasonRFQAwarded      = "rfq_awarded"
	ReasonPOCreated       = "po_created_from_award"
	ReasonPOPushQueued    = "po_push_queued"
	ReasonPOPushSucceeded = "po_push_succeeded"
	ReasonPOPushRejected  = "po_push_rejected"
)

// Service drives the procurement flow: purchase request, RFQ, award, purchase
// order, and the hand-off to the outbox. All multi-row operations run in one
// transaction together with their status events.
type Service struct {
	repo      *repo.Repository
	runs      *syncrun.Repository
	cache     cache.Store
	cacheTTL  time.Duration
	logger    *zap.Logger
	publisher messaging.Client
	system    string
	messaging messagingConfig
}

type messagingConfig struct {
	enabled bool
	topic   string
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	Repository *repo.Repository
	Runs       *syncrun.Repository
	Cache      cache.Store
	Config     config.Config
	Logger     *zap.Logger
	Publisher  messaging.Client
}

// NewService wires a new Service instance.
func NewService(p Params) *Service {
	return &Service{
		repo:      p.Repository,
		runs:      p.Runs,
		cache:     p.Cache,
		cacheTTL:  p.Config.Cache.DefaultTTL,
		logger:    p.Logger,
		publisher: p.Publisher,
		system:    p.Config.ERP.System,
		messaging: messagingConfig{
			enabled: p.Config.Messaging.Enabled,
			topic:   p.Config.Messaging.Kafka.Topic,
		},
	}
}

// PurchaseRequestItemInput is one requested line.
type PurchaseRequestItemInput struct {
	Description string
	Quantity    float64
	UOM         string
	Category    string
}

// PurchaseRequestInput creates a purchase request with its items.
type PurchaseRequestInput struct {
	Number      string
	Priority    string
	RequestedBy string
	Department  string
	NeededAt    time.Time
	Items       []PurchaseRequestItemInput
}

// CreatePurchaseRequest opens a new purchase request in pending_rfq. At least
// one item is required.
func (s *Service) CreatePurchaseRequest(ctx context.Context, tenantID, actor string, in PurchaseRequestInput) (*entity.PurchaseRequest, error) {
	ctx, span := serviceTracer.Start(ctx, "ProcurementService.CreatePurchaseRequest", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
	))
	defer span.End()

	if len(in.Items) == 0 {
		return nil, errorbank.BadRequest("purchase request requires at least one item")
	}
	for i, item := range in.Items {
		if item.Description == "" {
			return nil, errorbank.BadRequest(fmt.Sprintf("item %d is missing a description", i+1))
		}
	}

	pr := &entity.PurchaseRequest{
		TenantID:    tenantID,
		Number:      in.Number,
		Status:      statemachine.Initial(statemachine.KindPurchaseRequest),
		Priority:    in.Priority,
		RequestedBy: in.RequestedBy,
		Department:  in.Department,
		NeededAt:    in.NeededAt,
		CreatedAt:   time.Now().UTC(),
	}
	items := make([]*entity.PurchaseRequestItem, 0, len(in.Items))
	for _, item := range in.Items {
		items = append(items, &entity.PurchaseRequestItem{
			Description: item.Description,
			Quantity:    item.Quantity,
			UOM:         item.UOM,
			Category:    item.Category,
		})
	}

	err := s.repo.Writer().RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.repo.CreatePurchaseRequest(ctx, tx, pr, items); err != nil {
			return err
		}
		return s.repo.AppendStatusEvent(ctx, tx, &entity.StatusEvent{
			TenantID: tenantID,
			Entity:   statemachine.KindPurchaseRequest,
			EntityID: pr.ID,
			ToStatus: pr.Status,
			Reason:   ReasonCreated,
			Actor:    actor,
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to create purchase request", errorbank.WithCause(err))
	}
	return pr, nil
}

// CreateRFQ opens an RFQ over a purchase request and moves the request to
// in_rfq.
func (s *Service) CreateRFQ(ctx context.Context, tenantID, actor string, purchaseRequestID int64, title string) (*entity.RFQ, error) {
	ctx, span := serviceTracer.Start(ctx, "ProcurementService.CreateRFQ", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int64("purchase_request.id", purchaseRequestID),
	))
	defer span.End()

	rfq := &entity.RFQ{
		TenantID:          tenantID,
		Title:             title,
		Status:            statemachine.Initial(statemachine.KindRFQ),
		PurchaseRequestID: purchaseRequestID,
		CreatedAt:         time.Now().UTC(),
	}

	err := s.repo.Writer().RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		pr, err := s.repo.GetPurchaseRequest(ctx, tx, tenantID, purchaseRequestID)
		if err != nil {
			return err
		}
		if err := statemachine.Validate(statemachine.KindPurchaseRequest, pr.Status, statemachine.PRInRFQ); err != nil {
			return err
		}
		if err := s.repo.CreateRFQ(ctx, tx, rfq); err != nil {
			return err
		}
		if err := s.transition(ctx, tx, tenantID, statemachine.KindPurchaseRequest, pr.ID, pr.Status, statemachine.PRInRFQ, ReasonRFQOpened, actor); err != nil {
			return err
		}
		return s.repo.AppendStatusEvent(ctx, tx, &entity.StatusEvent{
			TenantID: tenantID,
			Entity:   statemachine.KindRFQ,
			EntityID: rfq.ID,
			ToStatus: rfq.Status,
			Reason:   ReasonCreated,
			Actor:    actor,
		})
	})
	if err != nil {
		return nil, s.translate(span, err, "failed to create rfq")
	}
	return rfq, nil
}

// TransitionRFQ moves an RFQ along its machine (draft → open →
// collecting_quotes → closed/cancelled). Awarding goes through AwardRFQ.
func (s *Service) TransitionRFQ(ctx context.Context, tenantID, actor string, rfqID int64, to string) (*entity.RFQ, error) {
	ctx, span := serviceTracer.Start(ctx, "ProcurementService.TransitionRFQ", trace.WithAttributes(
		attribute.Int64("rfq.id", rfqID),
		attribute.String("rfq.to", to),
	))
	defer span.End()

	if to == statemachine.RFQAwarded {
		return nil, errorbank.BadRequest("awarding requires the award endpoint")
	}

	var rfq *entity.RFQ
	err := s.repo.Writer().RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		rfq, err = s.repo.GetRFQ(ctx, tx, tenantID, rfqID)
		if err != nil {
			return err
		}
		if err := s.transitionRFQ(ctx, tx, tenantID, actor, rfq, to, ""); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, s.translate(span, err, "failed to update rfq")
	}
	rfq.Status = to
	return rfq, nil
}

// AwardRFQ records the sourcing decision. A reason is mandatory; it goes on
// the award row and on every status event the decision produces.
func (s *Service) AwardRFQ(ctx context.Context, tenantID, actor string, rfqID int64, supplierName, reason string) (*entity.Award, error) {
	ctx, span := serviceTracer.Start(ctx, "ProcurementService.AwardRFQ", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int64("rfq.id", rfqID),
	))
	defer span.End()

	if reason == "" {
		return nil, errorbank.BadRequest("award reason is required")
	}
	if supplierName == "" {
		return nil, errorbank.BadRequest("award supplier is required")
	}

	award := &entity.Award{
		TenantID:     tenantID,
		RFQID:        rfqID,
		SupplierName: supplierName,
		Status:       statemachine.Initial(statemachine.KindAward),
		Reason:       reason,
		CreatedAt:    time.Now().UTC(),
	}

	err := s.repo.Writer().RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		rfq, err := s.repo.GetRFQ(ctx, tx, tenantID, rfqID)
		if err != nil {
			return err
		}
		if err := s.transitionRFQ(ctx, tx, tenantID, actor, rfq, statemachine.RFQAwarded, reason); err != nil {
			return err
		}
		if err := s.repo.CreateAward(ctx, tx, award); err != nil {
			return err
		}
		if err := s.repo.AppendStatusEvent(ctx, tx, &entity.StatusEvent{
			TenantID: tenantID,
			Entity:   statemachine.KindAward,
			EntityID: award.ID,
			ToStatus: award.Status,
			Reason:   reason,
			Actor:    actor,
		}); err != nil {
			return err
		}
		if rfq.PurchaseRequestID != 0 {
			pr, err := s.repo.GetPurchaseRequest(ctx, tx, tenantID, rfq.PurchaseRequestID)
			if err != nil {
				return err
			}
			if err := s.transition(ctx, tx, tenantID, statemachine.KindPurchaseRequest, pr.ID, pr.Status, statemachine.PRAwarded, ReasonRFQAwarded, actor); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.translate(span, err, "failed to award rfq")
	}
	return award, nil
}

// PurchaseOrderInput creates a purchase order from an award.
type PurchaseOrderInput struct {
	Number      string
	Currency    string
	TotalAmount float64
}

// CreatePurchaseOrderFromAward converts an award into an approved purchase
// order. The award's conditional conversion guarantees one purchase order per
// award even under concurrent calls.
func (s *Service) CreatePurchaseOrderFromAward(ctx context.Context, tenantID, actor string, awardID int64, in PurchaseOrderInput) (*entity.PurchaseOrder, error) {
	ctx, span := serviceTracer.Start(ctx, "ProcurementService.CreatePurchaseOrderFromAward", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int64("award.id", awardID),
	))
	defer span.End()

	po := &entity.PurchaseOrder{
		TenantID:    tenantID,
		Number:      in.Number,
		AwardID:     awardID,
		Status:      statemachine.Initial(statemachine.KindPurchaseOrder),
		Currency:    in.Currency,
		TotalAmount: in.TotalAmount,
		CreatedAt:   time.Now().UTC(),
	}
	if po.Currency == "" {
		po.Currency = "BRL"
	}

	err := s.repo.Writer().RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		award, err := s.repo.GetAward(ctx, tx, tenantID, awardID)
		if err != nil {
			return err
		}
		if err := statemachine.Validate(statemachine.KindAward, award.Status, statemachine.AwardConvertedToPO); err != nil {
			return err
		}
		po.SupplierName = award.SupplierName
		if err := s.repo.CreatePurchaseOrder(ctx, tx, po); err != nil {
			return err
		}
		converted, err := s.repo.ConvertAward(ctx, tx, tenantID, awardID, po.ID)
		if err != nil {
			return err
		}
		if !converted {
			return errorbank.Conflict("award already converted to a purchase order")
		}
		if err := s.repo.AppendStatusEvent(ctx, tx, &entity.StatusEvent{
			TenantID:   tenantID,
			Entity:     statemachine.KindAward,
			EntityID:   awardID,
			FromStatus: statemachine.AwardAwarded,
			ToStatus:   statemachine.AwardConvertedToPO,
			Reason:     ReasonPOCreated,
			Actor:      actor,
		}); err != nil {
			return err
		}
		if err := s.repo.AppendStatusEvent(ctx, tx, &entity.StatusEvent{
			TenantID: tenantID,
			Entity:   statemachine.KindPurchaseOrder,
			EntityID: po.ID,
			ToStatus: po.Status,
			Reason:   ReasonPOCreated,
			Actor:    actor,
		}); err != nil {
			return err
		}
		if err := s.transition(ctx, tx, tenantID, statemachine.KindPurchaseOrder, po.ID, po.Status, statemachine.POApproved, ReasonPOCreated, actor); err != nil {
			return err
		}
		po.Status = statemachine.POApproved

		if award.RFQID != 0 {
			rfq, err := s.repo.GetRFQ(ctx, tx, tenantID, award.RFQID)
			if err == nil && rfq.PurchaseRequestID != 0 {
				pr, prErr := s.repo.GetPurchaseRequest(ctx, tx, tenantID, rfq.PurchaseRequestID)
				if prErr != nil {
					return prErr
				}
				if err := s.transition(ctx, tx, tenantID, statemachine.KindPurchaseRequest, pr.ID, pr.Status, statemachine.PROrdered, ReasonPOCreated, actor); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.translate(span, err, "failed to create purchase order")
	}
	return po, nil
}

// PushReceipt is what the caller gets back from EnqueuePush.
type PushReceipt struct {
	Run     *entity.SyncRun
	Created bool
}

// EnqueuePush moves an approved purchase order to sent_to_erp and opens the
// queued sync run the outbox worker will claim, all in one transaction.
// A second enqueue while a push is pending returns the existing run.
func (s *Service) EnqueuePush(ctx context.Context, tenantID, actor string, purchaseOrderID int64) (*PushReceipt, error) {
	ctx, span := serviceTracer.Start(ctx, "ProcurementService.EnqueuePush", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int64("purchase_order.id", purchaseOrderID),
	))
	defer span.End()

	receipt := &PushReceipt{}
	err := s.repo.Writer().RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		po, err := s.repo.GetPurchaseOrder(ctx, tx, tenantID, purchaseOrderID)
		if err != nil {
			return err
		}
		if po.Status == statemachine.POSentToERP {
			// Already queued or in flight; hand back the pending run.
			run, _, err := s.runs.OpenQueuedPush(ctx, tx, tenantID, s.system, po.ID, time.Now().UTC())
			receipt.Run = run
			return err
		}
		if err := statemachine.Validate(statemachine.KindPurchaseOrder, po.Status, statemachine.POSentToERP); err != nil {
			return err
		}
		if err := s.repo.UpdatePurchaseOrderStatus(ctx, tx, tenantID, po.ID, statemachine.POSentToERP); err != nil {
			return err
		}
		run, created, err := s.runs.OpenQueuedPush(ctx, tx, tenantID, s.system, po.ID, time.Now().UTC())
		if err != nil {
			return err
		}
		receipt.Run = run
		receipt.Created = created
		return s.repo.AppendStatusEvent(ctx, tx, &entity.StatusEvent{
			TenantID:   tenantID,
			Entity:     statemachine.KindPurchaseOrder,
			EntityID:   po.ID,
			FromStatus: po.Status,
			ToStatus:   statemachine.POSentToERP,
			Reason:     ReasonPOPushQueued,
			Actor:      actor,
		})
	})
	if err != nil {
		return nil, s.translate(span, err, "failed to enqueue purchase order push")
	}

	s.invalidateCache(ctx, tenantID, purchaseOrderID)
	s.publishEvent(ctx, "purchase_order.push_queued", tenantID, purchaseOrderID, map[string]any{
		"sync_run_id": receipt.Run.ID,
	})
	return receipt, nil
}

// GetPurchaseOrder retrieves a purchase order, consulting cache when available.
func (s *Service) GetPurchaseOrder(ctx context.Context, tenantID string, id int64) (*entity.PurchaseOrder, error) {
	ctx, span := serviceTracer.Start(ctx, "ProcurementService.GetPurchaseOrder", trace.WithAttributes(attribute.Int64("purchase_order.id", id)))
	defer span.End()

	if po, err := s.getFromCache(ctx, tenantID, id); err == nil {
		return po, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("purchase order cache read failed", zap.Int64("id", id), zap.Error(err))
	}

	po, err := s.repo.GetPurchaseOrder(ctx, s.repo.Reader(), tenantID, id)
	if err != nil {
		return nil, s.translate(span, err, "failed to load purchase order")
	}

	if err := s.storeInCache(ctx, po); err != nil {
		s.logger.Warn("purchase order cache write failed", zap.Int64("id", id), zap.Error(err))
	}
	return po, nil
}

// GetSyncRun exposes one ledger row, for polling push progress.
func (s *Service) GetSyncRun(ctx context.Context, tenantID string, runID int64) (*entity.SyncRun, error) {
	run, err := s.runs.Get(ctx, tenantID, runID)
	if errors.Is(err, syncrun.ErrNotFound) {
		return nil, errorbank.NotFound("sync run not found")
	}
	if err != nil {
		return nil, errorbank.Internal("failed to load sync run", errorbank.WithCause(err))
	}
	return run, nil
}

// CancelSyncRun cancels a queued push before the worker claims it. Running
// runs cannot be cancelled mid-flight.
func (s *Service) CancelSyncRun(ctx context.Context, tenantID string, runID int64) (*entity.SyncRun, error) {
	if err := s.runs.Cancel(ctx, tenantID, runID); err != nil {
		if errors.Is(err, syncrun.ErrNotCancellable) {
			run, getErr := s.runs.Get(ctx, tenantID, runID)
			if errors.Is(getErr, syncrun.ErrNotFound) {
				return nil, errorbank.NotFound("sync run not found")
			}
			if getErr != nil {
				return nil, errorbank.Internal("failed to load sync run", errorbank.WithCause(getErr))
			}
			return nil, errorbank.RunNotCancellable(runID, run.Status)
		}
		return nil, errorbank.Internal("failed to cancel sync run", errorbank.WithCause(err))
	}
	return s.GetSyncRun(ctx, tenantID, runID)
}

// StatusHistory lists the audit trail for one entity.
func (s *Service) StatusHistory(ctx context.Context, tenantID string, kind statemachine.Kind, entityID int64) ([]*entity.StatusEvent, error) {
	events, err := s.repo.ListStatusEvents(ctx, tenantID, kind, entityID)
	if err != nil {
		return nil, errorbank.Internal("failed to load status history", errorbank.WithCause(err))
	}
	return events, nil
}

func (s *Service) transitionRFQ(ctx context.Context, tx bun.Tx, tenantID, actor string, rfq *entity.RFQ, to, reason string) error {
	if reason == "" {
		reason = ReasonRFQOpened
	}
	return s.transition(ctx, tx, tenantID, statemachine.KindRFQ, rfq.ID, rfq.Status, to, reason, actor)
}

// transition validates, applies, and audits one status change.
func (s *Service) transition(ctx context.Context, tx bun.Tx, tenantID string, kind statemachine.Kind, id int64, from, to, reason, actor string) error {
	if err := statemachine.Validate(kind, from, to); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	var err error
	switch kind {
	case statemachine.KindPurchaseRequest:
		err = s.repo.UpdatePurchaseRequestStatus(ctx, tx, tenantID, id, to)
	case statemachine.KindRFQ:
		err = s.repo.UpdateRFQStatus(ctx, tx, tenantID, id, to)
	case statemachine.KindPurchaseOrder:
		err = s.repo.UpdatePurchaseOrderStatus(ctx, tx, tenantID, id, to)
	default:
		err = fmt.Errorf("no status column for kind %s", kind)
	}
	if err != nil {
		return err
	}
	return s.repo.AppendStatusEvent(ctx, tx, &entity.StatusEvent{
		TenantID:   tenantID,
		Entity:     kind,
		EntityID:   id,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
		Actor:      actor,
	})
}

// translate maps domain errors onto the transport error bank.
func (s *Service) translate(span trace.Span, err error, fallback string) error {
	var rejection *statemachine.Rejection
	var appErr *errorbank.AppError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.As(err, &rejection):
		return errorbank.Unprocessable(rejection.Error(),
			errorbank.WithDetail("entity", string(rejection.Kind)),
			errorbank.WithDetail("from", rejection.From),
			errorbank.WithDetail("to", rejection.To),
		)
	case errors.Is(err, repo.ErrNotFound):
		return errorbank.NotFound("entity not found")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return errorbank.Internal(fallback, errorbank.WithCause(err))
	}
}

func (s *Service) publishEvent(ctx context.Context, eventType, tenantID string, entityID int64, extra map[string]any) {
	if !s.messaging.enabled || s.publisher == nil {
		return
	}
	event := map[string]any{
		"type":      eventType,
		"tenant_id": tenantID,
		"entity_id": entityID,
		"at":        time.Now().UTC(),
	}
	for k, v := range extra {
		event[k] = v
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("marshal event", zap.String("type", eventType), zap.Error(err))
		return
	}
	key := []byte(fmt.Sprintf("%s-%d", tenantID, entityID))
	if err := s.publisher.Publish(ctx, key, payload); err != nil {
		s.logger.Error("publish event", zap.String("type", eventType), zap.Error(err))
	}
}

func (s *Service) cacheKey(tenantID string, id int64) string {
	return fmt.Sprintf("po:%s:%d", tenantID, id)
}

func (s *Service) invalidateCache(ctx context.Context, tenantID string, id int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, s.cacheKey(tenantID, id)); err != nil {
		s.logger.Warn("purchase order cache delete failed", zap.Int64("id", id), zap.Error(err))
	}
}

func (s *Service) getFromCache(ctx context.Context, tenantID string, id int64) (*entity.PurchaseOrder, error) {
	if s.cache == nil {
		return nil, cache.ErrCacheMiss
	}
	raw, err := s.cache.Get(ctx, s.cacheKey(tenantID, id))
	if err != nil {
		return nil, err
	}
	var po entity.PurchaseOrder
	if err := json.Unmarshal(raw, &po); err != nil {
		return nil, err
	}
	return &po, nil
}

func (s *Service) storeInCache(ctx context.Context, po *entity.PurchaseOrder) error {
	if s.cache == nil || po == nil {
		return nil
	}
	raw, err := json.Marshal(po)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, s.cacheKey(po.TenantID, po.ID), raw, s.cacheTTL)
}

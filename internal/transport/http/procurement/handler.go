package procurement

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/procurehq/erpsync/internal/domain/statemachine"
	"github.com/procurehq/erpsync/internal/dto"
	"github.com/procurehq/erpsync/internal/entity"
	"github.com/procurehq/erpsync/internal/presentation/http/response"
	"github.com/procurehq/erpsync/internal/reconcile"
	service "github.com/procurehq/erpsync/internal/service/procurement"
	"github.com/procurehq/erpsync/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/procurehq/erpsync/transport/http/procurement")

const tenantHeader = "X-Tenant-ID"

// Handler exposes the procurement flow and sync endpoints over HTTP.
type Handler struct {
	svc    *service.Service
	engine *reconcile.Engine
}

// NewHandler constructs a procurement Handler.
func NewHandler(svc *service.Service, engine *reconcile.Engine) *Handler {
	return &Handler{svc: svc, engine: engine}
}

// Register routes with the provided Echo instance.
func Register(e *echo.Echo, h *Handler) {
	e.POST("/purchase-requests", h.createPurchaseRequest)
	e.POST("/purchase-requests/:id/rfqs", h.createRFQ)
	e.POST("/rfqs/:id/transition", h.transitionRFQ)
	e.POST("/rfqs/:id/award", h.awardRFQ)
	e.POST("/awards/:id/purchase-orders", h.createPurchaseOrder)
	e.GET("/purchase-orders/:id", h.getPurchaseOrder)
	e.GET("/purchase-orders/:id/history", h.purchaseOrderHistory)
	e.POST("/purchase-orders/:id/push", h.pushPurchaseOrder)
	e.GET("/sync-runs/:id", h.getSyncRun)
	e.POST("/sync-runs/:id/cancel", h.cancelSyncRun)
	e.POST("/sync", h.triggerSync)
}

func tenantOf(c echo.Context) (string, error) {
	tenant := c.Request().Header.Get(tenantHeader)
	if tenant == "" {
		return "", errorbank.BadRequest("missing " + tenantHeader + " header")
	}
	return tenant, nil
}

func actorOf(c echo.Context) string {
	if user := c.Request().Header.Get("X-User"); user != "" {
		return "user:" + user
	}
	return "user:anonymous"
}

func idParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, errorbank.BadRequest("invalid id", errorbank.WithCause(err))
	}
	return id, nil
}

func (h *Handler) createPurchaseRequest(c echo.Context) error {
	b := response.New(c)

	tenant, err := tenantOf(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	var payload struct {
		Number      string `json:"number"`
		Priority    string `json:"priority"`
		RequestedBy string `json:"requested_by"`
		Department  string `json:"department"`
		NeededAt    string `json:"needed_at"`
		Items       []struct {
			Description string  `json:"description"`
			Quantity    float64 `json:"quantity"`
			UOM         string  `json:"uom"`
			Category    string  `json:"category"`
		} `json:"items"`
	}
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}

	in := service.PurchaseRequestInput{
		Number:      payload.Number,
		Priority:    payload.Priority,
		RequestedBy: payload.RequestedBy,
		Department:  payload.Department,
	}
	if payload.NeededAt != "" {
		t, err := time.Parse(time.RFC3339, payload.NeededAt)
		if err != nil {
			return b.WithError(errorbank.BadRequest("invalid needed_at", errorbank.WithCause(err))).Build()
		}
		in.NeededAt = t
	}
	for _, item := range payload.Items {
		in.Items = append(in.Items, service.PurchaseRequestItemInput{
			Description: item.Description,
			Quantity:    item.Quantity,
			UOM:         item.UOM,
			Category:    item.Category,
		})
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "procurement.createPurchaseRequest")
	defer span.End()

	pr, err := h.svc.CreatePurchaseRequest(ctx, tenant, actorOf(c), in)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithStatus(http.StatusCreated).WithData(toPurchaseRequestDTO(pr)).Build()
}

func (h *Handler) createRFQ(c echo.Context) error {
	b := response.New(c)

	tenant, err := tenantOf(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	prID, err := idParam(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	var payload struct {
		Title string `json:"title"`
	}
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "procurement.createRFQ", trace.WithAttributes(
		attribute.Int64("purchase_request.id", prID),
	))
	defer span.End()

	rfq, err := h.svc.CreateRFQ(ctx, tenant, actorOf(c), prID, payload.Title)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithStatus(http.StatusCreated).WithData(toRFQDTO(rfq)).Build()
}

func (h *Handler) transitionRFQ(c echo.Context) error {
	b := response.New(c)

	tenant, err := tenantOf(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	rfqID, err := idParam(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	var payload struct {
		To string `json:"to"`
	}
	if err := c.Bind(&payload); err != nil || payload.To == "" {
		return b.WithError(errorbank.BadRequest("target status is required")).Build()
	}

	rfq, err := h.svc.TransitionRFQ(c.Request().Context(), tenant, actorOf(c), rfqID, payload.To)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(toRFQDTO(rfq)).Build()
}

func (h *Handler) awardRFQ(c echo.Context) error {
	b := response.New(c)

	tenant, err := tenantOf(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	rfqID, err := idParam(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	var payload struct {
		Supplier string `json:"supplier"`
		Reason   string `json:"reason"`
	}
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "procurement.awardRFQ", trace.WithAttributes(
		attribute.Int64("rfq.id", rfqID),
	))
	defer span.End()

	award, err := h.svc.AwardRFQ(ctx, tenant, actorOf(c), rfqID, payload.Supplier, payload.Reason)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithStatus(http.StatusCreated).WithData(toAwardDTO(award)).Build()
}

func (h *Handler) createPurchaseOrder(c echo.Context) error {
	b := response.New(c)

	tenant, err := tenantOf(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	awardID, err := idParam(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	var payload struct {
		Number      string  `json:"number"`
		Currency    string  `json:"currency"`
		TotalAmount float64 `json:"total_amount"`
	}
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "procurement.createPurchaseOrder", trace.WithAttributes(
		attribute.Int64("award.id", awardID),
	))
	defer span.End()

	po, err := h.svc.CreatePurchaseOrderFromAward(ctx, tenant, actorOf(c), awardID, service.PurchaseOrderInput{
		Number:      payload.Number,
		Currency:    payload.Currency,
		TotalAmount: payload.TotalAmount,
	})
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithStatus(http.StatusCreated).WithData(toPurchaseOrderDTO(po)).Build()
}

func (h *Handler) getPurchaseOrder(c echo.Context) error {
	b := response.New(c)

	tenant, err := tenantOf(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	id, err := idParam(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	po, err := h.svc.GetPurchaseOrder(c.Request().Context(), tenant, id)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(toPurchaseOrderDTO(po)).Build()
}

func (h *Handler) purchaseOrderHistory(c echo.Context) error {
	b := response.New(c)

	tenant, err := tenantOf(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	id, err := idParam(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	events, err := h.svc.StatusHistory(c.Request().Context(), tenant, statemachine.KindPurchaseOrder, id)
	if err != nil {
		return b.WithError(err).Build()
	}
	out := make([]dto.StatusEventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, toStatusEventDTO(ev))
	}
	return b.WithData(out).Build()
}

// pushPurchaseOrder accepts the dispatch request and returns 202; the outbox
// worker performs the actual ERP call.
func (h *Handler) pushPurchaseOrder(c echo.Context) error {
	b := response.New(c)

	tenant, err := tenantOf(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	id, err := idParam(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "procurement.pushPurchaseOrder", trace.WithAttributes(
		attribute.Int64("purchase_order.id", id),
	))
	defer span.End()

	receipt, err := h.svc.EnqueuePush(ctx, tenant, actorOf(c), id)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithStatus(http.StatusAccepted).WithData(dto.PushResponse{
		PurchaseOrderID: id,
		ERPPush: dto.ERPPush{
			Status:    "queued",
			SyncRunID: receipt.Run.ID,
		},
	}).Build()
}

func (h *Handler) getSyncRun(c echo.Context) error {
	b := response.New(c)

	tenant, err := tenantOf(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	id, err := idParam(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	run, err := h.svc.GetSyncRun(c.Request().Context(), tenant, id)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(toSyncRunDTO(run)).Build()
}

func (h *Handler) cancelSyncRun(c echo.Context) error {
	b := response.New(c)

	tenant, err := tenantOf(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	id, err := idParam(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	run, err := h.svc.CancelSyncRun(c.Request().Context(), tenant, id)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(toSyncRunDTO(run)).Build()
}

// triggerSync runs one synchronous pull cycle for a scope.
func (h *Handler) triggerSync(c echo.Context) error {
	b := response.New(c)

	tenant, err := tenantOf(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	var payload struct {
		Scope string `json:"scope"`
		Limit int    `json:"limit"`
	}
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	kind, ok := statemachine.ParseKind(payload.Scope)
	if !ok {
		return b.WithError(errorbank.BadRequest("unknown scope: " + payload.Scope)).Build()
	}
	if payload.Limit <= 0 {
		payload.Limit = 100
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "procurement.triggerSync", trace.WithAttributes(
		attribute.String("sync.scope", payload.Scope),
	))
	defer span.End()

	run, err := h.engine.SyncEntity(ctx, tenant, kind, payload.Limit, 0)
	if err != nil {
		if run != nil {
			// The ledger row carries the failure detail.
			return b.WithStatus(http.StatusBadGateway).WithData(toSyncRunDTO(run)).Build()
		}
		return b.WithError(errorbank.Internal("sync failed", errorbank.WithCause(err))).Build()
	}
	return b.WithData(toSyncRunDTO(run)).Build()
}

func toPurchaseRequestDTO(pr *entity.PurchaseRequest) dto.PurchaseRequestResponse {
	return dto.PurchaseRequestResponse{
		ID:          pr.ID,
		Number:      pr.Number,
		Status:      pr.Status,
		Priority:    pr.Priority,
		RequestedBy: pr.RequestedBy,
		Department:  pr.Department,
		CreatedAt:   pr.CreatedAt,
	}
}

func toRFQDTO(rfq *entity.RFQ) dto.RFQResponse {
	return dto.RFQResponse{
		ID:                rfq.ID,
		Title:             rfq.Title,
		Status:            rfq.Status,
		PurchaseRequestID: rfq.PurchaseRequestID,
		CreatedAt:         rfq.CreatedAt,
	}
}

func toAwardDTO(a *entity.Award) dto.AwardResponse {
	return dto.AwardResponse{
		ID:              a.ID,
		RFQID:           a.RFQID,
		SupplierName:    a.SupplierName,
		Status:          a.Status,
		Reason:          a.Reason,
		PurchaseOrderID: a.PurchaseOrderID,
		CreatedAt:       a.CreatedAt,
	}
}

func toPurchaseOrderDTO(po *entity.PurchaseOrder) dto.PurchaseOrderResponse {
	return dto.PurchaseOrderResponse{
		ID:           po.ID,
		Number:       po.Number,
		AwardID:      po.AwardID,
		SupplierName: po.SupplierName,
		Status:       po.Status,
		Currency:     po.Currency,
		TotalAmount:  po.TotalAmount,
		ExternalID:   po.ExternalID,
		ERPLastError: po.ERPLastError,
		CreatedAt:    po.CreatedAt,
		UpdatedAt:    po.UpdatedAt,
	}
}

func toSyncRunDTO(run *entity.SyncRun) dto.SyncRunResponse {
	out := dto.SyncRunResponse{
		ID:              run.ID,
		System:          run.System,
		Scope:           string(run.Scope),
		Status:          run.Status,
		Attempt:         run.Attempt,
		ParentRunID:     run.ParentRunID,
		PurchaseOrderID: run.PurchaseOrderID,
		StartedAt:       run.StartedAt,
		DurationMS:      run.DurationMS,
		RecordsIn:       run.RecordsIn,
		RecordsUpserted: run.RecordsUpserted,
		RecordsFailed:   run.RecordsFailed,
		ErrorSummary:    run.ErrorSummary,
	}
	if !run.FinishedAt.IsZero() {
		finished := run.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}

func toStatusEventDTO(ev *entity.StatusEvent) dto.StatusEventResponse {
	return dto.StatusEventResponse{
		ID:         ev.ID,
		Entity:     string(ev.Entity),
		EntityID:   ev.EntityID,
		FromStatus: ev.FromStatus,
		ToStatus:   ev.ToStatus,
		Reason:     ev.Reason,
		Actor:      ev.Actor,
		OccurredAt: ev.OccurredAt,
	}
}

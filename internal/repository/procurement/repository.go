package procurement

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

var repoTracer = otel.Tracer("github.com/procurehq/erpsync/repository/procurement")

// ErrNotFound is returned when a requested entity is missing.
var ErrNotFound = errors.New("entity not found")

// Repository encapsulates read/write access for the procurement entities.
// Methods that participate in multi-statement flows take a bun.IDB so the
// service layer can run them inside one transaction.
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

// Writer exposes the write connection for service-level transactions.
func (r *Repository) Writer() *bun.DB {
	return r.writer
}

// Reader exposes the read connection for plain lookups.
func (r *Repository) Reader() *bun.DB {
	return r.reader
}

// --- purchase requests ---

func (r *Repository) CreatePurchaseRequest(ctx context.Context, db bun.IDB, pr *entity.PurchaseRequest, items []*entity.PurchaseRequestItem) error {
	ctx, span := repoTracer.Start(ctx, "ProcurementRepository.CreatePurchaseRequest", trace.WithAttributes(
		attribute.String("tenant.id", pr.TenantID),
	))
	defer span.End()

	if _, err := db.NewInsert().Model(pr).Exec(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return err
	}
	for i, item := range items {
		item.TenantID = pr.TenantID
		item.PurchaseRequestID = pr.ID
		if item.LineNo == 0 {
			item.LineNo = i + 1
		}
	}
	if len(items) > 0 {
		if _, err := db.NewInsert().Model(&items).Exec(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "item insert failed")
			return err
		}
	}
	return nil
}

func (r *Repository) GetPurchaseRequest(ctx context.Context, db bun.IDB, tenantID string, id int64) (*entity.PurchaseRequest, error) {
	pr := new(entity.PurchaseRequest)
	err := db.NewSelect().Model(pr).
		Where("id = ?", id).
		Where("tenant_id = ?", tenantID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return pr, nil
}

func (r *Repository) UpdatePurchaseRequestStatus(ctx context.Context, db bun.IDB, tenantID string, id int64, status string) error {
	return r.updateStatus(ctx, db, (*entity.PurchaseRequest)(nil), tenantID, id, status)
}

// --- rfqs ---

func (r *Repository) CreateRFQ(ctx context.Context, db bun.IDB, rfq *entity.RFQ) error {
	_, err := db.NewInsert().Model(rfq).Exec(ctx)
	return err
}

func (r *Repository) GetRFQ(ctx context.Context, db bun.IDB, tenantID string, id int64) (*entity.RFQ, error) {
	rfq := new(entity.RFQ)
	err := db.NewSelect().Model(rfq).
		Where("id = ?", id).
		Where("tenant_id = ?", tenantID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rfq, nil
}

func (r *Repository) UpdateRFQStatus(ctx context.Context, db bun.IDB, tenantID string, id int64, status string) error {
	return r.updateStatus(ctx, db, (*entity.RFQ)(nil), tenantID, id, status)
}

// --- awards ---

func (r *Repository) CreateAward(ctx context.Context, db bun.IDB, award *entity.Award) error {
	_, err := db.NewInsert().Model(award).Exec(ctx)
	return err
}

func (r *Repository) GetAward(ctx context.Context, db bun.IDB, tenantID string, id int64) (*entity.Award, error) {
	award := new(entity.Award)
	err := db.NewSelect().Model(award).
		Where("id = ?", id).
		Where("tenant_id = ?", tenantID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return award, nil
}

// ConvertAward flips an awarded award to converted_to_po and records the
// purchase order it produced. The conditional update enforces one purchase
// order per award even under concurrent conversion.
func (r *Repository) ConvertAward(ctx context.Context, db bun.IDB, tenantID string, awardID, purchaseOrderID int64) (bool, error) {
	res, err := db.NewUpdate().Model((*entity.Award)(nil)).
		Set("status = ?", statemachine.AwardConvertedToPO).
		Set("purchase_order_id = ?", purchaseOrderID).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", awardID).
		Where("tenant_id = ?", tenantID).
		Where("status = ?", statemachine.AwardAwarded).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// --- purchase orders ---

func (r *Repository) CreatePurchaseOrder(ctx context.Context, db bun.IDB, po *entity.PurchaseOrder) error {
	ctx, span := repoTracer.Start(ctx, "ProcurementRepository.CreatePurchaseOrder", trace.WithAttributes(
		attribute.String("tenant.id", po.TenantID),
	))
	defer span.End()

	if _, err := db.NewInsert().Model(po).Exec(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return err
	}
	return nil
}

func (r *Repository) GetPurchaseOrder(ctx context.Context, db bun.IDB, tenantID string, id int64) (*entity.PurchaseOrder, error) {
	po := new(entity.PurchaseOrder)
	err := db.NewSelect().Model(po).
		Where("id = ?", id).
		Where("tenant_id = ?", tenantID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return po, nil
}

func (r *Repository) GetPurchaseOrderByExternalID(ctx context.Context, db bun.IDB, tenantID, externalID string) (*entity.PurchaseOrder, error) {
	po := new(entity.PurchaseOrder)
	err := db.NewSelect().Model(po).
		Where("external_id = ?", externalID).
		Where("tenant_id = ?", tenantID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return po, nil
}

func (r *Repository) UpdatePurchaseOrderStatus(ctx context.Context, db bun.IDB, tenantID string, id int64, status string) error {
	return r.updateStatus(ctx, db, (*entity.PurchaseOrder)(nil), tenantID, id, status)
}

// MarkPurchaseOrderAccepted records the ERP-assigned external id together with
// the accepted status.
func (r *Repository) MarkPurchaseOrderAccepted(ctx context.Context, db bun.IDB, tenantID string, id int64, externalID, status string) error {
	_, err := db.NewUpdate().Model((*entity.PurchaseOrder)(nil)).
		Set("status = ?", status).
		Set("external_id = ?", externalID).
		Set("erp_last_error = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("tenant_id = ?", tenantID).
		Exec(ctx)
	return err
}

// MarkPurchaseOrderERPError moves the purchase order to erp_error and keeps
// the last failure message for operators.
func (r *Repository) MarkPurchaseOrderERPError(ctx context.Context, db bun.IDB, tenantID string, id int64, message string) error {
	_, err := db.NewUpdate().Model((*entity.PurchaseOrder)(nil)).
		Set("status = ?", statemachine.POERPError).
		Set("erp_last_error = ?", message).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("tenant_id = ?", tenantID).
		Exec(ctx)
	return err
}

// --- suppliers ---

func (r *Repository) GetSupplier(ctx context.Context, db bun.IDB, tenantID string, id int64) (*entity.Supplier, error) {
	s := new(entity.Supplier)
	err := db.NewSelect().Model(s).
		Where("id = ?", id).
		Where("tenant_id = ?", tenantID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Repository) UpsertSupplier(ctx context.Context, db bun.IDB, s *entity.Supplier) error {
	if s.ID == 0 {
		_, err := db.NewInsert().Model(s).Exec(ctx)
		return err
	}
	s.UpdatedAt = time.Now().UTC()
	_, err := db.NewUpdate().Model(s).WherePK().Exec(ctx)
	return err
}

// --- receipts ---

func (r *Repository) GetReceipt(ctx context.Context, db bun.IDB, tenantID string, id int64) (*entity.Receipt, error) {
	rec := new(entity.Receipt)
	err := db.NewSelect().Model(rec).
		Where("id = ?", id).
		Where("tenant_id = ?", tenantID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Repository) CreateReceipt(ctx context.Context, db bun.IDB, rec *entity.Receipt) error {
	_, err := db.NewInsert().Model(rec).Exec(ctx)
	return err
}

func (r *Repository) UpdateReceipt(ctx context.Context, db bun.IDB, rec *entity.Receipt) error {
	rec.UpdatedAt = time.Now().UTC()
	_, err := db.NewUpdate().Model(rec).WherePK().Exec(ctx)
	return err
}

// --- tenants ---

func (r *Repository) ListTenants(ctx context.Context) ([]*entity.Tenant, error) {
	var tenants []*entity.Tenant
	if err := r.reader.NewSelect().Model(&tenants).OrderExpr("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return tenants, nil
}

// --- status events ---

// AppendStatusEvent records one transition in the append-only audit trail.
func (r *Repository) AppendStatusEvent(ctx context.Context, db bun.IDB, ev *entity.StatusEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	_, err := db.NewInsert().Model(ev).Exec(ctx)
	return err
}

// ListStatusEvents returns the transition history for one entity, oldest first.
func (r *Repository) ListStatusEvents(ctx context.Context, tenantID string, kind statemachine.Kind, entityID int64) ([]*entity.StatusEvent, error) {
	var events []*entity.StatusEvent
	err := r.reader.NewSelect().Model(&events).
		Where("tenant_id = ?", tenantID).
		Where("entity = ?", kind).
		Where("entity_id = ?", entityID).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *Repository) updateStatus(ctx context.Context, db bun.IDB, model any, tenantID string, id int64, status string) error {
	res, err := db.NewUpdate().Model(model).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("tenant_id = ?", tenantID).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

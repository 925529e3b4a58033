package entity

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/procurehq/erpsync/internal/domain/statemachine"
)

// Tenant is the isolation boundary; every row in the system carries a tenant id.
type Tenant struct {
	bun.BaseModel `bun:"table:tenants"`

	ID        string    `bun:",pk"`
	Name      string    `bun:"name"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
}

// Supplier mirrors an ERP supplier record.
type Supplier struct {
	bun.BaseModel `bun:"table:suppliers"`

	ID         int64     `bun:",pk,autoincrement"`
	TenantID   string    `bun:"tenant_id,notnull"`
	Name       string    `bun:"name,notnull"`
	TaxID      string    `bun:"tax_id,nullzero"`
	ExternalID string    `bun:"external_id,nullzero"`
	CreatedAt  time.Time `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time `bun:"updated_at,nullzero"`
}

// PurchaseRequest is a locally owned request for goods; status moves through
// the purchase_request state machine.
type PurchaseRequest struct {
	bun.BaseModel `bun:"table:purchase_requests"`

	ID          int64     `bun:",pk,autoincrement"`
	TenantID    string    `bun:"tenant_id,notnull"`
	Number      string    `bun:"number"`
	Status      string    `bun:"status,notnull"`
	Priority    string    `bun:"priority,nullzero"`
	RequestedBy string    `bun:"requested_by,nullzero"`
	Department  string    `bun:"department,nullzero"`
	NeededAt    time.Time `bun:"needed_at,nullzero"`
	ExternalID  string    `bun:"external_id,nullzero"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time `bun:"updated_at,nullzero"`
}

// PurchaseRequestItem is a line on a purchase request.
type PurchaseRequestItem struct {
	bun.BaseModel `bun:"table:purchase_request_items"`

	ID                int64   `bun:",pk,autoincrement"`
	TenantID          string  `bun:"tenant_id,notnull"`
	PurchaseRequestID int64   `bun:"purchase_request_id,notnull"`
	LineNo            int     `bun:"line_no"`
	Description       string  `bun:"description,notnull"`
	Quantity          float64 `bun:"quantity"`
	UOM               string  `bun:"uom,nullzero"`
	Category          string  `bun:"category,nullzero"`
}

// RFQ is a request for quotation opened over purchase request items.
type RFQ struct {
	bun.BaseModel `bun:"table:rfqs"`

	ID                int64     `bun:",pk,autoincrement"`
	TenantID          string    `bun:"tenant_id,notnull"`
	Title             string    `bun:"title"`
	Status            string    `bun:"status,notnull"`
	PurchaseRequestID int64     `bun:"purchase_request_id,nullzero"`
	ExternalID        string    `bun:"external_id,nullzero"`
	CreatedAt         time.Time `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time `bun:"updated_at,nullzero"`
}

// Award records the sourcing decision for an RFQ.
type Award struct {
	bun.BaseModel `bun:"table:awards"`

	ID              int64     `bun:",pk,autoincrement"`
	TenantID        string    `bun:"tenant_id,notnull"`
	RFQID           int64     `bun:"rfq_id,notnull"`
	SupplierName    string    `bun:"supplier_name"`
	Status          string    `bun:"status,notnull"`
	Reason          string    `bun:"reason,nullzero"`
	PurchaseOrderID int64     `bun:"purchase_order_id,nullzero"`
	ExternalID      string    `bun:"external_id,nullzero"`
	CreatedAt       time.Time `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time `bun:"updated_at,nullzero"`
}

// PurchaseOrder is the outbound-dispatched entity; external_id is assigned by
// the ERP on acceptance.
type PurchaseOrder struct {
	bun.BaseModel `bun:"table:purchase_orders"`

	ID           int64     `bun:",pk,autoincrement"`
	TenantID     string    `bun:"tenant_id,notnull"`
	Number       string    `bun:"number"`
	AwardID      int64     `bun:"award_id,nullzero"`
	SupplierName string    `bun:"supplier_name"`
	Status       string    `bun:"status,notnull"`
	Currency     string    `bun:"currency,nullzero,default:'BRL'"`
	TotalAmount  float64   `bun:"total_amount"`
	ERPLastError string    `bun:"erp_last_error,nullzero"`
	ExternalID   string    `bun:"external_id,nullzero"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero"`
}

// Receipt mirrors an ERP goods receipt and advances the linked purchase order.
type Receipt struct {
	bun.BaseModel `bun:"table:receipts"`

	ID                      int64     `bun:",pk,autoincrement"`
	TenantID                string    `bun:"tenant_id,notnull"`
	ExternalID              string    `bun:"external_id,nullzero"`
	PurchaseOrderID         int64     `bun:"purchase_order_id,nullzero"`
	PurchaseOrderExternalID string    `bun:"purchase_order_external_id,nullzero"`
	Status                  string    `bun:"status,notnull"`
	ReceivedAt              time.Time `bun:"received_at,nullzero"`
	CreatedAt               time.Time `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt               time.Time `bun:"updated_at,nullzero"`
}

// StatusEvent is the append-only audit trail of entity transitions.
type StatusEvent struct {
	bun.BaseModel `bun:"table:status_events"`

	ID         int64             `bun:",pk,autoincrement"`
	TenantID   string            `bun:"tenant_id,notnull"`
	Entity     statemachine.Kind `bun:"entity,notnull"`
	EntityID   int64             `bun:"entity_id,notnull"`
	FromStatus string            `bun:"from_status,nullzero"`
	ToStatus   string            `bun:"to_status,notnull"`
	Reason     string            `bun:"reason,nullzero"`
	Actor      string            `bun:"actor,nullzero"`
	OccurredAt time.Time         `bun:"occurred_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
}

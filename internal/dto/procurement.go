package dto

import "time"

// PurchaseRequestResponse represents a purchase request over transport layers.
type PurchaseRequestResponse struct {
	ID          int64     `json:"id"`
	Number      string    `json:"number,omitempty"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"`
	Department  string    `json:"department,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RFQResponse represents a request for quotation.
type RFQResponse struct {
	ID                int64     `json:"id"`
	Title             string    `json:"title,omitempty"`
	Status            string    `json:"status"`
	PurchaseRequestID int64     `json:"purchase_request_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// AwardResponse represents a sourcing decision.
type AwardResponse struct {
	ID              int64     `json:"id"`
	RFQID           int64     `json:"rfq_id"`
	SupplierName    string    `json:"supplier_name"`
	Status          string    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	PurchaseOrderID int64     `json:"purchase_order_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// PurchaseOrderResponse represents a purchase order.
type PurchaseOrderResponse struct {
	ID           int64     `json:"id"`
	Number       string    `json:"number,omitempty"`
	AwardID      int64     `json:"award_id,omitempty"`
	SupplierName string    `json:"supplier_name,omitempty"`
	Status       string    `json:"status"`
	Currency     string    `json:"currency,omitempty"`
	TotalAmount  float64   `json:"total_amount"`
	ExternalID   string    `json:"external_id,omitempty"`
	ERPLastError string    `json:"erp_last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// ERPPush reports the queued dispatch of a purchase order.
type ERPPush struct {
	Status    string `json:"status"`
	SyncRunID int64  `json:"sync_run_id"`
}

// PushResponse is returned by the push endpoint with 202 Accepted.
type PushResponse struct {
	PurchaseOrderID int64   `json:"purchase_order_id"`
	ERPPush         ERPPush `json:"erp_push"`
}

// SyncRunResponse represents one ledger row.
type SyncRunResponse struct {
	ID              int64      `json:"id"`
	System          string     `json:"system"`
	Scope           string     `json:"scope"`
	Status          string     `json:"status"`
	Attempt         int        `json:"attempt"`
	ParentRunID     int64      `json:"parent_sync_run_id,omitempty"`
	PurchaseOrderID int64      `json:"purchase_order_id,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	DurationMS      int64      `json:"duration_ms,omitempty"`
	RecordsIn       int        `json:"records_in"`
	RecordsUpserted int        `json:"records_upserted"`
	RecordsFailed   int        `json:"records_failed"`
	ErrorSummary    string     `json:"error_summary,omitempty"`
}

// StatusEventResponse represents one audit-trail entry.
type StatusEventResponse struct {
	ID         int64     `json:"id"`
	Entity     string    `json:"entity"`
	EntityID   int64     `json:"entity_id"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

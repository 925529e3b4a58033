package entity

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/procurehq/erpsync/internal/domain/statemachine"
)

// Sync run statuses. A queued or retryable-failed row is exactly the outbox
// worker's backlog; succeeded/failed/cancelled rows are the audit trail.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Watermark is the persisted incremental cursor per (tenant, system, kind).
// It only ever advances in (SourceUpdatedAt, SourceID) lexicographic order.
type Watermark struct {
	bun.BaseModel `bun:"table:integration_watermarks"`

	TenantID        string            `bun:"tenant_id,pk"`
	System          string            `bun:"system,pk"`
	Entity          statemachine.Kind `bun:"entity,pk"`
	SourceUpdatedAt time.Time         `bun:"last_success_source_updated_at,nullzero"`
	SourceID        string            `bun:"last_success_source_id,nullzero"`
	Cursor          string            `bun:"last_success_cursor,nullzero"`
	LastSuccessAt   time.Time         `bun:"last_success_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time         `bun:"updated_at,nullzero"`
}

// Before reports whether the watermark position is strictly before the given
// composite (sourceUpdatedAt, sourceID) position.
func (w *Watermark) Before(sourceUpdatedAt time.Time, sourceID string) bool {
	if w.SourceUpdatedAt.Before(sourceUpdatedAt) {
		return true
	}
	if w.SourceUpdatedAt.Equal(sourceUpdatedAt) {
		return w.SourceID < sourceID
	}
	return false
}

// SyncRun is one reconciliation attempt: an inbound pull batch or a single
// outbound purchase-order push.
type SyncRun struct {
	bun.BaseModel `bun:"table:sync_runs"`

	ID              int64             `bun:",pk,autoincrement"`
	TenantID        string            `bun:"tenant_id,notnull"`
	System          string            `bun:"system,notnull"`
	Scope           statemachine.Kind `bun:"scope,notnull"`
	Status          string            `bun:"status,notnull"`
	Attempt         int               `bun:"attempt,notnull"`
	ParentRunID     int64             `bun:"parent_sync_run_id,nullzero"`
	PurchaseOrderID int64             `bun:"purchase_order_id,nullzero"`
	NextAttemptAt   time.Time         `bun:"next_attempt_at,nullzero"`
	StartedAt       time.Time         `bun:"started_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	FinishedAt      time.Time         `bun:"finished_at,nullzero"`
	DurationMS      int64             `bun:"duration_ms,nullzero"`
	RecordsIn       int               `bun:"records_in,notnull,default:0"`
	RecordsUpserted int               `bun:"records_upserted,notnull,default:0"`
	RecordsFailed   int               `bun:"records_failed,notnull,default:0"`
	ErrorSummary    string            `bun:"error_summary,nullzero"`
	ErrorDetails    string            `bun:"error_details,nullzero"`
}

// Terminal reports whether the run reached a final state.
func (r *SyncRun) Terminal() bool {
	switch r.Status {
	case RunSucceeded, RunCancelled:
		return true
	case RunFailed:
		return true
	default:
		return false
	}
}

// IdentityMapping is the durable bijection between ERP identifiers and local
// entity ids per tenant and kind. Rows are created on first upsert and never
// deleted.
type IdentityMapping struct {
	bun.BaseModel `bun:"table:identity_mappings"`

	ID         int64             `bun:",pk,autoincrement"`
	TenantID   string            `bun:"tenant_id,notnull,unique:uq_identity_external"`
	System     string            `bun:"system,notnull,unique:uq_identity_external"`
	Entity     statemachine.Kind `bun:"entity,notnull,unique:uq_identity_external"`
	ExternalID string            `bun:"external_id,notnull,unique:uq_identity_external"`
	LocalID    int64             `bun:"local_id,notnull"`
	CreatedAt  time.Time         `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
}

package erp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/procurehq/erpsync/internal/domain/statemachine"
	"github.com/procurehq/erpsync/internal/entity"
)

// Record is one changed row reported by the ERP for an entity kind. The
// puller orders batches by (UpdatedAt, ExternalID) before applying them.
type Record struct {
	ExternalID string
	UpdatedAt  time.Time
	Status     string
	Payload    map[string]any
}

// Page is a batch of changed records plus the opaque cursor the ERP handed
// back, if it paginates that way.
type Page struct {
	Records []Record
	Cursor  string
}

// PushResult is the ERP's answer to a purchase-order submission.
type PushResult struct {
	ExternalID string
	Status     string
}

// IntegrationError classifies an ERP failure. Transient errors are retried
// with backoff; permanent errors dead-letter the run immediately.
type IntegrationError struct {
	Op        string
	Transient bool
	Status    int
	Message   string
	Err       error
}

func (e *IntegrationError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Status > 0 {
		return fmt.Sprintf("erp %s: %s failure (http %d): %s", e.Op, kind, e.Status, e.Message)
	}
	return fmt.Sprintf("erp %s: %s failure: %s", e.Op, kind, e.Message)
}

func (e *IntegrationError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether the error is a retryable integration failure.
// Unclassified errors count as transient so an unexpected failure mode never
// burns a purchase order into erp_error without retries.
func IsTransient(err error) bool {
	var ie *IntegrationError
	if errors.As(err, &ie) {
		return ie.Transient
	}
	return true
}

// Client is the boundary to the external system of record. Implementations
// must be safe for concurrent use; the puller and the outbox worker share one.
type Client interface {
	// FetchChanged returns records of the given kind changed since the
	// watermark position, oldest first, up to limit.
	FetchChanged(ctx context.Context, tenantID string, kind statemachine.Kind, since *entity.Watermark, limit int) (*Page, error)

	// SubmitPurchaseOrder pushes one purchase order and returns the ERP's
	// assigned external id and status.
	SubmitPurchaseOrder(ctx context.Context, tenantID string, po *entity.PurchaseOrder) (*PushResult, error)
}

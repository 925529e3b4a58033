package erp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/procurehq/erpsync/internal/domain/statemachine"
	"github.com/procurehq/erpsync/internal/entity"
)

// MockClient is a deterministic in-memory ERP used in mock mode and in tests.
// It serves a small fixed change feed per kind and accepts every submitted
// purchase order, assigning sequential external ids.
type MockClient struct {
	mu      sync.Mutex
	nextID  int
	pending map[statemachine.Kind][]Record
}

// NewMockClient seeds the mock with a handful of supplier and receipt changes
// so a freshly started puller has something to reconcile.
func NewMockClient() *MockClient {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &MockClient{
		nextID: 9000,
		pending: map[statemachine.Kind][]Record{
			statemachine.KindSupplier: {
				{
					ExternalID: "SUP-001",
					UpdatedAt:  base,
					Payload:    map[string]any{"name": "Acme Industrial", "tax_id": "12.345.678/0001-00"},
				},
				{
					ExternalID: "SUP-002",
					UpdatedAt:  base.Add(time.Minute),
					Payload:    map[string]any{"name": "Borealis Metals", "tax_id": "98.765.432/0001-00"},
				},
			},
		},
	}
}

// Enqueue appends records to the mock change feed. Tests use this to stage
// inbound batches.
func (m *MockClient) Enqueue(kind statemachine.Kind, records ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[kind] = append(m.pending[kind], records...)
}

// FetchChanged returns staged records strictly after the watermark position,
// oldest first.
func (m *MockClient) FetchChanged(_ context.Context, _ string, kind statemachine.Kind, since *entity.Watermark, limit int) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	page := &Page{}
	for _, rec := range m.pending[kind] {
		if since != nil && !since.SourceUpdatedAt.IsZero() && !since.Before(rec.UpdatedAt, rec.ExternalID) {
			continue
		}
		page.Records = append(page.Records, rec)
		if len(page.Records) >= limit {
			break
		}
	}
	return page, nil
}

// SubmitPurchaseOrder accepts the order and hands back a generated id.
func (m *MockClient) SubmitPurchaseOrder(_ context.Context, _ string, po *entity.PurchaseOrder) (*PushResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	return &PushResult{
		ExternalID: fmt.Sprintf("ERP-PO-%d", m.nextID),
		Status:     "accepted",
	}, nil
}

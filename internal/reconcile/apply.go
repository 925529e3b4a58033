package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/procurehq/erpsync/internal/domain/statemachine"
	"github.com/procurehq/erpsync/internal/entity"
	"github.com/procurehq/erpsync/internal/erp"
)

const reasonImported = "imported"
const reasonReconciled = "reconciled"

func syncActor(kind statemachine.Kind) string {
	return "sync:" + string(kind)
}

func (e *Engine) applySupplier(ctx context.Context, tx bun.Tx, tenantID string, rec erp.Record) error {
	mapping, err := e.identities.Lookup(ctx, tx, tenantID, e.system, statemachine.KindSupplier, rec.ExternalID)
	if err != nil {
		return err
	}

	if mapping != nil {
		s, err := e.entities.GetSupplier(ctx, tx, tenantID, mapping.LocalID)
		if err != nil {
			return err
		}
		s.Name = payloadString(rec.Payload, "name", s.Name)
		s.TaxID = payloadString(rec.Payload, "tax_id", s.TaxID)
		return e.entities.UpsertSupplier(ctx, tx, s)
	}

	s := &entity.Supplier{
		TenantID:   tenantID,
		Name:       payloadString(rec.Payload, "name", rec.ExternalID),
		TaxID:      payloadString(rec.Payload, "tax_id", ""),
		ExternalID: rec.ExternalID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.entities.UpsertSupplier(ctx, tx, s); err != nil {
		return err
	}
	_, err = e.identities.Bind(ctx, tx, &entity.IdentityMapping{
		TenantID:   tenantID,
		System:     e.system,
		Entity:     statemachine.KindSupplier,
		ExternalID: rec.ExternalID,
		LocalID:    s.ID,
	})
	return err
}

func (e *Engine) applyPurchaseRequest(ctx context.Context, tx bun.Tx, tenantID string, rec erp.Record) error {
	mapping, err := e.identities.Lookup(ctx, tx, tenantID, e.system, statemachine.KindPurchaseRequest, rec.ExternalID)
	if err != nil {
		return err
	}

	if mapping != nil {
		pr, err := e.entities.GetPurchaseRequest(ctx, tx, tenantID, mapping.LocalID)
		if err != nil {
			return err
		}
		return e.gatedStatus(ctx, tx, tenantID, statemachine.KindPurchaseRequest, pr.ID, pr.Status, rec.Status)
	}

	status := rec.Status
	if status == "" {
		status = statemachine.Initial(statemachine.KindPurchaseRequest)
	}
	pr := &entity.PurchaseRequest{
		TenantID:    tenantID,
		Number:      payloadString(rec.Payload, "number", rec.ExternalID),
		Status:      status,
		RequestedBy: payloadString(rec.Payload, "requested_by", ""),
		Department:  payloadString(rec.Payload, "department", ""),
		ExternalID:  rec.ExternalID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.entities.CreatePurchaseRequest(ctx, tx, pr, nil); err != nil {
		return err
	}
	if _, err := e.identities.Bind(ctx, tx, &entity.IdentityMapping{
		TenantID:   tenantID,
		System:     e.system,
		Entity:     statemachine.KindPurchaseRequest,
		ExternalID: rec.ExternalID,
		LocalID:    pr.ID,
	}); err != nil {
		return err
	}
	return e.entities.AppendStatusEvent(ctx, tx, &entity.StatusEvent{
		TenantID: tenantID,
		Entity:   statemachine.KindPurchaseRequest,
		EntityID: pr.ID,
		ToStatus: pr.Status,
		Reason:   reasonImported,
		Actor:    syncActor(statemachine.KindPurchaseRequest),
	})
}

func (e *Engine) applyPurchaseOrder(ctx context.Context, tx bun.Tx, tenantID string, rec erp.Record) error {
	mapping, err := e.identities.Lookup(ctx, tx, tenantID, e.system, statemachine.KindPurchaseOrder, rec.ExternalID)
	if err != nil {
		return err
	}

	if mapping != nil {
		po, err := e.entities.GetPurchaseOrder(ctx, tx, tenantID, mapping.LocalID)
		if err != nil {
			return err
		}
		return e.gatedStatus(ctx, tx, tenantID, statemachine.KindPurchaseOrder, po.ID, po.Status, rec.Status)
	}

	// ERP-originated order never seen locally: import it as-is.
	status := rec.Status
	if status == "" {
		status = statemachine.POERPAccepted
	}
	po := &entity.PurchaseOrder{
		TenantID:     tenantID,
		Number:       payloadString(rec.Payload, "number", rec.ExternalID),
		SupplierName: payloadString(rec.Payload, "supplier", ""),
		Status:       status,
		Currency:     payloadString(rec.Payload, "currency", "BRL"),
		TotalAmount:  payloadFloat(rec.Payload, "total_amount"),
		ExternalID:   rec.ExternalID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.entities.CreatePurchaseOrder(ctx, tx, po); err != nil {
		return err
	}
	if _, err := e.identities.Bind(ctx, tx, &entity.IdentityMapping{
		TenantID:   tenantID,
		System:     e.system,
		Entity:     statemachine.KindPurchaseOrder,
		ExternalID: rec.ExternalID,
		LocalID:    po.ID,
	}); err != nil {
		return err
	}
	return e.entities.AppendStatusEvent(ctx, tx, &entity.StatusEvent{
		TenantID: tenantID,
		Entity:   statemachine.KindPurchaseOrder,
		EntityID: po.ID,
		ToStatus: po.Status,
		Reason:   reasonImported,
		Actor:    syncActor(statemachine.KindPurchaseOrder),
	})
}

func (e *Engine) applyReceipt(ctx context.Context, tx bun.Tx, tenantID string, rec erp.Record) error {
	poExternalID := payloadString(rec.Payload, "purchase_order_id", "")
	status := rec.Status
	if status == "" {
		status = statemachine.ReceiptReceived
	}

	mapping, err := e.identities.Lookup(ctx, tx, tenantID, e.system, statemachine.KindReceipt, rec.ExternalID)
	if err != nil {
		return err
	}

	var receipt *entity.Receipt
	if mapping != nil {
		receipt, err = e.entities.GetReceipt(ctx, tx, tenantID, mapping.LocalID)
		if err != nil {
			return err
		}
		if receipt.Status != status {
			if err := statemachine.Validate(statemachine.KindReceipt, receipt.Status, status); err != nil {
				return err
			}
			receipt.Status = status
		}
		receipt.ReceivedAt = payloadTime(rec.Payload, "received_at", receipt.ReceivedAt)
		if err := e.entities.UpdateReceipt(ctx, tx, receipt); err != nil {
			return err
		}
	} else {
		receipt = &entity.Receipt{
			TenantID:                tenantID,
			ExternalID:              rec.ExternalID,
			PurchaseOrderExternalID: poExternalID,
			Status:                  status,
			ReceivedAt:              payloadTime(rec.Payload, "received_at", rec.UpdatedAt),
			CreatedAt:               time.Now().UTC(),
		}
		if err := e.entities.CreateReceipt(ctx, tx, receipt); err != nil {
			return err
		}
		if _, err := e.identities.Bind(ctx, tx, &entity.IdentityMapping{
			TenantID:   tenantID,
			System:     e.system,
			Entity:     statemachine.KindReceipt,
			ExternalID: rec.ExternalID,
			LocalID:    receipt.ID,
		}); err != nil {
			return err
		}
	}

	if poExternalID == "" {
		poExternalID = receipt.PurchaseOrderExternalID
	}
	if poExternalID == "" {
		return nil
	}

	// A receipt drags its purchase order along: partially received or fully
	// received, gated by the purchase-order machine.
	po, err := e.entities.GetPurchaseOrderByExternalID(ctx, tx, tenantID, poExternalID)
	if err != nil {
		return fmt.Errorf("receipt %s references unknown purchase order %s: %w", rec.ExternalID, poExternalID, err)
	}
	var poStatus string
	switch status {
	case statemachine.ReceiptPartiallyReceived:
		poStatus = statemachine.POPartiallyReceived
	case statemachine.ReceiptReceived:
		poStatus = statemachine.POReceived
	default:
		return fmt.Errorf("receipt %s carries unknown status %q", rec.ExternalID, status)
	}
	if receipt.PurchaseOrderID == 0 && po != nil {
		receipt.PurchaseOrderID = po.ID
		if err := e.entities.UpdateReceipt(ctx, tx, receipt); err != nil {
			return err
		}
	}
	return e.gatedStatus(ctx, tx, tenantID, statemachine.KindPurchaseOrder, po.ID, po.Status, poStatus)
}

// gatedStatus validates a reported status against the machine and applies it
// with an audit event. Identical status is a no-op with no duplicate event.
func (e *Engine) gatedStatus(ctx context.Context, tx bun.Tx, tenantID string, kind statemachine.Kind, id int64, from, to string) error {
	if to == "" || from == to {
		return nil
	}
	if err := statemachine.Validate(kind, from, to); err != nil {
		return err
	}
	var err error
	switch kind {
	case statemachine.KindPurchaseRequest:
		err = e.entities.UpdatePurchaseRequestStatus(ctx, tx, tenantID, id, to)
	case statemachine.KindPurchaseOrder:
		err = e.entities.UpdatePurchaseOrderStatus(ctx, tx, tenantID, id, to)
	case statemachine.KindRFQ:
		err = e.entities.UpdateRFQStatus(ctx, tx, tenantID, id, to)
	default:
		err = fmt.Errorf("no status column for kind %s", kind)
	}
	if err != nil {
		return err
	}
	return e.entities.AppendStatusEvent(ctx, tx, &entity.StatusEvent{
		TenantID:   tenantID,
		Entity:     kind,
		EntityID:   id,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reasonReconciled,
		Actor:      syncActor(kind),
	})
}

func payloadString(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func payloadFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func payloadTime(m map[string]any, key string, fallback time.Time) time.Time {
	switch v := m[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return fallback
}

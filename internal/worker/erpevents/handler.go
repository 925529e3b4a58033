package erpevents

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/procurehq/erpsync/internal/config"
	"github.com/procurehq/erpsync/internal/messaging"
	"github.com/procurehq/erpsync/internal/worker"
)

var workerTracer = otel.Tracer("github.com/procurehq/erpsync/worker/erpevents")

// Event is the envelope published on the erp events topic by the flow
// service and the outbox worker.
type Event struct {
	Type       string    `json:"type"`
	TenantID   string    `json:"tenant_id"`
	EntityID   int64     `json:"entity_id"`
	SyncRunID  int64     `json:"sync_run_id"`
	ExternalID string    `json:"external_id"`
	Error      string    `json:"error"`
	At         time.Time `json:"at"`
}

// Module registers the erp event consumer.
var Module = fx.Module("worker_erpevents",
	fx.Provide(
		fx.Annotate(
			NewEventHandler,
			fx.ResultTags(`group:"worker.handlers"`),
		),
	),
)

// NewEventHandler consumes push lifecycle events and logs them for operators.
// Rejected pushes log at error level so they surface in alerting.
func NewEventHandler(logger *zap.Logger, cfg config.Config) worker.HandlerRegistration {
	handler := func(ctx context.Context, msg messaging.Message) error {
		ctx, span := workerTracer.Start(ctx, "worker.erpevents.process", trace.WithAttributes(
			attribute.String("messaging.topic", msg.Topic),
		))
		defer span.End()

		var event Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.Error("failed to decode erp event", zap.Error(err))

			span.RecordError(err)
			span.SetStatus(codes.Error, "decode error")
			return err
		}

		fields := []zap.Field{
			zap.String("type", event.Type),
			zap.String("tenant_id", event.TenantID),
			zap.Int64("entity_id", event.EntityID),
			zap.Int64("sync_run_id", event.SyncRunID),
		}
		switch event.Type {
		case "purchase_order.erp_rejected":
			logger.Error("purchase order rejected by erp", append(fields, zap.String("error", event.Error))...)
		case "purchase_order.erp_accepted":
			logger.Info("purchase order accepted by erp", append(fields, zap.String("external_id", event.ExternalID))...)
		default:
			logger.Info("erp event processed", fields...)
		}

		return nil
	}

	return worker.HandlerRegistration{
		Topic:   cfg.Messaging.Kafka.Topic,
		Handler: handler,
	}
}

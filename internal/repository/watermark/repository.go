package watermark

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

var repoTracer = otel.Tracer("github.com/procurehq/erpsync/repository/watermark")

// ErrConflict is returned when the stored watermark has already advanced past
// the requested position. The caller simply yields; the newer watermark wins.
var ErrConflict = errors.New("watermark already advanced")

// Repository persists incremental sync cursors per (tenant, system, entity).
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

// Read returns the watermark for the given scope, or nil when the scope has
// never completed a successful sync.
func (r *Repository) Read(ctx context.Context, tenantID, system string, kind statemachine.Kind) (*entity.Watermark, error) {
	ctx, span := repoTracer.Start(ctx, "WatermarkRepository.Read", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("sync.entity", string(kind)),
	))
	defer span.End()

	wm := new(entity.Watermark)
	err := r.reader.NewSelect().Model(wm).
		Where("tenant_id = ?", tenantID).
		Where("system = ?", system).
		Where("entity = ?", kind).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return wm, nil
}

// Advance moves the watermark forward to the given position using a
// compare-and-set on the composite (source_updated_at, source_id) order.
// It returns ErrConflict when the stored watermark is already past the new
// position, so a stale or concurrently running puller can never regress it.
// Callers invoke Advance inside the same transaction that marks the sync run
// succeeded.
func (r *Repository) Advance(ctx context.Context, db bun.IDB, wm *entity.Watermark) error {
	ctx, span := repoTracer.Start(ctx, "WatermarkRepository.Advance", trace.WithAttributes(
		attribute.String("tenant.id", wm.TenantID),
		attribute.String("sync.entity", string(wm.Entity)),
		attribute.String("sync.source_id", wm.SourceID),
	))
	defer span.End()

	now := time.Now().UTC()
	res, err := db.NewUpdate().Model((*entity.Watermark)(nil)).
		Set("last_success_source_updated_at = ?", wm.SourceUpdatedAt).
		Set("last_success_source_id = ?", wm.SourceID).
		Set("last_success_cursor = ?", wm.Cursor).
		Set("last_success_at = ?", now).
		Set("updated_at = ?", now).
		Where("tenant_id = ?", wm.TenantID).
		Where("system = ?", wm.System).
		Where("entity = ?", wm.Entity).
		Where("(last_success_source_updated_at < ? OR (last_success_source_updated_at = ? AND last_success_source_id < ?))",
			wm.SourceUpdatedAt, wm.SourceUpdatedAt, wm.SourceID).
		Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}

	// No row moved: either the scope has no watermark yet, the stored one is
	// equal (no-op), or it is already ahead (conflict).
	existing := new(entity.Watermark)
	err = db.NewSelect().Model(existing).
		Where("tenant_id = ?", wm.TenantID).
		Where("system = ?", wm.System).
		Where("entity = ?", wm.Entity).
		Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		wm.LastSuccessAt = now
		insert, insErr := db.NewInsert().Model(wm).
			On("CONFLICT (tenant_id, system, entity) DO NOTHING").
			Exec(ctx)
		if insErr != nil {
			span.RecordError(insErr)
			span.SetStatus(codes.Error, "insert failed")
			return insErr
		}
		if affected, _ := insert.RowsAffected(); affected == 0 {
			span.SetStatus(codes.Error, "lost insert race")
			return ErrConflict
		}
		return nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "reload failed")
		return err
	}

	if existing.SourceUpdatedAt.Equal(wm.SourceUpdatedAt) && existing.SourceID == wm.SourceID {
		return nil
	}
	span.SetStatus(codes.Error, "stale advance")
	return ErrConflict
}

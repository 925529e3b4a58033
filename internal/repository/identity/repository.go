package identity

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/procurehq/erpsync/internal/database"
	"github.com/procurehq/erpsync/internal/domain/statemachine"
	"github.com/procurehq/erpsync/internal/entity"
)

var repoTracer = otel.Tracer("github.com/procurehq/erpsync/repository/identity")

// Repository maintains the durable mapping between ERP identifiers and local
// ids. The mapping is append-only: once an external id binds to a local id the
// pair never changes, which is what makes inbound upserts idempotent.
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

// Lookup resolves an external id to its mapping, or nil when unmapped.
func (r *Repository) Lookup(ctx context.Context, db bun.IDB, tenantID, system string, kind statemachine.Kind, externalID string) (*entity.IdentityMapping, error) {
	m := new(entity.IdentityMapping)
	err := db.NewSelect().Model(m).
		Where("tenant_id = ?", tenantID).
		Where("system = ?", system).
		Where("entity = ?", kind).
		Where("external_id = ?", externalID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// LookupByLocal resolves a local id to its mapping, or nil when the entity has
// never been bound to an external id.
func (r *Repository) LookupByLocal(ctx context.Context, db bun.IDB, tenantID, system string, kind statemachine.Kind, localID int64) (*entity.IdentityMapping, error) {
	m := new(entity.IdentityMapping)
	err := db.NewSelect().Model(m).
		Where("tenant_id = ?", tenantID).
		Where("system = ?", system).
		Where("entity = ?", kind).
		Where("local_id = ?", localID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Bind records the (external id, local id) pair. A concurrent bind of the same
// external id is resolved by re-reading the winner, so both callers end up
// holding the same mapping.
func (r *Repository) Bind(ctx context.Context, db bun.IDB, m *entity.IdentityMapping) (*entity.IdentityMapping, error) {
	ctx, span := repoTracer.Start(ctx, "IdentityRepository.Bind", trace.WithAttributes(
		attribute.String("tenant.id", m.TenantID),
		attribute.String("sync.entity", string(m.Entity)),
		attribute.String("sync.external_id", m.ExternalID),
	))
	defer span.End()

	res, err := db.NewInsert().Model(m).
		On("CONFLICT (tenant_id, system, entity, external_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return m, nil
	}

	winner, err := r.Lookup(ctx, db, m.TenantID, m.System, m.Entity, m.ExternalID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if winner == nil {
		return nil, errors.New("identity mapping vanished after conflict")
	}
	return winner, nil
}

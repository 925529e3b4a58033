package seeder

import (
	"context"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/procurehq/erpsync/internal/database"
	"github.com/procurehq/erpsync/internal/domain/statemachine"
	"github.com/procurehq/erpsync/internal/entity"
)

// Module provides the seeder to Fx.
var Module = fx.Provide(New)

// Seeder performs database seeding for local/dev setups.
type Seeder struct {
	db     *bun.DB
	logger *zap.Logger
}

// New constructs a Seeder backed by the primary database connection.
func New(conns *database.Connections, logger *zap.Logger) *Seeder {
	return &Seeder{db: conns.Writer, logger: logger}
}

// Tenants seeds the demo tenants if they are missing.
func (s *Seeder) Tenants(ctx context.Context) error {
	now := time.Now().UTC()
	samples := []entity.Tenant{
		{ID: "acme", Name: "Acme Manufacturing", CreatedAt: now},
		{ID: "borealis", Name: "Borealis Logistics", CreatedAt: now},
	}

	for _, sample := range samples {
		tenant := sample
		_, err := s.db.NewInsert().Model(&tenant).
			On("CONFLICT (id) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return err
		}
	}

	s.logger.Info("seeded tenants", zap.Int("count", len(samples)))
	return nil
}

// Demo seeds one purchase request with items for the acme tenant so the flow
// endpoints have something to work with.
func (s *Seeder) Demo(ctx context.Context) error {
	if err := s.Tenants(ctx); err != nil {
		return err
	}

	count, err := s.db.NewSelect().Model((*entity.PurchaseRequest)(nil)).
		Where("tenant_id = ?", "acme").
		Count(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		s.logger.Info("demo data already present; skipping")
		return nil
	}

	now := time.Now().UTC()
	pr := &entity.PurchaseRequest{
		TenantID:    "acme",
		Number:      "PR-1000",
		Status:      statemachine.Initial(statemachine.KindPurchaseRequest),
		Priority:    "normal",
		RequestedBy: "maria.santos",
		Department:  "maintenance",
		CreatedAt:   now,
	}
	if _, err := s.db.NewInsert().Model(pr).Exec(ctx); err != nil {
		return err
	}

	items := []*entity.PurchaseRequestItem{
		{TenantID: "acme", PurchaseRequestID: pr.ID, LineNo: 1, Description: "Bearing 6204-2RS", Quantity: 40, UOM: "unit", Category: "mechanical"},
		{TenantID: "acme", PurchaseRequestID: pr.ID, LineNo: 2, Description: "Hydraulic oil ISO 68", Quantity: 200, UOM: "liter", Category: "fluids"},
	}
	if _, err := s.db.NewInsert().Model(&items).Exec(ctx); err != nil {
		return err
	}

	s.logger.Info("seeded demo purchase request",
		zap.String("tenant_id", pr.TenantID),
		zap.Int64("purchase_request_id", pr.ID),
	)
	return nil
}

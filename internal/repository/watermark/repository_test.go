package watermark

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/procurehq/erpsync/internal/database"
	"github.com/procurehq/erpsync/internal/domain/statemachine"
	"github.com/procurehq/erpsync/internal/entity"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	sqldb, err := sql.Open("sqlite3", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.NewCreateTable().Model((*entity.Watermark)(nil)).Exec(context.Background())
	require.NoError(t, err)

	return NewRepository(&database.Connections{Writer: db, Reader: db})
}

func TestReadMissingReturnsNil(t *testing.T) {
	repo := newTestRepo(t)

	wm, err := repo.Read(context.Background(), "acme", "senior", statemachine.KindSupplier)
	require.NoError(t, err)
	assert.Nil(t, wm)
}

func TestAdvanceInsertsAndMovesForward(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	first := &entity.Watermark{
		TenantID:        "acme",
		System:          "senior",
		Entity:          statemachine.KindSupplier,
		SourceUpdatedAt: base,
		SourceID:        "SUP-001",
	}
	require.NoError(t, repo.Advance(ctx, repo.writer, first))

	stored, err := repo.Read(ctx, "acme", "senior", statemachine.KindSupplier)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "SUP-001", stored.SourceID)

	second := &entity.Watermark{
		TenantID:        "acme",
		System:          "senior",
		Entity:          statemachine.KindSupplier,
		SourceUpdatedAt: base.Add(time.Minute),
		SourceID:        "SUP-002",
	}
	require.NoError(t, repo.Advance(ctx, repo.writer, second))

	stored, err = repo.Read(ctx, "acme", "senior", statemachine.KindSupplier)
	require.NoError(t, err)
	assert.Equal(t, "SUP-002", stored.SourceID)
	assert.True(t, stored.SourceUpdatedAt.Equal(base.Add(time.Minute)))
}

func TestAdvanceTieBreaksOnSourceID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Advance(ctx, repo.writer, &entity.Watermark{
		TenantID: "acme", System: "senior", Entity: statemachine.KindSupplier,
		SourceUpdatedAt: base, SourceID: "SUP-001",
	}))

	// Same timestamp, higher id moves forward.
	require.NoError(t, repo.Advance(ctx, repo.writer, &entity.Watermark{
		TenantID: "acme", System: "senior", Entity: statemachine.KindSupplier,
		SourceUpdatedAt: base, SourceID: "SUP-002",
	}))

	// Same timestamp, lower id is stale.
	err := repo.Advance(ctx, repo.writer, &entity.Watermark{
		TenantID: "acme", System: "senior", Entity: statemachine.KindSupplier,
		SourceUpdatedAt: base, SourceID: "SUP-001",
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAdvanceRejectsRegression(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Advance(ctx, repo.writer, &entity.Watermark{
		TenantID: "acme", System: "senior", Entity: statemachine.KindReceipt,
		SourceUpdatedAt: base.Add(time.Hour), SourceID: "REC-100",
	}))

	err := repo.Advance(ctx, repo.writer, &entity.Watermark{
		TenantID: "acme", System: "senior", Entity: statemachine.KindReceipt,
		SourceUpdatedAt: base, SourceID: "REC-050",
	})
	assert.ErrorIs(t, err, ErrConflict)

	stored, err := repo.Read(ctx, "acme", "senior", statemachine.KindReceipt)
	require.NoError(t, err)
	assert.Equal(t, "REC-100", stored.SourceID)
}

func TestAdvanceEqualPositionIsNoOp(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	wm := &entity.Watermark{
		TenantID: "acme", System: "senior", Entity: statemachine.KindSupplier,
		SourceUpdatedAt: base, SourceID: "SUP-001",
	}
	require.NoError(t, repo.Advance(ctx, repo.writer, wm))
	require.NoError(t, repo.Advance(ctx, repo.writer, wm))
}

func TestWatermarksAreScopedPerTenantAndKind(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Advance(ctx, repo.writer, &entity.Watermark{
		TenantID: "acme", System: "senior", Entity: statemachine.KindSupplier,
		SourceUpdatedAt: base, SourceID: "SUP-001",
	}))
	require.NoError(t, repo.Advance(ctx, repo.writer, &entity.Watermark{
		TenantID: "borealis", System: "senior", Entity: statemachine.KindSupplier,
		SourceUpdatedAt: base.Add(-time.Hour), SourceID: "SUP-900",
	}))

	acme, err := repo.Read(ctx, "acme", "senior", statemachine.KindSupplier)
	require.NoError(t, err)
	borealis, err := repo.Read(ctx, "borealis", "senior", statemachine.KindSupplier)
	require.NoError(t, err)
	assert.Equal(t, "SUP-001", acme.SourceID)
	assert.Equal(t, "SUP-900", borealis.SourceID)
}

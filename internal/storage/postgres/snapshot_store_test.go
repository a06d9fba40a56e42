package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xrpl-amm-collector/internal/domain"
	"xrpl-amm-collector/internal/storage"
)

func makeSnapshot(pool string, ledger int64, xrpReserve string) *domain.AMMSnapshot {
	s := &domain.AMMSnapshot{
		AMMAccount:      pool,
		LedgerIndex:     ledger,
		Timestamp:       time.Unix(1700000000+ledger, 0).UTC(),
		Asset1Currency:  "USD",
		Asset1Issuer:    "rIssuer",
		Asset1Amount:    decimal.RequireFromString("500"),
		Asset2Currency:  "XRP",
		Asset2Amount:    decimal.RequireFromString(xrpReserve),
		LPTokenCurrency: "039C99CD9AB0B70B32ECDA51EAAE471625608EA2",
		LPTokenSupply:   decimal.RequireFromString("700"),
		TradingFee:      500,
		Reason:          domain.CaptureTransaction,
	}
	s.ComputeDerived()
	return s
}

func TestAMMSnapshotStore_UpsertAndGetLatest(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewAMMSnapshotStore(pool)

	require.NoError(t, store.Upsert(ctx, makeSnapshot("rPool", 100, "1000")))
	require.NoError(t, store.Upsert(ctx, makeSnapshot("rPool", 105, "1100")))

	latest, err := store.GetLatest(ctx, "rPool")
	require.NoError(t, err)
	assert.Equal(t, int64(105), latest.LedgerIndex)
	assert.True(t, latest.Asset2Amount.Equal(decimal.RequireFromString("1100")))
	assert.Equal(t, domain.CaptureTransaction, latest.Reason)
	assert.Equal(t, int32(500), latest.TradingFee)
}

func TestAMMSnapshotStore_UpsertSameLedgerLastWriteWins(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewAMMSnapshotStore(pool)

	require.NoError(t, store.Upsert(ctx, makeSnapshot("rPool", 100, "1000")))
	require.NoError(t, store.Upsert(ctx, makeSnapshot("rPool", 100, "1250")))

	snaps, err := store.GetByLedgerRange(ctx, "rPool", 100, 100)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Asset2Amount.Equal(decimal.RequireFromString("1250")))
}

func TestAMMSnapshotStore_Exists(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewAMMSnapshotStore(pool)

	require.NoError(t, store.Upsert(ctx, makeSnapshot("rPool", 100, "1000")))

	ok, err := store.Exists(ctx, "rPool", 100)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(ctx, "rPool", 101)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAMMSnapshotStore_GetLatestNotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewAMMSnapshotStore(pool)

	_, err := store.GetLatest(context.Background(), "rUnknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAMMSnapshotStore_GetByLedgerRangeOrdered(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewAMMSnapshotStore(pool)

	for _, ledger := range []int64{105, 101, 103} {
		require.NoError(t, store.Upsert(ctx, makeSnapshot("rPool", ledger, "1000")))
	}

	snaps, err := store.GetByLedgerRange(ctx, "rPool", 100, 110)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, int64(101), snaps[0].LedgerIndex)
	assert.Equal(t, int64(103), snaps[1].LedgerIndex)
	assert.Equal(t, int64(105), snaps[2].LedgerIndex)
}

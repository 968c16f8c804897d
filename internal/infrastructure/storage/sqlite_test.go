package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_grid_bot/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTradeUpsertByOrderID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	placed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveTrade(ctx, &domain.TradeRecord{
		OrderID: "o-1", Symbol: "BTCUSDT", Side: domain.SideBuy,
		Quantity: d("0.001"), Price: d("97"), TradeType: "grid",
		Status: domain.TradeStatusPlaced, CreatedAt: placed,
	}))
	require.NoError(t, store.SaveTrade(ctx, &domain.TradeRecord{
		OrderID: "o-1", Symbol: "BTCUSDT", Side: domain.SideBuy,
		Quantity: d("0.001"), Price: d("97.5"), TradeType: "grid",
		Status: domain.TradeStatusFilled, CreatedAt: placed.Add(time.Minute),
	}))

	trades, err := store.ListTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, domain.TradeStatusFilled, tr.Status)
	assert.True(t, tr.Price.Equal(d("97.5")))
	assert.True(t, tr.Quantity.Equal(d("0.001")))
	assert.Equal(t, "grid", tr.TradeType)
	assert.Equal(t, domain.SideBuy, tr.Side)
	assert.True(t, tr.CreatedAt.Equal(placed), "created_at kept from first insert")
	assert.True(t, tr.UpdatedAt.Equal(placed.Add(time.Minute)))
}

func TestListTradesNewestFirstWithLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.SaveTrade(ctx, &domain.TradeRecord{
			OrderID: id, Symbol: "BTCUSDT", Side: domain.SideSell,
			Quantity: d("1"), Price: d("100"), TradeType: "dca",
			Status: domain.TradeStatusPlaced, CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	trades, err := store.ListTrades(ctx, 2)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "c", trades[0].OrderID)
	assert.Equal(t, "b", trades[1].OrderID)
}

func TestBotState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	v, err := store.GetBotState(ctx, "dca_trend")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, store.SaveBotState(ctx, "dca_trend", "down"))
	require.NoError(t, store.SaveBotState(ctx, "dca_trend", "up"))
	v, err = store.GetBotState(ctx, "dca_trend")
	require.NoError(t, err)
	assert.Equal(t, "up", v)
}

func TestPerformanceHistoryIsChronological(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.SavePerformance(ctx, &domain.PerformanceSample{
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			Balance:     decimal.NewFromInt(int64(1000 - i)),
			Equity:      decimal.NewFromInt(int64(1000 - i)),
			DrawdownPct: decimal.NewFromFloat(0.1 * float64(i)),
			MarginRatio: d("12.5"),
		}))
	}

	samples, err := store.ListPerformance(ctx, 3)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.True(t, samples[0].Timestamp.Equal(base.Add(2*time.Minute)))
	assert.True(t, samples[2].Timestamp.Equal(base.Add(4*time.Minute)))
	assert.True(t, samples[2].Balance.Equal(d("996")))
	assert.True(t, samples[2].MarginRatio.Equal(d("12.5")))
	assert.True(t, samples[0].UnrealizedPnL.IsZero())
}

func TestLadderSnapshotReplaced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fillAt := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)

	first := []domain.Level{
		{Index: 0, ReferencePrice: d("97"), Side: domain.SideBuy, Quantity: d("0.001"), OrderID: "o-1"},
		{Index: 1, ReferencePrice: d("98.5"), Side: domain.SideBuy, Quantity: d("0.001")},
		{Index: 2, ReferencePrice: d("101.5"), Side: domain.SideSell, Quantity: d("0.001"), OrderID: "o-3"},
	}
	require.NoError(t, store.SaveLadder(ctx, "grid", first))

	filled := first[0]
	filled.MarkFilled(d("97"), fillAt)
	require.NoError(t, store.SaveLadder(ctx, "grid", []domain.Level{filled}))
	require.NoError(t, store.SaveLadder(ctx, "dca", first[1:2]))

	grid, err := store.ListLadder(ctx, "grid")
	require.NoError(t, err)
	require.Len(t, grid, 1)
	got := grid[0]
	assert.Equal(t, domain.LevelFilled, got.State())
	assert.Equal(t, "o-1", got.OrderID)
	require.True(t, got.FillPrice.Valid)
	assert.True(t, got.FillPrice.Decimal.Equal(d("97")))
	require.NotNil(t, got.FillTime)
	assert.True(t, got.FillTime.Equal(fillAt))

	dca, err := store.ListLadder(ctx, "dca")
	require.NoError(t, err)
	require.Len(t, dca, 1)
	assert.Equal(t, domain.LevelIdle, dca[0].State())
	assert.False(t, dca[0].FillPrice.Valid)
	assert.Nil(t, dca[0].FillTime)

	empty, err := store.ListLadder(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCleanupOlderThan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-10 * 24 * time.Hour)
	recent := time.Now().Add(-time.Hour)

	require.NoError(t, store.SavePerformance(ctx, &domain.PerformanceSample{Timestamp: old}))
	require.NoError(t, store.SavePerformance(ctx, &domain.PerformanceSample{Timestamp: recent}))
	for _, tr := range []*domain.TradeRecord{
		{OrderID: "old-filled", Status: domain.TradeStatusFilled, CreatedAt: old},
		{OrderID: "old-placed", Status: domain.TradeStatusPlaced, CreatedAt: old},
		{OrderID: "new-filled", Status: domain.TradeStatusFilled, CreatedAt: recent},
	} {
		tr.Symbol, tr.Side, tr.TradeType = "BTCUSDT", domain.SideBuy, "grid"
		require.NoError(t, store.SaveTrade(ctx, tr))
	}
	require.NoError(t, store.SaveBotState(ctx, "dca_trend", "down"))

	require.NoError(t, store.CleanupOlderThan(ctx, time.Now().Add(-7*24*time.Hour)))

	samples, err := store.ListPerformance(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, samples, 1)

	trades, err := store.ListTrades(ctx, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(trades))
	for _, tr := range trades {
		ids = append(ids, tr.OrderID)
	}
	assert.ElementsMatch(t, []string{"old-placed", "new-filled"}, ids)

	v, _ := store.GetBotState(ctx, "dca_trend")
	assert.Equal(t, "down", v)
}

func TestNopStore(t *testing.T) {
	var s domain.StateStore = NopStore{}
	ctx := context.Background()
	require.NoError(t, s.SaveTrade(ctx, &domain.TradeRecord{OrderID: "x"}))
	trades, err := s.ListTrades(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, trades)
	v, err := s.GetBotState(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, v)
}

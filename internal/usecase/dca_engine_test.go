package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_grid_bot/internal/domain"
	"go.uber.org/zap"
)

func testDCAConfig() DCAConfig {
	cfg := DefaultDCAConfig("BTCUSDT")
	cfg.MaxOrders = 3
	cfg.Throttle = ThrottleOff
	return cfg
}

func newTestDCA(t *testing.T, ex domain.Exchange, cfg DCAConfig) *DCAEngine {
	t.Helper()
	e, err := NewDCAEngine(ex, cfg, nil, zap.NewNop())
	require.NoError(t, err)
	e.SetClock(newFakeClock())
	return e
}

func TestBuildDCALadder(t *testing.T) {
	cfg := testDCAConfig()

	down := BuildDCALadder(d("100"), domain.TrendDown, cfg)
	require.Len(t, down, 3)
	for i, want := range []string{"98", "97.6", "97.2"} {
		assert.True(t, down[i].ReferencePrice.Equal(d(want)), "down level %d: %s", i, down[i].ReferencePrice)
		assert.Equal(t, domain.SideBuy, down[i].Side)
		assert.True(t, down[i].Quantity.Equal(d("0.001")))
	}

	up := BuildDCALadder(d("100"), domain.TrendUp, cfg)
	for i, want := range []string{"102", "102.4", "102.8"} {
		assert.True(t, up[i].ReferencePrice.Equal(d(want)), "up level %d: %s", i, up[i].ReferencePrice)
		assert.Equal(t, domain.SideSell, up[i].Side)
	}
}

func TestDCAQuantityHasFloor(t *testing.T) {
	cfg := testDCAConfig()
	cfg.OrderSize = d("0.0001")
	levels := BuildDCALadder(d("100"), domain.TrendDown, cfg)
	assert.True(t, levels[0].Quantity.Equal(d("0.001")))
}

func TestDCAStartPriceUnavailable(t *testing.T) {
	ex := NewMockExchange("100")
	ex.PriceErr = errFake
	e := newTestDCA(t, ex, testDCAConfig())

	err := e.Start(context.Background(), domain.TrendDown)
	var initErr *domain.InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, engineDCA, initErr.Engine)
	assert.False(t, e.Status().Active)
}

func TestDCADisabledIsNoop(t *testing.T) {
	ex := NewMockExchange("100")
	cfg := testDCAConfig()
	cfg.Enabled = false
	e := newTestDCA(t, ex, cfg)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx, domain.TrendDown))
	require.NoError(t, e.Reconcile(ctx, d("50")))
	require.NoError(t, e.Stop(ctx))

	assert.Empty(t, ex.PlacedOrders())
	assert.False(t, e.Status().Enabled)
	assert.Zero(t, e.Status().TotalLevels)
}

func TestDCAReconcileTriggersAndExtends(t *testing.T) {
	ex := NewMockExchange("100")
	e := newTestDCA(t, ex, testDCAConfig())
	ctx := context.Background()
	require.NoError(t, e.Start(ctx, domain.TrendDown))

	// Above every trigger: nothing happens.
	require.NoError(t, e.Reconcile(ctx, d("99")))
	assert.Empty(t, ex.PlacedOrders())

	require.NoError(t, e.Reconcile(ctx, d("97.9")))

	placed := ex.PlacedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, domain.OrderTypeMarket, placed[0].Type)
	assert.Equal(t, domain.SideBuy, placed[0].Side)
	assert.True(t, placed[0].Qty.Equal(d("0.001")))

	levels := e.Ladder()
	require.Len(t, levels, 4, "one fill appends one level")
	assert.Equal(t, domain.LevelFilled, levels[0].State())
	assert.True(t, levels[0].FillPrice.Decimal.Equal(d("97.9")))
	assert.Equal(t, domain.LevelIdle, levels[1].State())
	assert.Equal(t, 3, levels[3].Index)
	assert.True(t, levels[3].ReferencePrice.Equal(d("96.8")), "got %s", levels[3].ReferencePrice)
}

func TestDCAUpTrendTriggersAbove(t *testing.T) {
	ex := NewMockExchange("100")
	e := newTestDCA(t, ex, testDCAConfig())
	ctx := context.Background()
	require.NoError(t, e.Start(ctx, domain.TrendUp))

	require.NoError(t, e.Reconcile(ctx, d("101")))
	assert.Empty(t, ex.PlacedOrders())

	require.NoError(t, e.Reconcile(ctx, d("102.5")))
	placed := ex.PlacedOrders()
	require.Len(t, placed, 2, "levels at 102 and 102.4 trigger")
	assert.Equal(t, domain.SideSell, placed[0].Side)
}

func TestDCAExtensionStopsAtMaxOrders(t *testing.T) {
	ex := NewMockExchange("100")
	cfg := testDCAConfig()
	cfg.MaxOrders = 2
	e := newTestDCA(t, ex, cfg)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx, domain.TrendDown))

	// Both initial levels fill; only the first fill extends the ladder.
	require.NoError(t, e.Reconcile(ctx, d("90")))
	require.Equal(t, 3, e.Status().TotalLevels)

	// The appended level is placeable once its trigger is crossed.
	require.NoError(t, e.Reconcile(ctx, d("90")))
	require.NoError(t, e.Reconcile(ctx, d("90")))

	assert.Len(t, ex.PlacedOrders(), 3)
	st := e.Status()
	assert.Equal(t, 3, st.FilledOrders)
	assert.Equal(t, 3, st.TotalLevels, "no extension after MaxOrders fills")
}

func dcaRun(t *testing.T, prices ...string) (*MockExchange, DCAStatus) {
	t.Helper()
	ex := NewMockExchange("100")
	e := newTestDCA(t, ex, testDCAConfig())
	ctx := context.Background()
	require.NoError(t, e.Start(ctx, domain.TrendDown))
	for _, p := range prices {
		require.NoError(t, e.Reconcile(ctx, d(p)))
	}
	return ex, e.Status()
}

func TestDCAExtensionIndependentOfFillBatching(t *testing.T) {
	spreadEx, spread := dcaRun(t, "97.9", "97.5", "90", "90", "90")
	batchEx, batch := dcaRun(t, "90", "90", "90")

	for _, st := range []DCAStatus{spread, batch} {
		assert.Equal(t, 5, st.TotalLevels)
		assert.Equal(t, 5, st.FilledOrders)
		for _, l := range st.Levels {
			assert.NotEqual(t, domain.LevelIdle, l.State(), "level %d at %s left idle below its trigger", l.Index, l.ReferencePrice)
		}
	}
	assert.Len(t, spreadEx.PlacedOrders(), 5)
	assert.Len(t, batchEx.PlacedOrders(), 5)
	assert.True(t, spread.Levels[4].ReferencePrice.Equal(batch.Levels[4].ReferencePrice))
}

func TestDCAActiveCap(t *testing.T) {
	ex := NewMockExchange("100")
	ex.MarketRests = true
	cfg := testDCAConfig()
	cfg.MaxOrders = 5
	cfg.MaxActiveLevels = 2
	e := newTestDCA(t, ex, cfg)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx, domain.TrendDown))

	require.NoError(t, e.Reconcile(ctx, d("90")))
	assert.Equal(t, 2, e.Status().ActiveOrders)
	assert.Len(t, ex.PlacedOrders(), 2)
}

func TestDCAVolatilityGuard(t *testing.T) {
	ex := NewMockExchange("100")
	e := newTestDCA(t, ex, testDCAConfig())
	ctx := context.Background()
	require.NoError(t, e.Start(ctx, domain.TrendDown))

	require.NoError(t, e.Reconcile(ctx, d("97.9")))
	require.Len(t, ex.PlacedOrders(), 1)

	// 97.9 -> 85 is a 13% move, above the 8% guard.
	require.NoError(t, e.Reconcile(ctx, d("85")))
	assert.Len(t, ex.PlacedOrders(), 1)
}

func TestDCADeterministicThrottleCountsEveryEvaluation(t *testing.T) {
	ex := NewMockExchange("100")
	e := newTestDCA(t, ex, testDCAConfig())
	th := NewDeterministicThrottle(2, 1)
	e.SetThrottle(th)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx, domain.TrendDown))

	// 98 is allowed, 97.6 is throttled.
	require.NoError(t, e.Reconcile(ctx, d("97.5")))
	assert.Len(t, ex.PlacedOrders(), 1)

	// The skipped level is retried and the counter has moved on.
	require.NoError(t, e.Reconcile(ctx, d("97.5")))
	assert.Len(t, ex.PlacedOrders(), 2)
	assert.Equal(t, 3, th.Evaluations())
}

func TestDCAReconcileOpenOrdersUnavailable(t *testing.T) {
	ex := NewMockExchange("100")
	e := newTestDCA(t, ex, testDCAConfig())
	ctx := context.Background()
	require.NoError(t, e.Start(ctx, domain.TrendDown))

	ex.set(func(m *MockExchange) { m.OpenErr = errFake })
	err := e.Reconcile(ctx, d("97.9"))
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	st := e.Status()
	assert.Equal(t, 1, st.ActiveOrders, "placed but fill not inferred yet")
	assert.Equal(t, 0, st.FilledOrders)

	ex.set(func(m *MockExchange) { m.OpenErr = nil })
	require.NoError(t, e.Reconcile(ctx, d("97.9")))
	assert.Equal(t, 1, e.Status().FilledOrders)
	assert.Len(t, ex.PlacedOrders(), 1, "active level is not placed twice")
}

func TestDCAUpdateTrendDirectionResets(t *testing.T) {
	ex := NewMockExchange("100")
	ex.MarketRests = true
	e := newTestDCA(t, ex, testDCAConfig())
	ctx := context.Background()
	require.NoError(t, e.Start(ctx, domain.TrendDown))
	require.NoError(t, e.Reconcile(ctx, d("97.9")))
	require.Equal(t, 1, e.Status().ActiveOrders)

	require.NoError(t, e.UpdateTrendDirection(ctx, domain.TrendDown))
	assert.Equal(t, 0, ex.CancelledCount(), "same trend is a no-op")

	require.NoError(t, e.UpdateTrendDirection(ctx, domain.TrendUp))
	assert.Equal(t, 1, ex.CancelledCount())
	st := e.Status()
	assert.Equal(t, domain.TrendUp, st.Trend)
	assert.Equal(t, 3, st.TotalLevels)
	assert.Equal(t, 0, st.ActiveOrders)
	for _, l := range st.Levels {
		assert.Equal(t, domain.SideSell, l.Side)
	}
}

func TestDCAStopAndDeactivate(t *testing.T) {
	ex := NewMockExchange("100")
	ex.MarketRests = true
	e := newTestDCA(t, ex, testDCAConfig())
	ctx := context.Background()
	require.NoError(t, e.Start(ctx, domain.TrendDown))
	require.NoError(t, e.Reconcile(ctx, d("97.9")))

	require.NoError(t, e.Stop(ctx))
	assert.Equal(t, 1, ex.CancelledCount())
	assert.False(t, e.Status().Active)

	require.NoError(t, e.Start(ctx, domain.TrendDown))
	require.NoError(t, e.Reconcile(ctx, d("97.9")))
	e.Deactivate()
	assert.Equal(t, 1, ex.CancelledCount())
	assert.Equal(t, 0, e.Status().ActiveOrders)
}

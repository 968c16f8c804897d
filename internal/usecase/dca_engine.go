package usecase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_bot/internal/domain"
	"github.com/vitos/crypto_grid_bot/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

const engineDCA = "dca"

var (
	minDCAQty    = decimal.RequireFromString("0.001")
	dcaStepRatio = decimal.RequireFromString("0.2")
)

type DCAConfig struct {
	Enabled         bool
	Symbol          string
	TriggerPercent  decimal.Decimal
	OrderSize       decimal.Decimal
	MaxOrders       int
	MaxActiveLevels int
	// ExtendOnFill appends the next progression step to the ladder for every fill.
	ExtendOnFill       bool
	WinRate            float64
	Throttle           ThrottleKind
	VolatilityGuardPct decimal.Decimal
	InitialTrend       domain.Trend
	PricePrecision     int32
	QtyPrecision       int32
	Seed               int64
}

func DefaultDCAConfig(symbol string) DCAConfig {
	return DCAConfig{
		Enabled:            true,
		Symbol:             symbol,
		TriggerPercent:     decimal.NewFromInt(2),
		OrderSize:          decimal.RequireFromString("0.001"),
		MaxOrders:          5,
		MaxActiveLevels:    15,
		ExtendOnFill:       true,
		WinRate:            0.65,
		Throttle:           ThrottleDeterministic,
		VolatilityGuardPct: decimal.NewFromInt(8),
		InitialTrend:       domain.TrendDown,
		PricePrecision:     2,
		QtyPrecision:       4,
	}
}

type DCAStatus struct {
	Active         bool            `json:"active"`
	Enabled        bool            `json:"enabled"`
	Trend          domain.Trend    `json:"trend"`
	TriggerPercent decimal.Decimal `json:"trigger_percent"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	TotalLevels    int             `json:"total_levels"`
	ActiveOrders   int             `json:"active_orders"`
	FilledOrders   int             `json:"filled_orders"`
	Levels         []domain.Level  `json:"levels,omitempty"`
}

// dcaLevelPrice returns the trigger price of progression step i:
// anchor moved by TriggerPercent*(1+0.2*i) percent against the trend.
func dcaLevelPrice(anchor decimal.Decimal, trend domain.Trend, i int, cfg DCAConfig) decimal.Decimal {
	mult := decimal.NewFromInt(1).Add(dcaStepRatio.Mul(decimal.NewFromInt(int64(i))))
	offset := percent(cfg.TriggerPercent).Mul(mult)
	if trend == domain.TrendDown {
		return anchor.Mul(decimal.NewFromInt(1).Sub(offset)).Round(cfg.PricePrecision)
	}
	return anchor.Mul(decimal.NewFromInt(1).Add(offset)).Round(cfg.PricePrecision)
}

func dcaLevel(anchor decimal.Decimal, trend domain.Trend, i int, cfg DCAConfig) domain.Level {
	qty := decimal.Max(minDCAQty, cfg.OrderSize).Round(cfg.QtyPrecision)
	return domain.Level{
		Index:          i,
		ReferencePrice: dcaLevelPrice(anchor, trend, i, cfg),
		Side:           trend.EntrySide(),
		Quantity:       qty,
	}
}

// BuildDCALadder builds cfg.MaxOrders levels anchored at ref.
func BuildDCALadder(ref decimal.Decimal, trend domain.Trend, cfg DCAConfig) []domain.Level {
	levels := make([]domain.Level, 0, cfg.MaxOrders)
	for i := 0; i < cfg.MaxOrders; i++ {
		levels = append(levels, dcaLevel(ref, trend, i, cfg))
	}
	return levels
}

type DCAEngine struct {
	exchange domain.Exchange
	cfg      DCAConfig
	throttle Throttle
	journal  domain.TradeJournal
	clock    Clock
	logger   *zap.Logger

	opMu   sync.Mutex
	levels ladder
	anchor decimal.Decimal
	trend  domain.Trend
	active bool
	// fill price of each market order, keyed by order id
	placedAt       map[string]decimal.Decimal
	lastPlacePrice decimal.Decimal

	status atomic.Pointer[DCAStatus]
}

func NewDCAEngine(exchange domain.Exchange, cfg DCAConfig, journal domain.TradeJournal, logger *zap.Logger) (*DCAEngine, error) {
	throttle, err := NewThrottle(cfg.Throttle, cfg.WinRate, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("dca throttle: %w", err)
	}
	trend := cfg.InitialTrend
	if trend == "" {
		trend = domain.TrendDown
	}
	e := &DCAEngine{
		exchange: exchange,
		cfg:      cfg,
		throttle: throttle,
		journal:  journal,
		clock:    RealClock(),
		logger:   logger.With(zap.String("engine", engineDCA)),
		trend:    trend,
		placedAt: make(map[string]decimal.Decimal),
	}
	e.publish()
	return e, nil
}

func (e *DCAEngine) SetThrottle(t Throttle) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.throttle = t
}

func (e *DCAEngine) SetClock(c Clock) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.clock = c
}

func (e *DCAEngine) Initialize(ctx context.Context, trend domain.Trend) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	defer e.publish()
	return e.initialize(ctx, trend)
}

func (e *DCAEngine) initialize(ctx context.Context, trend domain.Trend) error {
	price, err := e.exchange.GetCurrentPrice(ctx, e.cfg.Symbol)
	if err != nil {
		return &domain.InitializationError{Engine: engineDCA, Err: err}
	}
	if !price.IsPositive() {
		return &domain.InitializationError{Engine: engineDCA, Err: fmt.Errorf("non-positive price %s", price)}
	}
	e.trend = trend
	e.anchor = price
	e.levels = BuildDCALadder(price, trend, e.cfg)
	e.lastPlacePrice = decimal.Zero

	e.logger.Info("DCA initialized",
		zap.String("symbol", e.cfg.Symbol),
		zap.String("trend", string(trend)),
		zap.String("anchor", price.String()),
		zap.Int("levels", len(e.levels)))
	return nil
}

// Start activates the ladder for trend. Disabled engines do nothing.
func (e *DCAEngine) Start(ctx context.Context, trend domain.Trend) error {
	if !e.cfg.Enabled {
		e.logger.Info("DCA is disabled")
		return nil
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	defer e.publish()

	if len(e.levels) == 0 || e.trend != trend {
		e.cancelActive(ctx)
		if err := e.initialize(ctx, trend); err != nil {
			return err
		}
	}
	e.active = true
	e.logger.Info("DCA started", zap.String("trend", string(trend)))
	return nil
}

// Reconcile places market orders for triggered idle levels, then infers
// fills from the open-order snapshot.
func (e *DCAEngine) Reconcile(ctx context.Context, price decimal.Decimal) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	defer e.publish()

	if !e.active || !e.cfg.Enabled {
		return nil
	}

	triggered := 0
	for i := range e.levels {
		lvl := &e.levels[i]
		if !lvl.IsIdle() || !e.triggered(lvl, price) {
			continue
		}
		if e.tryPlace(ctx, lvl, price) {
			triggered++
		}
	}

	orders, err := e.exchange.GetOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.Warn("Open orders unavailable, skipping DCA fill check", zap.Error(err))
		return fmt.Errorf("dca reconcile: %w", err)
	}

	now := e.clock.Now()
	_, filledBefore := e.levels.counts()
	fills := e.levels.markMissingFilled(openOrderSet(orders), now, func(l *domain.Level) decimal.Decimal {
		if p, ok := e.placedAt[l.OrderID]; ok {
			return p
		}
		return l.ReferencePrice
	})
	for n, idx := range fills {
		filled := e.levels[idx]
		delete(e.placedAt, filled.OrderID)
		metrics.FillsInferred.WithLabelValues(engineDCA).Inc()
		e.logger.Info("DCA order filled",
			zap.String("event", "DCA_FILLED"),
			zap.String("symbol", e.cfg.Symbol),
			zap.String("side", string(filled.Side)),
			zap.String("qty", filled.Quantity.String()),
			zap.String("price", filled.FillPrice.Decimal.String()),
			zap.String("order_id", filled.OrderID))
		journalTrade(ctx, e.journal, e.logger, &domain.TradeRecord{
			OrderID:   filled.OrderID,
			Symbol:    e.cfg.Symbol,
			Side:      filled.Side,
			Quantity:  filled.Quantity,
			Price:     filled.FillPrice.Decimal,
			TradeType: "dca",
			Status:    domain.TradeStatusFilled,
			CreatedAt: now,
		})
		e.extend(filledBefore + n + 1)
	}

	if triggered > 0 || len(fills) > 0 {
		active, total := e.levels.counts()
		e.logger.Info("DCA updated",
			zap.String("price", price.String()),
			zap.Int("triggered", triggered),
			zap.Int("active_orders", active),
			zap.Int("filled_orders", total))
	}
	return nil
}

func (e *DCAEngine) triggered(lvl *domain.Level, price decimal.Decimal) bool {
	if e.trend == domain.TrendDown {
		return price.LessThanOrEqual(lvl.ReferencePrice)
	}
	return price.GreaterThanOrEqual(lvl.ReferencePrice)
}

// tryPlace runs the placement guards in order and places a market order
// for lvl when all pass.
func (e *DCAEngine) tryPlace(ctx context.Context, lvl *domain.Level, price decimal.Decimal) bool {
	active, _ := e.levels.counts()
	if active >= e.cfg.MaxActiveLevels {
		metrics.PlacementSkips.WithLabelValues(engineDCA, "max_active").Inc()
		e.logger.Warn("Approaching order limit, skipping DCA order", zap.Int("active_orders", active))
		return false
	}
	if movedMoreThan(e.lastPlacePrice, price, e.cfg.VolatilityGuardPct) {
		metrics.PlacementSkips.WithLabelValues(engineDCA, "volatility").Inc()
		e.logger.Warn("Skipping DCA order due to high volatility",
			zap.String("last_price", e.lastPlacePrice.String()),
			zap.String("price", price.String()))
		return false
	}
	if !e.throttle.Allow() {
		metrics.PlacementSkips.WithLabelValues(engineDCA, "throttle").Inc()
		e.logger.Debug("DCA order throttled", zap.Int("level", lvl.Index))
		return false
	}

	orderID, err := e.exchange.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: e.cfg.Symbol,
		Side:   lvl.Side,
		Type:   domain.OrderTypeMarket,
		Qty:    lvl.Quantity,
	})
	if err != nil {
		metrics.PlacementSkips.WithLabelValues(engineDCA, "rejected").Inc()
		e.logger.Warn("Failed to place DCA order", zap.Int("level", lvl.Index), zap.Error(err))
		return false
	}

	lvl.MarkPlaced(orderID)
	e.placedAt[orderID] = price
	e.lastPlacePrice = price
	metrics.OrdersPlaced.WithLabelValues(engineDCA, string(lvl.Side), string(domain.OrderTypeMarket)).Inc()
	e.logger.Info("DCA triggered",
		zap.String("event", "DCA_TRIGGERED"),
		zap.String("side", string(lvl.Side)),
		zap.String("trigger_price", lvl.ReferencePrice.String()),
		zap.String("price", price.String()),
		zap.String("order_id", orderID))
	journalTrade(ctx, e.journal, e.logger, &domain.TradeRecord{
		OrderID:   orderID,
		Symbol:    e.cfg.Symbol,
		Side:      lvl.Side,
		Quantity:  lvl.Quantity,
		Price:     price,
		TradeType: "dca",
		Status:    domain.TradeStatusPlaced,
		CreatedAt: e.clock.Now(),
	})
	return true
}

// extend appends the next progression step after the nth fill of the
// ladder. Fills from MaxOrders on no longer extend it.
func (e *DCAEngine) extend(nth int) {
	if !e.cfg.ExtendOnFill || nth >= e.cfg.MaxOrders {
		return
	}
	next := dcaLevel(e.anchor, e.trend, len(e.levels), e.cfg)
	e.levels = append(e.levels, next)
	e.logger.Debug("DCA ladder extended",
		zap.Int("level", next.Index),
		zap.String("trigger_price", next.ReferencePrice.String()))
}

// UpdateTrendDirection rebuilds the ladder for a new trend. Resting orders
// are cancelled first; a repeated trend is a no-op.
func (e *DCAEngine) UpdateTrendDirection(ctx context.Context, trend domain.Trend) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	defer e.publish()

	if trend == e.trend {
		return nil
	}
	e.cancelActive(ctx)
	e.levels = nil
	e.placedAt = make(map[string]decimal.Decimal)
	if err := e.initialize(ctx, trend); err != nil {
		// keep the requested trend so the next Start rebuilds for it
		e.trend = trend
		return err
	}
	e.logger.Info("DCA trend direction updated", zap.String("trend", string(trend)))
	return nil
}

func (e *DCAEngine) cancelActive(ctx context.Context) (cancelled, failed int) {
	for i := range e.levels {
		lvl := &e.levels[i]
		if !lvl.IsActive() {
			continue
		}
		if err := e.exchange.CancelOrder(ctx, e.cfg.Symbol, lvl.OrderID); err != nil {
			failed++
			e.logger.Warn("Failed to cancel DCA order", zap.String("order_id", lvl.OrderID), zap.Error(err))
			continue
		}
		journalTrade(ctx, e.journal, e.logger, &domain.TradeRecord{
			OrderID:   lvl.OrderID,
			Symbol:    e.cfg.Symbol,
			Side:      lvl.Side,
			Quantity:  lvl.Quantity,
			Price:     lvl.ReferencePrice,
			TradeType: "dca",
			Status:    domain.TradeStatusCancelled,
			CreatedAt: e.clock.Now(),
		})
		delete(e.placedAt, lvl.OrderID)
		lvl.Release()
		cancelled++
		metrics.OrdersCancelled.WithLabelValues(engineDCA).Inc()
	}
	return cancelled, failed
}

func (e *DCAEngine) Stop(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	defer e.publish()

	if !e.cfg.Enabled {
		return nil
	}
	cancelled, failed := e.cancelActive(ctx)
	e.active = false
	e.logger.Info("DCA stopped", zap.Int("cancelled", cancelled), zap.Int("cancel_failed", failed))
	if failed > 0 {
		return fmt.Errorf("dca stop: %d cancels failed", failed)
	}
	return nil
}

func (e *DCAEngine) Deactivate() {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	defer e.publish()
	for i := range e.levels {
		e.levels[i].Release()
	}
	e.active = false
	e.logger.Info("DCA deactivated")
}

func (e *DCAEngine) Trend() domain.Trend {
	return e.Status().Trend
}

func (e *DCAEngine) Status() DCAStatus {
	if s := e.status.Load(); s != nil {
		return *s
	}
	return DCAStatus{}
}

func (e *DCAEngine) Ladder() []domain.Level {
	return e.Status().Levels
}

func (e *DCAEngine) publish() {
	active, filled := e.levels.counts()
	e.status.Store(&DCAStatus{
		Active:         e.active,
		Enabled:        e.cfg.Enabled,
		Trend:          e.trend,
		TriggerPercent: e.cfg.TriggerPercent,
		ReferencePrice: e.anchor,
		TotalLevels:    len(e.levels),
		ActiveOrders:   active,
		FilledOrders:   filled,
		Levels:         e.levels.clone(),
	})
	metrics.ActiveLevels.WithLabelValues(engineDCA).Set(float64(active))
}

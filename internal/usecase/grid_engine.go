package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_bot/internal/domain"
	"github.com/vitos/crypto_grid_bot/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

const engineGrid = "grid"

type GridConfig struct {
	Symbol          string
	LowerPercent    decimal.Decimal
	UpperPercent    decimal.Decimal
	Levels          int
	OrderSize       decimal.Decimal
	MaxActiveLevels int

	// OppositeOrders places a take-profit order on the other side of every fill.
	OppositeOrders     bool
	ProfitTargetMinPct decimal.Decimal
	ProfitTargetMaxPct decimal.Decimal
	WinRate            float64
	Throttle           ThrottleKind
	VolatilityGuardPct decimal.Decimal

	FlattenOnStart bool
	PricePrecision int32
	QtyPrecision   int32
	Seed           int64
}

func DefaultGridConfig(symbol string) GridConfig {
	return GridConfig{
		Symbol:             symbol,
		LowerPercent:       decimal.NewFromInt(3),
		UpperPercent:       decimal.NewFromInt(3),
		Levels:             10,
		OrderSize:          decimal.RequireFromString("0.001"),
		MaxActiveLevels:    15,
		OppositeOrders:     true,
		ProfitTargetMinPct: decimal.RequireFromString("0.3"),
		ProfitTargetMaxPct: decimal.RequireFromString("0.8"),
		WinRate:            0.5,
		Throttle:           ThrottleRandom,
		VolatilityGuardPct: decimal.NewFromInt(5),
		PricePrecision:     2,
		QtyPrecision:       4,
	}
}

// GridStatus is a settled view of the grid published after every operation.
type GridStatus struct {
	Active         bool            `json:"active"`
	TotalLevels    int             `json:"total_levels"`
	ActiveOrders   int             `json:"active_orders"`
	FilledOrders   int             `json:"filled_orders"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Lower          decimal.Decimal `json:"lower"`
	Upper          decimal.Decimal `json:"upper"`
	Levels         []domain.Level  `json:"levels,omitempty"`
}

// BuildGridLadder spaces cfg.Levels levels linearly between ref*(1-lower%)
// and ref*(1+upper%). Levels below ref buy, the rest sell.
func BuildGridLadder(ref decimal.Decimal, cfg GridConfig) []domain.Level {
	if cfg.Levels < 2 {
		return nil
	}
	lower := ref.Mul(decimal.NewFromInt(1).Sub(percent(cfg.LowerPercent)))
	upper := ref.Mul(decimal.NewFromInt(1).Add(percent(cfg.UpperPercent)))
	step := upper.Sub(lower).Div(decimal.NewFromInt(int64(cfg.Levels - 1)))
	qty := cfg.OrderSize.Round(cfg.QtyPrecision)

	levels := make([]domain.Level, 0, cfg.Levels)
	for i := 0; i < cfg.Levels; i++ {
		price := lower.Add(step.Mul(decimal.NewFromInt(int64(i)))).Round(cfg.PricePrecision)
		side := domain.SideSell
		if price.LessThan(ref) {
			side = domain.SideBuy
		}
		levels = append(levels, domain.Level{
			Index:          i,
			ReferencePrice: price,
			Side:           side,
			Quantity:       qty,
		})
	}
	return levels
}

type GridEngine struct {
	exchange domain.Exchange
	cfg      GridConfig
	throttle Throttle
	offsets  OffsetPolicy
	journal  domain.TradeJournal
	clock    Clock
	logger   *zap.Logger

	// opMu serialises ladder mutations (reconcile, start, stop).
	opMu      sync.Mutex
	levels    ladder
	refPrice  decimal.Decimal
	lower     decimal.Decimal
	upper     decimal.Decimal
	active    bool
	lastPrice decimal.Decimal

	status atomic.Pointer[GridStatus]
}

func NewGridEngine(exchange domain.Exchange, cfg GridConfig, journal domain.TradeJournal, logger *zap.Logger) (*GridEngine, error) {
	throttle, err := NewThrottle(cfg.Throttle, cfg.WinRate, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("grid throttle: %w", err)
	}
	e := &GridEngine{
		exchange: exchange,
		cfg:      cfg,
		throttle: throttle,
		offsets:  NewUniformOffset(percent(cfg.ProfitTargetMinPct), percent(cfg.ProfitTargetMaxPct), cfg.Seed),
		journal:  journal,
		clock:    RealClock(),
		logger:   logger.With(zap.String("engine", engineGrid)),
	}
	e.publish()
	return e, nil
}

// SetThrottle replaces the opposite-order throttle.
func (e *GridEngine) SetThrottle(t Throttle) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.throttle = t
}

func (e *GridEngine) SetOffsetPolicy(p OffsetPolicy) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.offsets = p
}

func (e *GridEngine) SetClock(c Clock) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.clock = c
}

// Initialize builds a fresh ladder around the current price.
func (e *GridEngine) Initialize(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	defer e.publish()
	return e.initialize(ctx)
}

func (e *GridEngine) initialize(ctx context.Context) error {
	price, err := e.exchange.GetCurrentPrice(ctx, e.cfg.Symbol)
	if err != nil {
		return &domain.InitializationError{Engine: engineGrid, Err: err}
	}
	if !price.IsPositive() {
		return &domain.InitializationError{Engine: engineGrid, Err: fmt.Errorf("non-positive price %s", price)}
	}

	levels := BuildGridLadder(price, e.cfg)
	if len(levels) == 0 {
		return &domain.InitializationError{Engine: engineGrid, Err: errors.New("grid needs at least 2 levels")}
	}

	e.levels = levels
	e.refPrice = price
	e.lower = levels[0].ReferencePrice
	e.upper = levels[len(levels)-1].ReferencePrice
	e.lastPrice = price

	e.logger.Info("Grid initialized",
		zap.String("symbol", e.cfg.Symbol),
		zap.String("reference_price", price.String()),
		zap.String("lower", e.lower.String()),
		zap.String("upper", e.upper.String()),
		zap.Int("levels", len(levels)))
	return nil
}

// Start clears stale orders for the symbol and places one limit order per
// idle level, up to the active-level cap.
func (e *GridEngine) Start(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	defer e.publish()

	if len(e.levels) == 0 {
		if err := e.initialize(ctx); err != nil {
			return err
		}
	}

	e.cancelStaleOrders(ctx)
	if e.cfg.FlattenOnStart {
		e.flattenPositions(ctx)
	}

	placed := 0
	for i := range e.levels {
		lvl := &e.levels[i]
		if !lvl.IsIdle() {
			continue
		}
		if active, _ := e.levels.counts(); active >= e.cfg.MaxActiveLevels {
			metrics.PlacementSkips.WithLabelValues(engineGrid, "max_active").Inc()
			e.logger.Debug("Active level cap reached, leaving remaining levels idle",
				zap.Int("max_active_levels", e.cfg.MaxActiveLevels))
			break
		}
		if e.placeLimit(ctx, lvl, "grid") {
			placed++
		}
	}

	e.active = true
	active, filled := e.levels.counts()
	e.logger.Info("Grid started",
		zap.String("symbol", e.cfg.Symbol),
		zap.Int("placed", placed),
		zap.Int("active_orders", active),
		zap.Int("filled_orders", filled))
	return nil
}

func (e *GridEngine) cancelStaleOrders(ctx context.Context) {
	orders, err := e.exchange.GetOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.Warn("Could not list existing orders before start", zap.Error(err))
		return
	}
	for _, o := range orders {
		if err := e.exchange.CancelOrder(ctx, e.cfg.Symbol, o.OrderID); err != nil {
			e.logger.Warn("Failed to cancel pre-existing order", zap.String("order_id", o.OrderID), zap.Error(err))
			continue
		}
		metrics.OrdersCancelled.WithLabelValues(engineGrid).Inc()
	}
	if len(orders) > 0 {
		e.logger.Info("Cancelled pre-existing orders", zap.Int("count", len(orders)))
	}
}

func (e *GridEngine) flattenPositions(ctx context.Context) {
	positions, err := e.exchange.GetPositions(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.Warn("Could not list positions before start", zap.Error(err))
		return
	}
	for _, p := range positions {
		if p.Size.IsZero() {
			continue
		}
		req := domain.OrderRequest{
			Symbol:     e.cfg.Symbol,
			Side:       p.Side.Opposite(),
			Type:       domain.OrderTypeMarket,
			Qty:        p.Size.Abs(),
			ReduceOnly: true,
		}
		if _, err := e.exchange.PlaceOrder(ctx, req); err != nil {
			e.logger.Warn("Failed to flatten position", zap.String("side", string(p.Side)), zap.Error(err))
			continue
		}
		e.logger.Info("Flattened existing position",
			zap.String("side", string(p.Side)),
			zap.String("size", p.Size.String()))
	}
}

// placeLimit places the level's limit order. On failure the level stays idle.
func (e *GridEngine) placeLimit(ctx context.Context, lvl *domain.Level, tradeType string) bool {
	req := domain.OrderRequest{
		Symbol: e.cfg.Symbol,
		Side:   lvl.Side,
		Type:   domain.OrderTypeLimit,
		Qty:    lvl.Quantity,
		Price:  lvl.ReferencePrice,
	}
	orderID, err := e.exchange.PlaceOrder(ctx, req)
	if err != nil {
		metrics.PlacementSkips.WithLabelValues(engineGrid, "rejected").Inc()
		e.logger.Warn("Failed to place grid order",
			zap.Int("level", lvl.Index),
			zap.String("price", lvl.ReferencePrice.String()),
			zap.Error(err))
		return false
	}
	lvl.MarkPlaced(orderID)
	metrics.OrdersPlaced.WithLabelValues(engineGrid, string(lvl.Side), string(domain.OrderTypeLimit)).Inc()
	journalTrade(ctx, e.journal, e.logger, &domain.TradeRecord{
		OrderID:   orderID,
		Symbol:    e.cfg.Symbol,
		Side:      lvl.Side,
		Quantity:  lvl.Quantity,
		Price:     lvl.ReferencePrice,
		TradeType: tradeType,
		Status:    domain.TradeStatusPlaced,
		CreatedAt: e.clock.Now(),
	})
	return true
}

// Reconcile diffs the open-order snapshot against the ladder. An active level
// whose order is gone is treated as filled at its limit price.
func (e *GridEngine) Reconcile(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	defer e.publish()

	if !e.active {
		return nil
	}

	orders, err := e.exchange.GetOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.Warn("Open orders unavailable, skipping grid reconcile", zap.Error(err))
		return fmt.Errorf("grid reconcile: %w", err)
	}

	// The price is only needed for the volatility guard on opposite orders.
	var price decimal.Decimal
	priceOK := false
	if e.cfg.OppositeOrders {
		if p, err := e.exchange.GetCurrentPrice(ctx, e.cfg.Symbol); err == nil {
			price, priceOK = p, true
		} else {
			e.logger.Warn("Price unavailable, opposite orders skipped for fills in this reconcile", zap.Error(err))
		}
	}

	now := e.clock.Now()
	fills := e.levels.markMissingFilled(openOrderSet(orders), now, func(l *domain.Level) decimal.Decimal {
		return l.ReferencePrice
	})

	for _, idx := range fills {
		filled := e.levels[idx]
		metrics.FillsInferred.WithLabelValues(engineGrid).Inc()
		e.logger.Info("Grid order filled",
			zap.String("event", "ORDER_FILLED"),
			zap.String("symbol", e.cfg.Symbol),
			zap.String("side", string(filled.Side)),
			zap.String("qty", filled.Quantity.String()),
			zap.String("price", filled.ReferencePrice.String()),
			zap.String("order_id", filled.OrderID))
		journalTrade(ctx, e.journal, e.logger, &domain.TradeRecord{
			OrderID:   filled.OrderID,
			Symbol:    e.cfg.Symbol,
			Side:      filled.Side,
			Quantity:  filled.Quantity,
			Price:     filled.ReferencePrice,
			TradeType: "grid",
			Status:    domain.TradeStatusFilled,
			CreatedAt: now,
		})

		if e.cfg.OppositeOrders {
			if priceOK {
				e.placeOpposite(ctx, filled, price)
			} else {
				metrics.PlacementSkips.WithLabelValues(engineGrid, "no_price").Inc()
			}
		}
	}

	if priceOK {
		e.lastPrice = price
	}

	if len(fills) > 0 {
		active, total := e.levels.counts()
		e.logger.Info("Grid updated",
			zap.Int("new_fills", len(fills)),
			zap.Int("active_orders", active),
			zap.Int("filled_orders", total))
	}
	return nil
}

func (e *GridEngine) placeOpposite(ctx context.Context, filled domain.Level, price decimal.Decimal) {
	if active, _ := e.levels.counts(); active >= e.cfg.MaxActiveLevels {
		metrics.PlacementSkips.WithLabelValues(engineGrid, "max_active").Inc()
		e.logger.Warn("Approaching order limit, skipping opposite order", zap.Int("active_orders", active))
		return
	}
	if movedMoreThan(e.lastPrice, price, e.cfg.VolatilityGuardPct) {
		metrics.PlacementSkips.WithLabelValues(engineGrid, "volatility").Inc()
		e.logger.Warn("Skipping opposite order due to high volatility",
			zap.String("last_price", e.lastPrice.String()),
			zap.String("price", price.String()))
		return
	}
	if !e.throttle.Allow() {
		metrics.PlacementSkips.WithLabelValues(engineGrid, "throttle").Inc()
		e.logger.Debug("Opposite order throttled", zap.Int("level", filled.Index))
		return
	}

	offset := e.offsets.Offset()
	side := filled.Side.Opposite()
	var target decimal.Decimal
	if filled.Side == domain.SideBuy {
		target = filled.ReferencePrice.Mul(decimal.NewFromInt(1).Add(offset))
	} else {
		target = filled.ReferencePrice.Mul(decimal.NewFromInt(1).Sub(offset))
	}

	lvl := domain.Level{
		Index:          len(e.levels),
		ReferencePrice: target.Round(e.cfg.PricePrecision),
		Side:           side,
		Quantity:       filled.Quantity,
	}
	if !e.placeLimit(ctx, &lvl, "grid_opposite") {
		return
	}
	e.levels = append(e.levels, lvl)
	e.logger.Info("Opposite order placed",
		zap.String("event", "OPPOSITE_ORDER_PLACED"),
		zap.String("side", string(side)),
		zap.String("price", lvl.ReferencePrice.String()),
		zap.String("order_id", lvl.OrderID))
}

// Stop cancels every resting grid order. Levels whose cancel fails stay
// active so a later Stop can retry them.
func (e *GridEngine) Stop(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	defer e.publish()

	cancelled, failed := 0, 0
	for i := range e.levels {
		lvl := &e.levels[i]
		if !lvl.IsActive() {
			continue
		}
		if err := e.exchange.CancelOrder(ctx, e.cfg.Symbol, lvl.OrderID); err != nil {
			failed++
			e.logger.Warn("Failed to cancel grid order", zap.String("order_id", lvl.OrderID), zap.Error(err))
			continue
		}
		journalTrade(ctx, e.journal, e.logger, &domain.TradeRecord{
			OrderID:   lvl.OrderID,
			Symbol:    e.cfg.Symbol,
			Side:      lvl.Side,
			Quantity:  lvl.Quantity,
			Price:     lvl.ReferencePrice,
			TradeType: "grid",
			Status:    domain.TradeStatusCancelled,
			CreatedAt: e.clock.Now(),
		})
		lvl.Release()
		cancelled++
		metrics.OrdersCancelled.WithLabelValues(engineGrid).Inc()
	}
	e.active = false
	e.logger.Info("Grid stopped", zap.Int("cancelled", cancelled), zap.Int("cancel_failed", failed))
	if failed > 0 {
		return fmt.Errorf("grid stop: %d cancels failed", failed)
	}
	return nil
}

// Deactivate forgets resting orders without I/O. Used after the kill switch
// has already cancelled everything remotely.
func (e *GridEngine) Deactivate() {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	defer e.publish()
	for i := range e.levels {
		e.levels[i].Release()
	}
	e.active = false
	e.logger.Info("Grid deactivated")
}

func (e *GridEngine) Status() GridStatus {
	if s := e.status.Load(); s != nil {
		return *s
	}
	return GridStatus{}
}

// Ladder returns a copy of the current levels.
func (e *GridEngine) Ladder() []domain.Level {
	return e.Status().Levels
}

func (e *GridEngine) publish() {
	active, filled := e.levels.counts()
	e.status.Store(&GridStatus{
		Active:         e.active,
		TotalLevels:    len(e.levels),
		ActiveOrders:   active,
		FilledOrders:   filled,
		ReferencePrice: e.refPrice,
		Lower:          e.lower,
		Upper:          e.upper,
		Levels:         e.levels.clone(),
	})
	metrics.ActiveLevels.WithLabelValues(engineGrid).Set(float64(active))
}

package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_bot/internal/domain"
	"github.com/vitos/crypto_grid_bot/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

type RiskConfig struct {
	Symbol                string
	KillSwitchEnabled     bool
	MaxDrawdownPercent    decimal.Decimal
	MarginWarningPercent  decimal.Decimal
	BreakevenEnabled      bool
	PartialProfitEnabled  bool
	PartialProfitPercent  decimal.Decimal
	PartialProfitMultiple decimal.Decimal
	QtyPrecision          int32
	InitialCapital        decimal.Decimal
}

func DefaultRiskConfig(symbol string) RiskConfig {
	return RiskConfig{
		Symbol:                symbol,
		KillSwitchEnabled:     true,
		MaxDrawdownPercent:    decimal.NewFromInt(20),
		MarginWarningPercent:  decimal.NewFromInt(80),
		BreakevenEnabled:      true,
		PartialProfitEnabled:  true,
		PartialProfitPercent:  decimal.NewFromInt(50),
		PartialProfitMultiple: decimal.NewFromInt(2),
		QtyPrecision:          4,
		InitialCapital:        decimal.NewFromInt(1000),
	}
}

type RiskState string

const (
	RiskNormal              RiskState = "normal"
	RiskKillSwitchTriggered RiskState = "kill_switch_triggered"
)

type RiskEventType string

const (
	EventKillSwitch    RiskEventType = "kill_switch"
	EventMarginWarning RiskEventType = "margin_warning"
	EventBreakeven     RiskEventType = "breakeven"
	EventPartialProfit RiskEventType = "partial_profit"
)

type RiskEvent struct {
	Type       RiskEventType
	Reason     string
	PositionID string
	OrderID    string
	Price      decimal.Decimal
	Qty        decimal.Decimal
	At         time.Time
}

// RiskStatus is the settled view served to status queries.
type RiskStatus struct {
	KillSwitch       bool                `json:"kill_switch"`
	KillSwitchReason string              `json:"kill_switch_reason,omitempty"`
	Metrics          *domain.RiskMetrics `json:"metrics,omitempty"`
	BreakevenOrders  int                 `json:"breakeven_orders"`
	PartialOrders    int                 `json:"partial_profit_orders"`
}

type RiskManager struct {
	exchange domain.Exchange
	cfg      RiskConfig
	journal  domain.TradeJournal
	clock    Clock
	logger   *zap.Logger

	killSwitch atomic.Bool
	// killMu serialises the one-time cleanup of TriggerKillSwitch.
	killMu sync.Mutex

	mu             sync.Mutex
	killReason     string
	peakBalance    decimal.Decimal
	maxDrawdownPct decimal.Decimal
	// position id -> order id; entries are never removed during a run
	breakevenOrders map[string]string
	partialOrders   map[string]string

	lastMetrics atomic.Pointer[domain.RiskMetrics]

	subMu  sync.Mutex
	subs   map[int]chan RiskEvent
	nextID int
}

func NewRiskManager(exchange domain.Exchange, cfg RiskConfig, journal domain.TradeJournal, logger *zap.Logger) *RiskManager {
	return &RiskManager{
		exchange:        exchange,
		cfg:             cfg,
		journal:         journal,
		clock:           RealClock(),
		logger:          logger.With(zap.String("component", "risk")),
		breakevenOrders: make(map[string]string),
		partialOrders:   make(map[string]string),
		subs:            make(map[int]chan RiskEvent),
	}
}

func (r *RiskManager) SetClock(c Clock) { r.clock = c }

// Subscribe registers an event listener. Delivery never blocks the
// publisher: events that do not fit the buffer are dropped and logged.
func (r *RiskManager) Subscribe(buffer int) (<-chan RiskEvent, func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextID
	r.nextID++
	ch := make(chan RiskEvent, buffer)
	r.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.subMu.Lock()
			defer r.subMu.Unlock()
			if c, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

func (r *RiskManager) publish(ev RiskEvent) {
	if ev.At.IsZero() {
		ev.At = r.clock.Now()
	}
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.logger.Warn("Risk event dropped, subscriber is full",
				zap.Int("subscriber", id),
				zap.String("type", string(ev.Type)))
		}
	}
}

// ComputeMetrics refreshes account metrics. It returns false when balance
// or positions are unavailable; high-water marks are left untouched then.
func (r *RiskManager) ComputeMetrics(ctx context.Context) (*domain.RiskMetrics, []domain.Position, bool) {
	bal, err := r.exchange.GetBalance(ctx)
	if err != nil {
		r.logger.Warn("Balance unavailable, risk metrics not updated", zap.Error(err))
		return nil, nil, false
	}
	positions, err := r.exchange.GetPositions(ctx, r.cfg.Symbol)
	if err != nil {
		r.logger.Warn("Positions unavailable, risk metrics not updated", zap.Error(err))
		return nil, nil, false
	}

	m := &domain.RiskMetrics{
		Balance:    bal.WalletBalance,
		Equity:     bal.Equity,
		ObservedAt: r.clock.Now(),
	}
	for _, p := range positions {
		m.UnrealizedPnL = m.UnrealizedPnL.Add(p.UnrealizedPnL)
		m.RealizedPnL = m.RealizedPnL.Add(p.RealizedPnL)
		m.MarginUsed = m.MarginUsed.Add(p.InitialMargin)
	}
	if m.Equity.IsPositive() {
		m.MarginRatioPct = m.MarginUsed.Div(m.Equity).Mul(hundred)
	}

	r.mu.Lock()
	if m.Balance.GreaterThan(r.peakBalance) {
		r.peakBalance = m.Balance
	}
	if r.peakBalance.IsPositive() {
		m.CurrentDrawdownPct = r.peakBalance.Sub(m.Balance).Div(r.peakBalance).Mul(hundred)
	}
	if m.CurrentDrawdownPct.GreaterThan(r.maxDrawdownPct) {
		r.maxDrawdownPct = m.CurrentDrawdownPct
	}
	m.PeakBalance = r.peakBalance
	m.MaxDrawdownPct = r.maxDrawdownPct
	r.mu.Unlock()

	r.lastMetrics.Store(m)
	return m, positions, true
}

// CheckLimits evaluates the drawdown and margin limits and runs the
// breakeven and partial-profit policies. KillSwitchTriggered is terminal.
func (r *RiskManager) CheckLimits(ctx context.Context) RiskState {
	if r.killSwitch.Load() {
		return RiskKillSwitchTriggered
	}

	m, positions, ok := r.ComputeMetrics(ctx)
	if !ok {
		return RiskNormal
	}

	if m.CurrentDrawdownPct.GreaterThanOrEqual(r.cfg.MaxDrawdownPercent) {
		if r.cfg.KillSwitchEnabled {
			r.TriggerKillSwitch(ctx, "Max drawdown exceeded: "+m.CurrentDrawdownPct.StringFixed(2)+"%")
			return RiskKillSwitchTriggered
		}
		logCritical(r.logger, "Max drawdown exceeded, kill switch disabled",
			zap.String("drawdown_pct", m.CurrentDrawdownPct.StringFixed(2)),
			zap.String("limit_pct", r.cfg.MaxDrawdownPercent.String()))
	}

	if m.MarginRatioPct.GreaterThan(r.cfg.MarginWarningPercent) {
		r.logger.Warn("High margin usage",
			zap.String("event", "MARGIN_WARNING"),
			zap.String("margin_ratio_pct", m.MarginRatioPct.StringFixed(2)))
		r.publish(RiskEvent{
			Type:   EventMarginWarning,
			Reason: "Margin ratio " + m.MarginRatioPct.StringFixed(2) + "%",
		})
	}

	if r.cfg.BreakevenEnabled {
		r.checkBreakeven(ctx, positions)
	}
	if r.cfg.PartialProfitEnabled {
		r.checkPartialProfit(ctx, positions)
	}
	return RiskNormal
}

// TriggerKillSwitch flattens the symbol: every open position is closed with
// a reduce-only market order and every open order is cancelled. Only the
// first call acts; failures are logged and cleanup continues.
func (r *RiskManager) TriggerKillSwitch(ctx context.Context, reason string) {
	r.killMu.Lock()
	defer r.killMu.Unlock()
	if r.killSwitch.Load() {
		return
	}
	r.killSwitch.Store(true)
	r.mu.Lock()
	r.killReason = reason
	r.mu.Unlock()
	metrics.KillSwitch.Inc()
	logCritical(r.logger, "KILL SWITCH TRIGGERED",
		zap.String("event", "KILL_SWITCH"),
		zap.String("symbol", r.cfg.Symbol),
		zap.String("reason", reason))

	closed, cancelled := 0, 0
	positions, err := r.exchange.GetPositions(ctx, r.cfg.Symbol)
	if err != nil {
		logCritical(r.logger, "Kill switch could not list positions", zap.Error(err))
	}
	for _, p := range positions {
		if p.Size.IsZero() {
			continue
		}
		req := domain.OrderRequest{
			Symbol:     r.cfg.Symbol,
			Side:       p.Side.Opposite(),
			Type:       domain.OrderTypeMarket,
			Qty:        p.Size.Abs(),
			ReduceOnly: true,
		}
		orderID, err := r.exchange.PlaceOrder(ctx, req)
		if err != nil {
			logCritical(r.logger, "Kill switch failed to close position",
				zap.String("position_id", p.PositionID),
				zap.String("size", p.Size.String()),
				zap.Error(err))
			continue
		}
		closed++
		metrics.OrdersPlaced.WithLabelValues("risk", string(req.Side), string(req.Type)).Inc()
		journalTrade(ctx, r.journal, r.logger, &domain.TradeRecord{
			OrderID:   orderID,
			Symbol:    r.cfg.Symbol,
			Side:      req.Side,
			Quantity:  req.Qty,
			Price:     p.MarkPrice,
			TradeType: "kill_switch",
			Status:    domain.TradeStatusPlaced,
			CreatedAt: r.clock.Now(),
		})
	}

	orders, err := r.exchange.GetOpenOrders(ctx, r.cfg.Symbol)
	if err != nil {
		logCritical(r.logger, "Kill switch could not list open orders", zap.Error(err))
	}
	for _, o := range orders {
		if err := r.exchange.CancelOrder(ctx, r.cfg.Symbol, o.OrderID); err != nil {
			logCritical(r.logger, "Kill switch failed to cancel order", zap.String("order_id", o.OrderID), zap.Error(err))
			continue
		}
		cancelled++
		metrics.OrdersCancelled.WithLabelValues("risk").Inc()
	}

	r.logger.Info("Kill switch cleanup finished",
		zap.Int("positions_closed", closed),
		zap.Int("orders_cancelled", cancelled))
	r.publish(RiskEvent{Type: EventKillSwitch, Reason: reason})
}

func (r *RiskManager) checkBreakeven(ctx context.Context, positions []domain.Position) {
	for _, p := range positions {
		if p.Size.IsZero() || !p.UnrealizedPnL.IsPositive() {
			continue
		}
		r.mu.Lock()
		_, done := r.breakevenOrders[p.PositionID]
		r.mu.Unlock()
		if done {
			continue
		}

		req := domain.OrderRequest{
			Symbol:     r.cfg.Symbol,
			Side:       p.Side.Opposite(),
			Type:       domain.OrderTypeLimit,
			Qty:        p.Size.Abs(),
			Price:      p.AvgPrice,
			ReduceOnly: true,
		}
		orderID, err := r.exchange.PlaceOrder(ctx, req)
		if err != nil {
			r.logger.Warn("Failed to place breakeven order", zap.String("position_id", p.PositionID), zap.Error(err))
			continue
		}
		r.mu.Lock()
		r.breakevenOrders[p.PositionID] = orderID
		r.mu.Unlock()

		metrics.OrdersPlaced.WithLabelValues("risk", string(req.Side), string(req.Type)).Inc()
		r.logger.Info("Breakeven order placed",
			zap.String("event", "BREAKEVEN"),
			zap.String("position_id", p.PositionID),
			zap.String("side", string(req.Side)),
			zap.String("qty", req.Qty.String()),
			zap.String("price", req.Price.String()),
			zap.String("order_id", orderID))
		journalTrade(ctx, r.journal, r.logger, &domain.TradeRecord{
			OrderID:   orderID,
			Symbol:    r.cfg.Symbol,
			Side:      req.Side,
			Quantity:  req.Qty,
			Price:     req.Price,
			TradeType: "breakeven",
			Status:    domain.TradeStatusPlaced,
			CreatedAt: r.clock.Now(),
		})
		r.publish(RiskEvent{
			Type:       EventBreakeven,
			PositionID: p.PositionID,
			OrderID:    orderID,
			Price:      req.Price,
			Qty:        req.Qty,
		})
	}
}

func (r *RiskManager) partialProfitReached(p domain.Position) bool {
	if !p.AvgPrice.IsPositive() || !r.cfg.PartialProfitMultiple.IsPositive() {
		return false
	}
	if p.Side == domain.SideBuy {
		return p.MarkPrice.GreaterThanOrEqual(p.AvgPrice.Mul(r.cfg.PartialProfitMultiple))
	}
	return p.MarkPrice.LessThanOrEqual(p.AvgPrice.Div(r.cfg.PartialProfitMultiple))
}

func (r *RiskManager) checkPartialProfit(ctx context.Context, positions []domain.Position) {
	for _, p := range positions {
		if p.Size.IsZero() || !r.partialProfitReached(p) {
			continue
		}
		r.mu.Lock()
		_, done := r.partialOrders[p.PositionID]
		r.mu.Unlock()
		if done {
			continue
		}

		qty := p.Size.Abs().Mul(percent(r.cfg.PartialProfitPercent)).Round(r.cfg.QtyPrecision)
		if !qty.IsPositive() {
			continue
		}
		req := domain.OrderRequest{
			Symbol:     r.cfg.Symbol,
			Side:       p.Side.Opposite(),
			Type:       domain.OrderTypeMarket,
			Qty:        qty,
			ReduceOnly: true,
		}
		orderID, err := r.exchange.PlaceOrder(ctx, req)
		if err != nil {
			r.logger.Warn("Failed to place partial profit order", zap.String("position_id", p.PositionID), zap.Error(err))
			continue
		}
		r.mu.Lock()
		r.partialOrders[p.PositionID] = orderID
		r.mu.Unlock()

		metrics.OrdersPlaced.WithLabelValues("risk", string(req.Side), string(req.Type)).Inc()
		r.logger.Info("Partial profit taken",
			zap.String("event", "PARTIAL_PROFIT"),
			zap.String("position_id", p.PositionID),
			zap.String("qty", qty.String()),
			zap.String("mark_price", p.MarkPrice.String()),
			zap.String("order_id", orderID))
		journalTrade(ctx, r.journal, r.logger, &domain.TradeRecord{
			OrderID:   orderID,
			Symbol:    r.cfg.Symbol,
			Side:      req.Side,
			Quantity:  qty,
			Price:     p.MarkPrice,
			TradeType: "partial_profit",
			Status:    domain.TradeStatusPlaced,
			CreatedAt: r.clock.Now(),
		})
		r.publish(RiskEvent{
			Type:       EventPartialProfit,
			PositionID: p.PositionID,
			OrderID:    orderID,
			Price:      p.MarkPrice,
			Qty:        qty,
		})
	}
}

func (r *RiskManager) KillSwitchActive() bool { return r.killSwitch.Load() }

// LastMetrics returns the most recent successful computation, or nil.
func (r *RiskManager) LastMetrics() *domain.RiskMetrics {
	m := r.lastMetrics.Load()
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}

func (r *RiskManager) Status() RiskStatus {
	r.mu.Lock()
	reason := r.killReason
	be, pp := len(r.breakevenOrders), len(r.partialOrders)
	r.mu.Unlock()
	return RiskStatus{
		KillSwitch:       r.killSwitch.Load(),
		KillSwitchReason: reason,
		Metrics:          r.LastMetrics(),
		BreakevenOrders:  be,
		PartialOrders:    pp,
	}
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_bot/internal/domain"
	"github.com/vitos/crypto_grid_bot/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

type BotState string

const (
	StateStopped  BotState = "stopped"
	StateStarting BotState = "starting"
	StateRunning  BotState = "running"
	StateStopping BotState = "stopping"
)

type BotConfig struct {
	Symbol      string
	Leverage    int
	Interval    time.Duration
	StopTimeout time.Duration
	// performance rows and terminal trades older than this are pruned
	Retention    time.Duration
	CleanupEvery int

	Grid GridConfig
	DCA  DCAConfig
	Risk RiskConfig
}

func DefaultBotConfig(symbol string) BotConfig {
	return BotConfig{
		Symbol:       symbol,
		Leverage:     10,
		Interval:     5 * time.Second,
		StopTimeout:  10 * time.Second,
		Retention:    7 * 24 * time.Hour,
		CleanupEvery: 720,
		Grid:         DefaultGridConfig(symbol),
		DCA:          DefaultDCAConfig(symbol),
		Risk:         DefaultRiskConfig(symbol),
	}
}

type haltReason int

const (
	haltNone haltReason = iota
	haltKillSwitch
	haltPanic
)

var ErrCommandQueueFull = errors.New("command queue is full")

// TradingBot drives the engines from a single control loop. Engines are
// only mutated from inside the loop once the bot is running; operator
// commands are queued and applied at the start of the next cycle.
type TradingBot struct {
	exchange domain.Exchange
	store    domain.StateStore
	grid     *GridEngine
	dca      *DCAEngine
	risk     *RiskManager
	clock    Clock
	cfg      BotConfig
	logger   *zap.Logger

	mu        sync.Mutex
	state     BotState
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	trendCh chan domain.Trend

	cycles    atomic.Int64
	lastCycle atomic.Pointer[time.Time]
}

func NewTradingBot(exchange domain.Exchange, store domain.StateStore, cfg BotConfig, logger *zap.Logger) (*TradingBot, error) {
	var journal domain.TradeJournal
	if store != nil {
		journal = store
	}
	grid, err := NewGridEngine(exchange, cfg.Grid, journal, logger)
	if err != nil {
		return nil, err
	}
	dca, err := NewDCAEngine(exchange, cfg.DCA, journal, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &TradingBot{
		exchange: exchange,
		store:    store,
		grid:     grid,
		dca:      dca,
		risk:     NewRiskManager(exchange, cfg.Risk, journal, logger),
		clock:    RealClock(),
		cfg:      cfg,
		logger:   logger.With(zap.String("symbol", cfg.Symbol)),
		state:    StateStopped,
		trendCh:  make(chan domain.Trend, 4),
	}, nil
}

// SetClock swaps the clock of the bot and all engines. Call before Start.
func (b *TradingBot) SetClock(c Clock) {
	b.clock = c
	b.grid.SetClock(c)
	b.dca.SetClock(c)
	b.risk.SetClock(c)
}

func (b *TradingBot) Grid() *GridEngine  { return b.grid }
func (b *TradingBot) DCA() *DCAEngine    { return b.dca }
func (b *TradingBot) Risk() *RiskManager { return b.risk }

func (b *TradingBot) State() BotState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *TradingBot) setState(s BotState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Start connects, places the initial orders and spawns the control loop.
func (b *TradingBot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateStopped {
		b.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	if b.risk.KillSwitchActive() {
		b.mu.Unlock()
		return domain.ErrKillSwitchActive
	}
	b.state = StateStarting
	b.mu.Unlock()

	b.logger.Info("Starting trading bot",
		zap.Int("leverage", b.cfg.Leverage),
		zap.Duration("interval", b.cfg.Interval))

	if err := b.exchange.Connect(ctx); err != nil {
		b.setState(StateStopped)
		return fmt.Errorf("connect exchange: %w", err)
	}
	if err := b.exchange.SetLeverage(ctx, b.cfg.Symbol, b.cfg.Leverage); err != nil {
		b.logger.Warn("Failed to set leverage, continuing", zap.Int("leverage", b.cfg.Leverage), zap.Error(err))
	}

	if err := b.grid.Start(ctx); err != nil {
		b.abortStart()
		return fmt.Errorf("start grid: %w", err)
	}
	if err := b.dca.Start(ctx, b.dca.Trend()); err != nil {
		if stopErr := b.grid.Stop(ctx); stopErr != nil {
			b.logger.Warn("Grid cleanup after failed start incomplete", zap.Error(stopErr))
		}
		b.abortStart()
		return fmt.Errorf("start dca: %w", err)
	}

	events, unsubscribe := b.risk.Subscribe(16)
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ticker := b.clock.NewTicker(b.cfg.Interval)

	b.mu.Lock()
	b.state = StateRunning
	b.cancel = cancel
	b.done = done
	b.startedAt = b.clock.Now()
	b.mu.Unlock()

	go b.run(loopCtx, ticker, events, unsubscribe, done)

	b.logger.Info("Trading bot started")
	return nil
}

func (b *TradingBot) abortStart() {
	if err := b.exchange.Disconnect(); err != nil {
		b.logger.Warn("Disconnect failed", zap.Error(err))
	}
	b.setState(StateStopped)
}

func (b *TradingBot) run(ctx context.Context, ticker Ticker, events <-chan RiskEvent, unsubscribe func(), done chan struct{}) {
	defer close(done)
	defer unsubscribe()
	defer ticker.Stop()

	if r := b.safeCycle(ctx); r != haltNone {
		b.halt(r)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			b.logger.Info("Risk event",
				zap.String("type", string(ev.Type)),
				zap.String("reason", ev.Reason),
				zap.String("position_id", ev.PositionID))
			if ev.Type == EventKillSwitch {
				logCritical(b.logger, "Kill switch activated, halting trading loop", zap.String("reason", ev.Reason))
				b.halt(haltKillSwitch)
				return
			}
		case <-ticker.C():
			if r := b.safeCycle(ctx); r != haltNone {
				b.halt(r)
				return
			}
		}
	}
}

// safeCycle runs one iteration and turns a panic into a halt.
func (b *TradingBot) safeCycle(ctx context.Context) (reason haltReason) {
	defer func() {
		if rec := recover(); rec != nil {
			logCritical(b.logger, "Trading loop panicked, halting",
				zap.Any("panic", rec),
				zap.Stack("stack"))
			reason = haltPanic
		}
	}()
	return b.cycle(ctx)
}

// cycle runs one iteration. stop is only checked between steps; exchange
// calls run on a context Stop cannot cancel, so a placement in flight is
// either recorded or never made.
func (b *TradingBot) cycle(stop context.Context) haltReason {
	start := time.Now()
	ctx := context.WithoutCancel(stop)

	if b.risk.CheckLimits(ctx) == RiskKillSwitchTriggered {
		logCritical(b.logger, "Kill switch active, halting trading loop")
		return haltKillSwitch
	}
	if stop.Err() != nil {
		return haltNone
	}

	b.applyCommands(ctx)

	if err := b.grid.Reconcile(ctx); err != nil {
		b.logger.Debug("Grid reconcile skipped", zap.Error(err))
	}
	if stop.Err() != nil {
		return haltNone
	}

	price, err := b.exchange.GetCurrentPrice(ctx, b.cfg.Symbol)
	if err != nil {
		b.logger.Warn("Price unavailable, skipping DCA this cycle", zap.Error(err))
	} else if err := b.dca.Reconcile(ctx, price); err != nil {
		b.logger.Debug("DCA reconcile skipped", zap.Error(err))
	}

	b.observe(ctx)

	n := b.cycles.Add(1)
	now := b.clock.Now()
	b.lastCycle.Store(&now)
	metrics.Cycles.Inc()
	metrics.CycleDuration.Observe(time.Since(start).Seconds())

	if b.store != nil && b.cfg.CleanupEvery > 0 && n%int64(b.cfg.CleanupEvery) == 0 {
		if err := b.store.CleanupOlderThan(ctx, now.Add(-b.cfg.Retention)); err != nil {
			b.logger.Warn("State store cleanup failed", zap.Error(err))
		}
	}
	return haltNone
}

func (b *TradingBot) applyCommands(ctx context.Context) {
	for {
		select {
		case trend := <-b.trendCh:
			if err := b.dca.UpdateTrendDirection(ctx, trend); err != nil {
				b.logger.Warn("Trend change failed", zap.String("trend", string(trend)), zap.Error(err))
			}
		default:
			return
		}
	}
}

func (b *TradingBot) observe(ctx context.Context) {
	m := b.risk.LastMetrics()
	grid := b.grid.Status()
	dca := b.dca.Status()

	if m != nil {
		b.logger.Info("Account status",
			zap.String("balance", m.Balance.StringFixed(2)),
			zap.String("equity", m.Equity.StringFixed(2)),
			zap.String("unrealized_pnl", m.UnrealizedPnL.StringFixed(2)),
			zap.String("drawdown_pct", m.CurrentDrawdownPct.StringFixed(2)),
			zap.String("margin_ratio_pct", m.MarginRatioPct.StringFixed(2)),
			zap.Int("grid_active", grid.ActiveOrders),
			zap.Int("dca_active", dca.ActiveOrders))
		metrics.Balance.Set(m.Balance.InexactFloat64())
		metrics.Equity.Set(m.Equity.InexactFloat64())
		metrics.DrawdownPct.Set(m.CurrentDrawdownPct.InexactFloat64())
		metrics.MarginRatioPct.Set(m.MarginRatioPct.InexactFloat64())
	}

	if b.store == nil {
		return
	}
	if m != nil {
		sample := &domain.PerformanceSample{
			Timestamp:     m.ObservedAt,
			Balance:       m.Balance,
			Equity:        m.Equity,
			UnrealizedPnL: m.UnrealizedPnL,
			RealizedPnL:   m.RealizedPnL,
			DrawdownPct:   m.CurrentDrawdownPct,
			MarginRatio:   m.MarginRatioPct,
		}
		if err := b.store.SavePerformance(ctx, sample); err != nil {
			b.logger.Warn("Failed to save performance sample", zap.Error(err))
		}
	}
	if err := b.store.SaveLadder(ctx, engineGrid, grid.Levels); err != nil {
		b.logger.Warn("Failed to save grid ladder", zap.Error(err))
	}
	if err := b.store.SaveLadder(ctx, engineDCA, dca.Levels); err != nil {
		b.logger.Warn("Failed to save dca ladder", zap.Error(err))
	}
	if err := b.store.SaveBotState(ctx, "dca_trend", string(dca.Trend)); err != nil {
		b.logger.Warn("Failed to save bot state", zap.Error(err))
	}
}

// halt ends a running loop from inside after a kill switch or a panic.
// It does nothing when Stop has already taken over.
func (b *TradingBot) halt(reason haltReason) {
	b.mu.Lock()
	if b.state != StateRunning {
		b.mu.Unlock()
		return
	}
	b.state = StateStopping
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.StopTimeout)
	defer cancel()

	switch reason {
	case haltKillSwitch:
		b.grid.Deactivate()
		b.dca.Deactivate()
	case haltPanic:
		b.stopEngines(ctx)
	}
	if err := b.exchange.Disconnect(); err != nil {
		b.logger.Warn("Disconnect failed", zap.Error(err))
	}
	b.setState(StateStopped)
	b.logger.Info("Trading loop halted")
}

func (b *TradingBot) stopEngines(ctx context.Context) {
	if b.risk.KillSwitchActive() {
		b.grid.Deactivate()
		b.dca.Deactivate()
		return
	}
	if err := b.grid.Stop(ctx); err != nil {
		b.logger.Warn("Grid stop incomplete", zap.Error(err))
	}
	if err := b.dca.Stop(ctx); err != nil {
		b.logger.Warn("DCA stop incomplete", zap.Error(err))
	}
}

// Stop ends the loop, cancels resting orders and disconnects. Calling Stop
// on a stopped bot is a no-op.
func (b *TradingBot) Stop(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case StateStopped:
		b.mu.Unlock()
		return nil
	case StateStarting:
		b.mu.Unlock()
		return fmt.Errorf("bot is starting: %w", domain.ErrNotRunning)
	case StateStopping:
		done := b.done
		b.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	b.state = StateStopping
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	b.logger.Info("Stopping trading bot")
	cancel()

	timer := time.NewTimer(b.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		b.logger.Warn("Trading loop did not finish in time", zap.Duration("timeout", b.cfg.StopTimeout))
	case <-ctx.Done():
		b.logger.Warn("Stop interrupted while waiting for the trading loop", zap.Error(ctx.Err()))
	}

	cleanupCtx, cancelCleanup := b.cleanupContext(ctx)
	defer cancelCleanup()
	b.stopEngines(cleanupCtx)
	if err := b.exchange.Disconnect(); err != nil {
		b.logger.Warn("Disconnect failed", zap.Error(err))
	}
	b.setState(StateStopped)
	b.logger.Info("Trading bot stopped")
	return nil
}

// cleanupContext keeps the caller's values but not its cancellation: order
// cancels and position closes must run to completion once started.
func (b *TradingBot) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), b.cfg.StopTimeout)
}

// EmergencyStop flattens all exposure and stops the bot.
func (b *TradingBot) EmergencyStop(ctx context.Context) error {
	logCritical(b.logger, "Emergency stop requested")
	killCtx, cancel := b.cleanupContext(ctx)
	b.risk.TriggerKillSwitch(killCtx, "Emergency stop requested")
	cancel()
	return b.Stop(ctx)
}

// SetTrend queues a DCA trend change for the next cycle.
func (b *TradingBot) SetTrend(trend domain.Trend) error {
	if _, err := domain.ParseTrend(string(trend)); err != nil {
		return err
	}
	if b.State() != StateRunning {
		return domain.ErrNotRunning
	}
	select {
	case b.trendCh <- trend:
		b.logger.Info("Trend change queued", zap.String("trend", string(trend)))
		return nil
	default:
		return ErrCommandQueueFull
	}
}

// Wait blocks until the current loop exits.
func (b *TradingBot) Wait(ctx context.Context) error {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type BotStatus struct {
	State     BotState   `json:"state"`
	Symbol    string     `json:"symbol"`
	StartedAt time.Time  `json:"started_at"`
	Cycles    int64      `json:"cycles"`
	LastCycle *time.Time `json:"last_cycle,omitempty"`
	Grid      GridStatus `json:"grid"`
	DCA       DCAStatus  `json:"dca"`
	Risk      RiskStatus `json:"risk"`
}

func (b *TradingBot) Status() BotStatus {
	b.mu.Lock()
	state, started := b.state, b.startedAt
	b.mu.Unlock()
	return BotStatus{
		State:     state,
		Symbol:    b.cfg.Symbol,
		StartedAt: started,
		Cycles:    b.cycles.Load(),
		LastCycle: b.lastCycle.Load(),
		Grid:      b.grid.Status(),
		DCA:       b.dca.Status(),
		Risk:      b.risk.Status(),
	}
}

type Performance struct {
	Available          bool            `json:"available"`
	InitialCapital     decimal.Decimal `json:"initial_capital"`
	CurrentBalance     decimal.Decimal `json:"current_balance"`
	Equity             decimal.Decimal `json:"equity"`
	TotalReturnPct     decimal.Decimal `json:"total_return_pct"`
	UnrealizedPnL      decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL        decimal.Decimal `json:"realized_pnl"`
	PeakBalance        decimal.Decimal `json:"peak_balance"`
	CurrentDrawdownPct decimal.Decimal `json:"current_drawdown_pct"`
	MaxDrawdownPct     decimal.Decimal `json:"max_drawdown_pct"`
	MarginRatioPct     decimal.Decimal `json:"margin_ratio_pct"`
	ObservedAt         time.Time       `json:"observed_at"`
}

func (b *TradingBot) Performance() Performance {
	p := Performance{InitialCapital: b.cfg.Risk.InitialCapital}
	m := b.risk.LastMetrics()
	if m == nil {
		return p
	}
	p.Available = true
	p.CurrentBalance = m.Balance
	p.Equity = m.Equity
	if p.InitialCapital.IsPositive() {
		p.TotalReturnPct = m.Balance.Sub(p.InitialCapital).Div(p.InitialCapital).Mul(hundred)
	}
	p.UnrealizedPnL = m.UnrealizedPnL
	p.RealizedPnL = m.RealizedPnL
	p.PeakBalance = m.PeakBalance
	p.CurrentDrawdownPct = m.CurrentDrawdownPct
	p.MaxDrawdownPct = m.MaxDrawdownPct
	p.MarginRatioPct = m.MarginRatioPct
	p.ObservedAt = m.ObservedAt
	return p
}

type Health struct {
	State             BotState   `json:"state"`
	LoopAlive         bool       `json:"loop_alive"`
	ExchangeConnected bool       `json:"exchange_connected"`
	KillSwitch        bool       `json:"kill_switch"`
	GridActive        int        `json:"grid_active_orders"`
	GridFilled        int        `json:"grid_filled_orders"`
	DCAActive         int        `json:"dca_active_orders"`
	DCAFilled         int        `json:"dca_filled_orders"`
	Cycles            int64      `json:"cycles"`
	LastCycle         *time.Time `json:"last_cycle,omitempty"`
}

func (b *TradingBot) Health() Health {
	b.mu.Lock()
	state, done := b.state, b.done
	b.mu.Unlock()

	alive := false
	if done != nil {
		select {
		case <-done:
		default:
			alive = true
		}
	}
	grid, dca := b.grid.Status(), b.dca.Status()
	return Health{
		State:             state,
		LoopAlive:         alive,
		ExchangeConnected: b.exchange.IsConnected(),
		KillSwitch:        b.risk.KillSwitchActive(),
		GridActive:        grid.ActiveOrders,
		GridFilled:        grid.FilledOrders,
		DCAActive:         dca.ActiveOrders,
		DCAFilled:         dca.FilledOrders,
		Cycles:            b.cycles.Load(),
		LastCycle:         b.lastCycle.Load(),
	}
}

package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange is the port the core trades through. Every failure is reported
// as an error; the core treats any error as "unavailable this cycle".
type Exchange interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	GetPositions(ctx context.Context, symbol string) ([]Position, error)
	GetBalance(ctx context.Context) (*Balance, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// TradeRecord is one row of the append-only trade log, keyed by remote order id.
type TradeRecord struct {
	OrderID   string
	Symbol    string
	Side      Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	TradeType string // grid, grid_opposite, dca, kill_switch, breakeven, partial_profit
	Status    string // placed, filled, cancelled
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	TradeStatusPlaced    = "placed"
	TradeStatusFilled    = "filled"
	TradeStatusCancelled = "cancelled"
)

// PerformanceSample is one point of the performance time series.
type PerformanceSample struct {
	Timestamp     time.Time
	Balance       decimal.Decimal
	Equity        decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	DrawdownPct   decimal.Decimal
	MarginRatio   decimal.Decimal
}

// TradeJournal records order lifecycle events.
type TradeJournal interface {
	SaveTrade(ctx context.Context, trade *TradeRecord) error
}

// StateStore persists bot state for inspection and crash analysis. It is not
// required for the correctness of an in-memory run.
type StateStore interface {
	TradeJournal
	ListTrades(ctx context.Context, limit int) ([]*TradeRecord, error)

	SaveBotState(ctx context.Context, key, value string) error
	GetBotState(ctx context.Context, key string) (string, error)

	SavePerformance(ctx context.Context, sample *PerformanceSample) error
	ListPerformance(ctx context.Context, limit int) ([]*PerformanceSample, error)

	SaveLadder(ctx context.Context, ladder string, levels []Level) error
	ListLadder(ctx context.Context, ladder string) ([]Level, error)

	CleanupOlderThan(ctx context.Context, cutoff time.Time) error
}

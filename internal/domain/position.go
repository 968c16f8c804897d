package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position represents an open position on the exchange.
type Position struct {
	Symbol        string
	PositionID    string // Bybit positionIdx
	Side          Side
	Size          decimal.Decimal
	AvgPrice      decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	InitialMargin decimal.Decimal
}

// OpenOrder is one entry of the remote open-order snapshot.
type OpenOrder struct {
	OrderID string
	Symbol  string
	Side    Side
	Price   decimal.Decimal
	Qty     decimal.Decimal
}

type Balance struct {
	WalletBalance decimal.Decimal
	Equity        decimal.Decimal
	UsedMargin    decimal.Decimal
}

// OrderRequest describes an order to place. Price is ignored for market orders.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	Price         decimal.Decimal
	ReduceOnly    bool
	ClientOrderID string
}

// RiskMetrics is recomputed every cycle. PeakBalance and MaxDrawdownPct are
// high-water marks that never decrease during a run.
type RiskMetrics struct {
	Balance            decimal.Decimal `json:"balance"`
	Equity             decimal.Decimal `json:"equity"`
	MarginUsed         decimal.Decimal `json:"margin_used"`
	UnrealizedPnL      decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL        decimal.Decimal `json:"realized_pnl"`
	PeakBalance        decimal.Decimal `json:"peak_balance"`
	CurrentDrawdownPct decimal.Decimal `json:"current_drawdown_pct"`
	MaxDrawdownPct     decimal.Decimal `json:"max_drawdown_pct"`
	MarginRatioPct     decimal.Decimal `json:"margin_ratio_pct"`
	ObservedAt         time.Time       `json:"observed_at"`
}

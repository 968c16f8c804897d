package web

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_bot/internal/domain"
)

type tradeView struct {
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Side      domain.Side     `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	TradeType string          `json:"trade_type"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func newTradeView(t *domain.TradeRecord) tradeView {
	return tradeView{
		OrderID:   t.OrderID,
		Symbol:    t.Symbol,
		Side:      t.Side,
		Quantity:  t.Quantity,
		Price:     t.Price,
		TradeType: t.TradeType,
		Status:    t.Status,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

type performanceView struct {
	Timestamp     time.Time       `json:"timestamp"`
	Balance       decimal.Decimal `json:"balance"`
	Equity        decimal.Decimal `json:"equity"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	DrawdownPct   decimal.Decimal `json:"drawdown_pct"`
	MarginRatio   decimal.Decimal `json:"margin_ratio"`
}

func newPerformanceView(p *domain.PerformanceSample) performanceView {
	return performanceView{
		Timestamp:     p.Timestamp,
		Balance:       p.Balance,
		Equity:        p.Equity,
		UnrealizedPnL: p.UnrealizedPnL,
		RealizedPnL:   p.RealizedPnL,
		DrawdownPct:   p.DrawdownPct,
		MarginRatio:   p.MarginRatio,
	}
}

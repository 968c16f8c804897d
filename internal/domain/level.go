package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the side that closes or offsets s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderTypeLimit  OrderType = "Limit"
	OrderTypeMarket OrderType = "Market"
)

type LevelState string

const (
	LevelIdle   LevelState = "idle"
	LevelActive LevelState = "active"
	LevelFilled LevelState = "filled"
)

// Level is one rung of a grid or DCA ladder.
// A level is idle (no order, not filled), active (order placed, not filled)
// or filled. It never goes back from filled.
type Level struct {
	Index          int                 `json:"index"`
	ReferencePrice decimal.Decimal     `json:"reference_price"`
	Side           Side                `json:"side"`
	Quantity       decimal.Decimal     `json:"quantity"`
	OrderID        string              `json:"order_id,omitempty"`
	Filled         bool                `json:"filled"`
	FillPrice      decimal.NullDecimal `json:"fill_price"`
	FillTime       *time.Time          `json:"fill_time,omitempty"`
}

func (l *Level) State() LevelState {
	switch {
	case l.Filled:
		return LevelFilled
	case l.OrderID != "":
		return LevelActive
	default:
		return LevelIdle
	}
}

func (l *Level) IsActive() bool { return l.State() == LevelActive }
func (l *Level) IsIdle() bool   { return l.State() == LevelIdle }

// MarkPlaced records the remote order backing an idle level.
func (l *Level) MarkPlaced(orderID string) {
	l.OrderID = orderID
}

// MarkFilled transitions an active level to filled. The order id is kept for history.
func (l *Level) MarkFilled(price decimal.Decimal, at time.Time) {
	l.Filled = true
	l.FillPrice = decimal.NewNullDecimal(price)
	t := at
	l.FillTime = &t
}

// Release forgets the remote order of an active level, making it idle again.
func (l *Level) Release() {
	if !l.Filled {
		l.OrderID = ""
	}
}

// Trend is the direction the DCA ladder follows.
type Trend string

const (
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
)

func ParseTrend(s string) (Trend, error) {
	switch Trend(s) {
	case TrendUp, TrendDown:
		return Trend(s), nil
	}
	return "", &ConfigError{Field: "trend", Reason: "must be \"up\" or \"down\", got " + s}
}

// EntrySide is the side the DCA ladder adds exposure on.
func (t Trend) EntrySide() Side {
	if t == TrendDown {
		return SideBuy
	}
	return SideSell
}

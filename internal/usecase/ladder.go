package usecase

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_bot/internal/domain"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// ladder is the ordered level list of one engine. It is not synchronised;
// each engine guards its ladder with its operation mutex.
type ladder []domain.Level

func (l ladder) counts() (active, filled int) {
	for i := range l {
		switch l[i].State() {
		case domain.LevelActive:
			active++
		case domain.LevelFilled:
			filled++
		}
	}
	return active, filled
}

// clone deep-copies the ladder for publication in a status snapshot.
func (l ladder) clone() []domain.Level {
	out := make([]domain.Level, len(l))
	copy(out, l)
	for i := range out {
		if out[i].FillTime != nil {
			t := *out[i].FillTime
			out[i].FillTime = &t
		}
	}
	return out
}

// markMissingFilled marks every active level whose order is absent from the
// open-order snapshot as filled. It returns the indices of the new fills.
// priceOf supplies the fill price recorded on the level.
func (l ladder) markMissingFilled(open map[string]struct{}, at time.Time, priceOf func(*domain.Level) decimal.Decimal) []int {
	var fills []int
	for i := range l {
		lvl := &l[i]
		if !lvl.IsActive() {
			continue
		}
		if _, ok := open[lvl.OrderID]; ok {
			continue
		}
		lvl.MarkFilled(priceOf(lvl), at)
		fills = append(fills, i)
	}
	return fills
}

func openOrderSet(orders []domain.OpenOrder) map[string]struct{} {
	set := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		set[o.OrderID] = struct{}{}
	}
	return set
}

// movedMoreThan reports whether price moved by more than limitPct percent
// relative to from. A zero reference never trips the guard.
func movedMoreThan(from, to, limitPct decimal.Decimal) bool {
	if from.IsZero() || limitPct.LessThanOrEqual(decimal.Zero) {
		return false
	}
	change := to.Sub(from).Abs().Div(from).Mul(hundred)
	return change.GreaterThan(limitPct)
}

func percent(p decimal.Decimal) decimal.Decimal {
	return p.Div(hundred)
}

// journalTrade writes a trade record when a journal is configured. Failures
// are logged and never propagate into the trading path.
func journalTrade(ctx context.Context, journal domain.TradeJournal, logger *zap.Logger, rec *domain.TradeRecord) {
	if journal == nil {
		return
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.UpdatedAt = rec.CreatedAt
	if err := journal.SaveTrade(ctx, rec); err != nil {
		logger.Warn("Failed to record trade",
			zap.String("order_id", rec.OrderID),
			zap.String("trade_type", rec.TradeType),
			zap.Error(err))
	}
}

// logCritical tags an error-level entry as critical for alerting.
func logCritical(logger *zap.Logger, msg string, fields ...zap.Field) {
	logger.Error(msg, append(fields, zap.String("severity", "critical"))...)
}

package storage

import (
	"context"
	"time"

	"github.com/vitos/crypto_grid_bot/internal/domain"
)

// NopStore discards writes and reads back nothing.
type NopStore struct{}

var _ domain.StateStore = NopStore{}

func (NopStore) SaveTrade(context.Context, *domain.TradeRecord) error { return nil }
func (NopStore) ListTrades(context.Context, int) ([]*domain.TradeRecord, error) {
	return nil, nil
}
func (NopStore) SaveBotState(context.Context, string, string) error { return nil }
func (NopStore) GetBotState(context.Context, string) (string, error) { return "", nil }
func (NopStore) SavePerformance(context.Context, *domain.PerformanceSample) error {
	return nil
}
func (NopStore) ListPerformance(context.Context, int) ([]*domain.PerformanceSample, error) {
	return nil, nil
}
func (NopStore) SaveLadder(context.Context, string, []domain.Level) error { return nil }
func (NopStore) ListLadder(context.Context, string) ([]domain.Level, error) {
	return nil, nil
}
func (NopStore) CleanupOlderThan(context.Context, time.Time) error { return nil }

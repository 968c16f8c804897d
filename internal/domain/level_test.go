package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelLifecycle(t *testing.T) {
	l := Level{Index: 0, Side: SideBuy, ReferencePrice: decimal.NewFromInt(100)}
	assert.Equal(t, LevelIdle, l.State())

	l.MarkPlaced("o-1")
	assert.True(t, l.IsActive())

	l.Release()
	assert.True(t, l.IsIdle())

	l.MarkPlaced("o-2")
	at := time.Unix(1700000000, 0)
	l.MarkFilled(decimal.NewFromInt(99), at)
	assert.Equal(t, LevelFilled, l.State())
	assert.Equal(t, "o-2", l.OrderID)
	require.True(t, l.FillPrice.Valid)
	assert.True(t, l.FillPrice.Decimal.Equal(decimal.NewFromInt(99)))
	assert.Equal(t, at, *l.FillTime)

	// filled is terminal
	l.Release()
	assert.Equal(t, LevelFilled, l.State())
}

func TestSideOpposite(t *testing.T) {
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
}

func TestParseTrend(t *testing.T) {
	tr, err := ParseTrend("down")
	require.NoError(t, err)
	assert.Equal(t, SideBuy, tr.EntrySide())

	tr, err = ParseTrend("up")
	require.NoError(t, err)
	assert.Equal(t, SideSell, tr.EntrySide())

	_, err = ParseTrend("sideways")
	var cfgErr *ConfigError
	assert.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "trend", cfgErr.Field)
}

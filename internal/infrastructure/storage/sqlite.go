package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_grid_bot/internal/domain"
)

// SQLiteStore implements domain.StateStore. Decimals are stored as TEXT and
// timestamps as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

var _ domain.StateStore = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// One writer; the control loop and the API share the handle.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bot_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS trade_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL UNIQUE,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			price TEXT NOT NULL,
			trade_type TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_history_created ON trade_history(created_at);`,
		`CREATE TABLE IF NOT EXISTS performance_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			balance TEXT NOT NULL,
			equity TEXT NOT NULL,
			unrealized_pnl TEXT NOT NULL,
			realized_pnl TEXT NOT NULL,
			drawdown TEXT NOT NULL,
			margin_ratio TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_performance_timestamp ON performance_metrics(timestamp);`,
		`CREATE TABLE IF NOT EXISTS ladder_levels (
			ladder TEXT NOT NULL,
			idx INTEGER NOT NULL,
			price TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			order_id TEXT NOT NULL DEFAULT '',
			filled BOOLEAN NOT NULL DEFAULT 0,
			fill_price TEXT,
			fill_time INTEGER,
			PRIMARY KEY (ladder, idx)
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func dec(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// Trade journal

// SaveTrade inserts a trade or, for a known order id, updates its status,
// price and update time.
func (s *SQLiteStore) SaveTrade(ctx context.Context, t *domain.TradeRecord) error {
	updated := t.UpdatedAt
	if updated.IsZero() {
		updated = t.CreatedAt
	}
	query := `INSERT INTO trade_history (order_id, symbol, side, quantity, price, trade_type, status, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(order_id) DO UPDATE SET
			  status=excluded.status,
			  price=excluded.price,
			  updated_at=excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		t.OrderID, t.Symbol, string(t.Side), t.Quantity.String(), t.Price.String(),
		t.TradeType, t.Status, millis(t.CreatedAt), millis(updated))
	if err != nil {
		return fmt.Errorf("save trade %s: %w", t.OrderID, err)
	}
	return nil
}

// ListTrades returns the newest trades first.
func (s *SQLiteStore) ListTrades(ctx context.Context, limit int) ([]*domain.TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT order_id, symbol, side, quantity, price, trade_type, status, created_at, updated_at
			  FROM trade_history ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*domain.TradeRecord
	for rows.Next() {
		var (
			t                  domain.TradeRecord
			side, qty, price   string
			created, updatedAt int64
		)
		if err := rows.Scan(&t.OrderID, &t.Symbol, &side, &qty, &price, &t.TradeType, &t.Status, &created, &updatedAt); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		if t.Quantity, err = dec(qty); err != nil {
			return nil, fmt.Errorf("trade %s quantity: %w", t.OrderID, err)
		}
		if t.Price, err = dec(price); err != nil {
			return nil, fmt.Errorf("trade %s price: %w", t.OrderID, err)
		}
		t.CreatedAt = fromMillis(created)
		t.UpdatedAt = fromMillis(updatedAt)
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// Bot state

func (s *SQLiteStore) SaveBotState(ctx context.Context, key, value string) error {
	query := `INSERT INTO bot_state (key, value, updated_at) VALUES (?, ?, ?)
			  ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query, key, value, time.Now().UnixMilli())
	return err
}

// GetBotState returns "" for an unknown key.
func (s *SQLiteStore) GetBotState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM bot_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// Performance

func (s *SQLiteStore) SavePerformance(ctx context.Context, p *domain.PerformanceSample) error {
	query := `INSERT INTO performance_metrics (timestamp, balance, equity, unrealized_pnl, realized_pnl, drawdown, margin_ratio)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		millis(p.Timestamp), p.Balance.String(), p.Equity.String(), p.UnrealizedPnL.String(),
		p.RealizedPnL.String(), p.DrawdownPct.String(), p.MarginRatio.String())
	return err
}

// ListPerformance returns the latest limit samples in chronological order.
func (s *SQLiteStore) ListPerformance(ctx context.Context, limit int) ([]*domain.PerformanceSample, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT timestamp, balance, equity, unrealized_pnl, realized_pnl, drawdown, margin_ratio
			  FROM (SELECT * FROM performance_metrics ORDER BY timestamp DESC, id DESC LIMIT ?)
			  ORDER BY timestamp ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []*domain.PerformanceSample
	for rows.Next() {
		var (
			ts                                    int64
			balance, equity, upnl, rpnl, dd, marg string
		)
		if err := rows.Scan(&ts, &balance, &equity, &upnl, &rpnl, &dd, &marg); err != nil {
			return nil, err
		}
		p := &domain.PerformanceSample{Timestamp: fromMillis(ts)}
		for _, f := range []struct {
			dst *decimal.Decimal
			src string
		}{
			{&p.Balance, balance}, {&p.Equity, equity}, {&p.UnrealizedPnL, upnl},
			{&p.RealizedPnL, rpnl}, {&p.DrawdownPct, dd}, {&p.MarginRatio, marg},
		} {
			v, err := dec(f.src)
			if err != nil {
				return nil, fmt.Errorf("performance row %d: %w", ts, err)
			}
			*f.dst = v
		}
		samples = append(samples, p)
	}
	return samples, rows.Err()
}

// Ladder snapshots

// SaveLadder replaces the stored snapshot of one ladder.
func (s *SQLiteStore) SaveLadder(ctx context.Context, ladder string, levels []domain.Level) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ladder_levels WHERE ladder = ?`, ladder); err != nil {
		return fmt.Errorf("clear ladder %s: %w", ladder, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ladder_levels
		(ladder, idx, price, side, quantity, order_id, filled, fill_price, fill_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range levels {
		var fillPrice sql.NullString
		if l.FillPrice.Valid {
			fillPrice = sql.NullString{String: l.FillPrice.Decimal.String(), Valid: true}
		}
		var fillTime sql.NullInt64
		if l.FillTime != nil {
			fillTime = sql.NullInt64{Int64: l.FillTime.UnixMilli(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, ladder, l.Index, l.ReferencePrice.String(), string(l.Side),
			l.Quantity.String(), l.OrderID, l.Filled, fillPrice, fillTime); err != nil {
			return fmt.Errorf("save ladder %s level %d: %w", ladder, l.Index, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListLadder(ctx context.Context, ladder string) ([]domain.Level, error) {
	query := `SELECT idx, price, side, quantity, order_id, filled, fill_price, fill_time
			  FROM ladder_levels WHERE ladder = ? ORDER BY idx`
	rows, err := s.db.QueryContext(ctx, query, ladder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var levels []domain.Level
	for rows.Next() {
		var (
			l                domain.Level
			price, side, qty string
			fillPrice        sql.NullString
			fillTime         sql.NullInt64
		)
		if err := rows.Scan(&l.Index, &price, &side, &qty, &l.OrderID, &l.Filled, &fillPrice, &fillTime); err != nil {
			return nil, err
		}
		l.Side = domain.Side(side)
		if l.ReferencePrice, err = dec(price); err != nil {
			return nil, fmt.Errorf("ladder %s level %d price: %w", ladder, l.Index, err)
		}
		if l.Quantity, err = dec(qty); err != nil {
			return nil, fmt.Errorf("ladder %s level %d quantity: %w", ladder, l.Index, err)
		}
		if fillPrice.Valid {
			fp, err := dec(fillPrice.String)
			if err != nil {
				return nil, fmt.Errorf("ladder %s level %d fill price: %w", ladder, l.Index, err)
			}
			l.FillPrice = decimal.NewNullDecimal(fp)
		}
		if fillTime.Valid {
			ft := fromMillis(fillTime.Int64)
			l.FillTime = &ft
		}
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

// CleanupOlderThan prunes performance samples and terminal trades last
// touched before cutoff. Placed trades and bot state are kept.
func (s *SQLiteStore) CleanupOlderThan(ctx context.Context, cutoff time.Time) error {
	ms := cutoff.UnixMilli()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM performance_metrics WHERE timestamp < ?`, ms); err != nil {
		return fmt.Errorf("prune performance: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM trade_history WHERE updated_at < ? AND status IN (?, ?)`,
		ms, domain.TradeStatusFilled, domain.TradeStatusCancelled)
	if err != nil {
		return fmt.Errorf("prune trades: %w", err)
	}
	return nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/crypto_grid_bot/internal/infrastructure/storage"
)

// Dumps the persisted ladders, bot state, trades and the last performance
// samples. Read-only; safe to run next to a live daemon.
func main() {
	dbPath := flag.String("db", "data/trading_bot.db", "sqlite database path")
	limit := flag.Int("limit", 10, "rows of trades and performance to show")
	flag.Parse()

	if _, err := os.Stat(*dbPath); err != nil {
		fmt.Printf("Database not found: %v\n", err)
		os.Exit(1)
	}
	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Failed to init sqlite: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	trend, err := store.GetBotState(ctx, "dca_trend")
	if err != nil {
		fmt.Printf("❌ Failed to read bot state: %v\n", err)
	} else {
		fmt.Printf("DCA trend: %q\n", trend)
	}

	for _, name := range []string{"grid", "dca"} {
		levels, err := store.ListLadder(ctx, name)
		if err != nil {
			fmt.Printf("❌ Failed to list %s ladder: %v\n", name, err)
			continue
		}
		fmt.Printf("\n%s ladder: %d levels\n", name, len(levels))
		for _, l := range levels {
			line := fmt.Sprintf("  #%-2d %-4s %-12s qty=%-8s %-6s", l.Index, l.Side, l.ReferencePrice, l.Quantity, l.State())
			if l.OrderID != "" {
				line += " order=" + l.OrderID
			}
			if l.FillPrice.Valid {
				line += " fill=" + l.FillPrice.Decimal.String()
			}
			fmt.Println(line)
		}
	}

	trades, err := store.ListTrades(ctx, *limit)
	if err != nil {
		fmt.Printf("❌ Failed to list trades: %v\n", err)
	} else {
		fmt.Printf("\nLast %d trades:\n", len(trades))
		for _, t := range trades {
			fmt.Printf("  %s %-4s %-14s %-9s qty=%s price=%s %s\n",
				t.CreatedAt.Format("2006-01-02 15:04:05"), t.Side, t.TradeType, t.Status, t.Quantity, t.Price, t.OrderID)
		}
	}

	samples, err := store.ListPerformance(ctx, *limit)
	if err != nil {
		fmt.Printf("❌ Failed to list performance: %v\n", err)
		return
	}
	fmt.Printf("\nLast %d performance samples:\n", len(samples))
	for _, p := range samples {
		fmt.Printf("  %s balance=%s equity=%s upnl=%s dd=%s%% margin=%s%%\n",
			p.Timestamp.Format("2006-01-02 15:04:05"), p.Balance, p.Equity, p.UnrealizedPnL,
			p.DrawdownPct.StringFixed(2), p.MarginRatio.StringFixed(2))
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vitos/crypto_grid_bot/internal/config"
	"github.com/vitos/crypto_grid_bot/internal/infrastructure/exchange"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	mode := flag.String("mode", "", "demo or live (default from BYBIT_DEMO_MODE)")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *mode == "" {
		*mode = cfg.DefaultMode()
	}
	if cfg.Bybit.APIKey == "" || cfg.Bybit.APISecret == "" {
		fmt.Println("❌ BYBIT_API_KEY / BYBIT_API_SECRET not set")
		os.Exit(1)
	}

	exCfg := cfg.ExchangeConfig(*mode)
	exCfg.DisableStream = true
	symbol := cfg.Trading.Symbol

	fmt.Printf("Testing Bybit Interaction...\n")
	fmt.Printf("Mode: %s  Endpoint: %s\n", *mode, exCfg.BaseURL)
	fmt.Printf("API Key: %s...\n", exCfg.APIKey[:min(4, len(exCfg.APIKey))])

	adapter := exchange.NewBybitAdapter(exCfg, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := false

	// 2. Public endpoint
	price, err := adapter.GetCurrentPrice(ctx, symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get price: %v\n", err)
		failed = true
	} else {
		fmt.Printf("✅ Current Price (%s): %s\n", symbol, price)
	}

	// 3. Private endpoints
	bal, err := adapter.GetBalance(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to get balance: %v\n", err)
		failed = true
	} else {
		fmt.Printf("✅ Balance: wallet=%s equity=%s used_margin=%s\n", bal.WalletBalance, bal.Equity, bal.UsedMargin)
	}

	positions, err := adapter.GetPositions(ctx, symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get positions: %v\n", err)
		failed = true
	} else {
		fmt.Printf("✅ Positions (%s): %d\n", symbol, len(positions))
		for _, p := range positions {
			fmt.Printf("   %s %s size=%s avg=%s upnl=%s\n", p.PositionID, p.Side, p.Size, p.AvgPrice, p.UnrealizedPnL)
		}
	}

	orders, err := adapter.GetOpenOrders(ctx, symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get open orders: %v\n", err)
		failed = true
	} else {
		fmt.Printf("✅ Open orders (%s): %d\n", symbol, len(orders))
	}

	if failed {
		os.Exit(1)
	}
}

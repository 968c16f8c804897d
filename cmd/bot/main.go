package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vitos/crypto_grid_bot/internal/config"
	"github.com/vitos/crypto_grid_bot/internal/domain"
	"github.com/vitos/crypto_grid_bot/internal/infrastructure/exchange"
	"github.com/vitos/crypto_grid_bot/internal/infrastructure/logger"
	"github.com/vitos/crypto_grid_bot/internal/infrastructure/storage"
	"github.com/vitos/crypto_grid_bot/internal/usecase"
	"github.com/vitos/crypto_grid_bot/internal/web"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid config:\n%v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	log, err := logger.NewFileLogger(cfg.Logging.Level, cfg.LogFile())
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Init Storage
	var store domain.StateStore = storage.NopStore{}
	if cfg.Database.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			log.Fatal("Failed to create database dir", zap.Error(err))
		}
		sqlite, err := storage.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			log.Fatal("Failed to init sqlite", zap.Error(err))
		}
		defer sqlite.Close()
		store = sqlite
	}

	// 4. Sessions: every start gets a fresh adapter and bot
	botCfg := cfg.BotConfig()
	factory := func(mode string) (*usecase.TradingBot, error) {
		adapter := exchange.NewBybitAdapter(cfg.ExchangeConfig(mode), log.With(zap.String("mode", mode)))
		adapter.WatchSymbols(botCfg.Symbol)
		return usecase.NewTradingBot(adapter, store, botCfg, log)
	}
	controller := usecase.NewController(factory, log)

	log.Info("Trading bot daemon configured",
		zap.String("symbol", botCfg.Symbol),
		zap.Int("leverage", botCfg.Leverage),
		zap.Duration("interval", botCfg.Interval),
		zap.Bool("demo_mode", cfg.Bybit.DemoMode),
		zap.Bool("persistence", cfg.Database.Enabled))

	// 5. Web Server
	server := web.NewServer(web.Options{
		Port:              cfg.Server.Port,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
		DefaultMode:       cfg.DefaultMode(),
	}, controller, store, log)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	if cfg.Trading.AutoStart {
		mode := cfg.Trading.AutoStartMode
		if sess, err := controller.Start(context.Background(), mode); err != nil {
			log.Error("Auto-start failed", zap.String("mode", mode), zap.Error(err))
		} else {
			log.Info("Auto-started session", zap.String("session_id", sess.ID), zap.String("mode", mode))
		}
	}

	// 6. Wait for Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	controller.StopAll(ctx)
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("Web server shutdown", zap.Error(err))
	}
}

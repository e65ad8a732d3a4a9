package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cycletrader/internal/api"
	"cycletrader/internal/engine"
	"cycletrader/internal/events"
	"cycletrader/internal/order"
	"cycletrader/internal/reconciliation"
	"cycletrader/internal/regime"
	"cycletrader/internal/risk"
	"cycletrader/internal/strategy"
	"cycletrader/pkg/config"
	"cycletrader/pkg/db"
	"cycletrader/pkg/exchange"
	"cycletrader/pkg/exchange/binance"
	"cycletrader/pkg/exchange/paper"
	"cycletrader/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.EventLogPath)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	bot, err := config.LoadBot(cfg.BotConfig)
	if err != nil {
		log.Fatal("bot config", zap.Error(err))
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal("open database", zap.Error(err))
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatal("apply migrations", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := binance.New(binance.Config{
		APIKey:    cfg.BinanceAPIKey,
		APISecret: cfg.BinanceAPISecret,
		Testnet:   cfg.BinanceTestnet,
	})
	client.StartTimeSync(ctx)

	var gateway exchange.Gateway = client
	if cfg.DryRun {
		log.Info("dry run enabled, orders are simulated",
			zap.Float64("initial_balance", cfg.DryRunInitialBalance))
		gateway = paper.New(client, cfg.MarginAsset, cfg.DryRunInitialBalance, cfg.DryRunFeeRate)
	}

	bus := events.NewBus()
	go events.NewLogSink(bus, log).Run(ctx)

	classifier := regime.NewClassifier(bot.Regime)
	generators := []strategy.Generator{
		strategy.NewTrendFollowing(bot.Trend, bot.LeverageTiers, bot.DefaultLeverage),
		strategy.NewRangeTrading(bot.Range, bot.LeverageTiers, bot.DefaultLeverage),
	}
	dispatcher := order.NewDispatcher(gateway, database, bus, log, bot.TradeAmount, cfg.MarginAsset)
	reconciler := reconciliation.NewService(gateway, database, bus, log)
	riskMgr := risk.NewManager(database, bot.MaxDailyLoss, log)

	eng := engine.New(bot, gateway, database, classifier, generators, dispatcher, reconciler, riskMgr, bus, log)
	eng.Start(ctx)

	if bot.UseTrailingStop {
		stream := binance.NewStreamClient(cfg.BinanceTestnet, log)
		prices, err := stream.SubscribeMarkPrice(ctx, bot.Symbols)
		if err != nil {
			log.Error("mark price stream unavailable, trailing stops disabled", zap.Error(err))
		} else {
			monitor := risk.NewMonitor(database, bus, log, bot.TrailingPercent)
			go monitor.Run(ctx, prices)
		}
	}

	server := api.NewServer(":"+cfg.Port, database, riskMgr, eng, log)
	server.Start(ctx)

	<-ctx.Done()
	log.Info("shutdown signal received")

	// Let the in-flight symbol finish its network call.
	select {
	case <-eng.Done():
	case <-time.After(30 * time.Second):
		log.Warn("engine did not stop in time")
	}
	log.Info("shutdown complete")
	os.Exit(0)
}

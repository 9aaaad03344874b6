package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/api"
	"spot-trading-engine/internal/auth"
	"spot-trading-engine/internal/binance"
	"spot-trading-engine/internal/bot"
	"spot-trading-engine/internal/cache"
	"spot-trading-engine/internal/calendar"
	"spot-trading-engine/internal/confluence"
	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/events"
	"spot-trading-engine/internal/logging"
	"spot-trading-engine/internal/metrics"
	"spot-trading-engine/internal/risk"
	"spot-trading-engine/internal/strategy"
	"spot-trading-engine/internal/vault"
)

func main() {
	sampleConfig := flag.String("sample-config", "", "write a sample config file to the given path and exit")
	flag.Parse()

	if *sampleConfig != "" {
		if err := config.GenerateSampleConfig(*sampleConfig); err != nil {
			log.Fatalf("Failed to write sample config: %v", err)
		}
		fmt.Printf("Sample config written to %s\n", *sampleConfig)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.Setup(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})
	logger.Info().Msg("Spot trading engine starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Exchange credentials: Vault first, environment as fallback
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		log.Fatalf("Failed to create vault client: %v", err)
	}
	if vaultClient.IsEnabled() {
		creds, err := vaultClient.LoadExchangeCredentials(ctx)
		if err != nil {
			log.Fatalf("Failed to load exchange credentials from vault: %v", err)
		}
		cfg.BinanceConfig.APIKey = creds.APIKey
		cfg.BinanceConfig.SecretKey = creds.SecretKey
		cfg.BinanceConfig.TestNet = creds.IsTestnet
		logger.Info().Msg("Exchange credentials loaded from vault")
	}
	if cfg.BinanceConfig.APIKey == "" || cfg.BinanceConfig.SecretKey == "" {
		log.Fatal("Exchange credentials missing: set BINANCE_API_KEY/BINANCE_SECRET_KEY or enable vault")
	}

	// Durable state
	db, err := database.NewDB(cfg.DatabaseConfig.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	repo := database.NewRepository(db)

	// Market data cache
	market, err := cache.NewMarketCache(redisURL(cfg.RedisConfig))
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer market.Close()

	// Exchange gateway
	gateway := binance.NewClient(cfg.BinanceConfig.APIKey, cfg.BinanceConfig.SecretKey, cfg.BinanceConfig.TestNet)

	eventBus := events.NewEventBus()
	engineMetrics := metrics.New()
	engineMetrics.BindEventBus(eventBus)

	// Analysis and risk
	confluenceAnalyzer := confluence.NewAnalyzer(repo,
		cfg.StrategyConfig.EMAPeriod, cfg.StrategyConfig.DeviationThreshold)
	riskMgr := risk.NewManager(&risk.Config{
		RiskPerTrade:          cfg.RiskConfig.RiskPerTrade,
		MaxSlippagePct:        cfg.RiskConfig.MaxSlippagePct,
		ATRPeriod:             cfg.RiskConfig.ATRPeriod,
		ATRMultiplier:         cfg.RiskConfig.ATRMultiplier,
		FallbackStopPct:       cfg.RiskConfig.FallbackStopPct,
		TrailingActivationPct: cfg.RiskConfig.TrailingActivationPct,
		MaxDailyDrawdownPct:   cfg.RiskConfig.MaxDailyDrawdownPct,
	})
	breaker := risk.NewDrawdownBreaker(repo, gateway, market,
		cfg.EngineConfig.Symbols, cfg.RiskConfig.MaxDailyDrawdownPct)
	coordinator := strategy.NewCoordinator(confluenceAnalyzer, riskMgr, market, &strategy.Config{
		PrimaryTimeframe:   cfg.StrategyConfig.PrimaryTimeframe,
		StopTimeframe:      cfg.StrategyConfig.StopTimeframe,
		VPALookback:        cfg.StrategyConfig.VPALookback,
		EMAPeriod:          cfg.StrategyConfig.EMAPeriod,
		DeviationThreshold: cfg.StrategyConfig.DeviationThreshold,
		MinConfidence:      cfg.StrategyConfig.MinConfidence,
	})

	engine := bot.NewTradingBot(repo, gateway, market, coordinator, riskMgr, breaker, eventBus, &bot.Config{
		Symbols:             cfg.EngineConfig.Symbols,
		QuoteAsset:          cfg.EngineConfig.QuoteAsset,
		Timeframes:          cfg.EngineConfig.Timeframes,
		KlineHistory:        cfg.EngineConfig.KlineHistory,
		Workers:             cfg.EngineConfig.Workers,
		QueueSize:           cfg.EngineConfig.QueueSize,
		OrderPollSeconds:    cfg.EngineConfig.OrderPollSeconds,
		OrderPollRetries:    cfg.EngineConfig.OrderPollRetries,
		OrderTimeoutMinutes: cfg.EngineConfig.OrderTimeoutMinutes,
		LockTTLSeconds:      cfg.EngineConfig.LockTTLSeconds,
	})

	// One streamer per timeframe keeps the cache's closed-bar history warm
	primary := cfg.StrategyConfig.PrimaryTimeframe
	streamers := make([]*binance.KlineStreamer, 0, len(cfg.EngineConfig.Timeframes))
	for _, tf := range cfg.EngineConfig.Timeframes {
		timeframe := tf
		streamer := binance.NewKlineStreamer(cfg.EngineConfig.Symbols, timeframe,
			cfg.BinanceConfig.TestNet, func(k binance.Kline) {
				market.AppendKlineHistory(k.Symbol, k.Interval, k)
				market.SetLatestKline(k.Symbol, k.Interval, k)
				if timeframe == primary {
					market.SetPrice(k.Symbol, k.Close)
					market.PublishPriceStream("price_tick", map[string]interface{}{
						"symbol":     k.Symbol,
						"price":      k.Close,
						"close_time": k.CloseTime,
					})
				}
			})
		streamer.Start()
		streamers = append(streamers, streamer)
	}
	defer func() {
		for _, s := range streamers {
			s.Stop()
		}
	}()

	// Macro calendar feed
	if cfg.CalendarConfig.Enabled {
		fetcher := calendar.NewFetcher(repo, &calendar.Config{
			FeedURL:        cfg.CalendarConfig.FeedURL,
			RefreshMinutes: cfg.CalendarConfig.RefreshMinutes,
		})
		fetcher.Start(ctx)
		defer fetcher.Stop()
	} else {
		logger.Info().Msg("Economic calendar feed disabled")
	}

	if err := engine.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	defer engine.Stop()

	scheduler := bot.NewScheduler(engine)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Operator API
	var jwtManager *auth.JWTManager
	if cfg.AuthConfig.Enabled {
		if cfg.AuthConfig.JWTSecret == "" {
			log.Fatal("AUTH_JWT_SECRET must be set when auth is enabled")
		}
		jwtManager = auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.AccessTokenDuration)
	}
	server := api.NewServer(api.ServerConfig{
		Port:            cfg.ServerConfig.Port,
		Host:            cfg.ServerConfig.Host,
		AllowedOrigins:  cfg.ServerConfig.AllowedOrigins,
		ProductionMode:  cfg.ServerConfig.ProductionMode,
		ReadTimeout:     cfg.ServerConfig.ReadTimeout,
		WriteTimeout:    cfg.ServerConfig.WriteTimeout,
		ShutdownTimeout: cfg.ServerConfig.ShutdownTimeout,
	}, repo, engine, market, eventBus, jwtManager)

	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("API server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("API shutdown failed")
	}
}

func redisURL(cfg config.RedisConfig) string {
	if cfg.Password != "" {
		return fmt.Sprintf("redis://:%s@%s/%d", cfg.Password, cfg.Address, cfg.DB)
	}
	return fmt.Sprintf("redis://%s/%d", cfg.Address, cfg.DB)
}

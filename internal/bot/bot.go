package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"spot-trading-engine/internal/binance"
	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/events"
	"spot-trading-engine/internal/risk"
	"spot-trading-engine/internal/strategy"
)

// Config holds the engine parameters.
type Config struct {
	Symbols          []string `json:"symbols"`
	QuoteAsset       string   `json:"quote_asset"`
	Timeframes       []string `json:"timeframes"`
	KlineHistory     int      `json:"kline_history"`
	Workers          int      `json:"workers"`
	QueueSize        int      `json:"queue_size"`
	OrderPollSeconds int      `json:"order_poll_seconds"`
	OrderPollRetries int      `json:"order_poll_retries"`
	// How long a resting order is monitored before being cancelled.
	OrderTimeoutMinutes int `json:"order_timeout_minutes"`
	LockTTLSeconds      int `json:"lock_ttl_seconds"`
}

// DefaultConfig returns the standard engine parameters.
func DefaultConfig() *Config {
	return &Config{
		Symbols:          []string{"BTCUSDT", "ETHUSDT"},
		QuoteAsset:       "USDT",
		Timeframes:       []string{"1m", "5m", "15m", "1h"},
		KlineHistory:     50,
		Workers:          4,
		QueueSize:        256,
		OrderPollSeconds:    2,
		OrderPollRetries:    10,
		OrderTimeoutMinutes: 60,
		LockTTLSeconds:      30,
	}
}

// TradingBot wires market data, analysis, risk and execution together.
type TradingBot struct {
	store       Store
	gateway     Gateway
	market      MarketData
	coordinator *strategy.Coordinator
	riskMgr     *risk.Manager
	breaker     *risk.DrawdownBreaker
	trailing    *risk.TrailingStopManager
	pool        *WorkerPool
	eventBus    *events.EventBus
	config      *Config

	startedAt time.Time
	mu        sync.RWMutex
}

// NewTradingBot assembles the engine. All collaborators are required except
// the event bus.
func NewTradingBot(
	store Store,
	gateway Gateway,
	market MarketData,
	coordinator *strategy.Coordinator,
	riskMgr *risk.Manager,
	breaker *risk.DrawdownBreaker,
	eventBus *events.EventBus,
	config *Config,
) *TradingBot {
	if config == nil {
		config = DefaultConfig()
	}
	return &TradingBot{
		store:       store,
		gateway:     gateway,
		market:      market,
		coordinator: coordinator,
		riskMgr:     riskMgr,
		breaker:     breaker,
		trailing:    risk.NewTrailingStopManager(riskMgr.TrailingActivationPct()),
		pool:        NewWorkerPool(config.Workers, config.QueueSize),
		eventBus:    eventBus,
		config:      config,
	}
}

// Start launches the worker pool and restores trailing state for positions
// that were open when the process last stopped.
func (b *TradingBot) Start(ctx context.Context) error {
	b.pool.Start(ctx)
	b.mu.Lock()
	b.startedAt = time.Now()
	b.mu.Unlock()

	positions, err := b.store.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("restoring open positions: %w", err)
	}
	for _, pos := range positions {
		b.trailing.Track(pos.ID, pos.Symbol, pos.Side, pos.EntryPrice, pos.CurrentStop)
	}

	log.Printf("Trading engine started: %d symbols, %d restored positions",
		len(b.config.Symbols), len(positions))
	if b.eventBus != nil {
		b.eventBus.Publish(events.Event{Type: events.EventEngineStarted})
	}
	return nil
}

// Stop shuts the worker pool down.
func (b *TradingBot) Stop() {
	b.pool.Stop()
	if b.eventBus != nil {
		b.eventBus.Publish(events.Event{Type: events.EventEngineStopped})
	}
	log.Println("Trading engine stopped")
}

// StrategyTick runs one evaluation pass over every configured symbol.
// Actionable signals are enqueued for asynchronous execution so the tick
// itself stays short.
func (b *TradingBot) StrategyTick(ctx context.Context) {
	if !b.breaker.IsTradingAllowed() {
		return
	}

	for _, symbol := range b.config.Symbols {
		snap, err := b.gatherSnapshot(ctx, symbol)
		if err != nil {
			log.Printf("[Engine] Snapshot for %s failed: %v", symbol, err)
			continue
		}

		signal := b.coordinator.Evaluate(ctx, snap)
		if signal.Action == strategy.ActionHold {
			continue
		}

		if b.eventBus != nil {
			b.eventBus.Publish(events.Event{
				Type: events.EventSignalGenerated,
				Data: map[string]interface{}{
					"symbol": signal.Symbol,
					"action": string(signal.Action),
					"reason": signal.Reason,
				},
			})
		}

		sig := signal
		b.pool.Submit(NewJob("execute_trade", func(ctx context.Context) error {
			return b.ExecuteTrade(ctx, sig)
		}))
	}
}

// gatherSnapshot assembles one symbol's market view, preferring the cache
// and falling back to the exchange when the cache is cold.
func (b *TradingBot) gatherSnapshot(ctx context.Context, symbol string) (*strategy.MarketSnapshot, error) {
	price, ok := b.market.GetPrice(symbol)
	if !ok {
		var err error
		price, err = b.gateway.GetTickerPrice(symbol)
		if err != nil {
			return nil, fmt.Errorf("price for %s: %w", symbol, err)
		}
	}

	klines := make(map[string][]binance.Kline, len(b.config.Timeframes))
	for _, tf := range b.config.Timeframes {
		bars := b.cachedKlines(symbol, tf)
		if len(bars) == 0 {
			var err error
			bars, err = b.gateway.GetKlines(symbol, tf, b.config.KlineHistory)
			if err != nil {
				return nil, fmt.Errorf("klines %s %s: %w", symbol, tf, err)
			}
		}
		klines[tf] = bars
	}

	related := make(map[string]float64, 3)
	for _, rel := range []string{"BTCUSDT", "ETHUSDT", "BNBUSDT"} {
		if p, ok := b.market.GetPrice(rel); ok {
			related[rel] = p
		} else if p, err := b.gateway.GetTickerPrice(rel); err == nil {
			related[rel] = p
		}
	}

	position, err := b.store.GetOpenPositionBySymbol(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("open position for %s: %w", symbol, err)
	}

	return &strategy.MarketSnapshot{
		Symbol:            symbol,
		CurrentPrice:      price,
		KlinesByTimeframe: klines,
		RelatedPrices:     related,
		Position:          position,
	}, nil
}

// cachedKlines decodes the cache's closed-bar history, oldest first.
func (b *TradingBot) cachedKlines(symbol, timeframe string) []binance.Kline {
	raw := b.market.GetKlineHistory(symbol, timeframe, b.config.KlineHistory)
	if len(raw) == 0 {
		return nil
	}

	bars := make([]binance.Kline, 0, len(raw))
	for _, msg := range raw {
		var k binance.Kline
		if err := json.Unmarshal(msg, &k); err != nil {
			log.Printf("[Engine] Corrupt cached kline for %s %s: %v", symbol, timeframe, err)
			return nil
		}
		bars = append(bars, k)
	}
	return bars
}

// riskState loads today's risk row, seeding a fresh day from the live
// balance so the drawdown ratio never starts from zero.
func (b *TradingBot) riskState(ctx context.Context) (*database.RiskState, error) {
	balance, err := b.gateway.GetBalance(b.config.QuoteAsset)
	if err != nil {
		return nil, fmt.Errorf("reading balance: %w", err)
	}
	return b.store.GetOrCreateRiskState(ctx, time.Now().UTC(), balance)
}

// CheckCircuitBreaker folds the current balance into the day's risk state
// and trips the breaker past the drawdown limit.
func (b *TradingBot) CheckCircuitBreaker(ctx context.Context) {
	balance, err := b.gateway.GetBalance(b.config.QuoteAsset)
	if err != nil {
		log.Printf("[Engine] Balance check failed: %v", err)
		return
	}

	rs, err := b.store.GetOrCreateRiskState(ctx, time.Now().UTC(), balance)
	if err != nil {
		log.Printf("[Engine] Risk state load failed: %v", err)
		return
	}

	rs.ApplyBalance(balance)
	if err := b.store.UpdateRiskState(ctx, rs); err != nil {
		log.Printf("[Engine] Risk state update failed: %v", err)
		return
	}

	wasTripped := b.breaker.Tripped()
	if b.breaker.Check(ctx, rs) && !wasTripped {
		if b.eventBus != nil {
			b.eventBus.PublishBreakerTripped(rs.DrawdownPct,
				fmt.Sprintf("daily drawdown %.2f%%", rs.DrawdownPct))
		}
	}
}

// BroadcastRiskState publishes the day's risk figures on the dashboard
// channel.
func (b *TradingBot) BroadcastRiskState(ctx context.Context) {
	balance, err := b.gateway.GetBalance(b.config.QuoteAsset)
	if err != nil {
		log.Printf("[Engine] Balance read failed: %v", err)
		return
	}

	rs, err := b.store.GetOrCreateRiskState(ctx, time.Now().UTC(), balance)
	if err != nil {
		log.Printf("[Engine] Risk state load failed: %v", err)
		return
	}

	b.market.PublishDashboard("risk_state", rs)
	if b.eventBus != nil {
		b.eventBus.Publish(events.Event{
			Type: events.EventRiskUpdate,
			Data: map[string]interface{}{
				"current_balance": rs.CurrentBalance,
				"daily_pnl":       rs.DailyPnL,
				"drawdown_pct":    rs.DrawdownPct,
				"system_status":   rs.SystemStatus,
			},
		})
	}
}

// ResumeTrading clears a tripped breaker after manual review.
func (b *TradingBot) ResumeTrading(ctx context.Context) error {
	balance, err := b.gateway.GetBalance(b.config.QuoteAsset)
	if err != nil {
		return fmt.Errorf("reading balance: %w", err)
	}
	rs, err := b.store.GetOrCreateRiskState(ctx, time.Now().UTC(), balance)
	if err != nil {
		return fmt.Errorf("loading risk state: %w", err)
	}
	return b.breaker.Resume(ctx, rs.ID)
}

// GetStats returns engine health for the ops surface.
func (b *TradingBot) GetStats(ctx context.Context) map[string]interface{} {
	b.mu.RLock()
	startedAt := b.startedAt
	b.mu.RUnlock()

	stats := map[string]interface{}{
		"symbols":         b.config.Symbols,
		"started_at":      startedAt,
		"uptime_seconds":  int(time.Since(startedAt).Seconds()),
		"trading_allowed": b.breaker.IsTradingAllowed(),
		"breaker_tripped": b.breaker.Tripped(),
	}

	if positions, err := b.store.GetOpenPositions(ctx); err == nil {
		stats["open_positions"] = len(positions)
	}

	markets := make(map[string]interface{}, len(b.config.Symbols))
	for _, symbol := range b.config.Symbols {
		view := map[string]interface{}{}
		if price, ok := b.market.GetPrice(symbol); ok {
			view["price"] = price
		}
		if ema, ok := b.market.GetEMA(symbol, b.coordinator.EMAPeriod()); ok {
			view["ema"] = ema
		}
		markets[symbol] = view
	}
	stats["markets"] = markets
	return stats
}

func oppositeSide(side string) string {
	if side == database.SideBuy {
		return database.SideSell
	}
	return database.SideBuy
}

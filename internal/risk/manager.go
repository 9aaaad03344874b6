package risk

import (
	"fmt"
	"log"
	"math"
	"sync"

	"spot-trading-engine/internal/analysis"
	"spot-trading-engine/internal/binance"
)

// Config holds risk management parameters.
type Config struct {
	RiskPerTrade          float64 `json:"risk_per_trade"`           // Fraction of balance risked per trade
	MaxSlippagePct        float64 `json:"max_slippage_pct"`         // Max estimated slippage percent
	ATRPeriod             int     `json:"atr_period"`               // ATR lookback for initial stops
	ATRMultiplier         float64 `json:"atr_multiplier"`           // Stop distance in ATR units
	FallbackStopPct       float64 `json:"fallback_stop_pct"`        // Stop distance when ATR unavailable
	TrailingActivationPct float64 `json:"trailing_activation_pct"`  // Profit % before trailing activates
	MaxDailyDrawdownPct   float64 `json:"max_daily_drawdown_pct"`   // Daily drawdown % that pauses trading
}

// DefaultConfig returns the standard risk parameters.
func DefaultConfig() *Config {
	return &Config{
		RiskPerTrade:          0.015,
		MaxSlippagePct:        0.2,
		ATRPeriod:             14,
		ATRMultiplier:         2.0,
		FallbackStopPct:       0.01,
		TrailingActivationPct: 2.0,
		MaxDailyDrawdownPct:   5.0,
	}
}

// Manager performs position sizing, slippage estimation and stop placement.
type Manager struct {
	config *Config
	mu     sync.RWMutex
}

// NewManager creates a risk manager.
func NewManager(config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{config: config}
}

// PositionSizeResult is the outcome of a sizing calculation.
type PositionSizeResult struct {
	Quantity   float64 `json:"quantity"`
	RiskAmount float64 `json:"risk_amount"`
	Notional   float64 `json:"notional"`
	Valid      bool    `json:"valid"`
	Reason     string  `json:"reason,omitempty"`
}

// CalculatePositionSize sizes a position so the distance to the stop risks a
// fixed fraction of the balance. The quantity is floored to the symbol's lot
// step before the exchange minimums are checked.
func (m *Manager) CalculatePositionSize(balance, entryPrice, stopLoss float64, info *binance.SymbolInfo) PositionSizeResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if balance <= 0 || entryPrice <= 0 {
		return PositionSizeResult{Reason: "invalid balance or entry price"}
	}

	riskPerUnit := math.Abs(entryPrice - stopLoss)
	if riskPerUnit == 0 {
		return PositionSizeResult{Reason: "stop loss equals entry price"}
	}

	riskAmount := balance * m.config.RiskPerTrade
	quantity := riskAmount / riskPerUnit
	if info != nil && info.StepSize > 0 {
		quantity = binance.FloorToStep(quantity, info.StepSize)
	}

	result := PositionSizeResult{
		Quantity:   quantity,
		RiskAmount: riskAmount,
		Notional:   quantity * entryPrice,
	}

	if info != nil {
		if quantity < info.MinQty {
			result.Reason = fmt.Sprintf("quantity %.8f below exchange minimum %.8f", quantity, info.MinQty)
			return result
		}
		if result.Notional < info.MinNotional {
			result.Reason = fmt.Sprintf("notional %.2f below exchange minimum %.2f", result.Notional, info.MinNotional)
			return result
		}
	}

	result.Valid = true
	log.Printf("[Risk] Sized %s: balance=%.2f risk=%.2f entry=%.4f stop=%.4f qty=%.8f",
		symbolOf(info), balance, riskAmount, entryPrice, stopLoss, quantity)
	return result
}

func symbolOf(info *binance.SymbolInfo) string {
	if info == nil {
		return "?"
	}
	return info.Symbol
}

// SlippageResult is the outcome of walking the book for an order.
type SlippageResult struct {
	AvgFillPrice    float64 `json:"avg_fill_price"`
	BestPrice       float64 `json:"best_price"`
	SlippagePct     float64 `json:"slippage_pct"`
	FilledQuantity  float64 `json:"filled_quantity"`
	SufficientDepth bool    `json:"sufficient_depth"`
	Acceptable      bool    `json:"acceptable"`
}

// EstimateSlippage walks the opposite side of the book for the requested
// quantity. A buy consumes asks from the best up, a sell consumes bids from
// the best down.
func (m *Manager) EstimateSlippage(book *binance.OrderBook, side string, quantity float64) SlippageResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result SlippageResult
	if book == nil || quantity <= 0 {
		return result
	}

	levels := book.Asks
	if side == "SELL" {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return result
	}

	result.BestPrice = levels[0].Price

	remaining := quantity
	cost := 0.0
	for _, level := range levels {
		fill := math.Min(remaining, level.Quantity)
		cost += fill * level.Price
		remaining -= fill
		if remaining <= 0 {
			break
		}
	}

	result.FilledQuantity = quantity - remaining
	if remaining > 0 {
		return result
	}
	result.SufficientDepth = true

	result.AvgFillPrice = cost / quantity
	result.SlippagePct = math.Abs(result.AvgFillPrice-result.BestPrice) / result.BestPrice * 100
	result.Acceptable = result.SlippagePct <= m.config.MaxSlippagePct

	if !result.Acceptable {
		log.Printf("[Risk] Slippage rejected %s %s qty=%.8f: %.4f%% > %.4f%%",
			side, book.Symbol, quantity, result.SlippagePct, m.config.MaxSlippagePct)
	}
	return result
}

// InitialStopLoss places the stop a volatility-scaled distance from entry.
// With too little history for the ATR the stop falls back to a fixed percent.
func (m *Manager) InitialStopLoss(klines []binance.Kline, entryPrice float64, side string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	distance := entryPrice * m.config.FallbackStopPct
	if atr := analysis.CalculateATR(klines, m.config.ATRPeriod); atr > 0 {
		distance = atr * m.config.ATRMultiplier
	}

	if side == "SELL" {
		return entryPrice + distance
	}
	return entryPrice - distance
}

// TakeProfit mirrors the stop distance on the profitable side at the
// configured reward multiple.
func (m *Manager) TakeProfit(entryPrice, stopLoss float64, side string) float64 {
	riskDistance := math.Abs(entryPrice - stopLoss)
	if side == "SELL" {
		return entryPrice - 2*riskDistance
	}
	return entryPrice + 2*riskDistance
}

// MaxDailyDrawdownPct exposes the configured pause threshold.
func (m *Manager) MaxDailyDrawdownPct() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.MaxDailyDrawdownPct
}

// TrailingActivationPct exposes the configured trailing activation profit.
func (m *Manager) TrailingActivationPct() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.TrailingActivationPct
}

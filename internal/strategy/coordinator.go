package strategy

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"spot-trading-engine/internal/analysis"
	"spot-trading-engine/internal/binance"
	"spot-trading-engine/internal/confluence"
	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/risk"
)

// Action is the decision for one evaluation pass.
type Action string

const (
	ActionBuy        Action = "BUY"
	ActionSell       Action = "SELL"
	ActionHold       Action = "HOLD"
	ActionCloseLong  Action = "CLOSE_LONG"
	ActionCloseShort Action = "CLOSE_SHORT"
)

// Confidence blends the bar pattern strength with the confluence score.
const (
	vpaWeight        = 0.4
	confluenceWeight = 0.6
)

// Signal is one actionable trading decision.
type Signal struct {
	Action          Action             `json:"action"`
	Symbol          string             `json:"symbol"`
	EntryPrice      float64            `json:"entry_price,string"`
	StopLoss        float64            `json:"stop_loss,string"`
	TakeProfit      float64            `json:"take_profit,string"`
	Confidence      float64            `json:"confidence"`
	Pattern         analysis.Pattern   `json:"pattern,omitempty"`
	Direction       analysis.Direction `json:"direction,omitempty"`
	ConfluenceScore float64            `json:"confluence_score"`
	Reason          string             `json:"reason"`
	Timestamp       time.Time          `json:"timestamp"`
}

// MarketSnapshot is everything one evaluation pass reads. The caller gathers
// it from the market data cache so evaluation itself never blocks.
type MarketSnapshot struct {
	Symbol            string
	CurrentPrice      float64
	KlinesByTimeframe map[string][]binance.Kline
	RelatedPrices     map[string]float64
	Position          *database.Position // open position, or nil
}

// SignalCache stores the latest signal and indicator values per symbol for
// the dashboard.
type SignalCache interface {
	SetSignal(symbol string, signal interface{})
	DeleteSignal(symbol string)
	SetEMA(symbol string, period int, value float64)
}

// Config holds the coordinator parameters.
type Config struct {
	PrimaryTimeframe   string  `json:"primary_timeframe"`
	StopTimeframe      string  `json:"stop_timeframe"`
	VPALookback        int     `json:"vpa_lookback"`
	EMAPeriod          int     `json:"ema_period"`
	DeviationThreshold float64 `json:"deviation_threshold"`
	MinConfidence      float64 `json:"min_confidence"`
}

// DefaultConfig returns the standard coordinator parameters.
func DefaultConfig() *Config {
	return &Config{
		PrimaryTimeframe:   "1m",
		StopTimeframe:      "1h",
		VPALookback:        20,
		EMAPeriod:          20,
		DeviationThreshold: 0.005,
		MinConfidence:      0.6,
	}
}

// Coordinator combines bar analysis, three-dimensional confluence and risk
// placement into entry and exit signals.
type Coordinator struct {
	vpa        *analysis.VPAAnalyzer
	confluence *confluence.Analyzer
	riskMgr    *risk.Manager
	signals    SignalCache
	config     *Config
}

// NewCoordinator creates a coordinator. The signal cache may be nil.
func NewCoordinator(confluenceAnalyzer *confluence.Analyzer, riskMgr *risk.Manager, signals SignalCache, config *Config) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Coordinator{
		vpa:        analysis.NewVPAAnalyzer(config.VPALookback),
		confluence: confluenceAnalyzer,
		riskMgr:    riskMgr,
		signals:    signals,
		config:     config,
	}
}

// EMAPeriod returns the configured EMA period, for callers reading cached
// indicator values.
func (c *Coordinator) EMAPeriod() int {
	return c.config.EMAPeriod
}

// Evaluate runs one full pass over a symbol. With an open position it only
// looks for an exit; otherwise it looks for an entry. The returned signal is
// never nil.
func (c *Coordinator) Evaluate(ctx context.Context, snap *MarketSnapshot) *Signal {
	if snap.Position != nil {
		return c.evaluateExit(snap)
	}
	return c.evaluateEntry(ctx, snap)
}

func (c *Coordinator) evaluateEntry(ctx context.Context, snap *MarketSnapshot) *Signal {
	primary := snap.KlinesByTimeframe[c.config.PrimaryTimeframe]

	vpaResult := c.vpa.Analyze(primary)
	if !vpaResult.IsValid || vpaResult.Direction == analysis.Neutral {
		return c.hold(snap.Symbol, "no valid bar pattern")
	}

	if c.signals != nil {
		if ema := analysis.CalculateEMA(primary, c.config.EMAPeriod); ema > 0 {
			c.signals.SetEMA(snap.Symbol, c.config.EMAPeriod, ema)
		}
	}

	confResult := c.confluence.Analyze(ctx, snap.KlinesByTimeframe, snap.RelatedPrices)
	if !confResult.IsValid {
		return c.hold(snap.Symbol, "confluence not aligned")
	}

	var action Action
	switch {
	case vpaResult.Direction == analysis.Bullish && confResult.Confluence == confluence.AlignmentBullish:
		action = ActionBuy
	case vpaResult.Direction == analysis.Bearish && confResult.Confluence == confluence.AlignmentBearish:
		action = ActionSell
	default:
		return c.hold(snap.Symbol, fmt.Sprintf("pattern %s disagrees with confluence %s",
			vpaResult.Direction, confResult.Confluence))
	}

	// Entries only on a pullback: price must sit on the far side of the EMA
	// from the trade direction, by at least the threshold.
	deviation := confResult.Technical.EMADeviations[c.config.PrimaryTimeframe]
	if math.Abs(deviation) < c.config.DeviationThreshold {
		return c.hold(snap.Symbol, "price too close to EMA")
	}
	if action == ActionBuy && deviation >= 0 {
		return c.hold(snap.Symbol, "no pullback below EMA for long entry")
	}
	if action == ActionSell && deviation <= 0 {
		return c.hold(snap.Symbol, "no pullback above EMA for short entry")
	}

	confidence := vpaWeight*vpaResult.Strength + confluenceWeight*confResult.ConfluenceScore
	if confidence < c.config.MinConfidence {
		return c.hold(snap.Symbol, fmt.Sprintf("confidence %.2f below %.2f", confidence, c.config.MinConfidence))
	}

	side := database.SideBuy
	if action == ActionSell {
		side = database.SideSell
	}

	entry := snap.CurrentPrice
	stop := c.riskMgr.InitialStopLoss(snap.KlinesByTimeframe[c.config.StopTimeframe], entry, side)
	takeProfit := c.riskMgr.TakeProfit(entry, stop, side)

	signal := &Signal{
		Action:          action,
		Symbol:          snap.Symbol,
		EntryPrice:      entry,
		StopLoss:        stop,
		TakeProfit:      takeProfit,
		Confidence:      confidence,
		Pattern:         vpaResult.Pattern,
		Direction:       vpaResult.Direction,
		ConfluenceScore: confResult.ConfluenceScore,
		Reason: fmt.Sprintf("%s on %s, confluence %.2f with %d dimensions",
			vpaResult.Pattern, c.config.PrimaryTimeframe, confResult.ConfluenceScore, confResult.DimensionsAligned),
		Timestamp: time.Now().UTC(),
	}

	log.Printf("[Coordinator] %s %s @ %.4f SL %.4f TP %.4f confidence %.2f (%s)",
		signal.Action, signal.Symbol, entry, stop, takeProfit, confidence, vpaResult.Pattern)

	if c.signals != nil {
		c.signals.SetSignal(snap.Symbol, signal)
	}
	return signal
}

// evaluateExit closes a position when price has crossed its stop or reached
// its target. The position monitor checks the same triggers on its own
// cadence; signaling them here as well closes the gap between its ticks.
func (c *Coordinator) evaluateExit(snap *MarketSnapshot) *Signal {
	pos := snap.Position
	price := snap.CurrentPrice

	if pos.Side == database.SideBuy {
		if pos.CurrentStop > 0 && price <= pos.CurrentStop {
			return c.exitSignal(snap, ActionCloseLong, "stop loss triggered")
		}
		if pos.TakeProfit != nil && price >= *pos.TakeProfit {
			return c.exitSignal(snap, ActionCloseLong, "take profit reached")
		}
	} else {
		if pos.CurrentStop > 0 && price >= pos.CurrentStop {
			return c.exitSignal(snap, ActionCloseShort, "stop loss triggered")
		}
		if pos.TakeProfit != nil && price <= *pos.TakeProfit {
			return c.exitSignal(snap, ActionCloseShort, "take profit reached")
		}
	}

	return c.hold(snap.Symbol, "position open, stop and target intact")
}

func (c *Coordinator) exitSignal(snap *MarketSnapshot, action Action, reason string) *Signal {
	signal := &Signal{
		Action:     action,
		Symbol:     snap.Symbol,
		EntryPrice: snap.CurrentPrice,
		Confidence: 1,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}

	log.Printf("[Coordinator] %s %s: %s", signal.Action, signal.Symbol, signal.Reason)

	if c.signals != nil {
		c.signals.SetSignal(snap.Symbol, signal)
	}
	return signal
}

func (c *Coordinator) hold(symbol, reason string) *Signal {
	return &Signal{
		Action:    ActionHold,
		Symbol:    symbol,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

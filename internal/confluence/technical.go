package confluence

import (
	"spot-trading-engine/internal/analysis"
	"spot-trading-engine/internal/binance"
)

// Timeframes analyzed for multi-timeframe trend agreement.
var Timeframes = []string{"1m", "5m", "15m", "1h"}

// TechnicalResult is the multi-timeframe price-action dimension.
type TechnicalResult struct {
	TimeframeTrends map[string]analysis.Direction `json:"timeframe_trends"`
	EMADeviations   map[string]float64            `json:"ema_deviations"`
	PrimaryTrend    analysis.Direction            `json:"primary_trend"`
	TrendAlignment  float64                       `json:"trend_alignment"`
}

// AnalyzeTechnical classifies each timeframe by where price sits relative to
// its EMA, then measures cross-timeframe agreement.
func AnalyzeTechnical(klinesByTimeframe map[string][]binance.Kline, emaPeriod int, deviationThreshold float64) TechnicalResult {
	trends := make(map[string]analysis.Direction, len(klinesByTimeframe))
	deviations := make(map[string]float64, len(klinesByTimeframe))

	for tf, klines := range klinesByTimeframe {
		if len(klines) < emaPeriod {
			trends[tf] = analysis.Neutral
			deviations[tf] = 0
			continue
		}

		deviation := analysis.EMADeviation(klines, emaPeriod)
		deviations[tf] = deviation

		switch {
		case deviation > deviationThreshold:
			trends[tf] = analysis.Bullish
		case deviation < -deviationThreshold:
			trends[tf] = analysis.Bearish
		default:
			trends[tf] = analysis.Neutral
		}
	}

	alignment, primary := trendAlignment(trends)

	return TechnicalResult{
		TimeframeTrends: trends,
		EMADeviations:   deviations,
		PrimaryTrend:    primary,
		TrendAlignment:  alignment,
	}
}

// trendAlignment returns the share of timeframes agreeing with the majority
// direction. A tie reports neutral with zero alignment.
func trendAlignment(trends map[string]analysis.Direction) (float64, analysis.Direction) {
	if len(trends) == 0 {
		return 0, analysis.Neutral
	}

	bullish, bearish := 0, 0
	for _, t := range trends {
		switch t {
		case analysis.Bullish:
			bullish++
		case analysis.Bearish:
			bearish++
		}
	}

	total := float64(len(trends))
	switch {
	case bullish > bearish:
		return float64(bullish) / total, analysis.Bullish
	case bearish > bullish:
		return float64(bearish) / total, analysis.Bearish
	default:
		return 0, analysis.Neutral
	}
}

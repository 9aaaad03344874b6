package analysis

import (
	"math"

	"spot-trading-engine/internal/binance"
)

// Pattern is a volume-price bar classification.
type Pattern string

const (
	PatternClimaxHigh     Pattern = "CLIMAX_HIGH"
	PatternClimaxLow      Pattern = "CLIMAX_LOW"
	PatternStoppingVolume Pattern = "STOPPING_VOLUME"
	PatternEffortVsResult Pattern = "EFFORT_VS_RESULT"
	PatternNoDemand       Pattern = "NO_DEMAND"
	PatternNoSupply       Pattern = "NO_SUPPLY"
	PatternTest           Pattern = "TEST"
	PatternUpthrust       Pattern = "UPTHRUST"
	PatternSpring         Pattern = "SPRING"
	PatternNeutral        Pattern = "NEUTRAL"
)

// Volume and spread thresholds, in z-score and ratio units.
const (
	ultraHighVolume = 2.5
	highVolume      = 1.5
	lowVolume       = -0.5
	ultraLowVolume  = -1.5

	wideSpread   = 1.5
	narrowSpread = 0.5

	upperThird = 0.67
	lowerThird = 0.33

	trendSlopeThreshold = 0.05
	minSignalStrength   = 0.5
)

// VPAResult is the outcome of analyzing the most recent bar.
type VPAResult struct {
	Pattern       Pattern   `json:"pattern"`
	Direction     Direction `json:"direction"`
	Strength      float64   `json:"strength"`
	VolumeAnomaly float64   `json:"volume_anomaly"`
	SpreadRatio   float64   `json:"spread_ratio"`
	ClosePosition float64   `json:"close_position"`
	Trend         Direction `json:"trend"`
	IsValid       bool      `json:"is_valid"`
}

// VPAAnalyzer classifies single bars against their lookback statistics.
type VPAAnalyzer struct {
	lookback int
}

// NewVPAAnalyzer creates an analyzer with the given lookback window.
func NewVPAAnalyzer(lookback int) *VPAAnalyzer {
	if lookback <= 0 {
		lookback = 20
	}
	return &VPAAnalyzer{lookback: lookback}
}

// Analyze classifies the last bar of the sequence. At least lookback+1 bars
// are required; shorter input yields a neutral, invalid result.
func (a *VPAAnalyzer) Analyze(candles []binance.Kline) *VPAResult {
	if len(candles) < a.lookback+1 {
		return &VPAResult{
			Pattern:       PatternNeutral,
			Direction:     Neutral,
			SpreadRatio:   1.0,
			ClosePosition: 0.5,
			Trend:         Neutral,
		}
	}

	current := candles[len(candles)-1]
	historical := candles[len(candles)-1-a.lookback : len(candles)-1]

	volumeAnomaly := volumeZScore(current, historical)
	spreadRatio := spreadRatio(current, historical)
	closePosition := current.ClosePosition()
	isBullish := current.IsBullish()
	trend := detectTrend(historical)

	pattern := classify(volumeAnomaly, spreadRatio, closePosition, isBullish, trend)
	strength := patternStrength(pattern, volumeAnomaly)
	direction := signalDirection(pattern, trend)

	return &VPAResult{
		Pattern:       pattern,
		Direction:     direction,
		Strength:      strength,
		VolumeAnomaly: volumeAnomaly,
		SpreadRatio:   spreadRatio,
		ClosePosition: closePosition,
		Trend:         trend,
		IsValid:       isValidSignal(pattern, strength, trend),
	}
}

// volumeZScore measures how unusual the current volume is against the
// lookback window. A flat window (stddev 0) reports 0.
func volumeZScore(current binance.Kline, historical []binance.Kline) float64 {
	if len(historical) < 2 {
		return 0
	}

	sum := 0.0
	for _, c := range historical {
		sum += c.Volume
	}
	mean := sum / float64(len(historical))

	variance := 0.0
	for _, c := range historical {
		d := c.Volume - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(historical)))

	if std == 0 {
		return 0
	}
	return (current.Volume - mean) / std
}

// spreadRatio compares the current bar range to the window average.
func spreadRatio(current binance.Kline, historical []binance.Kline) float64 {
	if len(historical) == 0 {
		return 1.0
	}

	sum := 0.0
	for _, c := range historical {
		sum += c.Spread()
	}
	avg := sum / float64(len(historical))

	if avg == 0 {
		return 1.0
	}
	return current.Spread() / avg
}

// detectTrend fits a line through the last 5 closes of the window and
// normalizes the slope by the average price, as a percentage.
func detectTrend(candles []binance.Kline) Direction {
	if len(candles) < 5 {
		return Neutral
	}

	closes := make([]float64, 5)
	for i, c := range candles[len(candles)-5:] {
		closes[i] = c.Close
	}

	// Least-squares slope over x = 0..4
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range closes {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	n := float64(len(closes))
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return Neutral
	}
	slope := (n*sumXY - sumX*sumY) / denom

	avgPrice := sumY / n
	if avgPrice == 0 {
		return Neutral
	}
	normalizedSlope := slope / avgPrice * 100

	if normalizedSlope > trendSlopeThreshold {
		return Bullish
	}
	if normalizedSlope < -trendSlopeThreshold {
		return Bearish
	}
	return Neutral
}

// classify applies the pattern table in order; the first match wins.
func classify(volumeAnomaly, spreadRatio, closePosition float64, isBullish bool, trend Direction) Pattern {
	// Climax bars: ultra high volume on a wide spread, confirming the trend
	if volumeAnomaly >= ultraHighVolume && spreadRatio >= wideSpread {
		if isBullish && trend == Bullish {
			return PatternClimaxHigh
		}
		if !isBullish && trend == Bearish {
			return PatternClimaxLow
		}
	}

	// Stopping volume: high volume absorbed in a narrow spread
	if volumeAnomaly >= highVolume && spreadRatio <= narrowSpread {
		return PatternStoppingVolume
	}

	// Effort vs result: high volume but little movement
	if volumeAnomaly >= highVolume && spreadRatio < 0.75 {
		return PatternEffortVsResult
	}

	// No demand: low volume up bar closing in the upper third
	if volumeAnomaly <= lowVolume && isBullish && closePosition >= upperThird {
		return PatternNoDemand
	}

	// No supply: low volume down bar closing in the lower third
	if volumeAnomaly <= lowVolume && !isBullish && closePosition <= lowerThird {
		return PatternNoSupply
	}

	// Test: very low volume probing a level
	if volumeAnomaly <= ultraLowVolume {
		return PatternTest
	}

	// Upthrust: wide spread up bar closing weak
	if spreadRatio >= wideSpread && isBullish && closePosition <= lowerThird && volumeAnomaly >= 0 {
		return PatternUpthrust
	}

	// Spring: wide spread down bar closing strong
	if spreadRatio >= wideSpread && !isBullish && closePosition >= upperThird && volumeAnomaly >= 0 {
		return PatternSpring
	}

	return PatternNeutral
}

var patternWeights = map[Pattern]float64{
	PatternClimaxHigh:     0.9,
	PatternClimaxLow:      0.9,
	PatternUpthrust:       0.85,
	PatternSpring:         0.85,
	PatternStoppingVolume: 0.8,
	PatternNoDemand:       0.7,
	PatternNoSupply:       0.7,
	PatternEffortVsResult: 0.65,
	PatternTest:           0.6,
}

// patternStrength scales the pattern weight by volume significance, in [0, 1].
func patternStrength(pattern Pattern, volumeAnomaly float64) float64 {
	if pattern == PatternNeutral {
		return 0
	}

	base, ok := patternWeights[pattern]
	if !ok {
		base = 0.5
	}

	volumeFactor := math.Min(math.Abs(volumeAnomaly)/3.0, 1.0)
	strength := base * (0.7 + 0.3*volumeFactor)

	return math.Min(math.Max(strength, 0), 1)
}

// signalDirection maps a pattern to its trading direction.
func signalDirection(pattern Pattern, trend Direction) Direction {
	switch pattern {
	case PatternClimaxLow, PatternNoSupply, PatternSpring:
		return Bullish
	case PatternClimaxHigh, PatternNoDemand, PatternUpthrust:
		return Bearish
	case PatternStoppingVolume:
		// Absorption flips the prevailing trend
		if trend == Bullish {
			return Bearish
		}
		return Bullish
	case PatternTest:
		return trend
	}
	return Neutral
}

// isValidSignal gates the result. Reversal patterns always pass; the low
// volume continuation patterns are rejected when the trend they fade is
// already running their way.
func isValidSignal(pattern Pattern, strength float64, trend Direction) bool {
	if pattern == PatternNeutral {
		return false
	}
	if strength < minSignalStrength {
		return false
	}

	switch pattern {
	case PatternNoDemand:
		return trend != Bullish
	case PatternNoSupply:
		return trend != Bearish
	}
	return true
}

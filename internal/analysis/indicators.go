package analysis

import (
	"math"

	"spot-trading-engine/internal/binance"
)

// CalculateSMA calculates Simple Moving Average over the last period closes.
func CalculateSMA(klines []binance.Kline, period int) float64 {
	if period <= 0 || len(klines) < period {
		return 0
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Close
	}
	return sum / float64(period)
}

// CalculateEMA calculates Exponential Moving Average, seeded with the SMA of
// the first period closes and smoothed with 2/(period+1).
func CalculateEMA(klines []binance.Kline, period int) float64 {
	if period <= 0 || len(klines) < period {
		return 0
	}

	ema := CalculateSMA(klines[:period], period)
	multiplier := 2.0 / float64(period+1)

	for i := period; i < len(klines); i++ {
		ema = (klines[i].Close-ema)*multiplier + ema
	}
	return ema
}

// EMADeviation returns how far the last close sits from the EMA, as a
// fraction of the EMA. Zero when the EMA cannot be computed.
func EMADeviation(klines []binance.Kline, period int) float64 {
	ema := CalculateEMA(klines, period)
	if ema == 0 || len(klines) == 0 {
		return 0
	}
	return (klines[len(klines)-1].Close - ema) / ema
}

// CalculateATR calculates the Average True Range over the last period bars.
func CalculateATR(klines []binance.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 0
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		prevClose := klines[i-1].Close
		tr := klines[i].High - klines[i].Low
		tr = math.Max(tr, math.Abs(klines[i].High-prevClose))
		tr = math.Max(tr, math.Abs(klines[i].Low-prevClose))
		sum += tr
	}
	return sum / float64(period)
}

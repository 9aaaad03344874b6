package confluence

import (
	"context"
	"math"
	"time"

	"spot-trading-engine/internal/analysis"
	"spot-trading-engine/internal/binance"
)

// Alignment is the combined confluence outcome.
type Alignment string

const (
	AlignmentBullish     Alignment = "BULLISH"
	AlignmentBearish     Alignment = "BEARISH"
	AlignmentConflicting Alignment = "CONFLICTING"
	AlignmentNeutral     Alignment = "NEUTRAL"
)

const (
	strongAlignment     = 0.75
	alignmentBoost      = 1.2
	minConfluenceScore  = 0.6
	minDimensionsNeeded = 2
)

// Result is the full three-dimensional analysis for one symbol.
type Result struct {
	Relational        RelationalResult  `json:"relational"`
	Fundamental       FundamentalResult `json:"fundamental"`
	Technical         TechnicalResult   `json:"technical"`
	Confluence        Alignment         `json:"confluence"`
	ConfluenceScore   float64           `json:"confluence_score"`
	DimensionsAligned int               `json:"dimensions_aligned"`
	IsValid           bool              `json:"is_valid"`
}

// Analyzer combines the relational, fundamental and technical dimensions.
type Analyzer struct {
	store              EventStore
	emaPeriod          int
	deviationThreshold float64
}

// NewAnalyzer creates a three-dimensional analyzer. The store may be nil, in
// which case the fundamental dimension stays neutral.
func NewAnalyzer(store EventStore, emaPeriod int, deviationThreshold float64) *Analyzer {
	if emaPeriod <= 0 {
		emaPeriod = 20
	}
	if deviationThreshold <= 0 {
		deviationThreshold = 0.005
	}
	return &Analyzer{
		store:              store,
		emaPeriod:          emaPeriod,
		deviationThreshold: deviationThreshold,
	}
}

// Analyze runs all three dimensions and combines them.
func (a *Analyzer) Analyze(ctx context.Context, klinesByTimeframe map[string][]binance.Kline, relatedPrices map[string]float64) *Result {
	relational := AnalyzeRelational(relatedPrices)
	fundamental := AnalyzeFundamental(ctx, a.store, time.Now().UTC())
	technical := AnalyzeTechnical(klinesByTimeframe, a.emaPeriod, a.deviationThreshold)

	return combine(relational, fundamental, technical)
}

// combine applies the confluence rules to the three dimension results.
func combine(relational RelationalResult, fundamental FundamentalResult, technical TechnicalResult) *Result {
	var dimensions []analysis.Direction

	if relational.CryptoHealth != analysis.Neutral {
		dimensions = append(dimensions, relational.CryptoHealth)
	}
	// The fundamental dimension only participates inside the post-event window
	if fundamental.PostEventWindow && fundamental.EventImpact != analysis.Neutral {
		dimensions = append(dimensions, fundamental.EventImpact)
	}
	if technical.PrimaryTrend != analysis.Neutral {
		dimensions = append(dimensions, technical.PrimaryTrend)
	}

	result := &Result{
		Relational:  relational,
		Fundamental: fundamental,
		Technical:   technical,
		Confluence:  AlignmentNeutral,
	}

	bullish, bearish := 0, 0
	for _, d := range dimensions {
		switch d {
		case analysis.Bullish:
			bullish++
		case analysis.Bearish:
			bearish++
		}
	}

	switch {
	case bullish >= 2:
		result.Confluence = AlignmentBullish
		result.DimensionsAligned = bullish
	case bearish >= 2:
		result.Confluence = AlignmentBearish
		result.DimensionsAligned = bearish
	case bullish == 1 && bearish == 1:
		result.Confluence = AlignmentConflicting
	case bullish == 1:
		result.Confluence = AlignmentBullish
		result.DimensionsAligned = 1
	case bearish == 1:
		result.Confluence = AlignmentBearish
		result.DimensionsAligned = 1
	}

	if len(dimensions) > 0 {
		result.ConfluenceScore = float64(result.DimensionsAligned) / float64(len(dimensions))
	}
	if technical.TrendAlignment >= strongAlignment {
		result.ConfluenceScore = math.Min(result.ConfluenceScore*alignmentBoost, 1.0)
	}

	result.IsValid = isValid(result, fundamental)
	return result
}

func isValid(r *Result, fundamental FundamentalResult) bool {
	if r.Confluence != AlignmentBullish && r.Confluence != AlignmentBearish {
		return false
	}
	if r.DimensionsAligned < minDimensionsNeeded {
		return false
	}
	if fundamental.InPreEventGuard() {
		return false
	}
	return r.ConfluenceScore >= minConfluenceScore
}

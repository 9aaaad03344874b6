package confluence

import (
	"context"
	"testing"
	"time"

	"spot-trading-engine/internal/analysis"
	"spot-trading-engine/internal/binance"
	"spot-trading-engine/internal/database"
)

type fakeEventStore struct {
	upcoming []*database.EconomicEvent
	recent   []*database.EconomicEvent
}

func (f *fakeEventStore) GetUpcomingEvents(ctx context.Context, now time.Time) ([]*database.EconomicEvent, error) {
	return f.upcoming, nil
}

func (f *fakeEventStore) GetRecentEvents(ctx context.Context, now time.Time) ([]*database.EconomicEvent, error) {
	return f.recent, nil
}

func fptr(f float64) *float64 { return &f }

func TestAnalyzeRelational(t *testing.T) {
	tests := []struct {
		name      string
		btc       float64
		eth       float64
		health    analysis.Direction
		sentiment string
	}{
		{"strong ratio", 40000, 2800, analysis.Bullish, RiskOn}, // 0.07
		{"weak ratio", 40000, 1400, analysis.Bearish, RiskOff},  // 0.035
		{"middle ratio", 40000, 2000, analysis.Neutral, RiskNeutral},
	}

	for _, tt := range tests {
		result := AnalyzeRelational(map[string]float64{
			"BTCUSDT": tt.btc,
			"ETHUSDT": tt.eth,
		})
		if result.CryptoHealth != tt.health {
			t.Errorf("%s: CryptoHealth = %s, want %s", tt.name, result.CryptoHealth, tt.health)
		}
		if result.RiskSentiment != tt.sentiment {
			t.Errorf("%s: RiskSentiment = %s, want %s", tt.name, result.RiskSentiment, tt.sentiment)
		}
	}
}

func TestAnalyzeRelationalMissingPrices(t *testing.T) {
	result := AnalyzeRelational(map[string]float64{"BTCUSDT": 40000})
	if result.CryptoHealth != analysis.Neutral {
		t.Errorf("CryptoHealth = %s, want NEUTRAL without ETH price", result.CryptoHealth)
	}
}

// trendingKlines returns bars whose last close sits the given fraction away
// from the EMA region.
func trendingKlines(base float64, lastMove float64, n int) []binance.Kline {
	bars := make([]binance.Kline, n)
	for i := range bars {
		bars[i] = binance.Kline{Open: base, High: base, Low: base, Close: base}
	}
	last := base * (1 + lastMove)
	bars[n-1] = binance.Kline{Open: base, High: last, Low: base, Close: last}
	return bars
}

func TestAnalyzeTechnicalAlignment(t *testing.T) {
	// Three timeframes above EMA, one below
	klines := map[string][]binance.Kline{
		"1m":  trendingKlines(100, 0.02, 30),
		"5m":  trendingKlines(100, 0.02, 30),
		"15m": trendingKlines(100, 0.02, 30),
		"1h":  trendingKlines(100, -0.02, 30),
	}

	result := AnalyzeTechnical(klines, 20, 0.005)

	if result.PrimaryTrend != analysis.Bullish {
		t.Errorf("PrimaryTrend = %s, want BULLISH", result.PrimaryTrend)
	}
	if result.TrendAlignment != 0.75 {
		t.Errorf("TrendAlignment = %f, want 0.75", result.TrendAlignment)
	}
	if result.TimeframeTrends["1h"] != analysis.Bearish {
		t.Errorf("1h trend = %s, want BEARISH", result.TimeframeTrends["1h"])
	}
}

func TestAnalyzeTechnicalTie(t *testing.T) {
	klines := map[string][]binance.Kline{
		"1m": trendingKlines(100, 0.02, 30),
		"5m": trendingKlines(100, -0.02, 30),
	}

	result := AnalyzeTechnical(klines, 20, 0.005)

	if result.PrimaryTrend != analysis.Neutral {
		t.Errorf("PrimaryTrend = %s, want NEUTRAL on tie", result.PrimaryTrend)
	}
	if result.TrendAlignment != 0 {
		t.Errorf("TrendAlignment = %f, want 0 on tie", result.TrendAlignment)
	}
}

func TestFundamentalPostEventImpact(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeEventStore{
		recent: []*database.EconomicEvent{{
			EventType:             "CPI",
			Country:               "US",
			ReleaseTime:           now.Add(-30 * time.Minute),
			Impact:                database.ImpactHigh,
			DeviationFromForecast: fptr(1.2),
		}},
	}

	result := AnalyzeFundamental(context.Background(), store, now)

	if !result.PostEventWindow {
		t.Fatal("expected post-event window within 60 minutes of release")
	}
	if result.EventImpact != analysis.Bullish {
		t.Errorf("EventImpact = %s, want BULLISH for positive surprise", result.EventImpact)
	}
}

func TestFundamentalWindowExpired(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeEventStore{
		recent: []*database.EconomicEvent{{
			EventType:             "NFP",
			ReleaseTime:           now.Add(-90 * time.Minute),
			Impact:                database.ImpactHigh,
			DeviationFromForecast: fptr(-2.0),
		}},
	}

	result := AnalyzeFundamental(context.Background(), store, now)

	if result.PostEventWindow {
		t.Error("post-event window should have expired after 60 minutes")
	}
	if result.EventImpact != analysis.Neutral {
		t.Errorf("EventImpact = %s, want NEUTRAL outside the window", result.EventImpact)
	}
}

// TestPreEventGuard: an otherwise fully aligned setup is invalidated by a
// high-impact release 20 minutes out.
func TestPreEventGuard(t *testing.T) {
	ttl := 20 * time.Minute

	relational := RelationalResult{CryptoHealth: analysis.Bullish, RiskSentiment: RiskOn}
	fundamental := FundamentalResult{
		EventImpact:     analysis.Neutral,
		TimeToNextEvent: &ttl,
	}
	technical := TechnicalResult{
		PrimaryTrend:   analysis.Bullish,
		TrendAlignment: 1.0,
	}

	result := combine(relational, fundamental, technical)

	if result.Confluence != AlignmentBullish {
		t.Fatalf("Confluence = %s, want BULLISH", result.Confluence)
	}
	if result.DimensionsAligned != 2 {
		t.Fatalf("DimensionsAligned = %d, want 2", result.DimensionsAligned)
	}
	if result.IsValid {
		t.Error("signal must be invalid with a release 20 minutes away")
	}

	// Same setup with the event 45 minutes out passes
	farTTL := 45 * time.Minute
	fundamental.TimeToNextEvent = &farTTL
	result = combine(relational, fundamental, technical)
	if !result.IsValid {
		t.Error("signal should be valid with the release 45 minutes away")
	}
}

func TestConflictingDimensions(t *testing.T) {
	relational := RelationalResult{CryptoHealth: analysis.Bullish}
	fundamental := FundamentalResult{EventImpact: analysis.Neutral}
	technical := TechnicalResult{PrimaryTrend: analysis.Bearish, TrendAlignment: 0.5}

	result := combine(relational, fundamental, technical)

	if result.Confluence != AlignmentConflicting {
		t.Errorf("Confluence = %s, want CONFLICTING", result.Confluence)
	}
	if result.IsValid {
		t.Error("conflicting confluence must be invalid")
	}
}

func TestAlignmentBoost(t *testing.T) {
	relational := RelationalResult{CryptoHealth: analysis.Neutral}
	fundamental := FundamentalResult{
		PostEventWindow: true,
		EventImpact:     analysis.Bullish,
	}
	technical := TechnicalResult{PrimaryTrend: analysis.Bullish, TrendAlignment: 1.0}

	result := combine(relational, fundamental, technical)

	// Two of two dimensions agree: score 1.0, boost capped at 1.0
	if result.ConfluenceScore != 1.0 {
		t.Errorf("ConfluenceScore = %f, want 1.0", result.ConfluenceScore)
	}
	if !result.IsValid {
		t.Error("fully aligned setup should be valid")
	}
}

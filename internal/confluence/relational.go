package confluence

import (
	"spot-trading-engine/internal/analysis"
)

// Risk sentiment labels.
const (
	RiskOn      = "RISK_ON"
	RiskOff     = "RISK_OFF"
	RiskNeutral = "NEUTRAL"
)

// ETH/BTC ratio bands. The historical range sits around 0.05-0.08; a strong
// ratio means altcoins lead and risk appetite is on.
const (
	ethBTCBullish = 0.06
	ethBTCBearish = 0.04
)

// RelationalResult is the cross-market dimension.
type RelationalResult struct {
	ETHBTCRatio   float64            `json:"eth_btc_ratio"`
	CryptoHealth  analysis.Direction `json:"crypto_health"`
	USDImpact     analysis.Direction `json:"usd_impact"`
	RiskSentiment string             `json:"risk_sentiment"`
}

// AnalyzeRelational reads market health from related quote-asset prices,
// keyed by symbol (at minimum BTCUSDT and ETHUSDT).
func AnalyzeRelational(relatedPrices map[string]float64) RelationalResult {
	result := RelationalResult{
		CryptoHealth:  analysis.Neutral,
		USDImpact:     analysis.Neutral,
		RiskSentiment: RiskNeutral,
	}

	btcPrice, okBTC := relatedPrices["BTCUSDT"]
	ethPrice, okETH := relatedPrices["ETHUSDT"]
	if !okBTC || !okETH || btcPrice <= 0 {
		return result
	}

	ratio := ethPrice / btcPrice
	result.ETHBTCRatio = ratio

	switch {
	case ratio > ethBTCBullish:
		result.CryptoHealth = analysis.Bullish
		result.RiskSentiment = RiskOn
	case ratio < ethBTCBearish:
		result.CryptoHealth = analysis.Bearish
		result.RiskSentiment = RiskOff
	}

	return result
}

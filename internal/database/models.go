package database

import (
	"time"
)

// Trade statuses. FILLED, CANCELLED and REJECTED are terminal.
const (
	TradeStatusPending         = "PENDING"
	TradeStatusPartiallyFilled = "PARTIALLY_FILLED"
	TradeStatusFilled          = "FILLED"
	TradeStatusCancelled       = "CANCELLED"
	TradeStatusRejected        = "REJECTED"
)

// IsTerminalTradeStatus reports whether a status absorbs further transitions.
func IsTerminalTradeStatus(status string) bool {
	switch status {
	case TradeStatusFilled, TradeStatusCancelled, TradeStatusRejected:
		return true
	}
	return false
}

// Position statuses.
const (
	PositionStatusOpen   = "OPEN"
	PositionStatusClosed = "CLOSED"
)

// System statuses carried on RiskState and the cache status flag.
const (
	SystemStatusActive        = "ACTIVE"
	SystemStatusPaused        = "PAUSED"
	SystemStatusEmergencyStop = "EMERGENCY_STOP"
)

// Order sides and types.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"
)

// Economic event impact levels.
const (
	ImpactLow    = "LOW"
	ImpactMedium = "MEDIUM"
	ImpactHigh   = "HIGH"
)

// Trade is the durable record of one exchange order.
type Trade struct {
	ID            int64      `json:"id"`
	OrderID       int64      `json:"order_id"`
	ClientOrderID string     `json:"client_order_id"`
	Symbol        string     `json:"symbol"`
	Side          string     `json:"side"`
	OrderType     string     `json:"order_type"`
	RequestedQty  float64    `json:"requested_qty"`
	FilledQty     float64    `json:"filled_qty"`
	Price         *float64   `json:"price,omitempty"`
	AvgPrice      *float64   `json:"avg_price,omitempty"`
	ExpectedPrice *float64   `json:"expected_price,omitempty"`
	Slippage      *float64   `json:"slippage,omitempty"`
	SlippagePct   *float64   `json:"slippage_pct,omitempty"`
	RealizedPnL   *float64   `json:"realized_pnl,omitempty"`
	VPAPattern    *string    `json:"vpa_pattern,omitempty"`
	Confluence    *string    `json:"confluence,omitempty"`
	EMADeviation  *string    `json:"ema_deviation,omitempty"`
	MacroContext  *string    `json:"macro_context,omitempty"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	FilledAt      *time.Time `json:"filled_at,omitempty"`
}

// ApplySlippage records the realized slippage against the expected price.
// No-op when there is no expected price or no fill yet.
func (t *Trade) ApplySlippage(avgPrice float64) {
	if t.ExpectedPrice == nil || *t.ExpectedPrice == 0 || avgPrice <= 0 {
		return
	}
	slippage := avgPrice - *t.ExpectedPrice
	slippagePct := slippage / *t.ExpectedPrice * 100
	t.AvgPrice = &avgPrice
	t.Slippage = &slippage
	t.SlippagePct = &slippagePct
}

// Position tracks an open or closed holding. It references its entry Trade
// and, once closing starts, an exit Trade; reverse traversal is by query.
type Position struct {
	ID                int64      `json:"id"`
	EntryTradeID      int64      `json:"entry_trade_id"`
	ExitTradeID       *int64     `json:"exit_trade_id,omitempty"`
	Symbol            string     `json:"symbol"`
	Side              string     `json:"side"`
	Quantity          float64    `json:"quantity"`
	EntryPrice        float64    `json:"entry_price"`
	CurrentPrice      float64    `json:"current_price"`
	UnrealizedPnL     float64    `json:"unrealized_pnl"`
	UnrealizedPnLPct  float64    `json:"unrealized_pnl_pct"`
	InitialStop       float64    `json:"initial_stop"`
	CurrentStop       float64    `json:"current_stop"`
	TrailingActivated bool       `json:"trailing_activated"`
	TrailingDistance  *float64   `json:"trailing_distance,omitempty"`
	HighestPrice      *float64   `json:"highest_price,omitempty"`
	LowestPrice       *float64   `json:"lowest_price,omitempty"`
	TakeProfit        *float64   `json:"take_profit,omitempty"`
	Status            string     `json:"status"`
	CloseReason       *string    `json:"close_reason,omitempty"`
	OpenedAt          time.Time  `json:"opened_at"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
}

// UpdateUnrealized recomputes PnL fields for the given mark price.
func (p *Position) UpdateUnrealized(currentPrice float64) {
	p.CurrentPrice = currentPrice
	if p.Side == SideBuy {
		p.UnrealizedPnL = (currentPrice - p.EntryPrice) * p.Quantity
	} else {
		p.UnrealizedPnL = (p.EntryPrice - currentPrice) * p.Quantity
	}
	if p.EntryPrice > 0 {
		if p.Side == SideBuy {
			p.UnrealizedPnLPct = (currentPrice - p.EntryPrice) / p.EntryPrice * 100
		} else {
			p.UnrealizedPnLPct = (p.EntryPrice - currentPrice) / p.EntryPrice * 100
		}
	}
}

// RiskState is the per-UTC-day account risk ledger.
type RiskState struct {
	ID              int64      `json:"id"`
	Date            time.Time  `json:"date"`
	StartingBalance float64    `json:"starting_balance"`
	CurrentBalance  float64    `json:"current_balance"`
	HighestBalance  float64    `json:"highest_balance"`
	DailyPnL        float64    `json:"daily_pnl"`
	Drawdown        float64    `json:"drawdown"`
	DrawdownPct     float64    `json:"drawdown_pct"`
	MaxDrawdownPct  float64    `json:"max_drawdown_pct"`
	TotalTrades     int        `json:"total_trades"`
	WinningTrades   int        `json:"winning_trades"`
	LosingTrades    int        `json:"losing_trades"`
	SystemStatus    string     `json:"system_status"`
	PauseReason     *string    `json:"pause_reason,omitempty"`
	PausedAt        *time.Time `json:"paused_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ApplyBalance folds a balance observation into the day's derived fields.
// The high-water mark never decreases within the day.
func (rs *RiskState) ApplyBalance(balance float64) {
	rs.CurrentBalance = balance
	if balance > rs.HighestBalance {
		rs.HighestBalance = balance
	}
	rs.DailyPnL = rs.CurrentBalance - rs.StartingBalance
	rs.Drawdown = rs.HighestBalance - rs.CurrentBalance
	if rs.HighestBalance > 0 {
		rs.DrawdownPct = rs.Drawdown / rs.HighestBalance * 100
	}
	if rs.DrawdownPct > rs.MaxDrawdownPct {
		rs.MaxDrawdownPct = rs.DrawdownPct
	}
}

// EconomicEvent is one macro calendar release.
// Unique on (event_type, country, release_time).
type EconomicEvent struct {
	ID                    int64     `json:"id"`
	EventType             string    `json:"event_type"` // CPI, PPI, NFP, FOMC, GDP, OTHER
	Country               string    `json:"country"`
	ReleaseTime           time.Time `json:"release_time"`
	Forecast              *float64  `json:"forecast,omitempty"`
	Actual                *float64  `json:"actual,omitempty"`
	Previous              *float64  `json:"previous,omitempty"`
	Impact                string    `json:"impact"`
	DeviationFromForecast *float64  `json:"deviation_from_forecast,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

// ComputeDeviation derives the surprise against forecast when both numbers
// are present and the forecast is non-zero.
func (e *EconomicEvent) ComputeDeviation() {
	if e.Forecast == nil || e.Actual == nil || *e.Forecast == 0 {
		e.DeviationFromForecast = nil
		return
	}
	f := *e.Forecast
	if f < 0 {
		f = -f
	}
	dev := (*e.Actual - *e.Forecast) / f * 100
	e.DeviationFromForecast = &dev
}

package binance

// Kline represents a closed candlestick
type Kline struct {
	Symbol    string  `json:"symbol,omitempty"`
	Interval  string  `json:"interval,omitempty"`
	OpenTime  int64   `json:"openTime"`
	Open      float64 `json:"open,string"`
	High      float64 `json:"high,string"`
	Low       float64 `json:"low,string"`
	Close     float64 `json:"close,string"`
	Volume    float64 `json:"volume,string"`
	CloseTime int64   `json:"closeTime"`
}

// Spread returns the full bar range (high - low).
func (k Kline) Spread() float64 {
	return k.High - k.Low
}

// Body returns the absolute open-to-close distance.
func (k Kline) Body() float64 {
	if k.Close >= k.Open {
		return k.Close - k.Open
	}
	return k.Open - k.Close
}

// IsBullish reports whether the bar closed at or above its open.
func (k Kline) IsBullish() bool {
	return k.Close >= k.Open
}

// UpperWick returns the distance from the body top to the high.
func (k Kline) UpperWick() float64 {
	if k.IsBullish() {
		return k.High - k.Close
	}
	return k.High - k.Open
}

// LowerWick returns the distance from the low to the body bottom.
func (k Kline) LowerWick() float64 {
	if k.IsBullish() {
		return k.Open - k.Low
	}
	return k.Close - k.Low
}

// ClosePosition returns where the close sits in the bar range, in [0, 1].
// A bar with high == low reports 0.5.
func (k Kline) ClosePosition() float64 {
	spread := k.Spread()
	if spread == 0 {
		return 0.5
	}
	return (k.Close - k.Low) / spread
}

// PriceLevel is one order book level.
type PriceLevel struct {
	Price    float64 `json:"price,string"`
	Quantity float64 `json:"quantity,string"`
}

// OrderBook holds top-of-book depth for a symbol.
type OrderBook struct {
	Symbol       string       `json:"symbol"`
	LastUpdateID int64        `json:"lastUpdateId"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Timestamp    int64        `json:"timestamp"`
}

// Ticker24hr represents 24hr ticker price change statistics
type Ticker24hr struct {
	Symbol             string  `json:"symbol"`
	PriceChange        float64 `json:"priceChange,string"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	WeightedAvgPrice   float64 `json:"weightedAvgPrice,string"`
	LastPrice          float64 `json:"lastPrice,string"`
	Volume             float64 `json:"volume,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
	OpenTime           int64   `json:"openTime"`
	CloseTime          int64   `json:"closeTime"`
	Count              int64   `json:"count"`
}

// OrderResponse represents an order as returned by the exchange
type OrderResponse struct {
	Symbol              string  `json:"symbol"`
	OrderID             int64   `json:"orderId"`
	ClientOrderID       string  `json:"clientOrderId"`
	TransactTime        int64   `json:"transactTime"`
	Price               float64 `json:"price,string"`
	OrigQty             float64 `json:"origQty,string"`
	ExecutedQty         float64 `json:"executedQty,string"`
	CummulativeQuoteQty float64 `json:"cummulativeQuoteQty,string"`
	Status              string  `json:"status"`
	Type                string  `json:"type"`
	Side                string  `json:"side"`
}

// AvgFillPrice returns the volume-weighted execution price, 0 before any fill.
func (o *OrderResponse) AvgFillPrice() float64 {
	if o.ExecutedQty <= 0 {
		return 0
	}
	return o.CummulativeQuoteQty / o.ExecutedQty
}

// Exchange order statuses.
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusExpired         = "EXPIRED"
)

// Balance holds free and locked amounts for one asset.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free,string"`
	Locked float64 `json:"locked,string"`
}

// SymbolInfo carries the trading rules for one symbol.
type SymbolInfo struct {
	Symbol      string  `json:"symbol"`
	Status      string  `json:"status"`
	BaseAsset   string  `json:"baseAsset"`
	QuoteAsset  string  `json:"quoteAsset"`
	MinQty      float64 `json:"minQty,string"`
	StepSize    float64 `json:"stepSize,string"`
	TickSize    float64 `json:"tickSize,string"`
	MinNotional float64 `json:"minNotional,string"`
}

// PlaceOrderRequest describes a new order.
type PlaceOrderRequest struct {
	Symbol        string
	Side          string // "BUY" or "SELL"
	Type          string // "LIMIT" or "MARKET"
	Quantity      float64
	Price         float64 // LIMIT only
	TimeInForce   string  // LIMIT only, defaults to GTC
	StopPrice     float64
	ClientOrderID string
}

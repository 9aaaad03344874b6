package bot

import (
	"context"
	"encoding/json"
	"time"

	"spot-trading-engine/internal/binance"
	"spot-trading-engine/internal/cache"
	"spot-trading-engine/internal/database"
)

// Store is the durable state the engine reads and writes. The repository
// satisfies it; tests substitute fakes.
type Store interface {
	HealthCheck(ctx context.Context) error

	CreateTrade(ctx context.Context, trade *database.Trade) error
	UpdateTradeFill(ctx context.Context, trade *database.Trade) error
	UpdateTradeRealizedPnL(ctx context.Context, tradeID int64, pnl float64) error
	GetTradeByID(ctx context.Context, id int64) (*database.Trade, error)

	CreatePosition(ctx context.Context, pos *database.Position) error
	GetPositionByID(ctx context.Context, id int64) (*database.Position, error)
	GetOpenPositionBySymbol(ctx context.Context, symbol string) (*database.Position, error)
	GetOpenPositions(ctx context.Context) ([]*database.Position, error)
	UpdatePositionMark(ctx context.Context, pos *database.Position) error
	ClosePositionIfOpen(ctx context.Context, positionID int64, reason string) (bool, error)
	SetPositionExitTrade(ctx context.Context, positionID, exitTradeID int64) error

	GetOrCreateRiskState(ctx context.Context, date time.Time, startingBalance float64) (*database.RiskState, error)
	UpdateRiskState(ctx context.Context, rs *database.RiskState) error
	IncrementTradeCount(ctx context.Context, id int64) error
	RecordTradeOutcome(ctx context.Context, id int64, won bool) error
}

// Gateway is the exchange surface the engine uses.
type Gateway interface {
	GetBalance(asset string) (float64, error)
	GetTickerPrice(symbol string) (float64, error)
	GetOrderBookDepth(symbol string, limit int) (*binance.OrderBook, error)
	GetKlines(symbol, interval string, limit int) ([]binance.Kline, error)
	GetSymbolInfo(symbol string) (*binance.SymbolInfo, error)
	PlaceOrder(req binance.PlaceOrderRequest) (*binance.OrderResponse, error)
	GetOrder(symbol string, orderID int64) (*binance.OrderResponse, error)
	CancelOrder(symbol string, orderID int64) error
	CancelAllOrders(symbol string) error
}

// MarketData is the shared cache surface. All reads are fast-path: a miss
// falls back to the gateway.
type MarketData interface {
	GetPrice(symbol string) (float64, bool)
	GetOrderBook(symbol string) (*cache.BookSnapshot, bool)
	SetOrderBook(snapshot cache.BookSnapshot)
	GetEMA(symbol string, period int) (float64, bool)
	GetKlineHistory(symbol, interval string, limit int) []json.RawMessage
	SetSignal(symbol string, signal interface{})
	DeleteSignal(symbol string)
	AcquireSymbolLock(symbol string, ttl time.Duration) bool
	ReleaseSymbolLock(symbol string)
	GetSystemStatus() (*cache.SystemStatus, bool)
	PublishDashboard(kind string, payload interface{})
}

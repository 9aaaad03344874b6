package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"spot-trading-engine/internal/binance"
	"spot-trading-engine/internal/cache"
	"spot-trading-engine/internal/confluence"
	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/risk"
	"spot-trading-engine/internal/strategy"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeStore struct {
	mu         sync.Mutex
	healthErr  error
	trades     map[int64]*database.Trade
	positions  map[int64]*database.Position
	nextTrade  int64
	nextPos    int64
	riskState  *database.RiskState
	seeds      []float64
	tradeCount int
	outcomes   []bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		trades:    make(map[int64]*database.Trade),
		positions: make(map[int64]*database.Position),
		riskState: &database.RiskState{
			ID:              1,
			StartingBalance: 10000,
			CurrentBalance:  10000,
			HighestBalance:  10000,
			SystemStatus:    database.SystemStatusActive,
		},
	}
}

func (f *fakeStore) HealthCheck(ctx context.Context) error { return f.healthErr }

func (f *fakeStore) CreateTrade(ctx context.Context, trade *database.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTrade++
	trade.ID = f.nextTrade
	trade.CreatedAt = time.Now()
	copied := *trade
	f.trades[trade.ID] = &copied
	return nil
}

func (f *fakeStore) UpdateTradeFill(ctx context.Context, trade *database.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *trade
	f.trades[trade.ID] = &copied
	return nil
}

func (f *fakeStore) UpdateTradeRealizedPnL(ctx context.Context, tradeID int64, pnl float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.trades[tradeID]; ok {
		t.RealizedPnL = &pnl
	}
	return nil
}

func (f *fakeStore) GetTradeByID(ctx context.Context, id int64) (*database.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %d not found", id)
	}
	copied := *t
	return &copied, nil
}

func (f *fakeStore) CreatePosition(ctx context.Context, pos *database.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPos++
	pos.ID = f.nextPos
	pos.OpenedAt = time.Now()
	copied := *pos
	f.positions[pos.ID] = &copied
	return nil
}

func (f *fakeStore) GetPositionByID(ctx context.Context, id int64) (*database.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %d not found", id)
	}
	copied := *p
	return &copied, nil
}

func (f *fakeStore) GetOpenPositionBySymbol(ctx context.Context, symbol string) (*database.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.positions {
		if p.Symbol == symbol && p.Status == database.PositionStatusOpen {
			copied := *p
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetOpenPositions(ctx context.Context) ([]*database.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var open []*database.Position
	for _, p := range f.positions {
		if p.Status == database.PositionStatusOpen {
			copied := *p
			open = append(open, &copied)
		}
	}
	return open, nil
}

func (f *fakeStore) UpdatePositionMark(ctx context.Context, pos *database.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.positions[pos.ID]; ok && p.Status == database.PositionStatusOpen {
		copied := *pos
		copied.Status = p.Status
		f.positions[pos.ID] = &copied
	}
	return nil
}

func (f *fakeStore) ClosePositionIfOpen(ctx context.Context, positionID int64, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[positionID]
	if !ok || p.Status != database.PositionStatusOpen {
		return false, nil
	}
	now := time.Now()
	p.Status = database.PositionStatusClosed
	p.CloseReason = &reason
	p.ClosedAt = &now
	return true, nil
}

func (f *fakeStore) SetPositionExitTrade(ctx context.Context, positionID, exitTradeID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.positions[positionID]; ok {
		p.ExitTradeID = &exitTradeID
	}
	return nil
}

func (f *fakeStore) GetOrCreateRiskState(ctx context.Context, date time.Time, startingBalance float64) (*database.RiskState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeds = append(f.seeds, startingBalance)
	copied := *f.riskState
	return &copied, nil
}

func (f *fakeStore) UpdateRiskState(ctx context.Context, rs *database.RiskState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *rs
	f.riskState = &copied
	return nil
}

func (f *fakeStore) IncrementTradeCount(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tradeCount++
	return nil
}

func (f *fakeStore) RecordTradeOutcome(ctx context.Context, id int64, won bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, won)
	return nil
}

func (f *fakeStore) PauseRiskState(ctx context.Context, id int64, status, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.riskState.SystemStatus = status
	f.riskState.PauseReason = &reason
	return nil
}

func (f *fakeStore) ResumeRiskState(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.riskState.SystemStatus = database.SystemStatusActive
	f.riskState.PauseReason = nil
	return nil
}

type fakeGateway struct {
	mu              sync.Mutex
	balance         float64
	prices          map[string]float64
	book            *binance.OrderBook
	symbolInfo      *binance.SymbolInfo
	orders          map[int64]*binance.OrderResponse
	placed          []binance.PlaceOrderRequest
	cancelled       []string
	cancelledOrders []int64
	pendingPolls    int
	nextOrderID     int64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		balance: 10000,
		prices:  map[string]float64{"BTCUSDT": 100},
		book: &binance.OrderBook{
			Symbol: "BTCUSDT",
			Asks:   []binance.PriceLevel{{Price: 100, Quantity: 1000}},
			Bids:   []binance.PriceLevel{{Price: 99.99, Quantity: 1000}},
		},
		symbolInfo: &binance.SymbolInfo{
			Symbol:      "BTCUSDT",
			MinQty:      0.001,
			StepSize:    0.001,
			TickSize:    0.01,
			MinNotional: 10,
		},
		orders: make(map[int64]*binance.OrderResponse),
	}
}

func (f *fakeGateway) GetBalance(asset string) (float64, error) { return f.balance, nil }

func (f *fakeGateway) GetTickerPrice(symbol string) (float64, error) {
	if p, ok := f.prices[symbol]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("no price for %s", symbol)
}

func (f *fakeGateway) GetOrderBookDepth(symbol string, limit int) (*binance.OrderBook, error) {
	return f.book, nil
}

func (f *fakeGateway) GetKlines(symbol, interval string, limit int) ([]binance.Kline, error) {
	return nil, errors.New("not scripted")
}

func (f *fakeGateway) GetSymbolInfo(symbol string) (*binance.SymbolInfo, error) {
	return f.symbolInfo, nil
}

func (f *fakeGateway) PlaceOrder(req binance.PlaceOrderRequest) (*binance.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	f.nextOrderID++
	return &binance.OrderResponse{
		Symbol:        req.Symbol,
		OrderID:       f.nextOrderID,
		ClientOrderID: req.ClientOrderID,
		Price:         req.Price,
		OrigQty:       req.Quantity,
		Status:        binance.OrderStatusNew,
		Type:          req.Type,
		Side:          req.Side,
	}, nil
}

func (f *fakeGateway) GetOrder(symbol string, orderID int64) (*binance.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// A positive pendingPolls count keeps the order resting for that many
	// status checks before the scripted response is served
	if f.pendingPolls > 0 {
		f.pendingPolls--
		return &binance.OrderResponse{
			OrderID: orderID, Symbol: symbol, Status: binance.OrderStatusNew,
		}, nil
	}
	if o, ok := f.orders[orderID]; ok {
		return o, nil
	}
	return nil, fmt.Errorf("order %d not found", orderID)
}

func (f *fakeGateway) CancelOrder(symbol string, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledOrders = append(f.cancelledOrders, orderID)
	f.pendingPolls = 0
	f.orders[orderID] = &binance.OrderResponse{
		OrderID: orderID, Symbol: symbol, Status: binance.OrderStatusCanceled,
	}
	return nil
}

func (f *fakeGateway) CancelAllOrders(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, symbol)
	return nil
}

func (f *fakeGateway) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

type fakeMarket struct {
	mu       sync.Mutex
	prices   map[string]float64
	signals  map[string]interface{}
	deleted  []string
	books    map[string]cache.BookSnapshot
	emas     map[string]float64
	lockBusy bool
	status   *cache.SystemStatus
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		prices:  make(map[string]float64),
		signals: make(map[string]interface{}),
		books:   make(map[string]cache.BookSnapshot),
		emas:    make(map[string]float64),
	}
}

func (f *fakeMarket) GetPrice(symbol string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[symbol]
	return p, ok
}

func (f *fakeMarket) GetOrderBook(symbol string) (*cache.BookSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.books[symbol]
	if !ok {
		return nil, false
	}
	return &snap, true
}

func (f *fakeMarket) SetOrderBook(snapshot cache.BookSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.books[snapshot.Symbol] = snapshot
}

func (f *fakeMarket) SetEMA(symbol string, period int, value float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emas[fmt.Sprintf("%s:%d", symbol, period)] = value
}

func (f *fakeMarket) GetEMA(symbol string, period int) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.emas[fmt.Sprintf("%s:%d", symbol, period)]
	return v, ok
}

func (f *fakeMarket) GetKlineHistory(symbol, interval string, limit int) []json.RawMessage {
	return nil
}

func (f *fakeMarket) SetSignal(symbol string, signal interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals[symbol] = signal
}

func (f *fakeMarket) DeleteSignal(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, symbol)
	delete(f.signals, symbol)
}

func (f *fakeMarket) AcquireSymbolLock(symbol string, ttl time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.lockBusy
}
func (f *fakeMarket) ReleaseSymbolLock(symbol string)                         {}

func (f *fakeMarket) GetSystemStatus() (*cache.SystemStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		return nil, false
	}
	return f.status, true
}

func (f *fakeMarket) SetSystemStatus(status, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = &cache.SystemStatus{Status: status, Reason: reason}
}

func (f *fakeMarket) PublishDashboard(kind string, payload interface{}) {}

// ============================================================================
// HELPERS
// ============================================================================

func newTestBot(store *fakeStore, gateway *fakeGateway, market *fakeMarket) *TradingBot {
	riskMgr := risk.NewManager(nil)
	breaker := risk.NewDrawdownBreaker(store, gateway, market, []string{"BTCUSDT"}, 5.0)
	coordinator := strategy.NewCoordinator(
		confluence.NewAnalyzer(nil, 20, 0.005), riskMgr, market, nil)

	cfg := DefaultConfig()
	cfg.Symbols = []string{"BTCUSDT"}
	return NewTradingBot(store, gateway, market, coordinator, riskMgr, breaker, nil, cfg)
}

func buySignal() *strategy.Signal {
	return &strategy.Signal{
		Action:     strategy.ActionBuy,
		Symbol:     "BTCUSDT",
		EntryPrice: 100,
		StopLoss:   98,
		TakeProfit: 104,
		Confidence: 0.9,
		Reason:     "test entry",
	}
}

func openTestPosition(t *testing.T, store *fakeStore) *database.Position {
	t.Helper()
	tp := 104.0
	pos := &database.Position{
		EntryTradeID: 1,
		Symbol:       "BTCUSDT",
		Side:         database.SideBuy,
		Quantity:     75,
		EntryPrice:   100,
		CurrentPrice: 100,
		InitialStop:  98,
		CurrentStop:  98,
		TakeProfit:   &tp,
		Status:       database.PositionStatusOpen,
	}
	if err := store.CreatePosition(context.Background(), pos); err != nil {
		t.Fatalf("CreatePosition: %v", err)
	}
	return pos
}

// ============================================================================
// TESTS
// ============================================================================

func TestExecuteTradePlacesLimitOrder(t *testing.T) {
	store := newFakeStore()
	gateway := newFakeGateway()
	market := newFakeMarket()
	b := newTestBot(store, gateway, market)

	if err := b.ExecuteTrade(context.Background(), buySignal()); err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}

	if gateway.placedCount() != 1 {
		t.Fatalf("placed %d orders, want 1", gateway.placedCount())
	}
	order := gateway.placed[0]
	if order.Type != database.OrderTypeLimit || order.TimeInForce != "GTC" {
		t.Errorf("order type/tif = %s/%s, want LIMIT/GTC", order.Type, order.TimeInForce)
	}
	// 10000 * 1.5% / 2 = 75 units
	if order.Quantity != 75 {
		t.Errorf("quantity = %f, want 75", order.Quantity)
	}
	if order.ClientOrderID == "" {
		t.Error("client order ID missing")
	}

	if len(store.trades) != 1 {
		t.Fatalf("persisted %d trades, want 1", len(store.trades))
	}
	trade := store.trades[1]
	if trade.Status != database.TradeStatusPending {
		t.Errorf("trade status = %s, want PENDING", trade.Status)
	}
	if trade.ExpectedPrice == nil || *trade.ExpectedPrice != 100 {
		t.Error("expected price not recorded")
	}

	if len(market.deleted) != 1 || market.deleted[0] != "BTCUSDT" {
		t.Errorf("signal cache cleanup = %v, want [BTCUSDT]", market.deleted)
	}
}

func TestExecuteTradeRejectsOnSlippage(t *testing.T) {
	store := newFakeStore()
	gateway := newFakeGateway()
	// Balance 200 sizes the order to 1.5 units against a thin book:
	// avg fill 100.5 vs best 100 is 0.5% slippage
	gateway.balance = 200
	gateway.book = &binance.OrderBook{
		Symbol: "BTCUSDT",
		Asks: []binance.PriceLevel{
			{Price: 100, Quantity: 0.5},
			{Price: 100.5, Quantity: 0.5},
			{Price: 101, Quantity: 10},
		},
	}
	b := newTestBot(store, gateway, newFakeMarket())

	if err := b.ExecuteTrade(context.Background(), buySignal()); err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}

	if gateway.placedCount() != 0 {
		t.Errorf("placed %d orders, want 0 after slippage rejection", gateway.placedCount())
	}
	if len(store.trades) != 0 {
		t.Errorf("persisted %d trades, want 0", len(store.trades))
	}
}

// TestExecuteTradeStoreUnavailable: an order that cannot be recorded is
// never placed.
func TestExecuteTradeStoreUnavailable(t *testing.T) {
	store := newFakeStore()
	store.healthErr = errors.New("connection refused")
	gateway := newFakeGateway()
	b := newTestBot(store, gateway, newFakeMarket())

	err := b.ExecuteTrade(context.Background(), buySignal())
	if err == nil {
		t.Fatal("expected an error with the store down")
	}
	if gateway.placedCount() != 0 {
		t.Errorf("placed %d orders with the store down, want 0", gateway.placedCount())
	}
}

func TestExecuteTradeSkipsExistingPosition(t *testing.T) {
	store := newFakeStore()
	openTestPosition(t, store)
	gateway := newFakeGateway()
	b := newTestBot(store, gateway, newFakeMarket())

	if err := b.ExecuteTrade(context.Background(), buySignal()); err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}
	if gateway.placedCount() != 0 {
		t.Errorf("placed %d orders with a position already open, want 0", gateway.placedCount())
	}
}

// TestMonitorOrderLifecycle walks the PENDING -> PARTIALLY_FILLED -> FILLED
// status graph and verifies the fill opens a position.
func TestMonitorOrderLifecycle(t *testing.T) {
	store := newFakeStore()
	gateway := newFakeGateway()
	b := newTestBot(store, gateway, newFakeMarket())
	ctx := context.Background()
	deadline := time.Now().Add(time.Minute)

	expected := 100.0
	trade := &database.Trade{
		OrderID:       11,
		Symbol:        "BTCUSDT",
		Side:          database.SideBuy,
		OrderType:     database.OrderTypeLimit,
		RequestedQty:  75,
		ExpectedPrice: &expected,
		Status:        database.TradeStatusPending,
	}
	if err := store.CreateTrade(ctx, trade); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}

	gateway.orders[11] = &binance.OrderResponse{
		OrderID: 11, Symbol: "BTCUSDT",
		ExecutedQty: 30, CummulativeQuoteQty: 3015,
		Status: binance.OrderStatusPartiallyFilled,
	}
	done, err := b.pollOrder(ctx, trade.ID, entryOrder, 98, 104, 0)
	if err != nil {
		t.Fatalf("pollOrder partial: %v", err)
	}
	if done {
		t.Fatal("partial fill reported terminal")
	}
	if store.trades[trade.ID].Status != database.TradeStatusPartiallyFilled {
		t.Errorf("status = %s, want PARTIALLY_FILLED", store.trades[trade.ID].Status)
	}

	// Full fill at average 100.5 against expected 100
	gateway.orders[11] = &binance.OrderResponse{
		OrderID: 11, Symbol: "BTCUSDT",
		ExecutedQty: 75, CummulativeQuoteQty: 7537.5,
		Status: binance.OrderStatusFilled,
	}
	if err := b.monitorOrder(ctx, trade.ID, entryOrder, 98, 104, 0, deadline); err != nil {
		t.Fatalf("monitorOrder fill: %v", err)
	}

	final := store.trades[trade.ID]
	if final.Status != database.TradeStatusFilled {
		t.Fatalf("status = %s, want FILLED", final.Status)
	}
	if final.SlippagePct == nil || math.Abs(*final.SlippagePct-0.5) > 1e-9 {
		t.Errorf("slippage pct = %v, want 0.5", final.SlippagePct)
	}
	if final.FilledQty != 75 {
		t.Errorf("filled qty = %f, want 75", final.FilledQty)
	}

	if len(store.positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(store.positions))
	}
	pos := store.positions[1]
	if pos.CurrentStop != 98 || pos.TakeProfit == nil || *pos.TakeProfit != 104 {
		t.Errorf("position stops = %.2f/%v, want 98/104", pos.CurrentStop, pos.TakeProfit)
	}
	if math.Abs(pos.EntryPrice-100.5) > 1e-9 {
		t.Errorf("entry price = %f, want average fill 100.5", pos.EntryPrice)
	}
	if store.tradeCount != 1 {
		t.Errorf("trade count = %d, want 1", store.tradeCount)
	}
	// The day's risk row is seeded from the live balance, never zero
	if len(store.seeds) == 0 || store.seeds[0] != 10000 {
		t.Errorf("risk state seeds = %v, want first seed 10000", store.seeds)
	}

	// A terminal trade is not processed again
	if err := b.monitorOrder(ctx, trade.ID, entryOrder, 98, 104, 0, deadline); err != nil {
		t.Fatalf("monitorOrder on terminal trade: %v", err)
	}
	if len(store.positions) != 1 {
		t.Errorf("terminal re-poll duplicated the position")
	}
}

// TestMonitorOrderOutlastsRetryBudget keeps an order resting far longer than
// the retry budget allows for failures; the monitor must keep polling and
// still catch the eventual fill.
func TestMonitorOrderOutlastsRetryBudget(t *testing.T) {
	store := newFakeStore()
	gateway := newFakeGateway()
	b := newTestBot(store, gateway, newFakeMarket())
	b.config.OrderPollSeconds = 0
	ctx := context.Background()

	expected := 100.0
	trade := &database.Trade{
		OrderID:       21,
		Symbol:        "BTCUSDT",
		Side:          database.SideBuy,
		OrderType:     database.OrderTypeLimit,
		RequestedQty:  75,
		ExpectedPrice: &expected,
		Status:        database.TradeStatusPending,
	}
	if err := store.CreateTrade(ctx, trade); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}

	// Resting for well over OrderPollRetries status checks, then filled
	gateway.pendingPolls = b.config.OrderPollRetries*2 + 5
	gateway.orders[21] = &binance.OrderResponse{
		OrderID: 21, Symbol: "BTCUSDT",
		ExecutedQty: 75, CummulativeQuoteQty: 7500,
		Status: binance.OrderStatusFilled,
	}

	deadline := time.Now().Add(time.Minute)
	if err := b.monitorOrder(ctx, trade.ID, entryOrder, 98, 104, 0, deadline); err != nil {
		t.Fatalf("monitorOrder: %v", err)
	}

	if store.trades[trade.ID].Status != database.TradeStatusFilled {
		t.Fatalf("status = %s, want FILLED after the resting stretch", store.trades[trade.ID].Status)
	}
	if len(store.positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(store.positions))
	}
	if len(gateway.cancelledOrders) != 0 {
		t.Errorf("cancelled %v before the deadline", gateway.cancelledOrders)
	}
}

// TestMonitorOrderCancelsAtDeadline: an order still resting at the deadline is
// cancelled on the exchange and the trade recorded as CANCELLED.
func TestMonitorOrderCancelsAtDeadline(t *testing.T) {
	store := newFakeStore()
	gateway := newFakeGateway()
	b := newTestBot(store, gateway, newFakeMarket())
	b.config.OrderPollSeconds = 0
	ctx := context.Background()

	expected := 100.0
	trade := &database.Trade{
		OrderID:       31,
		Symbol:        "BTCUSDT",
		Side:          database.SideBuy,
		OrderType:     database.OrderTypeLimit,
		RequestedQty:  75,
		ExpectedPrice: &expected,
		Status:        database.TradeStatusPending,
	}
	if err := store.CreateTrade(ctx, trade); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	gateway.pendingPolls = 1000

	deadline := time.Now().Add(-time.Second)
	if err := b.monitorOrder(ctx, trade.ID, entryOrder, 98, 104, 0, deadline); err != nil {
		t.Fatalf("monitorOrder: %v", err)
	}

	if len(gateway.cancelledOrders) != 1 || gateway.cancelledOrders[0] != 31 {
		t.Fatalf("cancelled orders = %v, want [31]", gateway.cancelledOrders)
	}
	if store.trades[trade.ID].Status != database.TradeStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", store.trades[trade.ID].Status)
	}
	if len(store.positions) != 0 {
		t.Errorf("positions = %d, want 0 for an unfilled order", len(store.positions))
	}
}

// TestClosePositionIdempotent: two closes on the same position place exactly
// one exit order.
func TestClosePositionIdempotent(t *testing.T) {
	store := newFakeStore()
	pos := openTestPosition(t, store)
	gateway := newFakeGateway()
	b := newTestBot(store, gateway, newFakeMarket())
	ctx := context.Background()

	if err := b.ClosePosition(ctx, pos.ID, CloseReasonStopLoss); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := b.ClosePosition(ctx, pos.ID, CloseReasonStopLoss); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if gateway.placedCount() != 1 {
		t.Fatalf("placed %d exit orders, want exactly 1", gateway.placedCount())
	}
	exit := gateway.placed[0]
	if exit.Side != database.SideSell || exit.Type != database.OrderTypeMarket {
		t.Errorf("exit order = %s %s, want SELL MARKET", exit.Side, exit.Type)
	}
	if exit.Quantity != pos.Quantity {
		t.Errorf("exit quantity = %f, want %f", exit.Quantity, pos.Quantity)
	}

	closed := store.positions[pos.ID]
	if closed.Status != database.PositionStatusClosed {
		t.Errorf("position status = %s, want CLOSED", closed.Status)
	}
	if closed.CloseReason == nil || *closed.CloseReason != CloseReasonStopLoss {
		t.Errorf("close reason = %v, want STOP_LOSS", closed.CloseReason)
	}
	if closed.ExitTradeID == nil {
		t.Error("exit trade not linked")
	}
	if len(store.trades) != 1 {
		t.Errorf("exit trades = %d, want 1", len(store.trades))
	}
}

// TestExitFillRecordsOutcome finishes a close: the exit fill stamps realized
// PnL and the daily win counter.
func TestExitFillRecordsOutcome(t *testing.T) {
	store := newFakeStore()
	pos := openTestPosition(t, store)
	gateway := newFakeGateway()
	b := newTestBot(store, gateway, newFakeMarket())
	ctx := context.Background()

	if err := b.ClosePosition(ctx, pos.ID, CloseReasonTakeProfit); err != nil {
		t.Fatalf("close: %v", err)
	}
	exitTrade := store.trades[1]

	// Exit fills at 104: pnl = (104 - 100) * 75 = 300
	gateway.orders[exitTrade.OrderID] = &binance.OrderResponse{
		OrderID: exitTrade.OrderID, Symbol: "BTCUSDT",
		ExecutedQty: 75, CummulativeQuoteQty: 7800,
		Status: binance.OrderStatusFilled,
	}
	if err := b.monitorOrder(ctx, exitTrade.ID, exitOrder, 0, 0, pos.ID, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("exit monitor: %v", err)
	}

	final := store.trades[exitTrade.ID]
	if final.RealizedPnL == nil || math.Abs(*final.RealizedPnL-300) > 1e-9 {
		t.Errorf("realized pnl = %v, want 300", final.RealizedPnL)
	}
	if len(store.outcomes) != 1 || !store.outcomes[0] {
		t.Errorf("outcomes = %v, want one win", store.outcomes)
	}
}

// TestMarkPositionTrailing drives the frozen-distance trailing sequence
// through the monitor and checks the persisted stops.
func TestMarkPositionTrailing(t *testing.T) {
	store := newFakeStore()
	pos := openTestPosition(t, store)
	b := newTestBot(store, newFakeGateway(), newFakeMarket())
	ctx := context.Background()

	// 2% profit: trailing activates, distance 4, stop still 98
	b.markPosition(ctx, mustPosition(t, store, pos.ID), 102)
	p := store.positions[pos.ID]
	if !p.TrailingActivated {
		t.Fatal("trailing not activated at 2% profit")
	}
	if p.TrailingDistance == nil || *p.TrailingDistance != 4 {
		t.Fatalf("trailing distance = %v, want 4", p.TrailingDistance)
	}
	if p.CurrentStop != 98 {
		t.Errorf("stop = %f, want unchanged 98", p.CurrentStop)
	}

	// Take profit at 104 would fire here, so clear it for the trailing run
	store.mu.Lock()
	store.positions[pos.ID].TakeProfit = nil
	store.mu.Unlock()

	// New high 110 pulls the stop to 106
	b.markPosition(ctx, mustPosition(t, store, pos.ID), 110)
	p = store.positions[pos.ID]
	if p.CurrentStop != 106 {
		t.Errorf("stop = %f, want 106", p.CurrentStop)
	}
	if p.HighestPrice == nil || *p.HighestPrice != 110 {
		t.Errorf("highest = %v, want 110", p.HighestPrice)
	}

	// Pullback to 107 leaves the stop alone
	b.markPosition(ctx, mustPosition(t, store, pos.ID), 107)
	if store.positions[pos.ID].CurrentStop != 106 {
		t.Errorf("stop moved on pullback: %f", store.positions[pos.ID].CurrentStop)
	}

	// 105 crosses the stop: a close lands on the queue
	b.markPosition(ctx, mustPosition(t, store, pos.ID), 105)
	if len(b.pool.jobs) != 1 {
		t.Fatalf("queued jobs = %d, want 1 close", len(b.pool.jobs))
	}
}

func mustPosition(t *testing.T, store *fakeStore, id int64) *database.Position {
	t.Helper()
	pos, err := store.GetPositionByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPositionByID: %v", err)
	}
	return pos
}

// TestClosePositionDeferredWhileLocked: a close against a symbol another
// worker holds returns an error so the caller retries, leaving the position
// open and the exchange untouched.
func TestClosePositionDeferredWhileLocked(t *testing.T) {
	store := newFakeStore()
	pos := openTestPosition(t, store)
	gateway := newFakeGateway()
	market := newFakeMarket()
	market.lockBusy = true
	b := newTestBot(store, gateway, market)

	err := b.ClosePosition(context.Background(), pos.ID, CloseReasonStopLoss)
	if err == nil {
		t.Fatal("expected an error while the symbol lock is held")
	}
	if gateway.placedCount() != 0 {
		t.Errorf("placed %d orders under a held lock, want 0", gateway.placedCount())
	}
	if store.positions[pos.ID].Status != database.PositionStatusOpen {
		t.Errorf("position status = %s, want still OPEN", store.positions[pos.ID].Status)
	}
}

// TestOrderBookFallbackWarmsCache: a book fetched from the exchange on a cache
// miss is written back so the next admission check reads warm.
func TestOrderBookFallbackWarmsCache(t *testing.T) {
	store := newFakeStore()
	gateway := newFakeGateway()
	market := newFakeMarket()
	b := newTestBot(store, gateway, market)

	if err := b.ExecuteTrade(context.Background(), buySignal()); err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}

	snap, ok := market.GetOrderBook("BTCUSDT")
	if !ok {
		t.Fatal("fetched book not cached")
	}
	if len(snap.Asks) != 1 || snap.Asks[0].Price != 100 || snap.Asks[0].Quantity != 1000 {
		t.Errorf("cached asks = %v, want the fetched level", snap.Asks)
	}
}

// TestGatherSnapshotRelatedPrices keeps the full related-price set warm for
// the confluence pass: BTC, ETH and BNB.
func TestGatherSnapshotRelatedPrices(t *testing.T) {
	store := newFakeStore()
	gateway := newFakeGateway()
	market := newFakeMarket()
	market.prices = map[string]float64{
		"BTCUSDT": 40000,
		"ETHUSDT": 2800,
		"BNBUSDT": 310,
	}
	b := newTestBot(store, gateway, market)
	b.config.Timeframes = nil

	snap, err := b.gatherSnapshot(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("gatherSnapshot: %v", err)
	}

	for symbol, want := range market.prices {
		if got := snap.RelatedPrices[symbol]; got != want {
			t.Errorf("related %s = %f, want %f", symbol, got, want)
		}
	}
}

func TestStrategyTickBlockedWhenPaused(t *testing.T) {
	store := newFakeStore()
	gateway := newFakeGateway()
	market := newFakeMarket()
	market.SetSystemStatus(database.SystemStatusPaused, "drawdown")
	b := newTestBot(store, gateway, market)

	b.StrategyTick(context.Background())

	if gateway.placedCount() != 0 {
		t.Errorf("paused engine placed %d orders", gateway.placedCount())
	}
}

func TestCheckCircuitBreakerTripsAndCancels(t *testing.T) {
	store := newFakeStore()
	store.riskState.HighestBalance = 10500
	gateway := newFakeGateway()
	gateway.balance = 9960 // 5.14% below the high-water mark
	market := newFakeMarket()
	b := newTestBot(store, gateway, market)

	b.CheckCircuitBreaker(context.Background())

	if store.riskState.SystemStatus != database.SystemStatusPaused {
		t.Errorf("risk state = %s, want PAUSED", store.riskState.SystemStatus)
	}
	if len(gateway.cancelled) != 1 || gateway.cancelled[0] != "BTCUSDT" {
		t.Errorf("cancelled = %v, want [BTCUSDT]", gateway.cancelled)
	}
	status, ok := market.GetSystemStatus()
	if !ok || status.Status != database.SystemStatusPaused {
		t.Errorf("cache status = %v, want PAUSED", status)
	}
	if b.breaker.IsTradingAllowed() {
		t.Error("trading still allowed after the trip")
	}
}

package bot

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"spot-trading-engine/internal/binance"
	"spot-trading-engine/internal/cache"
	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/events"
	"spot-trading-engine/internal/strategy"
)

// ExecuteTrade turns a signal into an exchange order. Close actions are
// routed to the position close path; entries run the full admission chain:
// symbol lock, sizing, slippage, store health, then a LIMIT GTC order.
func (b *TradingBot) ExecuteTrade(ctx context.Context, signal *strategy.Signal) error {
	switch signal.Action {
	case strategy.ActionCloseLong, strategy.ActionCloseShort:
		pos, err := b.store.GetOpenPositionBySymbol(ctx, signal.Symbol)
		if err != nil {
			return fmt.Errorf("loading position for %s: %w", signal.Symbol, err)
		}
		if pos == nil {
			return nil
		}
		return b.ClosePosition(ctx, pos.ID, signal.Reason)
	case strategy.ActionBuy, strategy.ActionSell:
	default:
		return nil
	}

	if !b.breaker.IsTradingAllowed() {
		return nil
	}

	symbol := signal.Symbol
	lockTTL := time.Duration(b.config.LockTTLSeconds) * time.Second
	if !b.market.AcquireSymbolLock(symbol, lockTTL) {
		log.Printf("[Executor] %s already being traded elsewhere, skipping", symbol)
		return nil
	}
	defer b.market.ReleaseSymbolLock(symbol)

	// Re-check under the lock; a concurrent fill may have opened a position
	existing, err := b.store.GetOpenPositionBySymbol(ctx, symbol)
	if err != nil {
		return fmt.Errorf("checking open position: %w", err)
	}
	if existing != nil {
		return nil
	}

	balance, err := b.gateway.GetBalance(b.config.QuoteAsset)
	if err != nil {
		return fmt.Errorf("reading balance: %w", err)
	}

	info, err := b.gateway.GetSymbolInfo(symbol)
	if err != nil {
		return fmt.Errorf("symbol info for %s: %w", symbol, err)
	}

	sizing := b.riskMgr.CalculatePositionSize(balance, signal.EntryPrice, signal.StopLoss, info)
	if !sizing.Valid {
		log.Printf("[Executor] %s sizing rejected: %s", symbol, sizing.Reason)
		return nil
	}

	book, err := b.orderBook(symbol)
	if err != nil {
		return fmt.Errorf("order book for %s: %w", symbol, err)
	}
	side := string(signal.Action)
	slippage := b.riskMgr.EstimateSlippage(book, side, sizing.Quantity)
	if !slippage.SufficientDepth {
		log.Printf("[Executor] %s rejected: book depth %.8f below requested %.8f",
			symbol, slippage.FilledQuantity, sizing.Quantity)
		return nil
	}
	if !slippage.Acceptable {
		log.Printf("[Executor] %s rejected: estimated slippage %.2f%%", symbol, slippage.SlippagePct)
		return nil
	}

	// An order we cannot record must never reach the exchange
	if err := b.store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("store unavailable, refusing to place order: %w", err)
	}

	quantity := binance.FloorToStep(sizing.Quantity, info.StepSize)
	price := binance.RoundToTick(signal.EntryPrice, info.TickSize)
	clientOrderID := uuid.New().String()

	order, err := b.gateway.PlaceOrder(binance.PlaceOrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          database.OrderTypeLimit,
		Quantity:      quantity,
		Price:         price,
		TimeInForce:   "GTC",
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		return fmt.Errorf("placing %s order for %s: %w", side, symbol, err)
	}

	expected := price
	pattern := string(signal.Pattern)
	confluenceLabel := fmt.Sprintf("%.2f", signal.ConfluenceScore)
	trade := &database.Trade{
		OrderID:       order.OrderID,
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		OrderType:     database.OrderTypeLimit,
		RequestedQty:  quantity,
		Price:         &price,
		ExpectedPrice: &expected,
		VPAPattern:    &pattern,
		Confluence:    &confluenceLabel,
		MacroContext:  &signal.Reason,
		Status:        database.TradeStatusPending,
	}
	if err := b.store.CreateTrade(ctx, trade); err != nil {
		// The order is live but unrecorded; surface loudly
		return fmt.Errorf("order %d placed but trade insert failed: %w", order.OrderID, err)
	}

	log.Printf("[Executor] %s %s %.8f @ %.4f (order %d, trade %d)",
		side, symbol, quantity, price, order.OrderID, trade.ID)
	if b.eventBus != nil {
		b.eventBus.PublishOrderPlaced(order.OrderID, symbol, database.OrderTypeLimit, side, price, quantity)
	}

	b.market.DeleteSignal(symbol)
	b.enqueueOrderMonitor(trade.ID, entryOrder, signal.StopLoss, signal.TakeProfit, 0)
	return nil
}

// orderBook prefers the cached snapshot and falls back to the exchange. A
// fetched book is written back so the next check within the TTL reads warm.
func (b *TradingBot) orderBook(symbol string) (*binance.OrderBook, error) {
	if snap, ok := b.market.GetOrderBook(symbol); ok {
		book := &binance.OrderBook{Symbol: snap.Symbol, Timestamp: snap.Timestamp}
		for _, lvl := range snap.Bids {
			book.Bids = append(book.Bids, binance.PriceLevel{Price: lvl.Price, Quantity: lvl.Quantity})
		}
		for _, lvl := range snap.Asks {
			book.Asks = append(book.Asks, binance.PriceLevel{Price: lvl.Price, Quantity: lvl.Quantity})
		}
		return book, nil
	}

	book, err := b.gateway.GetOrderBookDepth(symbol, 20)
	if err != nil {
		return nil, err
	}

	snap := cache.BookSnapshot{Symbol: book.Symbol, Timestamp: book.Timestamp}
	for _, lvl := range book.Bids {
		snap.Bids = append(snap.Bids, cache.BookLevel{Price: lvl.Price, Quantity: lvl.Quantity})
	}
	for _, lvl := range book.Asks {
		snap.Asks = append(snap.Asks, cache.BookLevel{Price: lvl.Price, Quantity: lvl.Quantity})
	}
	b.market.SetOrderBook(snap)
	return book, nil
}

// orderKind distinguishes entry fills, which open a position, from exit
// fills, which complete one.
type orderKind int

const (
	entryOrder orderKind = iota
	exitOrder
)

func (b *TradingBot) enqueueOrderMonitor(tradeID int64, kind orderKind, stopLoss, takeProfit float64, positionID int64) {
	poll := time.Duration(b.config.OrderPollSeconds) * time.Second
	timeout := time.Duration(b.config.OrderTimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = time.Hour
	}
	deadline := time.Now().Add(timeout)
	job := NewJob("monitor_order", func(ctx context.Context) error {
		return b.monitorOrder(ctx, tradeID, kind, stopLoss, takeProfit, positionID, deadline)
	}).WithRetry(b.config.OrderPollRetries, poll)
	b.pool.SubmitAfter(job, poll)
}

// monitorOrder polls one trade until its order reaches a terminal status. A
// resting order loops on the poll interval; only store and gateway failures
// consume the job's retry budget. An order still unfilled at the deadline is
// cancelled on the exchange so no fill can land untracked.
func (b *TradingBot) monitorOrder(ctx context.Context, tradeID int64, kind orderKind, stopLoss, takeProfit float64, positionID int64, deadline time.Time) error {
	poll := time.Duration(b.config.OrderPollSeconds) * time.Second

	for {
		done, err := b.pollOrder(ctx, tradeID, kind, stopLoss, takeProfit, positionID)
		if err != nil || done {
			return err
		}
		if time.Now().After(deadline) {
			return b.expireOrder(ctx, tradeID, kind, stopLoss, takeProfit, positionID)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// pollOrder reconciles one trade with the exchange once. It reports whether
// the order reached a terminal status.
func (b *TradingBot) pollOrder(ctx context.Context, tradeID int64, kind orderKind, stopLoss, takeProfit float64, positionID int64) (bool, error) {
	trade, err := b.store.GetTradeByID(ctx, tradeID)
	if err != nil {
		return false, fmt.Errorf("loading trade %d: %w", tradeID, err)
	}
	if database.IsTerminalTradeStatus(trade.Status) {
		return true, nil
	}

	order, err := b.gateway.GetOrder(trade.Symbol, trade.OrderID)
	if err != nil {
		return false, fmt.Errorf("fetching order %d: %w", trade.OrderID, err)
	}

	switch order.Status {
	case binance.OrderStatusPartiallyFilled:
		trade.Status = database.TradeStatusPartiallyFilled
		trade.FilledQty = order.ExecutedQty
		if err := b.store.UpdateTradeFill(ctx, trade); err != nil {
			return false, fmt.Errorf("persisting partial fill: %w", err)
		}
		return false, nil

	case binance.OrderStatusFilled:
		return true, b.handleFill(ctx, trade, order, kind, stopLoss, takeProfit, positionID)

	case binance.OrderStatusCanceled, binance.OrderStatusExpired:
		trade.Status = database.TradeStatusCancelled
		if err := b.store.UpdateTradeFill(ctx, trade); err != nil {
			return false, fmt.Errorf("persisting cancellation: %w", err)
		}
		if b.eventBus != nil {
			b.eventBus.Publish(eventsOrderCancelled(trade))
		}
		return true, nil

	case binance.OrderStatusRejected:
		trade.Status = database.TradeStatusRejected
		if err := b.store.UpdateTradeFill(ctx, trade); err != nil {
			return false, fmt.Errorf("persisting rejection: %w", err)
		}
		return true, nil
	}

	return false, nil
}

// expireOrder cancels an order that outlived the monitor window, then
// reconciles once more in case a fill raced the cancel.
func (b *TradingBot) expireOrder(ctx context.Context, tradeID int64, kind orderKind, stopLoss, takeProfit float64, positionID int64) error {
	trade, err := b.store.GetTradeByID(ctx, tradeID)
	if err != nil {
		return fmt.Errorf("loading trade %d: %w", tradeID, err)
	}
	if database.IsTerminalTradeStatus(trade.Status) {
		return nil
	}

	if err := b.gateway.CancelOrder(trade.Symbol, trade.OrderID); err != nil {
		return fmt.Errorf("cancelling expired order %d: %w", trade.OrderID, err)
	}
	log.Printf("[Monitor] Order %d for trade %d unfilled at deadline, cancelled", trade.OrderID, tradeID)

	_, err = b.pollOrder(ctx, tradeID, kind, stopLoss, takeProfit, positionID)
	return err
}

func (b *TradingBot) handleFill(ctx context.Context, trade *database.Trade, order *binance.OrderResponse, kind orderKind, stopLoss, takeProfit float64, positionID int64) error {
	now := time.Now().UTC()
	avgPrice := order.AvgFillPrice()

	trade.Status = database.TradeStatusFilled
	trade.FilledQty = order.ExecutedQty
	trade.FilledAt = &now
	trade.ApplySlippage(avgPrice)
	if trade.AvgPrice == nil && avgPrice > 0 {
		trade.AvgPrice = &avgPrice
	}
	if err := b.store.UpdateTradeFill(ctx, trade); err != nil {
		return fmt.Errorf("persisting fill: %w", err)
	}

	slippagePct := 0.0
	if trade.SlippagePct != nil {
		slippagePct = *trade.SlippagePct
	}
	log.Printf("[Monitor] Trade %d FILLED: %.8f @ %.4f (slippage %.4f%%)",
		trade.ID, trade.FilledQty, avgPrice, slippagePct)
	if b.eventBus != nil {
		b.eventBus.PublishOrderFilled(trade.OrderID, trade.Symbol, avgPrice, trade.FilledQty, slippagePct)
	}

	if kind == exitOrder {
		return b.completeExit(ctx, trade, avgPrice, positionID)
	}
	return b.openPosition(ctx, trade, avgPrice, stopLoss, takeProfit)
}

// openPosition creates the Position for a filled entry.
func (b *TradingBot) openPosition(ctx context.Context, trade *database.Trade, avgPrice, stopLoss, takeProfit float64) error {
	entryPrice := avgPrice
	if entryPrice <= 0 && trade.Price != nil {
		entryPrice = *trade.Price
	}

	pos := &database.Position{
		EntryTradeID: trade.ID,
		Symbol:       trade.Symbol,
		Side:         trade.Side,
		Quantity:     trade.FilledQty,
		EntryPrice:   entryPrice,
		CurrentPrice: entryPrice,
		InitialStop:  stopLoss,
		CurrentStop:  stopLoss,
		Status:       database.PositionStatusOpen,
	}
	if takeProfit > 0 {
		pos.TakeProfit = &takeProfit
	}
	if err := b.store.CreatePosition(ctx, pos); err != nil {
		return fmt.Errorf("creating position: %w", err)
	}

	b.trailing.Track(pos.ID, pos.Symbol, pos.Side, pos.EntryPrice, pos.CurrentStop)

	rs, err := b.riskState(ctx)
	if err == nil {
		if err := b.store.IncrementTradeCount(ctx, rs.ID); err != nil {
			log.Printf("[Monitor] Trade count increment failed: %v", err)
		}
	}

	log.Printf("[Monitor] Position %d opened: %s %s %.8f @ %.4f SL %.4f",
		pos.ID, pos.Side, pos.Symbol, pos.Quantity, pos.EntryPrice, pos.CurrentStop)
	if b.eventBus != nil {
		b.eventBus.PublishPositionOpened(pos.ID, pos.Symbol, pos.Side, pos.EntryPrice, pos.Quantity, pos.CurrentStop)
	}
	b.market.PublishDashboard("position_opened", pos)
	return nil
}

// completeExit stamps realized PnL on the exit trade and records the outcome.
func (b *TradingBot) completeExit(ctx context.Context, trade *database.Trade, avgPrice float64, positionID int64) error {
	pos, err := b.store.GetPositionByID(ctx, positionID)
	if err != nil {
		return fmt.Errorf("loading position %d: %w", positionID, err)
	}

	pnl := (avgPrice - pos.EntryPrice) * trade.FilledQty
	if pos.Side == database.SideSell {
		pnl = (pos.EntryPrice - avgPrice) * trade.FilledQty
	}
	if err := b.store.UpdateTradeRealizedPnL(ctx, trade.ID, pnl); err != nil {
		return fmt.Errorf("persisting realized pnl: %w", err)
	}

	rs, err := b.riskState(ctx)
	if err == nil {
		if err := b.store.RecordTradeOutcome(ctx, rs.ID, pnl > 0); err != nil {
			log.Printf("[Monitor] Outcome record failed: %v", err)
		}
	}

	log.Printf("[Monitor] Position %d exit filled @ %.4f, realized PnL %.4f", positionID, avgPrice, pnl)
	b.market.PublishDashboard("position_closed", map[string]interface{}{
		"position_id":  positionID,
		"symbol":       pos.Symbol,
		"exit_price":   avgPrice,
		"realized_pnl": pnl,
	})
	return nil
}

func eventsOrderCancelled(trade *database.Trade) events.Event {
	return events.Event{
		Type: events.EventOrderCancelled,
		Data: map[string]interface{}{
			"order_id": trade.OrderID,
			"symbol":   trade.Symbol,
			"status":   trade.Status,
		},
	}
}

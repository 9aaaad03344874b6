package bot

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"spot-trading-engine/internal/binance"
	"spot-trading-engine/internal/database"
)

// Close reasons recorded on positions.
const (
	CloseReasonStopLoss   = "STOP_LOSS"
	CloseReasonTakeProfit = "TAKE_PROFIT"
	CloseReasonSignal     = "OPPOSING_SIGNAL"
	CloseReasonManual     = "MANUAL"
)

// MonitorPositions marks every open position to the current price, advances
// trailing stops, and enqueues closes for stop or take-profit hits.
func (b *TradingBot) MonitorPositions(ctx context.Context) {
	positions, err := b.store.GetOpenPositions(ctx)
	if err != nil {
		log.Printf("[Monitor] Listing positions failed: %v", err)
		return
	}

	for _, pos := range positions {
		price, ok := b.market.GetPrice(pos.Symbol)
		if !ok {
			var err error
			price, err = b.gateway.GetTickerPrice(pos.Symbol)
			if err != nil {
				log.Printf("[Monitor] Price for %s failed: %v", pos.Symbol, err)
				continue
			}
		}
		b.markPosition(ctx, pos, price)
	}
}

// markPosition folds one price observation into a position: unrealized PnL,
// trailing state, and exit triggers.
func (b *TradingBot) markPosition(ctx context.Context, pos *database.Position, price float64) {
	pos.UpdateUnrealized(price)

	// A restart may have dropped in-memory trailing state; rebuild it
	if b.trailing.Position(pos.Symbol) == nil {
		b.trailing.Track(pos.ID, pos.Symbol, pos.Side, pos.EntryPrice, pos.CurrentStop)
	}

	update := b.trailing.UpdatePrice(pos.Symbol, price)

	state := b.trailing.Position(pos.Symbol)
	if state != nil {
		pos.CurrentStop = state.StopLoss
		pos.TrailingActivated = state.Activated
		if state.Activated {
			distance := state.Distance
			pos.TrailingDistance = &distance
		}
		if pos.Side == database.SideBuy {
			hwm := state.HighWaterMark
			pos.HighestPrice = &hwm
		} else {
			lwm := state.LowWaterMark
			pos.LowestPrice = &lwm
		}
	}

	if err := b.store.UpdatePositionMark(ctx, pos); err != nil {
		log.Printf("[Monitor] Mark update for position %d failed: %v", pos.ID, err)
	}
	b.market.PublishDashboard("position_update", pos)

	if update != nil && update.IsTriggered {
		b.enqueueClose(pos.ID, CloseReasonStopLoss)
		return
	}
	if pos.TakeProfit != nil {
		tp := *pos.TakeProfit
		if (pos.Side == database.SideBuy && price >= tp) ||
			(pos.Side == database.SideSell && price <= tp) {
			b.enqueueClose(pos.ID, CloseReasonTakeProfit)
		}
	}
}

func (b *TradingBot) enqueueClose(positionID int64, reason string) {
	b.pool.Submit(NewJob("close_position", func(ctx context.Context) error {
		return b.ClosePosition(ctx, positionID, reason)
	}).WithRetry(3, time.Second))
}

// ClosePosition unwinds a position with a market order. It is idempotent:
// the status flip to CLOSED happens first and exactly one caller wins it, so
// two concurrent closes place exactly one exit order. The closed row may
// briefly reference an exit trade that has not filled yet; the order monitor
// completes the record.
func (b *TradingBot) ClosePosition(ctx context.Context, positionID int64, reason string) error {
	pos, err := b.store.GetPositionByID(ctx, positionID)
	if err != nil {
		return fmt.Errorf("loading position %d: %w", positionID, err)
	}
	if pos.Status != database.PositionStatusOpen {
		return nil
	}

	// Same per-symbol lock as the entry path, so an entry and an exit never
	// mutate the symbol at the same time
	lockTTL := time.Duration(b.config.LockTTLSeconds) * time.Second
	if !b.market.AcquireSymbolLock(pos.Symbol, lockTTL) {
		return fmt.Errorf("symbol %s locked, deferring close of position %d", pos.Symbol, positionID)
	}
	defer b.market.ReleaseSymbolLock(pos.Symbol)

	closed, err := b.store.ClosePositionIfOpen(ctx, positionID, reason)
	if err != nil {
		return fmt.Errorf("closing position %d: %w", positionID, err)
	}
	if !closed {
		return nil
	}

	side := oppositeSide(pos.Side)
	clientOrderID := uuid.New().String()
	order, err := b.gateway.PlaceOrder(binance.PlaceOrderRequest{
		Symbol:        pos.Symbol,
		Side:          side,
		Type:          database.OrderTypeMarket,
		Quantity:      pos.Quantity,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		// The position is already CLOSED; the exit must be finished by hand
		return fmt.Errorf("position %d closed but exit order failed: %w", positionID, err)
	}

	expected := pos.CurrentPrice
	trade := &database.Trade{
		OrderID:       order.OrderID,
		ClientOrderID: clientOrderID,
		Symbol:        pos.Symbol,
		Side:          side,
		OrderType:     database.OrderTypeMarket,
		RequestedQty:  pos.Quantity,
		ExpectedPrice: &expected,
		MacroContext:  &reason,
		Status:        database.TradeStatusPending,
	}
	if err := b.store.CreateTrade(ctx, trade); err != nil {
		return fmt.Errorf("exit order %d placed but trade insert failed: %w", order.OrderID, err)
	}
	if err := b.store.SetPositionExitTrade(ctx, positionID, trade.ID); err != nil {
		log.Printf("[Monitor] Linking exit trade %d to position %d failed: %v", trade.ID, positionID, err)
	}

	b.trailing.Untrack(pos.Symbol)
	b.market.DeleteSignal(pos.Symbol)

	log.Printf("[Monitor] Position %d closing (%s): %s %s %.8f (order %d)",
		positionID, reason, side, pos.Symbol, pos.Quantity, order.OrderID)
	if b.eventBus != nil {
		b.eventBus.PublishPositionClosed(positionID, pos.Symbol, reason)
	}

	b.enqueueOrderMonitor(trade.ID, exitOrder, 0, 0, positionID)
	return nil
}

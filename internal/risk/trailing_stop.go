package risk

import (
	"log"
	"math"
	"sync"
	"time"

	"spot-trading-engine/internal/database"
)

// TrailingStopManager tracks per-symbol trailing stops for open positions.
type TrailingStopManager struct {
	positions     map[string]*TrailingPosition
	activationPct float64
	mu            sync.RWMutex
}

// TrailingPosition is the trailing state of one open position. The trailing
// distance is frozen at the moment of activation and never recomputed.
type TrailingPosition struct {
	PositionID    int64
	Symbol        string
	Side          string
	EntryPrice    float64
	StopLoss      float64
	HighWaterMark float64
	LowWaterMark  float64
	Activated     bool
	Distance      float64
	LastUpdate    time.Time
}

// StopUpdate reports the result of a price observation.
type StopUpdate struct {
	PositionID   int64
	Symbol       string
	OldStopLoss  float64
	NewStopLoss  float64
	IsTriggered  bool
	TriggerPrice float64
}

// NewTrailingStopManager creates a manager activating trailing stops at the
// given profit percentage.
func NewTrailingStopManager(activationPct float64) *TrailingStopManager {
	if activationPct <= 0 {
		activationPct = 2.0
	}
	return &TrailingStopManager{
		positions:     make(map[string]*TrailingPosition),
		activationPct: activationPct,
	}
}

// Track begins trailing a position.
func (tsm *TrailingStopManager) Track(positionID int64, symbol, side string, entryPrice, stopLoss float64) {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()

	tsm.positions[symbol] = &TrailingPosition{
		PositionID:    positionID,
		Symbol:        symbol,
		Side:          side,
		EntryPrice:    entryPrice,
		StopLoss:      stopLoss,
		HighWaterMark: entryPrice,
		LowWaterMark:  entryPrice,
		LastUpdate:    time.Now(),
	}
	log.Printf("[TrailingStop] Tracking %s %s @ %.4f, SL: %.4f", side, symbol, entryPrice, stopLoss)
}

// Untrack stops trailing a symbol's position.
func (tsm *TrailingStopManager) Untrack(symbol string) {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()
	delete(tsm.positions, symbol)
}

// UpdatePrice folds a price observation into the trailing state. It returns
// nil when nothing changed, a stop move, or a trigger report. A trigger is
// reported before any water-mark update for that observation.
func (tsm *TrailingStopManager) UpdatePrice(symbol string, currentPrice float64) *StopUpdate {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()

	pos, ok := tsm.positions[symbol]
	if !ok {
		return nil
	}
	pos.LastUpdate = time.Now()

	if pos.Side == database.SideSell {
		return tsm.updateShort(pos, currentPrice)
	}
	return tsm.updateLong(pos, currentPrice)
}

func (tsm *TrailingStopManager) updateLong(pos *TrailingPosition, currentPrice float64) *StopUpdate {
	if currentPrice <= pos.StopLoss {
		return &StopUpdate{
			PositionID:   pos.PositionID,
			Symbol:       pos.Symbol,
			OldStopLoss:  pos.StopLoss,
			NewStopLoss:  pos.StopLoss,
			IsTriggered:  true,
			TriggerPrice: currentPrice,
		}
	}

	if currentPrice > pos.HighWaterMark {
		pos.HighWaterMark = currentPrice
	}

	profitPct := (currentPrice - pos.EntryPrice) / pos.EntryPrice * 100
	if !pos.Activated && profitPct >= tsm.activationPct {
		pos.Activated = true
		pos.Distance = math.Abs(currentPrice - pos.StopLoss)
		log.Printf("[TrailingStop] %s activated at %.2f%% profit, distance %.4f",
			pos.Symbol, profitPct, pos.Distance)
	}

	if !pos.Activated {
		return nil
	}

	// The stop only moves up
	newStop := pos.HighWaterMark - pos.Distance
	if newStop <= pos.StopLoss {
		return nil
	}

	oldStop := pos.StopLoss
	pos.StopLoss = newStop
	log.Printf("[TrailingStop] %s: SL %.4f -> %.4f (HWM %.4f)",
		pos.Symbol, oldStop, newStop, pos.HighWaterMark)

	return &StopUpdate{
		PositionID:  pos.PositionID,
		Symbol:      pos.Symbol,
		OldStopLoss: oldStop,
		NewStopLoss: newStop,
	}
}

func (tsm *TrailingStopManager) updateShort(pos *TrailingPosition, currentPrice float64) *StopUpdate {
	if currentPrice >= pos.StopLoss {
		return &StopUpdate{
			PositionID:   pos.PositionID,
			Symbol:       pos.Symbol,
			OldStopLoss:  pos.StopLoss,
			NewStopLoss:  pos.StopLoss,
			IsTriggered:  true,
			TriggerPrice: currentPrice,
		}
	}

	if currentPrice < pos.LowWaterMark {
		pos.LowWaterMark = currentPrice
	}

	profitPct := (pos.EntryPrice - currentPrice) / pos.EntryPrice * 100
	if !pos.Activated && profitPct >= tsm.activationPct {
		pos.Activated = true
		pos.Distance = math.Abs(pos.StopLoss - currentPrice)
		log.Printf("[TrailingStop] %s SHORT activated at %.2f%% profit, distance %.4f",
			pos.Symbol, profitPct, pos.Distance)
	}

	if !pos.Activated {
		return nil
	}

	// The stop only moves down
	newStop := pos.LowWaterMark + pos.Distance
	if newStop >= pos.StopLoss {
		return nil
	}

	oldStop := pos.StopLoss
	pos.StopLoss = newStop
	log.Printf("[TrailingStop] %s SHORT: SL %.4f -> %.4f (LWM %.4f)",
		pos.Symbol, oldStop, newStop, pos.LowWaterMark)

	return &StopUpdate{
		PositionID:  pos.PositionID,
		Symbol:      pos.Symbol,
		OldStopLoss: oldStop,
		NewStopLoss: newStop,
	}
}

// Position returns a copy of the trailing state for a symbol.
func (tsm *TrailingStopManager) Position(symbol string) *TrailingPosition {
	tsm.mu.RLock()
	defer tsm.mu.RUnlock()

	pos, ok := tsm.positions[symbol]
	if !ok {
		return nil
	}
	copied := *pos
	return &copied
}

// CurrentStopLoss returns the live stop for a symbol.
func (tsm *TrailingStopManager) CurrentStopLoss(symbol string) (float64, bool) {
	tsm.mu.RLock()
	defer tsm.mu.RUnlock()

	if pos, ok := tsm.positions[symbol]; ok {
		return pos.StopLoss, true
	}
	return 0, false
}

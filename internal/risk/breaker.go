package risk

import (
	"context"
	"fmt"
	"log"
	"sync"

	"spot-trading-engine/internal/cache"
	"spot-trading-engine/internal/database"
)

// RiskStore is the slice of the repository the breaker needs.
type RiskStore interface {
	PauseRiskState(ctx context.Context, id int64, status, reason string) error
	ResumeRiskState(ctx context.Context, id int64) error
}

// OrderCanceller cancels all resting orders for a symbol.
type OrderCanceller interface {
	CancelAllOrders(symbol string) error
}

// StatusCache publishes and reads the shared system status.
type StatusCache interface {
	SetSystemStatus(status, reason string)
	GetSystemStatus() (*cache.SystemStatus, bool)
}

// DrawdownBreaker pauses all trading when the day's drawdown from the
// balance high-water mark crosses the configured threshold.
type DrawdownBreaker struct {
	store           RiskStore
	gateway         OrderCanceller
	statusCache     StatusCache
	symbols         []string
	maxDrawdownPct  float64
	tripped         bool
	mu              sync.Mutex
}

// NewDrawdownBreaker creates a breaker guarding the given symbols.
func NewDrawdownBreaker(store RiskStore, gateway OrderCanceller, statusCache StatusCache, symbols []string, maxDrawdownPct float64) *DrawdownBreaker {
	if maxDrawdownPct <= 0 {
		maxDrawdownPct = 5.0
	}
	return &DrawdownBreaker{
		store:          store,
		gateway:        gateway,
		statusCache:    statusCache,
		symbols:        symbols,
		maxDrawdownPct: maxDrawdownPct,
	}
}

// Check trips the breaker when the risk state's drawdown percent reaches the
// threshold. It returns true when trading is paused after the call. Tripping
// cancels every resting order and publishes the paused status; a second call
// on the same day is a no-op.
func (b *DrawdownBreaker) Check(ctx context.Context, rs *database.RiskState) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tripped {
		return true
	}
	if rs.SystemStatus != database.SystemStatusActive {
		return true
	}
	if rs.DrawdownPct < b.maxDrawdownPct {
		return false
	}

	reason := fmt.Sprintf("daily drawdown %.2f%% reached limit %.2f%%", rs.DrawdownPct, b.maxDrawdownPct)
	log.Printf("[Breaker] TRIPPED: %s", reason)

	if err := b.store.PauseRiskState(ctx, rs.ID, database.SystemStatusPaused, reason); err != nil {
		log.Printf("[Breaker] Failed to persist pause: %v", err)
	}
	for _, symbol := range b.symbols {
		if err := b.gateway.CancelAllOrders(symbol); err != nil {
			log.Printf("[Breaker] Failed to cancel orders for %s: %v", symbol, err)
		}
	}
	b.statusCache.SetSystemStatus(database.SystemStatusPaused, reason)

	b.tripped = true
	return true
}

// Resume clears the pause after manual review and publishes the active status.
func (b *DrawdownBreaker) Resume(ctx context.Context, riskStateID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.store.ResumeRiskState(ctx, riskStateID); err != nil {
		return fmt.Errorf("resume risk state: %w", err)
	}
	b.statusCache.SetSystemStatus(database.SystemStatusActive, "")
	b.tripped = false
	log.Printf("[Breaker] Trading resumed")
	return nil
}

// IsTradingAllowed reads the shared status. A missing status key means the
// system has never been paused and trading proceeds.
func (b *DrawdownBreaker) IsTradingAllowed() bool {
	status, ok := b.statusCache.GetSystemStatus()
	if !ok {
		return true
	}
	return status.Status == database.SystemStatusActive
}

// Tripped reports whether the breaker fired since the last resume.
func (b *DrawdownBreaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

package bot

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler drives the engine's periodic work. Each cadence is independent
// and non-reentrant: a tick that finds the previous run still going is
// skipped, so overruns never pile up.
type Scheduler struct {
	bot      *TradingBot
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Tick intervals.
const (
	strategyTickInterval  = 1 * time.Second
	positionTickInterval  = 5 * time.Second
	breakerTickInterval   = 60 * time.Second
	riskStateTickInterval = 60 * time.Second
)

// NewScheduler creates a scheduler for the engine.
func NewScheduler(bot *TradingBot) *Scheduler {
	return &Scheduler{
		bot:      bot,
		stopChan: make(chan struct{}),
	}
}

// Start launches all four cadences.
func (s *Scheduler) Start(ctx context.Context) {
	s.runLoop(ctx, "strategy_tick", strategyTickInterval, s.bot.StrategyTick)
	s.runLoop(ctx, "monitor_positions", positionTickInterval, s.bot.MonitorPositions)
	s.runLoop(ctx, "check_circuit_breaker", breakerTickInterval, s.bot.CheckCircuitBreaker)
	s.runLoop(ctx, "broadcast_risk_state", riskStateTickInterval, s.bot.BroadcastRiskState)
	log.Println("[Scheduler] All cadences started")
}

// Stop halts every cadence and waits for in-flight ticks.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
	log.Println("[Scheduler] Stopped")
}

func (s *Scheduler) runLoop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	s.wg.Add(1)

	var running atomic.Bool
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !running.CompareAndSwap(false, true) {
					log.Printf("[Scheduler] %s still running, tick skipped", name)
					continue
				}
				s.safeTick(ctx, name, tick)
				running.Store(false)
			}
		}
	}()
}

// safeTick keeps a panicking tick from killing the scheduler loop.
func (s *Scheduler) safeTick(ctx context.Context, name string, tick func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Scheduler] %s panicked: %v", name, r)
		}
	}()
	tick(ctx)
}

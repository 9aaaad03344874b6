package events

import (
	"sync"
	"time"
)

// EventType labels the system events flowing over the bus.
type EventType string

const (
	EventSignalGenerated EventType = "SIGNAL_GENERATED"
	EventOrderPlaced     EventType = "ORDER_PLACED"
	EventOrderFilled     EventType = "ORDER_FILLED"
	EventOrderCancelled  EventType = "ORDER_CANCELLED"
	EventPositionOpened  EventType = "POSITION_OPENED"
	EventPositionClosed  EventType = "POSITION_CLOSED"
	EventPositionUpdate  EventType = "POSITION_UPDATE"
	EventBreakerTripped  EventType = "BREAKER_TRIPPED"
	EventBreakerResumed  EventType = "BREAKER_RESUMED"
	EventRiskUpdate      EventType = "RISK_UPDATE"
	EventEngineStarted   EventType = "ENGINE_STARTED"
	EventEngineStopped   EventType = "ENGINE_STOPPED"
	EventError           EventType = "ERROR"
)

// Event is one system event.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Subscribers run in goroutines so a slow consumer never blocks publishers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishOrderPlaced publishes an order placed event
func (eb *EventBus) PublishOrderPlaced(orderID int64, symbol, orderType, side string, price, quantity float64) {
	eb.Publish(Event{
		Type: EventOrderPlaced,
		Data: map[string]interface{}{
			"order_id":   orderID,
			"symbol":     symbol,
			"order_type": orderType,
			"side":       side,
			"price":      price,
			"quantity":   quantity,
		},
	})
}

// PublishOrderFilled publishes a fill with its realized slippage.
func (eb *EventBus) PublishOrderFilled(orderID int64, symbol string, avgPrice, filledQty, slippagePct float64) {
	eb.Publish(Event{
		Type: EventOrderFilled,
		Data: map[string]interface{}{
			"order_id":     orderID,
			"symbol":       symbol,
			"avg_price":    avgPrice,
			"filled_qty":   filledQty,
			"slippage_pct": slippagePct,
		},
	})
}

// PublishPositionOpened publishes a position opened event
func (eb *EventBus) PublishPositionOpened(positionID int64, symbol, side string, entryPrice, quantity, stopLoss float64) {
	eb.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"position_id": positionID,
			"symbol":      symbol,
			"side":        side,
			"entry_price": entryPrice,
			"quantity":    quantity,
			"stop_loss":   stopLoss,
		},
	})
}

// PublishPositionClosed publishes a position closed event
func (eb *EventBus) PublishPositionClosed(positionID int64, symbol, reason string) {
	eb.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"position_id": positionID,
			"symbol":      symbol,
			"reason":      reason,
		},
	})
}

// PublishBreakerTripped publishes a circuit breaker trip
func (eb *EventBus) PublishBreakerTripped(drawdownPct float64, reason string) {
	eb.Publish(Event{
		Type: EventBreakerTripped,
		Data: map[string]interface{}{
			"drawdown_pct": drawdownPct,
			"reason":       reason,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}

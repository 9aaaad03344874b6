package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key TTLs. Market data is recoverable from the exchange, so everything
// except system status expires.
const (
	priceTTL     = 60 * time.Second
	orderBookTTL = 1 * time.Second
	klineTTL     = 60 * time.Second
	emaTTL       = 60 * time.Second
	signalTTL    = 300 * time.Second

	defaultKlineHistoryMax = 100
	maxConsecutiveFailures = 3
)

// Pub/sub channels.
const (
	ChannelDashboard   = "dashboard"
	ChannelPriceStream = "price_stream"
)

// PricePoint is the value stored under price:{symbol}.
type PricePoint struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price,string"`
	Timestamp int64   `json:"timestamp"`
}

// BookLevel is one side level of a cached order book.
type BookLevel struct {
	Price    float64 `json:"price,string"`
	Quantity float64 `json:"quantity,string"`
}

// BookSnapshot is the value stored under orderbook:{symbol}.
type BookSnapshot struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp int64       `json:"timestamp"`
}

// SystemStatus is the value stored under system:status.
type SystemStatus struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ChannelMessage is the envelope published on pub/sub channels.
type ChannelMessage struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// MarketCache is the hot-path store for prices, depth, candle histories,
// signals and system status. All reads report absence instead of failing;
// writes log and drop when the backing store is down, so the engine keeps
// running degraded off the exchange REST path.
type MarketCache struct {
	client          *redis.Client
	ctx             context.Context
	klineHistoryMax int

	mu       sync.Mutex
	failures int
	healthy  bool
}

// NewMarketCache connects to the store at the given URL.
func NewMarketCache(redisURL string) (*MarketCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	ctx := context.Background()

	mc := &MarketCache{
		client:          client,
		ctx:             ctx,
		klineHistoryMax: defaultKlineHistoryMax,
		healthy:         true,
	}

	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("[MarketCache] store unreachable at startup, continuing degraded: %v", err)
		mc.markUnhealthy()
	}

	return mc, nil
}

// IsHealthy reports whether the backing store is currently usable.
func (mc *MarketCache) IsHealthy() bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.healthy
}

// Close releases the underlying connection pool.
func (mc *MarketCache) Close() error {
	return mc.client.Close()
}

func (mc *MarketCache) recordFailure(op string, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.failures++
	if mc.failures >= maxConsecutiveFailures && mc.healthy {
		mc.healthy = false
		log.Printf("[MarketCache] marked unhealthy after %d failures (%s): %v", mc.failures, op, err)
	}
}

func (mc *MarketCache) recordSuccess() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if !mc.healthy {
		log.Printf("[MarketCache] store recovered")
	}
	mc.failures = 0
	mc.healthy = true
}

// set marshals and stores a value; failures are logged and dropped.
func (mc *MarketCache) set(key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		log.Printf("[MarketCache] marshal %s: %v", key, err)
		return
	}
	if err := mc.client.Set(mc.ctx, key, data, ttl).Err(); err != nil {
		mc.recordFailure("SET "+key, err)
		return
	}
	mc.recordSuccess()
}

// get unmarshals a value into dest; returns false when absent or unreadable.
func (mc *MarketCache) get(key string, dest interface{}) bool {
	data, err := mc.client.Get(mc.ctx, key).Bytes()
	if err == redis.Nil {
		mc.recordSuccess()
		return false
	}
	if err != nil {
		mc.recordFailure("GET "+key, err)
		return false
	}
	mc.recordSuccess()
	if err := json.Unmarshal(data, dest); err != nil {
		log.Printf("[MarketCache] unmarshal %s: %v", key, err)
		return false
	}
	return true
}

func priceKey(symbol string) string   { return "price:" + symbol }
func bookKey(symbol string) string    { return "orderbook:" + symbol }
func signalKey(symbol string) string  { return "signal:" + symbol }
func lockKey(symbol string) string    { return "lock:position:" + symbol }
func klineKey(symbol, interval string) string {
	return fmt.Sprintf("kline:%s:%s", symbol, interval)
}
func klineHistoryKey(symbol, interval string) string {
	return fmt.Sprintf("klines:%s:%s", symbol, interval)
}
func emaKey(symbol string, period int) string {
	return fmt.Sprintf("ema:%s:%d", symbol, period)
}

const systemStatusKey = "system:status"

// SetPrice stores the last price for a symbol.
func (mc *MarketCache) SetPrice(symbol string, price float64) {
	mc.set(priceKey(symbol), PricePoint{
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now().UnixMilli(),
	}, priceTTL)
}

// GetPrice returns the last cached price, false when absent.
func (mc *MarketCache) GetPrice(symbol string) (float64, bool) {
	var p PricePoint
	if !mc.get(priceKey(symbol), &p) {
		return 0, false
	}
	return p.Price, true
}

// SetOrderBook stores a top-of-book snapshot, truncated to 20 levels a side.
func (mc *MarketCache) SetOrderBook(snapshot BookSnapshot) {
	if len(snapshot.Bids) > 20 {
		snapshot.Bids = snapshot.Bids[:20]
	}
	if len(snapshot.Asks) > 20 {
		snapshot.Asks = snapshot.Asks[:20]
	}
	if snapshot.Timestamp == 0 {
		snapshot.Timestamp = time.Now().UnixMilli()
	}
	mc.set(bookKey(snapshot.Symbol), snapshot, orderBookTTL)
}

// GetOrderBook returns the cached depth snapshot, false when absent or stale.
func (mc *MarketCache) GetOrderBook(symbol string) (*BookSnapshot, bool) {
	var b BookSnapshot
	if !mc.get(bookKey(symbol), &b) {
		return nil, false
	}
	return &b, true
}

// SetLatestKline stores the most recent closed bar for a symbol/interval.
func (mc *MarketCache) SetLatestKline(symbol, interval string, bar interface{}) {
	mc.set(klineKey(symbol, interval), bar, klineTTL)
}

// GetLatestKline reads the most recent closed bar into dest.
func (mc *MarketCache) GetLatestKline(symbol, interval string, dest interface{}) bool {
	return mc.get(klineKey(symbol, interval), dest)
}

// AppendKlineHistory pushes a closed bar at the head of the symbol's rolling
// history and trims to the cap. Push and trim run in one pipeline so readers
// never observe an overlong list.
func (mc *MarketCache) AppendKlineHistory(symbol, interval string, bar interface{}) {
	data, err := json.Marshal(bar)
	if err != nil {
		log.Printf("[MarketCache] marshal kline history %s: %v", symbol, err)
		return
	}

	key := klineHistoryKey(symbol, interval)
	pipe := mc.client.TxPipeline()
	pipe.LPush(mc.ctx, key, data)
	pipe.LTrim(mc.ctx, key, 0, int64(mc.klineHistoryMax-1))
	if _, err := pipe.Exec(mc.ctx); err != nil {
		mc.recordFailure("LPUSH "+key, err)
		return
	}
	mc.recordSuccess()
}

// GetKlineHistory returns up to limit raw bars, oldest first (the list is
// head-inserted, so it is reversed on read).
func (mc *MarketCache) GetKlineHistory(symbol, interval string, limit int) []json.RawMessage {
	if limit <= 0 || limit > mc.klineHistoryMax {
		limit = mc.klineHistoryMax
	}

	key := klineHistoryKey(symbol, interval)
	items, err := mc.client.LRange(mc.ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		mc.recordFailure("LRANGE "+key, err)
		return nil
	}
	mc.recordSuccess()

	bars := make([]json.RawMessage, len(items))
	for i, item := range items {
		bars[len(items)-1-i] = json.RawMessage(item)
	}
	return bars
}

// SetEMA stores the latest EMA value for a symbol/period.
func (mc *MarketCache) SetEMA(symbol string, period int, value float64) {
	mc.set(emaKey(symbol, period), struct {
		Symbol    string  `json:"symbol"`
		Period    int     `json:"period"`
		Value     float64 `json:"value,string"`
		Timestamp int64   `json:"timestamp"`
	}{symbol, period, value, time.Now().UnixMilli()}, emaTTL)
}

// GetEMA returns the cached EMA value, false when absent.
func (mc *MarketCache) GetEMA(symbol string, period int) (float64, bool) {
	var v struct {
		Value float64 `json:"value,string"`
	}
	if !mc.get(emaKey(symbol, period), &v) {
		return 0, false
	}
	return v.Value, true
}

// SetSignal caches the last valid signal for a symbol.
func (mc *MarketCache) SetSignal(symbol string, signal interface{}) {
	mc.set(signalKey(symbol), signal, signalTTL)
}

// GetSignal returns the raw cached signal for the ops surface.
func (mc *MarketCache) GetSignal(symbol string) (json.RawMessage, bool) {
	data, err := mc.client.Get(mc.ctx, signalKey(symbol)).Bytes()
	if err == redis.Nil {
		mc.recordSuccess()
		return nil, false
	}
	if err != nil {
		mc.recordFailure("GET "+signalKey(symbol), err)
		return nil, false
	}
	mc.recordSuccess()
	return json.RawMessage(data), true
}

// DeleteSignal removes a signal once its execution has been enqueued.
func (mc *MarketCache) DeleteSignal(symbol string) {
	if err := mc.client.Del(mc.ctx, signalKey(symbol)).Err(); err != nil {
		mc.recordFailure("DEL "+signalKey(symbol), err)
		return
	}
	mc.recordSuccess()
}

// SetSystemStatus stores the trading status flag. No TTL: the pause decision
// must survive until explicitly changed.
func (mc *MarketCache) SetSystemStatus(status, reason string) {
	mc.set(systemStatusKey, SystemStatus{
		Status:    status,
		Reason:    reason,
		Timestamp: time.Now().UnixMilli(),
	}, 0)
}

// GetSystemStatus returns the current status, false when unset.
func (mc *MarketCache) GetSystemStatus() (*SystemStatus, bool) {
	var s SystemStatus
	if !mc.get(systemStatusKey, &s) {
		return nil, false
	}
	return &s, true
}

// AcquireSymbolLock takes the per-symbol advisory lock used to keep a single
// actor on a position at a time. Returns false when already held.
func (mc *MarketCache) AcquireSymbolLock(symbol string, ttl time.Duration) bool {
	ok, err := mc.client.SetNX(mc.ctx, lockKey(symbol), "1", ttl).Result()
	if err != nil {
		mc.recordFailure("SETNX "+lockKey(symbol), err)
		// Without the store there is no cross-worker exclusion; allow the
		// caller through rather than deadlocking the whole pipeline.
		return true
	}
	mc.recordSuccess()
	return ok
}

// ReleaseSymbolLock releases the advisory lock.
func (mc *MarketCache) ReleaseSymbolLock(symbol string) {
	if err := mc.client.Del(mc.ctx, lockKey(symbol)).Err(); err != nil {
		mc.recordFailure("DEL "+lockKey(symbol), err)
		return
	}
	mc.recordSuccess()
}

// publish sends an enveloped message on a channel. Decimal fields in the
// payload are expected to carry string tags so values round-trip exactly.
func (mc *MarketCache) publish(channel, kind string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[MarketCache] marshal publish %s/%s: %v", channel, kind, err)
		return
	}
	msg, err := json.Marshal(ChannelMessage{
		Kind:      kind,
		Payload:   data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := mc.client.Publish(mc.ctx, channel, msg).Err(); err != nil {
		mc.recordFailure("PUBLISH "+channel, err)
		return
	}
	mc.recordSuccess()
}

// PublishDashboard fans a message out to dashboard subscribers. Kinds:
// price_update, trade_update, position_update, signal, risk_update,
// system_status, order_fill.
func (mc *MarketCache) PublishDashboard(kind string, payload interface{}) {
	mc.publish(ChannelDashboard, kind, payload)
}

// PublishPriceStream publishes tick and orderbook messages.
func (mc *MarketCache) PublishPriceStream(kind string, payload interface{}) {
	mc.publish(ChannelPriceStream, kind, payload)
}

// Subscribe returns a pub/sub subscription on the given channel. The caller
// owns the subscription and must Close it.
func (mc *MarketCache) Subscribe(channel string) *redis.PubSub {
	return mc.client.Subscribe(mc.ctx, channel)
}

func (mc *MarketCache) markUnhealthy() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.failures = maxConsecutiveFailures
	mc.healthy = false
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spot-trading-engine/internal/events"
)

// Metrics holds the engine's Prometheus instruments.
type Metrics struct {
	OrdersPlaced    *prometheus.CounterVec
	OrdersFilled    *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	PositionsOpened *prometheus.CounterVec
	PositionsClosed *prometheus.CounterVec
	SignalsTotal    *prometheus.CounterVec
	BreakerTrips    prometheus.Counter

	OpenPositions  prometheus.Gauge
	AccountBalance prometheus.Gauge
	DrawdownPct    prometheus.Gauge

	SlippagePct *prometheus.HistogramVec
}

// New registers the engine instruments on the default registry.
func New() *Metrics {
	return &Metrics{
		OrdersPlaced: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_orders_placed_total",
			Help: "Orders sent to the exchange.",
		}, []string{"symbol", "side"}),
		OrdersFilled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_orders_filled_total",
			Help: "Orders fully filled.",
		}, []string{"symbol"}),
		OrdersCancelled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_orders_cancelled_total",
			Help: "Orders cancelled, expired, or rejected by the exchange.",
		}, []string{"symbol"}),
		PositionsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_positions_opened_total",
			Help: "Positions opened.",
		}, []string{"symbol", "side"}),
		PositionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_positions_closed_total",
			Help: "Positions closed, by close reason.",
		}, []string{"symbol", "reason"}),
		SignalsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_signals_total",
			Help: "Actionable strategy signals.",
		}, []string{"symbol", "action"}),
		BreakerTrips: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trading_breaker_trips_total",
			Help: "Daily drawdown circuit breaker trips.",
		}),
		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "trading_open_positions",
			Help: "Currently open positions.",
		}),
		AccountBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "trading_account_balance",
			Help: "Quote asset balance at the last risk check.",
		}),
		DrawdownPct: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "trading_daily_drawdown_pct",
			Help: "Drawdown from the day's balance high-water mark, percent.",
		}),
		SlippagePct: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trading_slippage_pct",
			Help:    "Realized fill slippage against the expected price, percent.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2},
		}, []string{"symbol"}),
	}
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// BindEventBus folds engine events into the counters. Gauges are driven by
// the risk update events the scheduler broadcasts.
func (m *Metrics) BindEventBus(bus *events.EventBus) {
	bus.SubscribeAll(func(event events.Event) {
		switch event.Type {
		case events.EventOrderPlaced:
			m.OrdersPlaced.WithLabelValues(
				stringField(event, "symbol"), stringField(event, "side")).Inc()
		case events.EventOrderFilled:
			symbol := stringField(event, "symbol")
			m.OrdersFilled.WithLabelValues(symbol).Inc()
			if pct, ok := floatField(event, "slippage_pct"); ok {
				m.SlippagePct.WithLabelValues(symbol).Observe(pct)
			}
		case events.EventOrderCancelled:
			m.OrdersCancelled.WithLabelValues(stringField(event, "symbol")).Inc()
		case events.EventPositionOpened:
			m.PositionsOpened.WithLabelValues(
				stringField(event, "symbol"), stringField(event, "side")).Inc()
			m.OpenPositions.Inc()
		case events.EventPositionClosed:
			m.PositionsClosed.WithLabelValues(
				stringField(event, "symbol"), stringField(event, "reason")).Inc()
			m.OpenPositions.Dec()
		case events.EventSignalGenerated:
			m.SignalsTotal.WithLabelValues(
				stringField(event, "symbol"), stringField(event, "action")).Inc()
		case events.EventBreakerTripped:
			m.BreakerTrips.Inc()
		case events.EventRiskUpdate:
			if balance, ok := floatField(event, "current_balance"); ok {
				m.AccountBalance.Set(balance)
			}
			if dd, ok := floatField(event, "drawdown_pct"); ok {
				m.DrawdownPct.Set(dd)
			}
		}
	})
}

func stringField(event events.Event, key string) string {
	if s, ok := event.Data[key].(string); ok {
		return s
	}
	return ""
}

func floatField(event events.Event, key string) (float64, bool) {
	f, ok := event.Data[key].(float64)
	return f, ok
}

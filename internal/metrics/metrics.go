// Package metrics exposes Prometheus collectors for the connector and the
// receiver, plus the /healthz and /metrics HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tickstream/internal/feed"
	"tickstream/internal/receiver"
)

// ConnectorMetrics covers the feed connections and the stream publisher.
type ConnectorMetrics struct {
	TicksTotal       *prometheus.CounterVec // labels: conn
	DroppedTicks     *prometheus.CounterVec // labels: conn
	WSReconnects     *prometheus.CounterVec // labels: conn
	WSGiveUps        *prometheus.CounterVec // labels: conn
	ConnectedSockets prometheus.Gauge
	LastTickAge      prometheus.Gauge

	PublishedTotal prometheus.Counter
	PublishErrors  prometheus.Counter
	RedisWriteDur  prometheus.Histogram

	// 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerState prometheus.Gauge
	WatchdogResets           prometheus.Counter
	MarketState              prometheus.Gauge // 0=closed, 1=open
}

func NewConnectorMetrics(reg prometheus.Registerer) *ConnectorMetrics {
	m := &ConnectorMetrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_ticks_total",
			Help: "Ticks received from the feed",
		}, []string{"conn"}),
		DroppedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_dropped_ticks_total",
			Help: "Ticks dropped because the publish queue was full",
		}, []string{"conn"}),
		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_ws_reconnects_total",
			Help: "WebSocket reconnection attempts",
		}, []string{"conn"}),
		WSGiveUps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_ws_give_ups_total",
			Help: "Connections that exhausted their reconnect attempts",
		}, []string{"conn"}),
		ConnectedSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connector_connected_sockets",
			Help: "Feed sockets currently connected",
		}),
		LastTickAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connector_last_tick_age_seconds",
			Help: "Seconds since the most recent tick on any connection",
		}),
		PublishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connector_published_ticks_total",
			Help: "Ticks appended to the Redis stream",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connector_publish_errors_total",
			Help: "Ticks that could not be appended to the Redis stream",
		}),
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "connector_redis_write_duration_seconds",
			Help:    "Pipelined XADD latency per batch",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connector_redis_circuit_breaker_state",
			Help: "Publisher circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		WatchdogResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connector_watchdog_resets_total",
			Help: "Full connection resets triggered by the stall watchdog",
		}),
		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connector_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.DroppedTicks,
		m.WSReconnects,
		m.WSGiveUps,
		m.ConnectedSockets,
		m.LastTickAge,
		m.PublishedTotal,
		m.PublishErrors,
		m.RedisWriteDur,
		m.RedisCircuitBreakerState,
		m.WatchdogResets,
		m.MarketState,
	)
	return m
}

// FeedHooks returns connection hooks that update these collectors.
func (m *ConnectorMetrics) FeedHooks() feed.Hooks {
	label := func(conn int) string { return strconv.Itoa(conn) }
	return feed.Hooks{
		OnTicks:     func(conn, n int) { m.TicksTotal.WithLabelValues(label(conn)).Add(float64(n)) },
		OnDrop:      func(conn int) { m.DroppedTicks.WithLabelValues(label(conn)).Inc() },
		OnReconnect: func(conn int) { m.WSReconnects.WithLabelValues(label(conn)).Inc() },
		OnGiveUp:    func(conn int) { m.WSGiveUps.WithLabelValues(label(conn)).Inc() },
	}
}

// ObservePublish matches the publisher's OnPublish hook.
func (m *ConnectorMetrics) ObservePublish(n int, elapsed time.Duration) {
	m.PublishedTotal.Add(float64(n))
	m.RedisWriteDur.Observe(elapsed.Seconds())
}

// ObservePublishError matches the publisher's OnError hook.
func (m *ConnectorMetrics) ObservePublishError(n int, _ error) {
	m.PublishErrors.Add(float64(n))
}

// ReceiverMetrics covers the consumer loop and the durable flush.
type ReceiverMetrics struct {
	EntriesProcessed prometheus.Counter
	EntriesAcked     prometheus.Counter
	DeadLettered     prometheus.Counter
	BufferLen        prometheus.Gauge
	FlushDur         prometheus.Histogram
	FlushFailures    prometheus.Counter
	PersistedTicks   prometheus.Counter
}

func NewReceiverMetrics(reg prometheus.Registerer) *ReceiverMetrics {
	m := &ReceiverMetrics{
		EntriesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "receiver_entries_processed_total",
			Help: "Stream entries decoded and buffered",
		}),
		EntriesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "receiver_entries_acked_total",
			Help: "Stream entries acknowledged",
		}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "receiver_dead_lettered_total",
			Help: "Undecodable entries parked or dropped",
		}),
		BufferLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "receiver_buffer_length",
			Help: "Ticks waiting for the next durable flush",
		}),
		FlushDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "receiver_flush_duration_seconds",
			Help:    "Durable store batch commit latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "receiver_flush_failures_total",
			Help: "Flushes that failed and requeued their batch",
		}),
		PersistedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "receiver_persisted_ticks_total",
			Help: "Ticks committed to the durable store",
		}),
	}

	reg.MustRegister(
		m.EntriesProcessed,
		m.EntriesAcked,
		m.DeadLettered,
		m.BufferLen,
		m.FlushDur,
		m.FlushFailures,
		m.PersistedTicks,
	)
	return m
}

// Attach installs hooks on r that update these collectors.
func (m *ReceiverMetrics) Attach(r *receiver.Receiver) {
	r.OnProcessed = func() {
		m.EntriesProcessed.Inc()
		m.BufferLen.Set(float64(r.Stats().BufferPending))
	}
	r.OnAck = func(n int) { m.EntriesAcked.Add(float64(n)) }
	r.OnDeadLetter = func() { m.DeadLettered.Inc() }
	r.OnFlush = func(n int, elapsed time.Duration, err error) {
		m.FlushDur.Observe(elapsed.Seconds())
		if err != nil {
			m.FlushFailures.Inc()
		} else {
			m.PersistedTicks.Add(float64(n))
		}
		m.BufferLen.Set(float64(r.Stats().BufferPending))
	}
}

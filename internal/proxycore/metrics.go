package proxycore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors the Bridge and Origin Pool update
// on the hot path. All fields are safe for concurrent use.
type Metrics struct {
	PoolAcquireTotal  *prometheus.CounterVec
	PoolSize          *prometheus.GaugeVec
	StalePoolRetries  prometheus.Counter
	ConnectDuration   prometheus.Histogram
	BridgeDuration    *prometheus.HistogramVec
	BytesStreamed     prometheus.Counter
	BodyRewritesTotal prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec
}

// NewMetrics registers the proxy core's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PoolAcquireTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "pool",
			Name:      "acquire_total",
			Help:      "Origin pool acquire attempts, labeled by hit/miss.",
		}, []string{"result"}),
		PoolSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "pool",
			Name:      "idle_connections",
			Help:      "Idle connections currently held per origin.",
		}, []string{"origin"}),
		StalePoolRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "pool",
			Name:      "stale_retries_total",
			Help:      "Requests whose pooled upstream connection failed before the response started.",
		}),
		ConnectDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "connector",
			Name:      "connect_duration_seconds",
			Help:      "Time spent dialing and TLS-handshaking fresh upstream connections.",
			Buckets:   prometheus.DefBuckets,
		}),
		BridgeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "bridge",
			Name:      "request_duration_seconds",
			Help:      "End-to-end duration of a single proxied request, labeled by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		BytesStreamed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "bridge",
			Name:      "bytes_streamed_total",
			Help:      "Total response bytes streamed from origins to clients.",
		}),
		BodyRewritesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "bridge",
			Name:      "body_rewrites_total",
			Help:      "Response bodies that went through the rewrite pipeline.",
		}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "bridge",
			Name:      "errors_total",
			Help:      "Bridge failures, labeled by error kind.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) observeConnect(d time.Duration) {
	if m == nil {
		return
	}
	m.ConnectDuration.Observe(d.Seconds())
}

func (m *Metrics) observeBridge(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.BridgeDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) recordError(kind ErrKind) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) recordPoolAcquire(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.PoolAcquireTotal.WithLabelValues("hit").Inc()
	} else {
		m.PoolAcquireTotal.WithLabelValues("miss").Inc()
	}
}

// BytesStreamedAdd accumulates n response bytes streamed to clients.
func (m *Metrics) BytesStreamedAdd(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesStreamed.Add(float64(n))
}

func (m *Metrics) recordBodyRewrite() {
	if m == nil {
		return
	}
	m.BodyRewritesTotal.Inc()
}

func (m *Metrics) recordStaleRetry() {
	if m == nil {
		return
	}
	m.StalePoolRetries.Inc()
}

// setPoolSize reflects an origin's current idle-connection count into the
// PoolSize gauge, called from the Origin Pool after every Acquire, Release
// and Reset.
func (m *Metrics) setPoolSize(origin OriginKey, size int) {
	if m == nil {
		return
	}
	m.PoolSize.WithLabelValues(origin.String()).Set(float64(size))
}

// Package metrics provides Prometheus metrics for the funding chart service.
//
// All methods are safe to call on a nil *Metrics, so components constructed
// without instrumentation (tests, tools) need no special casing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fundchart"

// Metrics groups every collector the service exports.
type Metrics struct {
	TradesApplied      *prometheus.CounterVec
	ApplyFailures      *prometheus.CounterVec
	ApplyRetries       prometheus.Counter
	OutOfOrderRebuilds prometheus.Counter
	ApplyDuration      prometheus.Histogram
	CacheRequests      *prometheus.CounterVec
	FanoutDropped      *prometheus.CounterVec
	FanoutSubscribers  prometheus.Gauge
	IngressMessages    *prometheus.CounterVec
	RangeQueryDuration *prometheus.HistogramVec
	gatherer           prometheus.Gatherer
}

// New registers all collectors with reg. Passing a fresh prometheus.NewRegistry()
// isolates tests from the default registry.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TradesApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_applied_total",
			Help:      "Trades committed into bars, by side.",
		}, []string{"side"}),
		ApplyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_apply_failures_total",
			Help:      "Trades that failed to apply, by error kind.",
		}, []string{"kind"}),
		ApplyRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_apply_retries_total",
			Help:      "Transactional retries after a concurrency conflict.",
		}),
		OutOfOrderRebuilds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "out_of_order_rebuilds_total",
			Help:      "Trades that arrived before the latest trade and forced a bar replay.",
		}),
		ApplyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trade_apply_duration_seconds",
			Help:      "Latency of a full trade apply including retries.",
			Buckets:   prometheus.DefBuckets,
		}),
		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Range cache lookups, by result (hit, miss, error).",
		}, []string{"result"}),
		FanoutDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_dropped_total",
			Help:      "Envelopes dropped by the live fanout, by reason.",
		}, []string{"reason"}),
		FanoutSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fanout_subscribers",
			Help:      "Currently connected live subscribers.",
		}),
		IngressMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_messages_total",
			Help:      "Trade notifications received, by source and outcome.",
		}, []string{"source", "outcome"}),
		RangeQueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "range_query_duration_seconds",
			Help:      "Latency of bar range queries, by interval.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"interval"}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) TradeApplied(side string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TradesApplied.WithLabelValues(side).Inc()
	m.ApplyDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) TradeFailed(kind string) {
	if m == nil {
		return
	}
	m.ApplyFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) Retried() {
	if m == nil {
		return
	}
	m.ApplyRetries.Inc()
}

func (m *Metrics) Rebuilt() {
	if m == nil {
		return
	}
	m.OutOfOrderRebuilds.Inc()
}

func (m *Metrics) Cache(result string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.FanoutDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Subscribers(n int) {
	if m == nil {
		return
	}
	m.FanoutSubscribers.Set(float64(n))
}

func (m *Metrics) Ingress(source, outcome string) {
	if m == nil {
		return
	}
	m.IngressMessages.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) RangeQuery(interval string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RangeQueryDuration.WithLabelValues(interval).Observe(elapsed.Seconds())
}

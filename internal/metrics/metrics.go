// Package metrics exposes prometheus instrumentation for the price-truth service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"price-truth/internal/model"
	"price-truth/internal/transport"
)

const namespace = "pricetruth"

// Metrics holds the service level collectors. A nil *Metrics is a no-op.
type Metrics struct {
	Queries       *prometheus.CounterVec
	Rounds        *prometheus.CounterVec
	RoundDuration prometheus.Histogram
	Quotes        *prometheus.CounterVec
	Alerts        *prometheus.CounterVec
	StoreErrors   prometheus.Counter
}

// New registers the service collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Queries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Price queries by result (cache_hit or round)",
		}, []string{"result"}),
		Rounds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Completed consensus rounds by status",
		}, []string{"status"}),
		RoundDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Wall time of a consensus round including fan-out",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 45, 90},
		}),
		Quotes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quotes_total",
			Help:      "Source quotes by source and outcome",
		}, []string{"source", "outcome"}),
		Alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts dispatched by kind",
		}, []string{"kind"}),
		StoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Record persistence failures",
		}),
	}
}

func (m *Metrics) ObserveQuery(cacheHit bool) {
	if m == nil {
		return
	}
	result := "round"
	if cacheHit {
		result = "cache_hit"
	}
	m.Queries.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRound(status model.Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Rounds.WithLabelValues(string(status)).Inc()
	m.RoundDuration.Observe(elapsed.Seconds())
}

// ObserveQuote counts a quote; failed quotes are labelled with their error kind.
func (m *Metrics) ObserveQuote(q model.SourceQuoteRecord) {
	if m == nil {
		return
	}
	outcome := "success"
	if !q.Success {
		outcome = q.ErrorKind
		if outcome == "" {
			outcome = "error"
		}
	}
	m.Quotes.WithLabelValues(q.SourceName, outcome).Inc()
}

func (m *Metrics) ObserveAlert(kind string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveStoreError() {
	if m == nil {
		return
	}
	m.StoreErrors.Inc()
}

var (
	proxyCountDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "proxy", "pool_size"),
		"Registered proxies by state",
		[]string{"state"},
		nil,
	)
	proxyScoreDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "proxy", "score"),
		"Current score of each registered proxy",
		[]string{"proxy"},
		nil,
	)
	cacheEntriesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "entries"),
		"Response cache entries by state",
		[]string{"state"},
		nil,
	)
	transportDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "transport", "events_total"),
		"Request coordinator counters",
		[]string{"event"},
		nil,
	)
)

// TransportCollector reads proxy, cache and coordinator state on each scrape.
type TransportCollector struct {
	coordinator *transport.Coordinator
}

var _ prometheus.Collector = (*TransportCollector)(nil)

// NewTransportCollector builds a collector over coordinator and its pool/cache.
func NewTransportCollector(coordinator *transport.Coordinator) *TransportCollector {
	return &TransportCollector{coordinator: coordinator}
}

func (c *TransportCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- proxyCountDesc
	ch <- proxyScoreDesc
	ch <- cacheEntriesDesc
	ch <- transportDesc
}

func (c *TransportCollector) Collect(ch chan<- prometheus.Metric) {
	if c.coordinator == nil {
		return
	}

	if pool := c.coordinator.Proxies(); pool != nil {
		stats := pool.Stats()
		ch <- prometheus.MustNewConstMetric(proxyCountDesc, prometheus.GaugeValue, float64(stats.Available), "available")
		ch <- prometheus.MustNewConstMetric(proxyCountDesc, prometheus.GaugeValue, float64(stats.Evicted), "evicted")
		for _, rec := range pool.Records() {
			ch <- prometheus.MustNewConstMetric(proxyScoreDesc, prometheus.GaugeValue, rec.Score, rec.Address)
		}
	}

	if cache := c.coordinator.Cache(); cache != nil {
		stats := cache.Stats()
		ch <- prometheus.MustNewConstMetric(cacheEntriesDesc, prometheus.GaugeValue, float64(stats.Active), "active")
		ch <- prometheus.MustNewConstMetric(cacheEntriesDesc, prometheus.GaugeValue, float64(stats.Expired), "expired")
	}

	stats := c.coordinator.Stats()
	for event, v := range map[string]int64{
		"requests":      stats.Requests,
		"cache_hits":    stats.CacheHits,
		"attempts":      stats.Attempts,
		"retries":       stats.Retries,
		"failures":      stats.Failures,
		"direct_egress": stats.DirectEgress,
	} {
		ch <- prometheus.MustNewConstMetric(transportDesc, prometheus.CounterValue, float64(v), event)
	}
}

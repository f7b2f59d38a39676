package weblounge

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "weblounge"

// Metrics holds the collectors of one Service. A nil *Metrics records
// nothing.
type Metrics struct {
	cacheLookups       *prometheus.CounterVec
	cacheTransactions  *prometheus.CounterVec
	cacheWaits         *prometheus.CounterVec
	cacheInvalidations prometheus.Counter
	cacheEntries       prometheus.Gauge
	poolBorrowed       *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec
	requests           *prometheus.CounterVec
	renderDuration     prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when reg
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache bracket openings by result (hit, miss, stale).",
		}, []string{"result"}),
		cacheTransactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "transactions_total",
			Help:      "Closed cache brackets by outcome (complete, abort, skip).",
		}, []string{"outcome"}),
		cacheWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "waits_total",
			Help:      "Waits on in-flight computations by outcome (success, fail, timeout).",
		}, []string{"outcome"}),
		cacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Entries removed by tag invalidation or expiry.",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries held in the RAM and disk tiers.",
		}),
		poolBorrowed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "borrowed",
			Help:      "Action instances currently borrowed.",
		}, []string{"action"}),
		poolExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "exhausted_total",
			Help:      "Borrow attempts that found the pool exhausted.",
		}, []string{"action"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Dispatched requests by response status.",
		}, []string{"status"}),
		renderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "render_duration_seconds",
			Help:      "Time spent dispatching a request.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.cacheLookups,
			m.cacheTransactions,
			m.cacheWaits,
			m.cacheInvalidations,
			m.cacheEntries,
			m.poolBorrowed,
			m.poolExhausted,
			m.requests,
			m.renderDuration,
		)
	}
	return m
}

func (m *Metrics) cacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) cacheTransaction(outcome string) {
	if m == nil {
		return
	}
	m.cacheTransactions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) cacheWait(outcome string) {
	if m == nil {
		return
	}
	m.cacheWaits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) cacheInvalidated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheInvalidations.Add(float64(n))
}

func (m *Metrics) setCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

func (m *Metrics) borrowed(action string, delta float64) {
	if m == nil {
		return
	}
	m.poolBorrowed.WithLabelValues(action).Add(delta)
}

func (m *Metrics) exhausted(action string) {
	if m == nil {
		return
	}
	m.poolExhausted.WithLabelValues(action).Inc()
}

func (m *Metrics) request(status int, took time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strconv.Itoa(status)).Inc()
	m.renderDuration.Observe(took.Seconds())
}

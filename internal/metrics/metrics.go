package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Sales           *prometheus.CounterVec
	Conflicts       *prometheus.CounterVec
	Voids           *prometheus.CounterVec
	Adjustments     *prometheus.CounterVec
	ShiftsClosed    *prometheus.CounterVec
	TxRetries       prometheus.Counter
	CacheLookups    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New registers the collectors on reg. Passing a fresh registry per test
// keeps collectors from clashing.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		Sales: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokoledger",
			Name:      "sales_total",
			Help:      "Sales handled, by outcome.",
		}, []string{"outcome"}),
		Conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokoledger",
			Name:      "conflicts_total",
			Help:      "Business conflicts returned, by operation and reason.",
		}, []string{"operation", "reason"}),
		Voids: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokoledger",
			Name:      "voids_total",
			Help:      "Voids handled, by outcome.",
		}, []string{"outcome"}),
		Adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokoledger",
			Name:      "inventory_adjustments_total",
			Help:      "Inventory adjustments written, by reason.",
		}, []string{"reason"}),
		ShiftsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokoledger",
			Name:      "shifts_closed_total",
			Help:      "Shifts closed, by whether the cash difference was within threshold.",
		}, []string{"within_threshold"}),
		TxRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tokoledger",
			Name:      "tx_retries_total",
			Help:      "Transactions retried after a concurrency conflict.",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokoledger",
			Name:      "availability_cache_lookups_total",
			Help:      "Availability cache lookups, by result.",
		}, []string{"result"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tokoledger",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}

	reg.MustRegister(
		m.Sales,
		m.Conflicts,
		m.Voids,
		m.Adjustments,
		m.ShiftsClosed,
		m.TxRetries,
		m.CacheLookups,
		m.RequestDuration,
	)
	return m
}

// NewDefault registers on a fresh registry along with the Go and process
// collectors.
func NewDefault() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return New(reg)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRequest(method string, status int, started time.Time) {
	m.RequestDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(time.Since(started).Seconds())
}

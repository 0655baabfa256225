// Package metrics exposes request and registry metrics for prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Gauges is a snapshot of the live registries.
type Gauges struct {
	Sessions int
	Handles  int
	Agents   int
	Streams  int
	Writers  int
	Readers  int
	Pending  int
}

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	requestDuration *prometheus.HistogramVec
	responses       *prometheus.CounterVec
	registry        *prometheus.GaugeVec
	vacuumed        prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conference",
			Name:      "request_duration_seconds",
			Help:      "Time spent serving a request, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conference",
			Name:      "responses_total",
			Help:      "Terminal responses, by method and status.",
		}, []string{"method", "status"}),
		registry: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "conference",
			Name:      "registry_entries",
			Help:      "Live registry entries, by kind.",
		}, []string{"kind"}),
		vacuumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conference",
			Name:      "vacuumed_streams_total",
			Help:      "Streams removed by the vacuum.",
		}),
	}
	reg.MustRegister(m.requestDuration, m.responses, m.registry, m.vacuumed)
	return m
}

func (m *Metrics) ObserveRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
	m.responses.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func (m *Metrics) SetGauges(g Gauges) {
	if m == nil {
		return
	}
	m.registry.WithLabelValues("sessions").Set(float64(g.Sessions))
	m.registry.WithLabelValues("handles").Set(float64(g.Handles))
	m.registry.WithLabelValues("agents").Set(float64(g.Agents))
	m.registry.WithLabelValues("streams").Set(float64(g.Streams))
	m.registry.WithLabelValues("writers").Set(float64(g.Writers))
	m.registry.WithLabelValues("readers").Set(float64(g.Readers))
	m.registry.WithLabelValues("pending_transactions").Set(float64(g.Pending))
}

func (m *Metrics) AddVacuumed(n int) {
	if m == nil {
		return
	}
	m.vacuumed.Add(float64(n))
}

// Package metrics exposes attendance counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements attendance.Observer.
type Metrics struct {
	reg       *prometheus.Registry
	tokens    prometheus.Counter
	scans     *prometheus.CounterVec
	verifies  *prometheus.CounterVec
	embedTime prometheus.Histogram
}

// New registers the attendance collectors plus the Go runtime and process
// collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "tokens_issued_total",
			Help:      "Rolling QR tokens issued.",
		}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "scans_total",
			Help:      "QR scans by result code.",
		}, []string{"result"}),
		verifies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "verifications_total",
			Help:      "Face verifications by result code.",
		}, []string{"result"}),
		embedTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "attendance",
			Name:      "embed_duration_seconds",
			Help:      "Face embedding extraction latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		}),
	}
	reg.MustRegister(
		m.tokens, m.scans, m.verifies, m.embedTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) TokenIssued() { m.tokens.Inc() }
func (m *Metrics) ScanResult(code string) { m.scans.WithLabelValues(code).Inc() }
func (m *Metrics) VerifyResult(code string) { m.verifies.WithLabelValues(code).Inc() }

func (m *Metrics) EmbedDuration(d time.Duration) {
	m.embedTime.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

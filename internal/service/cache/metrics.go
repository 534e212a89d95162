package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/microsoft/spektate/internal/service/enrich"
)

// Metrics counts refresh ticks and enrichment attempts. A nil Metrics is
// valid and records nothing, tests pass nil.
type Metrics struct {
	refreshTotal    *prometheus.CounterVec
	snapshotSize    prometheus.Gauge
	enrichmentTotal *prometheus.CounterVec
}

// NewMetrics builds and registers the cache collectors. Re-registration
// reuses the existing collectors so multiple constructions stay safe.
func NewMetrics() *Metrics {
	m := &Metrics{
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spektate",
			Subsystem: "cache",
			Name:      "refresh_total",
			Help:      "Count of refresh ticks by outcome",
		}, []string{"outcome"}),
		snapshotSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "spektate",
			Subsystem: "cache",
			Name:      "snapshot_deployments",
			Help:      "Number of deployments in the published snapshot",
		}),
		enrichmentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spektate",
			Subsystem: "cache",
			Name:      "enrichment_total",
			Help:      "Count of enrichment attempts by kind and outcome",
		}, []string{"kind", "outcome"}),
	}

	for _, collector := range []prometheus.Collector{m.refreshTotal, m.snapshotSize, m.enrichmentTotal} {
		if err := prometheus.Register(collector); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch v := are.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					if collector == m.refreshTotal {
						m.refreshTotal = v
					} else {
						m.enrichmentTotal = v
					}
				case prometheus.Gauge:
					m.snapshotSize = v
				}
			}
		}
	}
	return m
}

// RefreshDone records a successful tick and the published snapshot size.
func (m *Metrics) RefreshDone(size, changed, inserted int) {
	if m == nil {
		return
	}
	m.refreshTotal.With(prometheus.Labels{"outcome": "ok"}).Inc()
	m.snapshotSize.Set(float64(size))
}

// RefreshFailed records an aborted tick.
func (m *Metrics) RefreshFailed() {
	if m == nil {
		return
	}
	m.refreshTotal.With(prometheus.Labels{"outcome": "error"}).Inc()
}

// Enrichment records one enrichment attempt.
func (m *Metrics) Enrichment(kind string, reason enrich.Reason) {
	if m == nil {
		return
	}
	m.enrichmentTotal.With(prometheus.Labels{"kind": kind, "outcome": reason.String()}).Inc()
}

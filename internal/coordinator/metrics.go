package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	originLocal  = "local"
	originRemote = "remote"
)

// Metrics holds the registry's prometheus metrics.
type Metrics struct {
	WritersOpen    *prometheus.GaugeVec
	BatchesRouted  prometheus.Counter
	BatchesDropped prometheus.Counter
	LinesWritten   prometheus.Counter
	Switches       prometheus.Counter
}

// NewMetrics returns unregistered registry metrics.
func NewMetrics() *Metrics {
	const (
		namespace = "logweave"
		subsystem = "registry"
	)

	return &Metrics{
		WritersOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "writers_open",
			Help:      "Number of open writer files, by the origin of the writer",
		}, []string{"origin"}),

		BatchesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batches_routed_total",
			Help:      "Count of data batches written to an open writer",
		}),

		BatchesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batches_dropped_total",
			Help:      "Count of data batches for a pathname with no open writer",
		}),

		LinesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "lines_written_total",
			Help:      "Count of values appended to writer files from batches",
		}),

		Switches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "switches_total",
			Help:      "Count of directory switches",
		}),
	}
}

// PrometheusCollectors returns the collectors to register.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.WritersOpen,
		m.BatchesRouted,
		m.BatchesDropped,
		m.LinesWritten,
		m.Switches,
	}
}

package chain

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics covers the block connector. A nil *Metrics disables collection,
// callers never need to guard.
type Metrics struct {
	blocksConnected prometheus.Counter
	notesAppended   prometheus.Counter
	appendSeconds   prometheus.Histogram
	treeSize        prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		blocksConnected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "umbra",
			Subsystem: "chain",
			Name:      "blocks_connected_total",
			Help:      "Number of blocks connected to the note tree.",
		}),
		notesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "umbra",
			Subsystem: "chain",
			Name:      "notes_appended_total",
			Help:      "Number of note commitments appended.",
		}),
		appendSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "umbra",
			Subsystem: "chain",
			Name:      "note_append_seconds",
			Help:      "Latency of single note commitment appends.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		treeSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "umbra",
			Subsystem: "chain",
			Name:      "note_tree_size",
			Help:      "Current number of leaves in the note tree.",
		}),
	}

	registerer.MustRegister(
		m.blocksConnected,
		m.notesAppended,
		m.appendSeconds,
		m.treeSize,
	)

	return m
}

func (m *Metrics) blockConnected() {
	if m == nil {
		return
	}
	m.blocksConnected.Inc()
}

func (m *Metrics) noteAppended(seconds float64) {
	if m == nil {
		return
	}
	m.notesAppended.Inc()
	m.appendSeconds.Observe(seconds)
}

// SetTreeSize records the current leaf count. Exported so that read-only
// processes can publish the gauge without running a connector.
func (m *Metrics) SetTreeSize(size uint64) {
	if m == nil {
		return
	}
	m.treeSize.Set(float64(size))
}

package progress

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for progress submissions.
type Metrics struct {
	submissions *prometheus.CounterVec
	pieces      *prometheus.CounterVec
	fabric      prometheus.Counter
	drift       *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// NewMetrics registers the progress collectors. A nil registerer uses the
// Prometheus default registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "konveksi_progress_submissions_total",
			Help: "Progress submissions partitioned by channel and result.",
		}, []string{"channel", "result"}),
		pieces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "konveksi_progress_pieces_total",
			Help: "Pieces recorded through progress entries, by entry kind.",
		}, []string{"kind"}),
		fabric: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "konveksi_progress_fabric_consumed_total",
			Help: "Fabric quantity booked as production consumption.",
		}),
		drift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "konveksi_cache_drift_total",
			Help: "Cached projections found out of sync with their source entries.",
		}, []string{"entity"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "konveksi_order_status_derived_total",
			Help: "Order status changes derived from progress.",
		}, []string{"to"}),
	}
	registerer.MustRegister(m.submissions, m.pieces, m.fabric, m.drift, m.transitions)
	return m
}

func (m *Metrics) observeSubmission(channel Channel, result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(string(channel), result).Inc()
}

func (m *Metrics) observeEntries(entries []Entry) {
	if m == nil {
		return
	}
	for _, e := range entries {
		if e.Pieces > 0 {
			m.pieces.WithLabelValues(string(e.Kind)).Add(float64(e.Pieces))
		}
		if e.FabricUsed.IsPositive() {
			m.fabric.Add(e.FabricUsed.InexactFloat64())
		}
	}
}

func (m *Metrics) observeDrift(entity string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.drift.WithLabelValues(entity).Add(float64(count))
}

func (m *Metrics) observeTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isClientError(err):
		return "rejected"
	default:
		return "error"
	}
}

package jobmetrics

import (
	"errors"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	repaired *prometheus.CounterVec
	lowStock prometheus.Gauge
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End records the run outcome and returns err unchanged. Payload errors wrapped
// with asynq.SkipRetry are counted as "discarded" since they will never succeed.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	t.metrics.runs.WithLabelValues(t.job, outcome(err)).Inc()
	if err != nil {
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, asynq.SkipRetry):
		return "discarded"
	default:
		return "failure"
	}
}

// AddRepaired counts caches rebuilt by a reconciliation job. entity is
// "order" or "material".
func (m *Metrics) AddRepaired(entity string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.repaired.WithLabelValues(entity).Add(float64(count))
}

// SetLowStock records how many materials sat below safety stock at the last scan.
func (m *Metrics) SetLowStock(count int) {
	if m == nil {
		return
	}
	m.lowStock.Set(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "konveksi_jobs_total",
		Help: "Job runs by task type and outcome.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "konveksi_jobs_failures_total",
		Help: "Failed job runs by task type, discarded payloads included.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "konveksi_job_duration_seconds",
		Help:    "Wall time of background job runs.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"job"})
	repaired := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "konveksi_reconcile_repaired_total",
		Help: "Caches rebuilt by reconciliation jobs grouped by entity.",
	}, []string{"entity"})
	lowStock := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "konveksi_materials_low_stock",
		Help: "Materials below safety stock at the last scan.",
	})
	registerer.MustRegister(runs, failures, duration, repaired, lowStock)
	return &Metrics{runs: runs, failures: failures, duration: duration, repaired: repaired, lowStock: lowStock}
}

package fiber

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the fiber engine. All methods are
// nil-safe so the scheduler can run without a registered collector.
type Metrics struct {
	fibersSpawned   prometheus.Counter
	fibersCompleted prometheus.Counter
	fibersFailed    prometheus.Counter
	fibersCancelled prometheus.Counter
	fibersRecovered prometheus.Counter
	fibersRunning   prometheus.Gauge
	fiberDuration   prometheus.Histogram
	cleanupDeleted  prometheus.Counter
	retriesTotal    *prometheus.CounterVec
}

// NewMetrics creates the engine metric set registered against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.fibersSpawned = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "fiberflow",
		Name:      "fibers_spawned_total",
		Help:      "Total number of fibers spawned",
	})
	m.fibersCompleted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "fiberflow",
		Name:      "fibers_completed_total",
		Help:      "Total number of fibers that completed successfully",
	})
	m.fibersFailed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "fiberflow",
		Name:      "fibers_failed_total",
		Help:      "Total number of fibers that exhausted their retry budget",
	})
	m.fibersCancelled = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "fiberflow",
		Name:      "fibers_cancelled_total",
		Help:      "Total number of fibers cancelled by callers",
	})
	m.fibersRecovered = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "fiberflow",
		Name:      "fibers_recovered_total",
		Help:      "Total number of orphaned fibers restarted by recovery",
	})
	m.fibersRunning = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "fiberflow",
		Name:      "fibers_running",
		Help:      "Number of fibers with a live execution handle",
	})
	m.fiberDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fiberflow",
		Name:      "fiber_duration_seconds",
		Help:      "Wall time from spawn to terminal state",
		Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
	})
	m.cleanupDeleted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "fiberflow",
		Name:      "cleanup_deleted_total",
		Help:      "Total number of expired fiber rows deleted by cleanup",
	})
	m.retriesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fiberflow",
		Name:      "retries_total",
		Help:      "Total retry attempts, by trigger",
	}, []string{"trigger"})

	return m
}

func (m *Metrics) spawned() {
	if m == nil {
		return
	}
	m.fibersSpawned.Inc()
	m.fibersRunning.Inc()
}

func (m *Metrics) terminal(status string, createdAt time.Time) {
	if m == nil {
		return
	}
	switch status {
	case "completed":
		m.fibersCompleted.Inc()
	case "failed":
		m.fibersFailed.Inc()
	case "cancelled":
		m.fibersCancelled.Inc()
	}
	m.fibersRunning.Dec()
	if !createdAt.IsZero() {
		m.fiberDuration.Observe(time.Since(createdAt).Seconds())
	}
}

// orphanFailed counts a terminal failure settled during recovery. The running
// gauge is untouched: this incarnation never incremented it for the orphan.
func (m *Metrics) orphanFailed(createdAt time.Time) {
	if m == nil {
		return
	}
	m.fibersFailed.Inc()
	if !createdAt.IsZero() {
		m.fiberDuration.Observe(time.Since(createdAt).Seconds())
	}
}

func (m *Metrics) recovered() {
	if m == nil {
		return
	}
	m.fibersRecovered.Inc()
	m.fibersRunning.Inc()
	m.retriesTotal.WithLabelValues("eviction").Inc()
}

func (m *Metrics) localRetry() {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues("local").Inc()
}

func (m *Metrics) cleaned(n int) {
	if m == nil || n == 0 {
		return
	}
	m.cleanupDeleted.Add(float64(n))
}

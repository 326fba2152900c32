package sync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cashpoint/posync/internal/schema"
)

// Metrics are the coordinator's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	pushed       *prometheus.CounterVec
	failed       *prometheus.CounterVec
	pulled       *prometheus.CounterVec
	conflicts    *prometheus.CounterVec
	pending      prometheus.Gauge
	exhausted    prometheus.Gauge
	passDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posd_sync_pushed_total",
				Help: "Outbox entries acknowledged by the backend",
			},
			[]string{"entity_type", "result"},
		),
		failed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posd_sync_push_failures_total",
				Help: "Failed outbox deliveries",
			},
			[]string{"entity_type", "kind"},
		),
		pulled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posd_sync_pulled_total",
				Help: "Backend records merged into the local store",
			},
			[]string{"entity_type"},
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posd_sync_conflicts_total",
				Help: "Pulled records rejected because they contradict a terminal local state",
			},
			[]string{"entity_type"},
		),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "posd_outbox_pending",
			Help: "Entries waiting in the outbox",
		}),
		exhausted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "posd_outbox_exhausted",
			Help: "Outbox entries past the retry ceiling",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "posd_sync_pass_duration_seconds",
			Help:    "Duration of sync passes",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.pushed, m.failed, m.pulled, m.conflicts, m.pending, m.exhausted, m.passDuration)
	return m
}

func (m *Metrics) observePush(entity schema.EntityType, duplicate bool) {
	if m == nil {
		return
	}
	result := "acked"
	if duplicate {
		result = "duplicate"
	}
	m.pushed.WithLabelValues(string(entity), result).Inc()
}

func (m *Metrics) observeFailure(entity schema.EntityType, kind ErrorKind) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(string(entity), string(kind)).Inc()
}

func (m *Metrics) observePull(entity schema.EntityType, n int) {
	if m == nil || n == 0 {
		return
	}
	m.pulled.WithLabelValues(string(entity)).Add(float64(n))
}

func (m *Metrics) observeConflict(entity schema.EntityType) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(string(entity)).Inc()
}

func (m *Metrics) observeQueue(pending, exhausted int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(pending))
	m.exhausted.Set(float64(exhausted))
}

func (m *Metrics) observePass(d time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.Observe(d.Seconds())
}

// Package metrics exports orderflow counters and histograms to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "orderflow"

type Metrics struct {
	jobsProcessed   *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobsEnqueued    *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
	eventsConsumed  *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	pushes          *prometheus.CounterVec
	connections     prometheus.Gauge
}

// New registers all collectors on reg. A nil reg uses a private registry so
// tests never collide on the global one.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Job handler invocations by type and outcome.",
		}, []string{"type", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs accepted by the queue.",
		}, []string{"type"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Domain events sent to the broker by topic and outcome.",
		}, []string{"topic", "outcome"}),
		eventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Domain events handled by topic and outcome.",
		}, []string{"topic", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Applied order status transitions by target status.",
		}, []string{"status"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_pushes_total",
			Help:      "Realtime deliveries by outcome.",
		}, []string{"outcome"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connections",
			Help:      "Live realtime connections.",
		}),
	}

	collectors := []prometheus.Collector{
		m.jobsProcessed, m.jobDuration, m.jobsEnqueued, m.eventsPublished,
		m.eventsConsumed, m.transitions, m.pushes, m.connections,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// Nop returns metrics backed by an unexported registry.
func Nop() *Metrics {
	m, _ := New(nil)
	return m
}

func (m *Metrics) JobProcessed(jobType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(jobType, outcome).Inc()
	m.jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func (m *Metrics) JobEnqueued(jobType string) {
	if m == nil {
		return
	}
	m.jobsEnqueued.WithLabelValues(jobType).Inc()
}

func (m *Metrics) EventPublished(topic string, err error) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(topic, outcome(err)).Inc()
}

func (m *Metrics) EventConsumed(topic, result string) {
	if m == nil {
		return
	}
	m.eventsConsumed.WithLabelValues(topic, result).Inc()
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Push(delivered, dropped int) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues("delivered").Add(float64(delivered))
	m.pushes.WithLabelValues("dropped").Add(float64(dropped))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

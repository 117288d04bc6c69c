package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BusMetrics tracks publish and processing statistics.
type BusMetrics struct {
	mu sync.RWMutex

	publishedTotal    *prometheus.CounterVec
	processedTotal    *prometheus.CounterVec
	retriesTotal      *prometheus.CounterVec
	deadLetteredTotal *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	inflightHandlers  *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

// newBusCounterVec creates a counter vec with the standard flowbus/bus namespace.
func newBusCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowbus",
			Subsystem: "bus",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newBusGaugeVec creates a gauge vec with the standard flowbus/bus namespace.
func newBusGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowbus",
			Subsystem: "bus",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newBusHistogramVec creates a histogram vec with the standard flowbus/bus namespace.
func newBusHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowbus",
			Subsystem: "bus",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewBusMetrics creates the bus metrics collector.
func NewBusMetrics(registerer prometheus.Registerer) *BusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &BusMetrics{
		registerer:        registerer,
		publishedTotal:    newBusCounterVec("events_published_total", "Total number of publish attempts by outcome", []string{"event_type", "status"}),
		processedTotal:    newBusCounterVec("events_processed_total", "Total number of processed deliveries by outcome", []string{"subscription", "status"}),
		retriesTotal:      newBusCounterVec("retries_scheduled_total", "Total number of retries scheduled", []string{"subscription"}),
		deadLetteredTotal: newBusCounterVec("dead_lettered_total", "Total number of deliveries handed to a dead-letter queue", []string{"subscription"}),
		handlerDuration:   newBusHistogramVec("handler_duration_seconds", "Handler execution time", []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 60}, []string{"subscription"}),
		inflightHandlers:  newBusGaugeVec("inflight_handlers", "Handlers currently executing", []string{"subscription"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *BusMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.publishedTotal,
		m.processedTotal,
		m.retriesTotal,
		m.deadLetteredTotal,
		m.handlerDuration,
		m.inflightHandlers,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordPublish records the outcome of one publish attempt.
func (m *BusMetrics) RecordPublish(eventType, status string) {
	if m == nil {
		return
	}
	m.publishedTotal.WithLabelValues(eventType, status).Inc()
}

// RecordProcessed records the terminal outcome of one delivery.
func (m *BusMetrics) RecordProcessed(subscription, status string) {
	if m == nil {
		return
	}
	m.processedTotal.WithLabelValues(subscription, status).Inc()
}

// RecordRetryScheduled counts one scheduled retry.
func (m *BusMetrics) RecordRetryScheduled(subscription string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(subscription).Inc()
}

// RecordDeadLettered counts one dead-letter hand-off.
func (m *BusMetrics) RecordDeadLettered(subscription string) {
	if m == nil {
		return
	}
	m.deadLetteredTotal.WithLabelValues(subscription).Inc()
}

// ObserveHandler records one handler execution.
func (m *BusMetrics) ObserveHandler(subscription string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(subscription).Observe(elapsed.Seconds())
}

// HandlerStarted marks a handler as in flight.
func (m *BusMetrics) HandlerStarted(subscription string) {
	if m == nil {
		return
	}
	m.inflightHandlers.WithLabelValues(subscription).Inc()
}

// HandlerFinished marks a handler as done.
func (m *BusMetrics) HandlerFinished(subscription string) {
	if m == nil {
		return
	}
	m.inflightHandlers.WithLabelValues(subscription).Dec()
}

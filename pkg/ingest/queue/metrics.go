package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments a Queue.
type Metrics struct {
	pending    prometheus.Gauge
	delivered  prometheus.Counter
	enqueued   prometheus.Counter
	duplicates prometheus.Counter
	failures   prometheus.Counter
	backoff    prometheus.Gauge
}

// NewMetrics registers the queue collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "vitalsync_queue_pending_rows",
			Help: "Rows waiting for delivery",
		}),
		delivered: f.NewCounter(prometheus.CounterOpts{
			Name: "vitalsync_queue_delivered_rows_total",
			Help: "Rows confirmed by the sink",
		}),
		enqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "vitalsync_queue_enqueued_rows_total",
			Help: "Rows accepted by Enqueue",
		}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "vitalsync_queue_duplicate_rows_total",
			Help: "Rows rejected by Enqueue as already pending or delivered",
		}),
		failures: f.NewCounter(prometheus.CounterOpts{
			Name: "vitalsync_queue_delivery_failures_total",
			Help: "Chunk deliveries that failed",
		}),
		backoff: f.NewGauge(prometheus.GaugeOpts{
			Name: "vitalsync_queue_backoff_seconds",
			Help: "Current retry delay, 0 when not backing off",
		}),
	}
}

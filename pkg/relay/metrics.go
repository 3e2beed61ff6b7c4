package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects the prometheus instrumentation shared across the
// pipeline's tasks within a leader cycle.
type Metrics struct {
	recordsPublished prometheus.Counter
	recordsDropped   prometheus.Counter
	publishRetries   prometheus.Counter

	queueCount prometheus.GaugeFunc
	queueBytes prometheus.GaugeFunc

	frontierLSN prometheus.GaugeFunc

	leaderHeld prometheus.Gauge

	leaderCycles prometheus.Counter
}

// NewMetrics registers and returns the pipeline's metric set on reg. It is
// safe to call once per process; a fresh leader cycle reuses the same
// Metrics instance rather than re-registering collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		recordsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgkinesisrelay_records_published_total",
			Help: "Total number of change events successfully published to the sink.",
		}),
		recordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgkinesisrelay_records_dropped_total",
			Help: "Total number of change events dropped (non-retriable failure or retry exhaustion).",
		}),
		publishRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgkinesisrelay_publish_retries_total",
			Help: "Total number of batch publish retries, whole-stream or partial.",
		}),
		leaderHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgkinesisrelay_leader_held",
			Help: "1 if this process currently holds the leader advisory lock, else 0.",
		}),
		leaderCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgkinesisrelay_leader_cycles_total",
			Help: "Total number of leader cycles started.",
		}),
	}
	reg.MustRegister(m.recordsPublished, m.recordsDropped, m.publishRetries, m.leaderHeld, m.leaderCycles)
	return m
}

// BindQueue registers gauge-func collectors reading live values off queue.
// Called once per leader cycle since the queue instance is recreated per
// cycle; the GaugeFunc closures keep referencing whichever queue is current.
func (m *Metrics) BindQueue(reg prometheus.Registerer, queue *InflightQueue) func() {
	countGauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pgkinesisrelay_queue_items",
		Help: "Current number of events held in the inflight queue.",
	}, func() float64 { return float64(queue.Count()) })
	bytesGauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pgkinesisrelay_queue_bytes",
		Help: "Current aggregate payload bytes held in the inflight queue.",
	}, func() float64 { return float64(queue.Bytes()) })
	reg.MustRegister(countGauge, bytesGauge)
	return func() { reg.Unregister(countGauge); reg.Unregister(bytesGauge) }
}

// BindAckTracker registers a gauge-func collector reading the live
// frontier LSN off tracker. Returns an unregister func for use at the end
// of a leader cycle.
func (m *Metrics) BindAckTracker(reg prometheus.Registerer, tracker *AckTracker) func() {
	frontierGauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pgkinesisrelay_frontier_lsn",
		Help: "Highest LSN below which every registered event is known published.",
	}, func() float64 { return float64(tracker.FrontierLSN()) })
	reg.MustRegister(frontierGauge)
	return func() { reg.Unregister(frontierGauge) }
}

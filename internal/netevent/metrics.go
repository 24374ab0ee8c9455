package netevent

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the watermark metrics the network event channel exposes:
// depth, high-water mark, received/processed/dropped counters, and a
// send-to-receive latency histogram, grounded on the exponential-bucket
// latency histogram the original network event channel registered under
// Prometheus.
type Metrics struct {
	depth       prometheus.Gauge
	highWater   prometheus.Gauge
	received    prometheus.Counter
	processed   prometheus.Counter
	dropped     prometheus.Counter
	latency     prometheus.Histogram

	highWaterMark int64
}

// NewMetrics registers the channel's metrics with reg (a nil registerer
// uses prometheus.DefaultRegisterer).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	namespace := "calimero"
	subsystem := "network_event_channel"

	m := &Metrics{
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "depth",
			Help: "Current number of buffered network events.",
		}),
		highWater: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "high_watermark",
			Help: "Highest observed queue depth since startup.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "received_total",
			Help: "Total network events enqueued.",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "processed_total",
			Help: "Total network events processed.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "dropped_total",
			Help: "Total network events dropped because the channel was full.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "processing_latency_seconds",
			Help:    "Time from enqueue to processing completion.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2.0, 18),
		}),
	}

	for _, c := range []prometheus.Collector{m.depth, m.highWater, m.received, m.processed, m.dropped, m.latency} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}

	return m
}

// SetCapacity is a no-op: capacity is not exported as a metric, and the
// warning threshold is computed by Channel from its own config.
func (m *Metrics) SetCapacity(int) {}

func (m *Metrics) RecordReceived(depth int) {
	m.received.Inc()
	m.depth.Set(float64(depth))
	for {
		cur := atomic.LoadInt64(&m.highWaterMark)
		if int64(depth) <= cur {
			break
		}
		if atomic.CompareAndSwapInt64(&m.highWaterMark, cur, int64(depth)) {
			m.highWater.Set(float64(depth))
			break
		}
	}
}

func (m *Metrics) RecordProcessed(latency time.Duration) {
	m.processed.Inc()
	m.latency.Observe(latency.Seconds())
}

func (m *Metrics) RecordDropped() {
	m.dropped.Inc()
}

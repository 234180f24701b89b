// Package metrics wraps a prometheus.Registerer into the daemon's single
// metrics capability (design note: a capability passed into constructors,
// mirroring the *logrus.Logger that logging.New builds). It implements accumulator.Metrics directly
// and exposes a handful of gauges cmd/auomsd polls periodically for state
// that isn't naturally an event-driven counter (queue depth per band,
// per-output in-flight ack-window size).
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"auoms.dev/auomsd/accumulator"
)

const namespace = "auomsd"

// Sink is the daemon's Prometheus-backed metrics sink.
type Sink struct {
	bytesTotal         prometheus.Counter
	recordsTotal       prometheus.Counter
	eventsTotal        prometheus.Counter
	droppedEventsTotal prometheus.Counter

	queueDepth       *prometheus.GaugeVec
	outputInFlight   *prometheus.GaugeVec
	aggregatePending *prometheus.GaugeVec
	aggregateReady   prometheus.Gauge
}

// New constructs a Sink and registers its collectors with reg. reg may be
// a *prometheus.Registry built by cmd/auomsd, or prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Sink {
	s := &Sink{
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "accumulator_bytes_total",
			Help: "Total bytes of raw audit record lines accepted.",
		}),
		recordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "accumulator_records_total",
			Help: "Total raw audit records folded into the accumulator.",
		}),
		eventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "accumulator_events_total",
			Help: "Total assembled events emitted by the accumulator.",
		}),
		droppedEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "accumulator_dropped_events_total",
			Help: "Total events that failed to commit (size-exceeded or queue-full).",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_band_depth",
			Help: "Number of items currently stored in a priority band.",
		}, []string{"band"}),
		outputInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "output_inflight_acks",
			Help: "Number of events sent but not yet acked, per output.",
		}, []string{"output"}),
		aggregatePending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "aggregate_open_pending",
			Help: "Number of open (not-yet-ready) aggregates.",
		}, []string{"rule"}),
		aggregateReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "aggregate_ready_queue_depth",
			Help: "Number of completed aggregates awaiting emission.",
		}),
	}
	reg.MustRegister(
		s.bytesTotal, s.recordsTotal, s.eventsTotal, s.droppedEventsTotal,
		s.queueDepth, s.outputInFlight, s.aggregatePending, s.aggregateReady,
	)
	return s
}

// AddBytes, AddRecords, AddEvents, and AddDroppedEvents implement
// accumulator.Metrics.
func (s *Sink) AddBytes(n int)         { s.bytesTotal.Add(float64(n)) }
func (s *Sink) AddRecords(n int)       { s.recordsTotal.Add(float64(n)) }
func (s *Sink) AddEvents(n int)        { s.eventsTotal.Add(float64(n)) }
func (s *Sink) AddDroppedEvents(n int) { s.droppedEventsTotal.Add(float64(n)) }

// SetQueueDepth records the current number of items stored in one
// priority band, for cmd/auomsd's periodic poll of queue.Queue.BandDepth.
func (s *Sink) SetQueueDepth(band int, depth int) {
	s.queueDepth.WithLabelValues(strconv.Itoa(band)).Set(float64(depth))
}

// SetOutputInFlight records one output's current ack-window occupancy.
func (s *Sink) SetOutputInFlight(output string, n int) {
	s.outputInFlight.WithLabelValues(output).Set(float64(n))
}

// SetAggregatePending records one rule's current open-aggregate count.
func (s *Sink) SetAggregatePending(rule string, n int) {
	s.aggregatePending.WithLabelValues(rule).Set(float64(n))
}

// SetAggregateReady records the aggregator's global ready-queue depth.
func (s *Sink) SetAggregateReady(n int) {
	s.aggregateReady.Set(float64(n))
}

var _ accumulator.Metrics = (*Sink)(nil)

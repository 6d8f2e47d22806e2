package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements repository.Metrics using Prometheus.
type Recorder struct {
	settled     *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	routed      *prometheus.CounterVec
	excluded    *prometheus.CounterVec
	stops       *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	bufferDepth *prometheus.GaugeVec
}

// New creates a recorder registered on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		settled: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratsplit_trades_settled_total",
				Help: "Settled trades recorded per variant",
			},
			[]string{"experiment", "variant"},
		),
		rejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratsplit_observations_rejected_total",
				Help: "Malformed or unroutable observations dropped",
			},
			[]string{"experiment", "reason"},
		),
		routed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratsplit_trades_routed_total",
				Help: "Trades assigned to a variant",
			},
			[]string{"experiment", "variant"},
		),
		excluded: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratsplit_trades_excluded_total",
				Help: "Trades that matched no routing rule",
			},
			[]string{"experiment"},
		),
		stops: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratsplit_experiment_stops_total",
				Help: "Terminal stop decisions by kind",
			},
			[]string{"experiment", "kind"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stratsplit_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"operation"},
		),
		bufferDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stratsplit_buffer_depth",
				Help: "Items waiting in internal buffers",
			},
			[]string{"buffer"},
		),
	}
}

func (r *Recorder) RecordSettled(experiment, variant string) {
	r.settled.WithLabelValues(experiment, variant).Inc()
}

func (r *Recorder) RecordRejected(experiment, reason string) {
	r.rejected.WithLabelValues(experiment, reason).Inc()
}

func (r *Recorder) RecordRouted(experiment, variant string) {
	r.routed.WithLabelValues(experiment, variant).Inc()
}

func (r *Recorder) RecordExcluded(experiment string) {
	r.excluded.WithLabelValues(experiment).Inc()
}

func (r *Recorder) RecordStop(experiment, kind string) {
	r.stops.WithLabelValues(experiment, kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

func (r *Recorder) RecordBufferDepth(name string, n int) {
	r.bufferDepth.WithLabelValues(name).Set(float64(n))
}

// Nop discards every metric. Useful in tests and when metrics are disabled.
type Nop struct{}

func (Nop) RecordSettled(string, string)  {}
func (Nop) RecordRejected(string, string) {}
func (Nop) RecordRouted(string, string)   {}
func (Nop) RecordExcluded(string)         {}
func (Nop) RecordStop(string, string)     {}
func (Nop) RecordLatency(string, float64) {}
func (Nop) RecordBufferDepth(string, int) {}

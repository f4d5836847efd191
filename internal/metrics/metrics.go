// Package metrics records retrieval outcomes as Prometheus metrics and
// writes them in node-exporter textfile format.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chaz8081/glucose-racp/internal/glucose"
)

// Recorder owns a private registry so each run writes only its own series.
type Recorder struct {
	registry *prometheus.Registry

	retrievals        *prometheus.CounterVec
	duration          prometheus.Histogram
	measurements      prometheus.Gauge
	decodeErrors      prometheus.Counter
	lastConcentration *prometheus.GaugeVec
	lastSequence      prometheus.Gauge
	lastSuccess       prometheus.Gauge
}

// NewRecorder creates a Recorder with all collectors registered.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry:   prometheus.NewRegistry(),
		retrievals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glucose_retrievals_total",
			Help: "Record retrievals by terminal state",
		}, []string{"state"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "glucose_retrieval_duration_seconds",
			Help:    "Duration of record retrievals in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		measurements: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "glucose_measurements_retrieved",
			Help: "Measurements received by the last retrieval",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glucose_decode_errors_total",
			Help: "Notifications that could not be decoded",
		}),
		lastConcentration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "glucose_last_concentration",
			Help: "Concentration of the newest retrieved measurement",
		}, []string{"unit"}),
		lastSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "glucose_last_sequence_number",
			Help: "Sequence number of the newest retrieved measurement",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "glucose_last_success_timestamp_seconds",
			Help: "Unix time of the last Completed or NoRecords retrieval",
		}),
	}
	r.registry.MustRegister(
		r.retrievals,
		r.duration,
		r.measurements,
		r.decodeErrors,
		r.lastConcentration,
		r.lastSequence,
		r.lastSuccess,
	)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Observe records one outcome. finished is the Unix time the retrieval
// ended.
func (r *Recorder) Observe(out *glucose.Outcome, finished float64) {
	r.retrievals.WithLabelValues(out.State.String()).Inc()
	r.duration.Observe(out.Elapsed.Seconds())
	r.measurements.Set(float64(len(out.Measurements)))
	r.decodeErrors.Add(float64(out.DecodeErrors))

	if out.State == glucose.StateCompleted || out.State == glucose.StateNoRecords {
		r.lastSuccess.Set(finished)
	}

	// Newest by sequence number, not by arrival.
	var (
		found bool
		seq   uint16
	)
	for _, m := range out.Measurements {
		if m.Concentration == nil || !m.Concentration.Value.IsNumber() {
			continue
		}
		if found && m.SequenceNumber <= seq {
			continue
		}
		found, seq = true, m.SequenceNumber
		r.lastConcentration.Reset()
		r.lastConcentration.WithLabelValues(m.Concentration.Unit.String()).Set(m.Concentration.Value.Float64())
	}
	if found {
		r.lastSequence.Set(float64(seq))
	}
}

// WriteTextfile writes all metrics to path for the node-exporter textfile
// collector.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("metrics: write textfile: %w", err)
	}
	return nil
}

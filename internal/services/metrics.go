package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application. It satisfies
// the generation executor's MetricsSink and the evaluation engine's TrialMetrics.
type Metrics struct {
	// Generation metrics
	GenerationsInFlight prometheus.Gauge
	GenerationsTotal    *prometheus.CounterVec
	GenerationLatency   prometheus.Histogram

	// Chain metrics
	ChainSweeps          prometheus.Counter
	ChainSweepGeneration prometheus.Histogram

	// Trial metrics
	TrialsTotal   *prometheus.CounterVec
	TrialLatency  *prometheus.HistogramVec

	// WebSocket metrics
	WebSocketConnections prometheus.Gauge
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics() *Metrics {
	metrics := &Metrics{
		// Generations currently running (gauge - can go up and down)
		GenerationsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "blockweave_generations_in_flight",
			Help: "Number of block generations currently running",
		}),

		// Finished generations by outcome (counter - only goes up)
		GenerationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "blockweave_generations_total",
			Help: "Total number of finished block generations by outcome",
		}, []string{"outcome"}), // completed, failed, cancelled

		// Generation latency histogram
		GenerationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "blockweave_generation_duration_seconds",
			Help:    "Block generation latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120}, // up to 2 minutes for LLM responses
		}),

		ChainSweeps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "blockweave_chain_sweeps_total",
			Help: "Total number of completed auto-trigger chain sweeps",
		}),

		ChainSweepGeneration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "blockweave_chain_sweep_generations",
			Help:    "Number of generations fired per chain sweep",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),

		TrialsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "blockweave_trials_total",
			Help: "Total number of finished evaluation trials by form type and status",
		}, []string{"form_type", "status"}),

		TrialLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blockweave_trial_duration_seconds",
			Help:    "Evaluation trial latency in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"form_type"}),

		WebSocketConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "blockweave_websocket_connections_active",
			Help: "Number of active WebSocket stream connections",
		}),
	}

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

// GenerationStarted records the start of a block generation.
func (m *Metrics) GenerationStarted() {
	m.GenerationsInFlight.Inc()
}

// GenerationFinished records a finished generation with its outcome and duration.
func (m *Metrics) GenerationFinished(outcome string, seconds float64) {
	m.GenerationsInFlight.Dec()
	m.GenerationsTotal.WithLabelValues(outcome).Inc()
	m.GenerationLatency.Observe(seconds)
}

// ChainSweepCompleted records one finished chain sweep.
func (m *Metrics) ChainSweepCompleted(generations int) {
	m.ChainSweeps.Inc()
	m.ChainSweepGeneration.Observe(float64(generations))
}

// TrialFinished records a finished evaluation trial.
func (m *Metrics) TrialFinished(formType, status string, seconds float64) {
	m.TrialsTotal.WithLabelValues(formType, status).Inc()
	m.TrialLatency.WithLabelValues(formType).Observe(seconds)
}

// RecordWebSocketConnect records a new WebSocket connection
func (m *Metrics) RecordWebSocketConnect() {
	m.WebSocketConnections.Inc()
}

// RecordWebSocketDisconnect records a WebSocket disconnection
func (m *Metrics) RecordWebSocketDisconnect() {
	m.WebSocketConnections.Dec()
}

// Package metrics exposes Prometheus counters for the decision service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thesyncim/abr/pkg/abr"
)

// Metrics holds Prometheus counters and gauges for the decision service.
// It implements abr.Observer so selectors can report decisions directly.
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    prometheus.Counter
	errorsTotal      prometheus.Counter
	activeSessions   prometheus.Gauge
	sessionsTotal    *prometheus.CounterVec
	evaluationsTotal *prometheus.CounterVec
	switchesTotal    *prometheus.CounterVec
	discardsTotal    *prometheus.CounterVec
	discardedChunks  *prometheus.CounterVec
	phaseChanges     *prometheus.CounterVec
	transfersTotal   prometheus.Counter
	transferredBytes prometheus.Counter
	simulationsTotal *prometheus.CounterVec
}

var _ abr.Observer = (*Metrics)(nil)

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abr_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abr_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "abr_active_sessions",
			Help: "Number of open playback sessions",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_sessions_total",
			Help: "Total number of sessions created",
		}, []string{"strategy"}),
		evaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_evaluations_total",
			Help: "Total number of format evaluations",
		}, []string{"strategy"}),
		switchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_switches_total",
			Help: "Total number of format switches",
		}, []string{"strategy", "direction"}),
		discardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_discards_total",
			Help: "Total number of queue truncation requests",
		}, []string{"strategy"}),
		discardedChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_discard_queue_size_total",
			Help: "Sum of requested queue sizes across truncation requests",
		}, []string{"strategy"}),
		phaseChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_phase_changes_total",
			Help: "Total number of buffer-based phase transitions, by new phase",
		}, []string{"phase"}),
		transfersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abr_transfers_total",
			Help: "Total number of reported transfers",
		}),
		transferredBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abr_transferred_bytes_total",
			Help: "Total bytes reported by transfers",
		}),
		simulationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_simulations_total",
			Help: "Total number of completed simulations",
		}, []string{"strategy"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.activeSessions,
		m.sessionsTotal,
		m.evaluationsTotal,
		m.switchesTotal,
		m.discardsTotal,
		m.discardedChunks,
		m.phaseChanges,
		m.transfersTotal,
		m.transferredBytes,
		m.simulationsTotal,
	)

	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// IncSessions counts a created session.
func (m *Metrics) IncSessions(strategy abr.Strategy) {
	m.sessionsTotal.WithLabelValues(strategy.String()).Inc()
}

// IncEvaluations counts an evaluation.
func (m *Metrics) IncEvaluations(strategy abr.Strategy) {
	m.evaluationsTotal.WithLabelValues(strategy.String()).Inc()
}

// AddTransfer counts a reported transfer.
func (m *Metrics) AddTransfer(bytes int64) {
	m.transfersTotal.Inc()
	if bytes > 0 {
		m.transferredBytes.Add(float64(bytes))
	}
}

// IncSimulations counts a completed simulation.
func (m *Metrics) IncSimulations(strategy abr.Strategy) {
	m.simulationsTotal.WithLabelValues(strategy.String()).Inc()
}

// OnSwitch implements abr.Observer.
func (m *Metrics) OnSwitch(strategy abr.Strategy, from, to *abr.Format) {
	direction := "initial"
	switch {
	case from == nil:
	case to == nil:
		direction = "none"
	case to.Bitrate > from.Bitrate:
		direction = "up"
	default:
		direction = "down"
	}
	m.switchesTotal.WithLabelValues(strategy.String(), direction).Inc()
}

// OnDiscard implements abr.Observer.
func (m *Metrics) OnDiscard(strategy abr.Strategy, queueSize int) {
	m.discardsTotal.WithLabelValues(strategy.String()).Inc()
	m.discardedChunks.WithLabelValues(strategy.String()).Add(float64(queueSize))
}

// OnPhaseChange implements abr.Observer.
func (m *Metrics) OnPhaseChange(phase abr.Phase) {
	m.phaseChanges.WithLabelValues(phase.String()).Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}

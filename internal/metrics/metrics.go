// Package metrics exposes the agent's status-update pipeline counters and
// gauges over Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder wraps the Prometheus collectors the manager and its streams
// update as they process updates and acknowledgements.
type Recorder struct {
	updatesReceived     *prometheus.CounterVec
	updatesAcknowledged *prometheus.CounterVec
	pendingUpdates      *prometheus.GaugeVec
	retransmits         *prometheus.CounterVec
	streamErrors        *prometheus.CounterVec
}

// NewRecorder registers the sum_* collectors against registry. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across test runs.
func NewRecorder(registry prometheus.Registerer) *Recorder {
	factory := promauto.With(registry)
	return &Recorder{
		updatesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sum_updates_received_total",
			Help: "Total status updates durably received by a stream.",
		}, []string{"framework"}),
		updatesAcknowledged: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sum_updates_acknowledged_total",
			Help: "Total status updates acknowledged by the framework.",
		}, []string{"framework"}),
		pendingUpdates: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sum_pending_updates",
			Help: "Current count of updates awaiting acknowledgement, per framework.",
		}, []string{"framework"}),
		retransmits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sum_retransmits_total",
			Help: "Total retransmission attempts sent to the master.",
		}, []string{"framework"}),
		streamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sum_stream_errors_total",
			Help: "Total streams that entered a terminal error state while appending an update; failures while opening or replaying a log, or while appending an acknowledgement, are not counted.",
		}, []string{"framework"}),
	}
}

// ObserveReceived records a newly received update for framework.
func (r *Recorder) ObserveReceived(framework string) {
	if r == nil {
		return
	}
	r.updatesReceived.WithLabelValues(framework).Inc()
}

// ObserveAcknowledged records an acknowledged update for framework.
func (r *Recorder) ObserveAcknowledged(framework string) {
	if r == nil {
		return
	}
	r.updatesAcknowledged.WithLabelValues(framework).Inc()
}

// SetPending sets the current pending-update backlog for framework.
func (r *Recorder) SetPending(framework string, n int) {
	if r == nil {
		return
	}
	r.pendingUpdates.WithLabelValues(framework).Set(float64(n))
}

// ObserveRetransmit records a retransmission attempt for framework.
func (r *Recorder) ObserveRetransmit(framework string) {
	if r == nil {
		return
	}
	r.retransmits.WithLabelValues(framework).Inc()
}

// ObserveStreamError records a stream entering a terminal error state.
func (r *Recorder) ObserveStreamError(framework string) {
	if r == nil {
		return
	}
	r.streamErrors.WithLabelValues(framework).Inc()
}

// Handler returns the HTTP handler serving the registry's metrics in the
// Prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Package metrics holds the Prometheus instruments shared by the agent and the relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "browser_relay"

var (
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Commands dispatched, by type and outcome.",
	}, []string{"type", "outcome"})
	commandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "command_duration_seconds",
		Help:      "Time spent executing a command.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
	}, []string{"type"})
	transportConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "transport_connected",
		Help:      "1 while the transport is connected to the controller.",
	}, []string{"mode"})
	reconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_reconnects_total",
		Help:      "Connection attempts after a disconnect.",
	}, []string{"mode"})
	transportErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_errors_total",
		Help:      "Transport failures, by mode and operation.",
	}, []string{"mode", "op"})
	malformedFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_frames_total",
		Help:      "Inbound frames dropped because they could not be decoded.",
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "engine_queue_depth",
		Help:      "Commands waiting for the engine worker.",
	})
	relayPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "relay_pending_commands",
		Help:      "Commands queued at the relay and not yet delivered to an agent.",
	})
	relayResultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_results_total",
		Help:      "Results received by the relay.",
	})
)

// ObserveCommand records one dispatched command.
func ObserveCommand(commandType string, success bool, elapsed time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	commandsTotal.WithLabelValues(commandType, outcome).Inc()
	commandDuration.WithLabelValues(commandType).Observe(elapsed.Seconds())
}

// SetConnected records the transport connection state.
func SetConnected(mode string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	transportConnected.WithLabelValues(mode).Set(v)
}

// IncReconnect counts a reconnect attempt.
func IncReconnect(mode string) {
	reconnectsTotal.WithLabelValues(mode).Inc()
}

// IncTransportError counts a transport failure during op (dial, read, send, poll...).
func IncTransportError(mode, op string) {
	transportErrorsTotal.WithLabelValues(mode, op).Inc()
}

// IncMalformedFrame counts a dropped inbound frame.
func IncMalformedFrame() {
	malformedFramesTotal.Inc()
}

// SetQueueDepth records the engine backlog.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetRelayPending records the relay backlog.
func SetRelayPending(n int) {
	relayPending.Set(float64(n))
}

// IncRelayResult counts a result received by the relay.
func IncRelayResult() {
	relayResultsTotal.Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

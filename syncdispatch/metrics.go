/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package syncdispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-syncdispatch/queue"
)

const (
	metricsLabelProvider = "provider"
	metricsLabelOutcome  = "outcome"
	metricsLabelState    = "state"
)

// State label values for the queue depth gauge.
const (
	metricsStateReady   = "ready"
	metricsStateDelayed = "delayed"
	metricsStateClaimed = "claimed"
	metricsStateDead    = "dead"
)

// Outcome label values for the dispatch outcomes counter.
const (
	metricsOutcomeSucceeded      = "succeeded"
	metricsOutcomeRetryScheduled = "retry_scheduled"
	metricsOutcomeDeadLettered   = "dead_lettered"
	metricsOutcomeDenied         = "rate_limit_denied"
)

// MetricsCollector represents collector of metrics for the sync dispatch engine.
type MetricsCollector struct {
	DispatchOutcomes *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	InFlight         prometheus.Gauge
	QueueDepth       *prometheus.GaugeVec
}

// NewMetricsCollector creates a new instance of MetricsCollector.
func NewMetricsCollector(namespace string) *MetricsCollector {
	dispatchOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_outcomes_total",
		Help:      "Number of dispatch iterations per provider and outcome.",
	}, []string{metricsLabelProvider, metricsLabelOutcome})

	dispatchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Duration of provider calls.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{metricsLabelProvider})

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatch_in_flight_operations",
		Help:      "Number of operations currently being sent to providers.",
	})

	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Number of operations in the queue per state.",
	}, []string{metricsLabelState})

	return &MetricsCollector{
		DispatchOutcomes: dispatchOutcomes,
		DispatchDuration: dispatchDuration,
		InFlight:         inFlight,
		QueueDepth:       queueDepth,
	}
}

// ObserveOutcome records the outcome of one dispatch iteration.
func (mc *MetricsCollector) ObserveOutcome(providerID, outcome string) {
	mc.DispatchOutcomes.With(prometheus.Labels{
		metricsLabelProvider: providerID,
		metricsLabelOutcome:  outcome,
	}).Inc()
}

// ObserveCallDuration records the duration of one provider call.
func (mc *MetricsCollector) ObserveCallDuration(providerID string, elapsed time.Duration) {
	mc.DispatchDuration.With(prometheus.Labels{metricsLabelProvider: providerID}).Observe(elapsed.Seconds())
}

// ObserveQueueDepths publishes the queue depth per state.
func (mc *MetricsCollector) ObserveQueueDepths(l queue.Lengths) {
	mc.QueueDepth.With(prometheus.Labels{metricsLabelState: metricsStateReady}).Set(float64(l.Ready))
	mc.QueueDepth.With(prometheus.Labels{metricsLabelState: metricsStateDelayed}).Set(float64(l.Delayed))
	mc.QueueDepth.With(prometheus.Labels{metricsLabelState: metricsStateClaimed}).Set(float64(l.Claimed))
	mc.QueueDepth.With(prometheus.Labels{metricsLabelState: metricsStateDead}).Set(float64(l.Dead))
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (mc *MetricsCollector) MustRegister() {
	prometheus.MustRegister(
		mc.DispatchOutcomes,
		mc.DispatchDuration,
		mc.InFlight,
		mc.QueueDepth,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (mc *MetricsCollector) Unregister() {
	prometheus.Unregister(mc.DispatchOutcomes)
	prometheus.Unregister(mc.DispatchDuration)
	prometheus.Unregister(mc.InFlight)
	prometheus.Unregister(mc.QueueDepth)
}

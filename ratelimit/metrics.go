/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsLabelProvider = "provider"
	metricsLabelGranted  = "granted"
)

const (
	metricsValYes = "yes"
	metricsValNo  = "no"
)

// MetricsCollector represents collector of metrics for per-provider admission control.
type MetricsCollector struct {
	AdmissionChecks *prometheus.CounterVec
	BucketTokens    *prometheus.GaugeVec
}

// NewMetricsCollector creates a new instance of MetricsCollector.
func NewMetricsCollector(namespace string) *MetricsCollector {
	admissionChecks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_admission_checks_total",
		Help:      "Number of admission checks per provider and result.",
	}, []string{metricsLabelProvider, metricsLabelGranted})

	bucketTokens := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rate_limit_bucket_tokens",
		Help:      "Token level of the provider's bucket observed at the last admission check.",
	}, []string{metricsLabelProvider})

	return &MetricsCollector{
		AdmissionChecks: admissionChecks,
		BucketTokens:    bucketTokens,
	}
}

// ObserveAdmission records the outcome of one admission check.
func (mc *MetricsCollector) ObserveAdmission(providerID string, granted bool, tokens float64) {
	grantedVal := metricsValNo
	if granted {
		grantedVal = metricsValYes
	}
	mc.AdmissionChecks.With(prometheus.Labels{
		metricsLabelProvider: providerID,
		metricsLabelGranted:  grantedVal,
	}).Inc()
	mc.BucketTokens.With(prometheus.Labels{metricsLabelProvider: providerID}).Set(tokens)
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (mc *MetricsCollector) MustRegister() {
	prometheus.MustRegister(
		mc.AdmissionChecks,
		mc.BucketTokens,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (mc *MetricsCollector) Unregister() {
	prometheus.Unregister(mc.AdmissionChecks)
	prometheus.Unregister(mc.BucketTokens)
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BillingMetrics records counters for the metering and reconciliation paths.
type BillingMetrics struct {
	dispatchAttempts *prometheus.CounterVec
	billingOutcomes  *prometheus.CounterVec
	overdrafts       prometheus.Counter
	quotaTimeouts    prometheus.Counter
	reconcileEvents  *prometheus.CounterVec
	gatewayLatency   *prometheus.HistogramVec
}

// NewBillingMetrics registers the billing metrics on the provided registerer.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		return &BillingMetrics{}
	}
	dispatchAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_attempts_total",
		Help: "Credential attempts made by the dispatch loop.",
	}, []string{"provider", "outcome"})
	billingOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_outcomes_total",
		Help: "Billed requests by resolution path.",
	}, []string{"path"})
	overdrafts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "billing_overdrafts_total",
		Help: "Debits that drove a balance negative.",
	})
	quotaTimeouts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "free_quota_timeouts_total",
		Help: "Free-quota checks that timed out and failed open.",
	})
	reconcileEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_events_total",
		Help: "Webhook events by reconciliation result.",
	}, []string{"result"})
	gatewayLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_call_seconds",
		Help:    "Latency of outbound payment gateway calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	reg.MustRegister(dispatchAttempts, billingOutcomes, overdrafts, quotaTimeouts, reconcileEvents, gatewayLatency)
	return &BillingMetrics{
		dispatchAttempts: dispatchAttempts,
		billingOutcomes:  billingOutcomes,
		overdrafts:       overdrafts,
		quotaTimeouts:    quotaTimeouts,
		reconcileEvents:  reconcileEvents,
		gatewayLatency:   gatewayLatency,
	}
}

// IncDispatchAttempt counts one credential attempt.
func (m *BillingMetrics) IncDispatchAttempt(provider, outcome string) {
	if m == nil || m.dispatchAttempts == nil {
		return
	}
	m.dispatchAttempts.WithLabelValues(normalizeLabel(provider), normalizeLabel(outcome)).Inc()
}

// IncBillingOutcome counts one billed request by path (charged, free_quota, overdraft).
func (m *BillingMetrics) IncBillingOutcome(path string) {
	if m == nil || m.billingOutcomes == nil {
		return
	}
	m.billingOutcomes.WithLabelValues(normalizeLabel(path)).Inc()
}

// IncOverdraft counts one negative-balance debit.
func (m *BillingMetrics) IncOverdraft() {
	if m == nil || m.overdrafts == nil {
		return
	}
	m.overdrafts.Inc()
}

// IncQuotaTimeout counts one fail-open free-quota timeout.
func (m *BillingMetrics) IncQuotaTimeout() {
	if m == nil || m.quotaTimeouts == nil {
		return
	}
	m.quotaTimeouts.Inc()
}

// IncReconcileEvent counts one webhook event by result.
func (m *BillingMetrics) IncReconcileEvent(result string) {
	if m == nil || m.reconcileEvents == nil {
		return
	}
	m.reconcileEvents.WithLabelValues(normalizeLabel(result)).Inc()
}

// ObserveGatewayLatency records the duration of one gateway call.
func (m *BillingMetrics) ObserveGatewayLatency(operation string, d time.Duration) {
	if m == nil || m.gatewayLatency == nil {
		return
	}
	m.gatewayLatency.WithLabelValues(normalizeLabel(operation)).Observe(d.Seconds())
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics exposes counters/histograms for the scheduling engine,
// its HL7 webhook intake, outbound SMS, RIS client calls, and the
// background monitors that keep sessions moving without patient input.
type SchedulingMetrics struct {
	stateTransitions *prometheus.CounterVec
	webhookTotal     *prometheus.CounterVec
	webhookLatency   *prometheus.HistogramVec
	smsTotal         *prometheus.CounterVec
	risCallTotal     *prometheus.CounterVec
	risCallLatency   *prometheus.HistogramVec
	sweepTotal       *prometheus.CounterVec
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radsched",
			Subsystem: "scheduling",
			Name:      "state_transitions_total",
			Help:      "Total session state transitions",
		}, []string{"from_state", "to_state"}),
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radsched",
			Subsystem: "webhook",
			Name:      "inbound_total",
			Help:      "Total inbound HL7 webhooks received",
		}, []string{"webhook_type", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "radsched",
			Subsystem: "webhook",
			Name:      "latency_seconds",
			Help:      "Latency of HL7 webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"webhook_type"}),
		smsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radsched",
			Subsystem: "sms",
			Name:      "outbound_total",
			Help:      "Total outbound SMS sends",
		}, []string{"status"}),
		risCallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radsched",
			Subsystem: "ris",
			Name:      "call_total",
			Help:      "Total calls made to the RIS integration engine",
		}, []string{"operation", "status"}),
		risCallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "radsched",
			Subsystem: "ris",
			Name:      "call_latency_seconds",
			Help:      "Latency of RIS integration engine calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		sweepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radsched",
			Subsystem: "monitor",
			Name:      "sweep_actions_total",
			Help:      "Total actions taken by background sweepers (retry, fail, expire, purge)",
		}, []string{"sweeper", "action"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.stateTransitions,
		m.webhookTotal,
		m.webhookLatency,
		m.smsTotal,
		m.risCallTotal,
		m.risCallLatency,
		m.sweepTotal,
	)
	return m
}

func (m *SchedulingMetrics) ObserveStateTransition(fromState, toState string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(fromState, toState).Inc()
}

func (m *SchedulingMetrics) ObserveWebhook(webhookType, status string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(webhookType, status).Inc()
}

func (m *SchedulingMetrics) ObserveWebhookLatency(webhookType string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(webhookType).Observe(seconds)
}

func (m *SchedulingMetrics) ObserveSMS(status string) {
	if m == nil {
		return
	}
	m.smsTotal.WithLabelValues(status).Inc()
}

func (m *SchedulingMetrics) ObserveRISCall(operation, status string, seconds float64) {
	if m == nil {
		return
	}
	m.risCallTotal.WithLabelValues(operation, status).Inc()
	m.risCallLatency.WithLabelValues(operation).Observe(seconds)
}

func (m *SchedulingMetrics) ObserveSweepAction(sweeper, action string) {
	if m == nil {
		return
	}
	m.sweepTotal.WithLabelValues(sweeper, action).Inc()
}

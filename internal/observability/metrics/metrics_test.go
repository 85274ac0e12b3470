package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestSchedulingMetricsObserve(t *testing.T) {
	m := NewSchedulingMetrics(nil)
	m.ObserveStateTransition("NEW", "CONSENT_PENDING")
	m.ObserveWebhook("schedule-response", "accepted")
	m.ObserveWebhookLatency("schedule-response", 0.25)
	m.ObserveSMS("sent")
	m.ObserveRISCall("request_slots", "ok", 0.4)
	m.ObserveSweepAction("stuck", "retry")
}

func TestSchedulingMetricsCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSchedulingMetrics(reg)
	m.ObserveSMS("failed")
}

func TestSchedulingMetricsNilSafe(t *testing.T) {
	var m *SchedulingMetrics
	m.ObserveStateTransition("a", "b")
	m.ObserveWebhook("order-intake", "ok")
	m.ObserveWebhookLatency("order-intake", 0.1)
	m.ObserveSMS("sent")
	m.ObserveRISCall("book_appointment", "ok", 0.1)
	m.ObserveSweepAction("expiry", "expired")
}

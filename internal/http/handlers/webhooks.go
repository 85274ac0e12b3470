// Package handlers implements the HTTP entry points that drive the
// scheduling engine: RIS order intake, schedule-response and
// appointment-notification callbacks, and inbound patient SMS.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/quantumlife-health/radsched/internal/ingest"
	observemetrics "github.com/quantumlife-health/radsched/internal/observability/metrics"
	"github.com/quantumlife-health/radsched/internal/phoneid"
	"github.com/quantumlife-health/radsched/internal/scheduling"
	"github.com/quantumlife-health/radsched/pkg/logging"
)

// orderQueue is the narrow surface WebhookHandler needs to durably hand an
// order off for asynchronous acceptance, satisfied by internal/ingest.Queue.
type orderQueue interface {
	Send(ctx context.Context, body string) error
}

// signatureVerifier is the narrow surface WebhookHandler needs from the SMS
// sender to authenticate inbound Telnyx deliveries.
type signatureVerifier interface {
	VerifyWebhookSignature(timestamp, signature string, payload []byte) error
}

// engineAPI is the subset of scheduling.Engine the webhook handlers drive.
type engineAPI interface {
	HandleInboundSMS(ctx context.Context, phoneHash, body string) error
	HandleScheduleResponse(ctx context.Context, mrn string, slots []scheduling.SlotOption, success bool, errorReason string) error
	HandleAppointmentNotification(ctx context.Context, mrn string, appt scheduling.Appointment) error
}

// WebhookHandler serves the RIS and Telnyx webhook endpoints.
type WebhookHandler struct {
	engine   engineAPI
	queue    orderQueue
	telnyx   signatureVerifier
	phone    *phoneid.Codec
	logger   *logging.Logger
	metrics  *observemetrics.SchedulingMetrics
}

// WebhookConfig configures a WebhookHandler.
type WebhookConfig struct {
	Engine  engineAPI
	Queue   orderQueue
	Telnyx  signatureVerifier
	Phone   *phoneid.Codec
	Logger  *logging.Logger
	Metrics *observemetrics.SchedulingMetrics
}

// NewWebhookHandler builds a configured WebhookHandler.
func NewWebhookHandler(cfg WebhookConfig) *WebhookHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &WebhookHandler{
		engine:  cfg.Engine,
		queue:   cfg.Queue,
		telnyx:  cfg.Telnyx,
		phone:   cfg.Phone,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// scheduleResponsePayload is the RIS callback body for a slot request.
type scheduleResponsePayload struct {
	PatientMRN  string                  `json:"patientMrn"`
	Success     bool                    `json:"success"`
	ErrorReason string                  `json:"errorReason,omitempty"`
	Slots       []scheduling.SlotOption `json:"slots,omitempty"`
}

// appointmentNotificationPayload is the RIS callback body confirming a booking.
type appointmentNotificationPayload struct {
	PatientMRN  string                  `json:"patientMrn"`
	Appointment scheduling.Appointment  `json:"appointment"`
}

// HandleOrderIntake accepts a new imaging order from RIS and enqueues it for
// asynchronous acceptance, so the webhook caller never waits on a DB round
// trip or an outbound SMS send.
func (h *WebhookHandler) HandleOrderIntake(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		h.metrics.ObserveWebhookLatency("order_intake", time.Since(start).Seconds())
	}()

	var order scheduling.Order
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		h.metrics.ObserveWebhook("order_intake", "bad_request")
		http.Error(w, "invalid order payload", http.StatusBadRequest)
		return
	}
	if order.OrderID == "" || order.PatientPhone == "" {
		h.metrics.ObserveWebhook("order_intake", "bad_request")
		http.Error(w, "orderId and patientPhone are required", http.StatusBadRequest)
		return
	}

	body, err := ingest.EncodeOrderJob(order)
	if err != nil {
		h.metrics.ObserveWebhook("order_intake", "error")
		http.Error(w, "encode order", http.StatusInternalServerError)
		return
	}
	if err := h.queue.Send(r.Context(), body); err != nil {
		h.logger.Error("failed to enqueue order intake", "error", err, "order_id", order.OrderID)
		h.metrics.ObserveWebhook("order_intake", "error")
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	h.metrics.ObserveWebhook("order_intake", "accepted")
	w.WriteHeader(http.StatusAccepted)
}

// HandleScheduleResponse processes the RIS's reply to an outstanding slot
// request. Unlike order intake, the session is already mid-flow, so this
// runs synchronously rather than going through the ingest queue.
func (h *WebhookHandler) HandleScheduleResponse(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		h.metrics.ObserveWebhookLatency("schedule_response", time.Since(start).Seconds())
	}()

	var payload scheduleResponsePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.metrics.ObserveWebhook("schedule_response", "bad_request")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if payload.PatientMRN == "" {
		h.metrics.ObserveWebhook("schedule_response", "bad_request")
		http.Error(w, "patientMrn is required", http.StatusBadRequest)
		return
	}
	err := h.engine.HandleScheduleResponse(r.Context(), payload.PatientMRN, payload.Slots, payload.Success, payload.ErrorReason)
	if err != nil {
		h.logger.Error("schedule response handling failed", "error", err, "mrn", payload.PatientMRN)
		h.metrics.ObserveWebhook("schedule_response", "error")
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}
	h.metrics.ObserveWebhook("schedule_response", "ok")
	w.WriteHeader(http.StatusOK)
}

// HandleAppointmentNotification processes the RIS's confirmation that a
// booking succeeded, triggering the patient confirmation SMS.
func (h *WebhookHandler) HandleAppointmentNotification(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		h.metrics.ObserveWebhookLatency("appointment_notification", time.Since(start).Seconds())
	}()

	var payload appointmentNotificationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.metrics.ObserveWebhook("appointment_notification", "bad_request")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if payload.PatientMRN == "" {
		h.metrics.ObserveWebhook("appointment_notification", "bad_request")
		http.Error(w, "patientMrn is required", http.StatusBadRequest)
		return
	}
	err := h.engine.HandleAppointmentNotification(r.Context(), payload.PatientMRN, payload.Appointment)
	if err != nil {
		h.logger.Error("appointment notification handling failed", "error", err, "mrn", payload.PatientMRN)
		h.metrics.ObserveWebhook("appointment_notification", "error")
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}
	h.metrics.ObserveWebhook("appointment_notification", "ok")
	w.WriteHeader(http.StatusOK)
}

// telnyxInboundPayload is the subset of a Telnyx message.received webhook
// this handler needs.
type telnyxInboundPayload struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			Text string `json:"text"`
			From struct {
				PhoneNumber string `json:"phone_number"`
			} `json:"from"`
		} `json:"payload"`
	} `json:"data"`
}

// HandleInboundSMS processes inbound patient SMS replies delivered as
// Telnyx webhooks: verify signature, normalize and hash the sender's
// number, and hand the message body to the engine's state machine.
func (h *WebhookHandler) HandleInboundSMS(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		h.metrics.ObserveWebhookLatency("inbound_sms", time.Since(start).Seconds())
	}()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.metrics.ObserveWebhook("inbound_sms", "bad_request")
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.telnyx.VerifyWebhookSignature(r.Header.Get("Telnyx-Timestamp"), r.Header.Get("Telnyx-Signature"), body); err != nil {
		h.logger.Warn("invalid telnyx webhook signature", "error", err)
		h.metrics.ObserveWebhook("inbound_sms", "unauthorized")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload telnyxInboundPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.metrics.ObserveWebhook("inbound_sms", "bad_request")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if payload.Data.EventType != "message.received" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	from := phoneid.NormalizeE164(payload.Data.Payload.From.PhoneNumber)
	if from == "" {
		h.metrics.ObserveWebhook("inbound_sms", "bad_request")
		http.Error(w, "missing sender phone number", http.StatusBadRequest)
		return
	}
	phoneHash := h.phone.Hash(from)

	if err := h.engine.HandleInboundSMS(r.Context(), phoneHash, payload.Data.Payload.Text); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Error("inbound sms handling failed", "error", err)
		h.metrics.ObserveWebhook("inbound_sms", "error")
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}
	h.metrics.ObserveWebhook("inbound_sms", "ok")
	w.WriteHeader(http.StatusOK)
}

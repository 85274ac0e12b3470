package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/quantumlife-health/radsched/internal/phoneid"
	"github.com/quantumlife-health/radsched/internal/scheduling"
)

type fakeQueue struct {
	sent []string
	err  error
}

func (q *fakeQueue) Send(ctx context.Context, body string) error {
	if q.err != nil {
		return q.err
	}
	q.sent = append(q.sent, body)
	return nil
}

type fakeVerifier struct {
	err error
}

func (v *fakeVerifier) VerifyWebhookSignature(timestamp, signature string, payload []byte) error {
	return v.err
}

type fakeEngine struct {
	inboundPhoneHash string
	inboundBody      string
	scheduleMRN      string
	apptMRN          string
	err              error
}

func (e *fakeEngine) HandleInboundSMS(ctx context.Context, phoneHash, body string) error {
	e.inboundPhoneHash = phoneHash
	e.inboundBody = body
	return e.err
}

func (e *fakeEngine) HandleScheduleResponse(ctx context.Context, mrn string, slots []scheduling.SlotOption, success bool, errorReason string) error {
	e.scheduleMRN = mrn
	return e.err
}

func (e *fakeEngine) HandleAppointmentNotification(ctx context.Context, mrn string, appt scheduling.Appointment) error {
	e.apptMRN = mrn
	return e.err
}

func testCodec(t *testing.T) *phoneid.Codec {
	t.Helper()
	codec, err := phoneid.NewCodec([]byte("0123456789abcdef0123456789abcdef"), []byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return codec
}

func TestHandleOrderIntake_Accepted(t *testing.T) {
	q := &fakeQueue{}
	h := NewWebhookHandler(WebhookConfig{Engine: &fakeEngine{}, Queue: q, Telnyx: &fakeVerifier{}, Phone: testCodec(t)})

	order := scheduling.Order{OrderID: "ord-1", PatientPhone: "+15551234567", Modality: "CT"}
	body, _ := json.Marshal(order)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/ris/orders", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	h.HandleOrderIntake(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(q.sent) != 1 {
		t.Fatalf("expected one enqueued message, got %d", len(q.sent))
	}
}

func TestHandleOrderIntake_MissingFieldsRejected(t *testing.T) {
	h := NewWebhookHandler(WebhookConfig{Engine: &fakeEngine{}, Queue: &fakeQueue{}, Telnyx: &fakeVerifier{}, Phone: testCodec(t)})

	body, _ := json.Marshal(scheduling.Order{})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/ris/orders", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	h.HandleOrderIntake(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestHandleScheduleResponse_OK(t *testing.T) {
	engine := &fakeEngine{}
	h := NewWebhookHandler(WebhookConfig{Engine: engine, Queue: &fakeQueue{}, Telnyx: &fakeVerifier{}, Phone: testCodec(t)})

	payload := scheduleResponsePayload{PatientMRN: "MRN1", Success: true}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/ris/schedule-response", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	h.HandleScheduleResponse(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if engine.scheduleMRN != "MRN1" {
		t.Fatalf("expected engine to receive MRN1, got %q", engine.scheduleMRN)
	}
}

func TestHandleAppointmentNotification_OK(t *testing.T) {
	engine := &fakeEngine{}
	h := NewWebhookHandler(WebhookConfig{Engine: engine, Queue: &fakeQueue{}, Telnyx: &fakeVerifier{}, Phone: testCodec(t)})

	payload := appointmentNotificationPayload{PatientMRN: "MRN2", Appointment: scheduling.Appointment{AppointmentID: "appt-1"}}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/ris/appointment-notification", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	h.HandleAppointmentNotification(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if engine.apptMRN != "MRN2" {
		t.Fatalf("expected engine to receive MRN2, got %q", engine.apptMRN)
	}
}

func telnyxInboundBody(text string) []byte {
	payload := map[string]any{
		"data": map[string]any{
			"event_type": "message.received",
			"payload": map[string]any{
				"text": text,
				"from": map[string]string{"phone_number": "+15551234567"},
			},
		},
	}
	body, _ := json.Marshal(payload)
	return body
}

func TestHandleInboundSMS_VerifiesSignatureAndDispatches(t *testing.T) {
	engine := &fakeEngine{}
	h := NewWebhookHandler(WebhookConfig{Engine: engine, Queue: &fakeQueue{}, Telnyx: &fakeVerifier{}, Phone: testCodec(t)})

	body := telnyxInboundBody("YES")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/telnyx/messages", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	h.HandleInboundSMS(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if engine.inboundBody != "YES" {
		t.Fatalf("expected engine to receive body YES, got %q", engine.inboundBody)
	}
	if engine.inboundPhoneHash == "" {
		t.Fatal("expected a non-empty phone hash passed to the engine")
	}
}

func TestHandleInboundSMS_RejectsInvalidSignature(t *testing.T) {
	engine := &fakeEngine{}
	h := NewWebhookHandler(WebhookConfig{Engine: engine, Queue: &fakeQueue{}, Telnyx: &fakeVerifier{err: context.DeadlineExceeded}, Phone: testCodec(t)})

	body := telnyxInboundBody("YES")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/telnyx/messages", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	h.HandleInboundSMS(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if engine.inboundBody != "" {
		t.Fatal("expected engine not to be invoked on signature failure")
	}
}

func TestHandleInboundSMS_IgnoresNonMessageEvents(t *testing.T) {
	engine := &fakeEngine{}
	h := NewWebhookHandler(WebhookConfig{Engine: engine, Queue: &fakeQueue{}, Telnyx: &fakeVerifier{}, Phone: testCodec(t)})

	payload := map[string]any{"data": map[string]any{"event_type": "message.delivery_status"}}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/telnyx/messages", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	h.HandleInboundSMS(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if engine.inboundBody != "" {
		t.Fatal("expected engine not to be invoked for a non-message event")
	}
}

func signedTelnyxRequest(t *testing.T, secret string, body []byte) (timestamp, signature string) {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + string(body)))
	return ts, hex.EncodeToString(mac.Sum(nil))
}

package smsgateway

import (
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
)

func TestTelnyxSender_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"id":   "msg-1",
				"from": map[string]string{"phone_number": "+15550000000"},
			},
		})
	}))
	defer server.Close()

	sender, err := NewTelnyxSender(TelnyxConfig{BaseURL: server.URL, APIKey: "key"})
	if err != nil {
		t.Fatalf("NewTelnyxSender: %v", err)
	}
	result, err := sender.Send(context.Background(), "+15551234567", "hello", Options{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.Failed() {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.SID != "msg-1" {
		t.Errorf("expected sid msg-1, got %s", result.SID)
	}
}

func TestTelnyxSender_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	sender, err := NewTelnyxSender(TelnyxConfig{BaseURL: server.URL, APIKey: "key"})
	if err != nil {
		t.Fatalf("NewTelnyxSender: %v", err)
	}
	result, err := sender.Send(context.Background(), "+15551234567", "hello", Options{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !result.Failed() || result.ErrorCode != ErrorRateLimit {
		t.Fatalf("expected RATE_LIMIT failure, got %+v", result)
	}
}

func TestFixtureSender_RecordsMessages(t *testing.T) {
	sender := NewFixtureSender()
	_, err := sender.Send(context.Background(), "+15551234567", "hi", Options{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs := sender.Messages()
	if len(msgs) != 1 || msgs[0].To != "+15551234567" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestFixtureSender_FailNext(t *testing.T) {
	sender := NewFixtureSender()
	sender.FailNext = true
	sender.FailCode = ErrorInvalidNumber
	result, err := sender.Send(context.Background(), "+1555", "hi", Options{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !result.Failed() || result.ErrorCode != ErrorInvalidNumber {
		t.Fatalf("expected INVALID_NUMBER failure, got %+v", result)
	}

	result, err = sender.Send(context.Background(), "+1555", "hi again", Options{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.Failed() {
		t.Fatalf("expected FailNext to be consumed, got %+v", result)
	}
}

func signPayload(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + string(payload)))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestTelnyxSender_VerifyWebhookSignature_Valid(t *testing.T) {
	sender, err := NewTelnyxSender(TelnyxConfig{APIKey: "key", WebhookSecret: "whsec"})
	if err != nil {
		t.Fatalf("NewTelnyxSender: %v", err)
	}
	payload := []byte(`{"event_type":"message.received"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := signPayload("whsec", ts, payload)

	if err := sender.VerifyWebhookSignature(ts, sig, payload); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestTelnyxSender_VerifyWebhookSignature_Mismatch(t *testing.T) {
	sender, err := NewTelnyxSender(TelnyxConfig{APIKey: "key", WebhookSecret: "whsec"})
	if err != nil {
		t.Fatalf("NewTelnyxSender: %v", err)
	}
	payload := []byte(`{"event_type":"message.received"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	if err := sender.VerifyWebhookSignature(ts, "deadbeef", payload); err == nil {
		t.Fatal("expected signature mismatch error")
	}
}

func TestTelnyxSender_VerifyWebhookSignature_StaleTimestamp(t *testing.T) {
	sender, err := NewTelnyxSender(TelnyxConfig{APIKey: "key", WebhookSecret: "whsec", MaxSkew: time.Minute})
	if err != nil {
		t.Fatalf("NewTelnyxSender: %v", err)
	}
	payload := []byte(`{"event_type":"message.received"}`)
	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	sig := signPayload("whsec", ts, payload)

	if err := sender.VerifyWebhookSignature(ts, sig, payload); err == nil {
		t.Fatal("expected stale timestamp to be rejected")
	}
}

func TestTelnyxSender_VerifyWebhookSignature_NoSecretConfigured(t *testing.T) {
	sender, err := NewTelnyxSender(TelnyxConfig{APIKey: "key"})
	if err != nil {
		t.Fatalf("NewTelnyxSender: %v", err)
	}
	if err := sender.VerifyWebhookSignature("123", "abc", []byte("{}")); err == nil {
		t.Fatal("expected error when webhook secret is not configured")
	}
}

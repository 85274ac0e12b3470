package smsgateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultTelnyxBaseURL = "https://api.telnyx.com/v2"

// TelnyxConfig configures a Telnyx-backed Sender.
type TelnyxConfig struct {
	BaseURL            string
	APIKey             string
	MessagingProfileID string
	FromNumber         string
	WebhookSecret      string
	MaxSkew            time.Duration
	Timeout            time.Duration
	HTTPClient         *http.Client
	Logger             *slog.Logger
}

// TelnyxSender sends SMS through the Telnyx messages API, grounded on the
// teacher's telnyxclient.Client shape.
type TelnyxSender struct {
	baseURL            string
	apiKey             string
	messagingProfileID string
	fromNumber         string
	webhookSecret      string
	maxSkew            time.Duration
	httpClient         *http.Client
	logger             *slog.Logger
}

// NewTelnyxSender builds a configured TelnyxSender.
func NewTelnyxSender(cfg TelnyxConfig) (*TelnyxSender, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("smsgateway: telnyx API key required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultTelnyxBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxSkew := cfg.MaxSkew
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &TelnyxSender{
		baseURL:            baseURL,
		apiKey:             cfg.APIKey,
		messagingProfileID: cfg.MessagingProfileID,
		fromNumber:         cfg.FromNumber,
		webhookSecret:      cfg.WebhookSecret,
		maxSkew:            maxSkew,
		httpClient:         httpClient,
		logger:             logger,
	}, nil
}

// VerifyWebhookSignature validates an inbound Telnyx webhook's HMAC-SHA256
// signature and rejects stale deliveries outside the configured skew.
func (t *TelnyxSender) VerifyWebhookSignature(timestamp, signature string, payload []byte) error {
	if t.webhookSecret == "" {
		return errors.New("smsgateway: telnyx webhook secret not configured")
	}
	ts := strings.TrimSpace(timestamp)
	if ts == "" {
		return errors.New("smsgateway: missing signature timestamp")
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("smsgateway: invalid signature timestamp: %w", err)
	}
	if diff := time.Since(time.Unix(sec, 0)); diff > t.maxSkew || diff < -t.maxSkew {
		return fmt.Errorf("smsgateway: signature timestamp skew %s exceeds limit", diff)
	}
	mac := hmac.New(sha256.New, []byte(t.webhookSecret))
	mac.Write([]byte(ts + "." + string(payload)))
	expected := hex.EncodeToString(mac.Sum(nil))
	actual := strings.ToLower(strings.TrimSpace(signature))
	if actual == "" {
		return errors.New("smsgateway: missing signature header")
	}
	if !hmac.Equal([]byte(expected), []byte(actual)) {
		return errors.New("smsgateway: signature mismatch")
	}
	return nil
}

var _ Sender = (*TelnyxSender)(nil)

type telnyxSendRequest struct {
	From               string `json:"from,omitempty"`
	To                 string `json:"to"`
	Text               string `json:"text"`
	MessagingProfileID string `json:"messaging_profile_id,omitempty"`
}

type telnyxParty struct {
	PhoneNumber string `json:"phone_number"`
}

type telnyxSendResponse struct {
	Data struct {
		ID   string        `json:"id"`
		To   []telnyxParty `json:"to"`
		From telnyxParty   `json:"from"`
	} `json:"data"`
}

// Send delivers one SMS via Telnyx.
func (t *TelnyxSender) Send(ctx context.Context, toE164, body string, opts Options) (Result, error) {
	from := opts.From
	if from == "" {
		from = t.fromNumber
	}
	payload, err := json.Marshal(telnyxSendRequest{
		From:               from,
		To:                 toE164,
		Text:               body,
		MessagingProfileID: t.messagingProfileID,
	})
	if err != nil {
		return Result{Status: "failed", ErrorCode: ErrorConfig, ErrorMessage: err.Error()}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return Result{Status: "failed", ErrorCode: ErrorConfig, ErrorMessage: err.Error()}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Warn("smsgateway: telnyx send failed", "error", err, "to", toE164)
		return Result{Status: "failed", ErrorCode: ErrorUnreachable, ErrorMessage: err.Error()}, nil
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		return Result{Status: "failed", ErrorCode: ErrorRateLimit, ErrorMessage: string(data)}, nil
	}
	if resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest {
		return Result{Status: "failed", ErrorCode: ErrorInvalidNumber, ErrorMessage: string(data)}, nil
	}
	if resp.StatusCode >= 400 {
		return Result{Status: "failed", ErrorCode: ErrorUnknown, ErrorMessage: fmt.Sprintf("telnyx status %d: %s", resp.StatusCode, string(data))}, nil
	}

	var parsed telnyxSendResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Result{Status: "failed", ErrorCode: ErrorUnknown, ErrorMessage: err.Error()}, nil
	}
	return Result{
		SID:        parsed.Data.ID,
		Status:     "sent",
		Provider:   "telnyx",
		FromNumber: parsed.Data.From.PhoneNumber,
	}, nil
}

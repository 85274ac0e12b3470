// Package ris is the HTTP client for the radiology information system
// integration engine. Synchronous calls (health checks, cancellations,
// order lookups) return their result directly; request_slots and
// book_appointment are fire-and-forget, grounded on the spec's contract
// that their real answer arrives later via an inbound webhook — the client
// only needs to hand back the correlation id the RIS assigned.
package ris

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/quantumlife-health/radsched/internal/ris")

const (
	defaultTimeout    = 5 * time.Second
	defaultMaxRetries = 3
	defaultBaseDelay  = 2 * time.Second
	defaultMaxDelay   = 8 * time.Second
)

// Config controls how the Client behaves.
type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Client wraps the integration-engine REST surface.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("ris: base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     logger,
	}, nil
}

// Location is one schedulable site as reported by the RIS.
type Location struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	City    string `json:"city"`
	State   string `json:"state"`
	Phone   string `json:"phone"`
}

// GetLocations returns the locations the RIS offers for a modality.
func (c *Client) GetLocations(ctx context.Context, modality string) ([]Location, error) {
	ctx, span := tracer.Start(ctx, "ris.GetLocations", trace.WithAttributes(attribute.String("modality", modality)))
	defer span.End()

	var out struct {
		Locations []Location `json:"locations"`
	}
	err := c.doWithRetry(ctx, http.MethodGet, fmt.Sprintf("/locations?modality=%s", modality), nil, &out)
	return out.Locations, err
}

// SlotRequest asks the RIS to begin a slot search. The RIS replies later via
// the schedule-response webhook; this call only returns the correlation id
// it assigned.
type SlotRequest struct {
	LocationID  string   `json:"location_id"`
	Modality    string   `json:"modality"`
	StartDate   string   `json:"start_date"`
	EndDate     string   `json:"end_date"`
	PatientData any      `json:"patient_data"`
	OrderIDs    []string `json:"order_ids"`
}

// SlotRequestAck is the RIS's immediate response to a slot request.
type SlotRequestAck struct {
	CorrelationID string `json:"correlation_id"`
}

// RequestSlots fires a slot request and returns the RIS's correlation id
// without waiting for the actual slots; those arrive via webhook.
func (c *Client) RequestSlots(ctx context.Context, req SlotRequest) (*SlotRequestAck, error) {
	ctx, span := tracer.Start(ctx, "ris.RequestSlots", trace.WithAttributes(
		attribute.String("location_id", req.LocationID),
		attribute.String("modality", req.Modality),
	))
	defer span.End()

	var ack SlotRequestAck
	err := c.doWithRetry(ctx, http.MethodPost, "/slots/request", req, &ack)
	return &ack, err
}

// BookRequest is the payload sent to book an appointment. Final confirmation
// arrives via the appointment-notification webhook.
type BookRequest struct {
	OrderIDs        []string `json:"order_ids"`
	PatientMRN      string   `json:"patient_mrn"`
	PatientPhone    string   `json:"patient_phone"`
	Modality        string   `json:"modality"`
	LocationID      string   `json:"location_id"`
	SlotID          string   `json:"slot_id"`
	AppointmentTime string   `json:"appointment_time"`
}

// BookAck is the RIS's immediate response to a booking request.
type BookAck struct {
	CorrelationID string `json:"correlation_id"`
}

// BookAppointment fires a booking request without waiting for confirmation.
func (c *Client) BookAppointment(ctx context.Context, req BookRequest) (*BookAck, error) {
	ctx, span := tracer.Start(ctx, "ris.BookAppointment", trace.WithAttributes(
		attribute.String("location_id", req.LocationID),
		attribute.String("slot_id", req.SlotID),
	))
	defer span.End()

	var ack BookAck
	err := c.doWithRetry(ctx, http.MethodPost, "/appointments/book", req, &ack)
	return &ack, err
}

// CancelAppointment synchronously cancels a previously booked appointment.
func (c *Client) CancelAppointment(ctx context.Context, appointmentID, reason string) error {
	ctx, span := tracer.Start(ctx, "ris.CancelAppointment", trace.WithAttributes(
		attribute.String("appointment_id", appointmentID),
	))
	defer span.End()

	body := struct {
		Reason string `json:"reason"`
	}{Reason: reason}
	return c.doWithRetry(ctx, http.MethodPost, fmt.Sprintf("/appointments/%s/cancel", appointmentID), body, nil)
}

// OrderDetails is the RIS's canonical view of an order.
type OrderDetails struct {
	OrderID          string `json:"order_id"`
	Modality         string `json:"modality"`
	OrderDescription string `json:"order_description"`
	PatientMRN       string `json:"patient_mrn"`
}

// GetOrderDetails retrieves the RIS's record for an order.
func (c *Client) GetOrderDetails(ctx context.Context, orderID string) (*OrderDetails, error) {
	ctx, span := tracer.Start(ctx, "ris.GetOrderDetails", trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	var out OrderDetails
	err := c.doWithRetry(ctx, http.MethodGet, fmt.Sprintf("/orders/%s", orderID), nil, &out)
	return &out, err
}

// HealthCheck reports whether the RIS integration engine is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "ris.HealthCheck")
	defer span.End()
	return c.doWithRetry(ctx, http.MethodGet, "/health", nil, nil)
}

// doWithRetry performs one HTTP round trip with up to maxRetries attempts,
// exponential backoff starting at baseDelay, each attempt bounded by the
// client's configured per-request timeout.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body any, out any) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.baseDelay
	policy.MaxInterval = c.maxDelay
	policy.MaxElapsedTime = 0
	retrier := backoff.WithMaxRetries(policy, uint64(c.maxRetries-1))

	var lastErr error
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		reqCtx, cancel := context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()

		err := c.do(reqCtx, method, path, body, out)
		if err != nil {
			lastErr = err
			c.logger.Warn("ris: request attempt failed", "method", method, "path", path, "attempt", attempt, "error", err)
			return err
		}
		return nil
	}, retrier)
	if err != nil {
		return fmt.Errorf("ris: %s %s failed after %d attempts: %w", method, path, attempt, lastErr)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ris: marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("ris: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ris: do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ris: read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("ris: server error %d: %s", resp.StatusCode, string(data))
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(fmt.Errorf("ris: client error %d: %s", resp.StatusCode, string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("ris: decode response: %w", err)
	}
	return nil
}

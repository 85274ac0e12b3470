package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlife-health/radsched/internal/audit"
	"github.com/quantumlife-health/radsched/internal/consent"
	"github.com/quantumlife-health/radsched/internal/duration"
	"github.com/quantumlife-health/radsched/internal/equipment"
	"github.com/quantumlife-health/radsched/internal/messaging/compliance"
	"github.com/quantumlife-health/radsched/internal/ris"
	"github.com/quantumlife-health/radsched/internal/safety"
	"github.com/quantumlife-health/radsched/internal/smsgateway"
)

// SessionStore is the persistence surface the engine needs. *Store
// satisfies it; tests may substitute an in-memory fake.
type SessionStore interface {
	Insert(ctx context.Context, sess *Session) error
	GetByID(ctx context.Context, id string) (*Session, error)
	GetActiveByPhoneHash(ctx context.Context, phoneHash string) (*Session, error)
	FindByMRN(ctx context.Context, mrn string) (*Session, error)
	FindStuck(ctx context.Context, timeout time.Duration) ([]Session, error)
	FindExpirable(ctx context.Context, now time.Time) ([]Session, error)
	Mutate(ctx context.Context, id string, fn MutateFunc) (*Session, error)
	ForceState(ctx context.Context, id string, target State) (*Session, error)
}

// ConsentChecker is the subset of consent.Store the engine depends on.
type ConsentChecker interface {
	HasConsent(ctx context.Context, phoneHash string) (bool, error)
	Record(ctx context.Context, phoneHash string, method consent.Method) error
	Revoke(ctx context.Context, phoneHash string, reason string) error
}

// AuditLogger is the subset of audit.Store the engine depends on.
type AuditLogger interface {
	Append(ctx context.Context, e audit.Entry) error
}

// EquipmentSource resolves candidate locations for a modality.
type EquipmentSource interface {
	CandidatesForModality(ctx context.Context, modality equipment.Modality) ([]equipment.CandidateLocation, error)
}

// PhoneCodec is the subset of phoneid.Codec the engine depends on.
type PhoneCodec interface {
	Hash(phone string) string
	Encrypt(phone string) (string, error)
	Decrypt(encoded string) (string, error)
}

// Config holds the engine's tunable defaults, all overridable.
type Config struct {
	SessionTTL     time.Duration
	SlotWindowDays int
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		SessionTTL:     24 * time.Hour,
		SlotWindowDays: 14,
	}
}

// Engine is the conversation state machine: it dispatches inbound events
// (order intake, SMS replies, webhook callbacks, monitor ticks) against the
// persisted session, grounded on the teacher's orchestrator.go +
// worker_sms.go dispatch-by-state style.
type Engine struct {
	store     SessionStore
	consent   ConsentChecker
	auditLog  AuditLogger
	equipment EquipmentSource
	risClient ris.Caller
	sender    smsgateway.Sender
	phone     PhoneCodec
	logger    *slog.Logger
	cfg       Config
	keywords  *compliance.Detector
}

// NewEngine wires an Engine from its collaborators.
func NewEngine(store SessionStore, consentStore ConsentChecker, auditLog AuditLogger, equip EquipmentSource, risClient ris.Caller, sender smsgateway.Sender, phone PhoneCodec, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		consent:   consentStore,
		auditLog:  auditLog,
		equipment: equip,
		risClient: risClient,
		sender:    sender,
		phone:     phone,
		logger:    logger,
		cfg:       cfg,
		keywords:  compliance.NewDetector(),
	}
}

func (e *Engine) logAudit(ctx context.Context, entry audit.Entry) {
	if err := e.auditLog.Append(ctx, entry); err != nil {
		e.logger.Error("scheduling: audit append failed", "error", err, "message_type", entry.MessageType)
	}
}

func (e *Engine) send(ctx context.Context, sess *Session, body string, msgType audit.MessageType) {
	plaintext, err := e.phone.Decrypt(sess.EncryptedPhone)
	if err != nil {
		e.logger.Error("scheduling: phone decrypt failed", "session_id", sess.ID, "error", err)
		return
	}
	result, err := e.sender.Send(ctx, plaintext, body, smsgateway.Options{OrganizationID: sess.OrganizationID})
	success := err == nil && !result.Failed()
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	} else if result.Failed() {
		errMsg = result.ErrorCode + ": " + result.ErrorMessage
	}
	e.logAudit(ctx, audit.Entry{
		PhoneHash:    sess.PhoneHash,
		MessageType:  msgType,
		Direction:    audit.Outbound,
		SessionID:    sess.ID,
		TransportSID: result.SID,
		Success:      success,
		ErrorMessage: errMsg,
	})
}

// Start begins or extends a conversation for an inbound order, per the
// order-intake and multi-order-coalescing rules.
func (e *Engine) Start(ctx context.Context, order Order) error {
	phoneHash := e.phone.Hash(order.PatientPhone)

	existing, err := e.store.GetActiveByPhoneHash(ctx, phoneHash)
	if err != nil {
		return fmt.Errorf("scheduling: start: lookup active session: %w", err)
	}
	if existing != nil {
		return e.coalesce(ctx, existing, order)
	}
	return e.startNewSession(ctx, order, phoneHash)
}

func (e *Engine) startNewSession(ctx context.Context, order Order, phoneHash string) error {
	encryptedPhone, err := e.phone.Encrypt(order.PatientPhone)
	if err != nil {
		return fmt.Errorf("scheduling: start: encrypt phone: %w", err)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:             uuid.NewString(),
		PhoneHash:      phoneHash,
		EncryptedPhone: encryptedPhone,
		State:          StateConsentPending,
		OrderData:      OrderData{Primary: order},
		ExpiresAt:      now.Add(e.cfg.SessionTTL),
		OrganizationID: order.OrganizationID,
	}

	consented, err := e.consent.HasConsent(ctx, phoneHash)
	if err != nil {
		return fmt.Errorf("scheduling: start: check consent: %w", err)
	}
	if consented {
		sess.State = StateChoosingLocation
	}

	if err := e.store.Insert(ctx, sess); err != nil {
		return fmt.Errorf("scheduling: start: insert session: %w", err)
	}

	if sess.State == StateChoosingLocation {
		return e.runLocationPrompt(ctx, sess)
	}
	e.send(ctx, sess, consentRequestMessage(1), audit.OutboundConsent)
	return nil
}

// coalesce appends order to an existing active session's pending orders,
// per §4.10.
func (e *Engine) coalesce(ctx context.Context, existing *Session, order Order) error {
	switch existing.State {
	case StateConsentPending, StateChoosingLocation, StateChoosingTime:
	default:
		return nil
	}

	var orderCount int
	updated, err := e.store.Mutate(ctx, existing.ID, func(sess *Session) error {
		sess.OrderData.PendingOrders = append(sess.OrderData.PendingOrders, order)
		orderCount = 1 + len(sess.OrderData.PendingOrders)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scheduling: coalesce: %w", err)
	}

	if updated.State == StateConsentPending {
		e.send(ctx, updated, consentRequestMessage(orderCount), audit.OutboundConsent)
	}
	return nil
}

func consentRequestMessage(orderCount int) string {
	if orderCount == 1 {
		return "You have a new imaging order. Reply YES to schedule by text, or STOP to opt out."
	}
	return fmt.Sprintf("You have %d new imaging orders. Reply YES to schedule them by text, or STOP to opt out.", orderCount)
}

// HandleInboundSMS dispatches an inbound SMS for phoneHash. A STOP keyword
// (or any carrier-standard synonym: STOPALL, UNSUBSCRIBE, CANCEL, END, QUIT)
// pre-empts state dispatch in any state; HELP is answered directly without
// touching session state.
func (e *Engine) HandleInboundSMS(ctx context.Context, phoneHash string, body string) error {
	sess, err := e.store.GetActiveByPhoneHash(ctx, phoneHash)
	if err != nil {
		return fmt.Errorf("scheduling: inbound sms: lookup session: %w", err)
	}
	if sess == nil {
		e.logAudit(ctx, audit.Entry{PhoneHash: phoneHash, MessageType: audit.InboundUnknown, Direction: audit.Inbound, Success: true})
		return nil
	}

	if e.keywords.IsStop(body) {
		return e.handleStop(ctx, sess)
	}
	if e.keywords.IsHelp(body) {
		return e.handleHelp(ctx, sess)
	}

	switch sess.State {
	case StateConsentPending:
		return e.handleConsentReply(ctx, sess, body)
	case StateChoosingLocation:
		return e.handleLocationReply(ctx, sess, body)
	case StateChoosingTime:
		return e.handleTimeReply(ctx, sess, body)
	default:
		e.logAudit(ctx, audit.Entry{PhoneHash: phoneHash, MessageType: audit.InboundUnknown, Direction: audit.Inbound, SessionID: sess.ID, Success: true})
		return nil
	}
}

func (e *Engine) handleStop(ctx context.Context, sess *Session) error {
	if err := e.consent.Revoke(ctx, sess.PhoneHash, "patient replied STOP"); err != nil {
		e.logger.Error("scheduling: revoke consent failed", "error", err, "session_id", sess.ID)
	}
	updated, err := e.store.Mutate(ctx, sess.ID, func(s *Session) error {
		s.State = StateCancelled
		now := time.Now().UTC()
		s.CompletedAt = &now
		return nil
	})
	if err != nil {
		return fmt.Errorf("scheduling: stop: %w", err)
	}
	e.logAudit(ctx, audit.Entry{PhoneHash: sess.PhoneHash, MessageType: audit.InboundStop, Direction: audit.Inbound, SessionID: sess.ID, Success: true})
	e.logAudit(ctx, audit.Entry{PhoneHash: sess.PhoneHash, MessageType: audit.ConsentRevoked, Direction: audit.Outbound, SessionID: sess.ID, Success: true})
	e.send(ctx, updated, "You've been unsubscribed from imaging scheduling texts and will not receive further messages.", audit.ConsentRevoked)
	return nil
}

// handleHelp answers a HELP reply without disturbing the session's state.
func (e *Engine) handleHelp(ctx context.Context, sess *Session) error {
	e.logAudit(ctx, audit.Entry{PhoneHash: sess.PhoneHash, MessageType: audit.InboundHelp, Direction: audit.Inbound, SessionID: sess.ID, Success: true})
	e.send(ctx, sess, "Imaging Scheduling: reply YES to confirm, STOP to opt out. Help: support@radsched.example, 1-800-555-0100.", audit.OutboundHelp)
	return nil
}

func (e *Engine) handleConsentReply(ctx context.Context, sess *Session, body string) error {
	trimmed := strings.ToUpper(strings.TrimSpace(body))
	switch trimmed {
	case "YES", "Y":
		if err := e.consent.Record(ctx, sess.PhoneHash, consent.MethodSMSReply); err != nil {
			return fmt.Errorf("scheduling: consent reply: record: %w", err)
		}
		updated, err := e.store.Mutate(ctx, sess.ID, func(s *Session) error {
			s.State = StateChoosingLocation
			return nil
		})
		if err != nil {
			return fmt.Errorf("scheduling: consent reply: %w", err)
		}
		e.logAudit(ctx, audit.Entry{PhoneHash: sess.PhoneHash, MessageType: audit.InboundConsentYes, Direction: audit.Inbound, SessionID: sess.ID, ConsentStatus: true, Success: true})
		e.logAudit(ctx, audit.Entry{PhoneHash: sess.PhoneHash, MessageType: audit.ConsentGranted, Direction: audit.Outbound, SessionID: sess.ID, ConsentStatus: true, Success: true})
		return e.runLocationPrompt(ctx, updated)
	case "NO", "N":
		updated, err := e.store.Mutate(ctx, sess.ID, func(s *Session) error {
			s.State = StateCancelled
			now := time.Now().UTC()
			s.CompletedAt = &now
			return nil
		})
		if err != nil {
			return fmt.Errorf("scheduling: consent reply: %w", err)
		}
		e.logAudit(ctx, audit.Entry{PhoneHash: sess.PhoneHash, MessageType: audit.InboundConsentNo, Direction: audit.Inbound, SessionID: sess.ID, Success: true})
		e.send(ctx, updated, "No problem. You will not be scheduled by text for this order.", audit.OutboundError)
		return nil
	default:
		e.logAudit(ctx, audit.Entry{PhoneHash: sess.PhoneHash, MessageType: audit.InboundUnknown, Direction: audit.Inbound, SessionID: sess.ID, Success: true})
		e.send(ctx, sess, "Please reply YES to schedule by text, or STOP to opt out.", audit.OutboundConsent)
		return nil
	}
}

// runLocationPrompt runs the safety evaluator, filters candidate locations,
// and sends the numbered location list (or routes to cancellation /
// coordinator review), per §4.9 "Location prompt".
func (e *Engine) runLocationPrompt(ctx context.Context, sess *Session) error {
	order := sess.OrderData.Primary
	today := time.Now().UTC()
	result := safety.EvaluateAt(toSafetyOrder(order), today)

	if !result.CanProceed {
		block := result.Blocks[0]
		updated, err := e.store.Mutate(ctx, sess.ID, func(s *Session) error {
			s.State = StateCoordinatorReview
			s.OrderData.CoordinatorReview = &CoordinatorReview{
				ReasonCode: block.ReasonCode,
				Message:    block.PatientMessage,
				Details:    block.Details,
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scheduling: location prompt: safety block: %w", err)
		}
		e.send(ctx, updated, block.PatientMessage, audit.OutboundSafetyBlock)
		return nil
	}

	candidates, err := e.equipment.CandidatesForModality(ctx, equipment.Modality(order.Modality))
	if err != nil {
		e.logger.Warn("scheduling: equipment catalog query failed, failing open", "error", err)
	}
	if len(candidates) == 0 && err == nil {
		updated, mErr := e.store.Mutate(ctx, sess.ID, func(s *Session) error {
			s.State = StateCancelled
			now := time.Now().UTC()
			s.CompletedAt = &now
			return nil
		})
		if mErr != nil {
			return fmt.Errorf("scheduling: location prompt: no locations: %w", mErr)
		}
		e.send(ctx, updated, "We're sorry, no imaging locations are currently available for this order. Please call our office to schedule.", audit.OutboundError)
		return nil
	}

	filtered := equipment.FilterLocations(candidates, order.OrderDescription, equipment.Modality(order.Modality))
	if len(filtered) == 0 {
		updated, mErr := e.store.Mutate(ctx, sess.ID, func(s *Session) error {
			s.State = StateCoordinatorReview
			s.OrderData.CoordinatorReview = &CoordinatorReview{
				ReasonCode: "NO_CAPABLE_LOCATIONS",
				Message:    "No nearby location currently supports this exact order. A scheduling coordinator will call you shortly.",
			}
			return nil
		})
		if mErr != nil {
			return fmt.Errorf("scheduling: location prompt: no capable locations: %w", mErr)
		}
		e.send(ctx, updated, updated.OrderData.CoordinatorReview.Message, audit.OutboundSafetyBlock)
		return nil
	}

	if len(filtered) > 5 {
		filtered = filtered[:5]
	}
	options := make([]LocationOption, 0, len(filtered))
	for _, c := range filtered {
		b := duration.Compute(equipment.Modality(order.Modality), int(order.EstimatedDuration), c.Equipment, order.OrderDescription, toDurationAttrs(order))
		options = append(options, LocationOption{
			LocationID:      c.Location.LocationID,
			Name:            c.Location.Name,
			Address:         c.Location.Address,
			EquipmentLabel:  equipmentLabel(c.Equipment),
			DurationMinutes: b.Total,
		})
	}

	updated, err := e.store.Mutate(ctx, sess.ID, func(s *Session) error {
		s.OrderData.AvailableLocations = options
		if result.MinScheduleDate != nil {
			s.OrderData.MinScheduleDate = result.MinScheduleDate
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scheduling: location prompt: store options: %w", err)
	}

	if len(result.Warnings) > 0 {
		var parts []string
		for _, w := range result.Warnings {
			parts = append(parts, w.PatientMessage)
		}
		e.send(ctx, updated, strings.Join(parts, "\n\n"), audit.OutboundSafetyBlock)
	}
	e.send(ctx, updated, renderLocationList(options), audit.OutboundLocationList)
	return nil
}

func equipmentLabel(e equipment.Equipment) string {
	switch e.EquipmentType {
	case equipment.CT:
		return fmt.Sprintf("%d-slice CT", e.CTSliceCount)
	case equipment.MRI:
		label := fmt.Sprintf("%.1fT MRI", e.MRIFieldStrength)
		if e.MRIWideBore {
			label += " (wide-bore)"
		}
		return label
	default:
		return string(e.EquipmentType)
	}
}

func renderLocationList(options []LocationOption) string {
	var b strings.Builder
	b.WriteString("Please reply with the number of your preferred location:\n")
	for i, o := range options {
		fmt.Fprintf(&b, "%d. %s - %s (%s, ~%d min)\n", i+1, o.Name, o.Address, o.EquipmentLabel, o.DurationMinutes)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Engine) handleLocationReply(ctx context.Context, sess *Session, body string) error {
	idx, ok := parseListIndex(body, len(sess.OrderData.AvailableLocations))
	if !ok {
		e.send(ctx, sess, "Sorry, that's not a valid choice. "+renderLocationList(sess.OrderData.AvailableLocations), audit.OutboundLocationList)
		return nil
	}
	chosen := sess.OrderData.AvailableLocations[idx]

	now := time.Now().UTC()
	updated, err := e.store.Mutate(ctx, sess.ID, func(s *Session) error {
		s.SelectedLocationID = chosen.LocationID
		s.State = StateChoosingTime
		s.SlotRequestSentAt = &now
		s.SlotRetryCount = 0
		return nil
	})
	if err != nil {
		return fmt.Errorf("scheduling: location reply: %w", err)
	}
	e.logAudit(ctx, audit.Entry{PhoneHash: sess.PhoneHash, MessageType: audit.InboundLocationSelection, Direction: audit.Inbound, SessionID: sess.ID, Success: true})

	return e.issueSlotRequest(ctx, updated)
}

func (e *Engine) issueSlotRequest(ctx context.Context, sess *Session) error {
	order := sess.OrderData.Primary
	startDate := time.Now().UTC()
	if sess.OrderData.MinScheduleDate != nil && sess.OrderData.MinScheduleDate.After(startDate) {
		startDate = *sess.OrderData.MinScheduleDate
	}
	endDate := startDate.AddDate(0, 0, e.cfg.SlotWindowDays)

	_, err := e.risClient.RequestSlots(ctx, ris.SlotRequest{
		LocationID: sess.SelectedLocationID,
		Modality:   order.Modality,
		StartDate:  startDate.Format("2006-01-02"),
		EndDate:    endDate.Format("2006-01-02"),
		OrderIDs:   sess.OrderData.AllOrderIDs(),
	})
	if err != nil {
		e.logger.Error("scheduling: request slots failed", "error", err, "session_id", sess.ID)
	}
	return nil
}

func parseListIndex(body string, count int) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(body))
	if err != nil || n < 1 || n > count {
		return 0, false
	}
	return n - 1, true
}

// HandleScheduleResponse processes the schedule-response webhook.
func (e *Engine) HandleScheduleResponse(ctx context.Context, mrn string, slots []SlotOption, success bool, errorReason string) error {
	sess, err := e.store.FindByMRN(ctx, mrn)
	if err != nil {
		return fmt.Errorf("scheduling: schedule response: find by mrn: %w", err)
	}
	if sess == nil {
		e.logAudit(ctx, audit.Entry{MessageType: audit.InboundUnknown, Direction: audit.Inbound, Success: true, ErrorMessage: "schedule-response: no session for mrn " + mrn})
		return nil
	}

	if !success || len(slots) == 0 {
		updated, mErr := e.store.Mutate(ctx, sess.ID, func(s *Session) error {
			s.State = StateChoosingLocation
			s.SlotRequestSentAt = nil
			return nil
		})
		if mErr != nil {
			return fmt.Errorf("scheduling: schedule response: revert: %w", mErr)
		}
		e.send(ctx, updated, "No available time slots were found at that location. Let's try another.", audit.OutboundError)
		return e.runLocationPrompt(ctx, updated)
	}

	if len(slots) > 5 {
		slots = slots[:5]
	}
	updated, err := e.store.Mutate(ctx, sess.ID, func(s *Session) error {
		s.OrderData.AvailableSlots = slots
		s.SlotRequestSentAt = nil
		return nil
	})
	if err != nil {
		return fmt.Errorf("scheduling: schedule response: store slots: %w", err)
	}
	e.send(ctx, updated, renderSlotList(slots), audit.OutboundTimeSlots)
	return nil
}

func renderSlotList(slots []SlotOption) string {
	var b strings.Builder
	b.WriteString("Please reply with the number of your preferred time:\n")
	for i, s := range slots {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s.DateTime)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Engine) handleTimeReply(ctx context.Context, sess *Session, body string) error {
	idx, ok := parseListIndex(body, len(sess.OrderData.AvailableSlots))
	if !ok {
		e.send(ctx, sess, "Sorry, that's not a valid choice. "+renderSlotList(sess.OrderData.AvailableSlots), audit.OutboundTimeSlots)
		return nil
	}
	chosen := sess.OrderData.AvailableSlots[idx]
	e.logAudit(ctx, audit.Entry{PhoneHash: sess.PhoneHash, MessageType: audit.InboundTimeSelection, Direction: audit.Inbound, SessionID: sess.ID, Success: true})

	order := sess.OrderData.Primary
	plaintext, err := e.phone.Decrypt(sess.EncryptedPhone)
	if err != nil {
		return e.failSessionOnDecryptError(ctx, sess, err)
	}

	_, bookErr := e.risClient.BookAppointment(ctx, ris.BookRequest{
		OrderIDs:     sess.OrderData.AllOrderIDs(),
		PatientMRN:   order.PatientMRN,
		PatientPhone: plaintext,
		Modality:     order.Modality,
		LocationID:   sess.SelectedLocationID,
		SlotID:       chosen.SlotID,
	})
	if bookErr != nil {
		updated, mErr := e.store.Mutate(ctx, sess.ID, func(s *Session) error {
			s.State = StateCancelled
			now := time.Now().UTC()
			s.CompletedAt = &now
			return nil
		})
		if mErr != nil {
			return fmt.Errorf("scheduling: time reply: book failed and mutate failed: %w", mErr)
		}
		e.send(ctx, updated, "We're sorry, we couldn't complete your booking. Please call our office to schedule.", audit.OutboundError)
		return nil
	}

	slotTime, parseErr := time.Parse(time.RFC3339, chosen.DateTime)
	_, err = e.store.Mutate(ctx, sess.ID, func(s *Session) error {
		if parseErr == nil {
			s.SelectedSlotTime = &slotTime
		}
		return nil
	})
	return err
}

// ProcessStuckSessions implements the stuck-session monitor's per-tick work:
// for every session whose slot request has been outstanding longer than the
// configured timeout, either retry once or fail the session, per §4.12.
func (e *Engine) ProcessStuckSessions(ctx context.Context, timeout time.Duration, maxRetries int) error {
	stuck, err := e.store.FindStuck(ctx, timeout)
	if err != nil {
		return fmt.Errorf("scheduling: process stuck sessions: find stuck: %w", err)
	}
	for _, sess := range stuck {
		if sess.SlotRetryCount < maxRetries {
			if err := e.retryStuckSession(ctx, sess.ID); err != nil {
				e.logger.Error("scheduling: retry stuck session failed", "error", err, "session_id", sess.ID)
			}
			continue
		}
		if err := e.failStuckSession(ctx, sess.ID); err != nil {
			e.logger.Error("scheduling: fail stuck session failed", "error", err, "session_id", sess.ID)
		}
	}
	return nil
}

func (e *Engine) retryStuckSession(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	updated, err := e.store.Mutate(ctx, sessionID, func(s *Session) error {
		s.SlotRetryCount++
		s.SlotRequestSentAt = &now
		return nil
	})
	if err != nil {
		return fmt.Errorf("scheduling: retry stuck session: %w", err)
	}
	return e.issueSlotRequest(ctx, updated)
}

func (e *Engine) failStuckSession(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	updated, err := e.store.Mutate(ctx, sessionID, func(s *Session) error {
		s.SlotRequestFailedAt = &now
		s.State = StateCancelled
		s.CompletedAt = &now
		return nil
	})
	if err != nil {
		return fmt.Errorf("scheduling: fail stuck session: %w", err)
	}
	e.send(ctx, updated, "We're experiencing a technical issue scheduling your appointment. Please call our office to schedule.", audit.OutboundError)
	return nil
}

// ExpireSessions implements the expiry sweeper's per-tick work: every
// non-terminal session with expires_at <= now transitions to EXPIRED, per
// §4.13.
func (e *Engine) ExpireSessions(ctx context.Context) (int, error) {
	expired, err := e.store.FindExpirable(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("scheduling: expire sessions: find expirable: %w", err)
	}
	count := 0
	for _, sess := range expired {
		_, err := e.store.Mutate(ctx, sess.ID, func(s *Session) error {
			s.State = StateExpired
			now := time.Now().UTC()
			s.CompletedAt = &now
			return nil
		})
		if err != nil {
			e.logger.Error("scheduling: expire session failed", "error", err, "session_id", sess.ID)
			continue
		}
		count++
	}
	return count, nil
}

func (e *Engine) failSessionOnDecryptError(ctx context.Context, sess *Session, cause error) error {
	e.logger.Error("scheduling: phone decrypt failed, failing session", "session_id", sess.ID, "error", cause)
	_, err := e.store.Mutate(ctx, sess.ID, func(s *Session) error {
		now := time.Now().UTC()
		s.SlotRequestFailedAt = &now
		s.State = StateCancelled
		s.CompletedAt = &now
		return nil
	})
	return err
}

// HandleAppointmentNotification finalizes a session on the
// appointment-notification webhook.
func (e *Engine) HandleAppointmentNotification(ctx context.Context, mrn string, appt Appointment) error {
	sess, err := e.store.FindByMRN(ctx, mrn)
	if err != nil {
		return fmt.Errorf("scheduling: appointment notification: find by mrn: %w", err)
	}
	if sess == nil {
		e.logAudit(ctx, audit.Entry{MessageType: audit.InboundUnknown, Direction: audit.Inbound, Success: true, ErrorMessage: "appointment-notification: no session for mrn " + mrn})
		return nil
	}

	startTime, parseErr := time.Parse(time.RFC3339, appt.StartTime)
	updated, err := e.store.Mutate(ctx, sess.ID, func(s *Session) error {
		s.State = StateConfirmed
		if parseErr == nil {
			s.SelectedSlotTime = &startTime
		}
		s.OrderData.Appointment = &appt
		now := time.Now().UTC()
		s.CompletedAt = &now
		return nil
	})
	if err != nil {
		return fmt.Errorf("scheduling: appointment notification: %w", err)
	}

	e.send(ctx, updated, renderConfirmation(updated, appt), audit.OutboundConfirmation)
	return nil
}

// maxManualSMSLen bounds admin-initiated manual SMS to 320 characters (more
// than one 160-character GSM-7 segment), per §4.14.
const maxManualSMSLen = 320

// ForceTransition overrides a session's state outside the normal
// conversation flow, for admin recovery of a session stuck or abandoned
// mid-flow. Restricted to the two terminal "give up" states — CANCELLED
// and EXPIRED — admins can close a session out but never force it into
// CONFIRMED, since a confirmed appointment must come from the RIS's own
// appointment-notification callback.
func (e *Engine) ForceTransition(ctx context.Context, sessionID string, target State) (*Session, error) {
	if target != StateCancelled && target != StateExpired {
		return nil, fmt.Errorf("scheduling: force transition: target state must be CANCELLED or EXPIRED, got %q", target)
	}
	sess, err := e.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("scheduling: force transition: %w", err)
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	if sess.State.Terminal() {
		return nil, fmt.Errorf("scheduling: force transition: session %s is already terminal (%s)", sessionID, sess.State)
	}
	updated, err := e.store.ForceState(ctx, sessionID, target)
	if err != nil {
		return nil, fmt.Errorf("scheduling: force transition: %w", err)
	}
	return updated, nil
}

// RetryLocationStep re-runs the location prompt from scratch: it resets the
// session to CHOOSING_LOCATION and resends the numbered location list,
// for an admin to recover a session whose safety evaluation or equipment
// lookup failed transiently.
func (e *Engine) RetryLocationStep(ctx context.Context, sessionID string) error {
	sess, err := e.store.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("scheduling: retry location step: %w", err)
	}
	if sess == nil {
		return ErrNotFound
	}
	if sess.State.Terminal() {
		return fmt.Errorf("scheduling: retry location step: session %s is terminal (%s)", sessionID, sess.State)
	}
	updated, err := e.store.Mutate(ctx, sessionID, func(s *Session) error {
		s.State = StateChoosingLocation
		return nil
	})
	if err != nil {
		return fmt.Errorf("scheduling: retry location step: %w", err)
	}
	return e.runLocationPrompt(ctx, updated)
}

// RetryTimeslotsStep resets the session's slot-request bookkeeping and
// reissues the RIS slot request, for an admin to recover a session stuck
// waiting on a RIS that never answered.
func (e *Engine) RetryTimeslotsStep(ctx context.Context, sessionID string) error {
	sess, err := e.store.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("scheduling: retry timeslots step: %w", err)
	}
	if sess == nil {
		return ErrNotFound
	}
	if sess.State.Terminal() {
		return fmt.Errorf("scheduling: retry timeslots step: session %s is terminal (%s)", sessionID, sess.State)
	}
	now := time.Now().UTC()
	updated, err := e.store.Mutate(ctx, sessionID, func(s *Session) error {
		s.State = StateChoosingTime
		s.SlotRequestSentAt = &now
		s.SlotRetryCount = 0
		s.SlotRequestFailedAt = nil
		return nil
	})
	if err != nil {
		return fmt.Errorf("scheduling: retry timeslots step: %w", err)
	}
	return e.issueSlotRequest(ctx, updated)
}

// SendManualSMS sends an admin-composed message to the session's patient
// outside the normal scripted flow, for coordinator follow-up the
// automated conversation can't express. body is capped at maxManualSMSLen
// characters and the session's state is left untouched.
func (e *Engine) SendManualSMS(ctx context.Context, sessionID, body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("scheduling: send manual sms: body required")
	}
	if len(body) > maxManualSMSLen {
		return fmt.Errorf("scheduling: send manual sms: body exceeds %d characters (got %d)", maxManualSMSLen, len(body))
	}
	sess, err := e.store.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("scheduling: send manual sms: %w", err)
	}
	if sess == nil {
		return ErrNotFound
	}
	e.send(ctx, sess, body, audit.OutboundManual)
	return nil
}

func renderConfirmation(sess *Session, appt Appointment) string {
	orderIDs := sess.OrderData.AllOrderIDs()
	plural := ""
	if len(orderIDs) > 1 {
		plural = fmt.Sprintf(" (%d orders)", len(orderIDs))
	}
	return fmt.Sprintf("Your appointment%s is confirmed at %s on %s. Confirmation code: %s.", plural, appt.LocationName, appt.StartTime, appt.ConfirmationCode)
}

func toSafetyOrder(o Order) safety.Order {
	so := safety.Order{OrderDescription: o.OrderDescription, Modality: o.Modality}
	if o.PatientContext == nil {
		return so
	}
	ctx := &safety.Context{Flags: toSafetyFlags(o.PatientContext.Flags)}
	for _, a := range o.PatientContext.Allergies {
		ctx.Allergies = append(ctx.Allergies, safety.Allergy{Allergen: a.Allergen, Type: a.Type, Severity: safety.Severity(a.Severity), Reaction: a.Reaction})
	}
	for _, l := range o.PatientContext.Labs {
		ctx.Labs = append(ctx.Labs, safety.Lab{Name: l.Name, Code: l.Code, Value: l.Value, Units: l.Units, Date: parseDateOrZero(l.Date)})
	}
	for _, p := range o.PatientContext.PriorImaging {
		ctx.PriorImaging = append(ctx.PriorImaging, safety.PriorImaging{Modality: p.Modality, Date: parseDateOrZero(p.Date), HadContrast: p.HadContrast})
	}
	so.PatientContext = ctx
	return so
}

func toSafetyFlags(f PatientFlags) safety.Flags {
	return safety.Flags{
		Claustrophobic:  f.Claustrophobic,
		Bariatric:       f.Bariatric,
		Pediatric:       f.Pediatric,
		Elderly:         f.Elderly,
		Age:             f.Age,
		MobilityIssues:  f.MobilityIssues,
		Wheelchair:      f.Wheelchair,
		Walker:          f.Walker,
		HearingImpaired: f.HearingImpaired,
		Interpreter:     f.Interpreter,
		NonEnglish:      f.NonEnglish,
	}
}

func toDurationAttrs(o Order) duration.PatientAttributes {
	if o.PatientContext == nil {
		return duration.PatientAttributes{}
	}
	f := o.PatientContext.Flags
	return duration.PatientAttributes{
		Claustrophobic:  f.Claustrophobic,
		MobilityIssues:  f.MobilityIssues,
		Bariatric:       f.Bariatric,
		Pediatric:       f.Pediatric,
		Elderly:         f.Elderly,
		Age:             f.Age,
		HearingImpaired: f.HearingImpaired,
		Interpreter:     f.Interpreter,
		NonEnglish:      f.NonEnglish,
	}
}

func parseDateOrZero(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

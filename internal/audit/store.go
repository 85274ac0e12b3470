// Package audit records an append-only, PHI-free trail of every SMS
// interaction: what was sent or received, to/from whom (by phone_hash
// only), and whether it succeeded.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the vocabulary of audit events the engine emits.
type MessageType string

const (
	OutboundConsent          MessageType = "OUTBOUND_CONSENT"
	InboundConsentYes        MessageType = "INBOUND_CONSENT_YES"
	InboundConsentNo         MessageType = "INBOUND_CONSENT_NO"
	InboundStop              MessageType = "INBOUND_STOP"
	OutboundOrderList        MessageType = "OUTBOUND_ORDER_LIST"
	InboundOrderSelection    MessageType = "INBOUND_ORDER_SELECTION"
	OutboundLocationList     MessageType = "OUTBOUND_LOCATION_LIST"
	InboundLocationSelection MessageType = "INBOUND_LOCATION_SELECTION"
	OutboundTimeSlots        MessageType = "OUTBOUND_TIME_SLOTS"
	InboundTimeSelection     MessageType = "INBOUND_TIME_SELECTION"
	OutboundConfirmation     MessageType = "OUTBOUND_CONFIRMATION"
	OutboundError            MessageType = "OUTBOUND_ERROR"
	OutboundSafetyBlock      MessageType = "OUTBOUND_SAFETY_BLOCK"
	InboundUnknown           MessageType = "INBOUND_UNKNOWN"
	ConsentGranted           MessageType = "CONSENT_GRANTED"
	ConsentRevoked           MessageType = "CONSENT_REVOKED"
	InboundHelp              MessageType = "INBOUND_HELP"
	OutboundHelp             MessageType = "OUTBOUND_HELP"
	OutboundManual           MessageType = "OUTBOUND_MANUAL"
)

// Direction is inbound or outbound relative to the patient.
type Direction string

const (
	Inbound  Direction = "INBOUND"
	Outbound Direction = "OUTBOUND"
)

// Entry is one row of the append-only audit log.
type Entry struct {
	ID            string
	PhoneHash     string
	MessageType   MessageType
	Direction     Direction
	ConsentStatus bool
	SessionID     string
	TransportSID  string
	Success       bool
	ErrorMessage  string
	Timestamp     time.Time
}

// Store persists audit entries. Writes never block the SMS send path: see
// Append's error-swallowing contract at the call site (internal/scheduling).
type Store struct {
	db *sql.DB
}

// NewStore creates an audit Store over a *sql.DB (pgx stdlib driver).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append records one audit entry.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sms_audit_log (
			id, phone_hash, message_type, direction, consent_status,
			session_id, transport_sid, success, error_message, timestamp
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		e.ID, e.PhoneHash, e.MessageType, e.Direction, e.ConsentStatus,
		nullString(e.SessionID), nullString(e.TransportSID), e.Success,
		nullString(e.ErrorMessage), e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Filter scopes Query results by phone hash and/or time window.
type Filter struct {
	PhoneHash string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// Query retrieves audit entries matching filter, most recent first.
func (s *Store) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	query := `
		SELECT id, phone_hash, message_type, direction, consent_status,
		       session_id, transport_sid, success, error_message, timestamp
		FROM sms_audit_log WHERE 1=1
	`
	var args []any
	argIdx := 1
	if filter.PhoneHash != "" {
		query += fmt.Sprintf(" AND phone_hash = $%d", argIdx)
		args = append(args, filter.PhoneHash)
		argIdx++
	}
	if !filter.StartTime.IsZero() {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, filter.StartTime)
		argIdx++
	}
	if !filter.EndTime.IsZero() {
		query += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, filter.EndTime)
		argIdx++
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var sessionID, transportSID, errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.PhoneHash, &e.MessageType, &e.Direction, &e.ConsentStatus,
			&sessionID, &transportSID, &e.Success, &errMsg, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.SessionID = sessionID.String
		e.TransportSID = transportSID.String
		e.ErrorMessage = errMsg.String
		out = append(out, e)
	}
	return out, nil
}

// AggregateCount groups entries by (direction, message_type) over a window.
type AggregateCount struct {
	Direction   Direction
	MessageType MessageType
	Count       int
}

// Aggregate returns counts by (direction, message_type) between start and end.
func (s *Store) Aggregate(ctx context.Context, start, end time.Time) ([]AggregateCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT direction, message_type, COUNT(*)
		FROM sms_audit_log
		WHERE timestamp >= $1 AND timestamp <= $2
		GROUP BY direction, message_type
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("audit: aggregate: %w", err)
	}
	defer rows.Close()

	var out []AggregateCount
	for rows.Next() {
		var a AggregateCount
		if err := rows.Scan(&a.Direction, &a.MessageType, &a.Count); err != nil {
			return nil, fmt.Errorf("audit: aggregate scan: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// PurgeOlderThan deletes entries with timestamp before cutoff, returning the
// count removed. Callers wanting an archive-before-delete flow should read
// the rows via Query first and hand them to archive.Store.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sms_audit_log WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: purge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("audit: purge rows affected: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

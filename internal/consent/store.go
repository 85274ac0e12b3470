// Package consent tracks per-phone SMS opt-in/opt-out state. Records are
// keyed by phone_hash, never by plaintext phone number.
package consent

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Method describes how consent was obtained.
type Method string

const (
	MethodSMSReply     Method = "sms_reply"
	MethodWebForm      Method = "web_form"
	MethodVerbal       Method = "verbal"
	MethodInitialOrder Method = "initial_order"
)

// Record is a patient's consent state.
type Record struct {
	PhoneHash         string
	ConsentGiven      bool
	ConsentTimestamp  time.Time
	ConsentMethod     Method
	RevokedAt         *time.Time
	RevocationReason  string
}

// Consented reports the invariant from the spec: a phone is consented iff
// consent_given is true and it has not been revoked since.
func (r Record) Consented() bool {
	return r.ConsentGiven && r.RevokedAt == nil
}

// Store persists consent records to Postgres.
type Store struct {
	db *sql.DB
}

// NewStore creates a consent Store over a *sql.DB (pgx stdlib driver).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// HasConsent reports whether phoneHash currently has standing consent.
func (s *Store) HasConsent(ctx context.Context, phoneHash string) (bool, error) {
	var consentGiven bool
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT consent_given, revoked_at FROM patient_sms_consents WHERE phone_hash = $1
	`, phoneHash).Scan(&consentGiven, &revokedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consent: has_consent: %w", err)
	}
	return consentGiven && !revokedAt.Valid, nil
}

// Record upserts consent for phoneHash, clearing any prior revocation.
func (s *Store) Record(ctx context.Context, phoneHash string, method Method) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patient_sms_consents (phone_hash, consent_given, consent_timestamp, consent_method, revoked_at, revocation_reason)
		VALUES ($1, true, $2, $3, NULL, NULL)
		ON CONFLICT (phone_hash) DO UPDATE SET
			consent_given = true,
			consent_timestamp = EXCLUDED.consent_timestamp,
			consent_method = EXCLUDED.consent_method,
			revoked_at = NULL,
			revocation_reason = NULL
	`, phoneHash, now, method)
	if err != nil {
		return fmt.Errorf("consent: record: %w", err)
	}
	return nil
}

// Revoke marks phoneHash as opted out. Revocation is sticky until the next
// explicit Record call.
func (s *Store) Revoke(ctx context.Context, phoneHash string, reason string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patient_sms_consents (phone_hash, consent_given, consent_timestamp, consent_method, revoked_at, revocation_reason)
		VALUES ($1, false, $2, '', $2, $3)
		ON CONFLICT (phone_hash) DO UPDATE SET
			consent_given = false,
			revoked_at = EXCLUDED.revoked_at,
			revocation_reason = EXCLUDED.revocation_reason
	`, phoneHash, now, reason)
	if err != nil {
		return fmt.Errorf("consent: revoke: %w", err)
	}
	return nil
}

// Get returns the raw consent record for phoneHash, if any.
func (s *Store) Get(ctx context.Context, phoneHash string) (*Record, error) {
	var r Record
	var revokedAt sql.NullTime
	var reason sql.NullString
	r.PhoneHash = phoneHash
	err := s.db.QueryRowContext(ctx, `
		SELECT consent_given, consent_timestamp, consent_method, revoked_at, revocation_reason
		FROM patient_sms_consents WHERE phone_hash = $1
	`, phoneHash).Scan(&r.ConsentGiven, &r.ConsentTimestamp, &r.ConsentMethod, &revokedAt, &reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consent: get: %w", err)
	}
	if revokedAt.Valid {
		r.RevokedAt = &revokedAt.Time
	}
	r.RevocationReason = reason.String
	return &r, nil
}

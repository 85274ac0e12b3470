package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a session lookup by id finds no row.
var ErrNotFound = errors.New("scheduling: session not found")

// ErrConcurrentUpdate names a concurrent-update conflict. No Store method
// returns it: Mutate serializes writers with a row lock instead.
var ErrConcurrentUpdate = errors.New("scheduling: concurrent update")

// pgxIface is the narrow *pgxpool.Pool surface Store needs, letting tests
// substitute a pgxmock connection for the pool.
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Store persists conversation sessions to Postgres, grounded on the
// teacher's PGJobStore raw-SQL style, extended with per-row SELECT ... FOR
// UPDATE locking inside one transaction per mutation.
type Store struct {
	db pgxIface
}

// NewStore builds a Postgres-backed Store.
func NewStore(db *pgxpool.Pool) *Store {
	if db == nil {
		panic("scheduling: pgx pool required")
	}
	return &Store{db: db}
}

// newStoreFromConn builds a Store over any pgxIface, used by tests to wire
// in a pgxmock connection in place of a live pool.
func newStoreFromConn(db pgxIface) *Store {
	return &Store{db: db}
}

// Insert creates a new session row.
func (s *Store) Insert(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	if sess.ID == "" {
		return errors.New("scheduling: session id required")
	}
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.StartedAt.IsZero() {
		sess.StartedAt = now
	}

	orderJSON, err := json.Marshal(sess.OrderData)
	if err != nil {
		return fmt.Errorf("scheduling: marshal order_data: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO sms_conversations (
			id, phone_hash, encrypted_phone, state, order_data,
			selected_location_id, selected_slot_time, expires_at,
			slot_request_sent_at, slot_retry_count, slot_request_failed_at,
			started_at, completed_at, created_at, updated_at, organization_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		sess.ID, sess.PhoneHash, sess.EncryptedPhone, sess.State, orderJSON,
		nullString(sess.SelectedLocationID), sess.SelectedSlotTime, sess.ExpiresAt,
		sess.SlotRequestSentAt, sess.SlotRetryCount, sess.SlotRequestFailedAt,
		sess.StartedAt, sess.CompletedAt, sess.CreatedAt, sess.UpdatedAt,
		nullString(sess.OrganizationID),
	)
	if err != nil {
		return fmt.Errorf("scheduling: insert session: %w", err)
	}
	return nil
}

// GetByID loads a session by id without locking.
func (s *Store) GetByID(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRow(ctx, sessionSelectColumns+` FROM sms_conversations WHERE id = $1`, id)
	return scanSession(row)
}

// GetActiveByPhoneHash returns the at most one active (non-terminal,
// unexpired) session for a phone hash.
func (s *Store) GetActiveByPhoneHash(ctx context.Context, phoneHash string) (*Session, error) {
	row := s.db.QueryRow(ctx, sessionSelectColumns+`
		FROM sms_conversations
		WHERE phone_hash = $1
		  AND state NOT IN ('CONFIRMED','EXPIRED','CANCELLED')
		  AND expires_at > now()
		ORDER BY created_at DESC
		LIMIT 1
	`, phoneHash)
	sess, err := scanSession(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return sess, err
}

// FindByMRN returns an active session whose order_data references mrn, in
// any of patient_id, patient.mrn, patient_mrn, or the prefix of patient_mrn
// before "^".
func (s *Store) FindByMRN(ctx context.Context, mrn string) (*Session, error) {
	rows, err := s.db.Query(ctx, sessionSelectColumns+`
		FROM sms_conversations
		WHERE state NOT IN ('CONFIRMED','EXPIRED','CANCELLED')
		  AND expires_at > now()
	`)
	if err != nil {
		return nil, fmt.Errorf("scheduling: find_by_mrn query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		if sessionMatchesMRN(*sess, mrn) {
			return sess, nil
		}
	}
	return nil, rows.Err()
}

func sessionMatchesMRN(sess Session, mrn string) bool {
	candidates := []string{sess.OrderData.Primary.PatientMRN}
	for _, p := range sess.OrderData.PendingOrders {
		candidates = append(candidates, p.PatientMRN)
	}
	for _, c := range candidates {
		if c == mrn {
			return true
		}
		if idx := indexCaret(c); idx >= 0 && c[:idx] == mrn {
			return true
		}
	}
	return false
}

func indexCaret(s string) int {
	for i, r := range s {
		if r == '^' {
			return i
		}
	}
	return -1
}

// FindStuck returns sessions in CHOOSING_TIME whose slot request has been
// outstanding longer than timeout, with no recorded failure, and not
// expired.
func (s *Store) FindStuck(ctx context.Context, timeout time.Duration) ([]Session, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	rows, err := s.db.Query(ctx, sessionSelectColumns+`
		FROM sms_conversations
		WHERE state = 'CHOOSING_TIME'
		  AND slot_request_sent_at IS NOT NULL
		  AND slot_request_sent_at < $1
		  AND slot_request_failed_at IS NULL
		  AND expires_at > now()
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("scheduling: find_stuck query: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// FindExpirable returns every non-terminal session whose expires_at has
// already passed as of now, for the expiry sweeper.
func (s *Store) FindExpirable(ctx context.Context, now time.Time) ([]Session, error) {
	rows, err := s.db.Query(ctx, sessionSelectColumns+`
		FROM sms_conversations
		WHERE state NOT IN ('CONFIRMED','EXPIRED','CANCELLED')
		  AND expires_at <= $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("scheduling: find_expirable query: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// ListFilter narrows an admin List query. Zero-value fields are unfiltered.
type ListFilter struct {
	OrganizationID string
	State          State
	PhoneHash      string
	CreatedAfter   time.Time
	CreatedBefore  time.Time
	// StuckAfter, when non-zero, restricts the list to sessions in
	// CHOOSING_TIME whose slot request has been outstanding longer than
	// this duration with no recorded failure — the same definition
	// FindStuck uses for the sweeper.
	StuckAfter time.Duration
	Limit      int
	Offset     int
}

// List returns sessions matching filter, most recently created first, for
// admin listing endpoints.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Session, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := sessionSelectColumns + ` FROM sms_conversations WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.OrganizationID != "" {
		query += ` AND organization_id = ` + arg(filter.OrganizationID)
	}
	if filter.State != "" {
		query += ` AND state = ` + arg(string(filter.State))
	}
	if filter.PhoneHash != "" {
		query += ` AND phone_hash = ` + arg(filter.PhoneHash)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ` + arg(filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		query += ` AND created_at <= ` + arg(filter.CreatedBefore)
	}
	if filter.StuckAfter > 0 {
		cutoff := time.Now().UTC().Add(-filter.StuckAfter)
		query += ` AND state = 'CHOOSING_TIME' AND slot_request_sent_at IS NOT NULL AND slot_request_sent_at < ` + arg(cutoff) + ` AND slot_request_failed_at IS NULL AND expires_at > now()`
	}
	query += ` ORDER BY created_at DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(filter.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scheduling: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// ForceState overwrites a session's state to target outside the normal
// conversation flow, for admin recovery of stuck or abandoned sessions.
// Callers must restrict target to terminal states (CANCELLED/EXPIRED); this
// method itself just performs the write under the usual row lock.
func (s *Store) ForceState(ctx context.Context, id string, target State) (*Session, error) {
	now := time.Now().UTC()
	return s.Mutate(ctx, id, func(sess *Session) error {
		sess.State = target
		sess.CompletedAt = &now
		return nil
	})
}

// CountByState returns the current count of sessions per state, optionally
// scoped to one organization, for admin stats' success-rate computation.
func (s *Store) CountByState(ctx context.Context, orgID string) (map[State]int, error) {
	query := `SELECT state, count(*) FROM sms_conversations WHERE 1=1`
	var args []any
	if orgID != "" {
		args = append(args, orgID)
		query += ` AND organization_id = $1`
	}
	query += ` GROUP BY state`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scheduling: count by state: %w", err)
	}
	defer rows.Close()

	out := make(map[State]int)
	for rows.Next() {
		var state State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scheduling: scan state count: %w", err)
		}
		out[state] = count
	}
	return out, rows.Err()
}

// AverageDurationSeconds returns the average seconds between a session's
// started_at and completed_at for each state that has reached completion,
// optionally scoped to one organization.
func (s *Store) AverageDurationSeconds(ctx context.Context, orgID string) (map[State]float64, error) {
	query := `
		SELECT state, avg(extract(epoch FROM (completed_at - started_at)))
		FROM sms_conversations
		WHERE completed_at IS NOT NULL`
	var args []any
	if orgID != "" {
		args = append(args, orgID)
		query += ` AND organization_id = $1`
	}
	query += ` GROUP BY state`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scheduling: average duration: %w", err)
	}
	defer rows.Close()

	out := make(map[State]float64)
	for rows.Next() {
		var state State
		var seconds float64
		if err := rows.Scan(&state, &seconds); err != nil {
			return nil, fmt.Errorf("scheduling: scan average duration: %w", err)
		}
		out[state] = seconds
	}
	return out, rows.Err()
}

// CountStuck returns the number of sessions matching FindStuck's definition,
// without materializing the rows — used by admin stats.
func (s *Store) CountStuck(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	row := s.db.QueryRow(ctx, `
		SELECT count(*) FROM sms_conversations
		WHERE state = 'CHOOSING_TIME'
		  AND slot_request_sent_at IS NOT NULL
		  AND slot_request_sent_at < $1
		  AND slot_request_failed_at IS NULL
		  AND expires_at > now()
	`, cutoff)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("scheduling: count stuck: %w", err)
	}
	return count, nil
}

// DeleteTerminalOlderThan bulk-deletes CONFIRMED/EXPIRED/CANCELLED sessions
// whose completion (or, if never completed, last update) falls before
// cutoff, for admin retention cleanup. Returns the number of rows removed.
func (s *Store) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM sms_conversations
		WHERE state IN ('CONFIRMED','EXPIRED','CANCELLED')
		  AND COALESCE(completed_at, updated_at) < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("scheduling: bulk delete terminal sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Delete removes a session row outright. Used by admin bulk-delete for
// sandbox/test cleanup; production retention goes through the audit
// archiver instead.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM sms_conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("scheduling: delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MutateFunc inspects the locked session and returns the patch to apply, or
// an error to abort the transaction without writing.
type MutateFunc func(sess *Session) error

// Mutate loads the session with SELECT ... FOR UPDATE inside a transaction,
// applies fn, and persists the result — the row lock is held for the
// duration of the whole state transition, serializing concurrent writers.
func (s *Store) Mutate(ctx context.Context, id string, fn MutateFunc) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("scheduling: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, sessionSelectColumns+` FROM sms_conversations WHERE id = $1 FOR UPDATE`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}

	if err := fn(sess); err != nil {
		return nil, err
	}
	sess.UpdatedAt = time.Now().UTC()

	orderJSON, err := json.Marshal(sess.OrderData)
	if err != nil {
		return nil, fmt.Errorf("scheduling: marshal order_data: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE sms_conversations SET
			state = $2, order_data = $3, selected_location_id = $4,
			selected_slot_time = $5, expires_at = $6, slot_request_sent_at = $7,
			slot_retry_count = $8, slot_request_failed_at = $9,
			completed_at = $10, updated_at = $11
		WHERE id = $1
	`,
		sess.ID, sess.State, orderJSON, nullString(sess.SelectedLocationID),
		sess.SelectedSlotTime, sess.ExpiresAt, sess.SlotRequestSentAt,
		sess.SlotRetryCount, sess.SlotRequestFailedAt, sess.CompletedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scheduling: update session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("scheduling: commit tx: %w", err)
	}
	return sess, nil
}

const sessionSelectColumns = `
	SELECT id, phone_hash, encrypted_phone, state, order_data,
	       selected_location_id, selected_slot_time, expires_at,
	       slot_request_sent_at, slot_retry_count, slot_request_failed_at,
	       started_at, completed_at, created_at, updated_at, organization_id
`

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row pgx.Row) (*Session, error) {
	return doScan(row)
}

func scanSessionRows(rows pgx.Rows) (*Session, error) {
	return doScan(rows)
}

func doScan(row scannable) (*Session, error) {
	var sess Session
	var orderJSON []byte
	var locationID, orgID *string

	err := row.Scan(
		&sess.ID, &sess.PhoneHash, &sess.EncryptedPhone, &sess.State, &orderJSON,
		&locationID, &sess.SelectedSlotTime, &sess.ExpiresAt,
		&sess.SlotRequestSentAt, &sess.SlotRetryCount, &sess.SlotRequestFailedAt,
		&sess.StartedAt, &sess.CompletedAt, &sess.CreatedAt, &sess.UpdatedAt, &orgID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scheduling: scan session: %w", err)
	}
	if locationID != nil {
		sess.SelectedLocationID = *locationID
	}
	if orgID != nil {
		sess.OrganizationID = *orgID
	}
	if len(orderJSON) > 0 {
		if err := json.Unmarshal(orderJSON, &sess.OrderData); err != nil {
			return nil, fmt.Errorf("scheduling: unmarshal order_data: %w", err)
		}
	}
	return &sess, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

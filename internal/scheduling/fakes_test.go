package scheduling

import (
	"context"
	"sync"
	"time"

	"github.com/quantumlife-health/radsched/internal/audit"
	"github.com/quantumlife-health/radsched/internal/consent"
	"github.com/quantumlife-health/radsched/internal/equipment"
	"github.com/quantumlife-health/radsched/internal/ris"
)

// memStore is an in-memory SessionStore fake for engine tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string]*Session{}}
}

func (m *memStore) Insert(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	cp := *sess
	m.sessions[sess.ID] = &cp
	return nil
}

func (m *memStore) GetByID(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *memStore) GetActiveByPhoneHash(ctx context.Context, phoneHash string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, sess := range m.sessions {
		if sess.PhoneHash == phoneHash && sess.Active(now) {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindByMRN(ctx context.Context, mrn string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		if sess.OrderData.Primary.PatientMRN == mrn {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindStuck(ctx context.Context, timeout time.Duration) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-timeout)
	var out []Session
	for _, sess := range m.sessions {
		if sess.State == StateChoosingTime && sess.SlotRequestSentAt != nil &&
			sess.SlotRequestSentAt.Before(cutoff) && sess.SlotRequestFailedAt == nil {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (m *memStore) FindExpirable(ctx context.Context, now time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, sess := range m.sessions {
		if !sess.State.Terminal() && !sess.ExpiresAt.After(now) {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (m *memStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	if err := fn(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now().UTC()
	m.sessions[id] = &cp
	out := cp
	return &out, nil
}

func (m *memStore) ForceState(ctx context.Context, id string, target State) (*Session, error) {
	return m.Mutate(ctx, id, func(s *Session) error {
		now := time.Now().UTC()
		s.State = target
		s.CompletedAt = &now
		return nil
	})
}

// memConsent is an in-memory ConsentChecker fake.
type memConsent struct {
	mu       sync.Mutex
	consented map[string]bool
}

func newMemConsent() *memConsent {
	return &memConsent{consented: map[string]bool{}}
}

func (m *memConsent) HasConsent(ctx context.Context, phoneHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consented[phoneHash], nil
}

func (m *memConsent) Record(ctx context.Context, phoneHash string, method consent.Method) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consented[phoneHash] = true
	return nil
}

func (m *memConsent) Revoke(ctx context.Context, phoneHash string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consented[phoneHash] = false
	return nil
}

// memAudit is an in-memory AuditLogger fake.
type memAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func newMemAudit() *memAudit {
	return &memAudit{}
}

func (m *memAudit) Append(ctx context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// memEquipment is an in-memory EquipmentSource fake.
type memEquipment struct {
	candidates []equipment.CandidateLocation
}

func (m *memEquipment) CandidatesForModality(ctx context.Context, modality equipment.Modality) ([]equipment.CandidateLocation, error) {
	var out []equipment.CandidateLocation
	for _, c := range m.candidates {
		if c.Equipment.EquipmentType == modality {
			out = append(out, c)
		}
	}
	return out, nil
}

// plainPhoneCodec is a trivial PhoneCodec fake: hash is the input itself,
// "encryption" is a reversible prefix tag, so tests can assert on output
// without pulling in real crypto.
type plainPhoneCodec struct{}

func (plainPhoneCodec) Hash(phone string) string { return "hash:" + phone }
func (plainPhoneCodec) Encrypt(phone string) (string, error) { return "enc:" + phone, nil }
func (plainPhoneCodec) Decrypt(encoded string) (string, error) { return encoded[len("enc:"):], nil }

var _ ris.Caller = (*ris.MockClient)(nil)

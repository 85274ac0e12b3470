package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quantumlife-health/radsched/internal/audit"
	"github.com/quantumlife-health/radsched/internal/scheduling"
)

type fakeSessionStore struct {
	sessions  map[string]*scheduling.Session
	listErr   error
	stuckCount int
}

func (f *fakeSessionStore) List(ctx context.Context, filter scheduling.ListFilter) ([]scheduling.Session, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []scheduling.Session
	for _, s := range f.sessions {
		if filter.State != "" && s.State != filter.State {
			continue
		}
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeSessionStore) GetByID(ctx context.Context, id string) (*scheduling.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	return s, nil
}

func (f *fakeSessionStore) Delete(ctx context.Context, id string) error {
	if _, ok := f.sessions[id]; !ok {
		return scheduling.ErrNotFound
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeSessionStore) CountByState(ctx context.Context, orgID string) (map[scheduling.State]int, error) {
	out := make(map[scheduling.State]int)
	for _, s := range f.sessions {
		if orgID != "" && s.OrganizationID != orgID {
			continue
		}
		out[s.State]++
	}
	return out, nil
}

func (f *fakeSessionStore) AverageDurationSeconds(ctx context.Context, orgID string) (map[scheduling.State]float64, error) {
	return map[scheduling.State]float64{}, nil
}

func (f *fakeSessionStore) CountStuck(ctx context.Context, timeout time.Duration) (int, error) {
	return f.stuckCount, nil
}

func (f *fakeSessionStore) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	n := 0
	for id, s := range f.sessions {
		if s.State.Terminal() && s.CreatedAt.Before(cutoff) {
			delete(f.sessions, id)
			n++
		}
	}
	return n, nil
}

// fakeAdmin is a sessionAdmin fake for the force-transition/retry/manual-sms
// admin handler tests.
type fakeAdmin struct {
	forceErr       error
	retryLocErr    error
	retryTimeErr   error
	manualSMSErr   error
	lastTarget     scheduling.State
	lastRetryStep  string
	lastManualBody string
}

func (f *fakeAdmin) ForceTransition(ctx context.Context, sessionID string, target scheduling.State) (*scheduling.Session, error) {
	f.lastTarget = target
	if f.forceErr != nil {
		return nil, f.forceErr
	}
	return &scheduling.Session{ID: sessionID, State: target}, nil
}

func (f *fakeAdmin) RetryLocationStep(ctx context.Context, sessionID string) error {
	f.lastRetryStep = "location"
	return f.retryLocErr
}

func (f *fakeAdmin) RetryTimeslotsStep(ctx context.Context, sessionID string) error {
	f.lastRetryStep = "timeslots"
	return f.retryTimeErr
}

func (f *fakeAdmin) SendManualSMS(ctx context.Context, sessionID, body string) error {
	f.lastManualBody = body
	return f.manualSMSErr
}

type fakeAuditStore struct{}

func (f *fakeAuditStore) Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	return []audit.Entry{
		{ID: "e1", PhoneHash: filter.PhoneHash, MessageType: audit.OutboundConsent, Direction: audit.Outbound, Success: true, Timestamp: time.Now()},
	}, nil
}

func (f *fakeAuditStore) Aggregate(ctx context.Context, start, end time.Time) ([]audit.AggregateCount, error) {
	return []audit.AggregateCount{{Direction: audit.Outbound, MessageType: audit.OutboundConsent, Count: 3}}, nil
}

func newTestAdminHandler(store *fakeSessionStore) *AdminSessionsHandler {
	return NewAdminSessionsHandler(store, &fakeAuditStore{}, nil, time.Hour, nil)
}

func newTestAdminHandlerWithAdmin(store *fakeSessionStore, admin *fakeAdmin) *AdminSessionsHandler {
	return NewAdminSessionsHandler(store, &fakeAuditStore{}, admin, time.Hour, nil)
}

func withSessionIDParam(req *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("sessionID", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestListSessions_FiltersByState(t *testing.T) {
	store := &fakeSessionStore{sessions: map[string]*scheduling.Session{
		"s1": {ID: "s1", State: scheduling.StateConfirmed, CreatedAt: time.Now(), ExpiresAt: time.Now()},
		"s2": {ID: "s2", State: scheduling.StateChoosingLocation, CreatedAt: time.Now(), ExpiresAt: time.Now()},
	}}
	h := newTestAdminHandler(store)

	req := httptest.NewRequest(http.MethodGet, "/admin/sessions?status=CONFIRMED", nil)
	rr := httptest.NewRecorder()
	h.ListSessions(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	store := &fakeSessionStore{sessions: map[string]*scheduling.Session{}}
	h := newTestAdminHandler(store)

	req := httptest.NewRequest(http.MethodGet, "/admin/sessions/missing", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("sessionID", "missing")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rr := httptest.NewRecorder()

	h.GetSession(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestDeleteSession_NotFound(t *testing.T) {
	store := &fakeSessionStore{sessions: map[string]*scheduling.Session{}}
	h := newTestAdminHandler(store)

	req := httptest.NewRequest(http.MethodDelete, "/admin/sessions/missing", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("sessionID", "missing")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rr := httptest.NewRecorder()

	h.DeleteSession(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestGetStats_AggregatesWindows(t *testing.T) {
	h := newTestAdminHandler(&fakeSessionStore{sessions: map[string]*scheduling.Session{}})

	req := httptest.NewRequest(http.MethodGet, "/admin/sessions/stats", nil)
	rr := httptest.NewRecorder()
	h.GetStats(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestExportTranscript_WritesPlainText(t *testing.T) {
	store := &fakeSessionStore{sessions: map[string]*scheduling.Session{
		"s1": {ID: "s1", State: scheduling.StateConfirmed, PhoneHash: "hash:1", CreatedAt: time.Now(), ExpiresAt: time.Now()},
	}}
	h := newTestAdminHandler(store)

	req := httptest.NewRequest(http.MethodGet, "/admin/sessions/s1/transcript", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("sessionID", "s1")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rr := httptest.NewRecorder()

	h.ExportTranscript(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Disposition"); ct == "" {
		t.Fatal("expected Content-Disposition header on transcript export")
	}
}

func TestForceTransitionSession_WithoutAdminConfiguredReturns503(t *testing.T) {
	h := newTestAdminHandler(&fakeSessionStore{sessions: map[string]*scheduling.Session{}})

	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/s1/force-state", strings.NewReader(`{"target_state":"CANCELLED"}`))
	req = withSessionIDParam(req, "s1")
	rr := httptest.NewRecorder()

	h.ForceTransitionSession(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestForceTransitionSession_DelegatesToEngine(t *testing.T) {
	admin := &fakeAdmin{}
	h := newTestAdminHandlerWithAdmin(&fakeSessionStore{sessions: map[string]*scheduling.Session{}}, admin)

	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/s1/force-state", strings.NewReader(`{"target_state":"cancelled","reason":"patient requested by phone"}`))
	req = withSessionIDParam(req, "s1")
	rr := httptest.NewRecorder()

	h.ForceTransitionSession(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if admin.lastTarget != scheduling.StateCancelled {
		t.Fatalf("expected target state normalized to CANCELLED, got %q", admin.lastTarget)
	}
}

func TestRetryStep_UnknownStepRejected(t *testing.T) {
	admin := &fakeAdmin{}
	h := newTestAdminHandlerWithAdmin(&fakeSessionStore{sessions: map[string]*scheduling.Session{}}, admin)

	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/s1/retry/bogus", nil)
	req = withSessionIDParam(req, "s1")
	rctx := chi.RouteContext(req.Context())
	rctx.URLParams.Add("step", "bogus")
	rr := httptest.NewRecorder()

	h.RetryStep(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown retry step, got %d", rr.Code)
	}
}

func TestRetryStep_LocationDelegatesToEngine(t *testing.T) {
	admin := &fakeAdmin{}
	h := newTestAdminHandlerWithAdmin(&fakeSessionStore{sessions: map[string]*scheduling.Session{}}, admin)

	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/s1/retry/location", strings.NewReader(`{"reason":"safety eval errored transiently"}`))
	req = withSessionIDParam(req, "s1")
	rctx := chi.RouteContext(req.Context())
	rctx.URLParams.Add("step", "location")
	rr := httptest.NewRecorder()

	h.RetryStep(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if admin.lastRetryStep != "location" {
		t.Fatalf("expected location retry, got %q", admin.lastRetryStep)
	}
}

func TestRetryStep_TimeslotsDelegatesToEngine(t *testing.T) {
	admin := &fakeAdmin{}
	h := newTestAdminHandlerWithAdmin(&fakeSessionStore{sessions: map[string]*scheduling.Session{}}, admin)

	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/s1/retry/timeslots", nil)
	req = withSessionIDParam(req, "s1")
	rctx := chi.RouteContext(req.Context())
	rctx.URLParams.Add("step", "timeslots")
	rr := httptest.NewRecorder()

	h.RetryStep(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if admin.lastRetryStep != "timeslots" {
		t.Fatalf("expected timeslots retry, got %q", admin.lastRetryStep)
	}
}

func TestSendManualSMS_RejectsOverlongBody(t *testing.T) {
	admin := &fakeAdmin{manualSMSErr: fmt.Errorf("scheduling: send manual sms: body exceeds 320 characters (got 321)")}
	h := newTestAdminHandlerWithAdmin(&fakeSessionStore{sessions: map[string]*scheduling.Session{}}, admin)

	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/s1/sms", strings.NewReader(`{"body":"`+strings.Repeat("x", 321)+`"}`))
	req = withSessionIDParam(req, "s1")
	rr := httptest.NewRecorder()

	h.SendManualSMS(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestSendManualSMS_DelegatesToEngine(t *testing.T) {
	admin := &fakeAdmin{}
	h := newTestAdminHandlerWithAdmin(&fakeSessionStore{sessions: map[string]*scheduling.Session{}}, admin)

	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/s1/sms", strings.NewReader(`{"body":"A coordinator will call you shortly.","reason":"patient asked for a callback"}`))
	req = withSessionIDParam(req, "s1")
	rr := httptest.NewRecorder()

	h.SendManualSMS(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if admin.lastManualBody != "A coordinator will call you shortly." {
		t.Fatalf("expected manual body forwarded verbatim, got %q", admin.lastManualBody)
	}
}

func TestBulkDeleteTerminalSessions_RemovesOldTerminalSessions(t *testing.T) {
	old := time.Now().UTC().AddDate(0, 0, -40)
	store := &fakeSessionStore{sessions: map[string]*scheduling.Session{
		"old-confirmed": {ID: "old-confirmed", State: scheduling.StateConfirmed, CreatedAt: old},
		"old-active":    {ID: "old-active", State: scheduling.StateChoosingLocation, CreatedAt: old},
		"recent":        {ID: "recent", State: scheduling.StateConfirmed, CreatedAt: time.Now().UTC()},
	}}
	h := newTestAdminHandler(store)

	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/bulk-delete", strings.NewReader(`{"older_than_days":30,"reason":"routine retention cleanup"}`))
	rr := httptest.NewRecorder()

	h.BulkDeleteTerminalSessions(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if _, ok := store.sessions["old-confirmed"]; ok {
		t.Fatal("expected old terminal session to be deleted")
	}
	if _, ok := store.sessions["old-active"]; !ok {
		t.Fatal("expected non-terminal session to survive bulk delete")
	}
	if _, ok := store.sessions["recent"]; !ok {
		t.Fatal("expected recent terminal session to survive bulk delete")
	}
}

func TestBulkDeleteTerminalSessions_RejectsNonPositiveDays(t *testing.T) {
	h := newTestAdminHandler(&fakeSessionStore{sessions: map[string]*scheduling.Session{}})

	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/bulk-delete", strings.NewReader(`{"older_than_days":0}`))
	rr := httptest.NewRecorder()

	h.BulkDeleteTerminalSessions(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestGetStats_ComputesSuccessRateAndStuckCount(t *testing.T) {
	store := &fakeSessionStore{
		sessions: map[string]*scheduling.Session{
			"s1": {ID: "s1", State: scheduling.StateConfirmed},
			"s2": {ID: "s2", State: scheduling.StateConfirmed},
			"s3": {ID: "s3", State: scheduling.StateCancelled},
		},
		stuckCount: 2,
	}
	h := newTestAdminHandler(store)

	req := httptest.NewRequest(http.MethodGet, "/admin/sessions/stats", nil)
	rr := httptest.NewRecorder()
	h.GetStats(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp SessionStatsResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.StuckCount != 2 {
		t.Fatalf("expected stuck_count 2, got %d", resp.StuckCount)
	}
	wantRate := 2.0 / 3.0
	if resp.SuccessRate < wantRate-0.0001 || resp.SuccessRate > wantRate+0.0001 {
		t.Fatalf("expected success_rate ~%.4f, got %.4f", wantRate, resp.SuccessRate)
	}
}

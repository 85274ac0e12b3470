package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quantumlife-health/radsched/internal/audit"
	httpmiddleware "github.com/quantumlife-health/radsched/internal/http/middleware"
	"github.com/quantumlife-health/radsched/internal/scheduling"
	"github.com/quantumlife-health/radsched/internal/tenancy"
	"github.com/quantumlife-health/radsched/pkg/logging"
)

// sessionLister is the narrow scheduling.Store surface the admin handler needs
// for listing, inspecting, and bulk-retention cleanup.
type sessionLister interface {
	List(ctx context.Context, filter scheduling.ListFilter) ([]scheduling.Session, error)
	GetByID(ctx context.Context, id string) (*scheduling.Session, error)
	Delete(ctx context.Context, id string) error
	CountByState(ctx context.Context, orgID string) (map[scheduling.State]int, error)
	AverageDurationSeconds(ctx context.Context, orgID string) (map[scheduling.State]float64, error)
	CountStuck(ctx context.Context, timeout time.Duration) (int, error)
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// sessionAdmin is the narrow scheduling.Engine surface the force-transition,
// retry-step, and manual-SMS admin operations need — these require the
// engine's own validation and outbound-send logic, not just a raw store
// write, so they're a separate interface from sessionLister.
type sessionAdmin interface {
	ForceTransition(ctx context.Context, sessionID string, target scheduling.State) (*scheduling.Session, error)
	RetryLocationStep(ctx context.Context, sessionID string) error
	RetryTimeslotsStep(ctx context.Context, sessionID string) error
	SendManualSMS(ctx context.Context, sessionID, body string) error
}

// auditQuerier is the narrow audit.Store surface the admin handler needs.
type auditQuerier interface {
	Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, error)
	Aggregate(ctx context.Context, start, end time.Time) ([]audit.AggregateCount, error)
}

// AdminSessionsHandler serves the admin API for viewing and managing
// scheduling sessions, grounded on the teacher's AdminConversationsHandler.
type AdminSessionsHandler struct {
	store        sessionLister
	audit        auditQuerier
	admin        sessionAdmin
	stuckTimeout time.Duration
	logger       *logging.Logger
}

// NewAdminSessionsHandler builds an AdminSessionsHandler. admin may be a nil
// *scheduling.Engine (the engine is only constructed once every dependency
// it needs is configured) — that typed nil is unwrapped here so the handler's
// own nil check on the sessionAdmin interface field works as expected,
// rather than tripping the classic non-nil-interface-holding-a-nil-pointer
// gotcha. stuckTimeout feeds the same "stuck" definition the stuck sweeper
// uses, for the stuck count reported by GetStats.
func NewAdminSessionsHandler(store sessionLister, auditStore auditQuerier, admin sessionAdmin, stuckTimeout time.Duration, logger *logging.Logger) *AdminSessionsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	if eng, ok := admin.(*scheduling.Engine); ok && eng == nil {
		admin = nil
	}
	if stuckTimeout <= 0 {
		stuckTimeout = 5 * time.Minute
	}
	return &AdminSessionsHandler{store: store, audit: auditStore, admin: admin, stuckTimeout: stuckTimeout, logger: logger}
}

// adminActor resolves the identity logged against every admin operation:
// the JWT subject the AdminJWT middleware validated, or "unknown" if the
// route is reached without that middleware (e.g. in tests).
func adminActor(ctx context.Context) string {
	if claims, ok := httpmiddleware.AdminClaimsFromContext(ctx); ok && claims.Subject != "" {
		return claims.Subject
	}
	return "unknown"
}

func (h *AdminSessionsHandler) logAdminAction(ctx context.Context, action, sessionID, reason string, err error) {
	args := []any{"action", action, "actor", adminActor(ctx), "session_id", sessionID, "reason", reason}
	if err != nil {
		h.logger.Error("admin action failed", append(args, "error", err)...)
		return
	}
	h.logger.Info("admin action", args...)
}

// SessionListItem is one row of a paginated session list response.
type SessionListItem struct {
	ID        string `json:"id"`
	PhoneHash string `json:"phone_hash"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at"`
}

// SessionsListResponse is a paginated session list.
type SessionsListResponse struct {
	Sessions []SessionListItem `json:"sessions"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

// ListSessions returns sessions matching page/page_size/status/org/
// created_after/created_before/stuck query params, most recently created
// first.
func (h *AdminSessionsHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)

	// org_id explicitly named in the query string always wins; otherwise
	// scope to the org carried on the admin's JWT subject, if any, so a
	// tenant-scoped admin token can't be used to list another org's
	// sessions just by omitting the query param.
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		orgID, _ = tenancy.OrgIDFromContext(r.Context())
	}

	filter := scheduling.ListFilter{
		OrganizationID: orgID,
		PhoneHash:      r.URL.Query().Get("phone_hash"),
		Limit:          pageSize,
		Offset:         (page - 1) * pageSize,
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		filter.State = scheduling.State(status)
	}
	if v := r.URL.Query().Get("created_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid created_after, expected RFC3339", http.StatusBadRequest)
			return
		}
		filter.CreatedAfter = t
	}
	if v := r.URL.Query().Get("created_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid created_before, expected RFC3339", http.StatusBadRequest)
			return
		}
		filter.CreatedBefore = t
	}
	if r.URL.Query().Get("stuck") == "true" {
		filter.StuckAfter = h.stuckTimeout
	}

	sessions, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list sessions failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	resp := SessionsListResponse{
		Sessions: make([]SessionListItem, 0, len(sessions)),
		Page:     page,
		PageSize: pageSize,
	}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, SessionListItem{
			ID:        s.ID,
			PhoneHash: s.PhoneHash,
			State:     string(s.State),
			CreatedAt: s.CreatedAt.Format(time.RFC3339),
			ExpiresAt: s.ExpiresAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSession returns one session's full detail, including its order data.
func (h *AdminSessionsHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("get session failed", "error", err, "session_id", id)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// DeleteSession removes a session record outright, used for admin cleanup
// of test or erroneous sessions. The actor and an optional ?reason= query
// param are logged against the action.
func (h *AdminSessionsHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	reason := r.URL.Query().Get("reason")
	err := h.store.Delete(r.Context(), id)
	h.logAdminAction(r.Context(), "delete_session", id, reason, err)
	if err != nil {
		if err == scheduling.ErrNotFound {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// forceTransitionRequest is ForceTransitionSession's request body.
type forceTransitionRequest struct {
	TargetState string `json:"target_state"`
	Reason      string `json:"reason"`
}

// ForceTransitionSession force-moves a session to CANCELLED or EXPIRED
// outside the normal conversation flow, for admin recovery of a session
// stuck or abandoned mid-flow.
func (h *AdminSessionsHandler) ForceTransitionSession(w http.ResponseWriter, r *http.Request) {
	if h.admin == nil {
		http.Error(w, "admin operations not configured", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "sessionID")
	var req forceTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	target := scheduling.State(strings.ToUpper(strings.TrimSpace(req.TargetState)))

	sess, err := h.admin.ForceTransition(r.Context(), id, target)
	h.logAdminAction(r.Context(), "force_transition:"+string(target), id, req.Reason, err)
	if err != nil {
		if err == scheduling.ErrNotFound {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// retryStepRequest is RetryStep's request body.
type retryStepRequest struct {
	Reason string `json:"reason"`
}

// RetryStep re-runs one step of the conversation: "location" re-renders the
// location prompt from scratch, "timeslots" resets and reissues the RIS
// slot request.
func (h *AdminSessionsHandler) RetryStep(w http.ResponseWriter, r *http.Request) {
	if h.admin == nil {
		http.Error(w, "admin operations not configured", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "sessionID")
	step := chi.URLParam(r, "step")
	var req retryStepRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	var err error
	switch step {
	case "location":
		err = h.admin.RetryLocationStep(r.Context(), id)
	case "timeslots":
		err = h.admin.RetryTimeslotsStep(r.Context(), id)
	default:
		http.Error(w, fmt.Sprintf("unknown retry step %q, expected location or timeslots", step), http.StatusBadRequest)
		return
	}
	h.logAdminAction(r.Context(), "retry_step:"+step, id, req.Reason, err)
	if err != nil {
		if err == scheduling.ErrNotFound {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sendManualSMSRequest is SendManualSMS's request body.
type sendManualSMSRequest struct {
	Body   string `json:"body"`
	Reason string `json:"reason"`
}

// SendManualSMS sends an admin-composed message (<=320 characters) to the
// session's patient outside the scripted flow, for coordinator follow-up.
func (h *AdminSessionsHandler) SendManualSMS(w http.ResponseWriter, r *http.Request) {
	if h.admin == nil {
		http.Error(w, "admin operations not configured", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "sessionID")
	var req sendManualSMSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := h.admin.SendManualSMS(r.Context(), id, req.Body)
	h.logAdminAction(r.Context(), "send_manual_sms", id, req.Reason, err)
	if err != nil {
		if err == scheduling.ErrNotFound {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// bulkDeleteRequest is BulkDeleteTerminalSessions's request body.
type bulkDeleteRequest struct {
	OlderThanDays int    `json:"older_than_days"`
	Reason        string `json:"reason"`
}

// bulkDeleteResponse reports how many rows a bulk-delete removed.
type bulkDeleteResponse struct {
	Deleted int `json:"deleted"`
}

// BulkDeleteTerminalSessions removes every CONFIRMED/EXPIRED/CANCELLED
// session whose completion predates older_than_days, for admin retention
// cleanup outside the normal audit-archival retention window.
func (h *AdminSessionsHandler) BulkDeleteTerminalSessions(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OlderThanDays <= 0 {
		http.Error(w, "older_than_days must be positive", http.StatusBadRequest)
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -req.OlderThanDays)

	deleted, err := h.store.DeleteTerminalOlderThan(r.Context(), cutoff)
	h.logAdminAction(r.Context(), fmt.Sprintf("bulk_delete:older_than_days=%d:deleted=%d", req.OlderThanDays, deleted), "", req.Reason, err)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bulkDeleteResponse{Deleted: deleted})
}

// SessionStatsResponse summarizes audit-log message counts over standard
// windows plus current-state analytics (sessions per state, stuck count,
// success rate, average duration per state, and SMS volume).
type SessionStatsResponse struct {
	Today              int                `json:"today"`
	Week               int                `json:"week"`
	Month              int                `json:"month"`
	SixMonths          int                `json:"six_months"`
	ByState            map[string]int     `json:"by_state"`
	StuckCount         int                `json:"stuck_count"`
	SuccessRate        float64            `json:"success_rate"`
	AvgDurationSeconds map[string]float64 `json:"avg_duration_seconds_by_state"`
	SMSVolume          int                `json:"sms_volume"`
}

// GetStats aggregates audit-log activity over today/week/month/six-month
// windows, grounded on the teacher's GetConversationStats, and adds
// current-state analytics computed directly off scheduling.Store: stuck
// count, success rate (CONFIRMED / (CONFIRMED+EXPIRED+CANCELLED)), average
// duration per terminal state, and total SMS volume across the full window.
func (h *AdminSessionsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		orgID, _ = tenancy.OrgIDFromContext(r.Context())
	}
	stats := SessionStatsResponse{ByState: make(map[string]int)}

	windows := []struct {
		start time.Time
		count *int
	}{
		{now.Truncate(24 * time.Hour), &stats.Today},
		{now.AddDate(0, 0, -7), &stats.Week},
		{now.AddDate(0, -1, 0), &stats.Month},
		{now.AddDate(0, -6, 0), &stats.SixMonths},
	}
	for _, win := range windows {
		counts, err := h.audit.Aggregate(r.Context(), win.start, now)
		if err != nil {
			h.logger.Error("aggregate audit stats failed", "error", err)
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
		total := 0
		for _, c := range counts {
			total += c.Count
		}
		*win.count = total
	}
	// The six-month window is the widest one tracked; its aggregate total
	// (every inbound+outbound message, not distinct sessions) doubles as
	// the reported SMS volume.
	stats.SMSVolume = stats.SixMonths

	stateCounts, err := h.store.CountByState(r.Context(), orgID)
	if err != nil {
		h.logger.Error("count by state failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	for state, n := range stateCounts {
		stats.ByState[string(state)] = n
	}
	confirmed := stateCounts[scheduling.StateConfirmed]
	terminalTotal := confirmed + stateCounts[scheduling.StateExpired] + stateCounts[scheduling.StateCancelled]
	if terminalTotal > 0 {
		stats.SuccessRate = float64(confirmed) / float64(terminalTotal)
	}

	avgDuration, err := h.store.AverageDurationSeconds(r.Context(), orgID)
	if err != nil {
		h.logger.Error("average duration failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	stats.AvgDurationSeconds = make(map[string]float64, len(avgDuration))
	for state, seconds := range avgDuration {
		stats.AvgDurationSeconds[string(state)] = seconds
	}

	stuck, err := h.store.CountStuck(r.Context(), h.stuckTimeout)
	if err != nil {
		h.logger.Error("count stuck failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	stats.StuckCount = stuck

	writeJSON(w, http.StatusOK, stats)
}

// ExportTranscript renders a session's audit trail as a plain-text
// transcript for download, grounded on the teacher's ExportTranscript.
func (h *AdminSessionsHandler) ExportTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("export transcript: get session failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	entries, err := h.audit.Query(r.Context(), audit.Filter{PhoneHash: sess.PhoneHash})
	if err != nil {
		h.logger.Error("export transcript: query audit failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session %s (%s)\n", sess.ID, sess.State)
	fmt.Fprintf(&b, "Phone hash: %s\n\n", sess.PhoneHash)
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s] %s %s success=%t\n", e.Timestamp.Format(time.RFC3339), e.Direction, e.MessageType, e.Success)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=transcript-"+id+".txt")
	w.Write([]byte(b.String()))
}

func parsePagination(r *http.Request) (page, pageSize int) {
	page = 1
	pageSize = 50
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && v > 0 && v <= 200 {
		pageSize = v
	}
	return page, pageSize
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

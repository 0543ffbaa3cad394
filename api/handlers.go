package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/sessionguard/audit"
	"github.com/jmcleod/sessionguard/internal/util"
	"github.com/jmcleod/sessionguard/session"
)

// recordableEvents are the event types collaborators may log through
// POST /audit/events. Session lifecycle events are only ever written by the
// manager itself.
var recordableEvents = map[audit.EventType]bool{
	audit.EventPHIView:        true,
	audit.EventPHICreate:      true,
	audit.EventPHIUpdate:      true,
	audit.EventPHIDelete:      true,
	audit.EventPHIExport:      true,
	audit.EventPHITransmitted: true,
	audit.EventConfigChange:   true,
}

// CreateSession handles POST /sessions. The identity provider calls it
// after authenticating a subject.
func (a *API) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = clientIP(r)
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}
	subject := util.NormalizeID(req.SubjectID)

	if blocked, retry := a.subjects.check(subject); blocked {
		writeRateLimited(w, retry)
		return
	}
	if blocked, retry := a.ips.check(req.IPAddress); blocked {
		writeRateLimited(w, retry)
		return
	}

	token, err := a.sessions.CreateSession(r.Context(), session.CreateRequest{
		SubjectID: subject,
		Role:      req.Role,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	})
	if errors.Is(err, session.ErrEmptySubject) {
		writeError(w, http.StatusBadRequest, "subject_id is required")
		return
	}
	if err != nil {
		a.logger.Error("create session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	a.subjects.recordSuccess(subject)
	a.ips.recordSuccess(req.IPAddress)

	sess, ok := a.sessions.Lookup(token)
	if !ok {
		writeSessionExpired(w)
		return
	}
	writeJSON(w, http.StatusCreated, CreateSessionResponse{
		Token:         token,
		SessionStatus: statusOf(sess, false),
	})
}

// RecordLoginFailure handles POST /sessions/login-failures.
func (a *API) RecordLoginFailure(w http.ResponseWriter, r *http.Request) {
	var req LoginFailureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = clientIP(r)
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}
	subject := util.NormalizeID(req.SubjectID)

	e := a.sessions.RecordLoginFailure(r.Context(), session.LoginFailure{
		SubjectID: subject,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Reason:    req.Reason,
	})
	if subject != "" {
		a.subjects.recordFailure(subject)
	}
	a.ips.recordFailure(req.IPAddress)
	writeJSON(w, http.StatusAccepted, entryResponse(e))
}

// ValidateSession handles POST /sessions/validate. Every invalid token gets
// the same response so callers cannot tell expiry from revocation.
func (a *API) ValidateSession(w http.ResponseWriter, r *http.Request) {
	token := sessionToken(r)
	if token == "" {
		writeSessionExpired(w)
		return
	}
	res := a.sessions.ValidateSession(r.Context(), token)
	if !res.Valid {
		writeSessionExpired(w)
		return
	}
	writeJSON(w, http.StatusOK, statusOf(res.Session, res.ShouldWarn))
}

// ExtendSession handles POST /sessions/extend, the user's answer to an
// idle warning.
func (a *API) ExtendSession(w http.ResponseWriter, r *http.Request) {
	token := sessionToken(r)
	if token == "" || !a.sessions.ExtendSession(r.Context(), token) {
		writeSessionExpired(w)
		return
	}
	sess, ok := a.sessions.Lookup(token)
	if !ok {
		writeSessionExpired(w)
		return
	}
	writeJSON(w, http.StatusOK, statusOf(sess, false))
}

// Logout handles POST /sessions/logout. It succeeds whether or not the
// session still exists.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	if token := sessionToken(r); token != "" {
		a.sessions.TerminateSession(r.Context(), token, session.ReasonLogout)
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecordEvent handles POST /audit/events: a collaborator logs PHI access
// under the caller's session.
func (a *API) RecordEvent(w http.ResponseWriter, r *http.Request) {
	token := sessionToken(r)
	if token == "" {
		writeSessionExpired(w)
		return
	}
	var req RecordEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !recordableEvents[req.EventType] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("event_type %q cannot be recorded by clients", req.EventType))
		return
	}
	if req.Outcome != "" && req.Outcome != audit.OutcomeSuccess && req.Outcome != audit.OutcomeFailure {
		writeError(w, http.StatusBadRequest, "outcome must be success or failure")
		return
	}

	e, res := a.sessions.RecordActivity(r.Context(), token, audit.Event{
		Type:       req.EventType,
		ResourceID: req.ResourceID,
		Outcome:    req.Outcome,
		Details:    req.Details,
	})
	if !res.Valid {
		writeSessionExpired(w)
		return
	}
	writeJSON(w, http.StatusCreated, entryResponse(e))
}

// ListSessions handles GET /admin/sessions.
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	list, ok := a.sessions.ActiveSessions(r.Context(), actorFromContext(r.Context()))
	if !ok {
		writeForbidden(w)
		return
	}
	views := make([]SessionView, len(list))
	for i, s := range list {
		views[i] = viewOf(s)
	}
	items, meta := page(r, views)
	writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: items, Page: meta})
}

// ForceLogout handles POST /admin/subjects/{subjectID}/force-logout.
func (a *API) ForceLogout(w http.ResponseWriter, r *http.Request) {
	subject := util.NormalizeID(chi.URLParam(r, "subjectID"))
	if subject == "" {
		writeError(w, http.StatusBadRequest, "subject id is required")
		return
	}
	n, ok := a.sessions.ForceLogoutSubject(r.Context(), actorFromContext(r.Context()), subject)
	if !ok {
		writeForbidden(w)
		return
	}
	writeJSON(w, http.StatusOK, ForceLogoutResponse{SubjectID: subject, Terminated: n})
}

// ExportAudit handles GET /admin/audit/export?from=&to=.
func (a *API) ExportAudit(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	x, ok, err := a.sessions.ExportAuditLogs(r.Context(), actorFromContext(r.Context()), rng)
	if !ok {
		writeForbidden(w)
		return
	}
	if err != nil {
		a.logger.Error("audit export failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to export audit log")
		return
	}
	filename := "audit-export-" + x.GeneratedAt.Format("20060102T150405Z") + ".json"
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	writeJSON(w, http.StatusOK, x)
}

// ComplianceReport handles GET /admin/audit/report?from=&to=.
func (a *API) ComplianceReport(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rep, ok, err := a.sessions.GenerateComplianceReport(r.Context(), actorFromContext(r.Context()), rng)
	if !ok {
		writeForbidden(w)
		return
	}
	if err != nil {
		a.logger.Error("compliance report failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to build compliance report")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// parseRange reads the optional RFC 3339 "from" and "to" query parameters.
func parseRange(r *http.Request) (audit.Range, error) {
	var rng audit.Range
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &rng.From}, {"to", &rng.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return audit.Range{}, fmt.Errorf("%s must be an RFC 3339 timestamp", p.name)
		}
		*p.dst = t
	}
	if !rng.From.IsZero() && !rng.To.IsZero() && !rng.From.Before(rng.To) {
		return audit.Range{}, errors.New("from must be before to")
	}
	return rng, nil
}

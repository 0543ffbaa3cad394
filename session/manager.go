package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/sessionguard/audit"
	"github.com/jmcleod/sessionguard/clock"
	"github.com/jmcleod/sessionguard/internal/util"
	"github.com/jmcleod/sessionguard/schedule"
)

const (
	tokenPrefix = "sg_"
	tokenBytes  = 32
)

var (
	ErrEmptySubject = errors.New("session: subject id is required")
	ErrNoAuditLog   = errors.New("session: audit log is required")
)

// AuditLog is the part of audit.Trail the manager writes to and reads from.
type AuditLog interface {
	Log(ctx context.Context, ev audit.Event) audit.Entry
	Export(ctx context.Context, r audit.Range) (audit.Export, error)
	ComplianceReport(ctx context.Context, r audit.Range) (audit.Report, error)
}

var _ AuditLog = (*audit.Trail)(nil)

// Manager owns the session lifecycle. A single mutex serialises every
// transition (validate, extend, terminate, sweep, warning fire), so for any
// one session the last writer always sees the state left by the previous
// one and a session is terminated, and audited, at most once.
type Manager struct {
	cfg       Config
	clock     clock.Clock
	store     *Store
	warnings  *schedule.Queue
	trail     AuditLog
	onWarning func(WarningNotice)
	logger    *slog.Logger
	admins    map[string]struct{}

	mu sync.Mutex

	runMu   sync.Mutex
	sweeper *Sweeper
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithWarningCallback registers fn to receive idle-expiry warnings. fn runs
// with the manager lock held so that it can never observe a terminated
// session; it must return quickly and must not call back into the Manager.
func WithWarningCallback(fn func(WarningNotice)) Option {
	return func(m *Manager) { m.onWarning = fn }
}

// NewManager validates cfg and returns a Manager. Configuration errors are
// returned here rather than at call time.
func NewManager(cfg Config, trail AuditLog, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if trail == nil {
		return nil, ErrNoAuditLog
	}
	m := &Manager{
		cfg:      cfg,
		clock:    clock.Real{},
		store:    NewStore(),
		warnings: schedule.NewQueue(),
		trail:    trail,
		logger:   slog.Default(),
		admins:   make(map[string]struct{}, len(cfg.AdminRoles)),
	}
	for _, r := range cfg.AdminRoles {
		m.admins[r] = struct{}{}
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session")
	return m, nil
}

// CreateSession registers a session for an already authenticated subject
// and returns its bearer token.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (string, error) {
	subject := util.NormalizeID(req.SubjectID)
	if subject == "" {
		return "", ErrEmptySubject
	}
	token, err := util.RandomToken(tokenPrefix, tokenBytes)
	if err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	policy := m.cfg.PolicyFor(req.Role)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	abs := now.Add(policy.AbsoluteTimeout)
	sess := Session{
		ID:                token,
		Ref:               Ref(token),
		SubjectID:         subject,
		SubjectRole:       req.Role,
		CreatedAt:         now,
		LastActivityAt:    now,
		IdleExpiresAt:     minTime(now.Add(policy.IdleTimeout), abs),
		AbsoluteExpiresAt: abs,
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		Active:            true,
		Policy:            policy,
	}
	if err := m.store.Insert(sess); err != nil {
		return "", err
	}
	m.armWarningLocked(sess)

	m.trail.Log(ctx, audit.Event{
		Type:      audit.EventLoginSuccess,
		SubjectID: subject,
		Details: map[string]string{
			"role":        req.Role,
			"ip":          req.IPAddress,
			"user_agent":  req.UserAgent,
			"session_ref": sess.Ref,
		},
	})
	return token, nil
}

// ValidateSession checks a token and, when it is still valid, records
// activity on it. It never fails; the result carries the reason.
func (m *Manager) ValidateSession(ctx context.Context, id string) ValidationResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if res := m.liveLocked(ctx, id, now, "validate"); !res.Valid {
		return res
	}

	updated, _ := m.store.Update(id, func(s *Session) { s.touch(now, false) })
	res := ValidationResult{Valid: true}
	if !updated.WarningAcknowledged && updated.inWarningZone(now) {
		updated, _ = m.store.Update(id, func(s *Session) { s.WarningAcknowledged = true })
		res.ShouldWarn = true
	}
	m.armWarningLocked(updated)
	res.Session = updated
	return res
}

// ExtendSession renews the idle deadline on explicit user request and clears
// the warning acknowledgement. It cannot extend past the absolute deadline
// or revive an expired session.
func (m *Manager) ExtendSession(ctx context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if res := m.liveLocked(ctx, id, now, "extend"); !res.Valid {
		return false
	}
	updated, _ := m.store.Update(id, func(s *Session) { s.touch(now, true) })
	m.armWarningLocked(updated)

	m.trail.Log(ctx, audit.Event{
		Type:      audit.EventSessionExtended,
		SubjectID: updated.SubjectID,
		Details: map[string]string{
			"session_ref":     updated.Ref,
			"idle_expires_at": updated.IdleExpiresAt.UTC().Format(time.RFC3339),
		},
	})
	return true
}

// liveLocked reports whether the session exists and has not expired at now.
// Missing sessions are audited as rejected; inactive or expired ones are
// terminated.
func (m *Manager) liveLocked(ctx context.Context, id string, now time.Time, op string) ValidationResult {
	sess, ok := m.store.Get(id)
	if !ok {
		m.trail.Log(ctx, audit.Event{
			Type:    audit.EventSessionRejected,
			Outcome: audit.OutcomeFailure,
			Details: map[string]string{
				"reason":      string(ReasonNotFound),
				"operation":   op,
				"session_ref": Ref(id),
			},
		})
		return ValidationResult{Reason: ReasonNotFound}
	}
	if !sess.Active {
		m.terminateLocked(ctx, id, ReasonInactive, nil)
		return ValidationResult{Reason: ReasonNotFound}
	}
	if reason, expired := sess.expiry(now); expired {
		m.terminateLocked(ctx, id, reason, nil)
		return ValidationResult{Reason: reason}
	}
	return ValidationResult{Valid: true}
}

// TerminateSession ends a session. It is idempotent: ending an unknown or
// already terminated session returns false and writes nothing.
func (m *Manager) TerminateSession(ctx context.Context, id string, reason Reason) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminateLocked(ctx, id, reason, nil)
}

func eventFor(reason Reason) audit.EventType {
	switch reason {
	case ReasonIdleTimeout:
		return audit.EventIdleTimeout
	case ReasonAbsoluteTimeout:
		return audit.EventAbsoluteTimeout
	case ReasonAdminForceLogout:
		return audit.EventForcedLogout
	default:
		return audit.EventLogout
	}
}

// terminateLocked is the one path by which a session leaves the store. The
// pending warning is cancelled before the lock is released, so no warning
// can fire for the removed session.
func (m *Manager) terminateLocked(ctx context.Context, id string, reason Reason, extra map[string]string) bool {
	sess, ok := m.store.Remove(id)
	if !ok {
		return false
	}
	m.warnings.Cancel(id)

	now := m.clock.Now()
	details := map[string]string{
		"reason":      string(reason),
		"session_ref": sess.Ref,
		"role":        sess.SubjectRole,
		"session_age": now.Sub(sess.CreatedAt).Truncate(time.Second).String(),
	}
	for k, v := range extra {
		details[k] = v
	}
	m.trail.Log(ctx, audit.Event{
		Type:      eventFor(reason),
		SubjectID: sess.SubjectID,
		Details:   details,
	})
	m.logger.Debug("session terminated", "session_ref", sess.Ref, "reason", reason)
	return true
}

func (m *Manager) isAdmin(a Actor) bool {
	_, ok := m.admins[a.Role]
	return ok
}

// authorize reports whether actor may perform action and audits a refusal.
func (m *Manager) authorize(ctx context.Context, actor Actor, action, target string) bool {
	if m.isAdmin(actor) {
		return true
	}
	m.trail.Log(ctx, audit.Event{
		Type:      audit.EventPermissionDenied,
		SubjectID: actor.ID,
		Outcome:   audit.OutcomeFailure,
		Details: map[string]string{
			"action":     action,
			"target":     target,
			"actor_role": actor.Role,
		},
	})
	return false
}

// ForceLogoutSubject terminates every session of subjectID. It returns false
// without terminating anything if actor is not an administrator.
func (m *Manager) ForceLogoutSubject(ctx context.Context, actor Actor, subjectID string) (int, bool) {
	subject := util.NormalizeID(subjectID)
	if !m.authorize(ctx, actor, "force_logout", subject) {
		return 0, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.store.BySubject(subject) {
		if m.terminateLocked(ctx, s.ID, ReasonAdminForceLogout, map[string]string{"actor": actor.ID}) {
			n++
		}
	}
	return n, true
}

// ActiveSessions lists live sessions for an administrator, oldest first.
func (m *Manager) ActiveSessions(ctx context.Context, actor Actor) ([]Session, bool) {
	if !m.authorize(ctx, actor, "list_sessions", "") {
		return nil, false
	}
	return m.store.Snapshot(), true
}

// RecordLoginFailure audits a rejected authentication attempt. No session
// is created.
func (m *Manager) RecordLoginFailure(ctx context.Context, f LoginFailure) audit.Entry {
	return m.trail.Log(ctx, audit.Event{
		Type:      audit.EventLoginFailure,
		SubjectID: util.NormalizeID(f.SubjectID),
		Outcome:   audit.OutcomeFailure,
		Details: map[string]string{
			"ip":         f.IPAddress,
			"user_agent": f.UserAgent,
			"reason":     f.Reason,
		},
	})
}

// RecordActivity validates the session and, if it is valid, records ev
// attributed to the session's subject. Collaborators use it to log PHI
// access under an authenticated session.
func (m *Manager) RecordActivity(ctx context.Context, id string, ev audit.Event) (audit.Entry, ValidationResult) {
	res := m.ValidateSession(ctx, id)
	if !res.Valid {
		return audit.Entry{}, res
	}
	ev.SubjectID = res.Session.SubjectID
	if ev.Details == nil {
		ev.Details = make(map[string]string, 1)
	}
	ev.Details["session_ref"] = res.Session.Ref
	return m.trail.Log(ctx, ev), res
}

// ExportAuditLogs returns a signed export of the trail over r and audits
// the export itself.
func (m *Manager) ExportAuditLogs(ctx context.Context, actor Actor, r audit.Range) (audit.Export, bool, error) {
	if !m.authorize(ctx, actor, "audit_export", "") {
		return audit.Export{}, false, nil
	}
	x, err := m.trail.Export(ctx, r)
	if err != nil {
		return audit.Export{}, true, err
	}
	m.trail.Log(ctx, audit.Event{
		Type:      audit.EventAuditExport,
		SubjectID: actor.ID,
		Details: map[string]string{
			"from":    formatBound(r.From),
			"to":      formatBound(r.To),
			"entries": fmt.Sprint(len(x.Entries)),
		},
	})
	return x, true, nil
}

// GenerateComplianceReport summarises the trail over r for an administrator.
func (m *Manager) GenerateComplianceReport(ctx context.Context, actor Actor, r audit.Range) (audit.Report, bool, error) {
	if !m.authorize(ctx, actor, "compliance_report", "") {
		return audit.Report{}, false, nil
	}
	rep, err := m.trail.ComplianceReport(ctx, r)
	return rep, true, err
}

func formatBound(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Sweep expires every session whose deadline has passed and returns how
// many were terminated.
func (m *Manager) Sweep(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	n := 0
	for _, id := range m.store.Due(now) {
		sess, ok := m.store.Get(id)
		if !ok {
			continue
		}
		reason := ReasonInactive
		if sess.Active {
			r, expired := sess.expiry(now)
			if !expired {
				continue
			}
			reason = r
		}
		if m.terminateLocked(ctx, id, reason, nil) {
			n++
		}
	}
	if n > 0 {
		m.logger.Info("sweep expired sessions", "count", n, "remaining", m.store.Len())
	}
	return n
}

// TerminateAll ends every session with reason. The server calls it with
// ReasonShutdown so a restart leaves an audit record for each session it
// invalidates.
func (m *Manager) TerminateAll(ctx context.Context, reason Reason) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.store.Snapshot() {
		if m.terminateLocked(ctx, s.ID, reason, nil) {
			n++
		}
	}
	return n
}

// Lookup returns the session for id without recording activity on it.
func (m *Manager) Lookup(id string) (Session, bool) {
	return m.store.Get(id)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	return m.store.Len()
}

// Start launches the background sweeper and warning loop.
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.sweeper != nil {
		return
	}
	m.sweeper = newSweeper(m, m.cfg.SweepInterval, m.cfg.TickInterval)
	m.sweeper.start()
}

// Close stops the background loops. Live sessions are left in place; they
// are never persisted, so they die with the process.
func (m *Manager) Close() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.sweeper != nil {
		m.sweeper.stop()
		m.sweeper = nil
	}
}

// Package session implements the session lifecycle: creation, validation
// under idle and absolute timeouts, pre-expiry warnings, explicit and forced
// termination, and a sweeper that expires sessions without inbound traffic.
// Every security-relevant transition is recorded in the audit trail.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Reason explains why a session stopped being valid.
type Reason string

const (
	ReasonNotFound         Reason = "not_found"
	ReasonInactive         Reason = "inactive"
	ReasonIdleTimeout      Reason = "idle_timeout"
	ReasonAbsoluteTimeout  Reason = "absolute_timeout"
	ReasonLogout           Reason = "logout"
	ReasonAdminForceLogout Reason = "admin_force_logout"
	ReasonShutdown         Reason = "shutdown"
)

// Session is one authenticated browser session. The ID is the bearer token
// and is never serialised; Ref is a stable, non-secret handle for logs and
// admin listings.
type Session struct {
	ID                  string    `json:"-"`
	Ref                 string    `json:"ref"`
	SubjectID           string    `json:"subject_id"`
	SubjectRole         string    `json:"subject_role"`
	CreatedAt           time.Time `json:"created_at"`
	LastActivityAt      time.Time `json:"last_activity_at"`
	IdleExpiresAt       time.Time `json:"idle_expires_at"`
	AbsoluteExpiresAt   time.Time `json:"absolute_expires_at"`
	IPAddress           string    `json:"ip_address"`
	UserAgent           string    `json:"user_agent"`
	Active              bool      `json:"active"`
	WarningAcknowledged bool      `json:"warning_acknowledged"`
	Policy              Policy    `json:"policy"`

	index int
}

// deadline is the earliest instant at which the session may be expired.
// Inactive sessions are due immediately.
func (s *Session) deadline() time.Time {
	if !s.Active {
		return time.Time{}
	}
	if s.IdleExpiresAt.Before(s.AbsoluteExpiresAt) {
		return s.IdleExpiresAt
	}
	return s.AbsoluteExpiresAt
}

// expiry reports which deadline has passed at now, checking the absolute
// ceiling first.
func (s *Session) expiry(now time.Time) (Reason, bool) {
	if now.After(s.AbsoluteExpiresAt) {
		return ReasonAbsoluteTimeout, true
	}
	if now.After(s.IdleExpiresAt) {
		return ReasonIdleTimeout, true
	}
	return "", false
}

// inWarningZone reports whether the idle deadline is at most one warning
// window away and has not passed yet.
func (s *Session) inWarningZone(now time.Time) bool {
	if now.After(s.IdleExpiresAt) {
		return false
	}
	return s.IdleExpiresAt.Sub(now) <= s.Policy.WarningWindow
}

// touch records activity at now. The idle deadline never moves past the
// absolute ceiling. The warning acknowledgement is cleared on an explicit
// extension, or when the new deadline is a full warning window away, which
// starts a new idle window.
func (s *Session) touch(now time.Time, explicit bool) {
	s.LastActivityAt = now
	s.IdleExpiresAt = minTime(now.Add(s.Policy.IdleTimeout), s.AbsoluteExpiresAt)
	if explicit || s.IdleExpiresAt.Sub(now) > s.Policy.WarningWindow {
		s.WarningAcknowledged = false
	}
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// Ref derives the non-secret handle for a session token.
func Ref(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

type ValidationResult struct {
	Valid      bool   `json:"valid"`
	Reason     Reason `json:"reason,omitempty"`
	ShouldWarn bool   `json:"should_warn,omitempty"`
	// Session is a copy of the record after the touch; zero when invalid.
	Session Session `json:"-"`
}

type CreateRequest struct {
	SubjectID string
	Role      string
	IPAddress string
	UserAgent string
}

// LoginFailure describes a rejected authentication attempt reported by the
// identity provider. No session is created for it.
type LoginFailure struct {
	SubjectID string
	IPAddress string
	UserAgent string
	Reason    string
}

// Actor is the caller of an admin operation.
type Actor struct {
	ID   string
	Role string
}

// WarningNotice is passed to the warning callback shortly before idle
// expiry.
type WarningNotice struct {
	SessionRef    string
	SubjectID     string
	IdleExpiresAt time.Time
	Remaining     time.Duration
}

package api

import (
	"time"

	"github.com/jmcleod/sessionguard/audit"
	"github.com/jmcleod/sessionguard/session"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

type CreateSessionRequest struct {
	SubjectID string `json:"subject_id"`
	Role      string `json:"role"`
	// IPAddress and UserAgent describe the end user's client. They default
	// to the values seen on this request.
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type CreateSessionResponse struct {
	Token string `json:"token"`
	SessionStatus
}

// SessionStatus describes a live session without exposing its token.
type SessionStatus struct {
	SessionRef        string    `json:"session_ref"`
	SubjectID         string    `json:"subject_id"`
	Role              string    `json:"role,omitempty"`
	IdleExpiresAt     time.Time `json:"idle_expires_at"`
	AbsoluteExpiresAt time.Time `json:"absolute_expires_at"`
	ShouldWarn        bool      `json:"should_warn"`
}

func statusOf(s session.Session, warn bool) SessionStatus {
	return SessionStatus{
		SessionRef:        s.Ref,
		SubjectID:         s.SubjectID,
		Role:              s.SubjectRole,
		IdleExpiresAt:     s.IdleExpiresAt,
		AbsoluteExpiresAt: s.AbsoluteExpiresAt,
		ShouldWarn:        warn,
	}
}

type LoginFailureRequest struct {
	SubjectID string `json:"subject_id"`
	Reason    string `json:"reason"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// EntryResponse acknowledges an audit entry.
type EntryResponse struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	RiskLevel audit.RiskLevel `json:"risk_level"`
}

func entryResponse(e audit.Entry) EntryResponse {
	return EntryResponse{ID: e.ID, Seq: e.Seq, Timestamp: e.Timestamp, RiskLevel: e.RiskLevel}
}

type RecordEventRequest struct {
	EventType  audit.EventType   `json:"event_type"`
	ResourceID string            `json:"resource_id,omitempty"`
	Outcome    audit.Outcome     `json:"outcome,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// SessionView is the admin listing of a session.
type SessionView struct {
	SessionRef        string    `json:"session_ref"`
	SubjectID         string    `json:"subject_id"`
	Role              string    `json:"role"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	IdleExpiresAt     time.Time `json:"idle_expires_at"`
	AbsoluteExpiresAt time.Time `json:"absolute_expires_at"`
	IPAddress         string    `json:"ip_address"`
	UserAgent         string    `json:"user_agent"`
}

func viewOf(s session.Session) SessionView {
	return SessionView{
		SessionRef:        s.Ref,
		SubjectID:         s.SubjectID,
		Role:              s.SubjectRole,
		CreatedAt:         s.CreatedAt,
		LastActivityAt:    s.LastActivityAt,
		IdleExpiresAt:     s.IdleExpiresAt,
		AbsoluteExpiresAt: s.AbsoluteExpiresAt,
		IPAddress:         s.IPAddress,
		UserAgent:         s.UserAgent,
	}
}

type ListSessionsResponse struct {
	Sessions []SessionView `json:"sessions"`
	Page     PageMeta      `json:"page"`
}

type ForceLogoutResponse struct {
	SubjectID  string `json:"subject_id"`
	Terminated int    `json:"terminated"`
}

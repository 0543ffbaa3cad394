// Package audit implements the append-only, risk-classified audit trail that
// records every security-relevant session transition.
package audit

import (
	"context"
	"maps"
	"time"
)

// EventType identifies the kind of security-relevant action being recorded.
type EventType string

const (
	EventLoginSuccess     EventType = "login-success"
	EventLoginFailure     EventType = "login-failure"
	EventLogout           EventType = "logout"
	EventIdleTimeout      EventType = "idle-timeout"
	EventAbsoluteTimeout  EventType = "absolute-timeout"
	EventForcedLogout     EventType = "forced-logout"
	EventSessionExtended  EventType = "session-extended"
	EventSessionRejected  EventType = "session-rejected"
	EventPHIView          EventType = "phi-view"
	EventPHICreate        EventType = "phi-create"
	EventPHIUpdate        EventType = "phi-update"
	EventPHIDelete        EventType = "phi-delete"
	EventPHIExport        EventType = "phi-export"
	EventPHITransmitted   EventType = "phi-transmitted"
	EventConfigChange     EventType = "config-change"
	EventSecurityAlert    EventType = "security-alert"
	EventPermissionDenied EventType = "permission-denied"
	EventAuditExport      EventType = "audit-export"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Rank orders risk levels from LOW (0) to CRITICAL (3).
func (r RiskLevel) Rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// Event is what callers hand to Trail.Log. Details must already have PHI
// removed; the trail only masks well-known credential keys.
type Event struct {
	Type       EventType
	SubjectID  string
	ResourceID string
	Outcome    Outcome
	Details    map[string]string
}

// Entry is an immutable, chained audit record.
type Entry struct {
	ID         string            `json:"id"`
	Seq        uint64            `json:"seq"`
	Timestamp  time.Time         `json:"timestamp"`
	EventType  EventType         `json:"event_type"`
	SubjectID  string            `json:"subject_id"`
	ResourceID string            `json:"resource_id,omitempty"`
	Outcome    Outcome           `json:"outcome"`
	RiskLevel  RiskLevel         `json:"risk_level"`
	Details    map[string]string `json:"details,omitempty"`
	PrevHash   string            `json:"prev_hash"`
	Hash       string            `json:"hash"`
}

// clone returns e with its own Details map. Entries handed out by the trail
// are clones so callers cannot alter what gets persisted.
func (e Entry) clone() Entry {
	e.Details = maps.Clone(e.Details)
	return e
}

// Filter selects entries. Zero values match everything.
type Filter struct {
	From      time.Time
	To        time.Time
	SubjectID string
	EventType EventType
	Limit     int
}

// Matches reports whether e satisfies every set field of f. From is
// inclusive, To exclusive.
func (f Filter) Matches(e Entry) bool {
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	return true
}

// Range is a half-open time window [From, To).
type Range struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r Range) filter() Filter {
	return Filter{From: r.From, To: r.To}
}

// Persister is durable, append-only audit storage. Append must be idempotent
// on Entry.ID so the trail can retry after partial failures. Query returns
// entries ordered by Seq.
type Persister interface {
	Append(ctx context.Context, e Entry) error
	Query(ctx context.Context, f Filter) ([]Entry, error)
	Last(ctx context.Context) (*Entry, error)
}

// Alerter receives HIGH and CRITICAL entries.
type Alerter interface {
	Notify(ctx context.Context, e Entry) error
}

// AlerterFunc adapts a plain function to Alerter.
type AlerterFunc func(ctx context.Context, e Entry) error

func (f AlerterFunc) Notify(ctx context.Context, e Entry) error { return f(ctx, e) }

package session

import "time"

// armWarningLocked replaces the session's pending warning with one due a
// warning window before the idle deadline. Acknowledged sessions have
// nothing to warn about until an extend or a new idle window clears the
// flag, which re-arms through here.
func (m *Manager) armWarningLocked(s Session) {
	if s.WarningAcknowledged {
		m.warnings.Cancel(s.ID)
		return
	}
	due := s.IdleExpiresAt.Add(-s.Policy.WarningWindow)
	if now := m.clock.Now(); due.Before(now) {
		due = now
	}
	id := s.ID
	m.warnings.Schedule(id, due, func(now time.Time) { m.fireWarning(id, now) })
}

// fireWarning delivers the warning if the session is still live, not yet
// acknowledged and inside the warning zone. The flag makes delivery at most
// once per idle window regardless of how many ticks land in the zone.
func (m *Manager) fireWarning(id string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.store.Get(id)
	if !ok || !sess.Active || sess.WarningAcknowledged || !sess.inWarningZone(now) {
		return
	}
	updated, _ := m.store.Update(id, func(s *Session) { s.WarningAcknowledged = true })
	m.logger.Debug("idle warning", "session_ref", updated.Ref, "idle_expires_at", updated.IdleExpiresAt)
	if m.onWarning != nil {
		m.onWarning(WarningNotice{
			SessionRef:    updated.Ref,
			SubjectID:     updated.SubjectID,
			IdleExpiresAt: updated.IdleExpiresAt,
			Remaining:     updated.IdleExpiresAt.Sub(now),
		})
	}
}

// FireDueWarnings runs every warning task due at the current time and
// returns how many ran.
func (m *Manager) FireDueWarnings() int {
	return m.warnings.RunDue(m.clock.Now())
}

// PendingWarnings returns the number of armed warning tasks.
func (m *Manager) PendingWarnings() int {
	return m.warnings.Len()
}

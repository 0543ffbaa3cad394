package audit

var riskTable = map[EventType]RiskLevel{
	EventLoginFailure:   RiskHigh,
	EventPHIDelete:      RiskHigh,
	EventPHIExport:      RiskHigh,
	EventConfigChange:   RiskCritical,
	EventSecurityAlert:  RiskCritical,
	EventPHITransmitted: RiskMedium,
}

// Classify maps an event to its risk level. The outcome is accepted so the
// table can grow outcome-sensitive rows, but no current row depends on it.
func Classify(t EventType, _ Outcome) RiskLevel {
	if r, ok := riskTable[t]; ok {
		return r
	}
	return RiskLow
}

// Alertable reports whether entries at this level go to the Alerter.
func Alertable(r RiskLevel) bool {
	return r == RiskHigh || r == RiskCritical
}

package audit

import (
	"context"
	"fmt"
	"time"
)

// Export is a signed bundle of entries for an external reviewer.
type Export struct {
	Range       Range     `json:"range"`
	GeneratedAt time.Time `json:"generated_at"`
	Entries     []Entry   `json:"entries"`
	Signature   string    `json:"signature"`
}

// Export collects every entry in r from durable storage and the buffer and
// signs the result with the export key.
func (t *Trail) Export(ctx context.Context, r Range) (Export, error) {
	entries, err := t.Query(ctx, r.filter())
	if err != nil {
		return Export{}, err
	}
	x := Export{
		Range:       r,
		GeneratedAt: t.clock.Now().UTC().Truncate(time.Microsecond),
		Entries:     entries,
	}
	sig, err := t.keys.signExport(x)
	if err != nil {
		return Export{}, fmt.Errorf("signing export: %w", err)
	}
	x.Signature = sig
	return x, nil
}

// Report summarises the audit trail over a range.
type Report struct {
	Range          Range             `json:"range"`
	GeneratedAt    time.Time         `json:"generated_at"`
	TotalEntries   int               `json:"total_entries"`
	ByEventType    map[EventType]int `json:"by_event_type"`
	ByRiskLevel    map[RiskLevel]int `json:"by_risk_level"`
	ByOutcome      map[Outcome]int   `json:"by_outcome"`
	UniqueSubjects int               `json:"unique_subjects"`
	HighRisk       []Entry           `json:"high_risk"`
	Integrity      VerifyResult      `json:"integrity"`
}

func (t *Trail) ComplianceReport(ctx context.Context, r Range) (Report, error) {
	entries, err := t.Query(ctx, r.filter())
	if err != nil {
		return Report{}, err
	}
	rep := Summarize(entries)
	rep.Range = r
	rep.GeneratedAt = t.clock.Now().UTC().Truncate(time.Microsecond)
	rep.Integrity = t.keys.Verify(entries)
	return rep, nil
}

// Summarize tallies entries. It leaves Range, GeneratedAt and Integrity
// unset.
func Summarize(entries []Entry) Report {
	rep := Report{
		TotalEntries: len(entries),
		ByEventType:  make(map[EventType]int),
		ByRiskLevel:  make(map[RiskLevel]int),
		ByOutcome:    make(map[Outcome]int),
		HighRisk:     []Entry{},
	}
	subjects := make(map[string]struct{})
	for _, e := range entries {
		rep.ByEventType[e.EventType]++
		rep.ByRiskLevel[e.RiskLevel]++
		rep.ByOutcome[e.Outcome]++
		if e.SubjectID != "" {
			subjects[e.SubjectID] = struct{}{}
		}
		if Alertable(e.RiskLevel) {
			rep.HighRisk = append(rep.HighRisk, e)
		}
	}
	rep.UniqueSubjects = len(subjects)
	return rep
}

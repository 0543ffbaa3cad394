package alert

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jmcleod/sessionguard/audit"
)

// SpikeType identifies the kind of anomaly detected.
type SpikeType string

const (
	SpikeLoginFailures SpikeType = "login_failure_spike"
	SpikeBulkExport    SpikeType = "bulk_phi_export"
)

// Spike describes an anomaly that crossed its threshold.
type Spike struct {
	Type      SpikeType     `json:"type"`
	Message   string        `json:"message"`
	Count     int           `json:"count"`
	Threshold int           `json:"threshold"`
	Window    time.Duration `json:"window"`
	Timestamp time.Time     `json:"timestamp"`
}

// SpikeFunc is invoked when a spike is detected. It is called without the
// detector's lock held, so it may log back into the audit trail.
type SpikeFunc func(Spike)

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultExportWindow          = 5 * time.Minute
	defaultExportThreshold       = 10
)

// window is a sliding count of event times.
type window struct {
	times     []time.Time
	span      time.Duration
	threshold int
}

// record adds now and reports the count when the threshold is reached,
// resetting the window so one burst raises one alert.
func (w *window) record(now time.Time) (int, bool) {
	w.times = append(w.times, now)
	w.times = trimWindow(w.times, now, w.span)
	if w.threshold > 0 && len(w.times) >= w.threshold {
		n := len(w.times)
		w.times = w.times[:0]
		return n, true
	}
	return 0, false
}

// SpikeDetector watches audit entries for login-failure and PHI export
// bursts inside sliding windows. Times come from the entries themselves.
type SpikeDetector struct {
	mu      sync.Mutex
	logins  window
	exports window
	fn      SpikeFunc
}

type SpikeOption func(*SpikeDetector)

func WithLoginFailureThreshold(n int, span time.Duration) SpikeOption {
	return func(d *SpikeDetector) {
		d.logins.threshold = n
		d.logins.span = span
	}
}

func WithExportThreshold(n int, span time.Duration) SpikeOption {
	return func(d *SpikeDetector) {
		d.exports.threshold = n
		d.exports.span = span
	}
}

func NewSpikeDetector(fn SpikeFunc, opts ...SpikeOption) *SpikeDetector {
	d := &SpikeDetector{
		logins:  window{span: defaultLoginFailureWindow, threshold: defaultLoginFailureThreshold},
		exports: window{span: defaultExportWindow, threshold: defaultExportThreshold},
		fn:      fn,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Observe inspects an audit entry and updates the relevant window. It has
// the signature audit.WithObserver expects.
func (d *SpikeDetector) Observe(e audit.Entry) {
	if d == nil || d.fn == nil {
		return
	}

	var spike *Spike
	d.mu.Lock()
	switch e.EventType {
	case audit.EventLoginFailure:
		if n, ok := d.logins.record(e.Timestamp); ok {
			spike = &Spike{
				Type:      SpikeLoginFailures,
				Message:   "login failure rate exceeds threshold",
				Count:     n,
				Threshold: d.logins.threshold,
				Window:    d.logins.span,
				Timestamp: e.Timestamp,
			}
		}
	case audit.EventPHIExport:
		if n, ok := d.exports.record(e.Timestamp); ok {
			spike = &Spike{
				Type:      SpikeBulkExport,
				Message:   "PHI export rate exceeds threshold",
				Count:     n,
				Threshold: d.exports.threshold,
				Window:    d.exports.span,
				Timestamp: e.Timestamp,
			}
		}
	}
	d.mu.Unlock()

	if spike != nil {
		d.fn(*spike)
	}
}

// SpikeEvent converts a spike into the security-alert audit event that
// records it.
func SpikeEvent(s Spike) audit.Event {
	return audit.Event{
		Type:    audit.EventSecurityAlert,
		Outcome: audit.OutcomeFailure,
		Details: map[string]string{
			"alert":     string(s.Type),
			"message":   s.Message,
			"count":     strconv.Itoa(s.Count),
			"threshold": strconv.Itoa(s.Threshold),
			"window":    fmt.Sprint(s.Window),
		},
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}

package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jmcleod/sessionguard/audit"
)

// Logger writes alerts to a structured logger. CRITICAL entries are logged
// at error level, everything else at warn.
type Logger struct {
	logger *slog.Logger
}

var _ audit.Alerter = (*Logger)(nil)

func NewLogger(logger *slog.Logger) *Logger {
	return &Logger{logger: logger.With("component", "alert")}
}

func (l *Logger) Notify(ctx context.Context, e audit.Entry) error {
	level := slog.LevelWarn
	if e.RiskLevel == audit.RiskCritical {
		level = slog.LevelError
	}
	l.logger.LogAttrs(ctx, level, "security alert",
		slog.String("event", string(e.EventType)),
		slog.String("entry_id", e.ID),
		slog.String("subject_id", e.SubjectID),
		slog.String("risk", string(e.RiskLevel)),
		slog.String("timestamp", e.Timestamp.UTC().Format(time.RFC3339)),
	)
	return nil
}

// Multi fans an alert out to every alerter and joins their errors.
type Multi []audit.Alerter

var _ audit.Alerter = Multi(nil)

func (m Multi) Notify(ctx context.Context, e audit.Entry) error {
	var errs []error
	for _, a := range m {
		if err := a.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

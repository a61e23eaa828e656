// Package audit delivers session security events to logs and to the
// warden.audit_log table.
package audit

import (
	"context"
	"errors"
	"log/slog"

	"warden/cmd/internal/auth/session"
)

// LogSink writes events as structured log records.
// High and critical events log at Warn so they surface in default filters.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

// Emit implements session.EventSink.
func (s *LogSink) Emit(ctx context.Context, ev session.SecurityEvent) error {
	level := slog.LevelInfo
	switch ev.Severity {
	case session.SeverityHigh, session.SeverityCritical:
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("kind", string(ev.Kind)),
		slog.String("severity", string(ev.Severity)),
		slog.Time("at", ev.At),
		slog.String("user_id", ev.UserID),
		slog.String("credential_id", ev.CredentialID),
	}
	if ev.DeviceID != "" || ev.PresentedDeviceID != "" {
		attrs = append(attrs,
			slog.String("device_id", ev.DeviceID),
			slog.String("presented_device_id", ev.PresentedDeviceID),
		)
	}
	if ev.IP != "" {
		attrs = append(attrs, slog.String("ip", ev.IP))
	}
	if ev.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", ev.UserAgent))
	}
	if len(ev.Detail) > 0 {
		detail := make([]any, 0, len(ev.Detail)*2)
		for k, v := range ev.Detail {
			detail = append(detail, k, v)
		}
		attrs = append(attrs, slog.Group("detail", detail...))
	}

	s.log.LogAttrs(ctx, level, "auth.security_event", attrs...)
	return nil
}

// Fanout delivers each event to every sink and joins their errors.
type Fanout []session.EventSink

// Emit implements session.EventSink.
func (f Fanout) Emit(ctx context.Context, ev session.SecurityEvent) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

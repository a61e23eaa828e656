package audit

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"warden/cmd/internal/auth/session"
)

// PostgresSink inserts events into warden.audit_log.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink creates a PostgresSink over pool.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// Emit implements session.EventSink.
func (s *PostgresSink) Emit(ctx context.Context, ev session.SecurityEvent) error {
	if s == nil || s.pool == nil {
		return nil
	}

	meta, err := json.Marshal(eventMeta(ev))
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO warden.audit_log (
			user_id, credential_id, action, severity, created_at, ip, user_agent, meta
		) VALUES ($1, $2, $3, $4, $5, $6::inet, $7, $8::jsonb)
	`, trimOrNil(ev.UserID), trimOrNil(ev.CredentialID), "security."+string(ev.Kind), string(ev.Severity),
		ev.At, trimOrNil(ev.IP), trimOrNil(ev.UserAgent), string(meta))
	return err
}

func eventMeta(ev session.SecurityEvent) map[string]any {
	meta := make(map[string]any, len(ev.Detail)+2)
	for k, v := range ev.Detail {
		meta[k] = v
	}
	if ev.DeviceID != "" {
		meta["device_id"] = ev.DeviceID
	}
	if ev.PresentedDeviceID != "" {
		meta["presented_device_id"] = ev.PresentedDeviceID
	}
	return meta
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}

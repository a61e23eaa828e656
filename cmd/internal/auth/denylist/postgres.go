package denylist

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores denylist state in warden.access_denylist and
// warden.user_revocations.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed denylist.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// RevokeByID denylists tokenID until expiresAt (idempotent).
func (p *Postgres) RevokeByID(ctx context.Context, tokenID string, expiresAt time.Time, reason string) error {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return ErrInvalidInput
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO warden.access_denylist (token_id, expires_at, reason, revoked_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (token_id) DO UPDATE
		SET expires_at = GREATEST(warden.access_denylist.expires_at, EXCLUDED.expires_at)
	`, tokenID, expiresAt, nullIfEmpty(reason))
	return err
}

// IsRevoked reports whether tokenID is denylisted at now.
func (p *Postgres) IsRevoked(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	var revoked bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM warden.access_denylist
			WHERE token_id = $1 AND expires_at > $2
		)
	`, tokenID, now).Scan(&revoked)
	return revoked, err
}

// RevokeUserBefore moves userID's watermark forward. Both columns only grow.
func (p *Postgres) RevokeUserBefore(ctx context.Context, userID string, at, until time.Time) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidInput
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO warden.user_revocations (user_id, revoked_before, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET revoked_before = GREATEST(warden.user_revocations.revoked_before, EXCLUDED.revoked_before),
		    expires_at = GREATEST(warden.user_revocations.expires_at, EXCLUDED.expires_at)
	`, userID, at, until)
	return err
}

// IsUserRevokedSince reports whether issuedAt is before userID's watermark.
func (p *Postgres) IsUserRevokedSince(ctx context.Context, userID string, issuedAt, now time.Time) (bool, error) {
	var revoked bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM warden.user_revocations
			WHERE user_id = $1 AND expires_at > $3 AND revoked_before > $2
		)
	`, userID, issuedAt, now).Scan(&revoked)
	return revoked, err
}

func nullIfEmpty(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}

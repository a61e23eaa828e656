package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL (warden.renewal_credentials).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed credential store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Begin starts a READ COMMITTED transaction.
//
// Lookups take no row locks. Two rotations of the same credential both read
// it; the second version-guarded UPDATE waits for the first to commit,
// re-checks version, matches no row and reports ErrConflict.
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

const credentialColumns = `
	id, secret_hash, user_id, device_id,
	COALESCE(host(created_by_ip), ''), COALESCE(user_agent, ''),
	created_at, expires_at, last_used_at, usage_count,
	revoked_at, revoked_reason, rotated_at, replaced_by_hash,
	parent_hash, version`

func scanCredential(row pgx.Row) (RenewalCredential, error) {
	var c RenewalCredential
	err := row.Scan(
		&c.ID,
		&c.SecretHash,
		&c.UserID,
		&c.DeviceID,
		&c.CreatedByIP,
		&c.UserAgent,
		&c.CreatedAt,
		&c.ExpiresAt,
		&c.LastUsedAt,
		&c.UsageCount,
		&c.RevokedAt,
		&c.RevokedReason,
		&c.RotatedAt,
		&c.ReplacedByHash,
		&c.ParentHash,
		&c.Version,
	)
	return c, err
}

func (t *pgTx) queryCredentials(ctx context.Context, sql string, args ...any) ([]RenewalCredential, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RenewalCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) Create(ctx context.Context, c RenewalCredential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Version == 0 {
		c.Version = 1
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO warden.renewal_credentials (
			id, secret_hash, user_id, device_id,
			created_by_ip, user_agent,
			created_at, expires_at, last_used_at, usage_count,
			revoked_at, revoked_reason, rotated_at, replaced_by_hash,
			parent_hash, version
		) VALUES (
			$1, $2, $3, $4,
			NULLIF($5, '')::inet, NULLIF($6, ''),
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16
		)
	`, c.ID, c.SecretHash, c.UserID, c.DeviceID,
		c.CreatedByIP, c.UserAgent,
		c.CreatedAt, c.ExpiresAt, c.LastUsedAt, c.UsageCount,
		c.RevokedAt, c.RevokedReason, c.RotatedAt, c.ReplacedByHash,
		c.ParentHash, c.Version)
	return mapPgErr(err)
}

func (t *pgTx) FindBySecretHash(ctx context.Context, hash string) (RenewalCredential, error) {
	c, err := scanCredential(t.tx.QueryRow(ctx, `
		SELECT`+credentialColumns+`
		FROM warden.renewal_credentials
		WHERE secret_hash = $1
	`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return RenewalCredential{}, ErrNotFound
	}
	if err != nil {
		return RenewalCredential{}, err
	}
	return c, nil
}

func (t *pgTx) FindByParentHash(ctx context.Context, parentHash string) ([]RenewalCredential, error) {
	return t.queryCredentials(ctx, `
		SELECT`+credentialColumns+`
		FROM warden.renewal_credentials
		WHERE parent_hash = $1
		ORDER BY created_at
	`, parentHash)
}

func (t *pgTx) FindActiveFor(ctx context.Context, userID, deviceID string) ([]RenewalCredential, error) {
	return t.queryCredentials(ctx, `
		SELECT`+credentialColumns+`
		FROM warden.renewal_credentials
		WHERE user_id = $1 AND device_id = $2 AND revoked_at IS NULL
	`, userID, deviceID)
}

func (t *pgTx) Update(ctx context.Context, c RenewalCredential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE warden.renewal_credentials
		SET
			last_used_at = $3,
			usage_count = $4,
			revoked_at = $5,
			revoked_reason = $6,
			rotated_at = $7,
			replaced_by_hash = $8,
			version = version + 1
		WHERE id = $1 AND version = $2
	`, c.ID, c.Version, c.LastUsedAt, c.UsageCount,
		c.RevokedAt, c.RevokedReason, c.RotatedAt, c.ReplacedByHash)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (t *pgTx) RevokeBatch(ctx context.Context, hashes []string, now time.Time, reason string) (int, error) {
	if len(hashes) == 0 {
		return 0, nil
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE warden.renewal_credentials
		SET revoked_at = $2,
		    revoked_reason = $3,
		    version = version + 1
		WHERE secret_hash = ANY($1) AND revoked_at IS NULL
	`, hashes, now, reason)
	if err != nil {
		return 0, mapPgErr(err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) RevokeAllForUser(ctx context.Context, userID string, now time.Time, reason string) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE warden.renewal_credentials
		SET revoked_at = $2,
		    revoked_reason = $3,
		    version = version + 1
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID, now, reason)
	if err != nil {
		return 0, mapPgErr(err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	return mapPgErr(t.tx.Commit(ctx))
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// mapPgErr maps unique violations and serialization failures to ErrConflict.
func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return ErrConflict
		}
	}
	return err
}

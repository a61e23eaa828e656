package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS renewal_credentials (
	id               TEXT PRIMARY KEY,
	secret_hash      TEXT NOT NULL UNIQUE,
	user_id          TEXT NOT NULL,
	device_id        TEXT,
	created_by_ip    TEXT NOT NULL DEFAULT '',
	user_agent       TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL,
	last_used_at     INTEGER,
	usage_count      INTEGER NOT NULL DEFAULT 0,
	revoked_at       INTEGER,
	revoked_reason   TEXT,
	rotated_at       INTEGER,
	replaced_by_hash TEXT,
	parent_hash      TEXT,
	version          INTEGER NOT NULL DEFAULT 1,
	CHECK (expires_at > created_at)
);
CREATE INDEX IF NOT EXISTS renewal_credentials_user_idx ON renewal_credentials (user_id);
CREATE INDEX IF NOT EXISTS renewal_credentials_parent_idx ON renewal_credentials (parent_hash);
CREATE UNIQUE INDEX IF NOT EXISTS renewal_credentials_device_live_idx
	ON renewal_credentials (user_id, device_id)
	WHERE revoked_at IS NULL AND device_id IS NOT NULL;
`

// SQLiteStore implements Store over a single SQLite file.
//
// Timestamps are stored as unix milliseconds. The schema is created on open.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite store: path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database reachability.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Begin starts a transaction.
func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

const sqliteColumns = `
	id, secret_hash, user_id, device_id, created_by_ip, user_agent,
	created_at, expires_at, last_used_at, usage_count,
	revoked_at, revoked_reason, rotated_at, replaced_by_hash,
	parent_hash, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteCredential(row rowScanner) (RenewalCredential, error) {
	var (
		c                            RenewalCredential
		deviceID, reason             sql.NullString
		replaced, parent             sql.NullString
		createdAt, expiresAt         int64
		lastUsed, revokedAt, rotated sql.NullInt64
	)
	err := row.Scan(
		&c.ID, &c.SecretHash, &c.UserID, &deviceID, &c.CreatedByIP, &c.UserAgent,
		&createdAt, &expiresAt, &lastUsed, &c.UsageCount,
		&revokedAt, &reason, &rotated, &replaced,
		&parent, &c.Version,
	)
	if err != nil {
		return RenewalCredential{}, err
	}
	c.CreatedAt = fromMillis(createdAt)
	c.ExpiresAt = fromMillis(expiresAt)
	c.DeviceID = nullString(deviceID)
	c.LastUsedAt = nullMillis(lastUsed)
	c.RevokedAt = nullMillis(revokedAt)
	c.RevokedReason = nullString(reason)
	c.RotatedAt = nullMillis(rotated)
	c.ReplacedByHash = nullString(replaced)
	c.ParentHash = nullString(parent)
	return c, nil
}

func (t *sqliteTx) queryCredentials(ctx context.Context, query string, args ...any) ([]RenewalCredential, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()

	var out []RenewalCredential
	for rows.Next() {
		c, err := scanSQLiteCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *sqliteTx) Create(ctx context.Context, c RenewalCredential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Version == 0 {
		c.Version = 1
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO renewal_credentials (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.SecretHash, c.UserID, c.DeviceID, c.CreatedByIP, c.UserAgent,
		toMillis(c.CreatedAt), toMillis(c.ExpiresAt), millisPtr(c.LastUsedAt), c.UsageCount,
		millisPtr(c.RevokedAt), c.RevokedReason, millisPtr(c.RotatedAt), c.ReplacedByHash,
		c.ParentHash, c.Version)
	return mapSQLiteErr(err)
}

func (t *sqliteTx) FindBySecretHash(ctx context.Context, hash string) (RenewalCredential, error) {
	c, err := scanSQLiteCredential(t.tx.QueryRowContext(ctx,
		`SELECT`+sqliteColumns+` FROM renewal_credentials WHERE secret_hash = ?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return RenewalCredential{}, ErrNotFound
	}
	if err != nil {
		return RenewalCredential{}, mapSQLiteErr(err)
	}
	return c, nil
}

func (t *sqliteTx) FindByParentHash(ctx context.Context, parentHash string) ([]RenewalCredential, error) {
	return t.queryCredentials(ctx,
		`SELECT`+sqliteColumns+` FROM renewal_credentials WHERE parent_hash = ? ORDER BY created_at`, parentHash)
}

func (t *sqliteTx) FindActiveFor(ctx context.Context, userID, deviceID string) ([]RenewalCredential, error) {
	return t.queryCredentials(ctx,
		`SELECT`+sqliteColumns+` FROM renewal_credentials
		 WHERE user_id = ? AND device_id = ? AND revoked_at IS NULL`, userID, deviceID)
}

func (t *sqliteTx) Update(ctx context.Context, c RenewalCredential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE renewal_credentials
		SET last_used_at = ?, usage_count = ?,
		    revoked_at = ?, revoked_reason = ?,
		    rotated_at = ?, replaced_by_hash = ?,
		    version = version + 1
		WHERE id = ? AND version = ?
	`, millisPtr(c.LastUsedAt), c.UsageCount,
		millisPtr(c.RevokedAt), c.RevokedReason,
		millisPtr(c.RotatedAt), c.ReplacedByHash,
		c.ID, c.Version)
	if err != nil {
		return mapSQLiteErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (t *sqliteTx) RevokeBatch(ctx context.Context, hashes []string, now time.Time, reason string) (int, error) {
	if len(hashes) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(hashes)+2)
	args = append(args, toMillis(now), reason)
	for _, h := range hashes {
		args = append(args, h)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(hashes)), ",")
	res, err := t.tx.ExecContext(ctx, `
		UPDATE renewal_credentials
		SET revoked_at = ?, revoked_reason = ?, version = version + 1
		WHERE revoked_at IS NULL AND secret_hash IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return 0, mapSQLiteErr(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *sqliteTx) RevokeAllForUser(ctx context.Context, userID string, now time.Time, reason string) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE renewal_credentials
		SET revoked_at = ?, revoked_reason = ?, version = version + 1
		WHERE user_id = ? AND revoked_at IS NULL
	`, toMillis(now), reason, userID)
	if err != nil {
		return 0, mapSQLiteErr(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *sqliteTx) Commit(_ context.Context) error {
	return mapSQLiteErr(t.tx.Commit())
}

func (t *sqliteTx) Rollback(_ context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// mapSQLiteErr maps constraint and lock contention errors to ErrConflict.
// A busy snapshot means another writer committed after this Tx read.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return ErrConflict
	}
	return err
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

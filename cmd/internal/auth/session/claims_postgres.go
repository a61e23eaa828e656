package session

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresClaimsSource reads roles and permissions from warden.user_grants.
//
// A grant row is (user_id, kind, value) where kind is 'role' or 'permission'.
// Users without rows get an empty subject.
type PostgresClaimsSource struct {
	pool *pgxpool.Pool
}

// NewPostgresClaimsSource creates a grant reader over pool.
func NewPostgresClaimsSource(pool *pgxpool.Pool) *PostgresClaimsSource {
	return &PostgresClaimsSource{pool: pool}
}

// Subject implements ClaimsSource.
func (s *PostgresClaimsSource) Subject(ctx context.Context, userID string) (Subject, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kind, value
		FROM warden.user_grants
		WHERE user_id = $1
		ORDER BY kind, value
	`, userID)
	if err != nil {
		return Subject{}, fmt.Errorf("load grants: %w", err)
	}
	defer rows.Close()

	sub := Subject{UserID: userID}
	for rows.Next() {
		var kind, value string
		if err := rows.Scan(&kind, &value); err != nil {
			return Subject{}, fmt.Errorf("scan grant: %w", err)
		}
		switch kind {
		case "role":
			sub.Roles = append(sub.Roles, value)
		case "permission":
			sub.Permissions = append(sub.Permissions, value)
		}
	}
	if err := rows.Err(); err != nil {
		return Subject{}, fmt.Errorf("load grants: %w", err)
	}
	return sub, nil
}

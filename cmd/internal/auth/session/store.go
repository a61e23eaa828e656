package session

import (
	"context"
	"time"
)

// Store opens units of work over renewal-credential state.
//
// Each logical operation (issue, rotate, revoke) runs in exactly one Tx.
// A Tx is never shared across requests.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a single transaction against the renewal-credential table.
//
// Implementations must provide:
//   - Update conditional on RenewalCredential.Version, returning ErrConflict
//     when the stored version differs (optimistic concurrency).
//   - ErrConflict when Create violates secret_hash uniqueness or the
//     single-unrevoked-per-(user, device) constraint.
//   - Rollback that is safe to call after Commit.
type Tx interface {
	// Create inserts a new credential.
	Create(ctx context.Context, c RenewalCredential) error

	// FindBySecretHash loads a credential by its secret hash, or ErrNotFound.
	// It must not block on a concurrent writer of the same row: a racing
	// rotation has to be decided by the version check in Update.
	FindBySecretHash(ctx context.Context, hash string) (RenewalCredential, error)

	// FindByParentHash returns credentials minted from parentHash.
	FindByParentHash(ctx context.Context, parentHash string) ([]RenewalCredential, error)

	// FindActiveFor returns the unrevoked credentials bound to (userID, deviceID),
	// including ones whose expires_at has passed.
	FindActiveFor(ctx context.Context, userID, deviceID string) ([]RenewalCredential, error)

	// Update writes c if the stored version equals c.Version, bumping it by one.
	Update(ctx context.Context, c RenewalCredential) error

	// RevokeBatch revokes the unrevoked credentials among hashes.
	RevokeBatch(ctx context.Context, hashes []string, now time.Time, reason string) (int, error)

	// RevokeAllForUser revokes every unrevoked credential of userID.
	RevokeAllForUser(ctx context.Context, userID string, now time.Time, reason string) (int, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

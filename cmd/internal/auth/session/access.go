package session

import (
	"context"
	"time"
)

// Subject is the identity snapshot embedded in an access token at issuance.
type Subject struct {
	UserID      string
	Roles       []string
	Permissions []string
}

// ClaimsSource resolves roles and permissions for a user at issuance time.
type ClaimsSource interface {
	Subject(ctx context.Context, userID string) (Subject, error)
}

// StaticClaimsSource serves subjects from memory. Unknown users get no grants.
type StaticClaimsSource map[string]Subject

// Subject implements ClaimsSource.
func (s StaticClaimsSource) Subject(_ context.Context, userID string) (Subject, error) {
	sub, ok := s[userID]
	if !ok {
		return Subject{UserID: userID}, nil
	}
	sub.UserID = userID
	return sub, nil
}

// AccessClaims is the identity envelope carried by an access token.
type AccessClaims struct {
	UserID      string
	TokenID     string
	DeviceID    string
	Roles       []string
	Permissions []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Issuer      string
}

// AccessTokenManager issues and verifies short-lived access tokens.
type AccessTokenManager interface {
	// Issue signs a new token for sub. The returned claims carry the fresh
	// token id and the issued-at/expiry timestamps.
	Issue(sub Subject, deviceID string, now time.Time) (token string, claims AccessClaims, err error)

	// Verify checks signature, issuer, and validity window at now.
	Verify(token string, now time.Time) (AccessClaims, error)

	// Inspect checks signature and issuer only, ignoring the validity window.
	Inspect(token string) (AccessClaims, error)
}

// NewAccessTokenManager builds the manager selected by cfg.AccessTokenFormat.
func NewAccessTokenManager(cfg Config) (AccessTokenManager, error) {
	switch cfg.AccessTokenFormat {
	case FormatPaseto, "":
		return NewPasetoV4PublicManager(cfg)
	case FormatJWT:
		return NewJWTManager(cfg)
	default:
		return nil, ErrConfig
	}
}

// Denylist records revoked access tokens until their natural expiry, plus a
// per-user watermark that revokes every token issued strictly before it.
type Denylist interface {
	RevokeByID(ctx context.Context, tokenID string, expiresAt time.Time, reason string) error
	IsRevoked(ctx context.Context, tokenID string, now time.Time) (bool, error)

	// RevokeUserBefore revokes all of userID's tokens issued before at.
	// Issue times carry microsecond precision; a token issued at exactly at
	// stays valid.
	// The entry is only needed until until (the last such token's expiry).
	RevokeUserBefore(ctx context.Context, userID string, at, until time.Time) error
	IsUserRevokedSince(ctx context.Context, userID string, issuedAt, now time.Time) (bool, error)
}

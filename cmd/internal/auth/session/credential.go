package session

import (
	"net"
	"time"
)

// Revocation reasons written to revoked_reason.
const (
	ReasonRotated    = "rotated"
	ReasonSuperseded = "superseded"
	ReasonLogout     = "logout"
	ReasonLogoutAll  = "logout_all"
	ReasonReplay     = "replay"

	chainReasonPrefix = "chain:"
)

// ChainReason tags a revocation performed by lineage traversal.
func ChainReason(cause string) string { return chainReasonPrefix + cause }

// State is the lifecycle state of a RenewalCredential at a point in time.
type State string

const (
	StateActive  State = "active"
	StateRotated State = "rotated"
	StateRevoked State = "revoked"
	StateExpired State = "expired"
)

// Device describes the client presenting a renewal credential.
// ID is a hard bind; IP and UserAgent are provenance and soft signals.
type Device struct {
	ID        string
	IP        net.IP
	UserAgent string
}

// RenewalCredential mirrors a warden.renewal_credentials row.
type RenewalCredential struct {
	ID         string
	SecretHash string
	UserID     string
	DeviceID   *string

	CreatedByIP string
	UserAgent   string

	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastUsedAt *time.Time
	UsageCount int

	RevokedAt     *time.Time
	RevokedReason *string

	RotatedAt      *time.Time
	ReplacedByHash *string

	ParentHash *string

	// Version is the optimistic concurrency token. Writes are conditional on it.
	Version int64
}

// State reports the credential state at now. Rotation wins over revocation
// because a rotated credential is also marked revoked.
func (c RenewalCredential) State(now time.Time) State {
	switch {
	case c.RotatedAt != nil:
		return StateRotated
	case c.RevokedAt != nil:
		return StateRevoked
	case !c.ExpiresAt.After(now):
		return StateExpired
	default:
		return StateActive
	}
}

// Active reports whether c can currently be rotated.
func (c RenewalCredential) Active(now time.Time) bool {
	return c.State(now) == StateActive
}

// Device returns the bound device id, or "" when unbound.
func (c RenewalCredential) Device() string {
	if c.DeviceID == nil {
		return ""
	}
	return *c.DeviceID
}

// Validate checks the field-pairing invariants of a row.
func (c RenewalCredential) Validate() error {
	if c.ID == "" || c.SecretHash == "" || c.UserID == "" {
		return ErrValidation
	}
	if !c.ExpiresAt.After(c.CreatedAt) {
		return ErrValidation
	}
	if (c.RevokedAt == nil) != (c.RevokedReason == nil) {
		return ErrValidation
	}
	if (c.RotatedAt == nil) != (c.ReplacedByHash == nil) {
		return ErrValidation
	}
	return nil
}

func (c *RenewalCredential) revoke(now time.Time, reason string) {
	if c.RevokedAt != nil {
		return
	}
	at := now
	r := reason
	c.RevokedAt = &at
	c.RevokedReason = &r
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timePtr(t time.Time) *time.Time { return &t }

package session

import "errors"

var (
	// ErrTokenNotFound is returned when a renewal secret does not match any credential.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired is returned when the renewal credential is past expires_at.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked is returned when the renewal credential (or access token) has been revoked.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrDeviceMismatch is returned when the presented device id differs from the bound one.
	ErrDeviceMismatch = errors.New("device mismatch")

	// ErrReplayDetected is returned when an already rotated renewal secret is presented again.
	// The lineage has been revoked by the time the caller sees it.
	ErrReplayDetected = errors.New("renewal token replay detected")

	// ErrConcurrencyConflict is returned when a concurrent writer modified the credential first.
	ErrConcurrencyConflict = errors.New("concurrent credential modification")

	// ErrIssueConflict is returned when Issue loses a race for the same
	// (user, device) slot. No credential was created; the caller may retry.
	ErrIssueConflict = errors.New("concurrent session issuance for device")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")

	// ErrConflict is returned by Store implementations when a version check or
	// uniqueness constraint fails. Service translates it to ErrConcurrencyConflict.
	ErrConflict = errors.New("store: write conflict")

	// ErrNotFound is returned by Store implementations for missing rows.
	ErrNotFound = errors.New("store: not found")
)

// Kind is the stable error taxonomy exposed to callers and logs.
type Kind string

const (
	KindNone                Kind = ""
	KindTokenNotFound       Kind = "TOKEN_NOT_FOUND"
	KindTokenExpired        Kind = "TOKEN_EXPIRED"
	KindTokenRevoked        Kind = "TOKEN_REVOKED"
	KindDeviceMismatch      Kind = "DEVICE_MISMATCH"
	KindReplayDetected      Kind = "REPLAY_DETECTED"
	KindConcurrencyConflict Kind = "CONCURRENCY_CONFLICT"
	KindIssueConflict       Kind = "ISSUE_CONFLICT"
	KindValidationFailed    Kind = "VALIDATION_FAILED"
	KindInvalidToken        Kind = "INVALID_TOKEN"
	KindConfig              Kind = "CONFIG"
	KindInternal            Kind = "INTERNAL"
)

// KindOf classifies err. Unrecognized non-nil errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTokenNotFound):
		return KindTokenNotFound
	case errors.Is(err, ErrTokenExpired):
		return KindTokenExpired
	case errors.Is(err, ErrTokenRevoked):
		return KindTokenRevoked
	case errors.Is(err, ErrDeviceMismatch):
		return KindDeviceMismatch
	case errors.Is(err, ErrReplayDetected):
		return KindReplayDetected
	case errors.Is(err, ErrConcurrencyConflict):
		return KindConcurrencyConflict
	case errors.Is(err, ErrIssueConflict):
		return KindIssueConflict
	case errors.Is(err, ErrValidation):
		return KindValidationFailed
	case errors.Is(err, ErrInvalidToken):
		return KindInvalidToken
	case errors.Is(err, ErrConfig):
		return KindConfig
	default:
		return KindInternal
	}
}

// PublicKind is KindOf with replay and conflict collapsed into
// KindInvalidToken so callers cannot observe detection logic.
func PublicKind(err error) Kind {
	k := KindOf(err)
	switch k {
	case KindReplayDetected, KindConcurrencyConflict:
		return KindInvalidToken
	default:
		return k
	}
}

// rejection wraps a policy sentinel with ErrInvalidToken so errors.Is matches
// both the specific cause and the public kind.
type rejection struct {
	cause error
}

func (e rejection) Error() string { return ErrInvalidToken.Error() + ": " + e.cause.Error() }

func (e rejection) Unwrap() []error { return []error{e.cause, ErrInvalidToken} }

func invalidToken(cause error) error { return rejection{cause: cause} }
